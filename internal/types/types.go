// Package types provides the domain model shared by badgekeeper components:
// the structured Value, the Operator vocabulary, rule trees and their JSON
// wire codec, and the sentinel error taxonomy.
//
// Dependency-light: only ids.go imports a third-party module (uuid) so the
// model can be vendored into rule-authoring tooling without the engine.
package types

// RuleID identifies a rule. Any non-empty string is valid; rules created by
// badgekeeper itself use UUIDv7 values from NewRuleID.
type RuleID string

// Validate rejects empty identifiers.
func (id RuleID) Validate() error {
	if id == "" {
		return &RuleError{Kind: ErrInvalidRuleID, Detail: "rule id must not be empty"}
	}
	return nil
}

// EventID identifies an inbound event envelope.
type EventID string

// Resource limits for inbound documents.
const (
	// MaxPayloadSize bounds a single event document accepted by the consumer
	// and the evaluation RPC. Larger payloads are rejected before decoding.
	MaxPayloadSize = 1024 * 1024
)
