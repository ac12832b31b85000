package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/solatis/badgekeeper/internal/rules"
	"github.com/solatis/badgekeeper/internal/types"
)

// readInput reads path, or stdin when path is "-".
func readInput(path string, stdin io.Reader) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(io.LimitReader(stdin, types.MaxPayloadSize+1))
	}
	return os.ReadFile(path)
}

// parseRules accepts a single rule object or an array of rules.
func parseRules(data []byte) ([]*types.Rule, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var raw []json.RawMessage
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return nil, &types.RuleError{Kind: types.ErrParse, Err: err}
		}
		out := make([]*types.Rule, 0, len(raw))
		for i, r := range raw {
			rule, err := types.ParseRule(r)
			if err != nil {
				return nil, fmt.Errorf("rule %d: %w", i, err)
			}
			out = append(out, rule)
		}
		return out, nil
	}
	rule, err := types.ParseRule(trimmed)
	if err != nil {
		return nil, err
	}
	return []*types.Rule{rule}, nil
}

func loadRuleFile(path string, stdin io.Reader) ([]*types.Rule, error) {
	data, err := readInput(path, stdin)
	if err != nil {
		return nil, err
	}
	return parseRules(data)
}

func loadEventFile(path string, stdin io.Reader) (*rules.EvaluationContext, error) {
	data, err := readInput(path, stdin)
	if err != nil {
		return nil, err
	}
	if len(data) > types.MaxPayloadSize {
		return nil, fmt.Errorf("event document exceeds %d bytes", types.MaxPayloadSize)
	}
	return rules.ParseContext(data)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
