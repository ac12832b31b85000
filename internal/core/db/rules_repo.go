package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/solatis/badgekeeper/internal/types"
)

// timestampLayout is RFC 3339 with fixed nanosecond width so updated_at
// compares correctly as text on both drivers.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

// RuleLoader receives rules read back from the database. *rules.Engine
// satisfies it.
type RuleLoader interface {
	Load(rule *types.Rule) error
}

// RuleRepository stores rule definitions as JSON.
type RuleRepository struct {
	q   *Queries
	now func() time.Time
}

// NewRuleRepository returns a repository over q.
func NewRuleRepository(q *Queries) *RuleRepository {
	return &RuleRepository{q: q, now: time.Now}
}

type ruleRow struct {
	RuleID     string `db:"rule_id"`
	Name       string `db:"name"`
	Version    string `db:"version"`
	Definition string `db:"definition"`
	CreatedAt  string `db:"created_at"`
	UpdatedAt  string `db:"updated_at"`
}

// Save inserts or replaces a rule and returns the stored copy with its
// timestamps filled in. CreatedAt defaults to the time embedded in a UUIDv7
// id, else now; an existing row keeps its original created_at.
func (r *RuleRepository) Save(ctx context.Context, rule *types.Rule) (*types.Rule, error) {
	if rule == nil {
		return nil, &types.RuleError{Kind: types.ErrInvalidRuleID, Detail: "rule is nil"}
	}
	if err := rule.ID.Validate(); err != nil {
		return nil, err
	}
	if rule.Root == nil {
		return nil, &types.RuleError{Kind: types.ErrParse, RuleID: string(rule.ID), Detail: "rule has no root"}
	}

	saved := rule.Clone()
	now := r.now().UTC()
	if saved.CreatedAt.IsZero() {
		saved.CreatedAt = types.IDTime(string(saved.ID))
		if saved.CreatedAt.IsZero() {
			saved.CreatedAt = now
		}
	}
	saved.UpdatedAt = now

	definition, err := json.Marshal(saved.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to encode rule %s: %w", saved.ID, err)
	}

	_, err = r.q.Exec(ctx, "upsert-rule",
		string(saved.ID), saved.Name, saved.Version, string(definition),
		formatTime(saved.CreatedAt), formatTime(saved.UpdatedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to save rule %s: %w", saved.ID, err)
	}

	// Report the created_at actually persisted.
	return r.Get(ctx, saved.ID)
}

// Get returns the rule with id, or an error wrapping types.ErrRuleNotFound.
func (r *RuleRepository) Get(ctx context.Context, id types.RuleID) (*types.Rule, error) {
	var row ruleRow
	if err := r.q.Get(ctx, "get-rule", &row, string(id)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &types.RuleError{Kind: types.ErrRuleNotFound, RuleID: string(id)}
		}
		return nil, fmt.Errorf("failed to get rule %s: %w", id, err)
	}
	return row.rule()
}

// List returns every stored rule ordered by id.
func (r *RuleRepository) List(ctx context.Context) ([]*types.Rule, error) {
	var rows []ruleRow
	if err := r.q.Select(ctx, "list-rules", &rows); err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	return decodeRows(rows)
}

// ListUpdatedSince returns rules whose updated_at is after since, oldest first.
func (r *RuleRepository) ListUpdatedSince(ctx context.Context, since time.Time) ([]*types.Rule, error) {
	var rows []ruleRow
	if err := r.q.Select(ctx, "list-rules-updated-since", &rows, formatTime(since)); err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	return decodeRows(rows)
}

// Delete removes the rule with id and reports whether it existed.
func (r *RuleRepository) Delete(ctx context.Context, id types.RuleID) (bool, error) {
	res, err := r.q.Exec(ctx, "delete-rule", string(id))
	if err != nil {
		return false, fmt.Errorf("failed to delete rule %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Count returns the number of stored rules.
func (r *RuleRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.q.Get(ctx, "count-rules", &n); err != nil {
		return 0, fmt.Errorf("failed to count rules: %w", err)
	}
	return n, nil
}

// LoadReport summarizes LoadInto.
type LoadReport struct {
	Loaded int
	Failed map[types.RuleID]error
}

// LoadInto hands every stored rule to dst. Rules dst rejects are collected in
// the report rather than aborting the load.
func (r *RuleRepository) LoadInto(ctx context.Context, dst RuleLoader) (LoadReport, error) {
	report := LoadReport{Failed: make(map[types.RuleID]error)}

	var rows []ruleRow
	if err := r.q.Select(ctx, "list-rules", &rows); err != nil {
		return report, fmt.Errorf("failed to list rules: %w", err)
	}
	for _, row := range rows {
		rule, err := row.rule()
		if err == nil {
			err = dst.Load(rule)
		}
		if err != nil {
			report.Failed[types.RuleID(row.RuleID)] = err
			continue
		}
		report.Loaded++
	}
	return report, nil
}

func decodeRows(rows []ruleRow) ([]*types.Rule, error) {
	out := make([]*types.Rule, 0, len(rows))
	for _, row := range rows {
		rule, err := row.rule()
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, nil
}

func (row ruleRow) rule() (*types.Rule, error) {
	id := types.RuleID(row.RuleID)
	root, err := types.UnmarshalNode([]byte(row.Definition))
	if err != nil {
		return nil, fmt.Errorf("rule %s: stored definition: %w", id, err)
	}
	created, err := time.Parse(time.RFC3339Nano, row.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("rule %s: invalid created_at %q: %w", id, row.CreatedAt, err)
	}
	updated, err := time.Parse(time.RFC3339Nano, row.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("rule %s: invalid updated_at %q: %w", id, row.UpdatedAt, err)
	}
	return &types.Rule{
		ID:        id,
		Name:      row.Name,
		Version:   row.Version,
		Root:      root,
		CreatedAt: created.UTC(),
		UpdatedAt: updated.UTC(),
	}, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}
