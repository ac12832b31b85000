package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solatis/badgekeeper/internal/types"
)

func newTestRepo(t *testing.T) *RuleRepository {
	t.Helper()
	q, err := LoadQueries(openTestDB(t))
	require.NoError(t, err)
	return NewRuleRepository(q)
}

func sampleRule(id types.RuleID) *types.Rule {
	return &types.Rule{
		ID:      id,
		Name:    "big-purchase",
		Version: "1",
		Root: types.AllOf(
			types.NewCondition("event.type", types.OpEq, types.String("PURCHASE")),
			types.AnyOf(
				types.NewCondition("order.amount", types.OpBetween, types.Array(types.Number(100), types.Number(500))),
				types.NewCondition("user.tags", types.OpContainsAny, types.Array(types.String("vip"))),
			),
		),
	}
}

type fixedClock struct{ t time.Time }

func (c *fixedClock) now() time.Time { return c.t }

func TestRuleRepository_SaveAndGet(t *testing.T) {
	repo := newTestRepo(t)
	clock := &fixedClock{t: time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)}
	repo.now = clock.now
	ctx := context.Background()

	saved, err := repo.Save(ctx, sampleRule("rule-001"))
	require.NoError(t, err)
	assert.True(t, clock.t.Equal(saved.CreatedAt))
	assert.True(t, clock.t.Equal(saved.UpdatedAt))

	got, err := repo.Get(ctx, "rule-001")
	require.NoError(t, err)
	assert.True(t, got.Equal(saved), "got %+v, want %+v", got, saved)
	assert.True(t, types.NodesEqual(sampleRule("rule-001").Root, got.Root))
}

func TestRuleRepository_UpsertKeepsCreatedAt(t *testing.T) {
	repo := newTestRepo(t)
	clock := &fixedClock{t: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	repo.now = clock.now
	ctx := context.Background()

	first, err := repo.Save(ctx, sampleRule("rule-001"))
	require.NoError(t, err)

	clock.t = clock.t.Add(time.Hour)
	update := sampleRule("rule-001")
	update.Version = "2"
	update.Root = types.NewCondition("x", types.OpIsEmpty, types.Null())
	second, err := repo.Save(ctx, update)
	require.NoError(t, err)

	assert.True(t, first.CreatedAt.Equal(second.CreatedAt))
	assert.True(t, clock.t.Equal(second.UpdatedAt))
	assert.Equal(t, "2", second.Version)
	assert.IsType(t, &types.Condition{}, second.Root)

	n, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRuleRepository_CreatedAtFromUUIDv7(t *testing.T) {
	repo := newTestRepo(t)
	id := types.NewRuleID()

	saved, err := repo.Save(context.Background(), sampleRule(id))
	require.NoError(t, err)
	assert.WithinDuration(t, types.IDTime(string(id)), saved.CreatedAt, time.Millisecond)
}

func TestRuleRepository_SaveRejectsInvalid(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.Save(ctx, nil)
	assert.ErrorIs(t, err, types.ErrInvalidRuleID)
	_, err = repo.Save(ctx, &types.Rule{Root: types.AllOf()})
	assert.ErrorIs(t, err, types.ErrInvalidRuleID)
	_, err = repo.Save(ctx, &types.Rule{ID: "no-root"})
	assert.ErrorIs(t, err, types.ErrParse)
}

func TestRuleRepository_GetMissing(t *testing.T) {
	repo := newTestRepo(t)
	_, err := repo.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, types.ErrRuleNotFound)
}

func TestRuleRepository_ListAndDelete(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	for _, id := range []types.RuleID{"c", "a", "b"} {
		_, err := repo.Save(ctx, sampleRule(id))
		require.NoError(t, err)
	}

	list, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []types.RuleID{"a", "b", "c"}, []types.RuleID{list[0].ID, list[1].ID, list[2].ID})

	deleted, err := repo.Delete(ctx, "b")
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = repo.Delete(ctx, "b")
	require.NoError(t, err)
	assert.False(t, deleted)

	list, err = repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestRuleRepository_ListUpdatedSince(t *testing.T) {
	repo := newTestRepo(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &fixedClock{t: base}
	repo.now = clock.now
	ctx := context.Background()

	_, err := repo.Save(ctx, sampleRule("old"))
	require.NoError(t, err)
	clock.t = base.Add(2 * time.Second)
	_, err = repo.Save(ctx, sampleRule("new"))
	require.NoError(t, err)

	got, err := repo.ListUpdatedSince(ctx, base.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, types.RuleID("new"), got[0].ID)
}

type recordingLoader struct {
	loaded []types.RuleID
	reject types.RuleID
}

func (l *recordingLoader) Load(rule *types.Rule) error {
	if rule.ID == l.reject {
		return errors.New("rejected")
	}
	l.loaded = append(l.loaded, rule.ID)
	return nil
}

func TestRuleRepository_LoadInto(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	for _, id := range []types.RuleID{"a", "b", "c"} {
		_, err := repo.Save(ctx, sampleRule(id))
		require.NoError(t, err)
	}
	// A definition that no longer decodes is reported, not fatal.
	_, err := repo.q.DB().ExecContext(ctx, "UPDATE rules SET definition = '{\"type\":\"bogus\"}' WHERE rule_id = 'c'")
	require.NoError(t, err)

	loader := &recordingLoader{reject: "b"}
	report, err := repo.LoadInto(ctx, loader)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Loaded)
	assert.Equal(t, []types.RuleID{"a"}, loader.loaded)
	assert.Len(t, report.Failed, 2)
	assert.ErrorIs(t, report.Failed["c"], types.ErrParse)
}
