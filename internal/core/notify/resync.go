package notify

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/solatis/badgekeeper/internal/types"
)

// clockSkew widens each incremental read. updated_at is stamped by whichever
// instance wrote the rule, so its clock may trail ours.
const clockSkew = 5 * time.Second

// Catalog lists stored rules. *db.RuleRepository satisfies it.
type Catalog interface {
	List(ctx context.Context) ([]*types.Rule, error)
	ListUpdatedSince(ctx context.Context, since time.Time) ([]*types.Rule, error)
	Count(ctx context.Context) (int, error)
}

// SyncTarget is a RuleTarget that can enumerate what it holds.
// *rules.Engine satisfies it.
type SyncTarget interface {
	RuleTarget
	RuleIDs() []types.RuleID
}

// Resyncer periodically brings a SyncTarget back in line with the catalog.
// It repairs changes whose pub/sub message never arrived, and is the only
// propagation path when Redis is not configured.
//
// Each pass reloads rules updated since the last pass. Deletions leave no
// row behind, so the pass also compares the catalog's row count with what
// the target holds and, on a mismatch, reconciles against the full list.
type Resyncer struct {
	catalog  Catalog
	target   SyncTarget
	interval time.Duration
	log      *zap.Logger

	since time.Time
	// rejected holds catalog rules the target refused, so they are not
	// mistaken for drift on every pass.
	rejected map[types.RuleID]struct{}
}

// NewResyncer reads changes newer than since every interval.
func NewResyncer(catalog Catalog, target SyncTarget, interval time.Duration, since time.Time, log *zap.Logger) *Resyncer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resyncer{
		catalog:  catalog,
		target:   target,
		interval: interval,
		since:    since,
		log:      log,
		rejected: make(map[types.RuleID]struct{}),
	}
}

// Run syncs every interval until ctx is cancelled. A non-positive interval
// returns immediately. Failed passes are logged and retried on the next tick.
func (r *Resyncer) Run(ctx context.Context) error {
	if r.interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.log.Info("periodic rule resync enabled", zap.Duration("interval", r.interval))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.Sync(ctx); err != nil {
				r.log.Warn("rule resync failed", zap.Error(err))
			}
		}
	}
}

// Sync runs one pass. It is not safe to call concurrently with itself.
func (r *Resyncer) Sync(ctx context.Context) error {
	changed, err := r.catalog.ListUpdatedSince(ctx, r.since.Add(-clockSkew))
	if err != nil {
		return err
	}
	for _, rule := range changed {
		r.load(rule)
		if rule.UpdatedAt.After(r.since) {
			r.since = rule.UpdatedAt
		}
	}

	stored, err := r.catalog.Count(ctx)
	if err != nil {
		return err
	}
	if held := r.held(); held != stored {
		r.log.Info("rule set drifted, reconciling", zap.Int("catalog", stored), zap.Int("held", held))
		return r.reconcile(ctx)
	}
	return nil
}

// held counts the ids the target holds plus rejected ids it does not.
func (r *Resyncer) held() int {
	ids := r.target.RuleIDs()
	n := len(ids)
	present := make(map[types.RuleID]struct{}, n)
	for _, id := range ids {
		present[id] = struct{}{}
	}
	for id := range r.rejected {
		if _, ok := present[id]; !ok {
			n++
		}
	}
	return n
}

func (r *Resyncer) reconcile(ctx context.Context) error {
	// Snapshot before listing: a rule the subscriber loads in between must
	// not look like one the catalog dropped.
	held := r.target.RuleIDs()
	all, err := r.catalog.List(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	catalog := make(map[types.RuleID]*types.Rule, len(all))
	for _, rule := range all {
		catalog[rule.ID] = rule
	}
	for id := range r.rejected {
		if _, ok := catalog[id]; !ok {
			delete(r.rejected, id)
		}
	}

	present := make(map[types.RuleID]struct{}, len(held))
	for _, id := range held {
		present[id] = struct{}{}
		if _, ok := catalog[id]; ok {
			continue
		}
		if r.target.Delete(id) {
			r.log.Info("rule removed", zap.String("rule_id", string(id)))
		}
	}
	for _, rule := range all {
		if _, ok := present[rule.ID]; !ok {
			r.load(rule)
		}
	}
	return nil
}

func (r *Resyncer) load(rule *types.Rule) {
	if err := r.target.Load(rule); err != nil {
		r.rejected[rule.ID] = struct{}{}
		r.log.Warn("rule not loaded", zap.String("rule_id", string(rule.ID)), zap.Error(err))
		return
	}
	delete(r.rejected, rule.ID)
	r.log.Debug("rule resynced", zap.String("rule_id", string(rule.ID)), zap.String("version", rule.Version))
}
