package httpapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"go.uber.org/zap"

	"github.com/solatis/badgekeeper/internal/rules"
	"github.com/solatis/badgekeeper/internal/types"
)

// notifyTimeout bounds the detached change announcement.
const notifyTimeout = 5 * time.Second

// ValidationResponse reports a successful compile.
type ValidationResponse struct {
	Valid bool         `json:"valid"`
	ID    types.RuleID `json:"id,omitempty"`
	Cost  int          `json:"cost"`
}

// EvaluateAllResponse carries every result plus per-rule failures.
type EvaluateAllResponse struct {
	Results []rules.EvaluationResult `json:"results"`
	Errors  []string                 `json:"errors,omitempty"`
}

func (a *API) handleListRules(w http.ResponseWriter, r *http.Request) {
	list := a.engine.Store().ListAll()
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	render.JSON(w, r, list)
}

func (a *API) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := a.engine.Store().Get(types.RuleID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, r, err)
		return
	}
	render.JSON(w, r, rule)
}

// handlePutRule creates or replaces the rule at {id}. The body id may be
// omitted; if present it must match the path. The rule must compile before
// anything is persisted.
func (a *API) handlePutRule(w http.ResponseWriter, r *http.Request) {
	id := types.RuleID(chi.URLParam(r, "id"))
	rule, err := decodeRule(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if rule.ID == "" {
		rule.ID = id
	}
	if rule.ID != id {
		writeError(w, r, &types.RuleError{Kind: types.ErrInvalidRuleID, RuleID: string(rule.ID),
			Detail: fmt.Sprintf("body id does not match path id %q", id)})
		return
	}
	if saved, ok := a.saveRule(w, r, rule); ok {
		render.JSON(w, r, saved)
	}
}

// handleCreateRule stores a new rule under a server-assigned UUIDv7 id.
// Bodies that carry an id belong on PUT /v1/rules/{id}.
func (a *API) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	rule, err := decodeRule(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if rule.ID != "" {
		writeError(w, r, &types.RuleError{Kind: types.ErrInvalidRuleID, RuleID: string(rule.ID),
			Detail: "id is assigned by the server; use PUT /v1/rules/{id}"})
		return
	}
	rule.ID = types.NewRuleID()
	if saved, ok := a.saveRule(w, r, rule); ok {
		w.Header().Set("Location", "/v1/rules/"+string(saved.ID))
		render.Status(r, http.StatusCreated)
		render.JSON(w, r, saved)
	}
}

// saveRule compiles, persists and loads rule, then announces it. On failure
// the error response is already written.
func (a *API) saveRule(w http.ResponseWriter, r *http.Request, rule *types.Rule) (*types.Rule, bool) {
	if _, err := a.engine.Compile(rule); err != nil {
		writeError(w, r, err)
		return nil, false
	}

	saved := rule
	if a.repo != nil {
		var err error
		if saved, err = a.repo.Save(r.Context(), rule); err != nil {
			a.log.Error("failed to save rule", zap.String("rule_id", string(rule.ID)), zap.Error(err))
			writeError(w, r, err)
			return nil, false
		}
	}
	if err := a.engine.Load(saved); err != nil {
		writeError(w, r, err)
		return nil, false
	}
	a.announce(saved.ID)

	a.log.Info("rule saved", zap.String("rule_id", string(saved.ID)), zap.String("version", saved.Version))
	return saved, true
}

func (a *API) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id := types.RuleID(chi.URLParam(r, "id"))

	existed := a.engine.Delete(id)
	if a.repo != nil {
		stored, err := a.repo.Delete(r.Context(), id)
		if err != nil {
			a.log.Error("failed to delete rule", zap.String("rule_id", string(id)), zap.Error(err))
			writeError(w, r, err)
			return
		}
		existed = existed || stored
	}
	if !existed {
		writeError(w, r, &types.RuleError{Kind: types.ErrRuleNotFound, RuleID: string(id)})
		return
	}
	a.announce(id)

	a.log.Info("rule deleted", zap.String("rule_id", string(id)))
	w.WriteHeader(http.StatusNoContent)
}

// handleValidateRule compiles the body without storing it.
func (a *API) handleValidateRule(w http.ResponseWriter, r *http.Request) {
	rule, err := decodeRule(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	compiled, err := a.engine.Compile(rule)
	if err != nil {
		writeError(w, r, err)
		return
	}
	render.JSON(w, r, ValidationResponse{Valid: true, ID: compiled.ID, Cost: compiled.Cost()})
}

func (a *API) handleEvaluateRule(w http.ResponseWriter, r *http.Request) {
	evalCtx, err := decodeContext(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	result, err := a.engine.Evaluate(types.RuleID(chi.URLParam(r, "id")), evalCtx)
	if err != nil {
		writeError(w, r, err)
		return
	}
	render.JSON(w, r, result)
}

func (a *API) handleEvaluateAll(w http.ResponseWriter, r *http.Request) {
	evalCtx, err := decodeContext(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	results, err := a.engine.EvaluateAll(evalCtx)
	resp := EvaluateAllResponse{Results: results}
	if resp.Results == nil {
		resp.Results = []rules.EvaluationResult{}
	}
	if err != nil {
		resp.Errors = flatten(err)
	}
	render.JSON(w, r, resp)
}

// announce publishes a change without tying it to the request lifetime.
func (a *API) announce(id types.RuleID) {
	if a.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := a.notifier.RuleChanged(ctx, id); err != nil {
			a.log.Warn("failed to announce rule change", zap.String("rule_id", string(id)), zap.Error(err))
		}
	}()
}

func decodeRule(r *http.Request) (*types.Rule, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	return types.ParseRule(body)
}

func decodeContext(r *http.Request) (*rules.EvaluationContext, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	return rules.ParseContext(body)
}

// flatten splits an errors.Join result into one message per rule.
func flatten(err error) []string {
	if _, single := err.(*types.RuleError); single {
		return []string{err.Error()}
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		out := make([]string, 0, len(joined.Unwrap()))
		for _, e := range joined.Unwrap() {
			out = append(out, e.Error())
		}
		return out
	}
	return []string{err.Error()}
}
