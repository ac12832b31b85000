package httpapi

import (
	"errors"
	"net/http"

	"github.com/go-chi/render"

	"github.com/solatis/badgekeeper/internal/types"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	RuleID   string `json:"rule_id,omitempty"`
	Path     string `json:"path,omitempty"`
	Field    string `json:"field,omitempty"`
	Operator string `json:"operator,omitempty"`
}

// writeError maps err onto a status code and error body.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	resp := ErrorResponse{Code: code, Message: err.Error()}

	var re *types.RuleError
	if errors.As(err, &re) {
		resp.RuleID = re.RuleID
		resp.Path = re.Path
		resp.Field = re.Field
		resp.Operator = re.Operator
	}
	if status == http.StatusInternalServerError {
		resp.Message = "internal error"
	}
	render.Status(r, status)
	render.JSON(w, r, resp)
}

func classify(err error) (int, string) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge, "ERR_PAYLOAD_TOO_LARGE"
	case errors.Is(err, types.ErrRuleNotFound):
		return http.StatusNotFound, "ERR_RULE_NOT_FOUND"
	case errors.Is(err, types.ErrInvalidRuleID):
		return http.StatusBadRequest, "ERR_INVALID_RULE_ID"
	case errors.Is(err, types.ErrParse):
		return http.StatusBadRequest, "ERR_PARSE"
	case errors.Is(err, types.ErrCompile):
		return http.StatusUnprocessableEntity, "ERR_COMPILE"
	case errors.Is(err, types.ErrExecution):
		return http.StatusUnprocessableEntity, "ERR_EXECUTION"
	default:
		return http.StatusInternalServerError, "ERR_INTERNAL"
	}
}
