package api

import (
	"encoding/json"
	"net/http"

	"concierge/internal/domain/ai_usage"
	"concierge/internal/services/router"
	"concierge/pkg/errors"
	"concierge/pkg/logger"
)

// ErrorBody is the JSON error envelope
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries a stable code and optional structured details
type ErrorDetail struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// exhaustedDetails lists each candidate's failure for the caller
type exhaustedDetails struct {
	TaskType       string                  `json:"task_type"`
	ProvidersTried []string                `json:"providers_tried"`
	Attempts       []router.AttemptFailure `json:"attempts"`
	Aborted        string                  `json:"aborted,omitempty"`
	CostRecordID   string                  `json:"cost_record_id,omitempty"`
}

type budgetDetails struct {
	SpentUSD string `json:"spent_usd"`
	LimitUSD string `json:"limit_usd"`
}

// statusFor maps the broker's error taxonomy onto HTTP
func statusFor(err error) (int, ErrorDetail) {
	var exhausted *router.ExhaustedError
	if errors.As(err, &exhausted) {
		return http.StatusBadGateway, ErrorDetail{
			Code:    "exhausted",
			Message: exhausted.Error(),
			Details: exhaustedDetails{
				TaskType:       exhausted.TaskType.String(),
				ProvidersTried: exhausted.ProvidersTried(),
				Attempts:       exhausted.Attempts,
				Aborted:        exhausted.Aborted,
				CostRecordID:   exhausted.CostRecordID,
			},
		}
	}

	var budget *ai_usage.BudgetExceededError
	if errors.As(err, &budget) {
		return http.StatusPaymentRequired, ErrorDetail{
			Code:    "budget_exceeded",
			Message: budget.Error(),
			Details: budgetDetails{
				SpentUSD: budget.Spent.StringFixed(4),
				LimitUSD: budget.Limit.StringFixed(2),
			},
		}
	}

	switch {
	case errors.Is(err, errors.ErrClassification):
		return http.StatusBadRequest, ErrorDetail{Code: "classification_error", Message: err.Error()}
	case errors.Is(err, errors.ErrInvalidInput):
		return http.StatusBadRequest, ErrorDetail{Code: "invalid_input", Message: err.Error()}
	case errors.Is(err, errors.ErrBudgetExceeded):
		return http.StatusPaymentRequired, ErrorDetail{Code: "budget_exceeded", Message: err.Error()}
	case errors.Is(err, errors.ErrUnauthorized):
		return http.StatusUnauthorized, ErrorDetail{Code: "unauthorized", Message: "unauthorized"}
	case errors.Is(err, errors.ErrNotFound):
		return http.StatusNotFound, ErrorDetail{Code: "not_found", Message: err.Error()}
	case errors.Is(err, errors.ErrUnavailable):
		return http.StatusServiceUnavailable, ErrorDetail{Code: "unavailable", Message: err.Error()}
	case errors.Is(err, errors.ErrTimeout):
		return http.StatusGatewayTimeout, ErrorDetail{Code: "timeout", Message: err.Error()}
	default:
		return http.StatusInternalServerError, ErrorDetail{Code: "internal", Message: "internal error"}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, log *logger.Logger, err error) {
	status, detail := statusFor(err)
	if status >= http.StatusInternalServerError && status != http.StatusBadGateway {
		log.ErrorWithContext(r.Context(), err, map[string]string{
			"path":   r.URL.Path,
			"method": r.Method,
		})
	}
	writeJSON(w, status, ErrorBody{Error: detail})
}
