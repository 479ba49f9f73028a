package router

import (
	"fmt"
	"strings"

	"concierge/internal/adapters/ai"
	"concierge/internal/domain/routing"
	"concierge/pkg/errors"
)

// AttemptFailure describes why one candidate did not produce a response
type AttemptFailure struct {
	Provider   string       `json:"provider"`
	Model      string       `json:"model"`
	Kind       ai.ErrorKind `json:"kind"`
	StatusCode int          `json:"status_code,omitempty"`
	Reason     string       `json:"reason"`
}

func (f AttemptFailure) String() string {
	if f.StatusCode > 0 {
		return fmt.Sprintf("%s/%s: %s (%d) %s", f.Provider, f.Model, f.Kind, f.StatusCode, f.Reason)
	}
	return fmt.Sprintf("%s/%s: %s %s", f.Provider, f.Model, f.Kind, f.Reason)
}

// ExhaustedError is returned when no candidate succeeded. It is the single
// error callers see instead of one error per provider.
type ExhaustedError struct {
	TaskType     routing.TaskType `json:"task_type"`
	Attempts     []AttemptFailure `json:"attempts"`
	Aborted      string           `json:"aborted,omitempty"`
	CostRecordID string           `json:"cost_record_id,omitempty"`
}

func (e *ExhaustedError) Error() string {
	var b strings.Builder
	if len(e.Attempts) == 0 {
		fmt.Fprintf(&b, "no provider available for %s", e.TaskType)
	} else {
		fmt.Fprintf(&b, "all %d candidates failed for %s: ", len(e.Attempts), e.TaskType)
		for i, a := range e.Attempts {
			if i > 0 {
				b.WriteString("; ")
			}
			b.WriteString(a.String())
		}
	}
	if e.Aborted != "" {
		fmt.Fprintf(&b, " (aborted: %s)", e.Aborted)
	}
	return b.String()
}

func (e *ExhaustedError) Unwrap() error {
	return errors.ErrExhausted
}

// ProvidersTried lists providers in attempt order, without repeats
func (e *ExhaustedError) ProvidersTried() []string {
	var out []string
	seen := make(map[string]struct{})
	for _, a := range e.Attempts {
		if _, ok := seen[a.Provider]; ok {
			continue
		}
		seen[a.Provider] = struct{}{}
		out = append(out, a.Provider)
	}
	return out
}

func failureFrom(entry routing.ChainEntry, err *ai.AdapterError) AttemptFailure {
	reason := "unknown error"
	if err.Err != nil {
		reason = truncate(err.Err.Error(), 300)
	}
	return AttemptFailure{
		Provider:   entry.Candidate.Provider,
		Model:      entry.Model.ModelID,
		Kind:       err.Kind,
		StatusCode: err.StatusCode,
		Reason:     reason,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
