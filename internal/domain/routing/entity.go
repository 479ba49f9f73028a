package routing

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"concierge/pkg/errors"
)

// TaskType is the pre-classified nature of a request
type TaskType string

const (
	TaskCodeGeneration            TaskType = "code-generation"
	TaskCodeReview                TaskType = "code-review"
	TaskDebugging                 TaskType = "debugging"
	TaskReasoning                 TaskType = "reasoning"
	TaskMath                      TaskType = "math"
	TaskLongDocumentSummarization TaskType = "long-document-summarization"
	TaskShortSummarization        TaskType = "short-summarization"
	TaskLightweightChat           TaskType = "lightweight-chat"
	TaskConversation              TaskType = "conversation"
	TaskCreativeWriting           TaskType = "creative-writing"
	TaskTranslation               TaskType = "translation"
	TaskDataExtraction            TaskType = "data-extraction"
	TaskClassification            TaskType = "classification"
	TaskPlanning                  TaskType = "planning"
	TaskResearchSynthesis         TaskType = "research-synthesis"
	TaskToolUse                   TaskType = "tool-use"
)

var allTaskTypes = []TaskType{
	TaskCodeGeneration,
	TaskCodeReview,
	TaskDebugging,
	TaskReasoning,
	TaskMath,
	TaskLongDocumentSummarization,
	TaskShortSummarization,
	TaskLightweightChat,
	TaskConversation,
	TaskCreativeWriting,
	TaskTranslation,
	TaskDataExtraction,
	TaskClassification,
	TaskPlanning,
	TaskResearchSynthesis,
	TaskToolUse,
}

// AllTaskTypes returns every known task type in declaration order
func AllTaskTypes() []TaskType {
	out := make([]TaskType, len(allTaskTypes))
	copy(out, allTaskTypes)
	return out
}

func (t TaskType) String() string { return string(t) }

// Valid reports whether t is one of the known task types
func (t TaskType) Valid() bool {
	for _, known := range allTaskTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ParseTaskType accepts the canonical hyphenated name, case-insensitively
func ParseTaskType(s string) (TaskType, error) {
	t := TaskType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", errors.Wrapf(errors.ErrClassification, "task type %q", s)
	}
	return t, nil
}

// Tier is a quality/cost class of model. Higher rank is preferred.
type Tier string

const (
	TierQuality  Tier = "quality"
	TierBalanced Tier = "balanced"
	TierFast     Tier = "fast"
)

// Rank orders tiers: quality > balanced > fast. Unknown tiers rank 0.
func (t Tier) Rank() int {
	switch t {
	case TierQuality:
		return 3
	case TierBalanced:
		return 2
	case TierFast:
		return 1
	default:
		return 0
	}
}

func (t Tier) Valid() bool { return t.Rank() > 0 }

func (t Tier) String() string { return string(t) }

func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", errors.Wrapf(errors.ErrInvalidInput, "tier %q", s)
	}
	return t, nil
}

// ProviderCapability is one (provider, tier) row of the capability matrix.
// Rows are replaced only by configuration reload.
type ProviderCapability struct {
	Provider  string
	Tier      Tier
	Tasks     map[TaskType]struct{}
	Available bool
	Priority  int
}

// NewProviderCapability builds a row from a list of tasks
func NewProviderCapability(provider string, tier Tier, priority int, available bool, tasks ...TaskType) ProviderCapability {
	set := make(map[TaskType]struct{}, len(tasks))
	for _, t := range tasks {
		set[t] = struct{}{}
	}
	return ProviderCapability{
		Provider:  provider,
		Tier:      tier,
		Tasks:     set,
		Available: available,
		Priority:  priority,
	}
}

// Supports reports whether the row serves the task
func (c ProviderCapability) Supports(t TaskType) bool {
	_, ok := c.Tasks[t]
	return ok
}

// TaskList returns supported tasks sorted by name
func (c ProviderCapability) TaskList() []TaskType {
	out := make([]TaskType, 0, len(c.Tasks))
	for t := range c.Tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Candidate is a (provider, tier) pair produced by the capability matrix
type Candidate struct {
	Provider string `json:"provider"`
	Tier     Tier   `json:"tier"`
}

func (c Candidate) String() string {
	return fmt.Sprintf("%s/%s", c.Provider, c.Tier)
}

// ModelDescriptor describes a concrete model. Rates are USD per single token.
// Descriptors are replaced wholesale on refresh, never mutated.
type ModelDescriptor struct {
	ModelID            string          `json:"model_id"`
	Provider           string          `json:"provider"`
	Tier               Tier            `json:"tier"`
	ContextWindow      int             `json:"context_window"`
	CostPerInputToken  decimal.Decimal `json:"cost_per_input_token"`
	CostPerOutputToken decimal.Decimal `json:"cost_per_output_token"`
	LastVerified       time.Time       `json:"last_verified"`
}

// Cost computes the exact USD cost of a call
func (m ModelDescriptor) Cost(inputTokens, outputTokens int) decimal.Decimal {
	in := m.CostPerInputToken.Mul(decimal.NewFromInt(int64(inputTokens)))
	out := m.CostPerOutputToken.Mul(decimal.NewFromInt(int64(outputTokens)))
	return in.Add(out)
}

// ChainEntry is one resolved (provider, model) step of a fallback chain
type ChainEntry struct {
	Candidate Candidate
	Model     ModelDescriptor
}
