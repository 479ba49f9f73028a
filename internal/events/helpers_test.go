package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeUTF8(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "valid UTF-8 string unchanged",
			input:    "Hello, World! 你好世界",
			expected: "Hello, World! 你好世界",
		},
		{
			name:     "empty string",
			input:    "",
			expected: "",
		},
		{
			name:     "invalid UTF-8 bytes removed",
			input:    "Hello\xffWorld",
			expected: "HelloWorld",
		},
		{
			name:     "multiple invalid UTF-8 sequences",
			input:    "Start\xffMiddle\xfeEnd\xfd",
			expected: "StartMiddleEnd",
		},
		{
			name:     "provider error body with invalid bytes",
			input:    "anthropic/claude: fatal (400)\xff invalid_request_error",
			expected: "anthropic/claude: fatal (400) invalid_request_error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, SanitizeUTF8(tt.input))
		})
	}
}

func TestNewBaseEvent(t *testing.T) {
	a := NewBaseEvent(EventCostRecorded, "cost_ledger", "user-1")
	b := NewBaseEvent(EventCostRecorded, "cost_ledger", "user-1")

	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, SchemaVersion, a.Version)
	assert.Equal(t, "user-1", a.UserID)
}
