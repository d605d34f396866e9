package orchestrator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeOwner(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"alice", "alice"},
		{"Alice.Smith@example.com", "alice-smith-example-com"},
		{"user_42", "user-42"},
		{"--weird--", "weird"},
		{"a..b", "a-b"},
		{"@@@", "user"},
		{"", "user"},
		{strings.Repeat("x", 80), strings.Repeat("x", 40)},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, sanitizeOwner(tt.in), "input %q", tt.in)
	}
}

func TestComposeNamespace(t *testing.T) {
	name := composeNamespace("Alice@Example.com", "abc12345")
	assert.Equal(t, "playground-alice-example-com-abc12345", name)

	long := composeNamespace(strings.Repeat("verylongowner", 10), "abc12345")
	assert.LessOrEqual(t, len(long), 63)
	assert.True(t, strings.HasPrefix(long, "playground-"))
	assert.False(t, strings.HasSuffix(long, "-"))
}

func TestComposeNamespaceDistinctPerSession(t *testing.T) {
	a := composeNamespace("alice", "abc12345")
	b := composeNamespace("alice", "def67890")
	assert.NotEqual(t, a, b)
}
