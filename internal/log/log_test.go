package log

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewCorrelationIDIsUniqueAndLowercase(t *testing.T) {
	a := NewCorrelationID()
	b := NewCorrelationID()

	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, stringsToLower(a), "correlation id must be lower-cased")
}

func TestTracebackIDIsDeterministic(t *testing.T) {
	first := TracebackID("boom: nil pointer dereference")
	second := TracebackID("boom: nil pointer dereference")
	different := TracebackID("boom: divide by zero")

	assert.Equal(t, first, second)
	assert.NotEqual(t, first, different)
}

func stringsToLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
