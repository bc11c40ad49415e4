package idgen

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var requestIDPattern = regexp.MustCompile(`^REQ_[0-9A-Z]+_[0-9A-Z]{6}$`)

func TestNewRequestID(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewRequestID(now)
		require.Regexp(t, requestIDPattern, id)
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestNewSecretCode(t *testing.T) {
	for i := 0; i < 200; i++ {
		code, err := NewSecretCode()
		require.NoError(t, err)
		require.Len(t, code, 4)
		assert.GreaterOrEqual(t, code, "1000")
		assert.LessOrEqual(t, code, "9999")
	}
}

func TestEncodeBase36(t *testing.T) {
	assert.Equal(t, "00000z", encodeBase36([]byte{35}, 6))
	assert.Equal(t, "000010", encodeBase36([]byte{36}, 6))
}
