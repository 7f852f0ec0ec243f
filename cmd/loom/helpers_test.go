package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "multi line", truncate("multi\nline", 20))
	assert.Equal(t, "abc...", truncate("abcdef", 3))
}

func TestFmtDuration(t *testing.T) {
	assert.Equal(t, "2.5s", fmtDuration(2500*time.Millisecond))
	assert.Equal(t, "1m 30s", fmtDuration(90*time.Second))
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "abc", shortID("abc"))
	assert.Equal(t, "12345678…", shortID("123456789abcdef"))
}
