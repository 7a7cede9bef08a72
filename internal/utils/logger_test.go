package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerListenerFanOut(t *testing.T) {
	l := NewLogger()

	var got []LogEntry
	remove := l.AddListener(func(entry LogEntry) {
		got = append(got, entry)
	})

	l.Info("request %d served", 1)
	require.Len(t, got, 1)
	assert.Equal(t, LogLevelInfo, got[0].Level)
	assert.Equal(t, "request 1 served", got[0].Message)

	remove()
	l.Info("request %d served", 2)
	assert.Len(t, got, 1, "removed listeners stop receiving entries")
}

func TestLoggerHistoryBounded(t *testing.T) {
	l := NewLogger()
	l.maxHistory = 3
	for i := 0; i < 5; i++ {
		l.Info("entry %d", i)
	}
	history := l.GetHistory()
	require.Len(t, history, 3)
	assert.Equal(t, "entry 2", history[0].Message)
	assert.Equal(t, "entry 4", history[2].Message)
}
