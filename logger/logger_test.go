package logger

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestZap(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	l := NewZap(zap.New(core))

	l.Info("table created", "table", "users", "id", 1)
	l.Warn("wal full", "table", "users")
	l.Error("commit failed", "txn", uint64(9))

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, "table created", entries[0].Message)
	assert.Equal(t, "users", entries[0].ContextMap()["table"])
	assert.Equal(t, Component, entries[0].LoggerName)
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, zapcore.ErrorLevel, entries[2].Level)
}

func TestLogrus(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	base := logrus.New()
	base.SetOutput(&buf)
	base.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})

	l := NewLogrus(base)
	l.Info("recovered", "tables", 2, "dangling")
	l.Error("abort failed", "txn", 4)

	out := buf.String()
	assert.Contains(t, out, `msg=recovered`)
	assert.Contains(t, out, `tables=2`)
	assert.NotContains(t, out, "dangling", "odd trailing args are dropped")
	assert.Contains(t, out, `level=error`)
	assert.Contains(t, out, `txn=4`)
	assert.Contains(t, out, `component=nvramdb`)
}
