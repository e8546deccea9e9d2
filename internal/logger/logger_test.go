package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesComponentAndFields(t *testing.T) {
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	var buf bytes.Buffer

	New(&buf, "hub").
		WithFields(map[string]interface{}{"nick": "alice", "channel": "#cafe"}).
		WithError(errors.New("boom")).
		Warnf("dropped %d", 2)

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "hub", line["component"])
	assert.Equal(t, "alice", line["nick"])
	assert.Equal(t, "#cafe", line["channel"])
	assert.Equal(t, "boom", line["error"])
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, "dropped 2", line["message"])
}

func TestNopDiscards(t *testing.T) {
	assert.NotPanics(t, func() {
		Nop().WithField("k", "v").Error("ignored")
	})
}

func TestInitLoggerFallsBackToInfo(t *testing.T) {
	cfg := DefaultLogConfig()
	cfg.Level = "loud"
	InitLogger(cfg)
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}
