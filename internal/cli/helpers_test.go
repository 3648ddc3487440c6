package cli

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/aretw0/medflow/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestNewLogger_Levels(t *testing.T) {
	logger := NewLogger(config.LogConfig{Level: "warn", Format: "json"}, false)
	assert.False(t, logger.Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, logger.Enabled(context.Background(), slog.LevelWarn))

	debug := NewLogger(config.LogConfig{Level: "warn"}, true)
	assert.True(t, debug.Enabled(context.Background(), slog.LevelDebug))
}

func TestPrintSystemMessage(t *testing.T) {
	var buf bytes.Buffer
	PrintSystemMessage(&buf, "Swept %d sessions", 3)
	assert.Equal(t, ">>> Swept 3 sessions\n", buf.String())
}

func TestSignalContext_CancelWithoutSignal(t *testing.T) {
	sc := NewSignalContext(context.Background())
	sc.Cancel()
	<-sc.Done()
	assert.Nil(t, sc.Signal())
}
