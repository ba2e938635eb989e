package observability

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"peerhub/pkg/config"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zap.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zap.WarnLevel, ParseLevel("warning"))
	assert.Equal(t, zap.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, zap.InfoLevel, ParseLevel("whatever"))
}

func TestSetupLoggerWritesFile(t *testing.T) {
	prev := zap.L()
	defer zap.ReplaceGlobals(prev)

	out := filepath.Join(t.TempDir(), "logs", "hub.log")
	logger, err := SetupLogger(config.LogConfig{Level: "info", Format: "json", Outputs: []string{out}})
	require.NoError(t, err)

	logger.Info("peer joined", zap.String("peer", "abc"))
	_ = logger.Sync()

	b, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"peer joined"`)
	assert.Same(t, logger, zap.L())
}

func TestChooseFilename(t *testing.T) {
	c := config.LogConfig{Rotation: config.RotationConfig{Enable: true, Filename: "rot.log"}}
	assert.Equal(t, "rot.log", chooseFilename("out.log", c))
	c.Rotation.Enable = false
	assert.Equal(t, "out.log", chooseFilename("out.log", c))
}
