package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger(t *testing.T) {
	log, err := newLogger("warn")
	require.NoError(t, err)
	assert.False(t, log.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, log.Core().Enabled(zapcore.WarnLevel))

	log, err = newLogger("debug")
	require.NoError(t, err)
	assert.True(t, log.Core().Enabled(zapcore.DebugLevel))

	_, err = newLogger("loud")
	assert.Error(t, err)
}

func TestCommands(t *testing.T) {
	assert.Equal(t, "serve", serveCmd().Name())
	assert.NotNil(t, serveCmd().Flags().Lookup("skip-migrations"))
	assert.Equal(t, "migrate", migrateCmd().Name())
}

func TestMigrateResetFlag(t *testing.T) {
	flag := migrateCmd().Flags().Lookup("reset")
	if assert.NotNil(t, flag) {
		assert.Equal(t, "false", flag.DefValue)
	}
}
