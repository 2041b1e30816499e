package cmds

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	require.Equal(t, zerolog.DebugLevel, parseLogLevel("DEBUG"))
	require.Equal(t, zerolog.WarnLevel, parseLogLevel("warning"))
	require.Equal(t, zerolog.TraceLevel, parseLogLevel(" trace "))
	require.Equal(t, zerolog.InfoLevel, parseLogLevel("nonsense"))
	require.Equal(t, zerolog.InfoLevel, parseLogLevel(""))
}

func TestSetupLogger(t *testing.T) {
	prev := log.Logger
	prevLevel := zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prev
		zerolog.SetGlobalLevel(prevLevel)
	})

	var buf bytes.Buffer
	require.NoError(t, setupLogger(&buf, "info", "json", false))
	log.Info().Str("component", "test").Msg("hello")
	log.Debug().Msg("hidden")

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	require.Equal(t, "hello", line["message"])
	require.Equal(t, "test", line["component"])

	require.Error(t, setupLogger(&buf, "info", "xml", false))
}
