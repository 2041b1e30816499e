package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	s, err := Load(NewViper())
	require.NoError(t, err)

	require.Equal(t, 16000, s.Transcription.SampleRate)
	require.Equal(t, 10*time.Second, s.Transcription.ConnectTimeout)
	require.Equal(t, 160*time.Millisecond, s.Transcription.MinEndOfTurnSilenceWhenConfident)
	require.Equal(t, 100*time.Millisecond, s.Audio.ChunkInterval)
	require.Equal(t, "ffmpeg", s.Audio.FFmpeg.Command)
	require.Equal(t, InsightsLocal, s.Insights.Mode)
	require.Equal(t, 16, s.Insights.ContextTurns)
	require.Equal(t, "google/gemini-2.5-flash-lite", s.Insights.Router.Model)
	require.InDelta(t, 0.5, s.Insights.Generator.Temperature, 0.0001)
	require.False(t, s.Redis.Enabled)
	require.NoError(t, s.Validate())
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rebuttal.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  path: /tmp/r.db
audio:
  source: file
  file: talk.raw
  chunk-interval: 200ms
insights:
  mode: remote
  endpoint: http://pipeline/api/insights/generate
redis:
  enabled: true
  addr: redis:6379
`), 0o600))

	t.Setenv("REBUTTAL_HTTP_ADDR", "127.0.0.1:9000")
	t.Setenv("ASSEMBLYAI_API_KEY", "aai-key")
	t.Setenv("OPENROUTER_API_KEY", "or-key")

	v := NewViper()
	require.NoError(t, ReadFile(v, path))
	s, err := Load(v)
	require.NoError(t, err)

	require.Equal(t, "/tmp/r.db", s.Database.Path)
	require.Equal(t, AudioFile, s.Audio.Source)
	require.Equal(t, 200*time.Millisecond, s.Audio.Format().ChunkInterval)
	require.Equal(t, InsightsRemote, s.Insights.Mode)
	require.True(t, s.Redis.Enabled)
	require.Equal(t, "redis:6379", s.Redis.Addr)
	require.Equal(t, "127.0.0.1:9000", s.HTTP.Addr)
	require.Equal(t, "aai-key", s.Transcription.APIKey)
	require.Equal(t, "or-key", s.Insights.Router.APIKey)
	require.Equal(t, "or-key", s.Insights.Generator.APIKey)
	require.NoError(t, s.Validate())
	require.NoError(t, s.Transcription.Validate())
}

func TestLoad_PrefixedEnvWinsOverProviderEnv(t *testing.T) {
	t.Setenv("ASSEMBLYAI_API_KEY", "generic")
	t.Setenv("REBUTTAL_TRANSCRIPTION_API_KEY", "specific")
	s, err := Load(NewViper())
	require.NoError(t, err)
	require.Equal(t, "specific", s.Transcription.APIKey)
}

func TestReadFile_MissingExplicitPath(t *testing.T) {
	err := ReadFile(NewViper(), filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Settings)
		want   string
	}{
		{"unknown insight mode", func(s *Settings) { s.Insights.Mode = "magic" }, "insights"},
		{"remote without endpoint", func(s *Settings) { s.Insights.Mode = InsightsRemote }, "endpoint"},
		{"file source without file", func(s *Settings) { s.Audio.Source = AudioFile }, "audio"},
		{"chunk interval too long", func(s *Settings) { s.Audio.ChunkInterval = 2 * time.Second }, "chunk interval"},
		{"redis without addr", func(s *Settings) { s.Redis.Enabled = true; s.Redis.Addr = "" }, "redis"},
		{"empty database path", func(s *Settings) { s.Database.Path = "" }, "database"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := Defaults()
			tc.mutate(&s)
			err := s.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.want)
		})
	}

	s := Defaults()
	s.Insights.Mode = InsightsOff
	s.Insights.Router.Model = ""
	require.NoError(t, s.Validate())
}
