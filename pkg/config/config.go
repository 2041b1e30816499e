// Package config loads rebuttal settings from a YAML file, REBUTTAL_* environment
// variables and command flags through viper.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-go-golems/rebuttal/pkg/audio"
	"github.com/go-go-golems/rebuttal/pkg/eventbus"
	"github.com/go-go-golems/rebuttal/pkg/insights"
	"github.com/go-go-golems/rebuttal/pkg/transcription"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const EnvPrefix = "REBUTTAL"

type DatabaseSettings struct {
	// Path is a SQLite file path, or ":memory:" for a throwaway in-process store.
	Path string `mapstructure:"path"`
}

type AudioSettings struct {
	// Source is one of ffmpeg, file, stdin.
	Source        string               `mapstructure:"source"`
	File          string               `mapstructure:"file"`
	ChunkInterval time.Duration        `mapstructure:"chunk-interval"`
	FFmpeg        audio.FFmpegSettings `mapstructure:",squash"`
}

type InsightsSettings struct {
	// Mode is one of local, remote, off.
	Mode         string                 `mapstructure:"mode"`
	Endpoint     string                 `mapstructure:"endpoint"`
	APIKey       string                 `mapstructure:"api-key"`
	ContextTurns int                    `mapstructure:"context-turns"`
	Timeout      time.Duration          `mapstructure:"timeout"`
	Router       insights.ModelSettings `mapstructure:"router"`
	Generator    insights.ModelSettings `mapstructure:"generator"`
}

type HTTPSettings struct {
	Addr string `mapstructure:"addr"`
}

type Settings struct {
	UserID        string                 `mapstructure:"user"`
	Database      DatabaseSettings       `mapstructure:"database"`
	Transcription transcription.Settings `mapstructure:"transcription"`
	Audio         AudioSettings          `mapstructure:"audio"`
	Insights      InsightsSettings       `mapstructure:"insights"`
	Redis         eventbus.Settings      `mapstructure:"redis"`
	HTTP          HTTPSettings           `mapstructure:"http"`
}

const (
	InsightsLocal  = "local"
	InsightsRemote = "remote"
	InsightsOff    = "off"

	AudioFFmpeg = "ffmpeg"
	AudioFile   = "file"
	AudioStdin  = "stdin"
)

func DefaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "rebuttal.db"
	}
	return filepath.Join(home, ".rebuttal", "rebuttal.db")
}

func Defaults() Settings {
	return Settings{
		UserID:        "",
		Database:      DatabaseSettings{Path: DefaultDatabasePath()},
		Transcription: transcription.DefaultSettings(),
		Audio: AudioSettings{
			Source:        AudioFFmpeg,
			ChunkInterval: audio.DefaultFormat().ChunkInterval,
			FFmpeg:        audio.FFmpegSettings{Command: "ffmpeg", InputFormat: "pulse", Device: "default"},
		},
		Insights: InsightsSettings{
			Mode:         InsightsLocal,
			ContextTurns: insights.DefaultContextTurns,
			Timeout:      90 * time.Second,
			Router: insights.ModelSettings{
				BaseURL:     insights.DefaultBaseURL,
				Model:       insights.DefaultRouterModel,
				Temperature: 0.3,
			},
			Generator: insights.ModelSettings{
				BaseURL:     insights.DefaultBaseURL,
				Model:       insights.DefaultGeneratorModel,
				Temperature: 0.5,
			},
		},
		Redis: eventbus.DefaultSettings(),
		HTTP:  HTTPSettings{Addr: ":8080"},
	}
}

// providerEnv lists the well-known variables read in addition to REBUTTAL_*.
var providerEnv = map[string][]string{
	"transcription.api-key":      {"ASSEMBLYAI_API_KEY"},
	"insights.router.api-key":    {"OPENROUTER_API_KEY", "GEMINI_API_KEY"},
	"insights.generator.api-key": {"OPENROUTER_API_KEY"},
}

// NewViper returns a viper instance with every key defaulted and environment
// binding in place, so Unmarshal sees env-only values.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	d := Defaults()
	defaults := map[string]any{
		"user":          d.UserID,
		"database.path": d.Database.Path,

		"transcription.url":                                    d.Transcription.URL,
		"transcription.api-key":                                d.Transcription.APIKey,
		"transcription.sample-rate":                            d.Transcription.SampleRate,
		"transcription.encoding":                               d.Transcription.Encoding,
		"transcription.end-of-turn-confidence-threshold":       d.Transcription.EndOfTurnConfidenceThreshold,
		"transcription.min-end-of-turn-silence-when-confident": d.Transcription.MinEndOfTurnSilenceWhenConfident,
		"transcription.max-turn-silence":                       d.Transcription.MaxTurnSilence,
		"transcription.connect-timeout":                        d.Transcription.ConnectTimeout,
		"transcription.close-timeout":                          d.Transcription.CloseTimeout,

		"audio.source":         d.Audio.Source,
		"audio.file":           d.Audio.File,
		"audio.chunk-interval": d.Audio.ChunkInterval,
		"audio.ffmpeg-path":    d.Audio.FFmpeg.Command,
		"audio.input-format":   d.Audio.FFmpeg.InputFormat,
		"audio.device":         d.Audio.FFmpeg.Device,

		"insights.mode":                  d.Insights.Mode,
		"insights.endpoint":              d.Insights.Endpoint,
		"insights.api-key":               d.Insights.APIKey,
		"insights.context-turns":         d.Insights.ContextTurns,
		"insights.timeout":               d.Insights.Timeout,
		"insights.router.base-url":       d.Insights.Router.BaseURL,
		"insights.router.api-key":        d.Insights.Router.APIKey,
		"insights.router.model":          d.Insights.Router.Model,
		"insights.router.temperature":    d.Insights.Router.Temperature,
		"insights.generator.base-url":    d.Insights.Generator.BaseURL,
		"insights.generator.api-key":     d.Insights.Generator.APIKey,
		"insights.generator.model":       d.Insights.Generator.Model,
		"insights.generator.temperature": d.Insights.Generator.Temperature,

		"redis.enabled":  d.Redis.Enabled,
		"redis.addr":     d.Redis.Addr,
		"redis.group":    d.Redis.Group,
		"redis.consumer": d.Redis.Consumer,

		"http.addr": d.HTTP.Addr,
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	for key, names := range providerEnv {
		own := EnvPrefix + "_" + strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(key))
		_ = v.BindEnv(append([]string{key, own}, names...)...)
	}
	return v
}

// ReadFile loads path, or searches $HOME/.rebuttal/config.yaml and ./rebuttal.yaml
// when path is empty. A missing file in the search path is not an error.
func ReadFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
		return errors.Wrapf(v.ReadInConfig(), "read config %s", path)
	}
	v.SetConfigType("yaml")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".rebuttal"))
	}
	v.SetConfigName("config")
	if err := v.ReadInConfig(); err == nil {
		return nil
	} else if !isNotFound(err) {
		return errors.Wrap(err, "read config")
	}

	v.SetConfigName("rebuttal")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil && !isNotFound(err) {
		return errors.Wrap(err, "read config")
	}
	return nil
}

func isNotFound(err error) bool {
	var nf viper.ConfigFileNotFoundError
	return errors.As(err, &nf)
}

// Load decodes the settings out of v.
func Load(v *viper.Viper) (Settings, error) {
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, errors.Wrap(err, "decode settings")
	}
	s.Insights.Mode = strings.ToLower(strings.TrimSpace(s.Insights.Mode))
	s.Audio.Source = strings.ToLower(strings.TrimSpace(s.Audio.Source))
	return s, nil
}

// Validate checks every section that does not need credentials. Commands that talk
// to the transcription provider also call Transcription.Validate.
func (s Settings) Validate() error {
	if strings.TrimSpace(s.Database.Path) == "" {
		return errors.New("database: path is required")
	}
	if err := s.Audio.Validate(); err != nil {
		return errors.Wrap(err, "audio")
	}
	if err := s.Insights.Validate(); err != nil {
		return errors.Wrap(err, "insights")
	}
	if err := s.Redis.Validate(); err != nil {
		return errors.Wrap(err, "redis")
	}
	if strings.TrimSpace(s.HTTP.Addr) == "" {
		return errors.New("http: addr is required")
	}
	return nil
}

func (a AudioSettings) Validate() error {
	switch a.Source {
	case AudioFFmpeg, AudioStdin:
	case AudioFile:
		if strings.TrimSpace(a.File) == "" {
			return errors.New("file source needs a file")
		}
	default:
		return errors.Errorf("unknown source %q", a.Source)
	}
	f := audio.DefaultFormat()
	f.ChunkInterval = a.ChunkInterval
	return f.Validate()
}

// Format is the capture format with the configured chunk interval.
func (a AudioSettings) Format() audio.Format {
	f := audio.DefaultFormat()
	if a.ChunkInterval > 0 {
		f.ChunkInterval = a.ChunkInterval
	}
	return f
}

func (i InsightsSettings) Validate() error {
	switch i.Mode {
	case InsightsOff:
		return nil
	case InsightsRemote:
		if strings.TrimSpace(i.Endpoint) == "" {
			return errors.New("remote mode needs an endpoint")
		}
	case InsightsLocal:
		if strings.TrimSpace(i.Router.Model) == "" || strings.TrimSpace(i.Generator.Model) == "" {
			return errors.New("local mode needs router and generator models")
		}
	default:
		return errors.Errorf("unknown mode %q", i.Mode)
	}
	if i.ContextTurns < 0 {
		return errors.Errorf("context turns must not be negative, got %d", i.ContextTurns)
	}
	return nil
}
