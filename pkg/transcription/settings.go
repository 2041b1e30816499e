package transcription

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	DefaultURL            = "wss://streaming.assemblyai.com/v3/ws"
	DefaultSampleRate     = 16000
	DefaultEncoding       = "pcm_s16le"
	DefaultConnectTimeout = 10 * time.Second
	DefaultCloseTimeout   = 5 * time.Second
)

// Settings configures the streaming connection. Sample rate, channel count and
// sample width are fixed by the audio format; only the end-of-turn knobs are tunable.
type Settings struct {
	URL        string `mapstructure:"url"`
	APIKey     string `mapstructure:"api-key"`
	SampleRate int    `mapstructure:"sample-rate"`
	Encoding   string `mapstructure:"encoding"`

	EndOfTurnConfidenceThreshold     float64       `mapstructure:"end-of-turn-confidence-threshold"`
	MinEndOfTurnSilenceWhenConfident time.Duration `mapstructure:"min-end-of-turn-silence-when-confident"`
	MaxTurnSilence                   time.Duration `mapstructure:"max-turn-silence"`

	ConnectTimeout time.Duration `mapstructure:"connect-timeout"`
	CloseTimeout   time.Duration `mapstructure:"close-timeout"`
}

func DefaultSettings() Settings {
	return Settings{
		URL:                              DefaultURL,
		SampleRate:                       DefaultSampleRate,
		Encoding:                         DefaultEncoding,
		EndOfTurnConfidenceThreshold:     0.7,
		MinEndOfTurnSilenceWhenConfident: 160 * time.Millisecond,
		MaxTurnSilence:                   2400 * time.Millisecond,
		ConnectTimeout:                   DefaultConnectTimeout,
		CloseTimeout:                     DefaultCloseTimeout,
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if strings.TrimSpace(s.URL) == "" {
		s.URL = d.URL
	}
	if s.SampleRate <= 0 {
		s.SampleRate = d.SampleRate
	}
	if s.Encoding == "" {
		s.Encoding = d.Encoding
	}
	if s.ConnectTimeout <= 0 {
		s.ConnectTimeout = d.ConnectTimeout
	}
	if s.CloseTimeout <= 0 {
		s.CloseTimeout = d.CloseTimeout
	}
	return s
}

func (s Settings) Validate() error {
	if strings.TrimSpace(s.APIKey) == "" {
		return errors.New("api key is required")
	}
	if s.SampleRate != 0 && s.SampleRate != DefaultSampleRate {
		return errors.Errorf("sample rate must be %d, got %d", DefaultSampleRate, s.SampleRate)
	}
	if s.EndOfTurnConfidenceThreshold < 0 || s.EndOfTurnConfidenceThreshold > 1 {
		return errors.Errorf("end-of-turn confidence threshold must be within [0,1], got %v", s.EndOfTurnConfidenceThreshold)
	}
	if s.MinEndOfTurnSilenceWhenConfident < 0 || s.MaxTurnSilence < 0 {
		return errors.New("end-of-turn silence thresholds must not be negative")
	}
	return nil
}

// StreamURL renders the provider URL with the fixed stream parameters.
func (s Settings) StreamURL() (string, error) {
	s = s.withDefaults()
	u, err := url.Parse(s.URL)
	if err != nil {
		return "", errors.Wrap(err, "parse stream url")
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", errors.Errorf("unsupported stream url scheme %q", u.Scheme)
	}

	q := u.Query()
	q.Set("sample_rate", strconv.Itoa(s.SampleRate))
	q.Set("encoding", s.Encoding)
	q.Set("format_turns", "true")
	if s.EndOfTurnConfidenceThreshold > 0 {
		q.Set("end_of_turn_confidence_threshold", strconv.FormatFloat(s.EndOfTurnConfidenceThreshold, 'f', -1, 64))
	}
	if s.MinEndOfTurnSilenceWhenConfident > 0 {
		q.Set("min_end_of_turn_silence_when_confident", strconv.FormatInt(s.MinEndOfTurnSilenceWhenConfident.Milliseconds(), 10))
	}
	if s.MaxTurnSilence > 0 {
		q.Set("max_turn_silence", strconv.FormatInt(s.MaxTurnSilence.Milliseconds(), 10))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
