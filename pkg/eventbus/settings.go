package eventbus

import (
	"strings"

	"github.com/pkg/errors"
)

// Settings selects the watermill transport. Disabled means an in-process
// gochannel pub/sub; enabled means Redis Streams.
type Settings struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Group    string `mapstructure:"group"`
	Consumer string `mapstructure:"consumer"`
}

func DefaultSettings() Settings {
	return Settings{
		Addr:     "localhost:6379",
		Group:    "rebuttal",
		Consumer: "orchestrator-1",
	}
}

func (s Settings) Validate() error {
	if !s.Enabled {
		return nil
	}
	if strings.TrimSpace(s.Addr) == "" {
		return errors.New("redis address is required when redis is enabled")
	}
	if strings.TrimSpace(s.Group) == "" || strings.TrimSpace(s.Consumer) == "" {
		return errors.New("redis group and consumer are required when redis is enabled")
	}
	return nil
}
