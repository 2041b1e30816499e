// Package cmds holds the rebuttal cobra commands and the wiring they share.
package cmds

import (
	"github.com/go-go-golems/rebuttal/pkg/config"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// root carries what every subcommand needs after PersistentPreRunE ran.
type root struct {
	v          *viper.Viper
	configFile string
	logLevel   string
	logFormat  string
}

func NewRootCommand() *cobra.Command {
	r := &root{v: config.NewViper()}
	cmd := &cobra.Command{
		Use:           "rebuttal",
		Short:         "Record conversations, transcribe them live and surface insights",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := initLogger(r.logLevel, r.logFormat); err != nil {
				return err
			}
			return config.ReadFile(r.v, r.configFile)
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&r.configFile, "config", "", "config file (default $HOME/.rebuttal/config.yaml or ./rebuttal.yaml)")
	pf.StringVar(&r.logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	pf.StringVar(&r.logFormat, "log-format", "console", "log format (console, json)")
	pf.String("db", "", "session database file, or :memory:")
	pf.String("user", "", "user id written on new sessions and used to filter listings")
	pf.String("insights-mode", "", "insight pipeline: local, remote or off")
	r.bind(cmd, "db", "database.path")
	r.bind(cmd, "user", "user")
	r.bind(cmd, "insights-mode", "insights.mode")

	cmd.AddCommand(
		newRecordCommand(r),
		newSessionsCommand(r),
		newServeCommand(r),
		newInsightCommand(r),
	)
	return cmd
}

// bind ties a flag (persistent or local) to a viper key. Unset flags leave the
// file, env and default values alone.
func (r *root) bind(cmd *cobra.Command, flag, key string) {
	f := cmd.Flags().Lookup(flag)
	if f == nil {
		f = cmd.PersistentFlags().Lookup(flag)
	}
	if f == nil {
		panic("unknown flag " + flag)
	}
	if err := r.v.BindPFlag(key, f); err != nil {
		panic(err)
	}
}

// settings loads and validates the merged configuration.
func (r *root) settings() (config.Settings, error) {
	s, err := config.Load(r.v)
	if err != nil {
		return config.Settings{}, err
	}
	if err := s.Validate(); err != nil {
		return config.Settings{}, errors.Wrap(err, "invalid configuration")
	}
	return s, nil
}
