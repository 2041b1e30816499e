package main

import (
	"os"

	"github.com/go-go-golems/rebuttal/cmd/rebuttal/cmds"
	"github.com/rs/zerolog/log"
)

func main() {
	if err := cmds.NewRootCommand().Execute(); err != nil {
		log.Error().Err(err).Msg("rebuttal failed")
		os.Exit(1)
	}
}
