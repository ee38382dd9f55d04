package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/loom-chat/loom/cmd/loom/cmds"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	if err := cmds.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
