package cmds

import (
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/loom-chat/loom/pkg/artifacts"
	"github.com/loom-chat/loom/pkg/conversation"
	"github.com/loom-chat/loom/pkg/persistence"
	"github.com/loom-chat/loom/pkg/settings"
)

var rootFlags struct {
	config   string
	logLevel string
	dataDir  string
}

func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "loom",
		Short:         "Multi-provider LLM chat with streaming artifacts",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := zerolog.ParseLevel(rootFlags.logLevel)
			if err != nil {
				return errors.Wrapf(err, "invalid log level %q", rootFlags.logLevel)
			}
			zerolog.SetGlobalLevel(level)
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&rootFlags.config, "config", "", "config file (default: loom.yaml in . or ~/.config/loom)")
	cmd.PersistentFlags().StringVar(&rootFlags.logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&rootFlags.dataDir, "data-dir", "", "override the snapshot directory")

	cmd.AddCommand(newChatCmd(), newImportCmd(), newShowCmd())
	return cmd
}

// env bundles the loaded settings with stores hydrated from disk.
type env struct {
	settings settings.Settings
	convs    *conversation.Store
	arts     *artifacts.Store
	files    *persistence.FileStore
}

func openEnv() (*env, error) {
	s, err := settings.Load(rootFlags.config)
	if err != nil {
		return nil, err
	}
	if rootFlags.dataDir != "" {
		s.DataDir = rootFlags.dataDir
	}
	files, err := persistence.NewFileStore(s.DataDir)
	if err != nil {
		return nil, err
	}
	e := &env{
		settings: s,
		convs:    conversation.NewStore(),
		arts:     artifacts.NewStore(),
		files:    files,
	}
	if err := persistence.LoadAll(files, e.convs, e.arts); err != nil {
		return nil, err
	}
	return e, nil
}
