package cmds

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/loom-chat/loom/pkg/importer"
	"github.com/loom-chat/loom/pkg/persistence"
)

func newImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <export.json>",
		Short: "Import a legacy chat export",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return errors.Wrap(err, "read export")
			}
			id, err := importer.Import(data, e.convs, e.arts)
			if err != nil {
				return err
			}
			c, _ := e.convs.Get(id)
			if err := e.files.Save(persistence.Capture(c, e.arts)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %q as %s\n", c.Title, id)
			return nil
		},
	}
}
