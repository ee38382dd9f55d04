package cmds

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newShowCmd() *cobra.Command {
	var withArtifacts bool
	cmd := &cobra.Command{
		Use:   "show [conversation-id]",
		Short: "Show a conversation's active chain, or list all conversations",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if len(args) == 0 {
				for _, c := range e.convs.List() {
					fmt.Fprintf(out, "%s  %s  (%d messages)\n", c.ID, c.Title, len(c.Messages))
				}
				return nil
			}

			c, ok := e.convs.Get(args[0])
			if !ok {
				return errors.Errorf("unknown conversation %s", args[0])
			}
			fmt.Fprintf(out, "%s (%s)\n\n", c.Title, c.ID)
			for _, entry := range e.convs.ActiveChain(c.ID) {
				fmt.Fprintf(out, "[%s] %s\n", entry.Role, entry.Version.Text())
				if len(entry.Version.ToolTrace) > 0 {
					for _, tr := range entry.Version.ToolTrace {
						fmt.Fprintf(out, "  (tool %s: %s)\n", tr.Name, tr.Content)
					}
				}
			}

			if withArtifacts {
				for _, a := range e.arts.List(c.ID) {
					v := a.ActiveVersion()
					if v == nil {
						continue
					}
					fmt.Fprintf(out, "\n--- artifact %s (%s, %d versions) ---\n%s\n",
						a.ID, v.Metadata["type"], len(a.Versions), v.Content)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&withArtifacts, "artifacts", false, "also print artifact contents")
	return cmd
}
