package cmds

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/loom-chat/loom/pkg/conversation"
	"github.com/loom-chat/loom/pkg/events"
	"github.com/loom-chat/loom/pkg/inference"
	"github.com/loom-chat/loom/pkg/persistence"
)

const chatTopic = "chat"

func newChatCmd() *cobra.Command {
	var providerName, model, conversationID string
	cmd := &cobra.Command{
		Use:   "chat <message>",
		Short: "Send one message and stream the reply",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			if providerName == "" {
				providerName = e.settings.DefaultProvider
			}
			if model == "" {
				model = e.settings.DefaultModel
			}
			adapter, err := newAdapter(e.settings, providerName)
			if err != nil {
				return err
			}

			var conv *conversation.Conversation
			if conversationID == "" {
				conv = e.convs.Create()
			} else {
				var ok bool
				conv, ok = e.convs.Get(conversationID)
				if !ok {
					return errors.Errorf("unknown conversation %s", conversationID)
				}
			}

			router, err := events.NewEventRouter()
			if err != nil {
				return err
			}
			defer func() { _ = router.Close() }()
			router.AddHandler("printer", chatTopic, printer(cmd.OutOrStdout()))

			writer := persistence.NewWriter(e.files, e.convs, e.arts)
			defer writer.Close()

			orch := inference.New(e.convs, e.arts, e.settings,
				inference.WithSink(router.Sink(chatTopic)),
				inference.WithPersister(writer),
			)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			eg, egctx := errgroup.WithContext(ctx)
			eg.Go(func() error {
				if err := router.Run(egctx); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})
			<-router.Running()

			res, err := orch.RunTurn(egctx, inference.TurnRequest{
				ConversationID: conv.ID,
				UserContent:    []conversation.ContentPart{conversation.TextPart{Text: args[0]}},
				Adapter:        adapter,
				Model:          model,
			})
			if err != nil {
				return err
			}
			stop()
			_ = eg.Wait()

			fmt.Fprintf(cmd.OutOrStdout(), "\nconversation: %s\n", conv.ID)
			if res.Err != nil {
				return res.Err
			}
			if res.IsIncomplete {
				fmt.Fprintf(cmd.OutOrStdout(), "artifact %s was cut off; send \"continue\" to resume\n", res.IncompleteArtifactID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&providerName, "provider", "", "provider to use (openai, claude, gemini)")
	cmd.Flags().StringVar(&model, "model", "", "model name")
	cmd.Flags().StringVarP(&conversationID, "conversation", "c", "", "continue an existing conversation")
	return cmd
}

// printer renders the event stream as it arrives.
func printer(w io.Writer) func(msg *message.Message) error {
	return func(msg *message.Message) error {
		ev, err := events.NewEventFromJSON(msg.Payload)
		if err != nil {
			return err
		}
		switch e := ev.(type) {
		case *events.EventMessageDelta:
			fmt.Fprint(w, e.Delta)
		case *events.EventArtifactStarted:
			fmt.Fprintf(w, "\n--- artifact %s (%s) ---\n", e.ArtifactID, e.Meta["type"])
		case *events.EventArtifactDelta:
			fmt.Fprint(w, e.Delta)
		case *events.EventArtifactCompleted:
			fmt.Fprintf(w, "\n--- end artifact %s ---\n", e.ArtifactID)
		case *events.EventError:
			fmt.Fprintf(w, "\nerror: %s\n", e.ErrorString)
		case *events.EventInterrupt:
			fmt.Fprintln(w, "\ninterrupted")
		}
		return nil
	}
}
