package cmd

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cyph3rasi/kyber/core/dispatch"
	"github.com/cyph3rasi/kyber/core/tasks"
)

var (
	chatChannel       string
	chatID            string
	chatLabel         string
	chatMaxIterations int
	chatMessageID     string
)

var chatCmd = &cobra.Command{
	Use:   "chat <message>",
	Short: "Send a message to the agent",
	Long: `Send a message through the dispatcher. Short work is answered inline;
work that runs past the promotion threshold, or that the agent marks as
background work, continues as a task and its result is delivered to the
origin channel when it finishes.`,
	Args: cobra.MinimumNArgs(1),
	RunE: chatRun,
}

func init() {
	chatCmd.Flags().StringVar(&chatChannel, "channel", "console", "origin channel for delivered results")
	chatCmd.Flags().StringVar(&chatID, "chat-id", "cli", "origin chat id")
	chatCmd.Flags().StringVar(&chatLabel, "label", "", "task label (default: derived from the message)")
	chatCmd.Flags().IntVar(&chatMaxIterations, "max-iterations", 0, "step budget (default from daemon config)")
	chatCmd.Flags().StringVar(&chatMessageID, "message-id", "", "idempotency key (default: random)")
}

func chatRun(cmd *cobra.Command, args []string) error {
	id := chatMessageID
	if id == "" {
		id = uuid.NewString()
	}
	msg := dispatch.Message{
		ID:            id,
		Origin:        tasks.Origin{Channel: chatChannel, ChatID: chatID},
		Text:          strings.Join(args, " "),
		Label:         chatLabel,
		MaxIterations: chatMaxIterations,
	}

	out, err := newClient().SendMessage(cmd.Context(), msg)
	if err != nil {
		return err
	}
	return printOutcome(cmd, out)
}

func printOutcome(cmd *cobra.Command, out dispatch.Outcome) error {
	w := cmd.OutOrStdout()
	switch {
	case out.Duplicate:
		_, _ = fmt.Fprintf(w, "Already received as task %s (%s).\n", out.Reference, renderStatus(out.Status))
	case out.Promoted:
		_, _ = fmt.Fprintf(w, "Working on it in the background as task %s.\n", out.Reference)
		_, _ = fmt.Fprintf(w, "Follow with: kyber task status %s\n", out.Reference)
	case out.Error != "":
		return fmt.Errorf("task %s %s: %s", out.Reference, out.Status, out.Error)
	default:
		_, _ = fmt.Fprintln(w, out.Reply)
	}
	return nil
}
