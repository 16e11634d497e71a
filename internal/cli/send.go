package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func newSendCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <conversation-id> [message...]",
		Short: "Send a message",
		Long:  "Send a message to a conversation. Without a message argument the body is read from stdin.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := strings.TrimSpace(args[0])
			content := strings.Join(args[1:], " ")
			if len(args) == 1 {
				if stdinIsTerminal() {
					return Exitf(exitUsage, "message is required (pass it as an argument or pipe it on stdin)")
				}
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				content = string(data)
			}
			content = strings.TrimSpace(content)
			if content == "" {
				return Exitf(exitUsage, "message is empty")
			}

			client, _, err := a.client()
			if err != nil {
				return err
			}
			msg, err := client.SendMessage(cmd.Context(), id, content)
			if err != nil {
				return backendError("send", err)
			}

			out := cmd.OutOrStdout()
			if a.flags.jsonOutput {
				return writeJSON(out, msg)
			}
			fmt.Fprintf(out, "sent %s\n", msg.ID)
			printNextSteps(out, hintContext{Action: "send", ConversationID: id})
			return nil
		},
	}
	return cmd
}

func stdinIsTerminal() bool {
	return isTerminal(os.Stdin)
}
