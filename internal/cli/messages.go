package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tOgg1/coursechat/internal/models"
)

type messagesOutput struct {
	Conversation models.Conversation `json:"conversation"`
	Messages     []models.Message    `json:"messages"`
}

func newMessagesCmd(a *app) *cobra.Command {
	var limit int
	var markRead bool

	cmd := &cobra.Command{
		Use:   "messages <conversation-id>",
		Short: "Print a conversation's messages, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, sess, err := a.client()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			id := strings.TrimSpace(args[0])

			conv, err := client.GetConversation(ctx, id)
			if err != nil {
				return backendError("messages", err)
			}
			msgs, err := client.GetMessages(ctx, id)
			if err != nil {
				return backendError("messages", err)
			}
			if limit > 0 && len(msgs) > limit {
				msgs = msgs[len(msgs)-limit:]
			}
			if markRead {
				if err := client.MarkConversationRead(ctx, id); err != nil {
					return backendError("mark read", err)
				}
			}

			out := cmd.OutOrStdout()
			if a.flags.jsonOutput {
				if msgs == nil {
					msgs = []models.Message{}
				}
				return writeJSON(out, messagesOutput{Conversation: conv, Messages: msgs})
			}
			return printMessages(out, conv, msgs, sess.UserID)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "only the newest n messages")
	cmd.Flags().BoolVar(&markRead, "mark-read", false, "mark the conversation read afterwards")
	return cmd
}

func printMessages(out io.Writer, conv models.Conversation, msgs []models.Message, selfID string) error {
	title := conv.Title(selfID)
	if conv.Course != nil && conv.Course.Title != "" {
		title += " · " + conv.Course.Title
	}
	if _, err := fmt.Fprintln(out, title); err != nil {
		return err
	}
	if len(msgs) == 0 {
		_, err := fmt.Fprintln(out, "  (no messages)")
		return err
	}
	for _, msg := range msgs {
		name := msg.SenderName
		if msg.SenderID == selfID {
			name = "You"
		} else if name == "" {
			name = msg.SenderID
		}
		marker := " "
		if !msg.ReadByCurrentUser {
			marker = "*"
		}
		if _, err := fmt.Fprintf(out, "%s %s  %s: %s\n", marker, msg.CreatedAt.Local().Format("Jan 02 15:04"), name, msg.Content); err != nil {
			return err
		}
	}
	return nil
}
