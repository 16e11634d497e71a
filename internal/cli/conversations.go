package cli

import (
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tOgg1/coursechat/internal/convlist"
	"github.com/tOgg1/coursechat/internal/models"
	"github.com/tOgg1/coursechat/internal/unread"
)

func newConversationsCmd(a *app) *cobra.Command {
	var search string
	var unreadOnly bool

	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"ls"},
		Short:   "List conversations, most recent first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, sess, err := a.client()
			if err != nil {
				return err
			}

			counts := unread.New(client, nil)
			list := convlist.New(client, counts, nil, sess.UserID)
			if err := list.Refresh(cmd.Context()); err != nil {
				return backendError("conversations", err)
			}

			convs := list.Conversations()
			if strings.TrimSpace(search) != "" {
				convs = list.Search(search)
			}
			if unreadOnly {
				filtered := convs[:0]
				for _, c := range convs {
					if c.UnreadCount > 0 {
						filtered = append(filtered, c)
					}
				}
				convs = filtered
			}

			out := cmd.OutOrStdout()
			if a.flags.jsonOutput {
				if convs == nil {
					convs = []models.Conversation{}
				}
				return writeJSON(out, convs)
			}

			now := time.Now()
			rows := make([][]string, 0, len(convs))
			for _, c := range convs {
				preview := ""
				if c.LastMessage != nil {
					preview = c.LastMessage.Content
				}
				rows = append(rows, []string{
					c.ID,
					cell(c.Title(sess.UserID)),
					string(c.Type),
					formatCount(c.UnreadCount),
					formatAgo(c.LastActivity(), now),
					cell(preview),
				})
			}
			return writeTable(out, []string{"ID", "TITLE", "TYPE", "UNREAD", "ACTIVE", "LAST MESSAGE"}, rows)
		},
	}

	cmd.Flags().StringVarP(&search, "search", "s", "", "filter by participant name or subject")
	cmd.Flags().BoolVar(&unreadOnly, "unread", false, "only conversations with unread messages")
	return cmd
}
