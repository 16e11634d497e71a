package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/tOgg1/coursechat/internal/models"
	"github.com/tOgg1/coursechat/internal/unread"
)

func newUnreadCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unread",
		Short: "Show unread message counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := a.client()
			if err != nil {
				return err
			}

			agg := unread.New(client, nil)
			if err := agg.Refresh(cmd.Context()); err != nil {
				return backendError("unread", err)
			}
			snap := agg.Snapshot()

			out := cmd.OutOrStdout()
			if a.flags.jsonOutput {
				if snap.PerConversation == nil {
					snap.PerConversation = map[string]int{}
				}
				return writeJSON(out, snap)
			}
			return printUnread(cmd, snap)
		},
	}
	return cmd
}

func printUnread(cmd *cobra.Command, snap models.UnreadCounter) error {
	out := cmd.OutOrStdout()
	if snap.Total == 0 {
		_, err := fmt.Fprintln(out, "all caught up")
		return err
	}

	ids := make([]string, 0, len(snap.PerConversation))
	for id, n := range snap.PerConversation {
		if n > 0 {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		ci, cj := snap.PerConversation[ids[i]], snap.PerConversation[ids[j]]
		if ci != cj {
			return ci > cj
		}
		return ids[i] < ids[j]
	})

	rows := make([][]string, 0, len(ids))
	for _, id := range ids {
		rows = append(rows, []string{id, formatCount(snap.PerConversation[id])})
	}
	if err := writeTable(out, []string{"CONVERSATION", "UNREAD"}, rows); err != nil {
		return err
	}
	_, err := fmt.Fprintf(out, "\n%s unread\n", formatCount(snap.Total))
	return err
}
