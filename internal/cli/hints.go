package cli

import (
	"fmt"
	"io"
)

// hintContext describes what a command just did.
type hintContext struct {
	Action         string
	ConversationID string
	BaseURL        string
	Token          string
}

// printNextSteps writes follow-up commands for the finished action.
func printNextSteps(out io.Writer, ctx hintContext) {
	hints := generateHints(ctx)
	if len(hints) == 0 {
		return
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Next steps:")
	for _, hint := range hints {
		fmt.Fprintf(out, "  %s\n", hint)
	}
}

func generateHints(ctx hintContext) []string {
	switch ctx.Action {
	case "send":
		if ctx.ConversationID == "" {
			return nil
		}
		return []string{
			fmt.Sprintf("coursechat messages %s -n 10   # Show the latest messages", ctx.ConversationID),
			"coursechat tui                        # Open the chat view",
		}
	case "dev-server":
		hints := []string{}
		if ctx.Token != "" {
			hints = append(hints, fmt.Sprintf("export COURSECHAT_SESSION_TOKEN=%s", ctx.Token))
		}
		if ctx.BaseURL != "" {
			hints = append(hints, fmt.Sprintf("export COURSECHAT_BACKEND_BASE_URL=%s", ctx.BaseURL))
		}
		return append(hints, "coursechat tui")
	default:
		return nil
	}
}
