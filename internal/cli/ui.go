package cli

import (
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tOgg1/coursechat/internal/chattui"
	"github.com/tOgg1/coursechat/internal/config"
	"github.com/tOgg1/coursechat/internal/logging"
)

func newTUICmd(a *app) *cobra.Command {
	var conversation string
	var contextPath string

	cmd := &cobra.Command{
		Use:   "tui",
		Short: "Open the interactive chat view",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.flags.nonInteractive || !hasTTY() {
				return &PreflightError{
					Message:  "the chat view requires an interactive terminal",
					Hint:     "run without --non-interactive and with a TTY, or use the other subcommands",
					NextStep: "coursechat conversations",
				}
			}
			if _, err := chattui.ThemeByName(a.cfg.TUI.Theme); err != nil {
				return &ExitError{Code: exitUsage, Err: err}
			}

			ctx := cmd.Context()
			engine, err := a.mountEngine(ctx)
			if err != nil {
				return err
			}
			defer engine.Close()

			logger := logging.Component("cli")
			userID := engine.Session().UserID
			store := config.NewContextStore(contextPath)
			saved, err := store.Load()
			if err != nil {
				logger.Warn().Err(err).Msg("ignoring unreadable context file")
				saved = &config.Context{}
			}
			if strings.TrimSpace(conversation) == "" {
				conversation, _ = saved.ConversationFor(userID)
			}

			runErr := chattui.Run(ctx, engine, chattui.Config{
				Theme:          a.cfg.TUI.Theme,
				ShowTimestamps: a.cfg.TUI.ShowTimestamps,
				Conversation:   conversation,
			})

			if openID := engine.Chat().OpenID(); openID != "" {
				title := openID
				if conv, ok := engine.Chat().Conversation(); ok {
					title = conv.Title(userID)
				}
				saved.SetConversation(userID, openID, title)
				if err := store.Save(saved); err != nil {
					logger.Warn().Err(err).Msg("could not save context")
				}
			}
			return runErr
		},
	}

	cmd.Flags().StringVarP(&conversation, "conversation", "c", "", "conversation to open on start (default: the last one opened)")
	cmd.Flags().StringVar(&contextPath, "context-file", "", "where the last opened conversation is remembered")
	return cmd
}

func hasTTY() bool {
	return isTerminal(os.Stdin) && isTerminal(os.Stdout)
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
