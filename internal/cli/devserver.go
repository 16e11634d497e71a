package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tOgg1/coursechat/internal/devserver"
	"github.com/tOgg1/coursechat/internal/models"
)

func newDevServerCmd(a *app) *cobra.Command {
	var addr string
	var dbPath string
	var seed bool
	var tokenTTL time.Duration

	cmd := &cobra.Command{
		Use:   "dev-server",
		Short: "Run a local message backend with demo data",
		Long:  "Serve the platform message API from SQLite for local development. Demo user tokens are printed on start.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			flags := cmd.Flags()
			if !flags.Changed("addr") {
				addr = a.cfg.DevServer.Addr
			}
			if !flags.Changed("db") {
				dbPath = a.cfg.DevServer.DatabasePath
			}
			if !flags.Changed("seed") {
				seed = a.cfg.DevServer.Seed
			}

			srv, err := devserver.New(ctx, devserver.Config{
				Addr:         addr,
				DatabasePath: dbPath,
				JWTSecret:    a.cfg.DevServer.JWTSecret,
			})
			if err != nil {
				return &ExitError{Code: exitFailure, Err: err}
			}
			defer func() { _ = srv.Close() }()

			out := cmd.OutOrStdout()
			if seed {
				users, err := srv.Seed(ctx)
				if err != nil {
					return fmt.Errorf("seed: %w", err)
				}
				if err := printDemoTokens(ctx, out, srv, users, tokenTTL, "http://"+addr); err != nil {
					return err
				}
			}

			fmt.Fprintf(out, "listening on http://%s (ctrl+c to stop)\n", addr)
			return srv.ListenAndServe(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from dev_server.addr)")
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite database file (default in-memory)")
	cmd.Flags().BoolVar(&seed, "seed", true, "load demo users and conversations")
	cmd.Flags().DurationVar(&tokenTTL, "token-ttl", 24*time.Hour, "lifetime of the printed demo tokens")
	return cmd
}

func printDemoTokens(ctx context.Context, out io.Writer, srv *devserver.Server, users []models.UserRef, ttl time.Duration, baseURL string) error {
	rows := make([][]string, 0, len(users))
	var first string
	for _, u := range users {
		token, err := srv.Token(ctx, u.ID, ttl)
		if err != nil {
			return fmt.Errorf("token for %s: %w", u.ID, err)
		}
		if first == "" && u.ID == devserver.DemoStudent {
			first = token
		}
		rows = append(rows, []string{u.ID, u.Name, u.Role, token})
	}
	if err := writeTable(out, []string{"USER", "NAME", "ROLE", "TOKEN"}, rows); err != nil {
		return err
	}
	printNextSteps(out, hintContext{Action: "dev-server", BaseURL: baseURL, Token: first})
	fmt.Fprintln(out)
	return nil
}
