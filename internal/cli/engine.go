package cli

import (
	"context"

	"github.com/tOgg1/coursechat/internal/chat"
	"github.com/tOgg1/coursechat/internal/config"
	"github.com/tOgg1/coursechat/internal/inbox"
	"github.com/tOgg1/coursechat/internal/logging"
	"github.com/tOgg1/coursechat/internal/push"
	"github.com/tOgg1/coursechat/internal/reconcile"
	"github.com/tOgg1/coursechat/internal/scheduler"
	"github.com/tOgg1/coursechat/internal/session"
	"github.com/tOgg1/coursechat/internal/transport"
)

func (a *app) session() (session.Session, error) {
	sess, err := session.FromToken(a.cfg.Session.Token, a.cfg.Session.UserID, a.cfg.Session.DisplayName)
	if err != nil {
		return session.Session{}, sessionError(err)
	}
	return sess, nil
}

func (a *app) client() (*transport.HTTPClient, session.Session, error) {
	sess, err := a.session()
	if err != nil {
		return nil, session.Session{}, err
	}
	client, err := transport.NewHTTPClient(transport.HTTPConfig{
		BaseURL: a.cfg.Backend.BaseURL,
		Session: sess,
		Timeout: a.cfg.Backend.RequestTimeout,
	})
	if err != nil {
		return nil, session.Session{}, &ExitError{Code: exitUsage, Err: err}
	}
	return client, sess, nil
}

// engineOptions translates polling and sync settings into engine options.
func engineOptions(cfg *config.Config) inbox.Options {
	opts := inbox.DefaultOptions()
	opts.ListInterval = cfg.Polling.ListInterval
	opts.UnreadInterval = cfg.Polling.UnreadInterval
	opts.Policy = scheduler.Policy{
		FailureBackoff: cfg.Polling.FailureBackoff,
		MaxBackoff:     cfg.Polling.MaxBackoff,
	}
	opts.Chat = chat.Config{
		MessageInterval: cfg.Polling.MessageInterval,
		Reconcile: reconcile.Options{
			MatchWindow: cfg.Sync.MatchWindow,
			SendTimeout: cfg.Sync.SendTimeout,
		},
		TypingThrottle: cfg.Sync.TypingThrottle,
	}
	return opts
}

// mountEngine builds and mounts an engine. The caller closes it.
func (a *app) mountEngine(ctx context.Context) (*inbox.Engine, error) {
	client, sess, err := a.client()
	if err != nil {
		return nil, err
	}
	engine := inbox.New(client, sess, engineOptions(a.cfg))
	if err := engine.Mount(ctx); err != nil {
		engine.Close()
		return nil, err
	}
	a.startPush(ctx, engine)
	return engine, nil
}

// startPush runs the nudge listener until ctx ends when push is enabled.
func (a *app) startPush(ctx context.Context, engine *inbox.Engine) {
	if !a.cfg.Push.Enabled {
		return
	}
	logger := logging.Component("cli")
	wsURL, err := push.URLFor(a.cfg.Backend.BaseURL, a.cfg.Push.Path)
	if err != nil {
		logger.Warn().Err(err).Msg("push disabled")
		return
	}
	listener, err := push.New(push.Config{
		URL:               wsURL,
		Session:           engine.Session(),
		ReconnectInterval: a.cfg.Push.ReconnectInterval,
	}, engine)
	if err != nil {
		logger.Warn().Err(err).Msg("push disabled")
		return
	}
	go func() {
		if err := listener.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Warn().Err(err).Msg("push listener stopped")
		}
	}()
}
