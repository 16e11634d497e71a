package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tOgg1/coursechat/internal/events"
	"github.com/tOgg1/coursechat/internal/inbox"
	"github.com/tOgg1/coursechat/internal/models"
)

// StreamConfig configures event streaming.
type StreamConfig struct {
	// EventTypes filters to specific event types (nil = all).
	EventTypes []models.EventType

	// ConversationID filters to one conversation.
	ConversationID string

	// IncludeRecent replays the publisher's history before streaming.
	IncludeRecent bool

	// JSON writes one event per line as JSON instead of a summary line.
	JSON bool

	// Buffer is the queue size between the publisher and the writer.
	Buffer int
}

// Subscriber is the part of the event publisher the streamer needs.
type Subscriber interface {
	Subscribe(id string, filter events.Filter, handler events.EventHandler) error
	Unsubscribe(id string) error
	Recent() []*models.Event
}

// EventStreamer writes engine events to out until its context ends.
type EventStreamer struct {
	source Subscriber
	out    io.Writer
	config StreamConfig
}

// NewEventStreamer creates a streamer over source.
func NewEventStreamer(source Subscriber, out io.Writer, config StreamConfig) *EventStreamer {
	if config.Buffer <= 0 {
		config.Buffer = 256
	}
	return &EventStreamer{source: source, out: out, config: config}
}

// Stream blocks until ctx ends or a write fails. Events that arrive while the
// queue is full are dropped and counted in a final warning line.
func (s *EventStreamer) Stream(ctx context.Context) error {
	filter := events.Filter{
		EventTypes: s.config.EventTypes,
		EntityID:   s.config.ConversationID,
	}

	queue := make(chan *models.Event, s.config.Buffer)
	var dropped atomic.Int64
	id := "watch-" + uuid.NewString()
	handler := func(ev *models.Event) {
		select {
		case queue <- ev:
		default:
			dropped.Add(1)
		}
	}

	if s.config.IncludeRecent {
		for _, ev := range s.source.Recent() {
			if filter.Matches(ev) {
				if err := s.writeEvent(ev); err != nil {
					return err
				}
			}
		}
	}

	if err := s.source.Subscribe(id, filter, handler); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer func() { _ = s.source.Unsubscribe(id) }()

	for {
		select {
		case <-ctx.Done():
			if n := dropped.Load(); n > 0 {
				fmt.Fprintf(os.Stderr, "warning: %d events dropped\n", n)
			}
			return nil
		case ev := <-queue:
			if err := s.writeEvent(ev); err != nil {
				return fmt.Errorf("write event: %w", err)
			}
		}
	}
}

func (s *EventStreamer) writeEvent(ev *models.Event) error {
	if s.config.JSON {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(s.out, "%s\n", data)
		return err
	}
	line := ev.Timestamp.Local().Format("15:04:05") + "  " + string(ev.Type)
	if ev.EntityID != "" {
		line += "  " + ev.EntityID
	}
	if len(ev.Payload) > 0 && string(ev.Payload) != "null" {
		line += "  " + string(ev.Payload)
	}
	_, err := fmt.Fprintln(s.out, line)
	return err
}

func newWatchCmd(a *app) *cobra.Command {
	var conversation string
	var types []string
	var recent bool

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run the sync engine and stream its events",
		Long:  "Mount the polling engine headless and print every state change. Use --json for JSONL.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			eventTypes := make([]models.EventType, 0, len(types))
			for _, t := range types {
				if t = strings.TrimSpace(t); t != "" {
					eventTypes = append(eventTypes, models.EventType(t))
				}
			}

			engine, err := a.mountEngine(ctx)
			if err != nil {
				return err
			}
			defer engine.Close()

			streamer := NewEventStreamer(engine.Events(), cmd.OutOrStdout(), StreamConfig{
				EventTypes:     eventTypes,
				ConversationID: conversation,
				IncludeRecent:  recent,
				JSON:           a.flags.jsonOutput,
			})

			if conversation != "" {
				selectCtx, cancel := context.WithTimeout(ctx, 2*a.cfg.Backend.RequestTimeout+time.Second)
				err := selectConversation(selectCtx, engine, conversation)
				cancel()
				if err != nil {
					return backendError("watch", err)
				}
			}
			return streamer.Stream(ctx)
		},
	}

	cmd.Flags().StringVarP(&conversation, "conversation", "c", "", "open this conversation and poll its messages")
	cmd.Flags().StringSliceVarP(&types, "type", "t", nil, "only these event types (repeatable)")
	cmd.Flags().BoolVar(&recent, "recent", true, "print events recorded before the stream started")
	return cmd
}

// selectConversation opens id once the conversation list has loaded.
func selectConversation(ctx context.Context, engine *inbox.Engine, id string) error {
	if !engine.List().Loaded() {
		if err := engine.List().Refresh(ctx); err != nil {
			return err
		}
	}
	return engine.Select(ctx, id)
}
