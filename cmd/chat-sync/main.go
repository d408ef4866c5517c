package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/chat-sync/internal/chat"
	"github.com/alexjbarnes/chat-sync/internal/config"
	"github.com/alexjbarnes/chat-sync/internal/logging"
	"github.com/alexjbarnes/chat-sync/internal/state"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("chat-sync starting",
		slog.String("version", Version),
		slog.String("user_id", cfg.UserID),
		slog.String("ws_host", cfg.WSHost),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appState, err := state.Load()
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	if err := appState.SetToken(cfg.Token); err != nil {
		logger.Warn("failed to cache token", slog.String("error", err.Error()))
	}

	client := chat.NewClient(nil, cfg.APIBaseURL, cfg.Token, cfg.PageSize)

	msgs := chat.NewMessageStore(logger)
	msgs.OnAnomaly = func(a chat.Anomaly) {
		logger.Error("message merge conflict",
			slog.String("conversation_id", a.ConversationID),
			slog.String("message_id", a.MessageID),
			slog.String("diff", a.Diff),
		)
	}

	convs := chat.NewConversationList(appState, logger)
	convs.WarmStart()

	// The engine and transport reference each other: the transport invokes
	// the engine's handlers, the engine sends through the transport.
	var engine *chat.Engine

	transport := chat.NewTransport(chat.TransportConfig{
		Host:   cfg.WSHost,
		UserID: cfg.UserID,
		Token:  cfg.Token,
		Device: cfg.DeviceName,
		OnMessage: func(m chat.Message) {
			engine.HandleMessage(m)
		},
		OnConversationUpdate: func(ev chat.ConversationUpdatedEvent) {
			engine.HandleConversationUpdate(ev)
		},
		OnStateChange: func(s chat.ConnState) {
			logger.Info("connection state", slog.String("state", s.String()))
			engine.HandleStateChange(s)
		},
	}, logger)
	defer transport.Close()

	receipts := chat.NewReceiptEmitter(transport, appState, cfg.UserID, logger)

	engine = chat.NewEngine(chat.EngineConfig{
		UserID:         cfg.UserID,
		SendMaxRetries: cfg.SendMaxRetries,
		SendTimeout:    cfg.SendTimeout,
	}, client, transport, msgs, convs, receipts, logger)

	if err := transport.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to push server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return transport.Listen(gctx)
	})

	if _, err := engine.RefreshConversations(gctx); err != nil {
		logger.Warn("initial conversation refresh failed", slog.String("error", err.Error()))
	}

	for _, conv := range convs.Snapshot() {
		logger.Info("conversation",
			slog.String("id", conv.ID),
			slog.Time("updated_at", conv.UpdatedAt),
			slog.Bool("unread", conv.Unread),
		)
	}

	return g.Wait()
}
