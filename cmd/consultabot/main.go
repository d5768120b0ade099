package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/consultabot/consultabot/internal/config"
	"github.com/consultabot/consultabot/internal/history"
	"github.com/consultabot/consultabot/internal/migrations"
	"github.com/consultabot/consultabot/internal/nl2sql"
	"github.com/consultabot/consultabot/internal/observability"
	"github.com/consultabot/consultabot/internal/prompt"
	"github.com/consultabot/consultabot/internal/query/sqlexec"
	"github.com/consultabot/consultabot/internal/relay"
	"github.com/consultabot/consultabot/internal/storedb"
	"github.com/consultabot/consultabot/internal/telegram"
)

func main() {
	cfg, err := config.LoadFromEnv("consultabot")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	if cfg.Telegram.Token == "" {
		logger.Error("CONSULTABOT_TELEGRAM_TOKEN is required")
		os.Exit(1)
	}
	if cfg.AI.APIKey == "" {
		logger.Error("CONSULTABOT_AI_API_KEY is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := storedb.Open(ctx, storedb.Config{
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		logger.Error("failed to open database", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	dialect := storedb.Dialect(cfg.Database.DSN)
	runner, err := migrations.NewRunner(dialect)
	if err != nil {
		logger.Error("failed to load migrations", slog.Any("error", err))
		os.Exit(1)
	}
	applied, err := runner.Up(ctx, db, 0)
	if err != nil {
		logger.Error("migrations failed", slog.Any("error", err))
		os.Exit(1)
	}
	if applied > 0 {
		logger.Info("applied migrations", slog.Int("count", applied))
	}

	translator, err := nl2sql.NewOpenAIClient(nl2sql.OpenAIConfig{
		BaseURL:     cfg.AI.BaseURL,
		APIKey:      cfg.AI.APIKey,
		Model:       cfg.AI.Model,
		Temperature: cfg.AI.Temperature,
		MaxTokens:   cfg.AI.MaxTokens,
		Timeout:     cfg.AI.Timeout,
	})
	if err != nil {
		logger.Error("failed to initialize completion client", slog.Any("error", err))
		os.Exit(1)
	}

	client := telegram.NewClient(cfg.Telegram.APIBase, cfg.Telegram.Token, cfg.Telegram.RequestTimeout, cfg.Telegram.SendRatePerSec)

	pipeline, err := relay.NewPipeline(relay.Config{
		Attempts:       cfg.Answer.Attempts,
		RetryDelay:     cfg.Answer.RetryDelay,
		SendRetryDelay: cfg.Telegram.SendRetryDelay,
	}, relay.Dependencies{
		History:    history.NewStore(db, logger, dialect, cfg.Database.QueryTimeout),
		Composer:   prompt.Composer{SchemaContext: cfg.Answer.SchemaContext},
		Translator: translator,
		Executor:   sqlexec.NewExecutor(db, cfg.Database.QueryTimeout, cfg.Answer.MaxRows),
		Sender:     client,
		Logger:     logger,
	})
	if err != nil {
		logger.Error("failed to build pipeline", slog.Any("error", err))
		os.Exit(1)
	}

	if cfg.Observability.MetricsAddr != "" {
		go func() {
			logger.Info("serving metrics", slog.String("addr", cfg.Observability.MetricsAddr))
			if err := observability.ListenMetrics(cfg.Observability.MetricsAddr); err != nil {
				logger.Error("metrics server failed", slog.Any("error", err))
			}
		}()
	}

	logger.Info("starting update loop")
	poll(ctx, logger, cfg, client, pipeline)
	logger.Info("shut down")
}

// poll runs the long-poll loop until the context is canceled. Updates
// are handled serially so each user's history is consistent with the
// order their messages arrived in.
func poll(ctx context.Context, logger *slog.Logger, cfg config.Config, client *telegram.Client, pipeline *relay.Pipeline) {
	var offset int64
	for ctx.Err() == nil {
		updates, err := client.GetUpdates(ctx, offset, cfg.Telegram.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var tgErr *telegram.Error
			if errors.As(err, &tgErr) && !tgErr.Transient() {
				logger.Error("poll failed with non-transient error, stopping", slog.Any("error", err))
				return
			}
			logger.Warn("poll failed, reconnecting", slog.Any("error", err))
			sleepContext(ctx, cfg.Telegram.ReconnectDelay)
			continue
		}

		for _, update := range updates {
			if update.UpdateID >= offset {
				offset = update.UpdateID + 1
			}
			message := update.Message
			if message == nil || message.Text == "" {
				continue
			}

			if message.Command() == "/start" {
				pipeline.HandleStart(ctx, message.Chat.ID)
				continue
			}
			pipeline.HandleMessage(ctx, message.Chat.ID, senderID(message), message.Text)
		}
	}
}

// senderID keys history by the author, falling back to the chat for
// messages without one.
func senderID(message *telegram.Message) string {
	if message.From != nil {
		return strconv.FormatInt(message.From.ID, 10)
	}
	return strconv.FormatInt(message.Chat.ID, 10)
}

func sleepContext(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
