// Package relay orchestrates one inbound chat message end to end:
// record history, assemble the conversation context, resolve an answer
// through the completion service and the database, and reply.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/consultabot/consultabot/internal/answer"
	"github.com/consultabot/consultabot/internal/nl2sql"
	"github.com/consultabot/consultabot/internal/observability"
	"github.com/consultabot/consultabot/internal/prompt"
	"github.com/consultabot/consultabot/internal/query"
	"github.com/consultabot/consultabot/internal/sqlguard"
	"github.com/consultabot/consultabot/internal/telegram"
)

const (
	// Greeting answers the /start command.
	Greeting = "Olá! Sou um bot que pode responder suas perguntas. Como posso ajudar?"
	// Fallback is sent when no answer could be produced at all.
	Fallback = "Desculpe, não encontrei informações para responder sua pergunta."
)

// ErrExtractionEmpty means the completion answered but no SQL could be
// recovered from its text.
var ErrExtractionEmpty = errors.New("no SQL recoverable from completion output")

// Sender is the transport-layer reply primitive.
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}

// HistoryStore is the bounded per-user message window.
type HistoryStore interface {
	Append(ctx context.Context, userID, message string) bool
	Recent(ctx context.Context, userID string) []string
}

type Config struct {
	Attempts       int
	RetryDelay     time.Duration
	SendRetryDelay time.Duration
}

type Dependencies struct {
	History    HistoryStore
	Composer   prompt.Composer
	Translator nl2sql.Translator
	Guard      func(string) error
	Executor   query.Executor
	Sender     Sender
	Logger     *slog.Logger
	Sleep      func(context.Context, time.Duration)
}

type Pipeline struct {
	cfg  Config
	deps Dependencies
}

func NewPipeline(cfg Config, deps Dependencies) (*Pipeline, error) {
	if deps.History == nil || deps.Translator == nil || deps.Executor == nil || deps.Sender == nil {
		return nil, fmt.Errorf("history, translator, executor and sender are required")
	}
	if cfg.Attempts < 1 {
		cfg.Attempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.SendRetryDelay <= 0 {
		cfg.SendRetryDelay = 5 * time.Second
	}
	if deps.Guard == nil {
		deps.Guard = sqlguard.EnsureReadOnly
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Sleep == nil {
		deps.Sleep = sleepContext
	}
	return &Pipeline{cfg: cfg, deps: deps}, nil
}

// HandleStart answers the greeting command.
func (p *Pipeline) HandleStart(ctx context.Context, chatID int64) {
	logger := p.deps.Logger.With(slog.Int64("chat_id", chatID))
	p.reply(ctx, logger, chatID, Greeting, "greeting")
}

// HandleMessage runs the full pipeline for one user question. The user
// always receives either an answer or the fallback text; diagnostic
// detail stays in the log.
func (p *Pipeline) HandleMessage(ctx context.Context, chatID int64, userID, text string) {
	observability.IncrementMessageReceived()
	logger := p.deps.Logger.With(
		slog.String("trace_id", uuid.NewString()),
		slog.Int64("chat_id", chatID),
		slog.String("user_id", userID),
	)

	// Best effort: a broken history store must not block the answer.
	appended := p.deps.History.Append(ctx, userID, text)
	if !appended {
		logger.Warn("history append failed, answering without it")
	}

	recent := p.deps.History.Recent(ctx, userID)
	if appended && len(recent) > 0 {
		// Drop the entry recorded for the current message.
		recent = recent[1:]
	}
	conversationContext := prompt.BuildContext(recent, text)

	reply := Fallback
	for attemptNum := 1; attemptNum <= p.cfg.Attempts; attemptNum++ {
		outcome := p.attempt(ctx, logger, conversationContext, text)
		observability.ObserveAnswerAttempt(string(outcome.kind))

		if outcome.kind == outcomeAnswered {
			reply = outcome.text
			break
		}

		logger.Warn("answer attempt failed",
			slog.Int("attempt", attemptNum),
			slog.String("kind", string(outcome.kind)),
			slog.Any("error", outcome.err),
		)
		if outcome.kind == outcomeFatal || attemptNum == p.cfg.Attempts {
			break
		}

		wait := p.cfg.RetryDelay
		if outcome.wait > 0 {
			wait = outcome.wait
		}
		p.deps.Sleep(ctx, wait)
	}

	kind := "answer"
	if reply == Fallback {
		kind = "fallback"
	}
	p.reply(ctx, logger, chatID, reply, kind)
}

type outcomeKind string

const (
	outcomeAnswered  outcomeKind = "answered"
	outcomeTransient outcomeKind = "transient"
	outcomeFatal     outcomeKind = "fatal"
)

// outcome is one attempt's result: an answer, a failure worth retrying
// (optionally with a service-dictated wait), or a failure that is not.
type outcome struct {
	kind outcomeKind
	text string
	wait time.Duration
	err  error
}

func (p *Pipeline) attempt(ctx context.Context, logger *slog.Logger, conversationContext, question string) outcome {
	fullPrompt := p.deps.Composer.Build(conversationContext, question)

	start := time.Now()
	raw, err := p.deps.Translator.Complete(ctx, fullPrompt)
	observability.ObserveCompletion(time.Since(start))
	if err != nil {
		var svcErr *nl2sql.ServiceError
		if errors.As(err, &svcErr) && svcErr.Transient() {
			return outcome{kind: outcomeTransient, wait: svcErr.RetryAfter, err: err}
		}
		return outcome{kind: outcomeFatal, err: err}
	}

	statement := nl2sql.ExtractSQL(raw)
	if statement == "" {
		return outcome{kind: outcomeFatal, err: ErrExtractionEmpty}
	}
	if err := p.deps.Guard(statement); err != nil {
		return outcome{kind: outcomeFatal, err: fmt.Errorf("rejected generated SQL: %w", err)}
	}

	logger.Debug("executing generated SQL", slog.String("sql", statement))
	result, err := p.deps.Executor.Execute(ctx, statement)
	if err != nil {
		// Query failures are absorbed: the user gets the no-results
		// text, not an error.
		observability.ObserveSQLQuery("error", 0)
		logger.Error("generated SQL failed", slog.String("sql", statement), slog.Any("error", err))
		return outcome{kind: outcomeAnswered, text: answer.NoResults}
	}
	observability.ObserveSQLQuery("ok", result.Duration)

	return outcome{kind: outcomeAnswered, text: answer.FormatRows(result)}
}

// reply sends with one retry; a second consecutive failure drops the
// message.
func (p *Pipeline) reply(ctx context.Context, logger *slog.Logger, chatID int64, text, kind string) {
	err := p.deps.Sender.SendMessage(ctx, chatID, text)
	if err == nil {
		observability.ObserveReplySent(kind)
		return
	}
	logger.Warn("reply send failed, retrying once", slog.Any("error", err))

	wait := p.cfg.SendRetryDelay
	var tgErr *telegram.Error
	if errors.As(err, &tgErr) && tgErr.Kind == telegram.KindRateLimited && tgErr.RetryAfter > 0 {
		wait = tgErr.RetryAfter
	}
	p.deps.Sleep(ctx, wait)

	if err := p.deps.Sender.SendMessage(ctx, chatID, text); err != nil {
		observability.IncrementSendFailure()
		logger.Error("reply dropped after send retry", slog.Any("error", err))
		return
	}
	observability.ObserveReplySent(kind)
}

func sleepContext(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
