// Package history keeps the bounded per-user message window in the
// historico_mensagens table. Storage failures are logged and absorbed
// here: a broken history must never block answering the question.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// Limit is the maximum number of stored messages per user. Appending
// beyond the limit evicts the oldest entry for that user.
const Limit = 5

type Store struct {
	db           *sql.DB
	logger       *slog.Logger
	dialect      string
	queryTimeout time.Duration
}

func NewStore(db *sql.DB, logger *slog.Logger, dialect string, queryTimeout time.Duration) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if queryTimeout <= 0 {
		queryTimeout = 10 * time.Second
	}
	return &Store{db: db, logger: logger, dialect: dialect, queryTimeout: queryTimeout}
}

// Append records a message for the user, evicting the single oldest
// entry when the window is full. Returns false on any storage error.
func (s *Store) Append(ctx context.Context, userID, message string) bool {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.logger.Error("history append failed", slog.String("stage", "begin"), slog.Any("error", err))
		return false
	}
	defer func() { _ = tx.Rollback() }()

	var total int
	countQuery := s.rebind(`SELECT COUNT(*) AS total FROM historico_mensagens WHERE user_id = ?`)
	if err := tx.QueryRowContext(ctx, countQuery, userID).Scan(&total); err != nil {
		s.logger.Error("history append failed", slog.String("stage", "count"), slog.Any("error", err))
		return false
	}

	if total >= Limit {
		deleteQuery := s.rebind(`
DELETE FROM historico_mensagens
WHERE id = (
	SELECT id FROM (
		SELECT id
		FROM historico_mensagens
		WHERE user_id = ?
		ORDER BY created_at ASC
		LIMIT 1
	) AS subquery
)`)
		if _, err := tx.ExecContext(ctx, deleteQuery, userID); err != nil {
			s.logger.Error("history append failed", slog.String("stage", "evict"), slog.Any("error", err))
			return false
		}
	}

	insertQuery := s.rebind(`INSERT INTO historico_mensagens (user_id, mensagem) VALUES (?, ?)`)
	if _, err := tx.ExecContext(ctx, insertQuery, userID, message); err != nil {
		s.logger.Error("history append failed", slog.String("stage", "insert"), slog.Any("error", err))
		return false
	}
	if err := tx.Commit(); err != nil {
		s.logger.Error("history append failed", slog.String("stage", "commit"), slog.Any("error", err))
		return false
	}
	return true
}

// Recent returns up to Limit message texts for the user, newest first.
// Returns an empty slice on any storage error.
func (s *Store) Recent(ctx context.Context, userID string) []string {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	query := s.rebind(`
SELECT mensagem
FROM historico_mensagens
WHERE user_id = ?
ORDER BY created_at DESC
LIMIT ` + strconv.Itoa(Limit))
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		s.logger.Error("history fetch failed", slog.Any("error", err))
		return nil
	}
	defer func() { _ = rows.Close() }()

	var messages []string
	for rows.Next() {
		var message string
		if err := rows.Scan(&message); err != nil {
			s.logger.Error("history scan failed", slog.Any("error", err))
			return nil
		}
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		s.logger.Error("history fetch failed", slog.Any("error", err))
		return nil
	}
	return messages
}

// rebind converts ? placeholders to $n for the postgres dialect.
func (s *Store) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString(fmt.Sprintf("$%d", n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
