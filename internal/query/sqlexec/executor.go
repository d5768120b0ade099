// Package sqlexec runs generated SQL against the shared relational
// handle. It executes exactly what it is given; the read-only gate
// runs before anything reaches this package.
package sqlexec

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/consultabot/consultabot/internal/query"
)

type Executor struct {
	db           *sql.DB
	queryTimeout time.Duration
	maxRows      int
}

// NewExecutor wraps the shared handle. maxRows of zero means no cap.
func NewExecutor(db *sql.DB, queryTimeout time.Duration, maxRows int) *Executor {
	if queryTimeout <= 0 {
		queryTimeout = 10 * time.Second
	}
	return &Executor{db: db, queryTimeout: queryTimeout, maxRows: maxRows}
}

func (e *Executor) Execute(ctx context.Context, statement string) (query.Result, error) {
	if strings.TrimSpace(statement) == "" {
		return query.Result{}, &query.Error{Err: fmt.Errorf("sql is required")}
	}

	ctx, cancel := context.WithTimeout(ctx, e.queryTimeout)
	defer cancel()

	start := time.Now()
	rows, err := e.db.QueryContext(ctx, statement)
	if err != nil {
		return query.Result{}, &query.Error{Err: err}
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return query.Result{}, &query.Error{Err: fmt.Errorf("read columns: %w", err)}
	}

	resultRows := make([]map[string]any, 0)
	for rows.Next() {
		if e.maxRows > 0 && len(resultRows) >= e.maxRows {
			break
		}
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return query.Result{}, &query.Error{Err: fmt.Errorf("scan row: %w", err)}
		}
		row := make(map[string]any, len(columns))
		for i, column := range columns {
			row[column] = normalizeValue(values[i])
		}
		resultRows = append(resultRows, row)
	}
	if err := rows.Err(); err != nil {
		return query.Result{}, &query.Error{Err: fmt.Errorf("iterate rows: %w", err)}
	}

	return query.Result{
		Columns:  columns,
		Rows:     resultRows,
		Duration: time.Since(start),
	}, nil
}

// normalizeValue maps driver byte slices to strings so formatting and
// logging never print raw byte dumps.
func normalizeValue(value any) any {
	switch v := value.(type) {
	case []byte:
		return string(v)
	default:
		return value
	}
}
