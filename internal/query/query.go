package query

import (
	"context"
	"fmt"
	"time"
)

// Result is one executed query's output: column order as the driver
// reported it, and one map per row.
type Result struct {
	Columns  []string
	Rows     []map[string]any
	Duration time.Duration
}

// Error wraps any driver-level failure (syntax, permission, connection
// loss). Callers treat it as a fatal, non-retried failure.
type Error struct {
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("query execution: %v", e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

type Executor interface {
	Execute(ctx context.Context, sql string) (Result, error)
}
