// Package consultabotctl implements the operator CLI: one-shot
// question answering and read-only checks for generated SQL, without
// going through the bot.
package consultabotctl

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/consultabot/consultabot/internal/answer"
	"github.com/consultabot/consultabot/internal/config"
	"github.com/consultabot/consultabot/internal/nl2sql"
	"github.com/consultabot/consultabot/internal/prompt"
	"github.com/consultabot/consultabot/internal/query"
	"github.com/consultabot/consultabot/internal/query/sqlexec"
	"github.com/consultabot/consultabot/internal/sqlguard"
	"github.com/consultabot/consultabot/internal/storedb"
)

type Options struct {
	Config config.Config
	// Translator and Executor override the clients built from Config.
	Translator nl2sql.Translator
	Executor   query.Executor
	Stdout     io.Writer
	Stderr     io.Writer
}

func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	fs := flag.NewFlagSet("consultabotctl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	schema := fs.String("schema", defaults.Config.Answer.SchemaContext, "schema context handed to the completion service")
	dryRun := fs.Bool("dry-run", false, "print the generated SQL without executing it")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		writeUsage(stderr)
		return 2
	}

	command := strings.TrimSpace(fs.Arg(0))
	rest := strings.TrimSpace(strings.Join(fs.Args()[1:], " "))

	switch command {
	case "check-sql":
		return runCheckSQL(stdout, stderr, rest)
	case "ask":
		return runAsk(ctx, stdout, stderr, defaults, *schema, *dryRun, rest)
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n\n", command)
		writeUsage(stderr)
		return 2
	}
}

func runCheckSQL(stdout, stderr io.Writer, statement string) int {
	if statement == "" {
		_, _ = fmt.Fprintln(stderr, "check-sql requires a statement argument")
		return 2
	}
	if err := sqlguard.EnsureReadOnly(statement); err != nil {
		_, _ = fmt.Fprintf(stderr, "rejected: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "read-only")
	return 0
}

func runAsk(ctx context.Context, stdout, stderr io.Writer, defaults Options, schema string, dryRun bool, question string) int {
	if question == "" {
		_, _ = fmt.Fprintln(stderr, "ask requires a question argument")
		return 2
	}

	translator := defaults.Translator
	if translator == nil {
		client, err := nl2sql.NewOpenAIClient(nl2sql.OpenAIConfig{
			BaseURL:     defaults.Config.AI.BaseURL,
			APIKey:      defaults.Config.AI.APIKey,
			Model:       defaults.Config.AI.Model,
			Temperature: defaults.Config.AI.Temperature,
			MaxTokens:   defaults.Config.AI.MaxTokens,
			Timeout:     defaults.Config.AI.Timeout,
		})
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "completion client: %v\n", err)
			return 1
		}
		translator = client
	}

	composer := prompt.Composer{SchemaContext: schema}
	conversationContext := prompt.BuildContext(nil, question)

	raw, err := translator.Complete(ctx, composer.Build(conversationContext, question))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "completion failed: %v\n", err)
		return 1
	}

	statement := nl2sql.ExtractSQL(raw)
	if statement == "" {
		_, _ = fmt.Fprintln(stderr, "no SQL recoverable from completion output")
		return 1
	}
	if err := sqlguard.EnsureReadOnly(statement); err != nil {
		_, _ = fmt.Fprintf(stderr, "rejected generated SQL: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "sql: %s\n", statement)
	if dryRun {
		return 0
	}

	executor := defaults.Executor
	if executor == nil {
		db, err := storedb.Open(ctx, storedb.Config{
			DSN:             defaults.Config.Database.DSN,
			MaxOpenConns:    defaults.Config.Database.MaxOpenConns,
			MaxIdleConns:    defaults.Config.Database.MaxIdleConns,
			ConnMaxIdleTime: defaults.Config.Database.ConnMaxIdleTime,
			ConnMaxLifetime: defaults.Config.Database.ConnMaxLifetime,
		})
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "database open: %v\n", err)
			return 1
		}
		defer func() { _ = db.Close() }()
		executor = sqlexec.NewExecutor(db, queryTimeoutOr(defaults.Config.Database.QueryTimeout), defaults.Config.Answer.MaxRows)
	}

	result, err := executor.Execute(ctx, statement)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "query failed: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, answer.FormatRows(result))
	return 0
}

func writeUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage: consultabotctl [flags] <command> [args]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "commands:")
	_, _ = fmt.Fprintln(w, "  ask <question>        translate a question to SQL, run it, print the answer")
	_, _ = fmt.Fprintln(w, "  check-sql <statement> verify a statement passes the read-only gate")
}

func queryTimeoutOr(v time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return 10 * time.Second
}
