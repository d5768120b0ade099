package relay

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/consultabot/consultabot/internal/answer"
	"github.com/consultabot/consultabot/internal/nl2sql"
	"github.com/consultabot/consultabot/internal/prompt"
	"github.com/consultabot/consultabot/internal/query"
	"github.com/consultabot/consultabot/internal/telegram"
)

type fakeHistory struct {
	appendOK bool
	recent   []string
	appended []string
}

func (f *fakeHistory) Append(_ context.Context, _, message string) bool {
	f.appended = append(f.appended, message)
	return f.appendOK
}

func (f *fakeHistory) Recent(context.Context, string) []string {
	return f.recent
}

type completionReply struct {
	text string
	err  error
}

type fakeTranslator struct {
	replies []completionReply
	prompts []string
}

func (f *fakeTranslator) Complete(_ context.Context, p string) (string, error) {
	f.prompts = append(f.prompts, p)
	reply := f.replies[0]
	if len(f.replies) > 1 {
		f.replies = f.replies[1:]
	}
	return reply.text, reply.err
}

type fakeExecutor struct {
	result     query.Result
	err        error
	statements []string
}

func (f *fakeExecutor) Execute(_ context.Context, statement string) (query.Result, error) {
	f.statements = append(f.statements, statement)
	return f.result, f.err
}

type sentMessage struct {
	chatID int64
	text   string
}

type fakeSender struct {
	errs []error
	sent []sentMessage
}

func (f *fakeSender) SendMessage(_ context.Context, chatID int64, text string) error {
	var err error
	if len(f.errs) > 0 {
		err = f.errs[0]
		f.errs = f.errs[1:]
	}
	if err == nil {
		f.sent = append(f.sent, sentMessage{chatID: chatID, text: text})
	}
	return err
}

type sleepRecorder struct {
	waits []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) {
	s.waits = append(s.waits, d)
}

func newTestPipeline(t *testing.T, cfg Config, deps Dependencies) (*Pipeline, *sleepRecorder) {
	t.Helper()
	recorder := &sleepRecorder{}
	deps.Sleep = recorder.sleep
	pipeline, err := NewPipeline(cfg, deps)
	require.NoError(t, err)
	return pipeline, recorder
}

func TestHandleMessageAnswersFromQueryResult(t *testing.T) {
	history := &fakeHistory{appendOK: true, recent: []string{"quantos clientes temos?", "oi, tudo bem?"}}
	translator := &fakeTranslator{replies: []completionReply{
		{text: "Claro!\n```sql\nSELECT COUNT(*) AS total FROM clientes\n```"},
	}}
	executor := &fakeExecutor{result: query.Result{
		Columns: []string{"total"},
		Rows:    []map[string]any{{"total": 42}},
	}}
	sender := &fakeSender{}

	pipeline, recorder := newTestPipeline(t, Config{}, Dependencies{
		History:    history,
		Composer:   prompt.Composer{SchemaContext: "Tabela clientes(id, nome)"},
		Translator: translator,
		Executor:   executor,
		Sender:     sender,
	})

	pipeline.HandleMessage(context.Background(), 55, "42", "quantos clientes temos?")

	require.Len(t, sender.sent, 1)
	assert.Equal(t, int64(55), sender.sent[0].chatID)
	assert.Equal(t, "total: 42", sender.sent[0].text)
	require.Len(t, executor.statements, 1)
	assert.Equal(t, "SELECT COUNT(*) AS total FROM clientes", executor.statements[0])
	assert.Equal(t, []string{"quantos clientes temos?"}, history.appended)
	assert.Empty(t, recorder.waits)

	// The entry recorded for the current message must not reappear as
	// history in the prompt.
	require.Len(t, translator.prompts, 1)
	assert.Contains(t, translator.prompts[0], "Usuário: oi, tudo bem?")
	assert.NotContains(t, translator.prompts[0], "Usuário: quantos clientes temos?")
	assert.Contains(t, translator.prompts[0], "Pergunta atual: quantos clientes temos?")
	assert.Contains(t, translator.prompts[0], "Tabela clientes(id, nome)")
}

func TestHandleMessageKeepsHistoryWhenAppendFails(t *testing.T) {
	history := &fakeHistory{appendOK: false, recent: []string{"mensagem antiga"}}
	translator := &fakeTranslator{replies: []completionReply{
		{text: "```sql\nSELECT 1\n```"},
	}}
	executor := &fakeExecutor{result: query.Result{Columns: []string{"c"}, Rows: []map[string]any{{"c": 1}}}}
	sender := &fakeSender{}

	pipeline, _ := newTestPipeline(t, Config{}, Dependencies{
		History:    history,
		Translator: translator,
		Executor:   executor,
		Sender:     sender,
	})

	pipeline.HandleMessage(context.Background(), 55, "42", "e hoje?")

	require.Len(t, translator.prompts, 1)
	assert.Contains(t, translator.prompts[0], "Usuário: mensagem antiga")
}

func TestHandleMessageRetriesTransientThenFallsBack(t *testing.T) {
	translator := &fakeTranslator{replies: []completionReply{
		{err: &nl2sql.ServiceError{Status: 503, Err: errors.New("unavailable")}},
	}}
	executor := &fakeExecutor{}
	sender := &fakeSender{}

	pipeline, recorder := newTestPipeline(t, Config{Attempts: 3, RetryDelay: 5 * time.Second}, Dependencies{
		History:    &fakeHistory{appendOK: true},
		Translator: translator,
		Executor:   executor,
		Sender:     sender,
	})

	pipeline.HandleMessage(context.Background(), 55, "42", "quantos clientes temos?")

	assert.Len(t, translator.prompts, 3)
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, recorder.waits)
	assert.Empty(t, executor.statements)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, Fallback, sender.sent[0].text)
}

func TestHandleMessageHonorsServiceRetryAfter(t *testing.T) {
	translator := &fakeTranslator{replies: []completionReply{
		{err: &nl2sql.ServiceError{Status: 429, RetryAfter: 9 * time.Second, Err: errors.New("rate limited")}},
		{text: "```sql\nSELECT 1 AS um\n```"},
	}}
	sender := &fakeSender{}

	pipeline, recorder := newTestPipeline(t, Config{Attempts: 3, RetryDelay: 5 * time.Second}, Dependencies{
		History:    &fakeHistory{appendOK: true},
		Translator: translator,
		Executor:   &fakeExecutor{result: query.Result{Columns: []string{"um"}, Rows: []map[string]any{{"um": 1}}}},
		Sender:     sender,
	})

	pipeline.HandleMessage(context.Background(), 55, "42", "oi")

	assert.Equal(t, []time.Duration{9 * time.Second}, recorder.waits)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "um: 1", sender.sent[0].text)
}

func TestHandleMessageRejectsWriteStatements(t *testing.T) {
	translator := &fakeTranslator{replies: []completionReply{
		{text: "```sql\nDROP TABLE clientes\n```"},
	}}
	executor := &fakeExecutor{}
	sender := &fakeSender{}

	pipeline, recorder := newTestPipeline(t, Config{Attempts: 3}, Dependencies{
		History:    &fakeHistory{appendOK: true},
		Translator: translator,
		Executor:   executor,
		Sender:     sender,
	})

	pipeline.HandleMessage(context.Background(), 55, "42", "apaga tudo")

	// Guard rejection is not retried.
	assert.Len(t, translator.prompts, 1)
	assert.Empty(t, recorder.waits)
	assert.Empty(t, executor.statements)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, Fallback, sender.sent[0].text)
}

func TestHandleMessageEmptyCompletionIsFatal(t *testing.T) {
	translator := &fakeTranslator{replies: []completionReply{{text: "   \n"}}}
	sender := &fakeSender{}

	pipeline, _ := newTestPipeline(t, Config{Attempts: 3}, Dependencies{
		History:    &fakeHistory{appendOK: true},
		Translator: translator,
		Executor:   &fakeExecutor{},
		Sender:     sender,
	})

	pipeline.HandleMessage(context.Background(), 55, "42", "oi")

	assert.Len(t, translator.prompts, 1)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, Fallback, sender.sent[0].text)
}

func TestHandleMessageQueryErrorYieldsNoResultsText(t *testing.T) {
	translator := &fakeTranslator{replies: []completionReply{
		{text: "```sql\nSELECT nome FROM clientes\n```"},
	}}
	executor := &fakeExecutor{err: &query.Error{Err: errors.New("table missing")}}
	sender := &fakeSender{}

	pipeline, recorder := newTestPipeline(t, Config{Attempts: 3}, Dependencies{
		History:    &fakeHistory{appendOK: true},
		Translator: translator,
		Executor:   executor,
		Sender:     sender,
	})

	pipeline.HandleMessage(context.Background(), 55, "42", "quais nomes?")

	assert.Len(t, translator.prompts, 1)
	assert.Empty(t, recorder.waits)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, answer.NoResults, sender.sent[0].text)
}

func TestReplySendIsRetriedOnce(t *testing.T) {
	sender := &fakeSender{errs: []error{
		&telegram.Error{Kind: telegram.KindNetwork, Err: errors.New("reset")},
	}}

	pipeline, recorder := newTestPipeline(t, Config{SendRetryDelay: 5 * time.Second}, Dependencies{
		History:    &fakeHistory{appendOK: true},
		Translator: &fakeTranslator{replies: []completionReply{{text: "```sql\nSELECT 1 AS um\n```"}}},
		Executor:   &fakeExecutor{result: query.Result{Columns: []string{"um"}, Rows: []map[string]any{{"um": 1}}}},
		Sender:     sender,
	})

	pipeline.HandleMessage(context.Background(), 55, "42", "oi")

	assert.Equal(t, []time.Duration{5 * time.Second}, recorder.waits)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "um: 1", sender.sent[0].text)
}

func TestReplySendRateLimitWaitOverridesDelay(t *testing.T) {
	sender := &fakeSender{errs: []error{
		&telegram.Error{Kind: telegram.KindRateLimited, RetryAfter: 11 * time.Second, Err: errors.New("flood")},
	}}

	pipeline, recorder := newTestPipeline(t, Config{SendRetryDelay: 5 * time.Second}, Dependencies{
		History:    &fakeHistory{appendOK: true},
		Translator: &fakeTranslator{replies: []completionReply{{text: "```sql\nSELECT 1 AS um\n```"}}},
		Executor:   &fakeExecutor{result: query.Result{Columns: []string{"um"}, Rows: []map[string]any{{"um": 1}}}},
		Sender:     sender,
	})

	pipeline.HandleMessage(context.Background(), 55, "42", "oi")

	assert.Equal(t, []time.Duration{11 * time.Second}, recorder.waits)
	require.Len(t, sender.sent, 1)
}

func TestReplyDroppedAfterSecondSendFailure(t *testing.T) {
	sender := &fakeSender{errs: []error{
		&telegram.Error{Kind: telegram.KindNetwork, Err: errors.New("reset")},
		&telegram.Error{Kind: telegram.KindNetwork, Err: errors.New("reset")},
	}}

	pipeline, _ := newTestPipeline(t, Config{}, Dependencies{
		History:    &fakeHistory{appendOK: true},
		Translator: &fakeTranslator{replies: []completionReply{{text: "```sql\nSELECT 1 AS um\n```"}}},
		Executor:   &fakeExecutor{result: query.Result{Columns: []string{"um"}, Rows: []map[string]any{{"um": 1}}}},
		Sender:     sender,
	})

	pipeline.HandleMessage(context.Background(), 55, "42", "oi")

	assert.Empty(t, sender.sent)
}

func TestHandleStartSendsGreeting(t *testing.T) {
	sender := &fakeSender{}
	pipeline, _ := newTestPipeline(t, Config{}, Dependencies{
		History:    &fakeHistory{appendOK: true},
		Translator: &fakeTranslator{replies: []completionReply{{text: ""}}},
		Executor:   &fakeExecutor{},
		Sender:     sender,
	})

	pipeline.HandleStart(context.Background(), 55)

	require.Len(t, sender.sent, 1)
	assert.Equal(t, Greeting, sender.sent[0].text)
	assert.True(t, strings.HasPrefix(sender.sent[0].text, "Olá!"))
}

func TestNewPipelineRequiresCollaborators(t *testing.T) {
	_, err := NewPipeline(Config{}, Dependencies{})
	require.Error(t, err)
}
