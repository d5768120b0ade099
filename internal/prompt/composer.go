// Package prompt assembles the conversation context and the final
// instruction prompt sent to the completion service. Everything here is
// a pure function of its inputs plus fixed configuration text.
package prompt

import "strings"

const (
	historyHeader   = "Histórico da conversa:"
	historyLinePfx  = "Usuário: "
	currentQuestion = "Pergunta atual: "
)

// BuildContext renders the conversation context: prior messages in
// chronological order followed by the current question. The history
// slice arrives newest-first, exactly as the store returns it, and must
// already exclude the entry recorded for the current message.
func BuildContext(history []string, question string) string {
	var b strings.Builder
	b.WriteString(historyHeader)
	b.WriteString("\n")
	for i := len(history) - 1; i >= 0; i-- {
		b.WriteString(historyLinePfx)
		b.WriteString(history[i])
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(currentQuestion)
	b.WriteString(question)
	return b.String()
}

// Composer builds the full schema-aware prompt around a conversation
// context. SchemaContext is the deployment's fixed description of its
// tables and how they are used.
type Composer struct {
	SchemaContext string
}

// Build embeds the schema, the conversation context, and the fixed rule
// set into a single instruction prompt.
func (c Composer) Build(conversationContext, question string) string {
	var b strings.Builder
	b.WriteString("Com base no seguinte schema de banco de dados:\n")
	b.WriteString(c.SchemaContext)
	b.WriteString("\n\nContexto da conversa:\n")
	b.WriteString(conversationContext)
	b.WriteString("\n\nGere APENAS a query SQL para responder à pergunta atual: ")
	b.WriteString(question)
	b.WriteString("\nRetorne SOMENTE o comando SQL.\n")
	b.WriteString(`A query deve seguir estas regras:
1. Use apenas as tabelas e colunas definidas no schema
2. Retorne apenas as informações necessárias
3. Use tipos de joins que achar melhor quando necessário
4. Não use comandos DDL ou DML (apenas SELECT), mas pode usar funções de agregação.
5. Se necessário, faça alguns selects para você entender se os dados retornados são os corretos.
6. Pode mostrar a resposta ao usuário de uma maneira que fique bonita e organizada.
7. Para colunas separadas com _, utilize ALIAS para tornar mais legível a resposta e não utilize underline nos ALIAS.
8. Quando for retornar datas, retorne no formato brasileiro (DD/MM/YYYY).
9. Tente sempre montar a query mais performatica possivel, mas sempre respeitando as regras.

Retorne o resultado explicado em formato de texto para que o usuário possa entender.`)
	return b.String()
}
