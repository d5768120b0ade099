// Package answer renders query results as user-facing text.
package answer

import (
	"fmt"
	"strings"

	"github.com/consultabot/consultabot/internal/query"
)

// NoResults is the fixed reply for a query that returned nothing.
const NoResults = "Não encontrei informações para responder sua pergunta."

// FormatRows renders one line per row, each line the row's
// "column: value" pairs in column order joined by " | ".
func FormatRows(result query.Result) string {
	if len(result.Rows) == 0 {
		return NoResults
	}

	lines := make([]string, 0, len(result.Rows))
	for _, row := range result.Rows {
		pairs := make([]string, 0, len(result.Columns))
		for _, column := range result.Columns {
			pairs = append(pairs, fmt.Sprintf("%s: %s", column, formatValue(row[column])))
		}
		lines = append(lines, strings.Join(pairs, " | "))
	}
	return strings.Join(lines, "\n")
}

func formatValue(value any) string {
	if value == nil {
		return "NULL"
	}
	return fmt.Sprintf("%v", value)
}
