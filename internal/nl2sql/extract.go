package nl2sql

import "strings"

const sqlFence = "```sql"

// ExtractSQL pulls the candidate SQL statement out of raw completion
// text. When the text carries a ```sql fence the content between it and
// the next closing fence is taken; otherwise the whole trimmed text is
// the candidate. This mirrors the completion contract exactly and does
// not validate the statement; that is sqlguard's job.
func ExtractSQL(raw string) string {
	_, after, found := strings.Cut(raw, sqlFence)
	if !found {
		return strings.TrimSpace(raw)
	}
	fenced, _, _ := strings.Cut(after, "```")
	return strings.TrimSpace(fenced)
}
