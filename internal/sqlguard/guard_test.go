package sqlguard

import (
	"errors"
	"testing"
)

func TestEnsureReadOnlyAccepts(t *testing.T) {
	cases := []string{
		"SELECT COUNT(*) AS total FROM clientes",
		"SELECT nome, idade FROM clientes WHERE cidade = 'São Paulo';",
		"select c.nome, sum(p.valor) as ValorTotal from clientes c join pedidos p on p.cliente_id = c.id group by c.nome",
		"WITH recentes AS (SELECT * FROM pedidos WHERE criado_em > NOW() - INTERVAL 7 DAY) SELECT COUNT(*) FROM recentes",
		"SELECT * FROM log WHERE acao = 'DELETE FROM tudo'",
		"SELECT `delete` FROM auditoria",
		"-- comentário\nSELECT 1;",
		"SELECT 1; -- fim",
		"SELECT DATE_FORMAT(criado_em, '%d/%m/%Y') AS DataCadastro FROM clientes",
	}
	for _, statement := range cases {
		if err := EnsureReadOnly(statement); err != nil {
			t.Fatalf("EnsureReadOnly(%q) error = %v", statement, err)
		}
	}
}

func TestEnsureReadOnlyRejects(t *testing.T) {
	cases := []struct {
		statement string
		want      error
	}{
		{"", ErrEmptyStatement},
		{"   \n\t", ErrEmptyStatement},
		{"-- só comentário", ErrEmptyStatement},
		{"DROP TABLE clientes", ErrNotReadOnly},
		{"DELETE FROM clientes WHERE id = 1", ErrNotReadOnly},
		{"INSERT INTO clientes (nome) VALUES ('x')", ErrNotReadOnly},
		{"UPDATE clientes SET nome = 'x'", ErrNotReadOnly},
		{"TRUNCATE TABLE clientes", ErrNotReadOnly},
		{"EXPLAIN SELECT 1", ErrNotReadOnly},
		{"SELECT 1; DROP TABLE clientes", ErrMultipleStatements},
		{"SELECT 1; SELECT 2", ErrMultipleStatements},
		{"WITH apagar AS (DELETE FROM clientes RETURNING id) SELECT * FROM apagar", ErrNotReadOnly},
		{"/* DROP? */ GRANT ALL ON clientes TO bot", ErrNotReadOnly},
	}
	for _, tc := range cases {
		err := EnsureReadOnly(tc.statement)
		if err == nil {
			t.Fatalf("EnsureReadOnly(%q) = nil, want %v", tc.statement, tc.want)
		}
		if !errors.Is(err, tc.want) {
			t.Fatalf("EnsureReadOnly(%q) = %v, want %v", tc.statement, err, tc.want)
		}
	}
}

func TestEnsureReadOnlyIgnoresTrailingSemicolonAndComments(t *testing.T) {
	if err := EnsureReadOnly("SELECT 1;\n-- pronto\n"); err != nil {
		t.Fatalf("EnsureReadOnly() error = %v", err)
	}
	if err := EnsureReadOnly("SELECT 1;;"); err != nil {
		t.Fatalf("EnsureReadOnly() error = %v", err)
	}
}
