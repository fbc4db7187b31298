package analyzer

import (
	"regexp"
	"strings"

	"github.com/uptrace/bun/dialect/pgdialect"
)

// sqlCallRe matches the "SQL-call shape" spec.md section 4.1 refers to: a
// call to a function literally named sql/query/execute whose sole argument
// is a (possibly multi-line) string literal, e.g. `sql("select 1")`. This
// is the "python" cell shape; plain "sql" language cells skip this and
// treat the whole cell body as SQL (see Analyze).
var sqlCallRe = regexp.MustCompile(`(?s)\b(?:sql|query|execute)\(\s*` + "`" + `(.*?)` + "`" + `\s*\)`)
var sqlCallReQuoted = regexp.MustCompile(`(?s)\b(?:sql|query|execute)\(\s*"((?:[^"\\]|\\.)*)"\s*\)`)

// ExtractSQL extracts literal SQL string statements from cell source. It
// never returns an error to the caller that matters functionally -- per
// spec.md section 4.1, failures yield an empty list, never an exception --
// but we do return one so Analyze can log it at the right verbosity.
func ExtractSQL(code string) ([]string, error) {
	var stmts []string
	for _, m := range sqlCallRe.FindAllStringSubmatch(code, -1) {
		stmts = append(stmts, splitStatements(m[1])...)
	}
	for _, m := range sqlCallReQuoted.FindAllStringSubmatch(code, -1) {
		unescaped := strings.ReplaceAll(m[1], `\"`, `"`)
		stmts = append(stmts, splitStatements(unescaped)...)
	}
	return stmts, nil
}

// splitStatements splits a blob of SQL text on top-level semicolons,
// ignoring ones inside single- or double-quoted strings.
func splitStatements(blob string) []string {
	var out []string
	var cur strings.Builder
	var quote byte
	for i := 0; i < len(blob); i++ {
		c := blob[i]
		switch {
		case quote != 0:
			cur.WriteByte(c)
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
			cur.WriteByte(c)
		case c == ';':
			if s := strings.TrimSpace(cur.String()); s != "" {
				out = append(out, s)
			}
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	if s := strings.TrimSpace(cur.String()); s != "" {
		out = append(out, s)
	}
	return out
}

// fromTableRe is a pragmatic (non-exhaustive) scan for `FROM <ident>` /
// `JOIN <ident>` / `INTO <ident>` clauses, used to derive Dataset entries
// for the session view (spec.md section 4.5).
var fromTableRe = regexp.MustCompile(`(?i)\b(?:FROM|JOIN|INTO)\s+([a-zA-Z_][a-zA-Z0-9_.]*)`)

var pgIdent = pgdialect.New()

// TableNames returns the normalized (quoted-as-Postgres-would) table
// identifiers referenced by a single SQL statement. It never opens a
// database connection: pgdialect is used purely as an identifier
// quoting/splitting helper (see SPEC_FULL.md's domain-stack section).
func TableNames(stmt string) []string {
	var names []string
	seen := map[string]bool{}
	for _, m := range fromTableRe.FindAllStringSubmatch(stmt, -1) {
		raw := m[1]
		quoted := string(pgIdent.AppendIdent(nil, raw))
		if !seen[quoted] {
			seen[quoted] = true
			names = append(names, quoted)
		}
	}
	return names
}
