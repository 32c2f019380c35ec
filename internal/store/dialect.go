package store

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// dialect isolates the SQL differences between libSQL and PostgreSQL.
// Queries are written with "?" placeholders and rebound per dialect.
type dialect interface {
	name() string
	rebind(query string) string
	// fieldEquals returns a predicate comparing a JSON field of
	// source_records.fields with one placeholder.
	fieldEquals(path []string) string
	// fieldArg converts a literal for the placeholder of fieldEquals.
	fieldArg(v any) (any, error)
	// lockCandidates is appended to the candidate scan inside ClaimNext.
	lockCandidates() string
}

var fieldSegment = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// fieldPath splits and validates a dotted field path. Only identifier
// segments are accepted since the path is inlined into SQL.
func fieldPath(field string) ([]string, error) {
	parts := strings.Split(field, ".")
	for _, p := range parts {
		if !fieldSegment.MatchString(p) {
			return nil, fmt.Errorf("invalid field path %q", field)
		}
	}
	return parts, nil
}

type libsqlDialect struct{}

func (libsqlDialect) name() string               { return "libsql" }
func (libsqlDialect) rebind(query string) string { return query }
func (libsqlDialect) lockCandidates() string     { return "" }

func (libsqlDialect) fieldEquals(path []string) string {
	return fmt.Sprintf("json_extract(s.fields, '$.%s') = ?", strings.Join(path, "."))
}

func (libsqlDialect) fieldArg(v any) (any, error) {
	switch t := v.(type) {
	case string, float64, int64:
		return t, nil
	case int:
		return int64(t), nil
	}
	return nil, fmt.Errorf("unsupported index value %T", v)
}

type postgresDialect struct{}

func (postgresDialect) name() string { return "postgres" }

func (postgresDialect) rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for _, r := range query {
		switch {
		case r == '\'':
			inQuote = !inQuote
		case r == '?' && !inQuote:
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (postgresDialect) lockCandidates() string { return " FOR UPDATE OF s SKIP LOCKED" }

func (postgresDialect) fieldEquals(path []string) string {
	return fmt.Sprintf("s.fields #> '{%s}' = ?::jsonb", strings.Join(path, ","))
}

func (postgresDialect) fieldArg(v any) (any, error) {
	switch v.(type) {
	case string, float64, int64, int:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	}
	return nil, fmt.Errorf("unsupported index value %T", v)
}
