// Package params extracts named $NAME placeholders from SQL, rewrites them
// to positional $k form, and coerces supplied values against a query's
// declared parameter schema.
//
// The scanner is quote-aware: placeholders inside single-quoted strings,
// double-quoted identifiers, comments, and dollar-quoted bodies are left
// untouched, as are $1-style positionals (rejected at bind time — mixing
// them with named placeholders would collide after rewriting).
package params

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/skua-data/skua/internal/domain"
)

// token is one named placeholder occurrence in the SQL text.
type token struct {
	name  string
	start int // byte offset of the '$'
	end   int // byte offset just past the name
}

// Extract returns the distinct named placeholders in sql, in order of first
// appearance.
func Extract(sql string) []string {
	tokens, _ := scan(sql)
	seen := make(map[string]bool, len(tokens))
	var names []string
	for _, t := range tokens {
		if !seen[t.name] {
			seen[t.name] = true
			names = append(names, t.name)
		}
	}
	return names
}

// Rewrite replaces each distinct named placeholder with $k in order of first
// appearance and returns the positional SQL plus the ordered names. Repeated
// placeholders share one position.
func Rewrite(sql string) (string, []string) {
	tokens, _ := scan(sql)
	if len(tokens) == 0 {
		return sql, nil
	}

	index := make(map[string]int, len(tokens))
	var names []string
	var b strings.Builder
	b.Grow(len(sql))

	prev := 0
	for _, t := range tokens {
		k, ok := index[t.name]
		if !ok {
			k = len(names) + 1
			index[t.name] = k
			names = append(names, t.name)
		}
		b.WriteString(sql[prev:t.start])
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(k))
		prev = t.end
	}
	b.WriteString(sql[prev:])
	return b.String(), names
}

// Bind rewrites sql to positional form and coerces supplied values against
// the declared schema. The returned values align with the positional indexes
// of the rewritten SQL. Errors aggregate all missing required parameters and
// name every unknown supplied one.
func Bind(sql string, schema []domain.ParamDef, supplied map[string]json.RawMessage) (string, []domain.TypedValue, error) {
	if _, positional := scan(sql); positional {
		return "", nil, domain.E(domain.ErrBadRequest,
			"positional parameters ($1) are not allowed; use named $NAME placeholders")
	}

	rewritten, names := Rewrite(sql)

	defs := make(map[string]domain.ParamDef, len(schema))
	for _, d := range schema {
		defs[d.Name] = d
	}

	// Unknown supplied names are an error: a typo'd parameter silently
	// falling back to a default is worse than a rejection.
	var unknown []string
	for name := range supplied {
		if _, ok := defs[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return "", nil, domain.Ef(domain.ErrBadRequest,
			"unknown parameters: %s", strings.Join(unknown, ", "))
	}

	var missing []string
	values := make([]domain.TypedValue, 0, len(names))
	for _, name := range names {
		def, ok := defs[name]
		if !ok {
			return "", nil, domain.Ef(domain.ErrBadRequest,
				"parameter $%s is not declared in the query's parameter schema", name)
		}

		raw, ok := supplied[name]
		if !ok || isJSONNull(raw) {
			if len(def.Default) > 0 && !isJSONNull(def.Default) {
				raw = def.Default
			} else if def.Required {
				missing = append(missing, name)
				continue
			} else {
				values = append(values, domain.TypedValue{Type: def.Type, Value: json.RawMessage("null")})
				continue
			}
		}

		tv, err := Coerce(def.Type, raw)
		if err != nil {
			return "", nil, domain.Ef(domain.ErrBadRequest,
				"parameter %s: %v", name, err)
		}
		values = append(values, tv)
	}

	if len(missing) > 0 {
		return "", nil, domain.Ef(domain.ErrBadRequest,
			"missing required parameters: %s", strings.Join(missing, ", "))
	}

	return rewritten, values, nil
}

// Coerce validates a raw JSON value against a declared type and returns the
// canonical typed value stored on the run.
func Coerce(typ domain.ParamType, raw json.RawMessage) (domain.TypedValue, error) {
	switch typ {
	case domain.ParamString:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return domain.TypedValue{}, fmt.Errorf("expected a string")
		}
		return typed(typ, s)

	case domain.ParamInteger:
		if s, ok := asString(raw); ok {
			n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
			if err != nil {
				return domain.TypedValue{}, fmt.Errorf("expected an integer")
			}
			return typed(typ, n)
		}
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return domain.TypedValue{}, fmt.Errorf("expected an integer")
		}
		i, err := n.Int64()
		if err != nil {
			return domain.TypedValue{}, fmt.Errorf("expected an integer, got a fractional number")
		}
		return typed(typ, i)

	case domain.ParamNumber:
		if s, ok := asString(raw); ok {
			f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil {
				return domain.TypedValue{}, fmt.Errorf("expected a number")
			}
			return typed(typ, f)
		}
		var f float64
		if err := json.Unmarshal(raw, &f); err != nil {
			return domain.TypedValue{}, fmt.Errorf("expected a number")
		}
		return typed(typ, f)

	case domain.ParamBoolean:
		if s, ok := asString(raw); ok {
			b, err := parseBoolString(s)
			if err != nil {
				return domain.TypedValue{}, fmt.Errorf("expected a boolean")
			}
			return typed(typ, b)
		}
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return domain.TypedValue{}, fmt.Errorf("expected a boolean")
		}
		return typed(typ, b)

	case domain.ParamDate:
		s, ok := asString(raw)
		if !ok {
			return domain.TypedValue{}, fmt.Errorf("expected a YYYY-MM-DD date string")
		}
		if _, err := time.Parse("2006-01-02", s); err != nil {
			return domain.TypedValue{}, fmt.Errorf("expected a YYYY-MM-DD date, got %q", s)
		}
		return typed(typ, s)

	case domain.ParamDatetime:
		s, ok := asString(raw)
		if !ok {
			return domain.TypedValue{}, fmt.Errorf("expected a datetime string")
		}
		canonical, err := parseDatetime(s)
		if err != nil {
			return domain.TypedValue{}, err
		}
		return typed(typ, canonical)
	}

	return domain.TypedValue{}, fmt.Errorf("unknown parameter type %q", typ)
}

// parseBoolString accepts the strconv.ParseBool spellings plus yes/no in any
// case.
func parseBoolString(s string) (bool, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "yes":
		return true, nil
	case "no":
		return false, nil
	}
	return strconv.ParseBool(s)
}

// datetimeLayouts are the offset-less datetime spellings accepted alongside
// RFC 3339. They are interpreted as UTC.
var datetimeLayouts = []string{"2006-01-02T15:04:05", "2006-01-02 15:04:05"}

// parseDatetime validates a datetime string and returns its canonical
// RFC 3339 form, so downstream driver binding only ever sees one layout.
func parseDatetime(s string) (string, error) {
	if _, err := time.Parse(time.RFC3339, s); err == nil {
		return s, nil
	}
	for _, layout := range datetimeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.Format(time.RFC3339), nil
		}
	}
	return "", fmt.Errorf("expected an RFC 3339 datetime, got %q", s)
}

// Values materializes driver-level arguments from the typed array stored on a
// run: int64, float64, bool, string, time.Time, or nil.
func Values(typed []domain.TypedValue) ([]any, error) {
	out := make([]any, len(typed))
	for i, tv := range typed {
		if isJSONNull(tv.Value) {
			out[i] = nil
			continue
		}
		switch tv.Type {
		case domain.ParamString:
			var s string
			if err := json.Unmarshal(tv.Value, &s); err != nil {
				return nil, fmt.Errorf("parameter %d: %w", i+1, err)
			}
			out[i] = s
		case domain.ParamInteger:
			var n int64
			if err := json.Unmarshal(tv.Value, &n); err != nil {
				return nil, fmt.Errorf("parameter %d: %w", i+1, err)
			}
			out[i] = n
		case domain.ParamNumber:
			var f float64
			if err := json.Unmarshal(tv.Value, &f); err != nil {
				return nil, fmt.Errorf("parameter %d: %w", i+1, err)
			}
			out[i] = f
		case domain.ParamBoolean:
			var b bool
			if err := json.Unmarshal(tv.Value, &b); err != nil {
				return nil, fmt.Errorf("parameter %d: %w", i+1, err)
			}
			out[i] = b
		case domain.ParamDate:
			var s string
			if err := json.Unmarshal(tv.Value, &s); err != nil {
				return nil, fmt.Errorf("parameter %d: %w", i+1, err)
			}
			ts, err := time.Parse("2006-01-02", s)
			if err != nil {
				return nil, fmt.Errorf("parameter %d: %w", i+1, err)
			}
			out[i] = ts
		case domain.ParamDatetime:
			var s string
			if err := json.Unmarshal(tv.Value, &s); err != nil {
				return nil, fmt.Errorf("parameter %d: %w", i+1, err)
			}
			ts, err := time.Parse(time.RFC3339, s)
			if err != nil {
				return nil, fmt.Errorf("parameter %d: %w", i+1, err)
			}
			out[i] = ts
		default:
			return nil, fmt.Errorf("parameter %d: unknown type %q", i+1, tv.Type)
		}
	}
	return out, nil
}

// Substitute renders sql with parameter values inlined as SQL literals:
// strings quoted with single quotes doubled, booleans as TRUE/FALSE, dates
// and datetimes as quoted ISO-8601, null as NULL. This path exists only for
// drivers without prepared-statement support; Bind is the normal route.
func Substitute(sql string, schema []domain.ParamDef, supplied map[string]json.RawMessage) (string, error) {
	tokens, positional := scan(sql)
	if positional {
		return "", domain.E(domain.ErrBadRequest,
			"positional parameters ($1) are not allowed; use named $NAME placeholders")
	}

	defs := make(map[string]domain.ParamDef, len(schema))
	for _, d := range schema {
		defs[d.Name] = d
	}

	literals := make(map[string]string, len(tokens))
	var missing []string
	for _, t := range tokens {
		if _, done := literals[t.name]; done {
			continue
		}
		def, ok := defs[t.name]
		if !ok {
			return "", domain.Ef(domain.ErrBadRequest,
				"parameter $%s is not declared in the query's parameter schema", t.name)
		}

		raw, ok := supplied[t.name]
		if !ok || isJSONNull(raw) {
			if len(def.Default) > 0 && !isJSONNull(def.Default) {
				raw = def.Default
			} else if def.Required {
				missing = append(missing, t.name)
				continue
			} else {
				literals[t.name] = "NULL"
				continue
			}
		}

		tv, err := Coerce(def.Type, raw)
		if err != nil {
			return "", domain.Ef(domain.ErrBadRequest, "parameter %s: %v", t.name, err)
		}
		lit, err := literal(tv)
		if err != nil {
			return "", domain.Ef(domain.ErrBadRequest, "parameter %s: %v", t.name, err)
		}
		literals[t.name] = lit
	}
	if len(missing) > 0 {
		return "", domain.Ef(domain.ErrBadRequest,
			"missing required parameters: %s", strings.Join(missing, ", "))
	}

	var b strings.Builder
	b.Grow(len(sql))
	prev := 0
	for _, t := range tokens {
		b.WriteString(sql[prev:t.start])
		b.WriteString(literals[t.name])
		prev = t.end
	}
	b.WriteString(sql[prev:])
	return b.String(), nil
}

// literal renders one typed value as a SQL literal.
func literal(tv domain.TypedValue) (string, error) {
	if isJSONNull(tv.Value) {
		return "NULL", nil
	}
	switch tv.Type {
	case domain.ParamString, domain.ParamDate, domain.ParamDatetime:
		var s string
		if err := json.Unmarshal(tv.Value, &s); err != nil {
			return "", err
		}
		return "'" + strings.ReplaceAll(s, "'", "''") + "'", nil
	case domain.ParamInteger, domain.ParamNumber:
		var n json.Number
		if err := json.Unmarshal(tv.Value, &n); err != nil {
			return "", err
		}
		return n.String(), nil
	case domain.ParamBoolean:
		var v bool
		if err := json.Unmarshal(tv.Value, &v); err != nil {
			return "", err
		}
		if v {
			return "TRUE", nil
		}
		return "FALSE", nil
	}
	return "", fmt.Errorf("unknown parameter type %q", tv.Type)
}

func typed(t domain.ParamType, v any) (domain.TypedValue, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return domain.TypedValue{}, err
	}
	return domain.TypedValue{Type: t, Value: raw}, nil
}

func asString(raw json.RawMessage) (string, bool) {
	trimmed := strings.TrimSpace(string(raw))
	if len(trimmed) == 0 || trimmed[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func isJSONNull(raw json.RawMessage) bool {
	return len(raw) == 0 || strings.TrimSpace(string(raw)) == "null"
}

// scan walks sql and returns the named placeholder tokens plus whether any
// $1-style positional placeholder was seen outside quotes and comments.
func scan(sql string) (tokens []token, positional bool) {
	i, n := 0, len(sql)
	for i < n {
		switch c := sql[i]; {
		case c == '\'':
			i = skipSingleQuoted(sql, i)
		case c == '"':
			i = skipDoubleQuoted(sql, i)
		case c == '-' && i+1 < n && sql[i+1] == '-':
			i = skipLineComment(sql, i)
		case c == '/' && i+1 < n && sql[i+1] == '*':
			i = skipBlockComment(sql, i)
		case c == '$':
			j := i + 1
			for j < n && isIdentChar(sql[j]) {
				j++
			}
			tag := sql[i+1 : j]
			// $tag$ (tag empty or identifier-shaped) opens a dollar-quoted body.
			if j < n && sql[j] == '$' && (tag == "" || isIdentStart(tag[0])) {
				i = skipDollarQuoted(sql, j+1, tag)
				continue
			}
			switch {
			case tag == "":
				i++
			case tag[0] >= '0' && tag[0] <= '9':
				positional = true
				i = j
			case isIdentStart(tag[0]):
				tokens = append(tokens, token{name: tag, start: i, end: j})
				i = j
			default:
				i = j
			}
		default:
			i++
		}
	}
	return tokens, positional
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

// skipSingleQuoted advances past a '...' string ('' escapes a quote).
func skipSingleQuoted(sql string, start int) int {
	i := start + 1
	for i < len(sql) {
		if sql[i] == '\'' {
			if i+1 < len(sql) && sql[i+1] == '\'' {
				i += 2
				continue
			}
			return i + 1
		}
		i++
	}
	return len(sql)
}

// skipDoubleQuoted advances past a "..." identifier ("" escapes a quote).
func skipDoubleQuoted(sql string, start int) int {
	i := start + 1
	for i < len(sql) {
		if sql[i] == '"' {
			if i+1 < len(sql) && sql[i+1] == '"' {
				i += 2
				continue
			}
			return i + 1
		}
		i++
	}
	return len(sql)
}

func skipLineComment(sql string, start int) int {
	for i := start + 2; i < len(sql); i++ {
		if sql[i] == '\n' {
			return i + 1
		}
	}
	return len(sql)
}

// skipBlockComment advances past a /* ... */ comment, honoring nesting.
func skipBlockComment(sql string, start int) int {
	depth := 1
	i := start + 2
	for i < len(sql) && depth > 0 {
		if i+1 < len(sql) && sql[i] == '/' && sql[i+1] == '*' {
			depth++
			i += 2
			continue
		}
		if i+1 < len(sql) && sql[i] == '*' && sql[i+1] == '/' {
			depth--
			i += 2
			continue
		}
		i++
	}
	return i
}

// skipDollarQuoted advances past a $tag$...$tag$ body. bodyStart points just
// past the opening delimiter.
func skipDollarQuoted(sql string, bodyStart int, tag string) int {
	closer := "$" + tag + "$"
	idx := strings.Index(sql[bodyStart:], closer)
	if idx < 0 {
		return len(sql)
	}
	return bodyStart + idx + len(closer)
}
