// Package sqlguard validates user SQL before it is ever sent to a tenant
// datasource. Only a single SELECT statement is allowed, and calls to
// filesystem, server-control, and extension-management functions are
// rejected by name.
//
// Validation parses the statement with the real PostgreSQL grammar
// (pganalyze/pg_query_go) and walks the parse tree as JSON, so new node
// types degrade safely: anything that is not a plain SELECT is refused.
package sqlguard

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
	"gopkg.in/yaml.v3"

	"github.com/skua-data/skua/internal/domain"
	"github.com/skua-data/skua/internal/params"
)

// MaxQueryLength caps the SQL text accepted for validation. Anything longer
// is rejected before parsing.
const MaxQueryLength = 100_000

// defaultDenylist blocks functions that read server files, run programs,
// manage extensions, or disrupt other backends. Matching is a substring
// match on the lowercased called name, so schema-qualified spellings are
// caught too.
var defaultDenylist = []string{
	"pg_read_file",
	"pg_read_binary_file",
	"pg_ls_dir",
	"pg_stat_file",
	"pg_execute_server_program",
	"copy",
	"dblink",
	"pg_terminate_backend",
	"pg_cancel_backend",
	"pg_reload_conf",
	"lo_import",
	"lo_export",
	"lo_unlink",
	"xmlparse",
	"xpath",
	"pg_create_extension",
	"pg_drop_extension",
	"execute",
}

// Policy is the optional operator-supplied validation policy, loaded from a
// YAML file named by QUERY_POLICY_FILE.
type Policy struct {
	// ExtraDeniedFunctions extends the built-in denylist. Entries are
	// lowercased before matching.
	ExtraDeniedFunctions []string `yaml:"extra_denied_functions"`
}

// LoadPolicy reads a Policy from a YAML file.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	return &p, nil
}

// Validator checks SQL text against the guard rules. The zero value is not
// usable; construct with New.
type Validator struct {
	denied []string
}

// New builds a Validator from the built-in denylist plus any policy
// extensions. A nil policy applies the defaults alone.
func New(policy *Policy) *Validator {
	denied := make([]string, 0, len(defaultDenylist))
	denied = append(denied, defaultDenylist...)
	if policy != nil {
		for _, f := range policy.ExtraDeniedFunctions {
			f = strings.ToLower(strings.TrimSpace(f))
			if f != "" {
				denied = append(denied, f)
			}
		}
	}
	return &Validator{denied: denied}
}

// Validate returns nil when sql is a single, plain SELECT that calls no
// denied functions. All failures carry ErrBadRequest.
func (v *Validator) Validate(sql string) error {
	if len(sql) > MaxQueryLength {
		return domain.Ef(domain.ErrBadRequest,
			"query text exceeds %d bytes", MaxQueryLength)
	}
	if strings.TrimSpace(sql) == "" {
		return domain.E(domain.ErrBadRequest, "query text is empty")
	}

	// Named $NAME placeholders are not part of the Postgres grammar. Parse
	// the positional rewrite instead, so parameterized queries validate the
	// same way their executed form will.
	rewritten, _ := params.Rewrite(sql)

	treeJSON, err := pg_query.ParseToJSON(rewritten)
	if err != nil {
		return domain.Ef(domain.ErrBadRequest, "syntax error: %v", err)
	}

	var tree struct {
		Stmts []struct {
			Stmt map[string]json.RawMessage `json:"stmt"`
		} `json:"stmts"`
	}
	if err := json.Unmarshal([]byte(treeJSON), &tree); err != nil {
		return domain.Wrap(domain.ErrInternal, "decode parse tree", err)
	}

	if len(tree.Stmts) == 0 {
		return domain.E(domain.ErrBadRequest, "query contains no statements")
	}
	if len(tree.Stmts) > 1 {
		return domain.Ef(domain.ErrBadRequest,
			"query must be a single statement, got %d", len(tree.Stmts))
	}

	stmt := tree.Stmts[0].Stmt
	selectRaw, ok := stmt["SelectStmt"]
	if !ok {
		return domain.Ef(domain.ErrBadRequest,
			"only SELECT statements are allowed, got %s", stmtKind(stmt))
	}

	var selectNode map[string]any
	if err := json.Unmarshal(selectRaw, &selectNode); err != nil {
		return domain.Wrap(domain.ErrInternal, "decode select node", err)
	}
	if _, ok := selectNode["intoClause"]; ok {
		return domain.E(domain.ErrBadRequest, "SELECT INTO is not allowed")
	}
	// A SELECT can smuggle writes through a data-modifying CTE
	// (WITH t AS (DELETE ...) SELECT ...), so the whole tree is checked.
	if kind := findWriteStmt(selectNode); kind != "" {
		return domain.Ef(domain.ErrBadRequest,
			"only SELECT statements are allowed, got nested %s", kind)
	}

	if name := v.findDeniedCall(selectNode); name != "" {
		return domain.Ef(domain.ErrBadRequest,
			"call to function %q is not allowed", name)
	}
	return nil
}

// stmtKind names the single statement node for error messages, e.g.
// "InsertStmt".
func stmtKind(stmt map[string]json.RawMessage) string {
	for k := range stmt {
		return k
	}
	return "empty statement"
}

// findWriteStmt walks the parse tree and returns the kind of the first
// data-modifying statement found at any depth, or "" when there is none.
func findWriteStmt(node any) string {
	switch n := node.(type) {
	case map[string]any:
		for key, child := range n {
			switch key {
			case "InsertStmt", "UpdateStmt", "DeleteStmt", "MergeStmt":
				return key
			}
			if kind := findWriteStmt(child); kind != "" {
				return kind
			}
		}
	case []any:
		for _, child := range n {
			if kind := findWriteStmt(child); kind != "" {
				return kind
			}
		}
	}
	return ""
}

// findDeniedCall walks the parse tree and returns the first called function
// name that matches the denylist, or "" when the tree is clean. CTEs,
// subqueries, and expression positions are all covered because the walk is
// structural, not clause-by-clause.
func (v *Validator) findDeniedCall(node any) string {
	switch n := node.(type) {
	case map[string]any:
		for key, child := range n {
			if key == "FuncCall" {
				if name := v.matchFuncCall(child); name != "" {
					return name
				}
			}
			// XMLPARSE is grammar-level syntax rather than a FuncCall.
			if key == "XmlExpr" && v.isDenied("xmlparse") {
				return "xmlparse"
			}
			if name := v.findDeniedCall(child); name != "" {
				return name
			}
		}
	case []any:
		for _, child := range n {
			if name := v.findDeniedCall(child); name != "" {
				return name
			}
		}
	}
	return ""
}

// matchFuncCall extracts the (possibly schema-qualified) called name from a
// FuncCall node and matches it against the denylist.
func (v *Validator) matchFuncCall(node any) string {
	call, ok := node.(map[string]any)
	if !ok {
		return ""
	}
	parts, ok := call["funcname"].([]any)
	if !ok {
		return ""
	}
	names := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := stringNodeValue(p); s != "" {
			names = append(names, strings.ToLower(s))
		}
	}
	if len(names) == 0 {
		return ""
	}
	full := strings.Join(names, ".")
	if v.isDenied(full) {
		return full
	}
	return ""
}

func (v *Validator) isDenied(name string) bool {
	for _, d := range v.denied {
		if strings.Contains(name, d) {
			return true
		}
	}
	return false
}

// stringNodeValue unwraps {"String": {"sval": "x"}} nodes. Older parse tree
// versions spell the field "str".
func stringNodeValue(node any) string {
	m, ok := node.(map[string]any)
	if !ok {
		return ""
	}
	inner, ok := m["String"].(map[string]any)
	if !ok {
		return ""
	}
	if s, ok := inner["sval"].(string); ok {
		return s
	}
	if s, ok := inner["str"].(string); ok {
		return s
	}
	return ""
}
