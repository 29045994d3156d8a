package indexengine

import (
	"reflect"
	"regexp"
	"sort"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/syntrixbase/unbase/internal/errs"
)

// ParsedQuery is the result of dispatching a query string through
// parseGrammar/parseSearchQuery: either the simple field:term grammar (a
// conjunction of clauses) or a PxQL boolean expression compiled to CEL.
type ParsedQuery struct {
	raw     string
	isPxQL  bool
	clauses []clause
	prg     cel.Program
	exprSrc string
}

type clause struct {
	field string
	term  string // includes an optional leading operator: >, <, >=, <=, !=
}

var pxqlShape = regexp.MustCompile(`^\s*\([\s\S]+\)\s*$`)
var clauseRe = regexp.MustCompile(`(\w+):("[^"]*"|[^\s()]+)`)
var andRe = regexp.MustCompile(`(?i)\bAND\b`)
var orRe = regexp.MustCompile(`(?i)\bOR\b`)
var notRe = regexp.MustCompile(`(?i)\bNOT\b`)

// simpleTokenRe splits a simple query on whitespace outside double quotes,
// so field:"two words" stays one clause.
var simpleTokenRe = regexp.MustCompile(`(?:[^\s"]+|"[^"]*")+`)

// Signature returns a stable, deterministic string representation of the
// parsed query, suitable for hashing into a canonical search_id alongside
// sort_by/sort_dir.
func (p ParsedQuery) Signature() string {
	if p.isPxQL {
		return "pxql:" + p.exprSrc
	}
	parts := make([]string, len(p.clauses))
	for i, c := range p.clauses {
		parts[i] = c.field + ":" + c.term
	}
	sort.Strings(parts)
	return "simple:" + strings.Join(parts, "&")
}

func (e *MemEngine) parseQuery(query string) (ParsedQuery, error) {
	if pxqlShape.MatchString(query) {
		return e.parsePxQL(query)
	}
	return parseSimple(query)
}

func parseSimple(query string) (ParsedQuery, error) {
	fields := simpleTokenRe.FindAllString(query, -1)
	if len(fields) == 0 {
		return ParsedQuery{}, errs.New(errs.InvalidQuery, "empty query")
	}
	clauses := make([]clause, 0, len(fields))
	for _, f := range fields {
		idx := strings.Index(f, ":")
		if idx <= 0 {
			return ParsedQuery{}, errs.Newf(errs.InvalidQuery, "malformed clause %q, want field:term", f)
		}
		clauses = append(clauses, clause{field: f[:idx], term: strings.Trim(f[idx+1:], `"`)})
	}
	return ParsedQuery{raw: query, clauses: clauses}, nil
}

// parsePxQL translates the parenthesised boolean grammar into a CEL
// expression over a "record" variable (map[string]dyn, one entry per
// indexed field id) and compiles it, the way trigger/evaluator compiles
// and caches a CEL program per trigger condition.
func (e *MemEngine) parsePxQL(query string) (ParsedQuery, error) {
	src := clauseRe.ReplaceAllStringFunc(query, func(m string) string {
		parts := clauseRe.FindStringSubmatch(m)
		field := parts[1]
		term := strings.Trim(parts[2], `"`)
		return "match(record, \"" + field + "\", \"" + escapeCEL(term) + "\")"
	})
	src = andRe.ReplaceAllString(src, "&&")
	src = orRe.ReplaceAllString(src, "||")
	src = notRe.ReplaceAllString(src, "!")

	ast, iss := e.celEnv.Compile(src)
	if iss != nil && iss.Err() != nil {
		return ParsedQuery{}, errs.Wrapf(errs.InvalidQuery, "invalid PxQL query %q", iss.Err(), query)
	}
	prg, err := e.celEnv.Program(ast)
	if err != nil {
		return ParsedQuery{}, errs.Wrap(errs.InvalidQuery, "compiling PxQL program", err)
	}
	return ParsedQuery{raw: query, isPxQL: true, prg: prg, exprSrc: src}, nil
}

func escapeCEL(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}

// matchFieldTerm is the atom-level predicate shared by the simple grammar
// evaluator and the PxQL "match" CEL function: does this field's indexed
// value satisfy this field:term clause?
func matchFieldTerm(fv FieldValue, term string) bool {
	op, value := splitOp(term)
	if fv.IsNumber {
		return compareNumber(fv.Number, op, value)
	}
	if op != "=" && op != "!=" {
		return false // ordering operators make no sense on token sets
	}
	_, hit := fv.Tokens[strings.ToLower(value)]
	if op == "!=" {
		return !hit
	}
	return hit
}

func splitOp(term string) (op, value string) {
	for _, candidate := range []string{">=", "<=", "!=", ">", "<"} {
		if strings.HasPrefix(term, candidate) {
			return candidate, strings.TrimPrefix(term, candidate)
		}
	}
	return "=", term
}

func compareNumber(have float64, op, termStr string) bool {
	want, err := parseFloat(termStr)
	if err != nil {
		return false
	}
	switch op {
	case ">":
		return have > want
	case "<":
		return have < want
	case ">=":
		return have >= want
	case "<=":
		return have <= want
	case "!=":
		return have != want
	default:
		return have == want
	}
}

var recordMapType = reflect.TypeOf(map[string]any{})

// newMatchFunction builds the CEL "match" custom function bound against the
// engine's record representation: match(record, field, term) bool. record
// is a map[string]any built from IdxData.Fields (see toCELRecord).
func newMatchFunction() cel.EnvOption {
	return cel.Function("match",
		cel.Overload("match_record_string_string",
			[]*cel.Type{cel.MapType(cel.StringType, cel.DynType), cel.StringType, cel.StringType},
			cel.BoolType,
			cel.FunctionBinding(func(args ...ref.Val) ref.Val {
				native, err := args[0].ConvertToNative(recordMapType)
				if err != nil {
					return types.False
				}
				record, ok := native.(map[string]any)
				if !ok {
					return types.False
				}
				field, _ := args[1].Value().(string)
				term, _ := args[2].Value().(string)
				fv, ok := record[field].(FieldValue)
				if !ok {
					return types.False
				}
				return types.Bool(matchFieldTerm(fv, term))
			}),
		),
	)
}

// toCELRecord adapts IdxData.Fields into the map CEL evaluates "record"
// against; each entry stays a FieldValue, unwrapped only inside match().
func toCELRecord(data IdxData) map[string]any {
	out := make(map[string]any, len(data.Fields))
	for k, v := range data.Fields {
		out[k] = v
	}
	return out
}
