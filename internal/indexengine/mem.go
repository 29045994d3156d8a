package indexengine

import (
	"strconv"
	"strings"
	"sync"

	"github.com/google/btree"
	"github.com/google/cel-go/cel"

	"github.com/syntrixbase/unbase/internal/doc"
	"github.com/syntrixbase/unbase/internal/errs"
	"github.com/syntrixbase/unbase/internal/schema"
)

// MemEngine is an in-memory IndexEngine: postings lists per field/token,
// a value histogram per master-list field, and one ordered btree per
// sorter. It maintains this state across calls for every index it has
// seen a record from, keeping an ordered btree of ids per sorter.
type MemEngine struct {
	celEnv *cel.Env

	mu      sync.RWMutex
	indexes map[string]*indexState
}

type indexState struct {
	mu sync.RWMutex

	docs map[string]IdxData // record id -> indexed representation

	// postings[fieldID][token] = set of record ids
	postings map[string]map[string]map[string]bool

	// masterList[fieldID][value] = count, maintained only for fields
	// with MasterList:true.
	masterList map[string]map[string]int

	// sorterTrees[sorterID] orders sortItem by (value, id).
	sorterTrees map[string]*btree.BTreeG[sortItem]
}

type sortItem struct {
	id    string
	value any
	key   []byte
}

func sortItemLess(a, b sortItem) bool {
	return string(a.key) < string(b.key)
}

// NewMemEngine builds an empty in-memory IndexEngine.
func NewMemEngine() *MemEngine {
	env, err := cel.NewEnv(
		cel.Variable("record", cel.MapType(cel.StringType, cel.DynType)),
		newMatchFunction(),
	)
	if err != nil {
		// Only fails if the fixed set of declarations above is
		// internally inconsistent, which would be a programming error.
		panic("indexengine: building CEL environment: " + err.Error())
	}
	return &MemEngine{
		celEnv:  env,
		indexes: make(map[string]*indexState),
	}
}

func (e *MemEngine) state(indexID string) *indexState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.indexes[indexID]
	if !ok {
		st = &indexState{
			docs:        make(map[string]IdxData),
			postings:    make(map[string]map[string]map[string]bool),
			masterList:  make(map[string]map[string]int),
			sorterTrees: make(map[string]*btree.BTreeG[sortItem]),
		}
		e.indexes[indexID] = st
	}
	return st
}

// DropIndex discards all in-memory state for indexID, used when an index
// is deleted.
func (e *MemEngine) DropIndex(indexID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.indexes, indexID)
}

func (e *MemEngine) ParseQuery(query string, _ schema.Index) (ParsedQuery, error) {
	return e.parseQuery(query)
}

// buildFieldValue projects record through field.Source into the indexed
// representation that field contributes, honouring DefaultValue when the
// source resolves to nothing.
func buildFieldValue(record doc.Doc, field schema.Field) FieldValue {
	raw, ok := doc.Resolve(record, field.Source)
	if !ok || raw == nil {
		raw = field.DefaultValue
	}
	if field.Type == "number" {
		n, _ := toNumber(raw)
		return FieldValue{Number: n, IsNumber: true}
	}
	return FieldValue{Tokens: tokenize(raw, field)}
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func parseFloat(s string) (float64, error) { return strconv.ParseFloat(s, 64) }

// tokenize turns a field's resolved value into a lowercase token set. Text
// fields split on non-alphanumerics and honour min/max word length and
// stop words; everything else is indexed as a single normalised token
// (e.g. "status" matching whole-value "Open" against query "status:open").
func tokenize(v any, field schema.Field) map[string]bool {
	out := make(map[string]bool)
	switch val := v.(type) {
	case []any:
		for _, item := range val {
			for tok := range tokenize(item, field) {
				out[tok] = true
			}
		}
		return out
	case string:
		if field.Type != "text" {
			s := strings.ToLower(strings.TrimSpace(val))
			if s != "" {
				out[s] = true
			}
			return out
		}
		for _, tok := range splitWords(val) {
			tok = strings.ToLower(tok)
			if field.MinWordLength > 0 && len(tok) < field.MinWordLength {
				continue
			}
			if field.MaxWordLength > 0 && len(tok) > field.MaxWordLength {
				continue
			}
			if field.UseRemoveWords && stopWords[tok] {
				continue
			}
			if field.UseStemmer {
				tok = stem(tok)
			}
			out[tok] = true
		}
		return out
	case nil:
		return out
	default:
		out[strings.ToLower(strconvAny(val))] = true
		return out
	}
}

func strconvAny(v any) string {
	switch t := v.(type) {
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

func splitWords(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9')
	})
}

// stem is a minimal suffix stemmer (drops a trailing "s", "ed" or "ing"),
// standing in for a real Porter stemmer the way the index schema's
// use_stemmer flag implies without this package re-deriving tokenisation
// rules wholesale (that remains the IndexEngine contract's business, and
// this is this package's own implementation of it).
func stem(tok string) string {
	switch {
	case strings.HasSuffix(tok, "ing") && len(tok) > 5:
		return tok[:len(tok)-3]
	case strings.HasSuffix(tok, "ed") && len(tok) > 4:
		return tok[:len(tok)-2]
	case strings.HasSuffix(tok, "s") && !strings.HasSuffix(tok, "ss") && len(tok) > 3:
		return tok[:len(tok)-1]
	default:
		return tok
	}
}

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "of": true, "and": true, "or": true, "to": true, "in": true,
}

func (e *MemEngine) IndexRecord(id string, record doc.Doc, idx schema.Index) (ChangeState, error) {
	st := e.state(idx.ID)
	st.mu.Lock()
	defer st.mu.Unlock()

	old, existed := st.docs[id]

	newData := IdxData{Fields: make(map[string]FieldValue), Sorters: make(map[string]any)}
	changed := make(map[string]bool)

	touchedFields := make(map[string]bool, len(idx.Fields))
	for _, field := range idx.Fields {
		touchedFields[field.ID] = true
		if field.Delete {
			st.removeFieldPostings(id, field.ID, old)
			if field.MasterList && existed {
				st.bumpMasterList(field.ID, old, true, FieldValue{}, false)
			}
			continue
		}
		fv := buildFieldValue(record, field)
		newData.Fields[field.ID] = fv

		if existed {
			st.removeFieldPostings(id, field.ID, old)
		}
		st.addFieldPostings(id, field.ID, fv)

		if field.MasterList {
			st.bumpMasterList(field.ID, old, existed, fv, true)
		}

		if !existed || !fieldValueEqual(old.Fields[field.ID], fv) {
			changed[field.ID] = true
		}
	}
	// idx may be restricted to a subset of fields (a partial reindex);
	// carry over indexed state for every field this call didn't touch so
	// it isn't silently dropped from the record's indexed representation.
	if existed {
		for fieldID, fv := range old.Fields {
			if !touchedFields[fieldID] {
				newData.Fields[fieldID] = fv
			}
		}
	}

	touchedSorters := make(map[string]bool, len(idx.Sorters))
	for _, sorter := range idx.Sorters {
		touchedSorters[sorter.ID] = true
		if sorter.Delete {
			st.removeFromSorterTree(sorter.ID, id)
			continue
		}
		value := sorterValue(record, sorter)
		newData.Sorters[sorter.ID] = value
		st.upsertSorterTree(sorter.ID, id, value)
	}
	if existed {
		for sorterID, value := range old.Sorters {
			if !touchedSorters[sorterID] {
				newData.Sorters[sorterID] = value
			}
		}
	}

	st.docs[id] = newData

	return ChangeState{ID: id, IdxData: newData, NewRecord: !existed, Changed: changed}, nil
}

func fieldValueEqual(a, b FieldValue) bool {
	if a.IsNumber != b.IsNumber {
		return false
	}
	if a.IsNumber {
		return a.Number == b.Number
	}
	if len(a.Tokens) != len(b.Tokens) {
		return false
	}
	for t := range a.Tokens {
		if !b.Tokens[t] {
			return false
		}
	}
	return true
}

func sorterValue(record doc.Doc, sorter schema.Sorter) any {
	raw, ok := doc.Resolve(record, sorter.Source)
	if !ok {
		raw = nil
	}
	if sorter.Type == "number" {
		n, _ := toNumber(raw)
		return n
	}
	if s, ok := raw.(string); ok {
		return s
	}
	return strconvAny(raw)
}

func (e *MemEngine) UnindexRecord(id string, idx schema.Index) (ChangeState, error) {
	st := e.state(idx.ID)
	st.mu.Lock()
	defer st.mu.Unlock()

	old, existed := st.docs[id]
	if !existed {
		return ChangeState{ID: id, IdxData: IdxData{}}, nil
	}

	for _, field := range idx.Fields {
		st.removeFieldPostings(id, field.ID, old)
		if field.MasterList {
			st.bumpMasterList(field.ID, old, true, FieldValue{}, false)
		}
	}
	for _, sorter := range idx.Sorters {
		st.removeFromSorterTree(sorter.ID, id)
	}
	delete(st.docs, id)

	return ChangeState{ID: id, IdxData: old}, nil
}

func (st *indexState) addFieldPostings(id, fieldID string, fv FieldValue) {
	if fv.IsNumber {
		return // number fields are matched by value, not posting lookup
	}
	m, ok := st.postings[fieldID]
	if !ok {
		m = make(map[string]map[string]bool)
		st.postings[fieldID] = m
	}
	for tok := range fv.Tokens {
		set, ok := m[tok]
		if !ok {
			set = make(map[string]bool)
			m[tok] = set
		}
		set[id] = true
	}
}

func (st *indexState) removeFieldPostings(id, fieldID string, old IdxData) {
	prev, ok := old.Fields[fieldID]
	if !ok || prev.IsNumber {
		return
	}
	m := st.postings[fieldID]
	for tok := range prev.Tokens {
		if set, ok := m[tok]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(m, tok)
			}
		}
	}
}

func (st *indexState) bumpMasterList(fieldID string, old IdxData, hadOld bool, newVal FieldValue, adding bool) {
	counts, ok := st.masterList[fieldID]
	if !ok {
		counts = make(map[string]int)
		st.masterList[fieldID] = counts
	}
	if hadOld {
		for tok := range old.Fields[fieldID].Tokens {
			counts[tok]--
			if counts[tok] <= 0 {
				delete(counts, tok)
			}
		}
	}
	if adding {
		for tok := range newVal.Tokens {
			counts[tok]++
		}
	}
}

func (st *indexState) upsertSorterTree(sorterID, id string, value any) {
	tree, ok := st.sorterTrees[sorterID]
	if !ok {
		tree = btree.NewG[sortItem](32, sortItemLess)
		st.sorterTrees[sorterID] = tree
	}
	tree.Delete(sortItem{key: orderKey(lastKnownValue(st, sorterID, id), id)})
	tree.ReplaceOrInsert(sortItem{id: id, value: value, key: orderKey(value, id)})
}

// lastKnownValue returns the previously stored sort value for id (used to
// compute the old orderKey so it can be deleted before inserting the new
// one), or nil if there was none.
func lastKnownValue(st *indexState, sorterID, id string) any {
	if doc, ok := st.docs[id]; ok {
		return doc.Sorters[sorterID]
	}
	return nil
}

func (st *indexState) removeFromSorterTree(sorterID, id string) {
	tree, ok := st.sorterTrees[sorterID]
	if !ok {
		return
	}
	value := lastKnownValue(st, sorterID, id)
	tree.Delete(sortItem{key: orderKey(value, id)})
}

func (e *MemEngine) SearchRecords(q ParsedQuery, idx schema.Index) (map[string]bool, error) {
	st := e.state(idx.ID)
	st.mu.RLock()
	defer st.mu.RUnlock()

	if q.isPxQL {
		hits := make(map[string]bool)
		for id, data := range st.docs {
			ok, err := evalPxQL(q, data)
			if err != nil {
				return nil, err
			}
			if ok {
				hits[id] = true
			}
		}
		return hits, nil
	}

	var hits map[string]bool
	for _, c := range q.clauses {
		set := st.matchClause(c)
		if hits == nil {
			hits = set
			continue
		}
		for id := range hits {
			if !set[id] {
				delete(hits, id)
			}
		}
	}
	if hits == nil {
		hits = make(map[string]bool)
	}
	return hits, nil
}

func (st *indexState) matchClause(c clause) map[string]bool {
	out := make(map[string]bool)
	op, term := splitOp(c.term)
	if op == "=" {
		if set, ok := st.postings[c.field][strings.ToLower(term)]; ok {
			for id := range set {
				out[id] = true
			}
			return out
		}
	}
	// Fall back to a full scan for numeric/operator/!= clauses, where a
	// flat token->ids posting lookup cannot answer the query directly.
	for id, data := range st.docs {
		if fv, ok := data.Fields[c.field]; ok && matchFieldTerm(fv, c.term) {
			out[id] = true
		}
	}
	return out
}

func evalPxQL(q ParsedQuery, data IdxData) (bool, error) {
	out, _, err := q.prg.Eval(map[string]any{"record": toCELRecord(data)})
	if err != nil {
		return false, errs.Wrap(errs.InvalidQuery, "evaluating PxQL query", err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, errs.New(errs.InvalidQuery, "PxQL query did not evaluate to a boolean")
	}
	return b, nil
}

func (e *MemEngine) SearchSingle(q ParsedQuery, id string, data IdxData, idx schema.Index) (bool, error) {
	if q.isPxQL {
		return evalPxQL(q, data)
	}
	for _, c := range q.clauses {
		fv, ok := data.Fields[c.field]
		if !ok || !matchFieldTerm(fv, c.term) {
			return false, nil
		}
	}
	return true, nil
}

func (e *MemEngine) SortRecords(hits map[string]bool, sortBy string, sortDir int, idx schema.Index) ([]SortPair, error) {
	st := e.state(idx.ID)
	st.mu.RLock()
	defer st.mu.RUnlock()

	tree, ok := st.sorterTrees[sortBy]
	if !ok {
		if _, defined := idx.SorterByID(sortBy); !defined {
			return nil, errs.Newf(errs.InvalidQuery, "unknown sort_by %q", sortBy)
		}
		return nil, nil
	}

	out := make([]SortPair, 0, len(hits))
	visit := func(it sortItem) bool {
		if hits[it.id] {
			out = append(out, SortPair{ID: it.id, Value: it.value})
		}
		return true
	}
	if sortDir >= 0 {
		tree.Ascend(visit)
	} else {
		tree.Descend(visit)
	}
	return out, nil
}

func (e *MemEngine) GetFieldSummary(fieldID string, idx schema.Index) (map[string]int, error) {
	field, ok := idx.FieldByID(fieldID)
	if !ok {
		return nil, errs.Newf(errs.InvalidQuery, "unknown field %q", fieldID)
	}
	if !field.MasterList {
		return nil, errs.Newf(errs.InvalidQuery, "field %q does not have master_list enabled", fieldID)
	}
	st := e.state(idx.ID)
	st.mu.RLock()
	defer st.mu.RUnlock()

	counts := st.masterList[fieldID]
	out := make(map[string]int, len(counts))
	for k, v := range counts {
		out[k] = v
	}
	return out, nil
}
