package unbase

import (
	"regexp"
	"sort"
	"strconv"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/syntrixbase/unbase/internal/errs"
)

// SearchOptions configures one call to Search or Subscribe.
type SearchOptions struct {
	Offset   int
	Limit    int // 0 means unlimited
	SortBy   string
	SortDir  int // -1 or +1; 0 defaults to +1
	SortType string
}

func (o SearchOptions) sortDefaults() (sortBy string, sortDir int, sortType string) {
	sortBy = o.SortBy
	if sortBy == "" {
		sortBy = "_id"
	}
	sortDir = o.SortDir
	if sortDir == 0 {
		sortDir = 1
	}
	return sortBy, sortDir, o.SortType
}

var summaryQuery = regexp.MustCompile(`(?i)^\s*#summary:(\w+)`)

var idCollator = collate.New(language.Und)

// SearchResult is what Search returns.
type SearchResult struct {
	Records []map[string]any
	Total   int
	Values  map[string]int // set instead of Records/Total for a #summary: query
}

// Search evaluates query against index and returns a page of matching
// records. A query matching `#summary:<field>` routes to
// IndexEngine.GetFieldSummary and returns only Values.
func (db *DB) Search(index, query string, opts SearchOptions) (SearchResult, error) {
	idx, ok := db.registry.Get(index)
	if !ok {
		return SearchResult{}, errs.Newf(errs.NotFound, "index %q not found", index)
	}

	if m := summaryQuery.FindStringSubmatch(query); m != nil {
		values, err := db.engine.GetFieldSummary(m[1], idx)
		if err != nil {
			return SearchResult{}, err
		}
		return SearchResult{Values: values}, nil
	}

	sortBy, sortDir, sortType := opts.sortDefaults()

	parsed, err := db.engine.ParseQuery(query, idx)
	if err != nil {
		return SearchResult{}, err
	}
	hits, err := db.engine.SearchRecords(parsed, idx)
	if err != nil {
		return SearchResult{}, err
	}

	var ids []string
	if sortBy == "_id" {
		ids = make([]string, 0, len(hits))
		for id := range hits {
			ids = append(ids, id)
		}
		sortIDs(ids, sortType, sortDir)
	} else {
		pairs, err := db.engine.SortRecords(hits, sortBy, sortDir, idx)
		if err != nil {
			return SearchResult{}, err
		}
		ids = make([]string, len(pairs))
		for i, p := range pairs {
			ids[i] = p.ID
		}
	}

	total := len(ids)
	page := paginate(ids, opts.Offset, opts.Limit)

	bodies, err := db.store.GetMulti(db.registry.RecordsBucket(idx.ID), page)
	if err != nil {
		return SearchResult{}, err
	}
	records := make([]map[string]any, 0, len(page))
	for _, id := range page {
		raw, ok := bodies[id]
		if !ok {
			continue
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			return SearchResult{}, errs.Wrap(errs.Storage, "decoding record", err)
		}
		records = append(records, rec)
	}

	return SearchResult{Records: records, Total: total}, nil
}

func sortIDs(ids []string, sortType string, dir int) {
	var less func(i, j int) bool
	if sortType == "number" {
		less = func(i, j int) bool { return numericLess(ids[i], ids[j]) }
	} else {
		less = func(i, j int) bool { return idCollator.CompareString(ids[i], ids[j]) < 0 }
	}
	sort.Slice(ids, less)
	if dir < 0 {
		reverse(ids)
	}
}

func numericLess(a, b string) bool {
	af, aerr := strconv.ParseFloat(a, 64)
	bf, berr := strconv.ParseFloat(b, 64)
	if aerr == nil && berr == nil {
		return af < bf
	}
	return a < b
}

func reverse(ss []string) {
	for i, j := 0, len(ss)-1; i < j; i, j = i+1, j-1 {
		ss[i], ss[j] = ss[j], ss[i]
	}
}

func paginate(ids []string, offset, limit int) []string {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(ids) {
		return nil
	}
	end := len(ids)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return ids[offset:end]
}
