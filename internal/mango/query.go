package mango

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidQuery is returned for selectors or sort clauses that cannot be evaluated.
var ErrInvalidQuery = errors.New("mango: invalid query")

// Selector is a declarative filter over JSON documents.
type Selector = map[string]any

// Query is a selector with ordering and paging.
type Query struct {
	Selector Selector            `json:"selector,omitempty"`
	Sort     []map[string]string `json:"sort,omitempty"`
	Skip     int                 `json:"skip,omitempty"`
	// Limit of zero means unlimited.
	Limit int `json:"limit,omitempty"`
}

// Default returns the match-everything query.
func Default() Query {
	return Query{Selector: Selector{}, Sort: []map[string]string{}}
}

// Normalize fills in defaults: an empty selector, a non-negative skip and a
// sort that always ends with the primary key so ordering is deterministic.
func Normalize(primaryKey string, q Query) Query {
	out := Query{Selector: q.Selector, Skip: q.Skip, Limit: q.Limit}
	if out.Selector == nil {
		out.Selector = Selector{}
	}
	if out.Skip < 0 {
		out.Skip = 0
	}
	if out.Limit < 0 {
		out.Limit = 0
	}
	out.Sort = make([]map[string]string, 0, len(q.Sort)+1)
	hasPK := false
	for _, part := range q.Sort {
		for field, dir := range part {
			if field == primaryKey {
				hasPK = true
			}
			out.Sort = append(out.Sort, map[string]string{field: strings.ToLower(dir)})
		}
	}
	if !hasPK && primaryKey != "" {
		out.Sort = append(out.Sort, map[string]string{primaryKey: "asc"})
	}
	return out
}

// Validate checks that the sort clauses are well formed and the selector compiles.
func (q Query) Validate() error {
	for _, part := range q.Sort {
		if len(part) != 1 {
			return fmt.Errorf("%w: sort entries need exactly one field", ErrInvalidQuery)
		}
		for field, dir := range part {
			if field == "" {
				return fmt.Errorf("%w: empty sort field", ErrInvalidQuery)
			}
			switch strings.ToLower(dir) {
			case "asc", "desc":
			default:
				return fmt.Errorf("%w: sort direction %q", ErrInvalidQuery, dir)
			}
		}
	}
	if q.Skip < 0 || q.Limit < 0 {
		return fmt.Errorf("%w: negative skip or limit", ErrInvalidQuery)
	}
	_, err := Compile(q.Selector)
	return err
}

// Apply filters docs with the query's selector and returns them sorted,
// skipped and limited. The input slice is not modified.
func Apply(docs []map[string]any, q Query) ([]map[string]any, error) {
	match, err := Compile(q.Selector)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(docs))
	for _, doc := range docs {
		if match(doc) {
			out = append(out, doc)
		}
	}
	SortDocs(out, q.Sort)
	if q.Skip > 0 {
		if q.Skip >= len(out) {
			return []map[string]any{}, nil
		}
		out = out[q.Skip:]
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// DoesContainRegexQuerySelector reports whether a $regex operator appears
// anywhere in the selector tree, including inside array elements. Regex
// selectors can be made arbitrarily expensive by the client.
func DoesContainRegexQuerySelector(selector any) bool {
	switch v := selector.(type) {
	case nil:
		return false
	case map[string]any:
		for key, val := range v {
			if key == "$regex" {
				return true
			}
			if DoesContainRegexQuerySelector(val) {
				return true
			}
		}
	case []any:
		for _, item := range v {
			if DoesContainRegexQuerySelector(item) {
				return true
			}
		}
	case []map[string]any:
		for _, item := range v {
			if DoesContainRegexQuerySelector(item) {
				return true
			}
		}
	}
	return false
}
