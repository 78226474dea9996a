package mango

import (
	"fmt"
	"strconv"
	"strings"
)

// valuePred tests a resolved field value. present is false when the field is missing.
type valuePred func(v any, present bool) bool

// regexSource folds $options flags into the pattern.
func regexSource(pattern, options string) (string, error) {
	flags := ""
	for _, f := range options {
		switch f {
		case 'i', 'm', 's':
			flags += string(f)
		default:
			return "", fmt.Errorf("%w: unsupported $options flag %q", ErrInvalidQuery, f)
		}
	}
	if flags != "" {
		pattern = "(?" + flags + ")" + pattern
	}
	return pattern, nil
}

func eqPred(want any) valuePred {
	return func(v any, present bool) bool {
		if !present {
			return want == nil
		}
		if Compare(v, want) == 0 {
			return true
		}
		if arr, ok := v.([]any); ok {
			for _, e := range arr {
				if Compare(e, want) == 0 {
					return true
				}
			}
		}
		return false
	}
}

func rangePred(op string, bound any) valuePred {
	rank := typeRank(bound)
	return anyElement(func(v any) bool {
		if typeRank(v) != rank {
			return false
		}
		c := Compare(v, bound)
		switch op {
		case "$gt":
			return c > 0
		case "$gte":
			return c >= 0
		case "$lt":
			return c < 0
		default:
			return c <= 0
		}
	})
}

// anyElement applies fn to the value, or to each element when the value is an array.
func anyElement(fn func(any) bool) valuePred {
	return func(v any, present bool) bool {
		if !present {
			return false
		}
		if fn(v) {
			return true
		}
		if arr, ok := v.([]any); ok {
			for _, e := range arr {
				if fn(e) {
					return true
				}
			}
		}
		return false
	}
}

func lookup(doc map[string]any, path []string) (any, bool) {
	return lookupValue(doc, path)
}

func lookupValue(root any, path []string) (any, bool) {
	cur := root
	for _, seg := range path {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// Lookup resolves a dotted field path inside doc.
func Lookup(doc map[string]any, field string) (any, bool) {
	return lookup(doc, strings.Split(field, "."))
}
