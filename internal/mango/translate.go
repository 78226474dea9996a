package mango

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// translator turns a selector into a CEL expression over the "doc" variable.
// Operands never appear in the expression text: each one is appended to args
// and referenced as args[i], so selectors with the same shape share one
// compiled program.
type translator struct {
	args []any
	vars int
}

func toCEL(sel Selector) (string, []any, error) {
	t := &translator{}
	expr, err := t.selector("doc", sel)
	if err != nil {
		return "", nil, err
	}
	return expr, t.args, nil
}

func (t *translator) arg(v any) string {
	t.args = append(t.args, v)
	return "args[" + strconv.Itoa(len(t.args)-1) + "]"
}

func sortedSelectorKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (t *translator) selector(holder string, sel map[string]any) (string, error) {
	parts := make([]string, 0, len(sel))
	for _, key := range sortedSelectorKeys(sel) {
		val := sel[key]
		switch key {
		case "$and", "$or", "$nor":
			subs, err := t.selectorList(holder, key, val)
			if err != nil {
				return "", err
			}
			parts = append(parts, combineExpr(key, subs))
		default:
			if strings.HasPrefix(key, "$") {
				return "", fmt.Errorf("%w: unknown top-level operator %s", ErrInvalidQuery, key)
			}
			expr, err := t.field(holder, t.arg(strings.Split(key, ".")), val)
			if err != nil {
				return "", fmt.Errorf("field %s: %w", key, err)
			}
			parts = append(parts, expr)
		}
	}
	return conjunction(parts), nil
}

func (t *translator) selectorList(holder, op string, val any) ([]string, error) {
	items, ok := val.([]any)
	if !ok {
		typed, ok := val.([]map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: %s needs an array", ErrInvalidQuery, op)
		}
		items = make([]any, len(typed))
		for i := range typed {
			items[i] = typed[i]
		}
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		sub, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: %s entries must be selectors", ErrInvalidQuery, op)
		}
		expr, err := t.selector(holder, sub)
		if err != nil {
			return nil, err
		}
		out = append(out, expr)
	}
	return out, nil
}

func combineExpr(op string, subs []string) string {
	switch op {
	case "$and":
		return conjunction(subs)
	case "$or":
		if len(subs) == 0 {
			return "false"
		}
		return "(" + strings.Join(subs, " || ") + ")"
	default: // $nor
		if len(subs) == 0 {
			return "true"
		}
		return "!(" + strings.Join(subs, " || ") + ")"
	}
}

func conjunction(parts []string) string {
	switch len(parts) {
	case 0:
		return "true"
	case 1:
		return parts[0]
	}
	return "(" + strings.Join(parts, " && ") + ")"
}

// field translates the condition on one field. path is the args reference
// holding the split field path.
func (t *translator) field(holder, path string, val any) (string, error) {
	ops, ok := isOperatorObject(val)
	if !ok {
		return call("eq", holder, path, t.arg(val)), nil
	}
	var options string
	if raw, ok := ops["$options"]; ok {
		s, ok := raw.(string)
		if !ok {
			return "", fmt.Errorf("%w: $options must be a string", ErrInvalidQuery)
		}
		options = s
	}
	parts := make([]string, 0, len(ops))
	for _, op := range sortedSelectorKeys(ops) {
		if op == "$options" {
			continue
		}
		expr, err := t.op(holder, path, op, ops[op], options)
		if err != nil {
			return "", err
		}
		parts = append(parts, expr)
	}
	return conjunction(parts), nil
}

func (t *translator) op(holder, path, op string, arg any, options string) (string, error) {
	switch op {
	case "$eq":
		return call("eq", holder, path, t.arg(arg)), nil
	case "$ne":
		return "!" + call("eq", holder, path, t.arg(arg)), nil
	case "$gt", "$gte", "$lt", "$lte":
		return call(op[1:], holder, path, t.arg(arg)), nil
	case "$in", "$nin":
		list, ok := toAnySlice(arg)
		if !ok {
			return "", fmt.Errorf("%w: %s needs an array", ErrInvalidQuery, op)
		}
		expr := call("anyOf", holder, path, t.arg(list))
		if op == "$nin" {
			expr = "!" + expr
		}
		return expr, nil
	case "$exists":
		want, ok := arg.(bool)
		if !ok {
			return "", fmt.Errorf("%w: $exists needs a boolean", ErrInvalidQuery)
		}
		return call("present", holder, path, t.arg(want)), nil
	case "$regex":
		pattern, ok := arg.(string)
		if !ok {
			return "", fmt.Errorf("%w: $regex needs a string", ErrInvalidQuery)
		}
		full, err := regexSource(pattern, options)
		if err != nil {
			return "", err
		}
		if _, err := cachedRegex(full); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidQuery, err)
		}
		return call("regexMatch", holder, path, t.arg(full)), nil
	case "$not":
		inner, err := t.field(holder, path, arg)
		if err != nil {
			return "", err
		}
		return "!" + inner, nil
	case "$elemMatch":
		return t.elemMatch(holder, path, arg)
	case "$size":
		n, ok := toFloat(arg)
		if !ok {
			return "", fmt.Errorf("%w: $size needs a number", ErrInvalidQuery)
		}
		return call("sizeIs", holder, path, t.arg(n)), nil
	case "$mod":
		parts, ok := toAnySlice(arg)
		if !ok || len(parts) != 2 {
			return "", fmt.Errorf("%w: $mod needs [divisor, remainder]", ErrInvalidQuery)
		}
		div, ok1 := toFloat(parts[0])
		rem, ok2 := toFloat(parts[1])
		if !ok1 || !ok2 || div == 0 {
			return "", fmt.Errorf("%w: invalid $mod arguments", ErrInvalidQuery)
		}
		return call("modIs", holder, path, t.arg([]any{div, rem})), nil
	case "$type":
		name, ok := arg.(string)
		if !ok {
			return "", fmt.Errorf("%w: $type needs a string", ErrInvalidQuery)
		}
		return call("typeIs", holder, path, t.arg(name)), nil
	default:
		return "", fmt.Errorf("%w: unknown operator %s", ErrInvalidQuery, op)
	}
}

// elemMatch becomes a CEL exists comprehension over the array elements.
func (t *translator) elemMatch(holder, path string, arg any) (string, error) {
	sub, ok := arg.(map[string]any)
	if !ok {
		return "", fmt.Errorf("%w: $elemMatch needs an object", ErrInvalidQuery)
	}
	elem := "e" + strconv.Itoa(t.vars)
	t.vars++
	var (
		inner string
		err   error
	)
	if _, isOps := isOperatorObject(sub); isOps {
		inner, err = t.field(elem, t.arg([]string{}), sub)
	} else {
		inner, err = t.selector(elem, sub)
	}
	if err != nil {
		return "", err
	}
	return "elems(" + holder + ", " + path + ").exists(" + elem + ", " + inner + ")", nil
}

func call(fn, holder, path, arg string) string {
	return fn + "(" + holder + ", " + path + ", " + arg + ")"
}

func isOperatorObject(val any) (map[string]any, bool) {
	obj, ok := val.(map[string]any)
	if !ok || len(obj) == 0 {
		return nil, false
	}
	for k := range obj {
		if !strings.HasPrefix(k, "$") {
			return nil, false
		}
	}
	return obj, true
}
