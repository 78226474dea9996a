package mango

import (
	"fmt"
	"math"
	"regexp"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/jellydator/ttlcache/v3"
)

// Matcher reports whether a document satisfies a compiled selector.
type Matcher func(doc map[string]any) bool

// MatchAll accepts every document.
func MatchAll(map[string]any) bool { return true }

const (
	programCacheSize = 512
	regexCacheSize   = 256
)

var (
	env = mustEnv()

	programs = ttlcache.New[string, cel.Program](
		ttlcache.WithCapacity[string, cel.Program](programCacheSize),
	)
	regexes = ttlcache.New[string, *regexp.Regexp](
		ttlcache.WithCapacity[string, *regexp.Regexp](regexCacheSize),
	)
)

// Compile turns a selector into a Matcher backed by a CEL program. A nil or
// empty selector matches everything.
func Compile(selector Selector) (Matcher, error) {
	if len(selector) == 0 {
		return MatchAll, nil
	}
	expr, args, err := toCEL(selector)
	if err != nil {
		return nil, err
	}
	prg, err := program(expr)
	if err != nil {
		return nil, err
	}
	return func(doc map[string]any) bool {
		out, _, err := prg.Eval(map[string]any{"doc": doc, "args": args})
		if err != nil {
			return false
		}
		b, ok := out.(types.Bool)
		return ok && bool(b)
	}, nil
}

// MustCompile is Compile for selectors known to be valid.
func MustCompile(selector Selector) Matcher {
	m, err := Compile(selector)
	if err != nil {
		panic(err)
	}
	return m
}

func program(expr string) (cel.Program, error) {
	if item := programs.Get(expr); item != nil {
		return item.Value(), nil
	}
	ast, iss := env.Compile(expr)
	if iss.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQuery, iss.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}
	programs.Set(expr, prg, ttlcache.DefaultTTL)
	return prg, nil
}

func cachedRegex(source string) (*regexp.Regexp, error) {
	if item := regexes.Get(source); item != nil {
		return item.Value(), nil
	}
	re, err := regexp.Compile(source)
	if err != nil {
		return nil, err
	}
	regexes.Set(source, re, ttlcache.DefaultTTL)
	return re, nil
}

// The CEL environment declares the document, the operand list and the
// Mango value predicates. Comparisons go through these functions rather
// than CEL operators: Mango compares across types by collation and matches
// array fields element-wise, where CEL would raise a type error.
func mustEnv() *cel.Env {
	e, err := cel.NewEnv(
		cel.Variable("doc", cel.DynType),
		cel.Variable("args", cel.ListType(cel.DynType)),
		fieldFunction("eq", func(v any, present bool, want any) bool {
			return eqPred(want)(v, present)
		}),
		fieldFunction("gt", rangeFunction("$gt")),
		fieldFunction("gte", rangeFunction("$gte")),
		fieldFunction("lt", rangeFunction("$lt")),
		fieldFunction("lte", rangeFunction("$lte")),
		fieldFunction("anyOf", func(v any, present bool, list any) bool {
			items, _ := toAnySlice(list)
			for _, item := range items {
				if eqPred(item)(v, present) {
					return true
				}
			}
			return false
		}),
		fieldFunction("present", func(_ any, present bool, want any) bool {
			w, _ := want.(bool)
			return present == w
		}),
		fieldFunction("regexMatch", func(v any, present bool, source any) bool {
			s, _ := source.(string)
			re, err := cachedRegex(s)
			if err != nil {
				return false
			}
			return anyElement(func(e any) bool {
				str, ok := e.(string)
				return ok && re.MatchString(str)
			})(v, present)
		}),
		fieldFunction("sizeIs", func(v any, present bool, n any) bool {
			want, _ := toFloat(n)
			arr, ok := v.([]any)
			return present && ok && float64(len(arr)) == want
		}),
		fieldFunction("modIs", func(v any, present bool, spec any) bool {
			parts, _ := toAnySlice(spec)
			if len(parts) != 2 {
				return false
			}
			div, _ := toFloat(parts[0])
			rem, _ := toFloat(parts[1])
			return anyElement(func(e any) bool {
				f, ok := toFloat(e)
				return ok && math.Mod(math.Trunc(f), div) == rem
			})(v, present)
		}),
		fieldFunction("typeIs", func(v any, present bool, name any) bool {
			return present && typeName(v) == name
		}),
		cel.Function("elems",
			cel.Overload("elems_dyn_dyn", []*cel.Type{cel.DynType, cel.DynType}, cel.ListType(cel.DynType),
				cel.BinaryBinding(func(holder, path ref.Val) ref.Val {
					v, ok := resolve(holder, path)
					arr, isArr := v.([]any)
					if !ok || !isArr {
						arr = []any{}
					}
					return types.DefaultTypeAdapter.NativeToValue(arr)
				}))),
	)
	if err != nil {
		panic(fmt.Sprintf("mango: cel environment: %v", err))
	}
	return e
}

// fieldFunction declares fn(holder, path, operand) -> bool where holder is a
// document or array element and path is the split field path inside it.
func fieldFunction(name string, fn func(v any, present bool, operand any) bool) cel.EnvOption {
	return cel.Function(name,
		cel.Overload(name+"_dyn_dyn_dyn", []*cel.Type{cel.DynType, cel.DynType, cel.DynType}, cel.BoolType,
			cel.FunctionBinding(func(args ...ref.Val) ref.Val {
				v, ok := resolve(args[0], args[1])
				return types.Bool(fn(v, ok, native(args[2])))
			})))
}

func rangeFunction(op string) func(any, bool, any) bool {
	return func(v any, present bool, bound any) bool {
		return rangePred(op, bound)(v, present)
	}
}

func resolve(holder, path ref.Val) (any, bool) {
	h := native(holder)
	segs, _ := native(path).([]string)
	if len(segs) == 0 {
		return h, true
	}
	return lookupValue(h, segs)
}

// native unwraps a CEL value into the Go value it adapts.
func native(v ref.Val) any {
	if _, ok := v.(types.Null); ok {
		return nil
	}
	return v.Value()
}
