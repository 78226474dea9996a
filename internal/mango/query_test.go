package mango

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func doc(t *testing.T, raw string) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &out))
	return out
}

func sel(t *testing.T, raw string) Selector {
	t.Helper()
	return Selector(doc(t, raw))
}

func TestDoesContainRegexQuerySelector(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		sel  string
		want bool
	}{
		{"top level field", `{"a":{"$regex":"x"}}`, true},
		{"inside $in array", `{"a":{"$in":[{"$regex":"x"}]}}`, true},
		{"inside $or", `{"$or":[{"a":1},{"b":{"$regex":"^y"}}]}`, true},
		{"deeply nested", `{"a":{"$elemMatch":{"b":{"$not":{"$regex":"z"}}}}}`, true},
		{"plain equality", `{"a":1}`, false},
		{"regex as value not key", `{"a":"$regex"}`, false},
		{"empty", `{}`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, DoesContainRegexQuerySelector(sel(t, tc.sel)))
		})
	}
	assert.False(t, DoesContainRegexQuerySelector(nil))
	assert.True(t, DoesContainRegexQuerySelector([]any{map[string]any{"$regex": "a"}}))
}

func TestMatcherOperators(t *testing.T) {
	t.Parallel()
	d := doc(t, `{"id":"a1","age":30,"name":"Alice","tags":["x","y"],"owner":{"id":"u1"},"items":[{"n":1},{"n":5}],"flag":false}`)
	cases := []struct {
		sel  string
		want bool
	}{
		{`{"age":30}`, true},
		{`{"age":{"$eq":30}}`, true},
		{`{"age":{"$ne":30}}`, false},
		{`{"age":{"$gt":29,"$lte":30}}`, true},
		{`{"age":{"$gt":"29"}}`, false},
		{`{"name":{"$in":["Bob","Alice"]}}`, true},
		{`{"name":{"$nin":["Bob","Alice"]}}`, false},
		{`{"tags":"y"}`, true},
		{`{"tags":{"$size":2}}`, true},
		{`{"owner.id":"u1"}`, true},
		{`{"owner.id":"u2"}`, false},
		{`{"missing":{"$exists":false}}`, true},
		{`{"flag":{"$exists":true}}`, true},
		{`{"name":{"$regex":"^ali","$options":"i"}}`, true},
		{`{"name":{"$regex":"^ali"}}`, false},
		{`{"name":{"$not":{"$regex":"^B"}}}`, true},
		{`{"items":{"$elemMatch":{"n":{"$gt":4}}}}`, true},
		{`{"items":{"$elemMatch":{"n":{"$gt":9}}}}`, false},
		{`{"age":{"$mod":[7,2]}}`, true},
		{`{"age":{"$type":"number"}}`, true},
		{`{"$or":[{"age":1},{"name":"Alice"}]}`, true},
		{`{"$and":[{"age":30},{"name":"Bob"}]}`, false},
		{`{"$nor":[{"age":1},{"name":"Bob"}]}`, true},
		{`{"items.1.n":5}`, true},
	}
	for _, tc := range cases {
		m, err := Compile(sel(t, tc.sel))
		require.NoError(t, err, tc.sel)
		assert.Equal(t, tc.want, m(d), tc.sel)
	}
}

func TestMatcherGoValues(t *testing.T) {
	t.Parallel()
	m := MustCompile(Selector{"owner": "u1", "n": map[string]any{"$gte": 2}})
	assert.True(t, m(map[string]any{"owner": "u1", "n": float64(3)}))
	assert.True(t, m(map[string]any{"owner": "u1", "n": 2}))
	assert.False(t, m(map[string]any{"owner": "u2", "n": 3}))
}

func TestCompileRejectsUnknownOperators(t *testing.T) {
	t.Parallel()
	_, err := Compile(sel(t, `{"a":{"$wat":1}}`))
	assert.ErrorIs(t, err, ErrInvalidQuery)
	_, err = Compile(sel(t, `{"$where":"1"}`))
	assert.ErrorIs(t, err, ErrInvalidQuery)
	_, err = Compile(sel(t, `{"a":{"$regex":"("}}`))
	assert.ErrorIs(t, err, ErrInvalidQuery)
}

func TestNormalizeAppendsPrimaryKey(t *testing.T) {
	t.Parallel()
	q := Normalize("id", Query{Sort: []map[string]string{{"age": "DESC"}}, Skip: -3})
	assert.Equal(t, Selector{}, q.Selector)
	assert.Equal(t, 0, q.Skip)
	assert.Equal(t, []map[string]string{{"age": "desc"}, {"id": "asc"}}, q.Sort)

	q = Normalize("id", Query{})
	assert.Equal(t, []map[string]string{{"id": "asc"}}, q.Sort)
}

func TestApplySortSkipLimit(t *testing.T) {
	t.Parallel()
	docs := []map[string]any{
		doc(t, `{"id":"c","age":1}`),
		doc(t, `{"id":"a","age":3}`),
		doc(t, `{"id":"b","age":2}`),
		doc(t, `{"id":"d","age":9,"hidden":true}`),
	}
	q := Normalize("id", Query{
		Selector: sel(t, `{"hidden":{"$exists":false}}`),
		Sort:     []map[string]string{{"age": "desc"}},
		Skip:     1,
		Limit:    1,
	})
	out, err := Apply(docs, q)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "b", out[0]["id"])
	assert.Equal(t, "c", docs[0]["id"], "input order must be preserved")
}

func TestValidate(t *testing.T) {
	t.Parallel()
	assert.NoError(t, Query{Sort: []map[string]string{{"a": "asc"}}}.Validate())
	assert.ErrorIs(t, Query{Sort: []map[string]string{{"a": "up"}}}.Validate(), ErrInvalidQuery)
	assert.ErrorIs(t, Query{Sort: []map[string]string{{"a": "asc", "b": "asc"}}}.Validate(), ErrInvalidQuery)
	assert.ErrorIs(t, Query{Limit: -1}.Validate(), ErrInvalidQuery)
}

func TestCompareCollation(t *testing.T) {
	t.Parallel()
	ordered := []any{nil, false, true, float64(-1), 2, "a", "b", []any{"a"}, map[string]any{"a": 1}}
	for i := 0; i+1 < len(ordered); i++ {
		assert.Equal(t, -1, Compare(ordered[i], ordered[i+1]), "%v < %v", ordered[i], ordered[i+1])
		assert.Equal(t, 1, Compare(ordered[i+1], ordered[i]))
	}
	assert.Equal(t, 0, Compare(3, float64(3)))
}

func TestMatcherArrayAndNullSemantics(t *testing.T) {
	t.Parallel()
	d := doc(t, `{"tags":["go","db"],"scores":[3,9],"groups":[{"tags":["a"]},{"tags":["b","c"]}],"gone":null}`)
	cases := []struct {
		sel  string
		want bool
	}{
		{`{"tags":{"$elemMatch":{"$eq":"db"}}}`, true},
		{`{"tags":{"$elemMatch":{"$regex":"^x"}}}`, false},
		{`{"scores":{"$gt":8}}`, true},
		{`{"scores":{"$elemMatch":{"$gt":3,"$lt":9}}}`, false},
		{`{"groups":{"$elemMatch":{"tags":{"$elemMatch":{"$eq":"c"}}}}}`, true},
		{`{"groups":{"$elemMatch":{"tags":{"$size":3}}}}`, false},
		{`{"gone":null}`, true},
		{`{"missing":null}`, true},
		{`{"gone":{"$exists":true}}`, true},
		{`{"gone":{"$type":"null"}}`, true},
		{`{"$or":[]}`, false},
		{`{"$and":[]}`, true},
		{`{"tags":{"$not":{"$in":["go"]}}}`, false},
	}
	for _, tc := range cases {
		m, err := Compile(sel(t, tc.sel))
		require.NoError(t, err, tc.sel)
		assert.Equal(t, tc.want, m(d), tc.sel)
	}
}

func TestSelectorsWithSameShapeShareAProgram(t *testing.T) {
	t.Parallel()
	exprA, argsA, err := toCEL(sel(t, `{"owner":"u1","n":{"$gt":1}}`))
	require.NoError(t, err)
	exprB, argsB, err := toCEL(sel(t, `{"owner":"u2","n":{"$gt":7}}`))
	require.NoError(t, err)

	assert.Equal(t, `(gt(doc, args[0], args[1]) && eq(doc, args[2], args[3]))`, exprA)
	assert.Equal(t, exprA, exprB)
	assert.Equal(t, []any{[]string{"n"}, float64(1), []string{"owner"}, "u1"}, argsA)
	assert.Equal(t, "u2", argsB[3])

	first, err := program(exprA)
	require.NoError(t, err)
	second, err := program(exprB)
	require.NoError(t, err)
	assert.True(t, first == second)

	a := MustCompile(sel(t, `{"owner":"u1","n":{"$gt":1}}`))
	b := MustCompile(sel(t, `{"owner":"u2","n":{"$gt":7}}`))
	d := doc(t, `{"owner":"u1","n":5}`)
	assert.True(t, a(d))
	assert.False(t, b(d))
}
