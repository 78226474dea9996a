package server

import (
	"github.com/kk-code-lab/docsync/internal/auth"
	"github.com/kk-code-lab/docsync/internal/mango"
	"github.com/kk-code-lab/docsync/internal/store"
)

// ChangeRow is a proposed write paired with the state the client last saw.
type ChangeRow struct {
	NewDocumentState   store.Document `json:"newDocumentState"`
	AssumedMasterState store.Document `json:"assumedMasterState,omitempty"`
}

// QueryModifier restricts a normalized query to what the identity may observe.
// It must return a query of the same shape.
type QueryModifier func(a auth.Data, q mango.Query) mango.Query

// ChangeValidator decides whether the identity may apply a change.
type ChangeValidator func(a auth.Data, row ChangeRow) bool

// IdentityQuery is the default QueryModifier: no restriction.
func IdentityQuery(_ auth.Data, q mango.Query) mango.Query { return q }

// AllowAllChanges is the default ChangeValidator.
func AllowAllChanges(auth.Data, ChangeRow) bool { return true }

// OwnerScope limits visibility to documents whose field equals the identity's
// subject. Anonymous identities see nothing.
func OwnerScope(field string) QueryModifier {
	return func(a auth.Data, q mango.Query) mango.Query {
		var owner mango.Selector
		if a.Subject == "" {
			owner = mango.Selector{field: map[string]any{"$in": []any{}}}
		} else {
			owner = mango.Selector{field: a.Subject}
		}
		out := q
		if len(q.Selector) == 0 {
			out.Selector = owner
		} else {
			out.Selector = mango.Selector{"$and": []any{map[string]any(q.Selector), map[string]any(owner)}}
		}
		return out
	}
}

// OwnerValidator admits changes whose new state, and assumed prior state when
// present, are owned by the identity's subject.
func OwnerValidator(field string) ChangeValidator {
	return func(a auth.Data, row ChangeRow) bool {
		if a.Subject == "" {
			return false
		}
		if owner, _ := row.NewDocumentState[field].(string); owner != a.Subject {
			return false
		}
		if row.AssumedMasterState != nil {
			if owner, _ := row.AssumedMasterState[field].(string); owner != a.Subject {
				return false
			}
		}
		return true
	}
}

type queryScope struct {
	primaryKey string
	modifier   QueryModifier
}

// Effective normalizes base and applies the modifier.
func (s queryScope) Effective(a auth.Data, base mango.Query) mango.Query {
	return s.modifier(a, mango.Normalize(s.primaryKey, base))
}

// Matcher compiles the identity's visibility predicate. Callers re-resolve it
// per delivery so identity and policy changes take effect immediately.
func (s queryScope) Matcher(a auth.Data) (mango.Matcher, error) {
	return mango.Compile(s.Effective(a, mango.Default()).Selector)
}
