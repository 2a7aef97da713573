package oplog

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cortexworks/wexec/pkg/types"
)

// Search runs query against the human-readable rendering of every
// surviving entry and returns the indices of matching entries, in
// ascending order. No full-text-indexing library appears anywhere in
// this module's retrieval pack, so matching is a small hand-rolled
// conjunctive/disjunctive token matcher rather than a dependency on an
// external search engine.
func (l *Log) Search(ctx context.Context, query string) ([]types.OplogIndex, error) {
	q, err := ParseQuery(query)
	if err != nil {
		return nil, fmt.Errorf("oplog: %w", err)
	}
	length, err := l.Length(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := l.Read(ctx, 1, length, false)
	if err != nil {
		return nil, err
	}
	var out []types.OplogIndex
	for _, e := range entries {
		if q.Matches(render(e.Value)) {
			out = append(out, e.Index)
		}
	}
	return out, nil
}

// render produces the string a search query is matched against: the
// entry's kind plus a flattened "field:value" rendering of its
// JSON-serialized payload, so `field:value` filters in a query can
// address any struct field by its JSON tag.
func render(entry types.OplogEntry) string {
	var sb strings.Builder
	sb.WriteString("kind:")
	sb.WriteString(string(entry.Kind))

	raw, err := json.Marshal(entry)
	if err != nil {
		return sb.String()
	}
	var asMap map[string]json.RawMessage
	if err := json.Unmarshal(raw, &asMap); err != nil {
		return sb.String()
	}
	for field, v := range asMap {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			sb.WriteByte(' ')
			sb.WriteString(field)
			sb.WriteByte(':')
			sb.WriteString(s)
			continue
		}
		sb.WriteByte(' ')
		sb.WriteString(field)
		sb.WriteByte(':')
		sb.Write(v)
	}
	return sb.String()
}

// Query is a parsed search expression: a disjunction ("OR") of
// conjunctions ("AND", the implicit join between space-separated
// terms). Each term is either a bare substring or a `field:value`
// filter.
type Query struct {
	// Clauses are OR'd together; Clauses[i] is a conjunction of Terms.
	Clauses [][]Term
}

// Term is one atomic predicate: either Field is empty (a bare substring
// match against the whole rendering) or Field names a `field:value`
// filter.
type Term struct {
	Field string
	Value string
}

// ParseQuery parses the conjunction/disjunction/field-filter grammar
// described here: terms are whitespace-separated and
// implicitly AND'd; the literal token "OR" starts a new disjunctive
// clause; `field:value` restricts a term to one rendered field.
func ParseQuery(query string) (*Query, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("empty query")
	}
	var clauses [][]Term
	var current []Term
	for _, tok := range strings.Fields(query) {
		if strings.EqualFold(tok, "OR") {
			if len(current) == 0 {
				return nil, fmt.Errorf("dangling OR in query %q", query)
			}
			clauses = append(clauses, current)
			current = nil
			continue
		}
		if field, value, ok := strings.Cut(tok, ":"); ok {
			current = append(current, Term{Field: field, Value: value})
		} else {
			current = append(current, Term{Value: tok})
		}
	}
	if len(current) == 0 {
		return nil, fmt.Errorf("dangling OR in query %q", query)
	}
	clauses = append(clauses, current)
	return &Query{Clauses: clauses}, nil
}

// Matches reports whether rendered satisfies the query: at least one
// clause (disjunction) whose every term (conjunction) is satisfied.
func (q *Query) Matches(rendered string) bool {
	lower := strings.ToLower(rendered)
	for _, clause := range q.Clauses {
		if allMatch(clause, lower) {
			return true
		}
	}
	return false
}

func allMatch(terms []Term, lower string) bool {
	for _, t := range terms {
		needle := strings.ToLower(t.Value)
		if t.Field == "" {
			if !strings.Contains(lower, needle) {
				return false
			}
			continue
		}
		filter := strings.ToLower(t.Field) + ":" + needle
		if !strings.Contains(lower, filter) {
			return false
		}
	}
	return true
}
