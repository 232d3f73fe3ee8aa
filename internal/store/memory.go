package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Memory is an in-memory Store. A single mutex guards all collections;
// RunTransaction holds it for the whole callback and stages writes so a
// failed transaction leaves nothing behind. Used by tests and available as a
// storage backend for throwaway local runs.
type Memory struct {
	mu   sync.Mutex
	data map[string]map[string]json.RawMessage
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]map[string]json.RawMessage)}
}

func (m *Memory) Get(_ context.Context, collection, id string, out any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.data[collection][id]
	if !ok {
		return ErrNotFound
	}
	return json.Unmarshal(raw, out)
}

func (m *Memory) Set(_ context.Context, collection, id string, doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setLocked(collection, id, raw)
	return nil
}

func (m *Memory) Update(_ context.Context, collection, id string, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.data[collection][id]
	if !ok {
		return ErrNotFound
	}
	merged, err := mergeFields(raw, fields)
	if err != nil {
		return err
	}
	m.setLocked(collection, id, merged)
	return nil
}

func (m *Memory) Query(_ context.Context, collection string, q Query, out any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return queryDocs(m.data[collection], nil, q, out)
}

// RunTransaction holds the store lock for the duration of fn. Writes are
// staged and merged in only if fn returns nil, so partial application is
// impossible. fn must use the Tx it is given, never the store itself.
func (m *Memory) RunTransaction(_ context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memoryTx{store: m, staged: make(map[string]map[string]json.RawMessage)}
	if err := fn(tx); err != nil {
		return err
	}
	for collection, docs := range tx.staged {
		for id, raw := range docs {
			m.setLocked(collection, id, raw)
		}
	}
	return nil
}

func (m *Memory) Close() error {
	return nil
}

func (m *Memory) setLocked(collection, id string, raw json.RawMessage) {
	if m.data[collection] == nil {
		m.data[collection] = make(map[string]json.RawMessage)
	}
	m.data[collection][id] = raw
}

// memoryTx overlays staged writes on the base store. The store lock is held
// by RunTransaction while the Tx is live.
type memoryTx struct {
	store  *Memory
	staged map[string]map[string]json.RawMessage
}

func (t *memoryTx) get(collection, id string) (json.RawMessage, bool) {
	if raw, ok := t.staged[collection][id]; ok {
		return raw, true
	}
	raw, ok := t.store.data[collection][id]
	return raw, ok
}

func (t *memoryTx) put(collection, id string, raw json.RawMessage) {
	if t.staged[collection] == nil {
		t.staged[collection] = make(map[string]json.RawMessage)
	}
	t.staged[collection][id] = raw
}

func (t *memoryTx) Get(_ context.Context, collection, id string, out any) error {
	raw, ok := t.get(collection, id)
	if !ok {
		return ErrNotFound
	}
	return json.Unmarshal(raw, out)
}

func (t *memoryTx) Set(_ context.Context, collection, id string, doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	t.put(collection, id, raw)
	return nil
}

func (t *memoryTx) Update(_ context.Context, collection, id string, fields map[string]any) error {
	raw, ok := t.get(collection, id)
	if !ok {
		return ErrNotFound
	}
	merged, err := mergeFields(raw, fields)
	if err != nil {
		return err
	}
	t.put(collection, id, merged)
	return nil
}

func (t *memoryTx) Query(_ context.Context, collection string, q Query, out any) error {
	return queryDocs(t.store.data[collection], t.staged[collection], q, out)
}

// mergeFields applies fields (JSON names) onto an existing raw document.
func mergeFields(raw json.RawMessage, fields map[string]any) (json.RawMessage, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal document: %w", err)
	}
	for field, value := range fields {
		normalized, err := normalizeValue(value)
		if err != nil {
			return nil, err
		}
		if normalized == nil {
			delete(doc, field)
			continue
		}
		doc[field] = normalized
	}
	merged, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	return merged, nil
}

// normalizeValue round-trips a Go value through JSON so comparisons happen in
// the same value domain as decoded documents (float64, string, bool, nil).
func normalizeValue(value any) (any, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal filter value: %w", err)
	}
	var normalized any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return nil, err
	}
	return normalized, nil
}

// queryDocs filters, orders, and limits documents from base overlaid by
// staged, then decodes the result into out (a pointer to a slice).
func queryDocs(base, staged map[string]json.RawMessage, q Query, out any) error {
	type candidate struct {
		raw    json.RawMessage
		fields map[string]any
	}

	seen := make(map[string]struct{}, len(staged))
	var matches []candidate
	consider := func(id string, raw json.RawMessage) error {
		if _, dup := seen[id]; dup {
			return nil
		}
		seen[id] = struct{}{}
		var fields map[string]any
		if err := json.Unmarshal(raw, &fields); err != nil {
			return fmt.Errorf("unmarshal document: %w", err)
		}
		for _, f := range q.Filters {
			ok, err := matchFilter(fields[f.Field], f)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
		}
		matches = append(matches, candidate{raw: raw, fields: fields})
		return nil
	}

	for id, raw := range staged {
		if err := consider(id, raw); err != nil {
			return err
		}
	}
	for id, raw := range base {
		if err := consider(id, raw); err != nil {
			return err
		}
	}

	if q.OrderBy != "" {
		var sortErr error
		sort.SliceStable(matches, func(i, j int) bool {
			cmp, err := compareValues(matches[i].fields[q.OrderBy], matches[j].fields[q.OrderBy])
			if err != nil && sortErr == nil {
				sortErr = err
			}
			if q.Descending {
				return cmp > 0
			}
			return cmp < 0
		})
		if sortErr != nil {
			return sortErr
		}
	}

	if q.Limit > 0 && len(matches) > q.Limit {
		matches = matches[:q.Limit]
	}

	array := make([]byte, 0, 64)
	array = append(array, '[')
	for i, c := range matches {
		if i > 0 {
			array = append(array, ',')
		}
		array = append(array, c.raw...)
	}
	array = append(array, ']')
	return json.Unmarshal(array, out)
}

func matchFilter(docValue any, f Filter) (bool, error) {
	want, err := normalizeValue(f.Value)
	if err != nil {
		return false, err
	}
	cmp, err := compareValues(docValue, want)
	if err != nil {
		return false, err
	}
	switch f.Op {
	case OpEq:
		return cmp == 0, nil
	case OpLt:
		return cmp < 0, nil
	default:
		return false, fmt.Errorf("unsupported filter op %q", f.Op)
	}
}

// compareValues orders two JSON-decoded values. Absent fields sort before
// everything else so filters on missing fields simply do not match.
func compareValues(a, b any) (int, error) {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0, nil
		case a == nil:
			return -1, nil
		default:
			return 1, nil
		}
	}
	switch av := a.(type) {
	case float64:
		bv, ok := b.(float64)
		if !ok {
			return 0, fmt.Errorf("cannot compare number with %T", b)
		}
		switch {
		case av < bv:
			return -1, nil
		case av > bv:
			return 1, nil
		default:
			return 0, nil
		}
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, fmt.Errorf("cannot compare string with %T", b)
		}
		switch {
		case av < bv:
			return -1, nil
		case av > bv:
			return 1, nil
		default:
			return 0, nil
		}
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0, fmt.Errorf("cannot compare bool with %T", b)
		}
		if av == bv {
			return 0, nil
		}
		if !av {
			return -1, nil
		}
		return 1, nil
	default:
		return 0, fmt.Errorf("unsupported comparison type %T", a)
	}
}
