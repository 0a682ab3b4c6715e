package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/questlog/questlog/internal/domain"
)

// Memory is an in-process Store with the same semantics as the production
// implementation: serializable transactions, predicate queries, and change
// streams. It backs tests and the offline demo mode.
type Memory struct {
	mu   sync.Mutex
	docs map[string][]byte

	subsMu sync.Mutex
	subs   map[int]*memorySub
	nextID int

	// failErr, when set, makes every remote operation fail. Tests use it
	// to simulate an unreachable or misbehaving remote.
	failErr error
}

type memorySub struct {
	collection string
	ch         chan Change
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		docs: make(map[string][]byte),
		subs: make(map[int]*memorySub),
	}
}

// SetFailure makes all subsequent operations return err; nil restores
// normal operation.
func (m *Memory) SetFailure(err error) {
	m.mu.Lock()
	m.failErr = err
	m.mu.Unlock()
}

func (m *Memory) Ping(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failErr
}

func (m *Memory) Get(_ context.Context, path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return nil, m.failErr
	}
	doc, ok := m.docs[path]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", path, domain.ErrNotFound)
	}
	out := make([]byte, len(doc))
	copy(out, doc)
	return out, nil
}

func (m *Memory) Put(_ context.Context, path string, data []byte) error {
	m.mu.Lock()
	if m.failErr != nil {
		m.mu.Unlock()
		return m.failErr
	}
	stored := make([]byte, len(data))
	copy(stored, data)
	m.docs[path] = stored
	m.mu.Unlock()

	m.emit(path, stored, false)
	return nil
}

func (m *Memory) Delete(_ context.Context, path string) error {
	m.mu.Lock()
	if m.failErr != nil {
		m.mu.Unlock()
		return m.failErr
	}
	delete(m.docs, path)
	m.mu.Unlock()

	m.emit(path, nil, true)
	return nil
}

// memoryTx implements Tx over a staged write set. The store mutex is held
// for the whole transaction, so reads are serializable.
type memoryTx struct {
	store   *Memory
	paths   map[string]bool
	writes  map[string][]byte // nil value = delete
	ordered []string
}

func (t *memoryTx) Get(path string) ([]byte, error) {
	if !t.paths[path] {
		return nil, fmt.Errorf("path %s not declared in transaction", path)
	}
	if data, ok := t.writes[path]; ok {
		if data == nil {
			return nil, fmt.Errorf("get %s: %w", path, domain.ErrNotFound)
		}
		return data, nil
	}
	doc, ok := t.store.docs[path]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", path, domain.ErrNotFound)
	}
	return doc, nil
}

func (t *memoryTx) Put(path string, data []byte) {
	stored := make([]byte, len(data))
	copy(stored, data)
	t.stage(path, stored)
}

func (t *memoryTx) Delete(path string) {
	t.stage(path, nil)
}

func (t *memoryTx) stage(path string, data []byte) {
	if _, seen := t.writes[path]; !seen {
		t.ordered = append(t.ordered, path)
	}
	t.writes[path] = data
}

func (m *Memory) RunTransaction(_ context.Context, paths []string, fn func(tx Tx) error) error {
	m.mu.Lock()
	if m.failErr != nil {
		m.mu.Unlock()
		return m.failErr
	}

	tx := &memoryTx{
		store:  m,
		paths:  make(map[string]bool, len(paths)),
		writes: make(map[string][]byte),
	}
	for _, p := range paths {
		tx.paths[p] = true
	}

	if err := fn(tx); err != nil {
		m.mu.Unlock()
		return err
	}

	type applied struct {
		path string
		data []byte
	}
	var changes []applied
	for _, path := range tx.ordered {
		data := tx.writes[path]
		if data == nil {
			delete(m.docs, path)
		} else {
			m.docs[path] = data
		}
		changes = append(changes, applied{path, data})
	}
	m.mu.Unlock()

	for _, c := range changes {
		m.emit(c.path, c.data, c.data == nil)
	}
	return nil
}

func (m *Memory) Query(ctx context.Context, q Query) ([]Doc, error) {
	m.mu.Lock()
	if m.failErr != nil {
		m.mu.Unlock()
		return nil, m.failErr
	}

	prefix := q.Collection + "/"
	var docs []Doc
	for path, data := range m.docs {
		if !strings.HasPrefix(path, prefix) {
			continue
		}
		match, err := matches(data, q)
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}
		if match {
			out := make([]byte, len(data))
			copy(out, data)
			docs = append(docs, Doc{Path: path, Data: out})
		}
	}
	m.mu.Unlock()

	if q.OrderBy != "" {
		if err := sortDocs(docs, q.OrderBy, q.Desc); err != nil {
			return nil, err
		}
	} else {
		sort.Slice(docs, func(i, j int) bool { return docs[i].Path < docs[j].Path })
	}
	if q.Limit > 0 && len(docs) > q.Limit {
		docs = docs[:q.Limit]
	}
	return docs, nil
}

func (m *Memory) Count(ctx context.Context, q Query) (int64, error) {
	q.Limit = 0
	docs, err := m.Query(ctx, q)
	if err != nil {
		return 0, err
	}
	return int64(len(docs)), nil
}

func (m *Memory) Subscribe(ctx context.Context, collection string) (<-chan Change, func(), error) {
	m.mu.Lock()
	if m.failErr != nil {
		m.mu.Unlock()
		return nil, nil, m.failErr
	}
	m.mu.Unlock()

	sub := &memorySub{collection: collection, ch: make(chan Change, 256)}
	m.subsMu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = sub
	m.subsMu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			m.subsMu.Lock()
			delete(m.subs, id)
			m.subsMu.Unlock()
			close(sub.ch)
		})
	}

	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			unsub()
		}()
	}

	return sub.ch, unsub, nil
}

func (m *Memory) Close() error { return nil }

func (m *Memory) emit(path string, data []byte, deleted bool) {
	collection, id, err := SplitPath(path)
	if err != nil {
		return
	}
	change := Change{Collection: collection, ID: id, Doc: data, Deleted: deleted}

	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, sub := range m.subs {
		if sub.collection != collection {
			continue
		}
		select {
		case sub.ch <- change:
		default:
		}
	}
}

func matches(data []byte, q Query) (bool, error) {
	if q.Field == "" {
		return true, nil
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return false, fmt.Errorf("decode document: %w", err)
	}
	got, ok := fields[q.Field]
	if !ok {
		return false, nil
	}
	return compare(got, q.Op, q.Value)
}

func compare(got any, op Op, want any) (bool, error) {
	gf, gok := toFloat(got)
	wf, wok := toFloat(want)
	if gok && wok {
		switch op {
		case OpEq:
			return gf == wf, nil
		case OpGt:
			return gf > wf, nil
		case OpLt:
			return gf < wf, nil
		}
		return false, fmt.Errorf("unsupported operator %q", op)
	}

	gs, gok := got.(string)
	ws, wok := want.(string)
	if gok && wok {
		switch op {
		case OpEq:
			return gs == ws, nil
		case OpGt:
			return gs > ws, nil
		case OpLt:
			return gs < ws, nil
		}
		return false, fmt.Errorf("unsupported operator %q", op)
	}

	return false, fmt.Errorf("incomparable values %T and %T", got, want)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func sortDocs(docs []Doc, field string, desc bool) error {
	type keyed struct {
		doc Doc
		key float64
	}
	ks := make([]keyed, len(docs))
	for i, d := range docs {
		var fields map[string]any
		if err := json.Unmarshal(d.Data, &fields); err != nil {
			return fmt.Errorf("decode document: %w", err)
		}
		f, _ := toFloat(fields[field])
		ks[i] = keyed{doc: d, key: f}
	}
	sort.SliceStable(ks, func(i, j int) bool {
		if desc {
			return ks[i].key > ks[j].key
		}
		return ks[i].key < ks[j].key
	})
	for i := range ks {
		docs[i] = ks[i].doc
	}
	return nil
}
