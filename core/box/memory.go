package box

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

// MemoryBackend is an in-process Backend. It backs the development gateway
// and the pipeline tests; all state lives behind one lock.
type MemoryBackend struct {
	mu      sync.RWMutex
	boxes   map[string]*memBox
	control *memControlStore
}

// NewMemoryBackend constructs an empty backend.
func NewMemoryBackend() *MemoryBackend {
	b := &MemoryBackend{boxes: make(map[string]*memBox)}
	b.control = &memControlStore{
		mu:      &b.mu,
		records: make(map[string]map[string]Record),
	}
	return b
}

func (b *MemoryBackend) BoxExists(_ context.Context, name string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.boxes[name]
	return ok, nil
}

func (b *MemoryBackend) SchemaInUse(_ context.Context, schema string) (bool, error) {
	if schema == "" {
		return false, nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, bx := range b.boxes {
		if bx.schema == schema {
			return true, nil
		}
	}
	return false, nil
}

func (b *MemoryBackend) CreateBox(_ context.Context, spec Spec) (Box, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return nil, fmt.Errorf("box name required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.boxes[spec.Name]; ok {
		return nil, fmt.Errorf("box %s: %w", spec.Name, ErrConflict)
	}
	bx := &memBox{id: spec.ID, name: spec.Name, schema: spec.Schema}
	bx.root = &memNode{mu: &b.mu, name: "", kind: KindBox, exists: true, children: make(map[string]*memNode)}
	b.boxes[spec.Name] = bx
	return bx, nil
}

func (b *MemoryBackend) Box(_ context.Context, name string) (Box, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	bx, ok := b.boxes[name]
	if !ok {
		return nil, fmt.Errorf("box %s: %w", name, ErrNotFound)
	}
	return bx, nil
}

func (b *MemoryBackend) Control() ControlStore { return b.control }

type memBox struct {
	id     string
	name   string
	schema string
	root   *memNode
}

func (b *memBox) ID() string     { return b.id }
func (b *memBox) Name() string   { return b.name }
func (b *memBox) Schema() string { return b.schema }
func (b *memBox) Root() Node     { return b.root }

// --- control store ---

type memControlStore struct {
	mu      *sync.RWMutex
	records map[string]map[string]Record
	links   []Link
}

func (s *memControlStore) RecordSetExists(_ context.Context, name string) bool {
	switch name {
	case RecordRelation, RecordRole, RecordExtRole, RecordRule:
		return true
	default:
		return false
	}
}

func (s *memControlStore) CreateRecord(ctx context.Context, recordSet string, fields Record) error {
	if !s.RecordSetExists(ctx, recordSet) {
		return fmt.Errorf("%s: %w", recordSet, ErrNoSuchRecordSet)
	}
	key, err := ControlKey(recordSet, fields)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.records[recordSet]
	if set == nil {
		set = make(map[string]Record)
		s.records[recordSet] = set
	}
	if _, ok := set[key]; ok {
		return fmt.Errorf("%s%s: %w", recordSet, key, ErrConflict)
	}
	set[key] = cloneRecord(fields)
	return nil
}

func (s *memControlStore) BulkCreateRecords(ctx context.Context, items []*BulkItem) error {
	for _, item := range items {
		if item == nil || item.Err != nil {
			continue
		}
		item.Err = s.CreateRecord(ctx, item.RecordSet, item.Record)
	}
	return nil
}

func (s *memControlStore) CreateLink(_ context.Context, src RecordRef, navProp string, dst RecordRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[src.Type][src.Key]; !ok {
		return fmt.Errorf("%s%s: %w", src.Type, src.Key, ErrNotFound)
	}
	if _, ok := s.records[dst.Type][dst.Key]; !ok {
		return fmt.Errorf("%s%s: %w", dst.Type, dst.Key, ErrNotFound)
	}
	for _, l := range s.links {
		if l.From == src && l.To == dst {
			return fmt.Errorf("link %s%s -> %s%s: %w", src.Type, src.Key, dst.Type, dst.Key, ErrConflict)
		}
	}
	s.links = append(s.links, Link{From: src, NavProp: navProp, To: dst})
	return nil
}

func (s *memControlStore) Get(_ context.Context, ref RecordRef) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[ref.Type][ref.Key]
	if !ok {
		return nil, fmt.Errorf("%s%s: %w", ref.Type, ref.Key, ErrNotFound)
	}
	return cloneRecord(rec), nil
}

func (s *memControlStore) List(_ context.Context, recordSet, boxName string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.records[recordSet]
	keys := make([]string, 0, len(set))
	for key, rec := range set {
		if BoxOf(recordSet, rec) == boxName {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	out := make([]Record, 0, len(keys))
	for _, key := range keys {
		out = append(out, cloneRecord(set[key]))
	}
	return out, nil
}

func (s *memControlStore) Links(_ context.Context, boxName string) ([]Link, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Link
	for _, l := range s.links {
		rec, ok := s.records[l.From.Type][l.From.Key]
		if !ok || BoxOf(l.From.Type, rec) != boxName {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

// --- resource tree ---

type memNode struct {
	mu          *sync.RWMutex
	parent      *memNode
	name        string
	kind        Kind
	exists      bool
	children    map[string]*memNode
	acl         ACL
	props       []Property
	contentType string
	body        []byte
	data        *memDataStore
}

func (n *memNode) Name() string { return n.name }

func (n *memNode) Path() string {
	if n.parent == nil {
		return RootPath
	}
	return n.parent.Path() + "/" + n.name
}

func (n *memNode) Kind() Kind {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.kind
}

func (n *memNode) Exists() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.exists
}

func (n *memNode) GetOrCreateChild(_ context.Context, name string) (Node, error) {
	if name == "" || strings.Contains(name, "/") {
		return nil, fmt.Errorf("invalid resource name %q", name)
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	if !n.exists {
		return nil, fmt.Errorf("%s: %w", n.Path(), ErrNotFound)
	}
	if child, ok := n.children[name]; ok {
		return child, nil
	}
	return &memNode{mu: n.mu, parent: n, name: name}, nil
}

// attach links a placeholder into its parent. Callers hold the write lock.
func (n *memNode) attach() error {
	p := n.parent
	if p == nil {
		return nil
	}
	if !p.exists {
		return fmt.Errorf("%s: %w", p.Path(), ErrNotFound)
	}
	switch p.kind {
	case KindBox, KindFileCollection, KindExecutableCollection:
	default:
		return fmt.Errorf("%s: %w", p.Path(), ErrNotCollection)
	}
	if existing, ok := p.children[n.name]; ok && existing != n {
		return fmt.Errorf("%s: %w", n.Path(), ErrConflict)
	}
	p.children[n.name] = n
	return nil
}

func (n *memNode) MkdirWithKind(_ context.Context, kind Kind) error {
	if !kind.IsCollection() || kind == KindBox {
		return fmt.Errorf("mkdir %s as %s: %w", n.Path(), kind, ErrKindMismatch)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if existing, ok := n.siblingLocked(); ok {
		if existing.kind == kind {
			return nil
		}
		return fmt.Errorf("%s exists as %s: %w", n.Path(), existing.kind, ErrConflict)
	}
	if n.exists {
		if n.kind == kind {
			return nil
		}
		return fmt.Errorf("%s exists as %s: %w", n.Path(), n.kind, ErrConflict)
	}
	if err := n.attach(); err != nil {
		return err
	}
	n.kind = kind
	n.exists = true
	n.children = make(map[string]*memNode)
	switch kind {
	case KindDataCollection:
		n.data = newMemDataStore()
	case KindExecutableCollection:
		n.children[SourceHolderName] = &memNode{
			mu: n.mu, parent: n, name: SourceHolderName, kind: KindFileCollection,
			exists: true, children: make(map[string]*memNode),
		}
	}
	return nil
}

// siblingLocked returns a node already attached under the same name when n
// is a stale placeholder.
func (n *memNode) siblingLocked() (*memNode, bool) {
	if n.parent == nil || n.exists {
		return nil, false
	}
	existing, ok := n.parent.children[n.name]
	if !ok || existing == n {
		return nil, false
	}
	return existing, true
}

func (n *memNode) PutFile(_ context.Context, contentType string, body io.Reader) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("read body for %s: %w", n.Path(), err)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	target := n
	if existing, ok := n.siblingLocked(); ok {
		target = existing
	}
	if target.exists && target.kind != KindFile {
		return fmt.Errorf("%s exists as %s: %w", target.Path(), target.kind, ErrConflict)
	}
	if !target.exists {
		if err := target.attach(); err != nil {
			return err
		}
		target.kind = KindFile
		target.exists = true
	}
	target.contentType = contentType
	target.body = data
	return nil
}

func (n *memNode) ApplyACL(_ context.Context, acl ACL) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.exists {
		return fmt.Errorf("%s: %w", n.Path(), ErrNotFound)
	}
	n.acl = cloneACL(acl)
	return nil
}

func (n *memNode) ApplyProperties(_ context.Context, props []Property) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.exists {
		return fmt.Errorf("%s: %w", n.Path(), ErrNotFound)
	}
	for _, p := range props {
		replaced := false
		for i := range n.props {
			if n.props[i].Namespace == p.Namespace && n.props[i].Name == p.Name {
				n.props[i].Value = p.Value
				replaced = true
				break
			}
		}
		if !replaced {
			n.props = append(n.props, p)
		}
	}
	return nil
}

func (n *memNode) ChildCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.children)
}

func (n *memNode) Children(_ context.Context) ([]Node, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]Node, 0, len(names))
	for _, name := range names {
		out = append(out, n.children[name])
	}
	return out, nil
}

func (n *memNode) ACL() ACL {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return cloneACL(n.acl)
}

func (n *memNode) Properties() []Property {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return append([]Property(nil), n.props...)
}

func (n *memNode) ContentType() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.contentType
}

func (n *memNode) Open(_ context.Context) (io.ReadCloser, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if !n.exists || n.kind != KindFile {
		return nil, fmt.Errorf("%s: %w", n.Path(), ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(n.body)), nil
}

func (n *memNode) Data() DataStore {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.data == nil {
		return nil
	}
	return n.data
}

func cloneACL(acl ACL) ACL {
	out := ACL{Base: acl.Base}
	for _, ace := range acl.ACEs {
		out.ACEs = append(out.ACEs, ACE{
			Principal:  ace.Principal,
			Privileges: append([]Privilege(nil), ace.Privileges...),
		})
	}
	return out
}

func cloneRecord(r Record) Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
