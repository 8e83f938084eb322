package box

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestMemoryBackendBoxLifecycle(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	bx, err := b.CreateBox(ctx, Spec{ID: "id1", Name: "box1", Schema: "https://app/"})
	if err != nil {
		t.Fatalf("create box: %v", err)
	}
	if bx.Root().Path() != RootPath || bx.Root().Kind() != KindBox {
		t.Fatalf("unexpected root %s %s", bx.Root().Path(), bx.Root().Kind())
	}
	if ok, _ := b.BoxExists(ctx, "box1"); !ok {
		t.Fatalf("expected box to exist")
	}
	if ok, _ := b.SchemaInUse(ctx, "https://app/"); !ok {
		t.Fatalf("expected schema in use")
	}
	if ok, _ := b.SchemaInUse(ctx, ""); ok {
		t.Fatalf("empty schema never conflicts")
	}
	if _, err := b.CreateBox(ctx, Spec{Name: "box1"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if _, err := b.Box(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryNodePlaceholderAndMkdir(t *testing.T) {
	ctx := context.Background()
	bx, _ := NewMemoryBackend().CreateBox(ctx, Spec{Name: "b"})
	root := bx.Root()

	child, err := root.GetOrCreateChild(ctx, "svc")
	if err != nil {
		t.Fatalf("get child: %v", err)
	}
	if child.Exists() || root.ChildCount() != 0 {
		t.Fatalf("placeholder must not be attached")
	}
	if err := child.MkdirWithKind(ctx, KindExecutableCollection); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := child.MkdirWithKind(ctx, KindExecutableCollection); err != nil {
		t.Fatalf("mkdir same kind should be idempotent: %v", err)
	}
	if child.Path() != "dcbox:/svc" {
		t.Fatalf("unexpected path %s", child.Path())
	}
	src, _ := child.GetOrCreateChild(ctx, SourceHolderName)
	if !src.Exists() || src.Kind() != KindFileCollection {
		t.Fatalf("expected auto-created source holder")
	}

	again, _ := root.GetOrCreateChild(ctx, "svc")
	if err := again.MkdirWithKind(ctx, KindFileCollection); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected kind conflict, got %v", err)
	}
}

func TestMemoryNodeFiles(t *testing.T) {
	ctx := context.Background()
	bx, _ := NewMemoryBackend().CreateBox(ctx, Spec{Name: "b"})
	root := bx.Root()

	f, _ := root.GetOrCreateChild(ctx, "readme.txt")
	if err := f.PutFile(ctx, "text/plain", strings.NewReader("hello")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := f.PutFile(ctx, "text/plain", strings.NewReader("hello again")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	rc, err := f.Open(ctx)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	body, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(body) != "hello again" {
		t.Fatalf("unexpected body %q", body)
	}

	under, _ := f.GetOrCreateChild(ctx, "x")
	if err := under.PutFile(ctx, "text/plain", strings.NewReader("")); !errors.Is(err, ErrNotCollection) {
		t.Fatalf("expected not collection, got %v", err)
	}

	if err := f.ApplyACL(ctx, ACL{Base: "https://app/b/__role/__/", ACEs: []ACE{{Principal: "reader", Privileges: []Privilege{{Namespace: "DAV:", Name: "read"}}}}}); err != nil {
		t.Fatalf("acl: %v", err)
	}
	if f.ACL().ACEs[0].Principal != "reader" {
		t.Fatalf("acl not stored")
	}
	_ = f.ApplyProperties(ctx, []Property{{Namespace: "urn:x", Name: "p", Value: "1"}})
	_ = f.ApplyProperties(ctx, []Property{{Namespace: "urn:x", Name: "p", Value: "2"}, {Name: "q", Value: "3"}})
	props := f.Properties()
	if len(props) != 2 || props[0].Value != "2" {
		t.Fatalf("unexpected props %+v", props)
	}
}

func TestMemoryChildrenSorted(t *testing.T) {
	ctx := context.Background()
	bx, _ := NewMemoryBackend().CreateBox(ctx, Spec{Name: "b"})
	for _, name := range []string{"c", "a", "b"} {
		n, _ := bx.Root().GetOrCreateChild(ctx, name)
		if err := n.MkdirWithKind(ctx, KindFileCollection); err != nil {
			t.Fatalf("mkdir %s: %v", name, err)
		}
	}
	children, _ := bx.Root().Children(ctx)
	var names []string
	for _, c := range children {
		names = append(names, c.Name())
	}
	if strings.Join(names, ",") != "a,b,c" {
		t.Fatalf("unexpected order %v", names)
	}
}

func TestMemoryControlStore(t *testing.T) {
	ctx := context.Background()
	cs := NewMemoryBackend().Control()
	role := Record{FieldName: "reader", FieldBoxName: "b"}
	if err := cs.CreateRecord(ctx, RecordRole, role); err != nil {
		t.Fatalf("create role: %v", err)
	}
	if err := cs.CreateRecord(ctx, RecordRole, role); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := cs.CreateRecord(ctx, "Account", Record{FieldName: "x"}); !errors.Is(err, ErrNoSuchRecordSet) {
		t.Fatalf("expected no such record set, got %v", err)
	}
	_ = cs.CreateRecord(ctx, RecordRelation, Record{FieldName: "friends", FieldBoxName: "b"})
	_ = cs.CreateRecord(ctx, RecordRole, Record{FieldName: "other", FieldBoxName: "b2"})

	src := RecordRef{Type: RecordRelation, Key: "(Name='friends',_Box.Name='b')"}
	dst := RecordRef{Type: RecordRole, Key: "(Name='reader',_Box.Name='b')"}
	if err := cs.CreateLink(ctx, src, "_Role", dst); err != nil {
		t.Fatalf("link: %v", err)
	}
	missing := RecordRef{Type: RecordRole, Key: "(Name='nope',_Box.Name='b')"}
	if err := cs.CreateLink(ctx, src, "_Role", missing); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected broken reference, got %v", err)
	}
	roles, _ := cs.List(ctx, RecordRole, "b")
	if len(roles) != 1 || roles[0][FieldName] != "reader" {
		t.Fatalf("unexpected roles %+v", roles)
	}
	links, _ := cs.Links(ctx, "b")
	if len(links) != 1 || links[0].NavProp != "_Role" {
		t.Fatalf("unexpected links %+v", links)
	}
}

func TestControlKey(t *testing.T) {
	key, err := ControlKey(RecordExtRole, Record{FieldExtRole: "https://x/role", FieldRelationName: "r", FieldRelationBoxName: "b"})
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	if key != "(ExtRole='https://x/role',_Relation.Name='r',_Relation._Box.Name='b')" {
		t.Fatalf("unexpected key %s", key)
	}
	key, _ = ControlKey(RecordRule, Record{FieldName: "rule1"})
	if key != "(Name='rule1')" {
		t.Fatalf("unexpected box-less key %s", key)
	}
	if _, err := ControlKey(RecordRole, Record{}); err == nil {
		t.Fatalf("expected missing name error")
	}
	rec := Record{FieldExtRole: "u", FieldRelationName: "r"}
	ScopeToBox(RecordExtRole, rec, "b")
	if BoxOf(RecordExtRole, rec) != "b" {
		t.Fatalf("expected ext role scoped through relation")
	}
}

func TestMemoryDataStore(t *testing.T) {
	ctx := context.Background()
	bx, _ := NewMemoryBackend().CreateBox(ctx, Spec{Name: "b"})
	col, _ := bx.Root().GetOrCreateChild(ctx, "odata")
	if err := col.MkdirWithKind(ctx, KindDataCollection); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	ds := col.Data()
	if ds == nil {
		t.Fatalf("expected data store")
	}
	if err := ds.CreateComplexType(ctx, "Address"); err != nil {
		t.Fatalf("complex type: %v", err)
	}
	if err := ds.CreateComplexTypeProperty(ctx, "Address", PropertyDef{Name: "city", Type: "Edm.String"}); err != nil {
		t.Fatalf("complex prop: %v", err)
	}
	for _, et := range []string{"Customer", "Order"} {
		if err := ds.CreateEntityType(ctx, et); err != nil {
			t.Fatalf("entity type: %v", err)
		}
	}
	if err := ds.CreateProperty(ctx, "Customer", PropertyDef{Name: "addr", Type: "Address"}); err != nil {
		t.Fatalf("complex-typed property: %v", err)
	}
	if err := ds.CreateProperty(ctx, "Customer", PropertyDef{Name: "bad", Type: "Nope"}); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected unknown type, got %v", err)
	}
	a := AssociationEnd{Role: "Customer:orders", EntityType: "Customer", Multiplicity: "1"}
	z := AssociationEnd{Role: "Order:customer", EntityType: "Order", Multiplicity: "*"}
	_ = ds.CreateAssociationEnd(ctx, "Customer-Order", a)
	_ = ds.CreateAssociationEnd(ctx, "Customer-Order", z)
	if err := ds.LinkAssociationEnds(ctx, a, z); err != nil {
		t.Fatalf("link ends: %v", err)
	}

	items := []*BulkItem{
		{RecordSet: "Customer", Record: Record{IDField: "c1"}},
		{RecordSet: "Customer", Record: Record{IDField: "c1"}},
		{RecordSet: "Ghost", Record: Record{IDField: "g"}},
		{RecordSet: "Order", Record: Record{IDField: "o1"}, Err: errors.New("pre-rejected")},
		{RecordSet: "Order", Record: Record{IDField: "o2"}},
	}
	if err := ds.BulkCreateRecords(ctx, items); err != nil {
		t.Fatalf("bulk: %v", err)
	}
	if items[0].Err != nil || !errors.Is(items[1].Err, ErrConflict) || !errors.Is(items[2].Err, ErrNoSuchRecordSet) || items[4].Err != nil {
		t.Fatalf("unexpected item errors: %v %v %v %v", items[0].Err, items[1].Err, items[2].Err, items[4].Err)
	}
	if recs, _ := ds.Records(ctx, "Order"); len(recs) != 1 || recs[0][IDField] != "o2" {
		t.Fatalf("pre-rejected item must not be written: %+v", recs)
	}
	if err := ds.CreateLink(ctx, RecordRef{Type: "Customer", Key: "c1"}, "_Order", RecordRef{Type: "Order", Key: "o2"}); err != nil {
		t.Fatalf("link: %v", err)
	}
	if err := ds.CreateLink(ctx, RecordRef{Type: "Customer", Key: "c1"}, "_Order", RecordRef{Type: "Order", Key: "o9"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	schema, _ := ds.Schema(ctx)
	if len(schema.EntityTypes) != 2 || len(schema.Associations) != 1 || schema.Associations[0].Ends[1].Role != "Order:customer" {
		t.Fatalf("unexpected schema %+v", schema)
	}
}
