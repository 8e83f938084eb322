package document

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/cordum/barkit/core/bar/barerr"
	"github.com/cordum/barkit/core/box"
)

func TestParseManifest(t *testing.T) {
	m, err := ParseManifest([]byte(`{"bar_version":"2","box_version":"1","DefaultPath":"app","schema":"https://app.example/"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if m.BarVersion != "2" || m.Schema != "https://app.example/" || m.DefaultPath != "app" {
		t.Fatalf("unexpected manifest %+v", m)
	}
	if _, err := ParseManifest([]byte(`{"bar_version":2,"box_version":1,"DefaultPath":"app"}`)); err != nil {
		t.Fatalf("numeric versions should parse: %v", err)
	}
}

func TestParseManifestRejects(t *testing.T) {
	cases := map[string]barerr.Code{
		`{"box_version":"1","DefaultPath":"x"}`:                   barerr.UnsupportedVersion,
		`{"bar_version":"3","box_version":"1","DefaultPath":"x"}`: barerr.UnsupportedVersion,
		`{"bar_version":"two","box_version":"1"}`:                 barerr.UnsupportedVersion,
		`{"bar_version":"2","DefaultPath":"x"}`:                   barerr.DocumentFormat,
		`{"bar_version":"2","box_version":"1","DefaultPath":"x","extra":true}`: barerr.DocumentFormat,
		`{"bar_version":`: barerr.DocumentFormat,
	}
	for doc, want := range cases {
		_, err := ParseManifest([]byte(doc))
		if got := barerr.CodeOf(err); got != want {
			t.Fatalf("%s: expected %s got %s (%v)", doc, want, got, err)
		}
	}
}

func TestParseControl(t *testing.T) {
	set, recs, err := ParseControl(RolesFile, []byte(`{"Roles":[{"Name":"reader"},{"Name":"writer"}]}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if set != box.RecordRole || len(recs) != 2 || recs[1][box.FieldName] != "writer" {
		t.Fatalf("unexpected records %s %+v", set, recs)
	}
	if _, _, err := ParseControl(ExtRolesFile, []byte(`{"ExtRoles":[{"ExtRole":"https://x/"}]}`)); barerr.CodeOf(err) != barerr.DocumentFormat {
		t.Fatalf("expected missing relation name to fail, got %v", err)
	}
	if _, _, err := ParseControl(RolesFile, []byte(`{"Relations":[]}`)); barerr.CodeOf(err) != barerr.DocumentFormat {
		t.Fatalf("expected wrong root field to fail, got %v", err)
	}
	if _, _, err := ParseControl(TopologyFile, nil); barerr.CodeOf(err) != barerr.UnexpectedEntry {
		t.Fatalf("expected non-control document to be rejected, got %v", err)
	}
}

func TestMarshalControlDropsBoxScope(t *testing.T) {
	data, err := MarshalControl(RolesFile, []box.Record{{box.FieldName: "reader", box.FieldBoxName: "app"}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(data), "_Box.Name") {
		t.Fatalf("box scope leaked: %s", data)
	}
	_, recs, err := ParseControl(RolesFile, data)
	if err != nil || len(recs) != 1 {
		t.Fatalf("reparse: %v %+v", err, recs)
	}
}

func TestControlLinkRefs(t *testing.T) {
	links, err := ParseLinks([]byte(`{"Links":[{"FromType":"ExtRole","FromName":{"ExtRole":"https://o/","_Relation.Name":"friends"},"ToType":"Role","ToName":{"Name":"reader"}}]}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	src, nav, dst, err := links[0].Refs("app")
	if err != nil {
		t.Fatalf("refs: %v", err)
	}
	if src.Key != "(ExtRole='https://o/',_Relation.Name='friends',_Relation._Box.Name='app')" {
		t.Fatalf("unexpected source key %s", src.Key)
	}
	if nav != "_Role" || dst.Key != "(Name='reader',_Box.Name='app')" {
		t.Fatalf("unexpected target %s %s", nav, dst.Key)
	}
	if _, err := ParseLinks([]byte(`{"Links":[{"FromType":"Account","FromName":{"Name":"a"},"ToType":"Role","ToName":{"Name":"r"}}]}`)); barerr.CodeOf(err) != barerr.DocumentFormat {
		t.Fatalf("expected unknown link type to fail, got %v", err)
	}
	name := NameOf(box.RecordExtRole, box.Record{box.FieldExtRole: "https://o/", box.FieldRelationName: "friends", box.FieldRelationBoxName: "app"})
	if len(name) != 2 || name[box.FieldRelationName] != "friends" {
		t.Fatalf("unexpected name %+v", name)
	}
}

func TestUserLinks(t *testing.T) {
	links, err := ParseUserLinks([]byte(`{"Links":[{"FromType":"Customer","FromId":{"__id":"c1"},"ToType":"Order","ToId":{"__id":"o1"}}]}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	src, nav, dst := links[0].Refs()
	if src.Key != "c1" || nav != "_Order" || dst.Type != "Order" {
		t.Fatalf("unexpected refs %+v %s %+v", src, nav, dst)
	}
	back := UserLinkOf(box.Link{From: src, NavProp: nav, To: dst})
	if back.ToID[box.IDField] != "o1" {
		t.Fatalf("unexpected reverse %+v", back)
	}
	if _, err := ParseUserLinks([]byte(`{"Links":[{"FromType":"Customer","FromId":{},"ToType":"Order","ToId":{"__id":"o1"}}]}`)); err == nil {
		t.Fatalf("expected missing id to fail")
	}
}

func TestSchemaDocument(t *testing.T) {
	doc := `{
	  "ComplexTypes":[{"Name":"Address","Properties":[{"Name":"city","Type":"Edm.String"}]}],
	  "EntityTypes":[{"Name":"Customer","Properties":[{"Name":"addr","Type":"Address","Nullable":true}]},{"Name":"Order"}],
	  "Associations":[{"Name":"co","Ends":[
	    {"Role":"Customer:orders","EntityType":"Customer","Multiplicity":"1"},
	    {"Role":"Order:customer","EntityType":"Order","Multiplicity":"*"}]}]
	}`
	s, err := ParseSchema([]byte(doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(s.EntityTypes) != 2 || *s.EntityTypes[0].Properties[0].Nullable != true || s.Associations[0].Ends[1].Multiplicity != "*" {
		t.Fatalf("unexpected schema %+v", s)
	}
	data, err := MarshalSchema(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	again, err := ParseSchema(data)
	if err != nil || len(again.ComplexTypes) != 1 {
		t.Fatalf("reparse: %v", err)
	}
	if _, err := ParseSchema([]byte(`{"Associations":[{"Name":"x","Ends":[{"Role":"bad","EntityType":"A","Multiplicity":"1"}]}]}`)); barerr.CodeOf(err) != barerr.DocumentFormat {
		t.Fatalf("expected invalid association to fail, got %v", err)
	}
}

func TestDecodeRecordKeepsNumbers(t *testing.T) {
	rec, err := DecodeRecord([]byte(`{"__id":"c1","count":9007199254740993}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n, ok := rec["count"].(json.Number); !ok || n.String() != "9007199254740993" {
		t.Fatalf("expected exact number, got %#v", rec["count"])
	}
	if _, err := DecodeRecord([]byte(`[1,2]`)); barerr.CodeOf(err) != barerr.DocumentFormat {
		t.Fatalf("expected non-object to fail, got %v", err)
	}
	if _, err := DecodeRecord([]byte(`{"__id":`)); barerr.CodeOf(err) != barerr.DocumentFormat {
		t.Fatalf("expected malformed JSON to fail, got %v", err)
	}
}

func TestLayoutHelpers(t *testing.T) {
	if !IsRecordFile("12.json") || IsRecordFile("a.json") || IsRecordFile("12.xml") {
		t.Fatalf("unexpected record file matching")
	}
	if BaseName("bar/90_contents/col/") != "col" || BaseName("x") != "x" {
		t.Fatalf("unexpected base names")
	}
	if !IsControlFile(LinksFile) || IsControlFile(ManifestFile) {
		t.Fatalf("unexpected control file matching")
	}
}
