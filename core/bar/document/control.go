package document

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/cordum/barkit/core/bar/barerr"
	"github.com/cordum/barkit/core/box"
)

type controlSpec struct {
	recordSet string
	field     string
	schemaID  string
}

var controlSpecs = map[string]controlSpec{
	RelationsFile: {recordSet: box.RecordRelation, field: "Relations", schemaID: schemaRelations},
	RolesFile:     {recordSet: box.RecordRole, field: "Roles", schemaID: schemaRoles},
	ExtRolesFile:  {recordSet: box.RecordExtRole, field: "ExtRoles", schemaID: schemaExtRoles},
	RulesFile:     {recordSet: box.RecordRule, field: "Rules", schemaID: schemaRules},
}

// RecordSetOf returns the control record set a document file populates.
func RecordSetOf(file string) (string, bool) {
	spec, ok := controlSpecs[file]
	return spec.recordSet, ok
}

// ParseControl decodes one record-bearing control document (relations, roles,
// ext-roles or rules) into its record set and records, in document order.
func ParseControl(file string, data []byte) (string, []box.Record, error) {
	spec, ok := controlSpecs[file]
	if !ok {
		return "", nil, barerr.New(barerr.UnexpectedEntry, MetaDir+file, "not a control record document")
	}
	if err := validate(spec.schemaID, data); err != nil {
		return "", nil, err
	}
	var doc map[string][]box.Record
	if err := decode(data, &doc); err != nil {
		return "", nil, err
	}
	return spec.recordSet, doc[spec.field], nil
}

// MarshalControl encodes records of the set a control document holds. Box
// scoping fields are dropped; the installer stamps the target box back on.
func MarshalControl(file string, records []box.Record) ([]byte, error) {
	spec, ok := controlSpecs[file]
	if !ok {
		return nil, fmt.Errorf("not a control record document: %s", file)
	}
	out := make([]box.Record, 0, len(records))
	for _, rec := range records {
		cp := make(box.Record, len(rec))
		for k, v := range rec {
			if k == box.FieldBoxName || k == box.FieldRelationBoxName {
				continue
			}
			cp[k] = v
		}
		out = append(out, cp)
	}
	return encode(map[string][]box.Record{spec.field: out})
}

// ControlLink links two control records by their name fields.
type ControlLink struct {
	FromType string            `json:"FromType"`
	FromName map[string]string `json:"FromName"`
	ToType   string            `json:"ToType"`
	ToName   map[string]string `json:"ToName"`
}

// ParseLinks decodes the control links document.
func ParseLinks(data []byte) ([]ControlLink, error) {
	if err := validate(schemaLinks, data); err != nil {
		return nil, err
	}
	var doc struct {
		Links []ControlLink `json:"Links"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &barerr.Error{Code: barerr.DocumentFormat, Detail: "malformed JSON", Err: err}
	}
	return doc.Links, nil
}

// MarshalLinks encodes the control links document.
func MarshalLinks(links []ControlLink) ([]byte, error) {
	if links == nil {
		links = []ControlLink{}
	}
	return encode(map[string][]ControlLink{"Links": links})
}

// Refs resolves both ends of the link to composite keys inside boxName and
// returns the navigation property used on the source.
func (l ControlLink) Refs(boxName string) (box.RecordRef, string, box.RecordRef, error) {
	src, err := scopedRef(l.FromType, l.FromName, boxName)
	if err != nil {
		return box.RecordRef{}, "", box.RecordRef{}, err
	}
	dst, err := scopedRef(l.ToType, l.ToName, boxName)
	if err != nil {
		return box.RecordRef{}, "", box.RecordRef{}, err
	}
	return src, "_" + l.ToType, dst, nil
}

func scopedRef(recordSet string, name map[string]string, boxName string) (box.RecordRef, error) {
	fields := make(box.Record, len(name)+1)
	for k, v := range name {
		fields[k] = v
	}
	box.ScopeToBox(recordSet, fields, boxName)
	key, err := box.ControlKey(recordSet, fields)
	if err != nil {
		return box.RecordRef{}, &barerr.Error{Code: barerr.DocumentFormat, Detail: "link name", Err: err}
	}
	return box.RecordRef{Type: recordSet, Key: key}, nil
}

// NameOf returns the name fields that identify a control record inside its
// box, the inverse of the key stamped by ScopeToBox.
func NameOf(recordSet string, rec box.Record) map[string]string {
	keys := []string{box.FieldName}
	if recordSet == box.RecordExtRole {
		keys = []string{box.FieldExtRole, box.FieldRelationName}
	}
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := rec[k]; ok && v != nil {
			out[k] = fmt.Sprint(v)
		}
	}
	return out
}

// UserLink links two user data records of one Data-Collection.
type UserLink struct {
	FromType string            `json:"FromType"`
	FromID   map[string]string `json:"FromId"`
	ToType   string            `json:"ToType"`
	ToID     map[string]string `json:"ToId"`
}

// Refs returns both ends and the navigation property of the link.
func (l UserLink) Refs() (box.RecordRef, string, box.RecordRef) {
	return box.RecordRef{Type: l.FromType, Key: l.FromID[box.IDField]},
		"_" + l.ToType,
		box.RecordRef{Type: l.ToType, Key: l.ToID[box.IDField]}
}

// UserLinkOf converts a stored link back to its document form.
func UserLinkOf(l box.Link) UserLink {
	return UserLink{
		FromType: l.From.Type,
		FromID:   map[string]string{box.IDField: l.From.Key},
		ToType:   l.To.Type,
		ToID:     map[string]string{box.IDField: l.To.Key},
	}
}

// ParseUserLinks decodes a Data-Collection link document.
func ParseUserLinks(data []byte) ([]UserLink, error) {
	if err := validate(schemaUserLinks, data); err != nil {
		return nil, err
	}
	var doc struct {
		Links []UserLink `json:"Links"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &barerr.Error{Code: barerr.DocumentFormat, Detail: "malformed JSON", Err: err}
	}
	return doc.Links, nil
}

// MarshalUserLinks encodes a Data-Collection link document, ordered by source
// then target so exports are stable.
func MarshalUserLinks(links []UserLink) ([]byte, error) {
	out := append([]UserLink{}, links...)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.FromType != b.FromType {
			return a.FromType < b.FromType
		}
		if a.FromID[box.IDField] != b.FromID[box.IDField] {
			return a.FromID[box.IDField] < b.FromID[box.IDField]
		}
		if a.ToType != b.ToType {
			return a.ToType < b.ToType
		}
		return a.ToID[box.IDField] < b.ToID[box.IDField]
	})
	return encode(map[string][]UserLink{"Links": out})
}
