package box

import (
	"fmt"
	"strings"
)

// Control record sets.
const (
	RecordRelation = "Relation"
	RecordRole     = "Role"
	RecordExtRole  = "ExtRole"
	RecordRule     = "Rule"
)

// Field names that scope control records to a box.
const (
	FieldName            = "Name"
	FieldBoxName         = "_Box.Name"
	FieldExtRole         = "ExtRole"
	FieldRelationName    = "_Relation.Name"
	FieldRelationBoxName = "_Relation._Box.Name"
)

// ControlKey returns the composite key of a control record.
//
//	Role, Relation, Rule: (Name='n',_Box.Name='b')
//	ExtRole:              (ExtRole='u',_Relation.Name='r',_Relation._Box.Name='b')
//
// Box-less records omit the box component.
func ControlKey(recordSet string, fields Record) (string, error) {
	switch recordSet {
	case RecordExtRole:
		ext := stringField(fields, FieldExtRole)
		rel := stringField(fields, FieldRelationName)
		if ext == "" || rel == "" {
			return "", fmt.Errorf("%s requires %s and %s", recordSet, FieldExtRole, FieldRelationName)
		}
		key := fmt.Sprintf("(ExtRole='%s',_Relation.Name='%s'", ext, rel)
		if b := stringField(fields, FieldRelationBoxName); b != "" {
			key += fmt.Sprintf(",_Relation._Box.Name='%s'", b)
		}
		return key + ")", nil
	default:
		name := stringField(fields, FieldName)
		if name == "" {
			return "", fmt.Errorf("%s requires %s", recordSet, FieldName)
		}
		key := fmt.Sprintf("(Name='%s'", name)
		if b := stringField(fields, FieldBoxName); b != "" {
			key += fmt.Sprintf(",_Box.Name='%s'", b)
		}
		return key + ")", nil
	}
}

// ScopeToBox stamps the box name onto a control record in place.
func ScopeToBox(recordSet string, fields Record, boxName string) {
	if recordSet == RecordExtRole {
		fields[FieldRelationBoxName] = boxName
		return
	}
	fields[FieldBoxName] = boxName
}

// BoxOf returns the box a control record is scoped to.
func BoxOf(recordSet string, fields Record) string {
	if recordSet == RecordExtRole {
		return stringField(fields, FieldRelationBoxName)
	}
	return stringField(fields, FieldBoxName)
}

func stringField(fields Record, key string) string {
	if fields == nil {
		return ""
	}
	switch v := fields[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}
