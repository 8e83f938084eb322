// Package box defines the live-container collaborators the archive pipeline
// writes into and reads from: the tenant control store, the per-box resource
// tree and the record stores behind Data-Collections.
package box

import (
	"context"
	"errors"
	"io"
)

// Kind classifies a node of the live tree.
type Kind string

const (
	KindBox                  Kind = "box"
	KindDataCollection       Kind = "odata"
	KindFileCollection       Kind = "webdav"
	KindExecutableCollection Kind = "service"
	KindFile                 Kind = "file"
)

// IsCollection reports whether nodes of this kind hold children or records.
func (k Kind) IsCollection() bool {
	switch k {
	case KindBox, KindDataCollection, KindFileCollection, KindExecutableCollection:
		return true
	default:
		return false
	}
}

// SourceHolderName is the fixed child of an Executable-Collection that holds
// its source files.
const SourceHolderName = "__src"

// RootPath is the canonical path of a box root.
const RootPath = "dcbox:"

var (
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("already exists")
	ErrNoSuchRecordSet = errors.New("no such record set")
	ErrUnknownType     = errors.New("unknown type")
	ErrNotCollection   = errors.New("parent is not a collection")
	ErrKindMismatch    = errors.New("resource kind mismatch")
)

// Privilege is one granted privilege, e.g. {DAV:, read}.
type Privilege struct {
	Namespace string `json:"namespace,omitempty"`
	Name      string `json:"name"`
}

// PrincipalAll grants to every principal.
const PrincipalAll = "DAV:all"

// ACE grants privileges to one principal (a role reference or PrincipalAll).
type ACE struct {
	Principal  string      `json:"principal"`
	Privileges []Privilege `json:"privileges"`
}

// ACL is the access-control descriptor of a node. Base is the role namespace
// the principals resolve against.
type ACL struct {
	Base string `json:"base,omitempty"`
	ACEs []ACE  `json:"aces,omitempty"`
}

// IsZero reports whether the ACL carries nothing.
func (a ACL) IsZero() bool { return a.Base == "" && len(a.ACEs) == 0 }

// Property is a custom (dead) property set on a node.
type Property struct {
	Namespace string `json:"namespace,omitempty"`
	Name      string `json:"name"`
	Value     string `json:"value"`
}

// Record is one entity record, keyed by field name.
type Record map[string]any

// RecordRef addresses one record by record set and key.
type RecordRef struct {
	Type string `json:"type"`
	Key  string `json:"key"`
}

// Link is a navigation link between two records.
type Link struct {
	From    RecordRef `json:"from"`
	NavProp string    `json:"nav_prop"`
	To      RecordRef `json:"to"`
}

// BulkItem is one record in a bulk write. Err is set by the caller for items
// rejected before the write and by the store for items it could not persist.
type BulkItem struct {
	RecordSet string
	Record    Record
	Err       error
}

// EntityStore is the record-level producer the installer writes through.
type EntityStore interface {
	CreateRecord(ctx context.Context, recordSet string, fields Record) error
	// BulkCreateRecords writes every item whose Err is nil and records
	// per-item failures on the items. The returned error reports a failure of
	// the call as a whole.
	BulkCreateRecords(ctx context.Context, items []*BulkItem) error
	CreateLink(ctx context.Context, src RecordRef, navProp string, dst RecordRef) error
	RecordSetExists(ctx context.Context, name string) bool
}

// ControlStore holds tenant-scoped control records (Relation, Role, ExtRole,
// Rule) and the links between them.
type ControlStore interface {
	EntityStore
	Get(ctx context.Context, ref RecordRef) (Record, error)
	// List returns the records of a set scoped to boxName, ordered by key.
	List(ctx context.Context, recordSet, boxName string) ([]Record, error)
	// Links returns links whose source is scoped to boxName.
	Links(ctx context.Context, boxName string) ([]Link, error)
}

// PropertyDef declares one field of an entity or complex type.
type PropertyDef struct {
	Name           string  `json:"Name"`
	Type           string  `json:"Type"`
	Nullable       *bool   `json:"Nullable,omitempty"`
	DefaultValue   *string `json:"DefaultValue,omitempty"`
	CollectionKind string  `json:"CollectionKind,omitempty"`
}

// ComplexType is a structural type usable as a property type.
type ComplexType struct {
	Name       string        `json:"Name"`
	Properties []PropertyDef `json:"Properties,omitempty"`
}

// EntityType is a record type; its name is also its record set name.
type EntityType struct {
	Name       string        `json:"Name"`
	Properties []PropertyDef `json:"Properties,omitempty"`
}

// AssociationEnd is one side of an association. Role has the form
// "<EntityType>:<Name>".
type AssociationEnd struct {
	Role         string `json:"Role"`
	EntityType   string `json:"EntityType"`
	Multiplicity string `json:"Multiplicity"`
}

// Association relates two entity types.
type Association struct {
	Name string            `json:"Name"`
	Ends [2]AssociationEnd `json:"Ends"`
}

// Schema is the full user schema of a Data-Collection.
type Schema struct {
	ComplexTypes []ComplexType `json:"ComplexTypes,omitempty"`
	EntityTypes  []EntityType  `json:"EntityTypes,omitempty"`
	Associations []Association `json:"Associations,omitempty"`
}

// DataStore is the record store behind one Data-Collection.
type DataStore interface {
	EntityStore
	CreateComplexType(ctx context.Context, name string) error
	CreateComplexTypeProperty(ctx context.Context, complexType string, p PropertyDef) error
	CreateEntityType(ctx context.Context, name string) error
	CreateProperty(ctx context.Context, entityType string, p PropertyDef) error
	CreateAssociationEnd(ctx context.Context, association string, end AssociationEnd) error
	LinkAssociationEnds(ctx context.Context, a, b AssociationEnd) error
	Schema(ctx context.Context) (*Schema, error)
	// Records returns the records of one entity type in insertion order.
	Records(ctx context.Context, entityType string) ([]Record, error)
	Links(ctx context.Context) ([]Link, error)
}

// Node is one resource of the live tree. A node returned by
// GetOrCreateChild for a missing name is a placeholder (Exists false) until
// MkdirWithKind or PutFile materializes it.
type Node interface {
	Name() string
	Path() string
	Kind() Kind
	Exists() bool
	GetOrCreateChild(ctx context.Context, name string) (Node, error)
	MkdirWithKind(ctx context.Context, kind Kind) error
	PutFile(ctx context.Context, contentType string, body io.Reader) error
	ApplyACL(ctx context.Context, acl ACL) error
	ApplyProperties(ctx context.Context, props []Property) error
	ChildCount() int
	// Children returns existing children ordered by name.
	Children(ctx context.Context) ([]Node, error)
	ACL() ACL
	Properties() []Property
	ContentType() string
	Open(ctx context.Context) (io.ReadCloser, error)
	// Data returns the record store of a Data-Collection, nil otherwise.
	Data() DataStore
}

// Box is one installed container.
type Box interface {
	ID() string
	Name() string
	Schema() string
	Root() Node
}

// Spec describes a box to create.
type Spec struct {
	ID     string
	Name   string
	Schema string
}

// Backend is the tenant-level view over boxes and control records.
type Backend interface {
	BoxExists(ctx context.Context, name string) (bool, error)
	SchemaInUse(ctx context.Context, schema string) (bool, error)
	CreateBox(ctx context.Context, spec Spec) (Box, error)
	Box(ctx context.Context, name string) (Box, error)
	Control() ControlStore
}
