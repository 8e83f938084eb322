// Package document decodes and encodes the JSON documents carried in a box
// archive: the manifest, the control documents of the metadata region, the
// per-collection schema and link documents, and user data records.
package document

import (
	"regexp"
	"strings"
)

// Archive layout.
const (
	RootDir     = "bar/"
	MetaDir     = "bar/00_meta/"
	ContentsDir = "bar/90_contents/"

	ManifestFile  = "00_manifest.json"
	RelationsFile = "10_relations.json"
	RolesFile     = "20_roles.json"
	ExtRolesFile  = "30_extroles.json"
	RulesFile     = "50_rules.json"
	LinksFile     = "70_$links.json"
	TopologyFile  = "90_rootprops.xml"

	ManifestEntry = MetaDir + ManifestFile
	TopologyEntry = MetaDir + TopologyFile

	SchemaFile    = "00_$metadata.json"
	UserLinksFile = "10_odatarelations.json"
	DataDirName   = "90_data"
	DataDir       = DataDirName + "/"
)

// ControlFiles lists the optional control documents in install order.
var ControlFiles = []string{RelationsFile, RolesFile, ExtRolesFile, RulesFile, LinksFile}

// RequiredEntries must be present in every archive.
var RequiredEntries = []string{RootDir, MetaDir, ManifestEntry, TopologyEntry}

var recordFilePattern = regexp.MustCompile(`^[0-9]+\.json$`)

// IsRecordFile reports whether name is a legal user data file name.
func IsRecordFile(name string) bool { return recordFilePattern.MatchString(name) }

// IsControlFile reports whether name is one of the metadata control documents.
func IsControlFile(name string) bool {
	for _, f := range ControlFiles {
		if f == name {
			return true
		}
	}
	return false
}

// BaseName returns the last segment of an entry name, ignoring a trailing
// slash.
func BaseName(entry string) string {
	trimmed := strings.TrimSuffix(entry, "/")
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		return trimmed[i+1:]
	}
	return trimmed
}
