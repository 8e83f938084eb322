package document

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cordum/barkit/core/bar/barerr"
)

// Versions written by the exporter and accepted by the installer.
const (
	SupportedBarVersion = 2
	DefaultBoxVersion   = "1"
)

// Manifest is the archive descriptor read before anything else.
type Manifest struct {
	BarVersion  string `json:"bar_version"`
	BoxVersion  string `json:"box_version"`
	DefaultPath string `json:"DefaultPath"`
	Schema      string `json:"schema,omitempty"`
}

// NewManifest returns the manifest of an exported box.
func NewManifest(boxName, schemaURL string) Manifest {
	return Manifest{
		BarVersion:  strconv.Itoa(SupportedBarVersion),
		BoxVersion:  DefaultBoxVersion,
		DefaultPath: boxName,
		Schema:      schemaURL,
	}
}

// ParseManifest decodes and checks a manifest. A missing or unsupported
// bar_version fails with UnsupportedVersion before the document shape is
// checked.
func ParseManifest(data []byte) (*Manifest, error) {
	var raw map[string]any
	if err := decode(data, &raw); err != nil {
		return nil, err
	}
	version, ok := raw["bar_version"]
	if !ok || version == nil {
		return nil, barerr.New(barerr.UnsupportedVersion, ManifestEntry, "bar_version missing")
	}
	v, err := strconv.Atoi(strings.TrimSpace(fmt.Sprint(version)))
	if err != nil {
		return nil, barerr.New(barerr.UnsupportedVersion, ManifestEntry, "bar_version %v is not numeric", version)
	}
	if v != SupportedBarVersion {
		return nil, barerr.New(barerr.UnsupportedVersion, ManifestEntry, "bar_version %d not supported", v)
	}
	if err := validate(schemaManifest, data); err != nil {
		return nil, barerr.Wrap(barerr.DocumentFormat, ManifestEntry, err)
	}
	m := &Manifest{
		BarVersion:  strconv.Itoa(v),
		BoxVersion:  strings.TrimSpace(fmt.Sprint(raw["box_version"])),
		DefaultPath: stringValue(raw["DefaultPath"]),
		Schema:      stringValue(raw["schema"]),
	}
	return m, nil
}

// MarshalManifest encodes m.
func MarshalManifest(m Manifest) ([]byte, error) {
	return encode(m)
}

func stringValue(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}
