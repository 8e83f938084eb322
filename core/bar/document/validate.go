package document

import (
	"bytes"
	"embed"
	"encoding/json"
	"sync"

	"github.com/cordum/barkit/core/bar/barerr"
	"github.com/cordum/barkit/core/infra/schema"
)

// Schema ids of the embedded document schemas.
const (
	schemaManifest  = "manifest"
	schemaRelations = "relations"
	schemaRoles     = "roles"
	schemaExtRoles  = "extroles"
	schemaRules     = "rules"
	schemaLinks     = "links"
	schemaUserLinks = "userlinks"
	schemaMetadata  = "metadata"
	schemaRecord    = "record"
)

//go:embed schema/*.json
var documentSchemaFS embed.FS

var (
	registryOnce sync.Once
	registry     *schema.Registry
	registryErr  error
)

func documentRegistry() (*schema.Registry, error) {
	registryOnce.Do(func() {
		reg := schema.NewRegistry()
		if err := reg.RegisterFS(documentSchemaFS, "schema"); err != nil {
			registryErr = err
			return
		}
		registry = reg
	})
	return registry, registryErr
}

func validate(id string, data []byte) error {
	reg, err := documentRegistry()
	if err != nil {
		return barerr.Wrap(barerr.Internal, "", err)
	}
	if err := reg.Validate(id, data); err != nil {
		return &barerr.Error{Code: barerr.DocumentFormat, Detail: id + " document", Err: err}
	}
	return nil
}

// decode unmarshals data keeping numbers exact so records round-trip.
func decode(data []byte, out any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return &barerr.Error{Code: barerr.DocumentFormat, Detail: "malformed JSON", Err: err}
	}
	return nil
}

func encode(v any) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, barerr.Wrap(barerr.Internal, "", err)
	}
	return append(data, '\n'), nil
}
