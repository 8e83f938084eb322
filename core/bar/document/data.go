package document

import (
	"encoding/json"

	"github.com/cordum/barkit/core/bar/barerr"
	"github.com/cordum/barkit/core/box"
)

// ParseSchema decodes a Data-Collection schema document.
func ParseSchema(data []byte) (*box.Schema, error) {
	if err := validate(schemaMetadata, data); err != nil {
		return nil, err
	}
	var s box.Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, &barerr.Error{Code: barerr.DocumentFormat, Detail: "malformed JSON", Err: err}
	}
	return &s, nil
}

// MarshalSchema encodes a Data-Collection schema document.
func MarshalSchema(s *box.Schema) ([]byte, error) {
	if s == nil {
		s = &box.Schema{}
	}
	return encode(s)
}

// DecodeRecord decodes one user data record.
func DecodeRecord(data []byte) (box.Record, error) {
	if err := validate(schemaRecord, data); err != nil {
		return nil, err
	}
	var rec box.Record
	if err := decode(data, &rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// MarshalRecord encodes one user data record.
func MarshalRecord(rec box.Record) ([]byte, error) {
	return encode(rec)
}
