package store

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mtiwari1/gophermeta/internal/metadata"
)

const codecVersion = 1

// envelope is the durable encoding of one record. Decoding ignores unknown
// fields, so entries written by a newer version with extra tiers still load.
type envelope struct {
	Version int              `json:"version"`
	Record  *metadata.Record `json:"record"`
}

func encode(rec *metadata.Record) ([]byte, error) {
	data, err := json.Marshal(envelope{Version: codecVersion, Record: rec})
	if err != nil {
		return nil, fmt.Errorf("store: encode: %w", err)
	}
	return data, nil
}

func decode(data []byte) (*metadata.Record, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("store: decode: %w", err)
	}
	if env.Record == nil {
		return nil, errors.New("store: decode: envelope has no record")
	}
	// Tiers are cumulative; an advanced tier without a technical one was
	// not written by this codec.
	if env.Record.Advanced.Present() && !env.Record.Technical.Present() {
		return nil, errors.New("store: decode: advanced tier without technical tier")
	}
	return env.Record, nil
}
