// Package token serializes single chain records into opaque, scannable
// payloads: base64 over the canonical four-field JSON form. The payload is
// what an external image codec embeds into (and extracts from) a QR code;
// this package owns only the byte-string contract.
package token

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/votechain/votechain/internal/chain"
)

// ErrMalformedPayload rejects a structurally invalid token payload.
var ErrMalformedPayload = errors.New("malformed token payload")

// Encode serializes exactly one record into its token payload. It is total
// for well-formed records: Decode(Encode(r)) reproduces r field for field.
func Encode(r *chain.Record) ([]byte, error) {
	doc, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	payload := make([]byte, base64.StdEncoding.EncodedLen(len(doc)))
	base64.StdEncoding.Encode(payload, doc)
	return payload, nil
}

// Decode parses a token payload back into a record. It fails with
// ErrMalformedPayload on anything structurally invalid: bad base64, bad
// JSON, unknown fields, or missing fields. Decode does not re-verify the
// hash commitment; that is the caller's job, via chain.ComputeHash or a
// chain membership lookup.
func Decode(payload []byte) (*chain.Record, error) {
	raw := bytes.TrimSpace(payload)
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: payload is empty", ErrMalformedPayload)
	}

	doc := make([]byte, base64.StdEncoding.DecodedLen(len(raw)))
	n, err := base64.StdEncoding.Decode(doc, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	// The record's own unmarshaler enforces the strict wire form: exactly
	// the four known fields, timestamp in the canonical layout.
	r := &chain.Record{}
	if err := json.Unmarshal(doc[:n], r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return r, nil
}
