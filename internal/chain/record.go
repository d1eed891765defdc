package chain

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// GenesisHash is the reserved sentinel predecessor-hash of the first record
// in a chain. It is a literal marker, not a digest; no record other than the
// first may carry it, and no record's own hash ever equals it.
const GenesisHash = "genesis_hash"

// TimeLayout is the canonical timestamp serialization: ISO-8601 with
// microsecond precision, always UTC. It is part of the hash commitment;
// changing it would break verification of every previously issued token.
const TimeLayout = "2006-01-02T15:04:05.000000"

// Record is a single entry in the vote chain.
type Record struct {
	Value     string    // the vote / candidate identifier
	Timestamp time.Time // creation instant, UTC, microsecond precision
	PrevHash  string    // predecessor's hash, or GenesisHash
	Hash      string    // ComputeHash(Value, Timestamp, PrevHash)
}

// ComputeHash returns the hex-encoded SHA-256 digest committing a record's
// value, timestamp, and predecessor hash. The serialization, pipe-separated
// fields with the timestamp in TimeLayout, is fixed and must never change.
func ComputeHash(value string, ts time.Time, prevHash string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s", value, ts.UTC().Format(TimeLayout), prevHash)
	return hex.EncodeToString(h.Sum(nil))
}

// NewRecord builds an immutable record for value chained onto prevHash,
// stamped with the current time. The value is trimmed of surrounding
// whitespace; an empty result is rejected with ErrInvalidValue.
func NewRecord(value, prevHash string) (*Record, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, fmt.Errorf("%w: value is empty", ErrInvalidValue)
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	r := &Record{
		Value:     value,
		Timestamp: now,
		PrevHash:  prevHash,
	}
	r.Hash = ComputeHash(r.Value, r.Timestamp, r.PrevHash)
	return r, nil
}

// Equal reports field-for-field equality of two records.
func (r *Record) Equal(o *Record) bool {
	if r == nil || o == nil {
		return r == o
	}
	return r.Value == o.Value &&
		r.Timestamp.Equal(o.Timestamp) &&
		r.PrevHash == o.PrevHash &&
		r.Hash == o.Hash
}

// recordJSON is the wire form of a Record. Field order is fixed: it is the
// persisted chain format and the token payload format.
type recordJSON struct {
	Value     string `json:"value"`
	Timestamp string `json:"timestamp"`
	PrevHash  string `json:"prev_hash"`
	Hash      string `json:"hash"`
}

// MarshalJSON implements json.Marshaler using the canonical wire form.
func (r *Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(recordJSON{
		Value:     r.Value,
		Timestamp: r.Timestamp.UTC().Format(TimeLayout),
		PrevHash:  r.PrevHash,
		Hash:      r.Hash,
	})
}

// UnmarshalJSON implements json.Unmarshaler. The wire form is strict: all
// four fields must be present, no unknown fields are accepted, and the
// timestamp must parse with TimeLayout.
func (r *Record) UnmarshalJSON(data []byte) error {
	var w recordJSON
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&w); err != nil {
		return err
	}
	if w.Value == "" || w.Timestamp == "" || w.PrevHash == "" || w.Hash == "" {
		return fmt.Errorf("record is missing one or more required fields")
	}
	ts, err := time.Parse(TimeLayout, w.Timestamp)
	if err != nil {
		return fmt.Errorf("parse timestamp %q: %w", w.Timestamp, err)
	}
	r.Value = w.Value
	r.Timestamp = ts
	r.PrevHash = w.PrevHash
	r.Hash = w.Hash
	return nil
}

// MarshalRecords serializes a chain as indented JSON, the persisted chain
// format: an ordered array of four-field records.
func MarshalRecords(records []*Record) ([]byte, error) {
	if records == nil {
		records = []*Record{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal chain: %w", err)
	}
	return data, nil
}

// UnmarshalRecords parses the persisted chain format. Empty input yields an
// empty chain.
func UnmarshalRecords(data []byte) ([]*Record, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}
	var records []*Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("unmarshal chain: %w", err)
	}
	return records, nil
}
