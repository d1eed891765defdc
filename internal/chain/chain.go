package chain

import (
	"context"
	"fmt"
)

// Chain is the interface for the append-only, hash-linked vote ledger.
// Both MemoryChain and PostgresChain implement this interface.
type Chain interface {
	// Append constructs a record for value chained onto the current tail
	// and commits it. The tail read and the commit are a single logical
	// transaction: concurrent appends are serialized.
	Append(ctx context.Context, value string) (*Record, error)

	// Validate walks the whole chain and reports every invariant violation
	// with its position. It never mutates the chain.
	Validate(ctx context.Context) (*Report, error)

	// Prune removes every record whose value equals value and returns the
	// number removed. Remaining records are NOT re-linked: a prune that
	// removes a non-tail record leaves a detectable break that Validate
	// will report. Redaction is meant to be forensically visible.
	Prune(ctx context.Context, value string) (int, error)

	// Reset clears the chain. The next Append starts a fresh genesis record.
	Reset(ctx context.Context) error

	// Replace substitutes the entire record sequence, e.g. after pulling a
	// synced copy from a remote gateway.
	Replace(ctx context.Context, records []*Record) error

	// LastHash returns the tail record's hash, or GenesisHash when empty.
	LastHash(ctx context.Context) (string, error)

	// Tally counts records grouped by value.
	Tally(ctx context.Context) (map[string]int, error)

	// Records returns a snapshot of the full sequence in chain order.
	Records(ctx context.Context) ([]*Record, error)

	// Len returns the number of records.
	Len(ctx context.Context) (int, error)
}

// Invariant names a chain-wide consistency rule checked by Validate.
type Invariant string

const (
	// InvariantPrevLink: each record's prev_hash equals the physical
	// predecessor's hash.
	InvariantPrevLink Invariant = "prev_hash_link"
	// InvariantHash: each record's hash equals the recomputed digest of
	// its own fields.
	InvariantHash Invariant = "hash_commitment"
	// InvariantGenesis: exactly the first record carries the sentinel
	// predecessor hash.
	InvariantGenesis Invariant = "genesis_sentinel"
	// InvariantUnique: no hash repeats across the chain.
	InvariantUnique Invariant = "hash_unique"
	// InvariantTimestampOrder: timestamps are non-decreasing. Violations
	// are surfaced as warnings, not failures: the ordering is not part of
	// the hash commitment, so a regression indicates clock skew rather
	// than proven tampering.
	InvariantTimestampOrder Invariant = "timestamp_order"
)

// Violation pinpoints a single invariant breach: the record index where it
// was detected and a human-readable detail.
type Violation struct {
	Index     int       `json:"index"`
	Invariant Invariant `json:"invariant"`
	Detail    string    `json:"detail"`
}

func (v Violation) String() string {
	return fmt.Sprintf("record %d: %s: %s", v.Index, v.Invariant, v.Detail)
}

// Report is the outcome of Validate: a verdict plus actionable diagnostics.
// Warnings do not affect the verdict.
type Report struct {
	Valid      bool        `json:"valid"`
	Violations []Violation `json:"violations,omitempty"`
	Warnings   []Violation `json:"warnings,omitempty"`
}

// validateRecords checks the full invariant set over an ordered snapshot.
// Shared by every Chain implementation so diagnostics are uniform.
func validateRecords(records []*Record) *Report {
	report := &Report{Valid: true}
	seen := make(map[string]int, len(records))

	for i, r := range records {
		// Genesis sentinel placement.
		if i == 0 {
			if r.PrevHash != GenesisHash {
				report.Violations = append(report.Violations, Violation{
					Index:     0,
					Invariant: InvariantGenesis,
					Detail:    fmt.Sprintf("first record prev_hash is %q, want the genesis sentinel", r.PrevHash),
				})
			}
		} else {
			if r.PrevHash == GenesisHash {
				report.Violations = append(report.Violations, Violation{
					Index:     i,
					Invariant: InvariantGenesis,
					Detail:    "non-first record carries the genesis sentinel",
				})
			}
			if prev := records[i-1]; r.PrevHash != prev.Hash {
				report.Violations = append(report.Violations, Violation{
					Index:     i,
					Invariant: InvariantPrevLink,
					Detail:    fmt.Sprintf("prev_hash %s does not match predecessor hash %s", short(r.PrevHash), short(prev.Hash)),
				})
			}
			if r.Timestamp.Before(records[i-1].Timestamp) {
				report.Warnings = append(report.Warnings, Violation{
					Index:     i,
					Invariant: InvariantTimestampOrder,
					Detail:    "timestamp precedes that of the previous record",
				})
			}
		}

		if want := ComputeHash(r.Value, r.Timestamp, r.PrevHash); r.Hash != want {
			report.Violations = append(report.Violations, Violation{
				Index:     i,
				Invariant: InvariantHash,
				Detail:    fmt.Sprintf("stored hash %s does not match recomputed %s", short(r.Hash), short(want)),
			})
		}

		if first, dup := seen[r.Hash]; dup {
			report.Violations = append(report.Violations, Violation{
				Index:     i,
				Invariant: InvariantUnique,
				Detail:    fmt.Sprintf("hash %s already appears at record %d", short(r.Hash), first),
			})
		} else {
			seen[r.Hash] = i
		}
	}

	report.Valid = len(report.Violations) == 0
	return report
}

// short abbreviates a hash for diagnostics.
func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12] + "…"
	}
	return hash
}
