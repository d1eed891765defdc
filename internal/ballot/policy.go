package ballot

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/votechain/votechain/internal/chain"
)

// ErrElectionClosed rejects a vote cast after the configured end time.
var ErrElectionClosed = errors.New("election has ended")

// Policy constrains which votes the service accepts. The zero value accepts
// any non-empty value at any time; the chain core itself stays
// value-agnostic.
type Policy struct {
	// Candidates, when non-empty, is the allow-list of valid vote values.
	Candidates []string
	// EndTime, when non-zero, closes the election: votes at or after it
	// are rejected before any chain mutation.
	EndTime time.Time
}

// Check validates a vote value against the policy at the given instant.
func (p Policy) Check(value string, now time.Time) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return fmt.Errorf("%w: value is empty", chain.ErrInvalidValue)
	}
	if !p.EndTime.IsZero() && !now.Before(p.EndTime) {
		return fmt.Errorf("%w at %s", ErrElectionClosed, p.EndTime.UTC().Format(time.RFC3339))
	}
	if len(p.Candidates) == 0 {
		return nil
	}
	for _, c := range p.Candidates {
		if value == c {
			return nil
		}
	}
	return fmt.Errorf("%w: %q is not in the candidate list", chain.ErrInvalidValue, value)
}
