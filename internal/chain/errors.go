package chain

import "errors"

// ErrInvalidValue rejects an empty or disallowed vote value. It is returned
// before any chain mutation; the chain is left unchanged.
var ErrInvalidValue = errors.New("invalid vote value")

// ErrCorrupt indicates Validate found one or more invariant violations.
// The chain is reported as-is, never auto-repaired.
var ErrCorrupt = errors.New("chain integrity violated")
