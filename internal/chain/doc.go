// Package chain implements a tamper-evident, hash-linked vote ledger.
//
// Every record commits to its predecessor via a SHA-256 hash over its
// value, timestamp, and the predecessor's hash. The first record in a
// chain uses the reserved sentinel GenesisHash as its predecessor.
// Tampering anywhere in the sequence is detectable via Validate.
//
// Two implementations of the Chain interface are provided:
//   - MemoryChain: in-process, for the CLI and for testing.
//   - PostgresChain: durable, for the votechaind service.
package chain
