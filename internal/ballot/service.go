// Package ballot orchestrates the vote chain: policy checks, appends,
// local persistence, token issue/verify, tally comparison, and best-effort
// remote sync. The chain commit always happens (and is persisted) before
// sync is attempted; a remote failure never rolls back local state.
package ballot

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/votechain/votechain/internal/chain"
	"github.com/votechain/votechain/internal/remote"
	"github.com/votechain/votechain/internal/store"
	"github.com/votechain/votechain/internal/token"
)

// ErrTokenMismatch means a decoded token's stored hash does not match the
// digest recomputed from its own fields: the token was altered.
var ErrTokenMismatch = errors.New("token hash does not match its contents")

// ErrTokenUnknown means a well-formed, self-consistent token does not
// correspond to any record in the chain.
var ErrTokenUnknown = errors.New("token does not match any chain record")

// Service wires the chain core to its collaborators.
type Service struct {
	chain   chain.Chain
	files   *store.FileStore   // nil when the chain is self-persisting (postgres)
	gateway remote.Gateway
	images  token.ImageWriter // nil disables QR generation
	qrDir   string
	policy  Policy
	logger  *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithFileStore persists the chain to a local file after every mutation.
func WithFileStore(fs *store.FileStore) Option {
	return func(s *Service) { s.files = fs }
}

// WithGateway sets the sync gateway used by Cast (best-effort) and by
// SyncPush/SyncPull.
func WithGateway(g remote.Gateway) Option {
	return func(s *Service) { s.gateway = g }
}

// WithImageWriter enables QR generation for cast votes, writing images
// under dir.
func WithImageWriter(w token.ImageWriter, dir string) Option {
	return func(s *Service) {
		s.images = w
		s.qrDir = dir
	}
}

// WithPolicy sets the vote acceptance policy.
func WithPolicy(p Policy) Option {
	return func(s *Service) { s.policy = p }
}

// WithLogger sets the service logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// New creates a Service over c. Without options it runs fully offline:
// no file, no gateway, no images, permissive policy.
func New(c chain.Chain, opts ...Option) *Service {
	s := &Service{
		chain:   c,
		gateway: remote.NewNoopGateway(zap.NewNop()),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CastResult reports everything a single cast produced. SyncErr carries a
// remote failure; the vote is committed locally regardless.
type CastResult struct {
	Record       *chain.Record
	Payload      []byte
	QRPath       string
	SyncLocation string
	SyncErr      error
}

// Cast validates value against the policy, appends it to the chain,
// persists locally, encodes the token payload (writing a QR image when
// configured), and pushes the chain to the gateway best-effort.
func (s *Service) Cast(ctx context.Context, value string) (*CastResult, error) {
	if err := s.policy.Check(value, time.Now().UTC()); err != nil {
		return nil, err
	}

	rec, err := s.chain.Append(ctx, value)
	if err != nil {
		return nil, err
	}
	if err := s.persist(ctx); err != nil {
		return nil, err
	}

	payload, err := token.Encode(rec)
	if err != nil {
		return nil, fmt.Errorf("encode token: %w", err)
	}

	result := &CastResult{Record: rec, Payload: payload}

	if s.images != nil {
		path := filepath.Join(s.qrDir, fmt.Sprintf("vote_%s.png", rec.Hash[:8]))
		if err := s.images.Write(payload, path); err != nil {
			return nil, fmt.Errorf("write vote image: %w", err)
		}
		result.QRPath = path
	}

	// Local commit is durable at this point; sync is reported, not fatal.
	loc, syncErr := s.SyncPush(ctx)
	if syncErr != nil {
		s.logger.Warn("vote committed locally but sync push failed", zap.Error(syncErr))
		result.SyncErr = syncErr
	} else {
		result.SyncLocation = loc
	}

	s.logger.Info("vote cast",
		zap.String("value", rec.Value),
		zap.String("hash", rec.Hash),
	)
	return result, nil
}

// VerifyToken decodes a token payload and cross-checks it against the
// chain: the hash commitment must recompute, and an identical record must
// be present in the chain.
func (s *Service) VerifyToken(ctx context.Context, payload []byte) (*chain.Record, error) {
	rec, err := token.Decode(payload)
	if err != nil {
		return nil, err
	}

	if want := chain.ComputeHash(rec.Value, rec.Timestamp, rec.PrevHash); rec.Hash != want {
		return rec, ErrTokenMismatch
	}

	records, err := s.chain.Records(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		if r.Hash == rec.Hash && r.Equal(rec) {
			return rec, nil
		}
	}
	return rec, ErrTokenUnknown
}

// Validate runs the chain invariant checks.
func (s *Service) Validate(ctx context.Context) (*chain.Report, error) {
	return s.chain.Validate(ctx)
}

// Records returns a snapshot of the chain.
func (s *Service) Records(ctx context.Context) ([]*chain.Record, error) {
	return s.chain.Records(ctx)
}

// Tally counts votes by value.
func (s *Service) Tally(ctx context.Context) (map[string]int, error) {
	return s.chain.Tally(ctx)
}

// TallyMismatch is one divergent value in a tally comparison.
type TallyMismatch struct {
	Value string `json:"value"`
	Got   int    `json:"got"`
	Want  int    `json:"want"`
}

// TallyDiff compares the chain tally to an external reference tally.
type TallyDiff struct {
	Match      bool            `json:"match"`
	Mismatches []TallyMismatch `json:"mismatches,omitempty"`
}

// CompareTally diffs the chain tally against a reference tally, reporting
// every value whose counts differ (including values present on only one
// side).
func (s *Service) CompareTally(ctx context.Context, want map[string]int) (*TallyDiff, error) {
	got, err := s.chain.Tally(ctx)
	if err != nil {
		return nil, err
	}

	values := make(map[string]struct{}, len(got)+len(want))
	for v := range got {
		values[v] = struct{}{}
	}
	for v := range want {
		values[v] = struct{}{}
	}

	diff := &TallyDiff{Match: true}
	for v := range values {
		if got[v] != want[v] {
			diff.Mismatches = append(diff.Mismatches, TallyMismatch{Value: v, Got: got[v], Want: want[v]})
		}
	}
	sort.Slice(diff.Mismatches, func(i, j int) bool {
		return diff.Mismatches[i].Value < diff.Mismatches[j].Value
	})
	diff.Match = len(diff.Mismatches) == 0
	return diff, nil
}

// Prune removes every record for value and persists. The resulting chain
// deliberately fails Validate when a non-tail record was removed: the
// redaction stays forensically visible.
func (s *Service) Prune(ctx context.Context, value string) (int, error) {
	removed, err := s.chain.Prune(ctx, value)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		if err := s.persist(ctx); err != nil {
			return removed, err
		}
		s.logger.Warn("votes pruned; downstream hash links are now broken by design of the operation",
			zap.String("value", value),
			zap.Int("removed", removed),
		)
	}
	return removed, nil
}

// Reset clears the chain and persists the empty state.
func (s *Service) Reset(ctx context.Context) error {
	if err := s.chain.Reset(ctx); err != nil {
		return err
	}
	return s.persist(ctx)
}

// SyncPush serializes the current chain and pushes it to the gateway,
// returning the remote location identifier.
func (s *Service) SyncPush(ctx context.Context) (string, error) {
	records, err := s.chain.Records(ctx)
	if err != nil {
		return "", err
	}
	data, err := chain.MarshalRecords(records)
	if err != nil {
		return "", err
	}
	return s.gateway.Push(ctx, data)
}

// SyncPull fetches the remote chain, replaces the local sequence with it,
// and persists. The pulled chain is validated afterwards by callers that
// care; pull itself is a plain whole-file replace.
func (s *Service) SyncPull(ctx context.Context) (int, error) {
	data, err := s.gateway.Pull(ctx)
	if err != nil {
		return 0, err
	}
	records, err := chain.UnmarshalRecords(data)
	if err != nil {
		return 0, fmt.Errorf("parse pulled chain: %w", err)
	}
	if err := s.chain.Replace(ctx, records); err != nil {
		return 0, err
	}
	if err := s.persist(ctx); err != nil {
		return 0, err
	}
	s.logger.Info("chain replaced from remote", zap.Int("records", len(records)))
	return len(records), nil
}

// persist writes the chain to the local file store, when one is configured.
func (s *Service) persist(ctx context.Context) error {
	if s.files == nil {
		return nil
	}
	records, err := s.chain.Records(ctx)
	if err != nil {
		return err
	}
	if err := s.files.Save(records); err != nil {
		return fmt.Errorf("persist chain: %w", err)
	}
	return nil
}
