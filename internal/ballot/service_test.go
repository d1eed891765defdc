package ballot_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/votechain/votechain/internal/ballot"
	"github.com/votechain/votechain/internal/chain"
	"github.com/votechain/votechain/internal/store"
	"github.com/votechain/votechain/internal/token"
)

var ctx = context.Background()

// recordingGateway captures pushes and serves a canned pull.
type recordingGateway struct {
	pushed   [][]byte
	pullData []byte
	pushErr  error
	pullErr  error
}

func (g *recordingGateway) Push(_ context.Context, data []byte) (string, error) {
	if g.pushErr != nil {
		return "", g.pushErr
	}
	g.pushed = append(g.pushed, data)
	return "https://gist.example/g1", nil
}

func (g *recordingGateway) Pull(_ context.Context) ([]byte, error) {
	if g.pullErr != nil {
		return nil, g.pullErr
	}
	return g.pullData, nil
}

func TestCast_appendsAndIssuesToken(t *testing.T) {
	svc := ballot.New(chain.New())

	res, err := svc.Cast(ctx, "Candidate A")
	if err != nil {
		t.Fatal(err)
	}
	if res.Record.Value != "Candidate A" {
		t.Errorf("value: got %q", res.Record.Value)
	}
	if res.Record.PrevHash != chain.GenesisHash {
		t.Errorf("first vote prev_hash: got %q", res.Record.PrevHash)
	}

	back, err := token.Decode(res.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if !back.Equal(res.Record) {
		t.Error("issued token does not decode back to the cast record")
	}
}

func TestCast_rejectsUnknownCandidate(t *testing.T) {
	svc := ballot.New(chain.New(),
		ballot.WithPolicy(ballot.Policy{Candidates: []string{"A", "B"}}),
	)

	if _, err := svc.Cast(ctx, "C"); !errors.Is(err, chain.ErrInvalidValue) {
		t.Errorf("got %v, want ErrInvalidValue", err)
	}

	n, _ := chainLen(t, svc)
	if n != 0 {
		t.Errorf("rejected vote mutated the chain: %d records", n)
	}
}

func TestCast_rejectsAfterElectionEnd(t *testing.T) {
	svc := ballot.New(chain.New(),
		ballot.WithPolicy(ballot.Policy{EndTime: time.Now().UTC().Add(-time.Hour)}),
	)

	if _, err := svc.Cast(ctx, "A"); !errors.Is(err, ballot.ErrElectionClosed) {
		t.Errorf("got %v, want ErrElectionClosed", err)
	}
}

func TestCast_persistsToFileStore(t *testing.T) {
	fs := store.NewFileStore(filepath.Join(t.TempDir(), "vote_chain.json"))
	svc := ballot.New(chain.New(), ballot.WithFileStore(fs))

	if _, err := svc.Cast(ctx, "A"); err != nil {
		t.Fatal(err)
	}

	records, err := fs.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].Value != "A" {
		t.Errorf("chain file: got %v", records)
	}
}

func TestCast_syncFailureDoesNotRollBack(t *testing.T) {
	gw := &recordingGateway{pushErr: errors.New("api down")}
	svc := ballot.New(chain.New(), ballot.WithGateway(gw))

	res, err := svc.Cast(ctx, "A")
	if err != nil {
		t.Fatalf("local commit must survive a sync failure: %v", err)
	}
	if res.SyncErr == nil {
		t.Error("expected SyncErr to carry the push failure")
	}

	n, _ := chainLen(t, svc)
	if n != 1 {
		t.Errorf("vote lost after sync failure: %d records", n)
	}
}

func TestCast_pushesChainToGateway(t *testing.T) {
	gw := &recordingGateway{}
	svc := ballot.New(chain.New(), ballot.WithGateway(gw))

	res, err := svc.Cast(ctx, "A")
	if err != nil {
		t.Fatal(err)
	}
	if res.SyncLocation != "https://gist.example/g1" {
		t.Errorf("sync location: got %q", res.SyncLocation)
	}
	if len(gw.pushed) != 1 {
		t.Fatalf("expected one push, got %d", len(gw.pushed))
	}

	records, err := chain.UnmarshalRecords(gw.pushed[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || !records[0].Equal(res.Record) {
		t.Errorf("pushed chain does not match local chain: %v", records)
	}
}

func TestVerifyToken_roundTrip(t *testing.T) {
	svc := ballot.New(chain.New())
	res, err := svc.Cast(ctx, "A")
	if err != nil {
		t.Fatal(err)
	}

	rec, err := svc.VerifyToken(ctx, res.Payload)
	if err != nil {
		t.Fatalf("freshly issued token failed verification: %v", err)
	}
	if !rec.Equal(res.Record) {
		t.Error("verified record differs from the cast record")
	}
}

func TestVerifyToken_alteredTokenIsMismatch(t *testing.T) {
	svc := ballot.New(chain.New())
	res, err := svc.Cast(ctx, "A")
	if err != nil {
		t.Fatal(err)
	}

	// Re-encode with a tampered value but the original hash.
	tampered := *res.Record
	tampered.Value = "B"
	payload, err := token.Encode(&tampered)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := svc.VerifyToken(ctx, payload); !errors.Is(err, ballot.ErrTokenMismatch) {
		t.Errorf("got %v, want ErrTokenMismatch", err)
	}
}

func TestVerifyToken_selfConsistentButAbsentIsUnknown(t *testing.T) {
	svc := ballot.New(chain.New())
	if _, err := svc.Cast(ctx, "A"); err != nil {
		t.Fatal(err)
	}

	// A perfectly valid record that was never appended to this chain.
	stray, err := chain.NewRecord("B", "some_other_prev")
	if err != nil {
		t.Fatal(err)
	}
	payload, err := token.Encode(stray)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := svc.VerifyToken(ctx, payload); !errors.Is(err, ballot.ErrTokenUnknown) {
		t.Errorf("got %v, want ErrTokenUnknown", err)
	}
}

func TestVerifyToken_malformedPayload(t *testing.T) {
	svc := ballot.New(chain.New())
	if _, err := svc.VerifyToken(ctx, []byte("not a token")); !errors.Is(err, token.ErrMalformedPayload) {
		t.Errorf("got %v, want ErrMalformedPayload", err)
	}
}

func TestCompareTally(t *testing.T) {
	svc := ballot.New(chain.New())
	for _, v := range []string{"A", "A", "B"} {
		if _, err := svc.Cast(ctx, v); err != nil {
			t.Fatal(err)
		}
	}

	diff, err := svc.CompareTally(ctx, map[string]int{"A": 2, "B": 1})
	if err != nil {
		t.Fatal(err)
	}
	if !diff.Match {
		t.Errorf("matching tallies reported mismatches: %+v", diff.Mismatches)
	}

	diff, err = svc.CompareTally(ctx, map[string]int{"A": 2, "C": 1})
	if err != nil {
		t.Fatal(err)
	}
	if diff.Match {
		t.Fatal("diverging tallies reported as match")
	}
	if len(diff.Mismatches) != 2 {
		t.Fatalf("expected 2 mismatches, got %+v", diff.Mismatches)
	}
	// Sorted by value: B then C.
	if diff.Mismatches[0].Value != "B" || diff.Mismatches[0].Got != 1 || diff.Mismatches[0].Want != 0 {
		t.Errorf("mismatch[0]: %+v", diff.Mismatches[0])
	}
	if diff.Mismatches[1].Value != "C" || diff.Mismatches[1].Got != 0 || diff.Mismatches[1].Want != 1 {
		t.Errorf("mismatch[1]: %+v", diff.Mismatches[1])
	}
}

func TestPrune_persistsRedactedChain(t *testing.T) {
	fs := store.NewFileStore(filepath.Join(t.TempDir(), "vote_chain.json"))
	svc := ballot.New(chain.New(), ballot.WithFileStore(fs))
	for _, v := range []string{"A", "B", "C"} {
		if _, err := svc.Cast(ctx, v); err != nil {
			t.Fatal(err)
		}
	}

	removed, err := svc.Prune(ctx, "B")
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Errorf("removed: got %d, want 1", removed)
	}

	records, err := fs.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("persisted chain: got %d records", len(records))
	}

	report, err := svc.Validate(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Valid {
		t.Error("prune of a middle record must leave a visible break")
	}
}

func TestSyncPull_replacesLocalChain(t *testing.T) {
	a, _ := chain.NewRecord("X", chain.GenesisHash)
	b, _ := chain.NewRecord("Y", a.Hash)
	data, err := chain.MarshalRecords([]*chain.Record{a, b})
	if err != nil {
		t.Fatal(err)
	}

	fs := store.NewFileStore(filepath.Join(t.TempDir(), "vote_chain.json"))
	svc := ballot.New(chain.New(),
		ballot.WithFileStore(fs),
		ballot.WithGateway(&recordingGateway{pullData: data}),
	)
	if _, err := svc.Cast(ctx, "local-only"); err != nil {
		t.Fatal(err)
	}

	n, err := svc.SyncPull(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("pulled records: got %d, want 2", n)
	}

	records, _ := svc.Records(ctx)
	if len(records) != 2 || records[0].Value != "X" || records[1].Value != "Y" {
		t.Errorf("local chain not replaced: %v", records)
	}

	persisted, err := fs.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(persisted) != 2 {
		t.Errorf("pulled chain not persisted: %d records", len(persisted))
	}
}

func TestSyncPull_rejectsGarbageRemote(t *testing.T) {
	svc := ballot.New(chain.New(),
		ballot.WithGateway(&recordingGateway{pullData: []byte("{broken")}),
	)
	if _, err := svc.Cast(ctx, "A"); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.SyncPull(ctx); err == nil {
		t.Fatal("expected error for unparseable remote chain")
	}

	// The local chain must be untouched.
	n, _ := chainLen(t, svc)
	if n != 1 {
		t.Errorf("garbage pull mutated the chain: %d records", n)
	}
}

func chainLen(t *testing.T, svc *ballot.Service) (int, error) {
	t.Helper()
	records, err := svc.Records(ctx)
	return len(records), err
}
