// Command vote is the command-line interface for the vote chain.
//
// It keeps the chain in a local JSON file, emits a QR token image for each
// cast vote, and optionally syncs the chain to a private GitHub gist.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/votechain/votechain/internal/ballot"
	"github.com/votechain/votechain/internal/chain"
	"github.com/votechain/votechain/internal/remote"
	"github.com/votechain/votechain/internal/store"
	"github.com/votechain/votechain/internal/token"
)

// version is overridden by goreleaser via -ldflags "-X main.version=...".
var version = "dev"

// Exit codes for scripting against the CLI.
const (
	exitFailure         = 1
	exitInvalidValue    = 2
	exitDecodeError     = 3
	exitChainCorrupt    = 4
	exitSyncUnavailable = 5
)

var (
	cfgFile   string
	chainFile string
	offline   bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

// exitCode maps error kinds to the documented exit codes.
func exitCode(err error) int {
	switch {
	case errors.Is(err, chain.ErrInvalidValue), errors.Is(err, ballot.ErrElectionClosed):
		return exitInvalidValue
	case errors.Is(err, token.ErrMalformedPayload):
		return exitDecodeError
	case errors.Is(err, chain.ErrCorrupt):
		return exitChainCorrupt
	case errors.Is(err, remote.ErrUnavailable), errors.Is(err, remote.ErrNotFound):
		return exitSyncUnavailable
	default:
		return exitFailure
	}
}

var rootCmd = &cobra.Command{
	Use:   "vote",
	Short: "Tamper-evident vote chain CLI",
	Long: `vote maintains a hash-linked, append-only vote ledger.

Each cast vote commits to its predecessor's hash, producing a chain where
any tampering is detectable. Votes are issued as scannable QR tokens, and
the chain can be synced to a private GitHub gist.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".votechain"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.SetEnvPrefix("votechain")
		viper.AutomaticEnv()

		viper.SetDefault("chain_file", "vote_chain.json")
		viper.SetDefault("qr_dir", "qrcodes")
		viper.SetDefault("github_token", "")
		viper.SetDefault("gist_filename", "vote_chain.json")
		viper.SetDefault("gist_description", "votechain ledger")
		viper.SetDefault("candidates", []string{})
		viper.SetDefault("election_end", "")

		_ = viper.ReadInConfig()

		if chainFile == "" {
			chainFile = viper.GetString("chain_file")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.votechain/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&chainFile, "chain-file", "", "chain file path (default vote_chain.json)")
	rootCmd.PersistentFlags().BoolVar(&offline, "offline", false, "skip remote sync even when a GitHub token is configured")

	rootCmd.AddCommand(castCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(tallyCmd)
	rootCmd.AddCommand(pruneCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(versionCmd)
}

// newService wires a file-backed chain service from the CLI configuration.
func newService(withQR bool) (*ballot.Service, error) {
	logger := zap.NewNop()

	fileStore := store.NewFileStore(chainFile)
	records, err := fileStore.Load()
	if err != nil {
		return nil, err
	}

	var gateway remote.Gateway
	if ghToken := viper.GetString("github_token"); ghToken != "" && !offline {
		gateway = remote.NewGistGateway(
			ghToken,
			viper.GetString("gist_filename"),
			viper.GetString("gist_description"),
			logger,
		)
	} else {
		gateway = remote.NewNoopGateway(logger)
	}

	policy := ballot.Policy{Candidates: viper.GetStringSlice("candidates")}
	if endStr := viper.GetString("election_end"); endStr != "" {
		end, err := time.Parse(time.RFC3339, endStr)
		if err != nil {
			return nil, fmt.Errorf("parse election_end: %w", err)
		}
		policy.EndTime = end
	}

	opts := []ballot.Option{
		ballot.WithFileStore(fileStore),
		ballot.WithGateway(gateway),
		ballot.WithPolicy(policy),
	}
	if withQR {
		opts = append(opts, ballot.WithImageWriter(token.NewQRWriter(512), viper.GetString("qr_dir")))
	}
	return ballot.New(chain.FromRecords(records), opts...), nil
}

// ── cast ─────────────────────────────────────────────────────────────────────

var castNoQR bool

var castCmd = &cobra.Command{
	Use:   "cast <value>",
	Short: "Cast a vote and issue its QR token",
	Long: `Cast appends a vote to the chain, persists it locally, writes the
vote's QR token image, and pushes the chain to the configured gist.

The vote is committed locally before sync is attempted: a sync failure
never loses the vote, and the push can be retried with 'vote sync push'.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newService(!castNoQR)
		if err != nil {
			return err
		}

		result, err := svc.Cast(context.Background(), args[0])
		if err != nil {
			return err
		}

		out, _ := json.MarshalIndent(result.Record, "", "  ")
		fmt.Println("New vote recorded:")
		fmt.Println(string(out))
		if result.QRPath != "" {
			fmt.Printf("QR token saved as: %s\n", result.QRPath)
		}
		if result.SyncLocation != "" && result.SyncLocation != "offline" {
			fmt.Printf("Chain synced to: %s\n", result.SyncLocation)
		}
		if result.SyncErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: vote committed locally, but sync failed: %v\n", result.SyncErr)
			fmt.Fprintln(os.Stderr, "Retry with: vote sync push")
			return result.SyncErr
		}
		return nil
	},
}

func init() {
	castCmd.Flags().BoolVar(&castNoQR, "no-qr", false, "skip QR token image generation")
}

// ── verify ───────────────────────────────────────────────────────────────────

var (
	verifyPayload string
	verifyFile    string
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Decode a scanned token payload and verify it against the chain",
	Long: `Verify decodes a token payload (the text content of a scanned QR
code) and cross-checks it against the local chain: the token's hash must
recompute from its own fields, and an identical record must exist in the
chain.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		payload := []byte(verifyPayload)
		if verifyFile != "" {
			data, err := os.ReadFile(verifyFile)
			if err != nil {
				return fmt.Errorf("read payload file: %w", err)
			}
			payload = data
		}
		if len(payload) == 0 {
			return fmt.Errorf("%w: provide --payload or --file", token.ErrMalformedPayload)
		}

		svc, err := newService(false)
		if err != nil {
			return err
		}

		rec, err := svc.VerifyToken(context.Background(), payload)
		if err != nil {
			if rec != nil {
				out, _ := json.MarshalIndent(rec, "", "  ")
				fmt.Println(string(out))
			}
			return err
		}

		out, _ := json.MarshalIndent(rec, "", "  ")
		fmt.Println("✓ Token verified against the chain:")
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	verifyCmd.Flags().StringVar(&verifyPayload, "payload", "", "token payload text")
	verifyCmd.Flags().StringVar(&verifyFile, "file", "", "file containing the token payload")
}

// ── validate ─────────────────────────────────────────────────────────────────

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check every chain invariant and report violations",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newService(false)
		if err != nil {
			return err
		}

		report, err := svc.Validate(context.Background())
		if err != nil {
			return err
		}

		for _, w := range report.Warnings {
			fmt.Printf("warning: %s\n", w)
		}
		if report.Valid {
			fmt.Println("✓ Chain is valid")
			return nil
		}

		for _, v := range report.Violations {
			fmt.Printf("violation: %s\n", v)
		}
		return fmt.Errorf("%w: %d violation(s)", chain.ErrCorrupt, len(report.Violations))
	},
}

// ── tally ────────────────────────────────────────────────────────────────────

var tallyExpect string

var tallyCmd = &cobra.Command{
	Use:   "tally",
	Short: "Count votes by value, optionally comparing to a reference tally",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newService(false)
		if err != nil {
			return err
		}
		ctx := context.Background()

		counts, err := svc.Tally(ctx)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "VALUE\tCOUNT")
		for _, value := range sortedKeys(counts) {
			fmt.Fprintf(w, "%s\t%d\n", value, counts[value])
		}
		if err := w.Flush(); err != nil {
			return err
		}

		if tallyExpect == "" {
			return nil
		}

		data, err := os.ReadFile(tallyExpect)
		if err != nil {
			return fmt.Errorf("read reference tally: %w", err)
		}
		var want map[string]int
		if err := json.Unmarshal(data, &want); err != nil {
			return fmt.Errorf("parse reference tally: %w", err)
		}

		diff, err := svc.CompareTally(ctx, want)
		if err != nil {
			return err
		}
		if diff.Match {
			fmt.Println("\n✓ Tally matches the reference")
			return nil
		}
		fmt.Println("\nTally diverges from the reference:")
		for _, m := range diff.Mismatches {
			fmt.Printf("  %s: chain=%d reference=%d\n", m.Value, m.Got, m.Want)
		}
		return fmt.Errorf("tally mismatch on %d value(s)", len(diff.Mismatches))
	},
}

func init() {
	tallyCmd.Flags().StringVar(&tallyExpect, "expect", "", "JSON file with the reference tally (value→count)")
}

// ── prune ────────────────────────────────────────────────────────────────────

var pruneForce bool

var pruneCmd = &cobra.Command{
	Use:   "prune <value>",
	Short: "Remove every vote for a value (leaves a visible integrity break)",
	Long: `Prune removes all records whose value matches the argument.

Remaining records are NOT re-linked: pruning a non-tail record breaks the
hash chain at the next surviving record, and 'vote validate' will report
it. The redaction is meant to be forensically visible, not hidden.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		value := args[0]

		if !pruneForce {
			fmt.Printf("Pruning %q removes its votes and permanently breaks the hash chain.\n", value)
			fmt.Print("Continue? [y/N]: ")
			reader := bufio.NewReader(os.Stdin)
			answer, _ := reader.ReadString('\n')
			if strings.ToLower(strings.TrimSpace(answer)) != "y" {
				fmt.Println("Aborted.")
				return nil
			}
		}

		svc, err := newService(false)
		if err != nil {
			return err
		}
		ctx := context.Background()

		removed, err := svc.Prune(ctx, value)
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d record(s) for %q\n", removed, value)

		report, err := svc.Validate(ctx)
		if err != nil {
			return err
		}
		if !report.Valid {
			fmt.Println("Chain integrity is now broken, as expected after a prune:")
			for _, v := range report.Violations {
				fmt.Printf("  %s\n", v)
			}
		}
		return nil
	},
}

func init() {
	pruneCmd.Flags().BoolVar(&pruneForce, "force", false, "skip confirmation prompt")
}

// ── reset ────────────────────────────────────────────────────────────────────

var resetForce bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear the chain; the next vote starts a fresh genesis record",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !resetForce {
			fmt.Print("This deletes the entire local chain. Continue? [y/N]: ")
			reader := bufio.NewReader(os.Stdin)
			answer, _ := reader.ReadString('\n')
			if strings.ToLower(strings.TrimSpace(answer)) != "y" {
				fmt.Println("Aborted.")
				return nil
			}
		}

		svc, err := newService(false)
		if err != nil {
			return err
		}
		if err := svc.Reset(context.Background()); err != nil {
			return err
		}
		fmt.Println("Chain reset.")
		return nil
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetForce, "force", false, "skip confirmation prompt")
}

// ── sync ─────────────────────────────────────────────────────────────────────

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push or pull the chain to/from the configured gist",
}

var syncPushCmd = &cobra.Command{
	Use:   "push",
	Short: "Push the local chain to the remote store",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newService(false)
		if err != nil {
			return err
		}
		loc, err := svc.SyncPush(context.Background())
		if err != nil {
			return err
		}
		fmt.Printf("Chain pushed to: %s\n", loc)
		return nil
	},
}

var syncPullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Replace the local chain with the remote copy",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newService(false)
		if err != nil {
			return err
		}
		ctx := context.Background()

		n, err := svc.SyncPull(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Pulled %d record(s)\n", n)

		report, err := svc.Validate(ctx)
		if err != nil {
			return err
		}
		if !report.Valid {
			for _, v := range report.Violations {
				fmt.Printf("violation: %s\n", v)
			}
			return fmt.Errorf("%w: pulled chain has %d violation(s)", chain.ErrCorrupt, len(report.Violations))
		}
		fmt.Println("✓ Pulled chain is valid")
		return nil
	},
}

func init() {
	syncCmd.AddCommand(syncPushCmd)
	syncCmd.AddCommand(syncPullCmd)
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the vote CLI version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("vote %s (votechain)\n", version)
	},
}

// sortedKeys returns the map's keys in lexical order for stable output.
func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
