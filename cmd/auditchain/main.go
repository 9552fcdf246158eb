// Package main is the CLI entry point for auditchain, the tamper-evident
// change log for tracked assets, users and procurement records.
//
// Every audited field change is appended to a per-entity hash chain. Each
// record's digest covers its own content and the previous record's digest,
// so editing, deleting or reordering stored records is detected on
// verification.
//
// CLI commands (cobra):
//
//	auditchain serve            - Run the HTTP API and live feed
//	auditchain stop             - Stop a running server
//	auditchain status           - Show server status and record counts
//	auditchain record           - Append one field change to a chain
//	auditchain verify           - Verify one or more entity chains
//	auditchain list             - List changes by entity, actor, or recency
//	auditchain export           - Export an entity chain (jsonl, json, csv)
//	auditchain config           - Show or generate configuration
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/assetledger/auditchain/internal/api"
	"github.com/assetledger/auditchain/internal/audit"
	"github.com/assetledger/auditchain/internal/chain"
	"github.com/assetledger/auditchain/internal/config"
	"github.com/assetledger/auditchain/internal/fieldset"
	"github.com/assetledger/auditchain/internal/store"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123 -X main.buildDate=2026-02-10"
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// defaultConfigDir returns ~/.auditchain/, where config.yaml, the SQLite
// database and the PID file live.
func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".auditchain"
	}
	return filepath.Join(home, ".auditchain")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ============================================================================
// Root command
// ============================================================================

var (
	configDir string
	verbose   bool
)

var rootCmd = &cobra.Command{
	Use:   "auditchain",
	Short: "Tamper-evident change log for tracked entities",
	Long: `auditchain records every change to an audited field of a tracked entity
(asset, user, procurement request) in a per-entity hash chain. Each record
commits to the previous one, so any later edit, deletion or reordering of
stored records is detected by 'auditchain verify'.

Run 'auditchain serve' to start the HTTP API.`,
	Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&configDir,
		"config-dir",
		defaultConfigDir(),
		"Path to auditchain config and data directory",
	)
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(configCmd)
}

func configPath() string {
	return filepath.Join(configDir, "config.yaml")
}

// loadConfig loads config.yaml from the config directory (defaults if absent).
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// openBackend opens the configured store. The returned close func is never nil.
func openBackend(cfg *config.Config, forceMemory bool) (audit.Backend, func() error, error) {
	if forceMemory || cfg.Store.Driver == "memory" {
		return store.NewMemory(), func() error { return nil }, nil
	}

	path := cfg.Store.Path
	if !filepath.IsAbs(path) {
		path = filepath.Join(configDir, path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	db, err := store.OpenSQLite(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open audit store %s: %w", path, err)
	}
	return db, db.Close, nil
}

// openService builds a Service for one-shot CLI commands. The memory
// driver is rejected since its chains only live inside a running server.
func openService(cfg *config.Config) (*audit.Service, func() error, error) {
	if cfg.Store.Driver == "memory" {
		return nil, nil, errors.New("store.driver is memory: chains only exist inside 'auditchain serve', use the HTTP API")
	}
	backend, closeFn, err := openBackend(cfg, false)
	if err != nil {
		return nil, nil, err
	}
	fields, err := fieldset.New(cfg.Audit.Fields)
	if err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("invalid audit.fields: %w", err)
	}
	svc, err := audit.New(audit.Options{
		Backend:      backend,
		Fields:       fields,
		MaxAttempts:  cfg.Audit.MaxAttempts,
		RetryBackoff: cfg.Audit.RetryBackoff(),
		LockTimeout:  cfg.Audit.LockTimeout(),
	})
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	return svc, closeFn, nil
}

// ============================================================================
// auditchain serve: Run the HTTP API
// ============================================================================

var serveMemory bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the auditchain HTTP API",
	Long: `Run the auditchain HTTP API and websocket live feed.

The server binds to the address in ~/.auditchain/config.yaml
(default: 127.0.0.1:3200):
  - API:       http://127.0.0.1:3200/api/entities/{entityID}/changes
  - Live feed: ws://127.0.0.1:3200/api/ws

Edits to audit.fields in config.yaml take effect without a restart.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, args)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveMemory, "memory", false, "Keep chains in memory only (nothing is persisted)")
}

// runServe wires the stack together:
//
//  1. Load config.yaml (with AUDITCHAIN_* overrides)
//  2. Open the record store
//  3. Build the audited field set and the audit service
//  4. Mount the API and live feed on one chi router
//  5. Watch config.yaml to hot-reload the field set
//  6. Serve until SIGINT/SIGTERM or POST /shutdown
func runServe(cmd *cobra.Command, args []string) error {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	backend, closeBackend, err := openBackend(cfg, serveMemory)
	if err != nil {
		return err
	}
	defer closeBackend()

	fields, err := fieldset.New(cfg.Audit.Fields)
	if err != nil {
		return fmt.Errorf("invalid audit.fields: %w", err)
	}
	fmt.Printf("[auditchain] Auditing fields: %s\n", strings.Join(fields.Patterns(), ", "))

	var hub *api.Hub
	if cfg.Server.LiveFeed {
		hub = api.NewHub(originChecker(cfg.Server.AllowedOrigins))
		defer hub.Close()
	}

	svcOpts := audit.Options{
		Backend:      backend,
		Fields:       fields,
		MaxAttempts:  cfg.Audit.MaxAttempts,
		RetryBackoff: cfg.Audit.RetryBackoff(),
		LockTimeout:  cfg.Audit.LockTimeout(),
	}
	if hub != nil {
		svcOpts.OnRecord = hub.BroadcastRecord
		svcOpts.OnCorruption = hub.BroadcastAlert
	}
	svc, err := audit.New(svcOpts)
	if err != nil {
		return fmt.Errorf("failed to initialize audit service: %w", err)
	}

	apiServer := api.New(api.Options{
		Service:        svc,
		Hub:            hub,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})

	// /shutdown lives outside the API router: it is a process control
	// endpoint used by 'auditchain stop' and only answers loopback callers.
	shutdownCh := make(chan struct{}, 1)
	mux := http.NewServeMux()
	mux.Handle("/", apiServer)
	mux.HandleFunc("/shutdown", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		if !isLoopback(r.RemoteAddr) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"status":"shutting_down"}`)
		select {
		case shutdownCh <- struct{}{}:
		default:
		}
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	pidFile := filepath.Join(configDir, "auditchain.pid")
	if err := writePIDFile(pidFile); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	defer removePIDFile(pidFile)

	// Only the field set is hot-reloaded; server and store changes need a
	// restart.
	watcher, err := config.NewWatcher(configPath(), func(next *config.Config) {
		if reloadErr := fields.Reload(next.Audit.Fields); reloadErr != nil {
			fmt.Fprintf(os.Stderr, "[auditchain] Warning: failed to reload audit.fields: %v\n", reloadErr)
			return
		}
		fmt.Printf("[auditchain] Audited fields reloaded: %s\n", strings.Join(fields.Patterns(), ", "))
	})
	if err != nil {
		return fmt.Errorf("failed to start config watcher: %w", err)
	}
	defer watcher.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		fmt.Printf("[auditchain] API listening on http://%s\n", addr)
		if hub != nil {
			fmt.Printf("[auditchain] Live feed at ws://%s/api/ws\n", addr)
		}
		if serveMemory || cfg.Store.Driver == "memory" {
			fmt.Println("[auditchain] Using in-memory store: chains are lost on exit")
		}
		fmt.Println("[auditchain] Press Ctrl+C to stop")
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		fmt.Println("\n[auditchain] Shutting down (signal received)...")
	case <-shutdownCh:
		fmt.Println("[auditchain] Shutting down (stop command received)...")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
		fmt.Fprintf(os.Stderr, "[auditchain] Shutdown error: %v\n", shutdownErr)
	}

	fmt.Println("[auditchain] Stopped")
	return nil
}

// originChecker allows websocket upgrades from the configured CORS origins
// and from non-browser clients that send no Origin header.
func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		return false
	}
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func removePIDFile(path string) {
	os.Remove(path)
}

// isLoopback checks if a remote address is a loopback address (127.x.x.x or ::1).
func isLoopback(remoteAddr string) bool {
	host := remoteAddr
	if idx := strings.LastIndex(remoteAddr, ":"); idx != -1 {
		host = remoteAddr[:idx]
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")

	return host == "127.0.0.1" || host == "::1" || strings.HasPrefix(host, "127.")
}

// serverURL is the base URL of the configured server address.
func serverURL(cfg *config.Config) string {
	return fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
}

// ============================================================================
// auditchain stop: Stop a running server
// ============================================================================

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running auditchain server",
	Long: `Stop a running server. Tries HTTP shutdown first, then falls back to
the PID file and SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		addr := serverURL(cfg)
		pidFile := filepath.Join(configDir, "auditchain.pid")

		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Post(addr+"/shutdown", "application/json", nil)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				fmt.Println("[auditchain] Stop signal sent to server")
				os.Remove(pidFile)
				return nil
			}
		}

		pidBytes, err := os.ReadFile(pidFile)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("server is not running (no PID file and HTTP unreachable)")
			}
			return fmt.Errorf("failed to read PID file: %w", err)
		}
		pid, err := strconv.Atoi(strings.TrimSpace(string(pidBytes)))
		if err != nil {
			return fmt.Errorf("invalid PID in %s: %w", pidFile, err)
		}
		process, err := os.FindProcess(pid)
		if err != nil {
			return fmt.Errorf("failed to find process %d: %w", pid, err)
		}
		if err := process.Signal(syscall.SIGTERM); err != nil {
			os.Remove(pidFile)
			return fmt.Errorf("failed to stop server (PID %d): %w", pid, err)
		}
		os.Remove(pidFile)
		fmt.Printf("[auditchain] Sent stop signal to server (PID %d)\n", pid)
		return nil
	},
}

// ============================================================================
// auditchain status: Show server status
// ============================================================================

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server status and record counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		addr := serverURL(cfg)
		client := &http.Client{Timeout: 2 * time.Second}

		resp, err := client.Get(addr + "/health")
		if err != nil {
			fmt.Println("[auditchain] Status: NOT RUNNING")
			fmt.Printf("[auditchain] Expected at: %s\n", addr)
			return nil
		}
		resp.Body.Close()

		fmt.Println("[auditchain] Status: RUNNING")
		fmt.Printf("[auditchain] Listening on: %s\n", addr)

		statsResp, err := client.Get(addr + "/api/statistics")
		if err != nil {
			fmt.Println("[auditchain] Could not query statistics")
			return nil
		}
		defer statsResp.Body.Close()

		var stats chain.Stats
		if err := json.NewDecoder(statsResp.Body).Decode(&stats); err != nil {
			fmt.Println("[auditchain] Could not parse statistics")
			return nil
		}
		printStats(stats)
		return nil
	},
}

func printStats(stats chain.Stats) {
	fmt.Printf("[auditchain] Records: %d total, %d in the last 7 days\n", stats.TotalRecords, stats.RecentCount)
	if len(stats.ByField) > 0 {
		fmt.Println()
		fmt.Printf("  %-30s %-8s\n", "FIELD", "CHANGES")
		for _, f := range stats.ByField {
			fmt.Printf("  %-30s %-8d\n", f.Key, f.Count)
		}
	}
	if len(stats.TopActors) > 0 {
		fmt.Println()
		fmt.Printf("  %-30s %-8s\n", "ACTOR", "CHANGES")
		for _, a := range stats.TopActors {
			fmt.Printf("  %-30s %-8d\n", a.Key, a.Count)
		}
	}
}

// ============================================================================
// auditchain record: Append one field change
// ============================================================================

var (
	recordOld      string
	recordNew      string
	recordActor    string
	recordEmail    string
	recordMetadata []string
)

// recordCmd appends one change from the command line. An --old or --new
// flag that is not given records an absent value, which is distinct from
// an explicitly empty one (--old "").
var recordCmd = &cobra.Command{
	Use:   "record <entity-id> <field>",
	Short: "Append a field change to an entity's chain",
	Long: `Append one field change to an entity's audit chain.

Examples:
  auditchain record ASSET-1 assignedTo --new alice --actor u-admin
  auditchain record ASSET-1 assignedTo --old alice --new bob --actor u-admin --email admin@example.com`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		svc, closeFn, err := openService(cfg)
		if err != nil {
			return err
		}
		defer closeFn()

		req := audit.ChangeRequest{
			EntityID: args[0],
			Field:    args[1],
			Actor:    chain.Actor{ID: recordActor, Email: recordEmail},
		}
		if cmd.Flags().Changed("old") {
			req.OldValue = chain.Val(recordOld)
		}
		if cmd.Flags().Changed("new") {
			req.NewValue = chain.Val(recordNew)
		}
		if len(recordMetadata) > 0 {
			req.Metadata = make(map[string]any, len(recordMetadata))
			for _, kv := range recordMetadata {
				k, v, ok := strings.Cut(kv, "=")
				if !ok || k == "" {
					return fmt.Errorf("invalid --meta %q: expected key=value", kv)
				}
				req.Metadata[k] = v
			}
		}

		receipt, err := svc.RecordChange(cmd.Context(), req)
		if err != nil {
			return fmt.Errorf("failed to record change: %w", err)
		}
		fmt.Printf("[auditchain] Recorded %s.%s seq=%d hash=%s\n", req.EntityID, receipt.Field, receipt.Sequence, receipt.Hash)
		return nil
	},
}

func init() {
	recordCmd.Flags().StringVar(&recordOld, "old", "", "Previous value (omit for absent)")
	recordCmd.Flags().StringVar(&recordNew, "new", "", "New value (omit for absent)")
	recordCmd.Flags().StringVar(&recordActor, "actor", "", "ID of the user making the change")
	recordCmd.Flags().StringVar(&recordEmail, "email", "", "Email of the user making the change")
	recordCmd.Flags().StringArrayVar(&recordMetadata, "meta", nil, "Metadata key=value (repeatable, not covered by the digest)")
	recordCmd.MarkFlagRequired("actor")
}

// ============================================================================
// auditchain verify: Verify entity chains
// ============================================================================

var verifyCmd = &cobra.Command{
	Use:   "verify <entity-id> [entity-id...]",
	Short: "Verify hash chain integrity",
	Long: `Replay each entity's chain and recompute every digest. A record whose
content was edited, a deleted or reordered record, or a broken link to
the previous record is reported with the sequence where the chain breaks.

Exits non-zero if any chain is broken.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		svc, closeFn, err := openService(cfg)
		if err != nil {
			return err
		}
		defer closeFn()

		broken := 0
		for _, id := range args {
			res, err := svc.VerifyChain(cmd.Context(), id)
			if err != nil {
				return fmt.Errorf("verification of %s failed: %w", id, err)
			}
			if res.IsValid {
				fmt.Printf("[auditchain] %s: chain VALID (%d records verified)\n", id, res.VerifiedCount)
				continue
			}
			broken++
			fmt.Printf("[auditchain] %s: chain BROKEN at sequence %d (%s)\n", id, *res.BrokenAtSequence, res.Reason)
			if res.ExpectedSequence != nil && res.ActualSequence != nil {
				fmt.Printf("  Expected sequence: %d\n", *res.ExpectedSequence)
				fmt.Printf("  Actual sequence:   %d\n", *res.ActualSequence)
			} else {
				fmt.Printf("  Expected: %s\n", res.ExpectedDigest)
				fmt.Printf("  Actual:   %s\n", res.ActualDigest)
			}
			fmt.Printf("  Verified before break: %d of %d\n", res.VerifiedCount, res.TotalRecords)
		}
		if broken > 0 {
			return fmt.Errorf("audit chain integrity violation detected in %d of %d entities", broken, len(args))
		}
		return nil
	},
}

// ============================================================================
// auditchain list: Query changes
// ============================================================================

var (
	listActor  string
	listRecent bool
	listField  string
	listSkip   int
	listLimit  int
	listStats  bool
)

var listCmd = &cobra.Command{
	Use:   "list [entity-id]",
	Short: "List recorded changes",
	Long: `List recorded changes without verifying them.

Examples:
  auditchain list ASSET-1                     # one entity's chain, oldest first
  auditchain list --actor u-admin --limit 20  # changes made by one user
  auditchain list --recent --field assignedTo # newest changes across entities
  auditchain list --stats                     # counts by field and actor`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		svc, closeFn, err := openService(cfg)
		if err != nil {
			return err
		}
		defer closeFn()

		ctx := cmd.Context()
		var recs []chain.Record
		switch {
		case listStats:
			stats, err := svc.Statistics(ctx)
			if err != nil {
				return fmt.Errorf("statistics failed: %w", err)
			}
			printStats(stats)
			return nil
		case len(args) == 1:
			recs, err = svc.ListChanges(ctx, args[0], listSkip, listLimit)
		case listActor != "":
			recs, err = svc.ChangesByActor(ctx, listActor, listSkip, listLimit)
		case listRecent:
			recs, err = svc.RecentChanges(ctx, listField, listLimit)
		default:
			return errors.New("give an entity id, --actor, --recent or --stats")
		}
		if err != nil {
			return fmt.Errorf("query failed: %w", err)
		}

		if len(recs) == 0 {
			fmt.Println("No matching changes found.")
			return nil
		}
		for _, r := range recs {
			printRecord(r)
		}
		fmt.Printf("\n%d changes found.\n", len(recs))
		return nil
	},
}

func init() {
	listCmd.Flags().StringVar(&listActor, "actor", "", "List changes made by this actor ID")
	listCmd.Flags().BoolVar(&listRecent, "recent", false, "List the newest changes across all entities")
	listCmd.Flags().StringVar(&listField, "field", "", "With --recent, only this field")
	listCmd.Flags().IntVar(&listSkip, "skip", 0, "Number of changes to skip")
	listCmd.Flags().IntVarP(&listLimit, "limit", "n", 50, "Maximum number of changes to return")
	listCmd.Flags().BoolVar(&listStats, "stats", false, "Show counts by field and actor")
}

// printRecord formats one record on a single line.
func printRecord(r chain.Record) {
	fmt.Printf("[%s] %-12s #%-4d %-20s %s -> %s  by=%s hash=%s\n",
		r.Timestamp.Format(time.RFC3339), r.EntityID, r.Sequence, r.FieldName,
		displayValue(r.OldValue), displayValue(r.NewValue), r.ActorID, shortHash(r.CurrentDigest))
}

func displayValue(v *string) string {
	if v == nil {
		return "(none)"
	}
	return strconv.Quote(*v)
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

// ============================================================================
// auditchain export: Export an entity chain
// ============================================================================

var exportFormat string

var exportCmd = &cobra.Command{
	Use:   "export <entity-id>",
	Short: "Export an entity's chain",
	Long: `Export an entity's full chain to stdout in the specified format.
Supported formats: csv, json, jsonl.

Example:
  auditchain export ASSET-1 --format csv > asset-1.csv`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		svc, closeFn, err := openService(cfg)
		if err != nil {
			return err
		}
		defer closeFn()

		return svc.Export(cmd.Context(), os.Stdout, args[0], exportFormat)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFormat, "format", audit.FormatJSONL, "Export format: csv, json, jsonl")
}

// ============================================================================
// auditchain config: Configuration management
// ============================================================================

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or generate configuration",
	Long: `Manage the auditchain configuration. The config file lives at
~/.auditchain/config.yaml and defines the server bind address, the record
store, and which fields are audited.`,
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configGenerateCmd)
}

// configShowCmd prints the effective configuration: config.yaml merged with
// defaults and AUDITCHAIN_* overrides.
var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if _, err := os.Stat(configPath()); os.IsNotExist(err) {
			fmt.Printf("# No config file at %s, showing defaults\n", configPath())
		}
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(cfg)
	},
}

var configForce bool

var configGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Write a default config.yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath()
		if _, err := os.Stat(path); err == nil && !configForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		if err := os.MkdirAll(configDir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
		}
		if err := config.WriteDefault(path); err != nil {
			return fmt.Errorf("failed to write config: %w", err)
		}
		fmt.Printf("[auditchain] Wrote default config to %s\n", path)
		return nil
	},
}

func init() {
	configGenerateCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite an existing config.yaml")
}
