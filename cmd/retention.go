// Package cmd provides command-line interface commands for Aegis.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"aegis/bootstrap"
	"aegis/config"
	"aegis/core"
	"aegis/retention"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// CLI output formatters
var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	warningColor = color.New(color.FgYellow)
	infoColor    = color.New(color.FgCyan)
	headerColor  = color.New(color.FgBlue, color.Bold)
)

// Global flags for retention commands
var (
	outputJSON bool
	noColor    bool
	quiet      bool
)

const (
	maxImportFileSize = 50 * 1024 * 1024 // 50MB - protection against memory exhaustion
	defaultTimeout    = 5 * time.Minute  // Default context timeout for CLI operations
)

// validateFilePath validates a file path to prevent path traversal attacks.
// It URL-decodes first so encoded ".." sequences cannot bypass the check,
// then verifies the normalized absolute path stays inside the working
// directory.
func validateFilePath(filename string) error {
	decoded, err := url.QueryUnescape(filename)
	if err != nil {
		decoded = filename
	}

	if strings.Contains(decoded, "..") || strings.Contains(filename, "..") {
		return fmt.Errorf("path traversal detected: '..' not allowed in file path")
	}

	cleanPath := filepath.Clean(decoded)

	absPath, err := filepath.Abs(cleanPath)
	if err != nil {
		return fmt.Errorf("invalid path: %w", err)
	}

	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}

	if !strings.HasPrefix(absPath, workDir) {
		return fmt.Errorf("path escapes current directory")
	}

	return nil
}

// NewRetentionCmd creates the root retention command with all subcommands.
func NewRetentionCmd() *cobra.Command {
	retentionCmd := &cobra.Command{
		Use:   "retention",
		Short: "Manage persisted alerts and their compliance lifecycle",
		Long: `Manage persisted alerts: inspect retention status, place and release
legal holds, run on-demand cleanup passes, and export or import the audit
trail.

These commands operate directly on the configured storage backend and do not
require a running Aegis instance.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noColor {
				color.NoColor = true
			}
		},
	}

	retentionCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "Output in JSON format")
	retentionCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	retentionCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "Suppress non-essential output")

	retentionCmd.AddCommand(newListCmd())
	retentionCmd.AddCommand(newShowCmd())
	retentionCmd.AddCommand(newHoldCmd())
	retentionCmd.AddCommand(newReleaseCmd())
	retentionCmd.AddCommand(newCleanupCmd())
	retentionCmd.AddCommand(newAuditCmd())
	retentionCmd.AddCommand(newPolicyCmd())

	return retentionCmd
}

// newListCmd creates the 'list' subcommand
func newListCmd() *cobra.Command {
	var statusFilter string

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List persisted alerts",
		Long:    "Display a table of all persisted alerts with their retention status.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			engine, store, cleanup, err := initRetentionEngine()
			if err != nil {
				return err
			}
			defer cleanup()
			_ = engine

			alerts, err := store.ListAlerts(ctx)
			if err != nil {
				return fmt.Errorf("failed to list alerts: %w", err)
			}

			if statusFilter != "" {
				status := core.RetentionStatus(statusFilter)
				if !status.IsValid() {
					return fmt.Errorf("invalid retention status: %q", statusFilter)
				}
				var filtered []*core.Alert
				for _, a := range alerts {
					if a.Retention != nil && a.Retention.Status == status {
						filtered = append(filtered, a)
					}
				}
				alerts = filtered
			}

			if outputJSON {
				return outputAsJSON(alerts)
			}

			renderAlertsTable(alerts)
			return nil
		},
	}

	cmd.Flags().StringVar(&statusFilter, "status", "", "Filter by retention status (active, grace_period, pending_deletion, legal_hold)")

	return cmd
}

// newShowCmd creates the 'show' subcommand
func newShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <alert-id>",
		Short: "Show detailed alert information",
		Long:  "Display a persisted alert's payload, retention metadata and audit trail.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			engine, store, cleanup, err := initRetentionEngine()
			if err != nil {
				return err
			}
			defer cleanup()
			_ = engine

			alert, err := store.GetAlert(ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to get alert: %w", err)
			}

			trail, err := store.ListAudit(ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to load audit trail: %w", err)
			}

			if outputJSON {
				return outputAsJSON(map[string]interface{}{
					"alert": alert,
					"audit": trail,
				})
			}

			renderAlertDetails(alert, trail)
			return nil
		},
	}
}

// newHoldCmd creates the 'hold' subcommand
func newHoldCmd() *cobra.Command {
	var (
		placedBy  string
		reason    string
		reference string
		expiresIn time.Duration
	)

	cmd := &cobra.Command{
		Use:   "hold <alert-id>",
		Short: "Place a legal hold on an alert",
		Long:  "Block deletion of a persisted alert regardless of its retention expiration.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			if placedBy == "" {
				return fmt.Errorf("--by is required")
			}
			if reason == "" {
				return fmt.Errorf("--reason is required")
			}

			engine, _, cleanup, err := initRetentionEngine()
			if err != nil {
				return err
			}
			defer cleanup()

			var expiresAt *time.Time
			if expiresIn > 0 {
				t := time.Now().UTC().Add(expiresIn)
				expiresAt = &t
			}

			if err := engine.PlaceLegalHold(ctx, args[0], placedBy, reason, reference, expiresAt); err != nil {
				return fmt.Errorf("failed to place legal hold: %w", err)
			}

			if !quiet {
				successColor.Printf("✓ Legal hold placed on alert %s\n", args[0])
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&placedBy, "by", "", "Who is placing the hold (required)")
	cmd.Flags().StringVar(&reason, "reason", "", "Reason for the hold (required)")
	cmd.Flags().StringVar(&reference, "reference", "", "Case or matter reference")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "Hold duration (0 = until released)")

	return cmd
}

// newReleaseCmd creates the 'release' subcommand
func newReleaseCmd() *cobra.Command {
	var (
		removedBy string
		reason    string
	)

	cmd := &cobra.Command{
		Use:   "release <alert-id>",
		Short: "Release a legal hold",
		Long:  "Lift a legal hold and resume the alert's retention lifecycle from its timestamps.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			if removedBy == "" {
				return fmt.Errorf("--by is required")
			}

			engine, _, cleanup, err := initRetentionEngine()
			if err != nil {
				return err
			}
			defer cleanup()

			if err := engine.RemoveLegalHold(ctx, args[0], removedBy, reason); err != nil {
				return fmt.Errorf("failed to release legal hold: %w", err)
			}

			if !quiet {
				successColor.Printf("✓ Legal hold released on alert %s\n", args[0])
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&removedBy, "by", "", "Who is releasing the hold (required)")
	cmd.Flags().StringVar(&reason, "reason", "", "Reason for releasing the hold")

	return cmd
}

// newCleanupCmd creates the 'cleanup' subcommand
func newCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Run one retention cleanup pass",
		Long:  "Recompute every persisted alert's retention status and delete those eligible for purge.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			engine, _, cleanup, err := initRetentionEngine()
			if err != nil {
				return err
			}
			defer cleanup()

			var s *spinner.Spinner
			if !quiet && !outputJSON {
				s = spinner.New(spinner.CharSets[14], 100*time.Millisecond)
				s.Suffix = " Running cleanup pass..."
				s.Start()
			}

			result, err := engine.Cleanup(ctx)

			if s != nil {
				s.Stop()
			}
			if err != nil {
				return fmt.Errorf("cleanup pass failed: %w", err)
			}

			if outputJSON {
				return outputAsJSON(result)
			}

			renderCleanupResult(result)
			return nil
		},
	}
}

// newAuditCmd creates the 'audit' subcommand group
func newAuditCmd() *cobra.Command {
	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect, export and import the retention audit trail",
	}

	auditCmd.AddCommand(newAuditShowCmd())
	auditCmd.AddCommand(newAuditExportCmd())
	auditCmd.AddCommand(newAuditImportCmd())

	return auditCmd
}

// newAuditShowCmd creates the 'audit show' subcommand
func newAuditShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <alert-id>",
		Short: "Show the audit trail for one alert",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			engine, store, cleanup, err := initRetentionEngine()
			if err != nil {
				return err
			}
			defer cleanup()
			_ = engine

			trail, err := store.ListAudit(ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to load audit trail: %w", err)
			}

			if outputJSON {
				return outputAsJSON(trail)
			}

			renderAuditTable(trail)
			return nil
		},
	}
}

// newAuditExportCmd creates the 'audit export' subcommand
func newAuditExportCmd() *cobra.Command {
	var (
		format string
		output string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the full audit trail to a file",
		Long:  "Write every audit entry to a file in JSON or msgpack format. The export is lossless and can be re-imported into another deployment.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			auditFormat := retention.AuditFormat(format)
			if !auditFormat.IsValid() {
				return fmt.Errorf("invalid format %q (must be json or msgpack)", format)
			}
			if output == "" {
				return fmt.Errorf("--output is required")
			}
			if err := validateFilePath(output); err != nil {
				return fmt.Errorf("invalid output path: %w", err)
			}

			engine, _, cleanup, err := initRetentionEngine()
			if err != nil {
				return err
			}
			defer cleanup()

			file, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("failed to create output file: %w", err)
			}
			defer file.Close()

			var s *spinner.Spinner
			if !quiet && !outputJSON {
				s = spinner.New(spinner.CharSets[14], 100*time.Millisecond)
				s.Suffix = " Exporting audit trail..."
				s.Start()
			}

			count, err := engine.ExportAuditLog(ctx, file, auditFormat)

			if s != nil {
				s.Stop()
			}
			if err != nil {
				return fmt.Errorf("export failed: %w", err)
			}

			if !quiet {
				successColor.Printf("✓ Exported %d audit entries to %s\n", count, output)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "json", "Export format (json, msgpack)")
	cmd.Flags().StringVar(&output, "output", "", "Output file path (required)")

	return cmd
}

// newAuditImportCmd creates the 'audit import' subcommand
func newAuditImportCmd() *cobra.Command {
	var (
		format string
		input  string
	)

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import audit entries from a file",
		Long:  "Append audit entries from a previous export into the store, preserving every field exactly.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			auditFormat := retention.AuditFormat(format)
			if !auditFormat.IsValid() {
				return fmt.Errorf("invalid format %q (must be json or msgpack)", format)
			}
			if input == "" {
				return fmt.Errorf("--input is required")
			}
			if err := validateFilePath(input); err != nil {
				return fmt.Errorf("invalid input path: %w", err)
			}

			info, err := os.Stat(input)
			if err != nil {
				return fmt.Errorf("failed to stat input file: %w", err)
			}
			if info.Size() > maxImportFileSize {
				return fmt.Errorf("input file too large: %d bytes (max %d)", info.Size(), maxImportFileSize)
			}

			engine, _, cleanup, err := initRetentionEngine()
			if err != nil {
				return err
			}
			defer cleanup()

			file, err := os.Open(input)
			if err != nil {
				return fmt.Errorf("failed to open input file: %w", err)
			}
			defer file.Close()

			count, err := engine.ImportAuditLog(ctx, file, auditFormat)
			if err != nil {
				return fmt.Errorf("import failed after %d entries: %w", count, err)
			}

			if !quiet {
				successColor.Printf("✓ Imported %d audit entries from %s\n", count, input)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "json", "Import format (json, msgpack)")
	cmd.Flags().StringVar(&input, "input", "", "Input file path (required)")

	return cmd
}

// newPolicyCmd creates the 'policy' subcommand group
func newPolicyCmd() *cobra.Command {
	policyCmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect and validate retention policy documents",
	}

	policyCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective retention policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, _, cleanup, err := initRetentionEngine()
			if err != nil {
				return err
			}
			defer cleanup()

			policy := engine.Policy()
			if outputJSON {
				return outputAsJSON(policy)
			}

			renderPolicy(policy)
			return nil
		},
	})

	var policyFile string
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a policy document without applying it",
		RunE: func(cmd *cobra.Command, args []string) error {
			if policyFile == "" {
				return fmt.Errorf("--file is required")
			}
			if err := validateFilePath(policyFile); err != nil {
				return fmt.Errorf("invalid policy path: %w", err)
			}

			policy, err := retention.LoadPolicy(policyFile)
			if err != nil {
				errorColor.Printf("✗ Policy is invalid: %v\n", err)
				return err
			}

			successColor.Printf("✓ Policy %s is valid (version %s)\n", policyFile, policy.Version)
			return nil
		},
	}
	validateCmd.Flags().StringVar(&policyFile, "file", "", "Policy YAML file to validate (required)")
	policyCmd.AddCommand(validateCmd)

	return policyCmd
}

// initRetentionEngine wires a retention engine against the configured storage
// backend for one-shot CLI use. The returned cleanup closes every connection.
func initRetentionEngine() (*retention.Engine, bootstrap.AlertStore, func(), error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	sugar := logger.Sugar()

	dirs := bootstrap.DataDirectoriesFromConfig(cfg)
	components, err := bootstrap.InitStorage(cfg, dirs, sugar)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, nil, err
	}

	policy := retention.DefaultPolicy()
	if _, statErr := os.Stat(dirs.Policy); statErr == nil {
		loaded, loadErr := retention.LoadPolicy(dirs.Policy)
		if loadErr != nil {
			warningColor.Printf("Warning: failed to load policy %s, using defaults: %v\n", dirs.Policy, loadErr)
		} else {
			policy = loaded
		}
	}

	engine := retention.NewEngine(components.Store, components.Store, nil, policy, nil, sugar)

	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		components.Close(ctx, sugar)
		cancel()
		_ = logger.Sync()
	}
	return engine, components.Store, cleanup, nil
}

// outputAsJSON writes data to stdout as indented JSON
func outputAsJSON(data interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}
