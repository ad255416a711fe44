package bootstrap

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"syscall"

	"aegis/config"

	"go.uber.org/zap"
)

// DataDirectories defines the paths that need to exist for Aegis to run.
type DataDirectories struct {
	Base   string // Base data directory (default: ./data)
	SQLite string // SQLite database path
	Policy string // Retention policy YAML path
}

// DataDirectoriesFromConfig creates DataDirectories from configuration.
func DataDirectoriesFromConfig(cfg *config.Config) DataDirectories {
	return DataDirectories{
		Base:   cfg.DataPaths.DataDir,
		SQLite: cfg.DataPaths.SQLitePath,
		Policy: cfg.DataPaths.PolicyPath,
	}
}

// EnsureDataDirectories creates required data directories with proper
// permissions. This is a pre-flight check that runs before any service
// initialization.
func EnsureDataDirectories(dirs DataDirectories, sugar *zap.SugaredLogger) error {
	absPath, err := filepath.Abs(dirs.Base)
	if err != nil {
		return fmt.Errorf("failed to resolve absolute path for %s: %w", dirs.Base, err)
	}

	if err := os.MkdirAll(absPath, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w\n"+
			"  Remediation: Ensure the parent directory exists and is writable\n"+
			"  For Docker: Check volume mount permissions\n"+
			"  For bare metal: Run 'mkdir -p %s && chmod 755 %s'", dirs.Base, err, absPath, absPath)
	}

	// Verify write permissions
	testFile := filepath.Join(absPath, ".aegis_write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0644); err != nil {
		return fmt.Errorf("directory %s is not writable: %w\n"+
			"  Remediation: Check file system permissions\n"+
			"  For Docker: Ensure volume is mounted with write access\n"+
			"  For bare metal: Run 'chmod -R u+w %s'", dirs.Base, err, absPath)
	}
	os.Remove(testFile)

	sugar.Infow("Data directory ready", "path", absPath)
	return nil
}

// ClassifyConnectionError provides specific error messages based on the type
// of connection failure to an external store (MongoDB or Redis).
func ClassifyConnectionError(err error, service, addr string) string {
	if err == nil {
		return ""
	}

	errStr := err.Error()

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return fmt.Sprintf("Connection to %s at %s timed out.\n"+
				"  Possible causes:\n"+
				"  - %s is starting up (wait and retry)\n"+
				"  - Network latency or firewall blocking the connection\n"+
				"  Remediation:\n"+
				"  - Check if %s is running: docker ps | grep %s\n"+
				"  - Verify network connectivity: nc -zv %s", service, addr, service, service, service, addr)
		}
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Op == "dial" {
			if errors.Is(opErr.Err, syscall.ECONNREFUSED) ||
				(opErr.Err != nil && (containsIgnoreCase(opErr.Err.Error(), "connection refused") ||
					containsIgnoreCase(opErr.Err.Error(), "actively refused"))) {
				return fmt.Sprintf("Connection refused by %s at %s.\n"+
					"  This usually means %s is not running.\n"+
					"  Remediation:\n"+
					"  - Start it: docker compose up -d %s\n"+
					"  - Verify the address is correct in config.yaml", service, addr, service, service)
			}
		}
	}

	if containsIgnoreCase(errStr, "no such host") || containsIgnoreCase(errStr, "lookup") {
		return fmt.Sprintf("Cannot resolve hostname in %s address %s.\n"+
			"  Remediation:\n"+
			"  - Verify the hostname is correct\n"+
			"  - Try using IP address (127.0.0.1) instead of hostname", service, addr)
	}

	if containsIgnoreCase(errStr, "authentication") || containsIgnoreCase(errStr, "password") || containsIgnoreCase(errStr, "denied") {
		return fmt.Sprintf("Authentication failed for %s at %s.\n"+
			"  Remediation:\n"+
			"  - Verify credentials in config.yaml\n"+
			"  - Check the corresponding AEGIS_* environment variables", service, addr)
	}

	return fmt.Sprintf("Failed to connect to %s at %s: %v\n"+
		"  Remediation:\n"+
		"  - Ensure %s is running and accessible\n"+
		"  - Check the address in config.yaml\n"+
		"  - Verify network connectivity", service, addr, err, service)
}

// ClassifySQLiteError provides specific error messages based on the type of
// SQLite failure.
func ClassifySQLiteError(err error, dbPath string) string {
	if err == nil {
		return ""
	}

	errStr := err.Error()
	absPath, _ := filepath.Abs(dbPath)
	parentDir := filepath.Dir(absPath)

	if containsIgnoreCase(errStr, "permission denied") || containsIgnoreCase(errStr, "access denied") {
		return fmt.Sprintf("Permission denied accessing SQLite database at %s.\n"+
			"  Remediation:\n"+
			"  - Check file permissions: ls -la %s\n"+
			"  - Check directory permissions: ls -la %s\n"+
			"  - For Docker: Ensure volume is mounted with proper user permissions",
			absPath, absPath, parentDir)
	}

	if containsIgnoreCase(errStr, "database is locked") || containsIgnoreCase(errStr, "SQLITE_BUSY") {
		return fmt.Sprintf("SQLite database at %s is locked by another process.\n"+
			"  Possible causes:\n"+
			"  - Another Aegis instance is running\n"+
			"  - A crashed process left a stale lock\n"+
			"  Remediation:\n"+
			"  - Check for running Aegis processes: ps aux | grep aegis\n"+
			"  - Check for lock files: ls -la %s*", absPath, absPath)
	}

	if containsIgnoreCase(errStr, "disk full") || containsIgnoreCase(errStr, "no space") || containsIgnoreCase(errStr, "SQLITE_FULL") {
		return fmt.Sprintf("Disk full - cannot write to SQLite database at %s.\n"+
			"  Remediation:\n"+
			"  - Check available disk space: df -h %s\n"+
			"  - Review retention settings to reduce data volume", absPath, parentDir)
	}

	if containsIgnoreCase(errStr, "corrupt") || containsIgnoreCase(errStr, "malformed") || containsIgnoreCase(errStr, "SQLITE_CORRUPT") {
		return fmt.Sprintf("SQLite database at %s appears to be corrupted.\n"+
			"  CRITICAL: Backup any existing data before proceeding!\n"+
			"  Remediation options:\n"+
			"  1. Try recovery: sqlite3 %s \".recover\" | sqlite3 %s.recovered\n"+
			"  2. Check integrity: sqlite3 %s \"PRAGMA integrity_check;\"\n"+
			"  3. If recovery fails, restore from backup",
			absPath, absPath, absPath, absPath)
	}

	if containsIgnoreCase(errStr, "no such file or directory") || containsIgnoreCase(errStr, "cannot find the path") {
		return fmt.Sprintf("Cannot create SQLite database - path does not exist: %s.\n"+
			"  Remediation:\n"+
			"  - Create the parent directory: mkdir -p %s\n"+
			"  - Verify the path in config or AEGIS_SQLITE_PATH env var",
			absPath, parentDir)
	}

	if containsIgnoreCase(errStr, "read-only") {
		return fmt.Sprintf("SQLite database location is on a read-only file system: %s.\n"+
			"  Remediation:\n"+
			"  - Remount the file system as read-write\n"+
			"  - Move database to a writable location via AEGIS_SQLITE_PATH", absPath)
	}

	return fmt.Sprintf("Failed to initialize SQLite database at %s: %v\n"+
		"  Remediation:\n"+
		"  - Ensure the directory %s exists and is writable\n"+
		"  - Check disk space and permissions", absPath, err, parentDir)
}

// containsIgnoreCase checks if a string contains a substring (case-insensitive).
func containsIgnoreCase(s, substr string) bool {
	if len(substr) == 0 {
		return true
	}
	if len(s) < len(substr) {
		return false
	}
	for i := 0; i <= len(s)-len(substr); i++ {
		if equalFoldAt(s, substr, i) {
			return true
		}
	}
	return false
}

func equalFoldAt(s, substr string, start int) bool {
	for i := 0; i < len(substr); i++ {
		c1, c2 := s[start+i], substr[i]
		if c1 == c2 {
			continue
		}
		if 'A' <= c1 && c1 <= 'Z' {
			c1 += 'a' - 'A'
		}
		if 'A' <= c2 && c2 <= 'Z' {
			c2 += 'a' - 'A'
		}
		if c1 != c2 {
			return false
		}
	}
	return true
}
