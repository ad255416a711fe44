package retention

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"aegis/core"

	"github.com/vmihailenco/msgpack/v5"
)

// AuditFormat selects the wire encoding for audit log export/import.
type AuditFormat string

const (
	AuditFormatJSON    AuditFormat = "json"
	AuditFormatMsgpack AuditFormat = "msgpack"
)

// IsValid checks if the format is supported
func (f AuditFormat) IsValid() bool {
	return f == AuditFormatJSON || f == AuditFormatMsgpack
}

// ExportAudit writes audit entries to w in the given format. The encoding
// is lossless: importing the output yields entries equal to the input.
func ExportAudit(w io.Writer, entries []core.RetentionAuditEntry, format AuditFormat) error {
	switch format {
	case AuditFormatJSON:
		enc := json.NewEncoder(w)
		if err := enc.Encode(entries); err != nil {
			return fmt.Errorf("failed to encode audit log: %w", err)
		}
	case AuditFormatMsgpack:
		if err := msgpack.NewEncoder(w).Encode(entries); err != nil {
			return fmt.Errorf("failed to encode audit log: %w", err)
		}
	default:
		return fmt.Errorf("unsupported audit format: %q", format)
	}
	return nil
}

// ImportAudit reads audit entries from r in the given format.
func ImportAudit(r io.Reader, format AuditFormat) ([]core.RetentionAuditEntry, error) {
	var entries []core.RetentionAuditEntry
	switch format {
	case AuditFormatJSON:
		if err := json.NewDecoder(r).Decode(&entries); err != nil {
			return nil, fmt.Errorf("failed to decode audit log: %w", err)
		}
	case AuditFormatMsgpack:
		if err := msgpack.NewDecoder(r).Decode(&entries); err != nil {
			return nil, fmt.Errorf("failed to decode audit log: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported audit format: %q", format)
	}
	return entries, nil
}

// ExportAuditLog streams the full audit trail from the store to w.
func (e *Engine) ExportAuditLog(ctx context.Context, w io.Writer, format AuditFormat) (int, error) {
	entries, err := e.audit.ListAudit(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("failed to list audit entries: %w", err)
	}
	if err := ExportAudit(w, entries, format); err != nil {
		return 0, err
	}
	return len(entries), nil
}

// ImportAuditLog appends entries read from r into the store, preserving
// every field exactly. Intended for migration between deployments.
func (e *Engine) ImportAuditLog(ctx context.Context, r io.Reader, format AuditFormat) (int, error) {
	entries, err := ImportAudit(r, format)
	if err != nil {
		return 0, err
	}
	for i := range entries {
		if err := e.audit.AppendAudit(ctx, &entries[i]); err != nil {
			return i, fmt.Errorf("failed to append imported entry %s: %w", entries[i].EntryID, err)
		}
	}
	return len(entries), nil
}
