package cmd

import (
	"fmt"
	"strings"
	"time"

	"aegis/core"
	"aegis/retention"
)

// renderAlertsTable prints persisted alerts as a fixed-width table.
func renderAlertsTable(alerts []*core.Alert) {
	if len(alerts) == 0 {
		infoColor.Println("No persisted alerts found.")
		return
	}

	headerColor.Println("Persisted Alerts")
	fmt.Println(strings.Repeat("=", 110))
	fmt.Printf("%-38s %-10s %-10s %-16s %-20s %s\n",
		"ID", "PRIORITY", "KIND", "STATUS", "EXPIRES", "TITLE")
	fmt.Println(strings.Repeat("-", 110))

	for _, alert := range alerts {
		status := "-"
		expires := "-"
		if alert.Retention != nil {
			status = string(alert.Retention.Status)
			expires = formatTimeUntil(alert.Retention.ExpiresAt)
		}
		title := alert.Payload.Title
		if len(title) > 32 {
			title = title[:29] + "..."
		}
		fmt.Printf("%-38s %-10s %-10s %-16s %-20s %s\n",
			alert.AlertID,
			string(alert.Priority),
			string(alert.Payload.Kind),
			status,
			expires,
			title)
	}

	fmt.Println(strings.Repeat("=", 110))
	infoColor.Printf("Total: %d alerts\n", len(alerts))
}

// renderAlertDetails prints one alert's payload, retention metadata and audit
// trail.
func renderAlertDetails(alert *core.Alert, trail []core.RetentionAuditEntry) {
	printSection("Alert")
	printField("ID", alert.AlertID)
	printField("Priority", string(alert.Priority))
	printField("Kind", string(alert.Payload.Kind))
	printField("Title", alert.Payload.Title)
	printField("Message", alert.Payload.Message)
	printField("Source", alert.Payload.Source)
	printField("Created", alert.Timestamp.Format(time.RFC3339))
	if alert.GroupID != "" {
		printField("Group", alert.GroupID)
	}
	if len(alert.Payload.Metadata) > 0 {
		printSection("Metadata")
		for k, v := range alert.Payload.Metadata {
			printField(k, v)
		}
	}

	if alert.Retention != nil {
		md := alert.Retention
		printSection("Retention")
		printField("Status", string(md.Status))
		printField("Expires", md.ExpiresAt.Format(time.RFC3339))
		if md.GracePeriodEndsAt != nil {
			printField("Grace ends", md.GracePeriodEndsAt.Format(time.RFC3339))
		}
		if len(md.NotificationsSent) > 0 {
			printField("Notified", strings.Join(md.NotificationsSent, ", "))
		}
		if md.LegalHold != nil && md.LegalHold.Enabled {
			printSection("Legal Hold")
			printField("Placed by", md.LegalHold.PlacedBy)
			printField("Reason", md.LegalHold.Reason)
			if md.LegalHold.Reference != "" {
				printField("Reference", md.LegalHold.Reference)
			}
			printField("Placed at", md.LegalHold.PlacedAt.Format(time.RFC3339))
			if md.LegalHold.ExpiresAt != nil {
				printField("Hold expires", md.LegalHold.ExpiresAt.Format(time.RFC3339))
			} else {
				printField("Hold expires", "until released")
			}
		}
	}

	if len(trail) > 0 {
		fmt.Println()
		renderAuditTable(trail)
	}
}

// renderAuditTable prints audit entries in chronological order.
func renderAuditTable(trail []core.RetentionAuditEntry) {
	if len(trail) == 0 {
		infoColor.Println("No audit entries found.")
		return
	}

	headerColor.Println("Audit Trail")
	fmt.Println(strings.Repeat("=", 100))
	fmt.Printf("%-22s %-14s %-38s %-12s %s\n",
		"TIMESTAMP", "ACTION", "ALERT", "ACTOR", "REASON")
	fmt.Println(strings.Repeat("-", 100))

	for _, entry := range trail {
		fmt.Printf("%-22s %-14s %-38s %-12s %s\n",
			entry.Timestamp.Format("2006-01-02 15:04:05"),
			string(entry.Action),
			entry.AlertID,
			entry.Actor,
			entry.Reason)
	}

	fmt.Println(strings.Repeat("=", 100))
	infoColor.Printf("Total: %d entries\n", len(trail))
}

// renderCleanupResult summarizes one cleanup pass.
func renderCleanupResult(result retention.CleanupResult) {
	printSection("Cleanup Result")
	printField("Deleted", fmt.Sprintf("%d", result.Deleted))
	printField("In grace period", fmt.Sprintf("%d", result.SkippedGrace))
	printField("On legal hold", fmt.Sprintf("%d", result.SkippedHold))
	printField("Failed", fmt.Sprintf("%d", result.Failed))

	if len(result.Errors) > 0 {
		printSection("Errors")
		for alertID, msg := range result.Errors {
			errorColor.Printf("  %s: %s\n", alertID, msg)
		}
		return
	}
	if result.Failed == 0 {
		successColor.Println("✓ Cleanup pass completed without errors")
	}
}

// renderPolicy prints the effective retention policy per priority.
func renderPolicy(policy *retention.Policy) {
	printSection("Retention Policy")
	printField("Version", policy.Version)
	printField("Min period", time.Duration(policy.MinPeriod).String())
	printField("Max period", time.Duration(policy.MaxPeriod).String())
	printField("Grace periods", formatBool(policy.GracePeriodsEnabled))
	printField("Audit window", time.Duration(policy.AuditWindow).String())
	if len(policy.NotifyBefore) > 0 {
		var thresholds []string
		for _, d := range policy.NotifyBefore {
			thresholds = append(thresholds, time.Duration(d).String())
		}
		printField("Notify before", strings.Join(thresholds, ", "))
	}

	headerColor.Println("\nRules")
	fmt.Println(strings.Repeat("=", 70))
	fmt.Printf("%-10s %-14s %-14s %s\n", "PRIORITY", "PERIOD", "GRACE", "LEGAL HOLD")
	fmt.Println(strings.Repeat("-", 70))
	for _, priority := range core.Priorities() {
		rule := policy.RuleFor(priority)
		fmt.Printf("%-10s %-14s %-14s %s\n",
			string(priority),
			time.Duration(rule.Period).String(),
			time.Duration(rule.GracePeriod).String(),
			formatBool(rule.AllowLegalHold))
	}
	fmt.Println(strings.Repeat("=", 70))
}

func printSection(title string) {
	headerColor.Printf("\n%s\n", title)
	fmt.Println(strings.Repeat("-", len(title)))
}

func printField(name, value string) {
	if value == "" {
		value = "-"
	}
	infoColor.Printf("  %-14s", name+":")
	fmt.Printf(" %s\n", value)
}

func formatBool(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}

// formatTimeUntil renders an absolute time as a compact relative offset.
func formatTimeUntil(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Until(t)
	switch {
	case d < 0:
		return "expired"
	case d < time.Hour:
		return fmt.Sprintf("in %dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("in %dh", int(d.Hours()))
	default:
		return fmt.Sprintf("in %dd", int(d.Hours()/24))
	}
}
