package messaging

import "strings"

// Subject constants for the harvest message bus.
// Follow the pattern: {domain}.{resource}.{action}
const (
	// SubjectPrefix is captured by the HARVEST stream.
	SubjectPrefix = "harvest"

	SubjectRunsCompleted     = "harvest.runs.completed"     // Run summary after each harvest run
	SubjectDiscoveryComplete = "harvest.discovery.completed" // Discovery summary
	SubjectSourcesRegistered = "harvest.sources.registered" // New source registration
	SubjectDiagnostics       = "harvest.diag"               // Append .{kind}
)

// DiagnosticSubject returns the subject for a diagnostic kind.
// Example: harvest.diag.fetch_failed
func DiagnosticSubject(kind string) string {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		kind = "unknown"
	}
	return SubjectDiagnostics + "." + strings.ReplaceAll(kind, ".", "_")
}
