package agent

import (
	"strings"

	"github.com/google/uuid"
)

// DeterministicSessionID derives a stable session UUID from a session name.
// Deterministic so retries and webhook re-deliveries map to the same
// agent-side session instead of forking a new one.
func DeterministicSessionID(sessionName string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(sessionName)).String()
}

// DeterministicUserID normalizes an arbitrary external identifier (phone
// number, numeric id, opaque string) into a stable UUID. Already-valid UUIDs
// pass through unchanged; empty input maps to the shared anonymous identity.
func DeterministicUserID(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "default" {
		raw = "anonymous"
	}
	if parsed, err := uuid.Parse(raw); err == nil {
		return parsed.String()
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(raw)).String()
}
