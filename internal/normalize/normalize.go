// Package normalize turns provider webhook payloads into canonical events.
// Every function here is pure: payload bytes in, events out, no I/O. One
// payload may produce zero, one, or many events, and a validation failure on
// one item never discards its siblings.
package normalize

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/petquest/petquest/internal/models"
)

// Provider names as they appear in webhook routes and identity lookups.
const (
	ProviderGitHub = "github"
	ProviderStrava = "strava"
	ProviderManual = "manual"
)

// Supported reports whether the pipeline has a normalizer for this
// provider/event-type pair. Unsupported deliveries are still persisted for
// audit but never enqueued.
func Supported(provider, eventType string) bool {
	switch provider {
	case ProviderGitHub:
		return eventType == "push" || eventType == "pull_request" || eventType == "commit_comment"
	case ProviderStrava:
		return eventType == "activity"
	case ProviderManual:
		return eventType == "entry"
	}
	return false
}

// Normalize maps one raw payload onto canonical events. The error slice
// carries per-item validation failures; valid items are always returned
// regardless of how many siblings failed.
func Normalize(provider, eventType string, payload []byte, userID, rawEventID uuid.UUID) ([]models.CanonicalEvent, []error) {
	switch provider {
	case ProviderGitHub:
		switch eventType {
		case "push":
			return githubPush(payload, userID, rawEventID)
		case "pull_request":
			return githubPullRequest(payload, userID, rawEventID)
		case "commit_comment":
			return githubCommitComment(payload, userID, rawEventID)
		}
	case ProviderStrava:
		if eventType == "activity" {
			return stravaActivity(payload, userID, rawEventID)
		}
	case ProviderManual:
		if eventType == "entry" {
			return manualEntry(payload, userID, rawEventID)
		}
	}
	// No normalizer defined: zero events, not an error.
	return nil, nil
}

// ExternalUserID extracts the provider-side identity of the actor so the
// worker can attribute the event to an account. The manual provider is
// first-party and carries our user id directly; see ManualUserID.
func ExternalUserID(provider, eventType string, payload []byte) (string, error) {
	switch provider {
	case ProviderGitHub:
		return githubSenderID(payload)
	case ProviderStrava:
		return stravaOwnerID(payload)
	}
	return "", fmt.Errorf("no external identity for provider %q", provider)
}

// parseTime handles the RFC3339 timestamps providers send, falling back to
// the current time when absent or malformed; a bad timestamp should not
// drop the event.
func parseTime(s string) time.Time {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC()
	}
	return time.Now().UTC()
}

// truncate keeps free-text metadata bounded.
func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
