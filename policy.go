package main

import (
	"errors"
	"slices"

	"github.com/disgoorg/snowflake/v2"
)

// ===========================
// Error Taxonomy
// ===========================

var (
	// ErrDenied means the caller lacks the entitlement or role for the action.
	ErrDenied = errors.New("permission denied")
	// ErrQueueLimit means the chat's pending queue is at its cap.
	ErrQueueLimit = errors.New("queue limit reached")
	// ErrNotFound means the resolver produced no playable media for the query.
	ErrNotFound = errors.New("no results found")
	// ErrNetwork wraps resolver transport failures (timeouts, DNS, upstream 5xx).
	ErrNetwork = errors.New("network error")
	// ErrNoActiveSession means the voice channel has no active connection to stream into.
	ErrNoActiveSession = errors.New("no active voice session")
	// ErrStreamFailure means the transport accepted the handle but playback broke mid-stream.
	ErrStreamFailure = errors.New("stream failure")
)

// ===========================
// Access Policy
// ===========================

// IsAdmin reports whether the user is in the configured admin set.
func IsAdmin(userID snowflake.ID) bool {
	if GlobalConfig == nil {
		return false
	}
	return slices.Contains(GlobalConfig.AdminIDs, userID)
}

// CanSkip allows admins, the entry's requester, and premium users to skip.
func CanSkip(userID, requesterID snowflake.ID, premium bool) bool {
	return IsAdmin(userID) || userID == requesterID || premium
}

// CanRequestVideo gates video playback behind premium. There is no admin
// exemption; the entitlement is the only way in.
func CanRequestVideo(premium bool) error {
	if premium {
		return nil
	}
	return ErrDenied
}

// CheckQueueLimit enforces the pending-queue cap for non-premium requesters.
// Premium users queue without limit.
func CheckQueueLimit(pending int, premium bool) error {
	if premium {
		return nil
	}
	limit := 10
	if GlobalConfig != nil && GlobalConfig.QueueLimit > 0 {
		limit = GlobalConfig.QueueLimit
	}
	if pending >= limit {
		return ErrQueueLimit
	}
	return nil
}
