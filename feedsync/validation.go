// Copyright 2025 ConectaBoi
// SPDX-License-Identifier: Apache-2.0

package feedsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Validation error sentinel for per-item mapping
var ErrBadPayload = errors.New("bad_payload")

var tableNameRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

const maxOfflineIDLen = 128

// validateChange validates a single change in an upload batch. Failures are
// item-level: they become an error ItemResult, never an admission error.
func (s *SyncService) validateChange(change *ChangeRecord) error {
	change.Table = strings.ToLower(strings.TrimSpace(change.Table))
	change.Operation = strings.ToLower(strings.TrimSpace(change.Operation))

	if !tableNameRe.MatchString(change.Table) {
		return fmt.Errorf("%w: invalid table name %q", ErrBadPayload, change.Table)
	}

	switch change.Operation {
	case OpInsert, OpUpdate, OpDelete:
	default:
		return fmt.Errorf("%w: invalid operation %q", ErrBadPayload, change.Operation)
	}

	if change.OfflineID == "" {
		return fmt.Errorf("%w: missing offline_id", ErrBadPayload)
	}
	if len(change.OfflineID) > maxOfflineIDLen {
		return fmt.Errorf("%w: offline_id longer than %d", ErrBadPayload, maxOfflineIDLen)
	}

	if change.Operation != OpDelete {
		if len(change.Payload) == 0 {
			return fmt.Errorf("%w: missing record payload for %s", ErrBadPayload, change.Operation)
		}
		if !json.Valid(change.Payload) {
			return fmt.Errorf("%w: record payload is not valid JSON", ErrBadPayload)
		}
	}

	if s.config.MaxPayloadBytes > 0 && len(change.Payload) > s.config.MaxPayloadBytes {
		return fmt.Errorf("%w: payload %d bytes exceeds limit %d", ErrBadPayload, len(change.Payload), s.config.MaxPayloadBytes)
	}

	return nil
}

// parseLocalTimestamp parses a device-reported RFC 3339 timestamp. Device
// clocks are advisory only: an unparseable value degrades to the zero time,
// which is older than any server entry, so a bad clock can only add audit
// markers, never block a write.
func parseLocalTimestamp(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t
		}
	}
	return time.Time{}
}
