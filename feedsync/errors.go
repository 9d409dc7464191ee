// Copyright 2025 ConectaBoi
// SPDX-License-Identifier: Apache-2.0

package feedsync

import "errors"

// Admission errors reject an entire call before any item is inspected.
// Item-level failures never surface as errors from the service; they are
// reported per item in ItemResult.
var (
	// ErrDeviceUnknown means the device has never been paired.
	ErrDeviceUnknown = errors.New("device not registered")

	// ErrDeviceUnauthorized means the device exists but is not (or no
	// longer) authorized to sync.
	ErrDeviceUnauthorized = errors.New("device not authorized")

	// ErrTenantSuspended means the owning tenant is inactive.
	ErrTenantSuspended = errors.New("tenant suspended")

	// ErrQuotaExceeded means the batch would push the device over its
	// storage quota. The batch is rejected wholesale.
	ErrQuotaExceeded = errors.New("storage quota exceeded")

	// ErrBatchTooLarge means the batch exceeds the configured upload limit.
	ErrBatchTooLarge = errors.New("upload batch too large")
)
