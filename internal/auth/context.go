// Copyright 2025 ConectaBoi
// SPDX-License-Identifier: Apache-2.0

package auth

import "context"

type identityKey struct{}

// Identity is the authenticated caller of a sync request: the feedlot the
// token was issued for and the device presenting it.
type Identity struct {
	TenantID string
	DeviceID string
}

// WithIdentity returns a context carrying the authenticated identity
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom extracts the authenticated identity set by the token
// middleware. ok is false on requests that bypassed authentication.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}
