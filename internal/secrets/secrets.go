// Package secrets stores sensitive material in an external vault.
package secrets

import "context"

// Vault is a named-secret store. Get reports ok=false for a missing name
// rather than an error so callers can distinguish absence from outage.
type Vault interface {
	Get(ctx context.Context, name string) (value string, ok bool, err error)
	Set(ctx context.Context, name, value string) error
	Delete(ctx context.Context, name string) error
}
