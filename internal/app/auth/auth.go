// Package auth carries the authenticated caller through a request and
// decides who holds privileged capabilities.
package auth

import (
	"context"
	"strings"
)

// Principal is the authenticated caller as asserted by the bearer token.
type Principal struct {
	AccountID     string `json:"account_id"`
	PublicAddress string `json:"public_address"`
}

type principalKey struct{}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the principal stored by WithPrincipal.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	if !ok || p.AccountID == "" {
		return Principal{}, false
	}
	return p, true
}

// Authorizer grants privileged capabilities.
type Authorizer interface {
	// CanCredit reports whether p may top up arbitrary wallets.
	CanCredit(p Principal) bool
}

// AddressAllowlist grants the credit capability to a fixed set of public
// addresses. Comparison is case-insensitive.
type AddressAllowlist struct {
	addresses map[string]struct{}
}

// NewAddressAllowlist builds an allowlist, ignoring blank entries.
func NewAddressAllowlist(addresses ...string) *AddressAllowlist {
	set := make(map[string]struct{}, len(addresses))
	for _, a := range addresses {
		a = strings.ToLower(strings.TrimSpace(a))
		if a != "" {
			set[a] = struct{}{}
		}
	}
	return &AddressAllowlist{addresses: set}
}

// CanCredit implements Authorizer.
func (l *AddressAllowlist) CanCredit(p Principal) bool {
	if l == nil || p.PublicAddress == "" {
		return false
	}
	_, ok := l.addresses[strings.ToLower(p.PublicAddress)]
	return ok
}

// DenyAll is an Authorizer that grants nothing.
type DenyAll struct{}

// CanCredit implements Authorizer.
func (DenyAll) CanCredit(Principal) bool { return false }
