package system

import "context"

// Service is a background component of ledgerd, such as the stake maturity
// sweep or the rate limiter's idle-entry cleanup. The Manager starts services
// in registration order and stops them in reverse.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}
