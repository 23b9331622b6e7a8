package authguard

import (
	"context"

	"github.com/MrEthical07/authguard/audit"
)

// WithClientIP attaches the caller's IP address to ctx. Security events
// recorded under ctx carry it.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return audit.WithClientIP(ctx, ip)
}

// WithUserAgent attaches the caller's User-Agent to ctx.
func WithUserAgent(ctx context.Context, userAgent string) context.Context {
	return audit.WithUserAgent(ctx, userAgent)
}
