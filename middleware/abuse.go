package middleware

import (
	"errors"
	"math"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"

	"github.com/MrEthical07/authguard"
	"github.com/MrEthical07/authguard/abuse"
)

// KeyFunc extracts the rate-limit key from a request.
type KeyFunc func(r *http.Request) string

// ClientIP returns the host part of RemoteAddr. Forwarding headers are
// ignored; use [TrustedProxyIP] when the server sits behind a proxy.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// TrustedProxyIP returns a KeyFunc that honors X-Forwarded-For only when the
// immediate peer is inside one of trusted. The header is read right to left
// and the first hop outside trusted is the client. Hops that do not parse
// end the walk at the last trusted address.
func TrustedProxyIP(trusted ...netip.Prefix) KeyFunc {
	isTrusted := func(addr netip.Addr) bool {
		for _, p := range trusted {
			if p.Contains(addr.Unmap()) {
				return true
			}
		}
		return false
	}
	return func(r *http.Request) string {
		peer := ClientIP(r)
		addr, err := netip.ParseAddr(peer)
		if err != nil || !isTrusted(addr) {
			return peer
		}
		hops := strings.Split(strings.Join(r.Header.Values("X-Forwarded-For"), ","), ",")
		client := peer
		for i := len(hops) - 1; i >= 0; i-- {
			hop, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
			if err != nil {
				break
			}
			client = hop.Unmap().String()
			if !isTrusted(hop) {
				break
			}
		}
		return client
	}
}

// ParseTrustedProxies parses CIDRs or bare addresses for [TrustedProxyIP].
func ParseTrustedProxies(values []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if !strings.Contains(v, "/") {
			addr, err := netip.ParseAddr(v)
			if err != nil {
				return nil, err
			}
			out = append(out, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(v)
		if err != nil {
			return nil, err
		}
		out = append(out, p.Masked())
	}
	return out, nil
}

// RequestInfo attaches the client IP and User-Agent to the request context
// so security events recorded while serving it carry them. The IP is
// [ClientIP].
func RequestInfo(next http.Handler) http.Handler {
	return RequestInfoFrom(ClientIP)(next)
}

// RequestInfoFrom is [RequestInfo] with a custom IP extractor, such as one
// built by [TrustedProxyIP].
func RequestInfoFrom(ipFn KeyFunc) func(http.Handler) http.Handler {
	if ipFn == nil {
		ipFn = ClientIP
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := authguard.WithClientIP(r.Context(), ipFn(r))
			ctx = authguard.WithUserAgent(ctx, r.UserAgent())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RateLimit rejects requests over rule with 429 and a Retry-After header.
// A nil keyFn keys by [ClientIP]. When the counter store is down and the
// engine fails closed the request gets 503.
func RateLimit(engine *authguard.Engine, rule abuse.Rule, keyFn KeyFunc) func(http.Handler) http.Handler {
	if keyFn == nil {
		keyFn = ClientIP
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d, err := engine.RateLimit(r.Context(), rule, keyFn(r))
			switch {
			case errors.Is(err, authguard.ErrRateLimit):
				w.Header().Set("Retry-After", retryAfterSeconds(d))
				http.Error(w, engine.PublicMessage(err), http.StatusTooManyRequests)
				return
			case err != nil:
				http.Error(w, engine.PublicMessage(err), http.StatusServiceUnavailable)
				return
			}
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
			next.ServeHTTP(w, r)
		})
	}
}

// SlowDown delays requests beyond rule's threshold before passing them on.
// A request whose context ends while waiting is dropped.
func SlowDown(engine *authguard.Engine, rule abuse.SlowRule, keyFn KeyFunc) func(http.Handler) http.Handler {
	if keyFn == nil {
		keyFn = ClientIP
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, err := engine.SlowDown(r.Context(), rule, keyFn(r)); err != nil {
				if r.Context().Err() != nil {
					return
				}
				http.Error(w, engine.PublicMessage(err), http.StatusInternalServerError)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func retryAfterSeconds(d abuse.Decision) string {
	secs := int64(math.Ceil(d.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}
