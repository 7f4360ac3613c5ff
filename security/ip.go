package security

import (
	"net"
	"net/http"
	"strings"
)

// GetClientIP resolves the client address a request originated from.
//
// With trustProxy disabled the connection's RemoteAddr is authoritative and
// forwarding headers are ignored, since any client can forge them. With
// trustProxy enabled the gateway sits behind trustedProxyCount reverse
// proxies it controls, and the client address is read from X-Forwarded-For
// (falling back to X-Real-IP) counting that many hops in from the right.
func GetClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := clientIPFromForwardedChain(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if ip := validIPString(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != "" {
			return ip
		}
	}
	return remoteAddrHost(r.RemoteAddr)
}

// clientIPFromForwardedChain picks the client address out of an
// X-Forwarded-For chain. Each proxy appends the address it accepted the
// connection from, so the chain reads "client, hop1, hop2, ...": the last
// trustedProxyCount entries were written by proxies the operator controls,
// and the entry just left of them is the closest address that can be
// believed.
func clientIPFromForwardedChain(chain string, trustedProxyCount int) string {
	if chain == "" {
		return ""
	}
	hops := strings.Split(chain, ",")

	trusted := trustedProxyCount
	if trusted == 0 {
		trusted = 1
	}
	client := len(hops) - trusted - 1
	if client < 0 {
		// Shorter chain than the configured proxy depth: everything in it
		// came from trusted hops, so take the leftmost entry
		client = 0
	}

	return validIPString(strings.TrimSpace(hops[client]))
}

// validIPString returns s when it parses as an IP address, "" otherwise.
// Forwarding headers are attacker-influenced text and never reach logs or
// rate limiter keys unparsed.
func validIPString(s string) string {
	if s == "" || net.ParseIP(s) == nil {
		return ""
	}
	return s
}

// remoteAddrHost strips the port from a connection RemoteAddr. Unix socket
// and test transports may hand over a bare host, which passes through as-is.
func remoteAddrHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
