// Package middleware holds HTTP helpers shared by the API server and
// the websocket hub.
package middleware

import (
	"net"
	"net/url"
	"strings"
)

// IsLocalhostOrigin reports whether origin points at this machine.
// The keeper serves a local dashboard only, so CORS and websocket
// upgrades reject everything else.
func IsLocalhostOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}

	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return false
	}

	host := u.Hostname()
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
