package mw

import (
	"net"
	"net/http"
	"strings"

	"github.com/3xpluto/weightgate/internal/netx"
)

type IPResolver struct {
	Trusted *netx.CIDRSet
}

func (r IPResolver) ClientIP(req *http.Request) net.IP {
	remoteIP := parseRemoteIP(req.RemoteAddr)
	if remoteIP != nil && r.Trusted != nil && r.Trusted.Contains(remoteIP) {
		// Forwarded headers only count when the hop itself is trusted.
		if xff := req.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
				return ip
			}
		}
		if xrip := net.ParseIP(strings.TrimSpace(req.Header.Get("X-Real-Ip"))); xrip != nil {
			return xrip
		}
	}
	return remoteIP
}

func parseRemoteIP(remoteAddr string) net.IP {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return net.ParseIP(remoteAddr)
	}
	return net.ParseIP(host)
}

// AllowCIDRs answers 403 to clients outside allow. An empty set admits all.
func AllowCIDRs(allow *netx.CIDRSet, ipr IPResolver, next http.Handler) http.Handler {
	if allow == nil || allow.Len() == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := ipr.ClientIP(r)
		if ip == nil || !allow.Contains(ip) {
			WriteError(w, http.StatusForbidden, "forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}
