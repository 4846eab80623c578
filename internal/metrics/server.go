package metrics

import (
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler serves the registry in the Prometheus exposition format. When
// allowedIPs is non-empty only those addresses or CIDRs may scrape.
func Handler(m *Metrics, allowedIPs []string, logger *slog.Logger) http.Handler {
	handler := promhttp.HandlerFor(
		m.Registry(),
		promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		},
	)

	nets := parseAllowedIPs(allowedIPs, logger)
	if len(nets) == 0 {
		return handler
	}
	logger.Info("metrics IP filtering enabled", "allowed_networks", len(nets))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if ip == nil || !contains(nets, ip) {
			logger.Warn("metrics access denied", "remote_addr", r.RemoteAddr)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		handler.ServeHTTP(w, r)
	})
}

func parseAllowedIPs(allowedIPs []string, logger *slog.Logger) []*net.IPNet {
	var nets []*net.IPNet
	for _, ipStr := range allowedIPs {
		ipStr = strings.TrimSpace(ipStr)
		if ipStr == "" {
			continue
		}

		if strings.Contains(ipStr, "/") {
			_, ipNet, err := net.ParseCIDR(ipStr)
			if err != nil {
				logger.Warn("invalid CIDR in allowed_ips", "cidr", ipStr, "error", err)
				continue
			}
			nets = append(nets, ipNet)
			continue
		}

		ip := net.ParseIP(ipStr)
		if ip == nil {
			logger.Warn("invalid IP in allowed_ips", "ip", ipStr)
			continue
		}
		mask := net.CIDRMask(128, 128)
		if ip.To4() != nil {
			mask = net.CIDRMask(32, 32)
		}
		nets = append(nets, &net.IPNet{IP: ip, Mask: mask})
	}
	return nets
}

// clientIP trusts RemoteAddr only; the router's RealIP middleware has
// already rewritten it from forwarding headers.
func clientIP(r *http.Request) net.IP {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return net.ParseIP(r.RemoteAddr)
	}
	return net.ParseIP(host)
}

func contains(nets []*net.IPNet, ip net.IP) bool {
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
