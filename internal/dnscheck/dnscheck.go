// Package dnscheck verifies the DNS records a sending domain needs.
package dnscheck

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
)

var (
	ErrInvalidDomain   = errors.New("invalid domain name")
	ErrInvalidSelector = errors.New("invalid DKIM selector")
)

// DefaultSelector is used when a domain is created without one
const DefaultSelector = "unosend"

var (
	domainRegex   = regexp.MustCompile(`^(?i)[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?(\.[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?)+$`)
	selectorRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?$`)
)

// ValidateDomain checks the name is a dotted hostname (RFC 1035)
func ValidateDomain(domain string) error {
	if domain == "" || len(domain) > 253 || !domainRegex.MatchString(domain) {
		return ErrInvalidDomain
	}
	return nil
}

// ValidateSelector checks a DKIM selector; empty means the default
func ValidateSelector(selector string) error {
	if selector == "" {
		return nil
	}
	if !selectorRegex.MatchString(selector) {
		return ErrInvalidSelector
	}
	return nil
}

// Status of a single record check
type Status string

const (
	StatusOK       Status = "ok"
	StatusWarning  Status = "warning"
	StatusError    Status = "error"
	StatusNotFound Status = "not_found"
)

// CheckResult represents a single DNS check result
type CheckResult struct {
	Type    string `json:"type"`
	Status  Status `json:"status"`
	Value   string `json:"value,omitempty"`
	Message string `json:"message,omitempty"`
}

// Report is the outcome of verifying one domain
type Report struct {
	Domain   string        `json:"domain"`
	Results  []CheckResult `json:"results"`
	Verified bool          `json:"verified"`
}

// Resolver is the subset of *net.Resolver the checks use
type Resolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// Checker runs record checks against a resolver
type Checker struct {
	resolver Resolver
}

// NewChecker returns a checker. A nil resolver uses net.DefaultResolver.
func NewChecker(resolver Resolver) *Checker {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &Checker{resolver: resolver}
}

// Verify checks SPF, DKIM and DMARC. A domain is verified when SPF is
// present and the DKIM key is published; DMARC is advisory.
func (c *Checker) Verify(ctx context.Context, domain, selector string) (*Report, error) {
	if err := ValidateDomain(domain); err != nil {
		return nil, err
	}
	if err := ValidateSelector(selector); err != nil {
		return nil, err
	}
	if selector == "" {
		selector = DefaultSelector
	}

	spf := c.CheckSPF(ctx, domain)
	dkim := c.CheckDKIM(ctx, domain, selector)
	dmarc := c.CheckDMARC(ctx, domain)

	return &Report{
		Domain:   domain,
		Results:  []CheckResult{spf, dkim, dmarc},
		Verified: spf.Status != StatusNotFound && spf.Status != StatusError && dkim.Status == StatusOK,
	}, nil
}

func (c *Checker) lookup(ctx context.Context, name string, result *CheckResult, missing string) (string, []string, bool) {
	records, err := c.resolver.LookupTXT(ctx, name)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			result.Status = StatusNotFound
			result.Message = missing
			return "", nil, false
		}
		result.Status = StatusError
		result.Message = fmt.Sprintf("Lookup failed: %v", err)
		return "", nil, false
	}
	return strings.Join(records, ""), records, true
}

// CheckSPF checks SPF record for a domain
func (c *Checker) CheckSPF(ctx context.Context, domain string) CheckResult {
	result := CheckResult{Type: "SPF"}
	const missing = "No SPF record found"

	_, records, ok := c.lookup(ctx, domain, &result, missing)
	if !ok {
		return result
	}

	for _, txt := range records {
		if !strings.HasPrefix(txt, "v=spf1") {
			continue
		}
		result.Status = StatusOK
		result.Value = txt
		switch {
		case strings.Contains(txt, "+all"):
			result.Status = StatusWarning
			result.Message = "SPF uses +all and allows any sender"
		case strings.Contains(txt, "-all"):
			result.Message = "SPF configured with strict policy (-all)"
		case strings.Contains(txt, "~all"):
			result.Message = "SPF configured with soft fail (~all)"
		}
		return result
	}

	result.Status = StatusNotFound
	result.Message = missing
	return result
}

// CheckDKIM checks the DKIM key published under selector
func (c *Checker) CheckDKIM(ctx context.Context, domain, selector string) CheckResult {
	result := CheckResult{Type: fmt.Sprintf("DKIM (%s._domainkey)", selector)}

	full, _, ok := c.lookup(ctx, selector+"._domainkey."+domain, &result,
		fmt.Sprintf("No DKIM record found for selector '%s'", selector))
	if !ok {
		return result
	}

	result.Value = truncate(full, 100)
	if !strings.Contains(full, "v=DKIM1") {
		result.Status = StatusWarning
		result.Message = "TXT record found but is not a DKIM record"
		return result
	}
	if !strings.Contains(full, "p=") || strings.Contains(full, "p=;") {
		result.Status = StatusWarning
		result.Message = "DKIM record has no public key"
		return result
	}

	result.Status = StatusOK
	if strings.Contains(full, "k=ed25519") {
		result.Message = "DKIM configured with Ed25519 key"
	} else {
		result.Message = "DKIM configured with RSA key"
	}
	return result
}

// CheckDMARC checks DMARC record for a domain
func (c *Checker) CheckDMARC(ctx context.Context, domain string) CheckResult {
	result := CheckResult{Type: "DMARC"}

	full, _, ok := c.lookup(ctx, "_dmarc."+domain, &result, "No DMARC record found")
	if !ok {
		return result
	}

	result.Value = full
	if !strings.HasPrefix(full, "v=DMARC1") {
		result.Status = StatusWarning
		result.Message = "TXT record found but is not a DMARC record"
		return result
	}

	result.Status = StatusOK
	switch {
	case strings.Contains(full, "p=reject"):
		result.Message = "DMARC policy reject"
	case strings.Contains(full, "p=quarantine"):
		result.Message = "DMARC policy quarantine"
	case strings.Contains(full, "p=none"):
		result.Status = StatusWarning
		result.Message = "DMARC policy none (monitoring only)"
	}
	return result
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
