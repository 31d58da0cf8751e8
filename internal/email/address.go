package email

import (
	"fmt"
	"net/mail"
	"strings"
)

// NormalizeAddress trims and lower-cases an address for comparisons.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// ValidateAddress checks that s is a single bare RFC 5322 address
// ("user@example.com", no display name).
func ValidateAddress(s string) error {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return fmt.Errorf("address is empty")
	}
	addr, err := mail.ParseAddress(trimmed)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", s, err)
	}
	if addr.Address != trimmed || addr.Name != "" {
		return fmt.Errorf("invalid address %q: display names are not accepted", s)
	}
	if !strings.Contains(addr.Address, "@") {
		return fmt.Errorf("invalid address %q: missing domain", s)
	}
	return nil
}

// InDomain reports whether addr belongs to domain. An empty domain matches
// every address.
func InDomain(addr, domain string) bool {
	if domain == "" {
		return true
	}
	return strings.HasSuffix(NormalizeAddress(addr), "@"+strings.ToLower(domain))
}

// DomainOf returns the part of addr after the last '@'.
func DomainOf(addr string) string {
	if i := strings.LastIndex(addr, "@"); i >= 0 {
		return addr[i+1:]
	}
	return ""
}
