package profiles

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidPolicy reports a policy that violates its own invariants. It is
// returned before any document is built; the builder performs no I/O.
var ErrInvalidPolicy = errors.New("invalid policy")

// DNSMode selects how the DNS payload resolves queries.
type DNSMode string

const (
	// DNSModeDoH points devices at an encrypted DNS-over-HTTPS resolver.
	DNSModeDoH DNSMode = "doh"
	// DNSModePlain configures plain resolver addresses.
	DNSModePlain DNSMode = "plain"
)

// WebFilter describes the optional web-content-filter payload. When
// BlockedHosts is empty and AllowedHosts is not, the filter runs in
// allowlist-only mode: only the listed hosts are reachable.
type WebFilter struct {
	BlockedHosts []string `yaml:"blocked_hosts"`
	AllowedHosts []string `yaml:"allowed_hosts"`
	SafeSearch   bool     `yaml:"safe_search"`
}

// AllowlistOnly reports whether the filter permits only the allowed hosts.
func (f *WebFilter) AllowlistOnly() bool {
	return f != nil && len(f.BlockedHosts) == 0 && len(f.AllowedHosts) > 0
}

// Policy is the operator-facing description of the filtering to apply to a
// subscriber's devices. It compiles into a ProfileDocument.
type Policy struct {
	ID             string     `yaml:"id"`
	DisplayName    string     `yaml:"display_name"`
	DNSMode        DNSMode    `yaml:"dns_mode"`
	DoHURL         string     `yaml:"doh_url,omitempty"`
	PlainServers   []string   `yaml:"plain_servers,omitempty"`
	WebFilter      *WebFilter `yaml:"web_filter,omitempty"`
	RemovalAllowed bool       `yaml:"removal_allowed"`
	SupervisedOnly bool       `yaml:"supervised_only"`
}

// Validate checks the policy invariants: a stable slug, a display name, and
// exactly one of DoHURL / PlainServers populated according to DNSMode.
func (p Policy) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("%w: policy id is required", ErrInvalidPolicy)
	}
	if strings.TrimSpace(p.DisplayName) == "" {
		return fmt.Errorf("%w: display name is required", ErrInvalidPolicy)
	}

	switch p.DNSMode {
	case DNSModeDoH:
		if p.DoHURL == "" {
			return fmt.Errorf("%w: dns_mode %q requires doh_url", ErrInvalidPolicy, p.DNSMode)
		}
		if len(p.PlainServers) > 0 {
			return fmt.Errorf("%w: dns_mode %q must not set plain_servers", ErrInvalidPolicy, p.DNSMode)
		}
		u, err := url.Parse(p.DoHURL)
		if err != nil || u.Scheme != "https" || u.Host == "" {
			return fmt.Errorf("%w: doh_url must be an https URL, got %q", ErrInvalidPolicy, p.DoHURL)
		}
	case DNSModePlain:
		if len(p.PlainServers) == 0 {
			return fmt.Errorf("%w: dns_mode %q requires plain_servers", ErrInvalidPolicy, p.DNSMode)
		}
		if p.DoHURL != "" {
			return fmt.Errorf("%w: dns_mode %q must not set doh_url", ErrInvalidPolicy, p.DNSMode)
		}
		for _, s := range p.PlainServers {
			if strings.TrimSpace(s) == "" {
				return fmt.Errorf("%w: plain_servers contains an empty address", ErrInvalidPolicy)
			}
		}
	default:
		return fmt.Errorf("%w: unknown dns_mode %q", ErrInvalidPolicy, p.DNSMode)
	}

	if f := p.WebFilter; f != nil {
		if len(f.BlockedHosts) == 0 && len(f.AllowedHosts) == 0 {
			return fmt.Errorf("%w: web_filter must list blocked or allowed hosts", ErrInvalidPolicy)
		}
	}

	return nil
}

// PayloadCount returns the number of sub-payloads the policy compiles into.
func (p Policy) PayloadCount() int {
	n := 1 // DNS payload is always present.
	if p.WebFilter != nil {
		n++
	}
	return n
}
