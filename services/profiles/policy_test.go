package profiles

import (
	"errors"
	"testing"
)

func TestPolicyValidate(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		wantErr bool
	}{
		{
			name: "valid doh policy",
			policy: Policy{
				ID:          "adult-block",
				DisplayName: "CleanBrowsing Adult Filter",
				DNSMode:     DNSModeDoH,
				DoHURL:      "https://doh.cleanbrowsing.org/doh/adult-filter/",
			},
		},
		{
			name: "valid plain policy",
			policy: Policy{
				ID:           "family-plain",
				DisplayName:  "CleanBrowsing Family Filter",
				DNSMode:      DNSModePlain,
				PlainServers: []string{"185.228.168.168"},
			},
		},
		{
			name: "missing id",
			policy: Policy{
				DisplayName: "X",
				DNSMode:     DNSModeDoH,
				DoHURL:      "https://doh.example.org/",
			},
			wantErr: true,
		},
		{
			name: "doh without url",
			policy: Policy{
				ID:          "p",
				DisplayName: "X",
				DNSMode:     DNSModeDoH,
			},
			wantErr: true,
		},
		{
			name: "doh with plain servers too",
			policy: Policy{
				ID:           "p",
				DisplayName:  "X",
				DNSMode:      DNSModeDoH,
				DoHURL:       "https://doh.example.org/",
				PlainServers: []string{"1.1.1.1"},
			},
			wantErr: true,
		},
		{
			name: "doh url not https",
			policy: Policy{
				ID:          "p",
				DisplayName: "X",
				DNSMode:     DNSModeDoH,
				DoHURL:      "http://doh.example.org/",
			},
			wantErr: true,
		},
		{
			name: "plain without servers",
			policy: Policy{
				ID:          "p",
				DisplayName: "X",
				DNSMode:     DNSModePlain,
			},
			wantErr: true,
		},
		{
			name: "plain with empty server entry",
			policy: Policy{
				ID:           "p",
				DisplayName:  "X",
				DNSMode:      DNSModePlain,
				PlainServers: []string{"1.1.1.1", " "},
			},
			wantErr: true,
		},
		{
			name: "unknown dns mode",
			policy: Policy{
				ID:          "p",
				DisplayName: "X",
				DNSMode:     "dot",
			},
			wantErr: true,
		},
		{
			name: "empty web filter",
			policy: Policy{
				ID:          "p",
				DisplayName: "X",
				DNSMode:     DNSModePlain,
				PlainServers: []string{
					"1.1.1.1",
				},
				WebFilter: &WebFilter{},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidPolicy) {
				t.Fatalf("Validate() error = %v, want ErrInvalidPolicy", err)
			}
		})
	}
}

func TestWebFilterAllowlistOnly(t *testing.T) {
	f := &WebFilter{AllowedHosts: []string{"wikipedia.org"}}
	if !f.AllowlistOnly() {
		t.Fatal("expected allowlist-only mode")
	}

	f.BlockedHosts = []string{"reddit.com"}
	if f.AllowlistOnly() {
		t.Fatal("blocklist entries must disable allowlist-only mode")
	}
}
