package profiles

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Catalog holds the named policies an operator can enroll subscribers into.
type Catalog struct {
	policies map[string]Policy
}

// Builtin returns the catalog of policies shipped with the product. The
// CleanBrowsing filters mirror the resolvers the hosted product points
// subscribers at.
func Builtin() *Catalog {
	c := &Catalog{policies: map[string]Policy{}}
	for _, p := range []Policy{
		{
			ID:             "adult-block",
			DisplayName:    "CleanBrowsing Adult Filter",
			DNSMode:        DNSModeDoH,
			DoHURL:         "https://doh.cleanbrowsing.org/doh/adult-filter/",
			RemovalAllowed: true,
		},
		{
			ID:           "family-plain",
			DisplayName:  "CleanBrowsing Family Filter",
			DNSMode:      DNSModePlain,
			PlainServers: []string{"185.228.168.168", "185.228.169.168"},
		},
		{
			ID:          "strict",
			DisplayName: "Strict Journey",
			DNSMode:     DNSModeDoH,
			DoHURL:      "https://doh.cleanbrowsing.org/doh/adult-filter/",
			WebFilter: &WebFilter{
				BlockedHosts: []string{"reddit.com", "x.com", "tiktok.com"},
				SafeSearch:   true,
			},
			SupervisedOnly: true,
		},
	} {
		c.policies[p.ID] = p
	}
	return c
}

// LoadCatalog reads a YAML policy file and merges it over the built-in
// catalog; file entries win on id collision.
func LoadCatalog(path string) (*Catalog, error) {
	c := Builtin()
	if path == "" {
		return c, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy catalog: %w", err)
	}

	var file struct {
		Policies []Policy `yaml:"policies"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse policy catalog: %w", err)
	}

	for _, p := range file.Policies {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("policy %q: %w", p.ID, err)
		}
		c.policies[p.ID] = p
	}
	return c, nil
}

// Get returns the policy registered under the given slug.
func (c *Catalog) Get(policyID string) (Policy, bool) {
	if c == nil {
		return Policy{}, false
	}
	p, ok := c.policies[policyID]
	return p, ok
}

// IDs lists the registered policy slugs in sorted order.
func (c *Catalog) IDs() []string {
	if c == nil {
		return nil
	}
	ids := make([]string, 0, len(c.policies))
	for id := range c.policies {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
