package profiles

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"howett.net/plist"
)

const (
	// ContentType is the MIME type for Apple configuration profiles.
	ContentType = "application/x-apple-aspen-config"

	// identifierPrefix namespaces every profile and payload identifier.
	identifierPrefix = "com.screentimejourney"

	organization = "Screen Time Journey"

	dnsPayloadType       = "com.apple.dnsSettings.managed"
	webFilterPayloadType = "com.apple.webcontent-filter"
)

// ProfileDocument is the immutable artifact built from a Policy: an XML
// property list ready to be uploaded to the MDM tenant or hosted for direct
// download.
type ProfileDocument struct {
	ProfileUUID  uuid.UUID
	PayloadUUIDs []uuid.UUID
	Bytes        []byte
	ContentType  string

	PolicyID    string
	DisplayName string
}

// ObjectKey derives the default hosting key for the document:
// "<display name>-<first 8 of profile uuid>.mobileconfig" with whitespace
// collapsed to dashes.
func (d *ProfileDocument) ObjectKey() string {
	name := strings.Join(strings.Fields(d.DisplayName), "-")
	short := strings.ReplaceAll(d.ProfileUUID.String(), "-", "")[:8]
	return fmt.Sprintf("%s-%s.mobileconfig", name, short)
}

// The plist structures mirror Apple's TopLevel/Payload dictionaries. Field
// order here fixes key order in the emitted XML, which keeps two builds of
// the same policy byte-identical apart from UUIDs.
type topLevelPayload struct {
	PayloadContent           []any  `plist:"PayloadContent"`
	PayloadDescription       string `plist:"PayloadDescription"`
	PayloadDisplayName       string `plist:"PayloadDisplayName"`
	PayloadIdentifier        string `plist:"PayloadIdentifier"`
	PayloadOrganization      string `plist:"PayloadOrganization"`
	PayloadRemovalDisallowed bool   `plist:"PayloadRemovalDisallowed"`
	PayloadScope             string `plist:"PayloadScope"`
	PayloadType              string `plist:"PayloadType"`
	PayloadUUID              string `plist:"PayloadUUID"`
	PayloadVersion           int    `plist:"PayloadVersion"`
}

type dnsSettings struct {
	DNSProtocol     string   `plist:"DNSProtocol,omitempty"`
	ServerURL       string   `plist:"ServerURL,omitempty"`
	ServerAddresses []string `plist:"ServerAddresses,omitempty"`
}

type dnsPayload struct {
	DNSSettings         dnsSettings `plist:"DNSSettings"`
	PayloadDescription  string      `plist:"PayloadDescription"`
	PayloadDisplayName  string      `plist:"PayloadDisplayName"`
	PayloadIdentifier   string      `plist:"PayloadIdentifier"`
	PayloadType         string      `plist:"PayloadType"`
	PayloadUUID         string      `plist:"PayloadUUID"`
	PayloadVersion      int         `plist:"PayloadVersion"`
	ProhibitDisablement bool        `plist:"ProhibitDisablement"`
}

type bookmark struct {
	Title string `plist:"Title"`
	URL   string `plist:"URL"`
}

type webFilterPayload struct {
	AutoFilterEnabled    bool       `plist:"AutoFilterEnabled"`
	BlacklistURLs        []string   `plist:"BlacklistURLs,omitempty"`
	FilterType           string     `plist:"FilterType"`
	PayloadDescription   string     `plist:"PayloadDescription"`
	PayloadDisplayName   string     `plist:"PayloadDisplayName"`
	PayloadIdentifier    string     `plist:"PayloadIdentifier"`
	PayloadType          string     `plist:"PayloadType"`
	PayloadUUID          string     `plist:"PayloadUUID"`
	PayloadVersion       int        `plist:"PayloadVersion"`
	PermittedURLs        []string   `plist:"PermittedURLs,omitempty"`
	WhitelistEnabled     bool       `plist:"WhitelistEnabled"`
	WhitelistedBookmarks []bookmark `plist:"WhitelistedBookmarks,omitempty"`
}

// Build compiles a Policy into a ProfileDocument. The output is
// deterministic for a given policy except for the freshly minted profile
// and payload UUIDs. Build never performs I/O.
func Build(policy Policy) (*ProfileDocument, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	profileUUID := uuid.New()
	profileIdentifier := fmt.Sprintf("%s.%s", identifierPrefix, profileUUID)

	var (
		content      []any
		payloadUUIDs []uuid.UUID
	)

	dnsUUID := uuid.New()
	payloadUUIDs = append(payloadUUIDs, dnsUUID)
	content = append(content, buildDNSPayload(policy, profileIdentifier, dnsUUID))

	if policy.WebFilter != nil {
		filterUUID := uuid.New()
		payloadUUIDs = append(payloadUUIDs, filterUUID)
		content = append(content, buildWebFilterPayload(policy, profileIdentifier, filterUUID))
	}

	top := topLevelPayload{
		PayloadContent:           content,
		PayloadDescription:       fmt.Sprintf("DNS content filtering for the %s policy.", policy.DisplayName),
		PayloadDisplayName:       policy.DisplayName,
		PayloadIdentifier:        profileIdentifier,
		PayloadOrganization:      organization,
		PayloadRemovalDisallowed: !policy.RemovalAllowed,
		PayloadScope:             "System",
		PayloadType:              "Configuration",
		PayloadUUID:              strings.ToUpper(profileUUID.String()),
		PayloadVersion:           1,
	}

	data, err := plist.MarshalIndent(top, plist.XMLFormat, "\t")
	if err != nil {
		return nil, fmt.Errorf("marshal profile plist: %w", err)
	}

	return &ProfileDocument{
		ProfileUUID:  profileUUID,
		PayloadUUIDs: payloadUUIDs,
		Bytes:        data,
		ContentType:  ContentType,
		PolicyID:     policy.ID,
		DisplayName:  policy.DisplayName,
	}, nil
}

func buildDNSPayload(policy Policy, profileIdentifier string, payloadUUID uuid.UUID) dnsPayload {
	settings := dnsSettings{}
	switch policy.DNSMode {
	case DNSModeDoH:
		settings.DNSProtocol = "HTTPS"
		settings.ServerURL = policy.DoHURL
	case DNSModePlain:
		settings.ServerAddresses = policy.PlainServers
	}

	return dnsPayload{
		DNSSettings:         settings,
		PayloadDescription:  "Configures the system DNS resolver.",
		PayloadDisplayName:  fmt.Sprintf("%s DNS", policy.DisplayName),
		PayloadIdentifier:   profileIdentifier + ".dns",
		PayloadType:         dnsPayloadType,
		PayloadUUID:         strings.ToUpper(payloadUUID.String()),
		PayloadVersion:      1,
		ProhibitDisablement: !policy.RemovalAllowed,
	}
}

func buildWebFilterPayload(policy Policy, profileIdentifier string, payloadUUID uuid.UUID) webFilterPayload {
	filter := policy.WebFilter
	payload := webFilterPayload{
		FilterType:         "BuiltIn",
		PayloadDescription: "Restricts web content.",
		PayloadDisplayName: fmt.Sprintf("%s Web Filter", policy.DisplayName),
		PayloadIdentifier:  profileIdentifier + ".webfilter",
		PayloadType:        webFilterPayloadType,
		PayloadUUID:        strings.ToUpper(payloadUUID.String()),
		PayloadVersion:     1,
	}

	if filter.AllowlistOnly() {
		payload.WhitelistEnabled = true
		for _, host := range filter.AllowedHosts {
			payload.WhitelistedBookmarks = append(payload.WhitelistedBookmarks, bookmark{
				Title: host,
				URL:   normalizeHostURL(host),
			})
		}
		return payload
	}

	payload.AutoFilterEnabled = filter.SafeSearch
	for _, host := range filter.BlockedHosts {
		payload.BlacklistURLs = append(payload.BlacklistURLs, normalizeHostURL(host))
	}
	for _, host := range filter.AllowedHosts {
		payload.PermittedURLs = append(payload.PermittedURLs, normalizeHostURL(host))
	}
	return payload
}

func normalizeHostURL(host string) string {
	host = strings.TrimSpace(host)
	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		return host
	}
	return "https://" + host
}
