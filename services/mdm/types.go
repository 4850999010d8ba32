package mdm

import (
	"encoding/json"
	"strconv"
	"time"
)

// apiID tolerates the vendor returning object ids as either JSON numbers or
// strings.
type apiID string

func (id *apiID) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = apiID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*id = apiID(n.String())
	return nil
}

// Account describes the authenticated MDM tenant.
type Account struct {
	Name                  string
	AppleStoreCountryCode string
}

// Enrollment is a vendor-side enrollment slot. A nil ExpiresAt means the
// enrollment URL never expires.
type Enrollment struct {
	ID        string
	URL       string
	Name      string
	ExpiresAt *time.Time
	CreatedAt time.Time
}

// Serviceable reports whether the vendor will still honor the enrollment URL
// at the given instant.
func (e Enrollment) Serviceable(now time.Time) bool {
	return e.ExpiresAt == nil || e.ExpiresAt.After(now)
}

// Device is a vendor-side device record. EnrollmentURL is only set on
// API-created devices and is a one-shot pre-enrollment link.
type Device struct {
	ID            string
	Name          string
	EnrollmentURL string
	ProfileIDs    []string
}

// ProfileRef references a configuration profile stored in the MDM tenant.
type ProfileRef struct {
	ID   string
	Name string
}

// Vendor wire envelope: {"data": {"id": ..., "attributes": {...}}}.
type envelope struct {
	Data json.RawMessage `json:"data"`
}

type object struct {
	ID         apiID           `json:"id"`
	Attributes json.RawMessage `json:"attributes"`
}

type accountAttributes struct {
	Name                  string `json:"name"`
	AppleStoreCountryCode string `json:"apple_store_country_code"`
}

type enrollmentAttributes struct {
	URL        string     `json:"url"`
	Name       string     `json:"name"`
	URLExpires *bool      `json:"url_expires"`
	ExpiresAt  *time.Time `json:"expires_at"`
	CreatedAt  *time.Time `json:"created_at"`
}

type deviceAttributes struct {
	Name          string `json:"name"`
	EnrollmentURL string `json:"enrollment_url"`
}

type profileAttributes struct {
	Name string `json:"name"`
}

func decodeEnrollment(obj object) (Enrollment, error) {
	var attrs enrollmentAttributes
	if err := json.Unmarshal(obj.Attributes, &attrs); err != nil {
		return Enrollment{}, err
	}
	e := Enrollment{
		ID:        string(obj.ID),
		URL:       attrs.URL,
		Name:      attrs.Name,
		ExpiresAt: attrs.ExpiresAt,
	}
	if attrs.CreatedAt != nil {
		e.CreatedAt = *attrs.CreatedAt
	}
	// Some plan tiers report url_expires instead of a concrete timestamp;
	// url_expires=false means the URL is perpetual.
	if attrs.ExpiresAt == nil && attrs.URLExpires != nil && *attrs.URLExpires {
		soon := time.Now().Add(24 * time.Hour)
		e.ExpiresAt = &soon
	}
	return e, nil
}

func decodeDevice(obj object) (Device, error) {
	var attrs deviceAttributes
	if err := json.Unmarshal(obj.Attributes, &attrs); err != nil {
		return Device{}, err
	}
	return Device{
		ID:            string(obj.ID),
		Name:          attrs.Name,
		EnrollmentURL: attrs.EnrollmentURL,
	}, nil
}

func decodeProfile(obj object) (ProfileRef, error) {
	var attrs profileAttributes
	if err := json.Unmarshal(obj.Attributes, &attrs); err != nil {
		return ProfileRef{}, err
	}
	return ProfileRef{ID: string(obj.ID), Name: attrs.Name}, nil
}

func formatBool(b bool) string { return strconv.FormatBool(b) }
