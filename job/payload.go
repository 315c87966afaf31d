package job

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"time"
)

// Category is the kind of notification. It selects the payload type and
// is the unit of per-category opt-out.
type Category string

const (
	CategoryAlert           Category = "alert"
	CategoryDigest          Category = "digest"
	CategoryCredentialReset Category = "credential_reset"
	CategoryVerification    Category = "verification"
	CategoryTransactional   Category = "transactional"
)

var categories = []Category{
	CategoryAlert,
	CategoryDigest,
	CategoryCredentialReset,
	CategoryVerification,
	CategoryTransactional,
}

// Categories returns every known category.
func Categories() []Category { return slices.Clone(categories) }

// Valid reports whether c is a known category.
func (c Category) Valid() bool { return slices.Contains(categories, c) }

// ErrUnknownCategory is returned when a category tag has no payload type.
var ErrUnknownCategory = errors.New("job: unknown category")

// Payload is the category-specific template data of a job.
type Payload interface {
	// Category returns the tag this payload belongs to.
	Category() Category
	// Validate reports missing or malformed fields.
	Validate() error
}

// NewPayload returns an empty payload of the type bound to c.
func NewPayload(c Category) (Payload, error) {
	switch c {
	case CategoryAlert:
		return &AlertData{}, nil
	case CategoryDigest:
		return &DigestData{}, nil
	case CategoryCredentialReset:
		return &CredentialResetData{}, nil
	case CategoryVerification:
		return &VerificationData{}, nil
	case CategoryTransactional:
		return &TransactionalData{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCategory, c)
}

// DecodePayload decodes raw JSON into the payload type bound to c.
// Unknown fields are rejected.
func DecodePayload(c Category, raw []byte) (Payload, error) {
	p, err := NewPayload(c)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(p); err != nil {
		return nil, fmt.Errorf("job: decode %s payload: %w", c, err)
	}
	return p, nil
}

// Listing is one job posting referenced by alert and digest mail.
type Listing struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Company  string `json:"company"`
	Location string `json:"location,omitempty"`
	URL      string `json:"url"`
}

func (l Listing) validate(i int) error {
	if l.ID == "" || l.Title == "" {
		return fmt.Errorf("listings[%d]: id and title are required", i)
	}
	if err := checkURL(l.URL); err != nil {
		return fmt.Errorf("listings[%d].url: %w", i, err)
	}
	return nil
}

// AlertData is the payload for a saved-search job alert.
type AlertData struct {
	AlertID     string    `json:"alert_id"`
	SearchQuery string    `json:"search_query"`
	Listings    []Listing `json:"listings"`
	ManageURL   string    `json:"manage_url"`
}

// Category implements Payload.
func (*AlertData) Category() Category { return CategoryAlert }

// Validate implements Payload.
func (d *AlertData) Validate() error {
	if d.AlertID == "" {
		return errors.New("alert_id is required")
	}
	if len(d.Listings) == 0 {
		return errors.New("at least one listing is required")
	}
	for i, l := range d.Listings {
		if err := l.validate(i); err != nil {
			return err
		}
	}
	return checkURL(d.ManageURL)
}

// DigestPeriod is the cadence of a digest.
type DigestPeriod string

const (
	DigestDaily  DigestPeriod = "daily"
	DigestWeekly DigestPeriod = "weekly"
)

// DigestData is the payload for a periodic listings digest.
type DigestData struct {
	Period         DigestPeriod `json:"period"`
	Listings       []Listing    `json:"listings"`
	UnsubscribeURL string       `json:"unsubscribe_url"`
}

// Category implements Payload.
func (*DigestData) Category() Category { return CategoryDigest }

// Validate implements Payload.
func (d *DigestData) Validate() error {
	if d.Period != DigestDaily && d.Period != DigestWeekly {
		return fmt.Errorf("period must be daily or weekly, got %q", d.Period)
	}
	for i, l := range d.Listings {
		if err := l.validate(i); err != nil {
			return err
		}
	}
	if err := checkURL(d.UnsubscribeURL); err != nil {
		return fmt.Errorf("unsubscribe_url: %w", err)
	}
	return nil
}

// CredentialResetData is the payload for a password reset link.
type CredentialResetData struct {
	ResetURL  string    `json:"reset_url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Category implements Payload.
func (*CredentialResetData) Category() Category { return CategoryCredentialReset }

// Validate implements Payload.
func (d *CredentialResetData) Validate() error {
	if err := checkURL(d.ResetURL); err != nil {
		return fmt.Errorf("reset_url: %w", err)
	}
	if d.ExpiresAt.IsZero() {
		return errors.New("expires_at is required")
	}
	return nil
}

// VerificationData is the payload for an address verification message.
type VerificationData struct {
	VerifyURL string `json:"verify_url,omitempty"`
	Code      string `json:"code,omitempty"`
}

// Category implements Payload.
func (*VerificationData) Category() Category { return CategoryVerification }

// Validate implements Payload.
func (d *VerificationData) Validate() error {
	if d.VerifyURL == "" && d.Code == "" {
		return errors.New("verify_url or code is required")
	}
	if d.VerifyURL != "" {
		if err := checkURL(d.VerifyURL); err != nil {
			return fmt.Errorf("verify_url: %w", err)
		}
	}
	return nil
}

// TransactionalData is the payload for receipts, billing notices and other
// one-off account mail.
type TransactionalData struct {
	Kind   string            `json:"kind"`
	Fields map[string]string `json:"fields,omitempty"`
}

// Category implements Payload.
func (*TransactionalData) Category() Category { return CategoryTransactional }

// Validate implements Payload.
func (d *TransactionalData) Validate() error {
	if d.Kind == "" {
		return errors.New("kind is required")
	}
	return nil
}

func checkURL(raw string) error {
	if raw == "" {
		return errors.New("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}
