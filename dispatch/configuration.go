/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package dispatch

import (
	"fmt"
	"strings"
	"time"

	"dario.cat/mergo"
)

// ProviderType selects how transport parameters are resolved.
type ProviderType string

// Provider types.
const (
	ProviderSMTP    ProviderType = "smtp"
	ProviderWebmail ProviderType = "webmail"
	ProviderAPI     ProviderType = "api"
)

// Valid reports whether p is one of the known provider types.
func (p ProviderType) Valid() bool {
	switch p {
	case ProviderSMTP, ProviderWebmail, ProviderAPI:
		return true
	}
	return false
}

// Status is the operational state of a Configuration.
type Status string

// Configuration states.
const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusError    Status = "error"
)

// Valid reports whether s is one of the known states.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusError:
		return true
	}
	return false
}

func (s Status) priority() int {
	switch s {
	case StatusActive:
		return 0
	case StatusInactive:
		return 1
	case StatusError:
		return 2
	}
	return 3
}

// Default quota values applied to new configurations.
const (
	DefaultMaxEmailsPerDay = 1000
	DefaultPort            = 587
)

// Security holds transport security switches.
type Security struct {
	// TLS controls certificate verification, nil means verify.
	TLS *bool `json:"tls,omitempty" yaml:"tls,omitempty"`
}

// Limits holds optional sending caps of a Configuration.
type Limits struct {
	Daily                  int      `json:"daily,omitempty" yaml:"daily,omitempty"`
	Monthly                int      `json:"monthly,omitempty" yaml:"monthly,omitempty"`
	Concurrent             int      `json:"concurrent,omitempty" yaml:"concurrent,omitempty"`
	MaxAttachmentSize      int64    `json:"maxAttachmentSize,omitempty" yaml:"max_attachment_size,omitempty"`
	AllowedAttachmentTypes []string `json:"allowedAttachmentTypes,omitempty" yaml:"allowed_attachment_types,omitempty"`
}

// DefaultLimits are merged into every configuration on creation. Daily stays
// unset so MaxEmailsPerDay alone caps the day unless a lower limit is given.
var DefaultLimits = Limits{
	Monthly:                30 * DefaultMaxEmailsPerDay,
	Concurrent:             1,
	MaxAttachmentSize:      10 * 1024 * 1024,
	AllowedAttachmentTypes: []string{"application/pdf", "image/png", "image/jpeg", "text/plain"},
}

// Configuration is a stored outbound-mail credential set with health and
// quota metadata.
type Configuration struct {
	ID      string `json:"id" yaml:"id"`
	OwnerID string `json:"ownerId" yaml:"owner_id"`
	Name    string `json:"name" yaml:"name"`

	ProviderType    ProviderType    `json:"providerType" yaml:"provider_type"`
	Host            string          `json:"host,omitempty" yaml:"host,omitempty"`
	Port            int             `json:"port,omitempty" yaml:"port,omitempty"`
	Secure          bool            `json:"secure" yaml:"secure"`
	WebmailProvider WebmailProvider `json:"webmailProvider,omitempty" yaml:"webmail_provider,omitempty"`
	APIProvider     APIProvider     `json:"apiProvider,omitempty" yaml:"api_provider,omitempty"`
	APIKey          string          `json:"apiKey,omitempty" yaml:"api_key,omitempty"`
	Region          string          `json:"region,omitempty" yaml:"region,omitempty"`

	Username string `json:"username" yaml:"username"`
	// Password is write-only across the API boundary.
	Password string `json:"-" yaml:"password,omitempty"`

	FromEmail string   `json:"fromEmail,omitempty" yaml:"from_email,omitempty"`
	FromName  string   `json:"fromName,omitempty" yaml:"from_name,omitempty"`
	Security  Security `json:"security" yaml:"security"`

	IsValid       bool       `json:"isValid" yaml:"is_valid"`
	LastError     *string    `json:"lastError" yaml:"last_error,omitempty"`
	LastValidated *time.Time `json:"lastValidated,omitempty" yaml:"last_validated,omitempty"`
	Status        Status     `json:"status" yaml:"status"`

	MaxEmailsPerDay   int        `json:"maxEmailsPerDay" yaml:"max_emails_per_day"`
	CurrentEmailsSent int        `json:"currentEmailsSent" yaml:"current_emails_sent"`
	QuotaWindow       *time.Time `json:"quotaWindow,omitempty" yaml:"quota_window,omitempty"`
	Limits            *Limits    `json:"limits,omitempty" yaml:"limits,omitempty"`

	IsActive  bool       `json:"isActive" yaml:"is_active"`
	LastUsed  *time.Time `json:"lastUsed,omitempty" yaml:"last_used,omitempty"`
	CreatedAt time.Time  `json:"createdAt" yaml:"created_at"`
	UpdatedAt time.Time  `json:"updatedAt" yaml:"updated_at"`
}

// Sender returns the envelope sender address of the configuration.
func (c *Configuration) Sender() string {
	if c.FromEmail != "" {
		return c.FromEmail
	}
	return c.Username
}

// Secret returns the credential used as transport password.
func (c *Configuration) Secret() string {
	if c.ProviderType == ProviderAPI && c.APIKey != "" {
		return c.APIKey
	}
	return c.Password
}

// ApplyDefaults fills unset quota, status and limit fields.
func (c *Configuration) ApplyDefaults() error {
	if c.Status == "" {
		c.Status = StatusInactive
	}
	if c.MaxEmailsPerDay == 0 {
		c.MaxEmailsPerDay = DefaultMaxEmailsPerDay
	}
	if c.ProviderType == ProviderSMTP && c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Name == "" {
		c.Name = c.Username
	}
	if c.Limits == nil {
		c.Limits = &Limits{}
	}
	if err := mergo.Merge(c.Limits, DefaultLimits); err != nil {
		return fmt.Errorf("failed to apply default limits: %w", err)
	}
	return nil
}

// Validate checks the closed enums, ranges and kind specific mandatory
// fields. Any violation wraps ErrInvalidField.
func (c *Configuration) Validate() error {
	if !c.ProviderType.Valid() {
		return invalidField("providerType", "unknown value %q", c.ProviderType)
	}
	if !c.Status.Valid() {
		return invalidField("status", "unknown value %q", c.Status)
	}
	switch c.ProviderType {
	case ProviderSMTP:
		if strings.TrimSpace(c.Host) == "" {
			return invalidField("host", "required for provider type %s", c.ProviderType)
		}
	case ProviderWebmail:
		if c.WebmailProvider == "" {
			return invalidField("webmailProvider", "required for provider type %s", c.ProviderType)
		}
		if !c.WebmailProvider.Known() {
			return unsupportedField("webmailProvider", c.WebmailProvider)
		}
	case ProviderAPI:
		if c.APIProvider == "" {
			return invalidField("apiProvider", "required for provider type %s", c.ProviderType)
		}
		if !c.APIProvider.Known() {
			return unsupportedField("apiProvider", c.APIProvider)
		}
	}
	if c.Port != 0 && (c.Port < 1 || c.Port > 65535) {
		return invalidField("port", "%d out of range", c.Port)
	}
	if c.MaxEmailsPerDay < 1 {
		return invalidField("maxEmailsPerDay", "must be at least 1")
	}
	if c.CurrentEmailsSent < 0 {
		return invalidField("currentEmailsSent", "must not be negative")
	}
	if c.Limits != nil {
		if c.Limits.Daily < 0 || c.Limits.Monthly < 0 || c.Limits.Concurrent < 0 || c.Limits.MaxAttachmentSize < 0 {
			return invalidField("limits", "must not be negative")
		}
	}
	return nil
}

// Clone returns a deep copy of c.
func (c *Configuration) Clone() *Configuration {
	if c == nil {
		return nil
	}

	clone := *c
	if c.Security.TLS != nil {
		tls := *c.Security.TLS
		clone.Security.TLS = &tls
	}
	clone.LastError = cloneString(c.LastError)
	clone.LastValidated = cloneTime(c.LastValidated)
	clone.QuotaWindow = cloneTime(c.QuotaWindow)
	clone.LastUsed = cloneTime(c.LastUsed)
	if c.Limits != nil {
		limits := *c.Limits
		limits.AllowedAttachmentTypes = append([]string(nil), c.Limits.AllowedAttachmentTypes...)
		clone.Limits = &limits
	}

	return &clone
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Redacted returns a shallow copy without secrets.
func (c *Configuration) Redacted() *Configuration {
	r := *c
	r.Password = ""
	return &r
}
