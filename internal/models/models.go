// Package models defines the records the console synchronizes. Each entity
// kind is one REST collection on the backend.
package models

import (
	"encoding/json"
	"net/url"
	"time"

	"github.com/steveyegge/consolesync/internal/store"
)

// Entity kinds.
const (
	EntityUsers        = "users"
	EntityDevices      = "devices"
	EntityAuthorities  = "authorities"
	EntityCertificates = "certificates"
	EntityServices     = "services"
	EntityChecks       = "checks"
	EntityAlerts       = "alerts"
	EntityEndpoints    = "endpoints"
	EntitySessions     = "sessions"
	EntitySecrets      = "secrets"
	EntityPolicies     = "policies"
)

// Entities lists every entity kind in display order.
var Entities = []string{
	EntityUsers,
	EntityDevices,
	EntityAuthorities,
	EntityCertificates,
	EntityServices,
	EntityChecks,
	EntityAlerts,
	EntityEndpoints,
	EntitySessions,
	EntitySecrets,
	EntityPolicies,
}

// Filter is the criteria record shared by every list view.
type Filter struct {
	ID           string `json:"id,omitempty" yaml:"id,omitempty"`
	Name         string `json:"name,omitempty" yaml:"name,omitempty"`
	Type         string `json:"type,omitempty" yaml:"type,omitempty"`
	Organization string `json:"organization,omitempty" yaml:"organization,omitempty"`
}

// Query encodes the non-empty fields as query parameters.
func (f Filter) Query() url.Values {
	q := url.Values{}
	set := func(key, value string) {
		if value != "" {
			q.Set(key, value)
		}
	}
	set("id", f.ID)
	set("name", f.Name)
	set("type", f.Type)
	set("organization", f.Organization)
	return q
}

// Record is implemented by every entity record.
type Record interface {
	RecordID() string
	RecordName() string
}

type User struct {
	ID            string    `json:"id" yaml:"id"`
	Type          string    `json:"type" yaml:"type"`
	Username      string    `json:"username" yaml:"username"`
	Email         string    `json:"email,omitempty" yaml:"email,omitempty"`
	Roles         []string  `json:"roles,omitempty" yaml:"roles,omitempty"`
	Administrator string    `json:"administrator,omitempty" yaml:"administrator,omitempty"`
	Disabled      bool      `json:"disabled" yaml:"disabled"`
	LastActive    time.Time `json:"last_active" yaml:"last_active"`
}

func (u User) RecordID() string   { return u.ID }
func (u User) RecordName() string { return u.Username }

type Device struct {
	ID         string    `json:"id" yaml:"id"`
	User       string    `json:"user" yaml:"user"`
	Name       string    `json:"name" yaml:"name"`
	Type       string    `json:"type" yaml:"type"`
	Mode       string    `json:"mode,omitempty" yaml:"mode,omitempty"`
	LastActive time.Time `json:"last_active" yaml:"last_active"`
}

func (d Device) RecordID() string   { return d.ID }
func (d Device) RecordName() string { return d.Name }

type Authority struct {
	ID        string `json:"id" yaml:"id"`
	Name      string `json:"name" yaml:"name"`
	Type      string `json:"type" yaml:"type"`
	Algorithm string `json:"algorithm,omitempty" yaml:"algorithm,omitempty"`
	PublicKey string `json:"public_key,omitempty" yaml:"public_key,omitempty"`
	Expire    int    `json:"expire" yaml:"expire"`
}

func (a Authority) RecordID() string   { return a.ID }
func (a Authority) RecordName() string { return a.Name }

type Certificate struct {
	ID      string    `json:"id" yaml:"id"`
	Name    string    `json:"name" yaml:"name"`
	Type    string    `json:"type" yaml:"type"`
	Domains []string  `json:"acme_domains,omitempty" yaml:"acme_domains,omitempty"`
	Expires time.Time `json:"expires" yaml:"expires"`
	Comment string    `json:"comment,omitempty" yaml:"comment,omitempty"`
}

func (c Certificate) RecordID() string   { return c.ID }
func (c Certificate) RecordName() string { return c.Name }

type Service struct {
	ID       string   `json:"id" yaml:"id"`
	Name     string   `json:"name" yaml:"name"`
	Domains  []string `json:"domains,omitempty" yaml:"domains,omitempty"`
	Roles    []string `json:"roles,omitempty" yaml:"roles,omitempty"`
	Disabled bool     `json:"disabled" yaml:"disabled"`
}

func (s Service) RecordID() string   { return s.ID }
func (s Service) RecordName() string { return s.Name }

type Check struct {
	ID      string   `json:"id" yaml:"id"`
	Name    string   `json:"name" yaml:"name"`
	Type    string   `json:"type" yaml:"type"`
	Targets []string `json:"targets,omitempty" yaml:"targets,omitempty"`
	Timeout int      `json:"timeout" yaml:"timeout"`
	Status  string   `json:"status,omitempty" yaml:"status,omitempty"`
}

func (c Check) RecordID() string   { return c.ID }
func (c Check) RecordName() string { return c.Name }

type Alert struct {
	ID        string `json:"id" yaml:"id"`
	Name      string `json:"name" yaml:"name"`
	Resource  string `json:"resource" yaml:"resource"`
	Level     int    `json:"level" yaml:"level"`
	Frequency int    `json:"frequency" yaml:"frequency"`
}

func (a Alert) RecordID() string   { return a.ID }
func (a Alert) RecordName() string { return a.Name }

type Endpoint struct {
	ID        string   `json:"id" yaml:"id"`
	Name      string   `json:"name" yaml:"name"`
	Roles     []string `json:"roles,omitempty" yaml:"roles,omitempty"`
	ClientKey string   `json:"client_key,omitempty" yaml:"-"`
}

func (e Endpoint) RecordID() string   { return e.ID }
func (e Endpoint) RecordName() string { return e.Name }

type Session struct {
	ID         string    `json:"id" yaml:"id"`
	User       string    `json:"user" yaml:"user"`
	Type       string    `json:"type" yaml:"type"`
	Agent      string    `json:"agent,omitempty" yaml:"agent,omitempty"`
	Timestamp  time.Time `json:"timestamp" yaml:"timestamp"`
	LastActive time.Time `json:"last_active" yaml:"last_active"`
	Removed    bool      `json:"removed" yaml:"removed"`
}

func (s Session) RecordID() string   { return s.ID }
func (s Session) RecordName() string { return s.User + "/" + s.ID }

type Secret struct {
	ID      string `json:"id" yaml:"id"`
	Name    string `json:"name" yaml:"name"`
	Type    string `json:"type" yaml:"type"`
	Key     string `json:"key,omitempty" yaml:"key,omitempty"`
	Value   string `json:"value,omitempty" yaml:"-"`
	Comment string `json:"comment,omitempty" yaml:"comment,omitempty"`
}

func (s Secret) RecordID() string   { return s.ID }
func (s Secret) RecordName() string { return s.Name }

type Policy struct {
	ID       string   `json:"id" yaml:"id"`
	Name     string   `json:"name" yaml:"name"`
	Roles    []string `json:"roles,omitempty" yaml:"roles,omitempty"`
	Services []string `json:"services,omitempty" yaml:"services,omitempty"`
	Disabled bool     `json:"disabled" yaml:"disabled"`
}

func (p Policy) RecordID() string   { return p.ID }
func (p Policy) RecordName() string { return p.Name }

// SecretFromResponse extracts generated secret material from a create
// response. The backend returns it under one of a few field names depending
// on the entity.
func SecretFromResponse(raw json.RawMessage) (store.Secret, bool) {
	var body struct {
		ID         string `json:"id"`
		Secret     string `json:"secret"`
		Value      string `json:"value"`
		ClientKey  string `json:"client_key"`
		PrivateKey string `json:"private_key"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return store.Secret{}, false
	}
	for _, v := range []string{body.Secret, body.Value, body.ClientKey, body.PrivateKey} {
		if v != "" {
			return store.Secret{ID: body.ID, Value: v}, true
		}
	}
	return store.Secret{}, false
}
