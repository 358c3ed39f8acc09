package sso

import (
	"net/url"
	"sort"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/goliatone/go-errors"
)

// MaxAudienceNameLength bounds audience names to what the grant column stores.
const MaxAudienceNameLength = 10

// Audience is a downstream system that can receive tokens
type Audience struct {
	Name        string
	RedirectURL string
	WebhookURL  string
	WebhookKey  string
}

// HasWebhook reports whether identities should be pushed to the audience.
func (a Audience) HasWebhook() bool {
	return a.WebhookURL != ""
}

// Validate will run validation rules
func (a Audience) Validate() error {
	return validation.ValidateStruct(&a,
		validation.Field(&a.Name, validation.Required, validation.Length(1, MaxAudienceNameLength)),
		validation.Field(&a.RedirectURL, validation.Required, is.URL),
		validation.Field(&a.WebhookURL, is.URL),
	)
}

// AudienceRegistry is the authoritative, read-only set of audiences.
type AudienceRegistry struct {
	audiences map[string]Audience
	names     []string
}

// NewAudienceRegistry validates the given audiences and indexes them by name.
func NewAudienceRegistry(audiences ...Audience) (*AudienceRegistry, error) {
	r := &AudienceRegistry{
		audiences: make(map[string]Audience, len(audiences)),
	}

	for _, a := range audiences {
		a.Name = strings.TrimSpace(a.Name)
		if err := a.Validate(); err != nil {
			return nil, errors.Wrap(err, errors.CategoryValidation, "invalid audience configuration").
				WithMetadata(map[string]any{"audience": a.Name})
		}

		if _, exists := r.audiences[a.Name]; exists {
			return nil, errors.New("duplicate audience in configuration", errors.CategoryValidation).
				WithMetadata(map[string]any{"audience": a.Name})
		}

		r.audiences[a.Name] = a
		r.names = append(r.names, a.Name)
	}

	sort.Strings(r.names)

	return r, nil
}

// AudiencesFromMaps joins the redirect, webhook and key tables by audience
// name. The redirect table defines the audience set.
func AudiencesFromMaps(redirects, webhooks, keys map[string]string) ([]Audience, error) {
	for name := range webhooks {
		if _, ok := redirects[name]; !ok {
			return nil, errors.New("webhook configured for unknown audience", errors.CategoryValidation).
				WithMetadata(map[string]any{"audience": name})
		}
	}

	out := make([]Audience, 0, len(redirects))
	for name, redirect := range redirects {
		out = append(out, Audience{
			Name:        name,
			RedirectURL: redirect,
			WebhookURL:  webhooks[name],
			WebhookKey:  keys[name],
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out, nil
}

// Lookup returns the audience named name.
func (r *AudienceRegistry) Lookup(name string) (Audience, bool) {
	if r == nil {
		return Audience{}, false
	}
	a, ok := r.audiences[name]
	return a, ok
}

// Has reports whether name is a configured audience.
func (r *AudienceRegistry) Has(name string) bool {
	_, ok := r.Lookup(name)
	return ok
}

// Names returns the sorted audience names.
func (r *AudienceRegistry) Names() []string {
	if r == nil {
		return nil
	}
	return append([]string(nil), r.names...)
}

// RedirectFor appends token to the audience redirect URL under param.
func (r *AudienceRegistry) RedirectFor(name, param, token string) (string, error) {
	a, ok := r.Lookup(name)
	if !ok {
		return "", ErrUnknownAudience
	}

	u, err := url.Parse(a.RedirectURL)
	if err != nil {
		return "", errors.Wrap(err, errors.CategoryInternal, "invalid redirect url")
	}

	q := u.Query()
	q.Set(param, token)
	u.RawQuery = q.Encode()

	return u.String(), nil
}
