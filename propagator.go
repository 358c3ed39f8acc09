package sso

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/goliatone/go-errors"
)

// IdentityPropagator pushes identity records to audience webhooks.
type IdentityPropagator struct {
	audiences *AudienceRegistry
	client    *http.Client
	retries   uint
	backoff   func() backoff.BackOff
	logger    Logger
}

func NewIdentityPropagator(cfg *Config) *IdentityPropagator {
	return &IdentityPropagator{
		audiences: cfg.Audiences(),
		client:    &http.Client{Timeout: cfg.GetWebhookTimeout()},
		retries:   cfg.GetWebhookRetries(),
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return b
		},
		logger: defLogger{},
	}
}

func (p *IdentityPropagator) WithLogger(l Logger) *IdentityPropagator {
	p.logger = normalizeLogger(l)
	return p
}

// WithHTTPClient replaces the webhook client.
func (p *IdentityPropagator) WithHTTPClient(c *http.Client) *IdentityPropagator {
	if c != nil {
		p.client = c
	}
	return p
}

// WithBackOff sets the delay policy between attempts.
func (p *IdentityPropagator) WithBackOff(f func() backoff.BackOff) *IdentityPropagator {
	if f != nil {
		p.backoff = f
	}
	return p
}

// Propagate posts record to the audience webhook. Audiences without a
// webhook are a no-op. Only 201 counts as delivered.
func (p *IdentityPropagator) Propagate(ctx context.Context, record IdentityRecord, audience string) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return errors.Wrap(err, errors.CategoryInternal, "failed to encode identity record")
	}
	return p.PropagateRaw(ctx, payload, audience)
}

// PropagateRaw posts an already encoded identity record.
func (p *IdentityPropagator) PropagateRaw(ctx context.Context, payload []byte, audience string) error {
	target, ok := p.audiences.Lookup(audience)
	if !ok {
		return cloneWithMetadata(ErrUnknownAudience, map[string]any{"audience": audience})
	}

	if !target.HasWebhook() {
		return nil
	}

	_, err := backoff.Retry(ctx, func() (int, error) {
		return p.post(ctx, target, payload)
	},
		backoff.WithBackOff(p.backoff()),
		backoff.WithMaxTries(p.retries+1),
		backoff.WithNotify(func(err error, next time.Duration) {
			p.logger.Warn("identity webhook for %s failed, retrying in %s: %v", target.Name, next, err)
		}),
	)

	if err != nil {
		p.logger.Warn("identity webhook for %s gave up: %v", target.Name, err)
		return err
	}

	return nil
}

func (p *IdentityPropagator) post(ctx context.Context, target Audience, payload []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return 0, backoff.Permanent(errors.Wrap(err, errors.CategoryInternal, "invalid webhook request"))
	}

	req.Header.Set("Content-Type", "application/json")
	if target.WebhookKey != "" {
		req.Header.Set("Authorization", "Api-Key "+target.WebhookKey)
	}

	res, err := p.client.Do(req)
	if err != nil {
		return 0, errors.Wrap(err, errors.CategoryExternal, "identity webhook request failed")
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 4096))

	if res.StatusCode != http.StatusCreated {
		return res.StatusCode, cloneWithMetadata(ErrWebhookRejected, map[string]any{
			"audience": target.Name,
			"status":   res.StatusCode,
		}).WithCode(res.StatusCode)
	}

	return res.StatusCode, nil
}

