// SPDX-License-Identifier: AGPL-3.0-only

package bridge

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/ctopuviyan/OrgOnboarder/pkg/roster"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	upsertsPath = "/ingest/kafka/upserts"
	deltasPath  = "/ingest/kafka/deltas"
)

// errPermanent marks HTTP failures that must not be retried.
type errPermanent struct {
	status int
	body   string
}

func (e *errPermanent) Error() string {
	return "permanent http error: status " + http.StatusText(e.status) + ": " + e.body
}

// SenderConfig configures the HTTP path from the bridge to the reconciler.
type SenderConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration

	RetryBase  time.Duration
	RetryMax   time.Duration
	MaxRetries int
}

// Sender delivers batches to the reconciler's ingestion endpoints with
// exponential backoff. 409 responses count as success: the batch was
// already applied by an earlier delivery.
type Sender struct {
	cfg     SenderConfig
	client  *http.Client
	logger  log.Logger
	metrics *bridgeMetrics
}

func newSender(cfg SenderConfig, logger log.Logger, metrics *bridgeMetrics) *Sender {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = 16
	return &Sender{
		cfg: cfg,
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		logger:  log.With(logger, "component", "bridge-sender"),
		metrics: metrics,
	}
}

type upsertPayload struct {
	OrgID    string             `json:"orgId"`
	Messages []roster.UpsertRow `json:"messages"`
}

type deltaPayload struct {
	OrgID    string         `json:"orgId"`
	Messages []roster.Delta `json:"messages"`
}

// SendUpserts posts one batch belonging to a single (org, event) pair.
func (s *Sender) SendUpserts(ctx context.Context, orgID, eventID string, rows []roster.UpsertRow) error {
	query := url.Values{"orgId": {orgID}, "eventId": {eventID}}
	return s.post(ctx, upsertsPath, query, upsertPayload{OrgID: orgID, Messages: rows})
}

// SendDelta forwards a single delta, preserving consumption order.
func (s *Sender) SendDelta(ctx context.Context, orgID string, delta roster.Delta) error {
	query := url.Values{"orgId": {orgID}}
	if delta.EventID != "" {
		query.Set("eventId", delta.EventID)
	}
	return s.post(ctx, deltasPath, query, deltaPayload{OrgID: orgID, Messages: []roster.Delta{delta}})
}

func (s *Sender) post(ctx context.Context, path string, query url.Values, payload interface{}) error {
	start := time.Now()
	defer func() {
		s.metrics.sendDuration.Observe(time.Since(start).Seconds())
	}()

	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "marshaling payload")
	}

	boff := backoff.New(ctx, backoff.Config{
		MinBackoff: s.cfg.RetryBase,
		MaxBackoff: s.cfg.RetryMax,
		MaxRetries: s.cfg.MaxRetries,
	})

	var lastErr error
	for boff.Ongoing() {
		s.metrics.sendAttempts.Inc()
		lastErr = s.attempt(ctx, path, query, body)
		if lastErr == nil {
			return nil
		}
		var perm *errPermanent
		if errors.As(lastErr, &perm) {
			s.metrics.sendFailures.Inc()
			return lastErr
		}
		s.metrics.sendRetries.Inc()
		level.Warn(s.logger).Log("msg", "send failed, backing off", "path", path, "attempt", boff.NumRetries(), "err", lastErr)
		boff.Wait()
	}

	s.metrics.sendFailures.Inc()
	if lastErr == nil {
		lastErr = boff.Err()
	}
	return errors.Wrapf(lastErr, "exhausted %d retries", s.cfg.MaxRetries)
}

func (s *Sender) attempt(ctx context.Context, path string, query url.Values, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+path+"?"+query.Encode(), bytes.NewReader(body))
	if err != nil {
		return &errPermanent{body: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Auth", s.cfg.Token)

	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "sending request")
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusConflict:
		// Idempotent duplicate: already applied.
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return errors.Errorf("retryable status %d", resp.StatusCode)
	default:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &errPermanent{status: resp.StatusCode, body: string(snippet)}
	}
}
