// Package dispatcher delivers protocol messages to counterparty connectors over HTTP.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/dataspace-connector/connector/internal/domain/protocol"
	"github.com/dataspace-connector/connector/internal/faults"
)

// Config tunes the HTTP dispatcher. RateLimit is in requests per second; zero disables limiting.
type Config struct {
	Timeout   time.Duration
	RateLimit float64
	Burst     int
	UserAgent string
}

// HTTPDispatcher implements protocol.Dispatcher.
type HTTPDispatcher struct {
	client    *http.Client
	identity  protocol.IdentityService
	limiter   *rate.Limiter
	userAgent string
	logger    zerolog.Logger
}

func New(cfg Config, identity protocol.IdentityService, logger zerolog.Logger) *HTTPDispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "dataspace-connector/1.0"
	}
	d := &HTTPDispatcher{
		client:    &http.Client{Timeout: cfg.Timeout},
		identity:  identity,
		userAgent: cfg.UserAgent,
		logger:    logger.With().Str("component", "dispatcher").Logger(),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return d
}

// Dispatch posts msg as JSON to address + msg.Route(). 2xx succeeds, 4xx is a permanent failure
// and everything else is transient.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, address string, msg protocol.Message) (*protocol.Ack, error) {
	op := "dispatch " + msg.MessageType()
	if address == "" {
		return nil, faults.Permanentf(op, "counterparty address is empty")
	}
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return nil, faults.NewTransient(op, err)
		}
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, faults.NewPermanent(op, fmt.Errorf("marshal: %w", err))
	}
	url := strings.TrimSuffix(address, "/") + msg.Route()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, faults.NewPermanent(op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", d.userAgent)
	req.Header.Set("X-Message-Type", msg.MessageType())
	token, err := d.identity.ObtainToken(ctx, address)
	if err != nil {
		return nil, faults.NewTransient(op, fmt.Errorf("obtain token: %w", err))
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, faults.NewTransient(op, err)
	}
	defer resp.Body.Close()

	d.logger.Debug().
		Str("url", url).
		Str("message_type", msg.MessageType()).
		Int("status_code", resp.StatusCode).
		Msg("protocol message dispatched")

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		ack := &protocol.Ack{}
		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, faults.NewTransient(op, fmt.Errorf("read response: %w", err))
		}
		if len(bytes.TrimSpace(raw)) > 0 {
			if err := json.Unmarshal(raw, ack); err != nil {
				return nil, faults.NewPermanent(op, fmt.Errorf("decode response: %w", err))
			}
		}
		return ack, nil
	}

	// Response body limited to 1KB for error details.
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	detail := strings.TrimSpace(string(respBody))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return nil, faults.Permanentf(op, "rejected with status %d: %s", resp.StatusCode, detail)
	}
	return nil, faults.Transientf(op, "failed with status %d: %s", resp.StatusCode, detail)
}
