// Package incentive queries the external incentive service for the bonus
// credited to a transfer's recipient.
package incentive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ayo6706/midas-core/internal/domain"
	"github.com/ayo6706/midas-core/internal/models"
	"github.com/ayo6706/midas-core/internal/observability"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

var (
	// ErrNoQuote is returned when the service answers without an amount.
	ErrNoQuote = errors.New("incentive response has no amount")
	// ErrMalformedQuote is returned when the amount cannot be represented in micros.
	ErrMalformedQuote = errors.New("incentive response amount is malformed")
	// ErrCircuitOpen is returned while the breaker rejects calls.
	ErrCircuitOpen = errors.New("incentive circuit breaker is open")
)

const maxResponseBytes = 64 << 10

type Config struct {
	URL             string
	Timeout         time.Duration
	BreakerFailures uint32
	BreakerCooldown time.Duration
	HTTPClient      *http.Client
}

type quoteRequest struct {
	SenderID    int64       `json:"senderId"`
	RecipientID int64       `json:"recipientId"`
	Amount      json.Number `json:"amount"`
}

type quoteResponse struct {
	Amount *decimal.Decimal `json:"amount"`
}

// HTTPClient posts transfers to the incentive endpoint. Every call is bounded
// by the configured timeout and guarded by a circuit breaker.
type HTTPClient struct {
	url     string
	timeout time.Duration
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

func NewHTTPClient(cfg Config, logger *zap.Logger) *HTTPClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	c := &HTTPClient{
		url:     cfg.URL,
		timeout: cfg.Timeout,
		http:    httpClient,
		logger:  logger,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "incentive",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			observability.SetIncentiveCircuitOpen(to == gobreaker.StateOpen)
			logger.Warn("incentive circuit breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return c
}

// Quote returns the incentive for event. Amounts are converted to micros by
// truncation, the same way transfer amounts are.
func (c *HTTPClient) Quote(ctx context.Context, event models.TransferEvent) (models.IncentiveQuote, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.fetch(ctx, event)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return models.IncentiveQuote{}, ErrCircuitOpen
		}
		return models.IncentiveQuote{}, err
	}
	return models.IncentiveQuote{Amount: result.(int64)}, nil
}

func (c *HTTPClient) fetch(ctx context.Context, event models.TransferEvent) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(quoteRequest{
		SenderID:    event.SenderID,
		RecipientID: event.RecipientID,
		Amount:      json.Number(domain.ToDecimal(event.Amount).String()),
	})
	if err != nil {
		return 0, fmt.Errorf("encode incentive request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build incentive request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if event.EventKey != "" {
		req.Header.Set("X-Event-Key", event.EventKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("call incentive service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return 0, fmt.Errorf("incentive service returned status %d", resp.StatusCode)
	}

	var out quoteResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode incentive response: %w", err)
	}
	if out.Amount == nil {
		return 0, ErrNoQuote
	}
	amount, err := domain.FromDecimal(*out.Amount)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrMalformedQuote, out.Amount.String(), err)
	}
	return amount, nil
}
