// Package payments collects ERC-20 purchase payments through an external
// payment gateway reached over HTTP.
package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/tokengate/tokengate/internal/token"
)

// DefaultTimeout bounds one gateway call including retries.
const DefaultTimeout = 10 * time.Second

// ErrRejected is returned when the gateway answers but refuses the movement.
var ErrRejected = errors.New("payment rejected by gateway")

// MovementRequest is the body posted to the gateway's /collect and /refund endpoints.
type MovementRequest struct {
	PaymentToken string `json:"payment_token"`
	From         string `json:"from"`
	To           string `json:"to"`
	Amount       string `json:"amount"`
}

// statusError is a non-200 gateway answer. 5xx answers are retried.
type statusError struct {
	path   string
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s: %s returned %d: %s", ErrRejected, e.path, e.status, e.body)
}

func (e *statusError) Is(target error) bool { return target == ErrRejected }

// retryable reports whether an attempt failed at the transport or with a 5xx.
func retryable(err error) bool {
	if !retry.IsRecoverable(err) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.status >= http.StatusInternalServerError
	}
	return true
}

// Gateway is a token.PaymentCollector backed by an HTTP payment gateway.
type Gateway struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	retries    int
	minBackoff time.Duration
	maxBackoff time.Duration
	logger     *zap.Logger
}

var _ token.PaymentCollector = (*Gateway)(nil)

func NewGateway(baseURL string, cfg ClientConfig, logger *zap.Logger) *Gateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = defaultMinBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: NewHTTPClient(cfg),
		timeout:    cfg.Timeout,
		retries:    cfg.Retries,
		minBackoff: cfg.MinBackoff,
		maxBackoff: cfg.MaxBackoff,
		logger:     logger,
	}
}

// Collect moves amount of paymentToken from the buyer to the treasury.
func (g *Gateway) Collect(paymentToken, from, to common.Address, amount *uint256.Int) error {
	return g.move("/collect", paymentToken, from, to, amount)
}

// Refund returns a collected payment.
func (g *Gateway) Refund(paymentToken, from, to common.Address, amount *uint256.Int) error {
	return g.move("/refund", paymentToken, from, to, amount)
}

func (g *Gateway) move(path string, paymentToken, from, to common.Address, amount *uint256.Int) error {
	body, err := json.Marshal(MovementRequest{
		PaymentToken: paymentToken.Hex(),
		From:         from.Hex(),
		To:           to.Hex(),
		Amount:       amount.Dec(),
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()

	// Retries reuse the key so the gateway can drop duplicates.
	key := uuid.New().String()

	opts := []retry.Option{
		retry.Context(ctx),
		retry.Attempts(uint(g.retries) + 1),
		retry.Delay(g.minBackoff),
		retry.MaxDelay(g.maxBackoff),
		retry.LastErrorOnly(true),
		retry.RetryIf(retryable),
		retry.OnRetry(func(n uint, err error) {
			g.logger.Warn("Gateway: movement retry",
				zap.String("path", path),
				zap.String("idempotency_key", key),
				zap.Uint("attempt", n+1),
				zap.Error(err))
		}),
	}
	if jitter := g.maxBackoff - g.minBackoff; jitter > 0 {
		opts = append(opts, retry.MaxJitter(jitter))
	} else {
		opts = append(opts, retry.DelayType(retry.FixedDelay))
	}

	err = retry.Do(func() error {
		return g.attempt(ctx, path, key, body)
	}, opts...)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) {
			g.logger.Warn("Gateway: movement refused",
				zap.String("path", path),
				zap.String("idempotency_key", key),
				zap.Int("status", se.status))
			return err
		}
		return fmt.Errorf("gateway %s: %w", path, err)
	}

	g.logger.Debug("Gateway: movement accepted",
		zap.String("path", path),
		zap.String("idempotency_key", key),
		zap.String("payment_token", paymentToken.Hex()),
		zap.String("amount", amount.Dec()))
	return nil
}

// attempt posts one movement. The body reader is rebuilt on every call.
func (g *Gateway) attempt(ctx context.Context, path, key string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return retry.Unrecoverable(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", key)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &statusError{path: path, status: resp.StatusCode, body: strings.TrimSpace(string(msg))}
	}
	return nil
}
