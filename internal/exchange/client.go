// Package exchange implements the venue's REST and streaming clients.
//
// The REST client (Client) covers the authenticated HTTP surface:
//   - Login:         POST /auth/getToken               — exchange credentials for a session token
//   - Instruments:   GET  /rest/instruments/all        — full listing, feeds pair discovery
//   - AccountReport: GET  /rest/risk/accountReport/{a} — cash balances for an account
//
// The streaming client (Feed, ws.go) carries market data, execution reports,
// and order entry over one WebSocket. Every REST request is rate-limited via
// per-category TokenBuckets and retried on 5xx errors.
package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"mep-arb/pkg/types"
)

// ErrAuthRejected marks a credential rejection, as opposed to a transport
// fault. The reconnect loop keeps retrying it but the operator is expected
// to fix the credentials.
var ErrAuthRejected = errors.New("authentication rejected")

const authHeader = "X-Auth-Token"

// Params bundles everything needed to reach one venue environment. The
// engine builds a fresh Params from current settings on force_reauth.
type Params struct {
	BaseURL     string
	WSURL       string
	Username    string
	Password    string
	Account     string
	Proprietary string // tag stamped on every outbound order
	Timeout     time.Duration
}

// Client is the venue REST API client.
// It wraps a resty HTTP client with rate limiting, retry, and token auth.
type Client struct {
	http   *resty.Client
	rl     *RateLimiter
	params Params

	mu    sync.RWMutex
	token string

	logger *slog.Logger
}

// NewClient creates a REST client with rate limiting and retry.
func NewClient(params Params, logger *slog.Logger) *Client {
	if params.Timeout <= 0 {
		params.Timeout = 3 * time.Second
	}
	httpClient := resty.New().
		SetBaseURL(params.BaseURL).
		SetTimeout(params.Timeout).
		SetRetryCount(2).
		SetRetryWaitTime(250 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:   httpClient,
		rl:     NewRateLimiter(),
		params: params,
		logger: logger.With("component", "rest"),
	}
}

// Login exchanges the configured credentials for a session token. The token
// arrives in the X-Auth-Token response header and is attached to every
// subsequent REST call and the streaming dial.
func (c *Client) Login(ctx context.Context) (string, error) {
	if err := c.rl.Auth.Wait(ctx); err != nil {
		return "", err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("X-Username", c.params.Username).
		SetHeader("X-Password", c.params.Password).
		Post("/auth/getToken")
	if err != nil {
		return "", fmt.Errorf("get token: %w", err)
	}
	if resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden {
		return "", fmt.Errorf("get token: status %d: %w", resp.StatusCode(), ErrAuthRejected)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("get token: status %d: %s", resp.StatusCode(), resp.String())
	}

	token := resp.Header().Get(authHeader)
	if token == "" {
		return "", fmt.Errorf("get token: empty %s header: %w", authHeader, ErrAuthRejected)
	}

	c.mu.Lock()
	c.token = token
	c.mu.Unlock()

	c.logger.Info("authenticated", "user", c.params.Username)
	return token, nil
}

// Token returns the current session token, empty until Login succeeds.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Account returns the configured trading account.
func (c *Client) Account() string { return c.params.Account }

func (c *Client) ensureToken(ctx context.Context) error {
	if c.Token() != "" {
		return nil
	}
	_, err := c.Login(ctx)
	return err
}

// Instruments fetches the full instrument listing. The venue serves either a
// bare array or an object wrapping it under "instruments".
func (c *Client) Instruments(ctx context.Context) ([]types.Instrument, error) {
	if err := c.ensureToken(ctx); err != nil {
		return nil, err
	}
	if err := c.rl.Data.Wait(ctx); err != nil {
		return nil, err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader(authHeader, c.Token()).
		Get("/rest/instruments/all")
	if err != nil {
		return nil, fmt.Errorf("instruments: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("instruments: status %d: %s", resp.StatusCode(), resp.String())
	}

	body := resp.Body()
	var list []types.Instrument
	if err := json.Unmarshal(body, &list); err == nil {
		return list, nil
	}
	var wrapped struct {
		Instruments []types.Instrument `json:"instruments"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, fmt.Errorf("instruments: decode: %w", err)
	}
	return wrapped.Instruments, nil
}

// CashBalances is the slice of the account report the agent consumes.
type CashBalances struct {
	ARS decimal.Decimal
	USD decimal.Decimal
}

type cashFields struct {
	AvailableCashARS *decimal.Decimal `json:"availableCashARS"`
	CashARS          *decimal.Decimal `json:"cashARS"`
	AvailableCashUSD *decimal.Decimal `json:"availableCashUSD"`
	CashUSD          *decimal.Decimal `json:"cashUSD"`
}

type accountReportResponse struct {
	cashFields
	DetailedPosition *cashFields `json:"detailedPosition"`
}

// AccountReport fetches cash balances for the account. Available cash is
// preferred over gross cash; reports without a detailedPosition object carry
// the fields at the top level.
func (c *Client) AccountReport(ctx context.Context, account string) (CashBalances, error) {
	if err := c.ensureToken(ctx); err != nil {
		return CashBalances{}, err
	}
	if err := c.rl.Data.Wait(ctx); err != nil {
		return CashBalances{}, err
	}

	var result accountReportResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader(authHeader, c.Token()).
		SetResult(&result).
		Get("/rest/risk/accountReport/" + account)
	if err != nil {
		return CashBalances{}, fmt.Errorf("account report: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return CashBalances{}, fmt.Errorf("account report: status %d: %s", resp.StatusCode(), resp.String())
	}

	fields := result.cashFields
	if result.DetailedPosition != nil {
		fields = *result.DetailedPosition
	}
	return CashBalances{
		ARS: pick(fields.AvailableCashARS, fields.CashARS),
		USD: pick(fields.AvailableCashUSD, fields.CashUSD),
	}, nil
}

func pick(preferred, fallback *decimal.Decimal) decimal.Decimal {
	if preferred != nil {
		return *preferred
	}
	if fallback != nil {
		return *fallback
	}
	return decimal.Zero
}
