// services/settlement_gateway.go
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"tournament-escrow/safety"
)

// Instruction is one settlement program call, built by EscrowClient and
// signed/submitted by the gateway.
type Instruction struct {
	ProgramID        string                 `json:"program_id"`
	Name             string                 `json:"instruction"`
	Accounts         map[string]string      `json:"accounts"`
	Args             map[string]interface{} `json:"args,omitempty"`
	SignerCredential string                 `json:"signer_credential,omitempty"`
}

// SettlementGateway is the transaction-building capability. Implementations
// are chosen once at construction: the HTTP gateway, or the unavailable stub.
type SettlementGateway interface {
	// Submit sends the instruction and waits for confirmation.
	Submit(ctx context.Context, ix Instruction) (signature string, err error)
	// GetAccount decodes the account at address into out; ErrNotFound if absent.
	GetAccount(ctx context.Context, address string, out interface{}) error
	// GetBalance returns the spendable lamports of wallet.
	GetBalance(ctx context.Context, wallet string) (uint64, error)
	Available() bool
}

type GatewayConfig struct {
	BaseURL      string
	ServiceToken string
	// ConfirmTimeout bounds one HTTP round trip including confirmation.
	ConfirmTimeout time.Duration
	// RequestsPerSecond paces outbound requests; 0 disables pacing.
	RequestsPerSecond float64
	HTTPClient        *http.Client
}

// NewSettlementGateway returns the HTTP gateway, or the unavailable stub when
// the capability cannot be initialized. The second return value carries the
// init failure for a single startup log line.
func NewSettlementGateway(cfg GatewayConfig) (SettlementGateway, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return UnavailableGateway{Reason: "SETTLEMENT_GATEWAY_URL not set"}, fmt.Errorf("%w: gateway url missing", ErrFatal)
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return UnavailableGateway{Reason: "invalid gateway url"}, fmt.Errorf("%w: invalid gateway url %q", ErrFatal, cfg.BaseURL)
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 60 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.ConfirmTimeout}
	}
	gw := &HTTPGateway{base: base, token: cfg.ServiceToken, client: client}
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		gw.pacer = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return gw, nil
}

// HTTPGateway talks JSON to the settlement relayer service.
type HTTPGateway struct {
	base   *url.URL
	token  string
	client *http.Client
	pacer  *rate.Limiter
}

func (g *HTTPGateway) Available() bool { return true }

type gatewayError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (g *HTTPGateway) Submit(ctx context.Context, ix Instruction) (string, error) {
	var out struct {
		Signature string `json:"signature"`
	}
	if err := g.do(ctx, http.MethodPost, "/v1/instructions", ix, &out); err != nil {
		return "", fmt.Errorf("%s: %w", ix.Name, err)
	}
	if out.Signature == "" {
		return "", unavailable(ix.Name, errors.New("gateway returned empty signature"))
	}
	return out.Signature, nil
}

func (g *HTTPGateway) GetAccount(ctx context.Context, address string, out interface{}) error {
	return g.do(ctx, http.MethodGet, "/v1/accounts/"+url.PathEscape(address), nil, out)
}

func (g *HTTPGateway) GetBalance(ctx context.Context, wallet string) (uint64, error) {
	var out struct {
		Lamports uint64 `json:"lamports"`
	}
	if err := g.do(ctx, http.MethodGet, "/v1/balances/"+url.PathEscape(wallet), nil, &out); err != nil {
		return 0, err
	}
	return out.Lamports, nil
}

func (g *HTTPGateway) do(ctx context.Context, method, path string, body, out interface{}) error {
	if g.pacer != nil {
		if err := g.pacer.Wait(ctx); err != nil {
			return unavailable("pace", err)
		}
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	endpoint := g.base.JoinPath(path)
	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Service-Token", g.token)

	resp, err := g.client.Do(req)
	if err != nil {
		return unavailable(method+" "+path, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return unavailable("decode "+path, err)
		}
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	var ge gatewayError
	_ = json.Unmarshal(raw, &ge)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("gateway throttled: %w", safety.ErrRateLimitExceeded)
	case ge.Code != "":
		if sentinel, ok := errorForCode(ge.Code); ok {
			return fmt.Errorf("%w: %s", sentinel, ge.Message)
		}
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusRequestTimeout {
		return unavailable(method+" "+path, fmt.Errorf("status %d: %s", resp.StatusCode, string(raw)))
	}
	log.Printf("⚠️ [ESCROW] gateway %s %s returned %d: %s", method, path, resp.StatusCode, string(raw))
	return fmt.Errorf("gateway %s %s: status %d", method, path, resp.StatusCode)
}

// UnavailableGateway is selected when the capability layer cannot be
// initialized. Every call fails with ErrUnavailable.
type UnavailableGateway struct {
	Reason string
}

func (u UnavailableGateway) Available() bool { return false }

func (u UnavailableGateway) Submit(_ context.Context, ix Instruction) (string, error) {
	return "", fmt.Errorf("%s: %w (%s)", ix.Name, ErrUnavailable, u.Reason)
}

func (u UnavailableGateway) GetAccount(_ context.Context, address string, _ interface{}) error {
	return fmt.Errorf("get account %s: %w (%s)", address, ErrUnavailable, u.Reason)
}

func (u UnavailableGateway) GetBalance(_ context.Context, wallet string) (uint64, error) {
	return 0, fmt.Errorf("get balance %s: %w (%s)", wallet, ErrUnavailable, u.Reason)
}
