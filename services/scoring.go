// services/scoring.go
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type SnapshotKind string

const (
	SnapshotBaseline SnapshotKind = "baseline"
	SnapshotFinal    SnapshotKind = "final"
)

// RankedEntry is one line of a final ranking, rank 1 first.
type RankedEntry struct {
	Rank          int    `json:"rank"`
	WalletAddress string `json:"wallet_address"`
}

// ScoringClient is the external scoring collaborator. Snapshot failures never
// block the lifecycle.
type ScoringClient interface {
	Snapshot(ctx context.Context, tournamentID string, kind SnapshotKind) error
	// Ranking returns the final ranking, or nil when none is available yet.
	Ranking(ctx context.Context, tournamentID string) ([]RankedEntry, error)
}

// HTTPScoringClient calls the scoring service, following the same
// X-Service-Token contract as the other internal services.
type HTTPScoringClient struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func NewScoringClient(baseURL, token string) ScoringClient {
	if strings.TrimSpace(baseURL) == "" {
		return NoopScoringClient{}
	}
	return &HTTPScoringClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		Client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *HTTPScoringClient) Snapshot(ctx context.Context, tournamentID string, kind SnapshotKind) error {
	body, _ := json.Marshal(map[string]string{"kind": string(kind)})
	url := fmt.Sprintf("%s/v1/tournaments/%s/snapshots", c.BaseURL, tournamentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Service-Token", c.Token)

	resp, err := c.Client.Do(req)
	if err != nil {
		return fmt.Errorf("scoring snapshot failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("scoring snapshot returned %d: %s", resp.StatusCode, string(b))
	}
	return nil
}

func (c *HTTPScoringClient) Ranking(ctx context.Context, tournamentID string) ([]RankedEntry, error) {
	url := fmt.Sprintf("%s/v1/tournaments/%s/ranking", c.BaseURL, tournamentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Service-Token", c.Token)

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("scoring ranking failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("scoring ranking returned %d: %s", resp.StatusCode, string(b))
	}

	var out struct {
		Ranking []RankedEntry `json:"ranking"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode ranking: %w", err)
	}
	return out.Ranking, nil
}

// NoopScoringClient is used when no scoring service is configured.
type NoopScoringClient struct{}

func (NoopScoringClient) Snapshot(context.Context, string, SnapshotKind) error { return nil }

func (NoopScoringClient) Ranking(context.Context, string) ([]RankedEntry, error) { return nil, nil }
