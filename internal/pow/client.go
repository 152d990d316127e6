package pow

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const defaultRequestTimeout = 2 * time.Second

// ComputeRequest is the offload service's challenge input.
type ComputeRequest struct {
	Mask string `json:"mask"`
	Key  string `json:"key"`
	Seed string `json:"seed"`
}

type ComputeResponse struct {
	Result string `json:"result"`
	Cached bool   `json:"cached"`
}

// Client calls the proof-of-work offload microservice opportunistically.
// On timeout or overload it computes locally instead of failing the task.
type Client struct {
	baseURL string
	httpc   *http.Client
	logger  *slog.Logger
}

func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Solve tries the offload service first and falls back to a local solve.
// The fallback is the contract: offload unavailability never fails a task.
func (c *Client) Solve(ctx context.Context, req ComputeRequest) (string, error) {
	if c.baseURL != "" {
		resp, err := c.compute(ctx, req)
		if err == nil {
			return resp.Result, nil
		}
		if c.logger != nil {
			c.logger.Warn("PoW offload unavailable, solving locally", "error", err)
		}
	}
	return solveLocal(ctx, req)
}

func (c *Client) compute(ctx context.Context, req ComputeRequest) (ComputeResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return ComputeResponse{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/compute", bytes.NewReader(body))
	if err != nil {
		return ComputeResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return ComputeResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ComputeResponse{}, fmt.Errorf("offload service returned %d", resp.StatusCode)
	}
	var out ComputeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ComputeResponse{}, err
	}
	return out, nil
}

// Healthy probes the offload service.
func (c *Client) Healthy(ctx context.Context) bool {
	if c.baseURL == "" {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// solveLocal searches for a nonce whose digest matches the mask prefix.
// Challenges seen in practice are a few hex digits, so the search stays
// cheap; the context bounds it regardless.
func solveLocal(ctx context.Context, req ComputeRequest) (string, error) {
	mask := strings.ToLower(req.Mask)
	for nonce := 0; ; nonce++ {
		if nonce%4096 == 0 && ctx.Err() != nil {
			return "", ctx.Err()
		}
		candidate := req.Key + req.Seed + strconv.Itoa(nonce)
		sum := sha256.Sum256([]byte(candidate))
		if strings.HasPrefix(hex.EncodeToString(sum[:]), mask) {
			return strconv.Itoa(nonce), nil
		}
	}
}
