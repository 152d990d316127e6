package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"time"

	"checkq/internal/store"
)

// ErrNoHealthyProxy is returned when every proxy in the pool is marked
// unhealthy. Batch submission treats this as a wholesale rejection.
var ErrNoHealthyProxy = errors.New("no healthy proxy available")

const (
	defaultFailureThreshold = 3
	defaultHealthTTL        = 5 * time.Minute
)

// Endpoint is a proxy as configured for the run.
type Endpoint struct {
	ID  string `json:"id" yaml:"id" toml:"id"`
	URL string `json:"url" yaml:"url" toml:"url"`
}

// Health is the per-proxy record kept in the shared store, mutated on every
// recorded result and refreshed with a short TTL.
type Health struct {
	ProxyID             string     `json:"proxy_id"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	TotalRequests       int64      `json:"total_requests"`
	SuccessCount        int64      `json:"success_count"`
	Healthy             bool       `json:"healthy"`
	LastSuccess         *time.Time `json:"last_success,omitempty"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// Router hands out proxies in fair rotation over the currently healthy
// subset and keeps the health records current.
type Router struct {
	st        *store.Client
	pool      []Endpoint
	byID      map[string]Endpoint
	threshold int
	healthTTL time.Duration
	logger    *slog.Logger
}

type RouterOptions struct {
	FailureThreshold int
	HealthTTL        time.Duration
}

func NewRouter(st *store.Client, pool []Endpoint, opts RouterOptions, logger *slog.Logger) *Router {
	threshold := opts.FailureThreshold
	if threshold <= 0 {
		threshold = defaultFailureThreshold
	}
	ttl := opts.HealthTTL
	if ttl <= 0 {
		ttl = defaultHealthTTL
	}
	byID := make(map[string]Endpoint, len(pool))
	sorted := append([]Endpoint(nil), pool...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	for _, p := range sorted {
		byID[p.ID] = p
	}
	return &Router{
		st:        st,
		pool:      sorted,
		byID:      byID,
		threshold: threshold,
		healthTTL: ttl,
		logger:    logger,
	}
}

// InitPool writes a fresh healthy record for any proxy that has none yet.
// Existing records are left alone so a restarted process does not erase
// accumulated health state.
func (r *Router) InitPool(ctx context.Context) error {
	for _, p := range r.pool {
		exists, err := r.st.Exists(ctx, store.ProxyHealthKey(p.ID))
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		h := Health{ProxyID: p.ID, Healthy: true, UpdatedAt: time.Now().UTC()}
		if err := r.writeHealth(ctx, h); err != nil {
			return err
		}
	}
	return nil
}

// NextProxy returns the next proxy from the persistent round-robin cursor,
// restricted to proxies healthy right now. Unhealthy proxies are invisible
// to assignment until a success restores them.
func (r *Router) NextProxy(ctx context.Context) (Endpoint, error) {
	healthy, err := r.healthySubset(ctx)
	if err != nil {
		return Endpoint{}, err
	}
	if len(healthy) == 0 {
		return Endpoint{}, ErrNoHealthyProxy
	}

	cursor, err := r.st.Incr(ctx, store.KeyProxyCursor)
	if err != nil {
		return Endpoint{}, err
	}
	// The cursor advances over the healthy subset only, so rotation stays
	// fair even as proxies flip state mid-run.
	idx := int((cursor - 1) % int64(len(healthy)))
	return healthy[idx], nil
}

// RecordResult folds one check outcome into the proxy's health record.
// The unhealthy flip happens at exactly threshold consecutive failures;
// a single success restores the proxy and zeroes the counter.
func (r *Router) RecordResult(ctx context.Context, proxyID string, success bool) (Health, error) {
	h, err := r.GetHealth(ctx, proxyID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Health{}, err
	}
	if errors.Is(err, store.ErrNotFound) {
		h = Health{ProxyID: proxyID, Healthy: true}
	}

	now := time.Now().UTC()
	h.TotalRequests++
	h.UpdatedAt = now
	if success {
		h.SuccessCount++
		h.ConsecutiveFailures = 0
		h.LastSuccess = &now
		if !h.Healthy && r.logger != nil {
			r.logger.Info("Proxy restored", "proxy_id", proxyID)
		}
		h.Healthy = true
	} else {
		h.ConsecutiveFailures++
		if h.ConsecutiveFailures >= r.threshold {
			if h.Healthy && r.logger != nil {
				r.logger.Warn("Proxy marked unhealthy", "proxy_id", proxyID, "consecutive_failures", h.ConsecutiveFailures)
			}
			h.Healthy = false
		}
	}

	if err := r.writeHealth(ctx, h); err != nil {
		return Health{}, err
	}
	return h, nil
}

func (r *Router) GetHealth(ctx context.Context, proxyID string) (Health, error) {
	raw, err := r.st.Get(ctx, store.ProxyHealthKey(proxyID))
	if err != nil {
		return Health{}, err
	}
	var h Health
	if err := json.Unmarshal([]byte(raw), &h); err != nil {
		return Health{}, err
	}
	return h, nil
}

// Snapshot returns the health of every configured proxy, for the ops API.
// A missing record reads as healthy-by-default, matching lazy creation.
func (r *Router) Snapshot(ctx context.Context) ([]Health, error) {
	out := make([]Health, 0, len(r.pool))
	for _, p := range r.pool {
		h, err := r.GetHealth(ctx, p.ID)
		if errors.Is(err, store.ErrNotFound) {
			h = Health{ProxyID: p.ID, Healthy: true}
		} else if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}

func (r *Router) healthySubset(ctx context.Context) ([]Endpoint, error) {
	healthy := make([]Endpoint, 0, len(r.pool))
	for _, p := range r.pool {
		h, err := r.GetHealth(ctx, p.ID)
		if errors.Is(err, store.ErrNotFound) {
			// Record expired or never written: treat as healthy, same as
			// lazy pool init.
			healthy = append(healthy, p)
			continue
		}
		if err != nil {
			return nil, err
		}
		if h.Healthy {
			healthy = append(healthy, p)
		}
	}
	return healthy, nil
}

func (r *Router) writeHealth(ctx context.Context, h Health) error {
	data, err := json.Marshal(h)
	if err != nil {
		return err
	}
	return r.st.Set(ctx, store.ProxyHealthKey(h.ProxyID), string(data), r.healthTTL)
}
