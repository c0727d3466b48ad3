package sources

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/i474232898/humidor-monitor/internal/sensor"
)

// CloudConfig describes one vendor cloud account.
type CloudConfig struct {
	BaseURL  string
	Email    string
	Password string

	// MinRequestInterval spaces requests to the vendor API.
	MinRequestInterval time.Duration
	// Burst is how many requests may be issued back to back.
	Burst int

	HTTP HTTPClientConfig
}

// Session holds the access token of a cloud account. Obtaining a new token
// is the owner's job; the client never logs in on its own.
type Session struct {
	mu    sync.RWMutex
	token string
}

// Token returns the current access token.
func (s *Session) Token() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, s.token != ""
}

// Set installs a new access token.
func (s *Session) Set(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

// CloudClient talks to the vendor REST API on behalf of every sensor of one account.
type CloudClient struct {
	baseURL string
	cfg     CloudConfig
	httpCfg HTTPClientConfig
	circuit *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	session *Session
	logger  *slog.Logger

	mu          sync.Mutex
	lastRequest time.Time
}

// NewCloudClient creates a client for one account.
func NewCloudClient(cfg CloudConfig, logger *slog.Logger) *CloudClient {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HTTP.Client == nil {
		cfg.HTTP.Client = &http.Client{Timeout: 10 * time.Second}
	}
	interval := cfg.MinRequestInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 5
	}

	return &CloudClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		cfg:     cfg,
		httpCfg: cfg.HTTP,
		circuit: newBreaker("cloud-account", cfg.HTTP),
		limiter: rate.NewLimiter(rate.Every(interval), burst),
		session: &Session{},
		logger:  logger.With("component", "cloud"),
	}
}

// Session returns the account session.
func (c *CloudClient) Session() *Session { return c.session }

// Live reports whether requests would currently be attempted.
func (c *CloudClient) Live() bool {
	return c.circuit.State() != gobreaker.StateOpen
}

// LastRequest is when the client last hit the API.
func (c *CloudClient) LastRequest() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRequest
}

// Login exchanges the account credentials for an access token.
func (c *CloudClient) Login(ctx context.Context) error {
	if c.cfg.Email == "" || c.cfg.Password == "" {
		return fmt.Errorf("%w: cloud credentials are not configured", sensor.ErrAuthRequired)
	}

	var authz struct {
		Authorization string `json:"authorization"`
	}
	if err := c.post(ctx, "/oauth/authorize", "", map[string]string{
		"email":    c.cfg.Email,
		"password": c.cfg.Password,
	}, &authz); err != nil {
		return fmt.Errorf("authorize: %w", err)
	}

	var access struct {
		AccessToken string `json:"accesstoken"`
	}
	if err := c.post(ctx, "/oauth/accesstoken", "", map[string]string{
		"authorization": authz.Authorization,
	}, &access); err != nil {
		return fmt.Errorf("access token: %w", err)
	}
	if access.AccessToken == "" {
		return fmt.Errorf("%w: empty access token", sensor.ErrAuthRequired)
	}

	c.session.Set(access.AccessToken)
	c.logger.Info("cloud session established")
	return nil
}

type samplePayload struct {
	Observed    time.Time `json:"observed"`
	Temperature float64   `json:"temperature"`
	Humidity    float64   `json:"humidity"`
}

// Samples returns up to limit readings of a vendor sensor, ascending by time.
// The vendor reports temperatures in °F.
func (c *CloudClient) Samples(ctx context.Context, sensorID, vendorID string, limit int) ([]sensor.Reading, error) {
	token, ok := c.session.Token()
	if !ok {
		return nil, fmt.Errorf("%w: no cloud session", sensor.ErrAuthRequired)
	}

	var payload struct {
		Sensors map[string][]samplePayload `json:"sensors"`
	}
	if err := c.post(ctx, "/samples", token, map[string]any{
		"sensors": []string{vendorID},
		"limit":   limit,
	}, &payload); err != nil {
		return nil, err
	}

	samples, ok := payload.Sensors[vendorID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", sensor.ErrNotFound, vendorID)
	}

	out := make([]sensor.Reading, 0, len(samples))
	for _, s := range samples {
		out = append(out, sensor.NewReading(sensorID, s.Observed, s.Temperature, s.Humidity))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (c *CloudClient) post(ctx context.Context, path, token string, body any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %w: %v", sensor.ErrSourceUnavailable, errRateLimited, err)
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.lastRequest = time.Now().UTC()
	c.mu.Unlock()

	resp, err := doRequest(ctx, c.httpCfg, c.circuit, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		if token != "" {
			req.Header.Set("Authorization", token)
		}
		return req, nil
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", sensor.ErrSourceUnavailable, path, err)
	}
	return nil
}

// CloudSource is one sensor read through a cloud account.
type CloudSource struct {
	desc     sensor.Descriptor
	vendorID string
	client   *CloudClient
}

// NewCloudSource binds a logical sensor to a vendor sensor id on an account.
func NewCloudSource(desc sensor.Descriptor, vendorID string, client *CloudClient) *CloudSource {
	desc.Kind = sensor.KindCloudAccount
	if vendorID == "" {
		vendorID = desc.ID
	}
	return &CloudSource{desc: desc, vendorID: vendorID, client: client}
}

// Descriptor returns the configured identity of the sensor.
func (s *CloudSource) Descriptor() sensor.Descriptor { return s.desc }

// IsLive reports whether the account's circuit is closed. A missing session
// is not a liveness problem; fetches report it as an auth error.
func (s *CloudSource) IsLive() bool { return s.client.Live() }

// FetchCurrent returns the newest sample the cloud has for the sensor.
func (s *CloudSource) FetchCurrent(ctx context.Context) (sensor.Reading, error) {
	readings, err := s.client.Samples(ctx, s.desc.ID, s.vendorID, 1)
	if err != nil {
		return sensor.Reading{}, err
	}
	if len(readings) == 0 {
		return sensor.Reading{}, fmt.Errorf("%w: no samples for %s", sensor.ErrSourceUnavailable, s.vendorID)
	}
	return readings[len(readings)-1], nil
}

// FetchHistory returns up to window.Ceiling() samples, ascending.
func (s *CloudSource) FetchHistory(ctx context.Context, window sensor.TimeRange) ([]sensor.Reading, error) {
	return s.client.Samples(ctx, s.desc.ID, s.vendorID, window.Ceiling())
}
