// Package dynamicworld queries a Dynamic World land-cover labelling service
// for the class of a single point.
package dynamicworld

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/uchicago-dsi/poultry-cafos/internal/resilience"
)

// Dynamic World label values.
const (
	Water             = 0
	Trees             = 1
	Grass             = 2
	FloodedVegetation = 3
	Crops             = 4
	ShrubAndScrub     = 5
	Built             = 6
	Bare              = 7
	SnowAndIce        = 8
)

// Client returns the land-cover label at a WGS84 point.
type Client interface {
	Label(ctx context.Context, lon, lat float64) (int, error)
}

// Option configures the HTTP client.
type Option func(*client)

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *client) {
		c.httpClient = hc
	}
}

// WithToken sends token as a bearer credential.
func WithToken(token string) Option {
	return func(c *client) {
		c.token = token
	}
}

// WithRateLimit caps requests per second. Zero or less disables the limit.
func WithRateLimit(rps float64) Option {
	return func(c *client) {
		if rps <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

type client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a Client for the service at baseURL.
func NewClient(baseURL string, opts ...Option) Client {
	c := &client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(10, 10),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type labelRequest struct {
	Lon float64 `json:"lon"`
	Lat float64 `json:"lat"`
}

type labelResponse struct {
	Label *int `json:"label"`
}

// Label posts the point to <base>/v1/label. Throttling and server errors
// come back as resilience.TransientError so callers can retry them.
func (c *client) Label(ctx context.Context, lon, lat float64) (int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, eris.Wrap(err, "dynamicworld: rate limit")
	}

	body, err := json.Marshal(labelRequest{Lon: lon, Lat: lat})
	if err != nil {
		return 0, eris.Wrap(err, "dynamicworld: encode request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/label", bytes.NewReader(body))
	if err != nil {
		return 0, eris.Wrap(err, "dynamicworld: build request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, eris.Wrap(err, "dynamicworld: request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("dynamicworld: service returned status %d", resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return 0, resilience.NewTransientError(err, resp.StatusCode)
		}
		return 0, err
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, eris.Wrap(err, "dynamicworld: read body")
	}

	var out labelResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return 0, eris.Wrap(err, "dynamicworld: parse response")
	}
	if out.Label == nil {
		return 0, eris.New("dynamicworld: response has no label")
	}
	return *out.Label, nil
}

// Static is a Client that answers every query with the same label.
type Static int

// Label returns the fixed label.
func (s Static) Label(ctx context.Context, _, _ float64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, eris.Wrap(err, "dynamicworld: static label")
	}
	return int(s), nil
}
