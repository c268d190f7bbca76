// Package dawa provides the access-address lookup client used to enrich
// shelter records with address text and WGS84 coordinates.
package dawa

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/mkrogh/sheltersync/internal/store"
)

// Lookup retry shape. Enrichment is best-effort, so the budget is small
// and the delays short.
const (
	maxAttempts      = 3
	throttleBaseWait = 1 * time.Second
	networkRetryWait = 500 * time.Millisecond
)

// Address is the normalized result of an access-address lookup.
type Address struct {
	Text        string
	StreetName  string
	HouseNumber string
	PostalCode  string
	Location    *store.Point
}

// Client looks up access addresses. A nil, nil return is a miss: the
// address id is unknown or obsolete, which is expected for stale
// registry references and is not an error.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger

	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewClient creates a lookup client. The limiter throttles outgoing
// requests; pass nil to disable throttling (tests).
func NewClient(baseURL string, httpClient *http.Client, limiter *rate.Limiter, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		limiter:    limiter,
		logger:     logger,
		sleepFunc:  timeSleep,
	}
}

// wire structure of the access-address response. Only the fields the
// engine stores are decoded.
type accessAddressResponse struct {
	Text        string `json:"adressebetegnelse"`
	HouseNumber string `json:"husnr"`
	Street      struct {
		Name string `json:"navn"`
	} `json:"vejstykke"`
	Postal struct {
		Nr string `json:"nr"`
	} `json:"postnummer"`
	AccessPoint struct {
		Coordinates []float64 `json:"koordinater"`
	} `json:"adgangspunkt"`
}

// Lookup fetches address data for one access-address id. Returns
// (nil, nil) for an empty id or a not-found response. Throttling (429)
// is retried with a linearly growing wait; network errors get one brief
// retry each. Any terminal failure is returned for the caller to log —
// enrichment must never abort a scan.
func (c *Client) Lookup(ctx context.Context, accessAddressID string) (*Address, error) {
	if accessAddressID == "" {
		return nil, nil
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("dawa: waiting for rate limiter: %w", err)
		}
	}

	url := c.baseURL + "/adgangsadresser/" + accessAddressID

	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		addr, retryWait, err := c.lookupOnce(ctx, url)
		if err == nil {
			return addr, nil
		}

		lastErr = err

		if ctx.Err() != nil || retryWait == 0 || attempt == maxAttempts {
			break
		}

		if sleepErr := c.sleepFunc(ctx, retryWait*time.Duration(attempt)); sleepErr != nil {
			return nil, fmt.Errorf("dawa: lookup canceled: %w", sleepErr)
		}
	}

	return nil, fmt.Errorf("dawa: lookup %s failed: %w", accessAddressID, lastErr)
}

// lookupOnce performs a single GET. The second return value is the base
// retry wait when the failure is transient, or 0 when it is terminal.
func (c *Client) lookupOnce(ctx context.Context, url string) (*Address, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, networkRetryWait, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		// Obsolete or unknown address id — a miss, not a failure.
		return nil, 0, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, throttleBaseWait, fmt.Errorf("throttled (HTTP 429)")
	case resp.StatusCode != http.StatusOK:
		return nil, 0, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	var ar accessAddressResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return nil, 0, fmt.Errorf("decoding response: %w", err)
	}

	return toAddress(&ar), 0, nil
}

// toAddress converts the wire response, attaching a location only when
// the access point carries a complete (lon, lat) pair.
func toAddress(ar *accessAddressResponse) *Address {
	addr := &Address{
		Text:        ar.Text,
		StreetName:  ar.Street.Name,
		HouseNumber: ar.HouseNumber,
		PostalCode:  ar.Postal.Nr,
	}

	if len(ar.AccessPoint.Coordinates) == 2 {
		addr.Location = &store.Point{
			Lon: ar.AccessPoint.Coordinates[0],
			Lat: ar.AccessPoint.Coordinates[1],
		}
	}

	return addr
}

// timeSleep waits for the given duration or until the context is canceled.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
