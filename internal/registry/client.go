package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

// Backoff shape for transient failures. The base delay and attempt count
// come from configuration; these stay fixed.
const (
	backoffFactor  = 2.0
	maxBackoff     = 5 * time.Minute
	jitterFraction = 0.25
	userAgent      = "sheltersync/0.1"
)

// buildingQuery selects the fields the reconciliation engine diffs on,
// filtered to a single building status, with cursor pagination.
const buildingQuery = `query GetShelters($now: DafDateTime, $after: String, $first: Int, $status: String) {
  BBR_Bygning(
    first: $first,
    after: $after,
    registreringstid: $now,
    virkningstid: $now,
    where: { status: { eq: $status } }
  ) {
    nodes {
      id_lokalId
      byg069Sikringsrumpladser
      byg021BygningensAnvendelse
      kommunekode
      husnummer
    }
    pageInfo {
      hasNextPage
      endCursor
    }
  }
}`

// ClientConfig holds the construction parameters for a Client.
type ClientConfig struct {
	Endpoint    string        // GraphQL endpoint URL
	APIKey      string        // passed as the apikey query parameter
	StatusCode  string        // building status filter, e.g. "6"
	MaxRetries  int           // retry budget per page
	BaseBackoff time.Duration // first backoff delay
}

// Client fetches building pages from the BBR GraphQL registry.
// Transient failures (throttling, 5xx, network errors) are retried with
// exponential backoff and jitter; a GraphQL error payload is surfaced
// immediately as ErrQueryFault.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
	logger     *slog.Logger

	// sleepFunc waits between retries. Tests override it to avoid
	// real delays.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewClient creates a registry client.
func NewClient(cfg ClientConfig, httpClient *http.Client, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		logger:     logger,
		sleepFunc:  timeSleep,
	}
}

// wire structures for the GraphQL request/response.

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type graphQLError struct {
	Message string `json:"message"`
}

type buildingNode struct {
	ID               string          `json:"id_lokalId"`
	Capacity         json.RawMessage `json:"byg069Sikringsrumpladser"`
	UsageCode        *string         `json:"byg021BygningensAnvendelse"`
	MunicipalityCode *string         `json:"kommunekode"`
	AccessAddressID  *string         `json:"husnummer"`
}

type graphQLResponse struct {
	Data struct {
		Buildings struct {
			Nodes    []buildingNode `json:"nodes"`
			PageInfo struct {
				HasNextPage bool   `json:"hasNextPage"`
				EndCursor   string `json:"endCursor"`
			} `json:"pageInfo"`
		} `json:"BBR_Bygning"`
	} `json:"data"`
	Errors []graphQLError `json:"errors"`
}

// FetchPage retrieves one page of buildings. Pass an empty cursor for
// the start of the sequence. The registry requires the validity
// timestamp in strict ISO 8601, so it is rendered to whole seconds.
func (c *Client) FetchPage(ctx context.Context, cursor string, pageSize int) (*Page, error) {
	vars := map[string]any{
		"now":    time.Now().UTC().Format("2006-01-02T15:04:05") + "Z",
		"first":  pageSize,
		"status": c.cfg.StatusCode,
	}
	if cursor != "" {
		vars["after"] = cursor
	}

	body, err := json.Marshal(graphQLRequest{Query: buildingQuery, Variables: vars})
	if err != nil {
		return nil, fmt.Errorf("registry: encoding request: %w", err)
	}

	resp, err := c.postWithRetry(ctx, body)
	if err != nil {
		return nil, err
	}

	return toPage(resp), nil
}

// postWithRetry executes the GraphQL POST, retrying transient failures
// up to the configured budget. Returns ErrQueryFault without retrying
// when the response carries a GraphQL error payload, and ErrExhausted
// when the retry budget runs out.
func (c *Client) postWithRetry(ctx context.Context, body []byte) (*graphQLResponse, error) {
	var lastErr error

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.calcBackoff(attempt - 1)
			c.logger.Warn("retrying registry page fetch",
				slog.Int("attempt", attempt),
				slog.Int("max_retries", c.cfg.MaxRetries),
				slog.Duration("backoff", backoff),
				slog.String("error", lastErr.Error()),
			)

			if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
				return nil, fmt.Errorf("registry: request canceled: %w", sleepErr)
			}
		}

		resp, err := c.postOnce(ctx, body)
		if err == nil {
			return resp, nil
		}

		if ctx.Err() != nil {
			return nil, fmt.Errorf("registry: request canceled: %w", ctx.Err())
		}

		// A GraphQL error payload means the query itself is at fault.
		// Non-retryable HTTP statuses are equally hopeless.
		if errors.Is(err, ErrQueryFault) {
			return nil, err
		}

		var apiErr *APIError
		if errors.As(err, &apiErr) && !isRetryable(apiErr.StatusCode) {
			return nil, err
		}

		lastErr = err
	}

	return nil, fmt.Errorf("%w after %d attempts: %v", ErrExhausted, c.cfg.MaxRetries+1, lastErr)
}

// postOnce executes a single GraphQL POST and decodes the response.
func (c *Client) postOnce(ctx context.Context, body []byte) (*graphQLResponse, error) {
	url := c.cfg.Endpoint + "?apikey=" + c.cfg.APIKey

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("registry: creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registry: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if readErr != nil {
			errBody = []byte("(failed to read response body)")
		}

		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(errBody)),
			Err:        classifyStatus(resp.StatusCode),
		}
	}

	var gr graphQLResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return nil, fmt.Errorf("registry: decoding response: %w", err)
	}

	if len(gr.Errors) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrQueryFault, gr.Errors[0].Message)
	}

	return &gr, nil
}

// toPage converts the wire response into a Page.
func toPage(gr *graphQLResponse) *Page {
	block := gr.Data.Buildings

	page := &Page{
		Buildings: make([]Building, 0, len(block.Nodes)),
		HasNext:   block.PageInfo.HasNextPage,
		EndCursor: block.PageInfo.EndCursor,
	}

	for i := range block.Nodes {
		n := &block.Nodes[i]
		page.Buildings = append(page.Buildings, Building{
			ID:               n.ID,
			CapacityRaw:      rawScalar(n.Capacity),
			UsageCode:        deref(n.UsageCode),
			MunicipalityCode: deref(n.MunicipalityCode),
			AccessAddressID:  deref(n.AccessAddressID),
		})
	}

	return page
}

// rawScalar renders a JSON scalar as its bare string form. The registry
// serves capacity inconsistently as "12", 12, or null; all three
// collapse to a plain string ("" for null) for the classifier to parse.
func rawScalar(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return ""
	}

	return strings.Trim(s, `"`)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}

	return *s
}

// calcBackoff computes exponential backoff with ±25% jitter.
func (c *Client) calcBackoff(attempt int) time.Duration {
	backoff := float64(c.cfg.BaseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}

	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1)
	backoff += jitter

	return time.Duration(backoff)
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
