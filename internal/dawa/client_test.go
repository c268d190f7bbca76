package dawa

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkrogh/sheltersync/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTestClient(t *testing.T, serverURL string) *Client {
	t.Helper()

	c := NewClient(serverURL, &http.Client{Timeout: 5 * time.Second}, nil, discardLogger())
	c.sleepFunc = func(ctx context.Context, _ time.Duration) error {
		return ctx.Err()
	}

	return c
}

const addressJSON = `{
	"adressebetegnelse": "Nørregade 10, 8000 Aarhus C",
	"husnr": "10",
	"vejstykke": {"navn": "Nørregade"},
	"postnummer": {"nr": "8000"},
	"adgangspunkt": {"koordinater": [10.2107, 56.1572]}
}`

func TestLookupDecodesAddress(t *testing.T) {
	var gotPath string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		io.WriteString(w, addressJSON)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)

	addr, err := c.Lookup(context.Background(), "0a3f-5089")

	require.NoError(t, err)
	require.NotNil(t, addr)
	assert.Equal(t, "/adgangsadresser/0a3f-5089", gotPath)
	assert.Equal(t, "Nørregade 10, 8000 Aarhus C", addr.Text)
	assert.Equal(t, "Nørregade", addr.StreetName)
	assert.Equal(t, "10", addr.HouseNumber)
	assert.Equal(t, "8000", addr.PostalCode)
	require.NotNil(t, addr.Location)
	assert.Equal(t, &store.Point{Lon: 10.2107, Lat: 56.1572}, addr.Location)
}

func TestLookupEmptyIDIsMiss(t *testing.T) {
	c := newTestClient(t, "http://unused.invalid")

	addr, err := c.Lookup(context.Background(), "")

	require.NoError(t, err)
	assert.Nil(t, addr)
}

func TestLookupNotFoundIsMiss(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)

	addr, err := c.Lookup(context.Background(), "obsolete-id")

	require.NoError(t, err, "an unknown address id is expected, not an error")
	assert.Nil(t, addr)
}

func TestLookupRetriesThrottling(t *testing.T) {
	var calls int

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++

		if calls < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}

		io.WriteString(w, addressJSON)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)

	addr, err := c.Lookup(context.Background(), "some-id")

	require.NoError(t, err)
	require.NotNil(t, addr)
	assert.Equal(t, 3, calls)
}

func TestLookupGivesUpAfterMaxAttempts(t *testing.T) {
	var calls int

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)

	addr, err := c.Lookup(context.Background(), "some-id")

	require.Error(t, err)
	assert.Nil(t, addr)
	assert.Equal(t, maxAttempts, calls)
	assert.Contains(t, err.Error(), "throttled")
}

func TestLookupServerErrorIsTerminal(t *testing.T) {
	var calls int

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)

	addr, err := c.Lookup(context.Background(), "some-id")

	require.Error(t, err)
	assert.Nil(t, addr)
	assert.Equal(t, 1, calls, "non-throttle HTTP failures are not retried")
}

func TestLookupOmitsLocationOnIncompleteCoordinates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, `{"adressebetegnelse": "Et Sted 1", "adgangspunkt": {"koordinater": []}}`)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)

	addr, err := c.Lookup(context.Background(), "some-id")

	require.NoError(t, err)
	require.NotNil(t, addr)
	assert.Equal(t, "Et Sted 1", addr.Text)
	assert.Nil(t, addr.Location)
}
