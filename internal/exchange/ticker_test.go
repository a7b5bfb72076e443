package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTickerClientFetchRate(t *testing.T) {
	var requestedPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestedPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"kraken":{"rates":{"last":50123.456789}},"bitstamp":{"rates":{"last":1}}}`))
	}))
	defer server.Close()

	client := NewTickerClient(server.URL+"/exchanges/", "Kraken", time.Second)
	rate, err := client.FetchRate(context.Background(), "eur")
	require.NoError(t, err)

	assert.Equal(t, "/exchanges/EUR", requestedPath)
	assert.Equal(t, "50123.4567", rate.String())
}

func TestTickerClientErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{name: "Server error", status: http.StatusBadGateway, body: `upstream down`},
		{name: "Malformed body", status: http.StatusOK, body: `{"kraken":`},
		{name: "Missing exchange", status: http.StatusOK, body: `{"bitstamp":{"rates":{"last":1}}}`},
		{name: "Zero price", status: http.StatusOK, body: `{"kraken":{"rates":{"last":0}}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client := NewTickerClient(server.URL, "kraken", time.Second)
			_, err := client.FetchRate(context.Background(), "USD")
			assert.Error(t, err)
		})
	}
}
