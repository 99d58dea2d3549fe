package market

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/Mahdi-Habibi/pocket-crypto/core"
	"github.com/Mahdi-Habibi/pocket-crypto/pkg/logger"
	"github.com/stretchr/testify/require"
)

const listingBody = `{
	"data": {
		"cryptoCurrencyList": [
			{
				"id": 1, "name": "Bitcoin", "symbol": "BTC", "slug": "bitcoin", "cmcRank": 1,
				"quotes": [
					{"name": "BTC", "price": 1, "marketCap": 0, "percentChange24h": 0},
					{"name": "USD", "price": 64000.5, "marketCap": 1260000000000, "percentChange24h": 2.4}
				]
			},
			{
				"id": 1027, "name": "Ethereum", "symbol": "ETH", "slug": "ethereum", "cmcRank": 2,
				"quotes": [{"name": "USD", "price": 3100.2, "marketCap": 372000000000, "percentChange24h": -1.1}]
			}
		]
	}
}`

const detailBody = `{
	"data": {
		"id": 1, "name": "Bitcoin", "symbol": "BTC", "slug": "bitcoin",
		"statistics": {
			"price": 64000.5, "marketCap": 1260000000000, "volume24h": 31000000000,
			"priceChangePercentage24h": 2.4, "rank": 1
		}
	}
}`

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return NewClient(Config{BaseURL: server.URL}, logger.Nop())
}

func TestClient_FetchListings(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, listingPath, r.URL.Path)
		require.Equal(t, "5000", r.URL.Query().Get("limit"))
		require.Equal(t, "market_cap", r.URL.Query().Get("sortBy"))
		fmt.Fprint(w, listingBody)
	}))

	entries, err := client.FetchListings(context.Background(), 5000)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	require.Equal(t, core.ListingEntry{
		ID: 1, Symbol: "BTC", Name: "Bitcoin", Slug: "bitcoin",
		Price: 64000.5, MarketCap: 1260000000000, Change24h: 2.4, Rank: 1,
	}, entries[0])
	require.Equal(t, int64(1027), entries[1].ID)
}

func TestClient_FetchQuote(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, detailPath, r.URL.Path)
		require.Equal(t, "1", r.URL.Query().Get("id"))
		fmt.Fprint(w, detailBody)
	}))

	quote, err := client.FetchQuote(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, "Bitcoin", quote.Name)
	require.Equal(t, 64000.5, quote.Price)
	require.Equal(t, 1, quote.Rank)
}

func TestClient_FetchQuote_EmptyData(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data": {}}`)
	}))

	_, err := client.FetchQuote(context.Background(), 99999999)
	require.ErrorIs(t, err, core.ErrQuoteUnavailable)
}

func TestClient_RetriesOnServerError(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, detailBody)
	}))

	quote, err := client.FetchQuote(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, "BTC", quote.Symbol)
	require.Equal(t, int32(2), calls.Load())
}

func TestClient_GivesUpAfterRetries(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))

	_, err := client.FetchQuote(context.Background(), 1)
	require.Error(t, err)
	require.Equal(t, int32(3), calls.Load())
}
