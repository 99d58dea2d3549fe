// Package market implements the CoinMarketCap public data API client used as
// the bot's market-data source.
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Mahdi-Habibi/pocket-crypto/core"
	"github.com/Mahdi-Habibi/pocket-crypto/pkg/logger"
	"github.com/jpillora/backoff"
	"github.com/samber/lo"
)

const (
	defaultBaseURL = "https://api.coinmarketcap.com/data-api/v3"
	listingPath    = "/cryptocurrency/listing"
	detailPath     = "/cryptocurrency/detail"

	defaultTimeout = 10 * time.Second
	defaultRetries = 2
)

// Config holds the CoinMarketCap client configuration.
type Config struct {
	// BaseURL overrides the public API endpoint, mainly for tests.
	BaseURL string
	// Timeout is the per-request HTTP timeout.
	Timeout time.Duration
	// MaxRetries is the number of retries after a failed request.
	MaxRetries int
}

// Client implements core.MarketSource against the CoinMarketCap data API.
type Client struct {
	http       *http.Client
	baseURL    string
	maxRetries int
	log        logger.Logger
}

// NewClient creates a CoinMarketCap client.
func NewClient(config Config, log logger.Logger) *Client {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = defaultRetries
	}

	return &Client{
		http:       &http.Client{Timeout: config.Timeout},
		baseURL:    config.BaseURL,
		maxRetries: config.MaxRetries,
		log:        log,
	}
}

// listingQuote is one converted quote inside a listing item.
type listingQuote struct {
	Name      string  `json:"name"`
	Price     float64 `json:"price"`
	MarketCap float64 `json:"marketCap"`
	Change24h float64 `json:"percentChange24h"`
}

// listingResponse mirrors the data-api listing payload.
type listingResponse struct {
	Data struct {
		CryptoCurrencyList []struct {
			ID     int64          `json:"id"`
			Name   string         `json:"name"`
			Symbol string         `json:"symbol"`
			Slug   string         `json:"slug"`
			Rank   int            `json:"cmcRank"`
			Quotes []listingQuote `json:"quotes"`
		} `json:"cryptoCurrencyList"`
	} `json:"data"`
}

// detailResponse mirrors the data-api detail payload.
type detailResponse struct {
	Data struct {
		ID         int64  `json:"id"`
		Name       string `json:"name"`
		Symbol     string `json:"symbol"`
		Statistics struct {
			Price     float64 `json:"price"`
			MarketCap float64 `json:"marketCap"`
			Volume24h float64 `json:"volume24h"`
			Change24h float64 `json:"priceChangePercentage24h"`
			Rank      int     `json:"rank"`
		} `json:"statistics"`
	} `json:"data"`
}

// FetchListings implements core.MarketSource.
func (c *Client) FetchListings(ctx context.Context, limit int) ([]core.ListingEntry, error) {
	params := url.Values{
		"start":      {"1"},
		"limit":      {strconv.Itoa(limit)},
		"sortBy":     {"market_cap"},
		"sortType":   {"desc"},
		"convert":    {"USD"},
		"cryptoType": {"all"},
		"tagType":    {"all"},
		"audited":    {"false"},
	}

	var payload listingResponse
	if err := c.getJSON(ctx, listingPath, params, &payload); err != nil {
		return nil, fmt.Errorf("failed to fetch listings: %w", err)
	}

	entries := make([]core.ListingEntry, 0, len(payload.Data.CryptoCurrencyList))
	for i, item := range payload.Data.CryptoCurrencyList {
		usd, ok := lo.Find(item.Quotes, func(q listingQuote) bool {
			return q.Name == "USD"
		})
		if !ok {
			continue
		}

		rank := item.Rank
		if rank == 0 {
			rank = i + 1
		}

		entries = append(entries, core.ListingEntry{
			ID:        item.ID,
			Symbol:    item.Symbol,
			Name:      item.Name,
			Slug:      item.Slug,
			Price:     usd.Price,
			MarketCap: usd.MarketCap,
			Change24h: usd.Change24h,
			Rank:      rank,
		})
	}

	c.log.WithField("count", len(entries)).Info("fetched listings from CoinMarketCap")
	return entries, nil
}

// FetchQuote implements core.MarketSource.
func (c *Client) FetchQuote(ctx context.Context, instrumentID int64) (*core.Quote, error) {
	params := url.Values{"id": {strconv.FormatInt(instrumentID, 10)}}

	var payload detailResponse
	if err := c.getJSON(ctx, detailPath, params, &payload); err != nil {
		return nil, fmt.Errorf("failed to fetch quote for instrument %d: %w", instrumentID, err)
	}

	if payload.Data.ID == 0 {
		return nil, fmt.Errorf("instrument %d: %w", instrumentID, core.ErrQuoteUnavailable)
	}

	stats := payload.Data.Statistics
	return &core.Quote{
		Name:      payload.Data.Name,
		Symbol:    payload.Data.Symbol,
		Price:     stats.Price,
		MarketCap: stats.MarketCap,
		Volume24h: stats.Volume24h,
		Change24h: stats.Change24h,
		Rank:      stats.Rank,
	}, nil
}

// getJSON performs a GET with backoff retries and decodes the JSON body.
func (c *Client) getJSON(ctx context.Context, path string, params url.Values, out any) error {
	endpoint := c.baseURL + path + "?" + params.Encode()
	retry := newBackoff()

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retry.Duration()):
			}
		}

		body, err := c.get(ctx, endpoint)
		if err != nil {
			lastErr = err
			c.log.WithError(err).WithField("attempt", attempt+1).Warn("request failed")
			continue
		}

		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	}

	return lastErr
}

func (c *Client) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}

// newBackoff creates a backoff with sensible defaults
func newBackoff() *backoff.Backoff {
	return &backoff.Backoff{
		Min:    100 * time.Millisecond,
		Max:    2 * time.Second,
		Jitter: true,
	}
}
