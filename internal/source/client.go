package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"

	"zilscope/internal/model"
)

// Sentinel errors forming the source failure taxonomy. Callers branch
// on these to decide between backoff, window halving, and marking data
// as bad.
var (
	// ErrUnavailable covers network failures, auth failures, and 5xx
	// responses that survived the HTTP client's own retries.
	ErrUnavailable = errors.New("source unavailable")
	// ErrRateLimited is returned on upstream throttling so the caller
	// can back off instead of aborting.
	ErrRateLimited = errors.New("source rate limited")
	// ErrMalformed means the response body could not be parsed into the
	// expected envelope.
	ErrMalformed = errors.New("source payload malformed")
	// ErrTooManyResults means the upstream refused or truncated the
	// requested block window; the caller should halve the window.
	ErrTooManyResults = errors.New("source result window too large")
)

// Transient reports whether err is worth retrying with backoff.
func Transient(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrRateLimited)
}

// Page is one page of raw transaction envelopes for a contract+event.
// NextPageToken is empty when this is the final page.
type Page struct {
	Txs           []model.RawTx
	NextPageToken string
}

// Config holds the explorer API connection settings.
type Config struct {
	BaseURL        string
	APIKey         string
	Network        string
	PageSize       int
	RequestTimeout time.Duration
	MaxRetries     int
	RatePerSecond  float64
}

// Client fetches paginated contract events from a block-explorer API.
// It is stateless: no side effects beyond the outbound request.
type Client struct {
	cfg     Config
	http    *retryablehttp.Client
	limiter *rate.Limiter
}

// NewClient builds a Client. Transient 5xx responses are retried by the
// underlying retryable HTTP client before the error taxonomy applies.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("source base url is required")
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 25
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 4
	}

	httpClient := retryablehttp.NewClient()
	httpClient.RetryMax = cfg.MaxRetries
	httpClient.Logger = nil
	httpClient.HTTPClient.Timeout = cfg.RequestTimeout
	// 429s are handled by the caller's backoff, not the HTTP retry loop.
	httpClient.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if err != nil {
			return true, nil
		}
		if resp != nil && resp.StatusCode >= 500 {
			return true, nil
		}
		return false, nil
	}

	return &Client{
		cfg:     cfg,
		http:    httpClient,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1),
	}, nil
}

type eventsResponse struct {
	Txs           []model.RawTx `json:"txs"`
	NextPageToken string        `json:"nextPageToken"`
	Truncated     bool          `json:"truncated"`
}

// FetchEvents returns one page of events named eventName emitted by
// contractAddress within [fromBlock, toBlock]. pageToken continues a
// prior page; pass "" for the first page.
func (c *Client) FetchEvents(ctx context.Context, contractAddress, eventName string, fromBlock, toBlock uint64, pageToken string) (*Page, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	endpoint, err := url.Parse(fmt.Sprintf("%s/contracts/%s/events/%s", c.cfg.BaseURL, contractAddress, eventName))
	if err != nil {
		return nil, fmt.Errorf("build url: %w", err)
	}
	q := endpoint.Query()
	q.Set("network", c.cfg.Network)
	q.Set("fromBlock", strconv.FormatUint(fromBlock, 10))
	q.Set("toBlock", strconv.FormatUint(toBlock, 10))
	q.Set("pageSize", strconv.Itoa(c.cfg.PageSize))
	if pageToken != "" {
		q.Set("page", pageToken)
	}
	endpoint.RawQuery = q.Encode()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("X-APIKEY", c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: http 429", ErrRateLimited)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: http %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		return nil, fmt.Errorf("%w: http 413", ErrTooManyResults)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: http %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: unexpected http %d", ErrMalformed, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}

	var decoded eventsResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if decoded.Truncated {
		return nil, fmt.Errorf("%w: upstream truncated result", ErrTooManyResults)
	}

	return &Page{Txs: decoded.Txs, NextPageToken: decoded.NextPageToken}, nil
}

type chainInfoResponse struct {
	Height uint64 `json:"height"`
}

// ChainHead returns the current chain tip height.
func (c *Client) ChainHead(ctx context.Context) (uint64, error) {
	var info chainInfoResponse
	if err := c.getJSON(ctx, fmt.Sprintf("%s/chain/head?network=%s", c.cfg.BaseURL, c.cfg.Network), &info); err != nil {
		return 0, err
	}
	return info.Height, nil
}

type blockResponse struct {
	Height    uint64 `json:"height"`
	Timestamp int64  `json:"timestamp"` // unix millis
	NumTxs    int    `json:"numTxs"`
}

// Block returns the sync checkpoint view of a single block: its
// timestamp and observed transaction count.
func (c *Client) Block(ctx context.Context, height uint64) (model.BlockSync, error) {
	var blk blockResponse
	err := c.getJSON(ctx, fmt.Sprintf("%s/blocks/%d?network=%s", c.cfg.BaseURL, height, c.cfg.Network), &blk)
	if err != nil {
		return model.BlockSync{}, err
	}
	return model.BlockSync{
		BlockHeight:    blk.Height,
		BlockTimestamp: time.UnixMilli(blk.Timestamp).UTC(),
		NumTxs:         blk.NumTxs,
	}, nil
}

func (c *Client) getJSON(ctx context.Context, rawURL string, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("X-APIKEY", c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: http 429", ErrRateLimited)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: http %d", ErrUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}
