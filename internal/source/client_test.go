package source

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(Config{
		BaseURL:       server.URL,
		Network:       "testnet",
		RatePerSecond: 1000,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return client
}

func TestFetchEventsPage(t *testing.T) {
	var gotPath, gotQuery string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`{
			"txs": [{"hash": "0x1", "blockHeight": 42, "from": "0xa", "events": []}],
			"nextPageToken": "2"
		}`))
	})

	page, err := client.FetchEvents(context.Background(), "0xcontract", "Swapped", 0, 100, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotPath != "/contracts/0xcontract/events/Swapped" {
		t.Fatalf("path mismatch: %s", gotPath)
	}
	if gotQuery == "" {
		t.Fatalf("expected query parameters")
	}
	if len(page.Txs) != 1 || page.Txs[0].BlockHeight != 42 {
		t.Fatalf("page mismatch: %+v", page)
	}
	if page.NextPageToken != "2" {
		t.Fatalf("page token mismatch: %s", page.NextPageToken)
	}
}

func TestFetchEventsStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"rate limited", http.StatusTooManyRequests, ErrRateLimited},
		{"auth failure", http.StatusForbidden, ErrUnavailable},
		{"window too large", http.StatusRequestEntityTooLarge, ErrTooManyResults},
	}

	for _, tt := range tests {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		})
		_, err := client.FetchEvents(context.Background(), "0xc", "Swapped", 0, 10, "")
		if !errors.Is(err, tt.want) {
			t.Fatalf("%s: expected %v, got %v", tt.name, tt.want, err)
		}
	}
}

func TestFetchEventsTruncated(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"txs": [], "truncated": true}`))
	})

	_, err := client.FetchEvents(context.Background(), "0xc", "Swapped", 0, 10, "")
	if !errors.Is(err, ErrTooManyResults) {
		t.Fatalf("expected ErrTooManyResults, got %v", err)
	}
}

func TestFetchEventsMalformedBody(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	})

	_, err := client.FetchEvents(context.Background(), "0xc", "Swapped", 0, 10, "")
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestChainHeadAndBlock(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/chain/head":
			w.Write([]byte(`{"height": 12345}`))
		case "/blocks/42":
			w.Write([]byte(`{"height": 42, "timestamp": 1614556800000, "numTxs": 7}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	head, err := client.ChainHead(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if head != 12345 {
		t.Fatalf("head mismatch: %d", head)
	}

	sync, err := client.Block(context.Background(), 42)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sync.BlockHeight != 42 || sync.NumTxs != 7 {
		t.Fatalf("block mismatch: %+v", sync)
	}
	if sync.BlockTimestamp.Unix() != 1614556800 {
		t.Fatalf("timestamp mismatch: %v", sync.BlockTimestamp)
	}
}

func TestTransient(t *testing.T) {
	if !Transient(ErrUnavailable) || !Transient(ErrRateLimited) {
		t.Fatalf("unavailable and rate limited must be transient")
	}
	if Transient(ErrMalformed) || Transient(ErrTooManyResults) {
		t.Fatalf("malformed and oversized must not be transient")
	}
}
