package executor

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"crawlsched/internal/events"
	"crawlsched/internal/tenant"
	logx "crawlsched/pkg/logx"
)

func TestClientPostsJSON(t *testing.T) {
	t.Parallel()
	var gotAuth, gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/delete_posts":
			_, _ = w.Write([]byte(`{"deleted": 4}`))
		case "/recrawl_post":
			_, _ = w.Write([]byte(`{"found": true, "url_id": 3, "draft_post_id": 30}`))
		default:
			_, _ = w.Write([]byte(`{"request_made": true}`))
		}
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL + "/", Token: "secret"}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	out, err := c.CrawlPost(ctx, events.Request{Event: "crawl_post", SiteID: 5, Settings: tenant.Settings{"a": "b"}})
	if err != nil || !out.RequestMade {
		t.Fatalf("CrawlPost = %+v, %v", out, err)
	}
	if gotPath != "/crawl_post" || gotAuth != "Bearer secret" {
		t.Fatalf("path = %q auth = %q", gotPath, gotAuth)
	}
	if gotBody["site_id"] != float64(5) {
		t.Fatalf("body = %v", gotBody)
	}

	del, err := c.DeletePosts(ctx, events.DeleteRequest{Request: events.Request{SiteID: 2}, Limit: 10, OlderThanMinutes: 60})
	if err != nil || del.Deleted != 4 {
		t.Fatalf("DeletePosts = %+v, %v", del, err)
	}
	if gotBody["limit"] != float64(10) || gotBody["site_id"] != float64(2) {
		t.Fatalf("delete body = %v", gotBody)
	}

	rc, err := c.RecrawlPost(ctx, events.RecrawlRequest{Request: events.Request{SiteID: 2}})
	if err != nil || !rc.Found || rc.DraftPostID != 30 {
		t.Fatalf("RecrawlPost = %+v, %v", rc, err)
	}

	if err := c.ResetRecrawl(ctx, events.Request{SiteID: 2}); err != nil {
		t.Fatalf("ResetRecrawl: %v", err)
	}
	if gotPath != "/recrawl_post/reset" {
		t.Fatalf("reset path = %q", gotPath)
	}
}

func TestClientStatusError(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "site locked", http.StatusConflict)
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, Timeout: time.Second, Retries: 2}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = c.CollectURLs(context.Background(), events.Request{SiteID: 1})
	var se *StatusError
	if !errors.As(err, &se) || se.Status != http.StatusConflict {
		t.Fatalf("err = %v, want StatusError 409", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("hits = %d, 4xx must not be retried", hits.Load())
	}
}

func TestClientRetriesOnlyUnhandledRequests(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		statuses []int
		wantHits int32
		wantErr  bool
	}{
		{"unavailable then ok", []int{http.StatusServiceUnavailable, http.StatusOK}, 2, false},
		{"throttled then ok", []int{http.StatusTooManyRequests, http.StatusOK}, 2, false},
		{"internal error is final", []int{http.StatusInternalServerError, http.StatusOK}, 1, true},
		{"bad gateway is final", []int{http.StatusBadGateway, http.StatusOK}, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var hits atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n := hits.Add(1)
				status := tt.statuses[min(int(n), len(tt.statuses))-1]
				if status != http.StatusOK {
					http.Error(w, "nope", status)
					return
				}
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(`{"deleted": 1}`))
			}))
			defer srv.Close()

			c, err := New(Config{BaseURL: srv.URL, Timeout: time.Second, Retries: 2}, logx.Nop())
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			_, err = c.DeletePosts(context.Background(), events.DeleteRequest{Request: events.Request{SiteID: 1}, Limit: 1})
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if hits.Load() != tt.wantHits {
				t.Fatalf("hits = %d, want %d", hits.Load(), tt.wantHits)
			}
		})
	}
}

func TestRetryableTransportErrors(t *testing.T) {
	t.Parallel()
	dial := &url.Error{Op: "Post", URL: "http://x", Err: &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}}
	if !retryable(nil, dial) {
		t.Fatal("dial error not retried")
	}
	read := &url.Error{Op: "Post", URL: "http://x", Err: &net.OpError{Op: "read", Net: "tcp", Err: syscall.ECONNRESET}}
	if retryable(nil, read) {
		t.Fatal("read error after send retried")
	}
	if retryable(nil, context.DeadlineExceeded) {
		t.Fatal("timeout retried")
	}
}

func TestNewRequiresBaseURL(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}, logx.Nop()); err == nil {
		t.Fatal("expected error without base url")
	}
}
