package account

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/router-for-me/antigravity-broker/internal/auth"
)

type countingTransport struct {
	calls int32
	body  string
}

func (c *countingTransport) RoundTrip(*http.Request) (*http.Response, error) {
	atomic.AddInt32(&c.calls, 1)
	return &http.Response{
		StatusCode: 200,
		Body:       io.NopCloser(strings.NewReader(c.body)),
		Header:     make(http.Header),
	}, nil
}

func TestRefreshQueue_StartStopIdempotent(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, account1())
	refresher := auth.NewRefresher(&http.Client{Transport: &countingTransport{body: `{"access_token":"at","expires_in":3600}`}})
	q := NewRefreshQueue(m, refresher, 30*time.Minute, time.Hour)

	q.Start()
	q.Start() // second Start is a no-op
	if !q.Stats().Running {
		t.Fatal("queue should report running")
	}
	q.Stop()
	q.Stop() // second Stop is a no-op
	if q.Stats().Running {
		t.Fatal("queue should report stopped")
	}
}

func TestRefreshQueueSweep_RefreshesDueAccounts(t *testing.T) {
	t.Parallel()

	// Account expires inside the buffer window but is not yet expired.
	due := account1()
	due.Expires = time.Now().Add(10 * time.Minute).UnixMilli()
	m := newTestManager(t, due)

	transport := &countingTransport{body: `{"access_token":"at-fresh","expires_in":3600}`}
	refresher := auth.NewRefresher(&http.Client{Transport: transport})
	q := NewRefreshQueue(m, refresher, 30*time.Minute, time.Hour)

	q.sweep(context.Background())

	if calls := atomic.LoadInt32(&transport.calls); calls != 1 {
		t.Fatalf("refresh calls = %d, want 1", calls)
	}
	accounts := m.Accounts()
	if accounts[0].AccessToken != "at-fresh" {
		t.Errorf("access token = %q, refresh result should be written back", accounts[0].AccessToken)
	}
	if q.Stats().RefreshCount != 1 {
		t.Errorf("RefreshCount = %d", q.Stats().RefreshCount)
	}
}

func TestRefreshQueueSweep_SkipsExpiredAndFreshAccounts(t *testing.T) {
	t.Parallel()

	expired := account1()
	expired.Expires = time.Now().Add(-time.Minute).UnixMilli()
	fresh := account2()
	fresh.Expires = time.Now().Add(2 * time.Hour).UnixMilli()
	m := newTestManager(t, expired, fresh)

	transport := &countingTransport{body: `{"access_token":"at","expires_in":3600}`}
	refresher := auth.NewRefresher(&http.Client{Transport: transport})
	q := NewRefreshQueue(m, refresher, 30*time.Minute, time.Hour)

	q.sweep(context.Background())

	// The expired account is left to the request path; the fresh one is not
	// due yet. Nothing should be refreshed.
	if calls := atomic.LoadInt32(&transport.calls); calls != 0 {
		t.Fatalf("refresh calls = %d, want 0", calls)
	}
}

type invalidGrantTransport struct{}

func (invalidGrantTransport) RoundTrip(*http.Request) (*http.Response, error) {
	return &http.Response{
		StatusCode: 400,
		Body:       io.NopCloser(strings.NewReader(`{"error":"invalid_grant"}`)),
		Header:     make(http.Header),
	}, nil
}

func TestRefreshQueueSweep_RemovesInvalidGrantAccounts(t *testing.T) {
	t.Parallel()

	due := account1()
	due.Expires = time.Now().Add(10 * time.Minute).UnixMilli()
	m := newTestManager(t, due)

	refresher := auth.NewRefresher(&http.Client{Transport: invalidGrantTransport{}})
	q := NewRefreshQueue(m, refresher, 30*time.Minute, time.Hour)

	q.sweep(context.Background())

	if m.Len() != 0 {
		t.Fatalf("pool = %d accounts, invalid_grant account should be removed", m.Len())
	}
	if q.Stats().ErrorCount != 1 {
		t.Errorf("ErrorCount = %d", q.Stats().ErrorCount)
	}
}
