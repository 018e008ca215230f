package broker

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/router-for-me/antigravity-broker/internal/account"
	"github.com/router-for-me/antigravity-broker/internal/auth"
	"github.com/router-for-me/antigravity-broker/internal/cache"
	"github.com/router-for-me/antigravity-broker/internal/config"
	"github.com/router-for-me/antigravity-broker/internal/project"
	"github.com/router-for-me/antigravity-broker/internal/stream"
	"github.com/router-for-me/antigravity-broker/internal/transform"
)

const (
	claudeCallURL = "https://generativelanguage.googleapis.com/v1beta/models/claude-sonnet-4-5:generateContent"
	geminiCallURL = "https://generativelanguage.googleapis.com/v1beta/models/gemini-2.5-pro:generateContent"
	successBody   = `{"response":{"candidates":[{"content":{"role":"model","parts":[{"text":"ok"}]}}],"usageMetadata":{"promptTokenCount":10,"totalTokenCount":20}}}`
)

// recorded captures one upstream call.
type recorded struct {
	auth      string
	userAgent string
	url       string
}

// sequenceTransport replays a scripted list of responses and records calls.
type sequenceTransport struct {
	mu        sync.Mutex
	responses []*http.Response
	calls     []recorded
}

func (s *sequenceTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, recorded{
		auth:      req.Header.Get("Authorization"),
		userAgent: req.Header.Get("User-Agent"),
		url:       req.URL.String(),
	})
	if len(s.responses) == 0 {
		return okResponse(successBody), nil
	}
	resp := s.responses[0]
	s.responses = s.responses[1:]
	return resp, nil
}

func okResponse(body string) *http.Response {
	return &http.Response{
		StatusCode: 200,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func rateLimited(retryAfter string) *http.Response {
	header := http.Header{"Content-Type": []string{"application/json"}}
	if retryAfter != "" {
		header.Set("Retry-After", retryAfter)
	}
	return &http.Response{
		StatusCode: 429,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(`{"error":{"code":429,"message":"quota exhausted"}}`)),
	}
}

func newTestDispatcher(t *testing.T, transport http.RoundTripper, accounts ...auth.Account) (*Dispatcher, *account.Manager) {
	t.Helper()
	cfg := config.Default()
	cfg.EmptyResponseRetryDelayMs = 1

	store := auth.NewStore(t.TempDir())
	file := auth.EmptyAccountsFile()
	for i := range accounts {
		accounts[i].Index = i
		if accounts[i].ManagedProjectID == "" {
			accounts[i].ManagedProjectID = "managed-project"
		}
	}
	file.Accounts = accounts
	if err := store.Save(file); err != nil {
		t.Fatalf("seed store: %v", err)
	}
	manager := account.NewManager(store, nil)

	client := &http.Client{Transport: transport}
	refresher := auth.NewRefresher(client)
	projects := project.NewResolver(client, manager.SetManagedProject)
	sc := cache.New(cache.Options{Enabled: false})
	transformer := transform.NewTransformer(cfg, sc, uuid.NewString())
	responses := stream.NewTransformer(sc)
	return NewDispatcher(cfg, manager, refresher, projects, transformer, responses, sc, client), manager
}

func freshAccount(n string) auth.Account {
	return auth.Account{
		RefreshToken: "rt-" + n,
		Email:        n + "@example.com",
		AccessToken:  "at-" + n,
		Expires:      time.Now().Add(time.Hour).UnixMilli(),
	}
}

func TestDispatch_StickyAcrossSuccesses(t *testing.T) {
	t.Parallel()

	transport := &sequenceTransport{}
	d, _ := newTestDispatcher(t, transport, freshAccount("one"), freshAccount("two"))
	body := []byte(`{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`)

	for i := 0; i < 5; i++ {
		result, err := d.Dispatch(context.Background(), claudeCallURL, body)
		if err != nil {
			t.Fatalf("Dispatch #%d error = %v", i+1, err)
		}
		if result.Status != 200 {
			t.Fatalf("Dispatch #%d status = %d", i+1, result.Status)
		}
		_ = result.Body.Close()
	}

	transport.mu.Lock()
	defer transport.mu.Unlock()
	first := transport.calls[0].auth
	for i, call := range transport.calls {
		if call.auth != first {
			t.Fatalf("call %d used %s, sticky selection must keep one account across successes", i, call.auth)
		}
	}
}

func TestDispatch_RotatesOn429(t *testing.T) {
	t.Parallel()

	transport := &sequenceTransport{responses: []*http.Response{rateLimited("30")}}
	d, manager := newTestDispatcher(t, transport, freshAccount("one"), freshAccount("two"))
	body := []byte(`{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`)

	result, err := d.Dispatch(context.Background(), claudeCallURL, body)
	if err != nil {
		t.Fatalf("Dispatch error = %v", err)
	}
	defer func() { _ = result.Body.Close() }()
	if result.Status != 200 {
		t.Fatalf("status = %d, want success after rotation", result.Status)
	}

	transport.mu.Lock()
	calls := append([]recorded(nil), transport.calls...)
	transport.mu.Unlock()
	if len(calls) < 2 {
		t.Fatalf("calls = %d, want the 429 then the rotated retry", len(calls))
	}
	if calls[0].auth == calls[len(calls)-1].auth {
		t.Error("retry must use a different account after 429")
	}

	// The limited account carries a reset ~30s out.
	var limited *auth.Account
	for _, acct := range manager.Accounts() {
		if "Bearer "+acct.AccessToken == calls[0].auth {
			copied := acct
			limited = &copied
		}
	}
	if limited == nil {
		t.Fatal("limited account not found")
	}
	reset := limited.RateLimitResets[auth.QuotaKeyClaude]
	wait := reset - time.Now().UnixMilli()
	if wait < 25_000 || wait > 31_000 {
		t.Errorf("reset in %dms, want ~30s from Retry-After", wait)
	}
}

func TestDispatch_GeminiHeaderStyleFallback(t *testing.T) {
	t.Parallel()

	transport := &sequenceTransport{responses: []*http.Response{rateLimited("60")}}
	d, manager := newTestDispatcher(t, transport, freshAccount("solo"))
	body := []byte(`{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`)

	result, err := d.Dispatch(context.Background(), geminiCallURL, body)
	if err != nil {
		t.Fatalf("Dispatch error = %v", err)
	}
	defer func() { _ = result.Body.Close() }()
	if result.Status != 200 {
		t.Fatalf("status = %d, want success via gemini-cli fallback", result.Status)
	}

	transport.mu.Lock()
	calls := append([]recorded(nil), transport.calls...)
	transport.mu.Unlock()
	if calls[0].userAgent != "antigravity/1.11.5 windows/amd64" {
		t.Errorf("first call User-Agent = %q, want antigravity style", calls[0].userAgent)
	}
	last := calls[len(calls)-1]
	if last.userAgent != "google-api-nodejs-client/9.15.1" {
		t.Errorf("retry User-Agent = %q, want gemini-cli style", last.userAgent)
	}

	// The account is still available for the family afterwards.
	accounts := manager.Accounts()
	if accounts[0].RateLimitedForFamily(auth.FamilyGemini, time.Now()) {
		t.Error("account with a free gemini-cli bucket must stay available")
	}
	if _, ok := accounts[0].RateLimitResets[auth.QuotaKeyGeminiAntigravity]; !ok {
		t.Error("antigravity bucket should be marked limited")
	}
}

func serverErrorWithRetryInfo(delay string) *http.Response {
	body := `{"error":{"code":503,"message":"backend overloaded","details":[` +
		`{"@type":"type.googleapis.com/google.rpc.RetryInfo","retryDelay":"` + delay + `"}]}}`
	return &http.Response{
		StatusCode: 503,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func TestDispatch_5xxWithBodyRetryInfoMarksAndRotates(t *testing.T) {
	t.Parallel()

	// No Retry-After header; the hint lives only in the RetryInfo detail of
	// the JSON body.
	transport := &sequenceTransport{responses: []*http.Response{serverErrorWithRetryInfo("30s")}}
	d, manager := newTestDispatcher(t, transport, freshAccount("one"), freshAccount("two"))
	body := []byte(`{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`)

	result, err := d.Dispatch(context.Background(), claudeCallURL, body)
	if err != nil {
		t.Fatalf("Dispatch error = %v", err)
	}
	defer func() { _ = result.Body.Close() }()
	if result.Status != 200 {
		t.Fatalf("status = %d, want success after rotating off the exhausted account", result.Status)
	}

	transport.mu.Lock()
	calls := append([]recorded(nil), transport.calls...)
	transport.mu.Unlock()
	if len(calls) < 2 {
		t.Fatalf("calls = %d, want the 503 then the rotated retry", len(calls))
	}
	if calls[0].auth == calls[len(calls)-1].auth {
		t.Error("retry must use a different account after the RetryInfo-bearing 5xx")
	}

	var limited *auth.Account
	for _, acct := range manager.Accounts() {
		if "Bearer "+acct.AccessToken == calls[0].auth {
			copied := acct
			limited = &copied
		}
	}
	if limited == nil {
		t.Fatal("limited account not found")
	}
	reset, marked := limited.RateLimitResets[auth.QuotaKeyClaude]
	if !marked {
		t.Fatal("account must be marked rate limited from body RetryInfo")
	}
	wait := reset - time.Now().UnixMilli()
	if wait < 25_000 || wait > 31_000 {
		t.Errorf("reset in %dms, want ~30s from retryDelay", wait)
	}
}

func TestDispatch_5xxWithoutRetryHintSurfacesError(t *testing.T) {
	t.Parallel()

	transport := &sequenceTransport{responses: []*http.Response{{
		StatusCode: 500,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(`{"error":{"code":500,"message":"internal"}}`)),
	}}}
	d, manager := newTestDispatcher(t, transport, freshAccount("one"))

	result, err := d.Dispatch(context.Background(), claudeCallURL, []byte(`{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`))
	if err != nil {
		t.Fatalf("Dispatch error = %v", err)
	}
	defer func() { _ = result.Body.Close() }()
	if result.Status != 500 {
		t.Fatalf("status = %d, plain 5xx must surface to the host", result.Status)
	}
	if _, marked := manager.Accounts()[0].RateLimitResets[auth.QuotaKeyClaude]; marked {
		t.Error("a 5xx without any retry hint must not mark the account")
	}
}

func TestDispatch_AllLimitedSurfaces429WithRetryAfter(t *testing.T) {
	t.Parallel()

	transport := &sequenceTransport{}
	d, manager := newTestDispatcher(t, transport, freshAccount("one"))
	manager.MarkRateLimited("rt-one", 45*time.Second, auth.FamilyClaude, auth.HeaderStyleAntigravity)

	result, err := d.Dispatch(context.Background(), claudeCallURL, []byte(`{"contents":[]}`))
	if err != nil {
		t.Fatalf("Dispatch error = %v", err)
	}
	defer func() { _ = result.Body.Close() }()
	if result.Status != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", result.Status)
	}
	if result.Headers.Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}
}

func TestDispatch_EmptyResponseRetries(t *testing.T) {
	t.Parallel()

	transport := &sequenceTransport{responses: []*http.Response{
		okResponse(`{"response":{}}`),
		okResponse(`{"response":{}}`),
		okResponse(successBody),
	}}
	d, _ := newTestDispatcher(t, transport, freshAccount("one"))

	result, err := d.Dispatch(context.Background(), claudeCallURL, []byte(`{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`))
	if err != nil {
		t.Fatalf("Dispatch error = %v", err)
	}
	defer func() { _ = result.Body.Close() }()

	data, _ := io.ReadAll(result.Body)
	if !gjson.GetBytes(data, "response.candidates").Exists() {
		t.Fatalf("body = %s, want the eventual non-empty response", data)
	}
	transport.mu.Lock()
	defer transport.mu.Unlock()
	if len(transport.calls) != 3 {
		t.Errorf("calls = %d, want 3 (two empties then success)", len(transport.calls))
	}
}

func TestDispatch_EmptyResponseExhaustion(t *testing.T) {
	t.Parallel()

	transport := &sequenceTransport{responses: []*http.Response{
		okResponse(`{"response":{}}`),
		okResponse(`{"response":{}}`),
		okResponse(`{"response":{}}`),
		okResponse(`{"response":{}}`),
	}}
	d, _ := newTestDispatcher(t, transport, freshAccount("one"))

	_, err := d.Dispatch(context.Background(), claudeCallURL, []byte(`{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`))
	var emptyErr *stream.EmptyResponseError
	if err == nil || !asEmptyResponse(err, &emptyErr) {
		t.Fatalf("err = %v, want EmptyResponseError after the retry budget", err)
	}
}

func asEmptyResponse(err error, target **stream.EmptyResponseError) bool {
	e, ok := err.(*stream.EmptyResponseError)
	if ok {
		*target = e
	}
	return ok
}

func TestDispatch_UsageHeadersOnSuccess(t *testing.T) {
	t.Parallel()

	transport := &sequenceTransport{}
	d, _ := newTestDispatcher(t, transport, freshAccount("one"))

	result, err := d.Dispatch(context.Background(), claudeCallURL, []byte(`{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`))
	if err != nil {
		t.Fatalf("Dispatch error = %v", err)
	}
	defer func() { _ = result.Body.Close() }()
	if result.Headers.Get("x-antigravity-total-token-count") != "20" {
		t.Errorf("usage header = %q, want 20", result.Headers.Get("x-antigravity-total-token-count"))
	}
}

func TestDispatch_RefreshesExpiredToken(t *testing.T) {
	t.Parallel()

	expired := freshAccount("one")
	expired.Expires = time.Now().Add(-time.Minute).UnixMilli()

	transport := &sequenceTransport{responses: []*http.Response{
		okResponse(`{"access_token":"at-refreshed","expires_in":3600}`),
		okResponse(successBody),
	}}
	d, manager := newTestDispatcher(t, transport, expired)

	result, err := d.Dispatch(context.Background(), claudeCallURL, []byte(`{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`))
	if err != nil {
		t.Fatalf("Dispatch error = %v", err)
	}
	defer func() { _ = result.Body.Close() }()

	transport.mu.Lock()
	calls := append([]recorded(nil), transport.calls...)
	transport.mu.Unlock()
	if !strings.Contains(calls[0].url, "oauth2.googleapis.com") {
		t.Errorf("first call = %q, want token refresh", calls[0].url)
	}
	if calls[1].auth != "Bearer at-refreshed" {
		t.Errorf("upstream call auth = %q, want refreshed token", calls[1].auth)
	}
	if manager.Accounts()[0].AccessToken != "at-refreshed" {
		t.Error("refreshed token should be written back to the pool")
	}
}
