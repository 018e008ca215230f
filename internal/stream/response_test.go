package stream

import (
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/router-for-me/antigravity-broker/internal/cache"
)

const testSig = "stream-signature-01234567890123456789012345678901234567890"

func newTestCache(t *testing.T) *cache.SignatureCache {
	t.Helper()
	c := cache.New(cache.Options{
		Enabled:       true,
		MemoryTTL:     time.Hour,
		DiskTTL:       48 * time.Hour,
		WriteInterval: time.Minute,
		Path:          filepath.Join(t.TempDir(), cache.FileName),
	})
	t.Cleanup(c.Close)
	return c
}

func testMeta() Meta {
	return Meta{Model: "claude-sonnet-4-5-thinking", Project: "p", Endpoint: "e", SessionKey: "sk"}
}

func TestTransformStream_UnwrapsAndRewritesThoughts(t *testing.T) {
	t.Parallel()

	input := strings.Join([]string{
		`data: {"response":{"candidates":[{"content":{"role":"model","parts":[{"thought":true,"text":"thinking"}]}}]}}`,
		``,
		`data: {"response":{"candidates":[{"content":{"role":"model","parts":[{"text":"answer"}]}}]}}`,
		``,
	}, "\n")

	sc := newTestCache(t)
	tr := NewTransformer(sc)
	out, err := io.ReadAll(tr.TransformStream(io.NopCloser(strings.NewReader(input)), testMeta()))
	if err != nil {
		t.Fatalf("read transformed stream: %v", err)
	}

	lines := strings.Split(string(out), "\n")
	var dataLines []string
	for _, line := range lines {
		if strings.HasPrefix(line, "data:") {
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if len(dataLines) != 2 {
		t.Fatalf("data lines = %d, want 2:\n%s", len(dataLines), out)
	}

	first := gjson.Parse(dataLines[0])
	if first.Get("response").Exists() {
		t.Error("response envelope should be unwrapped")
	}
	part := first.Get("candidates.0.content.parts.0")
	if part.Get("type").String() != "reasoning" {
		t.Errorf("thought part type = %q, want reasoning", part.Get("type").String())
	}
	if part.Get("text").String() != "thinking" {
		t.Errorf("thought text = %q", part.Get("text").String())
	}
}

func TestTransformStream_HarvestsSignatureAcrossChunks(t *testing.T) {
	t.Parallel()

	input := strings.Join([]string{
		`data: {"response":{"candidates":[{"content":{"parts":[{"thought":true,"text":"first "}]}}]}}`,
		``,
		`data: {"response":{"candidates":[{"content":{"parts":[{"thought":true,"text":"second","thoughtSignature":"` + testSig + `"}]}}]}}`,
		``,
	}, "\n")

	sc := newTestCache(t)
	tr := NewTransformer(sc)
	if _, err := io.ReadAll(tr.TransformStream(io.NopCloser(strings.NewReader(input)), testMeta())); err != nil {
		t.Fatalf("read transformed stream: %v", err)
	}

	// The signature is stored against the accumulated thinking text.
	if got, ok := sc.Get("sk", "first second"); !ok || got != testSig {
		t.Errorf("accumulated signature = %q/%v, want stored", got, ok)
	}
	text, sig, ok := sc.LastThinking("sk")
	if !ok || text != "first second" || sig != testSig {
		t.Errorf("LastThinking = %q/%q/%v", text, sig, ok)
	}
}

func TestTransformStream_NonDataLinesPassThrough(t *testing.T) {
	t.Parallel()

	input := ": keepalive comment\nevent: ping\n"
	sc := newTestCache(t)
	tr := NewTransformer(sc)
	out, err := io.ReadAll(tr.TransformStream(io.NopCloser(strings.NewReader(input)), testMeta()))
	if err != nil {
		t.Fatalf("read transformed stream: %v", err)
	}
	if !strings.Contains(string(out), ": keepalive comment") || !strings.Contains(string(out), "event: ping") {
		t.Errorf("non-data lines must pass through verbatim:\n%s", out)
	}
}

func TestAnnotateError_AppendsFooterAndClassifies(t *testing.T) {
	t.Parallel()

	body := []byte(`{"error":{"code":400,"message":"messages.1.content.0: unexpected thinking_block_order, first block must be thinking"}}`)
	annotated, _, err := AnnotateError(400, body, testMeta())

	if err == nil || !IsThinkingRecovery(err) {
		t.Fatalf("err = %v, want thinking recovery sentinel", err)
	}
	message := gjson.GetBytes(annotated, "error.message").String()
	if !strings.Contains(message, "model=claude-sonnet-4-5-thinking") {
		t.Errorf("debug footer missing: %q", message)
	}
}

func TestAnnotateError_PlainErrorNotClassified(t *testing.T) {
	t.Parallel()

	body := []byte(`{"error":{"code":500,"message":"internal error"}}`)
	_, _, err := AnnotateError(500, body, testMeta())
	if err != nil {
		t.Fatalf("plain error should not classify, got %v", err)
	}
}

func TestRetryDelay_ParsesRetryInfo(t *testing.T) {
	t.Parallel()

	body := []byte(`{"error":{"code":429,"message":"quota","details":[
		{"@type":"type.googleapis.com/google.rpc.ErrorInfo","reason":"RATE_LIMIT_EXCEEDED"},
		{"@type":"type.googleapis.com/google.rpc.RetryInfo","retryDelay":"30s"}
	]}}`)

	if got := RetryDelay(body); got != 30*time.Second {
		t.Errorf("RetryDelay = %v, want 30s", got)
	}
	if got := RetryDelay([]byte(`{"error":{"message":"x"}}`)); got != 0 {
		t.Errorf("RetryDelay without RetryInfo = %v, want 0", got)
	}
}

func TestSetRetryHeaders(t *testing.T) {
	t.Parallel()

	header := make(http.Header)
	SetRetryHeaders(header, 30*time.Second)
	if header.Get("Retry-After") != "30" {
		t.Errorf("Retry-After = %q", header.Get("Retry-After"))
	}
	if header.Get("retry-after-ms") != "30000" {
		t.Errorf("retry-after-ms = %q", header.Get("retry-after-ms"))
	}
}

func TestUsageHeaders(t *testing.T) {
	t.Parallel()

	body := []byte(`{"response":{"usageMetadata":{"promptTokenCount":100,"candidatesTokenCount":50,"totalTokenCount":150,"cachedContentTokenCount":80}}}`)
	header := make(http.Header)
	UsageHeaders(body, header)

	tests := map[string]string{
		"x-antigravity-prompt-token-count":         "100",
		"x-antigravity-candidates-token-count":     "50",
		"x-antigravity-total-token-count":          "150",
		"x-antigravity-cached-content-token-count": "80",
	}
	for name, want := range tests {
		if got := header.Get(name); got != want {
			t.Errorf("%s = %q, want %q", name, got, want)
		}
	}
}

func TestRewritePreviewError(t *testing.T) {
	t.Parallel()

	body := []byte(`{"response":{"error":{"code":404,"message":"models/gemini-3-pro is not found for API version v1internal"}}}`)
	out := RewritePreviewError(body, "gemini-3-pro-high")
	message := gjson.GetBytes(out, "response.error.message").String()
	if !strings.Contains(message, "preview access") {
		t.Errorf("message = %q, want actionable preview hint", message)
	}

	ok := []byte(`{"response":{"error":{"code":500,"message":"boom"}}}`)
	if string(RewritePreviewError(ok, "m")) != string(ok) {
		t.Error("non-404 errors must pass through")
	}
}

func TestHasCandidates(t *testing.T) {
	t.Parallel()

	if !HasCandidates([]byte(`{"response":{"candidates":[{"content":{}}]}}`)) {
		t.Error("wrapped candidates should count")
	}
	if !HasCandidates([]byte(`{"choices":[{"message":{}}]}`)) {
		t.Error("choices should count")
	}
	if HasCandidates([]byte(`{"response":{}}`)) {
		t.Error("empty response has no candidates")
	}
}

func TestIsThinkingOrderMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		message string
		want    bool
	}{
		{"thinking_block_order violated", true},
		{"Expected `thinking` or `redacted_thinking`, but found `text`. When `thinking` is enabled, a final assistant message must start with a thinking block", true},
		{"messages: thinking block must be the first block", true},
		{"the preceeding thinking block is missing its signature", true},
		{"rate limit exceeded", false},
		{"invalid tool schema", false},
	}
	for _, tt := range tests {
		if got := IsThinkingOrderMessage(tt.message); got != tt.want {
			t.Errorf("IsThinkingOrderMessage(%q) = %v, want %v", tt.message, got, tt.want)
		}
	}
}
