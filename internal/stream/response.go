package stream

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/router-for-me/antigravity-broker/internal/cache"
)

// scannerBuffer sizes the SSE line scanner; thinking deltas can be large.
const scannerBuffer = 10 * 1024 * 1024

// Meta identifies the request a response belongs to, for debug footers and
// signature keys.
type Meta struct {
	Model      string
	Project    string
	Endpoint   string
	SessionKey string
	Debug      bool
}

// Transformer rewrites upstream responses for the host and harvests thinking
// signatures into the cache as they stream past.
type Transformer struct {
	cache *cache.SignatureCache
}

// NewTransformer builds a response transformer over the signature cache.
func NewTransformer(sc *cache.SignatureCache) *Transformer {
	return &Transformer{cache: sc}
}

// TransformStream installs the line-oriented SSE rewrite over body. The
// returned reader yields host-shaped events; the input reader is closed when
// the returned reader is closed or drained.
func (t *Transformer) TransformStream(body io.ReadCloser, meta Meta) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		defer func() { _ = body.Close() }()

		harvest := newSignatureHarvester(t.cache, meta.SessionKey)
		scanner := bufio.NewScanner(body)
		scanner.Buffer(nil, scannerBuffer)
		first := true
		for scanner.Scan() {
			line := scanner.Bytes()
			out := t.transformLine(line, meta, harvest, &first)
			if _, err := pw.Write(out); err != nil {
				return
			}
			if _, err := pw.Write([]byte("\n")); err != nil {
				return
			}
		}
		harvest.finish()
		if err := scanner.Err(); err != nil {
			log.Debugf("stream: scan error: %v", err)
			pw.CloseWithError(err)
			return
		}
		_ = pw.Close()
	}()
	return pr
}

// transformLine rewrites a single SSE line. Non-data lines pass through
// verbatim; data lines are unwrapped from the {response: ...} envelope and
// their thought parts converted to the host's canonical shape.
func (t *Transformer) transformLine(line []byte, meta Meta, harvest *signatureHarvester, first *bool) []byte {
	trimmed := bytes.TrimSpace(line)
	if !bytes.HasPrefix(trimmed, []byte("data:")) {
		return line
	}
	payload := bytes.TrimSpace(trimmed[len("data:"):])
	if len(payload) == 0 || !gjson.ValidBytes(payload) {
		return line
	}

	node := gjson.ParseBytes(payload)
	response := node.Get("response")
	if !response.Exists() {
		harvest.observe(node)
		return line
	}
	harvest.observe(response)

	unwrapped := rewriteThoughtParts(response.Raw)

	var buf bytes.Buffer
	if *first && meta.Debug {
		*first = false
		debugBlob, _ := sjson.Set(`{}`, "debug", fmt.Sprintf("model=%s project=%s endpoint=%s", meta.Model, meta.Project, meta.Endpoint))
		buf.WriteString("data: ")
		buf.WriteString(debugBlob)
		buf.WriteString("\n\n")
	}
	*first = false
	buf.WriteString("data: ")
	buf.WriteString(unwrapped)
	return buf.Bytes()
}

// rewriteThoughtParts converts Gemini {thought:true,text} parts into the
// host's {type:"reasoning",text} shape. Anthropic-shaped thinking parts pass
// through untouched.
func rewriteThoughtParts(raw string) string {
	candidates := gjson.Get(raw, "candidates")
	if !candidates.IsArray() {
		return raw
	}
	out := raw
	for ci, candidate := range candidates.Array() {
		parts := candidate.Get("content.parts")
		if !parts.IsArray() {
			continue
		}
		for pi, part := range parts.Array() {
			if part.Get("type").String() == "thinking" {
				continue
			}
			if !part.Get("thought").Bool() {
				continue
			}
			path := fmt.Sprintf("candidates.%d.content.parts.%d", ci, pi)
			out, _ = sjson.Set(out, path+".type", "reasoning")
		}
	}
	return out
}

// signatureHarvester accumulates thinking text per candidate index and
// stores (sessionKey, accumulated text) -> signature when one appears.
type signatureHarvester struct {
	cache      *cache.SignatureCache
	sessionKey string
	pending    map[int]*strings.Builder
}

func newSignatureHarvester(sc *cache.SignatureCache, sessionKey string) *signatureHarvester {
	return &signatureHarvester{
		cache:      sc,
		sessionKey: sessionKey,
		pending:    map[int]*strings.Builder{},
	}
}

func (h *signatureHarvester) observe(response gjson.Result) {
	candidates := response.Get("candidates")
	if !candidates.IsArray() {
		return
	}
	for idx, candidate := range candidates.Array() {
		parts := candidate.Get("content.parts")
		if !parts.IsArray() {
			continue
		}
		for _, part := range parts.Array() {
			isThought := part.Get("thought").Bool() || part.Get("type").String() == "thinking"
			if !isThought {
				continue
			}
			builder := h.pending[idx]
			if builder == nil {
				builder = &strings.Builder{}
				h.pending[idx] = builder
			}
			if text := part.Get("text").String(); text != "" {
				builder.WriteString(text)
			} else if text = part.Get("thinking").String(); text != "" {
				builder.WriteString(text)
			}

			signature := part.Get("thoughtSignature").String()
			if signature == "" {
				signature = part.Get("signature").String()
			}
			if cache.HasValidSignature(signature) && builder.Len() > 0 {
				text := builder.String()
				h.cache.Store(h.sessionKey, text, signature)
				h.cache.SetLastThinking(h.sessionKey, text, signature)
			}
		}
	}
}

func (h *signatureHarvester) finish() { h.pending = nil }

// AnnotateError appends a debug footer to an upstream error body and
// classifies it. Returns the annotated body, optional retry-after duration
// parsed from RetryInfo, and a sentinel error when the message belongs to
// the thinking-block-order class.
func AnnotateError(status int, body []byte, meta Meta) (annotated []byte, retryAfter time.Duration, err error) {
	message := gjson.GetBytes(body, "error.message").String()
	footer := fmt.Sprintf(" [antigravity: model=%s project=%s endpoint=%s status=%d]", meta.Model, meta.Project, meta.Endpoint, status)
	if message != "" {
		annotated, _ = sjson.SetBytes(body, "error.message", message+footer)
	} else {
		annotated = body
	}

	retryAfter = RetryDelay(body)

	if IsThinkingOrderMessage(message) {
		return annotated, retryAfter, &ThinkingRecoveryError{Status: status, Body: body}
	}
	return annotated, retryAfter, nil
}

// RetryDelay extracts RetryInfo.retryDelay ("30s") from an error body.
func RetryDelay(body []byte) time.Duration {
	var delay time.Duration
	gjson.GetBytes(body, "error.details").ForEach(func(_, detail gjson.Result) bool {
		if !strings.Contains(detail.Get("@type").String(), "RetryInfo") {
			return true
		}
		if parsed, err := time.ParseDuration(detail.Get("retryDelay").String()); err == nil {
			delay = parsed
			return false
		}
		return true
	})
	return delay
}

// SetRetryHeaders echoes a retry delay onto the response for the host.
func SetRetryHeaders(header http.Header, retryAfter time.Duration) {
	if retryAfter <= 0 {
		return
	}
	header.Set("Retry-After", strconv.FormatInt(int64(retryAfter.Seconds()), 10))
	header.Set("retry-after-ms", strconv.FormatInt(retryAfter.Milliseconds(), 10))
}

// RewritePreviewError replaces the unhelpful 404 for preview-gated models
// with an actionable message.
func RewritePreviewError(body []byte, modelName string) []byte {
	errNode := gjson.GetBytes(body, "response.error")
	if !errNode.Exists() {
		errNode = gjson.GetBytes(body, "error")
	}
	if errNode.Get("code").Int() != http.StatusNotFound {
		return body
	}
	message := errNode.Get("message").String()
	if !strings.Contains(strings.ToLower(message), "not found") && !strings.Contains(strings.ToLower(message), "preview") {
		return body
	}
	replacement := fmt.Sprintf("model %s requires preview access for this account; request access or pick another model", modelName)
	if gjson.GetBytes(body, "response.error").Exists() {
		body, _ = sjson.SetBytes(body, "response.error.message", replacement)
	} else {
		body, _ = sjson.SetBytes(body, "error.message", replacement)
	}
	return body
}

// UsageHeaders copies usage metadata token counts onto response headers so
// the host can meter cache usage.
func UsageHeaders(body []byte, header http.Header) {
	usage := gjson.GetBytes(body, "response.usageMetadata")
	if !usage.Exists() {
		usage = gjson.GetBytes(body, "usageMetadata")
	}
	if !usage.Exists() {
		return
	}
	set := func(name, path string) {
		if v := usage.Get(path); v.Exists() {
			header.Set(name, strconv.FormatInt(v.Int(), 10))
		}
	}
	set("x-antigravity-cached-content-token-count", "cachedContentTokenCount")
	set("x-antigravity-total-token-count", "totalTokenCount")
	set("x-antigravity-prompt-token-count", "promptTokenCount")
	set("x-antigravity-candidates-token-count", "candidatesTokenCount")
}

// HasCandidates reports whether a success body actually carries output; an
// empty body triggers the dispatcher's empty-response retry.
func HasCandidates(body []byte) bool {
	if gjson.GetBytes(body, "response.candidates").IsArray() && len(gjson.GetBytes(body, "response.candidates").Array()) > 0 {
		return true
	}
	if gjson.GetBytes(body, "candidates").IsArray() && len(gjson.GetBytes(body, "candidates").Array()) > 0 {
		return true
	}
	if gjson.GetBytes(body, "choices").IsArray() && len(gjson.GetBytes(body, "choices").Array()) > 0 {
		return true
	}
	return false
}
