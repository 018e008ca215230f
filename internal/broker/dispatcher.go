// Package broker composes the broker's components into the request path: the
// dispatcher intercepts outbound model calls, drives account selection,
// token refresh, project resolution, request transformation and response
// transformation; the recovery hook reacts to host-surfaced session errors.
package broker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/router-for-me/antigravity-broker/internal/account"
	"github.com/router-for-me/antigravity-broker/internal/auth"
	"github.com/router-for-me/antigravity-broker/internal/cache"
	"github.com/router-for-me/antigravity-broker/internal/config"
	"github.com/router-for-me/antigravity-broker/internal/httpclient"
	"github.com/router-for-me/antigravity-broker/internal/project"
	"github.com/router-for-me/antigravity-broker/internal/stream"
	"github.com/router-for-me/antigravity-broker/internal/transform"
)

// GenerationEndpoints are tried in order for generative requests.
var GenerationEndpoints = []string{
	"https://daily-cloudcode-pa.sandbox.googleapis.com",
	"https://autopush-cloudcode-pa.sandbox.googleapis.com",
	"https://cloudcode-pa.googleapis.com",
}

const (
	// maxAccountAttempts bounds rotation after repeated 429s.
	maxAccountAttempts = 4

	// defaultRateLimitBackoff applies when a 429 carries no retry hint.
	defaultRateLimitBackoff = 60 * time.Second
)

// Result is what the dispatcher hands back to the host: a status, headers
// and a (possibly streaming) body.
type Result struct {
	Status  int
	Headers http.Header
	Body    io.ReadCloser
}

// Dispatcher is the top-level fetch interceptor.
type Dispatcher struct {
	cfg         *config.Config
	manager     *account.Manager
	refresher   *auth.Refresher
	projects    *project.Resolver
	transformer *transform.Transformer
	responses   *stream.Transformer
	cache       *cache.SignatureCache
	client      *http.Client
}

// NewDispatcher wires the broker's request path. Every shared dependency is
// explicit; nothing reaches for globals.
func NewDispatcher(cfg *config.Config, manager *account.Manager, refresher *auth.Refresher, projects *project.Resolver, transformer *transform.Transformer, responses *stream.Transformer, sc *cache.SignatureCache, client *http.Client) *Dispatcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Dispatcher{
		cfg:         cfg,
		manager:     manager,
		refresher:   refresher,
		projects:    projects,
		transformer: transformer,
		responses:   responses,
		cache:       sc,
		client:      client,
	}
}

// Dispatch intercepts one outbound model call and proxies it upstream with a
// valid credential, returning the transformed response.
func (d *Dispatcher) Dispatch(ctx context.Context, rawURL string, body []byte) (*Result, error) {
	requested, _, err := transform.ParseModelAction(rawURL)
	if err != nil {
		return nil, err
	}
	family := auth.FamilyForModel(requested)

	forceRecovery := false
	for attempt := 0; attempt < maxAccountAttempts; attempt++ {
		acct, ok := d.manager.GetCurrentOrNext(family)
		if !ok {
			return d.noAccountsResult(family), nil
		}

		acct, err = d.ensureAccessToken(ctx, acct)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidGrant) {
				continue
			}
			return nil, err
		}

		style, styleOK := d.manager.AvailableHeaderStyle(acct.RefreshToken, family)
		if !styleOK {
			continue
		}

		projectID, errProject := d.projects.Resolve(ctx, acct)
		if errProject != nil {
			return nil, errProject
		}

		result, retry, errSend := d.sendWithEndpoints(ctx, rawURL, body, acct, family, style, projectID, forceRecovery)
		if errSend != nil {
			if stream.IsThinkingRecovery(errSend) && !forceRecovery {
				log.Debug("dispatcher: thinking order rejected, retrying with forced recovery")
				forceRecovery = true
				attempt--
				continue
			}
			return nil, errSend
		}
		if retry {
			continue
		}
		return result, nil
	}
	return d.noAccountsResult(family), nil
}

// ensureAccessToken refreshes an expired token in place. An invalid_grant
// removes the account and surfaces the sentinel to the caller.
func (d *Dispatcher) ensureAccessToken(ctx context.Context, acct auth.Account) (auth.Account, error) {
	if !acct.TokenExpired(time.Now()) {
		return acct, nil
	}
	result, err := d.refresher.Refresh(ctx, acct.RefreshToken)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidGrant) {
			log.Warnf("dispatcher: credentials for %s permanently rejected, removing account", acct.Email)
			d.manager.Remove(acct.RefreshToken)
		}
		return acct, err
	}
	d.manager.UpdateTokens(acct.RefreshToken, result)
	acct.AccessToken = result.AccessToken
	acct.Expires = result.Expires
	if result.RefreshToken != "" {
		acct.RefreshToken = result.RefreshToken
	}
	return acct, nil
}

// sendWithEndpoints prepares and sends the request against each generation
// endpoint in fallback order. The boolean result requests account rotation.
func (d *Dispatcher) sendWithEndpoints(ctx context.Context, rawURL string, body []byte, acct auth.Account, family auth.ModelFamily, style auth.HeaderStyle, projectID string, forceRecovery bool) (*Result, bool, error) {
	var lastErr error
	for idx, endpoint := range GenerationEndpoints {
		prepared, err := d.transformer.Prepare(rawURL, body, transform.Options{
			AccessToken:           acct.AccessToken,
			Project:               projectID,
			Endpoint:              endpoint,
			HeaderStyle:           style,
			ForceThinkingRecovery: forceRecovery,
		})
		if err != nil {
			return nil, false, err
		}

		if prepared.NeedsWarmup {
			if errWarmup := d.warmup(ctx, acct, prepared, endpoint, style); errWarmup != nil {
				log.Debugf("dispatcher: warmup failed: %v", errWarmup)
			} else {
				// Re-prepare so the backfill sees the fresh signature.
				prepared, err = d.transformer.Prepare(rawURL, body, transform.Options{
					AccessToken:           acct.AccessToken,
					Project:               projectID,
					Endpoint:              endpoint,
					HeaderStyle:           style,
					ForceThinkingRecovery: false,
				})
				if err != nil {
					return nil, false, err
				}
			}
		}

		result, retryAccount, errSend := d.sendOnce(ctx, prepared, acct, family, style)
		if errSend != nil {
			if stream.IsThinkingRecovery(errSend) {
				return nil, false, errSend
			}
			lastErr = errSend
			if idx+1 < len(GenerationEndpoints) {
				log.Debugf("dispatcher: endpoint %s failed (%v), trying fallback", endpoint, errSend)
				continue
			}
			return nil, false, errSend
		}
		return result, retryAccount, nil
	}
	return nil, false, lastErr
}

func (d *Dispatcher) sendOnce(ctx context.Context, prepared *transform.Prepared, acct auth.Account, family auth.ModelFamily, style auth.HeaderStyle) (*Result, bool, error) {
	meta := stream.Meta{
		Model:      prepared.Model.ActualModel,
		Project:    gjson.GetBytes(prepared.Body, "project").String(),
		Endpoint:   prepared.URL,
		SessionKey: prepared.SessionKey,
		Debug:      d.cfg.Debug,
	}

	attempts := d.cfg.EmptyResponseMaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 1; ; attempt++ {
		resp, err := d.doRequest(ctx, prepared)
		if err != nil {
			return nil, false, err
		}

		if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
			// The retry hint may live in the Retry-After header or in a
			// RetryInfo detail inside the JSON body, so the body has to be
			// read before the error can be classified.
			body, errRead := readErrorBody(resp)
			if errRead != nil {
				return nil, false, errRead
			}
			if resp.StatusCode == http.StatusTooManyRequests ||
				(resp.StatusCode >= http.StatusInternalServerError && hasRetryHint(resp, body)) {
				return d.handleRateLimit(resp, body, acct, family, style)
			}
			return d.handleError(resp.StatusCode, resp.Header, body, meta)
		}

		if prepared.Stream && strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
			decoded, errDecode := httpclient.DecodeBody(resp)
			if errDecode != nil {
				_ = resp.Body.Close()
				return nil, false, errDecode
			}
			headers := cloneHeaders(resp.Header)
			return &Result{
				Status:  resp.StatusCode,
				Headers: headers,
				Body:    d.responses.TransformStream(decoded, meta),
			}, false, nil
		}

		result, empty, errBody := d.handleSuccess(resp, prepared, meta)
		if errBody != nil {
			return nil, false, errBody
		}
		if !empty {
			return result, false, nil
		}
		if attempt >= attempts {
			return nil, false, &stream.EmptyResponseError{Attempts: attempt}
		}
		log.Debugf("dispatcher: empty response, retrying (%d/%d)", attempt, attempts)
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(time.Duration(d.cfg.EmptyResponseRetryDelayMs) * time.Millisecond):
		}
	}
}

func (d *Dispatcher) doRequest(ctx context.Context, prepared *transform.Prepared) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, prepared.URL, bytes.NewReader(prepared.Body))
	if err != nil {
		return nil, err
	}
	for name, values := range prepared.Headers {
		for _, value := range values {
			req.Header.Add(name, value)
		}
	}
	return d.client.Do(req)
}

// readErrorBody drains and decodes a non-success response body.
func readErrorBody(resp *http.Response) ([]byte, error) {
	decoded, errDecode := httpclient.DecodeBody(resp)
	if errDecode != nil {
		_ = resp.Body.Close()
		return nil, errDecode
	}
	body, errRead := io.ReadAll(decoded)
	_ = decoded.Close()
	if errRead != nil {
		return nil, errRead
	}
	return body, nil
}

// handleRateLimit records the hit and asks the caller to rotate. For Gemini
// the account often stays usable through the other header style, so a
// rotation re-enters selection rather than dropping the account.
func (d *Dispatcher) handleRateLimit(resp *http.Response, body []byte, acct auth.Account, family auth.ModelFamily, style auth.HeaderStyle) (*Result, bool, error) {
	retryAfter := retryAfterFromResponse(resp, body)
	d.manager.MarkRateLimited(acct.RefreshToken, retryAfter, family, style)
	log.Infof("dispatcher: rate limited on %s (%s), backing off %s", auth.QuotaKeyFor(family, style), acct.Email, retryAfter)
	return nil, true, nil
}

func (d *Dispatcher) handleError(status int, header http.Header, body []byte, meta stream.Meta) (*Result, bool, error) {
	annotated, retryAfter, errClass := stream.AnnotateError(status, body, meta)
	if errClass != nil {
		return nil, false, errClass
	}

	headers := cloneHeaders(header)
	stream.SetRetryHeaders(headers, retryAfter)
	headers.Set("Content-Type", "application/json")
	headers.Del("Content-Length")
	headers.Del("Content-Encoding")
	return &Result{
		Status:  status,
		Headers: headers,
		Body:    io.NopCloser(bytes.NewReader(annotated)),
	}, false, nil
}

// handleSuccess buffers a non-streaming success body, surfaces usage
// metadata as headers and reports whether the body was empty.
func (d *Dispatcher) handleSuccess(resp *http.Response, prepared *transform.Prepared, meta stream.Meta) (*Result, bool, error) {
	decoded, errDecode := httpclient.DecodeBody(resp)
	if errDecode != nil {
		_ = resp.Body.Close()
		return nil, false, errDecode
	}
	body, err := io.ReadAll(decoded)
	_ = decoded.Close()
	if err != nil {
		return nil, false, err
	}

	if !stream.HasCandidates(body) {
		// An embedded response.error still counts as a response.
		if !gjson.GetBytes(body, "response.error").Exists() {
			return nil, true, nil
		}
	}

	body = stream.RewritePreviewError(body, prepared.Requested)
	d.harvestFromBody(body, meta.SessionKey)

	headers := cloneHeaders(resp.Header)
	stream.UsageHeaders(body, headers)
	headers.Del("Content-Length")
	headers.Del("Content-Encoding")
	return &Result{
		Status:  resp.StatusCode,
		Headers: headers,
		Body:    io.NopCloser(bytes.NewReader(body)),
	}, false, nil
}

// harvestFromBody captures thinking signatures from a buffered response.
func (d *Dispatcher) harvestFromBody(body []byte, sessionKey string) {
	parts := gjson.GetBytes(body, "response.candidates.0.content.parts")
	if !parts.IsArray() {
		parts = gjson.GetBytes(body, "candidates.0.content.parts")
	}
	if !parts.IsArray() {
		return
	}
	var text strings.Builder
	for _, part := range parts.Array() {
		if !part.Get("thought").Bool() {
			continue
		}
		text.WriteString(part.Get("text").String())
		signature := part.Get("thoughtSignature").String()
		if cache.HasValidSignature(signature) && text.Len() > 0 {
			d.cache.Store(sessionKey, text.String(), signature)
			d.cache.SetLastThinking(sessionKey, text.String(), signature)
		}
	}
}

// noAccountsResult surfaces a 429 with the minimum wait until any account
// in the family frees up.
func (d *Dispatcher) noAccountsResult(family auth.ModelFamily) *Result {
	wait := d.manager.MinWaitForFamily(family)
	headers := make(http.Header)
	headers.Set("Content-Type", "application/json")
	if wait > 0 {
		headers.Set("Retry-After", strconv.FormatInt(int64(wait.Seconds()), 10))
	}
	body := fmt.Sprintf(`{"error":{"code":429,"message":"all %s accounts are rate limited, retry in %ds","status":"RESOURCE_EXHAUSTED"}}`, family, int64(wait.Seconds()))
	return &Result{
		Status:  http.StatusTooManyRequests,
		Headers: headers,
		Body:    io.NopCloser(strings.NewReader(body)),
	}
}

func retryAfterFromResponse(resp *http.Response, body []byte) time.Duration {
	if header := resp.Header.Get("Retry-After"); header != "" {
		if seconds, err := strconv.ParseInt(strings.TrimSpace(header), 10, 64); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	if delay := stream.RetryDelay(body); delay > 0 {
		return delay
	}
	return defaultRateLimitBackoff
}

// hasRetryHint reports whether a 5xx told us when to come back, either via
// the Retry-After header or a RetryInfo detail in the error body; only those
// are treated as rate-limit signals rather than surfaced transient errors.
func hasRetryHint(resp *http.Response, body []byte) bool {
	if resp.Header.Get("Retry-After") != "" {
		return true
	}
	return stream.RetryDelay(body) > 0
}

func cloneHeaders(src http.Header) http.Header {
	out := make(http.Header, len(src))
	for name, values := range src {
		out[name] = append([]string(nil), values...)
	}
	return out
}
