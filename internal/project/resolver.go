// Package project resolves the cloud project id the upstream requires on
// every generative request. Discovery results are cached per refresh token
// and deduplicated so concurrent requests for the same account share one
// in-flight resolution.
package project

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/sync/singleflight"

	"github.com/router-for-me/antigravity-broker/internal/auth"
)

const (
	loadCodeAssistPath = "/v1internal:loadCodeAssist"
	onboardUserPath    = "/v1internal:onboardUser"

	// FallbackProjectID is used when neither discovery nor the user supplied
	// a project.
	FallbackProjectID = "rising-fact-p41f9"

	discoveryTimeout = 10 * time.Second

	onboardMaxAttempts = 5
	onboardPollDelay   = 2 * time.Second
)

// DiscoveryEndpoints are tried in order for loadCodeAssist.
var DiscoveryEndpoints = []string{
	"https://cloudcode-pa.googleapis.com",
	"https://daily-cloudcode-pa.sandbox.googleapis.com",
	"https://autopush-cloudcode-pa.sandbox.googleapis.com",
}

// PersistFunc stores a discovered managed project id onto the account record.
type PersistFunc func(refreshToken, projectID string)

// Resolver discovers or recalls the effective project id per account.
type Resolver struct {
	client  *http.Client
	persist PersistFunc

	mu    sync.Mutex
	cache map[string]string

	group singleflight.Group
}

// NewResolver creates a resolver. persist may be nil.
func NewResolver(client *http.Client, persist PersistFunc) *Resolver {
	if client == nil {
		client = http.DefaultClient
	}
	return &Resolver{
		client:  client,
		persist: persist,
		cache:   make(map[string]string),
	}
}

// Resolve returns the project id to stamp on a request for this account:
// the managed project already on record, else one discovered upstream (and
// persisted), else the user-supplied project, else the fallback.
// Concurrent calls for the same refresh token share one resolution.
func (r *Resolver) Resolve(ctx context.Context, acct auth.Account) (string, error) {
	if acct.ManagedProjectID != "" {
		return acct.ManagedProjectID, nil
	}

	r.mu.Lock()
	if cached, ok := r.cache[acct.RefreshToken]; ok {
		r.mu.Unlock()
		return cached, nil
	}
	r.mu.Unlock()

	result, err, _ := r.group.Do(acct.RefreshToken, func() (interface{}, error) {
		return r.resolveSlow(ctx, acct), nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (r *Resolver) resolveSlow(ctx context.Context, acct auth.Account) string {
	if discovered := r.discover(ctx, acct); discovered != "" {
		if r.persist != nil {
			r.persist(acct.RefreshToken, discovered)
		}
		r.mu.Lock()
		r.cache[acct.RefreshToken] = discovered
		r.mu.Unlock()
		return discovered
	}

	projectID := acct.ProjectID
	if projectID == "" {
		projectID = FallbackProjectID
	}
	r.mu.Lock()
	r.cache[acct.RefreshToken] = projectID
	r.mu.Unlock()
	return projectID
}

// discover posts loadCodeAssist to each endpoint candidate until one answers
// with a managed project.
func (r *Resolver) discover(ctx context.Context, acct auth.Account) string {
	body := `{"metadata":{"ideType":"IDE_UNSPECIFIED","platform":"PLATFORM_UNSPECIFIED","pluginType":"GEMINI"}}`
	if acct.ProjectID != "" {
		body, _ = sjson.Set(body, "metadata.duetProject", acct.ProjectID)
		body, _ = sjson.Set(body, "cloudaicompanionProject", acct.ProjectID)
	}

	for _, endpoint := range DiscoveryEndpoints {
		projectID, err := r.loadCodeAssist(ctx, endpoint, acct.AccessToken, body)
		if err != nil {
			log.Debugf("project: loadCodeAssist on %s failed: %v", endpoint, err)
			continue
		}
		if projectID != "" {
			log.Debugf("project: discovered managed project %s via %s", projectID, endpoint)
			return projectID
		}
	}
	return ""
}

func (r *Resolver) loadCodeAssist(ctx context.Context, endpoint, accessToken, body string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+loadCodeAssistPath, strings.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)
	for name, value := range auth.HeaderStyleAntigravity.Headers() {
		req.Header.Set(name, value)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return "", fmt.Errorf("loadCodeAssist status %d: %s", resp.StatusCode, string(respBody))
	}
	return extractProject(respBody), nil
}

// extractProject reads cloudaicompanionProject whether it is a bare string
// or an object carrying an id.
func extractProject(body []byte) string {
	node := gjson.GetBytes(body, "cloudaicompanionProject")
	if !node.Exists() {
		return ""
	}
	if node.Type == gjson.String {
		return node.String()
	}
	return node.Get("id").String()
}

// Onboard runs the out-of-band onboarding call for a new account, polling
// until the long-running operation reports done.
func (r *Resolver) Onboard(ctx context.Context, accessToken, tierID, projectID string) error {
	body := `{}`
	body, _ = sjson.Set(body, "tierId", tierID)
	body, _ = sjson.Set(body, "cloudaicompanionProject", projectID)
	body, _ = sjson.Set(body, "metadata.ideType", "IDE_UNSPECIFIED")
	body, _ = sjson.Set(body, "metadata.platform", "PLATFORM_UNSPECIFIED")
	body, _ = sjson.Set(body, "metadata.pluginType", "GEMINI")

	for attempt := 0; attempt < onboardMaxAttempts; attempt++ {
		done, err := r.onboardOnce(ctx, accessToken, body)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(onboardPollDelay):
		}
	}
	return fmt.Errorf("project: onboarding did not complete after %d attempts", onboardMaxAttempts)
}

func (r *Resolver) onboardOnce(ctx context.Context, accessToken, body string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, DiscoveryEndpoints[0]+onboardUserPath, bytes.NewReader([]byte(body)))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)
	for name, value := range auth.HeaderStyleAntigravity.Headers() {
		req.Header.Set(name, value)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return false, err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, err
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return false, fmt.Errorf("onboardUser status %d: %s", resp.StatusCode, string(respBody))
	}
	return gjson.GetBytes(respBody, "done").Bool(), nil
}
