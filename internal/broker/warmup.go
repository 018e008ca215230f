package broker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/router-for-me/antigravity-broker/internal/auth"
	"github.com/router-for-me/antigravity-broker/internal/transform"
)

const (
	warmupPrompt  = "Reply with the single word OK."
	warmupBudget  = 8192
	warmupTimeout = 30 * time.Second
)

// warmup issues a minimal tool-less, thinking-enabled request to elicit a
// signature, storing it under the main request's session key so the
// following prepare pass can backfill it.
func (d *Dispatcher) warmup(ctx context.Context, acct auth.Account, prepared *transform.Prepared, endpoint string, style auth.HeaderStyle) error {
	ctx, cancel := context.WithTimeout(ctx, warmupTimeout)
	defer cancel()

	body := `{}`
	body, _ = sjson.Set(body, "project", gjson.GetBytes(prepared.Body, "project").String())
	body, _ = sjson.Set(body, "model", prepared.Model.ActualModel)
	body, _ = sjson.Set(body, "userAgent", "antigravity")
	body, _ = sjson.Set(body, "requestId", "agent-"+uuid.NewString())
	body, _ = sjson.Set(body, "request.contents.0.role", "user")
	body, _ = sjson.Set(body, "request.contents.0.parts.0.text", warmupPrompt)
	body, _ = sjson.Set(body, "request.generationConfig.thinkingConfig.thinking_budget", warmupBudget)
	body, _ = sjson.Set(body, "request.generationConfig.thinkingConfig.include_thoughts", true)
	body, _ = sjson.Set(body, "request.generationConfig.maxOutputTokens", 64000)
	body, _ = sjson.Set(body, "request.sessionId", prepared.SessionKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(endpoint, "/")+"/v1internal:generateContent", bytes.NewReader([]byte(body)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+acct.AccessToken)
	req.Header.Set("Accept", "application/json")
	for name, value := range style.Headers() {
		req.Header.Set(name, value)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("warmup status %d: %s", resp.StatusCode, string(respBody))
	}

	d.harvestFromBody(respBody, prepared.SessionKey)
	if _, _, ok := d.cache.LastThinking(prepared.SessionKey); !ok {
		return fmt.Errorf("warmup response carried no usable signature")
	}
	log.Debug("dispatcher: warmup captured a thinking signature")
	return nil
}
