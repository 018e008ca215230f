// Package transform rewrites host model calls into the upstream's
// project-wrapped wire format: URL rewrite, body wrapping, tool
// normalization and hardening, thinking configuration, conversation repair
// and header assembly.
package transform

import (
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/router-for-me/antigravity-broker/internal/auth"
	"github.com/router-for-me/antigravity-broker/internal/cache"
	"github.com/router-for-me/antigravity-broker/internal/config"
	"github.com/router-for-me/antigravity-broker/internal/model"
	"github.com/router-for-me/antigravity-broker/internal/repair"
	"github.com/router-for-me/antigravity-broker/internal/util"
)

const (
	// generativeHost is the host whose outbound calls the broker intercepts.
	generativeHost = "generativelanguage.googleapis.com"

	streamAction = "streamGenerateContent"

	claudeMinMaxOutputTokens = 64000

	anthropicBetaHeader      = "anthropic-beta"
	interleavedThinkingBeta  = "interleaved-thinking-2025-05-14"
	interleavedThinkingHint  = "Interleaved thinking is enabled: you may think between tool calls within this turn."
	toolDebugMissingHeader   = "x-antigravity-tool-debug-missing"
	toolHardeningInstruction = "When calling tools, use only the parameters declared in the tool's schema. " +
		"Never invent parameter names, never omit required parameters, and never pass values whose type " +
		"does not match the declaration."
)

var modelActionPattern = regexp.MustCompile(`/models/([^/:]+):(\w+)$`)

// ShouldIntercept reports whether an outbound URL targets the generative
// endpoint this broker rewrites.
func ShouldIntercept(rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	if !strings.Contains(parsed.Host, generativeHost) {
		return false
	}
	return modelActionPattern.MatchString(parsed.Path)
}

// Options carries the per-request inputs resolved by the dispatcher.
type Options struct {
	AccessToken           string
	Project               string
	Endpoint              string
	HeaderStyle           auth.HeaderStyle
	ForceThinkingRecovery bool
}

// Prepared is a fully rewritten upstream request.
type Prepared struct {
	URL        string
	Body       []byte
	Headers    http.Header
	SessionKey string
	Model      model.Resolved
	Requested  string
	Action     string
	Stream     bool

	// NeedsWarmup asks the dispatcher to elicit a fresh thinking signature
	// with a minimal request before sending this one.
	NeedsWarmup bool
	// ToolDebugMissing counts tools whose schema could not be recovered.
	ToolDebugMissing int
}

// Transformer rewrites host payloads. One instance serves all requests.
type Transformer struct {
	cfg         *config.Config
	cache       *cache.SignatureCache
	sessionUUID string
}

// NewTransformer builds a transformer around the process session UUID.
func NewTransformer(cfg *config.Config, sc *cache.SignatureCache, sessionUUID string) *Transformer {
	return &Transformer{cfg: cfg, cache: sc, sessionUUID: sessionUUID}
}

// Prepare rewrites one host request. Preparing an already-wrapped body is
// idempotent: only the model and session id are refreshed.
func (t *Transformer) Prepare(rawURL string, body []byte, opts Options) (*Prepared, error) {
	requested, action, err := ParseModelAction(rawURL)
	if err != nil {
		return nil, err
	}
	resolved := model.Resolve(requested)
	family := auth.FamilyForModel(requested)
	isClaude := family == auth.FamilyClaude
	stream := action == streamAction

	target := strings.TrimSuffix(opts.Endpoint, "/") + "/v1internal:" + action
	if stream {
		target += "?alt=sse"
	}

	prepared := &Prepared{
		URL:       target,
		Model:     resolved,
		Requested: requested,
		Action:    action,
		Stream:    stream,
	}

	sessionKey := ""
	if isWrapped(body) {
		// Pass-through: refresh the mutable fields only, never re-wrap or
		// re-inject hints. An existing session id is kept; recomputing from
		// the mutated inner request would shift the key between passes.
		sessionKey = gjson.GetBytes(body, "request.sessionId").String()
		if sessionKey == "" {
			sessionKey = SessionKey(t.sessionUUID, requested, gjson.GetBytes(body, "project").String(), innerRequest(body))
		}
		body, _ = sjson.SetBytes(body, "model", resolved.ActualModel)
		body, _ = sjson.SetBytes(body, "request.sessionId", sessionKey)
	} else {
		sessionKey = SessionKey(t.sessionUUID, requested, opts.Project, body)
		body, err = t.buildWrappedBody(body, resolved, isClaude, sessionKey, opts, prepared)
		if err != nil {
			return nil, err
		}
	}
	prepared.SessionKey = sessionKey
	prepared.Body = body

	prepared.Headers = t.buildHeaders(resolved, isClaude, stream, opts)
	if prepared.ToolDebugMissing > 0 {
		prepared.Headers.Set(toolDebugMissingHeader, fmt.Sprintf("%d", prepared.ToolDebugMissing))
	}
	return prepared, nil
}

func (t *Transformer) buildWrappedBody(body []byte, resolved model.Resolved, isClaude bool, sessionKey string, opts Options, prepared *Prepared) ([]byte, error) {
	inner := body
	if len(inner) == 0 || !gjson.ValidBytes(inner) {
		inner = []byte(`{}`)
	}

	out := `{}`
	out, _ = sjson.Set(out, "project", opts.Project)
	out, _ = sjson.Set(out, "model", resolved.ActualModel)
	out, _ = sjson.Set(out, "userAgent", "antigravity")
	out, _ = sjson.Set(out, "requestId", "agent-"+uuid.NewString())
	out, _ = sjson.SetRaw(out, "request", string(inner))
	wrapped := []byte(out)

	wrapped = liftCachedContent(wrapped)
	wrapped = renameSystemInstruction(wrapped)

	if isClaude {
		wrapped, prepared.ToolDebugMissing = normalizeClaudeTools(wrapped)
		if t.cfg.ClaudeToolHardening {
			wrapped = hardenClaudeTools(wrapped)
		}
	} else {
		wrapped, prepared.ToolDebugMissing = normalizeGeminiTools(wrapped)
	}

	wrapped = t.applyThinkingConfig(wrapped, resolved, isClaude)

	// Conversation repair: gentle passes first, the destructive restart only
	// when the turn cannot be salvaged.
	if isClaude {
		if t.cfg.KeepThinking {
			wrapped = repair.BackfillSignatures(wrapped, sessionKey, t.cache)
		}
		if t.cfg.ToolIDRecovery {
			wrapped = repair.PairToolIDs(wrapped)
			if gjson.GetBytes(wrapped, "request.messages").IsArray() {
				wrapped = repair.PairClaudeMessages(wrapped)
			}
		}
		if resolved.IsThinkingModel && t.cfg.KeepThinking {
			analysis := repair.Analyze(wrapped)
			if _, _, hasLast := t.cache.LastThinking(sessionKey); !hasLast && opts.ForceThinkingRecovery {
				prepared.NeedsWarmup = true
			}
			if analysis.NeedsThinkingRecovery() || opts.ForceThinkingRecovery {
				wrapped = repair.ApplyRestart(wrapped, t.cfg.ResumeText)
				t.cache.ClearLastThinking(sessionKey)
			}
		}
	}

	wrapped, _ = sjson.SetBytes(wrapped, "request.sessionId", sessionKey)
	return wrapped, nil
}

// applyThinkingConfig merges user thinking settings with the resolved tier.
// Claude thinking models use snake_case fields and a raised output ceiling;
// Gemini 3 uses level strings, Gemini 2.5 numeric budgets.
func (t *Transformer) applyThinkingConfig(body []byte, resolved model.Resolved, isClaude bool) []byte {
	budget, includeThoughts, level := userThinkingConfig(body)
	if resolved.HasBudget() {
		budget = resolved.ThinkingBudget
		includeThoughts = true
	}
	if resolved.ThinkingLevel != "" {
		level = resolved.ThinkingLevel
		includeThoughts = true
	}
	body, _ = sjson.DeleteBytes(body, "request.extra_body")

	if !resolved.IsThinkingModel {
		if budget > 0 || level != "" {
			log.Debugf("thinking config on non-thinking model %s dropped", resolved.ActualModel)
			body, _ = sjson.DeleteBytes(body, "request.generationConfig.thinkingConfig")
		}
		return body
	}

	// includeThoughts without a positive budget is rejected upstream.
	if includeThoughts && level == "" && budget <= 0 {
		includeThoughts = false
	}

	switch {
	case isClaude:
		body, _ = sjson.DeleteBytes(body, "request.generationConfig.thinkingConfig")
		if budget > 0 {
			body, _ = sjson.SetBytes(body, "request.generationConfig.thinkingConfig.thinking_budget", budget)
			body, _ = sjson.SetBytes(body, "request.generationConfig.thinkingConfig.include_thoughts", includeThoughts)
			if gjson.GetBytes(body, "request.generationConfig.maxOutputTokens").Int() < claudeMinMaxOutputTokens {
				body, _ = sjson.SetBytes(body, "request.generationConfig.maxOutputTokens", claudeMinMaxOutputTokens)
			}
			body = appendSystemText(body, interleavedThinkingHint)
		}
	case strings.Contains(strings.ToLower(resolved.ActualModel), "gemini-3"):
		body, _ = sjson.DeleteBytes(body, "request.generationConfig.thinkingConfig.thinkingBudget")
		if level != "" {
			body, _ = sjson.SetBytes(body, "request.generationConfig.thinkingConfig.thinkingLevel", level)
			body, _ = sjson.SetBytes(body, "request.generationConfig.thinkingConfig.includeThoughts", true)
		}
	default:
		body, _ = sjson.DeleteBytes(body, "request.generationConfig.thinkingConfig.thinkingLevel")
		if budget > 0 {
			body, _ = sjson.SetBytes(body, "request.generationConfig.thinkingConfig.thinkingBudget", budget)
			body, _ = sjson.SetBytes(body, "request.generationConfig.thinkingConfig.includeThoughts", includeThoughts)
		}
	}
	return body
}

// userThinkingConfig reads thinking settings the host may have supplied in
// either Gemini or extra_body shape.
func userThinkingConfig(body []byte) (budget int, includeThoughts bool, level string) {
	paths := []string{
		"request.generationConfig.thinkingConfig",
		"request.extra_body.thinking",
		"request.extra_body.thinkingConfig",
	}
	for _, path := range paths {
		node := gjson.GetBytes(body, path)
		if !node.Exists() {
			continue
		}
		if v := node.Get("thinkingBudget"); v.Exists() {
			budget = int(v.Int())
		} else if v = node.Get("thinking_budget"); v.Exists() {
			budget = int(v.Int())
		} else if v = node.Get("budget_tokens"); v.Exists() {
			budget = int(v.Int())
		}
		if v := node.Get("includeThoughts"); v.Exists() {
			includeThoughts = v.Bool()
		} else if v = node.Get("include_thoughts"); v.Exists() {
			includeThoughts = v.Bool()
		} else if node.Get("type").String() == "enabled" {
			includeThoughts = true
		}
		if v := node.Get("thinkingLevel"); v.Exists() {
			level = v.String()
		}
		return budget, includeThoughts, level
	}
	return 0, false, ""
}

func (t *Transformer) buildHeaders(resolved model.Resolved, isClaude, stream bool, opts Options) http.Header {
	headers := make(http.Header)
	headers.Set("Authorization", "Bearer "+opts.AccessToken)
	headers.Set("Content-Type", "application/json")
	for name, value := range opts.HeaderStyle.Headers() {
		headers.Set(name, value)
	}
	if stream {
		headers.Set("Accept", "text/event-stream")
	} else {
		headers.Set("Accept", "application/json")
	}
	if isClaude && resolved.IsThinkingModel {
		appendHeaderValue(headers, anthropicBetaHeader, interleavedThinkingBeta)
	}
	return headers
}

// appendHeaderValue comma-appends value unless already present.
func appendHeaderValue(headers http.Header, name, value string) {
	existing := headers.Get(name)
	switch {
	case existing == "":
		headers.Set(name, value)
	case strings.Contains(existing, value):
	default:
		headers.Set(name, existing+","+value)
	}
}

// ParseModelAction extracts the requested model and action from a
// /models/{model}:{action} URL.
func ParseModelAction(rawURL string) (modelName, action string, err error) {
	parsed, errParse := url.Parse(rawURL)
	if errParse != nil {
		return "", "", errParse
	}
	match := modelActionPattern.FindStringSubmatch(parsed.Path)
	if match == nil {
		return "", "", fmt.Errorf("transform: url %q does not address a model action", rawURL)
	}
	return match[1], match[2], nil
}

// isWrapped detects a body the transformer has already produced.
func isWrapped(body []byte) bool {
	return gjson.GetBytes(body, "project").Type == gjson.String &&
		gjson.GetBytes(body, "request").IsObject()
}

func innerRequest(body []byte) []byte {
	return []byte(gjson.GetBytes(body, "request").Raw)
}

// liftCachedContent moves a cache pointer from the top level or extra_body
// up to request.cachedContent.
func liftCachedContent(body []byte) []byte {
	paths := []string{
		"request.cached_content",
		"request.cachedContent",
		"request.extra_body.cached_content",
		"request.extra_body.cachedContent",
	}
	for _, path := range paths {
		node := gjson.GetBytes(body, path)
		if !node.Exists() || node.String() == "" {
			continue
		}
		body, _ = sjson.DeleteBytes(body, path)
		body, _ = sjson.SetBytes(body, "request.cachedContent", node.String())
		return body
	}
	return body
}

func renameSystemInstruction(body []byte) []byte {
	node := gjson.GetBytes(body, "request.system_instruction")
	if !node.Exists() {
		return body
	}
	body, _ = sjson.DeleteBytes(body, "request.system_instruction")
	body, _ = sjson.SetRawBytes(body, "request.systemInstruction", []byte(node.Raw))
	return body
}

// appendSystemText appends a paragraph to the system instruction, creating
// one when absent. Repeat injection is guarded by substring check.
func appendSystemText(body []byte, text string) []byte {
	existing := gjson.GetBytes(body, "request.systemInstruction")
	if existing.Exists() {
		if strings.Contains(existing.Raw, text) {
			return body
		}
		body, _ = sjson.SetBytes(body, "request.systemInstruction.parts.-1", map[string]interface{}{"text": text})
		return body
	}
	body, _ = sjson.SetBytes(body, "request.systemInstruction.role", "user")
	body, _ = sjson.SetBytes(body, "request.systemInstruction.parts.-1", map[string]interface{}{"text": text})
	return body
}

// normalizeClaudeTools collects every declaration under one
// tools[0].functionDeclarations list, sanitizes names and cleans schemas.
// Returns the count of tools whose schema could not be recovered.
func normalizeClaudeTools(body []byte) ([]byte, int) {
	toolsNode := gjson.GetBytes(body, "request.tools")
	if !toolsNode.IsArray() {
		return body, 0
	}

	missing := 0
	declarations := make([]string, 0)
	for _, tool := range toolsNode.Array() {
		decls := tool.Get("functionDeclarations")
		if decls.IsArray() {
			for _, decl := range decls.Array() {
				cleaned, ok := cleanDeclaration(decl)
				if !ok {
					missing++
				}
				declarations = append(declarations, cleaned)
			}
			continue
		}
		// Bare declaration entries (no functionDeclarations wrapper).
		if tool.Get("name").Exists() {
			cleaned, ok := cleanDeclaration(tool)
			if !ok {
				missing++
			}
			declarations = append(declarations, cleaned)
		}
	}
	if len(declarations) == 0 {
		return body, missing
	}

	merged := `[{"functionDeclarations":[]}]`
	for _, decl := range declarations {
		merged, _ = sjson.SetRaw(merged, "0.functionDeclarations.-1", decl)
	}
	body, _ = sjson.SetRawBytes(body, "request.tools", []byte(merged))
	return body, missing
}

// cleanDeclaration sanitizes one function declaration. The boolean is false
// when the parameter schema had to be replaced wholesale.
func cleanDeclaration(decl gjson.Result) (string, bool) {
	out := decl.Raw
	out, _ = sjson.Set(out, "name", util.SanitizeToolName(decl.Get("name").String()))
	for _, junk := range []string{"strict", "input_examples", "type", "cache_control", "$schema"} {
		out, _ = sjson.Delete(out, junk)
	}

	schema := decl.Get("parametersJsonSchema")
	if !schema.Exists() {
		schema = decl.Get("parameters")
	}
	if !schema.Exists() {
		schema = decl.Get("input_schema")
	}
	out, _ = sjson.Delete(out, "parametersJsonSchema")
	out, _ = sjson.Delete(out, "input_schema")

	if !schema.IsObject() {
		out, _ = sjson.SetRaw(out, "parameters", string(util.EmptyObjectSchema()))
		return out, false
	}
	cleaned, ok := util.CleanToolSchema([]byte(schema.Raw))
	if !ok {
		out, _ = sjson.SetRaw(out, "parameters", string(util.EmptyObjectSchema()))
		return out, false
	}
	out, _ = sjson.SetRaw(out, "parameters", string(cleaned))
	return out, true
}

// normalizeGeminiTools keeps function-shaped entries, unwraps custom
// wrappers and guarantees a parameters schema on every declaration.
func normalizeGeminiTools(body []byte) ([]byte, int) {
	toolsNode := gjson.GetBytes(body, "request.tools")
	if !toolsNode.IsArray() {
		return body, 0
	}

	missing := 0
	kept := "[]"
	for _, tool := range toolsNode.Array() {
		entry := tool
		if custom := tool.Get("custom"); custom.IsObject() {
			entry = custom
		}
		if decls := entry.Get("functionDeclarations"); decls.IsArray() {
			fixed := entry.Raw
			for i, decl := range decls.Array() {
				if !decl.Get("parameters").Exists() && !decl.Get("parametersJsonSchema").Exists() {
					fixed, _ = sjson.SetRaw(fixed, fmt.Sprintf("functionDeclarations.%d.parameters", i), string(util.EmptyObjectSchema()))
					missing++
				}
			}
			kept, _ = sjson.SetRaw(kept, "-1", fixed)
			continue
		}
		if entry.Get("name").Exists() {
			fixed := entry.Raw
			if !entry.Get("parameters").Exists() && !entry.Get("input_schema").Exists() {
				fixed, _ = sjson.SetRaw(fixed, "input_schema", string(util.EmptyObjectSchema()))
				missing++
			}
			kept, _ = sjson.SetRaw(kept, "-1", fixed)
		}
	}
	body, _ = sjson.SetRawBytes(body, "request.tools", []byte(kept))
	return body, missing
}

// hardenClaudeTools appends the anti-hallucination system paragraph and a
// STRICT PARAMETERS line naming each tool's top-level parameters.
func hardenClaudeTools(body []byte) []byte {
	body = appendSystemText(body, toolHardeningInstruction)

	decls := gjson.GetBytes(body, "request.tools.0.functionDeclarations")
	if !decls.IsArray() {
		return body
	}
	for i, decl := range decls.Array() {
		props := decl.Get("parameters.properties")
		if !props.IsObject() {
			continue
		}
		names := make([]string, 0)
		props.ForEach(func(key, _ gjson.Result) bool {
			names = append(names, key.String())
			return true
		})
		if len(names) == 0 {
			continue
		}
		description := decl.Get("description").String()
		strict := "STRICT PARAMETERS: " + strings.Join(names, ", ")
		if strings.Contains(description, strict) {
			continue
		}
		if description != "" {
			description += "\n"
		}
		body, _ = sjson.SetBytes(body, fmt.Sprintf("request.tools.0.functionDeclarations.%d.description", i), description+strict)
	}
	return body
}
