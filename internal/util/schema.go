// Package util provides JSON schema cleaning and tool declaration helpers
// shared by the request transformer. The upstream's internal endpoint accepts
// only a narrow subset of JSON Schema, so tool parameter schemas are
// flattened before a request is sent.
package util

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var toolNameSanitizer = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// placeholderProperties is injected when a tool schema ends up with no usable
// properties at all; the upstream rejects property-less object schemas.
const placeholderReasonDescription = "Brief explanation of why you are calling this tool"

// SanitizeToolName coerces a tool name into [A-Za-z0-9_-]{1,64}.
func SanitizeToolName(name string) string {
	sanitized := toolNameSanitizer.ReplaceAllString(name, "_")
	if sanitized == "" {
		sanitized = "_"
	}
	if len(sanitized) > 64 {
		sanitized = sanitized[:64]
	}
	return sanitized
}

// constraint keywords that the upstream rejects; their values are folded into
// the description so the model still sees the intent.
var constraintKeywords = []string{
	"minItems", "maxItems", "minLength", "maxLength",
	"minimum", "maximum", "exclusiveMinimum", "exclusiveMaximum",
	"multipleOf", "minProperties", "maxProperties", "pattern",
	"uniqueItems", "default", "examples",
}

// keywords dropped outright.
var droppedKeywords = []string{
	"$schema", "$id", "definitions", "$defs", "additionalProperties",
	"patternProperties", "propertyNames", "if", "then", "else", "not",
	"strict", "format",
}

// CleanToolSchema normalizes a single tool parameter schema into the subset
// the upstream accepts:
//
//   - const values become single-element enums
//   - type arrays flatten to the first non-null type, noting "(nullable)" and
//     dropping the property from required
//   - validation constraints move into the description as hints
//   - anyOf/oneOf flatten to the most structured branch with an
//     "Accepts: a | b" note
//   - allOf merges properties and required lists
//   - $ref collapses to a placeholder object
//
// If nothing usable remains, a one-property {reason: string} placeholder is
// synthesized so the schema still parses upstream.
func CleanToolSchema(raw []byte) ([]byte, bool) {
	var schema map[string]interface{}
	if err := json.Unmarshal(raw, &schema); err != nil || schema == nil {
		return nil, false
	}
	cleaned := cleanSchemaNode(schema)
	ensureObjectProperties(cleaned)
	out, err := json.Marshal(cleaned)
	if err != nil {
		return nil, false
	}
	return out, true
}

// EmptyObjectSchema returns the fallback schema used when a tool definition
// carries no recoverable parameter schema at all.
func EmptyObjectSchema() []byte {
	return []byte(`{"type":"object","properties":{}}`)
}

// PlaceholderSchema returns the synthesized one-property schema used for
// tools whose cleaned schema has no properties left.
func PlaceholderSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"reason": map[string]interface{}{
				"type":        "string",
				"description": placeholderReasonDescription,
			},
		},
		"required": []interface{}{"reason"},
	}
}

func cleanSchemaNode(node map[string]interface{}) map[string]interface{} {
	if ref, ok := node["$ref"].(string); ok {
		return refPlaceholder(ref)
	}

	if allOf, ok := node["allOf"].([]interface{}); ok {
		node = mergeAllOf(node, allOf)
	}

	if branches, key := unionBranches(node); branches != nil {
		node = flattenUnion(node, branches, key)
	}

	if c, ok := node["const"]; ok {
		delete(node, "const")
		node["enum"] = []interface{}{c}
	}

	if types, ok := node["type"].([]interface{}); ok {
		node = flattenTypeArray(node, types)
	}

	hints := collectConstraintHints(node)
	if len(hints) > 0 {
		appendDescription(node, strings.Join(hints, ", "))
	}
	for _, key := range droppedKeywords {
		delete(node, key)
	}

	if props, ok := node["properties"].(map[string]interface{}); ok {
		nullable := make([]string, 0)
		for name, value := range props {
			child, okChild := value.(map[string]interface{})
			if !okChild {
				continue
			}
			wasNullable := typeArrayHasNull(child)
			props[name] = cleanSchemaNode(child)
			if wasNullable {
				nullable = append(nullable, name)
			}
		}
		if len(nullable) > 0 {
			dropFromRequired(node, nullable)
		}
	}
	if items, ok := node["items"].(map[string]interface{}); ok {
		node["items"] = cleanSchemaNode(items)
	}

	return node
}

func refPlaceholder(ref string) map[string]interface{} {
	name := ref
	if idx := strings.LastIndex(ref, "/"); idx >= 0 {
		name = ref[idx+1:]
	}
	return map[string]interface{}{
		"type":        "object",
		"description": "See: " + name,
	}
}

func mergeAllOf(node map[string]interface{}, allOf []interface{}) map[string]interface{} {
	delete(node, "allOf")
	props, _ := node["properties"].(map[string]interface{})
	if props == nil {
		props = make(map[string]interface{})
	}
	required, _ := node["required"].([]interface{})
	for _, branch := range allOf {
		m, ok := branch.(map[string]interface{})
		if !ok {
			continue
		}
		if bp, okProps := m["properties"].(map[string]interface{}); okProps {
			for k, v := range bp {
				props[k] = v
			}
		}
		if br, okReq := m["required"].([]interface{}); okReq {
			required = append(required, br...)
		}
	}
	if len(props) > 0 {
		node["properties"] = props
	}
	if len(required) > 0 {
		node["required"] = dedupeStrings(required)
	}
	return node
}

func unionBranches(node map[string]interface{}) ([]interface{}, string) {
	if anyOf, ok := node["anyOf"].([]interface{}); ok {
		return anyOf, "anyOf"
	}
	if oneOf, ok := node["oneOf"].([]interface{}); ok {
		return oneOf, "oneOf"
	}
	return nil, ""
}

// flattenUnion picks the most structured branch (objects beat scalars, null
// branches lose to everything) and records the accepted alternatives.
func flattenUnion(node map[string]interface{}, branches []interface{}, key string) map[string]interface{} {
	delete(node, key)

	var best map[string]interface{}
	bestScore := -1
	accepts := make([]string, 0, len(branches))
	for _, branch := range branches {
		m, ok := branch.(map[string]interface{})
		if !ok {
			continue
		}
		accepts = append(accepts, branchLabel(m))
		score := branchScore(m)
		if score > bestScore {
			bestScore = score
			best = m
		}
	}
	if best == nil {
		return node
	}

	merged := cleanSchemaNode(best)
	for k, v := range merged {
		if _, exists := node[k]; !exists || k == "type" || k == "properties" || k == "items" || k == "enum" || k == "required" {
			node[k] = v
		}
	}
	if len(accepts) > 1 {
		appendDescription(node, "Accepts: "+strings.Join(accepts, " | "))
	}
	return node
}

func branchLabel(m map[string]interface{}) string {
	if t, ok := m["type"].(string); ok {
		return t
	}
	if _, ok := m["properties"]; ok {
		return "object"
	}
	if _, ok := m["enum"]; ok {
		return "enum"
	}
	return "any"
}

func branchScore(m map[string]interface{}) int {
	t, _ := m["type"].(string)
	switch {
	case t == "null":
		return 0
	case t == "object" || m["properties"] != nil:
		return 3
	case t == "array":
		return 2
	case t != "":
		return 1
	default:
		return 1
	}
}

func typeArrayHasNull(node map[string]interface{}) bool {
	types, ok := node["type"].([]interface{})
	if !ok {
		return false
	}
	for _, t := range types {
		if s, okStr := t.(string); okStr && s == "null" {
			return true
		}
	}
	return false
}

func flattenTypeArray(node map[string]interface{}, types []interface{}) map[string]interface{} {
	nullable := false
	primary := ""
	for _, t := range types {
		s, ok := t.(string)
		if !ok {
			continue
		}
		if s == "null" {
			nullable = true
			continue
		}
		if primary == "" {
			primary = s
		}
	}
	if primary == "" {
		primary = "string"
	}
	node["type"] = primary
	if nullable {
		appendDescription(node, "(nullable)")
	}
	return node
}

func collectConstraintHints(node map[string]interface{}) []string {
	hints := make([]string, 0)
	for _, key := range constraintKeywords {
		value, ok := node[key]
		if !ok {
			continue
		}
		delete(node, key)
		switch key {
		case "default", "examples":
			continue
		}
		hints = append(hints, fmt.Sprintf("%s: %v", key, value))
	}
	sort.Strings(hints)
	return hints
}

func appendDescription(node map[string]interface{}, hint string) {
	existing, _ := node["description"].(string)
	switch {
	case existing == "":
		node["description"] = hint
	case strings.Contains(existing, hint):
	default:
		node["description"] = existing + " (" + hint + ")"
	}
}

func dropFromRequired(node map[string]interface{}, names []string) {
	required, ok := node["required"].([]interface{})
	if !ok {
		return
	}
	drop := make(map[string]struct{}, len(names))
	for _, n := range names {
		drop[n] = struct{}{}
	}
	kept := make([]interface{}, 0, len(required))
	for _, r := range required {
		if s, okStr := r.(string); okStr {
			if _, gone := drop[s]; gone {
				continue
			}
		}
		kept = append(kept, r)
	}
	if len(kept) == 0 {
		delete(node, "required")
		return
	}
	node["required"] = kept
}

func dedupeStrings(values []interface{}) []interface{} {
	seen := make(map[string]struct{}, len(values))
	out := make([]interface{}, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			out = append(out, v)
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// ensureObjectProperties synthesizes the {reason} placeholder for object
// schemas that lost all of their properties during cleaning.
func ensureObjectProperties(node map[string]interface{}) {
	t, _ := node["type"].(string)
	if t != "object" && node["properties"] == nil {
		return
	}
	props, _ := node["properties"].(map[string]interface{})
	if len(props) > 0 {
		return
	}
	placeholder := PlaceholderSchema()
	node["type"] = "object"
	node["properties"] = placeholder["properties"]
	node["required"] = placeholder["required"]
}
