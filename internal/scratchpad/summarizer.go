package scratchpad

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/miradorstack/mirador-agent/internal/models"
)

const maxShortText = 200

var criticalKeywords = []string{"critical", "fatal", "panic", "oom", "outage", "crashloop", "data loss"}
var errorKeywords = []string{"error", "exception", "fail", "timeout", "refused", "denied", "unavailable", "5xx"}
var degradedKeywords = []string{"warn", "degraded", "slow", "latency", "retry", "throttl", "backlog"}

// Summarize reduces a raw tool result to the fixed shape used for compact
// context inclusion. Pure: no I/O, no state.
func Summarize(tool string, args map[string]interface{}, result interface{}) models.CompactSummary {
	serialized := serialize(result)
	lower := strings.ToLower(serialized)

	summary := models.CompactSummary{
		Services:     extractServices(args, result),
		HealthStatus: deriveHealth(result, lower),
	}
	summary.HasErrors = summary.HealthStatus == models.HealthCritical || containsAny(lower, errorKeywords)
	summary.ShortText = buildShortText(tool, args, serialized, summary)
	return summary
}

func deriveHealth(result interface{}, lower string) models.HealthStatus {
	if status, ok := statusField(result); ok {
		switch strings.ToLower(status) {
		case "ok", "healthy", "running", "active", "serving", "success":
			return models.HealthOK
		case "degraded", "warning", "warn":
			return models.HealthDegraded
		case "critical", "error", "failed", "unhealthy", "alarm":
			return models.HealthCritical
		}
	}

	switch {
	case containsAny(lower, criticalKeywords):
		return models.HealthCritical
	case containsAny(lower, errorKeywords):
		return models.HealthDegraded
	case containsAny(lower, degradedKeywords):
		return models.HealthDegraded
	case lower == "" || lower == "null":
		return models.HealthUnknown
	}
	return models.HealthOK
}

// statusField pulls a top-level status-like field out of a map payload.
func statusField(result interface{}) (string, bool) {
	m, ok := result.(map[string]interface{})
	if !ok {
		return "", false
	}
	for _, key := range []string{"status", "state", "health", "healthStatus"} {
		if v, ok := m[key].(string); ok && v != "" {
			return v, true
		}
	}
	return "", false
}

// extractServices collects service identifiers from args and from common
// payload fields, deduplicated and sorted.
func extractServices(args map[string]interface{}, result interface{}) []string {
	set := make(map[string]struct{})
	if v, ok := args["service"].(string); ok && v != "" {
		set[v] = struct{}{}
	}
	collectServices(result, set, 0)
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func collectServices(v interface{}, set map[string]struct{}, depth int) {
	if depth > 4 {
		return
	}
	switch val := v.(type) {
	case map[string]interface{}:
		for key, child := range val {
			lk := strings.ToLower(key)
			if lk == "service" || lk == "service_name" || lk == "servicename" {
				if s, ok := child.(string); ok && s != "" {
					set[s] = struct{}{}
				}
			}
			if lk == "services" {
				if list, ok := child.([]interface{}); ok {
					for _, item := range list {
						if s, ok := item.(string); ok && s != "" {
							set[s] = struct{}{}
						}
					}
				}
			}
			collectServices(child, set, depth+1)
		}
	case []interface{}:
		for _, item := range val {
			collectServices(item, set, depth+1)
		}
	}
}

func buildShortText(tool string, args map[string]interface{}, serialized string, summary models.CompactSummary) string {
	var b strings.Builder
	b.WriteString(tool)
	if svc, ok := args["service"].(string); ok && svc != "" {
		b.WriteString(" for ")
		b.WriteString(svc)
	}
	b.WriteString(": ")
	switch summary.HealthStatus {
	case models.HealthCritical:
		b.WriteString("critical signals")
	case models.HealthDegraded:
		b.WriteString("degraded signals")
	case models.HealthOK:
		b.WriteString("no anomalies")
	default:
		b.WriteString("inconclusive")
	}
	if summary.HasErrors {
		b.WriteString(", errors present")
	}
	if len(summary.Services) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(summary.Services, ", "))
	}

	text := b.String()
	if len(text) < maxShortText && serialized != "" && serialized != "null" {
		remain := maxShortText - len(text) - 3
		if remain > 20 {
			snippet := serialized
			if len(snippet) > remain {
				snippet = snippet[:remain]
			}
			text += " | " + snippet
		}
	}
	if len(text) > maxShortText {
		text = text[:maxShortText]
	}
	return text
}

func serialize(v interface{}) string {
	if v == nil {
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}
