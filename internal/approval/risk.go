package approval

import (
	"strings"

	"github.com/miradorstack/mirador-agent/internal/models"
)

// Risk classification is purely lexical over the operation and resource.
var (
	criticalVerbs = []string{"delete", "terminate", "destroy", "truncate", "drop"}
	highVerbs     = []string{"restart", "reboot", "stop", "scale-down", "scale_down", "deploy", "update-service", "update_service"}
	mediumVerbs   = []string{"update", "modify", "scale", "patch"}
)

// ClassifyRisk grades a mutation by scanning (operation, resource) for known
// destructive verbs. Production-modifying updates escalate to high.
func ClassifyRisk(operation, resource string) models.RiskLevel {
	text := strings.ToLower(operation + " " + resource)

	for _, verb := range criticalVerbs {
		if strings.Contains(text, verb) {
			return models.RiskCritical
		}
	}
	for _, verb := range highVerbs {
		if strings.Contains(text, verb) {
			return models.RiskHigh
		}
	}
	for _, verb := range mediumVerbs {
		if strings.Contains(text, verb) {
			if strings.Contains(text, "prod") {
				return models.RiskHigh
			}
			return models.RiskMedium
		}
	}
	return models.RiskLow
}
