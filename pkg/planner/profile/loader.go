// Package profile holds the system prompts given to planner backends.
package profile

import (
	"embed"
	"fmt"
	"strings"
)

const defaultProfileName = "planner"

//go:embed templates/*.md
var templatesFS embed.FS

// ResolveSystemPrompt returns override when it is set, else the embedded
// planning prompt.
func ResolveSystemPrompt(override string) (string, error) {
	if trimmed := strings.TrimSpace(override); trimmed != "" {
		return trimmed, nil
	}

	return loadTemplate(defaultProfileName)
}

func loadTemplate(templateName string) (string, error) {
	content, err := templatesFS.ReadFile(templatePath(templateName))
	if err != nil {
		return "", fmt.Errorf("load %s profile template: %w", templateName, err)
	}

	profile := strings.TrimSpace(string(content))
	if profile == "" {
		return "", fmt.Errorf("profile template %q is empty", templateName)
	}

	return profile, nil
}

func templatePath(templateName string) string {
	return "templates/" + strings.TrimSpace(templateName) + ".md"
}
