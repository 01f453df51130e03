package templates

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"text/template"
)

// Template names
const (
	SystemdUnit = "systemd-unit"
)

//go:embed defaults/*.tmpl
var defaults embed.FS

// UnitData holds the values rendered into a systemd unit.
type UnitData struct {
	Description string
	User        string
	WorkingDir  string
	ExecPath    string
	Port        int
}

// GetTemplatePaths returns the override search paths for a template.
func GetTemplatePaths(templateName string) []string {
	filename := templateName + ".tmpl"
	return []string{
		filepath.Join(".", "templates", filename),
		filepath.Join(".", "config", "templates", filename),
		filepath.Join("/etc", "flipdeploy", "templates", filename),
	}
}

// GetTemplate returns the raw template content by name.
// Templates are resolved in the following order:
// 1. override, when non-empty (an explicit file path; must exist)
// 2. ./templates/<name>.tmpl
// 3. ./config/templates/<name>.tmpl
// 4. /etc/flipdeploy/templates/<name>.tmpl
// 5. the built-in default
func GetTemplate(name, override string) (string, error) {
	if !ValidateTemplate(name) {
		return "", fmt.Errorf("unknown template: %s", name)
	}

	if override != "" {
		content, err := os.ReadFile(override)
		if err != nil {
			return "", fmt.Errorf("failed to read template override %s: %w", override, err)
		}
		return string(content), nil
	}

	for _, path := range GetTemplatePaths(name) {
		if content, err := os.ReadFile(path); err == nil {
			return string(content), nil
		}
	}

	content, err := defaults.ReadFile("defaults/" + name + ".tmpl")
	if err != nil {
		return "", fmt.Errorf("built-in template missing: %s: %w", name, err)
	}
	return string(content), nil
}

// Render renders a template using Go's text/template package.
// Missing keys are treated as errors so a broken override fails loudly.
func Render(templateName, override string, data any) (string, error) {
	tmplContent, err := GetTemplate(templateName, override)
	if err != nil {
		return "", err
	}

	tmpl, err := template.New(templateName).Option("missingkey=error").Parse(tmplContent)
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}

	return buf.String(), nil
}

// RenderSystemdUnit renders the systemd unit for one slot.
func RenderSystemdUnit(override string, data UnitData) (string, error) {
	return Render(SystemdUnit, override, data)
}

// ValidateTemplate checks if a template name is valid.
func ValidateTemplate(name string) bool {
	validNames := map[string]bool{
		SystemdUnit: true,
	}
	return validNames[name]
}
