// prompt.go assembles a persona's system prompt from its source files.
package persona

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SystemPrompt concatenates the persona's prompt files in order, separated
// by blank lines. Relative paths resolve against the persona workspace.
// Missing files are an error: a persona silently running without its prompt
// is worse than a failed turn.
func (p *Persona) SystemPrompt() (string, error) {
	if len(p.PromptFiles) == 0 {
		return "", nil
	}

	parts := make([]string, 0, len(p.PromptFiles))
	for _, f := range p.PromptFiles {
		path := f
		if !filepath.IsAbs(path) && p.Workspace != "" {
			path = filepath.Join(p.Workspace, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("reading prompt file %s: %w", f, err)
		}
		parts = append(parts, strings.TrimSpace(string(data)))
	}
	return strings.Join(parts, "\n\n"), nil
}
