package config

import (
	"embed"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/openfroyo/froyoflow/pkg/engine"
)

//go:embed templates/*.yaml
var templateFS embed.FS

// Template is a ready-made workflow from the embedded catalog.
type Template struct {
	ID          string                     `json:"id"`
	Name        string                     `json:"name"`
	Description string                     `json:"description"`
	Category    string                     `json:"category"`
	Apps        []string                   `json:"apps"`
	Definition  *engine.WorkflowDefinition `json:"definition"`
}

// Templates returns the catalog sorted by ID, optionally filtered by category.
func (l *DefinitionLoader) Templates(category string) ([]Template, error) {
	entries, err := templateFS.ReadDir("templates")
	if err != nil {
		return nil, fmt.Errorf("failed to read template catalog: %w", err)
	}

	templates := make([]Template, 0, len(entries))
	for _, e := range entries {
		t, err := l.loadTemplate(e.Name())
		if err != nil {
			return nil, err
		}
		if category != "" && t.Category != category {
			continue
		}
		templates = append(templates, *t)
	}

	sort.Slice(templates, func(i, j int) bool { return templates[i].ID < templates[j].ID })
	return templates, nil
}

// Template returns one template by ID.
func (l *DefinitionLoader) Template(id string) (*Template, error) {
	t, err := l.loadTemplate(id + ".yaml")
	if err != nil {
		return nil, engine.NewPermanentError(fmt.Sprintf("template not found: %s", id), err).
			WithCode(engine.ErrCodeNotFound)
	}
	return t, nil
}

func (l *DefinitionLoader) loadTemplate(file string) (*Template, error) {
	name := path.Join("templates", file)
	data, err := templateFS.ReadFile(name)
	if err != nil {
		return nil, err
	}

	def, err := l.Parse(name, data, FormatYAML)
	if err != nil {
		return nil, err
	}

	id := strings.TrimSuffix(file, path.Ext(file))
	if def.Metadata == nil {
		def.Metadata = map[string]string{}
	}
	def.Metadata["template"] = id

	var apps []string
	for _, app := range strings.Split(def.Metadata["apps"], ",") {
		if app = strings.TrimSpace(app); app != "" {
			apps = append(apps, app)
		}
	}

	return &Template{
		ID:          id,
		Name:        def.Name,
		Description: def.Description,
		Category:    def.Metadata["category"],
		Apps:        apps,
		Definition:  def,
	}, nil
}
