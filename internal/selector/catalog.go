package selector

import (
	"embed"
	"fmt"
	"io/fs"

	"gopkg.in/yaml.v3"

	"github.com/greentrail/nudge-engine/internal/model"
)

//go:embed templates/catalog.yaml
var templatesFS embed.FS

// Variant is the rendered text of one effort level.
type Variant struct {
	Title       string `yaml:"title" json:"title"`
	Message     string `yaml:"message" json:"message"`
	ActionLabel string `yaml:"actionLabel" json:"actionLabel"`
	DurationMs  int    `yaml:"durationMs" json:"durationMs"`
}

// Template is a read-only catalog entry.
type Template struct {
	Type     model.NudgeType               `yaml:"type"`
	Category string                        `yaml:"category"`
	Variants map[model.EffortLevel]Variant `yaml:"variants"`
}

// Catalog indexes templates by type and category.
type Catalog struct {
	Version   string     `yaml:"version"`
	Templates []Template `yaml:"templates"`
}

// LoadCatalog parses the embedded template catalog.
func LoadCatalog() (*Catalog, error) {
	b, err := fs.ReadFile(templatesFS, "templates/catalog.yaml")
	if err != nil {
		return nil, fmt.Errorf("template catalog missing: %w", err)
	}
	return ParseCatalog(b)
}

// ParseCatalog decodes and validates a YAML catalog.
func ParseCatalog(b []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("decode template catalog: %w", err)
	}
	for i, t := range c.Templates {
		if !t.Type.Valid() {
			return nil, fmt.Errorf("template %d: unknown nudge type %q", i, t.Type)
		}
		for _, effort := range model.AllEffortLevels {
			v, ok := t.Variants[effort]
			if !ok || v.Title == "" || v.Message == "" {
				return nil, fmt.Errorf("template %s/%s: missing %s variant", t.Type, t.Category, effort)
			}
		}
	}
	return &c, nil
}

// Lookup returns the template for t, preferring an exact category match
// and falling back to the generic entry.
func (c *Catalog) Lookup(t model.NudgeType, category string) (Template, bool) {
	var generic *Template
	for i := range c.Templates {
		tpl := &c.Templates[i]
		if tpl.Type != t {
			continue
		}
		if tpl.Category == category && category != "" {
			return *tpl, true
		}
		if tpl.Category == "" && generic == nil {
			generic = tpl
		}
	}
	if generic != nil {
		return *generic, true
	}
	for _, tpl := range c.Templates {
		if tpl.Type == t {
			return tpl, true
		}
	}
	return Template{}, false
}
