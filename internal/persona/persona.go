// Package persona loads the persona catalog from YAML and seeds it into a store.
package persona

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/CounselPipe/internal/models"
	"github.com/BTreeMap/CounselPipe/internal/store"
)

//go:embed personas.yaml
var defaultCatalog []byte

// ErrInvalidCatalog is wrapped by every catalog validation failure.
var ErrInvalidCatalog = errors.New("invalid persona catalog")

var idPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// Entry is one persona as written in the catalog file.
type Entry struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"name"`
	Instructions string `yaml:"instructions"`
	// Active defaults to true when omitted.
	Active *bool `yaml:"active"`
}

type catalogFile struct {
	Personas []Entry `yaml:"personas"`
}

// Catalog is a validated, ordered persona list.
type Catalog struct {
	Personas []models.Persona
}

// Default returns the built-in catalog.
func Default() (*Catalog, error) {
	return Parse(defaultCatalog)
}

// LoadFile reads a catalog from path, or the built-in catalog when path is empty.
func LoadFile(path string) (*Catalog, error) {
	if path == "" {
		slog.Debug("persona.LoadFile: no catalog file configured, using built-in catalog")
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read persona catalog %s: %w", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("persona catalog %s: %w", path, err)
	}
	slog.Debug("persona.LoadFile: catalog loaded", "path", path, "count", len(c.Personas))
	return c, nil
}

// Parse decodes and validates catalog YAML. Unknown fields are rejected.
func Parse(data []byte) (*Catalog, error) {
	var file catalogFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	if len(file.Personas) == 0 {
		return nil, fmt.Errorf("%w: no personas defined", ErrInvalidCatalog)
	}

	seen := make(map[string]struct{}, len(file.Personas))
	out := make([]models.Persona, 0, len(file.Personas))
	for i, e := range file.Personas {
		id := strings.TrimSpace(e.ID)
		if !idPattern.MatchString(id) {
			return nil, fmt.Errorf("%w: entry %d: id %q must be lowercase letters, digits, '-' or '_'", ErrInvalidCatalog, i, e.ID)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: duplicate id %q", ErrInvalidCatalog, id)
		}
		seen[id] = struct{}{}

		name := strings.TrimSpace(e.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: persona %q has no name", ErrInvalidCatalog, id)
		}
		instructions := strings.TrimSpace(e.Instructions)
		if instructions == "" {
			return nil, fmt.Errorf("%w: persona %q has no instructions", ErrInvalidCatalog, id)
		}
		active := true
		if e.Active != nil {
			active = *e.Active
		}
		out = append(out, models.Persona{ID: id, Name: name, Instructions: instructions, Active: active})
	}
	return &Catalog{Personas: out}, nil
}

// Get returns the persona with id.
func (c *Catalog) Get(id string) (models.Persona, bool) {
	for _, p := range c.Personas {
		if p.ID == id {
			return p, true
		}
	}
	return models.Persona{}, false
}

// Seed upserts every catalog persona into ps. Stores keep the creation time
// of personas that already exist.
func Seed(ctx context.Context, ps store.PersonaStore, c *Catalog, now time.Time) (int, error) {
	n := 0
	for _, p := range c.Personas {
		p.CreatedAt = now.UTC()
		if err := ps.SavePersona(ctx, p); err != nil {
			return n, fmt.Errorf("failed to save persona %s: %w", p.ID, err)
		}
		n++
	}
	slog.Info("persona.Seed: catalog seeded", "count", n)
	return n, nil
}
