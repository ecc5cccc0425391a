// Package recipes is the read-only recipe book served by the daemon.
package recipes

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/tapster-pi/tapster/pkg/dispense"
)

// ErrNotFound is returned by Lookup for an unknown recipe name.
var ErrNotFound = errors.New("recipe not found")

//go:embed default.yaml
var defaultBook []byte

type book struct {
	Recipes []*dispense.Recipe `yaml:"recipes"`
}

// Catalog is an immutable set of recipes keyed by name, ignoring case.
type Catalog struct {
	byName map[string]*dispense.Recipe
}

func key(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Parse reads a YAML recipe book. Every recipe must be valid and names must
// be unique ignoring case.
func Parse(data []byte) (*Catalog, error) {
	var b book
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to parse recipe book")
	}

	c := &Catalog{byName: make(map[string]*dispense.Recipe, len(b.Recipes))}
	for i, r := range b.Recipes {
		if r == nil || key(r.Name) == "" {
			return nil, fmt.Errorf("recipe #%d has no name", i+1)
		}
		if err := r.Validate(); err != nil {
			return nil, err
		}
		k := key(r.Name)
		if _, ok := c.byName[k]; ok {
			return nil, fmt.Errorf("recipe %q is defined twice", r.Name)
		}
		c.byName[k] = r
	}

	return c, nil
}

// Default returns the built-in recipe book.
func Default() *Catalog {
	c, err := Parse(defaultBook)
	if err != nil {
		panic(err)
	}
	return c
}

// Load reads the recipe book at path. A missing file yields the built-in
// book.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logrus.WithField("path", path).Info("recipe book not found, using built-in recipes")
			return Default(), nil
		}
		return nil, pkgerrors.Wrapf(err, "failed to read recipe book %s", path)
	}

	c, err := Parse(data)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "recipe book %s", path)
	}
	logrus.WithFields(logrus.Fields{
		"path":    path,
		"recipes": c.Len(),
	}).Info("loaded recipe book")

	return c, nil
}

// Lookup returns the recipe called name, ignoring case and surrounding space.
func (c *Catalog) Lookup(name string) (*dispense.Recipe, error) {
	r, ok := c.byName[key(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return r, nil
}

// Names returns the recipe names in alphabetical order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.byName))
	for _, r := range c.byName {
		names = append(names, r.Name)
	}
	sort.Slice(names, func(i, j int) bool { return key(names[i]) < key(names[j]) })
	return names
}

func (c *Catalog) Len() int { return len(c.byName) }
