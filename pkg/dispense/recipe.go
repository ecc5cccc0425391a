package dispense

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalidRecipe is wrapped by every recipe validation error.
var ErrInvalidRecipe = errors.New("invalid recipe")

// MaxVolume is the largest volume, in fluid ounces, one ingredient may ask for.
const MaxVolume = 1000.0

// Ingredient is one line of a recipe.
type Ingredient struct {
	Name   string
	Volume float64 // fluid ounces
}

// Recipe is an ordered list of ingredients. The order is the pour order and
// decides which channel pours each ingredient.
//
// In JSON and YAML the ingredients are a mapping from name to volume whose key
// order is preserved:
//
//	{"name": "gin and tonic", "ingredients": {"gin": 2.0, "tonic water": 4.0}}
type Recipe struct {
	Name        string
	Ingredients []Ingredient
}

// Validate checks that the recipe has ingredients, that names are non-empty
// and unique ignoring case, and that no volume is negative or not finite.
// Zero volumes are allowed; they are never poured.
func (r *Recipe) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: recipe is nil", ErrInvalidRecipe)
	}
	if len(r.Ingredients) == 0 {
		return fmt.Errorf("%w: %q has no ingredients", ErrInvalidRecipe, r.Name)
	}

	seen := make(map[string]struct{}, len(r.Ingredients))
	for _, ing := range r.Ingredients {
		key := strings.ToLower(strings.TrimSpace(ing.Name))
		if key == "" {
			return fmt.Errorf("%w: %q has an ingredient without a name", ErrInvalidRecipe, r.Name)
		}
		if _, ok := seen[key]; ok {
			return fmt.Errorf("%w: %q lists %q twice", ErrInvalidRecipe, r.Name, ing.Name)
		}
		seen[key] = struct{}{}

		if math.IsNaN(ing.Volume) || math.IsInf(ing.Volume, 0) || ing.Volume < 0 {
			return fmt.Errorf("%w: %q: volume of %q must be a non-negative number, got %v", ErrInvalidRecipe, r.Name, ing.Name, ing.Volume)
		}
		if ing.Volume > MaxVolume {
			return fmt.Errorf("%w: %q: volume of %q exceeds %v oz, got %v", ErrInvalidRecipe, r.Name, ing.Name, MaxVolume, ing.Volume)
		}
	}

	return nil
}

// TotalVolume returns the sum of all volumes in ounces.
func (r *Recipe) TotalVolume() float64 {
	total := 0.0
	for _, ing := range r.Ingredients {
		total += ing.Volume
	}
	return total
}

func (r Recipe) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer

	name, err := json.Marshal(r.Name)
	if err != nil {
		return nil, err
	}
	buf.WriteString(`{"name":`)
	buf.Write(name)
	buf.WriteString(`,"ingredients":{`)
	for i, ing := range r.Ingredients {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(ing.Name)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(ing.Volume)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteString(`}}`)

	return buf.Bytes(), nil
}

func (r *Recipe) UnmarshalJSON(b []byte) error {
	var raw struct {
		Name        string          `json:"name"`
		Ingredients json.RawMessage `json:"ingredients"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	r.Name = raw.Name
	r.Ingredients = nil
	if len(raw.Ingredients) == 0 || string(raw.Ingredients) == "null" {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw.Ingredients))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("ingredients must be an object of name to volume, got %v", tok)
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("unexpected ingredient key %v", tok)
		}
		var vol *float64
		if err := dec.Decode(&vol); err != nil {
			return fmt.Errorf("ingredient %q: %w", key, err)
		}
		if vol == nil {
			return fmt.Errorf("%w: ingredient %q has no volume", ErrInvalidRecipe, key)
		}
		r.Ingredients = append(r.Ingredients, Ingredient{Name: key, Volume: *vol})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}

	return nil
}

func (r *Recipe) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: recipe must be a mapping", value.Line)
	}

	r.Name = ""
	r.Ingredients = nil
	for i := 0; i+1 < len(value.Content); i += 2 {
		key, val := value.Content[i], value.Content[i+1]
		switch key.Value {
		case "name":
			if err := val.Decode(&r.Name); err != nil {
				return err
			}
		case "ingredients":
			if val.Kind != yaml.MappingNode {
				return fmt.Errorf("line %d: ingredients must be a mapping of name to volume", val.Line)
			}
			for j := 0; j+1 < len(val.Content); j += 2 {
				if val.Content[j+1].ShortTag() == "!!null" {
					return fmt.Errorf("%w: line %d: ingredient %q has no volume", ErrInvalidRecipe, val.Content[j].Line, val.Content[j].Value)
				}
				var vol float64
				if err := val.Content[j+1].Decode(&vol); err != nil {
					return fmt.Errorf("line %d: ingredient %q: %w", val.Content[j].Line, val.Content[j].Value, err)
				}
				r.Ingredients = append(r.Ingredients, Ingredient{Name: val.Content[j].Value, Volume: vol})
			}
		default:
			return fmt.Errorf("line %d: unknown recipe field %q", key.Line, key.Value)
		}
	}

	return nil
}
