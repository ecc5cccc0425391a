package dispense

import (
	"errors"

	"github.com/google/uuid"
)

// ErrRecipeOverflow is reported, not returned, when a recipe has more
// ingredients than there are channels.
var ErrRecipeOverflow = errors.New("recipe has more ingredients than channels")

// Assignment is the pour of one ingredient on one channel.
type Assignment struct {
	Channel    int     `json:"channel"`
	Line       int     `json:"line"`
	Ingredient string  `json:"ingredient"`
	Volume     float64 `json:"volumeOz"`
	Seconds    float64 `json:"seconds"`
}

// Job is the pour plan of one dispense call.
type Job struct {
	ID          string
	Recipe      string
	Assignments []Assignment
	// Dropped are the ingredients beyond the last channel, in recipe order.
	Dropped []string
	// Skipped are zero-volume ingredients. Their channel stays idle.
	Skipped []string
}

// Plan zips the recipe onto lines in order. delay returns the fill delay of
// a channel index.
func Plan(recipe *Recipe, lines []int, delay func(int) float64) (*Job, error) {
	if err := recipe.Validate(); err != nil {
		return nil, err
	}

	job := &Job{
		ID:     uuid.NewString(),
		Recipe: recipe.Name,
	}

	for i, ing := range recipe.Ingredients {
		if i >= len(lines) {
			job.Dropped = append(job.Dropped, ing.Name)
			continue
		}
		if ing.Volume == 0 {
			job.Skipped = append(job.Skipped, ing.Name)
			continue
		}
		job.Assignments = append(job.Assignments, Assignment{
			Channel:    i,
			Line:       lines[i],
			Ingredient: ing.Name,
			Volume:     ing.Volume,
			Seconds:    Duration(ing.Volume, delay(i)),
		})
	}

	return job, nil
}
