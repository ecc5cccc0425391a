package dispense

import "time"

// Kind names the operation that produced a report.
type Kind string

const (
	KindDispense Kind = "dispense"
	KindTest     Kind = "test"
	KindClean    Kind = "clean"
)

// Outcome is what happened on one channel.
type Outcome struct {
	Channel    int     `json:"channel"`
	Line       int     `json:"line"`
	Ingredient string  `json:"ingredient,omitempty"`
	Seconds    float64 `json:"seconds"`
	Error      string  `json:"error,omitempty"`
}

// Report is the result of a test or clean run, and the common part of a
// dispense result. Every involved channel appears in exactly one of
// Completed and Faulted.
type Report struct {
	JobID      string    `json:"jobId"`
	Kind       Kind      `json:"kind"`
	Completed  []int     `json:"completed"`
	Faulted    []int     `json:"faulted"`
	Outcomes   []Outcome `json:"outcomes"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}

// OK reports whether no channel faulted.
func (r *Report) OK() bool { return len(r.Faulted) == 0 }

// Channels returns every involved channel in outcome order.
func (r *Report) Channels() []int {
	ret := make([]int, len(r.Outcomes))
	for i, o := range r.Outcomes {
		ret[i] = o.Channel
	}
	return ret
}

func (r *Report) fold(outcomes []Outcome) {
	r.Outcomes = outcomes
	r.Completed = []int{}
	r.Faulted = []int{}
	for _, o := range outcomes {
		if o.Error == "" {
			r.Completed = append(r.Completed, o.Channel)
		} else {
			r.Faulted = append(r.Faulted, o.Channel)
		}
	}
}

// Result is the outcome of a dispense call.
type Result struct {
	Report
	Recipe   string   `json:"recipe"`
	Dropped  []string `json:"droppedIngredients"`
	Skipped  []string `json:"skippedIngredients,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Overflow reports whether ingredients were dropped for lack of channels.
func (r *Result) Overflow() bool { return len(r.Dropped) > 0 }
