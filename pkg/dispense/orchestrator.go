package dispense

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"

	"github.com/tapster-pi/tapster/pkg/events"
	"github.com/tapster-pi/tapster/pkg/relay"
)

const (
	// TestPulse is how long TestAll runs each channel.
	TestPulse = time.Second
	// DefaultCleanMargin is added to the fill delay when cleaning.
	DefaultCleanMargin = 1.0
)

// DelaySource returns the fill delay of a channel in seconds.
// *calibration.Store implements it.
type DelaySource interface {
	FillDelay(i int) float64
}

// Recorder keeps finished operations, e.g. in the pour journal.
type Recorder interface {
	Record(ctx context.Context, res *Result) error
}

// Publisher receives operation events. *events.EventHub implements it.
type Publisher interface {
	Publish(name string, payload any)
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithRecorder stores every finished operation in r.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithPublisher announces operations on p.
func WithPublisher(p Publisher) Option {
	return func(o *Orchestrator) { o.pub = p }
}

// Orchestrator drives the channels of one appliance. It does not serialize
// overlapping calls; the owner must not issue them.
type Orchestrator struct {
	channels *relay.Set
	delays   DelaySource
	recorder Recorder
	pub      Publisher
}

// NewOrchestrator returns an orchestrator over channels using delays.
func NewOrchestrator(channels *relay.Set, delays DelaySource, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		channels: channels,
		delays:   delays,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type task struct {
	channel    int
	ingredient string
	seconds    float64
}

// Dispense pours recipe. Only an invalid recipe is an error; channel faults
// and dropped ingredients are reported in the result.
func (o *Orchestrator) Dispense(recipe *Recipe) (*Result, error) {
	job, err := Plan(recipe, o.channels.Lines(), o.delays.FillDelay)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Report: Report{
			JobID:     job.ID,
			Kind:      KindDispense,
			StartedAt: time.Now(),
		},
		Recipe:  job.Recipe,
		Dropped: []string{},
		Skipped: job.Skipped,
	}
	if len(job.Dropped) > 0 {
		res.Dropped = job.Dropped
		res.Warnings = append(res.Warnings, fmt.Sprintf("%v: dropped %s", ErrRecipeOverflow, strings.Join(job.Dropped, ", ")))
	}

	log := logrus.WithFields(logrus.Fields{
		"jobId":  job.ID,
		"recipe": job.Recipe,
	})
	if res.Overflow() {
		log.WithField("dropped", job.Dropped).Warn(ErrRecipeOverflow.Error())
	}

	tasks := make([]task, len(job.Assignments))
	for i, a := range job.Assignments {
		tasks[i] = task{channel: a.Channel, ingredient: a.Ingredient, seconds: a.Seconds}
		log.WithFields(logrus.Fields{
			"channel":  a.Channel,
			"line":     a.Line,
			"volumeOz": a.Volume,
			"seconds":  fmt.Sprintf("%.2f", a.Seconds),
		}).Infof("pouring %s", a.Ingredient)
	}

	o.announce(events.DispenseStarted, &res.Report, res.Recipe, tasks, nil)
	res.fold(o.runConcurrently(job.ID, tasks))
	res.FinishedAt = time.Now()
	o.announce(events.DispenseFinished, &res.Report, res.Recipe, nil, res.Dropped)

	log.WithFields(logrus.Fields{
		"completed": res.Completed,
		"faulted":   res.Faulted,
	}).Info("dispense finished")

	o.record(res)

	return res, nil
}

// TestAll pulses every channel for TestPulse, one after another.
func (o *Orchestrator) TestAll() (*Report, error) {
	rep := &Report{
		JobID:     uuid.NewString(),
		Kind:      KindTest,
		StartedAt: time.Now(),
	}

	tasks := make([]task, o.channels.Len())
	for i := range tasks {
		tasks[i] = task{channel: i, seconds: TestPulse.Seconds()}
	}

	o.announce(events.DispenseStarted, rep, "", tasks, nil)
	outcomes := make([]Outcome, len(tasks))
	for i, t := range tasks {
		outcomes[i] = o.actuate(rep.JobID, t)
	}
	rep.fold(outcomes)
	rep.FinishedAt = time.Now()
	o.announce(events.DispenseFinished, rep, "", nil, nil)

	logrus.WithFields(logrus.Fields{
		"jobId":     rep.JobID,
		"completed": rep.Completed,
		"faulted":   rep.Faulted,
	}).Info("relay test finished")

	o.record(&Result{Report: *rep})

	return rep, nil
}

// Clean runs the selected channels, all at once, for their fill delay plus
// marginSec so the whole tube is flushed. No channels means all channels.
func (o *Orchestrator) Clean(marginSec float64, channels []int) (*Report, error) {
	if marginSec < 0 {
		return nil, fmt.Errorf("clean margin must not be negative, got %.2f", marginSec)
	}

	selected, err := o.selectChannels(channels)
	if err != nil {
		return nil, err
	}

	rep := &Report{
		JobID:     uuid.NewString(),
		Kind:      KindClean,
		StartedAt: time.Now(),
	}

	tasks := make([]task, len(selected))
	for i, ch := range selected {
		tasks[i] = task{channel: ch, seconds: o.delays.FillDelay(ch) + marginSec}
	}

	logrus.WithFields(logrus.Fields{
		"jobId":    rep.JobID,
		"channels": selected,
		"margin":   marginSec,
	}).Info("cleaning channels")

	o.announce(events.DispenseStarted, rep, "", tasks, nil)
	rep.fold(o.runConcurrently(rep.JobID, tasks))
	rep.FinishedAt = time.Now()
	o.announce(events.DispenseFinished, rep, "", nil, nil)

	o.record(&Result{Report: *rep})

	return rep, nil
}

func (o *Orchestrator) selectChannels(channels []int) ([]int, error) {
	if len(channels) == 0 {
		all := make([]int, o.channels.Len())
		for i := range all {
			all[i] = i
		}
		return all, nil
	}

	seen := make(map[int]struct{}, len(channels))
	var selected []int
	for _, ch := range channels {
		if _, err := o.channels.Channel(ch); err != nil {
			return nil, err
		}
		if _, ok := seen[ch]; ok {
			continue
		}
		seen[ch] = struct{}{}
		selected = append(selected, ch)
	}
	return selected, nil
}

// runConcurrently starts every task before waiting for any of them.
func (o *Orchestrator) runConcurrently(jobID string, tasks []task) []Outcome {
	outcomes := make([]Outcome, len(tasks))

	var wg conc.WaitGroup
	for i, t := range tasks {
		wg.Go(func() {
			outcomes[i] = o.actuate(jobID, t)
		})
	}
	wg.Wait()

	return outcomes
}

// actuate runs one timed pulse. Faults and panics from the driver end up in
// the outcome.
func (o *Orchestrator) actuate(jobID string, t task) (out Outcome) {
	out = Outcome{
		Channel:    t.channel,
		Ingredient: t.ingredient,
		Seconds:    t.seconds,
	}

	c, err := o.channels.Channel(t.channel)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	out.Line = c.Line()

	defer func() {
		if r := recover(); r != nil {
			_ = c.TurnOff()
			out.Error = fmt.Sprintf("panic: %v", r)
			o.fault(jobID, out)
		}
	}()

	if err := c.TurnOnFor(Seconds(t.seconds)); err != nil {
		out.Error = err.Error()
		o.fault(jobID, out)
	}

	return out
}

func (o *Orchestrator) fault(jobID string, out Outcome) {
	logrus.WithFields(logrus.Fields{
		"jobId":   jobID,
		"channel": out.Channel,
		"line":    out.Line,
	}).Errorf("channel fault: %s", out.Error)

	if o.pub != nil {
		o.pub.Publish(events.ChannelFault, events.ChannelFaultEvent{
			JobID:   jobID,
			Channel: out.Channel,
			Line:    out.Line,
			Error:   out.Error,
			Ts:      time.Now().Unix(),
		})
	}
}

func (o *Orchestrator) announce(name string, rep *Report, recipe string, tasks []task, dropped []string) {
	if o.pub == nil {
		return
	}

	channels := rep.Channels()
	if tasks != nil {
		channels = make([]int, len(tasks))
		for i, t := range tasks {
			channels[i] = t.channel
		}
	}

	o.pub.Publish(name, events.OperationEvent{
		JobID:     rep.JobID,
		Kind:      string(rep.Kind),
		Recipe:    recipe,
		Channels:  channels,
		Completed: rep.Completed,
		Faulted:   rep.Faulted,
		Dropped:   dropped,
		Ts:        time.Now().Unix(),
	})
}

func (o *Orchestrator) record(res *Result) {
	if o.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.recorder.Record(ctx, res); err != nil {
		logrus.WithField("jobId", res.JobID).Warnf("failed to record %s: %v", res.Kind, err)
	}
}
