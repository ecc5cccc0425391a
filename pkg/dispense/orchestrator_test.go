package dispense

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapster-pi/tapster/pkg/events"
	"github.com/tapster-pi/tapster/pkg/relay"
)

type fixedDelays []float64

func (f fixedDelays) FillDelay(i int) float64 {
	if i < 0 || i >= len(f) {
		return 0
	}
	return f[i]
}

type memRecorder struct {
	mu      sync.Mutex
	results []*Result
}

func (m *memRecorder) Record(_ context.Context, res *Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, res)
	return nil
}

type memPublisher struct {
	mu    sync.Mutex
	names []string
}

func (m *memPublisher) Publish(name string, _ any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.names = append(m.names, name)
}

// pulseSleeper records pulse durations and ignores the safety buffer.
type pulseSleeper struct {
	mu     sync.Mutex
	pulses []time.Duration
}

func (p *pulseSleeper) sleep(d time.Duration) {
	if d == relay.SafetyBuffer {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pulses = append(p.pulses, d)
}

func newTestOrchestrator(t *testing.T, delays fixedDelays, sleep func(time.Duration), lines ...int) (*Orchestrator, *relay.MockDriver, *memRecorder, *memPublisher) {
	t.Helper()

	drv := relay.NewMockDriver()
	set, err := relay.NewSet(drv, lines, relay.WithSleeper(sleep))
	require.NoError(t, err)
	t.Cleanup(func() { _ = set.Close() })

	rec := &memRecorder{}
	pub := &memPublisher{}
	return NewOrchestrator(set, delays, WithRecorder(rec), WithPublisher(pub)), drv, rec, pub
}

func assertAllOff(t *testing.T, drv *relay.MockDriver, lines ...int) {
	t.Helper()
	for _, l := range lines {
		assert.False(t, drv.IsOn(l), "line %d left on", l)
	}
}

func TestDispenseGinAndTonic(t *testing.T) {
	ps := &pulseSleeper{}
	o, drv, rec, pub := newTestOrchestrator(t, fixedDelays{2.0, 1.0, 0.75}, ps.sleep, 17, 27, 22)

	res, err := o.Dispense(&Recipe{Name: "gin and tonic", Ingredients: []Ingredient{{"gin", 1}, {"tonic water", 3}}})
	require.NoError(t, err)

	assert.Equal(t, KindDispense, res.Kind)
	assert.Equal(t, "gin and tonic", res.Recipe)
	assert.ElementsMatch(t, []int{0, 1}, res.Completed)
	assert.Empty(t, res.Faulted)
	assert.Empty(t, res.Dropped)
	assert.NotNil(t, res.Dropped)
	assert.False(t, res.Overflow())
	assert.True(t, res.OK())

	require.Len(t, res.Outcomes, 2)
	assert.Equal(t, 17, res.Outcomes[0].Line)
	assert.InDelta(t, 20.48, res.Outcomes[0].Seconds, 0.01)
	assert.Equal(t, 27, res.Outcomes[1].Line)
	assert.InDelta(t, Duration(3, 1.0), res.Outcomes[1].Seconds, 1e-9)

	assert.ElementsMatch(t, []time.Duration{Seconds(Duration(1, 2.0)), Seconds(Duration(3, 1.0))}, ps.pulses)

	for _, w := range drv.Writes() {
		if w.Line == 22 {
			assert.False(t, w.On, "idle channel must not be switched on")
		}
	}
	assertAllOff(t, drv, 17, 27, 22)

	require.Len(t, rec.results, 1)
	assert.Equal(t, res.JobID, rec.results[0].JobID)
	assert.Equal(t, []string{events.DispenseStarted, events.DispenseFinished}, pub.names)
}

func TestDispenseGinAndTonicZeroDelays(t *testing.T) {
	ps := &pulseSleeper{}
	o, drv, _, _ := newTestOrchestrator(t, fixedDelays{0, 0, 0}, ps.sleep, 17, 27, 22)

	res, err := o.Dispense(&Recipe{Name: "gin and tonic", Ingredients: []Ingredient{{"gin", 2.0}, {"tonic water", 4.0}}})
	require.NoError(t, err)

	assert.ElementsMatch(t, []int{0, 1}, res.Completed)
	assert.Empty(t, res.Faulted)
	assert.Empty(t, res.Dropped)
	assert.Empty(t, res.Skipped)

	require.Len(t, res.Outcomes, 2)
	assert.Equal(t, "gin", res.Outcomes[0].Ingredient)
	assert.InDelta(t, 36.97, res.Outcomes[0].Seconds, 0.01)
	assert.Equal(t, "tonic water", res.Outcomes[1].Ingredient)
	assert.InDelta(t, 73.94, res.Outcomes[1].Seconds, 0.01)
	assert.NotContains(t, res.Channels(), 2)

	assert.ElementsMatch(t, []time.Duration{Seconds(Duration(2, 0)), Seconds(Duration(4, 0))}, ps.pulses)
	for _, w := range drv.Writes() {
		if w.Line == 22 {
			assert.False(t, w.On, "channel 2 must stay unused")
		}
	}
	assertAllOff(t, drv, 17, 27, 22)
}

func TestDispenseOverflow(t *testing.T) {
	ps := &pulseSleeper{}
	o, drv, _, _ := newTestOrchestrator(t, fixedDelays{0, 0}, ps.sleep, 17, 27)

	res, err := o.Dispense(&Recipe{Name: "long island", Ingredients: []Ingredient{{"vodka", 1}, {"rum", 1}, {"gin", 1}}})
	require.NoError(t, err)

	assert.ElementsMatch(t, []int{0, 1}, res.Completed)
	assert.Equal(t, []string{"gin"}, res.Dropped)
	assert.True(t, res.Overflow())
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], ErrRecipeOverflow.Error())
	assert.Len(t, ps.pulses, 2)
	assertAllOff(t, drv, 17, 27)
}

func TestDispenseFaultDoesNotAbortSiblings(t *testing.T) {
	ps := &pulseSleeper{}
	o, drv, _, pub := newTestOrchestrator(t, fixedDelays{0, 0, 0}, ps.sleep, 17, 27, 22)
	drv.SetFault(27, relay.MockFault{OnErr: errors.New("bus error")})

	res, err := o.Dispense(&Recipe{Name: "three", Ingredients: []Ingredient{{"a", 1}, {"b", 1}, {"c", 1}}})
	require.NoError(t, err)

	assert.ElementsMatch(t, []int{0, 2}, res.Completed)
	assert.Equal(t, []int{1}, res.Faulted)
	assert.False(t, res.OK())
	assert.Contains(t, res.Outcomes[1].Error, "bus error")
	assert.Len(t, ps.pulses, 2)
	assertAllOff(t, drv, 17, 27, 22)
	assert.Contains(t, pub.names, events.ChannelFault)
}

func TestDispenseInvalidRecipe(t *testing.T) {
	o, drv, rec, _ := newTestOrchestrator(t, fixedDelays{0}, func(time.Duration) {}, 17)

	_, err := o.Dispense(&Recipe{Name: "bad", Ingredients: []Ingredient{{"gin", -1}}})
	assert.ErrorIs(t, err, ErrInvalidRecipe)
	assert.Empty(t, rec.results)
	for _, w := range drv.Writes() {
		assert.False(t, w.On)
	}
}

// Every channel must be running before any of them is allowed to finish.
func TestDispenseStartsAllBeforeWaiting(t *testing.T) {
	const n = 3

	var (
		mu      sync.Mutex
		arrived int
		release = make(chan struct{})
		stalled bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sleep := func(d time.Duration) {
		if d == relay.SafetyBuffer {
			return
		}
		mu.Lock()
		arrived++
		if arrived == n {
			close(release)
		}
		mu.Unlock()

		select {
		case <-release:
		case <-ctx.Done():
			mu.Lock()
			stalled = true
			mu.Unlock()
		}
	}

	o, drv, _, _ := newTestOrchestrator(t, fixedDelays{0, 0, 0}, sleep, 17, 27, 22)
	res, err := o.Dispense(&Recipe{Name: "three", Ingredients: []Ingredient{{"a", 1}, {"b", 1}, {"c", 1}}})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.False(t, stalled, "channels were started one after another")
	assert.Equal(t, n, arrived)
	assert.Len(t, res.Completed, n)
	assertAllOff(t, drv, 17, 27, 22)
}

func TestTestAllIsSequential(t *testing.T) {
	var (
		mu      sync.Mutex
		maxSeen int
		drv     *relay.MockDriver
	)
	sleep := func(d time.Duration) {
		if d == relay.SafetyBuffer {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		running := 0
		for _, l := range []int{17, 27, 22} {
			if drv.IsOn(l) {
				running++
			}
		}
		if running > maxSeen {
			maxSeen = running
		}
	}

	o, d, rec, _ := newTestOrchestrator(t, fixedDelays{5, 5, 5}, sleep, 17, 27, 22)
	drv = d

	rep, err := o.TestAll()
	require.NoError(t, err)
	assert.Equal(t, KindTest, rep.Kind)
	assert.Equal(t, []int{0, 1, 2}, rep.Completed)
	for _, out := range rep.Outcomes {
		assert.Equal(t, TestPulse.Seconds(), out.Seconds)
	}
	assert.Equal(t, 1, maxSeen)
	assertAllOff(t, drv, 17, 27, 22)
	require.Len(t, rec.results, 1)
	assert.Equal(t, KindTest, rec.results[0].Kind)
}

func TestClean(t *testing.T) {
	ps := &pulseSleeper{}
	o, drv, _, _ := newTestOrchestrator(t, fixedDelays{2.0, 1.0, 0.75}, ps.sleep, 17, 27, 22)

	rep, err := o.Clean(DefaultCleanMargin, nil)
	require.NoError(t, err)
	assert.Equal(t, KindClean, rep.Kind)
	assert.ElementsMatch(t, []int{0, 1, 2}, rep.Completed)
	assert.ElementsMatch(t, []time.Duration{3 * time.Second, 2 * time.Second, 1750 * time.Millisecond}, ps.pulses)
	assertAllOff(t, drv, 17, 27, 22)
}

func TestCleanSubset(t *testing.T) {
	ps := &pulseSleeper{}
	o, drv, _, _ := newTestOrchestrator(t, fixedDelays{2.0, 1.0, 0.75}, ps.sleep, 17, 27, 22)

	rep, err := o.Clean(0, []int{2, 0, 2})
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{0, 2}, rep.Completed)
	assert.ElementsMatch(t, []time.Duration{2 * time.Second, 750 * time.Millisecond}, ps.pulses)
	for _, w := range drv.Writes() {
		if w.Line == 27 {
			assert.False(t, w.On)
		}
	}
}

func TestCleanRejectsBadInput(t *testing.T) {
	o, _, rec, _ := newTestOrchestrator(t, fixedDelays{0, 0}, func(time.Duration) {}, 17, 27)

	_, err := o.Clean(1, []int{5})
	assert.ErrorIs(t, err, relay.ErrUnknownChannel)

	_, err = o.Clean(-1, nil)
	assert.Error(t, err)

	assert.Empty(t, rec.results)
}
