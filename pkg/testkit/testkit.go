// Package testkit drives one run of an algo and blocks until a set of subjects fired.
//
//	res, err := testkit.New().
//		WithAlgo(myAlgo).
//		WithSubject("orders.priced").
//		WithTrigger(func(pub stepping.Publisher) error {
//			return pub.Publish(stepping.SubjectDataArrived, order)
//		}).
//		Run(ctx)
package testkit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/wehubfusion/stepping/pkg/config"
	"github.com/wehubfusion/stepping/pkg/container"
	"github.com/wehubfusion/stepping/pkg/stepping"
)

// CollectorID is the id of the step recording the expected subjects.
const CollectorID = "testkit.collector"

// ErrClosedEarly is returned when the algo closed before every expected subject fired.
var ErrClosedEarly = errors.New("algo closed before all expected subjects fired")

// Trigger feeds input into the running algo
type Trigger func(pub stepping.Publisher) error

// Toolkit builds a single test run.
type Toolkit struct {
	algo     stepping.Algo
	steps    []stepping.Step
	subjects []string
	triggers []Trigger
	logger   *zap.Logger
}

// New creates an empty Toolkit. Without WithAlgo, a default algo holding only the
// steps added through WithStep is used.
func New() *Toolkit {
	return &Toolkit{logger: zap.NewNop()}
}

// WithAlgo sets the algo under test
func (t *Toolkit) WithAlgo(algo stepping.Algo) *Toolkit {
	t.algo = algo
	return t
}

// WithStep registers an extra step next to the algo's own registrations
func (t *Toolkit) WithStep(step stepping.Step) *Toolkit {
	t.steps = append(t.steps, step)
	return t
}

// WithSubject adds subjects that must all fire before Run returns
func (t *Toolkit) WithSubject(subjects ...string) *Toolkit {
	t.subjects = append(t.subjects, subjects...)
	return t
}

// WithTrigger adds a function run once the algo is up
func (t *Toolkit) WithTrigger(trigger Trigger) *Toolkit {
	t.triggers = append(t.triggers, trigger)
	return t
}

// WithLogger sets the logger handed to the runtime
func (t *Toolkit) WithLogger(logger *zap.Logger) *Toolkit {
	if logger != nil {
		t.logger = logger
	}
	return t
}

// Results holds the last Data received per expected subject.
type Results struct {
	data map[string]*stepping.Data
}

// Get returns the last Data published on subject
func (r *Results) Get(subject string) (*stepping.Data, bool) {
	d, ok := r.data[subject]
	return d, ok
}

// Subjects returns the subjects that fired, sorted
func (r *Results) Subjects() []string {
	out := make([]string, 0, len(r.data))
	for s := range r.data {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Run starts the algo, runs the triggers and waits until every expected subject fired,
// ctx is done or the algo closed. The algo is always closed before Run returns.
func (t *Toolkit) Run(ctx context.Context) (*Results, error) {
	if len(t.subjects) == 0 {
		return nil, errors.New("at least one subject is required")
	}

	algo := t.algo
	if algo == nil {
		algo = &defaultAlgo{BaseAlgo: stepping.NewBaseAlgo(nil)}
	}
	c := newCollector(t.subjects)
	wrapped := &testingAlgo{Algo: algo, steps: t.steps, collector: c}

	decorator := stepping.NewAlgoDecorator(wrapped, t.logger)
	defer func() {
		_ = decorator.Close()
		<-decorator.Done()
	}()

	if err := decorator.Init(ctx); err != nil {
		return nil, err
	}
	for _, trigger := range t.triggers {
		if err := trigger(decorator.Publisher()); err != nil {
			return nil, fmt.Errorf("trigger failed: %w", err)
		}
	}

	select {
	case <-c.ready:
		return c.results(), nil
	case err := <-decorator.Fatal():
		return c.results(), err
	case <-decorator.Done():
		// Cancelling ctx closes the algo too
		if ctx.Err() != nil {
			return c.results(), ctx.Err()
		}
		return c.results(), ErrClosedEarly
	case <-ctx.Done():
		return c.results(), ctx.Err()
	}
}

type defaultAlgo struct {
	stepping.BaseAlgo
}

func (a *defaultAlgo) ContainerRegistration() *container.Registrar {
	return container.NewRegistrar()
}

// testingAlgo adds the toolkit steps to the registrations of the algo under test.
type testingAlgo struct {
	stepping.Algo
	steps     []stepping.Step
	collector *collector
}

func (a *testingAlgo) ContainerRegistration() *container.Registrar {
	r := container.NewRegistrar()
	for _, reg := range a.Algo.ContainerRegistration().Registered() {
		if reg.Factory != nil {
			r.AddWithFactory(reg.ID, reg.Object, reg.Factory)
		} else {
			r.Add(reg.ID, reg.Object)
		}
	}
	for _, step := range a.steps {
		r.AddIdentifiable(step)
	}
	return r.AddIdentifiable(a.collector)
}

type collector struct {
	stepping.BaseStep

	subjects []string

	mu      sync.Mutex
	arrived map[string]*stepping.Data
	once    sync.Once
	ready   chan struct{}
}

func newCollector(subjects []string) *collector {
	return &collector{
		BaseStep: stepping.NewBaseStep(CollectorID, config.DefaultStepConfig()),
		subjects: subjects,
		arrived:  make(map[string]*stepping.Data),
		ready:    make(chan struct{}),
	}
}

func (c *collector) ListSubjectsToFollow(f *stepping.Follower) {
	for _, s := range c.subjects {
		f.Follow(s)
	}
}

func (c *collector) OnSubjectUpdate(data *stepping.Data, subjectType string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.arrived[subjectType] = data
	for _, s := range c.subjects {
		if _, ok := c.arrived[s]; !ok {
			return nil
		}
	}
	c.once.Do(func() { close(c.ready) })
	return nil
}

func (c *collector) results() *Results {
	c.mu.Lock()
	defer c.mu.Unlock()
	data := make(map[string]*stepping.Data, len(c.arrived))
	for k, v := range c.arrived {
		data[k] = v
	}
	return &Results{data: data}
}
