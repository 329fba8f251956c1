package stepping

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wehubfusion/stepping/pkg/config"
	"github.com/wehubfusion/stepping/pkg/container"
)

// recordStep records every update it receives.
type recordStep struct {
	BaseStep

	subjects []string
	onUpdate func(s *recordStep, data *Data, subjectType string) error
	onTick   func() error

	mu       sync.Mutex
	received []string
	payloads []*Data

	ticks    atomic.Int32
	restated atomic.Bool
	killed   atomic.Int32
}

func newRecordStep(id string, cfg *config.StepConfig, subjects ...string) *recordStep {
	return &recordStep{
		BaseStep: NewBaseStep(id, cfg),
		subjects: subjects,
	}
}

func (s *recordStep) ListSubjectsToFollow(f *Follower) {
	for _, subject := range s.subjects {
		f.Follow(subject)
	}
}

func (s *recordStep) OnSubjectUpdate(data *Data, subjectType string) error {
	s.mu.Lock()
	s.received = append(s.received, fmt.Sprintf("%s:%v", subjectType, data.Value))
	s.payloads = append(s.payloads, data)
	s.mu.Unlock()

	if s.onUpdate != nil {
		return s.onUpdate(s, data, subjectType)
	}
	return nil
}

func (s *recordStep) OnTickCallback() error {
	s.ticks.Add(1)
	if s.onTick != nil {
		return s.onTick()
	}
	return nil
}

func (s *recordStep) OnRestate() error {
	s.restated.Store(true)
	return nil
}

func (s *recordStep) OnKill() error {
	s.killed.Add(1)
	return nil
}

func (s *recordStep) NewInstance() Step {
	dup := newRecordStep("", s.Config(), s.subjects...)
	dup.onUpdate = s.onUpdate
	return dup
}

func (s *recordStep) Received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.received))
	copy(out, s.received)
	return out
}

func (s *recordStep) Payloads() []*Data {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Data, len(s.payloads))
	copy(out, s.payloads)
	return out
}

// testAlgo registers whatever the test puts in its registrar.
type testAlgo struct {
	BaseAlgo
	registrar  *container.Registrar
	initCalled atomic.Bool
	ticks      atomic.Int32
}

func newTestAlgo(cfg *config.AlgoConfig) *testAlgo {
	return &testAlgo{
		BaseAlgo:  NewBaseAlgo(cfg),
		registrar: container.NewRegistrar(),
	}
}

func (a *testAlgo) ContainerRegistration() *container.Registrar {
	return a.registrar
}

func (a *testAlgo) Init() error {
	a.initCalled.Store(true)
	return nil
}

func (a *testAlgo) OnTickCallback() error {
	a.ticks.Add(1)
	return nil
}

func startAlgo(t *testing.T, algo Algo) *AlgoDecorator {
	t.Helper()
	a := NewAlgoDecorator(algo, zap.NewNop())
	require.NoError(t, a.Init(context.Background()))
	t.Cleanup(func() {
		_ = a.Close()
		waitDone(t, a)
	})
	return a
}

func waitDone(t *testing.T, a *AlgoDecorator) {
	t.Helper()
	select {
	case <-a.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("algo did not finish closing")
	}
}

// newLooseDecorator builds an initialized decorator outside of an algo.
func newLooseDecorator(t *testing.T, step Step) (*StepDecorator, *container.Container) {
	t.Helper()
	c := container.New()
	d := NewStepDecorator(step, zap.NewNop())
	require.NoError(t, d.SetAlgoConfig(config.DefaultAlgoConfig()))
	require.NoError(t, d.Init(c, NewShouter(context.Background(), c, zap.NewNop())))
	return d, c
}
