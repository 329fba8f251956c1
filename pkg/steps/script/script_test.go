package script

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wehubfusion/stepping/pkg/config"
	"github.com/wehubfusion/stepping/pkg/stepping"
	"github.com/wehubfusion/stepping/pkg/testkit"
)

type recordingPublisher struct {
	mu        sync.Mutex
	published map[string]any
}

func (p *recordingPublisher) Publish(subject string, value any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.published == nil {
		p.published = make(map[string]any)
	}
	p.published[subject] = value
	return nil
}

func (p *recordingPublisher) PublishData(subject string, data *stepping.Data) error {
	return p.Publish(subject, data.Value)
}

func (p *recordingPublisher) Reduce(any) error { return nil }

func newInitialized(t *testing.T, cfg Config) (*Step, *recordingPublisher) {
	t.Helper()
	s, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	pub := &recordingPublisher{}
	require.NoError(t, s.Init(nil, pub))
	return s, pub
}

func TestNewRejectsInvalidScripts(t *testing.T) {
	_, err := New(Config{ID: "empty"}, nil)
	assert.Error(t, err)

	_, err = New(Config{ID: "broken", Script: "function ("}, nil)
	var scriptErr *ScriptError
	require.ErrorAs(t, err, &scriptErr)
	assert.Equal(t, ErrorTypeSyntax, scriptErr.Type)
}

func TestInitRequiresUpdateFunction(t *testing.T) {
	s, err := New(Config{ID: "noop", Script: "var x = 1;"}, nil)
	require.NoError(t, err)
	assert.Error(t, s.Init(nil, &recordingPublisher{}))
}

func TestReturnedObjectIsPublished(t *testing.T) {
	s, pub := newInitialized(t, Config{
		ID:     "double",
		Script: `function onSubjectUpdate(subject, value) { return {subject: subject + ".doubled", value: value * 2}; }`,
	})

	require.NoError(t, s.OnSubjectUpdate(stepping.NewData(21), "in"))
	assert.EqualValues(t, 42, pub.published["in.doubled"])
}

func TestPublishFunction(t *testing.T) {
	s, pub := newInitialized(t, Config{
		ID: "fanout",
		Script: `
			function onSubjectUpdate(subject, value) {
				publish("a", value.name);
				publish("b", value.tags.length);
			}`,
	})

	require.NoError(t, s.OnSubjectUpdate(stepping.NewData(map[string]any{"name": "x", "tags": []any{1, 2, 3}}), "in"))
	assert.Equal(t, "x", pub.published["a"])
	assert.EqualValues(t, 3, pub.published["b"])
}

func TestThrownErrorIsReturned(t *testing.T) {
	s, _ := newInitialized(t, Config{
		ID:     "thrower",
		Script: `function onSubjectUpdate() { throw new Error("bad input"); }`,
	})

	err := s.OnSubjectUpdate(stepping.NewData(nil), "in")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad input")
}

func TestTimeoutInterruptsAndRecovers(t *testing.T) {
	s, pub := newInitialized(t, Config{
		ID:      "spin",
		Timeout: 50 * time.Millisecond,
		Script: `
			function onSubjectUpdate(subject, value) {
				if (value === "spin") { while (true) {} }
				return {subject: "ok", value: value};
			}`,
	})

	err := s.OnSubjectUpdate(stepping.NewData("spin"), "in")
	assert.True(t, errors.Is(err, ErrTimeout))

	require.NoError(t, s.OnSubjectUpdate(stepping.NewData("fine"), "in"))
	assert.Equal(t, "fine", pub.published["ok"])
}

func TestSandboxRemovesGlobals(t *testing.T) {
	s, pub := newInitialized(t, Config{
		ID:     "sandbox",
		Script: `function onSubjectUpdate() { return {subject: "t", value: typeof require}; }`,
	})

	require.NoError(t, s.OnSubjectUpdate(stepping.NewData(nil), "in"))
	assert.Equal(t, "undefined", pub.published["t"])
}

func TestOptionalCallbacks(t *testing.T) {
	s, pub := newInitialized(t, Config{
		ID: "ticker",
		Script: `
			var n = 0;
			function onSubjectUpdate() {}
			function onTick() { n++; return {subject: "ticks", value: n}; }`,
	})

	require.NoError(t, s.OnRestate())
	require.NoError(t, s.OnTickCallback())
	require.NoError(t, s.OnTickCallback())
	assert.EqualValues(t, 2, pub.published["ticks"])
}

func TestScriptStepInAlgo(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	nodes := config.DefaultStepConfig().WithNodes(3)
	s, err := New(Config{
		ID:         "pricer",
		Subjects:   []string{"orders"},
		StepConfig: &nodes,
		Script:     `function onSubjectUpdate(subject, order) { return {subject: "priced", value: order.qty * order.price}; }`,
	}, zap.NewNop())
	require.NoError(t, err)

	res, err := testkit.New().
		WithStep(s).
		WithSubject("priced").
		WithTrigger(func(pub stepping.Publisher) error {
			return pub.Publish("orders", map[string]any{"qty": 3, "price": 5})
		}).
		Run(ctx)
	require.NoError(t, err)

	priced, ok := res.Get("priced")
	require.True(t, ok)
	assert.EqualValues(t, 15, priced.Value)
}
