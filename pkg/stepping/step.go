package stepping

import (
	"github.com/wehubfusion/stepping/pkg/config"
	"github.com/wehubfusion/stepping/pkg/container"
)

// Step is a unit of user logic. Its callbacks are only ever invoked from the worker
// goroutine of its StepDecorator, except OnRestate which runs during setup and OnKill
// which runs during shutdown.
type Step interface {
	container.Identifiable

	// SetID must make ID return id afterwards
	SetID(id string)

	// Init binds the step to the container and its publisher
	Init(c *container.Container, pub Publisher) error

	// FollowsSubject filters subjects when the step follows everything
	FollowsSubject(subjectType string) bool

	// ListSubjectsToFollow adds explicit subjects to f. Leave f empty to follow all subjects.
	ListSubjectsToFollow(f *Follower)

	OnSubjectUpdate(data *Data, subjectType string) error
	OnTickCallback() error
	OnRestate() error
	OnKill() error

	// Config must not return nil
	Config() *config.StepConfig
}

// Cloner is implemented by steps able to build fresh instances of themselves for
// duplication when no factory was registered.
type Cloner interface {
	NewInstance() Step
}

// Algo is the user-supplied algorithm definition.
type Algo interface {
	// Init runs once the topology is up and every worker is running
	Init() error

	// ContainerRegistration declares the steps, subjects and other objects of the algo
	ContainerRegistration() *container.Registrar

	// Config must not return nil
	Config() *config.AlgoConfig

	OnTickCallback() error

	// SetContainer hands the populated container to the algo
	SetContainer(c *container.Container)

	// SetPublisher hands the global publisher to the algo
	SetPublisher(pub Publisher)
}

// BaseStep implements every Step method with a no-op so steps only override what they need.
// A BaseStep follows every subject unless ListSubjectsToFollow is overridden.
type BaseStep struct {
	id        string
	config    *config.StepConfig
	container *container.Container
	publisher Publisher
}

// NewBaseStep creates a BaseStep with id and cfg. A nil cfg means DefaultStepConfig.
func NewBaseStep(id string, cfg *config.StepConfig) BaseStep {
	if cfg == nil {
		cfg = config.DefaultStepConfig()
	}
	return BaseStep{id: id, config: cfg}
}

func (b *BaseStep) ID() string {
	return b.id
}

func (b *BaseStep) SetID(id string) {
	b.id = id
}

func (b *BaseStep) Init(c *container.Container, pub Publisher) error {
	b.container = c
	b.publisher = pub
	return nil
}

func (b *BaseStep) FollowsSubject(string) bool {
	return true
}

func (b *BaseStep) ListSubjectsToFollow(*Follower) {}

func (b *BaseStep) OnSubjectUpdate(*Data, string) error {
	return nil
}

func (b *BaseStep) OnTickCallback() error {
	return nil
}

func (b *BaseStep) OnRestate() error {
	return nil
}

func (b *BaseStep) OnKill() error {
	return nil
}

func (b *BaseStep) Config() *config.StepConfig {
	if b.config == nil {
		b.config = config.DefaultStepConfig()
	}
	return b.config
}

// SetConfig replaces the step configuration. Only valid before the algo starts.
func (b *BaseStep) SetConfig(cfg *config.StepConfig) {
	b.config = cfg
}

// Container returns the container bound in Init
func (b *BaseStep) Container() *container.Container {
	return b.container
}

// Publisher returns the publisher bound in Init
func (b *BaseStep) Publisher() Publisher {
	return b.publisher
}

// BaseAlgo implements the optional parts of Algo.
type BaseAlgo struct {
	config    *config.AlgoConfig
	container *container.Container
	publisher Publisher
}

// NewBaseAlgo creates a BaseAlgo. A nil cfg means DefaultAlgoConfig.
func NewBaseAlgo(cfg *config.AlgoConfig) BaseAlgo {
	if cfg == nil {
		cfg = config.DefaultAlgoConfig()
	}
	return BaseAlgo{config: cfg}
}

func (a *BaseAlgo) Init() error {
	return nil
}

func (a *BaseAlgo) Config() *config.AlgoConfig {
	if a.config == nil {
		a.config = config.DefaultAlgoConfig()
	}
	return a.config
}

func (a *BaseAlgo) OnTickCallback() error {
	return nil
}

func (a *BaseAlgo) SetContainer(c *container.Container) {
	a.container = c
}

func (a *BaseAlgo) SetPublisher(pub Publisher) {
	a.publisher = pub
}

// Container returns the container handed over by the runtime
func (a *BaseAlgo) Container() *container.Container {
	return a.container
}

// Publisher returns the global publisher handed over by the runtime
func (a *BaseAlgo) Publisher() Publisher {
	return a.publisher
}
