package stepping

import (
	"context"

	"go.uber.org/zap"

	"github.com/wehubfusion/stepping/pkg/container"
	sterrors "github.com/wehubfusion/stepping/pkg/errors"
)

// Publisher publishes values to subjects.
type Publisher interface {
	// Publish wraps value in a new Data and publishes it to subjectType
	Publish(subjectType string, value any) error

	// PublishData publishes data to subjectType
	PublishData(subjectType string, data *Data) error

	// Reduce sends value as this node's partial result to the configured reducer
	Reduce(value any) error
}

// Shouter is the global publisher. It resolves subjects through the container.
type Shouter struct {
	ctx       context.Context
	container *container.Container
	logger    *zap.Logger
}

// NewShouter creates a publisher over c. Publishing blocked on a full mailbox gives up
// when ctx is done.
func NewShouter(ctx context.Context, c *container.Container, logger *zap.Logger) *Shouter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Shouter{ctx: ctx, container: c, logger: logger}
}

// ID returns the built-in shouter id
func (s *Shouter) ID() string {
	return BuiltinShouter
}

// Publish wraps value in a new Data and publishes it to subjectType
func (s *Shouter) Publish(subjectType string, value any) error {
	return s.PublishData(subjectType, NewData(value))
}

// PublishData publishes data to subjectType. The subject must exist.
func (s *Shouter) PublishData(subjectType string, data *Data) error {
	subject, ok := container.Get[*Subject](s.container, subjectType)
	if !ok {
		return sterrors.NewDistributionError(subjectType, sterrors.ErrSubjectNotFound)
	}
	if err := subject.Publish(s.ctx, data); err != nil {
		s.logger.Error("Failed distributing subject",
			zap.String("subject", subjectType),
			zap.Error(err))
		return err
	}
	return nil
}

// Reduce is not available on the global publisher; only steps have a reducer.
func (s *Shouter) Reduce(any) error {
	return sterrors.ErrNoReducer
}

// stepPublisher is the publisher handed to one step. It adds Reduce on top of the shouter.
type stepPublisher struct {
	*Shouter
	decorator *StepDecorator
}

// Reduce queues value as a partial result into the reducer's mailbox. The reducer
// receives one aggregated Data once every node of this step has reduced.
func (p *stepPublisher) Reduce(value any) error {
	d := p.decorator
	reducerID := d.config.ReducerID
	if reducerID == "" {
		return sterrors.NewStepError(d.step.ID(), "Reduce", sterrors.ErrNoReducer)
	}

	reducer, ok := container.Get[*StepDecorator](p.container, decoratorID(reducerID))
	if !ok {
		reducer, ok = container.Get[*StepDecorator](p.container, reducerID)
	}
	if !ok {
		return sterrors.NewStepError(d.step.ID(), "Reduce",
			sterrors.Join(sterrors.ErrNotFound, sterrors.New("reducer "+reducerID)))
	}

	data := NewData(value).
		SetMetadata(MetaNumOfNodes, d.config.Nodes()).
		SetMetadata(MetaSourceStep, d.step.ID())
	return reducer.QueueSubjectUpdate(p.ctx, data, ReduceSubject(d.distributionNodeID))
}
