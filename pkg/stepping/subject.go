package stepping

import (
	"context"
	"slices"
	"sync"

	sterrors "github.com/wehubfusion/stepping/pkg/errors"
)

// Subject is a named broadcast channel. Followers are attached during setup and
// every published Data is queued into each follower's mailbox.
type Subject struct {
	subjectType string

	mu        sync.RWMutex
	followers []*StepDecorator
}

// NewSubject creates a subject with no followers
func NewSubject(subjectType string) *Subject {
	return &Subject{subjectType: subjectType}
}

// ID returns the subject type; subjects are registered under it.
func (s *Subject) ID() string {
	return s.subjectType
}

// Type returns the subject type
func (s *Subject) Type() string {
	return s.subjectType
}

// Attach adds d to the followers. Attaching the same decorator twice is a no-op.
func (s *Subject) Attach(d *StepDecorator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slices.Contains(s.followers, d) {
		return
	}
	s.followers = append(s.followers, d)
}

// Followers returns a snapshot of the attached decorators
func (s *Subject) Followers() []*StepDecorator {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*StepDecorator, len(s.followers))
	copy(out, s.followers)
	return out
}

// Publish queues data into every follower's mailbox. It blocks only while a bounded
// mailbox is full. Every follower is tried; failures are joined into one DistributionError.
func (s *Subject) Publish(ctx context.Context, data *Data) error {
	var errs []error
	for _, f := range s.Followers() {
		if err := f.QueueSubjectUpdate(ctx, data, s.subjectType); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return sterrors.NewDistributionError(s.subjectType, sterrors.Join(errs...))
	}
	return nil
}

// Follower is the list of subject types a step wants to receive. An empty Follower
// means the step follows every subject.
type Follower struct {
	subjects []string
}

// NewFollower creates an empty follower
func NewFollower() *Follower {
	return &Follower{}
}

// Follow adds subjectType. Duplicates are ignored.
func (f *Follower) Follow(subjectType string) *Follower {
	if !slices.Contains(f.subjects, subjectType) {
		f.subjects = append(f.subjects, subjectType)
	}
	return f
}

// Subjects returns a copy of the followed subject types in declaration order
func (f *Follower) Subjects() []string {
	return slices.Clone(f.subjects)
}

// Contains reports whether subjectType is followed explicitly
func (f *Follower) Contains(subjectType string) bool {
	return slices.Contains(f.subjects, subjectType)
}

// Len returns the number of followed subjects
func (f *Follower) Len() int {
	return len(f.subjects)
}
