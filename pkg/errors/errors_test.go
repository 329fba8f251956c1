package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	base := New("boom")

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"generic", base, KindGeneric},
		{"step", NewStepError("s1", "onSubjectUpdate", base), KindStep},
		{"system", NewSystemError("mailbox", ErrInterrupted), KindSystem},
		{"distribution", NewDistributionError("X", base), KindDistribution},
		{"critical", NewCriticalError("cannot continue", base), KindCritical},
		{"critical wrapped in step", NewStepError("s1", "onTickCallback", NewCriticalError("db lost", nil)), KindCritical},
		{"wrapped step", fmt.Errorf("outer: %w", NewStepError("s2", "onRestate", base)), KindStep},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestStepIDAndSubjectType(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NewStepError("step-a", "onSubjectUpdate", ErrNotFound))

	id, ok := StepID(err)
	assert.True(t, ok)
	assert.Equal(t, "step-a", id)
	assert.ErrorIs(t, err, ErrNotFound)

	_, ok = SubjectType(err)
	assert.False(t, ok)

	subject, ok := SubjectType(NewDistributionError("prices", ErrClosed))
	assert.True(t, ok)
	assert.Equal(t, "prices", subject)
}

func TestIsInterrupted(t *testing.T) {
	assert.True(t, IsInterrupted(NewSystemError("mailbox", ErrInterrupted)))
	assert.False(t, IsInterrupted(NewSystemError("tick", ErrClosed)))
}
