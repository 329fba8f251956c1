package stepping

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sterrors "github.com/wehubfusion/stepping/pkg/errors"
)

func TestSubjectAttachIsIdempotent(t *testing.T) {
	d, _ := newLooseDecorator(t, newRecordStep("s", nil))
	s := NewSubject("X")

	s.Attach(d)
	s.Attach(d)
	assert.Len(t, s.Followers(), 1)
	assert.Equal(t, "X", s.ID())
}

func TestSubjectPublishQueuesIntoEveryFollower(t *testing.T) {
	d1, _ := newLooseDecorator(t, newRecordStep("a", nil))
	d2, _ := newLooseDecorator(t, newRecordStep("b", nil))
	s := NewSubject("X")
	s.Attach(d1)
	s.Attach(d2)

	require.NoError(t, s.Publish(context.Background(), NewData(1)))
	assert.Equal(t, 1, d1.Pending())
	assert.Equal(t, 1, d2.Pending())
}

func TestSubjectPublishUninitializedFollower(t *testing.T) {
	s := NewSubject("X")
	s.Attach(NewStepDecorator(newRecordStep("raw", nil), nil))

	err := s.Publish(context.Background(), NewData(1))
	require.Error(t, err)
	subject, ok := sterrors.SubjectType(err)
	require.True(t, ok)
	assert.Equal(t, "X", subject)
}

func TestFollower(t *testing.T) {
	f := NewFollower().Follow("a").Follow("b").Follow("a")
	assert.Equal(t, []string{"a", "b"}, f.Subjects())
	assert.Equal(t, 2, f.Len())
	assert.True(t, f.Contains("b"))
	assert.False(t, f.Contains("c"))
}

func TestDataMetadataAndPartials(t *testing.T) {
	d := NewData("v").SetMetadata(MetaNumOfNodes, 3)
	assert.NotEmpty(t, d.ID)

	n, ok := d.Metadata(MetaNumOfNodes)
	require.True(t, ok)
	assert.Equal(t, 3, n)

	_, ok = d.Metadata("missing")
	assert.False(t, ok)
	assert.Nil(t, d.Partials())

	agg := NewData([]*Data{NewData(1), NewData(2)})
	assert.Len(t, agg.Partials(), 2)
	assert.NotEqual(t, NewData(nil).ID, NewData(nil).ID)
}
