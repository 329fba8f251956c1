package container

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sterrors "github.com/wehubfusion/stepping/pkg/errors"
)

type named interface {
	Name() string
}

type alpha struct{ id string }

func (a *alpha) ID() string   { return a.id }
func (a *alpha) Name() string { return "alpha-" + a.id }

type beta struct{}

func TestAddRejectsDuplicates(t *testing.T) {
	c := New()

	require.NoError(t, c.Add("a", &alpha{id: "a"}))
	err := c.Add("a", &beta{})
	require.Error(t, err)
	assert.ErrorIs(t, err, sterrors.ErrDuplicateID)

	obj, ok := c.GetByID("a")
	require.True(t, ok)
	assert.IsType(t, &alpha{}, obj)
}

func TestAddRejectsEmptyIDAndNil(t *testing.T) {
	c := New()
	assert.Error(t, c.Add("", &beta{}))
	assert.Error(t, c.Add("x", nil))
	assert.Equal(t, 0, c.Len())
}

func TestAddIdentifiable(t *testing.T) {
	c := New()
	require.NoError(t, c.AddIdentifiable(&alpha{id: "self"}))

	got, ok := Get[*alpha](c, "self")
	require.True(t, ok)
	assert.Equal(t, "self", got.ID())
}

func TestSetReplacesInPlace(t *testing.T) {
	c := New()
	require.NoError(t, c.Add("first", &beta{}))
	require.NoError(t, c.Add("second", &beta{}))

	c.Set("first", &alpha{id: "first"})

	assert.Equal(t, []string{"first", "second"}, c.IDs())
	_, ok := Get[*alpha](c, "first")
	assert.True(t, ok)
}

func TestGetWrongType(t *testing.T) {
	c := New()
	require.NoError(t, c.Add("b", &beta{}))

	_, ok := Get[*alpha](c, "b")
	assert.False(t, ok)

	_, ok = Get[*alpha](c, "missing")
	assert.False(t, ok)
}

func TestSonsOfKeepsRegistrationOrder(t *testing.T) {
	c := New()
	require.NoError(t, c.Add("a3", &alpha{id: "a3"}))
	require.NoError(t, c.Add("b1", &beta{}))
	require.NoError(t, c.Add("a1", &alpha{id: "a1"}))
	require.NoError(t, c.Add("a2", &alpha{id: "a2"}))

	names := SonsOf[named](c)
	require.Len(t, names, 3)
	assert.Equal(t, "alpha-a3", names[0].Name())
	assert.Equal(t, "alpha-a1", names[1].Name())
	assert.Equal(t, "alpha-a2", names[2].Name())

	assert.Len(t, SonsOf[*beta](c), 1)
	assert.Empty(t, SonsOf[fmt.Stringer](c))
}

func TestConcurrentReads(t *testing.T) {
	c := New()
	for i := 0; i < 50; i++ {
		require.NoError(t, c.Add(fmt.Sprintf("a%d", i), &alpha{id: fmt.Sprint(i)}))
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				assert.Len(t, SonsOf[*alpha](c), 50)
				_, ok := c.GetByID("a10")
				assert.True(t, ok)
			}
		}()
	}
	wg.Wait()
}

func TestRegistrar(t *testing.T) {
	r := NewRegistrar().
		Add("x", &beta{}).
		AddIdentifiable(&alpha{id: "y"}).
		AddWithFactory("z", &alpha{id: "z"}, func() any { return &alpha{} })

	regs := r.Registered()
	require.Len(t, regs, 3)
	assert.Equal(t, "x", regs[0].ID)
	assert.Equal(t, "y", regs[1].ID)
	assert.Nil(t, regs[1].Factory)
	require.NotNil(t, regs[2].Factory)
	assert.IsType(t, &alpha{}, regs[2].Factory())

	var nilRegistrar *Registrar
	assert.Equal(t, 0, nilRegistrar.Len())
	assert.Nil(t, nilRegistrar.Registered())
}
