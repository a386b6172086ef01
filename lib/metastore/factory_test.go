package metastore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRegistryNames(t *testing.T) {
	assert.Equal(t, []string{ImplEmbedded, ImplRemote}, DefaultRegistry.Names())
}

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry()
	ctor := func(ctx context.Context, conf Conf) (Client, error) { return newFakeClient(), nil }

	require.NoError(t, r.Register("fake", ctor))
	assert.Error(t, r.Register("fake", ctor), "duplicate name")
	assert.Error(t, r.Register("", ctor))
	assert.Error(t, r.Register("nil", nil))
	assert.Equal(t, []string{"fake"}, r.Names())
}

func TestRegistryCreateClient(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	want := newFakeClient()
	require.NoError(t, r.Register(DefaultImpl, func(ctx context.Context, conf Conf) (Client, error) {
		return want, nil
	}))

	got, err := r.CreateClient(ctx, Conf{}, "")
	require.NoError(t, err)
	assert.Same(t, want, got.(*fakeClient))

	_, err = r.CreateClient(ctx, Conf{}, "missing")
	var inst *InstantiationError
	require.ErrorAs(t, err, &inst)
	assert.Equal(t, "missing", inst.Impl)
	assert.ErrorIs(t, err, ErrUnknownImplementation)
}

func TestRegistryWrapsConstructorErrors(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	meta := &MetaError{Message: "bad credentials"}
	require.NoError(t, r.Register("meta", func(ctx context.Context, conf Conf) (Client, error) {
		return nil, meta
	}))

	_, err := r.CreateClient(ctx, Conf{}, "meta")
	var inst *InstantiationError
	require.ErrorAs(t, err, &inst)
	assert.Same(t, meta, inst.Err)
	assert.Contains(t, err.Error(), `cannot instantiate "meta" client`)
}

func TestRegistryClosesHalfBuiltClient(t *testing.T) {
	r := NewRegistry()
	half := newFakeClient()
	require.NoError(t, r.Register("half", func(ctx context.Context, conf Conf) (Client, error) {
		return half, errors.New("auth handshake failed")
	}))

	client, err := r.CreateClient(context.Background(), Conf{}, "half")
	assert.Nil(t, client)
	require.Error(t, err)
	assert.Equal(t, 1, half.closeCalls)
}

func TestRegistryRecoversPanic(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("panics", func(ctx context.Context, conf Conf) (Client, error) {
		panic("nil map write")
	}))

	client, err := r.CreateClient(context.Background(), Conf{}, "panics")
	assert.Nil(t, client)
	var inst *InstantiationError
	require.ErrorAs(t, err, &inst)
	assert.Contains(t, err.Error(), "nil map write")
}

func TestRegistryRejectsNilClient(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("nil", func(ctx context.Context, conf Conf) (Client, error) {
		return nil, nil
	}))

	_, err := r.CreateClient(context.Background(), Conf{}, "nil")
	var inst *InstantiationError
	assert.ErrorAs(t, err, &inst)
}
