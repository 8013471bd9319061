package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orrn/printfarm/internal/logging"
	"github.com/orrn/printfarm/internal/transport/transporttest"
)

func TestRegistry(t *testing.T) {
	pool := transporttest.NewPool(nil)
	reg := NewRegistry()
	newSession := func(id PrinterID) *Session {
		return NewSession(id, "/dev/"+string(id), pool.Opener(), testOptions(), nil, logging.Discard())
	}

	b := newSession("b")
	require.NoError(t, reg.Add(b))
	require.NoError(t, reg.Add(newSession("a")))
	assert.ErrorIs(t, reg.Add(newSession("b")), ErrAlreadyExists)

	assert.Equal(t, []PrinterID{"a", "b"}, reg.List())
	assert.Equal(t, 2, reg.Len())

	got, err := reg.Get("b")
	require.NoError(t, err)
	assert.Same(t, b, got)

	_, err = reg.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	removed, err := reg.Remove("b")
	require.NoError(t, err)
	assert.Same(t, b, removed)
	_, err = reg.Remove("b")
	assert.ErrorIs(t, err, ErrNotFound)

	reg.Close()
	assert.Zero(t, reg.Len())
}

func TestRegistryKeepsRetiredIDsBoundToTheirDevice(t *testing.T) {
	pool := transporttest.NewPool(nil)
	reg := NewRegistry()
	newSession := func(id PrinterID, endpoint string) *Session {
		return NewSession(id, endpoint, pool.Opener(), testOptions(), nil, logging.Discard())
	}

	require.NoError(t, reg.Add(newSession("mk3", "/dev/ttyACM0")))
	_, err := reg.Remove("mk3")
	require.NoError(t, err)

	assert.ErrorIs(t, reg.Add(newSession("mk3", "/dev/ttyACM1")), ErrIDReused)
	assert.ErrorIs(t, reg.Add(newSession("mk3", "tcp://10.0.0.3:23")), ErrIDReused)
	assert.Zero(t, reg.Len())

	require.NoError(t, reg.Add(newSession("mk3", "serial:///dev/ttyACM0?baud=250000")), "same device, other spelling")

	require.NoError(t, reg.Add(newSession("ender", "/dev/ttyUSB0")))
	reg.Close()
	assert.ErrorIs(t, reg.Add(newSession("ender", "/dev/ttyUSB1")), ErrIDReused)
}
