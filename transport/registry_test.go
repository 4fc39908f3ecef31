package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fly-cli/flybridge/wire"
)

type stubConn struct{}

func (stubConn) Receive() (*wire.Request, error) { return nil, ErrClosed }
func (stubConn) Send(*wire.Response) error       { return nil }
func (stubConn) Notify(*wire.Notification) error { return nil }
func (stubConn) Close() error                    { return nil }

type stubConfig struct{ limit int }

func (c stubConfig) MessageSizeLimit() int { return c.limit }

func TestRegistryBuildsRegisteredTransport(t *testing.T) {
	reg := NewRegistry()

	var gotLimit int
	reg.Register("stub", func(cfg Config) (Conn, error) {
		gotLimit = cfg.MessageSizeLimit()
		return stubConn{}, nil
	})

	conn, err := reg.Build("stub", stubConfig{limit: 4096})
	require.NoError(t, err)
	require.NotNil(t, conn)
	assert.Equal(t, 4096, gotLimit)
}

func TestRegistryBuildUnknownTransport(t *testing.T) {
	reg := NewRegistry()
	reg.Register("only", func(Config) (Conn, error) { return stubConn{}, nil })

	_, err := reg.Build("missing", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown transport "missing"`)
	assert.Contains(t, err.Error(), "only")
}

func TestRegistryCapabilities(t *testing.T) {
	reg := NewRegistry()
	caps := Capabilities{Name: "stub", Description: "test transport", InProcess: true}
	reg.RegisterWithCapabilities("stub", func(Config) (Conn, error) { return stubConn{}, nil }, caps)

	assert.Equal(t, caps, reg.GetCapabilities("stub"))

	unknown := reg.GetCapabilities("missing")
	assert.Equal(t, "missing", unknown.Name)
	assert.Empty(t, unknown.Description)
}

func TestRegistryNamesSorted(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		reg.Register(name, func(Config) (Conn, error) { return stubConn{}, nil })
	}

	assert.Equal(t, []string{"alpha", "mid", "zeta"}, reg.Names())
	assert.True(t, reg.Has("mid"))
	assert.False(t, reg.Has("omega"))
}
