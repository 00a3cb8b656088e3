package portprobe

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve_ReturnsDesiredWhenFree(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	got, err := Resolve(port, nil)
	require.NoError(t, err)
	assert.Equal(t, port, got)
}

func TestResolve_StepsForwardWhenDesiredIsTaken(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	got, err := Resolve(port, nil)
	require.NoError(t, err)
	assert.Greater(t, got, port)
}
