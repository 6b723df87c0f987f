//go:build linux

package statusapi

import (
	"net"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetPeerCredentials_ReturnsOwnUID(t *testing.T) {
	dir := t.TempDir()
	ln, err := net.Listen("unix", dir+"/test.sock")
	require.NoError(t, err)
	defer ln.Close()

	connCh := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		require.NoError(t, err)
		connCh <- c
	}()

	cliConn, err := net.Dial("unix", dir+"/test.sock")
	require.NoError(t, err)
	defer cliConn.Close()

	srvConn := <-connCh
	defer srvConn.Close()

	cred, err := GetPeerCredentials(srvConn)
	require.NoError(t, err)
	require.Equal(t, uint32(os.Getuid()), cred.UID)
}

func TestGetPeerCredentials_RejectsNonUnixConn(t *testing.T) {
	_, client := net.Pipe()
	defer client.Close()

	_, err := GetPeerCredentials(client)
	require.Error(t, err)
}
