package stream

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rdtnet/channel"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	defer l.Close()
	return l.LocalAddr().(*net.UDPAddr).Port
}

func waitForDelivered(t *testing.T, ep *Endpoint, want []byte, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var got []byte
	for time.Now().Before(deadline) {
		got = append(got, ep.Recv(1<<20)...)
		if bytes.Equal(got, want) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.Equal(t, want, got)
}

func connectPair(t *testing.T, ch *channel.UnreliableChannel) (client, server *Endpoint) {
	t.Helper()
	serverPort := freePort(t)
	clientPort := freePort(t)

	srv, err := NewEndpoint(serverPort, ch)
	require.NoError(t, err)
	require.NoError(t, srv.Listen())

	cli, err := NewEndpoint(clientPort, ch)
	require.NoError(t, err)

	accepted := make(chan *Endpoint, 1)
	go func() {
		conn, err := srv.Accept(5 * time.Second)
		require.NoError(t, err)
		accepted <- conn
	}()

	dest := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: serverPort}
	require.NoError(t, cli.Connect(dest))

	select {
	case s := <-accepted:
		return cli, s
	case <-time.After(5 * time.Second):
		t.Fatal("server never accepted the handshake")
		return nil, nil
	}
}

func TestStreamHandshakeNoLoss(t *testing.T) {
	cli, srv := connectPair(t, nil)
	defer cli.Close(time.Second)
	defer srv.Close(time.Second)

	require.Equal(t, StateEstablished, cli.localState())
	require.Equal(t, StateEstablished, srv.localState())
}

func TestStreamTransferNoLoss(t *testing.T) {
	cli, srv := connectPair(t, nil)
	defer cli.Close(2 * time.Second)
	defer srv.Close(2 * time.Second)

	payload := bytes.Repeat([]byte("C"), 10240)
	require.NoError(t, cli.Send(payload))

	waitForDelivered(t, srv, payload, 5*time.Second)
}

func TestStreamTransferWithLoss(t *testing.T) {
	ch := channel.New(channel.Config{LossRate: 0.20})
	cli, srv := connectPair(t, ch)
	defer cli.Close(5 * time.Second)
	defer srv.Close(5 * time.Second)

	payload := bytes.Repeat([]byte("B"), 50000)
	done := make(chan error, 1)
	go func() { done <- cli.Send(payload) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(20 * time.Second):
		t.Fatal("Send did not complete within 20s under 20% loss")
	}

	waitForDelivered(t, srv, payload, 15*time.Second)
}

func TestStreamSegmentRetiredOnlyWhenAcked(t *testing.T) {
	cli, srv := connectPair(t, nil)
	defer cli.Close(2 * time.Second)
	defer srv.Close(2 * time.Second)

	require.NoError(t, cli.Send([]byte("hello")))
	waitForDelivered(t, srv, []byte("hello"), 2*time.Second)

	deadline := time.Now().Add(time.Second)
	for cli.sendBufLen() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, 0, cli.sendBufLen(), "every segment should retire once its bytes are covered by the peer's ack")
}

func TestStreamActiveCloseReachesClosed(t *testing.T) {
	cli, srv := connectPair(t, nil)

	clientDone := make(chan error, 1)
	go func() { clientDone <- cli.Close(3 * time.Second) }()

	// The server answers the incoming FIN by moving to CLOSE_WAIT on
	// its own, then performs the passive close once it notices.
	deadline := time.Now().Add(3 * time.Second)
	for srv.localState() != StateCloseWait && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, StateCloseWait, srv.localState())
	require.NoError(t, srv.Close(3*time.Second))

	require.NoError(t, <-clientDone)
	require.Equal(t, StateClosed, cli.localState())
}
