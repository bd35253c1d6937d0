package rdt30

import (
	"bytes"
	"fmt"
	"net"
	"testing"
	"time"

	"rdtnet/channel"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("failed to find free port: %v", err)
	}
	defer l.Close()
	return l.LocalAddr().(*net.UDPAddr).Port
}

func messages(n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = []byte(fmt.Sprintf("msg %d", i))
	}
	return out
}

func TestRDT30SurvivesLossBothDirections(t *testing.T) {
	recvPort := freePort(t)
	sendPort := freePort(t)

	ch := channel.New(channel.Config{
		LossRate: 0.15,
		DelayMin: 50 * time.Millisecond,
		DelayMax: 500 * time.Millisecond,
	})

	recv, err := NewReceiver(recvPort, ch)
	if err != nil {
		t.Fatalf("NewReceiver: %v", err)
	}
	defer recv.Stop()

	dest := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: recvPort}
	sender, err := NewSender(sendPort, dest, ch, 2*time.Second)
	if err != nil {
		t.Fatalf("NewSender: %v", err)
	}
	defer sender.Close()

	msgs := messages(10)
	for _, m := range msgs {
		if _, err := sender.Send(m); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	time.Sleep(1 * time.Second)
	got := recv.GetAllMessages()
	if len(got) != len(msgs) {
		t.Fatalf("delivered %d messages, want %d", len(got), len(msgs))
	}
	for i := range msgs {
		if !bytes.Equal(got[i], msgs[i]) {
			t.Errorf("message %d = %q, want %q", i, got[i], msgs[i])
		}
	}
}

func TestRDT30PerfectChannelNoRetransmissions(t *testing.T) {
	recvPort := freePort(t)
	sendPort := freePort(t)

	recv, err := NewReceiver(recvPort, nil)
	if err != nil {
		t.Fatalf("NewReceiver: %v", err)
	}
	defer recv.Stop()

	dest := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: recvPort}
	sender, err := NewSender(sendPort, dest, nil, time.Second)
	if err != nil {
		t.Fatalf("NewSender: %v", err)
	}
	defer sender.Close()

	n, err := sender.Send([]byte("hello"))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if n != 0 {
		t.Errorf("retransmissions = %d, want 0 on a perfect channel", n)
	}
}
