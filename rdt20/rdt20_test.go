package rdt20

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

func TestRDT20PerfectChannel(t *testing.T) {
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

	msgs := messages(10)
	totalRetrans := 0
	for _, m := range msgs {
		n, err := sender.Send(m)
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
		totalRetrans += n
	}

	time.Sleep(100 * time.Millisecond)
	got := recv.GetAllMessages()
	if len(got) != len(msgs) {
		t.Fatalf("delivered %d messages, want %d", len(got), len(msgs))
	}
	for i := range msgs {
		if !bytes.Equal(got[i], msgs[i]) {
			t.Errorf("message %d = %q, want %q", i, got[i], msgs[i])
		}
	}
	if totalRetrans != 0 {
		t.Errorf("retransmissions = %d, want 0 on a perfect channel", totalRetrans)
	}
}

func TestRDT20WithCorruption(t *testing.T) {
	recvPort := freePort(t)
	sendPort := freePort(t)

	ch := channel.New(channel.Config{
		CorruptRate: 0.3,
		DelayMin:    10 * time.Millisecond,
		DelayMax:    50 * time.Millisecond,
	})

	recv, err := NewReceiver(recvPort, ch)
	if err != nil {
		t.Fatalf("NewReceiver: %v", err)
	}
	defer recv.Stop()

	dest := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: recvPort}
	sender, err := NewSender(sendPort, dest, ch, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("NewSender: %v", err)
	}
	defer sender.Close()

	msgs := messages(10)
	totalRetrans := 0
	for _, m := range msgs {
		n, err := sender.Send(m)
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
		totalRetrans += n
	}

	time.Sleep(300 * time.Millisecond)
	got := recv.GetAllMessages()
	if len(got) != len(msgs) {
		t.Fatalf("delivered %d messages, want %d", len(got), len(msgs))
	}
	for i := range msgs {
		if !bytes.Equal(got[i], msgs[i]) {
			t.Errorf("message %d = %q, want %q", i, got[i], msgs[i])
		}
	}
	if totalRetrans == 0 {
		t.Errorf("retransmissions = 0, want > 0 under 30%% corruption")
	}
}

func TestRDT20DuplicateDeliveryRequiresDistinctFingerprint(t *testing.T) {
	recvPort := freePort(t)
	recv, err := NewReceiver(recvPort, nil)
	if err != nil {
		t.Fatalf("NewReceiver: %v", err)
	}
	defer recv.Stop()

	// Deliver the same payload twice to the receiver directly by
	// sending it twice over the wire; the second send should be
	// recognized as a duplicate (identical payload+checksum) and not
	// re-appended to the buffer.
	sendPort := freePort(t)
	dest := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: recvPort}
	sender, err := NewSender(sendPort, dest, nil, time.Second)
	if err != nil {
		t.Fatalf("NewSender: %v", err)
	}
	defer sender.Close()

	if _, err := sender.Send([]byte("repeat")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	got := recv.GetAllMessages()
	if len(got) != 1 {
		t.Fatalf("delivered %d messages on first send, want 1", len(got))
	}

	if _, err := sender.Send([]byte("repeat")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	got = recv.GetAllMessages()
	if len(got) != 0 {
		t.Fatalf("delivered %d messages on duplicate send, want 0", len(got))
	}
}
