package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rdtnet/channel"
	"rdtnet/pkg/logger"
	"rdtnet/stream"
)

const (
	VERSION = "1.0.0"
)

type Config struct {
	ServerPort  int
	ClientPort  int
	LossRate    float64
	CorruptRate float64
	DelayMin    time.Duration
	DelayMax    time.Duration
	PayloadSize int
}

func loadConfig() Config {
	return Config{
		ServerPort:  9100,
		ClientPort:  9101,
		LossRate:    0.1,
		CorruptRate: 0.05,
		DelayMin:    5 * time.Millisecond,
		DelayMax:    40 * time.Millisecond,
		PayloadSize: 50000,
	}
}

func main() {
	logger.Banner("RDT Protocol Suite Demo", VERSION)

	config := loadConfig()
	logger.Info("Server port: %d", config.ServerPort)
	logger.Info("Client port: %d", config.ClientPort)
	logger.Info("Loss rate: %.2f, corrupt rate: %.2f", config.LossRate, config.CorruptRate)
	logger.Success("Configuration loaded successfully")

	ch := channel.New(channel.Config{
		LossRate:    config.LossRate,
		CorruptRate: config.CorruptRate,
		DelayMin:    config.DelayMin,
		DelayMax:    config.DelayMax,
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	errChan := make(chan error, 1)
	doneChan := make(chan struct{})
	go runDemo(config, ch, errChan, doneChan)

	select {
	case err := <-errChan:
		logger.Fatal("Demo error: %v", err)
	case <-doneChan:
		logger.Success("Transfer complete, shutting down")
	case sig := <-sigChan:
		logger.Warn("Received signal: %v", sig)
		logger.Info("Shutting down gracefully...")
	}
	os.Exit(0)
}

func runDemo(config Config, ch *channel.UnreliableChannel, errChan chan<- error, done chan<- struct{}) {
	srv, err := stream.NewEndpoint(config.ServerPort, ch)
	if err != nil {
		errChan <- fmt.Errorf("failed to bind server socket: %w", err)
		return
	}
	if err := srv.Listen(); err != nil {
		errChan <- err
		return
	}

	cli, err := stream.NewEndpoint(config.ClientPort, ch)
	if err != nil {
		errChan <- fmt.Errorf("failed to bind client socket: %w", err)
		return
	}

	accepted := make(chan *stream.Endpoint, 1)
	go func() {
		conn, err := srv.Accept(10 * time.Second)
		if err != nil {
			errChan <- err
			return
		}
		accepted <- conn
	}()

	dest := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: config.ServerPort}
	if err := cli.Connect(dest); err != nil {
		errChan <- err
		return
	}
	logger.InfoCyan("Handshake complete, sending %d bytes under a lossy channel", config.PayloadSize)

	conn := <-accepted

	payload := make([]byte, config.PayloadSize)
	for i := range payload {
		payload[i] = byte('A' + i%26)
	}

	start := time.Now()
	if err := cli.Send(payload); err != nil {
		errChan <- err
		return
	}

	deadline := time.Now().Add(30 * time.Second)
	var received []byte
	for time.Now().Before(deadline) && len(received) < len(payload) {
		received = append(received, conn.Recv(len(payload)-len(received))...)
		time.Sleep(20 * time.Millisecond)
	}
	logger.Success("Received %d/%d bytes in %s", len(received), len(payload), time.Since(start))

	_ = cli.Close(5 * time.Second)
	_ = conn.Close(5 * time.Second)
	close(done)
}
