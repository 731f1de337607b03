package bus

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/versofon/verso-core/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startServer(t *testing.T) *natsserver.Server {
	t.Helper()
	ns, err := natsserver.NewServer(&natsserver.Options{Port: -1})
	if err != nil {
		t.Fatalf("nats server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats server did not start")
	}
	t.Cleanup(ns.Shutdown)
	return ns
}

func TestConnectRequiresServers(t *testing.T) {
	if _, err := Connect(context.Background(), config.BusConfig{}, newLogger()); err == nil {
		t.Fatal("expected error for empty server list")
	}
}

func TestConnectPublishAndClose(t *testing.T) {
	ns := startServer(t)

	client, err := Connect(context.Background(), config.BusConfig{
		Servers:        []string{ns.ClientURL()},
		ConnectTimeout: 2000,
	}, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !client.Healthy() {
		t.Fatal("expected healthy connection")
	}

	received := make(chan []byte, 1)
	sub, err := client.Conn().Subscribe("verso.test", func(m *nats.Msg) {
		received <- m.Data
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Drain()

	if err := client.Conn().Publish("verso.test", []byte("ping")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case data := <-received:
		if string(data) != "ping" {
			t.Fatalf("unexpected payload %q", data)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}

	client.Close()
	if client.Healthy() {
		t.Fatal("expected unhealthy after close")
	}
}
