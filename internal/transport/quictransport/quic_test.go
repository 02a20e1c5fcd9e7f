package quictransport

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"

	"github.com/dcrodman/ballast/internal/packets"
	"github.com/dcrodman/ballast/internal/transport"
)

type poller interface {
	Poll() []transport.Event
}

func waitForEvent(t *testing.T, p poller, kind transport.EventKind) transport.Event {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, e := range p.Poll() {
			if e.Kind == kind {
				return e
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for event kind %d", kind)
	return transport.Event{}
}

func startServer(t *testing.T) *Server {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	s := &Server{Config: Config{Address: "127.0.0.1:0"}, Logger: logger}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() returned an unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func dial(t *testing.T, s *Server) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, s.LocalAddr().String(), nil, Config{})
	if err != nil {
		t.Fatalf("Dial() returned an unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestServer_ReliableExchange(t *testing.T) {
	s := startServer(t)
	c := dial(t, s)

	req := waitForEvent(t, s, transport.ConnectRequest)
	if req.Conn.Endpoint() != "127.0.0.1" {
		t.Errorf("expected endpoint = 127.0.0.1, got = %s", req.Conn.Endpoint())
	}
	if !transport.IsLoopback(req.Conn) {
		t.Error("expected connection to be detected as loopback")
	}
	if err := s.Approve(req.Conn); err != nil {
		t.Fatalf("Approve() returned an unexpected error: %v", err)
	}
	waitForEvent(t, c, transport.StatusChanged)

	if err := c.Send([]byte("hello from the client"), transport.Reliable); err != nil {
		t.Fatalf("client Send() returned an unexpected error: %v", err)
	}
	got := waitForEvent(t, s, transport.Data)
	if diff := cmp.Diff([]byte("hello from the client"), got.Data); diff != "" {
		t.Errorf("server received unexpected data; diff:\n%s", diff)
	}

	if err := s.Send(req.Conn, []byte("hello from the server"), transport.Reliable); err != nil {
		t.Fatalf("server Send() returned an unexpected error: %v", err)
	}
	got = waitForEvent(t, c, transport.Data)
	if diff := cmp.Diff([]byte("hello from the server"), got.Data); diff != "" {
		t.Errorf("client received unexpected data; diff:\n%s", diff)
	}
}

func TestServer_DenyDeliversReason(t *testing.T) {
	s := startServer(t)
	c := dial(t, s)

	req := waitForEvent(t, s, transport.ConnectRequest)
	reason := packets.NewDisconnect(packets.ReasonServerFull, "try again later")
	if err := s.Deny(req.Conn, reason); err != nil {
		t.Fatalf("Deny() returned an unexpected error: %v", err)
	}

	e := waitForEvent(t, c, transport.StatusChanged)
	if e.Disconnect == nil || *e.Disconnect != reason {
		t.Errorf("expected disconnect reason = %v, got = %+v", reason, e.Disconnect)
	}
}

func TestGenerateCertificate(t *testing.T) {
	certPEM, keyPEM, err := GenerateCertificate([]string{"127.0.0.1", "ballast.local"})
	if err != nil {
		t.Fatalf("GenerateCertificate() returned an unexpected error: %v", err)
	}
	if len(certPEM) == 0 || len(keyPEM) == 0 {
		t.Fatal("expected certificate and key to be generated")
	}
}
