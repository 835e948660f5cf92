package network

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"
	"time"
)

// generateTestKey generates a random ed25519 key for testing.
func generateTestKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	return priv
}

// startTestNode creates and starts a loopback node.
func startTestNode(t *testing.T, key ed25519.PrivateKey) *Node {
	t.Helper()

	node, err := NewNode(Config{
		PrivateKey:  key,
		ListenAddr:  "127.0.0.1:0",
		DialTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("create node: %v", err)
	}

	if err := node.Start(); err != nil {
		t.Fatalf("start node: %v", err)
	}

	return node
}

// echo answers every request with "echo:" and the payload.
func echo(_ *Peer, data []byte) ([]byte, error) {
	return append([]byte("echo:"), data...), nil
}

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNewNodeValidation(t *testing.T) {
	if _, err := NewNode(Config{ListenAddr: ":0"}); err == nil {
		t.Error("expected error without private key")
	}

	if _, err := NewNode(Config{PrivateKey: generateTestKey(t)}); err == nil {
		t.Error("expected error without listen address")
	}
}

func TestNodeStartStop(t *testing.T) {
	node := startTestNode(t, generateTestKey(t))

	if node.Addr() == "" {
		t.Error("Addr is empty after Start")
	}

	if err := node.Close(); err != nil {
		t.Fatalf("close node: %v", err)
	}

	if _, err := node.Connect(context.Background(), "127.0.0.1:1"); !errors.Is(err, ErrClosed) {
		t.Errorf("Connect after Close = %v, want ErrClosed", err)
	}
}

func TestConnectRegistersBothSides(t *testing.T) {
	serverKey := generateTestKey(t)
	server := startTestNode(t, serverKey)
	defer server.Close()

	clientKey := generateTestKey(t)
	client := startTestNode(t, clientKey)
	defer client.Close()

	serverPub := serverKey.Public().(ed25519.PublicKey)
	clientPub := clientKey.Public().(ed25519.PublicKey)

	if client.GetPeer(serverPub) != nil {
		t.Error("GetPeer should return nil before connecting")
	}

	peer, err := client.Connect(context.Background(), server.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	if !bytes.Equal(peer.PublicKey(), serverPub) {
		t.Error("dialed peer key mismatch")
	}

	if client.GetPeer(serverPub) != peer {
		t.Error("GetPeer should return the dialed peer")
	}

	waitFor(t, "server to register client", func() bool {
		return server.GetPeer(clientPub) != nil
	})

	if len(client.Peers()) != 1 {
		t.Errorf("client peer count = %d, want 1", len(client.Peers()))
	}
}

func TestRequestDialsBookedPeer(t *testing.T) {
	serverKey := generateTestKey(t)
	server := startTestNode(t, serverKey)
	defer server.Close()
	server.OnRequest(echo)

	client := startTestNode(t, generateTestKey(t))
	defer client.Close()

	serverPub := serverKey.Public().(ed25519.PublicKey)
	client.AddPeer(serverPub, server.Addr())

	response, err := client.Request(context.Background(), serverPub, []byte("hello"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	if !bytes.Equal(response, []byte("echo:hello")) {
		t.Errorf("response = %q, want %q", response, "echo:hello")
	}

	if client.GetPeer(serverPub) == nil {
		t.Error("booked peer not registered after dial")
	}
}

func TestConcurrentRequestsShareDial(t *testing.T) {
	serverKey := generateTestKey(t)
	server := startTestNode(t, serverKey)
	defer server.Close()
	server.OnRequest(echo)

	client := startTestNode(t, generateTestKey(t))
	defer client.Close()

	serverPub := serverKey.Public().(ed25519.PublicKey)
	client.AddPeer(serverPub, server.Addr())

	const n = 8
	errs := make(chan error, n)

	for i := 0; i < n; i++ {
		go func() {
			_, err := client.Request(context.Background(), serverPub, []byte("x"))
			errs <- err
		}()
	}

	for i := 0; i < n; i++ {
		if err := <-errs; err != nil {
			t.Errorf("request %d: %v", i, err)
		}
	}

	if len(client.Peers()) != 1 {
		t.Errorf("client peer count = %d, want 1", len(client.Peers()))
	}
}

func TestRequestUnknownPeer(t *testing.T) {
	client := startTestNode(t, generateTestKey(t))
	defer client.Close()

	stranger := generateTestKey(t).Public().(ed25519.PublicKey)

	if _, err := client.Request(context.Background(), stranger, []byte("x")); !errors.Is(err, ErrUnknownPeer) {
		t.Errorf("expected ErrUnknownPeer, got %v", err)
	}
}

func TestIdentityMismatch(t *testing.T) {
	server := startTestNode(t, generateTestKey(t))
	defer server.Close()

	client := startTestNode(t, generateTestKey(t))
	defer client.Close()

	claimed := generateTestKey(t).Public().(ed25519.PublicKey)
	client.AddPeer(claimed, server.Addr())

	if _, err := client.Peer(context.Background(), claimed); !errors.Is(err, ErrIdentityMismatch) {
		t.Errorf("expected ErrIdentityMismatch, got %v", err)
	}
}

func TestRequestHandlerError(t *testing.T) {
	server := startTestNode(t, generateTestKey(t))
	defer server.Close()

	server.OnRequest(func(p *Peer, data []byte) ([]byte, error) {
		return nil, errors.New("refused")
	})

	client := startTestNode(t, generateTestKey(t))
	defer client.Close()

	peer, err := client.Connect(context.Background(), server.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := peer.Request(ctx, []byte("hello")); err == nil {
		t.Error("expected error when handler fails")
	}
}

func TestRequestTimeout(t *testing.T) {
	server := startTestNode(t, generateTestKey(t))
	defer server.Close()

	server.OnRequest(func(p *Peer, data []byte) ([]byte, error) {
		time.Sleep(500 * time.Millisecond)
		return []byte("late"), nil
	})

	client := startTestNode(t, generateTestKey(t))
	defer client.Close()

	peer, err := client.Connect(context.Background(), server.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if _, err := peer.Request(ctx, []byte("hello")); err == nil {
		t.Error("expected timeout error")
	}
}

func TestRedialAfterRestart(t *testing.T) {
	serverKey := generateTestKey(t)
	serverPub := serverKey.Public().(ed25519.PublicKey)

	server := startTestNode(t, serverKey)
	server.OnRequest(echo)

	client := startTestNode(t, generateTestKey(t))
	defer client.Close()

	client.AddPeer(serverPub, server.Addr())

	if _, err := client.Request(context.Background(), serverPub, []byte("one")); err != nil {
		t.Fatalf("first request: %v", err)
	}

	server.Close()

	waitFor(t, "client to drop closed peer", func() bool {
		return client.GetPeer(serverPub) == nil
	})

	// Same identity, new port.
	server2 := startTestNode(t, serverKey)
	defer server2.Close()
	server2.OnRequest(echo)

	client.AddPeer(serverPub, server2.Addr())

	response, err := client.Request(context.Background(), serverPub, []byte("two"))
	if err != nil {
		t.Fatalf("request after restart: %v", err)
	}

	if string(response) != "echo:two" {
		t.Errorf("response = %q", response)
	}
}

func TestMessageFraming(t *testing.T) {
	var buf bytes.Buffer

	if err := writeMessage(&buf, []byte("payload")); err != nil {
		t.Fatalf("writeMessage: %v", err)
	}

	if buf.Len() != lengthPrefixSize+7 {
		t.Errorf("framed length = %d, want %d", buf.Len(), lengthPrefixSize+7)
	}

	got, err := readMessage(&buf)
	if err != nil {
		t.Fatalf("readMessage: %v", err)
	}

	if string(got) != "payload" {
		t.Errorf("readMessage = %q", got)
	}

	if err := writeMessage(&buf, make([]byte, MaxMessageSize+1)); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("oversized write = %v, want ErrMessageTooLarge", err)
	}

	oversized := []byte{0x01, 0x00, 0x00, 0x01}
	if _, err := readMessage(bytes.NewReader(oversized)); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("oversized prefix = %v, want ErrMessageTooLarge", err)
	}

	if _, err := readMessage(bytes.NewReader([]byte{0, 0, 0, 5, 1})); err == nil {
		t.Error("expected error for truncated payload")
	}
}
