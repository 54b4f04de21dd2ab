package transport

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"arqma-storage-server/internal/swarm"
)

func testPeer(t *testing.T, srvURL string) swarm.Peer {
	t.Helper()
	u, err := url.Parse(srvURL)
	if err != nil {
		t.Fatalf("parse test server URL: %v", err)
	}
	port, _ := strconv.Atoi(u.Port())
	var legacy, x, ed [32]byte
	legacy[0] = 1
	p, err := swarm.NewPeer(u.Hostname(), uint16(port), legacy, x, ed)
	if err != nil {
		t.Fatalf("NewPeer failed: %v", err)
	}
	return p
}

func newTestClient(t *testing.T) (*Client, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	var legacy [32]byte
	copy(legacy[:], pub)
	self, err := swarm.NewPeer("127.0.0.1", 1, legacy, legacy, legacy)
	if err != nil {
		t.Fatalf("NewPeer failed: %v", err)
	}
	return NewClient(self, priv, nil), priv
}

func TestPushBatchSendsSignatureHeaders(t *testing.T) {
	c, _ := newTestClient(t)

	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/swarms/push_batch/v1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get(SenderPubKeyHeader) == "" {
			t.Errorf("expected sender pubkey header")
		}
		if r.Header.Get(SignatureHeader) == "" {
			t.Errorf("expected signature header")
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	c.http = srv.Client()

	peer := testPeer(t, srv.URL)
	if _, err := c.PushBatch(context.Background(), peer, []byte("batch")); err != nil {
		t.Fatalf("PushBatch failed: %v", err)
	}
}

func TestStorageTestDecodesResponse(t *testing.T) {
	c, _ := newTestClient(t)
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(storageTestResponse{Status: "OK", Value: "aGVsbG8="})
	}))
	defer srv.Close()
	c.http = srv.Client()

	peer := testPeer(t, srv.URL)
	res, err := c.StorageTest(context.Background(), peer, 10, "h1")
	if err != nil {
		t.Fatalf("StorageTest failed: %v", err)
	}
	if res.Status != "OK" {
		t.Fatalf("expected OK, got %s", res.Status)
	}
}

func Test5xxIsRetriedThenFails(t *testing.T) {
	c, _ := newTestClient(t)
	calls := 0
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	c.http = srv.Client()

	peer := testPeer(t, srv.URL)
	if _, err := c.PushBatch(context.Background(), peer, []byte("x")); err == nil {
		t.Fatalf("expected error after retries exhausted")
	}
	if calls != maxRetries+1 {
		t.Fatalf("expected %d attempts, got %d", maxRetries+1, calls)
	}
}

func Test4xxFailsWithoutRetry(t *testing.T) {
	c, _ := newTestClient(t)
	calls := 0
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()
	c.http = srv.Client()

	peer := testPeer(t, srv.URL)
	if _, err := c.PushBatch(context.Background(), peer, []byte("x")); err == nil {
		t.Fatalf("expected error on 401")
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 attempt for a client error, got %d", calls)
	}
}
