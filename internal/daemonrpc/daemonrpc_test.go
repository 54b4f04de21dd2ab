package daemonrpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse test server URL: %v", err)
	}
	port, _ := strconv.Atoi(u.Port())
	return New(u.Hostname(), port, nil)
}

func TestGetInfoReturnsHeight(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req request
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Method != "get_info" {
			t.Errorf("expected method get_info, got %s", req.Method)
		}
		_ = json.NewEncoder(w).Encode(response{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`{"height": 12345}`)})
	})

	height, err := c.GetInfo(context.Background())
	if err != nil {
		t.Fatalf("GetInfo failed: %v", err)
	}
	if height != 12345 {
		t.Fatalf("expected height 12345, got %d", height)
	}
}

func TestGetBlockHash(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req request
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(response{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`"deadbeef"`)})
	})

	hash, err := c.GetBlockHash(context.Background(), 42)
	if err != nil {
		t.Fatalf("GetBlockHash failed: %v", err)
	}
	if hash != "deadbeef" {
		t.Fatalf("expected deadbeef, got %s", hash)
	}
}

func TestRPCErrorIsPropagated(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req request
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(response{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: -1, Message: "boom"}})
	})

	if _, err := c.GetInfo(context.Background()); err == nil {
		t.Fatalf("expected error from rpc error response")
	}
}

func TestGetNServiceNodesDecodesEntries(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req request
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(response{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`{
			"height": 100,
			"service_node_states": [
				{"service_node_pubkey": "aa", "public_ip": "1.2.3.4", "storage_port": 9000, "swarm_id": 7}
			]
		}`)})
	})

	list, err := c.GetNServiceNodes(context.Background())
	if err != nil {
		t.Fatalf("GetNServiceNodes failed: %v", err)
	}
	if list.Height != 100 || len(list.Entries) != 1 || list.Entries[0].SwarmID != 7 {
		t.Fatalf("unexpected result: %+v", list)
	}
}
