package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/julienschmidt/httprouter"

	"arqma-storage-server/internal/clock"
	"arqma-storage-server/internal/crypto"
	"arqma-storage-server/internal/logging"
	"arqma-storage-server/internal/longpoll"
	"arqma-storage-server/internal/metrics"
	"arqma-storage-server/internal/pow"
	"arqma-storage-server/internal/ratelimit"
	"arqma-storage-server/internal/swarm"
	"arqma-storage-server/internal/wire"
)

// StatusInvalidPoW is spec §6's 432 ("unassigned" HTTP code, per
// original_source/httpserver/http_connection.cpp's process_store).
const StatusInvalidPoW = 432

// Peer-signature and client-encryption header names (spec §6). The
// literal "X-*-" prefix in spec.md is a placeholder; this project's
// concrete namespace is "X-Arqma-".
const (
	SenderPubKeyHeader = "X-Arqma-Sender-Snode-PubKey"
	SignatureHeader    = "X-Arqma-Snode-Signature"
)

// maxClientBodyBytes bounds the decoded client body (spec §5 Resource
// bounds: 3,100 bytes), enforced before JSON parsing so an oversized body
// never reaches encoding/json.
const maxClientBodyBytes = wire.MaxDataSize + 4096 // JSON envelope overhead around the 3,100-byte data field

// Router builds the spec §6 endpoint table over a Supervisor.
type Router struct {
	sup            Supervisor
	clientLimiter  *ratelimit.Limiter
	peerLimiter    *ratelimit.Limiter
	logLimiter     *ratelimit.Limiter // enforces /get_logs/v1's 1/s cap
	log            *logging.Logger
	metrics        *metrics.Metrics
	clk            clock.Clock
	nodeX25519Priv []byte
	nodeX25519Pub  []byte
}

// Deps bundles Router's construction-time dependencies.
type Deps struct {
	Supervisor     Supervisor
	ClientLimiter  *ratelimit.Limiter
	PeerLimiter    *ratelimit.Limiter
	Log            *logging.Logger
	Metrics        *metrics.Metrics
	Clock          clock.Clock
	NodeX25519Priv []byte
	NodeX25519Pub  []byte
}

// New builds the *httprouter.Router dispatching the spec §6 endpoint
// table. The returned handler is what internal/transport.Server wraps.
func New(d Deps) http.Handler {
	clk := d.Clock
	if clk == nil {
		clk = clock.System{}
	}
	r := &Router{
		sup:            d.Supervisor,
		clientLimiter:  d.ClientLimiter,
		peerLimiter:    d.PeerLimiter,
		logLimiter:     ratelimit.New(ratelimit.Config{RatePerSecond: 1, Burst: 1}),
		log:            d.Log,
		metrics:        d.Metrics,
		clk:            clk,
		nodeX25519Priv: d.NodeX25519Priv,
		nodeX25519Pub:  d.NodeX25519Pub,
	}

	hr := httprouter.New()
	hr.POST("/storage_rpc/v1", r.wrapClient(r.handleStorageRPC))
	hr.POST("/swarms/push/v1", r.wrapPeer(r.handlePush, false))
	hr.POST("/swarms/push_batch/v1", r.wrapPeer(r.handlePushBatch, false))
	hr.POST("/swarms/storage_test/v1", r.wrapPeer(r.handleStorageTest, false))
	hr.POST("/swarms/blockchain_test/v1", r.wrapPeer(r.handleBlockchainTest, false))
	hr.POST("/swarms/ping_test/v1", r.wrapPeer(r.handlePing, true))
	hr.GET("/get_stats/v1", r.handleStats)
	hr.GET("/get_logs/v1", r.handleLogs)
	return hr
}

// ---------------------------------------------------------------------
// Dispatch wrappers: every client handler returns (JSON body, *apiError)
// instead of writing the response itself (peer handlers write their own,
// see wrapPeer), so the client error-kind-to-status-code
// mapping (spec §7) lives in exactly one place. This mirrors the teacher's
// quic stream dispatch loop, where a single top-level recover+respond
// wraps every per-request handler (spec §7: "request handlers never panic
// the process; they catch at the top of request processing").
// ---------------------------------------------------------------------

type clientHandler func(r *http.Request) (any, *apiError)

func (rt *Router) wrapClient(h clientHandler) httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		defer rt.recoverAndRespond(w)

		clientIP := clientAddr(req)
		if rt.clientLimiter != nil && !rt.clientLimiter.Allow(clientIP) {
			writeError(w, policy(http.StatusTooManyRequests, "too many requests", nil))
			return
		}

		if ok, reason := rt.sup.Ready(); !ok {
			writeError(w, notReady(reason))
			return
		}

		body, apiErr := h(req)
		if apiErr != nil {
			writeError(w, apiErr)
			return
		}
		writeJSON(w, http.StatusOK, body)
	}
}

type peerHandler func(w http.ResponseWriter, req *http.Request, body []byte)

// wrapPeer verifies the peer-signature headers (skipped only for
// ping_test, which spec §6 marks Auth: none) before dispatching to h.
// Unlike the client path, peer handlers write their own response since
// storage_test/blockchain_test delay their reply behind a retry loop /
// long-running blockchain confirmation.
func (rt *Router) wrapPeer(h peerHandler, unauthenticated bool) httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		defer rt.recoverAndRespond(w)

		body, err := io.ReadAll(io.LimitReader(req.Body, maxClientBodyBytes*8))
		if err != nil {
			writeError(w, malformed(http.StatusBadRequest, "could not read body"))
			return
		}

		if !unauthenticated {
			senderAddr := req.Header.Get(SenderPubKeyHeader)
			sigB32z := req.Header.Get(SignatureHeader)
			if senderAddr == "" || sigB32z == "" {
				writeError(w, unauthorized("missing peer signature headers"))
				return
			}
			sig, decErr := crypto.DecodeBase32Z(sigB32z)
			if decErr != nil {
				writeError(w, unauthorized("bad signature encoding"))
				return
			}
			if !rt.sup.IsSnodeAddressKnown(senderAddr) {
				writeError(w, unauthorized("unknown peer"))
				return
			}
			if !rt.sup.VerifyPeerSignature(senderAddr, body, sig) {
				writeError(w, unauthorized("bad peer signature"))
				return
			}
			if rt.peerLimiter != nil && !rt.peerLimiter.Allow(senderAddr) {
				writeError(w, policy(http.StatusTooManyRequests, "too many requests", nil))
				return
			}
		}

		w.Header().Set(SignatureHeader, rt.sup.CertSignature())
		h(w, req, body)
	}
}

func (rt *Router) recoverAndRespond(w http.ResponseWriter) {
	if rec := recover(); rec != nil {
		if rt.log != nil {
			rt.log.Errorw("recovered panic in request handler", "panic", rec)
		}
		writeError(w, storageFailure("internal error"))
	}
}

// ---------------------------------------------------------------------
// /storage_rpc/v1
// ---------------------------------------------------------------------

func (rt *Router) handleStorageRPC(req *http.Request) (any, *apiError) {
	raw, err := io.ReadAll(io.LimitReader(req.Body, maxClientBodyBytes))
	if err != nil {
		return nil, malformed(http.StatusBadRequest, "could not read body")
	}

	if ephem := req.Header.Get(EphemKeyHeader); ephem != "" {
		plain, decErr := decryptBody(rt.nodeX25519Priv, rt.nodeX25519Pub, ephem, raw)
		if decErr != nil {
			return nil, malformed(http.StatusBadRequest, "could not decode/decrypt body: "+decErr.Error())
		}
		raw = plain
	}

	var env rpcEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, malformed(http.StatusBadRequest, "invalid json")
	}
	if env.Method == "" {
		return nil, malformed(http.StatusBadRequest, "invalid json: no `method` field")
	}
	if env.Params == nil {
		return nil, malformed(http.StatusBadRequest, "invalid json: no `params` field")
	}

	switch env.Method {
	case "store":
		return rt.handleStore(env.Params)
	case "retrieve":
		return rt.handleRetrieve(req.Context(), env.Params)
	case "get_snodes_for_pubkey":
		return rt.handleSnodesForPubkey(env.Params)
	default:
		return nil, malformed(http.StatusBadRequest, "no method "+env.Method)
	}
}

// writeFailure maps a Supervisor error to the response spec §4.8 wants: a
// Dissolved node (Ready() still reports true so retrieves keep working)
// refuses writes with 503 "not ready" rather than a generic 500.
func writeFailure(err error) *apiError {
	if errors.Is(err, ErrNotReady) {
		return notReady("swarm dissolved, awaiting reassignment")
	}
	return storageFailure(err.Error())
}

func paramString(params map[string]any, field string) (string, bool) {
	v, ok := params[field]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func (rt *Router) handleStore(params map[string]any) (any, *apiError) {
	for _, field := range []string{"pubKey", "ttl", "nonce", "timestamp", "data"} {
		if _, ok := params[field]; !ok {
			return nil, malformed(http.StatusBadRequest, "invalid json: no `"+field+"` field")
		}
	}
	pubKeyStr, _ := paramString(params, "pubKey")
	ttlStr, _ := paramString(params, "ttl")
	nonceStr, _ := paramString(params, "nonce")
	tsStr, _ := paramString(params, "timestamp")
	dataB64, _ := paramString(params, "data")

	pk, err := swarm.ParseUserPubkey(pubKeyStr)
	if err != nil {
		return nil, malformed(http.StatusBadRequest, "pubKey must be valid")
	}

	data, err := decodeBase64(dataB64)
	if err != nil || len(data) > wire.MaxDataSize {
		return nil, malformed(http.StatusBadRequest, "message body exceeds maximum allowed length")
	}

	if !rt.sup.IsPubkeyForUs(pk) {
		return nil, policy(http.StatusMisdirectedRequest, "wrong swarm", snodesToJSON(rt.sup.SnodesByPubkey(pk)))
	}

	ttlMs, ok := parseTTL(ttlStr)
	if !ok {
		return nil, policy(http.StatusForbidden, "provided TTL is not valid", nil)
	}
	tsMs, ok := parseTimestamp(tsStr, rt.clk.Now())
	if !ok {
		return nil, &apiError{Kind: KindClientPolicy, Status: http.StatusNotAcceptable, Message: "timestamp error: check your clock"}
	}

	nonce, ok := parseNonce(nonceStr)
	if !ok {
		return nil, malformed(http.StatusBadRequest, "invalid nonce encoding")
	}

	difficulty := rt.sup.CurrentDifficulty()
	hash := hexEncode(crypto.SHA3_256(data))
	if !pow.Check(pk.String(), int64(tsMs), int64(ttlMs), data, nonce, difficulty) {
		return nil, policy(StatusInvalidPoW, "invalid PoW nonce", difficultyBody{Difficulty: difficulty})
	}

	msg := wire.Message{Recipient: pk.String(), Data: data, Hash: hash, TTLMillis: ttlMs, TimestampMs: tsMs, Nonce: nonceStr}
	outcome, err := rt.sup.ProcessStore(msg)
	if err != nil {
		return nil, writeFailure(err)
	}
	_ = outcome // Duplicate and Committed both report success to the client (spec §4.4 idempotency is invisible at the RPC boundary)
	return storeResponse{Difficulty: difficulty}, nil
}

func (rt *Router) handleRetrieve(ctx context.Context, params map[string]any) (any, *apiError) {
	for _, field := range []string{"pubKey", "lastHash"} {
		if _, ok := params[field]; !ok {
			return nil, malformed(http.StatusBadRequest, "invalid json: no `"+field+"` field")
		}
	}
	pubKeyStr, _ := paramString(params, "pubKey")
	lastHash, _ := paramString(params, "lastHash")

	pk, err := swarm.ParseUserPubkey(pubKeyStr)
	if err != nil {
		return nil, malformed(http.StatusBadRequest, "pubKey must be valid")
	}
	if !rt.sup.IsPubkeyForUs(pk) {
		return nil, policy(http.StatusMisdirectedRequest, "wrong swarm", snodesToJSON(rt.sup.SnodesByPubkey(pk)))
	}

	msgs, err := rt.sup.ProcessRetrieve(pk.String(), lastHash)
	if err != nil {
		return nil, storageFailure(err.Error())
	}
	if len(msgs) > 0 {
		return retrieveResponse{Messages: toMessageDTOs(msgs)}, nil
	}

	// Nothing new yet: suspend on the Long-Poll Registry up to its
	// deadline (spec §4.5) instead of answering empty immediately.
	// Waiter.Wait blocks synchronously on its delivery slot, so it runs in
	// its own goroutine and races against the deadline/request-cancel
	// context here.
	waiter := rt.sup.RegisterListener(pk.String())
	deadlineCtx, cancel := context.WithTimeout(ctx, longpoll.Deadline)
	defer cancel()

	type result struct {
		msg wire.Message
		ok  bool
	}
	resultCh := make(chan result, 1)
	go func() {
		msg, ok := waiter.Wait()
		resultCh <- result{msg: msg, ok: ok}
	}()

	select {
	case <-deadlineCtx.Done():
		rt.sup.RemoveListener(waiter)
		<-resultCh // Deregister closes the slot, so Wait returns promptly
		return retrieveResponse{Messages: nil}, nil
	case res := <-resultCh:
		if !res.ok {
			return retrieveResponse{Messages: nil}, nil
		}
		return retrieveResponse{Messages: []messageDTO{toMessageDTO(res.msg)}}, nil
	}
}

func (rt *Router) handleSnodesForPubkey(params map[string]any) (any, *apiError) {
	pubKeyStr, ok := paramString(params, "pubKey")
	if !ok {
		return nil, malformed(http.StatusBadRequest, "invalid json: no `pubKey` field")
	}
	pk, err := swarm.ParseUserPubkey(pubKeyStr)
	if err != nil {
		return nil, malformed(http.StatusBadRequest, "pubKey must be valid")
	}
	return snodesToJSON(rt.sup.SnodesByPubkey(pk)), nil
}

// ---------------------------------------------------------------------
// /swarms/* (peer-signed)
// ---------------------------------------------------------------------

func (rt *Router) handlePush(w http.ResponseWriter, req *http.Request, body []byte) {
	msg, _, err := wire.DecodeMessage(body)
	if err != nil {
		writeError(w, malformed(http.StatusBadRequest, "malformed push body"))
		return
	}
	if err := rt.sup.ProcessPush(msg); err != nil {
		writeError(w, writeFailure(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (rt *Router) handlePushBatch(w http.ResponseWriter, req *http.Request, body []byte) {
	if _, err := rt.sup.ProcessPushBatch(body); err != nil {
		writeError(w, writeFailure(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (rt *Router) handleStorageTest(w http.ResponseWriter, req *http.Request, body []byte) {
	var sreq storageTestRequest
	if err := json.Unmarshal(body, &sreq); err != nil {
		writeError(w, malformed(http.StatusBadRequest, "invalid json"))
		return
	}
	result := rt.sup.ProcessStorageTestRequest(sreq.Height, sreq.Hash)
	writeJSON(w, http.StatusOK, storageTestResponse{
		Status: result.Status,
		Value:  base64Encode(result.Value),
	})
}

func (rt *Router) handleBlockchainTest(w http.ResponseWriter, req *http.Request, body []byte) {
	var breq blockchainTestRequest
	if err := json.Unmarshal(body, &breq); err != nil {
		writeError(w, malformed(http.StatusBadRequest, "invalid json"))
		return
	}
	height, err := rt.sup.PerformBlockchainTest(req.Context(), breq.MaxHeight, breq.Seed)
	if err != nil {
		writeError(w, storageFailure(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, blockchainTestResponse{ResHeight: height})
}

func (rt *Router) handlePing(w http.ResponseWriter, req *http.Request, body []byte) {
	w.WriteHeader(http.StatusOK)
}

// ---------------------------------------------------------------------
// Diagnostics
// ---------------------------------------------------------------------

func (rt *Router) handleStats(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, rt.sup.Stats())
}

func (rt *Router) handleLogs(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	if !rt.logLimiter.Allow(clientAddr(req)) {
		writeError(w, policy(http.StatusTooManyRequests, "too many requests", nil))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": rt.sup.RecentLogs()})
}
