package httpapi

import (
	"errors"
	"net/http"
)

// ErrNotReady is returned by Supervisor.ProcessStore (and may be returned
// by ProcessPush/ProcessPushBatch) while the node is in AwaitingKeys,
// AwaitingSwarm, or Dissolved state. Retrieval stays available while Ready
// or Dissolved; in AwaitingKeys and AwaitingSwarm the router answers every
// client request, retrieval included, with 503 before any handler runs
// (spec §4.8).
var ErrNotReady = errors.New("service node is not ready")

// Kind is one of spec §7's error categories. Only the kinds a request
// handler can itself raise are represented here; TransientPeer,
// PersistentPeer, and Fatal are engine-level concerns (peer failures go to
// the Gossip Engine, Tester, and Reachability Tracker; fatal startup errors
// end the process in cmd/storage-server), not handled by this router.
type Kind int

const (
	KindClientMalformed Kind = iota
	KindClientPolicy
	KindStorageFailure
)

// apiError carries the response a handler wants written: a status code,
// an optional JSON body (diagnostic payload), and a plain-text fallback
// message. Handlers return *apiError instead of a bare error so the
// dispatch wrapper can map it to the wire response without re-deriving
// the status code from the error's type.
type apiError struct {
	Kind    Kind
	Status  int
	Message string
	JSON    any // non-nil takes precedence over Message
}

func (e *apiError) Error() string { return e.Message }

func malformed(status int, msg string) *apiError {
	return &apiError{Kind: KindClientMalformed, Status: status, Message: msg}
}

func policy(status int, msg string, jsonBody any) *apiError {
	return &apiError{Kind: KindClientPolicy, Status: status, Message: msg, JSON: jsonBody}
}

func storageFailure(msg string) *apiError {
	return &apiError{Kind: KindStorageFailure, Status: http.StatusInternalServerError, Message: msg}
}

// notReady is the 503 "node not ready" path (spec §4.8's snode_ready).
func notReady(reason string) *apiError {
	return &apiError{Kind: KindClientPolicy, Status: http.StatusServiceUnavailable, Message: "Service node is not ready: " + reason}
}

// unauthorized is the 401 "unsigned or unknown peer" path (spec §6's
// Peer-signature headers).
func unauthorized(msg string) *apiError {
	return &apiError{Kind: KindClientMalformed, Status: http.StatusUnauthorized, Message: msg}
}
