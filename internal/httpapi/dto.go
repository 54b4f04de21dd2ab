package httpapi

import "arqma-storage-server/internal/swarm"

// rpcEnvelope is the outer `{method, params}` shape every /storage_rpc/v1
// request carries.
type rpcEnvelope struct {
	Method string         `json:"method"`
	Params map[string]any `json:"params"`
}

// messageDTO is one entry of a retrieve response's "messages" array
// (original_source's respond_with_messages: hash, expiration, data).
type messageDTO struct {
	Hash       string `json:"hash"`
	Expiration uint64 `json:"expiration"`
	Data       string `json:"data"`
}

// storeResponse is the 200 body for a successful store (spec §6: "200 ok
// with JSON {messages: [...], difficulty?}" — store's own success body
// carries only the current difficulty, matching
// original_source's process_store).
type storeResponse struct {
	Difficulty uint8 `json:"difficulty"`
}

// retrieveResponse is the 200 body for a successful retrieve.
type retrieveResponse struct {
	Messages []messageDTO `json:"messages"`
}

func snodesToJSON(peers []swarm.Peer) map[string]any {
	out := make([]map[string]any, 0, len(peers))
	for _, p := range peers {
		out = append(out, map[string]any{
			"address":        p.AddressB32Z(),
			"pubkey_x25519":  hexEncode(p.PubKeyX25519[:]),
			"pubkey_ed25519": hexEncode(p.PubKeyEd25519[:]),
			"port":           p.Port,
			"ip":             p.IP,
		})
	}
	return map[string]any{"snodes": out}
}

type difficultyBody struct {
	Difficulty uint8 `json:"difficulty"`
}

type storageTestRequest struct {
	Height uint64 `json:"height"`
	Hash   string `json:"hash"`
}

type storageTestResponse struct {
	Status string `json:"status"`
	Value  string `json:"value,omitempty"`
}

type blockchainTestRequest struct {
	MaxHeight uint64 `json:"max_height"`
	Seed      string `json:"seed"`
	Height    uint64 `json:"height,omitempty"`
}

type blockchainTestResponse struct {
	ResHeight uint64 `json:"res_height"`
}
