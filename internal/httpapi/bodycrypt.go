package httpapi

import (
	"encoding/base64"
	"encoding/hex"
	"errors"

	"arqma-storage-server/internal/crypto"
)

// EphemKeyHeader carries a client's one-shot X25519 ephemeral public key
// (hex-encoded), the "X-*-EphemKey" header spec §6 names for
// /storage_rpc/v1's optional encrypted body.
const EphemKeyHeader = "X-Arqma-EphemKey"

// decryptBody reverses a client's encrypted /storage_rpc/v1 body: the raw
// body is base64(nonce || ciphertext), and ephemPubHex is the client's
// ephemeral X25519 public key from EphemKeyHeader. It derives the shared
// secret against this node's own static X25519 key the same way
// internal/crypto's session handshake does (DeriveShared +
// DeriveSessionKeys), then opens the sealed box with the resulting recv
// key, binding the same endpoint-identity AAD internal/crypto's
// peer-channel AEAD uses (BuildAAD) so a sealed body can't be opened
// against a mismatched key pairing even if the recv key were ever
// reused across sessions. A plaintext request (no EphemKey header)
// skips this path entirely — decryptBody is only called when the
// header is present.
func decryptBody(nodeX25519Priv, nodeX25519Pub []byte, ephemPubHex string, rawBody []byte) ([]byte, error) {
	ephemPub, err := hex.DecodeString(ephemPubHex)
	if err != nil {
		return nil, errors.New("bad ephemeral key encoding")
	}
	if len(ephemPub) != 32 || len(nodeX25519Pub) != 32 {
		return nil, errors.New("bad x25519 key size")
	}
	shared, err := crypto.DeriveShared(nodeX25519Priv, ephemPub)
	if err != nil {
		return nil, err
	}
	// Transcript binds the channel to both endpoints' public keys, as
	// internal/crypto's peer session handshake does, so a body encrypted
	// for one node can't be replayed against another.
	transcript := append(append([]byte{}, ephemPub...), nodeX25519Pub...)
	keys, err := crypto.DeriveSessionKeys(shared, transcript)
	if err != nil {
		return nil, err
	}

	sealed, err := base64.StdEncoding.DecodeString(string(rawBody))
	if err != nil {
		return nil, errors.New("bad base64 body encoding")
	}
	if len(sealed) < crypto.XNonceSize {
		return nil, errors.New("encrypted body too short")
	}
	nonce := sealed[:crypto.XNonceSize]
	ciphertext := sealed[crypto.XNonceSize:]

	var fromID, toID [32]byte
	copy(fromID[:], ephemPub)
	copy(toID[:], nodeX25519Pub)
	aad := crypto.BuildAAD("storage_rpc_body", 0, fromID, toID, "")

	return crypto.XOpen(keys.RecvKey, nonce, ciphertext, aad)
}
