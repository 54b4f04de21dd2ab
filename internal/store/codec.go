package store

import "arqma-storage-server/internal/wire"

// encodeStoredMessage/decodeStoredMessage reuse the wire batch codec as the
// on-disk value format, so the store's value bytes are already in the exact
// shape a push_batch entry expects, avoiding a second serialization scheme.
func encodeStoredMessage(msg wire.Message) ([]byte, error) {
	return wire.EncodeMessage(msg), nil
}

func decodeStoredMessage(data []byte) (wire.Message, error) {
	msg, _, err := wire.DecodeMessage(data)
	return msg, err
}
