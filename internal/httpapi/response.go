package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"net/http"

	"arqma-storage-server/internal/wire"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, e *apiError) {
	if e.JSON != nil {
		writeJSON(w, e.Status, e.JSON)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(e.Status)
	_, _ = w.Write([]byte(e.Message + "\n"))
}

// clientAddr strips the port from RemoteAddr for use as a rate-limiter key
// (spec §5's per-client rate limit), matching the teacher's per-IP limiter
// keying (internal/network/limiter.go).
func clientAddr(r *http.Request) string {
	host := r.RemoteAddr
	for i := len(host) - 1; i >= 0; i-- {
		if host[i] == ':' {
			return host[:i]
		}
	}
	return host
}

func decodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

func base64Encode(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(b)
}

func toMessageDTO(m wire.Message) messageDTO {
	return messageDTO{
		Hash:       m.Hash,
		Expiration: m.TimestampMs + m.TTLMillis,
		Data:       base64Encode(m.Data),
	}
}

func toMessageDTOs(msgs []wire.Message) []messageDTO {
	out := make([]messageDTO, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toMessageDTO(m))
	}
	return out
}
