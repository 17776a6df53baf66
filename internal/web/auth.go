package web

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// authorizeRequest checks the optional API token. It is accepted as a
// bearer header, or as ?token= for EventSource and websocket clients that
// cannot set headers.
func (s *Server) authorizeRequest(r *http.Request) bool {
	if s.cfg.Token == "" {
		return true
	}
	if token := bearerToken(r.Header.Get("Authorization")); token != "" {
		return secureEqual(token, s.cfg.Token)
	}
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return secureEqual(token, s.cfg.Token)
	}
	return false
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, prefix))
}

func secureEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
