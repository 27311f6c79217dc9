package gateway

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"net/http"
)

const (
	csrfCookieName = "climpire_csrf"
	csrfHeaderName = "X-CSRF-Token"
)

// handleCSRF mints a double-submit token: the same random value goes out as
// a cookie and in the body, and mutating calls must echo it in the header.
func (s *Server) handleCSRF(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
		return
	}
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	token := hex.EncodeToString(buf)
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    token,
		Path:     "/",
		SameSite: http.SameSiteStrictMode,
	})
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"csrf_token": token})
}

// authorizeMutation accepts either a valid bearer credential or a matching
// CSRF header/cookie pair.
func (s *Server) authorizeMutation(r *http.Request) bool {
	if s.bearerOK(r) {
		return true
	}
	header := r.Header.Get(csrfHeaderName)
	if header == "" {
		return false
	}
	cookie, err := r.Cookie(csrfCookieName)
	if err != nil || cookie.Value == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(header), []byte(cookie.Value)) == 1
}
