package chat

import (
	"net/http"
	"strings"
)

// TokenCookieName is the cookie consulted last when looking for a token.
const TokenCookieName = "access_token"

// TokenFromRequest extracts a credential token from the query parameter
// "token", then an "Authorization: Bearer" header, then the access_token
// cookie. Returns "" when none is present.
func TokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token
	}
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			if token = strings.TrimSpace(token); token != "" {
				return token
			}
		}
	}
	if cookie, err := r.Cookie(TokenCookieName); err == nil {
		return strings.TrimSpace(cookie.Value)
	}
	return ""
}
