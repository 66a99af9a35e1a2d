package middleware

import (
	"context"
	"encoding/hex"
	"net/http"
	"strings"

	"golang.org/x/crypto/blake2b"

	"jobchat/models"
)

type contextKey string

// ParticipantContextKey holds the authenticated models.Participant.
const ParticipantContextKey contextKey = "participant"

// Authenticator resolves session credentials to participants. With no
// configured tokens every non-empty credential is accepted.
type Authenticator struct {
	tokens map[string]models.Participant
}

// NewAuthenticator returns an Authenticator for the given token table.
func NewAuthenticator(tokens map[string]models.Participant) *Authenticator {
	return &Authenticator{tokens: tokens}
}

// Authenticate resolves token.
func (a *Authenticator) Authenticate(token string) (models.Participant, bool) {
	token = strings.TrimSpace(token)
	if token == "" {
		return models.Participant{}, false
	}
	if len(a.tokens) == 0 {
		sum := blake2b.Sum256([]byte(token))
		id := "user-" + hex.EncodeToString(sum[:4])
		return models.Participant{ID: id, Name: id, Role: models.RoleCustomer}, true
	}
	p, ok := a.tokens[token]
	return p, ok
}

// CredentialFromRequest returns the bearer header credential, else the token query parameter.
func CredentialFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
			return strings.TrimSpace(h[7:])
		}
		return strings.TrimSpace(h)
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// Auth rejects requests without a valid credential and adds the participant to the context.
func (a *Authenticator) Auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := a.Authenticate(CredentialFromRequest(r))
		if !ok {
			w.Header().Set("Content-Type", "application/json")
			http.Error(w, `{"message": "Unauthorized"}`, http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), ParticipantContextKey, p)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// OptionalAuth adds the participant to the context when the request carries
// a valid credential, and passes it through either way. Socket handshakes
// may still authenticate with the auth frame.
func (a *Authenticator) OptionalAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := a.Authenticate(CredentialFromRequest(r))
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		ctx := context.WithValue(r.Context(), ParticipantContextKey, p)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetParticipantFromContext retrieves the participant from the request context.
func GetParticipantFromContext(r *http.Request) (models.Participant, bool) {
	p, ok := r.Context().Value(ParticipantContextKey).(models.Participant)
	return p, ok
}
