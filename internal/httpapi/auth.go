package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"qms/clinic-queue/internal/store"
)

// SessionStore resolves tokens issued by the external login flow.
type SessionStore interface {
	GetSession(ctx context.Context, token string) (store.Session, error)
}

type authContextKey struct{}

type authInfo struct {
	Session store.Session
}

func AuthMiddleware(sessions SessionStore, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicEndpoint(r) {
			next.ServeHTTP(w, r)
			return
		}
		session, status, msg := authenticate(r, sessions)
		if status != 0 {
			code := "unauthorized"
			if status == http.StatusInternalServerError {
				code = "internal_error"
			}
			writeError(w, requestIDFromRequest(r), status, code, msg)
			return
		}
		ctx := context.WithValue(r.Context(), authContextKey{}, authInfo{Session: session})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authenticate returns a non-zero status when the request carries no usable
// session.
func authenticate(r *http.Request, sessions SessionStore) (store.Session, int, string) {
	token := sessionIDFromRequest(r)
	if token == "" {
		return store.Session{}, http.StatusUnauthorized, "missing session"
	}
	session, err := sessions.GetSession(r.Context(), token)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return store.Session{}, http.StatusUnauthorized, "invalid session"
		}
		return store.Session{}, http.StatusInternalServerError, "internal server error"
	}
	if session.Expired(time.Now()) {
		return store.Session{}, http.StatusUnauthorized, "session expired"
	}
	return session, 0, ""
}

func sessionFromContext(ctx context.Context) (store.Session, bool) {
	value := ctx.Value(authContextKey{})
	if value == nil {
		return store.Session{}, false
	}
	info, ok := value.(authInfo)
	if !ok {
		return store.Session{}, false
	}
	return info.Session, true
}

func requireStaff(w http.ResponseWriter, r *http.Request) (int64, bool) {
	session, ok := sessionFromContext(r.Context())
	if !ok {
		writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "missing session")
		return 0, false
	}
	if session.StaffID == nil {
		writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "staff session required")
		return 0, false
	}
	return *session.StaffID, true
}

func requirePatient(w http.ResponseWriter, r *http.Request) (string, bool) {
	session, ok := sessionFromContext(r.Context())
	if !ok {
		writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "missing session")
		return "", false
	}
	if session.PatientPhone == "" {
		writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "patient session required")
		return "", false
	}
	return session.PatientPhone, true
}

// sessionIDFromRequest also accepts a token query parameter for SockJS
// transports, which cannot set headers.
func sessionIDFromRequest(r *http.Request) string {
	if token := bearerToken(r.Header.Get("Authorization")); token != "" {
		return token
	}
	if token := strings.TrimSpace(r.Header.Get("X-Session-ID")); token != "" {
		return token
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func requestIDFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Request-ID"))
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.Fields(header)
	if len(parts) != 2 {
		return ""
	}
	if strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return parts[1]
}

func isPublicEndpoint(r *http.Request) bool {
	switch {
	case r.URL.Path == "/healthz", r.URL.Path == "/metrics":
		return true
	case r.URL.Path == "/api/services", r.URL.Path == "/api/display":
		return r.Method == http.MethodGet
	case strings.HasPrefix(r.URL.Path, "/realtime/"):
		// the staff stream authenticates inside the session handler
		return true
	default:
		return r.Method == http.MethodOptions
	}
}
