package httpx

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/andi/realtime/pkg/jwt"
)

type authContextKey string

type authInfo struct {
	UserID string
}

const contextKeyAuth authContextKey = "andi-realtime-auth-info"

var errNoToken = errors.New("missing authorization header")

type contextSetter interface {
	SetContext(context.Context)
}

// requireAuth ensures the request has a valid bearer token before invoking the handler.
func (r *Router) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ctx, _, ok := r.ensureAuth(w, req)
		if !ok {
			return
		}
		if setter, ok := w.(contextSetter); ok {
			setter.SetContext(ctx)
		}
		next(w, req.WithContext(ctx))
	}
}

// ensureAuth validates the Authorization header and enriches the context.
func (r *Router) ensureAuth(w http.ResponseWriter, req *http.Request) (context.Context, authInfo, bool) {
	token, err := bearerToken(req.Header.Get("Authorization"))
	if err != nil {
		r.logger.Warn("authorization header invalid", "error", err, "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "authentication required")
		return req.Context(), authInfo{}, false
	}
	info, err := r.authorize(token)
	if err != nil {
		r.logger.Warn("token validation failed", "error", err, "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "authentication failed")
		return req.Context(), authInfo{}, false
	}
	return context.WithValue(req.Context(), contextKeyAuth, info), info, true
}

func (r *Router) authorize(token string) (authInfo, error) {
	claims, err := jwt.Parse(token, r.jwtSecret)
	if err != nil {
		return authInfo{}, err
	}
	return authInfo{UserID: claims.UserID}, nil
}

// handshakeSession returns the session presented on a transport handshake. Browsers cannot set
// headers on a WebSocket upgrade, so the token may also arrive as the "token" query parameter.
func (r *Router) handshakeSession(req *http.Request) (authInfo, bool, error) {
	token, err := bearerToken(req.Header.Get("Authorization"))
	if errors.Is(err, errNoToken) {
		token = strings.TrimSpace(req.URL.Query().Get("token"))
		err = nil
	}
	if err != nil {
		return authInfo{}, false, err
	}
	if token == "" {
		return authInfo{}, false, nil
	}
	info, err := r.authorize(token)
	if err != nil {
		return authInfo{}, false, err
	}
	return info, true, nil
}

// authInfoFromContext extracts auth metadata from context.
func authInfoFromContext(ctx context.Context) (authInfo, bool) {
	info, ok := ctx.Value(contextKeyAuth).(authInfo)
	return info, ok
}

func bearerToken(header string) (string, error) {
	if strings.TrimSpace(header) == "" {
		return "", errNoToken
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header format")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("empty bearer token")
	}
	return token, nil
}
