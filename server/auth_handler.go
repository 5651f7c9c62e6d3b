package server

import (
	"errors"
	"net/http"
	"strings"

	"SyncFM/core/auth"
	"SyncFM/logger"
)

// TokenRequest represents the token request body
type TokenRequest struct {
	Password string `json:"password"`
}

// TokenHandler exchanges the control password for a JWT.
func (h *APIHandler) TokenHandler(w http.ResponseWriter, r *http.Request) {
	if h.issuer == nil {
		http.Error(w, "Control authentication is not enabled", http.StatusNotFound)
		return
	}

	var req TokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Password) == "" {
		http.Error(w, "Password is required", http.StatusBadRequest)
		return
	}

	token, err := h.issuer.Exchange(req.Password, r.RemoteAddr)
	if errors.Is(err, auth.ErrBadPassword) {
		logger.Warn("[Auth] 密码验证失败", logger.String("remote", r.RemoteAddr))
		http.Error(w, "Invalid password", http.StatusUnauthorized)
		return
	}
	if err != nil {
		logger.Error("[Auth] 生成Token失败", logger.ErrorField(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	logger.Info("[Auth] 签发控制令牌", logger.String("remote", r.RemoteAddr))
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// bearerToken reads the token from the Authorization header or, for
// websocket clients that cannot set headers, the token query parameter.
func bearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && parts[0] == "Bearer" {
			return parts[1]
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// authorized reports whether r carries a valid control token. Always true
// when authentication is disabled.
func (h *APIHandler) authorized(r *http.Request) (*auth.Claims, bool) {
	if h.issuer == nil {
		return nil, true
	}
	token := bearerToken(r)
	if token == "" {
		return nil, false
	}
	claims, err := h.issuer.ParseToken(token)
	if err != nil {
		logger.Debug("[Auth] 令牌无效", logger.ErrorField(err))
		return nil, false
	}
	return claims, true
}

// AuthMiddleware 校验控制令牌
func (h *APIHandler) AuthMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := h.authorized(r)
		if !ok {
			http.Error(w, "Invalid or missing token", http.StatusUnauthorized)
			return
		}
		if claims != nil {
			logger.Debug("[Auth] 控制请求",
				logger.String("subject", claims.Subject),
				logger.String("path", r.URL.Path))
		}
		next.ServeHTTP(w, r)
	}
}
