package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"SyncFM/config"
	"SyncFM/core/auth"
	"SyncFM/core/playlist"
	"SyncFM/core/session"
	"SyncFM/logger"

	"github.com/gorilla/websocket"
)

// OnlineCounter 统计会话在线连接（Redis 心跳）
type OnlineCounter interface {
	ActiveOnlineCount(ctx context.Context, sessionID string) (int64, error)
}

// APIHandler 处理所有API请求
type APIHandler struct {
	playlist *playlist.Service
	manager  *session.Manager
	online   OnlineCounter
	issuer   *auth.TokenIssuer
	cfg      *config.Config
	upgrader websocket.Upgrader
}

// NewAPIHandler 创建新的API处理器。issuer 为 nil 时不校验控制令牌，online 可以为 nil
func NewAPIHandler(
	playlistService *playlist.Service,
	manager *session.Manager,
	online OnlineCounter,
	issuer *auth.TokenIssuer,
	cfg *config.Config,
) *APIHandler {
	return &APIHandler{
		playlist: playlistService,
		manager:  manager,
		online:   online,
		issuer:   issuer,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("[API] 写入响应失败", logger.ErrorField(err))
	}
}

// writeError maps service errors to status codes.
func writeError(w http.ResponseWriter, tag string, err error) {
	switch {
	case errors.Is(err, playlist.ErrTrackNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, playlist.ErrUnsupportedMedia):
		http.Error(w, err.Error(), http.StatusUnsupportedMediaType)
	case errors.Is(err, playlist.ErrInvalidUpload), errors.Is(err, session.ErrMalformedAction):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		logger.Error("["+tag+"] 请求处理失败", logger.ErrorField(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

// decodeJSON decodes the body into v and answers 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func parseID(w http.ResponseWriter, raw string) (int64, bool) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "Invalid track ID", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}
