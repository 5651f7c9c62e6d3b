package server

import (
	"context"
	"net/http"
	"time"

	"SyncFM/core/session"
	"SyncFM/logger"
	"SyncFM/model"

	"github.com/gorilla/mux"
)

func sessionIDFrom(r *http.Request) string {
	if id := mux.Vars(r)["session_id"]; id != "" {
		return id
	}
	return session.DefaultSessionID
}

// HandleWebSocket upgrades a listener. Without a valid control token the
// connection only receives broadcasts.
func (h *APIHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := sessionIDFrom(r)
	_, canControl := h.authorized(r)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("[WS] 升级连接失败", logger.ErrorField(err))
		return
	}

	client := session.NewClient(h.manager.Hub(), conn, sessionID)
	client.ReadOnly = !canControl
	h.manager.Join(client)

	logger.Info("[WS] 客户端已连接",
		logger.String("session", sessionID),
		logger.String("conn", client.ConnID),
		logger.String("remote", client.RemoteAddr),
		logger.Bool("readOnly", client.ReadOnly))

	go client.WritePump()
	go client.ReadPump(context.Background(), h.manager.HandleMessage)
}

// GetSessionStateHandler 返回当前状态，位置推算到此刻
func (h *APIHandler) GetSessionStateHandler(w http.ResponseWriter, r *http.Request) {
	st := h.manager.Session(sessionIDFrom(r)).Snapshot()
	writeJSON(w, http.StatusOK, model.NewStateUpdate(st, st.UpdatedAt))
}

// SubmitActionHandler applies an action through the same arbiter as the
// websocket route. Rejections are returned to the caller only.
func (h *APIHandler) SubmitActionHandler(w http.ResponseWriter, r *http.Request) {
	var action model.Action
	if !decodeJSON(w, r, &action) {
		return
	}
	st, err := h.manager.Submit(r.Context(), sessionIDFrom(r), action)
	if err != nil {
		writeError(w, "Session", err)
		return
	}
	writeJSON(w, http.StatusOK, model.NewStateUpdate(st, st.UpdatedAt))
}

// SessionInfo 会话概况
type SessionInfo struct {
	SessionID string                `json:"sessionId"`
	Listeners int                   `json:"listeners"`
	Online    *int64                `json:"online,omitempty"`
	State     model.StateUpdateData `json:"state"`
}

// GetSessionHandler 返回会话连接数和在线人数
func (h *APIHandler) GetSessionHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := sessionIDFrom(r)
	st := h.manager.Session(sessionID).Snapshot()
	info := SessionInfo{
		SessionID: sessionID,
		Listeners: h.manager.ListenerCount(sessionID),
		State:     model.NewStateUpdate(st, st.UpdatedAt),
	}

	if h.online != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if n, err := h.online.ActiveOnlineCount(ctx, sessionID); err != nil {
			logger.Warn("[Session] 获取在线人数失败",
				logger.ErrorField(err),
				logger.String("session", sessionID))
		} else {
			info.Online = &n
		}
	}
	writeJSON(w, http.StatusOK, info)
}

// ListSessionsHandler 列出已创建的会话
func (h *APIHandler) ListSessionsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"sessions": h.manager.Sessions()})
}
