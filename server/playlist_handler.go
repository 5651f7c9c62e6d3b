package server

import (
	"errors"
	"io"
	"net/http"

	"SyncFM/logger"

	"github.com/gorilla/mux"
)

// 封面最大 5MB
const maxArtBytes = 5 << 20

// GetPlaylistHandler 返回按顺序排列的播放列表
func (h *APIHandler) GetPlaylistHandler(w http.ResponseWriter, r *http.Request) {
	tracks, err := h.playlist.List(r.Context())
	if err != nil {
		writeError(w, "Playlist", err)
		return
	}
	writeJSON(w, http.StatusOK, tracks)
}

// UploadTrackHandler 上传音频。请求体是文件内容，文件名放在 X-Filename 头里
func (h *APIHandler) UploadTrackHandler(w http.ResponseWriter, r *http.Request) {
	filename := r.Header.Get("X-Filename")
	if filename == "" {
		http.Error(w, "X-Filename header is required", http.StatusBadRequest)
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "File too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "Failed to read upload", http.StatusBadRequest)
		return
	}

	track, err := h.playlist.Add(r.Context(), filename, data)
	if err != nil {
		logger.Warn("[Upload] 上传失败", logger.String("filename", filename), logger.ErrorField(err))
		writeError(w, "Upload", err)
		return
	}
	writeJSON(w, http.StatusCreated, track)
}

// UploadArtHandler 上传封面（multipart: id, file）
func (h *APIHandler) UploadArtHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxArtBytes+1<<20)
	if err := r.ParseMultipartForm(maxArtBytes); err != nil {
		http.Error(w, "Invalid multipart form", http.StatusBadRequest)
		return
	}

	id, ok := parseID(w, r.FormValue("id"))
	if !ok {
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "file is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxArtBytes+1))
	if err != nil {
		http.Error(w, "Failed to read file", http.StatusBadRequest)
		return
	}
	if len(data) > maxArtBytes {
		http.Error(w, "File too large", http.StatusRequestEntityTooLarge)
		return
	}

	if err := h.playlist.UploadArt(r.Context(), id, data); err != nil {
		writeError(w, "Art", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "id": id})
}

type idRequest struct {
	ID int64 `json:"id"`
}

type renameRequest struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type reorderRequest struct {
	Order []int64 `json:"order"`
}

// DeleteTrackHandler 删除曲目，正在播放它的会话会被取消选择
func (h *APIHandler) DeleteTrackHandler(w http.ResponseWriter, r *http.Request) {
	var req idRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.playlist.Delete(r.Context(), req.ID); err != nil {
		writeError(w, "Delete", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// RenameTrackHandler 重命名曲目
func (h *APIHandler) RenameTrackHandler(w http.ResponseWriter, r *http.Request) {
	var req renameRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	track, err := h.playlist.Rename(r.Context(), req.ID, req.Name)
	if err != nil {
		writeError(w, "Rename", err)
		return
	}
	writeJSON(w, http.StatusOK, track)
}

// ReorderHandler 重排播放列表
func (h *APIHandler) ReorderHandler(w http.ResponseWriter, r *http.Request) {
	var req reorderRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.playlist.Reorder(r.Context(), req.Order); err != nil {
		writeError(w, "Reorder", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// StreamHandler 重定向到音频的临时链接
func (h *APIHandler) StreamHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, mux.Vars(r)["id"])
	if !ok {
		return
	}
	u, err := h.playlist.StreamURL(r.Context(), id)
	if err != nil {
		writeError(w, "Stream", err)
		return
	}
	http.Redirect(w, r, u.String(), http.StatusFound)
}

// ArtHandler 重定向到封面的临时链接
func (h *APIHandler) ArtHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, mux.Vars(r)["id"])
	if !ok {
		return
	}
	u, err := h.playlist.ArtURL(r.Context(), id)
	if err != nil {
		writeError(w, "Art", err)
		return
	}
	w.Header().Set("Cache-Control", "private, max-age=60")
	http.Redirect(w, r, u.String(), http.StatusFound)
}
