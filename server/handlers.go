package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"

	"ShareFM/cache"
	"ShareFM/core/share"
	"ShareFM/logger"
	"ShareFM/model"

	"github.com/gorilla/mux"
)

// ShareService 处理器依赖的分享服务
type ShareService interface {
	SharedLibrary(ctx context.Context, grantee string, force bool) (cache.LoadResult[*model.SharedListing], error)
	PlaylistTracks(ctx context.Context, sh model.PlaylistShare, force bool) (cache.LoadResult[[]model.SharedTrack], error)
	DecryptTrack(ctx context.Context, identity model.Identity, track model.SharedTrack) (*model.CacheEntry, error)
	Download(ctx context.Context, identity model.Identity, track model.SharedTrack) (*model.DownloadedEntry, error)
	Local(ctx context.Context, contentID string) (*model.CacheEntry, error)
}

// APIHandler 处理所有API请求
type APIHandler struct {
	svc    ShareService
	checks map[string]func(context.Context) error
}

// NewAPIHandler 创建新的API处理器
func NewAPIHandler(svc ShareService, checks map[string]func(context.Context) error) *APIHandler {
	return &APIHandler{svc: svc, checks: checks}
}

// contentRequest 解密和下载的请求体
type contentRequest struct {
	Identity model.Identity    `json:"identity"`
	Track    model.SharedTrack `json:"track"`
}

// viewResponse 列表视图，带缓存状态供前端决定是否显示加载中
type viewResponse struct {
	Data       interface{} `json:"data"`
	FromCache  bool        `json:"fromCache"`
	Stale      bool        `json:"stale"`
	Refreshing bool        `json:"refreshing"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("encode response failed", logger.ErrorField(err))
	}
}

// statusFor 错误到 HTTP 状态码
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrNotSupported):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrNotShared):
		return http.StatusForbidden
	case errors.Is(err, model.ErrNotUnlocked):
		return http.StatusConflict
	case errors.Is(err, model.ErrBusy):
		return http.StatusTooManyRequests
	case errors.Is(err, model.ErrCorruptPayload), errors.Is(err, model.ErrDecryptFailed):
		return http.StatusBadGateway
	case errors.Is(err, share.ErrNotCached):
		return http.StatusNotFound
	case errors.Is(err, model.ErrMissingKeyPair):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed",
			logger.String("path", r.URL.Path),
			logger.Int("status", status),
			logger.ErrorField(err))
	} else {
		logger.Warn("request rejected",
			logger.String("path", r.URL.Path),
			logger.Int("status", status),
			logger.ErrorField(err))
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Reason: model.Reason(err)})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg, Reason: msg})
}

func parseForce(r *http.Request) bool {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	return force
}

// SharedHandler GET /api/shared?grantee=...
func (h *APIHandler) SharedHandler(w http.ResponseWriter, r *http.Request) {
	grantee := r.URL.Query().Get("grantee")
	if grantee == "" {
		badRequest(w, "grantee is required")
		return
	}
	res, err := h.svc.SharedLibrary(r.Context(), grantee, parseForce(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewResponse{
		Data:       res.Value,
		FromCache:  res.FromCache,
		Stale:      res.Stale,
		Refreshing: res.Refreshing,
	})
}

// PlaylistHandler POST /api/shared/playlist
func (h *APIHandler) PlaylistHandler(w http.ResponseWriter, r *http.Request) {
	var sh model.PlaylistShare
	if err := json.NewDecoder(r.Body).Decode(&sh); err != nil {
		badRequest(w, "invalid playlist share")
		return
	}
	if sh.PlaylistID == "" || sh.Grantee == "" {
		badRequest(w, "playlistId and grantee are required")
		return
	}
	res, err := h.svc.PlaylistTracks(r.Context(), sh, parseForce(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewResponse{
		Data:       res.Value,
		FromCache:  res.FromCache,
		Stale:      res.Stale,
		Refreshing: res.Refreshing,
	})
}

func decodeContentRequest(w http.ResponseWriter, r *http.Request) (*contentRequest, bool) {
	var req contentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return nil, false
	}
	return &req, true
}

// DecryptHandler POST /api/content/decrypt
func (h *APIHandler) DecryptHandler(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeContentRequest(w, r)
	if !ok {
		return
	}
	entry, err := h.svc.DecryptTrack(r.Context(), req.Identity, req.Track)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// DownloadHandler POST /api/content/download
func (h *APIHandler) DownloadHandler(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeContentRequest(w, r)
	if !ok {
		return
	}
	entry, err := h.svc.Download(r.Context(), req.Identity, req.Track)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// StreamHandler GET /api/content/{contentId}/stream，支持 Range
func (h *APIHandler) StreamHandler(w http.ResponseWriter, r *http.Request) {
	contentID := mux.Vars(r)["contentId"]
	entry, err := h.svc.Local(r.Context(), contentID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	f, err := os.Open(entry.LocalPath)
	if err != nil {
		writeError(w, r, share.ErrNotCached)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", entry.MimeType)
	w.Header().Set("Cache-Control", "private, max-age=3600")
	http.ServeContent(w, r, "", info.ModTime(), f)
}

// HealthHandler GET /api/health
func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	results := make(map[string]string, len(h.checks))
	status := http.StatusOK
	for name, check := range h.checks {
		if err := check(r.Context()); err != nil {
			results[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}
	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	writeJSON(w, status, map[string]interface{}{"status": state, "checks": results})
}
