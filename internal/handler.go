package internal

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Handler HTTP 請求處理器
//
// websocket 之外的管理面：建立比賽（會話分配）、查詢比賽、
// 客戶端渲染常數、健康檢查與統計。
type Handler struct {
	registry *Registry
	store    GameStore
	updates  *UpdateHub
	logger   *slog.Logger
}

// NewHandler 創建 HTTP 處理器
func NewHandler(registry *Registry, store GameStore, updates *UpdateHub,
	logger *slog.Logger) *Handler {

	return &Handler{
		registry: registry,
		store:    store,
		updates:  updates,
		logger:   logger,
	}
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// 中間件鏈
	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return h.recoverer(h.loggerMiddleware(handler))
	}

	// 比賽管理 API
	mux.HandleFunc("POST /api/v1/games", wrap(h.createGame))
	mux.HandleFunc("GET /api/v1/games/{game_id}", wrap(h.getGame))

	// 客戶端渲染常數
	mux.HandleFunc("GET /specs", wrap(h.specs))

	// 健康檢查
	mux.HandleFunc("GET /health", wrap(h.health))
	mux.HandleFunc("GET /stats", wrap(h.stats))

	return mux
}

// createGame 分配新比賽：產生 id 並持久化 WAITING 紀錄
//
// 房間對象本身延遲到第一個玩家連 websocket 時才建立，
// 這個端點只負責會話分配。
func (h *Handler) createGame(w http.ResponseWriter, r *http.Request) {
	id := uuid.New()

	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()

	if h.store != nil {
		if err := h.store.CreateGame(ctx, id); err != nil {
			h.logger.Error("建立比賽紀錄失敗", "game_id", id, "error", err)
			h.errorResponse(w, "無法建立比賽", http.StatusInternalServerError)
			return
		}
	}

	h.updates.PublishNewGame(id)

	h.jsonResponse(w, map[string]any{
		"game_id":       id.String(),
		"state":         StateWaiting.String(),
		"websocket_url": "/ws/games/" + id.String(),
	}, http.StatusCreated)
}

// getGame 查詢比賽狀態：優先回內存中的活房間，否則查持久層
func (h *Handler) getGame(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("game_id"))
	if err != nil {
		h.errorResponse(w, "無效的比賽 ID", http.StatusBadRequest)
		return
	}

	if room, err := h.registry.Get(id); err == nil {
		snap := room.Snapshot()
		h.jsonResponse(w, gameResponse(snap, room.PlayerCount()), http.StatusOK)
		return
	}

	if h.store == nil {
		h.errorResponse(w, "比賽不存在", http.StatusNotFound)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()

	snap, err := h.store.Load(ctx, id)
	if err != nil {
		h.logger.Error("讀取比賽失敗", "game_id", id, "error", err)
		h.errorResponse(w, "讀取比賽失敗", http.StatusInternalServerError)
		return
	}
	if snap == nil {
		h.errorResponse(w, "比賽不存在", http.StatusNotFound)
		return
	}

	h.jsonResponse(w, gameResponse(*snap, 0), http.StatusOK)
}

func gameResponse(snap GameSnapshot, players int) map[string]any {
	return map[string]any{
		"game_id":     snap.ID.String(),
		"state":       snap.State.String(),
		"left_score":  snap.LeftScore,
		"right_score": snap.RightScore,
		"winner":      int(snap.Winner),
		"players":     players,
	}
}

// specs 回傳客戶端渲染所需的場地與物理常數
func (h *Handler) specs(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, map[string]any{
		"board": map[string]any{
			"width":  BoardWidth,
			"height": BoardHeight,
		},
		"ball": map[string]any{
			"radius":  BallRadius,
			"speed_x": BallSpeedX,
			"speed_y": BallSpeedY,
		},
		"paddle": map[string]any{
			"height":  PaddleHeight,
			"speed":   PaddleSpeed,
			"left_x":  LeftPaddleX,
			"right_x": RightPaddleX,
		},
	}, http.StatusOK)
}

// health 健康檢查
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, map[string]any{
		"status": "healthy",
		"time":   time.Now().Unix(),
	}, http.StatusOK)
}

// stats 統計資訊
func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	stats := h.registry.Stats()
	stats["lobby_subscribers"] = h.updates.SubscriberCount()
	h.jsonResponse(w, stats, http.StatusOK)
}

// jsonResponse 返回 JSON 響應
func (h *Handler) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("編碼 JSON 失敗", "error", err)
	}
}

// errorResponse 返回錯誤響應
func (h *Handler) errorResponse(w http.ResponseWriter, message string, status int) {
	h.jsonResponse(w, map[string]any{
		"error": message,
	}, status)
}

// loggerMiddleware 日誌中間件
func (h *Handler) loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// 包裝 ResponseWriter 以獲取狀態碼
		ww := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next(ww, r)

		h.logger.Info("HTTP 請求",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.statusCode,
			"duration", time.Since(start))
	}
}

// recoverer panic 恢復中間件
func (h *Handler) recoverer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				h.logger.Error("處理請求時發生 panic",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path)

				h.errorResponse(w, "內部伺服器錯誤", http.StatusInternalServerError)
			}
		}()

		next(w, r)
	}
}

// responseWriter 包裝 ResponseWriter 以獲取狀態碼
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}
