package internal

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// 系統設計問題：
//   大廳頁面需要即時看到「哪些房間開了、誰加入了、比分多少」，
//   但大廳觀察者的數量與房間數量無關，如何解耦？
//
// 設計方案：
//   ✅ 發布/訂閱：房間只管發布，訂閱者集合由 UpdateHub 維護
//   ✅ 自癒式投遞：送出失敗的訂閱者當場移除，不重試、不排隊
//   ✅ 發布端永不阻塞：訂閱者寫入慢是訂閱者自己的問題

// UpdateHub 大廳更新的扇出中心
//
// 生命週期事件（new_game / player_joined / score_update / game_over）
// 以 22 bytes 的二進制更新訊息推給所有訂閱的大廳連接。
type UpdateHub struct {
	mu     sync.Mutex
	subs   map[Conn]struct{}
	logger *slog.Logger
}

// NewUpdateHub 建立扇出中心
func NewUpdateHub(logger *slog.Logger) *UpdateHub {
	return &UpdateHub{
		subs:   make(map[Conn]struct{}),
		logger: logger.With("component", "updates"),
	}
}

// Subscribe 加入訂閱者集合
func (h *UpdateHub) Subscribe(conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.subs[conn] = struct{}{}
	h.logger.Debug("大廳訂閱者加入", "subscribers", len(h.subs))
}

// Unsubscribe 移除訂閱者（對未訂閱的連接是 no-op）
func (h *UpdateHub) Unsubscribe(conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.subs, conn)
	h.logger.Debug("大廳訂閱者離開", "subscribers", len(h.subs))
}

// SubscriberCount 當前訂閱者數量
func (h *UpdateHub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// PublishNewGame 新房間建立
func (h *UpdateHub) PublishNewGame(roomID uuid.UUID) {
	h.publish(EncodeUpdate(MsgNewGame, roomID, StateWaiting, 0, 0, 0, WinnerNone))
}

// PublishPlayerJoined 玩家加入房間
func (h *UpdateHub) PublishPlayerJoined(roomID uuid.UUID, state RoomState, players uint8) {
	h.publish(EncodeUpdate(MsgPlayerJoined, roomID, state, players, 0, 0, WinnerNone))
}

// PublishScoreUpdate 比分變化
func (h *UpdateHub) PublishScoreUpdate(roomID uuid.UUID, state RoomState,
	players, left, right uint8) {
	h.publish(EncodeUpdate(MsgScoreUpdate, roomID, state, players, left, right, WinnerNone))
}

// PublishGameOver 比賽結束
func (h *UpdateHub) PublishGameOver(roomID uuid.UUID, state RoomState,
	players, left, right uint8, winner Winner) {
	h.publish(EncodeUpdate(MsgGameOver, roomID, state, players, left, right, winner))
}

// publish 對所有訂閱者扇出；失敗者當場移除
func (h *UpdateHub) publish(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for conn := range h.subs {
		if err := conn.Send(data); err != nil {
			h.logger.Debug("大廳投遞失敗，移除訂閱者", "error", err)
			delete(h.subs, conn)
		}
	}
}
