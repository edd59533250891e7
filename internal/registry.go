package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// 系統設計問題：
//   兩個玩家用同一個房間 id 同時發起連接，如何保證他們
//   進入同一個房間對象，而且房間建立的副作用只發生一次？
//
// 核心挑戰：
//   1. 並發建立：同 id 併發 GetOrCreate 必須回傳同一個指針
//   2. 建立風暴：房間建立要查持久層，不能放任無上限的併發查詢
//   3. 拆除競賽：最後一個玩家離開與新玩家加入可能同時發生
//
// 設計方案：
//   ✅ 雙重檢查鎖：快路徑只讀、慢路徑在鎖內複驗
//   ✅ 准入閘門：帶緩衝 channel 作計數信號量限流建立
//   ✅ 冪等拆除：Remove 在鎖內複驗房間確實為空才刪

// ErrRoomNotFound 查詢的房間不存在
var ErrRoomNotFound = errors.New("房間不存在")

// Registry 房間目錄
type Registry struct {
	mu    sync.RWMutex
	rooms map[uuid.UUID]*Room

	// gate 是房間建立的准入閘門：容量即同時建立的上限
	gate chan struct{}

	cfg     GameConfig
	store   GameStore
	updates *UpdateHub
	logger  *slog.Logger
}

// NewRegistry 建立房間目錄
func NewRegistry(cfg GameConfig, store GameStore, updates *UpdateHub,
	logger *slog.Logger) *Registry {

	return &Registry{
		rooms:   make(map[uuid.UUID]*Room),
		gate:    make(chan struct{}, cfg.MaxConcurrentCreates),
		cfg:     cfg,
		store:   store,
		updates: updates,
		logger:  logger.With("component", "registry"),
	}
}

// GetOrCreate 取得或建立房間
//
// 同 id 的併發呼叫保證回傳同一個 *Room。建立路徑受准入閘門限流，
// 閘門滿時阻塞等待；ctx 取消（關機）會讓等待者立即解除阻塞。
// 未見過的 id 會查詢持久層：有快照則恢復，否則插入新紀錄
// 並對大廳發布 new_game。
func (r *Registry) GetOrCreate(ctx context.Context, id uuid.UUID) (*Room, error) {
	// 快路徑：已存在的房間只需讀鎖
	r.mu.RLock()
	room, ok := r.rooms[id]
	r.mu.RUnlock()
	if ok {
		return room, nil
	}

	// 准入閘門：限制同時進行的建立數量
	select {
	case r.gate <- struct{}{}:
		defer func() { <-r.gate }()
	case <-ctx.Done():
		return nil, fmt.Errorf("等待房間建立閘門: %w", ctx.Err())
	}

	// 閘門等待期間別人可能已經建好了，查持久層前先複驗
	r.mu.Lock()
	if room, ok := r.rooms[id]; ok {
		r.mu.Unlock()
		return room, nil
	}
	r.mu.Unlock()

	// 持久層往返放在鎖外，避免慢查詢卡住整個目錄
	var persisted *GameSnapshot
	if r.store != nil {
		snap, err := r.store.Load(ctx, id)
		if err != nil {
			r.logger.Warn("讀取持久化狀態失敗，以全新比賽繼續",
				"room_id", id, "error", err)
		} else {
			persisted = snap
		}

		if persisted == nil {
			if err := r.store.CreateGame(ctx, id); err != nil {
				r.logger.Warn("建立比賽紀錄失敗", "room_id", id, "error", err)
			}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// 鎖外往返期間的第三次複驗
	if room, ok := r.rooms[id]; ok {
		return room, nil
	}

	room = NewRoom(id, r.cfg, persisted, r.store, r.updates, r.logger)
	r.rooms[id] = room

	if persisted == nil {
		r.updates.PublishNewGame(id)
	}

	r.logger.Info("房間建立",
		"room_id", id,
		"resumed", persisted != nil,
		"total_rooms", len(r.rooms))

	return room, nil
}

// Get 查詢既有房間
func (r *Registry) Get(id uuid.UUID) (*Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, ok := r.rooms[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, id)
	}
	return room, nil
}

// Remove 移除空房間（冪等）
//
// 競賽防護有兩層：呼叫方觀察到「房間空了」與實際刪除之間可能有
// 新玩家加入，closeIfEmpty 在房間鎖內複驗連接數；複驗通過的同時
// 房間被標記關閉，此後拿著舊指針的 Connect 一律回 ErrRoomClosed，
// 不會有人綁上一個已經不在目錄裡、永遠不會被推進的孤兒房間。
func (r *Registry) Remove(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[id]
	if !ok {
		return
	}
	if !room.closeIfEmpty() {
		return
	}

	delete(r.rooms, id)
	r.logger.Info("移除空房間", "room_id", id, "total_rooms", len(r.rooms))
}

// Rooms 當前房間的快照切片（調度器每個週期取用）
func (r *Registry) Rooms() []*Room {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rooms := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}

// Stats 目錄統計（/stats 端點用）
func (r *Registry) Stats() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byState := map[string]int{}
	players := 0
	for _, room := range r.rooms {
		byState[room.State().String()]++
		players += room.PlayerCount()
	}

	return map[string]any{
		"total_rooms":    len(r.rooms),
		"rooms_by_state": byState,
		"total_players":  players,
	}
}

// Stop 關閉所有房間的連接並清空目錄（關機用）
func (r *Registry) Stop(code int, reason string) {
	r.mu.Lock()
	rooms := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room)
	}
	r.rooms = make(map[uuid.UUID]*Room)
	r.mu.Unlock()

	for _, room := range rooms {
		room.CloseAll(code, reason)
	}

	r.logger.Info("目錄已清空", "closed_rooms", len(rooms))
}
