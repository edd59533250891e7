package internal

import (
	"log/slog"
	"sync"
	"time"
)

// 系統設計問題：
//   所有房間共用一個 60 Hz 的調度器，如何保證一個房間的
//   故障不拖垮其他房間，關機時又不撕裂進行到一半的週期？
//
// 設計方案：
//   ✅ time.Ticker 維持固定節奏，週期耗時不影響下一拍的時點
//   ✅ 每房間 recover()：單一房間 panic 只損失它自己這一拍
//   ✅ 關機交握：Shutdown 等待進行中的週期收尾才關閉連接

// GameLoop 固定頻率的模擬調度器
type GameLoop struct {
	registry *Registry
	interval time.Duration
	logger   *slog.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewGameLoop 建立調度器（尚未啟動）
func NewGameLoop(registry *Registry, cfg GameConfig, logger *slog.Logger) *GameLoop {
	return &GameLoop{
		registry: registry,
		interval: cfg.TickInterval(),
		logger:   logger.With("component", "loop"),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start 啟動調度 goroutine
func (l *GameLoop) Start() {
	go l.run()
	l.logger.Info("調度器啟動", "interval", l.interval)
}

func (l *GameLoop) run() {
	defer close(l.done)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cycle()
		case <-l.stop:
			return
		}
	}
}

// cycle 服務一個完整週期：每個有玩家的房間推進並廣播
func (l *GameLoop) cycle() {
	for _, room := range l.registry.Rooms() {
		if room.PlayerCount() == 0 {
			continue
		}
		l.tickRoom(room)
	}
}

// tickRoom 單一房間的週期，panic 被隔離在這個房間內
func (l *GameLoop) tickRoom(room *Room) {
	defer func() {
		if rec := recover(); rec != nil {
			l.logger.Error("房間週期 panic，已隔離",
				"room_id", room.ID(),
				"panic", rec)
		}
	}()

	room.Tick()
	room.BroadcastState()
}

// Shutdown 停止調度並拆除所有房間
//
// 順序：停 ticker → 等進行中的週期收尾 → 以 close code 1000
// 通知所有連接服務器關機 → 清空目錄。
func (l *GameLoop) Shutdown() {
	l.stopOnce.Do(func() {
		close(l.stop)
	})
	<-l.done

	l.registry.Stop(closeNormal, "server shutting down")
	l.logger.Info("調度器已停止")
}
