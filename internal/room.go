package internal

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// 系統設計問題：
//   一個房間的狀態同時被 tick 調度器與兩條連接的讀取 goroutine 觸碰，
//   如何避免競態、斷線競賽與終局後的殘留廣播？
//
// 核心挑戰：
//   1. 並發控制：Connect / Disconnect / ApplyCommand / Tick 互相交錯
//   2. 指令排序：同一 tick 收到的指令要在 Step 之前全部生效
//   3. 斷線自癒：廣播失敗視為隱式斷線，且不能影響另一條連接
//   4. 終局凍結：GAME_OVER 之後模擬與分數完全不再變動
//
// 設計方案：
//   ✅ 單一 Mutex 保護全部變異入口（唯一的變異面）
//   ✅ 每角色「最後指令獲勝」的待處理佇列，tick 開頭套用
//   ✅ 廣播在鎖內收集失敗者、鎖內解綁，不遞迴呼叫公開方法

// RoomState 房間狀態
//
// 有限狀態機：
//
//	WAITING → PLAYING → PAUSED → PLAYING → … → GAME_OVER
//
// 轉換規則：
//   - WAITING → PLAYING：第 2 位玩家綁定角色
//   - PLAYING → PAUSED：任一玩家離線（模擬凍結，狀態保留）
//   - PAUSED → PLAYING：玩家重新加入補滿 2 人
//   - PLAYING → GAME_OVER：分數達到勝利門檻（終態，房間待拆除）
//
// 不變量：模擬只在 PLAYING 推進；winner 設定與轉入 GAME_OVER
// 在同一次 Tick 內原子完成。
type RoomState int

const (
	StateWaiting RoomState = iota
	StatePlaying
	StatePaused
	StateGameOver
)

// String 回傳持久層與日誌用的狀態名
func (s RoomState) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateGameOver:
		return "game_over"
	default:
		return "unknown"
	}
}

// 房間層錯誤
var (
	// ErrRoomFull 房間已綁定兩個角色
	ErrRoomFull = errors.New("房間已滿")

	// ErrRoomClosed 房間已從目錄移除，不再接受綁定
	//
	// 「最後一位玩家離線 → 移除」與新玩家綁定可能交錯：
	// 移除時房間被標記關閉，拿著舊指針的 Connect 得到這個錯誤，
	// 呼叫方重新向目錄取房間即可。
	ErrRoomClosed = errors.New("房間已關閉")
)

// Conn 房間視角的玩家連接
//
// Room 只需要「送出 bytes」與「帶原因關閉」兩個能力；
// 真實實作包裝 gorilla/websocket（見 websocket.go），
// 測試用記錄式假連接替身。
type Conn interface {
	Send(data []byte) error
	Close(code int, reason string) error
}

// 生命週期狀態字串（對房間內玩家廣播的內容）
const (
	statusWaitingForPlayers = "waiting_for_players"
	statusGameStarting      = "game_starting"
	statusGamePaused        = "game_paused"
	statusGameOverPrefix    = "game_over_" // 後接 "left" / "right"
)

// storeTimeout 單次持久化呼叫的時限
//
// 持久化是外部協作者：失敗只記日誌，絕不反向影響比賽進行。
const storeTimeout = 2 * time.Second

// storeJobQueueLen 每房間存儲工作佇列的深度
//
// 存儲呼叫在鎖外的工作 goroutine 串行執行；佇列滿代表存儲
// 嚴重積壓，後續檢查點直接丟棄（下一個檢查點會帶上最新狀態）。
const storeJobQueueLen = 16

// Room 一場比賽：模擬狀態 + 至多兩條連接
type Room struct {
	id  uuid.UUID
	cfg GameConfig

	// mu 是唯一的變異面：tick goroutine 與每條連接的
	// 讀取 goroutine 都必須經過它
	mu      sync.Mutex
	state   RoomState
	sim     *Simulation
	conns   map[Role]Conn
	pending map[Role]Command // 每角色最後一個未套用的指令
	closed  bool             // 已從目錄移除，拒絕新的綁定

	lastSave time.Time

	store   GameStore
	updates *UpdateHub
	logger  *slog.Logger

	// storeJobs 鎖外串行執行存儲呼叫（store 為 nil 時不啟動）
	storeJobs chan func()
	stop      chan struct{}
}

// NewRoom 建立房間；persisted 非 nil 時從持久化快照恢復
func NewRoom(id uuid.UUID, cfg GameConfig, persisted *GameSnapshot,
	store GameStore, updates *UpdateHub, logger *slog.Logger) *Room {

	r := &Room{
		id:      id,
		cfg:     cfg,
		state:   StateWaiting,
		sim:     NewSimulation(cfg.PointsToWin),
		conns:   make(map[Role]Conn),
		pending: make(map[Role]Command),
		store:   store,
		updates: updates,
		logger:  logger.With("room_id", id.String()),
		stop:    make(chan struct{}),
	}

	if persisted != nil {
		r.restore(persisted)
	}

	if store != nil {
		r.storeJobs = make(chan func(), storeJobQueueLen)
		go r.storeWorker()
	}

	return r
}

// restore 從持久化快照恢復模擬狀態
//
// 房間仍從 WAITING 起步（實際狀態由連接數決定），
// 但分數、球與球拍位置沿用快照；已終局的比賽保留 GAME_OVER。
func (r *Room) restore(snap *GameSnapshot) {
	r.sim.Ball.X = snap.BallX
	r.sim.Ball.Y = snap.BallY
	r.sim.LeftPaddle.Y = snap.LeftPaddleY
	r.sim.RightPaddle.Y = snap.RightPaddleY
	r.sim.LeftScore = snap.LeftScore
	r.sim.RightScore = snap.RightScore
	r.sim.Winner = snap.Winner

	if snap.State == StateGameOver {
		r.state = StateGameOver
	}

	r.logger.Info("從持久化狀態恢復房間",
		"state", snap.State.String(),
		"left_score", snap.LeftScore,
		"right_score", snap.RightScore)
}

// ID 房間識別碼
func (r *Room) ID() uuid.UUID {
	return r.id
}

// State 當前房間狀態
func (r *Room) State() RoomState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// PlayerCount 已綁定角色的連接數
func (r *Room) PlayerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Connect 綁定連接到一個空閒角色
//
// 角色分配先到先得：左邊優先。第 2 位玩家綁定時
// WAITING/PAUSED → PLAYING 並廣播 game_starting；
// 否則廣播 waiting_for_players。兩種情況都對大廳
// 發布 player_joined 更新。
func (r *Room) Connect(conn Conn) (Role, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, ErrRoomClosed
	}

	role, ok := r.freeRole()
	if !ok {
		r.logger.Warn("連接被拒絕：房間已滿")
		return 0, ErrRoomFull
	}

	r.conns[role] = conn
	r.logger.Info("玩家連接",
		"role", role.String(),
		"players", len(r.conns))

	if len(r.conns) == 2 && r.state != StateGameOver {
		if r.state == StateWaiting && r.sim.Winner == WinnerNone &&
			r.sim.LeftScore == 0 && r.sim.RightScore == 0 {
			// 全新比賽：重建模擬，確保不殘留上一局的球速方向
			r.sim = NewSimulation(r.cfg.PointsToWin)
		}
		r.state = StatePlaying
		r.lastSave = time.Now()
		r.logger.Info("雙方到齊，比賽開始")
		r.broadcastStatusLocked(statusGameStarting)
	} else if r.state == StateGameOver {
		// 重連到已結束的比賽：直接告知終局結果
		side := "left"
		if r.sim.Winner == WinnerRight {
			side = "right"
		}
		r.broadcastStatusLocked(statusGameOverPrefix + side)
	} else {
		r.broadcastStatusLocked(statusWaitingForPlayers)
	}

	r.updates.PublishPlayerJoined(r.id, r.state, uint8(len(r.conns)))
	r.recordPlayerLocked(role, true)

	return role, nil
}

// freeRole 找出第一個未綁定的角色
func (r *Room) freeRole() (Role, bool) {
	if _, ok := r.conns[RoleLeft]; !ok {
		return RoleLeft, true
	}
	if _, ok := r.conns[RoleRight]; !ok {
		return RoleRight, true
	}
	return 0, false
}

// Disconnect 解除連接的角色綁定
//
// 對未綁定的連接呼叫是 no-op（廣播失敗與讀取失敗
// 可能對同一條連接各觸發一次）。
func (r *Room) Disconnect(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for role, c := range r.conns {
		if c == conn {
			r.unbindLocked(role)
			return
		}
	}
}

// unbindLocked 解綁角色並套用狀態轉換；呼叫方必須持有鎖
func (r *Room) unbindLocked(role Role) {
	delete(r.conns, role)
	delete(r.pending, role)

	r.logger.Info("玩家離線",
		"role", role.String(),
		"players", len(r.conns))

	r.recordPlayerLocked(role, false)

	if r.state == StatePlaying && len(r.conns) < 2 {
		r.state = StatePaused
		r.logger.Info("玩家離線，比賽暫停")
		r.broadcastStatusLocked(statusGamePaused)
		r.checkpointLocked()
	}
}

// ApplyCommand 處理玩家送來的原始指令 bytes
//
// 非 PLAYING 狀態一律忽略。解碼失敗記日誌後丟棄，
// 絕不因壞指令關閉連接。同一 tick 內後到的指令覆蓋先到的
// （last-command-wins），在下一次 Tick 開頭生效。
func (r *Room) ApplyCommand(conn Conn, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StatePlaying {
		return
	}

	cmd, err := DecodeCommand(data)
	if err != nil {
		r.logger.Debug("丟棄無法解碼的指令", "error", err)
		return
	}

	for role, c := range r.conns {
		if c == conn {
			r.pending[role] = cmd
			return
		}
	}
}

// Tick 推進一個模擬週期
//
// 順序保證：先套用上一 tick 以來累積的指令，再 Step；
// 分數 / 終局轉換的大廳更新在常規狀態廣播之前發出。
func (r *Room) Tick() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StatePlaying {
		return
	}

	// 指令先於 Step 生效；左右順序固定，確保可重現
	for _, role := range []Role{RoleLeft, RoleRight} {
		if cmd, ok := r.pending[role]; ok {
			r.sim.Apply(role, cmd)
			delete(r.pending, role)
		}
	}

	prevLeft, prevRight := r.sim.LeftScore, r.sim.RightScore

	r.sim.Step()

	if r.sim.LeftScore != prevLeft || r.sim.RightScore != prevRight {
		r.logger.Info("比分更新",
			"left", r.sim.LeftScore,
			"right", r.sim.RightScore)
		r.updates.PublishScoreUpdate(r.id, r.state, uint8(len(r.conns)),
			uint8(r.sim.LeftScore), uint8(r.sim.RightScore))
	}

	if r.sim.Winner != WinnerNone {
		r.state = StateGameOver
		side := "left"
		if r.sim.Winner == WinnerRight {
			side = "right"
		}
		r.logger.Info("比賽結束", "winner", side)

		r.updates.PublishGameOver(r.id, r.state, uint8(len(r.conns)),
			uint8(r.sim.LeftScore), uint8(r.sim.RightScore), r.sim.Winner)
		r.broadcastStatusLocked(statusGameOverPrefix + side)
		r.checkpointLocked()
		return
	}

	// 週期性檢查點：PLAYING 期間每隔 SaveInterval 持久化一次
	if r.cfg.SaveInterval > 0 && time.Since(r.lastSave) >= r.cfg.SaveInterval {
		r.checkpointLocked()
	}
}

// BroadcastState 把當前模擬狀態送給所有綁定的連接
//
// 任何一條連接送出失敗都視為該連接隱式斷線，
// 但不中斷對另一條連接的投遞。
func (r *Room) BroadcastState() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.conns) == 0 {
		return
	}

	data := EncodeState(
		float32(r.sim.Ball.X), float32(r.sim.Ball.Y),
		float32(r.sim.LeftPaddle.Y), float32(r.sim.RightPaddle.Y),
		uint8(r.sim.LeftScore), uint8(r.sim.RightScore),
		r.sim.Winner)

	r.broadcastLocked(data)
}

// broadcastStatusLocked 廣播狀態字串；呼叫方必須持有鎖
func (r *Room) broadcastStatusLocked(status string) {
	r.logger.Debug("廣播狀態", "status", status)
	r.broadcastLocked(EncodeStatus(status))
}

// broadcastLocked 鎖內的共用廣播：先投遞全部，再解綁失敗者
//
// 兩段式處理避免在遍歷 map 的同時修改它，
// 也保證一條連接的失敗不會短路另一條的投遞。
func (r *Room) broadcastLocked(data []byte) {
	var failed []Role
	for role, conn := range r.conns {
		if err := conn.Send(data); err != nil {
			r.logger.Warn("廣播失敗，視為斷線",
				"role", role.String(),
				"error", err)
			failed = append(failed, role)
		}
	}

	for _, role := range failed {
		r.unbindLocked(role)
	}
}

// Snapshot 匯出持久化快照
func (r *Room) Snapshot() GameSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Room) snapshotLocked() GameSnapshot {
	return GameSnapshot{
		ID:           r.id,
		State:        r.state,
		BallX:        r.sim.Ball.X,
		BallY:        r.sim.Ball.Y,
		LeftPaddleY:  r.sim.LeftPaddle.Y,
		RightPaddleY: r.sim.RightPaddle.Y,
		LeftScore:    r.sim.LeftScore,
		RightScore:   r.sim.RightScore,
		Winner:       r.sim.Winner,
	}
}

// checkpointLocked 排程持久化當前狀態；呼叫方必須持有鎖
//
// 快照在鎖內取、存儲呼叫在鎖外的工作 goroutine 執行：
// 慢存儲最多讓檢查點落後，絕不卡住 tick 或調度器的週期。
func (r *Room) checkpointLocked() {
	if r.storeJobs == nil {
		return
	}

	snap := r.snapshotLocked()
	r.lastSave = time.Now()

	r.scheduleStoreLocked(func() {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()

		if err := r.store.Save(ctx, snap); err != nil {
			r.logger.Error("持久化檢查點失敗", "error", err)
		}
	})
}

// recordPlayerLocked 排程記錄玩家連線狀態（盡力而為）
func (r *Room) recordPlayerLocked(role Role, connected bool) {
	if r.storeJobs == nil {
		return
	}

	r.scheduleStoreLocked(func() {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()

		if connected {
			if err := r.store.AddPlayer(ctx, r.id, role); err != nil {
				r.logger.Warn("記錄玩家加入失敗", "error", err)
			}
			return
		}
		if err := r.store.SetPlayerConnected(ctx, r.id, role, false); err != nil {
			r.logger.Warn("記錄玩家離線失敗", "error", err)
		}
	})
}

// scheduleStoreLocked 非阻塞排入存儲工作；呼叫方必須持有鎖
func (r *Room) scheduleStoreLocked(job func()) {
	select {
	case r.storeJobs <- job:
	default:
		r.logger.Warn("存儲佇列已滿，丟棄本次寫入")
	}
}

// storeWorker 串行執行存儲工作，保持寫入順序
func (r *Room) storeWorker() {
	for {
		select {
		case job := <-r.storeJobs:
			job()
		case <-r.stop:
			// 收尾：清空剩餘工作再退出，終局檢查點不遺失
			for {
				select {
				case job := <-r.storeJobs:
					job()
				default:
					return
				}
			}
		}
	}
}

// closeIfEmpty 房間確實為空時標記關閉，回傳是否成功
//
// 複驗與標記在同一把鎖內原子完成：要麼房間為空且之後對這個
// 指針的 Connect 一律失敗（ErrRoomClosed），要麼房間保留。
// 目錄的 Remove 以此防護「移除與新連接交錯」的競賽。
func (r *Room) closeIfEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.conns) > 0 {
		return false
	}
	r.markClosedLocked()
	return true
}

// markClosedLocked 標記關閉並停止存儲工作；呼叫方必須持有鎖
func (r *Room) markClosedLocked() {
	if !r.closed {
		r.closed = true
		close(r.stop)
	}
}

// CloseAll 關閉所有連接並清空綁定（關機與房間拆除用）
func (r *Room) CloseAll(code int, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.markClosedLocked()

	for role, conn := range r.conns {
		if err := conn.Close(code, reason); err != nil {
			r.logger.Debug("關閉連接失敗",
				"role", role.String(),
				"error", err)
		}
		delete(r.conns, role)
		delete(r.pending, role)
	}
}
