package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// 系統設計問題：
//   比賽狀態活在內存裡，服務器重啟或玩家斷線重連時如何不丟進度？
//
// 核心挑戰：
//   1. 寫入頻率：60 Hz 全量落盤會壓垮數據庫，必須降頻
//   2. 讀取路徑：恢復比賽要快，不能每次都打 Postgres
//   3. 故障隔離：持久層掛了，正在進行的比賽不能跟著掛
//
// 設計方案：
//   ✅ 雙層存儲：Postgres 作持久層、Redis 作熱檢查點快取
//   ✅ 降頻檢查點：Room 每隔 SaveInterval 才保存一次
//   ✅ 盡力而為：所有存儲錯誤只記日誌，遊戲邏輯不感知

// GameSnapshot 一場比賽的持久化快照
type GameSnapshot struct {
	ID           uuid.UUID `json:"id"`
	State        RoomState `json:"state"`
	BallX        float64   `json:"ball_x"`
	BallY        float64   `json:"ball_y"`
	LeftPaddleY  float64   `json:"left_paddle_y"`
	RightPaddleY float64   `json:"right_paddle_y"`
	LeftScore    int       `json:"left_score"`
	RightScore   int       `json:"right_score"`
	Winner       Winner    `json:"winner"`
}

// GameStore 比賽狀態的持久化協作者
//
// 約定：Load 對不存在的比賽回傳 (nil, nil)，
// 呼叫方以快照是否為 nil 判斷「從頭開始」或「恢復」。
type GameStore interface {
	Load(ctx context.Context, id uuid.UUID) (*GameSnapshot, error)
	Save(ctx context.Context, snap GameSnapshot) error
	CreateGame(ctx context.Context, id uuid.UUID) error
	AddPlayer(ctx context.Context, gameID uuid.UUID, role Role) error
	SetPlayerConnected(ctx context.Context, gameID uuid.UUID, role Role, connected bool) error
	Close()
}

// 重試策略：次數少、間隔短——存儲是盡力而為的協作者，
// 長時間重試只會把背壓傳回遊戲循環
const (
	storeMaxRetries   = 3
	storeRetryBackoff = 100 * time.Millisecond
)

// redisKeyTTL 檢查點快取的存活時間
const redisKeyTTL = time.Hour

// SQLStore Postgres 持久層 + 可選的 Redis 檢查點快取
type SQLStore struct {
	pool   *pgxpool.Pool
	cache  *redis.Client // nil 表示未配置快取
	logger *slog.Logger
}

// NewSQLStore 建立存儲；cache 可為 nil（退化為純 Postgres）
func NewSQLStore(pool *pgxpool.Pool, cache *redis.Client, logger *slog.Logger) *SQLStore {
	return &SQLStore{
		pool:   pool,
		cache:  cache,
		logger: logger.With("component", "store"),
	}
}

func redisKey(id uuid.UUID) string {
	return "game:" + id.String()
}

// Load 讀取比賽快照：先查 Redis 快取，未命中再回源 Postgres
func (s *SQLStore) Load(ctx context.Context, id uuid.UUID) (*GameSnapshot, error) {
	if s.cache != nil {
		data, err := s.cache.Get(ctx, redisKey(id)).Bytes()
		if err == nil {
			var snap GameSnapshot
			if jerr := json.Unmarshal(data, &snap); jerr == nil {
				return &snap, nil
			}
			// 快取壞掉不是致命錯誤，回源即可
			s.logger.Warn("快取內容無法解析，回源數據庫", "game_id", id)
		} else if !errors.Is(err, redis.Nil) {
			s.logger.Warn("讀取快取失敗，回源數據庫", "error", err)
		}
	}

	var (
		snap   GameSnapshot
		state  string
		winner int
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, state, ball_x, ball_y, left_paddle_y, right_paddle_y,
		       left_score, right_score, winner
		FROM games WHERE id = $1`, id).
		Scan(&snap.ID, &state, &snap.BallX, &snap.BallY,
			&snap.LeftPaddleY, &snap.RightPaddleY,
			&snap.LeftScore, &snap.RightScore, &winner)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("讀取比賽 %s: %w", id, err)
	}

	snap.State = parseRoomState(state)
	snap.Winner = Winner(winner)
	return &snap, nil
}

// Save 保存快照：Postgres 為準、Redis 盡力同步
func (s *SQLStore) Save(ctx context.Context, snap GameSnapshot) error {
	err := s.withRetry(ctx, func() error {
		_, err := s.pool.Exec(ctx, `
			UPDATE games
			SET state = $2, ball_x = $3, ball_y = $4,
			    left_paddle_y = $5, right_paddle_y = $6,
			    left_score = $7, right_score = $8, winner = $9,
			    updated_at = now()
			WHERE id = $1`,
			snap.ID, snap.State.String(), snap.BallX, snap.BallY,
			snap.LeftPaddleY, snap.RightPaddleY,
			snap.LeftScore, snap.RightScore, int(snap.Winner))
		return err
	})
	if err != nil {
		return fmt.Errorf("保存比賽 %s: %w", snap.ID, err)
	}

	if s.cache != nil {
		data, _ := json.Marshal(snap)
		if cerr := s.cache.Set(ctx, redisKey(snap.ID), data, redisKeyTTL).Err(); cerr != nil {
			s.logger.Warn("更新檢查點快取失敗", "error", cerr)
		}
	}

	return nil
}

// CreateGame 插入一筆 WAITING 狀態的新比賽（id 重複時是 no-op）
func (s *SQLStore) CreateGame(ctx context.Context, id uuid.UUID) error {
	err := s.withRetry(ctx, func() error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO games (id, state, ball_x, ball_y,
			                   left_paddle_y, right_paddle_y,
			                   left_score, right_score, winner)
			VALUES ($1, $2, 0.5, 0.5, 0.5, 0.5, 0, 0, 0)
			ON CONFLICT (id) DO NOTHING`,
			id, StateWaiting.String())
		return err
	})
	if err != nil {
		return fmt.Errorf("建立比賽 %s: %w", id, err)
	}
	return nil
}

// AddPlayer 記錄玩家綁定角色（同角色重連時更新連線標記）
func (s *SQLStore) AddPlayer(ctx context.Context, gameID uuid.UUID, role Role) error {
	err := s.withRetry(ctx, func() error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO players (game_id, role, connected)
			VALUES ($1, $2, true)
			ON CONFLICT (game_id, role)
			DO UPDATE SET connected = true, updated_at = now()`,
			gameID, role.String())
		return err
	})
	if err != nil {
		return fmt.Errorf("記錄玩家 %s/%s: %w", gameID, role, err)
	}
	return nil
}

// SetPlayerConnected 更新玩家連線標記
func (s *SQLStore) SetPlayerConnected(ctx context.Context, gameID uuid.UUID,
	role Role, connected bool) error {

	err := s.withRetry(ctx, func() error {
		_, err := s.pool.Exec(ctx, `
			UPDATE players SET connected = $3, updated_at = now()
			WHERE game_id = $1 AND role = $2`,
			gameID, role.String(), connected)
		return err
	})
	if err != nil {
		return fmt.Errorf("更新玩家連線狀態 %s/%s: %w", gameID, role, err)
	}
	return nil
}

// Close 釋放連接池與快取客戶端
func (s *SQLStore) Close() {
	s.pool.Close()
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			s.logger.Warn("關閉快取客戶端失敗", "error", err)
		}
	}
}

// withRetry 短退避重試暫時性錯誤
func (s *SQLStore) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= storeMaxRetries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt < storeMaxRetries {
			select {
			case <-time.After(storeRetryBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return err
}

// parseRoomState 數據庫狀態字串轉枚舉
func parseRoomState(s string) RoomState {
	switch s {
	case "playing":
		return StatePlaying
	case "paused":
		return StatePaused
	case "game_over":
		return StateGameOver
	default:
		return StateWaiting
	}
}

// MemoryStore 內存存儲（單元測試與無數據庫的本地運行）
type MemoryStore struct {
	mu      sync.Mutex
	games   map[uuid.UUID]GameSnapshot
	players map[uuid.UUID]map[Role]bool
}

// NewMemoryStore 建立空的內存存儲
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		games:   make(map[uuid.UUID]GameSnapshot),
		players: make(map[uuid.UUID]map[Role]bool),
	}
}

func (m *MemoryStore) Load(_ context.Context, id uuid.UUID) (*GameSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap, ok := m.games[id]
	if !ok {
		return nil, nil
	}
	return &snap, nil
}

func (m *MemoryStore) Save(_ context.Context, snap GameSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.games[snap.ID] = snap
	return nil
}

func (m *MemoryStore) CreateGame(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.games[id]; !ok {
		m.games[id] = GameSnapshot{
			ID: id, State: StateWaiting,
			BallX: 0.5, BallY: 0.5,
			LeftPaddleY: 0.5, RightPaddleY: 0.5,
		}
	}
	return nil
}

func (m *MemoryStore) AddPlayer(_ context.Context, gameID uuid.UUID, role Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.players[gameID] == nil {
		m.players[gameID] = make(map[Role]bool)
	}
	m.players[gameID][role] = true
	return nil
}

func (m *MemoryStore) SetPlayerConnected(_ context.Context, gameID uuid.UUID,
	role Role, connected bool) error {

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.players[gameID] != nil {
		m.players[gameID][role] = connected
	}
	return nil
}

func (m *MemoryStore) Close() {}
