package internal_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-realtime-pong/internal"
)

func newTestRoom(t *testing.T) (*internal.Room, *internal.MemoryStore) {
	t.Helper()

	store := internal.NewMemoryStore()
	hub := internal.NewUpdateHub(testLogger())
	room := internal.NewRoom(uuid.New(), testGameConfig(), nil, store, hub, testLogger())
	return room, store
}

// TestRoom_Lifecycle 測試房間狀態機的完整生命週期
func TestRoom_Lifecycle(t *testing.T) {
	room, _ := newTestRoom(t)

	// 初始：等待玩家
	assert.Equal(t, internal.StateWaiting, room.State())
	assert.Equal(t, 0, room.PlayerCount())

	// 第一位玩家：仍在等待
	conn1 := &fakeConn{}
	role1, err := room.Connect(conn1)
	require.NoError(t, err)
	assert.Equal(t, internal.RoleLeft, role1)
	assert.Equal(t, internal.StateWaiting, room.State())
	assert.Equal(t, "waiting_for_players", conn1.lastStatus())

	// 第二位玩家：比賽開始
	conn2 := &fakeConn{}
	role2, err := room.Connect(conn2)
	require.NoError(t, err)
	assert.Equal(t, internal.RoleRight, role2)
	assert.Equal(t, internal.StatePlaying, room.State())
	assert.Equal(t, "game_starting", conn1.lastStatus())
	assert.Equal(t, "game_starting", conn2.lastStatus())

	// 一位玩家離線：比賽暫停
	room.Disconnect(conn1)
	assert.Equal(t, internal.StatePaused, room.State())
	assert.Equal(t, 1, room.PlayerCount())
	assert.Equal(t, "game_paused", conn2.lastStatus())

	// 重新加入：比賽恢復，空出的左側角色被重新分配
	conn3 := &fakeConn{}
	role3, err := room.Connect(conn3)
	require.NoError(t, err)
	assert.Equal(t, internal.RoleLeft, role3)
	assert.Equal(t, internal.StatePlaying, room.State())
}

// TestRoom_Full 第三條連接被拒絕
func TestRoom_Full(t *testing.T) {
	room, _ := newTestRoom(t)

	_, err := room.Connect(&fakeConn{})
	require.NoError(t, err)
	_, err = room.Connect(&fakeConn{})
	require.NoError(t, err)

	_, err = room.Connect(&fakeConn{})
	assert.ErrorIs(t, err, internal.ErrRoomFull)
	assert.Equal(t, 2, room.PlayerCount())
}

// TestRoom_DisconnectUnknownConn 對未綁定連接的 Disconnect 是 no-op
func TestRoom_DisconnectUnknownConn(t *testing.T) {
	room, _ := newTestRoom(t)

	_, err := room.Connect(&fakeConn{})
	require.NoError(t, err)

	room.Disconnect(&fakeConn{})
	assert.Equal(t, 1, room.PlayerCount())

	// 同一條連接重複 Disconnect 也安全
	conn := &fakeConn{}
	_, err = room.Connect(conn)
	require.NoError(t, err)
	room.Disconnect(conn)
	room.Disconnect(conn)
	assert.Equal(t, 1, room.PlayerCount())
}

// TestRoom_CommandsMovePaddles 指令在下一個 tick 生效
func TestRoom_CommandsMovePaddles(t *testing.T) {
	room, _ := newTestRoom(t)

	conn1 := &fakeConn{}
	conn2 := &fakeConn{}
	_, err := room.Connect(conn1)
	require.NoError(t, err)
	_, err = room.Connect(conn2)
	require.NoError(t, err)

	room.ApplyCommand(conn1, []byte{byte(internal.CommandPaddleUp)})
	room.ApplyCommand(conn2, []byte{byte(internal.CommandPaddleDown)})
	room.Tick()
	room.BroadcastState()

	state, ok := conn1.lastState()
	require.True(t, ok, "expected a state broadcast")
	assert.InDelta(t, 0.5+internal.PaddleSpeed, state.LeftPaddleY, 1e-6)
	assert.InDelta(t, 0.5-internal.PaddleSpeed, state.RightPaddleY, 1e-6)
}

// TestRoom_LastCommandWins 同一 tick 內後到的指令覆蓋先到的
func TestRoom_LastCommandWins(t *testing.T) {
	room, _ := newTestRoom(t)

	conn1 := &fakeConn{}
	_, err := room.Connect(conn1)
	require.NoError(t, err)
	_, err = room.Connect(&fakeConn{})
	require.NoError(t, err)

	room.ApplyCommand(conn1, []byte{byte(internal.CommandPaddleUp)})
	room.ApplyCommand(conn1, []byte{byte(internal.CommandPaddleDown)})
	room.Tick()
	room.BroadcastState()

	state, ok := conn1.lastState()
	require.True(t, ok)
	assert.InDelta(t, 0.5-internal.PaddleSpeed, state.LeftPaddleY, 1e-6,
		"only the last command should apply")
}

// TestRoom_MalformedCommandDropped 壞指令被丟棄，連接與狀態不受影響
func TestRoom_MalformedCommandDropped(t *testing.T) {
	room, _ := newTestRoom(t)

	conn1 := &fakeConn{}
	_, err := room.Connect(conn1)
	require.NoError(t, err)
	_, err = room.Connect(&fakeConn{})
	require.NoError(t, err)

	room.ApplyCommand(conn1, []byte{0xff})
	room.ApplyCommand(conn1, []byte{})
	room.ApplyCommand(conn1, []byte{0x01, 0x02, 0x03})
	room.Tick()
	room.BroadcastState()

	state, ok := conn1.lastState()
	require.True(t, ok)
	assert.InDelta(t, 0.5, state.LeftPaddleY, 1e-6, "paddle should not move")
	assert.Equal(t, 2, room.PlayerCount(), "bad commands must not disconnect")
}

// TestRoom_CommandsIgnoredUnlessPlaying 非 PLAYING 狀態忽略指令
func TestRoom_CommandsIgnoredUnlessPlaying(t *testing.T) {
	room, _ := newTestRoom(t)

	conn1 := &fakeConn{}
	_, err := room.Connect(conn1)
	require.NoError(t, err)

	// 只有一位玩家：WAITING，指令無效
	room.ApplyCommand(conn1, []byte{byte(internal.CommandPaddleUp)})
	room.Tick()

	snap := room.Snapshot()
	assert.Equal(t, 0.5, snap.LeftPaddleY)
}

// TestRoom_BroadcastFailureIsDisconnect 廣播失敗視為隱式斷線
func TestRoom_BroadcastFailureIsDisconnect(t *testing.T) {
	room, _ := newTestRoom(t)

	conn1 := &fakeConn{}
	conn2 := &fakeConn{}
	_, err := room.Connect(conn1)
	require.NoError(t, err)
	_, err = room.Connect(conn2)
	require.NoError(t, err)

	conn2.failNextSends(errors.New("connection reset"))
	room.BroadcastState()

	// 失敗者被解綁，比賽暫停；另一條連接不受影響
	assert.Equal(t, 1, room.PlayerCount())
	assert.Equal(t, internal.StatePaused, room.State())
	assert.Equal(t, "game_paused", conn1.lastStatus())
}

// TestRoom_GameOver 終局轉換與凍結
func TestRoom_GameOver(t *testing.T) {
	store := internal.NewMemoryStore()
	hub := internal.NewUpdateHub(testLogger())
	id := uuid.New()

	// 預先保存 4:0 的快照，恢復後只差一分
	require.NoError(t, store.Save(context.Background(), internal.GameSnapshot{
		ID: id, State: internal.StatePaused,
		BallX: 0.5, BallY: 0.5,
		LeftPaddleY: 0.5, RightPaddleY: 0.5,
		LeftScore: 4, RightScore: 0,
	}))

	snap, err := store.Load(context.Background(), id)
	require.NoError(t, err)
	room := internal.NewRoom(id, testGameConfig(), snap, store, hub, testLogger())

	conn1 := &fakeConn{}
	conn2 := &fakeConn{}
	_, err = room.Connect(conn1)
	require.NoError(t, err)
	_, err = room.Connect(conn2)
	require.NoError(t, err)
	require.Equal(t, internal.StatePlaying, room.State())

	// 球拍不動：球最終越過右側平面，左方拿下第 5 分
	for i := 0; i < 500 && room.State() != internal.StateGameOver; i++ {
		room.Tick()
	}

	require.Equal(t, internal.StateGameOver, room.State())
	assert.Equal(t, "game_over_left", conn1.lastStatus())

	// 終局後的 tick 不再改變任何東西
	frozen := room.Snapshot()
	for i := 0; i < 10; i++ {
		room.Tick()
	}
	assert.Equal(t, frozen, room.Snapshot())

	// 終局檢查點在存儲工作 goroutine 落地
	require.Eventually(t, func() bool {
		saved, err := store.Load(context.Background(), id)
		return err == nil && saved != nil && saved.State == internal.StateGameOver
	}, 2*time.Second, 10*time.Millisecond, "final checkpoint should be persisted")

	saved, err := store.Load(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, internal.WinnerLeft, saved.Winner)
	assert.Equal(t, 5, saved.LeftScore)
}

// slowSaveStore 持久化寫入卡住的存儲，放行前 Save 一直阻塞
type slowSaveStore struct {
	*internal.MemoryStore
	release chan struct{}
}

func (s *slowSaveStore) Save(ctx context.Context, snap internal.GameSnapshot) error {
	select {
	case <-s.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.MemoryStore.Save(ctx, snap)
}

// TestRoom_TickNotBlockedBySlowStore 慢存儲不拖慢模擬推進
//
// 檢查點寫入在鎖外的工作 goroutine 執行；就算存儲完全卡住，
// Tick 也必須即時返回，否則單一房間的存儲故障會拖垮共用的調度器。
func TestRoom_TickNotBlockedBySlowStore(t *testing.T) {
	store := &slowSaveStore{
		MemoryStore: internal.NewMemoryStore(),
		release:     make(chan struct{}),
	}
	hub := internal.NewUpdateHub(testLogger())

	cfg := testGameConfig()
	cfg.SaveInterval = time.Nanosecond // 每個 tick 都觸發檢查點

	id := uuid.New()
	room := internal.NewRoom(id, cfg, nil, store, hub, testLogger())

	_, err := room.Connect(&fakeConn{})
	require.NoError(t, err)
	_, err = room.Connect(&fakeConn{})
	require.NoError(t, err)

	start := time.Now()
	for i := 0; i < 50; i++ {
		room.Tick()
	}
	assert.Less(t, time.Since(start), time.Second,
		"ticks must not wait on the store")

	// 放行存儲後檢查點最終落地
	close(store.release)
	require.Eventually(t, func() bool {
		snap, err := store.MemoryStore.Load(context.Background(), id)
		return err == nil && snap != nil
	}, 2*time.Second, 10*time.Millisecond)
}

// TestRoom_ResumeFromSnapshot 從快照恢復比分與位置
func TestRoom_ResumeFromSnapshot(t *testing.T) {
	snap := &internal.GameSnapshot{
		ID: uuid.New(), State: internal.StatePaused,
		BallX: 0.3, BallY: 0.7,
		LeftPaddleY: 0.2, RightPaddleY: 0.8,
		LeftScore: 2, RightScore: 3,
	}

	hub := internal.NewUpdateHub(testLogger())
	room := internal.NewRoom(snap.ID, testGameConfig(), snap,
		internal.NewMemoryStore(), hub, testLogger())

	restored := room.Snapshot()
	assert.Equal(t, 0.3, restored.BallX)
	assert.Equal(t, 0.7, restored.BallY)
	assert.Equal(t, 0.2, restored.LeftPaddleY)
	assert.Equal(t, 0.8, restored.RightPaddleY)
	assert.Equal(t, 2, restored.LeftScore)
	assert.Equal(t, 3, restored.RightScore)

	// 恢復的房間從 WAITING 起步，由連接數決定實際狀態
	assert.Equal(t, internal.StateWaiting, room.State())
}

// TestRoom_CloseAll 關機時所有連接帶原因關閉
func TestRoom_CloseAll(t *testing.T) {
	room, _ := newTestRoom(t)

	conn1 := &fakeConn{}
	conn2 := &fakeConn{}
	_, err := room.Connect(conn1)
	require.NoError(t, err)
	_, err = room.Connect(conn2)
	require.NoError(t, err)

	room.CloseAll(1000, "server shutting down")

	assert.Equal(t, 0, room.PlayerCount())
	for _, conn := range []*fakeConn{conn1, conn2} {
		closed, code, reason := conn.closeInfo()
		assert.True(t, closed)
		assert.Equal(t, 1000, code)
		assert.Equal(t, "server shutting down", reason)
	}
}
