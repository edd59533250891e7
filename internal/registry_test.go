package internal_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-realtime-pong/internal"
)

func newTestRegistry(t *testing.T, cfg internal.GameConfig) *internal.Registry {
	t.Helper()

	hub := internal.NewUpdateHub(testLogger())
	return internal.NewRegistry(cfg, internal.NewMemoryStore(), hub, testLogger())
}

// TestRegistry_GetOrCreate 測試房間建立與取得
func TestRegistry_GetOrCreate(t *testing.T) {
	registry := newTestRegistry(t, testGameConfig())
	ctx := context.Background()
	id := uuid.New()

	room1, err := registry.GetOrCreate(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, room1)

	// 同 id 回傳同一個房間
	room2, err := registry.GetOrCreate(ctx, id)
	require.NoError(t, err)
	assert.Same(t, room1, room2)

	// 不同 id 是不同房間
	room3, err := registry.GetOrCreate(ctx, uuid.New())
	require.NoError(t, err)
	assert.NotSame(t, room1, room3)
}

// TestRegistry_ConcurrentGetOrCreate 併發建立同 id 只產生一個房間
func TestRegistry_ConcurrentGetOrCreate(t *testing.T) {
	registry := newTestRegistry(t, testGameConfig())
	ctx := context.Background()
	id := uuid.New()

	const goroutines = 50
	rooms := make([]*internal.Room, goroutines)

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			room, err := registry.GetOrCreate(ctx, id)
			assert.NoError(t, err)
			rooms[idx] = room
		}(i)
	}
	wg.Wait()

	for i := 1; i < goroutines; i++ {
		assert.Same(t, rooms[0], rooms[i], "goroutine %d got a different room", i)
	}
	assert.Len(t, registry.Rooms(), 1)
}

// TestRegistry_Get 測試查詢既有房間
func TestRegistry_Get(t *testing.T) {
	registry := newTestRegistry(t, testGameConfig())
	id := uuid.New()

	_, err := registry.Get(id)
	assert.ErrorIs(t, err, internal.ErrRoomNotFound)

	created, err := registry.GetOrCreate(context.Background(), id)
	require.NoError(t, err)

	got, err := registry.Get(id)
	require.NoError(t, err)
	assert.Same(t, created, got)
}

// TestRegistry_Remove 測試移除與競賽防護
func TestRegistry_Remove(t *testing.T) {
	registry := newTestRegistry(t, testGameConfig())
	ctx := context.Background()

	t.Run("removes empty room", func(t *testing.T) {
		id := uuid.New()
		_, err := registry.GetOrCreate(ctx, id)
		require.NoError(t, err)

		registry.Remove(id)
		_, err = registry.Get(id)
		assert.ErrorIs(t, err, internal.ErrRoomNotFound)
	})

	t.Run("idempotent for unknown id", func(t *testing.T) {
		registry.Remove(uuid.New())
		registry.Remove(uuid.New())
	})

	t.Run("keeps room that regained a player", func(t *testing.T) {
		id := uuid.New()
		room, err := registry.GetOrCreate(ctx, id)
		require.NoError(t, err)

		// 移除前有新玩家加入：複驗應保住房間
		_, err = room.Connect(&fakeConn{})
		require.NoError(t, err)

		registry.Remove(id)
		got, err := registry.Get(id)
		require.NoError(t, err)
		assert.Same(t, room, got)
	})
}

// TestRegistry_RemoveConnectRace 移除後舊指針的 Connect 被拒絕
//
// 「最後一位玩家離線 → 移除」與新玩家加入交錯時，新玩家可能
// 在移除前就拿到了房間指針。移除把房間標記關閉，遲到的 Connect
// 得到 ErrRoomClosed，重新向目錄取房間即可加入。
func TestRegistry_RemoveConnectRace(t *testing.T) {
	registry := newTestRegistry(t, testGameConfig())
	ctx := context.Background()
	id := uuid.New()

	stale, err := registry.GetOrCreate(ctx, id)
	require.NoError(t, err)

	registry.Remove(id)

	// 舊指針綁定失敗：沒有人會困在一個不再被推進的房間
	_, err = stale.Connect(&fakeConn{})
	assert.ErrorIs(t, err, internal.ErrRoomClosed)

	// 重取得到全新房間，綁定成功且在目錄裡
	fresh, err := registry.GetOrCreate(ctx, id)
	require.NoError(t, err)
	assert.NotSame(t, stale, fresh)

	_, err = fresh.Connect(&fakeConn{})
	require.NoError(t, err)

	got, err := registry.Get(id)
	require.NoError(t, err)
	assert.Same(t, fresh, got)
}

// blockingStore 建立時卡住的存儲，用於塞滿准入閘門
type blockingStore struct {
	*internal.MemoryStore
	release chan struct{}
}

func (s *blockingStore) Load(ctx context.Context, id uuid.UUID) (*internal.GameSnapshot, error) {
	select {
	case <-s.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.MemoryStore.Load(ctx, id)
}

// TestRegistry_AdmissionGate 閘門滿時等待者可被 ctx 取消解除
func TestRegistry_AdmissionGate(t *testing.T) {
	cfg := testGameConfig()
	cfg.MaxConcurrentCreates = 1

	store := &blockingStore{
		MemoryStore: internal.NewMemoryStore(),
		release:     make(chan struct{}),
	}
	hub := internal.NewUpdateHub(testLogger())
	registry := internal.NewRegistry(cfg, store, hub, testLogger())

	// 佔住唯一的閘門名額
	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		_, _ = registry.GetOrCreate(context.Background(), uuid.New())
	}()

	// 等第一個建立真的卡在存儲往返上
	time.Sleep(50 * time.Millisecond)

	// 第二個建立在閘門上等待，取消 ctx 應立即解除阻塞
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := registry.GetOrCreate(ctx, uuid.New())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// 放行第一個建立，收尾
	close(store.release)
	<-firstDone
}

// TestRegistry_Stats 測試統計
func TestRegistry_Stats(t *testing.T) {
	registry := newTestRegistry(t, testGameConfig())
	ctx := context.Background()

	room, err := registry.GetOrCreate(ctx, uuid.New())
	require.NoError(t, err)
	_, err = registry.GetOrCreate(ctx, uuid.New())
	require.NoError(t, err)

	_, err = room.Connect(&fakeConn{})
	require.NoError(t, err)

	stats := registry.Stats()
	assert.Equal(t, 2, stats["total_rooms"])
	assert.Equal(t, 1, stats["total_players"])

	byState, ok := stats["rooms_by_state"].(map[string]int)
	require.True(t, ok)
	assert.Equal(t, 2, byState["waiting"])
}

// TestRegistry_Stop 關機清空目錄並關閉連接
func TestRegistry_Stop(t *testing.T) {
	registry := newTestRegistry(t, testGameConfig())

	room, err := registry.GetOrCreate(context.Background(), uuid.New())
	require.NoError(t, err)

	conn := &fakeConn{}
	_, err = room.Connect(conn)
	require.NoError(t, err)

	registry.Stop(1000, "server shutting down")

	assert.Empty(t, registry.Rooms())
	closed, code, reason := conn.closeInfo()
	assert.True(t, closed)
	assert.Equal(t, 1000, code)
	assert.Equal(t, "server shutting down", reason)
}
