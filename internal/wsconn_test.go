package internal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 白箱測試：Send 的非阻塞保證不依賴底層連接，
// 不啟動 writePump 就能模擬「對端完全不收資料」的最壞情況。

// TestWSConnSendNeverBlocks 緩衝滿時 Send 立即回錯而非阻塞
//
// 房間廣播來自單一調度器 goroutine；Send 一旦阻塞，
// 所有房間跟著停擺，所以滿佇列必須立刻失敗。
func TestWSConnSendNeverBlocks(t *testing.T) {
	c := &wsConn{
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}

	data := EncodeStatus(statusGamePaused)
	for i := 0; i < sendBufferSize; i++ {
		require.NoError(t, c.Send(data))
	}

	start := time.Now()
	err := c.Send(data)
	assert.ErrorIs(t, err, errSendBufferFull)
	assert.Less(t, time.Since(start), 100*time.Millisecond,
		"full buffer must fail fast")
}

// TestWSConnSendAfterClose 關閉後的 Send 回傳連接已關閉
func TestWSConnSendAfterClose(t *testing.T) {
	c := &wsConn{
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
	close(c.done)

	assert.ErrorIs(t, c.Send([]byte{0x01}), errConnClosed)

	// 緩衝還有空間也一樣：關閉優先於入列
	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, c.Send([]byte{0x01}), errConnClosed)
	}
}
