package internal_test

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/koopa0/system-design/14-realtime-pong/internal"
)

// fakeConn 記錄式假連接，實作 internal.Conn
type fakeConn struct {
	mu          sync.Mutex
	sent        [][]byte
	sendErr     error
	panicOnSend bool
	closed      bool
	closeCode   int
	closeReason string
}

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.panicOnSend {
		panic("fake conn send panic")
	}
	if c.sendErr != nil {
		return c.sendErr
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	c.sent = append(c.sent, buf)
	return nil
}

func (c *fakeConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	return nil
}

func (c *fakeConn) setPanicOnSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.panicOnSend = true
}

func (c *fakeConn) failNextSends(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

func (c *fakeConn) messages() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([][]byte, len(c.sent))
	copy(out, c.sent)
	return out
}

// lastStatus 回傳最後收到的生命週期狀態字串
func (c *fakeConn) lastStatus() string {
	msgs := c.messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if s, err := internal.DecodeStatus(msgs[i]); err == nil {
			return s
		}
	}
	return ""
}

// lastState 回傳最後收到的狀態快照
func (c *fakeConn) lastState() (internal.StateMessage, bool) {
	msgs := c.messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if s, err := internal.DecodeState(msgs[i]); err == nil {
			return s, true
		}
	}
	return internal.StateMessage{}, false
}

func (c *fakeConn) closeInfo() (bool, int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.closeCode, c.closeReason
}

// testLogger 丟棄輸出的日誌器
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testGameConfig 測試用比賽配置
func testGameConfig() internal.GameConfig {
	return internal.GameConfig{
		TickRate:             60,
		PointsToWin:          5,
		SaveInterval:         200 * time.Millisecond,
		MaxConcurrentCreates: 20,
		ReadTimeout:          60 * time.Second,
		PingInterval:         54 * time.Second,
	}
}
