package internal

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// 系統設計問題：
//   gorilla/websocket 的連接不允許併發寫入資料幀，而房間廣播
//   來自單一調度器 goroutine——任何一條寫入卡住（對端不收、
//   網絡壅塞），整個調度器跟著卡，所有房間一起停擺。
//
// 設計方案：
//   ✅ 每連接帶緩衝的送出 channel + 專屬 writePump goroutine：
//      Send 永不阻塞，緩衝滿即回錯，由房間走斷線路徑處理
//   ✅ ping/close 控制幀走 WriteControl（gorilla 允許與資料幀
//      寫入者併發），不需要經過送出佇列
//   ✅ 讀取期限 + pong 延展：殭屍連接最多存活 ReadTimeout
//   ✅ 讀取 goroutine 是連接的擁有者：退出時負責解綁與房間回收

const (
	// closeNormal 正常關閉代碼（拒絕加入與服務器關機都用它，
	// 原因字串區分語義）
	closeNormal = websocket.CloseNormalClosure

	// writeTimeout 單次寫入的期限
	writeTimeout = 10 * time.Second

	// sendBufferSize 每連接的送出緩衝：60 Hz 下約可容忍
	// 四秒的落後，再滿就視同對端失聯
	sendBufferSize = 256

	// joinAttempts 房間被目錄拆除時重取的次數上限
	joinAttempts = 3
)

var (
	errSendBufferFull = errors.New("送出緩衝已滿")
	errConnClosed     = errors.New("連接已關閉")
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// 開發階段允許任意來源；生產部署由反向代理做來源控制
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn websocket 連接的非阻塞寫入包裝，實作 Conn
type wsConn struct {
	conn *websocket.Conn

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newWSConn(conn *websocket.Conn) *wsConn {
	c := &wsConn{
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
	go c.writePump()
	return c
}

// Send 把資料排入送出緩衝，永不阻塞
//
// 緩衝滿代表對端長時間不收資料，回傳 errSendBufferFull；
// 房間把任何 Send 失敗當作斷線處理，慢客戶端只拖垮自己。
func (c *wsConn) Send(data []byte) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return errConnClosed
	default:
		return errSendBufferFull
	}
}

// writePump 唯一的資料幀寫入者，寫入失敗即終止連接
func (c *wsConn) writePump() {
	for {
		select {
		case data := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				c.shutdown()
				return
			}
			if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				c.shutdown()
				return
			}
		case <-c.done:
			return
		}
	}
}

// ping 送出心跳幀
//
// 控制幀走 WriteControl，gorilla 保證它可與資料幀寫入者併發。
func (c *wsConn) ping() error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	return c.conn.WriteControl(websocket.PingMessage, nil,
		time.Now().Add(writeTimeout))
}

// Close 送出帶原因的關閉幀後關閉底層連接（冪等）
func (c *wsConn) Close(code int, reason string) error {
	// 關閉幀是盡力而為：對端可能已經消失
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(writeTimeout))
	c.shutdown()
	return nil
}

func (c *wsConn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// WSGateway websocket 接入層：比賽端點與大廳端點
type WSGateway struct {
	registry *Registry
	updates  *UpdateHub
	cfg      GameConfig
	logger   *slog.Logger
}

// NewWSGateway 建立接入層
func NewWSGateway(registry *Registry, updates *UpdateHub, cfg GameConfig,
	logger *slog.Logger) *WSGateway {

	return &WSGateway{
		registry: registry,
		updates:  updates,
		cfg:      cfg,
		logger:   logger.With("component", "ws"),
	}
}

// ServeGame 處理 GET /ws/games/{game_id}
//
// 先升級、後取房間：升級失敗的請求（普通 HTTP GET、爬蟲探測）
// 不會留下任何房間或持久層紀錄。連接生命週期全部繫在這個
// handler 的讀取循環上：循環退出（對端關閉、超時、讀錯誤）
// 即解綁角色，若房間因此清空則從目錄移除。
func (g *WSGateway) ServeGame(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("game_id"))
	if err != nil {
		http.Error(w, "invalid game id", http.StatusBadRequest)
		return
	}

	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已經回寫了 HTTP 錯誤
		g.logger.Debug("升級失敗", "error", err)
		return
	}
	conn := newWSConn(raw)

	var (
		room *Room
		role Role
	)
	for attempt := 0; ; attempt++ {
		room, err = g.registry.GetOrCreate(r.Context(), id)
		if err != nil {
			g.logger.Warn("取得房間失敗", "room_id", id, "error", err)
			_ = conn.Close(closeNormal, "unable to join")
			return
		}

		role, err = room.Connect(conn)
		if errors.Is(err, ErrRoomClosed) && attempt < joinAttempts {
			// 拿到的指針正被目錄拆除，重取一個新房間
			continue
		}
		break
	}
	if errors.Is(err, ErrRoomFull) {
		_ = conn.Close(closeNormal, "room is full")
		return
	}
	if err != nil {
		_ = conn.Close(closeNormal, "unable to join")
		return
	}

	logger := g.logger.With("room_id", id, "role", role.String())
	logger.Info("比賽連接建立")

	done := make(chan struct{})
	defer close(done)
	go g.pinger(conn, done)

	g.readPump(conn, room, logger)

	room.Disconnect(conn)
	_ = conn.Close(closeNormal, "")
	if room.PlayerCount() == 0 {
		g.registry.Remove(id)
	}
	logger.Info("比賽連接結束")
}

// readPump 讀取循環：每則訊息都是一個 1-byte 指令
func (g *WSGateway) readPump(conn *wsConn, room *Room, logger *slog.Logger) {
	resetDeadline := func() error {
		return conn.conn.SetReadDeadline(time.Now().Add(g.cfg.ReadTimeout))
	}

	if err := resetDeadline(); err != nil {
		return
	}
	conn.conn.SetPongHandler(func(string) error {
		return resetDeadline()
	})

	for {
		_, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("讀取中斷", "error", err)
			}
			return
		}
		if err := resetDeadline(); err != nil {
			return
		}

		room.ApplyCommand(conn, data)
	}
}

// pinger 心跳 goroutine：間隔必須小於讀取期限
func (g *WSGateway) pinger(conn *wsConn, done <-chan struct{}) {
	ticker := time.NewTicker(g.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// ServeUpdates 處理 GET /ws/updates（大廳觀察者流）
//
// 觀察者只收不發；讀取循環僅用於偵測對端關閉。
func (g *WSGateway) ServeUpdates(w http.ResponseWriter, r *http.Request) {
	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug("升級失敗", "error", err)
		return
	}
	conn := newWSConn(raw)

	g.updates.Subscribe(conn)
	defer func() {
		g.updates.Unsubscribe(conn)
		_ = conn.Close(closeNormal, "")
	}()

	if err := raw.SetReadDeadline(time.Now().Add(g.cfg.ReadTimeout)); err != nil {
		return
	}
	raw.SetPongHandler(func(string) error {
		return raw.SetReadDeadline(time.Now().Add(g.cfg.ReadTimeout))
	})

	done := make(chan struct{})
	defer close(done)
	go g.pinger(conn, done)

	for {
		if _, _, err := raw.ReadMessage(); err != nil {
			return
		}
		if err := raw.SetReadDeadline(time.Now().Add(g.cfg.ReadTimeout)); err != nil {
			return
		}
	}
}
