package internal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
)

// 系統設計問題：
//   如何在 60 Hz 的廣播頻率下，把遊戲狀態高效地傳給瀏覽器客戶端？
//
// 核心挑戰：
//   1. 頻寬：JSON 序列化一個狀態約 150 bytes，二進制只要 20 bytes
//   2. 延遲：每秒 60 次編碼，不能有反射或記憶體分配的開銷
//   3. 健壯性：客戶端送來的任意 bytes 不能讓服務器崩潰
//
// 設計方案：
//   ✅ 固定佈局二進制格式（無版本協商、無變長欄位）
//   ✅ Big-endian（網絡字節序，與瀏覽器 DataView 預設一致）
//   ✅ 解碼失敗回傳 typed error，永不 panic

// MessageType 訊息類型標籤（每則訊息的第一個 byte）
type MessageType byte

const (
	MsgState  MessageType = 0x01 // 每 tick 的遊戲狀態快照
	MsgStatus MessageType = 0x02 // 人類可讀的生命週期字串

	// 大廳更新訊息（見 UpdateHub）
	MsgNewGame      MessageType = 0x03
	MsgPlayerJoined MessageType = 0x04
	MsgScoreUpdate  MessageType = 0x05
	MsgGameOver     MessageType = 0x06
)

// Command 玩家指令（客戶端 → 服務器，1 byte）
type Command byte

const (
	CommandPaddleUp   Command = 0x01
	CommandPaddleDown Command = 0x02
)

// Winner 勝者代碼（0 = 無、1 = 左、2 = 右）
type Winner byte

const (
	WinnerNone  Winner = 0
	WinnerLeft  Winner = 1
	WinnerRight Winner = 2
)

// 協議層錯誤
//
// 錯誤處理原則：
//   - ErrMalformedCommand：丟棄該訊息並繼續，絕不關閉連接
//   - ErrShortMessage：解碼端資料長度不足，只作為診斷回傳
//   - ErrUnknownMessageType：長度正確但類型標籤無法識別
var (
	ErrMalformedCommand   = errors.New("無法識別的指令")
	ErrShortMessage       = errors.New("訊息長度不足")
	ErrUnknownMessageType = errors.New("無法識別的訊息類型")
)

// 固定佈局長度
const (
	stateMessageLen  = 20 // [type][4×f32][2×u8 分數][winner]
	updateMessageLen = 22 // [kind][room_id 16B][state][players][left][right][winner]
)

// DecodeCommand 解碼玩家指令
//
// 合法輸入恰好是 1 byte 的 0x01 或 0x02；其他一律回傳
// ErrMalformedCommand。呼叫方必須把這個錯誤當作 no-op 處理，
// 不能因此中斷連接（客戶端實作錯誤不該殺掉整場比賽）。
func DecodeCommand(data []byte) (Command, error) {
	if len(data) != 1 {
		return 0, fmt.Errorf("%w: 長度 %d", ErrMalformedCommand, len(data))
	}

	switch Command(data[0]) {
	case CommandPaddleUp, CommandPaddleDown:
		return Command(data[0]), nil
	default:
		return 0, fmt.Errorf("%w: 0x%02x", ErrMalformedCommand, data[0])
	}
}

// EncodeState 編碼遊戲狀態快照
//
// 格式（20 bytes，big-endian）：
//
//	[0x01][ball_x f32][ball_y f32][left_paddle_y f32][right_paddle_y f32]
//	[left_score u8][right_score u8][winner u8]
//
// 呼叫方保證分數在 u8 範圍內（勝利門檻遠小於 255），
// 因此編碼永不失敗。
func EncodeState(ballX, ballY, leftPaddleY, rightPaddleY float32,
	leftScore, rightScore uint8, winner Winner) []byte {

	buf := make([]byte, stateMessageLen)
	buf[0] = byte(MsgState)
	binary.BigEndian.PutUint32(buf[1:5], math.Float32bits(ballX))
	binary.BigEndian.PutUint32(buf[5:9], math.Float32bits(ballY))
	binary.BigEndian.PutUint32(buf[9:13], math.Float32bits(leftPaddleY))
	binary.BigEndian.PutUint32(buf[13:17], math.Float32bits(rightPaddleY))
	buf[17] = leftScore
	buf[18] = rightScore
	buf[19] = byte(winner)
	return buf
}

// StateMessage 解碼後的狀態快照（測試與觀察者客戶端使用）
type StateMessage struct {
	BallX        float32
	BallY        float32
	LeftPaddleY  float32
	RightPaddleY float32
	LeftScore    uint8
	RightScore   uint8
	Winner       Winner
}

// DecodeState 解碼狀態快照
func DecodeState(data []byte) (StateMessage, error) {
	if len(data) != stateMessageLen {
		return StateMessage{}, fmt.Errorf("%w: 長度 %d", ErrShortMessage, len(data))
	}
	if MessageType(data[0]) != MsgState {
		return StateMessage{}, fmt.Errorf("%w: 0x%02x", ErrUnknownMessageType, data[0])
	}

	return StateMessage{
		BallX:        math.Float32frombits(binary.BigEndian.Uint32(data[1:5])),
		BallY:        math.Float32frombits(binary.BigEndian.Uint32(data[5:9])),
		LeftPaddleY:  math.Float32frombits(binary.BigEndian.Uint32(data[9:13])),
		RightPaddleY: math.Float32frombits(binary.BigEndian.Uint32(data[13:17])),
		LeftScore:    data[17],
		RightScore:   data[18],
		Winner:       Winner(data[19]),
	}, nil
}

// EncodeStatus 編碼生命週期狀態字串
//
// 格式：[0x02][len u8][utf8 bytes...]
//
// 這是協議中唯一的變長訊息；長度前綴限制在 255 bytes，
// 超長字串由編碼端截斷（狀態字串都是短常量，實務上不會發生）。
func EncodeStatus(text string) []byte {
	payload := []byte(text)
	if len(payload) > 255 {
		payload = payload[:255]
	}

	buf := make([]byte, 2+len(payload))
	buf[0] = byte(MsgStatus)
	buf[1] = byte(len(payload))
	copy(buf[2:], payload)
	return buf
}

// DecodeStatus 解碼狀態字串
func DecodeStatus(data []byte) (string, error) {
	if len(data) < 2 {
		return "", fmt.Errorf("%w: 長度 %d", ErrShortMessage, len(data))
	}
	if MessageType(data[0]) != MsgStatus {
		return "", fmt.Errorf("%w: 0x%02x", ErrUnknownMessageType, data[0])
	}

	n := int(data[1])
	if len(data) < 2+n {
		return "", fmt.Errorf("%w: 宣告 %d bytes、實際 %d bytes", ErrShortMessage, n, len(data)-2)
	}

	return string(data[2 : 2+n]), nil
}

// EncodeUpdate 編碼大廳更新訊息
//
// 格式（22 bytes）：
//
//	[kind u8][room_id 16B][state u8][player_count u8]
//	[left_score u8][right_score u8][winner u8]
//
// room_id 直接使用 UUID 的 16 個原始 bytes，
// 避免 36 字元的字串表示吃掉一倍以上的頻寬。
func EncodeUpdate(kind MessageType, roomID uuid.UUID, state RoomState,
	playerCount, leftScore, rightScore uint8, winner Winner) []byte {

	buf := make([]byte, updateMessageLen)
	buf[0] = byte(kind)
	copy(buf[1:17], roomID[:])
	buf[17] = byte(state)
	buf[18] = playerCount
	buf[19] = leftScore
	buf[20] = rightScore
	buf[21] = byte(winner)
	return buf
}

// UpdateMessage 解碼後的大廳更新
type UpdateMessage struct {
	Kind        MessageType
	RoomID      uuid.UUID
	State       RoomState
	PlayerCount uint8
	LeftScore   uint8
	RightScore  uint8
	Winner      Winner
}

// DecodeUpdate 解碼大廳更新訊息
func DecodeUpdate(data []byte) (UpdateMessage, error) {
	if len(data) != updateMessageLen {
		return UpdateMessage{}, fmt.Errorf("%w: 長度 %d", ErrShortMessage, len(data))
	}

	kind := MessageType(data[0])
	switch kind {
	case MsgNewGame, MsgPlayerJoined, MsgScoreUpdate, MsgGameOver:
	default:
		return UpdateMessage{}, fmt.Errorf("%w: 0x%02x", ErrUnknownMessageType, data[0])
	}

	var id uuid.UUID
	copy(id[:], data[1:17])

	return UpdateMessage{
		Kind:        kind,
		RoomID:      id,
		State:       RoomState(data[17]),
		PlayerCount: data[18],
		LeftScore:   data[19],
		RightScore:  data[20],
		Winner:      Winner(data[21]),
	}, nil
}
