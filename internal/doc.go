// Package internal 實現了一個即時 Pong 對戰服務器。
//
// 實現了多房間的雙人即時對戰後端，包含以下核心功能：
//
// 比賽模擬
//
// 固定頻率（預設 60 Hz）的純狀態模擬：
//   - 球的移動、牆面反射與球拍碰撞
//   - 出界判分與交替發球
//   - 勝利判定（預設先得 5 分）
//
// 房間管理
//
// 每場比賽一個房間，有限狀態機驅動生命週期：
//   - WAITING → PLAYING → PAUSED → GAME_OVER
//   - 左右角色先到先得，斷線暫停、重連恢復
//   - 廣播失敗視為隱式斷線
//
// 二進制協議
//
// WebSocket 上的固定佈局二進制訊息（big-endian）：
//   - 客戶端指令：1 byte（上/下）
//   - 狀態快照：每 tick 20 bytes
//   - 大廳更新：22 bytes（新房間、加入、比分、終局）
//
// 持久化
//
// Postgres 持久層 + 可選的 Redis 檢查點快取：
//   - 比賽進行中按間隔保存檢查點
//   - 重連與服務器重啟後恢復比分與狀態
//   - 所有存儲操作對遊戲邏輯都是盡力而為
package internal
