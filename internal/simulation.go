package internal

// 系統設計問題：
//   如何讓球與球拍的模擬既可測試又可重現？
//
// 設計方案：
//   ✅ 純狀態轉移：Step 只依賴自身欄位，不碰時鐘、不碰網絡
//   ✅ 終局冪等：winner 一旦設定，Step 變成 no-op
//   ✅ 所有座標歸一化到 [0,1]，客戶端自行換算像素

// 場地與物理常數（歸一化座標）
const (
	// BoardWidth 與 BoardHeight 定義遊戲邊界
	BoardWidth  = 1.0
	BoardHeight = 1.0

	// LeftPaddleX / RightPaddleX 是球拍的碰撞平面
	LeftPaddleX  = 0.1
	RightPaddleX = 0.9

	// 初始球速與半徑
	BallSpeedX = 0.025
	BallSpeedY = 0.025
	BallRadius = 0.02

	// PaddleHeight 球拍高度、PaddleSpeed 每個指令的移動量
	PaddleHeight = 0.2
	PaddleSpeed  = 0.02

	// DefaultPointsToWin 預設勝利門檻
	DefaultPointsToWin = 5
)

// Role 球拍角色
//
// 設計註記：角色是二值枚舉而非自由字串——
// 連接與球拍的綁定只有左右兩種，用型別把非法值擋在編譯期。
type Role int

const (
	RoleLeft Role = iota
	RoleRight
)

// String 回傳協議用的小寫角色名
func (r Role) String() string {
	if r == RoleLeft {
		return "left"
	}
	return "right"
}

// Ball 球的位置與速度
type Ball struct {
	X, Y   float64 // 位置（佔場地寬/高的比例）
	DX, DY float64 // 每 tick 的位移
	Radius float64
}

// Paddle 球拍
//
// Y 是球拍下緣的位置，合法範圍 [0, 1-Height]。
// 球拍只由對應玩家連接解碼出的指令移動，Room 負責互斥。
type Paddle struct {
	Y      float64
	Height float64
	Speed  float64
}

// moveUp 向上移動一格，夾在邊界內
func (p *Paddle) moveUp() {
	p.Y = min(1.0-p.Height, p.Y+p.Speed)
}

// moveDown 向下移動一格，夾在邊界內
func (p *Paddle) moveDown() {
	p.Y = max(0.0, p.Y-p.Speed)
}

// Simulation 單場比賽的模擬狀態
//
// 純函數式核心：Step 與 Apply 是唯二的變異入口，
// 兩者都不做 I/O，由 Room 在鎖內呼叫。
type Simulation struct {
	Ball        Ball
	LeftPaddle  Paddle
	RightPaddle Paddle
	LeftScore   int
	RightScore  int
	Winner      Winner
	PointsToWin int
}

// NewSimulation 建立初始狀態的模擬
func NewSimulation(pointsToWin int) *Simulation {
	if pointsToWin <= 0 {
		pointsToWin = DefaultPointsToWin
	}

	return &Simulation{
		Ball: Ball{
			X: 0.5, Y: 0.5,
			DX: BallSpeedX, DY: BallSpeedY,
			Radius: BallRadius,
		},
		LeftPaddle:  Paddle{Y: 0.5, Height: PaddleHeight, Speed: PaddleSpeed},
		RightPaddle: Paddle{Y: 0.5, Height: PaddleHeight, Speed: PaddleSpeed},
		PointsToWin: pointsToWin,
	}
}

// Apply 套用一個玩家指令
//
// 冪等性約定：同一 tick 內重複套用相同指令等價於套用一次的語義
// 由 Room 的「每角色只保留最後一個待處理指令」佇列保證；
// 這裡只負責單次位移與邊界夾取。
func (s *Simulation) Apply(role Role, cmd Command) {
	if s.Winner != WinnerNone {
		return
	}

	paddle := &s.LeftPaddle
	if role == RoleRight {
		paddle = &s.RightPaddle
	}

	switch cmd {
	case CommandPaddleUp:
		paddle.moveUp()
	case CommandPaddleDown:
		paddle.moveDown()
	}
}

// Step 推進一個 tick
//
// 轉移順序（與得分互斥性直接相關）：
//  1. 球前進一格，上下牆面完全反射
//  2. 出界判分：x ≤ 0 右方得分、x ≥ 1 左方得分——
//     一次 Step 最多只有其中一邊成立
//  3. 得分後球回中線，水平方向交替發球
//  4. 球拍碰撞：球進入碰撞平面且 y 落在球拍帶內時，
//     把 x 夾回平面並反轉水平速度（單純鏡面反射，不加角度偏轉）
//
// winner 設定後整個函數是 no-op，分數與勝者不再變動。
func (s *Simulation) Step() {
	if s.Winner != WinnerNone {
		return
	}

	s.Ball.X += s.Ball.DX
	s.Ball.Y += s.Ball.DY

	// 上下牆面反射：位置鏡像回邊界內，避免連續多 tick 卡在牆外
	if s.Ball.Y <= 0 {
		s.Ball.Y = -s.Ball.Y
		s.Ball.DY = -s.Ball.DY
	} else if s.Ball.Y >= BoardHeight {
		s.Ball.Y = 2*BoardHeight - s.Ball.Y
		s.Ball.DY = -s.Ball.DY
	}

	// 出界判分（互斥：x 不可能同時 ≤0 又 ≥1）
	if s.Ball.X <= 0 {
		s.RightScore++
		s.resetBall()
		s.checkWinner()
		return
	}
	if s.Ball.X >= BoardWidth {
		s.LeftScore++
		s.resetBall()
		s.checkWinner()
		return
	}

	// 球拍碰撞：只在球朝著該球拍移動時反射，
	// 否則球停留在平面附近會每 tick 來回翻轉
	if s.Ball.DX < 0 && s.Ball.X-s.Ball.Radius <= LeftPaddleX &&
		s.withinPaddle(s.LeftPaddle) {
		s.Ball.X = LeftPaddleX + s.Ball.Radius
		s.Ball.DX = -s.Ball.DX
	} else if s.Ball.DX > 0 && s.Ball.X+s.Ball.Radius >= RightPaddleX &&
		s.withinPaddle(s.RightPaddle) {
		s.Ball.X = RightPaddleX - s.Ball.Radius
		s.Ball.DX = -s.Ball.DX
	}
}

// withinPaddle 球的 y 是否落在球拍帶內（含球半徑的餘裕）
func (s *Simulation) withinPaddle(p Paddle) bool {
	return s.Ball.Y >= p.Y-s.Ball.Radius && s.Ball.Y <= p.Y+p.Height+s.Ball.Radius
}

// resetBall 球回中線，交替發球方向
//
// 方向策略：水平速度取反（由剛失分的一側重新接發），
// 垂直速度不變。永遠不會出現零速度的發球。
func (s *Simulation) resetBall() {
	s.Ball.X = 0.5
	s.Ball.Y = 0.5
	s.Ball.DX = -s.Ball.DX
}

// checkWinner 得分後檢查勝利條件，winner 只會被設定一次
func (s *Simulation) checkWinner() {
	if s.LeftScore >= s.PointsToWin {
		s.Winner = WinnerLeft
	} else if s.RightScore >= s.PointsToWin {
		s.Winner = WinnerRight
	}
}
