package domain

import "fmt"

// OperationState 單筆交易在引擎中的狀態
//
//	Requested -> Validating -> Applying -> Committed
//	                        \            \-> Rejected
//	                         \-> Rejected \-> RolledBack -> Rejected
type OperationState uint8

const (
	StateRequested OperationState = iota
	StateValidating
	StateApplying
	StateCommitted
	StateRejected
	StateRolledBack
)

func (s OperationState) String() string {
	switch s {
	case StateRequested:
		return "requested"
	case StateValidating:
		return "validating"
	case StateApplying:
		return "applying"
	case StateCommitted:
		return "committed"
	case StateRejected:
		return "rejected"
	case StateRolledBack:
		return "rolled_back"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Terminal 終態不可再轉換
func (s OperationState) Terminal() bool {
	return s == StateCommitted || s == StateRejected
}

func (s OperationState) canTransition(to OperationState) bool {
	switch s {
	case StateRequested:
		return to == StateValidating
	case StateValidating:
		return to == StateApplying || to == StateRejected
	case StateApplying:
		// 版本衝突重試時會回到 Validating 重新讀取版本
		return to == StateCommitted || to == StateRejected || to == StateRolledBack || to == StateValidating
	case StateRolledBack:
		return to == StateRejected || to == StateValidating
	}
	return false
}

// Advance 推進狀態，不合法的轉換回傳 ErrInvalidTransition
func (s *OperationState) Advance(to OperationState) error {
	if !s.canTransition(to) {
		return fmt.Errorf("%w: operation state %s -> %s", ErrInvalidTransition, *s, to)
	}
	*s = to
	return nil
}
