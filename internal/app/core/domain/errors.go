package domain

import "errors"

var (
	// ErrInvalidArgument 請求格式錯誤 (金額 <= 0、同帳戶轉帳、缺少欄位)
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound 找不到帳戶
	ErrNotFound = errors.New("account not found")

	// ErrInsufficientFunds 餘額不足 (低於帳戶允許的透支下限)
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrVersionConflict 樂觀鎖版本衝突或鎖等待逾時，呼叫端可重試
	ErrVersionConflict = errors.New("version conflict")

	// ErrInvalidTransition 不合法的狀態轉換 (closed 帳戶、凍結帳戶的餘額異動)
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrPersistenceFailure 持久化寫入或讀取失敗
	ErrPersistenceFailure = errors.New("persistence failure")
)

// IsRecoverable 回報錯誤是否為可恢復的業務錯誤
// 可恢復錯誤會回傳給呼叫端決定重試或放棄，不會終止程序
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrInvalidArgument) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrVersionConflict) ||
		errors.Is(err, ErrInvalidTransition)
}

// IsRejection 回報錯誤是否需要寫入一筆 rejected 紀錄
// VersionConflict 屬於競爭失敗，由呼叫端重試，不寫入歷史
func IsRejection(err error) bool {
	return errors.Is(err, ErrInvalidArgument) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrInvalidTransition)
}
