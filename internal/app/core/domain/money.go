package domain

import (
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// MinorUnitExponent 金額精度: 小數點後 2 位 (1.00 = 100)
const MinorUnitExponent = 2

var maxMinor = decimal.NewFromInt(math.MaxInt64)

// ParseAmount 將主幣單位字串 (例如 "12.34") 轉為最小貨幣單位 (1234)
// 超過精度或超出 int64 範圍回傳 ErrInvalidArgument
func ParseAmount(s string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: invalid amount %q", ErrInvalidArgument, s)
	}
	scaled := d.Shift(MinorUnitExponent)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("%w: amount %q has more than %d decimal places", ErrInvalidArgument, s, MinorUnitExponent)
	}
	if scaled.Abs().GreaterThan(maxMinor) {
		return 0, fmt.Errorf("%w: amount %q out of range", ErrInvalidArgument, s)
	}
	return scaled.IntPart(), nil
}

// FormatAmount 將最小貨幣單位格式化為主幣單位字串
func FormatAmount(minor int64) string {
	return decimal.New(minor, -MinorUnitExponent).StringFixed(MinorUnitExponent)
}
