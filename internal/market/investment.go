package market

import "math"

// Investment is one settled decision of a player for a tick.
type Investment struct {
	ID     int64 `json:"id"`
	UserID int64 `json:"userId"`
	Amount int64 `json:"amount"`
	Profit int64 `json:"profit"`
	Tick   int64 `json:"tick"`
}

// Profit returns floor(amount * rate), the gross payout of an investment.
// Results past the int64 range saturate at math.MaxInt64.
func Profit(amount int64, rate float64) int64 {
	if amount <= 0 || !(rate > 0) {
		return 0
	}
	v := math.Floor(float64(amount) * rate)
	if v >= math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(v)
}

// TrimTail keeps the newest limit records. The result never shares its backing
// array with s once trimming happens.
func TrimTail(s []Investment, limit int) []Investment {
	if limit <= 0 {
		return nil
	}
	if len(s) <= limit {
		return s
	}
	out := make([]Investment, limit)
	copy(out, s[len(s)-limit:])
	return out
}
