package window

import "math/big"

// SecondsPerDay 是滚动窗口与日历日共用的时间粒度。
const SecondsPerDay int64 = 86400

// Window 表示一个滚动 24 小时的配额窗口。
// 窗口采用惰性重置：读写前先判断是否过期，过期后视已累计金额为零。
type Window struct {
	Amount    *big.Int `json:"amount"`
	LastReset int64    `json:"last_reset"`
}

// New 创建一个空窗口，起点为给定时刻。
func New(now int64) Window {
	return Window{Amount: new(big.Int), LastReset: now}
}

// DayIndex 返回时间戳所属的日历日序号。
func DayIndex(t int64) int64 {
	if t < 0 {
		return 0
	}
	return t / SecondsPerDay
}

// IsStale 判断窗口自上次重置起是否已满 24 小时。
func (w Window) IsStale(now int64) bool {
	return now >= w.LastReset+SecondsPerDay
}

// Effective 返回当前窗口内已计入的金额；过期窗口视为零。
func (w Window) Effective(now int64) *big.Int {
	if w.IsStale(now) || w.Amount == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(w.Amount)
}

// Remaining 计算在给定限额下窗口内还可以花费的金额，下限为零。
func Remaining(limit *big.Int, w Window, now int64) *big.Int {
	if limit == nil {
		return new(big.Int)
	}
	rest := new(big.Int).Sub(limit, w.Effective(now))
	if rest.Sign() < 0 {
		return new(big.Int)
	}
	return rest
}

// Record 将一笔花费计入窗口。
// 若窗口已过期，则以本次花费重新开窗；否则在现有累计上叠加。
// 调用方必须先通过 Remaining 完成配额校验，Record 本身不做拒绝。
func (w *Window) Record(amount *big.Int, now int64) {
	if amount == nil {
		amount = new(big.Int)
	}
	if w.IsStale(now) {
		w.Amount = new(big.Int).Set(amount)
		w.LastReset = now
		return
	}
	if w.Amount == nil {
		w.Amount = new(big.Int)
	}
	w.Amount = new(big.Int).Add(w.Amount, amount)
}

// DayBucket 是按日历日切换的配额桶，提现限流使用这一形态。
type DayBucket struct {
	Day   int64    `json:"day"`
	Spent *big.Int `json:"spent"`
}

// Rollover 在日历日切换时清零桶内累计。
func (b *DayBucket) Rollover(now int64) {
	day := DayIndex(now)
	if day != b.Day {
		b.Day = day
		b.Spent = new(big.Int)
	}
	if b.Spent == nil {
		b.Spent = new(big.Int)
	}
}

// Allows 判断在给定日上限下是否还能计入一笔金额。
func (b *DayBucket) Allows(cap, amount *big.Int, now int64) bool {
	if cap == nil || amount == nil {
		return false
	}
	b.Rollover(now)
	total := new(big.Int).Add(b.Spent, amount)
	return total.Cmp(cap) <= 0
}

// Add 将一笔金额计入当日桶。调用方需先通过 Allows 校验。
func (b *DayBucket) Add(amount *big.Int, now int64) {
	b.Rollover(now)
	if amount == nil {
		return
	}
	b.Spent = new(big.Int).Add(b.Spent, amount)
}
