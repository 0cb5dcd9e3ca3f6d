package models

import "fmt"

// InvariantViolation 账本或订单不变量被破坏
// 属于实现缺陷而非业务错误，Runner 捕获后必须立即中止运行
type InvariantViolation struct {
	Op     string // 出错的操作
	Detail string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation in %s: %s", e.Op, e.Detail)
}

// Invariantf 构造 InvariantViolation
func Invariantf(op, format string, args ...interface{}) error {
	return &InvariantViolation{Op: op, Detail: fmt.Sprintf(format, args...)}
}
