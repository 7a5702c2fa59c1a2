package payment

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("payment attempt not found")
	ErrAlreadyResolved = errors.New("payment attempt already resolved")
)

// AttemptStatus 支付尝试的结果
type AttemptStatus string

const (
	AttemptPending   AttemptStatus = "pending"
	AttemptSuccess   AttemptStatus = "success"
	AttemptFailed    AttemptStatus = "failed"
	AttemptCancelled AttemptStatus = "cancelled" // 用户关闭支付交互，仅终结本次尝试
)

// Terminal 判断尝试是否已出结果
func (s AttemptStatus) Terminal() bool {
	return s != AttemptPending
}

// Settled 判断尝试是否已有网关核实过的结果。cancelled 只是用户侧
// 上报的放弃，未经网关核实：扣款可能已在网关侧完成，后到的
// 确认通道必须仍能覆盖它。
func (s AttemptStatus) Settled() bool {
	return s == AttemptSuccess || s == AttemptFailed
}

// Attempt 一次支付尝试的流水记录。Reference 全局唯一且从不复用：
// 每次重试都是一条新记录、一个新引用。回调与 webhook 两个通道
// 以 Reference 为幂等键汇聚到同一条记录上。
type Attempt struct {
	ID         int64         `gorm:"primaryKey" json:"id"`
	OrderID    int64         `gorm:"index;not null" json:"order_id"`
	Reference  string        `gorm:"uniqueIndex;size:64;not null" json:"reference"`
	Amount     int64         `gorm:"not null" json:"amount"` // 请求金额，单位：分
	Status     AttemptStatus `gorm:"size:16;index;not null" json:"status"`
	Channel    string        `gorm:"size:16" json:"channel"` // 先到达的通道：callback / webhook
	RawPayload string        `gorm:"type:text" json:"-"`     // 网关原始响应，排障用
	CreatedAt  time.Time     `json:"created_at"`
	ResolvedAt *time.Time    `json:"resolved_at"`
}

// Repository 支付尝试仓储接口
type Repository interface {
	Create(ctx context.Context, a *Attempt) error
	GetByReference(ctx context.Context, ref string) (*Attempt, error)
	ListByOrder(ctx context.Context, orderID int64) ([]*Attempt, error)

	// Resolve 仅当尝试尚未 Settled（pending 或 cancelled）时写入
	// 终态，是两个确认通道之间的终点线：guard 不命中返回
	// ErrAlreadyResolved。核实过的结果可以覆盖用户上报的 cancelled，
	// 反之不行。
	Resolve(ctx context.Context, ref string, status AttemptStatus, channel, raw string) (*Attempt, error)
}
