package service

import (
	"sync"
	"time"
)

// Monitor 监控服务，用于统计订单流转与支付对账的关键指标
type Monitor struct {
	mu sync.RWMutex

	// 订单统计
	OrdersPlaced     int64
	Transitions      int64
	TransitionDenied int64 // 非法跳转被拒绝次数
	AssignConflicts  int64 // 抢单落败次数

	// 支付统计
	PaymentsInitiated  int64
	PaymentsVerified   int64
	PaymentsFailed     int64
	DuplicateConfirmed int64 // 重复确认被幂等吸收的次数
	WebhookRejected    int64 // 签名校验失败
	GatewayErrors      int64

	// 变更通知统计
	FeedEvents  int64
	FeedDropped int64
	MQErrors    int64

	// 时间统计
	LastOrderTime   time.Time
	LastPaymentTime time.Time
	LastWebhookTime time.Time
}

var globalMonitor = &Monitor{}

// GetMonitor 获取全局监控实例
func GetMonitor() *Monitor {
	return globalMonitor
}

// RecordOrderPlaced 记录下单
func (m *Monitor) RecordOrderPlaced() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.OrdersPlaced++
	m.LastOrderTime = time.Now()
}

// RecordTransition 记录一次成功的状态推进
func (m *Monitor) RecordTransition() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Transitions++
}

// RecordTransitionDenied 记录被拒绝的非法跳转
func (m *Monitor) RecordTransitionDenied() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TransitionDenied++
}

// RecordAssignConflict 记录抢单冲突
func (m *Monitor) RecordAssignConflict() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AssignConflicts++
}

// RecordPaymentInitiated 记录发起支付
func (m *Monitor) RecordPaymentInitiated() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PaymentsInitiated++
	m.LastPaymentTime = time.Now()
}

// RecordPaymentVerified 记录支付验证成功
func (m *Monitor) RecordPaymentVerified() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PaymentsVerified++
	m.LastPaymentTime = time.Now()
}

// RecordPaymentFailed 记录支付验证失败
func (m *Monitor) RecordPaymentFailed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PaymentsFailed++
}

// RecordDuplicateConfirmation 记录被幂等吸收的重复确认
func (m *Monitor) RecordDuplicateConfirmation() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DuplicateConfirmed++
}

// RecordWebhookRejected 记录签名不合法的 webhook
func (m *Monitor) RecordWebhookRejected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.WebhookRejected++
	m.LastWebhookTime = time.Now()
}

// RecordGatewayError 记录网关请求失败
func (m *Monitor) RecordGatewayError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GatewayErrors++
}

// RecordFeedEvent 记录变更事件发布
func (m *Monitor) RecordFeedEvent() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FeedEvents++
}

// RecordFeedDropped 记录因订阅者过慢而丢弃的事件
func (m *Monitor) RecordFeedDropped() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FeedDropped++
}

// RecordMQError 记录 MQ 错误
func (m *Monitor) RecordMQError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.MQErrors++
}

// Snapshot 返回当前指标快照，供后台看板使用
func (m *Monitor) Snapshot() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]interface{}{
		"orders_placed":       m.OrdersPlaced,
		"transitions":         m.Transitions,
		"transition_denied":   m.TransitionDenied,
		"assign_conflicts":    m.AssignConflicts,
		"payments_initiated":  m.PaymentsInitiated,
		"payments_verified":   m.PaymentsVerified,
		"payments_failed":     m.PaymentsFailed,
		"duplicate_confirmed": m.DuplicateConfirmed,
		"webhook_rejected":    m.WebhookRejected,
		"gateway_errors":      m.GatewayErrors,
		"feed_events":         m.FeedEvents,
		"feed_dropped":        m.FeedDropped,
		"mq_errors":           m.MQErrors,
		"last_order_time":     m.LastOrderTime,
		"last_payment_time":   m.LastPaymentTime,
		"last_webhook_time":   m.LastWebhookTime,
	}
}
