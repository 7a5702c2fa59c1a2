package order

// Status 订单履约状态
type Status string

const (
	StatusPlaced    Status = "placed"    // 已下单，等待支付/确认
	StatusConfirmed Status = "confirmed" // 餐厅已接单
	StatusPreparing Status = "preparing" // 制作中
	StatusReady     Status = "ready"     // 备餐完成，等待骑手取餐
	StatusPickedUp  Status = "picked_up" // 骑手已取餐
	StatusDelivered Status = "delivered" // 已送达（终态）
	StatusCancelled Status = "cancelled" // 已取消（终态）
)

// PaymentStatus 支付状态，paid 为终态且不可回退
type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentPaid    PaymentStatus = "paid"
	PaymentFailed  PaymentStatus = "failed"
)

// PaymentMethod 支付方式
type PaymentMethod string

const (
	MethodCard PaymentMethod = "card" // 在线支付，走网关
	MethodCash PaymentMethod = "cash" // 货到付款，送达时结清
)

// next 履约状态的前向邻接表。状态只能沿表推进，
// cancelled 是唯一的例外，可从任何非终态进入。
var next = map[Status]Status{
	StatusPlaced:    StatusConfirmed,
	StatusConfirmed: StatusPreparing,
	StatusPreparing: StatusReady,
	StatusReady:     StatusPickedUp,
	StatusPickedUp:  StatusDelivered,
}

// Valid 判断是否为已知状态
func (s Status) Valid() bool {
	if s == StatusDelivered || s == StatusCancelled {
		return true
	}
	_, ok := next[s]
	return ok
}

// Terminal 判断是否为终态
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

// CanAdvanceTo 校验 s -> target 是否为合法转移：
// 要么是邻接表中的直接后继，要么是从非终态进入 cancelled。
// 跨级跳转（如 placed -> ready）一律拒绝，不做任何"纠正"。
func (s Status) CanAdvanceTo(target Status) bool {
	if target == StatusCancelled {
		return !s.Terminal()
	}
	return next[s] == target
}

// Next 返回直接后继状态，终态返回空串
func (s Status) Next() Status {
	return next[s]
}

// RequiresPayment 从 confirmed 往后的推进都要求支付已结清
// （货到付款订单除外，由服务层豁免）。
func (s Status) RequiresPayment() bool {
	switch s {
	case StatusPreparing, StatusReady, StatusPickedUp, StatusDelivered:
		return true
	}
	return false
}
