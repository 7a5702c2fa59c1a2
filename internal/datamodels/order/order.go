package order

import (
	"context"
	"errors"
	"time"
)

// 条件更新相关的统一错误。仓储层所有状态转移都是
// "guard on current value" 的单条 UPDATE，命中 0 行时返回它们。
var (
	ErrNotFound        = errors.New("order not found")
	ErrConditionFailed = errors.New("order condition failed")           // 当前值与期望不符，可重读后重试
	ErrAlreadyAssigned = errors.New("order already assigned to driver") // 抢单失败
)

// Order 订单模型，Order Store 中唯一的权威记录。
// Version 随每次变更 +1，变更事件携带它供订阅方做单调合并。
type Order struct {
	ID           int64  `gorm:"primaryKey" json:"id"`
	CustomerID   int64  `gorm:"index;not null" json:"customer_id"`
	RestaurantID int64  `gorm:"index;not null" json:"restaurant_id"`
	DriverID     *int64 `gorm:"index" json:"driver_id"` // 骑手接单前为 NULL，只允许 NULL -> 值 的一次赋值

	Items       []OrderItem `gorm:"foreignKey:OrderID" json:"items"`
	ItemsTotal  int64       `gorm:"not null" json:"items_total"`  // 单位：分
	DeliveryFee int64       `gorm:"not null" json:"delivery_fee"` // 单位：分
	TotalAmount int64       `gorm:"not null" json:"total_amount"` // 创建时计算，此后不再改动

	Address      string `gorm:"size:255;not null" json:"address"`
	Instructions string `gorm:"size:512" json:"instructions"`

	Status        Status        `gorm:"size:32;index;not null" json:"status"`
	PaymentStatus PaymentStatus `gorm:"size:32;index;not null" json:"payment_status"`
	PaymentMethod PaymentMethod `gorm:"size:16;not null" json:"payment_method"`
	PaymentRef    string        `gorm:"size:64;index" json:"payment_ref"` // 网关交易引用，发起支付时写入

	Version int64 `gorm:"not null" json:"version"`

	EstimatedReadyAt    *time.Time `json:"estimated_ready_at"`
	EstimatedDeliveryAt *time.Time `json:"estimated_delivery_at"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// CashOnDelivery 是否货到付款
func (o *Order) CashOnDelivery() bool {
	return o.PaymentMethod == MethodCash
}

// PaymentSettled 支付闸门：已支付，或货到付款（送达时结清）
func (o *Order) PaymentSettled() bool {
	return o.PaymentStatus == PaymentPaid || o.CashOnDelivery()
}

// OrderItem 订单行，价格在下单时快照，之后不随菜单变动。
type OrderItem struct {
	ID         int64  `gorm:"primaryKey" json:"id"`
	OrderID    int64  `gorm:"index;not null" json:"order_id"`
	MenuItemID int64  `gorm:"index;not null" json:"menu_item_id"`
	Name       string `gorm:"size:128;not null" json:"name"`
	UnitPrice  int64  `gorm:"not null" json:"unit_price"` // 单位：分
	Quantity   int64  `gorm:"not null" json:"quantity"`
	Options    string `gorm:"size:1024" json:"options"`   // 所选定制项快照（JSON）
	LineTotal  int64  `gorm:"not null" json:"line_total"` // (单价 + 定制加价) * 数量
}

// ItemOption 定制项快照
type ItemOption struct {
	Name       string `json:"name"`
	PriceDelta int64  `json:"price_delta"` // 单位：分，可为 0
}

// StatusLog 状态流转审计记录，每次转移追加一条。
type StatusLog struct {
	ID         int64     `gorm:"primaryKey" json:"id"`
	OrderID    int64     `gorm:"index;not null" json:"order_id"`
	FromStatus Status    `gorm:"size:32" json:"from_status"`
	ToStatus   Status    `gorm:"size:32;not null" json:"to_status"`
	ActorID    int64     `gorm:"index" json:"actor_id"`
	ActorRole  string    `gorm:"size:16" json:"actor_role"`
	Note       string    `gorm:"size:255" json:"note"`
	CreatedAt  time.Time `gorm:"index" json:"created_at"`
}

// Repository 订单仓储接口。
// 所有带 guard 的写入都必须是原子的条件更新：并发调用方
// （双通道支付确认、两个骑手抢同一单）靠它分出唯一胜者，
// 不依赖任何外部锁。
type Repository interface {
	Insert(ctx context.Context, o *Order) error
	GetByID(ctx context.Context, id int64) (*Order, error)

	ListByCustomer(ctx context.Context, customerID int64) ([]*Order, error)
	ListByRestaurant(ctx context.Context, restaurantID int64) ([]*Order, error)
	ListByDriver(ctx context.Context, driverID int64) ([]*Order, error)
	ListByStatus(ctx context.Context, statuses ...Status) ([]*Order, error)

	// UpdateStatus 仅当当前状态等于 from 时把状态推进到 to，
	// 同时 Version+1 并追加审计记录。guard 不命中返回 ErrConditionFailed。
	UpdateStatus(ctx context.Context, id int64, from, to Status, entry *StatusLog) (*Order, error)

	// MarkPaid 仅当 payment_status 为 pending 或 failed 时置为 paid。
	// paid 是终态，这里保证它一旦写入就不会被覆盖。
	MarkPaid(ctx context.Context, id int64) (*Order, error)

	// MarkPaymentFailed 仅当 payment_status 仍为 pending 时置为 failed。
	MarkPaymentFailed(ctx context.Context, id int64) (*Order, error)

	// SetPaymentRef 在用户侧支付交互打开之前写入网关引用，
	// 保证先于回调到达的 webhook 也能匹配到订单。
	SetPaymentRef(ctx context.Context, id int64, ref string) error

	// AssignDriverAndPickUp 抢单：ready -> picked_up 且 driver_id IS NULL
	// 的单条条件更新，输掉并发竞争的一方得到 ErrAlreadyAssigned。
	AssignDriverAndPickUp(ctx context.Context, id, driverID int64, entry *StatusLog) (*Order, error)

	// Deliver 送达：picked_up -> delivered 且 driver_id 必须是当前骑手。
	// settleCash 为真时同一条语句把货到付款的 pending 置为 paid。
	Deliver(ctx context.Context, id, driverID int64, settleCash bool, entry *StatusLog) (*Order, error)

	ListStatusLog(ctx context.Context, orderID int64) ([]*StatusLog, error)
}
