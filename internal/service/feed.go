package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/example/speedyspoon/internal/datamodels/order"
	"github.com/example/speedyspoon/internal/infra/mq"
)

// Event 订单变更事件。Version 来自订单自身的版本号，
// 同一订单的事件按 Version 严格递增，消费方据此做单调合并，
// 重复投递（at-least-once）天然无害。
type Event struct {
	OrderID       int64               `json:"order_id"`
	RestaurantID  int64               `json:"restaurant_id"`
	Version       int64               `json:"version"`
	Status        order.Status        `json:"status"`
	PaymentStatus order.PaymentStatus `json:"payment_status"`
	DriverID      *int64              `json:"driver_id"`
	Changed       []string            `json:"changed"`
	OccurredAt    time.Time           `json:"occurred_at"`
}

// NewEvent 从订单当前快照构造事件
func NewEvent(o *order.Order, changed ...string) Event {
	return Event{
		OrderID:       o.ID,
		RestaurantID:  o.RestaurantID,
		Version:       o.Version,
		Status:        o.Status,
		PaymentStatus: o.PaymentStatus,
		DriverID:      o.DriverID,
		Changed:       changed,
		OccurredAt:    time.Now(),
	}
}

// Publisher 变更事件出口，服务层只依赖这个接口
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// Feed 变更通知枢纽：事件一份写入 RabbitMQ 的持久队列
// （通知 worker 等跨进程消费者，at-least-once），一份在进程内
// 扇出给各控制台的订阅（SSE）。慢订阅者的事件直接丢弃并计数，
// 订阅方重连后应从 store 重新拉取快照。
type Feed struct {
	mu        sync.RWMutex
	nextSubID int64
	orderSubs map[int64]map[int64]chan Event // orderID -> subID -> ch
	allSubs   map[int64]chan Event

	ch  *amqp.Channel
	log *zap.Logger
}

// NewFeed 创建枢纽。conn 为 nil 时只做进程内扇出（测试用）。
func NewFeed(conn *amqp.Connection) (*Feed, error) {
	f := &Feed{
		orderSubs: make(map[int64]map[int64]chan Event),
		allSubs:   make(map[int64]chan Event),
		log:       zap.L(),
	}
	if conn != nil {
		ch, err := conn.Channel()
		if err != nil {
			return nil, err
		}
		if _, err := ch.QueueDeclare(mq.OrderEventsQueue, true, false, false, false, nil); err != nil {
			return nil, err
		}
		f.ch = ch
	}
	return f, nil
}

// Publish 发布一条变更事件
func (f *Feed) Publish(ctx context.Context, ev Event) {
	GetMonitor().RecordFeedEvent()

	if f.ch != nil {
		body, err := json.Marshal(ev)
		if err == nil {
			err = f.ch.PublishWithContext(ctx, "", mq.OrderEventsQueue, false, false, amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				Body:         body,
			})
		}
		if err != nil {
			GetMonitor().RecordMQError()
			f.log.Warn("publish order event to mq failed",
				zap.Int64("order_id", ev.OrderID), zap.Error(err))
		}
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, ch := range f.orderSubs[ev.OrderID] {
		f.deliver(ch, ev)
	}
	for _, ch := range f.allSubs {
		f.deliver(ch, ev)
	}
}

func (f *Feed) deliver(ch chan Event, ev Event) {
	select {
	case ch <- ev:
	default:
		// 订阅者跟不上就丢，重连后由 store 快照兜底
		GetMonitor().RecordFeedDropped()
	}
}

// Subscribe 订阅单个订单的变更，返回取消函数
func (f *Feed) Subscribe(orderID int64) (<-chan Event, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextSubID++
	id := f.nextSubID
	ch := make(chan Event, 16)
	if f.orderSubs[orderID] == nil {
		f.orderSubs[orderID] = make(map[int64]chan Event)
	}
	f.orderSubs[orderID][id] = ch

	cancel := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if subs, ok := f.orderSubs[orderID]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(f.orderSubs, orderID)
			}
		}
	}
	return ch, cancel
}

// SubscribeAll 订阅全部订单的变更（餐厅/骑手控制台的宽订阅）
func (f *Feed) SubscribeAll() (<-chan Event, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextSubID++
	id := f.nextSubID
	ch := make(chan Event, 64)
	f.allSubs[id] = ch

	cancel := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.allSubs, id)
	}
	return ch, cancel
}
