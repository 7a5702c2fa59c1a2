package main

import (
	"encoding/json"
	"log"

	"go.uber.org/zap"

	"github.com/example/speedyspoon/internal/config"
	"github.com/example/speedyspoon/internal/datamodels/order"
	"github.com/example/speedyspoon/internal/infra/logger"
	"github.com/example/speedyspoon/internal/infra/mq"
	"github.com/example/speedyspoon/internal/service"
)

func init() {
	_ = service.GetMonitor()
}

// 各状态对应推送给顾客的通知文案
var notifyText = map[order.Status]string{
	order.StatusPlaced:    "order received",
	order.StatusConfirmed: "restaurant confirmed your order",
	order.StatusPreparing: "your food is being prepared",
	order.StatusReady:     "order is ready, waiting for a driver",
	order.StatusPickedUp:  "driver picked up your order",
	order.StatusDelivered: "order delivered, enjoy",
	order.StatusCancelled: "order was cancelled",
}

func main() {
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	zl := logger.Init()
	defer zl.Sync()

	mqConn := mq.Init(&cfg.RabbitMQ)

	ch, err := mqConn.Channel()
	if err != nil {
		zl.Fatal("failed to open channel", zap.Error(err))
	}
	defer ch.Close()

	if _, err = ch.QueueDeclare(mq.OrderEventsQueue, true, false, false, false, nil); err != nil {
		zl.Fatal("failed to declare queue", zap.Error(err))
	}

	// 手动确认模式，处理成功才 ack
	msgs, err := ch.Consume(mq.OrderEventsQueue, "", false, false, false, false, nil)
	if err != nil {
		zl.Fatal("failed to consume", zap.Error(err))
	}

	zl.Info("notify worker started, waiting for order events")

	for d := range msgs {
		var ev service.Event
		if err := json.Unmarshal(d.Body, &ev); err != nil {
			zl.Warn("invalid event payload", zap.Error(err))
			// 格式错误的消息重投也救不回来，直接丢弃
			_ = d.Nack(false, false)
			continue
		}
		dispatch(zl, ev)
		_ = d.Ack(false)
	}
}

// dispatch 模拟向顾客推送通知。真实环境这里接短信/推送网关，
// 失败时应 Nack 重投，由事件 Version 保证重复推送可被下游去重。
func dispatch(zl *zap.Logger, ev service.Event) {
	text, ok := notifyText[ev.Status]
	if !ok {
		text = "order updated"
	}
	zl.Info("notify customer",
		zap.Int64("order_id", ev.OrderID),
		zap.Int64("version", ev.Version),
		zap.String("status", string(ev.Status)),
		zap.String("payment_status", string(ev.PaymentStatus)),
		zap.String("text", text),
	)
}
