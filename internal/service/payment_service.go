package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	radix "github.com/mediocregopher/radix/v3"
	"go.uber.org/zap"

	"github.com/example/speedyspoon/internal/datamodels/order"
	"github.com/example/speedyspoon/internal/datamodels/payment"
	"github.com/example/speedyspoon/internal/datamodels/user"
	"github.com/example/speedyspoon/internal/gateway"
)

const (
	// redisReconcileKey 双通道对账的快速去重标记，reference 维度
	redisReconcileKey   = "pay:reconcile:%s"
	reconcileMarkExpire = 86400 // 24 小时
	channelCallback     = "callback"
	channelWebhook      = "webhook"
)

// Gateway 支付网关适配器接口，实现见 internal/gateway
type Gateway interface {
	Initialize(ctx context.Context, email string, amount int64, reference string, metadata map[string]interface{}) (*gateway.InitResult, error)
	VerifyByReference(ctx context.Context, reference string) (*gateway.VerifyResult, error)
	ValidateSignature(body []byte, signature string) bool
}

// Outcome 一次对账的最终结论。两个通道对同一 reference 得到的
// Outcome 必须一致，后到者 Duplicate 为真。
type Outcome struct {
	Reference     string                `json:"reference"`
	OrderID       int64                 `json:"order_id"`
	Attempt       payment.AttemptStatus `json:"attempt"`
	PaymentStatus order.PaymentStatus   `json:"payment_status"`
	OrderStatus   order.Status          `json:"order_status"`
	Duplicate     bool                  `json:"duplicate"`
}

// PaymentService 支付发起与双通道对账。
// 对账以 gateway reference 为幂等键：谁先到谁做权威验证，
// 后到者拿到既有结论；正确性由 store 的条件更新兜底，不加锁。
type PaymentService struct {
	orders   order.Repository
	attempts payment.Repository
	gw       Gateway
	feed     Publisher
	redis    radix.Client // 可为 nil，仅作快速去重
	log      *zap.Logger
}

// NewPaymentService 创建支付服务
func NewPaymentService(orders order.Repository, attempts payment.Repository, gw Gateway, feed Publisher, redis radix.Client) *PaymentService {
	return &PaymentService{
		orders:   orders,
		attempts: attempts,
		gw:       gw,
		feed:     feed,
		redis:    redis,
		log:      zap.L(),
	}
}

// Initiate 发起支付：生成全新 reference，先把引用写到订单上，
// 再去网关换授权地址。网关侧 webhook 先于回调到达时也能按
// 引用匹配到订单。重试就是再调一次，引用从不复用。
func (s *PaymentService) Initiate(ctx context.Context, actor Actor, orderID int64, email string) (*gateway.InitResult, error) {
	if !actor.Authenticated() {
		return nil, ErrUnauthenticated
	}
	o, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if actor.Role != user.RoleAdmin && o.CustomerID != actor.UserID {
		return nil, ErrForbidden
	}
	if o.CashOnDelivery() {
		return nil, ErrCashOrder
	}
	if o.PaymentStatus == order.PaymentPaid {
		return nil, ErrAlreadyPaid
	}
	if o.Status.Terminal() {
		return nil, ErrOrderClosed
	}

	ref := uuid.NewString()
	att := &payment.Attempt{
		OrderID:   o.ID,
		Reference: ref,
		Amount:    o.TotalAmount,
		Status:    payment.AttemptPending,
	}
	if err := s.attempts.Create(ctx, att); err != nil {
		return nil, err
	}
	if err := s.orders.SetPaymentRef(ctx, o.ID, ref); err != nil {
		return nil, err
	}

	res, err := s.gw.Initialize(ctx, email, o.TotalAmount, ref, map[string]interface{}{
		"order_id": strconv.FormatInt(o.ID, 10),
	})
	if err != nil {
		GetMonitor().RecordGatewayError()
		// 交易根本没有建立，这次尝试直接作废
		if _, rerr := s.attempts.Resolve(ctx, ref, payment.AttemptFailed, "", err.Error()); rerr != nil && !errors.Is(rerr, payment.ErrAlreadyResolved) {
			s.log.Warn("resolve failed attempt", zap.String("reference", ref), zap.Error(rerr))
		}
		return nil, err
	}

	GetMonitor().RecordPaymentInitiated()
	s.log.Info("payment initiated",
		zap.Int64("order_id", o.ID),
		zap.String("reference", ref),
		zap.Int64("amount", o.TotalAmount))
	return res, nil
}

// HandleCallback 用户侧支付交互完成后的进程内回调通道
func (s *PaymentService) HandleCallback(ctx context.Context, reference string) (*Outcome, error) {
	return s.Reconcile(ctx, reference, channelCallback)
}

// HandleCallbackAbort 用户关闭支付交互：仅终结本次尝试，
// 订单保持 placed/pending，等待用户重新发起。cancelled 未经
// 网关核实，后到的确认通道验证出真实结果时会覆盖它。
func (s *PaymentService) HandleCallbackAbort(ctx context.Context, reference string) error {
	_, err := s.attempts.Resolve(ctx, reference, payment.AttemptCancelled, channelCallback, "")
	if errors.Is(err, payment.ErrAlreadyResolved) {
		return nil
	}
	return err
}

// webhookEvent 网关推送的事件体（Paystack 风格）
type webhookEvent struct {
	Event string `json:"event"`
	Data  struct {
		Reference string `json:"reference"`
		Status    string `json:"status"`
	} `json:"data"`
}

// HandleWebhook 服务端 webhook 通道。签名不合法的请求记录后丢弃，
// 不产生任何状态变化；未知事件直接忽略。
func (s *PaymentService) HandleWebhook(ctx context.Context, body []byte, signature string) (*Outcome, error) {
	if !s.gw.ValidateSignature(body, signature) {
		GetMonitor().RecordWebhookRejected()
		s.log.Warn("webhook signature rejected", zap.Int("body_len", len(body)))
		return nil, ErrInvalidSignature
	}

	var ev webhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("decode webhook: %w", err)
	}
	switch ev.Event {
	case "charge.success", "charge.failed":
		return s.Reconcile(ctx, ev.Data.Reference, channelWebhook)
	default:
		return nil, nil
	}
}

// Reconcile 双通道确认的唯一汇聚点，按 reference 幂等：
//  1. 尝试已有核实结果（success/failed）-> 直接返回既有结论
//     （no-op）。cancelled 不拦路：用户关闭支付页后扣款可能
//     已经成功，webhook 到达时照常走权威验证；
//  2. 权威验证：verify-by-reference，从不信任通道自带状态；
//  3. 条件更新 payment_status（pending/failed -> paid 或
//     pending -> failed），并发时 store 分出唯一胜者；
//  4. 成功时把 placed 推进到 confirmed（订单已被取消则放过）。
func (s *PaymentService) Reconcile(ctx context.Context, reference, channel string) (*Outcome, error) {
	if reference == "" {
		return nil, ErrUnknownReference
	}
	att, err := s.attempts.GetByReference(ctx, reference)
	if err != nil {
		if errors.Is(err, payment.ErrNotFound) {
			return nil, ErrUnknownReference
		}
		return nil, err
	}
	if att.Status.Settled() {
		return s.existingOutcome(ctx, att, channel)
	}

	// Redis 去重标记：另一通道刚处理过的引用可以省掉一次 verify。
	// 标记只是捷径，拿不到或为首次都继续走权威验证，
	// 最终一致性由下面的条件更新保证。
	if s.redis != nil {
		key := fmt.Sprintf(redisReconcileKey, reference)
		var n int
		if err := s.redis.Do(radix.Cmd(&n, "INCR", key)); err == nil {
			if n == 1 {
				_ = s.redis.Do(radix.Cmd(nil, "EXPIRE", key, strconv.Itoa(reconcileMarkExpire)))
			} else {
				if fresh, err := s.attempts.GetByReference(ctx, reference); err == nil && fresh.Status.Settled() {
					return s.existingOutcome(ctx, fresh, channel)
				}
			}
		}
	}

	vr, err := s.gw.VerifyByReference(ctx, reference)
	if err != nil {
		GetMonitor().RecordGatewayError()
		return nil, err
	}

	success := vr.Succeeded()
	if success && vr.Amount != att.Amount {
		s.log.Warn("verified amount mismatch, treating as failed",
			zap.String("reference", reference),
			zap.Int64("expected", att.Amount),
			zap.Int64("got", vr.Amount))
		success = false
	}

	if success {
		return s.settleSuccess(ctx, att, vr, channel)
	}
	return s.settleFailure(ctx, att, vr, channel)
}

func (s *PaymentService) settleSuccess(ctx context.Context, att *payment.Attempt, vr *gateway.VerifyResult, channel string) (*Outcome, error) {
	o, err := s.orders.MarkPaid(ctx, att.OrderID)
	dup := false
	if errors.Is(err, order.ErrConditionFailed) {
		// 另一通道已经写过 paid，不重复推进
		dup = true
		GetMonitor().RecordDuplicateConfirmation()
		if o, err = s.orders.GetByID(ctx, att.OrderID); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	changed := []string{"payment_status"}
	if o.Status == order.StatusPlaced {
		entry := &order.StatusLog{
			OrderID:    o.ID,
			FromStatus: order.StatusPlaced,
			ToStatus:   order.StatusConfirmed,
			ActorRole:  "engine",
			Note:       "payment confirmed via " + channel,
		}
		upd, uerr := s.orders.UpdateStatus(ctx, o.ID, order.StatusPlaced, order.StatusConfirmed, entry)
		if uerr == nil {
			o = upd
			changed = append(changed, "status")
		} else if !errors.Is(uerr, order.ErrConditionFailed) {
			return nil, uerr
		}
	}

	if _, err := s.attempts.Resolve(ctx, att.Reference, payment.AttemptSuccess, channel, vr.Raw); err != nil && !errors.Is(err, payment.ErrAlreadyResolved) {
		return nil, err
	}

	GetMonitor().RecordPaymentVerified()
	s.log.Info("payment verified",
		zap.Int64("order_id", o.ID),
		zap.String("reference", att.Reference),
		zap.String("channel", channel))

	s.feed.Publish(ctx, NewEvent(o, changed...))
	return &Outcome{
		Reference:     att.Reference,
		OrderID:       o.ID,
		Attempt:       payment.AttemptSuccess,
		PaymentStatus: o.PaymentStatus,
		OrderStatus:   o.Status,
		Duplicate:     dup,
	}, nil
}

func (s *PaymentService) settleFailure(ctx context.Context, att *payment.Attempt, vr *gateway.VerifyResult, channel string) (*Outcome, error) {
	o, err := s.orders.MarkPaymentFailed(ctx, att.OrderID)
	if errors.Is(err, order.ErrConditionFailed) {
		if o, err = s.orders.GetByID(ctx, att.OrderID); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	if _, err := s.attempts.Resolve(ctx, att.Reference, payment.AttemptFailed, channel, vr.Raw); err != nil && !errors.Is(err, payment.ErrAlreadyResolved) {
		return nil, err
	}

	GetMonitor().RecordPaymentFailed()
	s.log.Info("payment failed",
		zap.Int64("order_id", o.ID),
		zap.String("reference", att.Reference),
		zap.String("channel", channel),
		zap.String("gateway_status", vr.Status))

	s.feed.Publish(ctx, NewEvent(o, "payment_status"))
	return &Outcome{
		Reference:     att.Reference,
		OrderID:       o.ID,
		Attempt:       payment.AttemptFailed,
		PaymentStatus: o.PaymentStatus,
		OrderStatus:   o.Status,
	}, nil
}

// existingOutcome 把已终结的尝试换算成结论返回，不再验证、不再写入
func (s *PaymentService) existingOutcome(ctx context.Context, att *payment.Attempt, channel string) (*Outcome, error) {
	GetMonitor().RecordDuplicateConfirmation()
	o, err := s.orders.GetByID(ctx, att.OrderID)
	if err != nil {
		return nil, err
	}
	s.log.Info("duplicate payment confirmation absorbed",
		zap.String("reference", att.Reference),
		zap.String("first_channel", att.Channel),
		zap.String("channel", channel))
	return &Outcome{
		Reference:     att.Reference,
		OrderID:       o.ID,
		Attempt:       att.Status,
		PaymentStatus: o.PaymentStatus,
		OrderStatus:   o.Status,
		Duplicate:     true,
	}, nil
}

// Attempts 订单的支付尝试流水
func (s *PaymentService) Attempts(ctx context.Context, actor Actor, orderID int64) ([]*payment.Attempt, error) {
	o, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if actor.Role != user.RoleAdmin && o.CustomerID != actor.UserID {
		return nil, ErrForbidden
	}
	return s.attempts.ListByOrder(ctx, orderID)
}
