package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/speedyspoon/internal/datamodels/order"
	"github.com/example/speedyspoon/internal/datamodels/payment"
)

type paymentFixture struct {
	repo     *memOrderRepo
	attempts *memPaymentRepo
	gw       *fakeGateway
	feed     *memFeed
	svc      *PaymentService
}

func newPaymentFixture() *paymentFixture {
	f := &paymentFixture{
		repo:     newMemOrderRepo(),
		attempts: newMemPaymentRepo(),
		gw:       newFakeGateway(),
		feed:     &memFeed{},
	}
	f.svc = NewPaymentService(f.repo, f.attempts, f.gw, f.feed, nil)
	return f
}

func (f *paymentFixture) seed(t *testing.T, status order.Status, pay order.PaymentStatus, method order.PaymentMethod) *order.Order {
	t.Helper()
	o := &order.Order{
		CustomerID:    customer.UserID,
		RestaurantID:  restaurant.UserID,
		TotalAmount:   2099,
		Address:       "12 Fulton Street, Springfield",
		Status:        status,
		PaymentStatus: pay,
		PaymentMethod: method,
		Version:       1,
	}
	require.NoError(t, f.repo.Insert(context.Background(), o))
	return o
}

// initiate 发起支付并编排网关 verify 结论
func (f *paymentFixture) initiate(t *testing.T, orderID int64, gatewayStatus string) string {
	t.Helper()
	res, err := f.svc.Initiate(context.Background(), customer, orderID, "alice@example.com")
	require.NoError(t, err)
	f.gw.setResult(res.Reference, gatewayStatus, 2099)
	return res.Reference
}

func TestInitiate(t *testing.T) {
	f := newPaymentFixture()
	ctx := context.Background()
	o := f.seed(t, order.StatusPlaced, order.PaymentPending, order.MethodCard)

	res, err := f.svc.Initiate(ctx, customer, o.ID, "alice@example.com")
	require.NoError(t, err)
	assert.NotEmpty(t, res.Reference)
	assert.NotEmpty(t, res.AuthorizationURL)

	// 引用在交互打开前就写到了订单上，先到的 webhook 也能匹配
	cur, err := f.repo.GetByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Reference, cur.PaymentRef)

	att, err := f.attempts.GetByReference(ctx, res.Reference)
	require.NoError(t, err)
	assert.Equal(t, payment.AttemptPending, att.Status)
	assert.Equal(t, o.TotalAmount, att.Amount)

	// 重试拿到全新引用，旧引用从不复用
	res2, err := f.svc.Initiate(ctx, customer, o.ID, "alice@example.com")
	require.NoError(t, err)
	assert.NotEqual(t, res.Reference, res2.Reference)
}

func TestInitiateRejections(t *testing.T) {
	f := newPaymentFixture()
	ctx := context.Background()

	cash := f.seed(t, order.StatusPlaced, order.PaymentPending, order.MethodCash)
	_, err := f.svc.Initiate(ctx, customer, cash.ID, "a@example.com")
	assert.ErrorIs(t, err, ErrCashOrder)

	paid := f.seed(t, order.StatusConfirmed, order.PaymentPaid, order.MethodCard)
	_, err = f.svc.Initiate(ctx, customer, paid.ID, "a@example.com")
	assert.ErrorIs(t, err, ErrAlreadyPaid)

	closed := f.seed(t, order.StatusCancelled, order.PaymentPending, order.MethodCard)
	_, err = f.svc.Initiate(ctx, customer, closed.ID, "a@example.com")
	assert.ErrorIs(t, err, ErrOrderClosed)

	o := f.seed(t, order.StatusPlaced, order.PaymentPending, order.MethodCard)
	_, err = f.svc.Initiate(ctx, Actor{UserID: 2, Role: customer.Role}, o.ID, "a@example.com")
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = f.svc.Initiate(ctx, Actor{}, o.ID, "a@example.com")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestInitiateGatewayDown(t *testing.T) {
	f := newPaymentFixture()
	ctx := context.Background()
	o := f.seed(t, order.StatusPlaced, order.PaymentPending, order.MethodCard)

	f.gw.initErr = assert.AnError
	_, err := f.svc.Initiate(ctx, customer, o.ID, "a@example.com")
	require.Error(t, err)

	// 交易没有建立，尝试作废，订单保持可重试
	cur, _ := f.repo.GetByID(ctx, o.ID)
	assert.Equal(t, order.PaymentPending, cur.PaymentStatus)
	atts, _ := f.attempts.ListByOrder(ctx, o.ID)
	require.Len(t, atts, 1)
	assert.Equal(t, payment.AttemptFailed, atts[0].Status)
}

func TestReconcileSuccessAdvancesOrder(t *testing.T) {
	f := newPaymentFixture()
	ctx := context.Background()
	o := f.seed(t, order.StatusPlaced, order.PaymentPending, order.MethodCard)
	ref := f.initiate(t, o.ID, "success")

	out, err := f.svc.HandleCallback(ctx, ref)
	require.NoError(t, err)
	assert.False(t, out.Duplicate)
	assert.Equal(t, order.PaymentPaid, out.PaymentStatus)
	assert.Equal(t, order.StatusConfirmed, out.OrderStatus)
	assert.Equal(t, payment.AttemptSuccess, out.Attempt)

	cur, _ := f.repo.GetByID(ctx, o.ID)
	assert.Equal(t, order.PaymentPaid, cur.PaymentStatus)
	assert.Equal(t, order.StatusConfirmed, cur.Status)
}

func TestReconcileDuplicateIsNoOp(t *testing.T) {
	f := newPaymentFixture()
	ctx := context.Background()
	o := f.seed(t, order.StatusPlaced, order.PaymentPending, order.MethodCard)
	ref := f.initiate(t, o.ID, "success")

	first, err := f.svc.HandleCallback(ctx, ref)
	require.NoError(t, err)
	verifyCalls := f.gw.verifyCalls
	version := mustGet(t, f.repo, o.ID).Version

	// 同一引用再来一次（另一通道迟到），既不验证也不写入
	second, err := f.svc.Reconcile(ctx, ref, "webhook")
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.PaymentStatus, second.PaymentStatus)
	assert.Equal(t, first.OrderStatus, second.OrderStatus)
	assert.Equal(t, verifyCalls, f.gw.verifyCalls)
	assert.Equal(t, version, mustGet(t, f.repo, o.ID).Version)
}

func TestReconcileConcurrentChannels(t *testing.T) {
	f := newPaymentFixture()
	ctx := context.Background()
	o := f.seed(t, order.StatusPlaced, order.PaymentPending, order.MethodCard)
	ref := f.initiate(t, o.ID, "success")

	var wg sync.WaitGroup
	outcomes := make([]*Outcome, 4)
	errs := make([]error, 4)
	for i := 0; i < len(outcomes); i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			channel := channelCallback
			if i%2 == 1 {
				channel = channelWebhook
			}
			outcomes[i], errs[i] = f.svc.Reconcile(ctx, ref, channel)
		}(i)
	}
	wg.Wait()

	// 两个通道殊途同归：结论一致，唯一胜者之外都标记 Duplicate
	winners := 0
	for i, out := range outcomes {
		require.NoError(t, errs[i])
		assert.Equal(t, order.PaymentPaid, out.PaymentStatus)
		assert.Equal(t, order.StatusConfirmed, out.OrderStatus)
		if !out.Duplicate {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
	cur := mustGet(t, f.repo, o.ID)
	assert.Equal(t, order.PaymentPaid, cur.PaymentStatus)
	assert.Equal(t, order.StatusConfirmed, cur.Status)

	att, err := f.attempts.GetByReference(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, payment.AttemptSuccess, att.Status)

	logs, _ := f.repo.ListStatusLog(ctx, o.ID)
	assert.Len(t, logs, 1, "placed -> confirmed exactly once")
}

func TestReconcileFailureThenRetry(t *testing.T) {
	f := newPaymentFixture()
	ctx := context.Background()
	o := f.seed(t, order.StatusPlaced, order.PaymentPending, order.MethodCard)

	ref := f.initiate(t, o.ID, "failed")
	out, err := f.svc.HandleCallback(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, payment.AttemptFailed, out.Attempt)
	assert.Equal(t, order.PaymentFailed, out.PaymentStatus)
	assert.Equal(t, order.StatusPlaced, out.OrderStatus)

	// 重试是一条新尝试、一个新引用，成功后 failed -> paid
	ref2 := f.initiate(t, o.ID, "success")
	require.NotEqual(t, ref, ref2)
	out, err = f.svc.HandleCallback(ctx, ref2)
	require.NoError(t, err)
	assert.Equal(t, order.PaymentPaid, out.PaymentStatus)
	assert.Equal(t, order.StatusConfirmed, out.OrderStatus)

	atts, _ := f.attempts.ListByOrder(ctx, o.ID)
	assert.Len(t, atts, 2)
}

func TestReconcileAmountMismatch(t *testing.T) {
	f := newPaymentFixture()
	ctx := context.Background()
	o := f.seed(t, order.StatusPlaced, order.PaymentPending, order.MethodCard)

	res, err := f.svc.Initiate(ctx, customer, o.ID, "a@example.com")
	require.NoError(t, err)
	// 网关说成功，但实收对不上请求金额
	f.gw.setResult(res.Reference, "success", 100)

	out, err := f.svc.HandleCallback(ctx, res.Reference)
	require.NoError(t, err)
	assert.Equal(t, payment.AttemptFailed, out.Attempt)
	assert.Equal(t, order.PaymentFailed, out.PaymentStatus)
}

func TestReconcileUnknownReference(t *testing.T) {
	f := newPaymentFixture()
	_, err := f.svc.Reconcile(context.Background(), "no-such-ref", channelWebhook)
	assert.ErrorIs(t, err, ErrUnknownReference)
	_, err = f.svc.Reconcile(context.Background(), "", channelWebhook)
	assert.ErrorIs(t, err, ErrUnknownReference)
}

func TestHandleCallbackAbort(t *testing.T) {
	f := newPaymentFixture()
	ctx := context.Background()
	o := f.seed(t, order.StatusPlaced, order.PaymentPending, order.MethodCard)
	ref := f.initiate(t, o.ID, "success")

	require.NoError(t, f.svc.HandleCallbackAbort(ctx, ref))

	// 只终结本次尝试，订单原地等待重新发起
	att, _ := f.attempts.GetByReference(ctx, ref)
	assert.Equal(t, payment.AttemptCancelled, att.Status)
	cur := mustGet(t, f.repo, o.ID)
	assert.Equal(t, order.PaymentPending, cur.PaymentStatus)
	assert.Equal(t, order.StatusPlaced, cur.Status)

	// 重复 abort 是 no-op
	assert.NoError(t, f.svc.HandleCallbackAbort(ctx, ref))
}

func TestReconcileAfterAbortedAttempt(t *testing.T) {
	f := newPaymentFixture()
	ctx := context.Background()
	o := f.seed(t, order.StatusPlaced, order.PaymentPending, order.MethodCard)
	ref := f.initiate(t, o.ID, "success")

	// 用户关闭支付页上报放弃，但网关侧扣款其实已经完成
	require.NoError(t, f.svc.HandleCallbackAbort(ctx, ref))

	// 随后到达的 webhook 仍走权威验证，收款不能被 abort 吞掉
	out, err := f.svc.Reconcile(ctx, ref, channelWebhook)
	require.NoError(t, err)
	assert.False(t, out.Duplicate)
	assert.Equal(t, payment.AttemptSuccess, out.Attempt)
	assert.Equal(t, order.PaymentPaid, out.PaymentStatus)
	assert.Equal(t, order.StatusConfirmed, out.OrderStatus)

	// 核实结果覆盖 cancelled，此后 abort 不能再翻盘
	att, _ := f.attempts.GetByReference(ctx, ref)
	assert.Equal(t, payment.AttemptSuccess, att.Status)
	require.NoError(t, f.svc.HandleCallbackAbort(ctx, ref))
	att, _ = f.attempts.GetByReference(ctx, ref)
	assert.Equal(t, payment.AttemptSuccess, att.Status)
}

func TestHandleWebhook(t *testing.T) {
	f := newPaymentFixture()
	ctx := context.Background()
	o := f.seed(t, order.StatusPlaced, order.PaymentPending, order.MethodCard)
	ref := f.initiate(t, o.ID, "success")

	body, _ := json.Marshal(map[string]interface{}{
		"event": "charge.success",
		"data":  map[string]string{"reference": ref},
	})

	// 签名不合法：记录并丢弃，不产生任何状态变化
	_, err := f.svc.HandleWebhook(ctx, body, "bad-signature")
	assert.ErrorIs(t, err, ErrInvalidSignature)
	cur := mustGet(t, f.repo, o.ID)
	assert.Equal(t, order.PaymentPending, cur.PaymentStatus)

	// 合法签名正常结算
	out, err := f.svc.HandleWebhook(ctx, body, f.gw.sign(body))
	require.NoError(t, err)
	assert.Equal(t, order.PaymentPaid, out.PaymentStatus)

	// 未知事件直接忽略
	other, _ := json.Marshal(map[string]interface{}{"event": "transfer.success"})
	out, err = f.svc.HandleWebhook(ctx, other, f.gw.sign(other))
	assert.NoError(t, err)
	assert.Nil(t, out)
}

func TestReconcileSkipsConfirmWhenCancelled(t *testing.T) {
	f := newPaymentFixture()
	ctx := context.Background()
	// 支付进行中订单被取消，迟到的成功确认只记收款，不复活订单
	o := f.seed(t, order.StatusCancelled, order.PaymentPending, order.MethodCard)
	att := &payment.Attempt{OrderID: o.ID, Reference: "ref-cancelled", Amount: o.TotalAmount, Status: payment.AttemptPending}
	require.NoError(t, f.attempts.Create(ctx, att))
	f.gw.setResult("ref-cancelled", "success", o.TotalAmount)

	out, err := f.svc.Reconcile(ctx, "ref-cancelled", channelWebhook)
	require.NoError(t, err)
	assert.Equal(t, order.PaymentPaid, out.PaymentStatus)
	assert.Equal(t, order.StatusCancelled, out.OrderStatus)
}

func mustGet(t *testing.T, repo *memOrderRepo, id int64) *order.Order {
	t.Helper()
	o, err := repo.GetByID(context.Background(), id)
	require.NoError(t, err)
	return o
}
