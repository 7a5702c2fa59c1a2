package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"sync"
	"time"

	"github.com/example/speedyspoon/internal/datamodels/order"
	"github.com/example/speedyspoon/internal/datamodels/payment"
	"github.com/example/speedyspoon/internal/gateway"
)

// memOrderRepo 内存版订单仓储，条件更新语义与 mysql 实现对齐：
// 所有 guard 在同一把锁内判定并生效，用于并发正确性测试。
type memOrderRepo struct {
	mu     sync.Mutex
	nextID int64
	orders map[int64]*order.Order
	logs   map[int64][]*order.StatusLog
}

func newMemOrderRepo() *memOrderRepo {
	return &memOrderRepo{
		nextID: 1,
		orders: make(map[int64]*order.Order),
		logs:   make(map[int64][]*order.StatusLog),
	}
}

func cloneOrder(o *order.Order) *order.Order {
	c := *o
	if o.DriverID != nil {
		d := *o.DriverID
		c.DriverID = &d
	}
	c.Items = append([]order.OrderItem(nil), o.Items...)
	return &c
}

func (r *memOrderRepo) Insert(_ context.Context, o *order.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o.ID = r.nextID
	r.nextID++
	now := time.Now()
	o.CreatedAt = now
	o.UpdatedAt = now
	r.orders[o.ID] = cloneOrder(o)
	return nil
}

func (r *memOrderRepo) GetByID(_ context.Context, id int64) (*order.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	return cloneOrder(o), nil
}

func (r *memOrderRepo) ListByCustomer(_ context.Context, customerID int64) ([]*order.Order, error) {
	return r.filter(func(o *order.Order) bool { return o.CustomerID == customerID })
}

func (r *memOrderRepo) ListByRestaurant(_ context.Context, restaurantID int64) ([]*order.Order, error) {
	return r.filter(func(o *order.Order) bool { return o.RestaurantID == restaurantID })
}

func (r *memOrderRepo) ListByDriver(_ context.Context, driverID int64) ([]*order.Order, error) {
	return r.filter(func(o *order.Order) bool { return o.DriverID != nil && *o.DriverID == driverID })
}

func (r *memOrderRepo) ListByStatus(_ context.Context, statuses ...order.Status) ([]*order.Order, error) {
	return r.filter(func(o *order.Order) bool {
		for _, s := range statuses {
			if o.Status == s {
				return true
			}
		}
		return false
	})
}

func (r *memOrderRepo) filter(keep func(*order.Order) bool) ([]*order.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*order.Order
	for _, o := range r.orders {
		if keep(o) {
			out = append(out, cloneOrder(o))
		}
	}
	return out, nil
}

func (r *memOrderRepo) UpdateStatus(_ context.Context, id int64, from, to order.Status, entry *order.StatusLog) (*order.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	if o.Status != from {
		return nil, order.ErrConditionFailed
	}
	o.Status = to
	o.Version++
	o.UpdatedAt = time.Now()
	r.appendLog(entry)
	return cloneOrder(o), nil
}

func (r *memOrderRepo) MarkPaid(_ context.Context, id int64) (*order.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	if o.PaymentStatus != order.PaymentPending && o.PaymentStatus != order.PaymentFailed {
		return nil, order.ErrConditionFailed
	}
	o.PaymentStatus = order.PaymentPaid
	o.Version++
	return cloneOrder(o), nil
}

func (r *memOrderRepo) MarkPaymentFailed(_ context.Context, id int64) (*order.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	if o.PaymentStatus != order.PaymentPending {
		return nil, order.ErrConditionFailed
	}
	o.PaymentStatus = order.PaymentFailed
	o.Version++
	return cloneOrder(o), nil
}

func (r *memOrderRepo) SetPaymentRef(_ context.Context, id int64, ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return order.ErrNotFound
	}
	if o.PaymentStatus == order.PaymentPaid {
		return order.ErrConditionFailed
	}
	o.PaymentRef = ref
	return nil
}

func (r *memOrderRepo) AssignDriverAndPickUp(_ context.Context, id, driverID int64, entry *order.StatusLog) (*order.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	if o.DriverID != nil {
		return nil, order.ErrAlreadyAssigned
	}
	if o.Status != order.StatusReady {
		return nil, order.ErrConditionFailed
	}
	d := driverID
	o.DriverID = &d
	o.Status = order.StatusPickedUp
	o.Version++
	r.appendLog(entry)
	return cloneOrder(o), nil
}

func (r *memOrderRepo) Deliver(_ context.Context, id, driverID int64, settleCash bool, entry *order.StatusLog) (*order.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	if o.Status != order.StatusPickedUp || o.DriverID == nil || *o.DriverID != driverID {
		return nil, order.ErrConditionFailed
	}
	o.Status = order.StatusDelivered
	if settleCash {
		o.PaymentStatus = order.PaymentPaid
	}
	o.Version++
	r.appendLog(entry)
	return cloneOrder(o), nil
}

func (r *memOrderRepo) ListStatusLog(_ context.Context, orderID int64) ([]*order.StatusLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*order.StatusLog(nil), r.logs[orderID]...), nil
}

func (r *memOrderRepo) appendLog(entry *order.StatusLog) {
	if entry == nil {
		return
	}
	entry.CreatedAt = time.Now()
	r.logs[entry.OrderID] = append(r.logs[entry.OrderID], entry)
}

// memPaymentRepo 内存版支付尝试仓储，Resolve 与 mysql 实现一样
// 是条件更新：尚未 Settled 的尝试（pending/cancelled）才能写入终态。
type memPaymentRepo struct {
	mu       sync.Mutex
	nextID   int64
	attempts map[string]*payment.Attempt
}

func newMemPaymentRepo() *memPaymentRepo {
	return &memPaymentRepo{nextID: 1, attempts: make(map[string]*payment.Attempt)}
}

func (r *memPaymentRepo) Create(_ context.Context, a *payment.Attempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a.ID = r.nextID
	r.nextID++
	a.CreatedAt = time.Now()
	c := *a
	r.attempts[a.Reference] = &c
	return nil
}

func (r *memPaymentRepo) GetByReference(_ context.Context, ref string) (*payment.Attempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.attempts[ref]
	if !ok {
		return nil, payment.ErrNotFound
	}
	c := *a
	return &c, nil
}

func (r *memPaymentRepo) ListByOrder(_ context.Context, orderID int64) ([]*payment.Attempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*payment.Attempt
	for _, a := range r.attempts {
		if a.OrderID == orderID {
			c := *a
			out = append(out, &c)
		}
	}
	return out, nil
}

func (r *memPaymentRepo) Resolve(_ context.Context, ref string, status payment.AttemptStatus, channel, raw string) (*payment.Attempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.attempts[ref]
	if !ok {
		return nil, payment.ErrNotFound
	}
	if a.Status.Settled() {
		return nil, payment.ErrAlreadyResolved
	}
	now := time.Now()
	a.Status = status
	a.Channel = channel
	a.RawPayload = raw
	a.ResolvedAt = &now
	c := *a
	return &c, nil
}

// fakeGateway 可编排的网关替身。verify 结论按 reference 配置，
// 签名校验与真实实现同为 HMAC-SHA512。
type fakeGateway struct {
	mu          sync.Mutex
	secret      string
	initErr     error
	results     map[string]*gateway.VerifyResult
	verifyErr   error
	verifyCalls int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		secret:  "sk_test_fake",
		results: make(map[string]*gateway.VerifyResult),
	}
}

func (g *fakeGateway) setResult(ref, status string, amount int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.results[ref] = &gateway.VerifyResult{Reference: ref, Status: status, Amount: amount, Raw: "{}"}
}

func (g *fakeGateway) Initialize(_ context.Context, _ string, _ int64, reference string, _ map[string]interface{}) (*gateway.InitResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.initErr != nil {
		return nil, g.initErr
	}
	return &gateway.InitResult{
		AuthorizationURL: "https://checkout.example/" + reference,
		AccessCode:       "ac_" + reference,
		Reference:        reference,
	}, nil
}

func (g *fakeGateway) VerifyByReference(_ context.Context, reference string) (*gateway.VerifyResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.verifyCalls++
	if g.verifyErr != nil {
		return nil, g.verifyErr
	}
	if res, ok := g.results[reference]; ok {
		c := *res
		return &c, nil
	}
	return &gateway.VerifyResult{Reference: reference, Status: "abandoned", Raw: "{}"}, nil
}

func (g *fakeGateway) ValidateSignature(body []byte, signature string) bool {
	mac := hmac.New(sha512.New, []byte(g.secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func (g *fakeGateway) sign(body []byte) string {
	mac := hmac.New(sha512.New, []byte(g.secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// memFeed 记录发布事件的 Publisher 替身
type memFeed struct {
	mu     sync.Mutex
	events []Event
}

func (f *memFeed) Publish(_ context.Context, ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *memFeed) all() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Event(nil), f.events...)
}
