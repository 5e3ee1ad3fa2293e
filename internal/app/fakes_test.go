package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cimillas/order-lifecycle/internal/alert"
	"github.com/cimillas/order-lifecycle/internal/domain"
	"github.com/cimillas/order-lifecycle/internal/payment"
)

type txMarker struct{}

// fakeLedger is an in-memory ledger. WithTx serializes units and restores the previous
// state when fn fails, which is enough to observe all-or-nothing behaviour.
type fakeLedger struct {
	mu         sync.Mutex
	customers  map[string]domain.Customer
	orders     map[string]domain.Order
	payments   map[string]domain.Payment
	events     []domain.OutboxEvent
	seq        int64
	commitErrs []error
	commits    int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		customers: make(map[string]domain.Customer),
		orders:    make(map[string]domain.Order),
		payments:  make(map[string]domain.Payment),
	}
}

func (l *fakeLedger) addCustomer(id, email, name string) {
	l.customers[id] = domain.Customer{ID: id, Email: email, Name: name}
}

func (l *fakeLedger) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txMarker{}) != nil {
		return fn(ctx)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	orders := cloneMap(l.orders)
	payments := cloneMap(l.payments)
	events := append([]domain.OutboxEvent(nil), l.events...)
	seq := l.seq

	err := fn(context.WithValue(ctx, txMarker{}, true))
	if err == nil && len(l.commitErrs) > 0 {
		err = l.commitErrs[0]
		l.commitErrs = l.commitErrs[1:]
	}
	if err != nil {
		l.orders, l.payments, l.events, l.seq = orders, payments, events, seq
		return err
	}
	l.commits++
	return nil
}

func requireTx(ctx context.Context) error {
	if ctx.Value(txMarker{}) == nil {
		return errors.New("fake ledger: write outside transaction")
	}
	return nil
}

func (l *fakeLedger) GetCustomer(ctx context.Context, customerID string) (domain.Customer, error) {
	c, ok := l.customers[customerID]
	if !ok {
		return domain.Customer{}, domain.ErrCustomerNotFound
	}
	return c, nil
}

func (l *fakeLedger) CreateOrder(ctx context.Context, order domain.Order) error {
	if err := requireTx(ctx); err != nil {
		return err
	}
	if _, ok := l.orders[order.ID]; ok {
		return fmt.Errorf("duplicate order %s", order.ID)
	}
	l.orders[order.ID] = order
	return nil
}

func (l *fakeLedger) CreatePayment(ctx context.Context, p domain.Payment) error {
	if err := requireTx(ctx); err != nil {
		return err
	}
	if _, ok := l.payments[p.ProviderPaymentID]; ok {
		return fmt.Errorf("duplicate provider payment %s", p.ProviderPaymentID)
	}
	l.payments[p.ProviderPaymentID] = p
	return nil
}

func (l *fakeLedger) MarkOrderPaid(ctx context.Context, orderID string, now time.Time) (domain.Order, bool, error) {
	if err := requireTx(ctx); err != nil {
		return domain.Order{}, false, err
	}
	order, ok := l.orders[orderID]
	if !ok {
		return domain.Order{}, false, domain.ErrOrderNotFound
	}
	if order.Status != domain.OrderStatusPendingPayment {
		return order, false, nil
	}
	order.Status = domain.OrderStatusPaymentConfirmed
	order.Version++
	order.UpdatedAt = now
	l.orders[orderID] = order
	return order, true, nil
}

func (l *fakeLedger) MarkPaymentSucceeded(ctx context.Context, orderID, providerPaymentID string, now time.Time) error {
	if err := requireTx(ctx); err != nil {
		return err
	}
	p, ok := l.payments[providerPaymentID]
	if !ok || p.OrderID != orderID {
		return domain.ErrPaymentNotFound
	}
	for _, other := range l.payments {
		if other.OrderID == orderID && other.Status == domain.PaymentStatusSucceeded && other.ID != p.ID {
			return domain.ErrPaymentConflict
		}
	}
	p.Status = domain.PaymentStatusSucceeded
	p.UpdatedAt = now
	l.payments[providerPaymentID] = p
	return nil
}

func (l *fakeLedger) Stage(ctx context.Context, evt domain.OutboxEvent) (int64, error) {
	if err := requireTx(ctx); err != nil {
		return 0, err
	}
	l.seq++
	evt.Seq = l.seq
	l.events = append(l.events, evt)
	return evt.Seq, nil
}

func (l *fakeLedger) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	order, ok := l.orders[orderID]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return order, nil
}

func (l *fakeLedger) GetPaymentByOrder(ctx context.Context, orderID string) (domain.Payment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range l.payments {
		if p.OrderID == orderID {
			return p, nil
		}
	}
	return domain.Payment{}, domain.ErrPaymentNotFound
}

func (l *fakeLedger) stagedEvents() []domain.OutboxEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.OutboxEvent(nil), l.events...)
}

func (l *fakeLedger) paymentForOrder(orderID string) domain.Payment {
	p, _ := l.GetPaymentByOrder(context.Background(), orderID)
	return p
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// fakePayments returns one intent per idempotency key, like the real provider.
type fakePayments struct {
	mu      sync.Mutex
	intents map[string]payment.Intent
	calls   int
	err     error
}

func newFakePayments() *fakePayments {
	return &fakePayments{intents: make(map[string]payment.Intent)}
}

func (p *fakePayments) Provider() string { return "stripe" }

func (p *fakePayments) CreateIntent(ctx context.Context, req payment.IntentRequest) (payment.Intent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return payment.Intent{}, p.err
	}
	if intent, ok := p.intents[req.IdempotencyKey]; ok {
		return intent, nil
	}
	id := fmt.Sprintf("pi_%d", len(p.intents)+1)
	intent := payment.Intent{ID: id, ClientSecret: id + "_secret"}
	p.intents[req.IdempotencyKey] = intent
	return intent, nil
}

// fakeNotificationStore applies the same conditional transitions as the SQL store.
type fakeNotificationStore struct {
	mu        sync.Mutex
	rows      map[string]domain.Notification
	insertErr error
}

func newFakeNotificationStore() *fakeNotificationStore {
	return &fakeNotificationStore{rows: make(map[string]domain.Notification)}
}

func (s *fakeNotificationStore) Insert(ctx context.Context, n domain.Notification) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return false, s.insertErr
	}
	if _, ok := s.rows[n.DedupKey]; ok {
		return false, nil
	}
	s.rows[n.DedupKey] = n
	return true, nil
}

func (s *fakeNotificationStore) transition(id string, prevAttempts int, apply func(n *domain.Notification)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, n := range s.rows {
		if n.ID != id {
			continue
		}
		if n.Status != domain.NotificationStatusPending || n.Attempts != prevAttempts {
			return false
		}
		apply(&n)
		s.rows[key] = n
		return true
	}
	return false
}

func (s *fakeNotificationStore) MarkSent(ctx context.Context, id string, prevAttempts int, messageID string, now time.Time) (bool, error) {
	return s.transition(id, prevAttempts, func(n *domain.Notification) {
		n.Status = domain.NotificationStatusSent
		n.Attempts = prevAttempts + 1
		n.ProviderMessageID = messageID
		n.UpdatedAt = now
	}), nil
}

func (s *fakeNotificationStore) ScheduleRetry(ctx context.Context, id string, prevAttempts int, lastErr string, next, now time.Time) (bool, error) {
	return s.transition(id, prevAttempts, func(n *domain.Notification) {
		n.Attempts = prevAttempts + 1
		n.LastError = lastErr
		n.NextAttemptAt = next
		n.UpdatedAt = now
	}), nil
}

func (s *fakeNotificationStore) MarkFailed(ctx context.Context, id string, prevAttempts int, lastErr string, now time.Time) (bool, error) {
	return s.transition(id, prevAttempts, func(n *domain.Notification) {
		n.Status = domain.NotificationStatusFailed
		n.Attempts = prevAttempts + 1
		n.LastError = lastErr
		n.UpdatedAt = now
	}), nil
}

func (s *fakeNotificationStore) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]domain.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []domain.Notification
	for key, n := range s.rows {
		if n.Status != domain.NotificationStatusPending || n.NextAttemptAt.After(now) {
			continue
		}
		n.NextAttemptAt = now.Add(lease)
		s.rows[key] = n
		due = append(due, n)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *fakeNotificationStore) get(dedupKey string) domain.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows[dedupKey]
}

// fakeMailer fails with the queued errors before succeeding.
type fakeMailer struct {
	mu    sync.Mutex
	errs  []error
	sent  []string
	calls int
}

func (m *fakeMailer) Send(ctx context.Context, to, templateID string, data json.RawMessage) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return "", err
	}
	m.sent = append(m.sent, to+"/"+templateID)
	return fmt.Sprintf("msg-%d", m.calls), nil
}

type recordingSink struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (s *recordingSink) Raise(ctx context.Context, a alert.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alerts)
}
