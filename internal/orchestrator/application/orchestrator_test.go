package application_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	invapp "github.com/dmehra2102/orderflow/internal/inventory/application"
	invdomain "github.com/dmehra2102/orderflow/internal/inventory/domain"
	invmemory "github.com/dmehra2102/orderflow/internal/inventory/infrastructure/memory"
	"github.com/dmehra2102/orderflow/internal/orchestrator/application"
	"github.com/dmehra2102/orderflow/internal/orchestrator/domain"
	sagamemory "github.com/dmehra2102/orderflow/internal/orchestrator/infrastructure/memory"
	orderapp "github.com/dmehra2102/orderflow/internal/order/application"
	orderdomain "github.com/dmehra2102/orderflow/internal/order/domain"
	ordermemory "github.com/dmehra2102/orderflow/internal/order/infrastructure/memory"
	payapp "github.com/dmehra2102/orderflow/internal/payment/application"
	paydomain "github.com/dmehra2102/orderflow/internal/payment/domain"
	"github.com/dmehra2102/orderflow/internal/payment/infrastructure/gateway"
	paymemory "github.com/dmehra2102/orderflow/internal/payment/infrastructure/memory"
	"github.com/dmehra2102/orderflow/pkg/apperr"
	"github.com/dmehra2102/orderflow/pkg/clock"
	"github.com/dmehra2102/orderflow/pkg/lock"
	"github.com/dmehra2102/orderflow/pkg/logging"
	"github.com/dmehra2102/orderflow/pkg/outbox"
)

type SagaSuite struct {
	suite.Suite

	ctx       context.Context
	clock     *clock.Fake
	sagaBox   *outbox.MemoryStore
	store     *sagamemory.Store
	orders    *orderapp.Service
	inventory *invapp.Service
	payments  *payapp.Service
	gateway   *gateway.Simulator
	inv       *localInventory
	pay       *localPayments
	claims    *lock.Manager
	journal   *recordingJournal
	o         *application.Orchestrator
}

func TestSagaSuite(t *testing.T) {
	suite.Run(t, new(SagaSuite))
}

type recordingJournal struct {
	entries []application.JournalEntry
}

func (j *recordingJournal) Record(_ context.Context, e application.JournalEntry) error {
	j.entries = append(j.entries, e)
	return nil
}

func (s *SagaSuite) SetupTest() {
	log := logging.Discard()
	s.ctx = context.Background()
	s.clock = clock.NewFake(time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC))
	locks := lock.NewManager(log, lock.NewMemoryBackend(s.clock), lock.WithRetry(50, time.Millisecond, 5*time.Millisecond))

	s.inventory = invapp.NewService(log, invmemory.NewRepository(outbox.NewMemoryStore(s.clock)), locks, s.clock, invapp.DefaultConfig())
	s.gateway = gateway.NewSimulator(log)
	s.payments = payapp.NewService(log, paymemory.NewRepository(outbox.NewMemoryStore(s.clock)), locks, s.gateway, s.clock)
	s.orders = orderapp.NewService(log, ordermemory.NewRepository(outbox.NewMemoryStore(s.clock)), s.clock)

	s.sagaBox = outbox.NewMemoryStore(s.clock)
	s.store = sagamemory.NewStore(s.sagaBox)
	s.inv = &localInventory{svc: s.inventory}
	s.pay = &localPayments{svc: s.payments}
	s.claims = lock.NewManager(log, lock.NewMemoryBackend(s.clock))
	s.journal = &recordingJournal{}

	cfg := application.DefaultConfig()
	cfg.StepTimeout = time.Second
	s.o = application.NewOrchestrator(log, application.Deps{
		Store:     s.store,
		Orders:    s.orders,
		Inventory: s.inv,
		Payments:  s.pay,
		Journal:   s.journal,
		Claims:    s.claims,
		Clock:     s.clock,
		Sleep:     func(context.Context, time.Duration) error { return nil },
	}, cfg)

	s.stock("p-1", 10)
	s.stock("p-2", 5)
}

func (s *SagaSuite) stock(productID string, total int) {
	_, err := s.inventory.UpdateStock(s.ctx, invapp.UpdateStockCommand{ProductID: productID, Absolute: &total, Reason: "load"})
	s.Require().NoError(err)
}

func (s *SagaSuite) command(items ...orderdomain.OrderItem) application.CreateOrderCommand {
	if len(items) == 0 {
		items = []orderdomain.OrderItem{
			{ProductID: "p-1", Quantity: 2, UnitPriceCents: 5000},
			{ProductID: "p-2", Quantity: 1, UnitPriceCents: 5000},
		}
	}
	return application.CreateOrderCommand{
		UserID:          "user-1",
		Items:           items,
		ShippingAddress: "1 Main St",
		Currency:        "USD",
		PaymentMethod:   "card",
	}
}

func (s *SagaSuite) available(productID string) int {
	v, err := s.inventory.GetStock(s.ctx, productID)
	s.Require().NoError(err)
	return v.AvailableStock
}

func (s *SagaSuite) failedEvents() []outbox.Event {
	return s.sagaBox.OfType(domain.EventSagaFailed)
}

func (s *SagaSuite) TestHappyPathConfirmsEverything() {
	st, err := s.o.Run(s.ctx, s.command())
	s.Require().NoError(err)

	s.Equal(domain.StatusCompleted, st.Status)
	s.Equal([]domain.Step{domain.StepCreateOrder, domain.StepReserveInventory, domain.StepProcessPayment, domain.StepConfirmOrder}, st.CompletedSteps)
	s.Len(st.ReservationIDs, 2)
	s.NotEmpty(st.PaymentID)

	ord, err := s.orders.Get(s.ctx, st.OrderID)
	s.Require().NoError(err)
	s.Equal(orderdomain.StatusConfirmed, ord.Status)

	for _, id := range st.ReservationIDs {
		res, err := s.inventory.GetReservation(s.ctx, id)
		s.Require().NoError(err)
		s.Equal(invdomain.ReservationConfirmed, res.Status)
	}
	p1, err := s.inventory.GetStock(s.ctx, "p-1")
	s.Require().NoError(err)
	s.Equal(8, p1.TotalStock)
	s.Zero(p1.ReservedStock)

	pay, err := s.payments.Get(s.ctx, st.PaymentID)
	s.Require().NoError(err)
	s.Equal(paydomain.StatusCompleted, pay.Status)
	s.Equal(int64(15000), pay.AmountCents)
	s.Equal(application.PaymentKey(st.ID), pay.IdempotencyKey)

	s.Empty(s.failedEvents())
	s.Len(s.journal.entries, 4)
}

func (s *SagaSuite) TestPaymentFailureCompensatesInReverse() {
	s.gateway.SetForceFail(true)

	st, err := s.o.Run(s.ctx, s.command())
	s.Require().NoError(err)

	s.Equal(domain.StatusFailed, st.Status)
	s.Contains(st.Error, "payment failed")
	s.False(st.NeedsIntervention)
	s.True(st.HasCompleted(domain.StepReleaseInventory))
	s.True(st.HasCompleted(domain.StepCancelOrder))
	s.False(st.HasCompleted(domain.StepRefundPayment), "nothing was captured, nothing to refund")

	for _, id := range st.ReservationIDs {
		res, err := s.inventory.GetReservation(s.ctx, id)
		s.Require().NoError(err)
		s.Equal(invdomain.ReservationReleased, res.Status)
	}
	s.Equal(10, s.available("p-1"))
	s.Equal(5, s.available("p-2"))

	ord, err := s.orders.Get(s.ctx, st.OrderID)
	s.Require().NoError(err)
	s.Equal(orderdomain.StatusCancelled, ord.Status)

	s.Require().Len(s.failedEvents(), 1)
	var payload domain.SagaFailed
	s.Require().NoError(json.Unmarshal(s.failedEvents()[0].Payload, &payload))
	s.Equal(st.OrderID, payload.OrderID)
	s.Equal(st.Error, payload.Error)

	// driving a finished saga again changes nothing
	again, err := s.o.Execute(s.ctx, st.ID)
	s.Require().NoError(err)
	s.Equal(domain.StatusFailed, again.Status)
	s.Len(s.failedEvents(), 1)
}

func (s *SagaSuite) TestConfirmFailureRefundsPayment() {
	s.inv.confirmErr = apperr.New(apperr.Conflict, "inventory.Confirm", "reservation expired")

	st, err := s.o.Run(s.ctx, s.command())
	s.Require().NoError(err)

	s.Equal(domain.StatusFailed, st.Status)
	s.Equal("reservation expired", st.Error)
	s.True(st.HasCompleted(domain.StepRefundPayment))

	pay, err := s.payments.Get(s.ctx, st.PaymentID)
	s.Require().NoError(err)
	s.Equal(paydomain.StatusRefunded, pay.Status)
	s.Equal(10, s.available("p-1"))

	var compensations []domain.Step
	for _, e := range s.journal.entries {
		if e.Step.IsCompensation() {
			compensations = append(compensations, e.Step)
		}
	}
	s.Equal([]domain.Step{domain.StepRefundPayment, domain.StepReleaseInventory, domain.StepCancelOrder}, compensations)
	s.Len(s.failedEvents(), 1)
}

func (s *SagaSuite) TestOrderConfirmFailureReturnsConfirmedStock() {
	o := application.NewOrchestrator(logging.Discard(), application.Deps{
		Store:     s.store,
		Orders:    failingConfirm{OrderService: s.orders, err: apperr.New(apperr.Internal, "order.Confirm", "db down")},
		Inventory: s.inv,
		Payments:  s.pay,
		Clock:     s.clock,
		Sleep:     func(context.Context, time.Duration) error { return nil },
	}, application.DefaultConfig())

	st, err := o.Run(s.ctx, s.command(orderdomain.OrderItem{ProductID: "p-1", Quantity: 3, UnitPriceCents: 1000}))
	s.Require().NoError(err)

	s.Equal(domain.StatusFailed, st.Status)
	s.Equal("db down", st.Error)
	s.False(st.NeedsIntervention)
	s.Empty(st.AbandonedSteps)
	s.True(st.HasCompleted(domain.StepRefundPayment))
	s.True(st.HasCompleted(domain.StepReleaseInventory))

	s.Require().Len(st.ReservationIDs, 1)
	res, err := s.inventory.GetReservation(s.ctx, st.ReservationIDs[0])
	s.Require().NoError(err)
	s.Equal(invdomain.ReservationReturned, res.Status)

	p1, err := s.inventory.GetStock(s.ctx, "p-1")
	s.Require().NoError(err)
	s.Equal(10, p1.TotalStock)
	s.Equal(10, p1.AvailableStock)

	pay, err := s.payments.Get(s.ctx, st.PaymentID)
	s.Require().NoError(err)
	s.Equal(paydomain.StatusRefunded, pay.Status)

	ord, err := s.orders.Get(s.ctx, st.OrderID)
	s.Require().NoError(err)
	s.Equal(orderdomain.StatusCancelled, ord.Status)
}

func (s *SagaSuite) TestUnsettledPaymentNeedsIntervention() {
	s.pay.stuck = true

	st, err := s.o.Run(s.ctx, s.command())
	s.Require().NoError(err)

	s.Equal(domain.StatusFailed, st.Status)
	s.True(st.NeedsIntervention)
	s.Equal("pay-stuck", st.PaymentID)
	s.Contains(st.Error, "outcome unknown")
	s.Empty(st.AbandonedSteps)
	s.False(st.HasCompleted(domain.StepRefundPayment))
	s.Equal(application.DefaultConfig().TransientRetries+1, s.pay.processCalls())
	s.Equal(10, s.available("p-1"))

	s.Require().Len(s.failedEvents(), 1)
	var payload domain.SagaFailed
	s.Require().NoError(json.Unmarshal(s.failedEvents()[0].Payload, &payload))
	s.True(payload.NeedsIntervention)
}

func (s *SagaSuite) TestInsufficientStockCancelsOrder() {
	st, err := s.o.Run(s.ctx, s.command(orderdomain.OrderItem{ProductID: "p-2", Quantity: 6, UnitPriceCents: 100}))
	s.Require().NoError(err)

	s.Equal(domain.StatusFailed, st.Status)
	s.Contains(st.Error, "6 requested")
	s.Empty(st.ReservationIDs)
	s.Zero(s.gateway.Charges())

	ord, err := s.orders.Get(s.ctx, st.OrderID)
	s.Require().NoError(err)
	s.Equal(orderdomain.StatusCancelled, ord.Status)
	s.Len(s.failedEvents(), 1)
}

func (s *SagaSuite) TestPartialReservationIsReleased() {
	st, err := s.o.Run(s.ctx, s.command(
		orderdomain.OrderItem{ProductID: "p-1", Quantity: 4, UnitPriceCents: 100},
		orderdomain.OrderItem{ProductID: "p-2", Quantity: 9, UnitPriceCents: 100},
	))
	s.Require().NoError(err)

	s.Equal(domain.StatusFailed, st.Status)
	s.Equal(10, s.available("p-1"))
	s.Equal(1, s.inv.releaseCalls())
}

func (s *SagaSuite) TestTransientErrorsAreRetried() {
	s.inv.reserveErrs = []error{
		apperr.New(apperr.Unavailable, "inventory.Reserve", "connection refused"),
		apperr.New(apperr.Unavailable, "inventory.Reserve", "connection refused"),
	}

	st, err := s.o.Run(s.ctx, s.command())
	s.Require().NoError(err)
	s.Equal(domain.StatusCompleted, st.Status)
	s.GreaterOrEqual(st.Attempts, 6)
}

func (s *SagaSuite) TestRetriesAreBounded() {
	for range 10 {
		s.inv.reserveErrs = append(s.inv.reserveErrs, apperr.New(apperr.Unavailable, "inventory.Reserve", "connection refused"))
	}

	st, err := s.o.Run(s.ctx, s.command())
	s.Require().NoError(err)
	s.Equal(domain.StatusFailed, st.Status)
	s.Contains(st.Error, "connection refused")
	// one try plus three retries
	s.Len(s.inv.reserveErrs, 6)
}

func (s *SagaSuite) TestStepTimeoutFailsWithoutRetry() {
	log := logging.Discard()
	cfg := application.DefaultConfig()
	cfg.StepTimeout = 20 * time.Millisecond
	s.inv.block = true
	o := application.NewOrchestrator(log, application.Deps{
		Store:     s.store,
		Orders:    s.orders,
		Inventory: s.inv,
		Payments:  &localPayments{svc: s.payments},
		Clock:     s.clock,
	}, cfg)

	st, err := o.Run(s.ctx, s.command())
	s.Require().NoError(err)
	s.Equal(domain.StatusFailed, st.Status)
	s.Contains(st.Error, "timed out")
	s.Equal(4, st.Attempts, "create, order lookup, one reserve, cancel")
}

func (s *SagaSuite) TestStuckCompensationNeedsIntervention() {
	s.gateway.SetForceFail(true)
	s.inv.releaseErr = apperr.New(apperr.Internal, "inventory.Release", "disk full")

	st, err := s.o.Run(s.ctx, s.command())
	s.Require().NoError(err)

	s.Equal(domain.StatusFailed, st.Status)
	s.True(st.NeedsIntervention)
	s.Equal([]domain.Step{domain.StepReleaseInventory}, st.AbandonedSteps)
	s.True(st.HasCompleted(domain.StepCancelOrder), "later compensations still run")
	s.Equal(application.DefaultConfig().CompensationRetries, s.inv.returnCalls())

	s.Require().Len(s.failedEvents(), 1)
	var payload domain.SagaFailed
	s.Require().NoError(json.Unmarshal(s.failedEvents()[0].Payload, &payload))
	s.True(payload.NeedsIntervention)
}

func (s *SagaSuite) TestInvalidOrderStoresNothing() {
	_, _, err := s.o.Start(s.ctx, s.command(orderdomain.OrderItem{ProductID: "p-1", Quantity: 0, UnitPriceCents: 100}))
	s.True(apperr.Is(err, apperr.ValidationError))
	s.Zero(s.store.Saves())
}

func (s *SagaSuite) TestStartRunsInBackground() {
	orderID, sagaID, err := s.o.Start(s.ctx, s.command())
	s.Require().NoError(err)
	s.NotEmpty(sagaID)

	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	s.Require().NoError(s.o.Wait(ctx))

	view, err := s.o.OrderStatus(s.ctx, orderID)
	s.Require().NoError(err)
	s.Equal("CONFIRMED", view.Status)
	s.Equal(string(domain.StatusCompleted), view.SagaStatus)
	s.Equal(sagaID, view.SagaID)
}

func (s *SagaSuite) TestOrderStatusShowsFailureReason() {
	s.gateway.SetForceFail(true)
	st, err := s.o.Run(s.ctx, s.command())
	s.Require().NoError(err)

	view, err := s.o.OrderStatus(s.ctx, st.OrderID)
	s.Require().NoError(err)
	s.Equal("CANCELLED", view.Status)
	s.Equal(string(domain.StatusFailed), view.SagaStatus)
	s.Equal(st.Error, view.StatusMessage)

	_, err = s.o.OrderStatus(s.ctx, "missing")
	s.True(apperr.Is(err, apperr.NotFound))
}

func (s *SagaSuite) TestResumePicksUpInterruptedSaga() {
	ord, err := s.orders.Create(s.ctx, orderapp.CreateCommand{
		ID:              "order-r",
		UserID:          "user-1",
		Items:           []orderdomain.OrderItem{{ProductID: "p-1", Quantity: 1, UnitPriceCents: 700}},
		ShippingAddress: "1 Main St",
		Currency:        "USD",
	})
	s.Require().NoError(err)
	st := domain.NewSaga("saga-r", ord.ID, "user-1", "card", nil, s.clock.Now())
	st = domain.Apply(st, domain.StepResult{Step: domain.StepCreateOrder, Attempts: 1}, s.clock.Now())
	s.Require().NoError(s.store.Create(s.ctx, st))

	n, err := s.o.Resume(s.ctx, 10)
	s.Require().NoError(err)
	s.Equal(1, n)

	got, err := s.o.Saga(s.ctx, "saga-r")
	s.Require().NoError(err)
	s.Equal(domain.StatusCompleted, got.Status)
	s.Equal(9, s.available("p-1"))

	n, err = s.o.Resume(s.ctx, 10)
	s.Require().NoError(err)
	s.Zero(n)
}

func (s *SagaSuite) TestSagaClaimedElsewhereIsNotDriven() {
	ord, err := s.orders.Create(s.ctx, orderapp.CreateCommand{
		ID:              "order-c",
		UserID:          "user-1",
		Items:           []orderdomain.OrderItem{{ProductID: "p-1", Quantity: 1, UnitPriceCents: 700}},
		ShippingAddress: "1 Main St",
		Currency:        "USD",
	})
	s.Require().NoError(err)
	st := domain.NewSaga("saga-c", ord.ID, "user-1", "card", nil, s.clock.Now())
	st = domain.Apply(st, domain.StepResult{Step: domain.StepCreateOrder, Attempts: 1}, s.clock.Now())
	s.Require().NoError(s.store.Create(s.ctx, st))

	other, err := s.claims.TryAcquire(s.ctx, application.ClaimKey("saga-c"), time.Minute)
	s.Require().NoError(err)

	_, err = s.o.Execute(s.ctx, "saga-c")
	s.True(apperr.Is(err, apperr.ResourceBusy))

	n, err := s.o.Resume(s.ctx, 10)
	s.Require().NoError(err)
	s.Zero(n)
	got, err := s.o.Saga(s.ctx, "saga-c")
	s.Require().NoError(err)
	s.Equal(domain.StatusStarted, got.Status)
	s.Equal(10, s.available("p-1"))

	s.Require().NoError(s.claims.Release(s.ctx, other))
	n, err = s.o.Resume(s.ctx, 10)
	s.Require().NoError(err)
	s.Equal(1, n)
	got, err = s.o.Saga(s.ctx, "saga-c")
	s.Require().NoError(err)
	s.Equal(domain.StatusCompleted, got.Status)
	s.Equal(9, s.available("p-1"))
}

func (s *SagaSuite) TestExpiredClaimCanBeTakenOver() {
	ord, err := s.orders.Create(s.ctx, orderapp.CreateCommand{
		ID:              "order-x",
		UserID:          "user-1",
		Items:           []orderdomain.OrderItem{{ProductID: "p-2", Quantity: 1, UnitPriceCents: 700}},
		ShippingAddress: "1 Main St",
		Currency:        "USD",
	})
	s.Require().NoError(err)
	st := domain.NewSaga("saga-x", ord.ID, "user-1", "card", nil, s.clock.Now())
	st = domain.Apply(st, domain.StepResult{Step: domain.StepCreateOrder, Attempts: 1}, s.clock.Now())
	s.Require().NoError(s.store.Create(s.ctx, st))

	_, err = s.claims.TryAcquire(s.ctx, application.ClaimKey("saga-x"), time.Minute)
	s.Require().NoError(err)
	s.clock.Advance(2 * time.Minute)

	got, err := s.o.Execute(s.ctx, "saga-x")
	s.Require().NoError(err)
	s.Equal(domain.StatusCompleted, got.Status)
}
