package application

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/dmehra2102/orderflow/internal/orchestrator/domain"
	orderapp "github.com/dmehra2102/orderflow/internal/order/application"
	orderdomain "github.com/dmehra2102/orderflow/internal/order/domain"
	"github.com/dmehra2102/orderflow/pkg/apperr"
	"github.com/dmehra2102/orderflow/pkg/clock"
	"github.com/dmehra2102/orderflow/pkg/lock"
	"github.com/dmehra2102/orderflow/pkg/metrics"
	"github.com/dmehra2102/orderflow/pkg/outbox"
)

type Config struct {
	StepTimeout         time.Duration
	TransientRetries    int
	RetryBackoff        time.Duration
	CompensationRetries int
	// ClaimTTL is the lease an executor holds on a saga; it is renewed
	// while the saga runs.
	ClaimTTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		StepTimeout:         10 * time.Second,
		TransientRetries:    3,
		RetryBackoff:        200 * time.Millisecond,
		CompensationRetries: 3,
		ClaimTTL:            30 * time.Second,
	}
}

type Deps struct {
	Store     SagaStore
	Orders    OrderService
	Inventory InventoryClient
	Payments  PaymentClient
	Journal   Journal
	// Claims makes sure one executor at a time drives a saga. Without it
	// sagas are only excluded within this process.
	Claims Claimer
	Clock  clock.Clock
	// Sleep waits between retries; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

type Orchestrator struct {
	log       *slog.Logger
	store     SagaStore
	orders    OrderService
	inventory InventoryClient
	payments  PaymentClient
	journal   Journal
	claims    Claimer
	clock     clock.Clock
	sleep     func(ctx context.Context, d time.Duration) error
	cfg       Config
	tracer    trace.Tracer

	inflight sync.WaitGroup

	completed       metric.Int64Counter
	failed          metric.Int64Counter
	compensationErr metric.Int64Counter
}

func NewOrchestrator(log *slog.Logger, deps Deps, cfg Config) *Orchestrator {
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Journal == nil {
		deps.Journal = nopJournal{}
	}
	if deps.Sleep == nil {
		deps.Sleep = sleepCtx
	}
	if deps.Claims == nil {
		deps.Claims = lock.NewManager(log, lock.NewMemoryBackend(deps.Clock))
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = DefaultConfig().ClaimTTL
	}
	meter := metrics.Meter("orderflow/saga")
	return &Orchestrator{
		log:             log,
		store:           deps.Store,
		orders:          deps.Orders,
		inventory:       deps.Inventory,
		payments:        deps.Payments,
		journal:         deps.Journal,
		claims:          deps.Claims,
		clock:           deps.Clock,
		sleep:           deps.Sleep,
		cfg:             cfg,
		tracer:          otel.Tracer("orderflow/saga"),
		completed:       metrics.Counter(meter, "saga.completed", "sagas that completed"),
		failed:          metrics.Counter(meter, "saga.failed", "sagas that ended FAILED"),
		compensationErr: metrics.Counter(meter, "saga.compensation_abandoned", "compensation steps given up after retries"),
	}
}

type CreateOrderCommand struct {
	UserID          string
	Items           []orderdomain.OrderItem
	ShippingAddress string
	Currency        string
	PaymentMethod   string
	PaymentDetails  map[string]string
}

// Start creates the order and its saga, then drives the saga in the
// background. Invalid input is rejected before anything is stored.
func (o *Orchestrator) Start(ctx context.Context, cmd CreateOrderCommand) (orderID, sagaID string, err error) {
	orderID, sagaID, err = o.begin(ctx, cmd)
	if err != nil {
		return "", "", err
	}

	bg := context.WithoutCancel(ctx)
	o.inflight.Add(1)
	go func() {
		defer o.inflight.Done()
		_, err := o.Execute(bg, sagaID)
		switch {
		case apperr.Is(err, apperr.ResourceBusy):
			o.log.InfoContext(bg, "saga picked up by another executor", "saga_id", sagaID)
		case err != nil:
			o.log.ErrorContext(bg, "saga execution stopped", "saga_id", sagaID, "order_id", orderID, "err", err)
		}
	}()
	return orderID, sagaID, nil
}

// Run is Start followed by a synchronous Execute.
func (o *Orchestrator) Run(ctx context.Context, cmd CreateOrderCommand) (domain.SagaState, error) {
	_, sagaID, err := o.begin(ctx, cmd)
	if err != nil {
		return domain.SagaState{}, err
	}
	return o.Execute(ctx, sagaID)
}

func (o *Orchestrator) begin(ctx context.Context, cmd CreateOrderCommand) (string, string, error) {
	now := o.clock.Now()
	if _, err := orderdomain.NewOrder("validate", cmd.UserID, cmd.Items, cmd.ShippingAddress, cmd.Currency, now); err != nil {
		return "", "", err
	}
	if cmd.PaymentMethod == "" {
		cmd.PaymentMethod = "card"
	}

	orderID, sagaID := uuid.NewString(), uuid.NewString()
	// held until CREATE_ORDER is recorded so a concurrent Resume keeps off
	lease, err := o.claims.TryAcquire(ctx, ClaimKey(sagaID), o.cfg.ClaimTTL)
	if err != nil {
		return "", "", err
	}
	createErr, err := o.createOrder(ctx, sagaID, orderID, cmd, now)
	o.releaseClaim(ctx, sagaID, lease)
	if err != nil {
		return "", "", err
	}
	if createErr != nil {
		// settle the saga as FAILED before reporting
		if _, xerr := o.Execute(ctx, sagaID); xerr != nil {
			o.log.ErrorContext(ctx, "saga compensation after create failure stopped", "saga_id", sagaID, "err", xerr)
		}
		return "", "", createErr
	}
	o.log.InfoContext(ctx, "saga started", "saga_id", sagaID, "order_id", orderID, "user_id", cmd.UserID)
	return orderID, sagaID, nil
}

// createOrder stores the saga and runs CREATE_ORDER. stepErr is the order
// service's answer; err means the outcome could not be recorded.
func (o *Orchestrator) createOrder(ctx context.Context, sagaID, orderID string, cmd CreateOrderCommand, now time.Time) (stepErr, err error) {
	state := domain.NewSaga(sagaID, orderID, cmd.UserID, cmd.PaymentMethod, cmd.PaymentDetails, now)
	state = domain.Begin(state, domain.StepCreateOrder, now)
	if err := o.store.Create(ctx, state); err != nil {
		return nil, err
	}

	_, stepErr = o.orders.Create(ctx, orderapp.CreateCommand{
		ID:              orderID,
		UserID:          cmd.UserID,
		Items:           cmd.Items,
		ShippingAddress: cmd.ShippingAddress,
		Currency:        cmd.Currency,
	})
	result := domain.StepResult{Step: domain.StepCreateOrder, Attempts: 1}
	if stepErr != nil {
		result.Err = apperr.Message(stepErr)
	}
	if _, err := o.advance(ctx, state, result); err != nil {
		return nil, err
	}
	return stepErr, nil
}

// ClaimKey is the lock key an executor holds while driving sagaID.
func ClaimKey(sagaID string) string {
	return "saga:" + sagaID
}

// Execute drives a saga until it is terminal. It is safe to call on a saga
// that was interrupted: completed steps are never repeated. A saga driven
// by another executor is left alone and ResourceBusy is returned.
func (o *Orchestrator) Execute(ctx context.Context, sagaID string) (domain.SagaState, error) {
	ctx, span := o.tracer.Start(ctx, "saga.Execute", trace.WithAttributes(attribute.String("saga.id", sagaID)))
	defer span.End()

	lease, err := o.claims.TryAcquire(ctx, ClaimKey(sagaID), o.cfg.ClaimTTL)
	if err != nil {
		if apperr.Is(err, apperr.ResourceBusy) {
			return domain.SagaState{}, apperr.New(apperr.ResourceBusy, "saga.Execute", "saga %s is being executed elsewhere", sagaID)
		}
		return domain.SagaState{}, err
	}
	ctx, release := o.keepClaim(ctx, sagaID, lease)
	defer release()

	state, err := o.store.Get(ctx, sagaID)
	if err != nil {
		return domain.SagaState{}, err
	}
	for {
		step, ok := domain.NextStep(state)
		if !ok {
			return state, nil
		}
		state = domain.Begin(state, step, o.clock.Now())
		if err := o.store.Save(ctx, state); err != nil {
			return state, err
		}
		result := o.runStep(ctx, state, step)
		if err := ctx.Err(); err != nil {
			// shutdown or a lost claim; the step runs again on resume
			return state, err
		}
		if state, err = o.advance(ctx, state, result); err != nil {
			return state, err
		}
	}
}

// keepClaim renews lease until the returned release func runs. Losing the
// lease cancels the returned context.
func (o *Orchestrator) keepClaim(ctx context.Context, sagaID string, lease *lock.Lease) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(lease.TTL / 3)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				err := lease.Renew(ctx)
				if errors.Is(err, lock.ErrLeaseExpired) {
					o.log.ErrorContext(ctx, "saga claim lost", "saga_id", sagaID)
					cancel()
					return
				}
				if err != nil && ctx.Err() == nil {
					o.log.WarnContext(ctx, "saga claim renew failed", "saga_id", sagaID, "err", err)
				}
			}
		}
	}()
	return ctx, func() {
		cancel()
		<-done
		o.releaseClaim(ctx, sagaID, lease)
	}
}

func (o *Orchestrator) releaseClaim(ctx context.Context, sagaID string, lease *lock.Lease) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := o.claims.Release(ctx, lease); err != nil {
		o.log.WarnContext(ctx, "saga claim release failed", "saga_id", sagaID, "err", err)
	}
}

// advance applies result and persists the new state. The transition into
// FAILED is stored together with the SagaFailed event.
func (o *Orchestrator) advance(ctx context.Context, state domain.SagaState, result domain.StepResult) (domain.SagaState, error) {
	prev := state.Status
	next := domain.Apply(state, result, o.clock.Now())
	o.record(ctx, next, result)

	switch {
	case next.Status == domain.StatusFailed && prev != domain.StatusFailed:
		ev, err := outbox.NewEvent(ctx, domain.AggregateType, next.ID, domain.EventSagaFailed, domain.FailedEvent(next), o.clock.Now())
		if err != nil {
			return state, err
		}
		ev.Headers["source"] = "order-service"
		if err := o.store.Fail(ctx, next, ev); err != nil {
			return state, err
		}
		o.failed.Add(ctx, 1)
		o.log.WarnContext(ctx, "saga failed", "saga_id", next.ID, "order_id", next.OrderID, "error", next.Error, "needs_intervention", next.NeedsIntervention)
		return next, nil
	case next.Status == domain.StatusCompleted && prev != domain.StatusCompleted:
		o.completed.Add(ctx, 1)
		o.log.InfoContext(ctx, "saga completed", "saga_id", next.ID, "order_id", next.OrderID)
	case prev != domain.StatusCompensating && next.Status == domain.StatusCompensating:
		o.log.WarnContext(ctx, "saga compensating", "saga_id", next.ID, "order_id", next.OrderID, "failed_step", result.Step, "error", result.Err)
	}
	return next, o.store.Save(ctx, next)
}

func (o *Orchestrator) record(ctx context.Context, s domain.SagaState, r domain.StepResult) {
	sc := trace.SpanContextFromContext(ctx)
	entry := JournalEntry{
		SagaID:  s.ID,
		OrderID: s.OrderID,
		Step:    r.Step,
		Status:  s.Status,
		Error:   r.Err,
		At:      s.UpdatedAt,
	}
	if sc.IsValid() {
		entry.TraceID = sc.TraceID().String()
		entry.SpanID = sc.SpanID().String()
	}
	if err := o.journal.Record(ctx, entry); err != nil {
		o.log.WarnContext(ctx, "saga journal write failed", "saga_id", s.ID, "err", err)
	}
}

// Resume drives every unfinished saga, e.g. after a restart, and returns
// how many it drove. Sagas claimed by another executor are skipped.
func (o *Orchestrator) Resume(ctx context.Context, limit int) (int, error) {
	pending, err := o.store.Unfinished(ctx, limit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range pending {
		_, err := o.Execute(ctx, s.ID)
		switch {
		case apperr.Is(err, apperr.ResourceBusy):
			o.log.InfoContext(ctx, "saga owned by another executor", "saga_id", s.ID)
			continue
		case err != nil:
			o.log.ErrorContext(ctx, "saga resume failed", "saga_id", s.ID, "err", err)
		}
		n++
	}
	return n, nil
}

// Wait blocks until background sagas finish or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) Saga(ctx context.Context, id string) (domain.SagaState, error) {
	return o.store.Get(ctx, id)
}

type OrderStatusView struct {
	OrderID       string    `json:"order_id"`
	Status        string    `json:"status"`
	StatusMessage string    `json:"status_message"`
	SagaID        string    `json:"saga_id,omitempty"`
	SagaStatus    string    `json:"saga_status,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

var stepMessages = map[domain.Step]string{
	domain.StepCreateOrder:      "order received",
	domain.StepReserveInventory: "reserving stock",
	domain.StepProcessPayment:   "processing payment",
	domain.StepConfirmOrder:     "confirming order",
}

func (o *Orchestrator) OrderStatus(ctx context.Context, orderID string) (OrderStatusView, error) {
	ord, err := o.orders.Get(ctx, orderID)
	if err != nil {
		return OrderStatusView{}, err
	}
	view := OrderStatusView{
		OrderID:       ord.ID,
		Status:        string(ord.Status),
		StatusMessage: ord.StatusMessage,
		UpdatedAt:     ord.UpdatedAt,
	}

	saga, err := o.store.GetByOrder(ctx, orderID)
	if apperr.Is(err, apperr.NotFound) {
		return view, nil
	}
	if err != nil {
		return OrderStatusView{}, err
	}
	view.SagaID = saga.ID
	view.SagaStatus = string(saga.Status)
	if saga.UpdatedAt.After(view.UpdatedAt) {
		view.UpdatedAt = saga.UpdatedAt
	}
	switch saga.Status {
	case domain.StatusFailed, domain.StatusCompensating:
		view.StatusMessage = saga.Error
	case domain.StatusCompleted:
	default:
		if msg, ok := stepMessages[saga.CurrentStep]; ok && ord.Status == orderdomain.StatusPending {
			view.StatusMessage = msg
		}
	}
	return view, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
