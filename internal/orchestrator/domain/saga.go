package domain

import (
	"slices"
	"time"
)

type Status string

const (
	StatusStarted           Status = "STARTED"
	StatusInventoryReserved Status = "INVENTORY_RESERVED"
	StatusPaymentProcessed  Status = "PAYMENT_PROCESSED"
	StatusCompleted         Status = "COMPLETED"
	StatusCompensating      Status = "COMPENSATING"
	StatusFailed            Status = "FAILED"
)

type Step string

const (
	StepCreateOrder      Step = "CREATE_ORDER"
	StepReserveInventory Step = "RESERVE_INVENTORY"
	StepProcessPayment   Step = "PROCESS_PAYMENT"
	StepConfirmOrder     Step = "CONFIRM_ORDER"
	StepReleaseInventory Step = "RELEASE_INVENTORY"
	StepRefundPayment    Step = "REFUND_PAYMENT"
	StepCancelOrder      Step = "CANCEL_ORDER"
)

var forward = []Step{StepCreateOrder, StepReserveInventory, StepProcessPayment, StepConfirmOrder}

// compensations lists every compensation in execution order with the
// forward step it undoes. An empty guard means it always runs.
var compensations = []struct {
	step  Step
	guard Step
}{
	{StepRefundPayment, StepProcessPayment},
	{StepReleaseInventory, StepReserveInventory},
	{StepCancelOrder, ""},
}

func (s Step) IsCompensation() bool {
	return s == StepReleaseInventory || s == StepRefundPayment || s == StepCancelOrder
}

type SagaState struct {
	ID             string
	OrderID        string
	UserID         string
	PaymentMethod  string
	PaymentDetails map[string]string
	Status         Status
	CurrentStep    Step
	// CompletedSteps is append-only.
	CompletedSteps []Step
	// AbandonedSteps holds compensations that kept failing.
	AbandonedSteps    []Step
	ReservationIDs    []string
	PaymentID         string
	Error             string
	Attempts          int
	NeedsIntervention bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func NewSaga(id, orderID, userID, paymentMethod string, details map[string]string, now time.Time) SagaState {
	return SagaState{
		ID:             id,
		OrderID:        orderID,
		UserID:         userID,
		PaymentMethod:  paymentMethod,
		PaymentDetails: details,
		Status:         StatusStarted,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func (s SagaState) HasCompleted(step Step) bool {
	return slices.Contains(s.CompletedSteps, step)
}

func (s SagaState) IsTerminal() bool {
	return s.Status == StatusCompleted || s.Status == StatusFailed
}

// StepResult is the outcome of running one step. An empty Err means success.
type StepResult struct {
	Step           Step
	Err            string
	ReservationIDs []string
	PaymentID      string
	Attempts       int
	// NeedsIntervention marks an outcome nobody could settle, such as a
	// charge whose result never came back.
	NeedsIntervention bool
}

// NextStep returns the step to run next, or false once the saga is terminal.
func NextStep(s SagaState) (Step, bool) {
	switch s.Status {
	case StatusCompleted, StatusFailed:
		return "", false
	case StatusCompensating:
		return nextCompensation(s)
	}
	for _, step := range forward {
		if !s.HasCompleted(step) {
			return step, true
		}
	}
	return "", false
}

func nextCompensation(s SagaState) (Step, bool) {
	for _, c := range compensations {
		if c.guard != "" && !s.HasCompleted(c.guard) {
			continue
		}
		if s.HasCompleted(c.step) || slices.Contains(s.AbandonedSteps, c.step) {
			continue
		}
		return c.step, true
	}
	return "", false
}

// Begin marks step as in flight.
func Begin(s SagaState, step Step, now time.Time) SagaState {
	s = s.clone()
	s.CurrentStep = step
	s.UpdatedAt = now
	return s
}

// Apply folds a step result into the state. A forward failure switches the
// saga to COMPENSATING; a failed compensation is abandoned and flagged for
// intervention. Once no compensation is left the saga is FAILED.
func Apply(s SagaState, r StepResult, now time.Time) SagaState {
	if s.IsTerminal() {
		return s
	}
	s = s.clone()
	s.CurrentStep = r.Step
	s.UpdatedAt = now
	s.Attempts += r.Attempts
	if r.PaymentID != "" {
		s.PaymentID = r.PaymentID
	}
	if r.NeedsIntervention {
		s.NeedsIntervention = true
	}

	switch {
	case r.Err == "":
		if !s.HasCompleted(r.Step) {
			s.CompletedSteps = append(s.CompletedSteps, r.Step)
		}
		switch r.Step {
		case StepReserveInventory:
			s.ReservationIDs = slices.Clone(r.ReservationIDs)
			s.Status = StatusInventoryReserved
		case StepProcessPayment:
			s.Status = StatusPaymentProcessed
		case StepConfirmOrder:
			s.Status = StatusCompleted
		}
	case r.Step.IsCompensation():
		s.AbandonedSteps = append(s.AbandonedSteps, r.Step)
		s.NeedsIntervention = true
	default:
		s.Status = StatusCompensating
		s.Error = r.Err
	}

	if s.Status == StatusCompensating {
		if _, ok := nextCompensation(s); !ok {
			s.Status = StatusFailed
		}
	}
	return s
}

func (s SagaState) clone() SagaState {
	s.CompletedSteps = slices.Clone(s.CompletedSteps)
	s.AbandonedSteps = slices.Clone(s.AbandonedSteps)
	s.ReservationIDs = slices.Clone(s.ReservationIDs)
	return s
}
