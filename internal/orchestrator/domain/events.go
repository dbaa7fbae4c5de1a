package domain

const AggregateType = "saga"

const EventSagaFailed = "SagaFailed"

type SagaFailed struct {
	SagaID            string   `json:"saga_id"`
	OrderID           string   `json:"order_id"`
	UserID            string   `json:"user_id"`
	Error             string   `json:"error"`
	CompletedSteps    []Step   `json:"completed_steps"`
	AbandonedSteps    []Step   `json:"abandoned_steps,omitempty"`
	NeedsIntervention bool     `json:"needs_intervention"`
	ReservationIDs    []string `json:"reservation_ids,omitempty"`
	PaymentID         string   `json:"payment_id,omitempty"`
}

func FailedEvent(s SagaState) SagaFailed {
	return SagaFailed{
		SagaID:            s.ID,
		OrderID:           s.OrderID,
		UserID:            s.UserID,
		Error:             s.Error,
		CompletedSteps:    s.CompletedSteps,
		AbandonedSteps:    s.AbandonedSteps,
		NeedsIntervention: s.NeedsIntervention,
		ReservationIDs:    s.ReservationIDs,
		PaymentID:         s.PaymentID,
	}
}
