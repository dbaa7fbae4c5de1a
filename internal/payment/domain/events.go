package domain

const AggregateType = "payment"

const (
	EventPaymentProcessed = "PaymentProcessed"
	EventPaymentFailed    = "PaymentFailed"
	EventPaymentRefunded  = "PaymentRefunded"
)

type PaymentProcessed struct {
	PaymentID   string `json:"payment_id"`
	OrderID     string `json:"order_id"`
	UserID      string `json:"user_id"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
	GatewayTxID string `json:"gateway_tx_id"`
}

type PaymentFailed struct {
	PaymentID   string `json:"payment_id"`
	OrderID     string `json:"order_id"`
	AmountCents int64  `json:"amount_cents"`
	Reason      string `json:"reason"`
}

type PaymentRefunded struct {
	PaymentID      string `json:"payment_id"`
	OrderID        string `json:"order_id"`
	RefundCents    int64  `json:"refund_cents"`
	RefundedCents  int64  `json:"refunded_cents"`
	RemainingCents int64  `json:"remaining_cents"`
	Status         string `json:"status"`
	Reason         string `json:"reason"`
	RefundID       string `json:"refund_id"`
}
