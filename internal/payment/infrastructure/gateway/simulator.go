// Package gateway holds the simulated card processor used in place of a real
// payment provider.
package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmehra2102/orderflow/internal/payment/application"
	"github.com/dmehra2102/orderflow/pkg/apperr"
)

type Option func(*Simulator)

// WithDeclineAbove declines every charge above cents. Zero disables the limit.
func WithDeclineAbove(cents int64) Option {
	return func(s *Simulator) { s.declineAbove = cents }
}

func WithLatency(d time.Duration) Option {
	return func(s *Simulator) { s.latency = d }
}

type Simulator struct {
	log          *slog.Logger
	declineAbove int64
	latency      time.Duration

	mu        sync.Mutex
	forceFail bool
	failNext  int
	charges   int
	refunds   int
}

func NewSimulator(log *slog.Logger, opts ...Option) *Simulator {
	s := &Simulator{log: log}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SetForceFail makes every call fail until switched off.
func (s *Simulator) SetForceFail(on bool) {
	s.mu.Lock()
	s.forceFail = on
	s.mu.Unlock()
}

// FailNext makes the next n calls fail.
func (s *Simulator) FailNext(n int) {
	s.mu.Lock()
	s.failNext = n
	s.mu.Unlock()
}

func (s *Simulator) Charges() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.charges
}

func (s *Simulator) Charge(ctx context.Context, req application.ChargeRequest) (application.ChargeResult, error) {
	if err := s.wait(ctx); err != nil {
		return application.ChargeResult{}, err
	}
	s.mu.Lock()
	s.charges++
	injected := s.injectedLocked()
	s.mu.Unlock()

	if injected {
		return application.ChargeResult{}, apperr.New(apperr.GatewayError, "gateway.Charge", "processor unavailable")
	}
	if s.declineAbove > 0 && req.AmountCents > s.declineAbove {
		return application.ChargeResult{}, apperr.New(apperr.GatewayError, "gateway.Charge",
			"card declined: %d exceeds limit %d", req.AmountCents, s.declineAbove)
	}
	tx := "txn_" + uuid.NewString()
	s.log.DebugContext(ctx, "charge accepted", "payment_id", req.PaymentID, "tx_id", tx)
	return application.ChargeResult{TransactionID: tx}, nil
}

func (s *Simulator) Refund(ctx context.Context, req application.RefundRequest) (application.RefundResult, error) {
	if err := s.wait(ctx); err != nil {
		return application.RefundResult{}, err
	}
	s.mu.Lock()
	s.refunds++
	injected := s.injectedLocked()
	s.mu.Unlock()

	if injected {
		return application.RefundResult{}, apperr.New(apperr.GatewayError, "gateway.Refund", "processor unavailable")
	}
	if req.TransactionID == "" {
		return application.RefundResult{}, apperr.New(apperr.GatewayError, "gateway.Refund", "unknown transaction")
	}
	return application.RefundResult{RefundID: "re_" + uuid.NewString()}, nil
}

func (s *Simulator) injectedLocked() bool {
	if s.forceFail {
		return true
	}
	if s.failNext > 0 {
		s.failNext--
		return true
	}
	return false
}

func (s *Simulator) wait(ctx context.Context) error {
	if s.latency <= 0 {
		if err := ctx.Err(); err != nil {
			return apperr.Wrap(apperr.GatewayError, "gateway", err)
		}
		return nil
	}
	t := time.NewTimer(s.latency)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return apperr.Wrap(apperr.GatewayError, "gateway", ctx.Err())
	case <-t.C:
		return nil
	}
}
