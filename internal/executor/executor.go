package executor

import (
	"context"
	"errors"
	"time"

	"okx-trend-bot/internal/model"
)

// Typed order failures. Everything else coming out of an executor is either
// wrapped in TransientError (retry later) or fatal for the current tick.
var (
	ErrInsufficientMargin = errors.New("insufficient margin")
	ErrBelowMinQty        = errors.New("quantity below venue minimum")
	ErrRejected           = errors.New("order rejected")
)

// TransientError marks network, timeout and rate-limit failures that are
// safe to retry on a later tick.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable. A nil err returns nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err should be retried instead of acted on.
// Context deadline expiry counts: a timed-out call tells us nothing about
// the venue state.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te) || errors.Is(err, context.DeadlineExceeded)
}

// OrderRequest is a market order. Price is the requested fill for paper
// venues (stop exits fill at the stop, not at the mark); zero means fill at
// the current mark. Tag travels into the venue-side trade record.
type OrderRequest struct {
	InstID     string
	Side       model.Direction
	Qty        float64
	Price      float64
	ReduceOnly bool
	ClOrdID    string
	Tag        string
}

// Fill confirms an executed order.
type Fill struct {
	OrderID string
	ClOrdID string
	InstID  string
	Side    model.Direction
	Qty     float64
	Price   float64
	Fee     float64
	Time    time.Time
}

// Executor is the venue the engine trades against: order submission plus
// the position/equity/metadata queries the decision loop needs. All
// blocking calls take a context with a deadline set by the caller.
type Executor interface {
	// GetPosition returns the venue's view of the open position for instID,
	// or nil when flat. The venue view is authoritative over local state.
	GetPosition(ctx context.Context, instID string) (*model.Position, error)

	// GetEquity returns free and total capital in the quote currency.
	GetEquity(ctx context.Context) (model.Equity, error)

	// GetInstrument returns tick/lot/min-size metadata for instID.
	GetInstrument(ctx context.Context, instID string) (model.Instrument, error)

	// SubmitOrder places a market order and returns the fill, or one of the
	// typed failures above.
	SubmitOrder(ctx context.Context, req OrderRequest) (*Fill, error)

	// GetTradeHistory returns all venue-side closed trades, oldest first.
	GetTradeHistory() []*model.TradeRecord
}
