package orders

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/dex-execution-engine/internal/queue"
	"github.com/ksred/dex-execution-engine/internal/types"
)

var defaultSlippage = decimal.NewFromFloat(0.01)

// ExecuteRequest is the intake submission body.
type ExecuteRequest struct {
	OrderType string           `json:"orderType"`
	TokenIn   string           `json:"tokenIn"`
	TokenOut  string           `json:"tokenOut"`
	AmountIn  decimal.Decimal  `json:"amountIn"`
	Slippage  *decimal.Decimal `json:"slippage"`
}

// ValidationError reports an intake rejection; its message goes back to the
// client with a 400.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Validate applies the intake rules: required fields, market orders only,
// positive amount, slippage within [0, 1].
func (r *ExecuteRequest) Validate() error {
	if r.TokenIn == "" || r.TokenOut == "" || r.AmountIn.IsZero() {
		return &ValidationError{Message: "tokenIn, tokenOut and amountIn are required"}
	}
	if types.OrderType(r.OrderType) != types.OrderTypeMarket {
		return &ValidationError{Message: "Only market orders are supported in this implementation"}
	}
	if r.AmountIn.LessThanOrEqual(decimal.Zero) {
		return &ValidationError{Message: "amountIn must be greater than zero"}
	}
	if r.Slippage != nil && (r.Slippage.IsNegative() || r.Slippage.GreaterThan(decimal.NewFromInt(1))) {
		return &ValidationError{Message: "slippage must be between 0 and 1"}
	}
	return nil
}

// Service handles order intake and lookups.
type Service struct {
	db    *Database
	queue *queue.Queue
}

// NewService creates the intake service over the given database connection
// and job queue.
func NewService(gormDB *gorm.DB, q *queue.Queue) *Service {
	return &Service{
		db:    NewDatabase(gormDB),
		queue: q,
	}
}

// DB exposes the order store for collaborators that share it.
func (s *Service) DB() *Database {
	return s.db
}

// CreateOrder validates the submission, persists the pending order, and
// enqueues its processing job. The returned order carries the assigned id.
func (s *Service) CreateOrder(ctx context.Context, req *ExecuteRequest) (*types.Order, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	slippage := defaultSlippage
	if req.Slippage != nil {
		slippage = *req.Slippage
	}

	now := time.Now().UTC()
	order := &types.Order{
		OrderID:   uuid.New().String(),
		OrderType: types.OrderTypeMarket,
		TokenIn:   req.TokenIn,
		TokenOut:  req.TokenOut,
		AmountIn:  req.AmountIn,
		Slippage:  slippage,
		Status:    types.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.db.SaveOrder(order); err != nil {
		return nil, err
	}

	if err := s.queue.Enqueue(ctx, *order); err != nil {
		return nil, err
	}

	log.Info().
		Str("component", "intake").
		Str("order_id", order.OrderID).
		Str("token_in", order.TokenIn).
		Str("token_out", order.TokenOut).
		Str("amount_in", order.AmountIn.String()).
		Msg("order accepted and enqueued")

	return order, nil
}

// GetOrder retrieves an order by its ID, nil when unknown.
func (s *Service) GetOrder(orderID string) (*types.Order, error) {
	return s.db.GetOrder(orderID)
}

// IsValidation reports whether err is an intake rejection.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
