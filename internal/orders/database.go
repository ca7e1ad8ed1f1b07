package orders

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/dex-execution-engine/internal/types"
)

// ErrConflict is returned when saving an order whose id already exists.
var ErrConflict = errors.New("order already exists")

// Database wraps order persistence. Field updates are single-statement
// conditional UPDATEs keyed by order_id, so concurrent updates to one order
// serialize at the row and updates for unknown ids are a silent no-op.
type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// SaveOrder inserts a new order. Duplicate ids surface as ErrConflict.
func (d *Database) SaveOrder(order *types.Order) error {
	if err := d.db.Create(order).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrConflict
		}
		return err
	}
	return nil
}

// IsConstraintViolation reports schema-level failures that no retry can fix.
func IsConstraintViolation(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey) ||
		errors.Is(err, gorm.ErrForeignKeyViolated) ||
		errors.Is(err, gorm.ErrCheckConstraintViolated) ||
		errors.Is(err, gorm.ErrInvalidData)
}

// GetOrder returns the order or nil when the id is unknown.
func (d *Database) GetOrder(orderID string) (*types.Order, error) {
	var order types.Order
	if err := d.db.Where("order_id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

// UpdateOrder applies a partial update to the order row. Unknown ids no-op
// so late updates after a forced clean cannot crash a worker.
func (d *Database) UpdateOrder(orderID string, fields map[string]interface{}) error {
	fields["updated_at"] = time.Now().UTC()
	return d.db.Model(&types.Order{}).Where("order_id = ?", orderID).Updates(fields).Error
}

// SetStatus advances the order's lifecycle state.
func (d *Database) SetStatus(orderID string, status types.OrderStatus) error {
	return d.UpdateOrder(orderID, map[string]interface{}{"status": status})
}

// SetRouted records the routing decision at the building transition.
func (d *Database) SetRouted(orderID string, dex string) error {
	return d.UpdateOrder(orderID, map[string]interface{}{
		"status":   types.StatusBuilding,
		"dex_used": dex,
	})
}

// SetConfirmed records the terminal success state with its execution fields.
func (d *Database) SetConfirmed(orderID, txHash string, executedPrice, amountOut decimal.Decimal) error {
	return d.UpdateOrder(orderID, map[string]interface{}{
		"status":         types.StatusConfirmed,
		"tx_hash":        txHash,
		"executed_price": executedPrice,
		"amount_out":     amountOut,
	})
}

// SetFailed records the terminal failure state and its post-mortem text.
func (d *Database) SetFailed(orderID, errText string) error {
	return d.UpdateOrder(orderID, map[string]interface{}{
		"status": types.StatusFailed,
		"error":  errText,
	})
}

// CountByStatus returns how many orders currently sit in the given states.
func (d *Database) CountByStatus(statuses ...types.OrderStatus) (int64, error) {
	var count int64
	err := d.db.Model(&types.Order{}).Where("status IN ?", statuses).Count(&count).Error
	return count, err
}
