package store

import (
	"context"
	"database/sql"
	"fmt"

	"keyshop/internal/models"
)

// CreateOrder creates a new order
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO orders (user_id, product_id, status)
		VALUES ($1, $2, $3)
		RETURNING id, created_at, updated_at`

	return s.db.GetContext(ctx, order, query,
		order.UserID, order.ProductID, order.Status)
}

// GetOrderByID retrieves an order by ID
func (s *Store) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %d", models.ErrOrderNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// ListOrders retrieves orders newest first; userID 0 lists every order
func (s *Store) ListOrders(ctx context.Context, userID int64) ([]models.Order, error) {
	orders := []models.Order{}
	if userID == 0 {
		err := s.db.SelectContext(ctx, &orders, "SELECT * FROM orders ORDER BY created_at DESC, id DESC")
		return orders, err
	}
	err := s.db.SelectContext(ctx, &orders,
		"SELECT * FROM orders WHERE user_id = $1 ORDER BY created_at DESC, id DESC", userID)
	return orders, err
}

// UpdateOrderStatus moves an order between statuses with a compare-and-set on
// the current status. Payment details are written in the same statement when given.
func (s *Store) UpdateOrderStatus(ctx context.Context, orderID int64, from, to string, payment *models.PaymentDetails) (*models.Order, error) {
	var (
		order models.Order
		err   error
	)
	if payment != nil {
		err = s.db.GetContext(ctx, &order, `
			UPDATE orders
			SET status = $1, payment_method = $2, transaction_id = $3, payment_sender = $4, updated_at = NOW()
			WHERE id = $5 AND status = $6
			RETURNING *`,
			to, payment.Method, payment.TransactionID, payment.Sender, orderID, from)
	} else {
		err = s.db.GetContext(ctx, &order, `
			UPDATE orders
			SET status = $1, updated_at = NOW()
			WHERE id = $2 AND status = $3
			RETURNING *`,
			to, orderID, from)
	}

	if err == sql.ErrNoRows {
		current, getErr := s.GetOrderByID(ctx, orderID)
		if getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("%w: order %d is %s, not %s", models.ErrInvalidTransition, orderID, current.Status, from)
	}
	if err != nil {
		return nil, classifyError(err)
	}
	return &order, nil
}
