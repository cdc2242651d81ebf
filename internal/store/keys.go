package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"keyshop/internal/models"

	"github.com/jmoiron/sqlx"
)

// GetKeyByID retrieves a key by ID
func (s *Store) GetKeyByID(ctx context.Context, id int64) (*models.DigitalKey, error) {
	var key models.DigitalKey
	err := s.db.GetContext(ctx, &key, "SELECT * FROM digital_keys WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %d", models.ErrKeyNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &key, nil
}

// GetKeyByValue retrieves a key by its exact value
func (s *Store) GetKeyByValue(ctx context.Context, keyValue string) (*models.DigitalKey, error) {
	var key models.DigitalKey
	err := s.db.GetContext(ctx, &key, "SELECT * FROM digital_keys WHERE key_value = $1", keyValue)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %q", models.ErrKeyNotFound, keyValue)
	}
	if err != nil {
		return nil, err
	}
	return &key, nil
}

// GetKeysByOrderID retrieves keys bound to an order
func (s *Store) GetKeysByOrderID(ctx context.Context, orderID int64) ([]models.DigitalKey, error) {
	keys := []models.DigitalKey{}
	err := s.db.SelectContext(ctx, &keys,
		"SELECT * FROM digital_keys WHERE assigned_to_order_id = $1 ORDER BY assigned_at, id", orderID)
	return keys, err
}

// ListKeys lists keys newest first
func (s *Store) ListKeys(ctx context.Context, filter models.KeyFilter) ([]models.DigitalKey, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.ProductID != nil {
		args = append(args, *filter.ProductID)
		where = append(where, fmt.Sprintf("product_id = $%d", len(args)))
	}
	if filter.IsAssigned != nil {
		args = append(args, *filter.IsAssigned)
		where = append(where, fmt.Sprintf("is_assigned = $%d", len(args)))
	}

	query := "SELECT * FROM digital_keys"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	keys := []models.DigitalKey{}
	err := s.db.SelectContext(ctx, &keys, query, args...)
	return keys, err
}

// CountAvailableKeys counts unassigned keys of a product
func (s *Store) CountAvailableKeys(ctx context.Context, productID int64) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		"SELECT COUNT(*) FROM digital_keys WHERE product_id = $1 AND is_assigned = FALSE", productID)
	return n, err
}

// CountKeyStates counts all keys and the assigned ones in one statement
func (s *Store) CountKeyStates(ctx context.Context) (total, assigned int, err error) {
	var row struct {
		Total    int `db:"total"`
		Assigned int `db:"assigned"`
	}
	err = s.db.GetContext(ctx, &row,
		"SELECT COUNT(*) AS total, COUNT(*) FILTER (WHERE is_assigned) AS assigned FROM digital_keys")
	return row.Total, row.Assigned, err
}

// CreateKey stocks a new available key
func (s *Store) CreateKey(ctx context.Context, keyValue string, productID int64) (*models.DigitalKey, error) {
	var key models.DigitalKey
	err := s.db.GetContext(ctx, &key, `
		INSERT INTO digital_keys (key_value, product_id, is_assigned)
		VALUES ($1, $2, FALSE)
		RETURNING *`, keyValue, productID)
	if err != nil {
		return nil, classifyError(err)
	}
	return &key, nil
}

// AssignNextKeyTx binds the oldest available key of a product to an order.
// Assignments for one product serialize on a transaction-scoped advisory
// lock, and the chosen row is locked FOR UPDATE before it is written.
func (s *Store) AssignNextKeyTx(ctx context.Context, productID, orderID int64) (*models.DigitalKey, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, classifyError(err)
	}
	defer tx.Rollback()

	if err := s.lockProduct(ctx, tx, productID); err != nil {
		return nil, err
	}

	var key models.DigitalKey
	err = tx.GetContext(ctx, &key, `
		SELECT * FROM digital_keys
		WHERE product_id = $1 AND is_assigned = FALSE
		ORDER BY created_at ASC, id ASC
		LIMIT 1
		FOR UPDATE`, productID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: product %d", models.ErrNoAvailableKey, productID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock key: %w", classifyError(err))
	}

	err = tx.GetContext(ctx, &key, `
		UPDATE digital_keys
		SET is_assigned = TRUE, assigned_to_order_id = $1, assigned_at = NOW(), updated_at = NOW()
		WHERE id = $2
		RETURNING *`, orderID, key.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to assign key: %w", classifyError(err))
	}

	if err := tx.Commit(); err != nil {
		return nil, classifyError(err)
	}
	return &key, nil
}

// AttachKeysTx binds literal key values to an order. Existing rows are
// attached in place, keeping their product unless it was unset; unknown
// values are inserted already assigned. A value bound to another order fails
// the whole call with ErrWrongOrder.
func (s *Store) AttachKeysTx(ctx context.Context, orderID, productID int64, keyValues []string) ([]models.DigitalKey, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, classifyError(err)
	}
	defer tx.Rollback()

	if err := s.setLockTimeout(ctx, tx); err != nil {
		return nil, err
	}

	attached, err := attachKeys(ctx, tx, orderID, productID, keyValues)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, classifyError(err)
	}
	return attached, nil
}

// PayOrderWithKeysTx moves an order from status from to paid and binds the
// key values to it in the same transaction, so a rejected key leaves the
// order untouched.
func (s *Store) PayOrderWithKeysTx(ctx context.Context, orderID int64, from string, keyValues []string) (*models.Order, []models.DigitalKey, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, nil, classifyError(err)
	}
	defer tx.Rollback()

	if err := s.setLockTimeout(ctx, tx); err != nil {
		return nil, nil, err
	}

	var order models.Order
	err = tx.GetContext(ctx, &order, `
		UPDATE orders
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3
		RETURNING *`,
		models.OrderStatusPaid, orderID, from)
	if err == sql.ErrNoRows {
		var status string
		if err := tx.GetContext(ctx, &status, "SELECT status FROM orders WHERE id = $1", orderID); err != nil {
			if err == sql.ErrNoRows {
				return nil, nil, fmt.Errorf("%w: %d", models.ErrOrderNotFound, orderID)
			}
			return nil, nil, classifyError(err)
		}
		return nil, nil, fmt.Errorf("%w: order %d is %s, not %s", models.ErrInvalidTransition, orderID, status, from)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to mark order paid: %w", classifyError(err))
	}

	attached, err := attachKeys(ctx, tx, orderID, order.ProductID, keyValues)
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, classifyError(err)
	}
	return &order, attached, nil
}

func attachKeys(ctx context.Context, tx *sqlx.Tx, orderID, productID int64, keyValues []string) ([]models.DigitalKey, error) {
	attached := make([]models.DigitalKey, 0, len(keyValues))
	for _, value := range keyValues {
		var key models.DigitalKey
		err := tx.GetContext(ctx, &key,
			"SELECT * FROM digital_keys WHERE key_value = $1 FOR UPDATE", value)
		switch {
		case err == sql.ErrNoRows:
			err = tx.GetContext(ctx, &key, `
				INSERT INTO digital_keys (key_value, product_id, is_assigned, assigned_to_order_id, assigned_at)
				VALUES ($1, $2, TRUE, $3, NOW())
				RETURNING *`, value, productID, orderID)
			if err != nil {
				return nil, fmt.Errorf("failed to create key %q: %w", value, classifyError(err))
			}
		case err != nil:
			return nil, fmt.Errorf("failed to lock key %q: %w", value, classifyError(err))
		default:
			if key.AssignedToOrderID != nil && *key.AssignedToOrderID != orderID {
				return nil, fmt.Errorf("%w: key %d is bound to order %d", models.ErrWrongOrder, key.ID, *key.AssignedToOrderID)
			}
			err = tx.GetContext(ctx, &key, `
				UPDATE digital_keys
				SET product_id = COALESCE(product_id, $1),
				    is_assigned = TRUE,
				    assigned_to_order_id = $2,
				    assigned_at = COALESCE(assigned_at, NOW()),
				    updated_at = NOW()
				WHERE id = $3
				RETURNING *`, productID, orderID, key.ID)
			if err != nil {
				return nil, fmt.Errorf("failed to attach key %q: %w", value, classifyError(err))
			}
		}
		attached = append(attached, key)
	}
	return attached, nil
}

// ReleaseKeyTx returns a key to the pool after checking it is bound to orderID
func (s *Store) ReleaseKeyTx(ctx context.Context, keyID, orderID int64) (*models.DigitalKey, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, classifyError(err)
	}
	defer tx.Rollback()

	if err := s.setLockTimeout(ctx, tx); err != nil {
		return nil, err
	}

	var key models.DigitalKey
	err = tx.GetContext(ctx, &key, "SELECT * FROM digital_keys WHERE id = $1 FOR UPDATE", keyID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %d", models.ErrKeyNotFound, keyID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock key: %w", classifyError(err))
	}

	if !key.BelongsTo(orderID) {
		return nil, fmt.Errorf("%w: key %d, order %d", models.ErrWrongOrder, keyID, orderID)
	}

	if err := markAvailable(ctx, tx, &key); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, classifyError(err)
	}
	return &key, nil
}

// RevokeKey returns a key to the pool without an ownership check
func (s *Store) RevokeKey(ctx context.Context, keyID int64) (*models.DigitalKey, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, classifyError(err)
	}
	defer tx.Rollback()

	var key models.DigitalKey
	err = tx.GetContext(ctx, &key, "SELECT * FROM digital_keys WHERE id = $1 FOR UPDATE", keyID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %d", models.ErrKeyNotFound, keyID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock key: %w", classifyError(err))
	}

	if err := markAvailable(ctx, tx, &key); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, classifyError(err)
	}
	return &key, nil
}

func markAvailable(ctx context.Context, tx *sqlx.Tx, key *models.DigitalKey) error {
	err := tx.GetContext(ctx, key, `
		UPDATE digital_keys
		SET is_assigned = FALSE, assigned_to_order_id = NULL, assigned_at = NULL, updated_at = NOW()
		WHERE id = $1
		RETURNING *`, key.ID)
	if err != nil {
		return fmt.Errorf("failed to release key: %w", classifyError(err))
	}
	return nil
}

// FindOrphanedKeys lists keys whose assignment flag and order link disagree
func (s *Store) FindOrphanedKeys(ctx context.Context) ([]models.DigitalKey, error) {
	keys := []models.DigitalKey{}
	err := s.db.SelectContext(ctx, &keys, `
		SELECT * FROM digital_keys
		WHERE (is_assigned = TRUE AND assigned_to_order_id IS NULL)
		   OR (is_assigned = FALSE AND assigned_to_order_id IS NOT NULL)
		ORDER BY id`)
	return keys, err
}

// RepairOrphanedKeys restores the assignment invariant. A key flagged
// assigned without an order becomes available; a key linked to an existing
// order is flagged assigned; any other dangling link is cleared.
func (s *Store) RepairOrphanedKeys(ctx context.Context) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	statements := []string{
		`UPDATE digital_keys
		 SET is_assigned = FALSE, assigned_at = NULL, updated_at = NOW()
		 WHERE is_assigned = TRUE AND assigned_to_order_id IS NULL`,
		`UPDATE digital_keys k
		 SET is_assigned = TRUE, assigned_at = COALESCE(k.assigned_at, NOW()), updated_at = NOW()
		 WHERE k.is_assigned = FALSE AND k.assigned_to_order_id IS NOT NULL
		   AND EXISTS (SELECT 1 FROM orders o WHERE o.id = k.assigned_to_order_id)`,
		`UPDATE digital_keys
		 SET assigned_to_order_id = NULL, assigned_at = NULL, updated_at = NOW()
		 WHERE is_assigned = FALSE AND assigned_to_order_id IS NOT NULL`,
	}

	var repaired int64
	for _, stmt := range statements {
		res, err := tx.ExecContext(ctx, stmt)
		if err != nil {
			return 0, fmt.Errorf("failed to repair orphaned keys: %w", classifyError(err))
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		repaired += n
	}

	if err := tx.Commit(); err != nil {
		return 0, classifyError(err)
	}
	return repaired, nil
}

// FindDuplicateKeyGroups lists key values stored more than once, each group
// ordered oldest first
func (s *Store) FindDuplicateKeyGroups(ctx context.Context) ([]models.DuplicateGroup, error) {
	var rows []models.DigitalKey
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM digital_keys
		WHERE key_value IN (
			SELECT key_value FROM digital_keys GROUP BY key_value HAVING COUNT(*) > 1
		)
		ORDER BY key_value, created_at, id`)
	if err != nil {
		return nil, err
	}
	return groupByValue(rows), nil
}

// DeleteKeys permanently removes keys
func (s *Store) DeleteKeys(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	query, args, err := sqlx.In("DELETE FROM digital_keys WHERE id IN (?)", ids)
	if err != nil {
		return 0, err
	}
	query = s.db.Rebind(query)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) setLockTimeout(ctx context.Context, tx *sqlx.Tx) error {
	if s.lockTimeout <= 0 {
		return nil
	}
	// SET does not accept bind parameters.
	stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to set lock timeout: %w", classifyError(err))
	}
	return nil
}

func (s *Store) lockProduct(ctx context.Context, tx *sqlx.Tx, productID int64) error {
	if err := s.setLockTimeout(ctx, tx); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", productID); err != nil {
		return fmt.Errorf("failed to lock product %d: %w", productID, classifyError(err))
	}
	return nil
}

func groupByValue(rows []models.DigitalKey) []models.DuplicateGroup {
	var groups []models.DuplicateGroup
	for _, row := range rows {
		if n := len(groups); n > 0 && groups[n-1].KeyValue == row.KeyValue {
			groups[n-1].Keys = append(groups[n-1].Keys, row)
			continue
		}
		groups = append(groups, models.DuplicateGroup{KeyValue: row.KeyValue, Keys: []models.DigitalKey{row}})
	}
	return groups
}
