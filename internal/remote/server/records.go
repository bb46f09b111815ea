package server

import (
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/roach88/tillsync/internal/ir"
)

func (a *applier) sale(saleID string) (ir.SaleRecord, bool, error) {
	var data string
	err := a.tx.QueryRowContext(a.ctx, `
		SELECT record FROM sales WHERE tenant_id = ? AND store_id = ? AND sale_id = ?
	`, a.scope.TenantID, a.scope.StoreID, saleID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.SaleRecord{}, false, nil
	}
	if err != nil {
		return ir.SaleRecord{}, false, err
	}
	var rec ir.SaleRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return ir.SaleRecord{}, false, err
	}
	return rec, true, nil
}

func (a *applier) putSale(rec ir.SaleRecord, insert bool) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if insert {
		_, err = a.tx.ExecContext(a.ctx, `
			INSERT INTO sales (tenant_id, store_id, sale_id, op_id, terminal_id, record)
			VALUES (?, ?, ?, ?, ?, ?)
		`, a.scope.TenantID, a.scope.StoreID, rec.SaleID, a.opID, rec.TerminalID, string(data))
	} else {
		_, err = a.tx.ExecContext(a.ctx, `
			UPDATE sales SET record = ? WHERE tenant_id = ? AND store_id = ? AND sale_id = ?
		`, string(data), a.scope.TenantID, a.scope.StoreID, rec.SaleID)
	}
	if err != nil {
		return err
	}
	_, err = a.emit(ir.EntitySale, rec.SaleID, data)
	return err
}

func (a *applier) session(sessionID string) (ir.SessionRecord, bool, error) {
	rec := ir.SessionRecord{SessionID: sessionID}
	err := a.tx.QueryRowContext(a.ctx, `
		SELECT user_id, terminal_id, status, opening_float, closing_cash FROM sessions
		WHERE tenant_id = ? AND store_id = ? AND session_id = ?
	`, a.scope.TenantID, a.scope.StoreID, sessionID).Scan(&rec.UserID, &rec.TerminalID, &rec.Status, &rec.OpeningFloat, &rec.ClosingCash)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.SessionRecord{}, false, nil
	}
	if err != nil {
		return ir.SessionRecord{}, false, err
	}
	return rec, true, nil
}

// putSession upserts rec. closedBy names the terminal that closed it.
func (a *applier) putSession(rec ir.SessionRecord, closedBy string) error {
	if _, err := a.tx.ExecContext(a.ctx, `
		INSERT INTO sessions (tenant_id, store_id, session_id, user_id, terminal_id, status, opening_float, closing_cash, closed_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, store_id, session_id) DO UPDATE SET
			status = excluded.status,
			closing_cash = excluded.closing_cash,
			closed_by = excluded.closed_by
	`, a.scope.TenantID, a.scope.StoreID, rec.SessionID, rec.UserID, rec.TerminalID, rec.Status,
		rec.OpeningFloat, rec.ClosingCash, closedBy); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = a.emit(ir.EntitySession, rec.SessionID, data)
	return err
}

func (a *applier) customer(customerID string) (ir.CustomerRecord, bool, error) {
	var data string
	err := a.tx.QueryRowContext(a.ctx, `
		SELECT record FROM customers WHERE tenant_id = ? AND store_id = ? AND customer_id = ?
	`, a.scope.TenantID, a.scope.StoreID, customerID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.CustomerRecord{}, false, nil
	}
	if err != nil {
		return ir.CustomerRecord{}, false, err
	}
	var rec ir.CustomerRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return ir.CustomerRecord{}, false, err
	}
	return rec, true, nil
}

// putCustomer upserts rec. An empty naturalKey is stored as NULL, and an
// update never changes the key.
func (a *applier) putCustomer(rec ir.CustomerRecord, naturalKey string) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := a.tx.ExecContext(a.ctx, `
		INSERT INTO customers (tenant_id, store_id, customer_id, natural_key, record)
		VALUES (?, ?, ?, NULLIF(?, ''), ?)
		ON CONFLICT(tenant_id, store_id, customer_id) DO UPDATE SET record = excluded.record
	`, a.scope.TenantID, a.scope.StoreID, rec.CustomerID, naturalKey, string(data)); err != nil {
		return err
	}
	_, err = a.emit(ir.EntityCustomer, rec.CustomerID, data)
	return err
}

func (a *applier) putProduct(rec ir.ProductRecord) error {
	if _, err := a.tx.ExecContext(a.ctx, `
		INSERT INTO products (tenant_id, store_id, product_id, name, price)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, store_id, product_id) DO UPDATE SET
			name = excluded.name,
			price = excluded.price
	`, a.scope.TenantID, a.scope.StoreID, rec.ProductID, rec.Name, rec.Price); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = a.emit(ir.EntityProduct, rec.ProductID, data)
	return err
}

// setStock writes the quantity and returns the change revision.
func (a *applier) setStock(productID string, quantity int64) (int64, error) {
	if _, err := a.tx.ExecContext(a.ctx, `
		INSERT INTO stock (tenant_id, store_id, product_id, quantity)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(tenant_id, store_id, product_id) DO UPDATE SET quantity = excluded.quantity
	`, a.scope.TenantID, a.scope.StoreID, productID, quantity); err != nil {
		return 0, err
	}
	data, err := json.Marshal(ir.StockRecord{ProductID: productID, Quantity: quantity})
	if err != nil {
		return 0, err
	}
	return a.emit(ir.EntityStock, productID, data)
}

// emit appends to the change feed and returns the new revision.
func (a *applier) emit(entity, entityID string, data []byte) (int64, error) {
	res, err := a.tx.ExecContext(a.ctx, `
		INSERT INTO changes (tenant_id, store_id, entity, entity_id, data)
		VALUES (?, ?, ?, ?, ?)
	`, a.scope.TenantID, a.scope.StoreID, entity, entityID, string(data))
	if err != nil {
		return 0, err
	}
	rev, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if rev > a.revision {
		a.revision = rev
	}
	return rev, nil
}
