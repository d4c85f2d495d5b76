package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"slabvalue/internal/engine"
)

// Asset is a card or slab in the inventory.
//
// GlobalID is the canonical identifier of the same physical item across
// inventories. Comp lookups fall back to it when the asset's own id has no
// sales.
type Asset struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	GlobalID      string          `json:"global_id"`
	Grade         string          `json:"grade"`
	Liquidity     string          `json:"liquidity"`
	PurchasePrice decimal.Decimal `json:"purchase_price"`
	Notes         string          `json:"notes"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Validate checks required fields.
func (a Asset) Validate() error {
	if strings.TrimSpace(a.Name) == "" {
		return errors.New("name is required")
	}
	if a.PurchasePrice.IsNegative() {
		return errors.New("purchase_price must be >= 0")
	}
	return nil
}

const assetColumns = `id, name, global_id, grade, liquidity, purchase_price, notes, created_at, updated_at`

func scanAsset(row interface{ Scan(...any) error }) (Asset, error) {
	var (
		a                    Asset
		price                string
		createdAt, updatedAt string
	)
	if err := row.Scan(&a.ID, &a.Name, &a.GlobalID, &a.Grade, &a.Liquidity, &price, &a.Notes, &createdAt, &updatedAt); err != nil {
		return Asset{}, err
	}
	a.PurchasePrice, _ = decimal.NewFromString(price)
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return a, nil
}

// CreateAsset inserts a new asset. A missing id is generated.
func (d *DB) CreateAsset(ctx context.Context, a Asset) (Asset, error) {
	if err := a.Validate(); err != nil {
		return Asset{}, err
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := d.now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	a.Liquidity = string(engine.NormalizeLiquidityTag(a.Liquidity))

	_, err := d.sql.ExecContext(ctx,
		`INSERT INTO assets (`+assetColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, strings.TrimSpace(a.Name), strings.TrimSpace(a.GlobalID), a.Grade, a.Liquidity,
		a.PurchasePrice.String(), a.Notes, formatTime(a.CreatedAt), formatTime(a.UpdatedAt),
	)
	if err != nil {
		return Asset{}, fmt.Errorf("insert asset: %w", err)
	}
	a.Name = strings.TrimSpace(a.Name)
	a.GlobalID = strings.TrimSpace(a.GlobalID)
	return a, nil
}

// GetAsset returns one asset.
func (d *DB) GetAsset(ctx context.Context, id string) (Asset, error) {
	row := d.sql.QueryRowContext(ctx, `SELECT `+assetColumns+` FROM assets WHERE id = ?`, id)
	a, err := scanAsset(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Asset{}, ErrNotFound
	}
	if err != nil {
		return Asset{}, fmt.Errorf("get asset: %w", err)
	}
	return a, nil
}

// ListAssets returns every asset, newest first.
func (d *DB) ListAssets(ctx context.Context) ([]Asset, error) {
	rows, err := d.sql.QueryContext(ctx, `SELECT `+assetColumns+` FROM assets ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	defer rows.Close()

	items := []Asset{}
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("scan asset: %w", err)
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

// UpdateAsset overwrites the editable fields of an existing asset.
func (d *DB) UpdateAsset(ctx context.Context, a Asset) (Asset, error) {
	if err := a.Validate(); err != nil {
		return Asset{}, err
	}
	cur, err := d.GetAsset(ctx, a.ID)
	if err != nil {
		return Asset{}, err
	}
	cur.Name = strings.TrimSpace(a.Name)
	cur.GlobalID = strings.TrimSpace(a.GlobalID)
	cur.Grade = a.Grade
	cur.Liquidity = string(engine.NormalizeLiquidityTag(a.Liquidity))
	cur.PurchasePrice = a.PurchasePrice
	cur.Notes = a.Notes
	cur.UpdatedAt = d.now().UTC()

	res, err := d.sql.ExecContext(ctx,
		`UPDATE assets
		    SET name = ?, global_id = ?, grade = ?, liquidity = ?, purchase_price = ?, notes = ?, updated_at = ?
		  WHERE id = ?`,
		cur.Name, cur.GlobalID, cur.Grade, cur.Liquidity, cur.PurchasePrice.String(), cur.Notes,
		formatTime(cur.UpdatedAt), cur.ID,
	)
	if err != nil {
		return Asset{}, fmt.Errorf("update asset: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Asset{}, ErrNotFound
	}
	return cur, nil
}

// DeleteAsset removes an asset.
func (d *DB) DeleteAsset(ctx context.Context, id string) error {
	res, err := d.sql.ExecContext(ctx, `DELETE FROM assets WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete asset: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
