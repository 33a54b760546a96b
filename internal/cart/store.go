package cart

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"storefront/internal/store"
)

// Store 抽象购物车持久化介质。
type Store interface {
	Load(ctx context.Context, buyer common.Address) ([]Item, error)
	Save(ctx context.Context, buyer common.Address, items []Item) error
	Clear(ctx context.Context, buyer common.Address) error
}

// SQLStore 基于 SQLite 的购物车存储，position 列保存插入顺序。
type SQLStore struct {
	store *store.Store
}

var _ Store = (*SQLStore)(nil)

type itemRow struct {
	Buyer         string         `db:"buyer"`
	Position      int            `db:"position"`
	ItemID        string         `db:"item_id"`
	Kind          string         `db:"kind"`
	ChainID       int64          `db:"chain_id"`
	Target        string         `db:"target"`
	PayWith       string         `db:"pay_with"`
	Spend         string         `db:"spend"`
	Exchange      sql.NullString `db:"exchange"`
	OrderHash     sql.NullString `db:"order_hash"`
	RecordedPrice sql.NullString `db:"recorded_price"`
	AddedAt       string         `db:"added_at"`
}

// NewSQLStore 创建购物车存储并初始化表结构。
func NewSQLStore(s *store.Store) (*SQLStore, error) {
	if s == nil {
		return nil, fmt.Errorf("cart: store 不能为空")
	}
	stmt := `
CREATE TABLE IF NOT EXISTS cart_items (
	buyer TEXT NOT NULL,
	position INTEGER NOT NULL,
	item_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	chain_id INTEGER NOT NULL,
	target TEXT NOT NULL,
	pay_with TEXT NOT NULL,
	spend TEXT NOT NULL,
	exchange TEXT,
	order_hash TEXT,
	recorded_price TEXT,
	added_at TEXT NOT NULL,
	PRIMARY KEY (buyer, item_id)
);
CREATE INDEX IF NOT EXISTS idx_cart_items_buyer ON cart_items(buyer, position);
`
	if _, err := s.DB().Exec(stmt); err != nil {
		return nil, fmt.Errorf("cart: 初始化表失败: %w", err)
	}
	return &SQLStore{store: s}, nil
}

// Load 按插入顺序读取买家购物车。
func (s *SQLStore) Load(ctx context.Context, buyer common.Address) ([]Item, error) {
	var rows []itemRow
	err := s.store.DB().SelectContext(ctx, &rows,
		`SELECT buyer, position, item_id, kind, chain_id, target, pay_with, spend, exchange, order_hash, recorded_price, added_at
		 FROM cart_items WHERE buyer = ? ORDER BY position ASC`,
		buyer.Hex(),
	)
	if err != nil {
		return nil, fmt.Errorf("cart: 查询购物车失败: %w", err)
	}

	items := make([]Item, 0, len(rows))
	for _, row := range rows {
		item, convErr := row.toItem()
		if convErr != nil {
			return nil, convErr
		}
		items = append(items, item)
	}
	return items, nil
}

// Save 以整体覆盖的方式写入购物车。
func (s *SQLStore) Save(ctx context.Context, buyer common.Address, items []Item) error {
	return s.store.InTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM cart_items WHERE buyer = ?`, buyer.Hex()); err != nil {
			return fmt.Errorf("cart: 清理旧条目失败: %w", err)
		}
		for i, item := range items {
			row := fromItem(buyer, i, item)
			_, err := tx.NamedExecContext(ctx,
				`INSERT INTO cart_items (buyer, position, item_id, kind, chain_id, target, pay_with, spend, exchange, order_hash, recorded_price, added_at)
				 VALUES (:buyer, :position, :item_id, :kind, :chain_id, :target, :pay_with, :spend, :exchange, :order_hash, :recorded_price, :added_at)`,
				row,
			)
			if err != nil {
				return fmt.Errorf("cart: 写入条目 %s 失败: %w", item.ID, err)
			}
		}
		return nil
	})
}

// Clear 删除买家全部条目。
func (s *SQLStore) Clear(ctx context.Context, buyer common.Address) error {
	if _, err := s.store.DB().ExecContext(ctx, `DELETE FROM cart_items WHERE buyer = ?`, buyer.Hex()); err != nil {
		return fmt.Errorf("cart: 清空购物车失败: %w", err)
	}
	return nil
}

func fromItem(buyer common.Address, position int, item Item) itemRow {
	row := itemRow{
		Buyer:    buyer.Hex(),
		Position: position,
		ItemID:   item.ID,
		Kind:     string(item.Kind),
		ChainID:  int64(item.Target.ChainID),
		Target:   item.Target.Address.Hex(),
		PayWith:  item.PayWith.Hex(),
		Spend:    item.Spend.String(),
		AddedAt:  item.AddedAt.UTC().Format(time.RFC3339Nano),
	}
	if item.Order != nil {
		row.Exchange = sql.NullString{String: item.Order.Exchange.Hex(), Valid: true}
		row.OrderHash = sql.NullString{String: item.Order.OrderHash.Hex(), Valid: true}
	}
	if item.RecordedPrice != nil {
		row.RecordedPrice = sql.NullString{String: item.RecordedPrice.String(), Valid: true}
	}
	return row
}

func (r itemRow) toItem() (Item, error) {
	spend, err := decimal.NewFromString(r.Spend)
	if err != nil {
		return Item{}, fmt.Errorf("cart: 解析条目 %s 金额失败: %w", r.ItemID, err)
	}
	addedAt, err := time.Parse(time.RFC3339Nano, r.AddedAt)
	if err != nil {
		addedAt = time.Time{}
	}

	item := Item{
		ID:   r.ItemID,
		Kind: Kind(r.Kind),
		Target: Asset{
			ChainID: uint64(r.ChainID),
			Address: common.HexToAddress(r.Target),
		},
		PayWith: common.HexToAddress(r.PayWith),
		Spend:   spend,
		AddedAt: addedAt,
	}
	if r.Exchange.Valid && r.OrderHash.Valid {
		item.Order = &OrderRef{
			Exchange:  common.HexToAddress(r.Exchange.String),
			OrderHash: common.HexToHash(r.OrderHash.String),
		}
	}
	if r.RecordedPrice.Valid {
		price, priceErr := decimal.NewFromString(r.RecordedPrice.String)
		if priceErr != nil {
			return Item{}, fmt.Errorf("cart: 解析条目 %s 记录价格失败: %w", r.ItemID, priceErr)
		}
		item.RecordedPrice = &price
	}
	return item, nil
}
