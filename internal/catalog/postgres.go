package catalog

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/tccmarket/api/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const migrationsDir = "migrations"

// PostgresStore keeps product images in Postgres. The product row is locked
// with SELECT ... FOR UPDATE for the duration of each attachment.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	const op = "catalog.NewPostgresStore"

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Pool exposes the connection pool to other readers of the same database
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Migrate applies the embedded schema migrations
func (s *PostgresStore) Migrate(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()
	return Migrate(ctx, db)
}

// Migrate applies the embedded schema migrations to db
func Migrate(ctx context.Context, db *sql.DB) error {
	const op = "catalog.Migrate"

	goose.SetBaseFS(migrationsFS)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := goose.UpContext(ctx, db, migrationsDir); err != nil {
		if errors.Is(err, goose.ErrNoNextVersion) {
			log.Println("[Catalog] No migrations to apply")
			return nil
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	log.Println("[Catalog] Migrations applied")
	return nil
}

func (s *PostgresStore) WithProductLock(ctx context.Context, productID int64, fn func(tx Tx) error) error {
	const op = "catalog.WithProductLock"

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("%s: begin: %w", op, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var id int64
	err = tx.QueryRow(ctx, `SELECT id FROM products WHERE id = $1 FOR UPDATE`, productID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrProductNotFound
	}
	if err != nil {
		return fmt.Errorf("%s: lock product: %w", op, err)
	}

	if err := fn(&pgTx{tx: tx, productID: productID}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%s: commit: %w", op, err)
	}
	return nil
}

func (s *PostgresStore) ReferencedKeys(ctx context.Context, keys []string) (map[string]bool, error) {
	const op = "catalog.ReferencedKeys"

	found := make(map[string]bool)
	if len(keys) == 0 {
		return found, nil
	}

	rows, err := s.pool.Query(ctx, `SELECT DISTINCT image_path FROM product_images WHERE image_path = ANY($1)`, keys)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		found[key] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return found, nil
}

type pgTx struct {
	tx        pgx.Tx
	productID int64
}

func (t *pgTx) ImageByKey(ctx context.Context, key string) (*model.ProductImage, error) {
	var (
		img   model.ProductImage
		order int64
	)
	err := t.tx.QueryRow(ctx, `
		SELECT id, product_id, image_path, sort_order, is_primary, created_at
		FROM product_images WHERE image_path = $1
		ORDER BY id LIMIT 1`, key,
	).Scan(&img.ID, &img.ProductID, &img.StorageKey, &order, &img.IsPrimary, &img.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	img.SortOrder = uint(order)
	return &img, nil
}

func (t *pgTx) MaxSortOrder(ctx context.Context) (uint, bool, error) {
	var max *int64
	err := t.tx.QueryRow(ctx,
		`SELECT MAX(sort_order) FROM product_images WHERE product_id = $1`, t.productID).Scan(&max)
	if err != nil {
		return 0, false, err
	}
	if max == nil {
		return 0, false, nil
	}
	return uint(*max), true, nil
}

func (t *pgTx) HasPrimaryImage(ctx context.Context) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM product_images WHERE product_id = $1 AND is_primary)`, t.productID).Scan(&exists)
	return exists, err
}

func (t *pgTx) InsertImage(ctx context.Context, img *model.ProductImage) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO product_images (product_id, image_path, sort_order, is_primary, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		RETURNING id`,
		t.productID, img.StorageKey, int64(img.SortOrder), img.IsPrimary, img.CreatedAt,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch {
			case pgErr.Code == "23503":
				return 0, ErrProductNotFound
			case pgErr.Code == "23505" && pgErr.ConstraintName == "uq_product_images_image_path":
				return 0, ErrKeyAttached
			}
		}
		return 0, fmt.Errorf("insert product image: %w", err)
	}
	return id, nil
}
