package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/koopa0/url-shortener/internal/shortener"
)

// uniqueViolation PostgreSQL 錯誤碼 23505
const uniqueViolation = "23505"

// maxDeriveAttempts 衍生短碼與自定義短碼撞上時的重試上限
const maxDeriveAttempts = 5

// Postgres PostgreSQL 存儲實現
//
// 表結構見 internal/migrations：
//   - id：BIGSERIAL（sequence 策略）或 Snowflake ID（snowflake 策略）
//   - short_code：UNIQUE，衝突由資料庫裁決
//   - click_count：只透過 click_count = click_count + 1 原子更新
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres 創建 PostgreSQL 存儲（連接池由調用方管理）
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Insert 寫入短碼已確定的記錄
//
// link.ID 為 0 時使用 BIGSERIAL 生成並回填。
func (p *Postgres) Insert(ctx context.Context, link *shortener.Link) error {
	var err error
	if link.ID == 0 {
		var id int64
		err = p.pool.QueryRow(ctx, `
			INSERT INTO urls (short_code, original_url, created_at, expiry_date)
			VALUES ($1, $2, $3, $4)
			RETURNING id`,
			link.ShortCode, link.OriginalURL, link.CreatedAt, link.ExpiresAt,
		).Scan(&id)
		if err == nil {
			link.ID = uint64(id)
		}
	} else {
		_, err = p.pool.Exec(ctx, `
			INSERT INTO urls (id, short_code, original_url, created_at, expiry_date)
			VALUES ($1, $2, $3, $4, $5)`,
			int64(link.ID), link.ShortCode, link.OriginalURL, link.CreatedAt, link.ExpiresAt,
		)
	}

	if err != nil {
		if isUniqueViolation(err) {
			return shortener.ErrAliasConflict
		}
		return fmt.Errorf("insert url: %w", err)
	}
	return nil
}

// InsertDerived 兩階段寫入（同一事務）
//
//  1. INSERT ... RETURNING id（short_code 暫為 NULL）
//  2. UPDATE short_code = derive(id)
//
// 第 2 步在 savepoint 中執行：衍生出的短碼若已被自定義短碼佔用，
// 只回滾到 savepoint，刪掉這一行再用新的 id 重試。
func (p *Postgres) InsertDerived(ctx context.Context, link *shortener.Link, derive func(id uint64) string) error {
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		for attempt := 0; attempt < maxDeriveAttempts; attempt++ {
			var id int64
			err := tx.QueryRow(ctx, `
				INSERT INTO urls (original_url, created_at, expiry_date)
				VALUES ($1, $2, $3)
				RETURNING id`,
				link.OriginalURL, link.CreatedAt, link.ExpiresAt,
			).Scan(&id)
			if err != nil {
				return fmt.Errorf("insert url: %w", err)
			}

			code := derive(uint64(id))
			err = pgx.BeginFunc(ctx, tx, func(sp pgx.Tx) error {
				_, err := sp.Exec(ctx, `UPDATE urls SET short_code = $1 WHERE id = $2`, code, id)
				return err
			})
			if err == nil {
				link.ID = uint64(id)
				link.ShortCode = code
				return nil
			}
			if !isUniqueViolation(err) {
				return fmt.Errorf("assign short code: %w", err)
			}

			if _, err := tx.Exec(ctx, `DELETE FROM urls WHERE id = $1`, id); err != nil {
				return fmt.Errorf("discard colliding row: %w", err)
			}
		}
		return fmt.Errorf("derive short code: %d attempts collided", maxDeriveAttempts)
	})
}

// FindByCode 按短碼查詢（過期判斷在業務層）
func (p *Postgres) FindByCode(ctx context.Context, code string) (*shortener.Link, error) {
	var (
		link       shortener.Link
		id, clicks int64
	)

	err := p.pool.QueryRow(ctx, `
		SELECT id, short_code, original_url, click_count, created_at, expiry_date
		FROM urls
		WHERE short_code = $1`, code,
	).Scan(&id, &link.ShortCode, &link.OriginalURL, &clicks, &link.CreatedAt, &link.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shortener.ErrNotFound
		}
		return nil, fmt.Errorf("query url: %w", err)
	}

	link.ID = uint64(id)
	link.ClickCount = uint64(clicks)
	return &link, nil
}

// ExistsByCode 短碼是否已被使用
func (p *Postgres) ExistsByCode(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM urls WHERE short_code = $1)`, code,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check short code: %w", err)
	}
	return exists, nil
}

// IncrementClickCount 原子遞增點擊數
func (p *Postgres) IncrementClickCount(ctx context.Context, id uint64) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE urls SET click_count = click_count + 1 WHERE id = $1`, int64(id))
	if err != nil {
		return fmt.Errorf("increment click count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shortener.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
