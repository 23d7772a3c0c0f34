package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/agendamail/internal/model"
)

// PostgresCredentialRepo はPostgreSQLを使用したクレデンシャルリポジトリ。
// シークレット列は暗号化済みバイト列のみを保持する。
type PostgresCredentialRepo struct {
	db *sql.DB
}

// NewPostgresCredentialRepo はPostgresCredentialRepoを生成する。
func NewPostgresCredentialRepo(db *sql.DB) *PostgresCredentialRepo {
	return &PostgresCredentialRepo{db: db}
}

// FindByUserID は指定ユーザーのクレデンシャルを取得する。見つからない場合はnilを返す。
func (r *PostgresCredentialRepo) FindByUserID(ctx context.Context, userID string) (*model.Credential, error) {
	cred := &model.Credential{}
	var refreshSecret []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT user_id, access_secret, refresh_secret, expires_at, last_refreshed_at, invalid, updated_at
		 FROM credentials WHERE user_id = $1`,
		userID,
	).Scan(&cred.UserID, &cred.AccessSecret, &refreshSecret, &cred.ExpiresAt, &cred.LastRefreshedAt, &cred.Invalid, &cred.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find credential: %w", err)
	}

	cred.RefreshSecret = refreshSecret
	return cred, nil
}

// Upsert はクレデンシャルをアトミックに作成または更新する。
// ON CONFLICTで1文に収めることで、アクセスシークレットと有効期限が
// 別トランザクションで食い違う状態を作らない。更新時はinvalidフラグも解除する。
func (r *PostgresCredentialRepo) Upsert(ctx context.Context, cred *model.Credential) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO credentials (user_id, access_secret, refresh_secret, expires_at, last_refreshed_at, invalid, updated_at)
		 VALUES ($1, $2, $3, $4, $5, FALSE, now())
		 ON CONFLICT (user_id) DO UPDATE SET
		   access_secret = EXCLUDED.access_secret,
		   refresh_secret = COALESCE(EXCLUDED.refresh_secret, credentials.refresh_secret),
		   expires_at = EXCLUDED.expires_at,
		   last_refreshed_at = EXCLUDED.last_refreshed_at,
		   invalid = FALSE,
		   updated_at = now()`,
		cred.UserID, cred.AccessSecret, nullableBytes(cred.RefreshSecret), cred.ExpiresAt, cred.LastRefreshedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert credential: %w", err)
	}
	return nil
}

// MarkInvalid はクレデンシャルを無効状態にする。レコードは削除しない。
func (r *PostgresCredentialRepo) MarkInvalid(ctx context.Context, userID string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE credentials SET invalid = TRUE, updated_at = now() WHERE user_id = $1`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark credential invalid: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("credential not found: %s", userID)
	}
	return nil
}

// nullableBytes は空のバイト列をNULLとして書き込むための変換。
// リフレッシュシークレットは再ログイン以外では返却されない場合がある。
func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

// compile-time interface check
var _ CredentialRepository = (*PostgresCredentialRepo)(nil)
