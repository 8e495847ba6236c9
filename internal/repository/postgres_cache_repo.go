package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hitoshi/campusgate/internal/model"
)

// PostgresCacheRepo はPostgreSQLを使用した取得データキャッシュ。
type PostgresCacheRepo struct {
	db *sql.DB
}

// NewPostgresCacheRepo はPostgresCacheRepoを生成する。
func NewPostgresCacheRepo(db *sql.DB) *PostgresCacheRepo {
	return &PostgresCacheRepo{db: db}
}

// Stale はキャッシュ行が期限切れかを判定する純粋関数。
// ttl<=0は「期限なし」を意味し、常にfalseを返す。
func Stale(updatedAtMillis int64, ttl time.Duration, now time.Time) bool {
	if ttl <= 0 {
		return false
	}
	age := now.UnixMilli() - updatedAtMillis
	return age > ttl.Milliseconds()
}

// Set はキャッシュを書き込む。同一キーの既存行は置き換える。
func (r *PostgresCacheRepo) Set(ctx context.Context, studentID string, artifactType model.ArtifactType, payload json.RawMessage) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO data_cache (student_id, artifact_type, payload, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (student_id, artifact_type) DO UPDATE SET
		     payload = EXCLUDED.payload,
		     updated_at = EXCLUDED.updated_at`,
		studentID, string(artifactType), string(payload), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to set cache: %w", err)
	}
	return nil
}

// Get はキャッシュを読み出す。未存在・期限切れ・壊れたペイロードはnilを返す。
func (r *PostgresCacheRepo) Get(ctx context.Context, studentID string, artifactType model.ArtifactType, ttl time.Duration) (json.RawMessage, error) {
	var payload string
	var updatedAt int64
	err := r.db.QueryRowContext(ctx,
		`SELECT payload, updated_at FROM data_cache
		 WHERE student_id = $1 AND artifact_type = $2`,
		studentID, string(artifactType),
	).Scan(&payload, &updatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cache: %w", err)
	}

	if Stale(updatedAt, ttl, time.Now()) {
		return nil, nil
	}

	// 壊れたペイロードはミス扱い
	if !json.Valid([]byte(payload)) {
		return nil, nil
	}

	return json.RawMessage(payload), nil
}

// Delete はキャッシュを削除する。artifactTypeが空文字なら全種別を削除する。
func (r *PostgresCacheRepo) Delete(ctx context.Context, studentID string, artifactType model.ArtifactType) error {
	var err error
	if artifactType == "" {
		_, err = r.db.ExecContext(ctx,
			`DELETE FROM data_cache WHERE student_id = $1`,
			studentID,
		)
	} else {
		_, err = r.db.ExecContext(ctx,
			`DELETE FROM data_cache WHERE student_id = $1 AND artifact_type = $2`,
			studentID, string(artifactType),
		)
	}
	if err != nil {
		return fmt.Errorf("failed to delete cache: %w", err)
	}
	return nil
}

// compile-time interface check
var _ CacheRepository = (*PostgresCacheRepo)(nil)
