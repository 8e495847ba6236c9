package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/campusgate/internal/model"
	"github.com/hitoshi/campusgate/internal/security"
)

// PostgresSessionRepo はPostgreSQLを使用したセッションリポジトリ。
type PostgresSessionRepo struct {
	db *sql.DB
}

// NewPostgresSessionRepo はPostgresSessionRepoを生成する。
func NewPostgresSessionRepo(db *sql.DB) *PostgresSessionRepo {
	return &PostgresSessionRepo{db: db}
}

// nowMillis は現在時刻をunixミリ秒で返す。
func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// CreateTemp は一時セッションを作成する。学籍番号は未紐付けのまま。
func (r *PostgresSessionRepo) CreateTemp(ctx context.Context, token string, cookieState json.RawMessage, execution, deviceInfo string) error {
	now := nowMillis()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sessions (token, student_id, cookie_state, portal_token, execution, device_info, created_at, updated_at)
		 VALUES ($1, NULL, $2, NULL, $3, $4, $5, $5)
		 ON CONFLICT (token) DO UPDATE SET
		     student_id = NULL,
		     cookie_state = EXCLUDED.cookie_state,
		     portal_token = NULL,
		     execution = EXCLUDED.execution,
		     device_info = EXCLUDED.device_info,
		     updated_at = EXCLUDED.updated_at`,
		token, string(cookieState), execution, deviceInfo, now,
	)
	if err != nil {
		return fmt.Errorf("failed to create temp session: %w", err)
	}
	return nil
}

// BindUser はセッションへ学籍番号を紐付ける。
// セッションが存在しない場合はfalseを返す。新規行は作らない。
// Cookie状態・ポータルトークンは置き換え、executionは破棄、created_atは保持する。
func (r *PostgresSessionRepo) BindUser(ctx context.Context, token, studentID string, cookieState json.RawMessage, portalToken string) (bool, error) {
	now := nowMillis()

	// 1. 学生登録簿の行を確保する（created_atは既存値を優先）
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO students (student_id, last_active_at, created_at)
		 VALUES ($1, $2, $2)
		 ON CONFLICT (student_id) DO UPDATE SET
		     last_active_at = EXCLUDED.last_active_at`,
		studentID, now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to upsert student: %w", err)
	}

	// 2. セッションを再読込して存在を確認する
	current, err := r.FindByToken(ctx, token)
	if err != nil {
		return false, err
	}
	if current == nil {
		slog.Warn("ログイン紐付け失敗: セッションが存在しない",
			slog.String("token", security.MaskToken(token)),
			slog.String("student_id", security.MaskStudentID(studentID)),
		)
		return false, nil
	}

	// 3. 丸ごと置き換え。マージはしない。
	_, err = r.db.ExecContext(ctx,
		`UPDATE sessions SET
		     student_id = $2,
		     cookie_state = $3,
		     portal_token = $4,
		     execution = NULL,
		     updated_at = $5
		 WHERE token = $1`,
		token, studentID, string(cookieState), portalToken, now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to bind session: %w", err)
	}
	return true, nil
}

// FindByToken は指定トークンのセッションを取得する。見つからない場合はnilを返す。
func (r *PostgresSessionRepo) FindByToken(ctx context.Context, token string) (*model.Session, error) {
	s := &model.Session{}
	var cookieState string
	err := r.db.QueryRowContext(ctx,
		`SELECT token, student_id, cookie_state, portal_token, execution, device_info, created_at, updated_at
		 FROM sessions
		 WHERE token = $1`,
		token,
	).Scan(&s.Token, &s.StudentID, &cookieState, &s.PortalToken, &s.Execution, &s.DeviceInfo, &s.CreatedAt, &s.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}

	s.CookieState = normalizeCookieState(cookieState)
	return s, nil
}

// normalizeCookieState は空または空オブジェクトのcookie_stateをnilに正規化する。
// 空文字を後段でJSONパースして落ちることを防ぐ。
func normalizeCookieState(raw string) json.RawMessage {
	if raw == "" || raw == "{}" {
		return nil
	}
	if !json.Valid([]byte(raw)) {
		return nil
	}
	return json.RawMessage(raw)
}

// DeleteByToken は指定トークンのセッションを削除する。冪等。
func (r *PostgresSessionRepo) DeleteByToken(ctx context.Context, token string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE token = $1`,
		token,
	)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// Touch はセッションと（紐付け済みなら）学生登録簿の活性時刻を更新する。
func (r *PostgresSessionRepo) Touch(ctx context.Context, token, studentID string) error {
	now := nowMillis()
	_, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET updated_at = $2 WHERE token = $1`,
		token, now,
	)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}

	if studentID != "" {
		_, err = r.db.ExecContext(ctx,
			`UPDATE students SET last_active_at = $2 WHERE student_id = $1`,
			studentID, now,
		)
		if err != nil {
			return fmt.Errorf("failed to touch student: %w", err)
		}
	}
	return nil
}

// compile-time interface check
var _ SessionRepository = (*PostgresSessionRepo)(nil)
