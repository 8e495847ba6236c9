// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hitoshi/campusgate/internal/model"
)

// SessionRepository はログインセッションの永続化インターフェース。
type SessionRepository interface {
	// CreateTemp は検証コード取得時の一時セッションを作成する。
	// 同一トークンが既にあれば丸ごと置き換える。
	CreateTemp(ctx context.Context, token string, cookieState json.RawMessage, execution, deviceInfo string) error

	// BindUser はログイン成功時にセッションへ学籍番号を紐付ける。
	// 先に学生登録簿の行を確保し、その後セッションを再読込する。
	// セッションが存在しない場合はfalseを返し、新規作成はしない。
	// Cookie状態とポータルトークンは丸ごと置き換え、executionは破棄する。
	BindUser(ctx context.Context, token, studentID string, cookieState json.RawMessage, portalToken string) (bool, error)

	// FindByToken は指定トークンのセッションを取得する。見つからない場合はnilを返す。
	// cookie_stateが空または'{}'の場合はCookieStateをnilにして返す。
	FindByToken(ctx context.Context, token string) (*model.Session, error)

	// DeleteByToken は指定トークンのセッションを削除する。冪等。
	DeleteByToken(ctx context.Context, token string) error

	// Touch はセッションの最終更新時刻を現在時刻に進める。
	// studentIDが空でなければ学生登録簿のlast_active_atも更新する。
	Touch(ctx context.Context, token, studentID string) error
}

// CacheRepository は(学籍番号, 種別)キーの取得データキャッシュ。
type CacheRepository interface {
	// Set はキャッシュを書き込む。キーごとに高々1行（upsert）。
	Set(ctx context.Context, studentID string, artifactType model.ArtifactType, payload json.RawMessage) error

	// Get はキャッシュを読み出す。ttl<=0なら鮮度を確認しない。
	// 期限切れ・未存在・壊れたペイロードはいずれもnilを返す（エラーではない）。
	Get(ctx context.Context, studentID string, artifactType model.ArtifactType, ttl time.Duration) (json.RawMessage, error)

	// Delete はキャッシュを削除する。artifactTypeが空なら全種別を削除する。
	Delete(ctx context.Context, studentID string, artifactType model.ArtifactType) error
}

// StudentRepository は認証済み学籍番号の登録簿。
// セッション/キャッシュの正しさには関与しない二次データを扱う。
type StudentRepository interface {
	// SaveProfile は氏名・クラスを登録簿に反映する。
	SaveProfile(ctx context.Context, studentID, name, className string) error

	// Touch はlast_active_atのみを更新する。
	Touch(ctx context.Context, studentID string) error

	// FindByID は指定学籍番号の行を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, studentID string) (*model.Student, error)
}
