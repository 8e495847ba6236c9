package model

import "encoding/json"

// Session はCASログインセッションの永続化レコードを表す。
// StudentIDがnil（未紐付け）の間は検証コード取得直後の一時セッション。
// BindUserで学籍番号が紐付くと本セッションに昇格する。
type Session struct {
	Token       string          // セッショントークン（UUID v4形式、主キー）
	StudentID   *string         // 紐付けられた学籍番号。未ログイン時はnil
	CookieState json.RawMessage // シリアライズ済みCookie Jar。空の場合はnil
	PortalToken *string         // チケットから抽出したポータル側IDトークン
	Execution   *string         // CASログインフォームのワンタイム実行トークン。ログイン完了で破棄
	DeviceInfo  string          // User-AgentとクライアントIPの記録（予備）
	CreatedAt   int64           // 作成時刻（unixミリ秒）
	UpdatedAt   int64           // 最終更新時刻（unixミリ秒）
}

// Bound はセッションが学籍番号に紐付いているかを返す。
func (s *Session) Bound() bool {
	return s != nil && s.StudentID != nil && *s.StudentID != ""
}

// CacheEntry は(学籍番号, 種別)をキーとするキャッシュレコードを表す。
type CacheEntry struct {
	StudentID    string
	ArtifactType string
	Payload      json.RawMessage // シリアライズ済みの構造化データ
	UpdatedAt    int64           // 書き込み時刻（unixミリ秒）
}

// Student は認証済み学籍番号ごとの登録簿レコードを表す。
// セッションのbind/touchのたびに日和見的に更新される二次データで、
// セッションやキャッシュの正しさには関与しない。
type Student struct {
	StudentID    string
	Name         string
	ClassName    string
	LastActiveAt int64
	CreatedAt    int64
}
