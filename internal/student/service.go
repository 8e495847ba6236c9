// Package student は学生データ取得のドメインロジックを提供する。
// ログインフローの調停と、キャッシュ・上流取得・解析を束ねる
// 取得オーケストレーションを担う。
package student

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/campusgate/internal/cas"
	"github.com/hitoshi/campusgate/internal/model"
	"github.com/hitoshi/campusgate/internal/netsession"
	"github.com/hitoshi/campusgate/internal/parser"
	"github.com/hitoshi/campusgate/internal/portal"
	"github.com/hitoshi/campusgate/internal/repository"
	"github.com/hitoshi/campusgate/internal/security"
)

// Metrics は取得・ログインの観測インターフェース。
type Metrics interface {
	ObserveLogin(outcome string)
	ObserveFetch(artifactType, source string)
	ObserveFetchFailure(artifactType string)
	ObserveSessionEviction()
}

// noopMetrics は観測なしのデフォルト実装。
type noopMetrics struct{}

func (noopMetrics) ObserveLogin(string)         {}
func (noopMetrics) ObserveFetch(string, string) {}
func (noopMetrics) ObserveFetchFailure(string)  {}
func (noopMetrics) ObserveSessionEviction()     {}

// TTLs は種別ごとのキャッシュ有効期間。
type TTLs struct {
	Schedule time.Duration
	Grades   time.Duration
	Profile  time.Duration
}

// Service は学生データ取得のサービス層。
// セッションはリクエストごとにストアから復元する。プロセス内に
// ログイン状態を保持しないため、水平分割しても動作する。
type Service struct {
	sessions  repository.SessionRepository
	cache     repository.CacheRepository
	students  repository.StudentRepository
	client    *http.Client
	casEps    cas.Endpoints
	portalEps portal.Endpoints
	ttls      TTLs
	metrics   Metrics
}

// NewService はServiceの新しいインスタンスを生成する。
// metricsがnilの場合は観測なしで動作する。
func NewService(
	sessions repository.SessionRepository,
	cache repository.CacheRepository,
	students repository.StudentRepository,
	client *http.Client,
	casEps cas.Endpoints,
	portalEps portal.Endpoints,
	ttls TTLs,
	metrics Metrics,
) *Service {
	if client == nil {
		client = netsession.NewHTTPClient(15 * time.Second)
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Service{
		sessions:  sessions,
		cache:     cache,
		students:  students,
		client:    client,
		casEps:    casEps,
		portalEps: portalEps,
		ttls:      ttls,
		metrics:   metrics,
	}
}

// LoginStart は検証コード取得の結果。
type LoginStart struct {
	Token   string // 新規セッショントークン
	Captcha []byte // 検証コード画像
}

// LoginResult はログイン試行の結果。
type LoginResult struct {
	Status cas.Status
}

// BeginLogin は新しい一時セッションを作成し検証コードを取得する。
// executionトークンと取得時のCookieを永続化し、後続のSubmitLoginが
// 別プロセスでも同じセッションを復元できるようにする。
func (s *Service) BeginLogin(ctx context.Context, deviceInfo string) (*LoginStart, error) {
	token := uuid.NewString()
	session := netsession.New(nil, s.client)
	flow := cas.NewFlow(session, s.casEps, nil)

	execution, err := flow.FetchExecution(ctx)
	if err != nil {
		return nil, fmt.Errorf("ログインページの取得に失敗しました: %w", err)
	}

	img, err := flow.FetchCaptcha(ctx)
	if err != nil {
		return nil, fmt.Errorf("検証コードの取得に失敗しました: %w", err)
	}

	if err := s.sessions.CreateTemp(ctx, token, session.ExportState(), execution, deviceInfo); err != nil {
		return nil, fmt.Errorf("一時セッションの保存に失敗しました: %w", err)
	}

	slog.Info("検証コードセッションを作成しました",
		slog.String("token", security.MaskToken(token)),
	)
	return &LoginStart{Token: token, Captcha: img}, nil
}

// SubmitLogin は資格情報を送信し、成功時はセッションを学籍番号へ紐付ける。
//
// 紐付け時点でセッション行が消えていた場合（掃除ワーカーとの競合）は
// そのログイン試行の回復不能エラーとして扱う。自動では再試行しない。
func (s *Service) SubmitLogin(ctx context.Context, token, username, password, captcha string) (*LoginResult, error) {
	sess, err := s.sessions.FindByToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("セッションの取得に失敗しました: %w", err)
	}
	if sess == nil {
		return nil, model.NewInvalidTokenError()
	}

	execution := ""
	if sess.Execution != nil {
		execution = *sess.Execution
	}

	netSess := netsession.New(sess.CookieState, s.client)
	flow := cas.NewFlow(netSess, s.casEps, nil)

	result, err := flow.Login(ctx, username, password, captcha, execution)
	if err != nil {
		s.metrics.ObserveLogin("error")
		return nil, fmt.Errorf("ログイン処理に失敗しました: %w", err)
	}

	s.metrics.ObserveLogin(string(result.Status))
	if result.Status != cas.StatusSuccess {
		slog.Warn("ログインが成立しなかった",
			slog.String("username", security.MaskStudentID(username)),
			slog.String("status", string(result.Status)),
		)
		return &LoginResult{Status: result.Status}, nil
	}

	bound, err := s.sessions.BindUser(ctx, token, username, netSess.ExportState(), result.PortalToken)
	if err != nil {
		return nil, fmt.Errorf("セッションの紐付けに失敗しました: %w", err)
	}
	if !bound {
		return nil, fmt.Errorf("ログイン中にセッションが失われました: %w", model.ErrSessionExpired)
	}

	slog.Info("ログイン成功",
		slog.String("student_id", security.MaskStudentID(username)),
	)
	return &LoginResult{Status: cas.StatusSuccess}, nil
}

// Logout はセッションを削除する。冪等。
func (s *Service) Logout(ctx context.Context, token string) error {
	if err := s.sessions.DeleteByToken(ctx, token); err != nil {
		return fmt.Errorf("セッションの削除に失敗しました: %w", err)
	}
	slog.Info("ログアウトしました", slog.String("token", security.MaskToken(token)))
	return nil
}

// fetchParseFn は上流取得と解析を行う。解析不能時は(nil, nil)を返す。
type fetchParseFn func(ctx context.Context, client *portal.Client, sess *model.Session) (any, error)

// fetchArtifact は取得オーケストレーションの本体。
//
// 手順: セッション解決 → キャッシュ照会（forceRefreshでなくttl>0の
// 場合のみ）→ 上流取得+解析 → キャッシュ書き込み。取得・解析中の
// セッション失効はセッション行を削除した上でそのまま伝播する。
// 同一キーの並行取得は直列化しない（重複取得は許容する）。
func (s *Service) fetchArtifact(ctx context.Context, token string, artifactType model.ArtifactType, ttl time.Duration, forceRefresh bool, fn fetchParseFn) (json.RawMessage, model.DataSource, error) {
	sess, err := s.sessions.FindByToken(ctx, token)
	if err != nil {
		return nil, "", fmt.Errorf("セッションの取得に失敗しました: %w", err)
	}
	if !sess.Bound() {
		slog.Warn("未ログインのセッションでデータ要求",
			slog.String("token", security.MaskToken(token)),
		)
		return nil, "", model.ErrNotBound
	}
	studentID := *sess.StudentID

	if !forceRefresh && ttl > 0 {
		cached, err := s.cache.Get(ctx, studentID, artifactType, ttl)
		if err != nil {
			return nil, "", fmt.Errorf("キャッシュの読み出しに失敗しました: %w", err)
		}
		if cached != nil {
			slog.Debug("キャッシュヒット",
				slog.String("type", string(artifactType)),
				slog.String("student_id", security.MaskStudentID(studentID)),
			)
			s.metrics.ObserveFetch(string(artifactType), string(model.SourceCache))
			return cached, model.SourceCache, nil
		}
	}

	slog.Info("上流からデータを取得します",
		slog.String("type", string(artifactType)),
		slog.String("student_id", security.MaskStudentID(studentID)),
	)

	netSess := netsession.New(sess.CookieState, s.client)
	client := portal.NewClient(netSess, s.portalEps, nil)

	data, err := fn(ctx, client, sess)
	if err != nil {
		if errors.Is(err, model.ErrSessionExpired) {
			slog.Warn("上流セッションの失効を検出、セッションを破棄します",
				slog.String("token", security.MaskToken(token)),
				slog.String("type", string(artifactType)),
			)
			if delErr := s.sessions.DeleteByToken(ctx, token); delErr != nil {
				slog.Error("失効セッションの削除に失敗", slog.String("error", delErr.Error()))
			}
			s.metrics.ObserveSessionEviction()
			return nil, "", err
		}
		s.metrics.ObserveFetchFailure(string(artifactType))
		return nil, "", fmt.Errorf("上流からの取得に失敗しました: %w", err)
	}
	if data == nil {
		s.metrics.ObserveFetchFailure(string(artifactType))
		return nil, "", fmt.Errorf("%s: %w", artifactType, model.ErrParseFailure)
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return nil, "", fmt.Errorf("解析結果の直列化に失敗しました: %w", err)
	}

	// キャッシュ書き込みの失敗は取得結果を無駄にしない
	if err := s.cache.Set(ctx, studentID, artifactType, payload); err != nil {
		slog.Error("キャッシュの書き込みに失敗",
			slog.String("type", string(artifactType)),
			slog.String("error", err.Error()),
		)
	}

	s.metrics.ObserveFetch(string(artifactType), string(model.SourceNetwork))
	return payload, model.SourceNetwork, nil
}

// GetSchedule は週間時間割を取得する。
func (s *Service) GetSchedule(ctx context.Context, token string, refresh bool) (json.RawMessage, model.DataSource, error) {
	return s.fetchArtifact(ctx, token, model.ArtifactSchedule, s.ttls.Schedule, refresh,
		func(ctx context.Context, client *portal.Client, _ *model.Session) (any, error) {
			raw, err := client.FetchSchedule(ctx)
			if err != nil {
				return nil, err
			}
			schedule, err := parser.ParseSchedule(raw, nil)
			if err != nil {
				return nil, err
			}
			if schedule == nil {
				return nil, nil
			}
			return schedule, nil
		})
}

// GetGrades は成績一覧を取得する。
func (s *Service) GetGrades(ctx context.Context, token string, refresh bool) (json.RawMessage, model.DataSource, error) {
	return s.fetchArtifact(ctx, token, model.ArtifactGrades, s.ttls.Grades, refresh,
		func(ctx context.Context, client *portal.Client, _ *model.Session) (any, error) {
			raw, err := client.FetchGrades(ctx)
			if err != nil {
				return nil, err
			}
			grades, err := parser.ParseGrades(raw, nil)
			if err != nil {
				return nil, err
			}
			if grades == nil {
				return nil, nil
			}
			return grades, nil
		})
}

// GetECard は一卡通残高を取得する。残高は常に上流から取る（キャッシュなし）。
func (s *Service) GetECard(ctx context.Context, token string) (json.RawMessage, model.DataSource, error) {
	return s.fetchArtifact(ctx, token, model.ArtifactECard, 0, true,
		func(ctx context.Context, client *portal.Client, sess *model.Session) (any, error) {
			if sess.PortalToken == nil || *sess.PortalToken == "" {
				// トークンなしでは成功し得ないため再ログインを促す
				return nil, fmt.Errorf("portal token missing: %w", model.ErrSessionExpired)
			}
			raw, err := client.FetchECard(ctx, *sess.PortalToken)
			if err != nil {
				return nil, err
			}
			ecard, err := parser.ParseECard(raw, nil)
			if err != nil {
				return nil, err
			}
			if ecard == nil {
				return nil, nil
			}
			return ecard, nil
		})
}

// GetProfile は個人情報を取得する。上流から取得できた場合は
// 氏名・クラスを学生登録簿へ日和見的に反映する。
func (s *Service) GetProfile(ctx context.Context, token string, refresh bool) (json.RawMessage, model.DataSource, error) {
	payload, source, err := s.fetchArtifact(ctx, token, model.ArtifactProfile, s.ttls.Profile, refresh,
		func(ctx context.Context, client *portal.Client, sess *model.Session) (any, error) {
			if sess.PortalToken == nil || *sess.PortalToken == "" {
				return nil, fmt.Errorf("portal token missing: %w", model.ErrSessionExpired)
			}
			raw, err := client.FetchProfile(ctx, *sess.PortalToken)
			if err != nil {
				return nil, err
			}
			profile, err := parser.ParseProfile(raw)
			if err != nil {
				return nil, err
			}
			if profile == nil {
				return nil, nil
			}
			return profile, nil
		})
	if err != nil {
		return nil, "", err
	}

	if source == model.SourceNetwork {
		s.mirrorProfile(ctx, token, payload)
	}
	return payload, source, nil
}

// mirrorProfile は解析済み個人情報を学生登録簿へ反映する。
// 登録簿は二次データなので失敗してもレスポンスは成立させる。
func (s *Service) mirrorProfile(ctx context.Context, token string, payload json.RawMessage) {
	sess, err := s.sessions.FindByToken(ctx, token)
	if err != nil || !sess.Bound() {
		return
	}
	var profile model.Profile
	if err := json.Unmarshal(payload, &profile); err != nil {
		return
	}
	if err := s.students.SaveProfile(ctx, *sess.StudentID, profile.Name, profile.ClassName); err != nil {
		slog.Error("学生登録簿の更新に失敗", slog.String("error", err.Error()))
		return
	}
	slog.Info("学生登録簿を更新しました",
		slog.String("student_id", security.MaskStudentID(*sess.StudentID)),
	)
}
