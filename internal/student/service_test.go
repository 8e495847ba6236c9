package student

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/campusgate/internal/cas"
	"github.com/hitoshi/campusgate/internal/model"
	"github.com/hitoshi/campusgate/internal/netsession"
	"github.com/hitoshi/campusgate/internal/portal"
	"github.com/hitoshi/campusgate/internal/security"
)

// --- モック ---

type mockSessionRepo struct {
	createTempFn    func(ctx context.Context, token string, cookieState json.RawMessage, execution, deviceInfo string) error
	bindUserFn      func(ctx context.Context, token, studentID string, cookieState json.RawMessage, portalToken string) (bool, error)
	findByTokenFn   func(ctx context.Context, token string) (*model.Session, error)
	deleteByTokenFn func(ctx context.Context, token string) error
}

func (m *mockSessionRepo) CreateTemp(ctx context.Context, token string, cookieState json.RawMessage, execution, deviceInfo string) error {
	if m.createTempFn != nil {
		return m.createTempFn(ctx, token, cookieState, execution, deviceInfo)
	}
	return nil
}
func (m *mockSessionRepo) BindUser(ctx context.Context, token, studentID string, cookieState json.RawMessage, portalToken string) (bool, error) {
	if m.bindUserFn != nil {
		return m.bindUserFn(ctx, token, studentID, cookieState, portalToken)
	}
	return true, nil
}
func (m *mockSessionRepo) FindByToken(ctx context.Context, token string) (*model.Session, error) {
	if m.findByTokenFn != nil {
		return m.findByTokenFn(ctx, token)
	}
	return nil, nil
}
func (m *mockSessionRepo) DeleteByToken(ctx context.Context, token string) error {
	if m.deleteByTokenFn != nil {
		return m.deleteByTokenFn(ctx, token)
	}
	return nil
}
func (m *mockSessionRepo) Touch(ctx context.Context, token, studentID string) error {
	return nil
}

type mockCacheRepo struct {
	getFn    func(ctx context.Context, studentID string, artifactType model.ArtifactType, ttl time.Duration) (json.RawMessage, error)
	setFn    func(ctx context.Context, studentID string, artifactType model.ArtifactType, payload json.RawMessage) error
	deleteFn func(ctx context.Context, studentID string, artifactType model.ArtifactType) error
}

func (m *mockCacheRepo) Set(ctx context.Context, studentID string, artifactType model.ArtifactType, payload json.RawMessage) error {
	if m.setFn != nil {
		return m.setFn(ctx, studentID, artifactType, payload)
	}
	return nil
}
func (m *mockCacheRepo) Get(ctx context.Context, studentID string, artifactType model.ArtifactType, ttl time.Duration) (json.RawMessage, error) {
	if m.getFn != nil {
		return m.getFn(ctx, studentID, artifactType, ttl)
	}
	return nil, nil
}
func (m *mockCacheRepo) Delete(ctx context.Context, studentID string, artifactType model.ArtifactType) error {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, studentID, artifactType)
	}
	return nil
}

type mockStudentRepo struct {
	saveProfileFn func(ctx context.Context, studentID, name, className string) error
}

func (m *mockStudentRepo) SaveProfile(ctx context.Context, studentID, name, className string) error {
	if m.saveProfileFn != nil {
		return m.saveProfileFn(ctx, studentID, name, className)
	}
	return nil
}
func (m *mockStudentRepo) Touch(ctx context.Context, studentID string) error { return nil }
func (m *mockStudentRepo) FindByID(ctx context.Context, studentID string) (*model.Student, error) {
	return nil, nil
}

// --- ヘルパー ---

func strPtr(s string) *string { return &s }

// boundSession は学籍番号が紐付いたセッションを返す
func boundSession(token string) *model.Session {
	return &model.Session{
		Token:       token,
		StudentID:   strPtr("202401001"),
		PortalToken: strPtr("portal-token-1"),
	}
}

func testEndpoints(serverURL string) portal.Endpoints {
	return portal.Endpoints{
		ECardAPI:     serverURL + "/ecard",
		ProfileAPI:   serverURL + "/profile",
		ScheduleAPI:  serverURL + "/schedule",
		GradesAPI:    serverURL + "/grades",
		PortalHome:   serverURL + "/main.html",
		EduHome:      serverURL + "/edu",
		ScheduleMode: "mode-1",
	}
}

const scheduleFixture = `<html><body>
<script>var li_showWeek = '第15周';</script>
<table class="kb_table"><tbody><tr>
<td>第1节</td><td></td>
<td><div class="kb_content"><p title="课程名称：高等数学<br/>上课地点：教学楼A101<br/>教师：张三<br/>上课时间：1-16周"></p></div></td>
<td></td><td></td><td></td><td></td><td></td>
</tr></tbody></table>
</body></html>`

func newTestService(sessions *mockSessionRepo, cache *mockCacheRepo, students *mockStudentRepo, upstream http.Handler) (*Service, *httptest.Server) {
	server := httptest.NewServer(upstream)
	svc := NewService(
		sessions, cache, students,
		netsession.NewHTTPClient(0),
		cas.Endpoints{},
		testEndpoints(server.URL),
		TTLs{Schedule: time.Hour, Grades: time.Hour, Profile: 720 * time.Hour},
		nil,
	)
	return svc, server
}

// --- テスト ---

func TestService_GetSchedule_NotBound(t *testing.T) {
	tests := []struct {
		name    string
		session *model.Session
	}{
		{"セッションなし", nil},
		{"未紐付けセッション", &model.Session{Token: "t"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sessions := &mockSessionRepo{
				findByTokenFn: func(ctx context.Context, token string) (*model.Session, error) {
					return tt.session, nil
				},
			}
			svc, server := newTestService(sessions, &mockCacheRepo{}, &mockStudentRepo{}, http.NotFoundHandler())
			defer server.Close()

			_, _, err := svc.GetSchedule(context.Background(), "token-1", false)
			if !errors.Is(err, model.ErrNotBound) {
				t.Errorf("error = %v, want ErrNotBound", err)
			}
		})
	}
}

func TestService_GetSchedule_CacheHit(t *testing.T) {
	networkCalled := false
	sessions := &mockSessionRepo{
		findByTokenFn: func(ctx context.Context, token string) (*model.Session, error) {
			return boundSession(token), nil
		},
	}
	cached := json.RawMessage(`{"week":"第14周","courses":[]}`)
	cache := &mockCacheRepo{
		getFn: func(ctx context.Context, studentID string, artifactType model.ArtifactType, ttl time.Duration) (json.RawMessage, error) {
			if ttl != time.Hour {
				t.Errorf("ttl = %v, want 1h", ttl)
			}
			return cached, nil
		},
	}
	svc, server := newTestService(sessions, cache, &mockStudentRepo{}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		networkCalled = true
	}))
	defer server.Close()

	payload, source, err := svc.GetSchedule(context.Background(), "token-1", false)
	if err != nil {
		t.Fatalf("GetSchedule がエラーを返した: %v", err)
	}
	if source != model.SourceCache {
		t.Errorf("source = %q, want %q", source, model.SourceCache)
	}
	if string(payload) != string(cached) {
		t.Errorf("payload = %s, want キャッシュの内容", payload)
	}
	if networkCalled {
		t.Error("キャッシュヒット時に上流へアクセスすべきでない")
	}
}

func TestService_GetSchedule_NetworkFetch(t *testing.T) {
	var cacheWritten json.RawMessage
	sessions := &mockSessionRepo{
		findByTokenFn: func(ctx context.Context, token string) (*model.Session, error) {
			return boundSession(token), nil
		},
	}
	cache := &mockCacheRepo{
		setFn: func(ctx context.Context, studentID string, artifactType model.ArtifactType, payload json.RawMessage) error {
			if studentID != "202401001" || artifactType != model.ArtifactSchedule {
				t.Errorf("cache key = (%s, %s)", studentID, artifactType)
			}
			cacheWritten = payload
			return nil
		},
	}
	svc, server := newTestService(sessions, cache, &mockStudentRepo{}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(scheduleFixture))
	}))
	defer server.Close()

	payload, source, err := svc.GetSchedule(context.Background(), "token-1", false)
	if err != nil {
		t.Fatalf("GetSchedule がエラーを返した: %v", err)
	}
	if source != model.SourceNetwork {
		t.Errorf("source = %q, want %q", source, model.SourceNetwork)
	}

	var schedule model.Schedule
	if err := json.Unmarshal(payload, &schedule); err != nil {
		t.Fatalf("payloadの復元に失敗: %v", err)
	}
	if schedule.Week != "第15周" || len(schedule.Courses) != 1 {
		t.Errorf("schedule = %+v", schedule)
	}
	if cacheWritten == nil {
		t.Error("取得結果がキャッシュに書き込まれていない")
	}
}

func TestService_GetSchedule_RefreshBypassesCache(t *testing.T) {
	cacheRead := false
	sessions := &mockSessionRepo{
		findByTokenFn: func(ctx context.Context, token string) (*model.Session, error) {
			return boundSession(token), nil
		},
	}
	cache := &mockCacheRepo{
		getFn: func(ctx context.Context, studentID string, artifactType model.ArtifactType, ttl time.Duration) (json.RawMessage, error) {
			cacheRead = true
			return json.RawMessage(`{"week":"旧"}`), nil
		},
	}
	svc, server := newTestService(sessions, cache, &mockStudentRepo{}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(scheduleFixture))
	}))
	defer server.Close()

	_, source, err := svc.GetSchedule(context.Background(), "token-1", true)
	if err != nil {
		t.Fatalf("GetSchedule がエラーを返した: %v", err)
	}
	if cacheRead {
		t.Error("refresh指定時はキャッシュを読むべきでない")
	}
	if source != model.SourceNetwork {
		t.Errorf("source = %q, want %q", source, model.SourceNetwork)
	}
}

func TestService_GetSchedule_ExpiredEvictsSession(t *testing.T) {
	deletedToken := ""
	sessions := &mockSessionRepo{
		findByTokenFn: func(ctx context.Context, token string) (*model.Session, error) {
			return boundSession(token), nil
		},
		deleteByTokenFn: func(ctx context.Context, token string) error {
			deletedToken = token
			return nil
		},
	}
	svc, server := newTestService(sessions, &mockCacheRepo{}, &mockStudentRepo{}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 教務システムは失効時も200でログインページを返す
		w.Write([]byte(`<html>用户登录<input name="username"/></html>`))
	}))
	defer server.Close()

	_, _, err := svc.GetSchedule(context.Background(), "token-1", false)
	if !errors.Is(err, model.ErrSessionExpired) {
		t.Fatalf("error = %v, want ErrSessionExpired", err)
	}
	if deletedToken != "token-1" {
		t.Errorf("削除されたトークン = %q, want %q", deletedToken, "token-1")
	}
}

func TestService_GetECard_AlwaysNetwork(t *testing.T) {
	cacheRead := false
	sessions := &mockSessionRepo{
		findByTokenFn: func(ctx context.Context, token string) (*model.Session, error) {
			return boundSession(token), nil
		},
	}
	cache := &mockCacheRepo{
		getFn: func(ctx context.Context, studentID string, artifactType model.ArtifactType, ttl time.Duration) (json.RawMessage, error) {
			cacheRead = true
			return json.RawMessage(`{"balance":1}`), nil
		},
	}
	svc, server := newTestService(sessions, cache, &mockStudentRepo{}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"0","data":{"cardWallet":"52.3","cardStatus":"正常"}}`))
	}))
	defer server.Close()

	payload, source, err := svc.GetECard(context.Background(), "token-1")
	if err != nil {
		t.Fatalf("GetECard がエラーを返した: %v", err)
	}
	if cacheRead {
		t.Error("残高はキャッシュを読むべきでない")
	}
	if source != model.SourceNetwork {
		t.Errorf("source = %q, want %q", source, model.SourceNetwork)
	}

	var ecard model.ECard
	if err := json.Unmarshal(payload, &ecard); err != nil {
		t.Fatalf("payloadの復元に失敗: %v", err)
	}
	if ecard.Balance != 52.3 {
		t.Errorf("Balance = %v, want 52.3", ecard.Balance)
	}
}

func TestService_GetECard_MissingPortalToken(t *testing.T) {
	sessions := &mockSessionRepo{
		findByTokenFn: func(ctx context.Context, token string) (*model.Session, error) {
			sess := boundSession(token)
			sess.PortalToken = nil
			return sess, nil
		},
	}
	svc, server := newTestService(sessions, &mockCacheRepo{}, &mockStudentRepo{}, http.NotFoundHandler())
	defer server.Close()

	_, _, err := svc.GetECard(context.Background(), "token-1")
	if !errors.Is(err, model.ErrSessionExpired) {
		t.Errorf("error = %v, want ErrSessionExpired", err)
	}
}

func TestService_GetGrades_ParseFailure(t *testing.T) {
	sessions := &mockSessionRepo{
		findByTokenFn: func(ctx context.Context, token string) (*model.Session, error) {
			return boundSession(token), nil
		},
	}
	svc, server := newTestService(sessions, &mockCacheRepo{}, &mockStudentRepo{}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 行も集計もないページは失効として扱われる
		w.Write([]byte(`<html><body>维护中</body></html>`))
	}))
	defer server.Close()

	_, _, err := svc.GetGrades(context.Background(), "token-1", false)
	if !errors.Is(err, model.ErrSessionExpired) {
		t.Errorf("error = %v, want ErrSessionExpired", err)
	}
}

func TestService_GetProfile_MirrorsRegistry(t *testing.T) {
	savedName := ""
	savedClass := ""
	sessions := &mockSessionRepo{
		findByTokenFn: func(ctx context.Context, token string) (*model.Session, error) {
			return boundSession(token), nil
		},
	}
	students := &mockStudentRepo{
		saveProfileFn: func(ctx context.Context, studentID, name, className string) error {
			if studentID != "202401001" {
				t.Errorf("studentID = %q, want %q", studentID, "202401001")
			}
			savedName = name
			savedClass = className
			return nil
		},
	}
	svc, server := newTestService(sessions, &mockCacheRepo{}, students, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":0,"data":{"username":"202401001","attributes":{"userName":"张三","organizationName":"计科2024-1班"}}}`))
	}))
	defer server.Close()

	_, source, err := svc.GetProfile(context.Background(), "token-1", false)
	if err != nil {
		t.Fatalf("GetProfile がエラーを返した: %v", err)
	}
	if source != model.SourceNetwork {
		t.Errorf("source = %q, want %q", source, model.SourceNetwork)
	}
	if savedName != "张三" || savedClass != "计科2024-1班" {
		t.Errorf("登録簿 = (%q, %q), want (张三, 计科2024-1班)", savedName, savedClass)
	}
}

func TestService_GetProfile_CacheHitSkipsMirror(t *testing.T) {
	mirrorCalled := false
	sessions := &mockSessionRepo{
		findByTokenFn: func(ctx context.Context, token string) (*model.Session, error) {
			return boundSession(token), nil
		},
	}
	cache := &mockCacheRepo{
		getFn: func(ctx context.Context, studentID string, artifactType model.ArtifactType, ttl time.Duration) (json.RawMessage, error) {
			return json.RawMessage(`{"name":"张三"}`), nil
		},
	}
	students := &mockStudentRepo{
		saveProfileFn: func(ctx context.Context, studentID, name, className string) error {
			mirrorCalled = true
			return nil
		},
	}
	svc, server := newTestService(sessions, cache, students, http.NotFoundHandler())
	defer server.Close()

	_, source, err := svc.GetProfile(context.Background(), "token-1", false)
	if err != nil {
		t.Fatalf("GetProfile がエラーを返した: %v", err)
	}
	if source != model.SourceCache {
		t.Errorf("source = %q, want %q", source, model.SourceCache)
	}
	if mirrorCalled {
		t.Error("キャッシュヒット時は登録簿を更新すべきでない")
	}
}

// --- ログインフロー ---

func TestService_BeginLogin(t *testing.T) {
	var savedToken, savedExecution string
	var savedState json.RawMessage
	sessions := &mockSessionRepo{
		createTempFn: func(ctx context.Context, token string, cookieState json.RawMessage, execution, deviceInfo string) error {
			savedToken = token
			savedState = cookieState
			savedExecution = execution
			return nil
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/cas/login", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "JSESSIONID", Value: "cas-1"})
		w.Write([]byte(`<form><input name="execution" value="exec-1"/></form>`))
	})
	mux.HandleFunc("/cas/captcha.jpg", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("jpeg"))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	svc := NewService(sessions, &mockCacheRepo{}, &mockStudentRepo{},
		netsession.NewHTTPClient(0),
		cas.Endpoints{
			LoginURL:   server.URL + "/cas/login",
			CaptchaURL: server.URL + "/cas/captcha.jpg",
			Service:    server.URL + "/portal/",
		},
		portal.Endpoints{}, TTLs{}, nil)

	start, err := svc.BeginLogin(context.Background(), "test-agent")
	if err != nil {
		t.Fatalf("BeginLogin がエラーを返した: %v", err)
	}
	if !security.ValidTokenFormat(start.Token) {
		t.Errorf("Token = %q, UUID形式であるべき", start.Token)
	}
	if string(start.Captcha) != "jpeg" {
		t.Errorf("Captcha = %q, want %q", start.Captcha, "jpeg")
	}
	if savedToken != start.Token {
		t.Errorf("保存されたトークン = %q, want %q", savedToken, start.Token)
	}
	if savedExecution != "exec-1" {
		t.Errorf("保存されたexecution = %q, want %q", savedExecution, "exec-1")
	}
	if !strings.Contains(string(savedState), "JSESSIONID") {
		t.Error("ログインページ取得時のCookieが保存されていない")
	}
}

func TestService_SubmitLogin_InvalidToken(t *testing.T) {
	sessions := &mockSessionRepo{
		findByTokenFn: func(ctx context.Context, token string) (*model.Session, error) {
			return nil, nil
		},
	}
	svc := NewService(sessions, &mockCacheRepo{}, &mockStudentRepo{}, nil,
		cas.Endpoints{}, portal.Endpoints{}, TTLs{}, nil)

	_, err := svc.SubmitLogin(context.Background(), "unknown-token", "202401001", "pw", "")
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeInvalidToken {
		t.Errorf("error = %v, want INVALID_TOKEN", err)
	}
}

func TestService_SubmitLogin_MissingExecution(t *testing.T) {
	sessions := &mockSessionRepo{
		findByTokenFn: func(ctx context.Context, token string) (*model.Session, error) {
			return &model.Session{Token: token, Execution: strPtr("")}, nil
		},
	}
	svc := NewService(sessions, &mockCacheRepo{}, &mockStudentRepo{}, nil,
		cas.Endpoints{}, portal.Endpoints{}, TTLs{}, nil)

	// executionが空なのでRejectedで返る（上流へは出ない）
	result, err := svc.SubmitLogin(context.Background(), "token-1", "202401001", "pw", "")
	if err != nil {
		t.Fatalf("SubmitLogin がエラーを返した: %v", err)
	}
	if result.Status != cas.StatusRejected {
		t.Errorf("Status = %q, want %q", result.Status, cas.StatusRejected)
	}
}

// submitLoginServer は資格情報POSTでチケットを発行する最小のCAS
func submitLoginServer(t *testing.T) *httptest.Server {
	t.Helper()
	_, pemKey := loginTestKey(t)
	mux := http.NewServeMux()
	mux.HandleFunc("/cas/jwt/publicKey", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(pemKey))
	})
	mux.HandleFunc("/cas/login", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Write([]byte("ok"))
			return
		}
		payload := base64.URLEncoding.EncodeToString([]byte(`{"idToken":"tok-9"}`))
		svc := r.URL.Query().Get("service")
		http.Redirect(w, r, svc+"?ticket=h."+strings.TrimRight(payload, "=")+".s", http.StatusFound)
	})
	mux.HandleFunc("/portal/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("portal"))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func loginTestKey(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("鍵生成に失敗: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("公開鍵のエンコードに失敗: %v", err)
	}
	return key, string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

func TestService_SubmitLogin_Success(t *testing.T) {
	server := submitLoginServer(t)

	var boundStudentID, boundPortalToken string
	sessions := &mockSessionRepo{
		findByTokenFn: func(ctx context.Context, token string) (*model.Session, error) {
			return &model.Session{Token: token, Execution: strPtr("exec-1")}, nil
		},
		bindUserFn: func(ctx context.Context, token, studentID string, cookieState json.RawMessage, portalToken string) (bool, error) {
			boundStudentID = studentID
			boundPortalToken = portalToken
			return true, nil
		},
	}
	svc := NewService(sessions, &mockCacheRepo{}, &mockStudentRepo{},
		netsession.NewHTTPClient(0),
		cas.Endpoints{
			LoginURL:     server.URL + "/cas/login",
			PublicKeyURL: server.URL + "/cas/jwt/publicKey",
			Service:      server.URL + "/portal/",
		},
		portal.Endpoints{}, TTLs{}, nil)

	result, err := svc.SubmitLogin(context.Background(), "token-1", "202401001", "pw", "AB12")
	if err != nil {
		t.Fatalf("SubmitLogin がエラーを返した: %v", err)
	}
	if result.Status != cas.StatusSuccess {
		t.Fatalf("Status = %q, want %q", result.Status, cas.StatusSuccess)
	}
	if boundStudentID != "202401001" {
		t.Errorf("紐付けられた学籍番号 = %q, want %q", boundStudentID, "202401001")
	}
	if boundPortalToken != "tok-9" {
		t.Errorf("紐付けられたポータルトークン = %q, want %q", boundPortalToken, "tok-9")
	}
}

func TestService_SubmitLogin_BindLostSession(t *testing.T) {
	// 紐付け時点でセッション行が消えていた場合は回復不能
	server := submitLoginServer(t)

	sessions := &mockSessionRepo{
		findByTokenFn: func(ctx context.Context, token string) (*model.Session, error) {
			return &model.Session{Token: token, Execution: strPtr("exec-1")}, nil
		},
		bindUserFn: func(ctx context.Context, token, studentID string, cookieState json.RawMessage, portalToken string) (bool, error) {
			return false, nil
		},
	}
	svc := NewService(sessions, &mockCacheRepo{}, &mockStudentRepo{},
		netsession.NewHTTPClient(0),
		cas.Endpoints{
			LoginURL:     server.URL + "/cas/login",
			PublicKeyURL: server.URL + "/cas/jwt/publicKey",
			Service:      server.URL + "/portal/",
		},
		portal.Endpoints{}, TTLs{}, nil)

	_, err := svc.SubmitLogin(context.Background(), "token-1", "202401001", "pw", "AB12")
	if err == nil {
		t.Fatal("セッション消失時はエラーを返すべき")
	}
}
