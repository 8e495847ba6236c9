package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/campusgate/internal/model"
)

// --- モック ---

type mockSessionResolver struct {
	findByTokenFn func(ctx context.Context, token string) (*model.Session, error)
	touchFn       func(ctx context.Context, token, studentID string) error
}

func (m *mockSessionResolver) FindByToken(ctx context.Context, token string) (*model.Session, error) {
	if m.findByTokenFn != nil {
		return m.findByTokenFn(ctx, token)
	}
	return nil, nil
}
func (m *mockSessionResolver) Touch(ctx context.Context, token, studentID string) error {
	if m.touchFn != nil {
		return m.touchFn(ctx, token, studentID)
	}
	return nil
}

const validToken = "01234567-89ab-4cde-8f01-23456789abcd"

func strPtr(s string) *string { return &s }

// --- テスト ---

func TestSessionMiddleware_InvalidTokenFormat(t *testing.T) {
	tests := []struct {
		name  string
		token string
	}{
		{"ヘッダーなし", ""},
		{"UUIDでない", "not-a-uuid"},
		{"SQL断片", "' OR '1'='1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repoCalled := false
			resolver := &mockSessionResolver{
				findByTokenFn: func(ctx context.Context, token string) (*model.Session, error) {
					repoCalled = true
					return nil, nil
				},
			}
			mw := NewSessionMiddleware(resolver)
			handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Error("不正トークンでnextが呼ばれるべきでない")
			}))

			req := httptest.NewRequest(http.MethodGet, "/api/schedule", nil)
			if tt.token != "" {
				req.Header.Set("Authorization", tt.token)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
			}
			if repoCalled {
				t.Error("形式不正のトークンでDBを引くべきでない")
			}

			var body ErrorResponseBody
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatalf("レスポンスの復元に失敗: %v", err)
			}
			if body.Code != model.ErrCodeInvalidToken {
				t.Errorf("code = %q, want %q", body.Code, model.ErrCodeInvalidToken)
			}
		})
	}
}

func TestSessionMiddleware_UnboundSession(t *testing.T) {
	tests := []struct {
		name    string
		session *model.Session
		err     error
	}{
		{"セッションなし", nil, nil},
		{"未紐付け", &model.Session{Token: validToken}, nil},
		{"DBエラー", nil, errors.New("db down")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolver := &mockSessionResolver{
				findByTokenFn: func(ctx context.Context, token string) (*model.Session, error) {
					return tt.session, tt.err
				},
			}
			mw := NewSessionMiddleware(resolver)
			handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Error("未紐付けセッションでnextが呼ばれるべきでない")
			}))

			req := httptest.NewRequest(http.MethodGet, "/api/schedule", nil)
			req.Header.Set("Authorization", validToken)
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
			}
		})
	}
}

func TestSessionMiddleware_ValidSession(t *testing.T) {
	touched := false
	resolver := &mockSessionResolver{
		findByTokenFn: func(ctx context.Context, token string) (*model.Session, error) {
			return &model.Session{Token: token, StudentID: strPtr("202401001")}, nil
		},
		touchFn: func(ctx context.Context, token, studentID string) error {
			touched = true
			return nil
		},
	}
	mw := NewSessionMiddleware(resolver)

	var gotToken, gotStudentID string
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken, _ = TokenFromContext(r.Context())
		gotStudentID, _ = StudentIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/schedule", nil)
	req.Header.Set("Authorization", validToken)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if gotToken != validToken {
		t.Errorf("コンテキストのトークン = %q, want %q", gotToken, validToken)
	}
	if gotStudentID != "202401001" {
		t.Errorf("コンテキストの学籍番号 = %q, want %q", gotStudentID, "202401001")
	}
	if !touched {
		t.Error("有効セッションはtouchされるべき")
	}
}

func TestSessionMiddleware_TouchFailureIsNotFatal(t *testing.T) {
	resolver := &mockSessionResolver{
		findByTokenFn: func(ctx context.Context, token string) (*model.Session, error) {
			return &model.Session{Token: token, StudentID: strPtr("202401001")}, nil
		},
		touchFn: func(ctx context.Context, token, studentID string) error {
			return errors.New("db busy")
		},
	}
	mw := NewSessionMiddleware(resolver)
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/schedule", nil)
	req.Header.Set("Authorization", validToken)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestIdentityContext_Accessors(t *testing.T) {
	ctx := ContextWithIdentity(context.Background(), validToken, "202401001")

	token, err := TokenFromContext(ctx)
	if err != nil || token != validToken {
		t.Errorf("TokenFromContext = (%q, %v)", token, err)
	}
	studentID, err := StudentIDFromContext(ctx)
	if err != nil || studentID != "202401001" {
		t.Errorf("StudentIDFromContext = (%q, %v)", studentID, err)
	}

	if _, err := TokenFromContext(context.Background()); err == nil {
		t.Error("空コンテキストではエラーを返すべき")
	}
}
