package portal

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/campusgate/internal/model"
	"github.com/hitoshi/campusgate/internal/netsession"
)

func newTestClient(handler http.Handler) (*Client, *httptest.Server) {
	server := httptest.NewServer(handler)
	session := netsession.New(nil, netsession.NewHTTPClient(0))
	eps := Endpoints{
		ECardAPI:     server.URL + "/portalApi/v2/personalData/getMyECard",
		ProfileAPI:   server.URL + "/personal/api/v1/personal/me/user",
		ScheduleAPI:  server.URL + "/jsxsd/framework/main_index_loadkb.jsp",
		GradesAPI:    server.URL + "/jsxsd/kscj/cjcx_list",
		PortalHome:   server.URL + "/main.html",
		EduHome:      server.URL + "/jsxsd/framework/xsMain_new.jsp?t1=1",
		ScheduleMode: "mode-1",
	}
	return NewClient(session, eps, nil), server
}

func TestClient_FetchECard(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		wantExpired bool
	}{
		{"正常応答", `{"code":0,"data":{"card":[{"db":[{"cardWallet":1234}]}]}}`, false},
		{"文字列コード0", `{"code":"0","data":{}}`, false},
		{"業務コード401", `{"code":401,"msg":"token expired"}`, true},
		{"文字列コード403", `{"code":"403"}`, true},
		{"HTMLログインページ", `<html>用户登录</html>`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotToken string
			client, server := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotToken = r.Header.Get("X-Id-Token")
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			raw, err := client.FetchECard(context.Background(), "tok-1")
			if tt.wantExpired {
				if !errors.Is(err, model.ErrSessionExpired) {
					t.Fatalf("error = %v, want ErrSessionExpired", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("FetchECard がエラーを返した: %v", err)
			}
			if string(raw) != tt.body {
				t.Errorf("body = %q, want %q", raw, tt.body)
			}
			if gotToken != "tok-1" {
				t.Errorf("X-Id-Token = %q, want %q", gotToken, "tok-1")
			}
		})
	}
}

func TestClient_FetchProfile(t *testing.T) {
	var gotHeader http.Header
	client, server := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Clone()
		w.Write([]byte(`{"code":0,"data":{"attributes":{"userName":"张三"}}}`))
	}))
	defer server.Close()

	if _, err := client.FetchProfile(context.Background(), "tok-1"); err != nil {
		t.Fatalf("FetchProfile がエラーを返した: %v", err)
	}
	if got := gotHeader.Get("X-Device-Info"); got != "PC" {
		t.Errorf("X-Device-Info = %q, want %q", got, "PC")
	}
	if got := gotHeader.Get("X-Terminal-Info"); got != "PC" {
		t.Errorf("X-Terminal-Info = %q, want %q", got, "PC")
	}
}

func TestClient_FetchProfile_NonZeroCode(t *testing.T) {
	client, server := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":50001,"message":"id token invalid"}`))
	}))
	defer server.Close()

	_, err := client.FetchProfile(context.Background(), "stale-token")
	if !errors.Is(err, model.ErrSessionExpired) {
		t.Errorf("error = %v, want ErrSessionExpired", err)
	}
}

func TestClient_FetchSchedule(t *testing.T) {
	const page = `<html><table id="kb_table"><tr><td>高等数学</td></tr></table></html>`
	var gotForm map[string][]string
	client, server := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		gotForm = r.PostForm
		w.Write([]byte(page))
	}))
	defer server.Close()

	body, err := client.FetchSchedule(context.Background())
	if err != nil {
		t.Fatalf("FetchSchedule がエラーを返した: %v", err)
	}
	if string(body) != page {
		t.Errorf("body = %q, want %q", body, page)
	}
	if got := gotForm["sjmsValue"]; len(got) != 1 || got[0] != "mode-1" {
		t.Errorf("sjmsValue = %v, want [mode-1]", got)
	}
	if got := gotForm["rq"]; len(got) != 1 || len(got[0]) != len("2006-01-02") {
		t.Errorf("rq = %v, 日付形式であるべき", got)
	}
}

func TestClient_FetchSchedule_LoginFormServed(t *testing.T) {
	client, server := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 教務システムは失効時も200でログインページを返す
		w.Write([]byte(`<html><input id="username" name="username"/></html>`))
	}))
	defer server.Close()

	_, err := client.FetchSchedule(context.Background())
	if !errors.Is(err, model.ErrSessionExpired) {
		t.Errorf("error = %v, want ErrSessionExpired", err)
	}
}

func TestClient_FetchGrades(t *testing.T) {
	const page = `<html><table id="dataList"><tr><td>1</td></tr></table></html>`
	var gotForm map[string][]string
	client, server := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		gotForm = r.PostForm
		w.Write([]byte(page))
	}))
	defer server.Close()

	body, err := client.FetchGrades(context.Background())
	if err != nil {
		t.Fatalf("FetchGrades がエラーを返した: %v", err)
	}
	if string(body) != page {
		t.Errorf("body = %q, want %q", body, page)
	}
	if got := gotForm["xsfs"]; len(got) != 1 || got[0] != "all" {
		t.Errorf("xsfs = %v, want [all]", got)
	}
}

func TestClient_FetchECard_UpstreamUnauthorized(t *testing.T) {
	client, server := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	_, err := client.FetchECard(context.Background(), "tok-1")
	if !errors.Is(err, model.ErrSessionExpired) {
		t.Errorf("error = %v, want ErrSessionExpired", err)
	}
}
