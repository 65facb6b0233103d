package gateway

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testToken fabricates a three-segment token whose middle segment carries
// the given claims. The signature is garbage; nothing here verifies it.
func testToken(claims map[string]any) string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payload, _ := json.Marshal(claims)
	return header + "." + base64.RawURLEncoding.EncodeToString(payload) + ".c2ln"
}

// fakeButler stands in for the target system: the legacy login endpoint plus
// the user/team listing endpoints.
type fakeButler struct {
	srv *httptest.Server

	mu          sync.Mutex
	token       string
	loginStatus int // 0 means 200 with cookie
	loginCount  int
	usersStatus int
	users       []TargetUser
	teams       []TargetTeam
	members     map[string][]TargetTeamMember

	// catchAll, when set, serves every path the fake does not know.
	catchAll http.Handler
}

func newFakeButler(t *testing.T) *fakeButler {
	t.Helper()
	f := &fakeButler{
		token:   testToken(map[string]any{"exp": 4102444800}), // far future
		members: map[string][]TargetTeamMember{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/login/legacy", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.loginCount++
		if f.loginStatus != 0 && f.loginStatus != http.StatusOK {
			w.WriteHeader(f.loginStatus)
			return
		}
		if f.token != "" {
			http.SetCookie(w, &http.Cookie{Name: "butler_session", Value: f.token, Path: "/"})
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/users", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.usersStatus != 0 {
			w.WriteHeader(f.usersStatus)
			return
		}
		writeJSON(w, f.users)
	})
	mux.HandleFunc("/api/teams", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		writeJSON(w, f.teams)
	})
	mux.HandleFunc("/api/teams/", func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/teams/"), "/members")
		f.mu.Lock()
		defer f.mu.Unlock()
		members, ok := f.members[name]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, members)
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		catchAll := f.catchAll
		f.mu.Unlock()
		if catchAll != nil {
			catchAll.ServeHTTP(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeButler) setCatchAll(h http.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.catchAll = h
}

func (f *fakeButler) logins() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loginCount
}

func (f *fakeButler) config() TargetConfig {
	return TargetConfig{
		URL:      f.srv.URL,
		Username: "portal-svc",
		Password: "hunter2",
		Timeout:  "5s",
	}
}

func mustStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("expected status %d, got %d: %s", want, rec.Code, rec.Body.String())
	}
}

func decodeErrorPayload(t *testing.T, body io.Reader) map[string]string {
	t.Helper()
	payload := map[string]string{}
	if err := json.NewDecoder(body).Decode(&payload); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	return payload
}
