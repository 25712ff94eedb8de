package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"

	"github.com/accordsai/openletter/pkg/mailer"
	"github.com/accordsai/openletter/services/signatures/internal/lifecycle"
	"github.com/accordsai/openletter/services/signatures/internal/metrics"
	"github.com/accordsai/openletter/services/signatures/internal/notify"
	"github.com/accordsai/openletter/services/signatures/internal/store"

	"github.com/prometheus/client_golang/prometheus"
)

var linkPattern = regexp.MustCompile(`https://letter\.example/(verify|revoke)/([0-9a-f-]{100})`)

type testService struct {
	srv    *httptest.Server
	store  *store.SQLiteStore
	outbox *mailer.LogSender
}

func newTestService(t *testing.T) *testService {
	t.Helper()
	st, err := store.OpenSQLite("", nil)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	outbox := mailer.NewLogSender(nil)
	registry := prometheus.NewRegistry()
	mgr := lifecycle.New(lifecycle.Config{
		Store:    st,
		Notifier: notify.New(notify.Config{WebsiteURL: "https://letter.example"}, outbox),
		Metrics:  metrics.New(registry),
	})
	srv := httptest.NewServer(NewRouter(NewSignatureHandler(mgr, nil), registry))
	t.Cleanup(srv.Close)
	return &testService{srv: srv, store: st, outbox: outbox}
}

func (s *testService) do(t *testing.T, method, path, body string) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, s.srv.URL+path, r)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer res.Body.Close()
	out, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res.StatusCode, out
}

func (s *testService) link(t *testing.T, email, kind string) string {
	t.Helper()
	msg, ok := s.outbox.Last(email)
	if !ok {
		t.Fatalf("no mail sent to %s", email)
	}
	m := linkPattern.FindStringSubmatch(msg.HTMLBody)
	if m == nil || m[1] != kind {
		t.Fatalf("expected %s link in mail, got %q", kind, msg.HTMLBody)
	}
	return m[2]
}

func TestSignatureFlowOverHTTP(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	code, body := s.do(t, http.MethodPost, "/signatures", `{"first_name":"Ada","last_name":"Lovelace","email":"Ada@Example.com","message":"Count me in"}`)
	if code != 200 {
		t.Fatalf("create: expected 200, got %d %s", code, body)
	}
	verifyToken := s.link(t, "ada@example.com", "verify")

	code, body = s.do(t, http.MethodGet, "/signatures", "")
	if code != 200 || strings.TrimSpace(string(body)) != "[]" {
		t.Fatalf("pending signature must not be listed: %d %s", code, body)
	}

	code, _ = s.do(t, http.MethodPost, "/signatures", `{"first_name":"Ada","last_name":"Byron","email":"ada@example.com"}`)
	if code != 403 {
		t.Fatalf("duplicate: expected 403, got %d", code)
	}
	if n, _ := s.store.Count(ctx); n != 1 {
		t.Fatalf("expected 1 row after duplicate, got %d", n)
	}

	code, _ = s.do(t, http.MethodPut, "/signatures/"+verifyToken+"/revoke", "")
	if code != 403 {
		t.Fatalf("revoking a pending signature: expected 403, got %d", code)
	}

	code, body = s.do(t, http.MethodPut, "/signatures/"+verifyToken+"/verify", "")
	if code != 200 {
		t.Fatalf("verify: expected 200, got %d %s", code, body)
	}
	revokeToken := s.link(t, "ada@example.com", "revoke")
	if revokeToken == verifyToken {
		t.Fatalf("revoke token must differ from verify token")
	}

	code, _ = s.do(t, http.MethodPut, "/signatures/"+verifyToken+"/verify", "")
	if code != 403 {
		t.Fatalf("replayed verify: expected 403, got %d", code)
	}

	code, body = s.do(t, http.MethodGet, "/signatures", "")
	if code != 200 {
		t.Fatalf("list: expected 200, got %d", code)
	}
	var views []map[string]any
	if err := json.Unmarshal(body, &views); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(views) != 1 || views[0]["first_name"] != "Ada" || views[0]["message"] != "Count me in" {
		t.Fatalf("unexpected list %s", body)
	}
	if strings.Contains(string(body), "example.com") {
		t.Fatalf("list leaks email: %s", body)
	}

	id := verifyToken[:36]
	code, body = s.do(t, http.MethodGet, "/signatures/"+id, "")
	if code != 200 || strings.Contains(string(body), "example.com") {
		t.Fatalf("get: %d %s", code, body)
	}

	code, _ = s.do(t, http.MethodPut, "/signatures/"+revokeToken+"/revoke", "")
	if code != 200 {
		t.Fatalf("revoke: expected 200, got %d", code)
	}
	code, _ = s.do(t, http.MethodGet, "/signatures/"+id, "")
	if code != 404 {
		t.Fatalf("revoked signature: expected 404, got %d", code)
	}
	code, _ = s.do(t, http.MethodPut, "/signatures/"+revokeToken+"/revoke", "")
	if code != 404 {
		t.Fatalf("second revoke: expected 404, got %d", code)
	}

	code, body = s.do(t, http.MethodGet, "/metrics", "")
	if code != 200 || !strings.Contains(string(body), "openletter_signatures_revoked_total 1") {
		t.Fatalf("metrics: %d %s", code, body)
	}
}

func TestMalformedTokensOverHTTP(t *testing.T) {
	s := newTestService(t)
	for _, path := range []string{
		"/signatures/short/verify",
		"/signatures/" + strings.Repeat("z", 100) + "/verify",
		"/signatures/short/revoke",
	} {
		if code, _ := s.do(t, http.MethodPut, path, ""); code != 400 {
			t.Fatalf("%s: expected 400, got %d", path, code)
		}
	}
	if code, _ := s.do(t, http.MethodGet, "/signatures/not-a-uuid", ""); code != 404 {
		t.Fatalf("malformed id: expected 404, got %d", code)
	}
}
