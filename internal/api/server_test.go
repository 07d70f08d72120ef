package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kekewolf/web-fetcher/internal/domain"
	"github.com/kekewolf/web-fetcher/internal/manual"
	queueMemory "github.com/kekewolf/web-fetcher/internal/queue/memory"
)

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	rec := serve(t, newTestServer(Deps{}), http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestServer_MetricsExposed(t *testing.T) {
	t.Parallel()

	srv := newTestServer(Deps{})
	serve(t, srv, http.MethodGet, "/healthz", "")
	rec := serve(t, srv, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServer_GetSession(t *testing.T) {
	t.Parallel()

	sessions := &fakeSessions{current: &manual.View{ID: "s1", State: manual.StateWaiting, TargetURL: "https://www.boc.cn"}}
	rec := serve(t, newTestServer(Deps{Sessions: sessions}), http.MethodGet, "/v1/session", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body sessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.True(t, body.Active)
	require.Equal(t, "s1", body.Session.ID)
	require.Equal(t, manual.StateWaiting, body.Session.State)
}

func TestServer_GetSessionFallsBackToLast(t *testing.T) {
	t.Parallel()

	sessions := &fakeSessions{last: &manual.View{ID: "s0", State: manual.StateTimedOut}}
	rec := serve(t, newTestServer(Deps{Sessions: sessions}), http.MethodGet, "/v1/session", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body sessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.False(t, body.Active)
	require.Equal(t, manual.StateTimedOut, body.Session.State)
}

func TestServer_GetSessionNone(t *testing.T) {
	t.Parallel()

	rec := serve(t, newTestServer(Deps{Sessions: &fakeSessions{}}), http.MethodGet, "/v1/session", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(t, newTestServer(Deps{}), http.MethodGet, "/v1/session", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_CompleteSession(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "signaled", want: http.StatusAccepted},
		{name: "no session", err: manual.ErrNoSession, want: http.StatusNotFound},
		{name: "not waiting", err: manual.ErrNotWaiting, want: http.StatusConflict},
		{name: "unexpected", err: errors.New("boom"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sessions := &fakeSessions{
				current:     &manual.View{ID: "s1", State: manual.StateWaiting},
				completeErr: tt.err,
			}
			rec := serve(t, newTestServer(Deps{Sessions: sessions}), http.MethodPost, "/v1/session/complete", "")
			require.Equal(t, tt.want, rec.Code)
			require.Equal(t, 1, sessions.completions())
		})
	}
}

func TestServer_Domains(t *testing.T) {
	t.Parallel()

	var persisted []string
	deps := Deps{
		Domains: domain.New([]string{"boc.cn"}),
		Persist: func(entries []string) error {
			persisted = entries
			return nil
		},
	}
	srv := newTestServer(deps)

	rec := serve(t, srv, http.MethodGet, "/v1/domains", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"entries":["boc.cn"]}`, rec.Body.String())

	rec = serve(t, srv, http.MethodPost, "/v1/domains", `{"entry":"WWW.CEBbank.com","persist":true}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, []string{"boc.cn", "cebbank.com"}, persisted)

	rec = serve(t, srv, http.MethodPost, "/v1/domains", `{"entry":"cebbank.com"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"added":false`)

	rec = serve(t, srv, http.MethodGet, "/v1/domains/check?url=https://www.cebbank.com/rates", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var check map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &check))
	require.Equal(t, true, check["problematic"])
	require.Equal(t, "cebbank.com", check["match"])
	require.Equal(t, string(domain.RouteSkipDirect), check["route"])
}

func TestServer_DomainsRejectsBadInput(t *testing.T) {
	t.Parallel()

	srv := newTestServer(Deps{})
	require.Equal(t, http.StatusBadRequest, serve(t, srv, http.MethodPost, "/v1/domains", "{bad").Code)
	require.Equal(t, http.StatusBadRequest, serve(t, srv, http.MethodPost, "/v1/domains", `{"entry":"  "}`).Code)
	require.Equal(t, http.StatusBadRequest, serve(t, srv, http.MethodPost, "/v1/domains", `{"entry":"x.cn","persist":true}`).Code)
	require.Equal(t, http.StatusBadRequest, serve(t, srv, http.MethodGet, "/v1/domains/check", "").Code)
}

func TestServer_DomainsPersistFailure(t *testing.T) {
	t.Parallel()

	srv := newTestServer(Deps{Persist: func([]string) error { return errors.New("read-only") }})
	rec := serve(t, srv, http.MethodPost, "/v1/domains", `{"entry":"x.cn","persist":true}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServer_SubmitFetch(t *testing.T) {
	t.Parallel()

	q := queueMemory.NewQueue(4)
	srv := newTestServer(Deps{Jobs: q, IDs: &fakeIDGen{ids: []string{"j1", "j2"}}})

	rec := serve(t, srv, http.MethodPost, "/v1/fetch", `{"urls":["https://example.com"," ","https://www.boc.cn"]}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.JSONEq(t, `{"jobs":[{"id":"j1","url":"https://example.com"},{"id":"j2","url":"https://www.boc.cn"}]}`, rec.Body.String())

	job, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, "j1", job.ID)
	require.Equal(t, 1, q.Len())
}

func TestServer_SubmitFetchErrors(t *testing.T) {
	t.Parallel()

	require.Equal(t, http.StatusServiceUnavailable,
		serve(t, newTestServer(Deps{}), http.MethodPost, "/v1/fetch", `{"urls":["https://example.com"]}`).Code)

	q := queueMemory.NewQueue(1)
	srv := newTestServer(Deps{Jobs: q})
	require.Equal(t, http.StatusBadRequest, serve(t, srv, http.MethodPost, "/v1/fetch", "{invalid").Code)
	require.Equal(t, http.StatusBadRequest, serve(t, srv, http.MethodPost, "/v1/fetch", `{"urls":[]}`).Code)

	q.Close()
	require.Equal(t, http.StatusServiceUnavailable,
		serve(t, srv, http.MethodPost, "/v1/fetch", `{"urls":["https://example.com"]}`).Code)
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	rec := serve(t, newTestServer(Deps{}), http.MethodGet, "/healthz", "")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "upstream")
	rec = httptest.NewRecorder()
	newTestServer(Deps{}).Handler().ServeHTTP(rec, req)
	require.Equal(t, "upstream", rec.Header().Get("X-Request-ID"))
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	srv := newTestServer(Deps{})
	h := srv.recoverMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := rw.Hijack(); err == nil || err.Error() != "hijacker not supported" {
		t.Fatalf("expected unsupported hijacker error, got %v", err)
	}

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	if err != nil {
		t.Fatalf("expected successful hijack, got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close hijacked conn: %v", err)
	}
	if err := h.CloseClient(); err != nil {
		t.Fatalf("close hijacked client: %v", err)
	}
	if buf == nil {
		t.Fatal("expected buf to be non-nil")
	}
}

// --- helpers/fakes ---

func newTestServer(deps Deps) *Server {
	deps.Logger = zap.NewNop()
	return NewServer(deps)
}

func serve(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

type fakeSessions struct {
	mu          sync.Mutex
	current     *manual.View
	last        *manual.View
	completeErr error
	calls       int
}

func (f *fakeSessions) Views() (current, last *manual.View) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current, f.last
}

func (f *fakeSessions) Complete() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.completeErr
}

func (f *fakeSessions) completions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeIDGen struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeIDGen) NewID() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.ids) == 0 {
		return "id-default", nil
	}
	id := f.ids[0]
	f.ids = f.ids[1:]
	return id, nil
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(server), bufio.NewWriter(server)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client == nil {
		return nil
	}
	return h.client.Close()
}
