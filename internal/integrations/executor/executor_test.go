package executor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"support-agent/internal/domain"
)

func newServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/apply", r.URL.Path)
		require.Equal(t, "apr-1:bob (vpn-users)", r.Header.Get("Idempotency-Key"))
		require.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		var op domain.Operation
		require.NoError(t, json.NewDecoder(r.Body).Decode(&op))
		require.Equal(t, "add_member", op.Operation)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testOperation() domain.Operation {
	return domain.Operation{ApprovalID: "apr-1", Operation: "add_member", Target: "bob", Resource: "vpn-users"}
}

func TestHTTPExecutor_Apply(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		body    string
		success bool
		message string
		wantErr string
	}{
		{name: "applied", status: 200, body: `{"status":"applied","message":"added"}`, success: true, message: "added"},
		{name: "already applied", status: 200, body: `{"status":"already_applied"}`, success: true, message: "already_applied"},
		{name: "conflict is already applied", status: 409, body: `{}`, success: true, message: "already_applied"},
		{name: "failed", status: 200, body: `{"status":"failed","message":"no such group"}`, success: false, message: "no such group"},
		{name: "unknown status", status: 200, body: `{"status":"maybe"}`, wantErr: "unknown status"},
		{name: "server error", status: 502, body: `bad gateway`, wantErr: "unexpected status 502"},
		{name: "malformed", status: 200, body: `nope`, wantErr: "decode response"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newServer(t, tc.status, tc.body)
			exec, err := NewHTTPExecutor(Definition{
				Name:    "directory",
				URL:     srv.URL + "/",
				Headers: map[string]string{"X-Api-Key": "secret"},
			})
			require.NoError(t, err)

			outcome, err := exec.Apply(context.Background(), testOperation())
			require.Equal(t, "bob (vpn-users)", outcome.Target)
			if tc.wantErr != "" {
				require.Error(t, err)
				require.Contains(t, err.Error(), tc.wantErr)
				require.False(t, outcome.Success)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.success, outcome.Success)
			require.Equal(t, tc.message, outcome.Message)
		})
	}
}

func TestNewHTTPExecutor_Validates(t *testing.T) {
	_, err := NewHTTPExecutor(Definition{URL: "http://x"})
	require.Error(t, err)
	_, err = NewHTTPExecutor(Definition{Name: "directory"})
	require.Error(t, err)
}

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
executors:
  - name: directory
    url: https://directory.internal
    timeout: 20s
    headers:
      X-Api-Key: abc
  - name: " mailbox "
    url: http://mailbox.internal:8080
`))
	require.NoError(t, err)
	require.Len(t, cfg.Executors, 2)
	require.Equal(t, 20*time.Second, cfg.Executors[0].Timeout)
	require.Equal(t, "abc", cfg.Executors[0].Headers["X-Api-Key"])
	require.Equal(t, "mailbox", cfg.Executors[1].Name)

	r, err := NewRegistry(cfg)
	require.NoError(t, err)
	require.Equal(t, []string{"directory", "mailbox"}, r.Names())
	_, ok := r.Executor(" mailbox")
	require.True(t, ok)
	_, ok = r.Executor("printer")
	require.False(t, ok)
}

func TestParseConfig_Errors(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		want string
	}{
		{name: "malformed", doc: "executors: [", want: "decode config"},
		{name: "missing name", doc: "executors:\n  - url: https://x.internal\n", want: "has no name"},
		{name: "duplicate", doc: "executors:\n  - {name: a, url: 'https://x'}\n  - {name: a, url: 'https://y'}\n", want: "duplicate"},
		{name: "bad url", doc: "executors:\n  - {name: a, url: 'x.internal'}\n", want: "not an http(s) URL"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tc.doc))
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.want)
		})
	}
}

type fakeGetter struct {
	name string
	val  string
	err  error
}

func (f *fakeGetter) GetParameter(_ context.Context, name string) (string, error) {
	f.name = name
	return f.val, f.err
}

func TestLoad(t *testing.T) {
	g := &fakeGetter{val: "executors:\n  - {name: directory, url: 'https://directory.internal'}\n"}
	r, err := Load(context.Background(), g, "/support-agent/")
	require.NoError(t, err)
	require.Equal(t, "/support-agent/config/executors", g.name)
	require.Equal(t, []string{"directory"}, r.Names())

	_, err = Load(context.Background(), &fakeGetter{err: errors.New("ssm down")}, "/support-agent")
	require.Error(t, err)
	require.Contains(t, err.Error(), "ssm down")

	_, err = Load(context.Background(), nil, "/support-agent")
	require.Error(t, err)
}
