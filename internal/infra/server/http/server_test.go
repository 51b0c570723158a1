package httpserver

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/livequery/internal/domain/query"
	"github.com/coachpo/livequery/internal/infra/adapters/memstore"
	"github.com/coachpo/livequery/internal/infra/auth"
	"github.com/coachpo/livequery/internal/infra/wire"
)

type fixture struct {
	store     *memstore.Store
	server    *Server
	authority *auth.Authority
	ts        *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memstore.New()
	require.NoError(t, memstore.SeedBanking(context.Background(), store))
	authority, err := auth.NewAuthority("secret", nil)
	require.NoError(t, err)
	server, err := New(store, authority, nil)
	require.NoError(t, err)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		_ = server.Close(context.Background())
		ts.Close()
	})
	return &fixture{store: store, server: server, authority: authority, ts: ts}
}

func (f *fixture) token(t *testing.T, admin bool, collections ...string) string {
	t.Helper()
	token, err := f.authority.Issue("tester", collections, admin, time.Hour)
	require.NoError(t, err)
	return token
}

func (f *fixture) do(t *testing.T, method, path, token, body string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, f.ts.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var decoded wire.ErrorResponse
	require.NoError(t, json.Unmarshal(data, &decoded))
	return decoded.Error.Code
}

func TestNewValidatesDependencies(t *testing.T) {
	authority, err := auth.NewAuthority("secret", nil)
	require.NoError(t, err)
	_, err = New(nil, authority, nil)
	require.Error(t, err)
	_, err = New(memstore.New(), nil, nil)
	require.Error(t, err)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	status, data := f.do(t, http.MethodGet, healthPath, "", "")
	require.Equal(t, http.StatusOK, status)
	require.JSONEq(t, `{"status":"ok","subscribers":0}`, string(data))
}

func TestQuery(t *testing.T) {
	f := newFixture(t)
	body := `{"collection":"accounts","filters":[{"field":"ownerId","op":"==","value":"user-1"}],"orderBy":{"field":"balance","direction":"desc"}}`

	status, data := f.do(t, http.MethodPost, queryPath, f.token(t, false, "accounts"), body)
	require.Equal(t, http.StatusOK, status)
	var decoded wire.QueryResponse
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Len(t, decoded.Records, 2)
	require.Equal(t, "acc-2", decoded.Records[0].ID)
}

func TestQueryRejections(t *testing.T) {
	f := newFixture(t)
	valid := `{"collection":"accounts"}`
	cases := map[string]struct {
		token  string
		body   string
		status int
		code   string
	}{
		"missing token": {"", valid, http.StatusUnauthorized, "unauthenticated"},
		"bad token":     {"garbage", valid, http.StatusUnauthorized, "unauthenticated"},
		"forbidden":     {f.token(t, false, "transactions"), valid, http.StatusForbidden, "permission_denied"},
		"bad json":      {f.token(t, false, "accounts"), `{`, http.StatusBadRequest, "invalid_request"},
		"bad operator":  {f.token(t, false, "accounts"), `{"collection":"accounts","filters":[{"field":"x","op":"~"}]}`, http.StatusBadRequest, "invalid_request"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			status, data := f.do(t, http.MethodPost, queryPath, tc.token, tc.body)
			require.Equal(t, tc.status, status)
			require.Equal(t, tc.code, errorCode(t, data))
		})
	}
}

func TestDocumentWrites(t *testing.T) {
	f := newFixture(t)
	path := "/v1/collections/accounts/documents/acc-9"
	body := `{"fields":{"ownerId":"user-9","balance":12.5}}`

	status, data := f.do(t, http.MethodPut, path, f.token(t, false, "*"), body)
	require.Equal(t, http.StatusForbidden, status)
	require.Equal(t, "permission_denied", errorCode(t, data))

	admin := f.token(t, true)
	status, _ = f.do(t, http.MethodPut, path, admin, body)
	require.Equal(t, http.StatusOK, status)

	records, err := f.store.QueryOnce(context.Background(), query.New("accounts").WithFilter("balance", query.OpGreaterEqual, 12.5).WithFilter("balance", query.OpLess, 13))
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "acc-9", records[0].ID)

	status, _ = f.do(t, http.MethodDelete, path, admin, "")
	require.Equal(t, http.StatusNoContent, status)

	status, data = f.do(t, http.MethodDelete, path, admin, "")
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, "not_found", errorCode(t, data))
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t)
	status, _ := f.do(t, http.MethodGet, queryPath, "", "")
	require.Equal(t, http.StatusMethodNotAllowed, status)
}

func dial(t *testing.T, f *fixture, token string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, f.ts.URL+subscribePath, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
	})
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) wire.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var frame wire.Frame
	require.NoError(t, wire.Decode(data, &frame))
	return frame
}

func TestSubscribeStreamsBatches(t *testing.T) {
	f := newFixture(t)
	conn := dial(t, f, f.token(t, false, "accounts"))
	require.NoError(t, conn.Write(context.Background(), websocket.MessageText,
		[]byte(`{"collection":"accounts","filters":[{"field":"ownerId","op":"==","value":"user-2"}]}`)))

	frame := readFrame(t, conn)
	require.Equal(t, wire.FrameBatch, frame.Type)
	require.Len(t, frame.Records, 1)

	_, err := f.store.Put(context.Background(), "accounts", "acc-4", map[string]any{"ownerId": "user-2"})
	require.NoError(t, err)
	frame = readFrame(t, conn)
	require.Len(t, frame.Records, 2)

	require.NoError(t, f.store.Delete(context.Background(), "accounts", "acc-4"))
	frame = readFrame(t, conn)
	require.Len(t, frame.Records, 1)
}

func TestSubscribeErrorFrames(t *testing.T) {
	f := newFixture(t)

	conn := dial(t, f, f.token(t, false, "transactions"))
	require.NoError(t, conn.Write(context.Background(), websocket.MessageText, []byte(`{"collection":"accounts"}`)))
	frame := readFrame(t, conn)
	require.Equal(t, wire.FrameError, frame.Type)
	require.Equal(t, "permission_denied", frame.Error.Code)

	conn = dial(t, f, f.token(t, false, "*"))
	require.NoError(t, conn.Write(context.Background(), websocket.MessageText, []byte(`not json`)))
	frame = readFrame(t, conn)
	require.Equal(t, "invalid_request", frame.Error.Code)
}

func TestSubscribeRequiresToken(t *testing.T) {
	f := newFixture(t)
	_, resp, err := websocket.Dial(context.Background(), f.ts.URL+subscribePath, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestInterruptEndpoint(t *testing.T) {
	f := newFixture(t)
	conn := dial(t, f, f.token(t, false, "accounts"))
	require.NoError(t, conn.Write(context.Background(), websocket.MessageText, []byte(`{"collection":"accounts"}`)))
	readFrame(t, conn)

	status, data := f.do(t, http.MethodPost, "/v1/collections/accounts/interrupt", f.token(t, true), "")
	require.Equal(t, http.StatusOK, status)
	require.JSONEq(t, `{"interrupted":1}`, string(data))

	frame := readFrame(t, conn)
	require.Equal(t, wire.FrameError, frame.Type)
	require.Equal(t, "unavailable", frame.Error.Code)
}
