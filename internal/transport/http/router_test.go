package httptransport

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	applobby "tonrody/internal/app/lobby"
	"tonrody/internal/audit"
	"tonrody/internal/chain"
	"tonrody/internal/config"
	"tonrody/internal/ingest"
	"tonrody/internal/ledger"
	"tonrody/internal/notify"
	"tonrody/internal/rounds"
	"tonrody/internal/seats"
	"tonrody/internal/store/memstore"
	"tonrody/internal/testutil"
	"tonrody/internal/ws"
)

const (
	adminKey      = "admin-key"
	jwtSecret     = "jwt-secret"
	webhookSecret = "whsec"
	webhookHMAC   = "whhmac"
)

type testServer struct {
	*httptest.Server
	st    *memstore.Store
	chain *testutil.FakeChain
}

func newTestServer(t *testing.T) testServer {
	t.Helper()
	st := memstore.New()
	hub := notify.NewHub(64)
	trail := audit.New(st)
	txlog := ledger.New(st)
	fc := &testutil.FakeChain{PayoutTx: "0xF00D"}
	sl := seats.New(st, hub, txlog, seats.Config{})
	re := rounds.New(st, trail, txlog, fc, hub)
	auth, err := ingest.NewAuthenticator(webhookSecret, webhookHMAC, nil)
	require.NoError(t, err)
	ing := ingest.New(st, sl, re, trail, txlog, hub, nil, ingest.Config{ContractAddress: "EQcontract", StakeToleranceNano: 1})

	cfg := config.ServerConfig{AdminAPIKey: adminKey, JWTSecret: jwtSecret}
	r := NewRouter(cfg, Deps{
		Store:    st,
		Chain:    fc,
		Lobby:    applobby.NewService(st, sl, re, trail, txlog, fc),
		Auth:     auth,
		Ingestor: ing,
		WS:       ws.NewServer(hub, 0),
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return testServer{Server: srv, st: st, chain: fc}
}

func userToken(t *testing.T, subject, secret string) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	return tok
}

func (s testServer) do(t *testing.T, method, path, body string, headers map[string]string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, s.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func (s testServer) createLobby(t *testing.T, seats int) string {
	t.Helper()
	code, body := s.do(t, http.MethodPost, "/api/lobbies", fmt.Sprintf(`{"stake":"1","seats":%d}`, seats), map[string]string{"X-Admin-Key": adminKey})
	require.Equal(t, http.StatusCreated, code, body)
	return body["id"].(string)
}

// webhookHeaders authenticates body with secretHeader carrying the shared secret.
func webhookHeaders(body, secretHeader string) map[string]string {
	h := map[string]string{"X-Signature": ingest.Sign([]byte(webhookHMAC), []byte(body))}
	if secretHeader != "" {
		h[secretHeader] = webhookSecret
	}
	return h
}

func bearer(tok string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + tok}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	code, body := s.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", body["status"])
	require.Equal(t, true, body["db_ok"])
	require.Equal(t, true, body["ws_ok"])

	s.chain.PingErr = chain.ErrUnavailable
	code, body = s.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "degraded", body["status"])
	require.Equal(t, false, body["chain_ok"])

	s.st.PingErr = fmt.Errorf("down")
	code, body = s.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, false, body["db_ok"])
}

func TestAdminRoutesRequireKey(t *testing.T) {
	s := newTestServer(t)

	code, body := s.do(t, http.MethodPost, "/api/lobbies", `{"stake":"1","seats":2}`, nil)
	require.Equal(t, http.StatusUnauthorized, code)
	require.Equal(t, "unauthorized", body["error"])

	code, _ = s.do(t, http.MethodGet, "/api/audit", "", bearer(adminKey))
	require.Equal(t, http.StatusOK, code)

	code, body = s.do(t, http.MethodPost, "/api/lobbies", `{"stake":"abc","seats":2}`, map[string]string{"X-Admin-Key": adminKey})
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "invalid_stake", body["error"])
	require.NotEmpty(t, body["message"])
}

func TestUserRoutesRequireToken(t *testing.T) {
	s := newTestServer(t)
	lobbyID := s.createLobby(t, 2)
	path := "/api/lobbies/" + lobbyID + "/join"

	code, _ := s.do(t, http.MethodPost, path, "", nil)
	require.Equal(t, http.StatusUnauthorized, code)

	code, _ = s.do(t, http.MethodPost, path, "", bearer(userToken(t, "alice", "wrong-secret")))
	require.Equal(t, http.StatusUnauthorized, code)

	code, body := s.do(t, http.MethodPost, path, `{"wallet":"EQalice"}`, bearer(userToken(t, "alice", jwtSecret)))
	require.Equal(t, http.StatusOK, code, body)
	seat := body["seat"].(map[string]any)
	require.Equal(t, "taken", seat["status"])
	require.Equal(t, "EQalice", seat["wallet"])

	code, body = s.do(t, http.MethodPost, path, "", bearer(userToken(t, "alice", jwtSecret)))
	require.Equal(t, http.StatusConflict, code)
	require.Equal(t, "already_occupying", body["error"])
}

func TestLobbyRoundOverHTTP(t *testing.T) {
	s := newTestServer(t)
	lobbyID := s.createLobby(t, 2)

	for i, user := range []string{"alice", "bob"} {
		code, body := s.do(t, http.MethodPost, "/api/lobbies/"+lobbyID+"/join", fmt.Sprintf(`{"wallet":"EQ%s"}`, user), bearer(userToken(t, user, jwtSecret)))
		require.Equal(t, http.StatusOK, code, body)
		require.Equal(t, float64(i), body["seat"].(map[string]any)["index"])
	}

	deposits := fmt.Sprintf(`[
		{"type":"DepositReceived","lobbyId":%q,"seatIndex":0,"amount":"1000000000","txHash":"0xAA"},
		{"type":"DepositReceived","lobbyId":%q,"seatIndex":1,"amountTon":"1","txHash":"0xBB"}
	]`, lobbyID, lobbyID)
	code, body := s.do(t, http.MethodPost, "/events", deposits, webhookHeaders(deposits, "X-Webhook-Secret"))
	require.Equal(t, http.StatusOK, code, body)
	require.Equal(t, float64(2), body["received"])
	for _, rc := range body["receipts"].([]any) {
		require.Equal(t, "persisted", rc.(map[string]any)["status"], rc)
	}

	code, body = s.do(t, http.MethodPost, "/ton/events", deposits, webhookHeaders(deposits, "X-Ton-Webhook-Secret"))
	require.Equal(t, http.StatusOK, code)
	for _, rc := range body["receipts"].([]any) {
		require.Equal(t, "duplicate", rc.(map[string]any)["status"])
	}

	code, body = s.do(t, http.MethodGet, "/api/lobbies/"+lobbyID, "", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "locked", body["status"])
	require.Equal(t, "2", body["poolTon"])

	code, body = s.do(t, http.MethodPost, "/api/lobbies/"+lobbyID+"/finalize", "", map[string]string{"X-Admin-Key": adminKey})
	require.Equal(t, http.StatusOK, code, body)
	require.Equal(t, "2", body["payoutTon"])
	require.Equal(t, "0xf00d", body["payoutTxHash"])
	roundID := body["round"].(map[string]any)["id"].(string)

	code, body = s.do(t, http.MethodGet, "/api/rounds/"+roundID+"/proof", "", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, body["verified"])
	require.NotEmpty(t, body["seedReveal"])

	code, body = s.do(t, http.MethodPost, "/api/lobbies/"+lobbyID+"/finalize", "", map[string]string{"X-Admin-Key": adminKey})
	require.Equal(t, http.StatusConflict, code)
	require.Equal(t, "round_finalized", body["error"])

	code, body = s.do(t, http.MethodGet, "/api/lobbies/"+lobbyID+"/ledger", "", nil)
	require.Equal(t, http.StatusOK, code)
	require.NotEmpty(t, body["items"])

	code, body = s.do(t, http.MethodPost, "/api/lobbies/"+lobbyID+"/rounds", "", map[string]string{"X-Admin-Key": adminKey})
	require.Equal(t, http.StatusCreated, code, body)
	require.Equal(t, float64(2), body["round"].(map[string]any)["number"])
}

func TestWebhookRejections(t *testing.T) {
	s := newTestServer(t)

	filled := `{"type":"LobbyFilled","lobbyId":"x","pool":1}`
	code, body := s.do(t, http.MethodPost, "/events", filled, nil)
	require.Equal(t, http.StatusUnauthorized, code)
	require.Equal(t, "invalid_webhook_secret", body["error"])

	code, body = s.do(t, http.MethodPost, "/events", filled, map[string]string{"X-Webhook-Secret": webhookSecret})
	require.Equal(t, http.StatusUnauthorized, code)
	require.Equal(t, "invalid_signature", body["error"])

	headers := webhookHeaders(filled, "X-Webhook-Secret")
	code, body = s.do(t, http.MethodPost, "/events", `{"type":"LobbyFilled","lobbyId":"x","pool":2}`, headers)
	require.Equal(t, http.StatusUnauthorized, code)
	require.Equal(t, "invalid_signature", body["error"])

	code, body = s.do(t, http.MethodPost, "/events?secret="+webhookSecret, `not json`, webhookHeaders(`not json`, ""))
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "invalid_payload", body["error"])

	code, body = s.do(t, http.MethodPost, "/events?secret="+webhookSecret, `[]`, webhookHeaders(`[]`, ""))
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, "no_recognizable_events", body["error"])
}

func TestRoundStateFallback(t *testing.T) {
	s := newTestServer(t)

	code, body := s.do(t, http.MethodGet, "/round-state/L1", "", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, body["isOnchain"])

	s.chain.StateErr = chain.ErrUnavailable
	code, body = s.do(t, http.MethodGet, "/ton/round-state/L1", "", nil)
	require.Equal(t, http.StatusOK, code)
	require.Nil(t, body["lobbyState"])
	require.Equal(t, true, body["isFallback"])
	require.Equal(t, "chain_unavailable", body["error"])
}

func TestErrorsAndMetrics(t *testing.T) {
	s := newTestServer(t)

	code, body := s.do(t, http.MethodGet, "/api/lobbies/missing", "", nil)
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, "lobby_not_found", body["error"])

	code, body = s.do(t, http.MethodGet, "/nope", "", nil)
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, "not_found", body["error"])

	resp, err := http.Get(s.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(raw), "http_request_duration_seconds")
}

func TestParsePagination(t *testing.T) {
	tests := []struct {
		query      string
		wantLimit  int
		wantOffset int
	}{
		{"", 50, 0},
		{"limit=10&offset=5", 10, 5},
		{"limit=0&offset=-3", 1, 0},
		{"limit=9999", 500, 0},
		{"limit=abc", 50, 0},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/?"+tt.query, nil)
		limit, offset := ParsePagination(r)
		if limit != tt.wantLimit || offset != tt.wantOffset {
			t.Fatalf("%q: got (%d,%d), want (%d,%d)", tt.query, limit, offset, tt.wantLimit, tt.wantOffset)
		}
	}
}
