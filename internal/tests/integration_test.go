package tests

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/signalix/keyserver/internal/auth"
	"github.com/signalix/keyserver/internal/config"
	"github.com/signalix/keyserver/internal/db"
	httphandler "github.com/signalix/keyserver/internal/http"
	"github.com/signalix/keyserver/internal/http/handlers"
	"github.com/signalix/keyserver/internal/keys"
	"github.com/signalix/keyserver/internal/repo"
	"github.com/signalix/keyserver/internal/sms"
)

func TestMain(m *testing.M) {
	// Set env if unset. Do NOT set DATABASE_URL; integration tests skip if missing.
	if os.Getenv("JWT_SECRET") == "" {
		os.Setenv("JWT_SECRET", "test-jwt-secret-at-least-32-characters-long")
	}
	if os.Getenv("OTP_DEV_MODE") == "" {
		os.Setenv("OTP_DEV_MODE", "true")
	}

	code := m.Run()
	os.Exit(code)
}

// testServer holds the server and DB handles for integration tests
type testServer struct {
	Server *httptest.Server
	DB     *sql.DB
	Store  repo.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	if os.Getenv("DATABASE_URL") == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}

	cfg, err := config.Load()
	require.NoError(t, err, "config load must succeed for integration test")

	ctx := context.Background()
	log := zaptest.NewLogger(t)

	database, err := db.Open(ctx, cfg.DatabaseURL, log)
	require.NoError(t, err, "database open must succeed; check DATABASE_URL and that test DB exists")
	t.Cleanup(func() { database.Close() })
	require.NoError(t, RunMigrations(ctx, database), "migrations must run successfully")

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, 10)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	store := repo.NewStore(pool)
	tokens := auth.NewTokenIssuer(cfg.JWTSecret)
	otp := auth.NewOTPEngine(store, sms.NewLogSender(log), log, auth.OTPConfig{
		DevMode: true,
		Hash:    auth.HashParams{Time: 1, Memory: 1024, Threads: 1, KeyLen: 32},
	})
	authService := auth.NewService(otp, tokens, cfg.SessionTTL, log)
	keyService := keys.NewService(store, tokens, cfg.DeviceTokenTTL, log)

	router := httphandler.NewRouter(httphandler.RouterDeps{
		Register: handlers.NewRegisterHandler(authService, log),
		Keys:     handlers.NewKeysHandler(keyService, log),
		Messages: handlers.NewMessagesHandler(store.Messages(), log),
		Tokens:   tokens,
		Log:      log,
	})
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	ts := &testServer{Server: server, DB: database, Store: store}
	ts.Truncate(t)
	return ts
}

func (s *testServer) Truncate(t *testing.T) {
	t.Helper()
	require.NoError(t, TruncateTables(context.Background(), s.DB), "truncate tables")
}

func (s *testServer) post(t *testing.T, path, token string, body any) (int, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	return s.send(t, http.MethodPost, path, token, bytes.NewReader(raw))
}

func (s *testServer) get(t *testing.T, path, token string) (int, map[string]any) {
	t.Helper()
	return s.send(t, http.MethodGet, path, token, nil)
}

func (s *testServer) send(t *testing.T, method, path, token string, body io.Reader) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, s.Server.URL+path, body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := s.Server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	respBody := readBody(resp)
	if respBody != "" {
		require.NoError(t, json.Unmarshal([]byte(respBody), &out), respBody)
	}
	return resp.StatusCode, out
}

// register runs the full register + confirm flow and returns the session token and device id
func (s *testServer) register(t *testing.T, phone string) (token, userID, deviceID string) {
	t.Helper()
	status, res := s.post(t, "/v1/register", "", map[string]string{"phone_number": phone})
	require.Equal(t, http.StatusAccepted, status, res)
	require.NotEmpty(t, res["dev_otp"], "dev_otp must be present in dev mode")

	status, res = s.post(t, "/v1/register/confirm", "", map[string]string{"phone_number": phone, "otp": res["dev_otp"].(string)})
	require.Equal(t, http.StatusOK, status, res)
	return res["auth_token"].(string), res["user_id"].(string), res["device_id"].(string)
}

func b64(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

func uploadBody(prekeys int) map[string]any {
	otpks := make([]string, 0, prekeys)
	for i := 0; i < prekeys; i++ {
		otpks = append(otpks, b64(fmt.Sprintf("otpk-%d", i)))
	}
	return map[string]any{
		"identity_key_pub":        b64("identity"),
		"signed_prekey_pub":       b64("signed-prekey"),
		"signed_prekey_signature": b64("signature"),
		"one_time_prekeys":        otpks,
		"device_name":             "Integration phone",
		"push_token":              "push",
	}
}

func readBody(resp *http.Response) string {
	b, _ := io.ReadAll(resp.Body)
	return string(b)
}

func TestRegistrationIntegration(t *testing.T) {
	ts := newTestServer(t)
	const phone = "+491234567890"

	t.Run("A_Health", func(t *testing.T) {
		status, body := ts.get(t, "/health", "")
		assert.Equal(t, http.StatusOK, status)
		assert.Equal(t, true, body["ok"])
	})

	t.Run("B_RegisterTwiceRateLimited", func(t *testing.T) {
		ts.Truncate(t)
		status, _ := ts.post(t, "/v1/register", "", map[string]string{"phone_number": phone})
		require.Equal(t, http.StatusAccepted, status)
		status, body := ts.post(t, "/v1/register", "", map[string]string{"phone_number": phone})
		assert.Equal(t, http.StatusTooManyRequests, status)
		assert.Equal(t, float64(http.StatusTooManyRequests), body["status"])
	})

	t.Run("C_WrongCodePersistsAttempt", func(t *testing.T) {
		ts.Truncate(t)
		status, res := ts.post(t, "/v1/register", "", map[string]string{"phone_number": phone})
		require.Equal(t, http.StatusAccepted, status)
		code := res["dev_otp"].(string)
		wrong := "100000"
		if code == wrong {
			wrong = "100001"
		}

		status, _ = ts.post(t, "/v1/register/confirm", "", map[string]string{"phone_number": phone, "otp": wrong})
		assert.Equal(t, http.StatusUnauthorized, status)

		var attempts int
		require.NoError(t, ts.DB.QueryRow("SELECT attempt_count FROM verification_codes WHERE phone_number = $1", phone).Scan(&attempts))
		assert.Equal(t, 1, attempts)

		status, body := ts.post(t, "/v1/register/confirm", "", map[string]string{"phone_number": phone, "otp": code})
		require.Equal(t, http.StatusOK, status, body)

		var remaining int
		require.NoError(t, ts.DB.QueryRow("SELECT COUNT(*) FROM verification_codes").Scan(&remaining))
		assert.Zero(t, remaining, "code must be single use")

		var name string
		require.NoError(t, ts.DB.QueryRow("SELECT name FROM users WHERE phone_number = $1", phone).Scan(&name))
		assert.Equal(t, "New user", name)
	})

	t.Run("D_Lockout", func(t *testing.T) {
		ts.Truncate(t)
		status, res := ts.post(t, "/v1/register", "", map[string]string{"phone_number": phone})
		require.Equal(t, http.StatusAccepted, status)
		code := res["dev_otp"].(string)
		wrong := "100000"
		if code == wrong {
			wrong = "100001"
		}
		for i := 0; i < 5; i++ {
			status, _ := ts.post(t, "/v1/register/confirm", "", map[string]string{"phone_number": phone, "otp": wrong})
			require.Equal(t, http.StatusUnauthorized, status)
		}
		status, _ = ts.post(t, "/v1/register/confirm", "", map[string]string{"phone_number": phone, "otp": code})
		assert.Equal(t, http.StatusForbidden, status)
	})
}

func TestKeysIntegration(t *testing.T) {
	ts := newTestServer(t)

	token, userID, deviceID := ts.register(t, "+491111111111")

	status, res := ts.post(t, "/v1/keys", token, uploadBody(3))
	require.Equal(t, http.StatusOK, status, res)
	assert.Equal(t, deviceID, res["device_id"])
	token = res["auth_token"].(string)

	status, res = ts.post(t, "/v1/keys", token, uploadBody(3))
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "Keys already uploaded", res["message"])

	status, res = ts.get(t, "/v1/keys/prekeys/count", token)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(3), res["available"])

	status, res = ts.get(t, "/v1/devices", token)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, res["data"], 1)

	peerToken, _, _ := ts.register(t, "+492222222222")
	status, res = ts.get(t, "/v1/devices/"+deviceID+"/bundle", peerToken)
	require.Equal(t, http.StatusOK, status, res)
	assert.Equal(t, userID, res["user_id"])
	assert.NotNil(t, res["one_time_prekey"])

	status, res = ts.post(t, "/v1/keys/prekeys", token, map[string]any{"one_time_prekeys": []string{b64("more")}})
	require.Equal(t, http.StatusOK, status, res)
	assert.Equal(t, float64(3), res["available"])

	_, err := ts.DB.Exec(`INSERT INTO messages (recipient_user_id, recipient_device_id, ciphertext, message_type, protocol_version)
		VALUES ($1, $2, $3, 1, 1), ($1, NULL, $3, 1, 1)`, userID, deviceID, []byte("ct"))
	require.NoError(t, err)
	status, res = ts.get(t, "/v1/messages?limit=1", token)
	require.Equal(t, http.StatusOK, status, res)
	require.Len(t, res["data"], 1)
	assert.NotNil(t, res["next_before"])
}
