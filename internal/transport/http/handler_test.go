package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mailbus/kernel/internal/config"
	"mailbus/kernel/internal/health"
	"mailbus/kernel/internal/mailbox"
	"mailbus/kernel/internal/monitoring"
	memoryprovider "mailbus/kernel/internal/provider/memory"
	"mailbus/kernel/internal/websocket"
)

// promauto 注册到全局 registry，整个测试进程只能构造一次
var testMetrics = monitoring.NewMetrics()

func init() {
	gin.SetMode(gin.TestMode)
}

func testConfig() *config.Config {
	return &config.Config{
		CORS:      config.CORSConfig{AllowedOrigins: []string{"*"}},
		RateLimit: config.RateLimitConfig{RPS: 10000, Burst: 10000},
	}
}

func newTestRouter(t *testing.T, cfg *config.Config) *gin.Engine {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	bus := memoryprovider.NewBus(memoryprovider.WithSweepInterval(20 * time.Millisecond))
	bus.Start(ctx)
	t.Cleanup(bus.Close)

	mb := mailbox.New()
	require.NoError(t, mb.RegisterProvider(memoryprovider.NewProvider(bus)))

	hub := websocket.NewHub(mb, cfg.CORS.AllowedOrigins, zap.NewNop())
	t.Cleanup(hub.Close)

	return NewRouter(ctx, RouterDependencies{
		Config:       cfg,
		Mailbox:      mb,
		Metrics:      testMetrics,
		Health:       health.NewChecker(mb, zap.NewNop()),
		WebSocketHub: hub,
		Logger:       zap.NewNop(),
	})
}

func doJSON(router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

// envelope 解析统一响应结构
type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

func TestPostAndFetch(t *testing.T) {
	router := newTestRouter(t, testConfig())

	t.Run("投递后可拉取且队列只出一次", func(t *testing.T) {
		rec := doJSON(router, http.MethodPost, "/api/v1/messages", postRequest{
			From: "mem:cli@ex.com/user",
			To:   "mem:svc@ex.com/post-fetch",
			Body: json.RawMessage(`{"text":"hello"}`),
		})
		require.Equal(t, http.StatusCreated, rec.Code)

		var posted messagePayload
		env := decodeEnvelope(t, rec)
		require.NoError(t, json.Unmarshal(env.Data, &posted))
		assert.NotEmpty(t, posted.ID)
		assert.Equal(t, "mem:svc@ex.com/post-fetch", posted.To)

		rec = doJSON(router, http.MethodGet, "/api/v1/messages?address=mem:svc@ex.com/post-fetch", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var fetched messagePayload
		env = decodeEnvelope(t, rec)
		require.NoError(t, json.Unmarshal(env.Data, &fetched))
		assert.Equal(t, posted.ID, fetched.ID)
		assert.JSONEq(t, `{"text":"hello"}`, string(fetched.Body))
		assert.False(t, fetched.NeedsAck)

		// 队列已空
		rec = doJSON(router, http.MethodGet, "/api/v1/messages?address=mem:svc@ex.com/post-fetch", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		env = decodeEnvelope(t, rec)
		assert.Empty(t, env.Data)
	})

	t.Run("非法地址返回400", func(t *testing.T) {
		rec := doJSON(router, http.MethodPost, "/api/v1/messages", postRequest{
			From: "mem:cli@ex.com/user",
			To:   "not-an-address",
			Body: json.RawMessage(`1`),
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("未注册协议返回404", func(t *testing.T) {
		rec := doJSON(router, http.MethodPost, "/api/v1/messages", postRequest{
			From: "mem:cli@ex.com/user",
			To:   "xmpp:svc@ex.com/inbox",
			Body: json.RawMessage(`1`),
		})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("缺少address参数返回400", func(t *testing.T) {
		rec := doJSON(router, http.MethodGet, "/api/v1/messages", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestManualAckFlow(t *testing.T) {
	router := newTestRouter(t, testConfig())
	address := "mem:svc@ex.com/manual"

	post := func(body string) {
		rec := doJSON(router, http.MethodPost, "/api/v1/messages", postRequest{
			From: "mem:cli@ex.com/user",
			To:   address,
			Body: json.RawMessage(body),
		})
		require.Equal(t, http.StatusCreated, rec.Code)
	}
	fetchManual := func() messagePayload {
		rec := doJSON(router, http.MethodGet,
			fmt.Sprintf("/api/v1/messages?address=%s&manual_ack=true", address), nil)
		require.Equal(t, http.StatusOK, rec.Code)
		env := decodeEnvelope(t, rec)
		require.NotEmpty(t, env.Data)
		var msg messagePayload
		require.NoError(t, json.Unmarshal(env.Data, &msg))
		return msg
	}

	t.Run("确认成功后句柄失效", func(t *testing.T) {
		post(`"m1"`)
		msg := fetchManual()
		assert.True(t, msg.NeedsAck)

		rec := doJSON(router, http.MethodPost, "/api/v1/messages/"+msg.ID+"/ack", nil)
		assert.Equal(t, http.StatusNoContent, rec.Code)

		// 句柄已被取走，重复确认返回404
		rec = doJSON(router, http.MethodPost, "/api/v1/messages/"+msg.ID+"/ack", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("拒绝并重回队列后可再次拉取", func(t *testing.T) {
		post(`"m2"`)
		msg := fetchManual()

		rec := doJSON(router, http.MethodPost, "/api/v1/messages/"+msg.ID+"/nack", nackRequest{Requeue: true})
		require.Equal(t, http.StatusNoContent, rec.Code)

		again := fetchManual()
		assert.Equal(t, msg.ID, again.ID)

		rec = doJSON(router, http.MethodPost, "/api/v1/messages/"+again.ID+"/ack", nil)
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})

	t.Run("拒绝丢弃后消息不再出现", func(t *testing.T) {
		post(`"m3"`)
		msg := fetchManual()

		rec := doJSON(router, http.MethodPost, "/api/v1/messages/"+msg.ID+"/nack", nackRequest{Requeue: false})
		require.Equal(t, http.StatusNoContent, rec.Code)

		rec = doJSON(router, http.MethodGet,
			fmt.Sprintf("/api/v1/messages?address=%s&manual_ack=true", address), nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, decodeEnvelope(t, rec).Data)
	})

	t.Run("未知消息ID返回404", func(t *testing.T) {
		rec := doJSON(router, http.MethodPost, "/api/v1/messages/no-such-id/ack", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("非法超时参数返回400", func(t *testing.T) {
		rec := doJSON(router, http.MethodGet,
			fmt.Sprintf("/api/v1/messages?address=%s&manual_ack=true&ack_timeout=bogus", address), nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestMailboxStatusEndpoint(t *testing.T) {
	router := newTestRouter(t, testConfig())
	address := "mem:svc@ex.com/status"

	rec := doJSON(router, http.MethodPost, "/api/v1/messages", postRequest{
		From: "mem:cli@ex.com/user",
		To:   address,
		Body: json.RawMessage(`1`),
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(router, http.MethodGet, "/api/v1/mailboxes/status?address="+address, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status statusPayload
	env := decodeEnvelope(t, rec)
	require.NoError(t, json.Unmarshal(env.Data, &status))
	assert.Equal(t, 1, status.UnreadCount)
	assert.NotNil(t, status.LastActivity)
}

func TestJWTAuth(t *testing.T) {
	secret := "0123456789abcdef0123456789abcdef"
	cfg := testConfig()
	cfg.Auth = config.AuthConfig{JWTSecret: secret, Issuer: "mailbus"}
	router := newTestRouter(t, cfg)

	t.Run("缺少令牌返回401", func(t *testing.T) {
		rec := doJSON(router, http.MethodGet, "/api/v1/messages?address=mem:a@b.c/d", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("有效令牌放行", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			Issuer:    "mailbus",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		})
		signed, err := token.SignedString([]byte(secret))
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/api/v1/messages?address=mem:a@b.c/d", nil)
		req.Header.Set("Authorization", "Bearer "+signed)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("错误签名返回401", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			Issuer:    "mailbus",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		})
		signed, err := token.SignedString([]byte("ffffffffffffffffffffffffffffffff"))
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/api/v1/messages?address=mem:a@b.c/d", nil)
		req.Header.Set("Authorization", "Bearer "+signed)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("探针与指标不走认证", func(t *testing.T) {
		rec := doJSON(router, http.MethodGet, "/live", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		rec = doJSON(router, http.MethodGet, "/metrics", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}
