package gateway

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"devbridge/internal/certengine"
)

type recorder struct {
	mu       sync.Mutex
	ports    []int
	attempts []ClientQuery
	errs     []error
}

func (r *recorder) OnListening(port int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ports = append(r.ports, port)
}

func (r *recorder) OnConnectionAttempt(cq ClientQuery) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, cq)
}

func (r *recorder) OnError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func (r *recorder) connAttempts() []ClientQuery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ClientQuery(nil), r.attempts...)
}

// echoHandler answers every message with its method and the caller's app,
// except "silent" which gets no response and "fail" which errors.
type echoHandler struct {
	calls atomic.Int32
}

func (h *echoHandler) HandleMessage(_ context.Context, conn *ConnContext, msg Message) (any, error) {
	h.calls.Add(1)
	cq, _ := conn.Identity()
	switch msg.Method() {
	case "silent":
		return nil, nil
	case "fail":
		return nil, errors.New("handler exploded")
	}
	return map[string]string{"method": msg.Method(), "app": cq.App}, nil
}

func validQuery() url.Values {
	return url.Values{
		"device_id": {"emulator-5554"},
		"device":    {"Pixel"},
		"app":       {"MyApp"},
		"os":        {"Android"},
	}
}

func startPlain(t *testing.T, h MessageHandler, opts ...Option) (*Gateway, *recorder, int) {
	t.Helper()
	rec := &recorder{}
	opts = append([]Option{WithHost("127.0.0.1"), WithLogger(zap.NewNop())}, opts...)
	g := New(Plain(), rec, h, opts...)
	port, err := g.Start(0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Stop() })
	return g, rec, port
}

func wsURL(scheme string, port int, q url.Values) string {
	u := url.URL{Scheme: scheme, Host: "127.0.0.1:" + strconv.Itoa(port), Path: "/"}
	if q != nil {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func dial(t *testing.T, port int, q url.Values) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL("ws", port, q), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func roundTrip(t *testing.T, conn *websocket.Conn, frame string) map[string]string {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var resp map[string]string
	require.NoError(t, conn.ReadJSON(&resp))
	return resp
}

// expectClose reads until the server closes the socket and returns the
// close code.
func expectClose(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		require.True(t, errors.As(err, &ce), "expected close frame, got %v", err)
		return ce.Code
	}
}

func TestGateway_StartPicksPort(t *testing.T) {
	_, rec, port := startPlain(t, &echoHandler{})
	assert.NotZero(t, port)
	assert.Equal(t, []int{port}, rec.ports)
}

func TestGateway_StartTwice(t *testing.T) {
	g, _, _ := startPlain(t, &echoHandler{})
	_, err := g.Start(0)
	assert.ErrorIs(t, err, ErrAlreadyStarted)
}

func TestGateway_PortInUse(t *testing.T) {
	_, _, port := startPlain(t, &echoHandler{})

	other := New(Plain(), nil, &echoHandler{}, WithHost("127.0.0.1"))
	_, err := other.Start(port)
	var se *StartupError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, port, se.Port)
	assert.Contains(t, err.Error(), "unable to start server at port "+strconv.Itoa(port))
	assert.NoError(t, other.Stop())
}

// reentrantListener queries the gateway from inside OnListening.
type reentrantListener struct {
	NopListener
	g    *Gateway
	seen chan int
}

func (l *reentrantListener) OnListening(int) { l.seen <- l.g.Port() }

func TestGateway_OnListeningCanCallBack(t *testing.T) {
	l := &reentrantListener{seen: make(chan int, 1)}
	g := New(Plain(), l, &echoHandler{}, WithHost("127.0.0.1"))
	l.g = g
	t.Cleanup(func() { _ = g.Stop() })

	started := make(chan int, 1)
	go func() {
		port, err := g.Start(0)
		assert.NoError(t, err)
		started <- port
	}()

	select {
	case port := <-started:
		assert.Equal(t, port, <-l.seen)
	case <-time.After(3 * time.Second):
		t.Fatal("Start blocked while OnListening called Port")
	}
}

func TestGateway_StopBeforeStart(t *testing.T) {
	g := New(Plain(), nil, &echoHandler{})
	assert.NoError(t, g.Stop())
	assert.Zero(t, g.Port())
}

func TestGateway_RespondsWithHandlerResult(t *testing.T) {
	h := &echoHandler{}
	_, rec, port := startPlain(t, h)
	conn := dial(t, port, validQuery())

	resp := roundTrip(t, conn, `{"method":"getPlugins"}`)
	assert.Equal(t, map[string]string{"method": "getPlugins", "app": "MyApp"}, resp)

	// A nil response writes nothing; the next reply belongs to the next frame.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"method":"silent"}`)))
	resp = roundTrip(t, conn, `{"method":"ping"}`)
	assert.Equal(t, "ping", resp["method"])
	assert.EqualValues(t, 3, h.calls.Load())

	attempts := rec.connAttempts()
	require.Len(t, attempts, 1)
	assert.Equal(t, "emulator-5554", attempts[0].DeviceID)
	assert.Equal(t, MediumFSAccess, attempts[0].Medium)
}

func TestGateway_HandshakeFailures(t *testing.T) {
	tests := []struct {
		name  string
		query url.Values
	}{
		{"no query", nil},
		{"missing app", url.Values{"device_id": {"d"}, "device": {"x"}, "os": {"Android"}}},
		{"os without cert exchange", url.Values{"device_id": {"d"}, "device": {"x"}, "app": {"MyApp"}, "os": {"Linux"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &echoHandler{}
			_, rec, port := startPlain(t, h)
			conn := dial(t, port, tt.query)

			assert.Equal(t, int(CloseInternalError), expectClose(t, conn))
			assert.Zero(t, h.calls.Load())
			assert.Empty(t, rec.connAttempts())

			errs := rec.errors()
			require.Len(t, errs, 1)
			var ce *ConnError
			require.ErrorAs(t, errs[0], &ce)
			assert.Equal(t, KindHandshake, ce.Kind)
		})
	}
}

func TestGateway_InvalidFrameClosesOnlyThatConnection(t *testing.T) {
	_, rec, port := startPlain(t, &echoHandler{})
	bad := dial(t, port, validQuery())
	good := dial(t, port, validQuery())
	roundTrip(t, good, `{"method":"hello"}`)

	require.NoError(t, bad.WriteMessage(websocket.TextMessage, []byte("not json")))
	assert.Equal(t, int(CloseInternalError), expectClose(t, bad))

	resp := roundTrip(t, good, `{"method":"still-here"}`)
	assert.Equal(t, "still-here", resp["method"])

	errs := rec.errors()
	require.Len(t, errs, 1)
	var ce *ConnError
	require.ErrorAs(t, errs[0], &ce)
	assert.Equal(t, KindMessage, ce.Kind)
}

func TestGateway_HandlerErrorIsInternal(t *testing.T) {
	_, rec, port := startPlain(t, &echoHandler{})
	conn := dial(t, port, validQuery())

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"method":"fail"}`)))
	assert.Equal(t, int(CloseInternalError), expectClose(t, conn))

	errs := rec.errors()
	require.Len(t, errs, 1)
	var ce *ConnError
	require.ErrorAs(t, errs[0], &ce)
	assert.Equal(t, KindInternal, ce.Kind)
	assert.ErrorContains(t, ce, "handler exploded")
}

func TestGateway_OversizedFrameClosesConnection(t *testing.T) {
	h := &echoHandler{}
	_, _, port := startPlain(t, h, WithMaxMessageSize(64))
	conn := dial(t, port, validQuery())

	big := `{"method":"` + strings.Repeat("x", 1024) + `"}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(big)))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	assert.Zero(t, h.calls.Load())
}

func TestGateway_VerifyClientRejectsUpgrade(t *testing.T) {
	_, _, port := startPlain(t, &echoHandler{}, WithVerifyClient(func(*http.Request) bool { return false }))

	_, resp, err := websocket.DefaultDialer.Dial(wsURL("ws", port, validQuery()), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGateway_StopClosesConnectionsBeforeListener(t *testing.T) {
	g, _, port := startPlain(t, &echoHandler{})

	var phases []string
	g.trace = func(phase string) { phases = append(phases, phase) }

	conns := []*websocket.Conn{dial(t, port, validQuery()), dial(t, port, validQuery())}
	for _, c := range conns {
		roundTrip(t, c, `{"method":"hello"}`)
	}

	require.NoError(t, g.Stop())
	assert.Equal(t, []string{"protocol", "transport"}, phases)
	for _, c := range conns {
		assert.Equal(t, int(CloseGoingAway), expectClose(t, c))
	}
	assert.Zero(t, g.Port())

	_, _, err := websocket.DefaultDialer.Dial(wsURL("ws", port, validQuery()), nil)
	assert.Error(t, err)

	// Stopping again is a no-op.
	assert.NoError(t, g.Stop())
}

func TestGateway_RestartAfterStop(t *testing.T) {
	g, _, _ := startPlain(t, &echoHandler{})
	require.NoError(t, g.Stop())

	port, err := g.Start(0)
	require.NoError(t, err)
	conn := dial(t, port, validQuery())
	assert.Equal(t, "again", roundTrip(t, conn, `{"method":"again"}`)["method"])
}

func TestGateway_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	again, err := NewMetrics(reg)
	require.NoError(t, err, "registering twice shares collectors")

	_, _, port := startPlain(t, &echoHandler{}, WithMetrics(m))
	conn := dial(t, port, validQuery())
	roundTrip(t, conn, `{"method":"hello"}`)

	assert.Equal(t, 1.0, testutil.ToFloat64(again.connections.WithLabelValues("insecure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.active.WithLabelValues("insecure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.messages.WithLabelValues("insecure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.responses.WithLabelValues("insecure")))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("[1,2]")))
	expectClose(t, conn)
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(m.active.WithLabelValues("insecure")) == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connectionErrors.WithLabelValues("insecure", "message")))
}

func TestNilMetricsRecordNothing(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.connOpened("insecure")
		m.connClosed("insecure")
		m.connFailed("insecure", KindInternal)
		m.messageReceived("insecure")
		m.responseSent("insecure")
	})
}

// --- mutual TLS ---

type tlsFixture struct {
	engine *certengine.Engine
	caPool *x509.CertPool
}

func newTLSFixture(t *testing.T) (*tlsFixture, *tls.Config) {
	t.Helper()
	ctx := context.Background()
	engine, err := certengine.New(certengine.Options{
		Root:    t.TempDir(),
		TempDir: t.TempDir(),
		Logger:  zap.NewNop(),
	})
	require.NoError(t, err)
	require.NoError(t, engine.Setup(ctx))

	secure, err := engine.LoadSecureServerConfig(ctx)
	require.NoError(t, err)
	secure.RequestCert = true
	secure.RejectUnauthorized = true
	serverTLS, err := secure.TLSConfig()
	require.NoError(t, err)

	pool := x509.NewCertPool()
	require.True(t, pool.AppendCertsFromPEM(secure.CA))
	return &tlsFixture{engine: engine, caPool: pool}, serverTLS
}

// clientCert issues a certificate for app through the engine's issuer.
func (f *tlsFixture) clientCert(t *testing.T, app string) tls.Certificate {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: app, Organization: []string{"Test"}},
	}, key)
	require.NoError(t, err)
	csr := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der})

	certPEM, err := f.engine.Issuer().Sign(context.Background(), string(csr))
	require.NoError(t, err)
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	pair, err := tls.X509KeyPair([]byte(certPEM), keyPEM)
	require.NoError(t, err)
	return pair
}

func (f *tlsFixture) dialer(certs ...tls.Certificate) *websocket.Dialer {
	return &websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
		TLSClientConfig: &tls.Config{
			RootCAs:      f.caPool,
			ServerName:   "localhost",
			Certificates: certs,
		},
	}
}

func TestGateway_MutualTLS(t *testing.T) {
	fx, serverTLS := newTLSFixture(t)
	rec := &recorder{}
	g := New(MutualTLS(serverTLS), rec, &echoHandler{}, WithHost("127.0.0.1"))
	port, err := g.Start(0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Stop() })

	q := validQuery()
	q.Set("os", "Linux") // any OS is fine once the client holds a certificate
	q.Set("csr_path", "/data/local/tmp/app.csr")

	t.Run("client certificate accepted", func(t *testing.T) {
		conn, _, err := fx.dialer(fx.clientCert(t, "MyApp")).Dial(wsURL("wss", port, q), nil)
		require.NoError(t, err)
		defer conn.Close()

		resp := roundTrip(t, conn, `{"method":"hello"}`)
		assert.Equal(t, "MyApp", resp["app"])

		attempts := rec.connAttempts()
		require.NotEmpty(t, attempts)
		assert.Equal(t, "/data/local/tmp/app.csr", attempts[len(attempts)-1].CSRPath)
	})

	t.Run("no client certificate", func(t *testing.T) {
		conn, _, err := fx.dialer().Dial(wsURL("wss", port, q), nil)
		if err == nil {
			// TLS 1.3 clients learn of the rejection on first read.
			defer conn.Close()
			require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
			_, _, err = conn.ReadMessage()
		}
		assert.Error(t, err)
	})

	t.Run("plain client on secure port", func(t *testing.T) {
		_, _, err := websocket.DefaultDialer.Dial(wsURL("ws", port, q), nil)
		assert.Error(t, err)
	})
}
