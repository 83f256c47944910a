package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaudehloBiz/jobber-backend/internal/auth"
	"github.com/BaudehloBiz/jobber-backend/internal/metrics"
	"github.com/BaudehloBiz/jobber-backend/internal/model"
	"github.com/BaudehloBiz/jobber-backend/internal/protocol"
	"github.com/BaudehloBiz/jobber-backend/internal/session"
	"github.com/BaudehloBiz/jobber-backend/internal/store"
)

type stubTokenStore struct {
	tokens map[string]string
}

func (s *stubTokenStore) FindActiveToken(_ context.Context, token string) (*model.TenantToken, error) {
	customerID, ok := s.tokens[token]
	if !ok {
		return nil, store.ErrTokenNotFound
	}
	return &model.TenantToken{Token: token, CustomerID: customerID, IsActive: true}, nil
}

func newTestServer(t *testing.T, broker Broker) (*httptest.Server, *session.Registry) {
	t.Helper()

	logger := zap.NewNop()
	m := metrics.NewMetrics()
	registry := session.NewRegistry()
	fanout := NewFanout(registry, nil, m, logger)
	dispatcher := NewDispatcher(broker, registry, fanout, m, logger)
	tokens := &stubTokenStore{tokens: map[string]string{"tok-good": "cust-1"}}
	gw := NewGateway(auth.NewAuthenticator(tokens, logger), registry, dispatcher, m, logger, 16)

	server := httptest.NewServer(http.HandlerFunc(gw.HandleWS))
	t.Cleanup(server.Close)
	return server, registry
}

func dialWS(t *testing.T, server *httptest.Server, header http.Header, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) *protocol.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env protocol.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return &env
}

func TestHandshakeWithBearerToken(t *testing.T) {
	server, registry := newTestServer(t, new(MockBroker))

	header := http.Header{"Authorization": []string{"Bearer tok-good"}}
	conn := dialWS(t, server, header, "")

	env := readEnvelope(t, conn)
	assert.Equal(t, protocol.TypeClientReady, env.Type)

	var ready protocol.ClientReady
	require.NoError(t, json.Unmarshal(env.Data, &ready))
	assert.Equal(t, "cust-1", ready.CustomerID)
	assert.True(t, strings.HasPrefix(ready.ID, "client-cust-1-"))

	require.Eventually(t, func() bool { return registry.Len() == 1 }, time.Second, 10*time.Millisecond)
}

func TestHandshakeWithQueryToken(t *testing.T) {
	server, _ := newTestServer(t, new(MockBroker))

	conn := dialWS(t, server, nil, "?token=tok-good")

	env := readEnvelope(t, conn)
	assert.Equal(t, protocol.TypeClientReady, env.Type)
}

func TestHandshakeRejectsMissingToken(t *testing.T) {
	server, registry := newTestServer(t, new(MockBroker))

	conn := dialWS(t, server, nil, "")

	env := readEnvelope(t, conn)
	assert.Equal(t, protocol.TypeError, env.Type)

	var event protocol.ErrorEvent
	require.NoError(t, json.Unmarshal(env.Data, &event))
	assert.Contains(t, event.Message, "authentication required")

	// The server closes the connection; the next read must fail.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var discard protocol.Envelope
	assert.Error(t, conn.ReadJSON(&discard))
	assert.Equal(t, 0, registry.Len())
}

func TestHandshakeRejectsUnknownToken(t *testing.T) {
	server, registry := newTestServer(t, new(MockBroker))

	conn := dialWS(t, server, nil, "?token=tok-bogus")

	env := readEnvelope(t, conn)
	assert.Equal(t, protocol.TypeError, env.Type)
	assert.Equal(t, 0, registry.Len())
}

func TestRequestReplyRoundTrip(t *testing.T) {
	broker := new(MockBroker)
	broker.On("Publish", mock.Anything, "cust-1/welcome-email", mock.Anything, mock.Anything).
		Return("job-42", nil)

	server, _ := newTestServer(t, broker)
	conn := dialWS(t, server, nil, "?token=tok-good")
	readEnvelope(t, conn) // client_ready

	data, err := json.Marshal(protocol.SendJobRequest{Name: "welcome-email"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(&protocol.Envelope{
		Type: protocol.TypeSendJob,
		ID:   "req-1",
		Data: data,
	}))

	reply := readEnvelope(t, conn)
	assert.Equal(t, protocol.TypeReply, reply.Type)
	assert.Equal(t, "req-1", reply.ID)

	var ack protocol.SendJobReply
	require.NoError(t, json.Unmarshal(reply.Data, &ack))
	assert.Equal(t, "job-42", ack.JobID)
}

func TestUnparseableFrameIsSkipped(t *testing.T) {
	broker := new(MockBroker)
	broker.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return("job-1", nil)

	server, _ := newTestServer(t, broker)
	conn := dialWS(t, server, nil, "?token=tok-good")
	readEnvelope(t, conn) // client_ready

	// Garbage must not kill the connection.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{{{")))

	data, err := json.Marshal(protocol.SendJobRequest{Name: "still-alive"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(&protocol.Envelope{
		Type: protocol.TypeSendJob,
		ID:   "req-2",
		Data: data,
	}))

	reply := readEnvelope(t, conn)
	assert.Equal(t, "req-2", reply.ID)
}

func TestDisconnectCleansUpSession(t *testing.T) {
	server, registry := newTestServer(t, new(MockBroker))

	conn := dialWS(t, server, nil, "?token=tok-good")
	readEnvelope(t, conn)
	require.Eventually(t, func() bool { return registry.Len() == 1 }, time.Second, 10*time.Millisecond)

	conn.Close()

	require.Eventually(t, func() bool { return registry.Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestExtractToken(t *testing.T) {
	withHeader := httptest.NewRequest(http.MethodGet, "/ws", nil)
	withHeader.Header.Set("Authorization", "Bearer tok-1")
	assert.Equal(t, "tok-1", extractToken(withHeader))

	withQuery := httptest.NewRequest(http.MethodGet, "/ws?token=tok-2", nil)
	assert.Equal(t, "tok-2", extractToken(withQuery))

	// The header wins when both are present.
	both := httptest.NewRequest(http.MethodGet, "/ws?token=tok-2", nil)
	both.Header.Set("Authorization", "Bearer tok-1")
	assert.Equal(t, "tok-1", extractToken(both))

	neither := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.Equal(t, "", extractToken(neither))
}
