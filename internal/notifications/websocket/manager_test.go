package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"carbon-scribe/analytics-engine/internal/reports"
	"carbon-scribe/analytics-engine/internal/reports/export"
	"carbon-scribe/analytics-engine/internal/reports/scheduler"
	"carbon-scribe/analytics-engine/pkg/security"
)

var generatedAt = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

type testServer struct {
	manager *Manager
	parser  *security.TokenParser
	server  *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	manager := NewManager(zap.NewNop())
	parser := security.NewTokenParser("secret", "analytics")
	router := gin.New()
	NewHandler(manager, parser, zap.NewNop()).RegisterRoutes(router)

	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		manager.Close()
		srv.Close()
	})
	return &testServer{manager: manager, parser: parser, server: srv}
}

func (s *testServer) dial(t *testing.T, userID string) *gorilla.Conn {
	t.Helper()
	token, err := s.parser.Sign(security.Context{UserID: userID, TenantID: "t1"}, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/ws/reports?access_token=" + token
	conn, resp, err := gorilla.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (s *testServer) waitForConnections(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return s.manager.GetConnectionCount() == n
	}, 2*time.Second, 10*time.Millisecond)
}

func subscribe(t *testing.T, conn *gorilla.Conn, reports ...string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(Message{
		Type: MessageTypeSubscribe,
		Data: map[string]any{"reports": reports},
	}))

	ack := readMessage(t, conn)
	require.Equal(t, MessageTypeStatus, ack.Type)
	data := ack.Data.(map[string]any)
	assert.Equal(t, "subscribed", data["status"])
}

func readMessage(t *testing.T, conn *gorilla.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func delivery(reportID string, format export.Format, data string, recipients ...string) *scheduler.Delivery {
	return &scheduler.Delivery{
		ScheduleID: reportID + "-hourly",
		Name:       "Hourly",
		Method:     scheduler.DeliveryWebsocket,
		Recipients: recipients,
		Result: &reports.ReportResult{
			ExecutionID:  "exec-" + reportID,
			DefinitionID: reportID,
			Name:         "Report " + reportID,
			Format:       format,
			Data:         []byte(data),
			RowCount:     1,
			GeneratedAt:  generatedAt,
		},
	}
}

func TestSubscribedConnectionReceivesOnlyItsReports(t *testing.T) {
	s := newTestServer(t)
	conn := s.dial(t, "u1")
	s.waitForConnections(t, 1)
	subscribe(t, conn, "r1")

	ctx := context.Background()
	require.NoError(t, s.manager.Deliver(ctx, delivery("r2", export.FormatJSON, `[{"n":2}]`)))
	require.NoError(t, s.manager.Deliver(ctx, delivery("r1", export.FormatJSON, `[{"n":1}]`)))

	msg := readMessage(t, conn)
	require.Equal(t, MessageTypeReport, msg.Type)
	notice := msg.Data.(map[string]any)
	assert.Equal(t, "r1", notice["report_id"])
	assert.Equal(t, "exec-r1", notice["execution_id"])
	assert.Equal(t, []any{map[string]any{"n": float64(1)}}, notice["result"])
}

func TestNonJSONReportsAreAnnouncedWithoutBody(t *testing.T) {
	s := newTestServer(t)
	conn := s.dial(t, "u1")
	s.waitForConnections(t, 1)

	require.NoError(t, s.manager.Deliver(context.Background(), delivery("r1", export.FormatCSV, "n\n1\n")))

	msg := readMessage(t, conn)
	notice := msg.Data.(map[string]any)
	assert.Equal(t, "csv", notice["format"])
	assert.NotContains(t, notice, "result")
}

func TestRecipientsRestrictDelivery(t *testing.T) {
	s := newTestServer(t)
	alice := s.dial(t, "alice")
	bob := s.dial(t, "bob")
	s.waitForConnections(t, 2)

	ctx := context.Background()
	require.NoError(t, s.manager.Deliver(ctx, delivery("r1", export.FormatCSV, "", "bob")))
	require.NoError(t, s.manager.Deliver(ctx, delivery("r2", export.FormatCSV, "")))

	// alice skips the bob-only notice and sees the broadcast first
	msg := readMessage(t, alice)
	assert.Equal(t, "r2", msg.Data.(map[string]any)["report_id"])

	msg = readMessage(t, bob)
	assert.Equal(t, "r1", msg.Data.(map[string]any)["report_id"])
	msg = readMessage(t, bob)
	assert.Equal(t, "r2", msg.Data.(map[string]any)["report_id"])
}

func TestUnknownMessageTypeGetsError(t *testing.T) {
	s := newTestServer(t)
	conn := s.dial(t, "u1")
	s.waitForConnections(t, 1)

	require.NoError(t, conn.WriteJSON(Message{Type: "unsubscribe"}))
	msg := readMessage(t, conn)
	assert.Equal(t, MessageTypeError, msg.Type)
}

func TestConnectionInfo(t *testing.T) {
	s := newTestServer(t)
	conn := s.dial(t, "u1")
	s.waitForConnections(t, 1)
	subscribe(t, conn, "r2", "r1")

	info := s.manager.GetConnectionInfo()
	require.Len(t, info, 1)
	assert.Equal(t, "u1", info[0].UserID)
	assert.Equal(t, "t1", info[0].TenantID)
	assert.Equal(t, []string{"r1", "r2"}, info[0].Subscriptions)

	require.NoError(t, conn.Close())
	s.waitForConnections(t, 0)
}

func TestHandshakeRequiresIdentity(t *testing.T) {
	s := newTestServer(t)
	anonymous, err := s.parser.Sign(security.Context{}, jwt.RegisteredClaims{})
	require.NoError(t, err)

	for name, query := range map[string]string{
		"missing":   "",
		"garbage":   "?access_token=not-a-token",
		"anonymous": "?access_token=" + anonymous,
	} {
		t.Run(name, func(t *testing.T) {
			url := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/ws/reports" + query
			_, resp, err := gorilla.DefaultDialer.Dial(url, nil)
			require.Error(t, err)
			require.NotNil(t, resp)
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		})
	}
}

func TestCloseDisconnectsClients(t *testing.T) {
	s := newTestServer(t)
	conn := s.dial(t, "u1")
	s.waitForConnections(t, 1)

	s.manager.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)

	err = s.manager.Deliver(context.Background(), delivery("r1", export.FormatCSV, ""))
	assert.Error(t, err)
	assert.Equal(t, 0, s.manager.GetConnectionCount())
}
