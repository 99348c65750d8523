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
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudcodex/gateway/internal/broker"
	"github.com/cloudcodex/gateway/internal/domain"
	"github.com/cloudcodex/gateway/internal/policy"
	"github.com/cloudcodex/gateway/internal/registry"
)

type fakeAgent struct{}

func (f *fakeAgent) Start(ctx context.Context) error { return nil }

func (f *fakeAgent) Initialize(ctx context.Context, clientInfo map[string]any) error { return nil }

func (f *fakeAgent) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return json.RawMessage(`{"threadId":"t1"}`), nil
}

func (f *fakeAgent) Stop() error { return nil }

func newTestGateway(t *testing.T) (*Server, *registry.Registry, *httptest.Server) {
	t.Helper()

	reg := registry.New(registry.Config{WorkspaceRoot: t.TempDir()},
		func(sessionID, userID, workDir string, hooks registry.Hooks) registry.AgentProcess {
			return &fakeAgent{}
		})
	t.Cleanup(reg.Shutdown)

	engine, err := policy.NewEngine(context.Background(), nil, nil, "")
	require.NoError(t, err)
	auditor := broker.NewAuditor(nil)
	brk := broker.New(engine, auditor, time.Minute, domain.DecisionDecline)

	gw := NewServer(reg, brk, auditor)
	e := echo.New()
	e.HideBanner = true
	gw.RegisterRoutes(e)
	gw.RegisterInternalRoutes(e)

	ts := httptest.NewServer(e)
	t.Cleanup(ts.Close)
	return gw, reg, ts
}

func dial(t *testing.T, ts *httptest.Server, userID string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?user_id=" + userID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame Frame
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func TestConnectHandshake(t *testing.T) {
	_, _, ts := newTestGateway(t)
	conn := dial(t, ts, "u1")

	frame := readFrame(t, conn)
	assert.Equal(t, TypeResponse, frame.Type)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(frame.Payload, &payload))
	assert.Equal(t, "connected", payload["status"])
	assert.NotEmpty(t, payload["sessionId"])
}

func TestMissingIdentityRejected(t *testing.T) {
	_, _, ts := newTestGateway(t)

	resp, err := http.Get(ts.URL + "/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTurnStartForwarded(t *testing.T) {
	_, _, ts := newTestGateway(t)
	conn := dial(t, ts, "u1")
	readFrame(t, conn) // connected

	payload, _ := json.Marshal(map[string]any{"threadId": "t1", "input": "hello"})
	require.NoError(t, conn.WriteJSON(Frame{Type: TypeTurnStart, Payload: payload, RequestID: "r1"}))

	frame := readFrame(t, conn)
	assert.Equal(t, TypeResponse, frame.Type)
	assert.Equal(t, "r1", frame.RequestID)
	assert.JSONEq(t, `{"threadId":"t1"}`, string(frame.Payload))
}

func TestUnknownFrameTypeErrors(t *testing.T) {
	_, _, ts := newTestGateway(t)
	conn := dial(t, ts, "u1")
	readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(Frame{Type: "bogus", RequestID: "r2"}))

	frame := readFrame(t, conn)
	assert.Equal(t, TypeError, frame.Type)
	assert.Equal(t, "r2", frame.RequestID)
}

func TestUnknownApprovalRespondErrors(t *testing.T) {
	_, _, ts := newTestGateway(t)
	conn := dial(t, ts, "u1")
	readFrame(t, conn)

	payload, _ := json.Marshal(ApprovalRespondPayload{ApprovalID: "apv_missing", Decision: "accept"})
	require.NoError(t, conn.WriteJSON(Frame{Type: TypeApprovalRespond, Payload: payload, RequestID: "r3"}))

	frame := readFrame(t, conn)
	assert.Equal(t, TypeError, frame.Type)
}

func TestSessionEventsFanOut(t *testing.T) {
	gw, _, ts := newTestGateway(t)
	conn := dial(t, ts, "u1")
	first := readFrame(t, conn)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(first.Payload, &payload))
	sessionID := payload["sessionId"].(string)

	gw.onSessionEvent(sessionID, "u1", domain.RawEvent{
		ID: "e1", Type: "thread/started", ThreadID: "t1",
	})

	frame := readFrame(t, conn)
	assert.Equal(t, TypeEvent, frame.Type)

	var ev domain.RawEvent
	require.NoError(t, json.Unmarshal(frame.Payload, &ev))
	assert.Equal(t, "thread/started", ev.Type)

	// The event also reaches a reconnecting client via the replay log.
	conn2 := dial(t, ts, "u1")
	readFrame(t, conn2) // connected
	replayed := readFrame(t, conn2)
	assert.Equal(t, TypeEvent, replayed.Type)
}

func TestHealthEndpoint(t *testing.T) {
	_, _, ts := newTestGateway(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body["status"])
}

func TestAuditQueryEndpoint(t *testing.T) {
	gw, _, ts := newTestGateway(t)
	gw.auditor.Record(domain.AuditRecord{UserID: "u1", Decision: "accept", Approver: "policy_engine"})

	resp, err := http.Get(ts.URL + "/internal/audits?user_id=u1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Audits []domain.AuditRecord `json:"audits"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Len(t, body.Audits, 1)
	assert.Equal(t, "accept", body.Audits[0].Decision)
}

func TestReplayLogEvictsOldestFrames(t *testing.T) {
	replay := newReplayLog(3)
	tail, evicted := replay.Tail()
	assert.Empty(t, tail)
	assert.Zero(t, evicted)

	for i := 0; i < 5; i++ {
		payload, _ := json.Marshal(map[string]int{"n": i})
		replay.Append(Frame{Type: TypeEvent, Payload: payload})
	}

	tail, evicted = replay.Tail()
	assert.Len(t, tail, 3)
	assert.Equal(t, 2, evicted)

	var first map[string]int
	require.NoError(t, json.Unmarshal(tail[0].Payload, &first))
	assert.Equal(t, 2, first["n"]) // oldest surviving frame

	var last map[string]int
	require.NoError(t, json.Unmarshal(tail[2].Payload, &last))
	assert.Equal(t, 4, last["n"])
}
