package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joss/agentgate/internal/domain"
	"github.com/joss/agentgate/internal/gate"
	"github.com/joss/agentgate/internal/logging"
	"github.com/joss/agentgate/internal/metrics"
	"github.com/joss/agentgate/internal/orchestrator"
)

type fakeGateway struct {
	mu      sync.Mutex
	msgs    []domain.InboundMessage
	reqIDs  []string
	handle  func(ctx context.Context, sink orchestrator.Sink) error
	healthy bool
}

func (g *fakeGateway) Handle(ctx context.Context, msg domain.InboundMessage, sink orchestrator.Sink) error {
	g.mu.Lock()
	g.msgs = append(g.msgs, msg)
	g.reqIDs = append(g.reqIDs, logging.GetRequestID(ctx))
	g.mu.Unlock()
	if g.handle == nil {
		return sink.Send(ctx, domain.TextChunk("echo: "+msg.Text))
	}
	return g.handle(ctx, sink)
}

func (g *fakeGateway) Stats() gate.Stats { return gate.Stats{Active: 2, Queued: 1, Limit: 10} }

func (g *fakeGateway) Healthy(context.Context) bool { return g.healthy }

func newTestServer(t *testing.T, gw *fakeGateway) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(New(gw, metrics.New(), "").Handler())
	t.Cleanup(ts.Close)
	return ts
}

func post(t *testing.T, ctx context.Context, url, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url+"/api/messages", strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func readChunks(t *testing.T, r io.Reader) []domain.OutboundChunk {
	t.Helper()
	var out []domain.OutboundChunk
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		var c domain.OutboundChunk
		require.NoError(t, json.Unmarshal(sc.Bytes(), &c))
		out = append(out, c)
	}
	return out
}

func TestMessageStreamsChunks(t *testing.T) {
	gw := &fakeGateway{handle: func(ctx context.Context, sink orchestrator.Sink) error {
		if err := sink.Send(ctx, domain.StatusChunk("[Bash] ls")); err != nil {
			return err
		}
		return sink.Send(ctx, domain.TextChunk("done"))
	}}
	ts := newTestServer(t, gw)

	resp := post(t, context.Background(), ts.URL, `{"conversation_id":"c1","text":"hi","sender_id":"u"}`)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))
	assert.Equal(t, []domain.OutboundChunk{
		domain.StatusChunk("[Bash] ls"),
		domain.TextChunk("done"),
	}, readChunks(t, resp.Body))

	require.Len(t, gw.msgs, 1)
	assert.Equal(t, domain.PlatformHTTP, gw.msgs[0].Platform)
	assert.Equal(t, "c1", gw.msgs[0].ConversationID)
	assert.Equal(t, "u", gw.msgs[0].SenderID)
	assert.False(t, gw.msgs[0].Timestamp.IsZero())
}

func TestMessagePlatformAndRequestID(t *testing.T) {
	gw := &fakeGateway{}
	ts := newTestServer(t, gw)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/messages", strings.NewReader(`{"platform":" Slack ","conversation_id":"C1","text":"x"}`))
	require.NoError(t, err)
	req.Header.Set(RequestIDHeader, "req-42")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "req-42", resp.Header.Get(RequestIDHeader))
	assert.Equal(t, []domain.OutboundChunk{domain.TextChunk("echo: x")}, readChunks(t, resp.Body))
	assert.Equal(t, domain.PlatformSlack, gw.msgs[0].Platform)
	assert.Equal(t, "req-42", gw.reqIDs[0])
}

func TestMessageRejectsBadRequests(t *testing.T) {
	ts := newTestServer(t, &fakeGateway{})

	for name, body := range map[string]string{
		"not json":        `{"conversation_id":`,
		"no conversation": `{"text":"hi"}`,
	} {
		t.Run(name, func(t *testing.T) {
			resp := post(t, context.Background(), ts.URL, body)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestClientDisconnectCancelsTurn(t *testing.T) {
	cancelled := make(chan struct{})
	gw := &fakeGateway{handle: func(ctx context.Context, sink orchestrator.Sink) error {
		if err := sink.Send(ctx, domain.TextChunk("working")); err != nil {
			return err
		}
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}}
	ts := newTestServer(t, gw)

	ctx, cancel := context.WithCancel(context.Background())
	resp := post(t, ctx, ts.URL, `{"conversation_id":"c1","text":"long"}`)
	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, "working")

	cancel()
	resp.Body.Close()
	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("handler context was not cancelled after disconnect")
	}
}

func TestStatus(t *testing.T) {
	ts := newTestServer(t, &fakeGateway{})

	resp, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	var st StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, StatusResponse{Active: 2, Queued: 1, Limit: 10}, st)
}

func TestHealth(t *testing.T) {
	for _, healthy := range []bool{true, false} {
		ts := newTestServer(t, &fakeGateway{healthy: healthy})

		resp, err := http.Get(ts.URL + "/health")
		require.NoError(t, err)
		var h HealthResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&h))
		resp.Body.Close()

		assert.Equal(t, healthy, h.Storage)
		if healthy {
			assert.Equal(t, http.StatusOK, resp.StatusCode)
		} else {
			assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, &fakeGateway{})

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "agentgate_messages_total")
}

func TestWrongMethod(t *testing.T) {
	ts := newTestServer(t, &fakeGateway{})

	resp, err := http.Get(ts.URL + "/api/messages")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
