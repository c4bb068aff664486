package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"collabengine/awareness"
	"collabengine/broadcast"
	"collabengine/crdt"
	"collabengine/docstore"
	"collabengine/instance"
	"collabengine/persistence"
	"collabengine/protocol"
	"collabengine/registry"
	"collabengine/tool"
	"collabengine/users"
)

type noteTool struct{}

func (noteTool) Type() string { return "notes" }

func (noteTool) InitDocument(ctx context.Context) (*crdt.Document, error) {
	doc := crdt.NewDocument()
	err := doc.Update(func(d *automerge.Doc) error {
		return d.Path("kind").Set("notes")
	}, nil)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (noteTool) SnapshotPolicy() tool.SnapshotPolicy {
	return tool.SnapshotPolicy{MaxUpdates: 1000, MaxInterval: time.Hour}
}

type testEnv struct {
	server   *httptest.Server
	resolver *instance.MemoryResolver
	registry *registry.Registry
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()

	logger := zap.NewNop()
	store := docstore.NewMemoryStore()
	svc := persistence.NewService(store, logger)
	tools := tool.NewRegistry()
	require.NoError(t, tools.Register(noteTool{}))

	reg := registry.NewRegistry(svc, tools, logger)
	t.Cleanup(reg.Close)

	hub := broadcast.NewHub(logger)
	resolver := instance.NewMemoryResolver()
	directory := users.NewMemoryDirectory()

	g, err := New(reg, resolver, directory, hub, hub, PassthroughVerifier{}, logger, opts...)
	require.NoError(t, err)
	t.Cleanup(g.Close)

	server := httptest.NewServer(g)
	t.Cleanup(server.Close)

	return &testEnv{server: server, resolver: resolver, registry: reg}
}

func (e *testEnv) dial(t *testing.T, instanceID, token string) *websocket.Conn {
	t.Helper()
	url := fmt.Sprintf("%s/?instanceId=%s&token=%s",
		strings.Replace(e.server.URL, "http", "ws", 1), instanceID, token)
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

// frames returns a channel fed by a background reader for ws. A dedicated
// reader is required because gorilla/websocket makes any read error —
// including a deadline timeout — permanent for the connection, so the
// helpers below cannot use read deadlines directly.
var (
	framesMu sync.Mutex
	framesCh = map[*websocket.Conn]chan *protocol.Message{}
)

func frames(ws *websocket.Conn) chan *protocol.Message {
	framesMu.Lock()
	defer framesMu.Unlock()
	ch, ok := framesCh[ws]
	if !ok {
		ch = make(chan *protocol.Message, 1024)
		framesCh[ws] = ch
		go func() {
			defer close(ch)
			for {
				_, data, err := ws.ReadMessage()
				if err != nil {
					return
				}
				if msg, err := protocol.Decode(data); err == nil {
					ch <- msg
				}
			}
		}()
	}
	return ch
}

// readUntil reads frames until one of the wanted type arrives, skipping
// everything else.
func readUntil(t *testing.T, ws *websocket.Conn, msgType uint64) *protocol.Message {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case msg, ok := <-frames(ws):
			require.True(t, ok, "connection closed while waiting for message type %d", msgType)
			if msg.Type == msgType {
				return msg
			}
		case <-timeout:
			t.Fatalf("timed out waiting for message type %d", msgType)
		}
	}
}

// collect reads every frame arriving within d.
func collect(ws *websocket.Conn, d time.Duration) []*protocol.Message {
	var msgs []*protocol.Message
	deadline := time.After(d)
	for {
		select {
		case msg, ok := <-frames(ws):
			if !ok {
				return msgs
			}
			msgs = append(msgs, msg)
		case <-deadline:
			return msgs
		}
	}
}

func TestGateway_RejectsBeforeUpgrade(t *testing.T) {
	env := newTestEnv(t)
	inst := env.resolver.Create("notes", "owner")

	cases := []struct {
		name string
		url  string
		want int
	}{
		{"missing instance id", "/?token=u1", http.StatusBadRequest},
		{"missing token", "/?instanceId=" + inst.ID, http.StatusUnauthorized},
		{"unknown instance", "/?instanceId=ghost&token=u1", http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Get(env.server.URL + tc.url)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, tc.want, resp.StatusCode)
		})
	}
}

func TestGateway_RejectsArchivedInstance(t *testing.T) {
	env := newTestEnv(t)
	inst := env.resolver.Create("notes", "owner")
	env.resolver.Archive(inst.ID)

	resp, err := http.Get(env.server.URL + "/?instanceId=" + inst.ID + "&token=u1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGateway_HandshakeDeliversStateAndReady(t *testing.T) {
	env := newTestEnv(t)
	inst := env.resolver.Create("notes", "owner")

	ws := env.dial(t, inst.ID, "user-a")

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	msg, err := protocol.Decode(data)
	require.NoError(t, err)
	require.Equal(t, protocol.MessageSync, msg.Type)
	require.Equal(t, protocol.SyncStep1, msg.SyncType)

	state, err := automerge.Load(msg.Payload)
	require.NoError(t, err)
	kind, err := automerge.As[string](state.Path("kind").Get())
	require.NoError(t, err)
	assert.Equal(t, "notes", kind)

	ready := readUntil(t, ws, protocol.MessageReady)
	var payload protocol.ReadyPayload
	require.NoError(t, json.Unmarshal(ready.Payload, &payload))
	assert.Equal(t, inst.DocID, payload.DocID)
	assert.Equal(t, "notes", payload.ToolType)
}

func TestGateway_UpdateReachesPeersNeverSender(t *testing.T) {
	env := newTestEnv(t)
	inst := env.resolver.Create("notes", "owner")

	a := env.dial(t, inst.ID, "user-a")
	readUntil(t, a, protocol.MessageReady)
	b := env.dial(t, inst.ID, "user-b")
	readUntil(t, b, protocol.MessageReady)

	// Drain the viewer summaries emitted by the joins.
	collect(a, 150*time.Millisecond)
	collect(b, 150*time.Millisecond)

	local := automerge.New()
	require.NoError(t, local.Path("note").Set("hello"))
	frame := protocol.EncodeSync(protocol.SyncUpdate, local.Save())
	require.NoError(t, a.WriteMessage(websocket.BinaryMessage, frame))

	got := readUntil(t, b, protocol.MessageSync)
	assert.Equal(t, protocol.SyncUpdate, got.SyncType)

	merged, err := automerge.Load(got.Payload)
	require.NoError(t, err)
	note, err := automerge.As[string](merged.Path("note").Get())
	require.NoError(t, err)
	assert.Equal(t, "hello", note)

	// The sender must not see its own frame come back.
	for _, msg := range collect(a, 250*time.Millisecond) {
		assert.NotEqual(t, protocol.MessageSync, msg.Type)
	}
}

func TestGateway_AwarenessCoalescedAndEchoSuppressed(t *testing.T) {
	env := newTestEnv(t, WithCoalesceWindow(40*time.Millisecond))
	inst := env.resolver.Create("notes", "owner")

	a := env.dial(t, inst.ID, "user-a")
	readUntil(t, a, protocol.MessageReady)
	b := env.dial(t, inst.ID, "user-b")
	readUntil(t, b, protocol.MessageReady)
	collect(a, 100*time.Millisecond)
	collect(b, 100*time.Millisecond)

	send := func(clock int, state string) {
		payload := fmt.Sprintf(`[{"clientId":7,"clock":%d,"state":%s}]`, clock, state)
		frame := protocol.EncodeAwareness([]byte(payload))
		require.NoError(t, a.WriteMessage(websocket.BinaryMessage, frame))
	}
	send(1, `{"cursor":1}`)
	send(2, `{"cursor":2}`)

	var got []*protocol.Message
	for _, msg := range collect(b, 400*time.Millisecond) {
		if msg.Type == protocol.MessageAwareness {
			got = append(got, msg)
		}
	}
	require.Len(t, got, 1, "both changes must arrive as one coalesced frame")

	var entries []awareness.Entry
	require.NoError(t, json.Unmarshal(got[0].Payload, &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, int64(7), entries[0].ClientID)
	assert.Equal(t, int64(2), entries[0].Clock)
	assert.JSONEq(t, `{"cursor":2}`, string(entries[0].State))

	for _, msg := range collect(a, 200*time.Millisecond) {
		assert.NotEqual(t, protocol.MessageAwareness, msg.Type)
	}
}

func TestGateway_ViewersSummaryOnJoinAndLeave(t *testing.T) {
	env := newTestEnv(t)
	inst := env.resolver.Create("notes", "owner")

	a := env.dial(t, inst.ID, "user-a")
	readUntil(t, a, protocol.MessageReady)

	viewers := readUntil(t, a, protocol.MessageViewers)
	var summary protocol.ViewersPayload
	require.NoError(t, json.Unmarshal(viewers.Payload, &summary))
	require.Len(t, summary.Viewers, 1)
	assert.Equal(t, "user-a", summary.Viewers[0].UserID)
	assert.Contains(t, summary.Viewers[0].AvatarURL, "dicebear.com")

	b := env.dial(t, inst.ID, "user-b")
	readUntil(t, b, protocol.MessageReady)

	viewers = readUntil(t, a, protocol.MessageViewers)
	require.NoError(t, json.Unmarshal(viewers.Payload, &summary))
	require.Len(t, summary.Viewers, 2)

	b.Close()

	viewers = readUntil(t, a, protocol.MessageViewers)
	require.NoError(t, json.Unmarshal(viewers.Payload, &summary))
	require.Len(t, summary.Viewers, 1)
	assert.Equal(t, "user-a", summary.Viewers[0].UserID)
}

func TestGateway_DisconnectWithdrawsPresence(t *testing.T) {
	env := newTestEnv(t, WithCoalesceWindow(20*time.Millisecond))
	inst := env.resolver.Create("notes", "owner")

	a := env.dial(t, inst.ID, "user-a")
	readUntil(t, a, protocol.MessageReady)
	b := env.dial(t, inst.ID, "user-b")
	readUntil(t, b, protocol.MessageReady)
	collect(a, 100*time.Millisecond)
	collect(b, 100*time.Millisecond)

	payload := []byte(`[{"clientId":9,"clock":1,"state":{"here":true}}]`)
	require.NoError(t, b.WriteMessage(websocket.BinaryMessage, protocol.EncodeAwareness(payload)))

	first := readUntil(t, a, protocol.MessageAwareness)
	var entries []awareness.Entry
	require.NoError(t, json.Unmarshal(first.Payload, &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, int64(9), entries[0].ClientID)

	b.Close()

	removal := readUntil(t, a, protocol.MessageAwareness)
	entries = nil
	require.NoError(t, json.Unmarshal(removal.Payload, &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, int64(9), entries[0].ClientID)
	assert.True(t, len(entries[0].State) == 0 || string(entries[0].State) == "null")
}
