package frontend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/williamsonf/fylgja/pkg/chat"
	"github.com/williamsonf/fylgja/pkg/model"
	"github.com/williamsonf/fylgja/pkg/queue"
)

func TestDiscordReceiveMsgPushesUnverifiedPrompt(t *testing.T) {
	q := queue.New(4)
	d := NewDiscord(q, "token", nil, nil)

	require.True(t, d.ReceiveMsg("111222333", "hi from discord"))

	env, ok := q.TryPull()
	require.True(t, ok)
	assert.Equal(t, SourceDiscord, env.Source)
	assert.Equal(t, "111222333", env.UserID)
	assert.Equal(t, "hi from discord", env.Prompt)
	assert.False(t, env.Verified)
}

func TestDiscordReceiveMsgIgnoresEmptyContent(t *testing.T) {
	q := queue.New(4)
	d := NewDiscord(q, "token", nil, nil)

	assert.False(t, d.ReceiveMsg("111222333", ""))
	assert.Equal(t, 0, q.Len())
}

func TestDiscordPostMsgOpensDMAndSends(t *testing.T) {
	var mu sync.Mutex
	var sent []string
	dmOpens := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bot token", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/users/@me/channels":
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "111222333", body["recipient_id"])
			mu.Lock()
			dmOpens++
			mu.Unlock()
			json.NewEncoder(w).Encode(map[string]string{"id": "chan-1"})
		case "/channels/chan-1/messages":
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			mu.Lock()
			sent = append(sent, body["content"])
			mu.Unlock()
			json.NewEncoder(w).Encode(map[string]string{"id": "msg-1"})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	d := NewDiscord(queue.New(4), "token", nil, &DiscordOptions{APIBase: srv.URL})

	env := chat.NewPrompt(SourceDiscord, "111222333", "q")
	env.MarkResponse(model.Message{Role: model.RoleAssistant, Content: "short answer"})
	require.True(t, d.PostMsg(env))

	// A second delivery reuses the cached DM channel.
	env2 := chat.NewPrompt(SourceDiscord, "111222333", "q2")
	env2.MarkResponse(model.Message{Role: model.RoleAssistant, Content: "another"})
	require.True(t, d.PostMsg(env2))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, dmOpens)
	assert.Equal(t, []string{"short answer", "another"}, sent)
}

func TestDiscordPostMsgSplitsLongResponses(t *testing.T) {
	var mu sync.Mutex
	var sent []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/users/@me/channels":
			json.NewEncoder(w).Encode(map[string]string{"id": "chan-1"})
		case "/channels/chan-1/messages":
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			mu.Lock()
			sent = append(sent, body["content"])
			mu.Unlock()
			json.NewEncoder(w).Encode(map[string]string{"id": "msg"})
		}
	}))
	defer srv.Close()

	d := NewDiscord(queue.New(4), "token", nil, &DiscordOptions{APIBase: srv.URL})

	content := strings.Repeat("All work and no play makes Jack a dull boy. ", 120)
	content = content[:5000]

	env := chat.NewPrompt(SourceDiscord, "111222333", "q")
	env.MarkResponse(model.Message{Role: model.RoleAssistant, Content: content})
	require.True(t, d.PostMsg(env))

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(sent), 3)
	var rebuilt strings.Builder
	for _, chunk := range sent {
		assert.LessOrEqual(t, len(chunk), discordMessageLimit)
		rebuilt.WriteString(chunk)
	}
	assert.Equal(t, content, rebuilt.String())
}

func TestDiscordPostMsgReportsAPIFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	d := NewDiscord(queue.New(4), "token", nil, &DiscordOptions{APIBase: srv.URL})

	env := chat.NewPrompt(SourceDiscord, "111222333", "q")
	env.MarkResponse(model.Message{Role: model.RoleAssistant, Content: "answer"})
	assert.False(t, d.PostMsg(env))
}

// fakeGateway speaks enough of the gateway protocol to exercise the client:
// hello, identify handshake, READY, and scripted MESSAGE_CREATE events.
func fakeGateway(t *testing.T, messages []messageCreate) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		hello, _ := json.Marshal(helloData{HeartbeatInterval: 45000})
		if err := conn.WriteJSON(gatewayPayload{Op: opHello, D: hello}); err != nil {
			return
		}

		var identify gatewayPayload
		if err := conn.ReadJSON(&identify); err != nil {
			return
		}
		if identify.Op != opIdentify {
			t.Errorf("expected identify, got opcode %d", identify.Op)
			return
		}

		seq := 1
		ready, _ := json.Marshal(readyData{User: struct {
			ID string `json:"id"`
		}{ID: "bot-self"}})
		if err := conn.WriteJSON(gatewayPayload{Op: opDispatch, T: "READY", D: ready, S: &seq}); err != nil {
			return
		}

		for _, msg := range messages {
			seq++
			s := seq
			data, _ := json.Marshal(msg)
			if err := conn.WriteJSON(gatewayPayload{Op: opDispatch, T: "MESSAGE_CREATE", D: data, S: &s}); err != nil {
				return
			}
		}

		// Keep the session open until the client hangs up.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func TestDiscordGatewayReceivesMessages(t *testing.T) {
	var selfMsg, userMsg, botMsg messageCreate
	selfMsg.Author.ID = "bot-self"
	selfMsg.Content = "own echo"
	userMsg.Author.ID = "111222333"
	userMsg.Content = "hello bot"
	botMsg.Author.ID = "444"
	botMsg.Author.Bot = true
	botMsg.Content = "beep"

	srv := fakeGateway(t, []messageCreate{selfMsg, userMsg, botMsg})
	defer srv.Close()

	q := queue.New(8)
	d := NewDiscord(q, "token", nil, &DiscordOptions{
		GatewayURL: "ws" + strings.TrimPrefix(srv.URL, "http"),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	deadline := time.After(3 * time.Second)
	var env *chat.Envelope
	for env == nil {
		select {
		case <-deadline:
			t.Fatal("no envelope arrived from the gateway")
		default:
			var ok bool
			if env, ok = q.TryPull(); !ok {
				time.Sleep(10 * time.Millisecond)
			}
		}
	}

	assert.Equal(t, SourceDiscord, env.Source)
	assert.Equal(t, "111222333", env.UserID)
	assert.Equal(t, "hello bot", env.Prompt)

	// Own and bot-authored messages never reach the queue.
	assert.Equal(t, 0, q.Len())

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancellation")
	}
}
