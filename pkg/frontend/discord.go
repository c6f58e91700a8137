package frontend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/williamsonf/fylgja/pkg/chat"
	"github.com/williamsonf/fylgja/pkg/errors"
	"github.com/williamsonf/fylgja/pkg/logging"
	"github.com/williamsonf/fylgja/pkg/queue"
	"github.com/williamsonf/fylgja/pkg/telemetry"
)

// SourceDiscord tags envelopes originating from Discord.
const SourceDiscord = "discord"

// discordMessageLimit stays under Discord's 2000-character ceiling with
// headroom for markdown the API adds around code blocks.
const discordMessageLimit = 1900

const (
	defaultDiscordAPIBase = "https://discord.com/api/v10"
	defaultGatewayURL     = "wss://gateway.discord.gg/?v=10&encoding=json"

	// DIRECT_MESSAGES | MESSAGE_CONTENT
	gatewayIntents = 1<<12 | 1<<15

	reconnectDelay = 5 * time.Second
)

var _ Frontend = (*Discord)(nil)

// Gateway opcodes.
const (
	opDispatch       = 0
	opHeartbeat      = 1
	opIdentify       = 2
	opReconnect      = 7
	opInvalidSession = 9
	opHello          = 10
	opHeartbeatACK   = 11
)

// Discord is a front-end speaking the Discord gateway for inbound messages
// and the REST API for outbound DMs.
type Discord struct {
	queue  *queue.Queue
	token  string
	logger *logging.Logger

	apiBase    string
	gatewayURL string
	httpClient *http.Client

	mu        sync.Mutex
	selfID    string
	seq       *int
	dmChannel map[string]string
}

// DiscordOptions overrides endpoints and transport, mainly for tests.
type DiscordOptions struct {
	APIBase    string
	GatewayURL string
	HTTPClient *http.Client
}

// NewDiscord creates a Discord adapter authenticated by a bot token.
func NewDiscord(q *queue.Queue, token string, logger *logging.Logger, opts *DiscordOptions) *Discord {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	d := &Discord{
		queue:      q,
		token:      token,
		logger:     logger,
		apiBase:    defaultDiscordAPIBase,
		gatewayURL: defaultGatewayURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		dmChannel:  make(map[string]string),
	}
	if opts != nil {
		if opts.APIBase != "" {
			d.apiBase = opts.APIBase
		}
		if opts.GatewayURL != "" {
			d.gatewayURL = opts.GatewayURL
		}
		if opts.HTTPClient != nil {
			d.httpClient = opts.HTTPClient
		}
	}
	return d
}

func (d *Discord) Source() string { return SourceDiscord }

// Start maintains the gateway connection until the context is cancelled,
// reconnecting after transient failures.
func (d *Discord) Start(ctx context.Context) error {
	for {
		err := d.runGateway(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d.logger.Warn(logging.CategoryNetwork, "gateway_disconnect", "reconnecting to discord gateway", map[string]any{
			"error": fmt.Sprint(err),
		})
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}
}

// gatewayPayload is the framing every gateway message shares.
type gatewayPayload struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	S  *int            `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

type helloData struct {
	HeartbeatInterval int `json:"heartbeat_interval"`
}

type messageCreate struct {
	Content string `json:"content"`
	Author  struct {
		ID  string `json:"id"`
		Bot bool   `json:"bot"`
	} `json:"author"`
	GuildID string `json:"guild_id"`
}

type readyData struct {
	User struct {
		ID string `json:"id"`
	} `json:"user"`
}

// runGateway handles a single gateway session: hello, identify, heartbeats,
// and the dispatch read loop. It returns when the connection drops.
func (d *Discord) runGateway(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, d.gatewayURL, nil)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeFrontendConnect, "dialing discord gateway")
	}
	defer conn.Close()

	// Close the socket when the context ends so blocked reads unwind.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	var writeMu sync.Mutex
	send := func(p gatewayPayload) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(p)
	}

	var payload gatewayPayload
	if err := conn.ReadJSON(&payload); err != nil {
		return errors.Wrap(err, errors.ErrCodeFrontendConnect, "reading gateway hello")
	}
	if payload.Op != opHello {
		return errors.New(errors.ErrCodeFrontendConnect, fmt.Sprintf("expected hello, got opcode %d", payload.Op))
	}
	var hello helloData
	if err := json.Unmarshal(payload.D, &hello); err != nil {
		return errors.Wrap(err, errors.ErrCodeFrontendConnect, "decoding gateway hello")
	}

	identify, err := json.Marshal(map[string]any{
		"token":   d.token,
		"intents": gatewayIntents,
		"properties": map[string]string{
			"os":      "linux",
			"browser": "fylgja",
			"device":  "fylgja",
		},
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "encoding identify")
	}
	if err := send(gatewayPayload{Op: opIdentify, D: identify}); err != nil {
		return errors.Wrap(err, errors.ErrCodeFrontendConnect, "sending identify")
	}

	heartbeat := func() error {
		d.mu.Lock()
		seq := d.seq
		d.mu.Unlock()
		data, _ := json.Marshal(seq)
		return send(gatewayPayload{Op: opHeartbeat, D: data})
	}

	hbDone := make(chan struct{})
	defer close(hbDone)
	go func() {
		interval := time.Duration(hello.HeartbeatInterval) * time.Millisecond
		if interval <= 0 {
			interval = 41250 * time.Millisecond
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-hbDone:
				return
			case <-ticker.C:
				if err := heartbeat(); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	d.logger.Info(logging.CategoryFrontend, "started", "discord gateway connected", nil)

	for {
		var p gatewayPayload
		if err := conn.ReadJSON(&p); err != nil {
			return errors.Wrap(err, errors.ErrCodeFrontendConnect, "gateway read")
		}
		if p.S != nil {
			d.mu.Lock()
			d.seq = p.S
			d.mu.Unlock()
		}

		switch p.Op {
		case opDispatch:
			d.handleDispatch(p.T, p.D)
		case opHeartbeat:
			if err := heartbeat(); err != nil {
				return errors.Wrap(err, errors.ErrCodeFrontendConnect, "requested heartbeat")
			}
		case opHeartbeatACK:
			// nothing to do
		case opReconnect, opInvalidSession:
			return errors.New(errors.ErrCodeFrontendConnect, fmt.Sprintf("gateway asked for reconnect (opcode %d)", p.Op))
		}
	}
}

func (d *Discord) handleDispatch(event string, data json.RawMessage) {
	switch event {
	case "READY":
		var ready readyData
		if err := json.Unmarshal(data, &ready); err != nil {
			d.logger.Error(logging.CategoryFrontend, "decode_failed", "decoding READY", map[string]any{"error": err.Error()})
			return
		}
		d.mu.Lock()
		d.selfID = ready.User.ID
		d.mu.Unlock()
	case "MESSAGE_CREATE":
		var msg messageCreate
		if err := json.Unmarshal(data, &msg); err != nil {
			d.logger.Error(logging.CategoryFrontend, "decode_failed", "decoding MESSAGE_CREATE", map[string]any{"error": err.Error()})
			return
		}
		d.mu.Lock()
		self := d.selfID
		d.mu.Unlock()
		// Only direct messages are relayed. Guild traffic is ignored even
		// if the intents ever widen.
		if msg.GuildID != "" || msg.Author.ID == self || msg.Author.Bot {
			return
		}
		d.ReceiveMsg(msg.Author.ID, msg.Content)
	}
}

// ReceiveMsg wraps an inbound Discord message into an unverified prompt
// envelope and pushes it onto the shared queue.
func (d *Discord) ReceiveMsg(authorID, content string) bool {
	if content == "" {
		return false
	}
	if err := d.queue.Push(chat.NewPrompt(SourceDiscord, authorID, content)); err != nil {
		d.logger.Error(logging.CategoryFrontend, "push_failed", "dropping discord prompt", map[string]any{
			"user_id": authorID,
			"error":   err.Error(),
		})
		return false
	}
	telemetry.PromptsReceived.WithLabelValues(SourceDiscord).Inc()
	return true
}

// PostMsg delivers the response payload to the user's DM channel, splitting
// it into chunks under the Discord message limit.
func (d *Discord) PostMsg(env *chat.Envelope) bool {
	channelID, err := d.dmChannelFor(env.UserID)
	if err != nil {
		d.logger.Error(logging.CategoryFrontend, "post_failed", "resolving dm channel", map[string]any{
			"user_id": env.UserID,
			"error":   err.Error(),
		})
		return false
	}

	for _, chunk := range SplitMessage(env.Payload.Content, discordMessageLimit) {
		if err := d.createMessage(channelID, chunk); err != nil {
			d.logger.Error(logging.CategoryFrontend, "post_failed", "sending dm chunk", map[string]any{
				"user_id": env.UserID,
				"error":   err.Error(),
			})
			return false
		}
	}
	return true
}

// dmChannelFor opens (or returns the cached) DM channel for a user.
func (d *Discord) dmChannelFor(userID string) (string, error) {
	d.mu.Lock()
	if id, ok := d.dmChannel[userID]; ok {
		d.mu.Unlock()
		return id, nil
	}
	d.mu.Unlock()

	var resp struct {
		ID string `json:"id"`
	}
	err := d.rest(http.MethodPost, "/users/@me/channels", map[string]string{"recipient_id": userID}, &resp)
	if err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", errors.New(errors.ErrCodeFrontendSend, "discord returned no dm channel id")
	}

	d.mu.Lock()
	d.dmChannel[userID] = resp.ID
	d.mu.Unlock()
	return resp.ID, nil
}

func (d *Discord) createMessage(channelID, content string) error {
	return d.rest(http.MethodPost, "/channels/"+channelID+"/messages", map[string]string{"content": content}, nil)
}

// rest performs one JSON round trip against the Discord REST API.
func (d *Discord) rest(method, path string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "encoding discord request")
	}

	req, err := http.NewRequest(method, d.apiBase+path, bytes.NewReader(data))
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "building discord request")
	}
	req.Header.Set("Authorization", "Bot "+d.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeFrontendSend, "discord request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.New(errors.ErrCodeFrontendSend, fmt.Sprintf("discord api returned %d for %s", resp.StatusCode, path))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errors.Wrap(err, errors.ErrCodeFrontendSend, "decoding discord response")
		}
	}
	return nil
}
