package discordcmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	opDispatch       = 0
	opHeartbeat      = 1
	opIdentify       = 2
	opReconnect      = 7
	opInvalidSession = 9
	opHello          = 10
	opHeartbeatACK   = 11
)

// Gateway intents: guilds, guild messages, direct messages, message content.
const gatewayIntents = (1 << 0) | (1 << 9) | (1 << 12) | (1 << 15)

type gatewayPayload struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	S  *int64          `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

type helloData struct {
	HeartbeatInterval int `json:"heartbeat_interval"`
}

type readyData struct {
	User discordUser `json:"user"`
}

type identifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

type identifyData struct {
	Token      string             `json:"token"`
	Intents    int                `json:"intents"`
	Properties identifyProperties `json:"properties"`
}

type gateway struct {
	api    *discordAPI
	logger *slog.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn
	lastSeq *int64
}

// run drives one gateway connection: hello, identify, heartbeats, and
// dispatch. It returns when the socket fails or the server asks for a
// reconnect; the caller redials.
func (g *gateway) run(ctx context.Context, onReady func(bot discordUser), onMessage func(msg discordMessage)) error {
	url, err := g.api.gatewayURL(ctx)
	if err != nil {
		return err
	}

	dialer := *websocket.DefaultDialer
	conn, _, err := dialer.DialContext(ctx, url+"/?v=10&encoding=json", nil)
	if err != nil {
		return err
	}
	g.conn = conn
	defer conn.Close()

	hello, err := g.readPayload()
	if err != nil {
		return err
	}
	if hello.Op != opHello {
		return fmt.Errorf("discord gateway: expected hello, got op %d", hello.Op)
	}
	var hd helloData
	if err := json.Unmarshal(hello.D, &hd); err != nil {
		return err
	}
	if hd.HeartbeatInterval <= 0 {
		return fmt.Errorf("discord gateway: invalid heartbeat interval %d", hd.HeartbeatInterval)
	}

	if err := g.writePayload(opIdentify, identifyData{
		Token:   g.api.token,
		Intents: gatewayIntents,
		Properties: identifyProperties{
			OS:      runtime.GOOS,
			Browser: "chatbot",
			Device:  "chatbot",
		},
	}); err != nil {
		return err
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go g.heartbeatLoop(hbCtx, time.Duration(hd.HeartbeatInterval)*time.Millisecond)

	for {
		payload, err := g.readPayload()
		if err != nil {
			return err
		}
		switch payload.Op {
		case opDispatch:
			if payload.S != nil {
				g.setSeq(*payload.S)
			}
			switch payload.T {
			case "READY":
				var rd readyData
				if err := json.Unmarshal(payload.D, &rd); err != nil {
					g.logger.Warn("discord_ready_decode_error", "error", err.Error())
					continue
				}
				onReady(rd.User)
			case "MESSAGE_CREATE":
				var msg discordMessage
				if err := json.Unmarshal(payload.D, &msg); err != nil {
					g.logger.Warn("discord_message_decode_error", "error", err.Error())
					continue
				}
				onMessage(msg)
			}
		case opHeartbeat:
			if err := g.sendHeartbeat(); err != nil {
				return err
			}
		case opReconnect:
			return fmt.Errorf("discord gateway: server requested reconnect")
		case opInvalidSession:
			return fmt.Errorf("discord gateway: invalid session")
		case opHeartbeatACK:
			// nothing to do
		}
	}
}

func (g *gateway) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := g.sendHeartbeat(); err != nil {
				g.logger.Warn("discord_heartbeat_error", "error", err.Error())
				return
			}
		}
	}
}

func (g *gateway) sendHeartbeat() error {
	g.writeMu.Lock()
	seq := g.lastSeq
	g.writeMu.Unlock()
	var d any
	if seq != nil {
		d = *seq
	}
	return g.writePayload(opHeartbeat, d)
}

func (g *gateway) setSeq(s int64) {
	g.writeMu.Lock()
	g.lastSeq = &s
	g.writeMu.Unlock()
}

func (g *gateway) readPayload() (gatewayPayload, error) {
	var payload gatewayPayload
	if err := g.conn.ReadJSON(&payload); err != nil {
		return gatewayPayload{}, err
	}
	return payload, nil
}

func (g *gateway) writePayload(op int, d any) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return err
	}
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	return g.conn.WriteJSON(gatewayPayload{Op: op, D: raw})
}
