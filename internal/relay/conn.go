package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"psilo/internal/nostr"
	"psilo/internal/types"
)

// relayConn is one open socket and its read loop
type relayConn struct {
	pool *Pool
	url  string
	conn Conn

	writeMu sync.Mutex

	mu           sync.Mutex
	closing      bool
	lastActivity time.Time
}

func newRelayConn(p *Pool, url string, conn Conn) *relayConn {
	return &relayConn{pool: p, url: url, conn: conn, lastActivity: time.Now()}
}

func (rc *relayConn) send(msg interface{}) error {
	var data []byte
	switch v := msg.(type) {
	case []byte:
		data = v
	case json.RawMessage:
		data = v
	case string:
		data = []byte(v)
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return &SendError{URL: rc.url, Err: err}
		}
		data = encoded
	}

	rc.writeMu.Lock()
	rc.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := rc.conn.WriteMessage(websocket.TextMessage, data)
	rc.conn.SetWriteDeadline(time.Time{})
	rc.writeMu.Unlock()

	if err != nil {
		// a failed write leaves the socket unusable; the read loop reports the loss
		rc.conn.Close()
		return &SendError{URL: rc.url, Err: err}
	}
	return nil
}

func (rc *relayConn) sendREQ(sub *Subscription) error {
	msg := make([]interface{}, 0, 2+len(sub.filters))
	msg = append(msg, "REQ", sub.ID)
	for _, f := range sub.filters {
		msg = append(msg, f)
	}
	return rc.send(msg)
}

func (rc *relayConn) closeNormal() error {
	rc.mu.Lock()
	rc.closing = true
	rc.mu.Unlock()

	rc.writeMu.Lock()
	rc.conn.SetWriteDeadline(time.Now().Add(time.Second))
	err := rc.conn.WriteMessage(websocket.CloseMessage, closeMessage())
	rc.writeMu.Unlock()

	if cerr := rc.conn.Close(); err == nil {
		err = cerr
	}
	return err
}

// readLoop continuously reads from the connection and routes messages
func (rc *relayConn) readLoop() {
	log := rc.pool.log.With("relay", rc.url)
	for {
		_, data, err := rc.conn.ReadMessage()
		if err != nil {
			rc.mu.Lock()
			closing := rc.closing
			rc.mu.Unlock()
			if !closing {
				rc.pool.connectionLost(rc, err)
			}
			return
		}

		rc.mu.Lock()
		rc.lastActivity = time.Now()
		rc.mu.Unlock()

		var msg []json.RawMessage
		if err := json.Unmarshal(data, &msg); err != nil || len(msg) < 2 {
			log.Debug("discarding malformed relay message", "error", err)
			rc.pool.metrics.IncDroppedEvent("malformed")
			continue
		}

		var msgType string
		if err := json.Unmarshal(msg[0], &msgType); err != nil {
			continue
		}
		rc.pool.metrics.IncRelayMessage(rc.url, msgType)

		switch msgType {
		case "EVENT":
			rc.handleEvent(msg)
		case "EOSE":
			if sub := rc.pool.subscription(stringAt(msg, 1)); sub != nil {
				sub.markEOSE(rc.url)
			}
		case "OK":
			rc.handleOK(msg)
		case "CLOSED":
			subID := stringAt(msg, 1)
			reason := stringAt(msg, 2)
			log.Info("subscription closed by relay", "sub", subID, "reason", reason)
			if sub := rc.pool.subscription(subID); sub != nil {
				sub.relayClosed(rc.url)
			}
		case "NOTICE":
			log.Info("relay notice", "notice", stringAt(msg, 1))
		case "AUTH":
			go rc.handleAuth(stringAt(msg, 1))
		default:
			log.Debug("unknown relay message", "type", msgType)
		}
	}
}

func (rc *relayConn) handleEvent(msg []json.RawMessage) {
	if len(msg) < 3 {
		return
	}
	subID := stringAt(msg, 1)
	sub := rc.pool.subscription(subID)
	if sub == nil {
		rc.pool.metrics.IncDroppedEvent("unknown_subscription")
		return
	}

	var raw interface{}
	if err := json.Unmarshal(msg[2], &raw); err != nil {
		rc.pool.metrics.IncDroppedEvent("malformed")
		return
	}
	evt, ok := nostr.ParseEventFromInterface(raw)
	if !ok {
		rc.pool.metrics.IncDroppedEvent("invalid")
		return
	}
	if !nostr.MatchAny(sub.filters, &evt) {
		rc.pool.metrics.IncDroppedEvent("filter_mismatch")
		return
	}

	sub.deliver(types.InboundEvent{Event: evt, RelayURL: rc.url, SubscriptionID: subID})
}

func (rc *relayConn) handleOK(msg []json.RawMessage) {
	if len(msg) < 3 {
		return
	}
	var accepted bool
	if err := json.Unmarshal(msg[2], &accepted); err != nil {
		return
	}
	eventID := stringAt(msg, 1)
	if accepted {
		rc.pool.log.Debug("event accepted", "relay", rc.url, "event_id", nostr.ShortID(eventID))
		return
	}
	rc.pool.log.Warn("event rejected", "relay", rc.url, "event_id", nostr.ShortID(eventID), "reason", stringAt(msg, 3))
}

// handleAuth responds to a NIP-42 AUTH challenge
func (rc *relayConn) handleAuth(challenge string) {
	s := rc.pool.authSigner
	if s == nil || !s.IsWriteable() || challenge == "" {
		return
	}

	ctx, cancel := context.WithTimeout(rc.pool.ctx, writeTimeout)
	defer cancel()
	evt, err := s.Sign(ctx, time.Now().Unix(), types.KindClientAuth, [][]string{
		{"relay", rc.url},
		{"challenge", challenge},
	}, "")
	if err != nil {
		rc.pool.log.Warn("failed to sign AUTH response", "relay", rc.url, "error", err)
		return
	}
	if err := rc.send([]interface{}{"AUTH", evt}); err != nil {
		rc.pool.log.Warn("failed to send AUTH response", "relay", rc.url, "error", err)
		return
	}
	rc.pool.log.Debug("sent AUTH response", "relay", rc.url, "event_id", nostr.ShortID(evt.ID))
}

func stringAt(msg []json.RawMessage, i int) string {
	if i >= len(msg) {
		return ""
	}
	var s string
	if err := json.Unmarshal(msg[i], &s); err != nil {
		return ""
	}
	return s
}
