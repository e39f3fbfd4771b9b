// Package relaytest provides an in-process Nostr relay for tests.
package relaytest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"psilo/internal/nostr"
	"psilo/internal/types"
)

// Relay stores published events and serves REQ subscriptions over websockets.
type Relay struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	// OnEvent is called for every published event after it is stored.
	// Returned events are stored and broadcast as if published.
	OnEvent func(evt types.Event) []types.Event

	// AuthChallenge, when set, is sent to every new connection.
	AuthChallenge string

	mu       sync.Mutex
	conns    map[*websocket.Conn]*client
	events   []types.Event
	received [][]json.RawMessage
	accepts  int
}

type client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	subs    map[string][]types.Filter
}

func (c *client) write(v interface{}) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.WriteJSON(v)
}

// New starts a relay on a loopback port
func New() *Relay {
	r := &Relay{conns: make(map[*websocket.Conn]*client)}
	r.server = httptest.NewServer(http.HandlerFunc(r.serve))
	return r
}

// URL returns the ws:// address of the relay
func (r *Relay) URL() string {
	return "ws" + strings.TrimPrefix(r.server.URL, "http")
}

// Close drops every connection and stops the server
func (r *Relay) Close() {
	r.DropConnections()
	r.server.Close()
}

// DropConnections closes all sockets without a close frame
func (r *Relay) DropConnections() {
	r.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// Accepts returns how many websocket connections were accepted
func (r *Relay) Accepts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.accepts
}

// Connections returns the number of open sockets
func (r *Relay) Connections() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Events returns a copy of every stored event
func (r *Relay) Events() []types.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.Event(nil), r.events...)
}

// Received returns every client message whose type matches msgType
func (r *Relay) Received(msgType string) [][]json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out [][]json.RawMessage
	for _, m := range r.received {
		var t string
		if json.Unmarshal(m[0], &t) == nil && t == msgType {
			out = append(out, m)
		}
	}
	return out
}

// Inject stores an event and pushes it to matching subscriptions without validation
func (r *Relay) Inject(evt types.Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
	r.broadcast(evt)
}

// SendRaw writes an arbitrary message to every connection
func (r *Relay) SendRaw(msg interface{}) {
	for _, c := range r.clients() {
		c.write(msg)
	}
}

func (r *Relay) clients() []*client {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*client, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

func (r *Relay) serve(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	c := &client{conn: conn, subs: make(map[string][]types.Filter)}

	r.mu.Lock()
	r.conns[conn] = c
	r.accepts++
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.conns, conn)
		r.mu.Unlock()
		conn.Close()
	}()

	if r.AuthChallenge != "" {
		c.write([]interface{}{"AUTH", r.AuthChallenge})
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg []json.RawMessage
		if err := json.Unmarshal(data, &msg); err != nil || len(msg) < 2 {
			c.write([]interface{}{"NOTICE", "invalid message"})
			continue
		}
		r.mu.Lock()
		r.received = append(r.received, msg)
		r.mu.Unlock()

		var msgType string
		json.Unmarshal(msg[0], &msgType)
		switch msgType {
		case "REQ":
			r.handleReq(c, msg)
		case "CLOSE":
			var id string
			json.Unmarshal(msg[1], &id)
			r.mu.Lock()
			delete(c.subs, id)
			r.mu.Unlock()
		case "EVENT":
			r.handlePublish(c, msg[1])
		}
	}
}

func (r *Relay) handleReq(c *client, msg []json.RawMessage) {
	var id string
	json.Unmarshal(msg[1], &id)
	filters := make([]types.Filter, 0, len(msg)-2)
	for _, raw := range msg[2:] {
		var f types.Filter
		if err := json.Unmarshal(raw, &f); err == nil {
			filters = append(filters, f)
		}
	}

	r.mu.Lock()
	c.subs[id] = filters
	stored := append([]types.Event(nil), r.events...)
	r.mu.Unlock()

	for _, evt := range stored {
		if nostr.MatchAny(filters, &evt) {
			c.write([]interface{}{"EVENT", id, evt})
		}
	}
	c.write([]interface{}{"EOSE", id})
}

func (r *Relay) handlePublish(c *client, raw json.RawMessage) {
	evt, err := nostr.ParseEvent(raw)
	if err != nil {
		c.write([]interface{}{"OK", "", false, "invalid: " + err.Error()})
		return
	}
	r.mu.Lock()
	r.events = append(r.events, *evt)
	hook := r.OnEvent
	r.mu.Unlock()

	c.write([]interface{}{"OK", evt.ID, true, ""})
	r.broadcast(*evt)

	if hook != nil {
		for _, reply := range hook(*evt) {
			r.Inject(reply)
		}
	}
}

func (r *Relay) broadcast(evt types.Event) {
	type target struct {
		c  *client
		id string
	}
	var targets []target
	r.mu.Lock()
	for _, c := range r.conns {
		for id, filters := range c.subs {
			if nostr.MatchAny(filters, &evt) {
				targets = append(targets, target{c, id})
			}
		}
	}
	r.mu.Unlock()
	for _, t := range targets {
		t.c.write([]interface{}{"EVENT", t.id, evt})
	}
}
