package relay

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/btcsuite/go-socks/socks"
	"github.com/btcsuite/websocket"
	"github.com/echolock/core/internal/corerr"
)

const defaultDialTimeout = 30 * time.Second

// wireEvent is the JSON-on-the-wire shape of an Event, with id, pubkey
// and sig hex-encoded.
type wireEvent struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      uint       `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

func toWire(e *Event) wireEvent {
	tags := make([][]string, len(e.Tags))
	for i, t := range e.Tags {
		tags[i] = []string{t.Key, t.Value}
	}
	return wireEvent{
		ID:        e.IDHex(),
		PubKey:    e.PubKeyHex(),
		CreatedAt: e.CreatedAt,
		Kind:      uint(e.Kind),
		Tags:      tags,
		Content:   e.Content,
		Sig:       fmt.Sprintf("%x", e.Sig),
	}
}

func fromWire(w wireEvent) (*Event, error) {
	idb, err := decodeHexN(w.ID, 32)
	if err != nil {
		return nil, corerr.Wrap(corerr.KindInvalidInput, "malformed event id", err)
	}
	pkb, err := decodeHexN(w.PubKey, 32)
	if err != nil {
		return nil, corerr.Wrap(corerr.KindInvalidInput, "malformed event pubkey", err)
	}
	sigb, err := decodeHexN(w.Sig, 64)
	if err != nil {
		return nil, corerr.Wrap(corerr.KindInvalidInput, "malformed event sig", err)
	}

	tags := make([]Tag, 0, len(w.Tags))
	for _, t := range w.Tags {
		if len(t) < 2 {
			continue
		}
		tags = append(tags, Tag{Key: t[0], Value: t[1]})
	}

	e := &Event{
		CreatedAt: w.CreatedAt,
		Kind:      Kind(w.Kind),
		Tags:      tags,
		Content:   w.Content,
	}
	copy(e.ID[:], idb)
	copy(e.PubKey[:], pkb)
	copy(e.Sig[:], sigb)
	return e, nil
}

func decodeHexN(s string, n int) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) != n {
		return nil, fmt.Errorf("expected %d bytes, got %d", n, len(b))
	}
	return b, nil
}

// The client/relay message envelopes follow NIP-01: ["EVENT", <event>],
// ["OK", id, ok, msg], ["REQ", sub, filter], ["EVENT", sub, <event>],
// ["EOSE", sub].
type okMessage struct {
	Kind    string
	EventID string
	OK      bool
	Message string
}

// wsTransport is the production Transport: one persistent websocket
// connection per relay URL, optionally dialed through a SOCKS5 proxy
// (Tor) for censorship-resistant egress.
type wsTransport struct {
	dialer *websocket.Dialer
	mu     sync.Mutex
	conns  map[string]*websocket.Conn
}

// NewWSTransport builds a Transport using github.com/btcsuite/websocket.
// If socksProxyAddr is non-empty, connections are routed through it via
// github.com/btcsuite/go-socks, so relays stay reachable over Tor when
// the embedding app configures a proxy.
func NewWSTransport(socksProxyAddr string) *wsTransport {
	dialer := &websocket.Dialer{
		HandshakeTimeout: defaultDialTimeout,
	}
	if socksProxyAddr != "" {
		proxy := &socks.Proxy{Addr: socksProxyAddr}
		dialer.NetDial = func(network, addr string) (net.Conn, error) {
			return proxy.DialTimeout(network, addr, defaultDialTimeout)
		}
	}
	return &wsTransport{dialer: dialer, conns: make(map[string]*websocket.Conn)}
}

func (t *wsTransport) connFor(relayURL string) (*websocket.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.conns[relayURL]; ok {
		return c, nil
	}
	conn, _, err := t.dialer.Dial(relayURL, nil)
	if err != nil {
		return nil, corerr.Wrap(corerr.KindNetworkTransient, "failed to dial relay", err)
	}
	t.conns[relayURL] = conn
	return conn, nil
}

func (t *wsTransport) Publish(ctx context.Context, relayURL string, e *Event) error {
	conn, err := t.connFor(relayURL)
	if err != nil {
		return err
	}

	msg, err := json.Marshal([]interface{}{"EVENT", toWire(e)})
	if err != nil {
		return corerr.Wrap(corerr.KindInvalidInput, "failed to encode relay event", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
		_ = conn.SetReadDeadline(deadline)
	}
	if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		t.dropConn(relayURL)
		return corerr.Wrap(corerr.KindNetworkTransient, "failed to publish to relay", err)
	}

	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.dropConn(relayURL)
		return corerr.Wrap(corerr.KindNetworkTransient, "failed to read relay ack", err)
	}

	var frame []json.RawMessage
	if err := json.Unmarshal(raw, &frame); err != nil || len(frame) < 3 {
		return corerr.New(corerr.KindNetworkTransient, "malformed relay response")
	}
	var ok bool
	if err := json.Unmarshal(frame[2], &ok); err != nil {
		return corerr.New(corerr.KindNetworkTransient, "malformed relay ack")
	}
	if !ok {
		return corerr.New(corerr.KindRelayInsufficientAcks, "relay rejected event")
	}
	return nil
}

func (t *wsTransport) Fetch(ctx context.Context, relayURL string, filter Filter) ([]*Event, error) {
	conn, err := t.connFor(relayURL)
	if err != nil {
		return nil, err
	}

	sub := fmt.Sprintf("%x", filter.DTag)
	req := map[string]interface{}{"kinds": []uint{uint(filter.Kind)}}
	if filter.DTag != "" {
		req["#d"] = []string{filter.DTag}
	}
	var zero [32]byte
	if filter.Author != zero {
		req["authors"] = []string{fmt.Sprintf("%x", filter.Author)}
	}

	msg, err := json.Marshal([]interface{}{"REQ", sub, req})
	if err != nil {
		return nil, corerr.Wrap(corerr.KindInvalidInput, "failed to encode relay filter", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
		_ = conn.SetReadDeadline(deadline)
	}
	if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		t.dropConn(relayURL)
		return nil, corerr.Wrap(corerr.KindNetworkTransient, "failed to query relay", err)
	}

	var out []*Event
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.dropConn(relayURL)
			return nil, corerr.Wrap(corerr.KindNetworkTransient, "failed to read relay response", err)
		}
		var frame []json.RawMessage
		if err := json.Unmarshal(raw, &frame); err != nil || len(frame) < 2 {
			continue
		}
		var frameType string
		_ = json.Unmarshal(frame[0], &frameType)
		switch frameType {
		case "EOSE":
			return out, nil
		case "EVENT":
			if len(frame) < 3 {
				continue
			}
			var we wireEvent
			if err := json.Unmarshal(frame[2], &we); err != nil {
				continue
			}
			e, err := fromWire(we)
			if err != nil {
				continue
			}
			out = append(out, e)
		}
	}
}

func (t *wsTransport) dropConn(relayURL string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.conns[relayURL]; ok {
		_ = c.Close()
		delete(t.conns, relayURL)
	}
}

func (t *wsTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for url, c := range t.conns {
		_ = c.Close()
		delete(t.conns, url)
	}
	return nil
}
