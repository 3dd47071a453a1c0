package p2p

import (
	"bytes"
	"encoding/gob"
	"encoding/json"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/uhyunpark/nftswap/pkg/app/core/events"
)

func init() {
	gob.Register(EventWire{})
}

// EventWire is the gossip envelope. The event itself travels as JSON so
// non-Go indexers can read it.
type EventWire struct {
	Origin string // peer ID of the publishing node
	Seq    uint64
	Event  []byte // JSON-encoded events.Event
}

func encodeEvent(origin peer.ID, ev *events.Event) ([]byte, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return gobEncode(EventWire{Origin: origin.String(), Seq: ev.Seq, Event: body})
}

func decodeEvent(data []byte) (peer.ID, events.Event, error) {
	var w EventWire
	if err := gobDecode(data, &w); err != nil {
		return "", events.Event{}, err
	}
	var ev events.Event
	if err := json.Unmarshal(w.Event, &ev); err != nil {
		return "", events.Event{}, err
	}
	from, err := peer.Decode(w.Origin)
	if err != nil {
		return "", events.Event{}, err
	}
	return from, ev, nil
}

func gobEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gobDecode(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
