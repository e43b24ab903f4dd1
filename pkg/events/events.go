// Package events publishes scheduler fetch results onto an outbound
// message bus. Each publication carries the two frames spec.md describes:
// a subject naming the scheduler that produced the data, and a
// msgpack-encoded dict of the values that scheduler fetched. Nothing in
// this package consumes events back; the bus is write-only from the
// core's point of view (spec §6).
package events

import (
	"fmt"

	"github.com/hashicorp/go-msgpack/v2/codec"
	"github.com/nats-io/nats.go"

	"github.com/latticerun/forge/pkg/types"
)

var msgpackHandle codec.MsgpackHandle

// Encode msgpack-encodes a fetch result the way the wire format expects:
// a flat dict of string keys to opaque byte values.
func Encode(dict map[string][]byte) ([]byte, error) {
	var out []byte
	enc := codec.NewEncoderBytes(&out, &msgpackHandle)
	if err := enc.Encode(dict); err != nil {
		return nil, fmt.Errorf("encode event payload: %w", err)
	}
	return out, nil
}

// Decode reverses Encode. Used by tests asserting on published payloads.
func Decode(data []byte) (map[string][]byte, error) {
	dict := make(map[string][]byte)
	dec := codec.NewDecoderBytes(data, &msgpackHandle)
	if err := dec.Decode(&dict); err != nil {
		return nil, fmt.Errorf("decode event payload: %w", err)
	}
	return dict, nil
}

// EncodeRecord msgpack-encodes a persisted schedule record ({url, args,
// token}, spec §6) for storage, so idempotent replay can reconstruct the
// full scheduling request rather than just its url and token.
func EncodeRecord(rec types.PersistedRecord) ([]byte, error) {
	var out []byte
	enc := codec.NewEncoderBytes(&out, &msgpackHandle)
	if err := enc.Encode(rec); err != nil {
		return nil, fmt.Errorf("encode persisted record: %w", err)
	}
	return out, nil
}

// DecodeRecord reverses EncodeRecord.
func DecodeRecord(data []byte) (types.PersistedRecord, error) {
	var rec types.PersistedRecord
	dec := codec.NewDecoderBytes(data, &msgpackHandle)
	if err := dec.Decode(&rec); err != nil {
		return types.PersistedRecord{}, fmt.Errorf("decode persisted record: %w", err)
	}
	return rec, nil
}

// Publisher publishes scheduler output. Schedulers call Publish on it
// without a nil check, so a nil Publisher is not usable; NoopPublisher
// is the one that accepts and discards every event, the configuration
// used when a deployment runs without an event bus.
type Publisher interface {
	Publish(key types.SchedulerKey, dict map[string][]byte) error
	Close()
}

// NoopPublisher discards every event. It is the Publisher used in tests
// and in any deployment that runs without a configured bus URL.
type NoopPublisher struct{}

func (NoopPublisher) Publish(types.SchedulerKey, map[string][]byte) error { return nil }
func (NoopPublisher) Close()                                              {}

// NATSPublisher publishes to a NATS server, one subject per scheduler
// key. An empty dict (the scheduler produced nothing this tick) is
// suppressed rather than published, matching spec §4.1's "empty results
// are not published" rule.
type NATSPublisher struct {
	conn *nats.Conn
}

// Dial connects to a NATS server at url. An empty url disables
// publication entirely, returning a NoopPublisher instead of erroring,
// since tests and single-process demos commonly run with no bus.
func Dial(url string) (Publisher, error) {
	if url == "" {
		return NoopPublisher{}, nil
	}

	conn, err := nats.Connect(url, nats.Name("forge"))
	if err != nil {
		return nil, fmt.Errorf("dial event bus: %w", err)
	}
	return &NATSPublisher{conn: conn}, nil
}

// Publish encodes dict and publishes it on the subject named by key. A
// nil or empty dict is a no-op; spec.md treats "scheduler fetched
// nothing" as not worth a wire frame.
func (p *NATSPublisher) Publish(key types.SchedulerKey, dict map[string][]byte) error {
	if len(dict) == 0 {
		return nil
	}

	payload, err := Encode(dict)
	if err != nil {
		return err
	}
	if err := p.conn.Publish(string(key), payload); err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}
	return nil
}

// Close drains and closes the underlying NATS connection.
func (p *NATSPublisher) Close() {
	if p.conn == nil {
		return
	}
	_ = p.conn.Drain()
}
