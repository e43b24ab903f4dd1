package events_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/latticerun/forge/pkg/events"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	dict := map[string][]byte{"tick": []byte("7"), "name": []byte("demo")}

	payload, err := events.Encode(dict)
	require.NoError(t, err)

	got, err := events.Decode(payload)
	require.NoError(t, err)
	require.Equal(t, dict, got)
}

func TestNoopPublisherDiscards(t *testing.T) {
	p := events.NoopPublisher{}
	require.NoError(t, p.Publish("auto:abc@1.0", map[string][]byte{"a": []byte("1")}))
	p.Close()
}

func TestDialEmptyURLReturnsNoop(t *testing.T) {
	p, err := events.Dial("")
	require.NoError(t, err)
	_, ok := p.(events.NoopPublisher)
	require.True(t, ok)
}
