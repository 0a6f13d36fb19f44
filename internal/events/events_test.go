package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	connected bool
	subject   string
	data      []byte
	err       error
	closed    bool
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	f.subject = subject
	f.data = data
	return f.err
}

func (f *fakeConn) IsConnected() bool { return f.connected }
func (f *fakeConn) Close()            { f.closed = true }

func TestNATSPublisher_PublishDeckCreated(t *testing.T) {
	fc := &fakeConn{connected: true}
	p := newNATSPublisher(fc, "")

	at := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	err := p.PublishDeckCreated(context.Background(), DeckCreated{
		OwnerID: "telegram:42", PresentationID: "abc", URL: "https://docs.google.com/presentation/d/abc",
		Title: "Roadmap", Slides: 3, CreatedAt: at,
	})
	require.NoError(t, err)
	assert.Equal(t, DefaultSubject, fc.subject)

	var got map[string]any
	require.NoError(t, json.Unmarshal(fc.data, &got))
	assert.Equal(t, "telegram:42", got["ownerId"])
	assert.Equal(t, "abc", got["presentationId"])
	assert.Equal(t, float64(3), got["slides"])
	assert.Equal(t, "2026-02-03T04:05:06Z", got["createdAt"])
}

func TestNATSPublisher_Errors(t *testing.T) {
	fc := &fakeConn{connected: false}
	p := newNATSPublisher(fc, "custom.subject")
	require.Error(t, p.PublishDeckCreated(context.Background(), DeckCreated{}))
	assert.False(t, p.IsConnected())

	fc.connected = true
	fc.err = errors.New("slow consumer")
	err := p.PublishDeckCreated(context.Background(), DeckCreated{})
	require.ErrorContains(t, err, "publish custom.subject")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, p.PublishDeckCreated(ctx, DeckCreated{}), context.Canceled)

	p.Close()
	assert.True(t, fc.closed)
}

func TestNop(t *testing.T) {
	var p Publisher = Nop{}
	require.NoError(t, p.PublishDeckCreated(context.Background(), DeckCreated{}))
}
