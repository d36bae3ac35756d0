package coaptest

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ironzhang/lwm2m"
	"github.com/ironzhang/lwm2m/internal/stack/base"
)

func TestRecorder(t *testing.T) {
	f := func(w lwm2m.ResponseWriter, r *lwm2m.Request) {
		w.SetConfirmable()
		w.WriteCode(lwm2m.Changed)
		w.Options().Set(lwm2m.ContentFormat, uint32(lwm2m.TextPlain))
		fmt.Fprintf(w, "hello, world")
	}
	h := lwm2m.HandlerFunc(f)
	rec := NewRecorder()
	req, err := lwm2m.NewRequest(false, lwm2m.PUT, "coap://foo.com/", nil)
	require.NoError(t, err)
	h.ServeCOAP(rec, req)
	if got, want := rec.Confirmable, true; got != want {
		t.Errorf("Confirmable: %v != %v", got, want)
	}
	if got, want := rec.Code, lwm2m.Changed; got != want {
		t.Errorf("Code: %v != %v", got, want)
	}
	if got, want := rec.Body.String(), "hello, world"; got != want {
		t.Errorf("Body: %v != %v", got, want)
	}
	assert.Equal(t, uint32(0), rec.Header.Get(lwm2m.ContentFormat))
}

func TestSender(t *testing.T) {
	var s Sender
	m := base.Message{Type: base.CON, Code: base.GET, MessageID: 7, Token: "tk"}
	m.SetPath("/3/0")
	data, err := m.Marshal()
	require.NoError(t, err)

	require.NoError(t, s.Send(Addr("peer:1"), data))
	data[0] = 0 // 记录的是副本
	last, ok := s.Last()
	require.True(t, ok)
	assert.Equal(t, "/3/0", last.Path())
	assert.Equal(t, uint16(7), last.MessageID)
	assert.Equal(t, "peer:1", s.Sent[0].Peer.String())

	s.Err = assert.AnError
	assert.Equal(t, assert.AnError, s.Send(Addr("peer:1"), data))
	assert.Len(t, s.Messages(), 1)

	s.Reset()
	_, ok = s.Last()
	assert.False(t, ok)
}
