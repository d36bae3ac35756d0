package lwm2m_test

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ironzhang/lwm2m"
	"github.com/ironzhang/lwm2m/coaptest"
	"github.com/ironzhang/lwm2m/internal/stack/base"
)

var (
	t0   = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	peer = coaptest.Addr("10.0.0.2:56830")
)

func testConfig() lwm2m.Config {
	cfg := lwm2m.DefaultConfig()
	cfg.AckRandomFactor = 1
	return cfg
}

func newContext(t *testing.T, cfg lwm2m.Config, h lwm2m.Handler, opts ...lwm2m.Option) (*lwm2m.Context, *coaptest.Sender) {
	s := &coaptest.Sender{}
	c, err := lwm2m.New(cfg, s, h, append([]lwm2m.Option{lwm2m.WithSeed(1)}, opts...)...)
	require.NoError(t, err)
	return c, s
}

func packet(t *testing.T, m base.Message) []byte {
	data, err := m.Marshal()
	require.NoError(t, err)
	return data
}

func request(typ, code uint8, mid uint16, token, path string) base.Message {
	m := base.Message{Type: typ, Code: code, MessageID: mid, Token: token}
	m.SetPath(path)
	return m
}

type countHandler struct {
	calls int
	last  *lwm2m.Request
	serve func(w lwm2m.ResponseWriter, r *lwm2m.Request)
}

func (h *countHandler) ServeCOAP(w lwm2m.ResponseWriter, r *lwm2m.Request) {
	h.calls++
	h.last = r
	if h.serve != nil {
		h.serve(w, r)
	}
}

func TestNewErrors(t *testing.T) {
	cfg := lwm2m.DefaultConfig()
	cfg.BlockSize = 1000
	_, err := lwm2m.New(cfg, &coaptest.Sender{}, nil)
	assert.Error(t, err)

	_, err = lwm2m.New(lwm2m.DefaultConfig(), nil, nil)
	assert.Equal(t, lwm2m.ErrNilSender, err)
}

func TestPing(t *testing.T) {
	c, s := newContext(t, testConfig(), &countHandler{})
	c.HandlePacket(t0, peer, packet(t, base.Message{Type: base.CON, MessageID: 5}))
	c.HandlePacket(t0, peer, packet(t, base.Message{Type: base.NON, MessageID: 6}))

	require.Len(t, s.Sent, 1)
	m := s.Sent[0].Message
	assert.Equal(t, uint8(base.RST), m.Type)
	assert.Equal(t, uint16(5), m.MessageID)
}

func TestPiggybackedResponse(t *testing.T) {
	h := &countHandler{serve: func(w lwm2m.ResponseWriter, r *lwm2m.Request) {
		w.Options().Set(lwm2m.ContentFormat, uint32(lwm2m.TextPlain))
		fmt.Fprintf(w, "hello")
	}}
	c, s := newContext(t, testConfig(), h, lwm2m.WithLocalAddr(coaptest.Addr("10.0.0.1:5683")))
	c.HandlePacket(t0, peer, packet(t, request(base.CON, base.GET, 10, "ab", "/3/0/0")))

	require.Equal(t, 1, h.calls)
	assert.Equal(t, "/3/0/0", h.last.Path())
	assert.Equal(t, "coap://10.0.0.1:5683/3/0/0", h.last.URL.String())
	assert.Equal(t, peer, h.last.RemoteAddr)
	assert.True(t, h.last.Confirmable)

	require.Len(t, s.Sent, 1)
	m := s.Sent[0].Message
	assert.Equal(t, uint8(base.ACK), m.Type)
	assert.Equal(t, uint8(base.Content), m.Code)
	assert.Equal(t, uint16(10), m.MessageID)
	assert.Equal(t, "ab", m.Token)
	assert.Equal(t, "hello", string(m.Payload))
	assert.Equal(t, 0, c.Pending())
}

func TestDuplicateRequestReplaysReply(t *testing.T) {
	h := &countHandler{serve: func(w lwm2m.ResponseWriter, r *lwm2m.Request) {
		w.WriteCode(lwm2m.Changed)
	}}
	c, s := newContext(t, testConfig(), h)
	data := packet(t, request(base.CON, base.PUT, 11, "t", "/1/0/1"))
	c.HandlePacket(t0, peer, data)
	c.HandlePacket(t0.Add(time.Second), peer, data)

	assert.Equal(t, 1, h.calls)
	require.Len(t, s.Sent, 2)
	assert.Equal(t, s.Sent[0].Data, s.Sent[1].Data)

	// NON 后同MID的 CON 被拒绝
	non := packet(t, request(base.NON, base.GET, 12, "n", "/1"))
	c.HandlePacket(t0, peer, non)
	c.HandlePacket(t0, peer, non)
	assert.Equal(t, 2, h.calls)
	c.HandlePacket(t0, peer, packet(t, request(base.CON, base.GET, 12, "n", "/1")))
	last, _ := s.Last()
	assert.Equal(t, uint8(base.RST), last.Type)
	assert.Equal(t, uint16(12), last.MessageID)
}

func TestNonConfirmableRequest(t *testing.T) {
	h := &countHandler{serve: func(w lwm2m.ResponseWriter, r *lwm2m.Request) {
		w.Write([]byte("v"))
	}}
	c, s := newContext(t, testConfig(), h)
	c.HandlePacket(t0, peer, packet(t, request(base.NON, base.GET, 20, "x", "/3")))

	require.Len(t, s.Sent, 1)
	m := s.Sent[0].Message
	assert.Equal(t, uint8(base.NON), m.Type)
	assert.NotEqual(t, uint16(20), m.MessageID)
	assert.Equal(t, "x", m.Token)
	assert.Equal(t, 0, c.Pending())

	// SetConfirmable 使响应进入事务表
	h.serve = func(w lwm2m.ResponseWriter, r *lwm2m.Request) { w.SetConfirmable() }
	c.HandlePacket(t0, peer, packet(t, request(base.NON, base.GET, 21, "y", "/3")))
	last, _ := s.Last()
	assert.Equal(t, uint8(base.CON), last.Type)
	assert.Equal(t, 1, c.Pending())
}

func TestRequestRejected(t *testing.T) {
	tests := []struct {
		handler lwm2m.Handler
		in      base.Message
		typ     uint8
		code    uint8
	}{
		{
			handler: nil,
			in:      request(base.CON, base.GET, 1, "a", "/3"),
			typ:     base.RST,
			code:    0,
		},
		{
			handler: &countHandler{},
			in: func() base.Message {
				m := request(base.CON, base.GET, 2, "b", "")
				m.SetOption(base.ProxyURI, base.Str("coap://example.com/3"))
				return m
			}(),
			typ:  base.ACK,
			code: base.ProxyingNotSupported,
		},
		{
			handler: &countHandler{serve: func(w lwm2m.ResponseWriter, r *lwm2m.Request) {
				w.Write([]byte("partial"))
				panic("boom")
			}},
			in:   request(base.CON, base.GET, 3, "c", "/3"),
			typ:  base.ACK,
			code: base.InternalServerError,
		},
	}
	for i, tt := range tests {
		c, s := newContext(t, testConfig(), tt.handler)
		c.HandlePacket(t0, peer, packet(t, tt.in))
		require.Len(t, s.Sent, 1, "case%d", i)
		m := s.Sent[0].Message
		if got, want := m.Type, tt.typ; got != want {
			t.Errorf("case%d: type: got(%v) != want(%v)", i, got, want)
		}
		if got, want := m.Code, tt.code; got != want {
			t.Errorf("case%d: code: got(%v) != want(%v)", i, got, want)
		}
		if got, want := m.MessageID, tt.in.MessageID; got != want {
			t.Errorf("case%d: mid: got(%v) != want(%v)", i, got, want)
		}
		assert.Empty(t, m.Payload, "case%d", i)
	}
}

func TestSeparateResponse(t *testing.T) {
	h := &countHandler{serve: func(w lwm2m.ResponseWriter, r *lwm2m.Request) {
		w.Ack()
		w.Write([]byte("later"))
	}}
	c, s := newContext(t, testConfig(), h)
	c.HandlePacket(t0, peer, packet(t, request(base.CON, base.GET, 30, "sep", "/3/0")))

	require.Len(t, s.Sent, 2)
	ack := s.Sent[0].Message
	assert.Equal(t, uint8(base.ACK), ack.Type)
	assert.Equal(t, uint8(0), ack.Code)
	assert.Equal(t, uint16(30), ack.MessageID)

	resp := s.Sent[1].Message
	assert.Equal(t, uint8(base.CON), resp.Type)
	assert.Equal(t, "sep", resp.Token)
	assert.Equal(t, "later", string(resp.Payload))
	assert.Equal(t, 1, c.Pending())

	// 未确认时重传
	c.Step(t0.Add(2 * time.Second))
	require.Len(t, s.Sent, 3)
	assert.Equal(t, s.Sent[1].Data, s.Sent[2].Data)

	c.HandlePacket(t0.Add(3*time.Second), peer, packet(t, base.Message{Type: base.ACK, MessageID: resp.MessageID}))
	assert.Equal(t, 0, c.Pending())
}

func TestSeparateAckWithoutContent(t *testing.T) {
	h := &countHandler{serve: func(w lwm2m.ResponseWriter, r *lwm2m.Request) {
		w.Ack()
	}}
	c, s := newContext(t, testConfig(), h)
	c.HandlePacket(t0, peer, packet(t, request(base.CON, base.POST, 31, "a", "/3/0/4")))
	require.Len(t, s.Sent, 1)
	assert.Equal(t, uint8(base.ACK), s.Sent[0].Message.Type)
	assert.Equal(t, 0, c.Pending())
}

func TestUnexpectedResponse(t *testing.T) {
	var notified []*lwm2m.Response
	observer := lwm2m.ObserverFunc(func(r *lwm2m.Response) { notified = append(notified, r) })

	notify := base.Message{Type: base.CON, Code: base.Content, MessageID: 40, Token: "obs", Payload: []byte("1")}
	notify.SetObserve(3)

	// 没有观察者: CON 和通知都被重置
	c, s := newContext(t, testConfig(), nil)
	c.HandlePacket(t0, peer, packet(t, base.Message{Type: base.CON, Code: base.Content, MessageID: 41, Token: "zz"}))
	c.HandlePacket(t0, peer, packet(t, base.Message{Type: base.NON, Code: base.Content, MessageID: 42, Token: "zz"}))
	c.HandlePacket(t0, peer, packet(t, notify))
	require.Len(t, s.Sent, 2)
	assert.Equal(t, uint8(base.RST), s.Sent[0].Message.Type)
	assert.Equal(t, uint16(41), s.Sent[0].Message.MessageID)
	assert.Equal(t, uint8(base.RST), s.Sent[1].Message.Type)
	assert.Equal(t, uint16(40), s.Sent[1].Message.MessageID)

	// 有观察者: 确认并交给观察者
	c, s = newContext(t, testConfig(), nil, lwm2m.WithObserver(observer))
	c.HandlePacket(t0, peer, packet(t, notify))
	require.Len(t, s.Sent, 1)
	assert.Equal(t, uint8(base.ACK), s.Sent[0].Message.Type)
	require.Len(t, notified, 1)
	seq, ok := notified[0].Observe()
	assert.True(t, ok)
	assert.Equal(t, uint32(3), seq)
	assert.Equal(t, "1", string(notified[0].Payload))
	assert.Equal(t, lwm2m.Content, notified[0].Status)
}

func TestSendRequest(t *testing.T) {
	c, s := newContext(t, testConfig(), nil)
	req, err := lwm2m.NewRequest(true, lwm2m.GET, "coap://10.0.0.2:56830/3/0", nil)
	require.NoError(t, err)

	var got *lwm2m.Response
	calls := 0
	require.NoError(t, c.SendRequest(t0, peer, req, func(r *lwm2m.Response, err error) {
		calls++
		require.NoError(t, err)
		got = r
	}))
	sent, ok := s.Last()
	require.True(t, ok)
	assert.Equal(t, uint8(base.CON), sent.Type)
	assert.Len(t, sent.Token, 4)
	assert.Equal(t, "/3/0", sent.Path())
	assert.Equal(t, 1, c.Pending())

	resp := base.Message{Type: base.ACK, Code: base.Content, MessageID: sent.MessageID, Token: sent.Token, Payload: []byte("device")}
	data := packet(t, resp)
	c.HandlePacket(t0.Add(time.Second), peer, data)
	data[len(data)-1] = 'X' // 响应不引用接收缓冲区

	require.Equal(t, 1, calls)
	assert.Equal(t, "device", string(got.Payload))
	assert.True(t, got.Ack)
	assert.Equal(t, 0, c.Pending())
}

func TestSendRequestTimeout(t *testing.T) {
	c, s := newContext(t, testConfig(), nil)
	req, err := lwm2m.NewRequest(true, lwm2m.GET, "coap://10.0.0.2/3/0", nil)
	require.NoError(t, err)

	var errs []error
	require.NoError(t, c.SendRequest(t0, peer, req, func(r *lwm2m.Response, err error) {
		errs = append(errs, err)
	}))

	now := t0
	for i := 0; i < 100 && c.Pending() > 0; i++ {
		now = now.Add(time.Second)
		c.Step(now)
	}
	assert.Equal(t, []error{lwm2m.ErrTimeout}, errs)
	assert.Len(t, s.Sent, 5)
	assert.Equal(t, t0.Add(62*time.Second), now)
}

func TestRemovePeerAndClose(t *testing.T) {
	c, s := newContext(t, testConfig(), nil)
	req, err := lwm2m.NewRequest(true, lwm2m.GET, "coap://10.0.0.2/3/0", nil)
	require.NoError(t, err)

	var errs []error
	fn := func(r *lwm2m.Response, err error) { errs = append(errs, err) }
	require.NoError(t, c.SendRequest(t0, peer, req, fn))
	c.RemovePeer(peer)
	assert.Equal(t, []error{lwm2m.ErrClosed}, errs)
	assert.Equal(t, 0, c.Pending())

	require.NoError(t, c.SendRequest(t0, peer, req, fn))
	c.Close()
	assert.Len(t, errs, 2)
	assert.Equal(t, lwm2m.ErrClosed, c.SendRequest(t0, peer, req, fn))

	s.Reset()
	c.HandlePacket(t0, peer, packet(t, base.Message{Type: base.CON, MessageID: 1}))
	assert.Empty(t, s.Sent)
	assert.Equal(t, time.Duration(0), c.Step(t0))
}

func TestSendRequestError(t *testing.T) {
	c, s := newContext(t, testConfig(), nil)
	s.Err = assert.AnError
	req, err := lwm2m.NewRequest(false, lwm2m.POST, "coap://10.0.0.2/3/0", bytes.Repeat([]byte("a"), 10))
	require.NoError(t, err)
	called := false
	err = c.SendRequest(t0, peer, req, func(*lwm2m.Response, error) { called = true })
	assert.Equal(t, assert.AnError, err)
	assert.False(t, called)
	assert.Equal(t, 0, c.Pending())
}
