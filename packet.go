package lwm2m

import (
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/ironzhang/lwm2m/internal/observe"
	"github.com/ironzhang/lwm2m/internal/stack/base"
	"github.com/ironzhang/lwm2m/internal/stack/blockwise"
	"github.com/ironzhang/lwm2m/internal/stack/deduplication"
	"github.com/ironzhang/lwm2m/internal/stack/transaction"
)

// HandlePacket 处理从peer收到的一个数据报. 返回后 data 可以被复用.
func (c *Context) HandlePacket(now time.Time, peer net.Addr, data []byte) {
	c.now = now
	if c.closed {
		return
	}

	m, err := base.Parse(data)
	if err != nil {
		c.metrics.ParseError(err)
		c.logger.Info("parse message", zap.String("peer", peer.String()), zap.Stringer("header", m), zap.Error(err))
		handleError(c, peer, m, err)
		return
	}
	c.metrics.Received(m)
	c.logger.Debug("recv", zap.String("peer", peer.String()), zap.Stringer("message", m))

	switch m.Type {
	case base.CON, base.NON:
		c.handleMSG(now, peer, m)
	case base.ACK, base.RST:
		c.handleReply(now, peer, m)
	}
}

func (c *Context) handleMSG(now time.Time, peer net.Addr, m base.Message) {
	if m.Code == 0 {
		// CoAP ping
		if m.Type == base.CON {
			c.sendEmpty(peer, base.RST, m.MessageID)
		}
		return
	}

	verdict, reply := c.dedup.Check(now, peer, m)
	switch verdict {
	case deduplication.Duplicate:
		c.metrics.Duplicate(verdict.String())
		c.logger.Debug("duplicate message", zap.String("peer", peer.String()), zap.Stringer("message", m))
		return
	case deduplication.Replay:
		c.metrics.Duplicate(verdict.String())
		if err := c.sender.Send(peer, reply); err != nil {
			c.logger.Warn("replay reply", zap.String("peer", peer.String()), zap.Error(err))
		}
		return
	case deduplication.Reject:
		c.metrics.Duplicate(verdict.String())
		c.sendEmpty(peer, base.RST, m.MessageID)
		return
	}

	m.Detach()
	switch {
	case base.IsRequest(m.Code):
		c.handleRequest(now, peer, m)
	case base.IsResponse(m.Code):
		c.handleResponse(now, peer, m)
	default:
		c.logger.Info("reserved code", zap.String("peer", peer.String()), zap.Stringer("message", m))
		if m.Type == base.CON {
			c.sendEmpty(peer, base.RST, m.MessageID)
		}
	}
}

// handleReply 处理 ACK 和 RST.
func (c *Context) handleReply(now time.Time, peer net.Addr, m base.Message) {
	if m.Code != 0 {
		m.Detach()
	}
	matched, done := c.table.HandleResponse(now, peer, m)
	if matched {
		transaction.Run(done)
		return
	}
	if m.Type == base.RST && c.observe.CancelMID(peer, m.MessageID) {
		c.logger.Info("notification reset", zap.String("peer", peer.String()), zap.Uint16("mid", m.MessageID))
		return
	}
	c.logger.Debug("unmatched reply", zap.String("peer", peer.String()), zap.Stringer("message", m))
}

// handleResponse 处理独立响应和通知(CON/NON).
func (c *Context) handleResponse(now time.Time, peer net.Addr, m base.Message) {
	matched, done := c.table.HandleResponse(now, peer, m)
	if matched {
		if m.Type == base.CON {
			c.sendEmpty(peer, base.ACK, m.MessageID)
		}
		transaction.Run(done)
		return
	}

	_, isNotify := m.Observe()
	if isNotify && c.observer != nil {
		if m.Type == base.CON {
			c.sendEmpty(peer, base.ACK, m.MessageID)
		}
		c.observer.ServeObserve(newResponse(peer, m))
		return
	}

	c.logger.Info("unexpected response", zap.String("peer", peer.String()), zap.Stringer("message", m))
	if m.Type == base.CON || isNotify {
		c.sendEmpty(peer, base.RST, m.MessageID)
	}
}

func (c *Context) handleRequest(now time.Time, peer net.Addr, m base.Message) {
	if _, ok := m.ProxyURI(); ok {
		c.reply(peer, m, base.ProxyingNotSupported, nil)
		return
	}
	if c.handler == nil {
		c.logger.Info("handler is nil", zap.String("peer", peer.String()))
		c.sendEmpty(peer, base.RST, m.MessageID)
		return
	}

	key := blockKey{peer: peer.String(), uri: observe.Normalize(m.Path())}
	if opt, ok := m.Block1(); ok {
		payload, complete := c.receiveBlock1(now, peer, key, m, opt)
		if !complete {
			return
		}
		m.Payload = payload
	}
	if opt, ok := m.Block2(); ok && opt.Num > 0 {
		if buf, ok := c.block2.Get(key); ok {
			c.sendBlock2(now, peer, m, buf, opt)
			return
		}
	}

	w := c.serve(peer, m)
	c.finishRequest(now, peer, key, m, w)
}

// receiveBlock1 接收一个 Block1 块, 最后一块到达时返回完整负载.
func (c *Context) receiveBlock1(now time.Time, peer net.Addr, key blockKey, m base.Message, opt base.BlockOption) ([]byte, bool) {
	res := c.block1.Handle(now, key, opt, m.Payload)
	c.logger.Debug("block1",
		zap.String("peer", key.peer),
		zap.String("uri", key.uri),
		zap.Uint32("num", opt.Num),
		zap.Stringer("status", res.Status))

	switch res.Status {
	case blockwise.Continue:
		c.metrics.BlockTransfer("block1", "continue")
		c.reply(peer, m, base.Continue, func(r *base.Message) {
			r.SetBlock1(base.BlockOption{Num: opt.Num, More: true, Size: opt.Size})
		})
	case blockwise.Retransmission:
		c.metrics.BlockTransfer("block1", "retransmission")
		if opt.More {
			c.reply(peer, m, base.Continue, func(r *base.Message) {
				r.SetBlock1(base.BlockOption{Num: opt.Num, More: true, Size: opt.Size})
			})
		} else if m.Type == base.CON {
			// 已接收过的最后一块, 只确认不再交付
			c.sendEmpty(peer, base.ACK, m.MessageID)
		}
	case blockwise.Incomplete:
		c.metrics.BlockTransfer("block1", "incomplete")
		c.reply(peer, m, base.RequestEntityIncomplete, nil)
	case blockwise.TooLarge:
		c.metrics.BlockTransfer("block1", "too_large")
		c.reply(peer, m, base.RequestEntityTooLarge, func(r *base.Message) {
			r.SetSize1(uint32(c.cfg.MaxPayload))
		})
	case blockwise.Complete:
		c.metrics.BlockTransfer("block1", "complete")
		payload := make([]byte, len(res.Payload))
		copy(payload, res.Payload)
		c.block1.Delete(key)
		return payload, true
	}
	return nil, false
}

// blockRequest 返回按本端块大小换算后的 Block2 请求.
func (c *Context) blockRequest(opt base.BlockOption) (num, size uint32) {
	num, size = opt.Num, opt.Size
	if size > c.cfg.BlockSize {
		num = num * (size / c.cfg.BlockSize)
		size = c.cfg.BlockSize
	}
	return num, size
}

// sendBlock2 从缓冲区发送请求的 Block2 块.
func (c *Context) sendBlock2(now time.Time, peer net.Addr, m base.Message, buf *blockwise.Buffer, opt base.BlockOption) {
	num, size := c.blockRequest(opt)
	part, err := buf.Message(now, num, size)
	if err != nil {
		c.metrics.BlockTransfer("block2", "out_of_scope")
		c.reply(peer, m, base.BadOption, func(r *base.Message) {
			r.Payload = []byte(err.Error())
		})
		return
	}
	c.metrics.BlockTransfer("block2", "served")
	c.reply(peer, m, part.Code, func(r *base.Message) {
		r.Options = part.Options.Without(base.Observe)
		r.Payload = part.Payload
	})
}

// serve 调用 handler 处理请求. handler panic 时响应 5.00.
func (c *Context) serve(peer net.Addr, m base.Message) (w *response) {
	req := &Request{
		Confirmable: m.Type == base.CON,
		Method:      Code(m.Code),
		Options:     Options(m.Options),
		URL:         urlFromMessage(c.cfg.Scheme, c.local, m),
		Token:       m.Token,
		Payload:     m.Payload,
		RemoteAddr:  peer,
		MessageID:   m.MessageID,
	}
	w = &response{
		ctx:         c,
		peer:        peer,
		confirmable: req.Confirmable,
		messageID:   m.MessageID,
		token:       m.Token,
		code:        Content,
		needAck:     req.Confirmable,
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("serve coap panic",
				zap.String("peer", peer.String()),
				zap.Stringer("request", m),
				zap.Any("panic", r),
				zap.Stack("stack"))
			w.code = InternalServerError
			w.options = nil
			w.buffer.Reset()
		}
	}()
	c.handler.ServeCOAP(w, req)
	return w
}

// finishRequest 发送 handler 的响应, 处理观察注册和 Block2 分块.
func (c *Context) finishRequest(now time.Time, peer net.Addr, key blockKey, req base.Message, w *response) {
	if w.acked && w.code == Content && len(w.options) == 0 && w.buffer.Len() == 0 {
		// 已回复空ACK且没有内容
		return
	}

	m := w.message()
	if opt, ok := req.Block1(); ok {
		m.SetBlock1(opt)
	}

	if obs, ok := req.Observe(); ok && req.Code == base.GET {
		switch obs {
		case ObserveRegister:
			if base.IsSuccess(m.Code) {
				format, _ := m.ContentFormat()
				watcher := c.observe.Subscribe(key.uri, peer, req.Token, format, now)
				m.SetObserve(watcher.Counter)
			}
		case ObserveDeregister:
			c.observe.Cancel(key.uri, peer)
		}
	}

	var num uint32
	size := c.cfg.BlockSize
	if opt, ok := req.Block2(); ok {
		num, size = c.blockRequest(opt)
	}
	if len(m.Payload) > int(size) || num > 0 {
		buf := c.block2.New(now, key, m, blockwise.ETag(m.Payload))
		part, err := buf.Message(now, num, size)
		if err != nil {
			c.block2.Remove(key)
			c.metrics.BlockTransfer("block2", "out_of_scope")
			c.reply(peer, req, base.BadOption, func(r *base.Message) {
				r.Payload = []byte(err.Error())
			})
			return
		}
		c.metrics.BlockTransfer("block2", "start")
		m = part
	}

	if m.Type == base.CON {
		tr := transaction.New(peer, m, func(tr *transaction.Transaction, _ *base.Message, err error) {
			if err != nil {
				c.logger.Info("separate response", zap.String("peer", peer.String()), zap.Stringer("message", tr.Message), zap.Error(err))
			}
		})
		if err := c.table.Send(now, tr); err != nil {
			c.logger.Warn("send response", zap.String("peer", peer.String()), zap.Error(err))
		}
		return
	}
	if err := c.send(peer, m); err != nil {
		c.logger.Warn("send response", zap.String("peer", peer.String()), zap.Stringer("message", m), zap.Error(err))
	}
}
