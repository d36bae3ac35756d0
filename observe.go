package lwm2m

import (
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/ironzhang/lwm2m/internal/observe"
	"github.com/ironzhang/lwm2m/internal/stack/base"
	"github.com/ironzhang/lwm2m/internal/stack/blockwise"
	"github.com/ironzhang/lwm2m/internal/stack/transaction"
)

// 资源值和通知属性
type (
	Reader     = observe.Reader
	ReaderFunc = observe.ReaderFunc
	Value      = observe.Value
	Int        = observe.Int
	Uint       = observe.Uint
	Float      = observe.Float
	Bool       = observe.Bool
	String     = observe.String
	Opaque     = observe.Opaque
	Multiple   = observe.Multiple

	Attributes      = observe.Attributes
	AttributeUpdate = observe.Update
)

// ParseAttributes 解析 Write-Attributes 请求的查询参数.
func ParseAttributes(r *Request) (AttributeUpdate, error) {
	return observe.ParseUpdate(r.Options.GetStrings(URIQuery))
}

// Changed 标记uri的值已改变, 相关的观察在下一次 Step 时评估.
func (c *Context) Changed(uri string) {
	c.observe.Changed(uri)
}

// SetAttributes 修改peer对uri的通知属性.
func (c *Context) SetAttributes(peer net.Addr, uri string, u AttributeUpdate) error {
	return c.observe.SetAttributes(uri, peer, u)
}

func (c *Context) Attributes(peer net.Addr, uri string) (Attributes, bool) {
	return c.observe.Attributes(uri, peer)
}

// CancelObserve 删除peer对uri的观察.
func (c *Context) CancelObserve(peer net.Addr, uri string) bool {
	return c.observe.Cancel(uri, peer)
}

// RemoveResource 删除uri及其下级资源的全部观察.
func (c *Context) RemoveResource(uri string) int {
	return c.observe.Remove(uri)
}

// Observations 返回活动的观察数.
func (c *Context) Observations() int {
	return c.observe.Len()
}

// notify 发送通知. 超出通知速率时返回 RateLimitError, 通知保持待发送.
func (c *Context) notify(n observe.Notification) (uint16, error) {
	if c.limiter != nil {
		r := c.limiter.ReserveN(c.now, 1)
		if !r.OK() {
			return 0, &observe.RateLimitError{Delay: time.Second}
		}
		if d := r.DelayFrom(c.now); d > 0 {
			r.CancelAt(c.now)
			return 0, &observe.RateLimitError{Delay: d}
		}
	}

	w := n.Watcher
	m := base.Message{
		Type:      base.NON,
		Code:      base.Content,
		MessageID: c.NextMessageID(),
		Token:     w.Token,
		Payload:   n.Payload,
	}
	if c.cfg.Observe.Confirmable {
		m.Type = base.CON
	}
	m.SetObserve(n.Counter)
	m.SetContentFormat(n.Format)

	if len(m.Payload) > int(c.cfg.BlockSize) {
		key := blockKey{peer: w.Peer.String(), uri: w.URI}
		buf := c.block2.New(c.now, key, m, blockwise.ETag(m.Payload))
		part, err := buf.Message(c.now, 0, c.cfg.BlockSize)
		if err != nil {
			return 0, err
		}
		m = part
	}

	if m.Type == base.CON {
		tr := transaction.New(w.Peer, m, c.notificationDone(w.URI))
		if err := c.table.Send(c.now, tr); err != nil {
			return 0, err
		}
		return m.MessageID, nil
	}
	if err := c.send(w.Peer, m); err != nil {
		return 0, err
	}
	return m.MessageID, nil
}

// notificationDone 确认通知超时或被重置时取消观察.
func (c *Context) notificationDone(uri string) transaction.Handler {
	return func(tr *transaction.Transaction, _ *base.Message, err error) {
		if err == nil || err == transaction.ErrClosed {
			return
		}
		if c.observe.Cancel(uri, tr.Peer) {
			c.logger.Info("observe cancelled",
				zap.String("uri", uri),
				zap.String("peer", tr.Peer.String()),
				zap.Error(err))
		}
	}
}
