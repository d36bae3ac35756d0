// Package coaputil runs a lwm2m.Context on a UDP socket and holds the option
// parsing shared by the command line tools.
package coaputil

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
	"golang.org/x/sync/errgroup"

	"github.com/ironzhang/lwm2m"
)

// AllCoAPNodes IPv4 "All CoAP Nodes" 组播地址
const AllCoAPNodes = "224.0.1.187"

var ErrHostStopped = errors.New("host stopped")

// 无待办时的定时器间隔
const idleInterval = time.Minute

type datagram struct {
	peer net.Addr
	data []byte
}

type call struct {
	fn   func(c *lwm2m.Context, now time.Time) error
	done chan error
}

// Host 在一个 PacketConn 上驱动 lwm2m.Context.
//
// 读协程只负责收包, Context 的全部操作都在 Run 的主循环中串行执行.
type Host struct {
	conn    net.PacketConn
	ctx     *lwm2m.Context
	logger  *zap.Logger
	packets chan datagram
	calls   chan call
	stopped chan struct{}
}

// NewHost 创建 Host, Context 的本端地址为 conn.LocalAddr().
func NewHost(conn net.PacketConn, cfg lwm2m.Config, h lwm2m.Handler, logger *zap.Logger, opts ...lwm2m.Option) (*Host, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	host := &Host{
		conn:    conn,
		logger:  logger,
		packets: make(chan datagram, 64),
		calls:   make(chan call),
		stopped: make(chan struct{}),
	}
	opts = append([]lwm2m.Option{lwm2m.WithLogger(logger), lwm2m.WithLocalAddr(conn.LocalAddr())}, opts...)
	c, err := lwm2m.New(cfg, lwm2m.SenderFunc(host.send), h, opts...)
	if err != nil {
		return nil, err
	}
	host.ctx = c
	return host, nil
}

// Listen 在address上监听UDP.
func Listen(address string) (net.PacketConn, error) {
	conn, err := net.ListenPacket("udp", address)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", address)
	}
	return conn, nil
}

// JoinGroup 在ifi上加入IPv4组播组, ifi为nil时使用系统默认接口.
func (h *Host) JoinGroup(ifi *net.Interface, group string) error {
	ip := net.ParseIP(group)
	if ip == nil || ip.To4() == nil {
		return errors.Errorf("invalid ipv4 group %q", group)
	}
	p := ipv4.NewPacketConn(h.conn)
	if err := p.JoinGroup(ifi, &net.UDPAddr{IP: ip}); err != nil {
		return errors.Wrapf(err, "join group %s", group)
	}
	h.logger.Info("join multicast group", zap.String("group", group))
	return nil
}

// Context 返回被驱动的 Context, 只能在主循环中(Handler, Reader 和 Do 内)使用.
func (h *Host) Context() *lwm2m.Context {
	return h.ctx
}

func (h *Host) LocalAddr() net.Addr {
	return h.conn.LocalAddr()
}

func (h *Host) send(peer net.Addr, data []byte) error {
	_, err := h.conn.WriteTo(data, peer)
	return err
}

// Run 收包并驱动 Context, 直到ctx结束或连接出错. 返回前关闭连接和 Context.
func (h *Host) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return h.read(ctx)
	})
	g.Go(func() error {
		defer close(h.stopped)
		return h.loop(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		h.conn.Close()
		return nil
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (h *Host) read(ctx context.Context) error {
	buf := make([]byte, 1500)
	for {
		n, addr, err := h.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			h.logger.Error("read from", zap.Stringer("local", h.conn.LocalAddr()), zap.Error(err))
			return errors.Wrap(err, "read from")
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case h.packets <- datagram{peer: addr, data: data}:
		case <-ctx.Done():
			return nil
		}
	}
}

func (h *Host) loop(ctx context.Context) error {
	timer := time.NewTimer(idleInterval)
	defer timer.Stop()
	defer h.ctx.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case d := <-h.packets:
			h.ctx.HandlePacket(time.Now(), d.peer, d.data)
		case c := <-h.calls:
			c.done <- c.fn(h.ctx, time.Now())
		case <-timer.C:
		}

		next := h.ctx.Step(time.Now())
		if next <= 0 {
			next = idleInterval
		}
		timer.Reset(next)
	}
}

// Do 在主循环中执行fn并返回其结果.
func (h *Host) Do(ctx context.Context, fn func(c *lwm2m.Context, now time.Time) error) error {
	c := call{fn: fn, done: make(chan error, 1)}
	select {
	case h.calls <- c:
	case <-h.stopped:
		return ErrHostStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-c.done
}

// Call 发送请求并等待响应.
func (h *Host) Call(ctx context.Context, peer net.Addr, req *lwm2m.Request) (*lwm2m.Response, error) {
	w := newResponseWaiter()
	err := h.Do(ctx, func(c *lwm2m.Context, now time.Time) error {
		return c.SendRequest(now, peer, req, w.Done)
	})
	if err != nil {
		return nil, err
	}
	return w.Wait(ctx)
}

// ResolvePeer 解析请求URL中的目标地址.
func ResolvePeer(req *lwm2m.Request) (net.Addr, error) {
	if req.URL == nil || req.URL.Host == "" {
		return nil, errors.New("invalid request url")
	}
	addr, err := net.ResolveUDPAddr("udp", req.URL.Host)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", req.URL.Host)
	}
	return addr, nil
}
