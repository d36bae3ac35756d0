package lwm2m

import (
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/ironzhang/lwm2m/internal/stack/base"
)

// Request COAP请求
type Request struct {
	// 是否为可靠消息
	Confirmable bool

	// 请求方法
	Method Code

	// COAP选项
	Options Options

	// 目标url, 接收端由选项还原
	URL *url.URL

	// 消息令牌, 为空时发送端自动生成
	Token string

	// 消息负载, 超过块大小时以 Block1 分块发送
	Payload []byte

	// 远端地址, 消息接收端使用
	RemoteAddr net.Addr

	// 接收端使用的消息ID
	MessageID uint16
}

// NewRequest 构造COAP请求.
func NewRequest(confirmable bool, method Code, urlstr string, payload []byte) (*Request, error) {
	u, err := url.Parse(urlstr)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "coap" && u.Scheme != "coaps" {
		return nil, errors.New("invalid scheme")
	}
	if u.Fragment != "" {
		return nil, errors.New("unsupport fragment")
	}
	host, port, err := splitHostPort(u.Host)
	if err != nil {
		return nil, err
	}

	options := Options{}
	if net.ParseIP(host) == nil {
		options.Set(URIHost, host)
	}
	if port == 0 {
		if u.Scheme == "coaps" {
			u.Host = net.JoinHostPort(host, "5684")
		} else {
			u.Host = net.JoinHostPort(host, "5683")
		}
	} else {
		options.Set(URIPort, port)
	}
	options.SetPath(u.Path)
	options.SetQuery(u.RawQuery)
	r := &Request{
		Confirmable: confirmable,
		Method:      method,
		Options:     options,
		URL:         u,
		Payload:     payload,
	}
	return r, nil
}

func splitHostPort(hostport string) (string, uint32, error) {
	if !strings.Contains(hostport, ":") || strings.HasSuffix(hostport, "]") {
		return strings.Trim(hostport, "[]"), 0, nil
	}
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return "", 0, err
	}
	if len(host) <= 0 {
		return "", 0, errors.New("invalid host")
	}
	n, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return "", 0, errors.Wrap(err, "invalid port")
	}
	return host, uint32(n), nil
}

// Path 返回以'/'开头的请求路径.
func (r *Request) Path() string {
	return "/" + r.Options.GetPath()
}

// Observe 返回请求的 Observe 选项.
func (r *Request) Observe() (uint32, bool) {
	return base.Options(r.Options).Uint(base.Observe)
}

func (r *Request) message(mid uint16, token string) base.Message {
	m := base.Message{
		Type:      base.NON,
		Code:      uint8(r.Method),
		MessageID: mid,
		Token:     token,
		Options:   base.Options(r.Options).Clone(),
		Payload:   r.Payload,
	}
	if r.Confirmable {
		m.Type = base.CON
	}
	return m
}

// urlFromMessage 由请求选项还原URL, 缺省的主机和端口取本地地址.
func urlFromMessage(scheme string, local net.Addr, m base.Message) *url.URL {
	host, port := "", uint32(0)
	if local != nil {
		if h, p, err := net.SplitHostPort(local.String()); err == nil {
			host = h
			if n, err := strconv.ParseUint(p, 10, 16); err == nil {
				port = uint32(n)
			}
		}
	}
	if h, ok := m.URIHost(); ok {
		host = h
	}
	if p, ok := m.URIPort(); ok {
		port = p
	}
	return &url.URL{
		Scheme:   scheme,
		Host:     net.JoinHostPort(host, strconv.FormatUint(uint64(port), 10)),
		Path:     m.Path(),
		RawQuery: strings.Join(m.Queries(), "&"),
	}
}
