package lwm2m

import (
	"net"

	"go.uber.org/zap"

	"github.com/ironzhang/lwm2m/internal/stack/base"
)

type errorReply func(c *Context, peer net.Addr, m base.Message, e error) error

type errorHandler struct {
	name              string
	conRequestHandler errorReply
	nonRequestHandler errorReply
}

func (h errorHandler) handle(c *Context, peer net.Addr, m base.Message, e error) {
	switch m.Type {
	case base.CON, base.NON:
		h.handleMSG(c, peer, m, e)
	default:
		c.logger.Debug("ignore", zap.String("handler", h.name), zap.Stringer("message", m))
	}
}

func (h errorHandler) handleMSG(c *Context, peer net.Addr, m base.Message, e error) {
	if m.Code == 0 {
		return
	}

	switch {
	case base.IsRequest(m.Code):
		h.handleRequest(c, peer, m, e)
	case base.IsResponse(m.Code):
		h.handleResponse(c, peer, m, e)
	default:
		c.logger.Info("reserved code", zap.String("handler", h.name), zap.Stringer("message", m))
	}
}

func (h errorHandler) handleRequest(c *Context, peer net.Addr, m base.Message, e error) {
	reply := h.nonRequestHandler
	if m.Type == base.CON {
		reply = h.conRequestHandler
	}
	if reply == nil {
		c.logger.Debug("drop request", zap.String("handler", h.name), zap.Stringer("message", m))
		return
	}
	if err := reply(c, peer, m, e); err != nil {
		c.logger.Warn("handle request", zap.String("handler", h.name), zap.Stringer("message", m), zap.Error(err))
	}
}

func (h errorHandler) handleResponse(c *Context, peer net.Addr, m base.Message, e error) {
	if m.Type == base.CON {
		if err := sendRSTHandler(c, peer, m, e); err != nil {
			c.logger.Warn("handle con response", zap.String("handler", h.name), zap.Error(err))
		}
	} else {
		c.logger.Debug("ignore non response", zap.String("handler", h.name), zap.Stringer("message", m))
	}
}

func sendRSTHandler(c *Context, peer net.Addr, m base.Message, e error) error {
	return c.send(peer, base.Message{Type: base.RST, MessageID: m.MessageID})
}

func sendBadOptionACKHandler(c *Context, peer net.Addr, m base.Message, e error) error {
	return c.send(peer, base.Message{
		Type:      base.ACK,
		Code:      base.BadOption,
		MessageID: m.MessageID,
		Token:     m.Token,
		Payload:   []byte(badOptionPayload),
	})
}

var messageFormatErrorHandler = errorHandler{
	name:              "messageFormatErrorHandler",
	conRequestHandler: sendRSTHandler,
}

var badOptionsErrorHandler = errorHandler{
	name:              "badOptionsErrorHandler",
	conRequestHandler: sendBadOptionACKHandler,
	nonRequestHandler: sendRSTHandler,
}

func handleError(c *Context, peer net.Addr, m base.Message, err error) {
	switch {
	case base.IsBadOptions(err):
		badOptionsErrorHandler.handle(c, peer, m, err)
	case base.IsFormatError(err):
		messageFormatErrorHandler.handle(c, peer, m, err)
	}
}
