package base

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// 消息格式
/*
	|       0       |       1       |       2       |       3       |
	|7 6 5 4 3 2 1 0|7 6 5 4 3 2 1 0|7 6 5 4 3 2 1 0|7 6 5 4 3 2 1 0|
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|Ver| T |  TKL  |      Code     |          Message ID           |
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|   Token (if any, TKL bytes) ...
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|   Options (if any) ...
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
	|1 1 1 1 1 1 1 1|    Payload (if any) ...
	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
*/

const (
	headerLen     = 4
	maxTokenLen   = 8
	payloadMarker = 0xff
	maxOptionHdr  = 5
)

// Message COAP消息
//
// Parse 得到的消息引用数据报内存(选项值和负载), 需要在数据报缓冲区复用之后继续使用时调用 Detach.
type Message struct {
	Type      uint8
	Code      uint8
	MessageID uint16
	Token     string
	Options   Options
	Payload   []byte
}

func (m Message) String() string {
	if len(m.Token) <= 0 {
		return fmt.Sprintf("%s,%s,%d", TypeName(m.Type), CodeName(m.Code), m.MessageID)
	}
	return fmt.Sprintf("%s,%s,%d,%x", TypeName(m.Type), CodeName(m.Code), m.MessageID, m.Token)
}

func (m *Message) AddOption(id uint16, v Value) {
	m.Options.Add(id, v)
}

func (m *Message) DelOption(id uint16) {
	m.Options.Del(id)
}

func (m *Message) SetOption(id uint16, v Value) {
	m.Options.Set(id, v)
}

func (m Message) GetOption(id uint16) (Value, bool) {
	return m.Options.Get(id)
}

func (m Message) GetOptions(id uint16) []Value {
	return m.Options.GetAll(id)
}

// Detach 复制所有 borrowed 数据, 使消息不再引用数据报内存.
func (m *Message) Detach() {
	m.Options = m.Options.Clone()
	if m.Payload != nil {
		payload := make([]byte, len(m.Payload))
		copy(payload, m.Payload)
		m.Payload = payload
	}
}

// Header 返回只包含固定头和令牌的消息.
func (m Message) Header() Message {
	return Message{
		Type:      m.Type,
		Code:      m.Code,
		MessageID: m.MessageID,
		Token:     m.Token,
	}
}

func wireValues(o Option) [][]byte {
	if o.Value == nil {
		return [][]byte{nil}
	}
	if u, ok := o.Value.(Uint); ok && o.ID == Observe {
		return [][]byte{encodeUintVariant(uint32(u) & 0xFFFFFF)}
	}
	data := o.Value.encode()
	if def, ok := optionDefs[o.ID]; ok && def.sep != 0 {
		return bytes.Split(data, []byte{def.sep})
	}
	return [][]byte{data}
}

// MarshalSize 返回编码后长度的上界.
func (m Message) MarshalSize() int {
	n := headerLen + len(m.Token)
	for _, o := range m.Options {
		for _, v := range wireValues(o) {
			n += maxOptionHdr + len(v)
		}
	}
	if len(m.Payload) > 0 {
		n += 1 + len(m.Payload)
	}
	return n
}

// Marshal 编码消息.
func (m Message) Marshal() ([]byte, error) {
	buf := make([]byte, m.MarshalSize())
	n, err := m.MarshalTo(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// MarshalTo 将消息编码到buf, 返回写入的字节数.
//
// 选项按编号升序编码, 同编号选项保持原有顺序.
func (m Message) MarshalTo(buf []byte) (int, error) {
	if len(m.Token) > maxTokenLen {
		return 0, ErrTokenTooLong
	}

	w := fixedWriter{buf: buf}
	enc := optionEncoder{w: &w}

	// header
	var h [headerLen]byte
	h[0] = 1<<6 | (m.Type&0x3)<<4 | uint8(len(m.Token))
	h[1] = m.Code
	binary.BigEndian.PutUint16(h[2:], m.MessageID)
	if _, err := w.Write(h[:]); err != nil {
		return 0, err
	}

	// token
	if _, err := w.Write([]byte(m.Token)); err != nil {
		return 0, err
	}

	// options
	var prev uint16
	for _, o := range m.Options.sorted() {
		for _, v := range wireValues(o) {
			if err := enc.Encode(uint32(o.ID-prev), v); err != nil {
				return 0, err
			}
			prev = o.ID
		}
	}

	// payload
	if len(m.Payload) > 0 {
		if err := w.WriteByte(payloadMarker); err != nil {
			return 0, err
		}
		if _, err := w.Write(m.Payload); err != nil {
			return 0, err
		}
	}
	return w.n, nil
}

// Parse 解析数据报, 返回的消息引用data.
//
// 解析失败时返回的消息只包含已读出的固定头和令牌, 可据此回复 RST 或错误响应.
func Parse(data []byte) (m Message, err error) {
	if len(data) < headerLen {
		return m, errFormat("short packet(%d bytes)", len(data))
	}

	// header
	m.Type = (data[0] >> 4) & 0x3
	m.Code = data[1]
	m.MessageID = binary.BigEndian.Uint16(data[2:4])
	if ver := data[0] >> 6; ver != 1 {
		return m, errFormat("version %d", ver)
	}

	// token
	tkl := int(data[0] & 0x0f)
	if tkl > maxTokenLen {
		return m, errFormat("token length %d", tkl)
	}
	if len(data) < headerLen+tkl {
		return m, errFormat("truncated token")
	}
	m.Token = string(data[headerLen : headerLen+tkl])
	if m.Code == 0 && len(data) > headerLen {
		return m.Header(), errFormat("empty message with %d trailing bytes", len(data)-headerLen)
	}

	// options
	var prev uint16
	var repeat int
	var options Options
	dec := optionDecoder{data: data, off: headerLen + tkl}
	for dec.off < len(data) {
		flag := data[dec.off]
		dec.off++
		if flag == payloadMarker {
			if dec.off == len(data) {
				return m.Header(), errFormat("payload marker without payload")
			}
			m.Payload = data[dec.off:]
			break
		}

		delta, value, err := dec.Decode(flag)
		if err != nil {
			return m.Header(), err
		}
		if uint32(prev)+delta > 0xffff {
			return m.Header(), errFormat("option number overflow")
		}
		id := prev + uint16(delta)
		if delta == 0 && repeat > 0 {
			repeat++
		} else {
			repeat = 1
		}
		prev = id

		if !recognize(id, value, repeat) {
			if Critical(id) {
				return m.Header(), badOptionError{id: id, reason: fmt.Sprintf("unrecognized(len=%d, repeat=%d)", len(value), repeat)}
			}
			continue
		}

		def := optionDefs[id]
		v := decodeValue(def, value)
		if id == Block1 || id == Block2 {
			if uint32(v.(Uint))&szxMask == 7 {
				return m.Header(), badOptionError{id: id, reason: "reserved szx 7"}
			}
		}
		if n := len(options); def.sep != 0 && n > 0 && options[n-1].ID == id {
			last := options[n-1].Value.encode()
			merged := make([]byte, 0, len(last)+1+len(value))
			merged = append(merged, last...)
			merged = append(merged, def.sep)
			merged = append(merged, value...)
			options[n-1].Value = Segment{data: merged}
			continue
		}
		options = append(options, Option{ID: id, Value: v})
	}
	m.Options = options
	return m, nil
}

// Unmarshal 解析数据报并复制所有引用的数据.
func (m *Message) Unmarshal(data []byte) error {
	parsed, err := Parse(data)
	parsed.Detach()
	*m = parsed
	return err
}

func encodeUint8(v uint8) []byte {
	b := make([]byte, 1)
	b[0] = v
	return b
}

func encodeUint16(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}

func encodeUint24(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b[1:]
}

func encodeUint32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func encodeUintVariant(v uint32) []byte {
	switch {
	case v == 0:
		return nil
	case v < 256:
		return encodeUint8(uint8(v))
	case v < 65536:
		return encodeUint16(uint16(v))
	case v < 16777216:
		return encodeUint24(v)
	default:
		return encodeUint32(v)
	}
}

func decodeUintVariant(b []byte) uint32 {
	var x uint32
	for _, c := range b {
		x = x<<8 | uint32(c)
	}
	return x
}
