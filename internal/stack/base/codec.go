package base

import (
	"encoding/binary"
	"fmt"
	"io"
)

// option格式
/*
	 7   6   5   4   3   2   1   0
	+---------------+---------------+
	|               |               |
	|  Option Delta | Option Length |   1 byte
	|               |               |
	+---------------+---------------+
	\                               \
	/         Option Delta          /   0-2 bytes
	\          (extended)           \
	+-------------------------------+
	\                               \
	/         Option Length         /   0-2 bytes
	\          (extended)           \
	+-------------------------------+
	\                               \
	/         Option Value          /   0 or more bytes
	\                               \
	+-------------------------------+
*/

type encodeWriter interface {
	io.Writer
	io.ByteWriter
}

// fixedWriter 写入定长缓冲区, 空间不足时返回 ErrShortBuffer.
type fixedWriter struct {
	buf []byte
	n   int
}

func (w *fixedWriter) Write(p []byte) (int, error) {
	if len(w.buf)-w.n < len(p) {
		return 0, ErrShortBuffer
	}
	w.n += copy(w.buf[w.n:], p)
	return len(p), nil
}

func (w *fixedWriter) WriteByte(b byte) error {
	if w.n >= len(w.buf) {
		return ErrShortBuffer
	}
	w.buf[w.n] = b
	w.n++
	return nil
}

type optionEncoder struct {
	w encodeWriter
}

func (e *optionEncoder) Encode(delta uint32, value []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
				return
			}
			panic(r)
		}
	}()

	length := uint32(len(value))
	high, de := e.encodeHeader(delta)
	low, le := e.encodeHeader(length)
	e.writeByte(high<<4 | low)
	e.write(de)
	e.write(le)
	e.write(value)
	return nil
}

func (e *optionEncoder) writeByte(b byte) {
	if err := e.w.WriteByte(b); err != nil {
		panic(err)
	}
}

func (e *optionEncoder) write(p []byte) {
	if len(p) <= 0 {
		return
	}
	if _, err := e.w.Write(p); err != nil {
		panic(err)
	}
}

func (e *optionEncoder) encodeHeader(h uint32) (uint8, []byte) {
	if h < 13 {
		return uint8(h), nil
	} else if h < 269 {
		return 13, encodeUint8(uint8(h - 13))
	} else if h < 269+65536 {
		b := make([]byte, 2)
		binary.BigEndian.PutUint16(b, uint16(h-269))
		return 14, b
	}
	panic(fmt.Errorf("encode option: invalid header(%d)", h))
}

// optionDecoder 在数据报上原地解码选项, 返回的值引用数据报.
type optionDecoder struct {
	data []byte
	off  int
}

func (d *optionDecoder) Decode(flag byte) (delta uint32, value []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(formatError); ok {
				err = e
				return
			}
			panic(r)
		}
	}()

	delta = d.decodeHeader(uint32(flag >> 4))
	length := d.decodeHeader(uint32(flag & 0x0f))
	value = d.readValue(length)
	return delta, value, nil
}

func (d *optionDecoder) readValue(n uint32) []byte {
	if uint64(d.off)+uint64(n) > uint64(len(d.data)) {
		panic(formatError{reason: "truncated option value"})
	}
	end := d.off + int(n)
	value := d.data[d.off:end:end]
	d.off = end
	return value
}

func (d *optionDecoder) decodeHeader(h uint32) uint32 {
	switch h {
	case 13:
		return 13 + d.decodeUint8()
	case 14:
		return 269 + d.decodeUint16()
	case 15:
		panic(formatError{reason: "reserved option nibble 15"})
	default:
		return h
	}
}

func (d *optionDecoder) decodeUint8() uint32 {
	if d.off+1 > len(d.data) {
		panic(formatError{reason: "truncated option header"})
	}
	x := d.data[d.off]
	d.off++
	return uint32(x)
}

func (d *optionDecoder) decodeUint16() uint32 {
	if d.off+2 > len(d.data) {
		panic(formatError{reason: "truncated option header"})
	}
	x := binary.BigEndian.Uint16(d.data[d.off:])
	d.off += 2
	return uint32(x)
}
