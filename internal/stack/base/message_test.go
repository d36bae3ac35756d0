package base

import (
	"bytes"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCode(t *testing.T) {
	tests := []struct {
		code uint8
		want uint8
	}{
		{code: GET, want: 1},
		{code: POST, want: 2},
		{code: PUT, want: 3},
		{code: DELETE, want: 4},

		{code: Created, want: 65},
		{code: Deleted, want: 66},
		{code: Valid, want: 67},
		{code: Changed, want: 68},
		{code: Content, want: 69},
		{code: Continue, want: 95},

		{code: BadRequest, want: 128},
		{code: Unauthorized, want: 129},
		{code: BadOption, want: 130},
		{code: NotFound, want: 132},
		{code: RequestEntityIncomplete, want: 136},
		{code: RequestEntityTooLarge, want: 141},

		{code: InternalServerError, want: 160},
		{code: ProxyingNotSupported, want: 165},
	}
	for _, tt := range tests {
		if tt.code != tt.want {
			t.Errorf("%s: %d != %d", CodeName(tt.code), tt.code, tt.want)
		}
	}
	assert.Equal(t, "7.01", CodeName(7<<5|1))
	assert.Equal(t, "Content", CodeName(Content))
	assert.Equal(t, "Unknown (0x7)", TypeName(7))
	assert.True(t, IsRequest(GET))
	assert.False(t, IsRequest(0))
	assert.True(t, IsResponse(NotFound))
	assert.False(t, IsResponse(GET))
}

func TestEncodeUintVariant(t *testing.T) {
	tests := []struct {
		val uint32
		buf []byte
	}{
		{val: 0, buf: nil},
		{val: 0x01, buf: []byte{0x01}},
		{val: 0x0201, buf: []byte{0x02, 0x01}},
		{val: 0x030201, buf: []byte{0x03, 0x02, 0x01}},
		{val: 0x04030201, buf: []byte{0x04, 0x03, 0x02, 0x01}},
	}
	for i, tt := range tests {
		if got, want := encodeUintVariant(tt.val), tt.buf; !reflect.DeepEqual(got, want) {
			t.Errorf("case%d: got(%v) != want(%v)", i, got, want)
		}
	}
}

func TestDecodeUintVariant(t *testing.T) {
	tests := []struct {
		val uint32
		buf []byte
	}{
		{val: 0, buf: nil},
		{val: 0x01, buf: []byte{0x01}},
		{val: 0x0201, buf: []byte{0x02, 0x01}},
		{val: 0x030201, buf: []byte{0x03, 0x02, 0x01}},
		{val: 0x030201, buf: []byte{0x00, 0x03, 0x02, 0x01}},
		{val: 0x04030201, buf: []byte{0x04, 0x03, 0x02, 0x01}},
	}
	for i, tt := range tests {
		if got, want := decodeUintVariant(tt.buf), tt.val; got != want {
			t.Errorf("case%d: got(0x%x) != want(0x%x)", i, got, want)
		}
	}
}

func TestOptionEncoder(t *testing.T) {
	tests := []struct {
		delta uint32
		value []byte
		data  []byte
	}{
		{delta: 0, value: nil, data: []byte{0x00}},
		{delta: 1, value: nil, data: []byte{0x10}},
		{delta: 2, value: []byte{0x00, 0x01, 0x02, 0x03}, data: []byte{0x24, 0x00, 0x01, 0x02, 0x03}},
		{delta: 256, value: []byte{0x00, 0x01, 0x02, 0x03}, data: []byte{0xd4, 0xf3, 0x00, 0x01, 0x02, 0x03}},
		{delta: 512, value: []byte{0x00, 0x01, 0x02, 0x03}, data: []byte{0xe4, 0x00, 0xf3, 0x00, 0x01, 0x02, 0x03}},
	}
	for i, tt := range tests {
		var buf bytes.Buffer
		e := optionEncoder{w: &buf}
		if err := e.Encode(tt.delta, tt.value); err != nil {
			t.Errorf("case%d: encode option: %v", i, err)
			continue
		}
		if got, want := buf.Bytes(), tt.data; !reflect.DeepEqual(got, want) {
			t.Errorf("case%d: got(%v) != want(%v)", i, got, want)
		}
	}

	var buf bytes.Buffer
	e := optionEncoder{w: &buf}
	assert.Error(t, e.Encode(269+65536, nil))
}

func TestOptionDecoder(t *testing.T) {
	tests := []struct {
		delta uint32
		value []byte
		data  []byte
	}{
		{delta: 0, value: []byte{}, data: []byte{0x00}},
		{delta: 1, value: []byte{}, data: []byte{0x10}},
		{delta: 2, value: []byte{0x00, 0x01, 0x02, 0x03}, data: []byte{0x24, 0x00, 0x01, 0x02, 0x03}},
		{delta: 256, value: []byte{0x00, 0x01, 0x02, 0x03}, data: []byte{0xd4, 0xf3, 0x00, 0x01, 0x02, 0x03}},
		{delta: 512, value: []byte{0x00, 0x01, 0x02, 0x03}, data: []byte{0xe4, 0x00, 0xf3, 0x00, 0x01, 0x02, 0x03}},
	}
	for i, tt := range tests {
		d := optionDecoder{data: tt.data, off: 1}
		delta, value, err := d.Decode(tt.data[0])
		if err != nil {
			t.Errorf("case%d: decode option: %v", i, err)
			continue
		}
		if got, want := delta, tt.delta; got != want {
			t.Errorf("case%d: delta: got(%v) != want(%v)", i, got, want)
		}
		if got, want := value, tt.value; !bytes.Equal(got, want) {
			t.Errorf("case%d: value: got(%v) != want(%v)", i, got, want)
		}
	}
}

func TestOptionDecoderErrors(t *testing.T) {
	tests := [][]byte{
		{0xf0},
		{0x0f},
		{0xd0},
		{0xe0, 0x01},
		{0x04, 0x01, 0x02},
	}
	for i, data := range tests {
		d := optionDecoder{data: data, off: 1}
		_, _, err := d.Decode(data[0])
		if !IsFormatError(err) {
			t.Errorf("case%d: %v is not a format error", i, err)
		}
	}
}

func TestMessageString(t *testing.T) {
	tests := []struct {
		m Message
		s string
	}{
		{
			m: Message{Type: ACK, Code: GET, MessageID: 1},
			s: "Acknowledgement,GET,1",
		},
		{
			m: Message{Type: ACK, Code: GET, MessageID: 1, Token: string([]byte{1, 2, 3, 4, 0xff})},
			s: "Acknowledgement,GET,1,01020304ff",
		},
	}
	for i, tt := range tests {
		if got, want := tt.m.String(), tt.s; got != want {
			t.Errorf("case%d: %q != %q", i, got, want)
		}
	}
}

func TestMessageOptions(t *testing.T) {
	var m Message
	m.AddOption(URIPath, Str("1"))
	m.AddOption(URIPath, Str("2"))
	m.AddOption(ContentFormat, Uint(3))

	assert.Equal(t, []Value{Str("1"), Str("2")}, m.GetOptions(URIPath))

	v, ok := m.GetOption(ContentFormat)
	require.True(t, ok)
	assert.Equal(t, Uint(3), v)

	m.SetOption(URIPath, Str("x"))
	assert.Equal(t, Options{{ContentFormat, Uint(3)}, {URIPath, Str("x")}}, m.Options)

	m.DelOption(URIPath)
	assert.Equal(t, Options{{ContentFormat, Uint(3)}}, m.Options)

	_, ok = m.GetOption(URIPath)
	assert.False(t, ok)
}

func TestMessageCopyIsolation(t *testing.T) {
	m1 := Message{Options: make(Options, 0, 4)}
	m1.AddOption(URIPath, Str("a"))
	m2 := m1
	m1.AddOption(URIPath, Str("b"))
	m2.AddOption(URIPath, Str("c"))
	assert.Equal(t, []string{"a", "b"}, m1.PathSegments().Strings())
	assert.Equal(t, []string{"a", "c"}, m2.PathSegments().Strings())
}

func TestMessage(t *testing.T) {
	tests := []struct {
		m Message
		b []byte
	}{
		{
			m: Message{
				Type:      CON,
				Code:      GET,
				MessageID: 12345,
			},
			b: []byte{0x40, 0x1, 0x30, 0x39},
		},
		{
			m: Message{
				Type:      CON,
				Code:      GET,
				MessageID: 12345,
				Options: Options{
					{ID: ETag, Value: Str("weetag")},
					{ID: MaxAge, Value: Uint(3)},
				},
			},
			b: []byte{
				0x40, 0x1, 0x30, 0x39, 0x46, 0x77,
				0x65, 0x65, 0x74, 0x61, 0x67, 0xa1, 0x3,
			},
		},
		{
			m: Message{
				Type:      CON,
				Code:      GET,
				MessageID: 12345,
				Options: Options{
					{ID: ETag, Value: Str("weetag")},
					{ID: MaxAge, Value: Uint(3)},
				},
				Payload: []byte("hi"),
			},
			b: []byte{
				0x40, 0x1, 0x30, 0x39, 0x46, 0x77,
				0x65, 0x65, 0x74, 0x61, 0x67, 0xa1, 0x3,
				0xff, 'h', 'i',
			},
		},
		{
			m: Message{
				Type:      NON,
				Code:      Content,
				MessageID: 1,
				Token:     "\x01\x02",
				Options: Options{
					{ID: Observe, Value: Uint(0x010203)},
					{ID: IfNoneMatch, Value: Empty{}},
				},
			},
			b: []byte{0x52, 0x45, 0x00, 0x01, 0x01, 0x02, 0x50, 0x13, 0x01, 0x02, 0x03},
		},
	}
	for i, tt := range tests {
		b, err := tt.m.Marshal()
		if err != nil {
			t.Fatalf("case%d: message marshal: %v", i, err)
		}
		if got, want := b, tt.b; !reflect.DeepEqual(got, want) {
			t.Errorf("case%d: message marshal: got(%v) != want(%v)", i, got, want)
		}
	}
	for i, tt := range tests {
		var m Message
		if err := m.Unmarshal(tt.b); err != nil {
			t.Fatalf("case%d: message unmarshal: %v", i, err)
		}
		want := tt.m
		want.Options = want.Options.sorted()
		if len(want.Options) == 0 {
			want.Options = nil
		}
		if got := m; !reflect.DeepEqual(got, want) {
			t.Errorf("case%d: message: got(%#v) != want(%#v)", i, got, want)
		}
	}
}

func TestMarshalTo(t *testing.T) {
	m := Message{Type: CON, Code: POST, MessageID: 7, Token: "tk", Payload: []byte("payload")}
	m.SetPath("/3/0/1")

	buf := make([]byte, m.MarshalSize())
	n, err := m.MarshalTo(buf)
	require.NoError(t, err)
	assert.LessOrEqual(t, n, m.MarshalSize())

	want, err := m.Marshal()
	require.NoError(t, err)
	assert.Equal(t, want, buf[:n])

	_, err = m.MarshalTo(buf[:n-1])
	assert.ErrorIs(t, err, ErrShortBuffer)

	m.Token = "123456789"
	_, err = m.Marshal()
	assert.ErrorIs(t, err, ErrTokenTooLong)
}

func TestMarshalOptionOrder(t *testing.T) {
	m := Message{Type: CON, Code: GET, MessageID: 1}
	m.AddOption(URIQuery, Str("q"))
	m.AddOption(URIPath, Str("b"))
	m.AddOption(ContentFormat, Uint(0))
	m.AddOption(URIPath, Str("c"))
	m.AddOption(URIHost, Str("h"))

	data, err := m.Marshal()
	require.NoError(t, err)
	parsed, err := Parse(data)
	require.NoError(t, err)

	var ids []uint16
	for _, o := range parsed.Options {
		ids = append(ids, o.ID)
	}
	assert.Equal(t, []uint16{URIHost, URIPath, URIPath, ContentFormat, URIQuery}, ids)
	assert.Equal(t, []string{"b", "c"}, parsed.PathSegments().Strings())
	assert.Equal(t, Options{{URIQuery, Str("q")}, {URIPath, Str("b")}, {ContentFormat, Uint(0)}, {URIPath, Str("c")}, {URIHost, Str("h")}}, m.Options)
}

func TestRoundTrip(t *testing.T) {
	long := bytes.Repeat([]byte("x"), 300)
	tests := []Message{
		{Type: CON, Code: GET, MessageID: 0xffff, Token: "12345678"},
		{Type: ACK, Code: 0, MessageID: 2},
		{Type: RST, Code: 0, MessageID: 3},
		{Type: NON, Code: Content, MessageID: 4, Options: Options{
			{ID: ContentFormat, Value: Uint(AppLwm2mTLV)},
			{ID: Block2, Value: Uint(BlockOption{Num: 3, More: true, Size: 64}.Value())},
			{ID: Size2, Value: Uint(1 << 20)},
			{ID: ProxyScheme, Value: Str("coap")},
			{ID: Size1, Value: Uint(0)},
		}, Payload: []byte{0, 1, 2}},
		{Type: CON, Code: POST, MessageID: 5, Options: Options{
			{ID: URIPath, Value: Owned(long[:255])},
			{ID: LocationPath, Value: Str("")},
			{ID: ProxyURI, Value: Owned(long)},
		}},
		{Type: ACK, Code: Created, MessageID: 6, Options: Options{
			{ID: LocationPath, Value: Str("rd")},
			{ID: LocationPath, Value: Str("5a3f")},
			{ID: LocationQuery, Value: Str("a=1")},
			{ID: LocationQuery, Value: Str("b=2")},
		}},
		{Type: CON, Code: PUT, MessageID: 7, Token: "\x01\x02", Options: Options{
			{ID: IfMatch, Value: Owned([]byte{0xaa, 0xbb})},
			{ID: IfMatch, Value: Owned(nil)},
			{ID: URIHost, Value: Str("lwm2m.example.com")},
			{ID: ETag, Value: Owned([]byte{1, 2, 3, 4})},
			{ID: IfNoneMatch, Value: Empty{}},
			{ID: Observe, Value: Uint(0xabcdef)},
			{ID: URIPort, Value: Uint(5683)},
			{ID: LocationPath, Value: Str("rd")},
			{ID: URIPath, Value: Str("3")},
			{ID: URIPath, Value: Str("0")},
			{ID: ContentFormat, Value: Uint(AppLwm2mTLV)},
			{ID: MaxAge, Value: Uint(86400)},
			{ID: URIQuery, Value: Str("pmin=10")},
			{ID: URIQuery, Value: Str("pmax=60")},
			{ID: Accept, Value: Uint(AppLwm2mTLV)},
			{ID: Accept, Value: Uint(TextPlain)},
			{ID: Accept, Value: Uint(AppSenMLCBOR)},
			{ID: LocationQuery, Value: Str("ep=dev")},
			{ID: Block2, Value: Uint(BlockOption{Num: 0, Size: 256}.Value())},
			{ID: Block1, Value: Uint(BlockOption{Num: 2, More: true, Size: 512}.Value())},
			{ID: Size2, Value: Uint(4096)},
			{ID: ProxyURI, Value: Str("coap://10.0.0.1/3/0")},
			{ID: ProxyScheme, Value: Str("coaps")},
			{ID: Size1, Value: Uint(2048)},
		}, Payload: []byte("body")},
	}
	for i, m := range tests {
		b1, err := m.Marshal()
		require.NoError(t, err, "case%d", i)
		parsed, err := Parse(b1)
		require.NoError(t, err, "case%d", i)
		b2, err := parsed.Marshal()
		require.NoError(t, err, "case%d", i)
		if !bytes.Equal(b1, b2) {
			t.Errorf("case%d: round trip: %x != %x", i, b2, b1)
		}
	}

	// 每个注册的选项都参与了编解码
	all := tests[len(tests)-1]
	data, err := all.Marshal()
	require.NoError(t, err)
	parsed, err := Parse(data)
	require.NoError(t, err)
	seen := make(map[uint16]int)
	for _, o := range parsed.Options {
		seen[o.ID]++
	}
	for id := range optionDefs {
		assert.NotZero(t, seen[id], OptionName(id))
	}
	assert.Equal(t, 3, seen[Accept])
	assert.Equal(t, 2, seen[IfMatch])
	assert.Equal(t, []uint32{AppLwm2mTLV, TextPlain, AppSenMLCBOR}, parsed.Accept())
	port, ok := parsed.URIPort()
	assert.True(t, ok)
	assert.Equal(t, uint32(5683), port)
}

func TestLocationQueryMerge(t *testing.T) {
	m := Message{Type: ACK, Code: Created, MessageID: 1}
	m.AddOption(LocationQuery, Str("ep=x"))
	m.AddOption(LocationQuery, Str("lt=60"))
	data, err := m.Marshal()
	require.NoError(t, err)

	parsed, err := Parse(data)
	require.NoError(t, err)
	assert.Len(t, parsed.GetOptions(LocationQuery), 1)
	assert.Equal(t, "ep=x&lt=60", parsed.LocationQuery())

	var out Message
	out.SetLocationQuery("ep=x&lt=60")
	again, err := out.Marshal()
	require.NoError(t, err)
	reparsed, err := Parse(again)
	require.NoError(t, err)
	assert.Equal(t, "ep=x&lt=60", reparsed.LocationQuery())
}

func TestParseBorrows(t *testing.T) {
	m := Message{Type: CON, Code: PUT, MessageID: 9, Payload: []byte("v")}
	m.SetPath("/1/0/1")
	data, err := m.Marshal()
	require.NoError(t, err)

	parsed, err := Parse(data)
	require.NoError(t, err)
	segs := parsed.PathSegments()
	require.Len(t, segs, 3)
	for _, s := range segs {
		assert.True(t, s.IsBorrowed())
	}

	detached := parsed
	detached.Detach()
	for i := range data {
		data[i] = 0
	}
	assert.Equal(t, "/1/0/1", detached.Path())
	assert.Equal(t, []byte("v"), detached.Payload)
	for _, s := range detached.PathSegments() {
		assert.False(t, s.IsBorrowed())
	}
	assert.NotEqual(t, "/1/0/1", parsed.Path())
}

func TestInvalidMessageParsing(t *testing.T) {
	var invalidPackets = [][]byte{
		nil,
		{0x40},
		{0x40, 0},
		{0x40, 0, 0},
		{0xff, 0, 0, 0, 0, 0},
		{0x80, 0x01, 0x00, 0x01},             // version 2
		{0x4f, 0, 0, 0, 0, 0},                // TKL=15
		{0x49, 0x01, 0, 0, 1, 2, 3, 4, 5, 6, 7, 8, 9},
		{0x45, 0, 0, 0, 0, 0},                // TKL=5 but packet is truncated
		{0x40, 0x00, 0x00, 0x01, 0x00},       // empty message with trailing bytes
		{0x40, 0x01, 0x30, 0x39, 0x4d},       // Extended word length but no extra length byte
		{0x40, 0x01, 0x30, 0x39, 0x4e, 0x01}, // Extended word length but no full extra length word
		{0x40, 0x01, 0x30, 0x39, 0xf1, 0x00}, // reserved delta nibble
		{0x40, 0x01, 0x30, 0x39, 0xb3, 'a'},  // truncated value
		{0x40, 0x01, 0x30, 0x39, 0xff},       // payload marker without payload
	}
	for _, data := range invalidPackets {
		m, err := Parse(data)
		if err == nil {
			t.Errorf("Unexpected success parsing message (%#v): %v", data, m)
			continue
		}
		assert.True(t, IsFormatError(err), "%#v: %v", data, err)
		assert.Nil(t, m.Options)
		assert.Nil(t, m.Payload)
	}
}

func TestParseErrorKeepsHeader(t *testing.T) {
	data := []byte{0x42, 0x01, 0x12, 0x34, 'a', 'b', 0x91, 0x00}
	m, err := Parse(data)
	require.Error(t, err)
	assert.True(t, IsBadOptions(err))
	assert.Equal(t, uint8(BadOption), ErrorCode(err))
	assert.Equal(t, Message{Type: CON, Code: GET, MessageID: 0x1234, Token: "ab"}, m)
}

func TestMessageParsing(t *testing.T) {
	tests := []struct {
		m1         Message
		m2         Message
		badOptions bool
	}{
		{
			m1: Message{Type: CON, Code: GET, MessageID: 12345, Token: "123456",
				Options: Options{{ID: IfMatch, Value: Str("\x01")}}},
			m2: Message{Type: CON, Code: GET, MessageID: 12345, Token: "123456",
				Options: Options{{ID: IfMatch, Value: Str("\x01")}}},
		},
		{
			m1: Message{Type: CON, Code: GET, MessageID: 12345, Token: "123456",
				Options: Options{
					{ID: IfMatch, Value: Str("\x01")},
					{ID: IfMatch, Value: Str("\x02")},
					{ID: IfMatch, Value: Str("\x03")},
				}},
			m2: Message{Type: CON, Code: GET, MessageID: 12345, Token: "123456",
				Options: Options{
					{ID: IfMatch, Value: Str("\x01")},
					{ID: IfMatch, Value: Str("\x02")},
					{ID: IfMatch, Value: Str("\x03")},
				}},
		},
		{
			// Uri-Host 不可重复
			m1: Message{Type: CON, Code: GET, MessageID: 12345, Token: "123456",
				Options: Options{{ID: URIHost, Value: Str("1")}, {ID: URIHost, Value: Str("2")}}},
			m2:         Message{Type: CON, Code: GET, MessageID: 12345, Token: "123456"},
			badOptions: true,
		},
		{
			// 超长的 ETag 为非关键选项, 被忽略
			m1: Message{Type: CON, Code: GET, MessageID: 12345, Token: "123456",
				Options: Options{{ID: ETag, Value: Str("01234567")}, {ID: ETag, Value: Str("01234567*")}}},
			m2: Message{Type: CON, Code: GET, MessageID: 12345, Token: "123456",
				Options: Options{{ID: ETag, Value: Str("01234567")}}},
		},
		{
			// 未知关键选项
			m1: Message{Type: CON, Code: GET, MessageID: 12345, Token: "123456",
				Options: Options{{ID: 9, Value: Str("01234567")}}},
			m2:         Message{Type: CON, Code: GET, MessageID: 12345, Token: "123456"},
			badOptions: true,
		},
		{
			// 未知非关键选项
			m1: Message{Type: CON, Code: GET, MessageID: 12345, Token: "123456",
				Options: Options{{ID: 10, Value: Str("x")}, {ID: URIPath, Value: Str("a")}}},
			m2: Message{Type: CON, Code: GET, MessageID: 12345, Token: "123456",
				Options: Options{{ID: URIPath, Value: Str("a")}}},
		},
		{
			// 保留的块大小
			m1: Message{Type: CON, Code: PUT, MessageID: 12345, Token: "123456",
				Options: Options{{ID: Block1, Value: Uint(0x0f)}}},
			m2:         Message{Type: CON, Code: PUT, MessageID: 12345, Token: "123456"},
			badOptions: true,
		},
	}
	for i, tt := range tests {
		data, err := tt.m1.Marshal()
		if err != nil {
			t.Fatalf("case%d: message marshal: %v", i, err)
		}

		var m Message
		err = m.Unmarshal(data)
		if got, want := IsBadOptions(err), tt.badOptions; got != want {
			t.Errorf("case%d: bad options: got(%v) != want(%v), err=%v", i, got, want, err)
		}
		if !tt.badOptions && err != nil {
			t.Fatalf("case%d: message unmarshal: %v", i, err)
		}
		if got, want := m, tt.m2; !reflect.DeepEqual(got, want) {
			t.Errorf("case%d: message: got(%v) != want(%v)", i, got, want)
		}
	}
}

func TestObserveTruncation(t *testing.T) {
	m := Message{Type: NON, Code: Content, MessageID: 1}
	m.AddOption(Observe, Uint(0x12345678))
	data, err := m.Marshal()
	require.NoError(t, err)

	parsed, err := Parse(data)
	require.NoError(t, err)
	v, ok := parsed.Observe()
	require.True(t, ok)
	assert.Equal(t, uint32(0x345678), v)

	// 4字节的 Observe 取低24位
	raw := []byte{0x50, 0x45, 0x00, 0x01, 0x64, 0x12, 0x34, 0x56, 0x78}
	parsed, err = Parse(raw)
	require.NoError(t, err)
	v, _ = parsed.Observe()
	assert.Equal(t, uint32(0x345678), v)
}
