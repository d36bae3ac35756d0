package base

import "strings"

func (m Message) ContentFormat() (uint32, bool) {
	return m.Options.Uint(ContentFormat)
}

func (m *Message) SetContentFormat(f uint32) {
	m.SetOption(ContentFormat, Uint(f))
}

// Accept 返回所有 Accept 选项值.
func (m Message) Accept() []uint32 {
	var formats []uint32
	for _, v := range m.GetOptions(Accept) {
		if u, ok := v.(Uint); ok {
			formats = append(formats, uint32(u))
		}
	}
	return formats
}

func (m *Message) SetAccept(formats ...uint32) {
	m.DelOption(Accept)
	for _, f := range formats {
		m.AddOption(Accept, Uint(f))
	}
}

func (m Message) MaxAge() (uint32, bool) {
	return m.Options.Uint(MaxAge)
}

func (m *Message) SetMaxAge(seconds uint32) {
	m.SetOption(MaxAge, Uint(seconds))
}

func (m Message) ETag() ([]byte, bool) {
	segs := m.Options.Segments(ETag)
	if len(segs) == 0 {
		return nil, false
	}
	return segs[0].Bytes(), true
}

func (m *Message) SetETag(etag []byte) {
	m.SetOption(ETag, Owned(etag))
}

func (m Message) IfMatch() MultiOption {
	return m.Options.Segments(IfMatch)
}

func (m *Message) AddIfMatch(etag []byte) {
	m.AddOption(IfMatch, Owned(etag))
}

func (m Message) IfNoneMatch() bool {
	return m.Options.Contain(IfNoneMatch)
}

func (m *Message) SetIfNoneMatch() {
	m.SetOption(IfNoneMatch, Empty{})
}

func (m Message) URIHost() (string, bool) {
	segs := m.Options.Segments(URIHost)
	if len(segs) == 0 {
		return "", false
	}
	return segs[0].String(), true
}

func (m *Message) SetURIHost(host string) {
	m.SetOption(URIHost, Str(host))
}

func (m Message) URIPort() (uint32, bool) {
	return m.Options.Uint(URIPort)
}

func (m *Message) SetURIPort(port uint32) {
	m.SetOption(URIPort, Uint(port))
}

// PathSegments 返回 Uri-Path 各段, 可能引用数据报内存.
func (m Message) PathSegments() MultiOption {
	return m.Options.Segments(URIPath)
}

// Path 返回以'/'开头的请求路径.
func (m Message) Path() string {
	return "/" + m.PathSegments().Join("/")
}

// SetPath 按'/'切分路径设置 Uri-Path, 前导'/'被忽略, 空路径不产生选项.
func (m *Message) SetPath(path string) {
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		m.DelOption(URIPath)
		return
	}
	m.Options.SetSegments(URIPath, SplitString(path, "/"))
}

func (m *Message) AddPathSegment(seg string) {
	m.AddOption(URIPath, Str(seg))
}

func (m Message) Queries() []string {
	return m.Options.Segments(URIQuery).Strings()
}

// SetQuery 按'&'切分查询串设置 Uri-Query.
func (m *Message) SetQuery(query string) {
	if query == "" {
		m.DelOption(URIQuery)
		return
	}
	m.Options.SetSegments(URIQuery, SplitString(query, "&"))
}

func (m *Message) AddQuery(q string) {
	m.AddOption(URIQuery, Str(q))
}

func (m Message) LocationPath() string {
	return m.Options.Segments(LocationPath).Join("/")
}

func (m *Message) SetLocationPath(path string) {
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		m.DelOption(LocationPath)
		return
	}
	m.Options.SetSegments(LocationPath, SplitString(path, "/"))
}

// LocationQuery 返回合并后的 Location-Query, 各段以'&'连接.
func (m Message) LocationQuery() string {
	return m.Options.Segments(LocationQuery).Join("&")
}

func (m *Message) SetLocationQuery(query string) {
	if query == "" {
		m.DelOption(LocationQuery)
		return
	}
	m.SetOption(LocationQuery, Str(query))
}

// Observe 返回 Observe 选项值(24位).
func (m Message) Observe() (uint32, bool) {
	v, ok := m.Options.Uint(Observe)
	return v & 0xFFFFFF, ok
}

func (m *Message) SetObserve(v uint32) {
	m.SetOption(Observe, Uint(v&0xFFFFFF))
}

func (m Message) Block1() (BlockOption, bool) {
	return m.block(Block1)
}

func (m Message) Block2() (BlockOption, bool) {
	return m.block(Block2)
}

func (m Message) block(id uint16) (BlockOption, bool) {
	v, ok := m.Options.Uint(id)
	if !ok {
		return BlockOption{}, false
	}
	return ParseBlockOption(v), true
}

// Block 返回消息中的块选项, Block1 优先.
func (m Message) Block() (uint16, BlockOption, bool) {
	if o, ok := m.Block1(); ok {
		return Block1, o, true
	}
	if o, ok := m.Block2(); ok {
		return Block2, o, true
	}
	return 0, BlockOption{}, false
}

func (m *Message) SetBlock1(o BlockOption) error {
	return m.setBlock(Block1, o)
}

func (m *Message) SetBlock2(o BlockOption) error {
	return m.setBlock(Block2, o)
}

func (m *Message) setBlock(id uint16, o BlockOption) error {
	if err := o.Validate(); err != nil {
		return err
	}
	m.SetOption(id, Uint(o.Value()))
	return nil
}

func (m Message) Size1() (uint32, bool) {
	return m.Options.Uint(Size1)
}

func (m *Message) SetSize1(size uint32) {
	m.SetOption(Size1, Uint(size))
}

func (m Message) Size2() (uint32, bool) {
	return m.Options.Uint(Size2)
}

func (m *Message) SetSize2(size uint32) {
	m.SetOption(Size2, Uint(size))
}

func (m Message) ProxyURI() (string, bool) {
	segs := m.Options.Segments(ProxyURI)
	if len(segs) == 0 {
		return "", false
	}
	return segs[0].String(), true
}
