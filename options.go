package lwm2m

import (
	"fmt"
	"io"
	"strings"

	"github.com/ironzhang/lwm2m/internal/stack/base"
)

// Options COAP选项. 值可以是 string, []byte, uint32(或其他整数类型) 以及 nil(空选项).
type Options base.Options

func toValue(v interface{}) base.Value {
	switch x := v.(type) {
	case nil:
		return base.Empty{}
	case string:
		return base.Str(x)
	case []byte:
		return base.Owned(x)
	case uint32:
		return base.Uint(x)
	case uint16:
		return base.Uint(x)
	case uint8:
		return base.Uint(x)
	case uint:
		return base.Uint(uint32(x))
	case int:
		return base.Uint(uint32(x))
	case base.Value:
		return x
	default:
		return base.Str(fmt.Sprint(x))
	}
}

func fromValue(v base.Value) interface{} {
	switch x := v.(type) {
	case base.Uint:
		return uint32(x)
	case base.Segment:
		return x.String()
	default:
		return nil
	}
}

func (p *Options) Add(id OptionID, v interface{}) {
	(*base.Options)(p).Add(uint16(id), toValue(v))
}

func (p *Options) Set(id OptionID, v interface{}) {
	(*base.Options)(p).Set(uint16(id), toValue(v))
}

// Get 返回第一个编号为id的选项值, 不存在时返回nil.
func (p Options) Get(id OptionID) interface{} {
	v, ok := base.Options(p).Get(uint16(id))
	if !ok {
		return nil
	}
	return fromValue(v)
}

// GetBytes 返回不透明选项的值, 例如 ETag.
func (p Options) GetBytes(id OptionID) ([]byte, bool) {
	v, ok := base.Options(p).Get(uint16(id))
	if !ok {
		return nil, false
	}
	s, ok := v.(base.Segment)
	if !ok {
		return nil, false
	}
	return s.Bytes(), true
}

func (p Options) Contain(id OptionID) bool {
	return base.Options(p).Contain(uint16(id))
}

func (p *Options) Del(id OptionID) {
	(*base.Options)(p).Del(uint16(id))
}

func (p *Options) SetStrings(id OptionID, ss []string) {
	p.Del(id)
	for _, s := range ss {
		p.Add(id, s)
	}
}

func (p Options) GetStrings(id OptionID) []string {
	return base.Options(p).Segments(uint16(id)).Strings()
}

func (p *Options) SetPath(path string) {
	path = strings.Trim(path, "/")
	if path == "" {
		p.Del(URIPath)
		return
	}
	p.SetStrings(URIPath, strings.Split(path, "/"))
}

func (p Options) GetPath() string {
	return strings.Join(p.GetStrings(URIPath), "/")
}

func (p *Options) SetQuery(query string) {
	if query == "" {
		p.Del(URIQuery)
		return
	}
	p.SetStrings(URIQuery, strings.Split(query, "&"))
}

func (p Options) GetQuery() string {
	return strings.Join(p.GetStrings(URIQuery), "&")
}

func (p Options) Clone() Options {
	return Options(base.Options(p).Clone())
}

func (p Options) Write(w io.Writer) error {
	return base.Options(p).Write(w)
}
