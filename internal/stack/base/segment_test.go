package base

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSegment(t *testing.T) {
	buf := []byte("hello")

	owned := Owned(buf)
	borrowed := Borrowed(buf)
	assert.False(t, owned.IsBorrowed())
	assert.True(t, borrowed.IsBorrowed())
	assert.True(t, owned.Equal(borrowed))

	buf[0] = 'j'
	assert.Equal(t, "hello", owned.String())
	assert.Equal(t, "jello", borrowed.String())

	own := borrowed.Own()
	assert.False(t, own.IsBorrowed())
	buf[0] = 'y'
	assert.Equal(t, "jello", own.String())
	assert.Equal(t, 5, own.Len())
}

func TestMultiOption(t *testing.T) {
	buf := []byte("a/b")
	m := MultiOption{Borrowed(buf[:1]), Borrowed(buf[2:])}
	assert.Equal(t, []string{"a", "b"}, m.Strings())
	assert.Equal(t, "a/b", m.Join("/"))

	owned := m.Own()
	buf[0] = 'x'
	assert.Equal(t, "x/b", m.Join("/"))
	assert.Equal(t, "a/b", owned.Join("/"))
	for _, s := range owned {
		assert.False(t, s.IsBorrowed())
	}
	assert.Nil(t, MultiOption(nil).Own())

	assert.Equal(t, []string{"1", "", "2"}, SplitString("1//2", "/").Strings())
}

func TestValueString(t *testing.T) {
	tests := []struct {
		v Value
		s string
	}{
		{Empty{}, ""},
		{Uint(60), "60"},
		{Str("rd"), "rd"},
	}
	for i, tt := range tests {
		if got, want := tt.v.String(), tt.s; got != want {
			t.Errorf("case%d: %q != %q", i, got, want)
		}
	}
}
