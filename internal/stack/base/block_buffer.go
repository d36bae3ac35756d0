package base

import "io"

// BlockBuffer 按块读取的负载.
type BlockBuffer []byte

// Read 返回第num块, 块大小为size. 块起始位置超出负载时返回 io.EOF, 空负载的第0块为空块.
func (b BlockBuffer) Read(num, size uint32) (BlockOption, []byte, error) {
	blen := uint64(len(b))
	start := uint64(num) * uint64(size)
	if start > blen || (start == blen && num > 0) {
		return BlockOption{}, nil, io.EOF
	}
	off := start + uint64(size)
	if off > blen {
		off = blen
	}
	opt := BlockOption{
		Num:  num,
		More: off < blen,
		Size: size,
	}
	return opt, b[start:off], nil
}

// Count 返回以size分块所需的块数.
func (b BlockBuffer) Count(size uint32) int {
	if len(b) == 0 {
		return 1
	}
	return (len(b) + int(size) - 1) / int(size)
}
