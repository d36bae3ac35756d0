package base

const (
	szxMask  = 0x07
	moreMask = 1 << 3

	// MaxBlockNum 块序号占20位.
	MaxBlockNum = 0xFFFFF
)

// BlockOption Block1/Block2 选项值.
type BlockOption struct {
	Num  uint32
	More bool
	Size uint32
}

func ParseBlockOption(value uint32) BlockOption {
	return BlockOption{
		Num:  value >> 4,
		More: (value & moreMask) == moreMask,
		Size: exponentToBlockSize(value & szxMask),
	}
}

func (o BlockOption) Value() uint32 {
	value := o.Num << 4
	if o.More {
		value |= moreMask
	}
	value |= blockSizeToExponent(o.Size)
	return value
}

// Offset 返回块在完整负载中的起始位置.
func (o BlockOption) Offset() int {
	return int(o.Num) * int(o.Size)
}

// Validate 检查块大小和块序号是否合法.
func (o BlockOption) Validate() error {
	if !ValidBlockSize(o.Size) {
		return ErrInvalidBlockSZ
	}
	if o.Num > MaxBlockNum {
		return ErrBlockNumRange
	}
	return nil
}

// ValidBlockSize 报告size是否为16到1024之间的2的幂.
func ValidBlockSize(size uint32) bool {
	switch size {
	case 16, 32, 64, 128, 256, 512, 1024:
		return true
	}
	return false
}

func blockSizeToExponent(size uint32) uint32 {
	switch size {
	case 16:
		return 0
	case 32:
		return 1
	case 64:
		return 2
	case 128:
		return 3
	case 256:
		return 4
	case 512:
		return 5
	case 1024:
		return 6
	default:
		return 6
	}
}

func exponentToBlockSize(exp uint32) uint32 {
	switch exp {
	case 0:
		return 16
	case 1:
		return 32
	case 2:
		return 64
	case 3:
		return 128
	case 4:
		return 256
	case 5:
		return 512
	case 6:
		return 1024
	default:
		return 1024
	}
}

// FixBlockSize 返回不大于size的最大合法块大小, 最小为16.
func FixBlockSize(size uint32) uint32 {
	if size < 32 {
		return 16
	} else if size < 64 {
		return 32
	} else if size < 128 {
		return 64
	} else if size < 256 {
		return 128
	} else if size < 512 {
		return 256
	} else if size < 1024 {
		return 512
	} else {
		return 1024
	}
}
