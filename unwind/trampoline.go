package unwind

import (
	"encoding/binary"
	"fmt"
	"math"
)

// The trampoline descriptor is a fixed-size block of little-endian metadata
// followed by a short machine-code sequence that transfers control to the
// fault filter. The first three words mirror the shape a function-table
// entry takes for the platform unwinder: code bounds relative to the block,
// then the offset of the unwind info that follows.
//
//	0x00 u32 code begin offset (always 0: a descriptor decorates one block)
//	0x04 u32 code end offset
//	0x08 u32 unwind info offset
//	0x0c u32 reserved
//	0x10 u8  version (low 3 bits) | flags (high 5 bits, handler present)
//	0x11 u8  prologue size (generated blocks carry no prologue metadata)
//	0x12 u8  unwind code count
//	0x13 u8  frame register and scaled offset
//	0x14 u32 handler code offset
//	0x18     trampoline machine code, zero padded to DescriptorSize
const (
	// DescriptorSize is the size of one published descriptor block.
	DescriptorSize = 64

	unwindInfoOff = 0x10
	handlerOff    = 0x18
	handlerMax    = DescriptorSize - handlerOff

	descriptorVersion = 1
	flagHasHandler    = 1 << 3
)

func encodeDescriptor(buf []byte, codeSize int, entry uintptr) error {
	if codeSize > math.MaxUint32 {
		panic(fmt.Errorf("BUG: %#x byte code range exceeds the descriptor's 32-bit bounds", codeSize))
	}
	code, err := trampoline(entry)
	if err != nil {
		return err
	}
	if len(code) > handlerMax {
		return fmt.Errorf("unwind: %d byte trampoline exceeds the %d byte handler slot", len(code), handlerMax)
	}

	binary.LittleEndian.PutUint32(buf[0x00:], 0)
	binary.LittleEndian.PutUint32(buf[0x04:], uint32(codeSize))
	binary.LittleEndian.PutUint32(buf[0x08:], unwindInfoOff)
	binary.LittleEndian.PutUint32(buf[0x0c:], 0)
	buf[unwindInfoOff] = descriptorVersion | flagHasHandler
	buf[unwindInfoOff+1] = 0
	buf[unwindInfoOff+2] = 0
	buf[unwindInfoOff+3] = 0
	binary.LittleEndian.PutUint32(buf[0x14:], handlerOff)
	n := copy(buf[handlerOff:], code)
	for i := handlerOff + n; i < DescriptorSize; i++ {
		buf[i] = 0
	}
	return nil
}
