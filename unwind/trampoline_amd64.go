package unwind

import (
	"fmt"

	asm "github.com/twitchyliquid64/golang-asm"
	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"
)

// trampoline assembles the control transfer into the fault filter:
//
//	MOVQ $entry, AX
//	JMP AX
//
// AX is free here: the unwinder enters the handler with its own arguments
// and no live caller state.
func trampoline(entry uintptr) ([]byte, error) {
	b, err := asm.NewBuilder("amd64", 16)
	if err != nil {
		return nil, fmt.Errorf("unwind: failed to create a new assembly builder: %w", err)
	}

	mov := b.NewProg()
	mov.As = x86.AMOVQ
	mov.From.Type = obj.TYPE_CONST
	mov.From.Offset = int64(entry)
	mov.To.Type = obj.TYPE_REG
	mov.To.Reg = x86.REG_AX
	b.AddInstruction(mov)

	jmp := b.NewProg()
	jmp.As = obj.AJMP
	jmp.To.Type = obj.TYPE_REG
	jmp.To.Reg = x86.REG_AX
	b.AddInstruction(jmp)

	return b.Assemble(), nil
}
