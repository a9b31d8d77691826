package plic

import "github.com/rvm-project/rvm/pkg/hverr"

// DecodedAccess is the subset of a load/store instruction the PLIC's
// MMIO handler needs: which register the value flows through, and
// whether it is a store. No example repo in the retrieval pack ships a
// RISC-V disassembler (golang.org/x/arch only covers x86), so this is a
// small hand-rolled decoder covering the base-ISA integer loads
// (lb/lh/lw/lbu/lhu and RV64I lwu/ld) and stores (sb/sh/sw and RV64I
// sd).
type DecodedAccess struct {
	Rd      uint32 // destination register for loads
	Rs2     uint32 // source register for stores
	IsStore bool
	Width   uint32 // access width in bytes
}

// Decode interprets a 32-bit RISC-V instruction word as one of the
// integer loads (lb/lh/lw/ld/lbu/lhu/lwu) or stores (sb/sh/sw/sd).
func Decode(word uint32) (DecodedAccess, error) {
	opcode := word & 0x7f
	funct3 := (word >> 12) & 0x7

	switch opcode {
	case 0x03: // I-type load: lb/lh/lw/ld/lbu/lhu/lwu
		rd := (word >> 7) & 0x1f
		width, err := widthForLoad(funct3)
		if err != nil {
			return DecodedAccess{}, err
		}

		return DecodedAccess{Rd: rd, Width: width}, nil

	case 0x23: // S-type store: sb/sh/sw/sd
		rs2 := (word >> 20) & 0x1f
		width, err := widthForStore(funct3)
		if err != nil {
			return DecodedAccess{}, err
		}

		return DecodedAccess{Rs2: rs2, IsStore: true, Width: width}, nil

	default:
		return DecodedAccess{}, hverr.New(hverr.Unsupported, "plic: instruction word 0x%08x is not a load/store", word)
	}
}

func widthForLoad(funct3 uint32) (uint32, error) {
	switch funct3 {
	case 0x0, 0x4: // lb, lbu
		return 1, nil
	case 0x1, 0x5: // lh, lhu
		return 2, nil
	case 0x2, 0x6: // lw, lwu
		return 4, nil
	case 0x3: // ld
		return 8, nil
	default:
		return 0, hverr.New(hverr.Unsupported, "plic: unknown load funct3 0x%x", funct3)
	}
}

func widthForStore(funct3 uint32) (uint32, error) {
	switch funct3 {
	case 0x0: // sb
		return 1, nil
	case 0x1: // sh
		return 2, nil
	case 0x2: // sw
		return 4, nil
	case 0x3: // sd
		return 8, nil
	default:
		return 0, hverr.New(hverr.Unsupported, "plic: unknown store funct3 0x%x", funct3)
	}
}
