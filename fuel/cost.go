// Package fuel defines how guest execution is metered: a CostModel assigns a cost to each instruction and a Meter
// holds the balance a Store draws from.
package fuel

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/tetratelabs/wabin/wasm"
)

// CostModel assigns the fuel charged before an instruction executes.
//
// Costs must be deterministic: the same opcode always costs the same amount, otherwise fuel exhaustion would not
// be reproducible.
type CostModel interface {
	// Cost returns the fuel charged before the instruction with the given opcode runs. Prefixed instructions, such
	// as the saturating truncations, are identified by their prefix (wasm.OpcodeMiscPrefix).
	Cost(opcode wasm.Opcode) uint64
}

// CostFunc adapts a function to CostModel.
type CostFunc func(opcode wasm.Opcode) uint64

// Cost implements CostModel.Cost
func (f CostFunc) Cost(opcode wasm.Opcode) uint64 {
	return f(opcode)
}

// DefaultCostModel charges nothing for structural instructions that do no work (nop, drop, block, loop, else, end,
// return and unreachable) and 1 for every other instruction.
var DefaultCostModel CostModel = CostFunc(defaultCost)

func defaultCost(opcode wasm.Opcode) uint64 {
	switch opcode {
	case wasm.OpcodeNop, wasm.OpcodeDrop, wasm.OpcodeBlock, wasm.OpcodeLoop,
		wasm.OpcodeElse, wasm.OpcodeEnd, wasm.OpcodeReturn, wasm.OpcodeUnreachable:
		return 0
	}
	return 1
}

// UniformCostModel charges the same cost for every instruction.
func UniformCostModel(cost uint64) CostModel {
	return CostFunc(func(wasm.Opcode) uint64 { return cost })
}

// Fingerprint identifies a cost model by the costs it assigns, so that code lowered under one model is never reused
// under another.
func Fingerprint(m CostModel) [sha256.Size]byte {
	var buf [256 * 8]byte
	for i := 0; i < 256; i++ {
		binary.LittleEndian.PutUint64(buf[i*8:], m.Cost(wasm.Opcode(i)))
	}
	return sha256.Sum256(buf[:])
}
