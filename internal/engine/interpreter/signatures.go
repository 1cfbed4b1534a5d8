package interpreter

import (
	wabin "github.com/tetratelabs/wabin/wasm"

	"github.com/wasmfuel/wasmfuel/internal/wasm"
)

const (
	i32 = wasm.ValueTypeI32
	i64 = wasm.ValueTypeI64
	f32 = wasm.ValueTypeF32
	f64 = wasm.ValueTypeF64
)

// signature is the operand types of a numeric instruction: in, then in2 if binary, producing out.
type signature struct {
	in, in2, out wasm.ValueType
}

// numericSignatures is indexed by opcode. Entries with a zero out are not numeric instructions.
var numericSignatures [256]signature

// truncSatSignatures is indexed by the sub-opcode of the non-trapping float-to-int conversions.
var truncSatSignatures = [...]signature{
	wabin.OpcodeMiscI32TruncSatF32S: {in: f32, out: i32},
	wabin.OpcodeMiscI32TruncSatF32U: {in: f32, out: i32},
	wabin.OpcodeMiscI32TruncSatF64S: {in: f64, out: i32},
	wabin.OpcodeMiscI32TruncSatF64U: {in: f64, out: i32},
	wabin.OpcodeMiscI64TruncSatF32S: {in: f32, out: i64},
	wabin.OpcodeMiscI64TruncSatF32U: {in: f32, out: i64},
	wabin.OpcodeMiscI64TruncSatF64S: {in: f64, out: i64},
	wabin.OpcodeMiscI64TruncSatF64U: {in: f64, out: i64},
}

// memorySignature describes a load or store: the value type, the bytes accessed and whether it is a store.
type memorySignature struct {
	t     wasm.ValueType
	size  uint32
	store bool
}

var loadStoreSignatures = map[wabin.Opcode]memorySignature{
	wabin.OpcodeI32Load:    {t: i32, size: 4},
	wabin.OpcodeI64Load:    {t: i64, size: 8},
	wabin.OpcodeF32Load:    {t: f32, size: 4},
	wabin.OpcodeF64Load:    {t: f64, size: 8},
	wabin.OpcodeI32Load8S:  {t: i32, size: 1},
	wabin.OpcodeI32Load8U:  {t: i32, size: 1},
	wabin.OpcodeI32Load16S: {t: i32, size: 2},
	wabin.OpcodeI32Load16U: {t: i32, size: 2},
	wabin.OpcodeI64Load8S:  {t: i64, size: 1},
	wabin.OpcodeI64Load8U:  {t: i64, size: 1},
	wabin.OpcodeI64Load16S: {t: i64, size: 2},
	wabin.OpcodeI64Load16U: {t: i64, size: 2},
	wabin.OpcodeI64Load32S: {t: i64, size: 4},
	wabin.OpcodeI64Load32U: {t: i64, size: 4},
	wabin.OpcodeI32Store:   {t: i32, size: 4, store: true},
	wabin.OpcodeI64Store:   {t: i64, size: 8, store: true},
	wabin.OpcodeF32Store:   {t: f32, size: 4, store: true},
	wabin.OpcodeF64Store:   {t: f64, size: 8, store: true},
	wabin.OpcodeI32Store8:  {t: i32, size: 1, store: true},
	wabin.OpcodeI32Store16: {t: i32, size: 2, store: true},
	wabin.OpcodeI64Store8:  {t: i64, size: 1, store: true},
	wabin.OpcodeI64Store16: {t: i64, size: 2, store: true},
	wabin.OpcodeI64Store32: {t: i64, size: 4, store: true},
}

func init() {
	unary := func(from, to wabin.Opcode, in, out wasm.ValueType) {
		for o := int(from); o <= int(to); o++ {
			numericSignatures[o] = signature{in: in, out: out}
		}
	}
	binary := func(from, to wabin.Opcode, in, out wasm.ValueType) {
		for o := int(from); o <= int(to); o++ {
			numericSignatures[o] = signature{in: in, in2: in, out: out}
		}
	}

	unary(wabin.OpcodeI32Eqz, wabin.OpcodeI32Eqz, i32, i32)
	binary(wabin.OpcodeI32Eq, wabin.OpcodeI32GeU, i32, i32)
	unary(wabin.OpcodeI64Eqz, wabin.OpcodeI64Eqz, i64, i32)
	binary(wabin.OpcodeI64Eq, wabin.OpcodeI64GeU, i64, i32)
	binary(wabin.OpcodeF32Eq, wabin.OpcodeF32Ge, f32, i32)
	binary(wabin.OpcodeF64Eq, wabin.OpcodeF64Ge, f64, i32)

	unary(wabin.OpcodeI32Clz, wabin.OpcodeI32Popcnt, i32, i32)
	binary(wabin.OpcodeI32Add, wabin.OpcodeI32Rotr, i32, i32)
	unary(wabin.OpcodeI64Clz, wabin.OpcodeI64Popcnt, i64, i64)
	binary(wabin.OpcodeI64Add, wabin.OpcodeI64Rotr, i64, i64)
	unary(wabin.OpcodeF32Abs, wabin.OpcodeF32Sqrt, f32, f32)
	binary(wabin.OpcodeF32Add, wabin.OpcodeF32Copysign, f32, f32)
	unary(wabin.OpcodeF64Abs, wabin.OpcodeF64Sqrt, f64, f64)
	binary(wabin.OpcodeF64Add, wabin.OpcodeF64Copysign, f64, f64)

	unary(wabin.OpcodeI32WrapI64, wabin.OpcodeI32WrapI64, i64, i32)
	unary(wabin.OpcodeI32TruncF32S, wabin.OpcodeI32TruncF32U, f32, i32)
	unary(wabin.OpcodeI32TruncF64S, wabin.OpcodeI32TruncF64U, f64, i32)
	unary(wabin.OpcodeI64ExtendI32S, wabin.OpcodeI64ExtendI32U, i32, i64)
	unary(wabin.OpcodeI64TruncF32S, wabin.OpcodeI64TruncF32U, f32, i64)
	unary(wabin.OpcodeI64TruncF64S, wabin.OpcodeI64TruncF64U, f64, i64)
	unary(wabin.OpcodeF32ConvertI32S, wabin.OpcodeF32ConvertI32U, i32, f32)
	unary(wabin.OpcodeF32ConvertI64S, wabin.OpcodeF32ConvertI64U, i64, f32)
	unary(wabin.OpcodeF32DemoteF64, wabin.OpcodeF32DemoteF64, f64, f32)
	unary(wabin.OpcodeF64ConvertI32S, wabin.OpcodeF64ConvertI32U, i32, f64)
	unary(wabin.OpcodeF64ConvertI64S, wabin.OpcodeF64ConvertI64U, i64, f64)
	unary(wabin.OpcodeF64PromoteF32, wabin.OpcodeF64PromoteF32, f32, f64)
	unary(wabin.OpcodeI32ReinterpretF32, wabin.OpcodeI32ReinterpretF32, f32, i32)
	unary(wabin.OpcodeI64ReinterpretF64, wabin.OpcodeI64ReinterpretF64, f64, i64)
	unary(wabin.OpcodeF32ReinterpretI32, wabin.OpcodeF32ReinterpretI32, i32, f32)
	unary(wabin.OpcodeF64ReinterpretI64, wabin.OpcodeF64ReinterpretI64, i64, f64)

	unary(wabin.OpcodeI32Extend8S, wabin.OpcodeI32Extend16S, i32, i32)
	unary(wabin.OpcodeI64Extend8S, wabin.OpcodeI64Extend32S, i64, i64)
}
