package interpreter

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/tetratelabs/wabin/leb128"
	wabin "github.com/tetratelabs/wabin/wasm"

	"github.com/wasmfuel/wasmfuel/fuel"
	"github.com/wasmfuel/wasmfuel/internal/wasm"
)

// unknownType is the type of a value popped from the polymorphic stack of unreachable code.
const unknownType wasm.ValueType = 0

// branch is a resolved jump: execution continues at pc after the top keep values are moved down to the operand
// stack height the target label was entered at.
type branch struct {
	pc, height, keep uint32
}

// op is the lowered form of one instruction. kind is the instruction's opcode, or for a prefixed instruction its
// prefix with the sub-opcode in b1.
type op struct {
	kind wabin.Opcode
	b1   byte
	// cost is charged to the store's fuel before the instruction has any effect.
	cost uint64
	// u1 is the immediate: an index, a memory offset or the bits of a constant.
	u1 uint64
	// br is the target of br, br_if, else and return, or where a false condition of if continues.
	br branch
	// table holds the targets of br_table, ending with the default.
	table []branch
}

// compiledFunction is the store-independent code of a function defined by a module.
type compiledFunction struct {
	body []op
	// numLocals is the count of declared locals, excluding params.
	numLocals int
}

// controlFrame is a block, loop, if or function body being lowered.
type controlFrame struct {
	// opcode is OpcodeBlock, OpcodeLoop, OpcodeIf or OpcodeEnd for the function body.
	opcode          wabin.Opcode
	params, results []wasm.ValueType
	// height is the count of operands below this frame's params.
	height      int
	unreachable bool
	// startPC is the target of branches to a loop.
	startPC uint32
	// ifOp is the if op whose false target is not yet known, or -1.
	ifOp    int
	hasElse bool
	// patches are branches to this frame's end, resolved when it is reached.
	patches []patch
}

// patch locates a branch whose pc is unresolved: slot is an index in op.table, or -1 for op.br.
type patch struct {
	op, slot int
}

func (f *controlFrame) labelTypes() []wasm.ValueType {
	if f.opcode == wabin.OpcodeLoop {
		return f.params
	}
	return f.results
}

// compiler validates a function body and lowers it to ops in the same pass.
type compiler struct {
	module   *wasm.Module
	costs    fuel.CostModel
	sig      *wasm.FunctionType
	locals   []wasm.ValueType
	r        *bytes.Reader
	ops      []op
	values   []wasm.ValueType
	controls []*controlFrame
}

// compileFunction lowers the function at codeIndex in the module's code section.
func compileFunction(module *wasm.Module, codeIndex int, costs fuel.CostModel) (*compiledFunction, error) {
	sig := module.FunctionTypes[module.ImportFuncCount+uint32(codeIndex)]
	localTypes := module.LocalTypes(codeIndex)
	c := &compiler{
		module: module,
		costs:  costs,
		sig:    sig,
		locals: append(append(make([]wasm.ValueType, 0, len(sig.Params)+len(localTypes)), sig.Params...), localTypes...),
		r:      bytes.NewReader(module.Body(codeIndex)),
	}
	c.controls = append(c.controls, &controlFrame{opcode: wabin.OpcodeEnd, results: sig.Results, ifOp: -1})

	for len(c.controls) > 0 {
		offset := c.offset()
		opcode, err := c.r.ReadByte()
		if err != nil {
			return nil, errors.New("unexpected end of function body")
		}
		if err = c.lower(opcode); err != nil {
			return nil, fmt.Errorf("%s at offset %#x: %w", wabin.InstructionName(opcode), offset, err)
		}
	}
	if c.r.Len() > 0 {
		return nil, fmt.Errorf("%d unexpected bytes after the end of function body", c.r.Len())
	}
	return &compiledFunction{body: c.ops, numLocals: len(localTypes)}, nil
}

func (c *compiler) offset() int {
	return int(c.r.Size()) - c.r.Len()
}

func (c *compiler) lower(opcode wabin.Opcode) error {
	cost := c.costs.Cost(opcode)
	switch opcode {
	case wabin.OpcodeUnreachable:
		c.emit(op{kind: opcode, cost: cost})
		c.setUnreachable()
	case wabin.OpcodeNop:
		c.emitCost(cost)
	case wabin.OpcodeBlock, wabin.OpcodeLoop, wabin.OpcodeIf:
		return c.lowerBlock(opcode, cost)
	case wabin.OpcodeElse:
		return c.lowerElse(cost)
	case wabin.OpcodeEnd:
		return c.lowerEnd(cost)
	case wabin.OpcodeBr:
		depth, err := c.readU32()
		if err != nil {
			return err
		}
		idx := c.emit(op{kind: opcode, cost: cost})
		lt, err := c.bindBranch(depth, idx, -1)
		if err != nil {
			return err
		}
		if err = c.popValues(lt); err != nil {
			return err
		}
		c.setUnreachable()
	case wabin.OpcodeBrIf:
		depth, err := c.readU32()
		if err != nil {
			return err
		}
		if err = c.popExpect(wasm.ValueTypeI32); err != nil {
			return err
		}
		idx := c.emit(op{kind: opcode, cost: cost})
		lt, err := c.bindBranch(depth, idx, -1)
		if err != nil {
			return err
		}
		if err = c.popValues(lt); err != nil {
			return err
		}
		c.pushValues(lt)
	case wabin.OpcodeBrTable:
		return c.lowerBrTable(cost)
	case wabin.OpcodeReturn:
		idx := c.emit(op{kind: opcode, cost: cost})
		if _, err := c.bindBranch(uint32(len(c.controls)-1), idx, -1); err != nil {
			return err
		}
		if err := c.popValues(c.sig.Results); err != nil {
			return err
		}
		c.setUnreachable()
	case wabin.OpcodeCall:
		index, err := c.readU32()
		if err != nil {
			return err
		}
		if index >= uint32(len(c.module.FunctionTypes)) {
			return fmt.Errorf("function index %d out of range", index)
		}
		ft := c.module.FunctionTypes[index]
		if err = c.popValues(ft.Params); err != nil {
			return err
		}
		c.pushValues(ft.Results)
		c.emit(op{kind: opcode, cost: cost, u1: uint64(index)})
	case wabin.OpcodeCallIndirect:
		typeIndex, err := c.readU32()
		if err != nil {
			return err
		}
		tableIndex, err := c.readU32()
		if err != nil {
			return err
		}
		if tableIndex != 0 || c.module.Table == nil {
			return fmt.Errorf("table index %d out of range", tableIndex)
		}
		if typeIndex >= uint32(len(c.module.Types)) {
			return fmt.Errorf("type index %d out of range", typeIndex)
		}
		if err = c.popExpect(wasm.ValueTypeI32); err != nil {
			return err
		}
		ft := c.module.Types[typeIndex]
		if err = c.popValues(ft.Params); err != nil {
			return err
		}
		c.pushValues(ft.Results)
		c.emit(op{kind: opcode, cost: cost, u1: uint64(typeIndex)})
	case wabin.OpcodeDrop:
		if _, err := c.pop(); err != nil {
			return err
		}
		c.emit(op{kind: opcode, cost: cost})
	case wabin.OpcodeSelect, wabin.OpcodeTypedSelect:
		return c.lowerSelect(opcode, cost)
	case wabin.OpcodeLocalGet, wabin.OpcodeLocalSet, wabin.OpcodeLocalTee:
		index, err := c.readU32()
		if err != nil {
			return err
		}
		if index >= uint32(len(c.locals)) {
			return fmt.Errorf("local index %d out of range", index)
		}
		t := c.locals[index]
		switch opcode {
		case wabin.OpcodeLocalGet:
			c.push(t)
		case wabin.OpcodeLocalSet:
			if err = c.popExpect(t); err != nil {
				return err
			}
		case wabin.OpcodeLocalTee:
			if err = c.popExpect(t); err != nil {
				return err
			}
			c.push(t)
		}
		c.emit(op{kind: opcode, cost: cost, u1: uint64(index)})
	case wabin.OpcodeGlobalGet, wabin.OpcodeGlobalSet:
		index, err := c.readU32()
		if err != nil {
			return err
		}
		if index >= uint32(len(c.module.Globals)) {
			return fmt.Errorf("global index %d out of range", index)
		}
		g := c.module.Globals[index]
		if opcode == wabin.OpcodeGlobalGet {
			c.push(g.ValType)
		} else {
			if !g.Mutable {
				return fmt.Errorf("global %d is immutable", index)
			}
			if err = c.popExpect(g.ValType); err != nil {
				return err
			}
		}
		c.emit(op{kind: opcode, cost: cost, u1: uint64(index)})
	case wabin.OpcodeMemorySize, wabin.OpcodeMemoryGrow:
		if c.module.Memory == nil {
			return errors.New("unknown memory")
		}
		if reserved, err := c.r.ReadByte(); err != nil {
			return err
		} else if reserved != 0 {
			return errors.New("memory index must be zero")
		}
		if opcode == wabin.OpcodeMemoryGrow {
			if err := c.popExpect(wasm.ValueTypeI32); err != nil {
				return err
			}
		}
		c.push(wasm.ValueTypeI32)
		c.emit(op{kind: opcode, cost: cost})
	case wabin.OpcodeI32Const:
		v, _, err := leb128.DecodeInt32(c.r)
		if err != nil {
			return fmt.Errorf("read immediate: %w", err)
		}
		c.push(wasm.ValueTypeI32)
		c.emit(op{kind: opcode, cost: cost, u1: uint64(uint32(v))})
	case wabin.OpcodeI64Const:
		v, _, err := leb128.DecodeInt64(c.r)
		if err != nil {
			return fmt.Errorf("read immediate: %w", err)
		}
		c.push(wasm.ValueTypeI64)
		c.emit(op{kind: opcode, cost: cost, u1: uint64(v)})
	case wabin.OpcodeF32Const:
		var buf [4]byte
		if _, err := io.ReadFull(c.r, buf[:]); err != nil {
			return fmt.Errorf("read immediate: %w", err)
		}
		c.push(wasm.ValueTypeF32)
		c.emit(op{kind: opcode, cost: cost, u1: uint64(binary.LittleEndian.Uint32(buf[:]))})
	case wabin.OpcodeF64Const:
		var buf [8]byte
		if _, err := io.ReadFull(c.r, buf[:]); err != nil {
			return fmt.Errorf("read immediate: %w", err)
		}
		c.push(wasm.ValueTypeF64)
		c.emit(op{kind: opcode, cost: cost, u1: binary.LittleEndian.Uint64(buf[:])})
	case wabin.OpcodeMiscPrefix:
		sub, err := c.readU32()
		if err != nil {
			return err
		}
		if sub > uint32(wabin.OpcodeMiscI64TruncSatF64U) {
			return fmt.Errorf("unsupported instruction %s", wabin.MiscInstructionName(wabin.OpcodeMisc(sub)))
		}
		s := truncSatSignatures[sub]
		if err = c.popExpect(s.in); err != nil {
			return err
		}
		c.push(s.out)
		c.emit(op{kind: opcode, b1: byte(sub), cost: cost})
	default:
		if s, ok := loadStoreSignatures[opcode]; ok {
			return c.lowerMemoryAccess(opcode, s, cost)
		}
		s := numericSignatures[opcode]
		if s.out == 0 {
			return errors.New("unsupported instruction")
		}
		if s.in2 != 0 {
			if err := c.popExpect(s.in2); err != nil {
				return err
			}
		}
		if err := c.popExpect(s.in); err != nil {
			return err
		}
		c.push(s.out)
		c.emit(op{kind: opcode, cost: cost})
	}
	return nil
}

func (c *compiler) lowerBlock(opcode wabin.Opcode, cost uint64) error {
	params, results, err := c.readBlockType()
	if err != nil {
		return err
	}
	if opcode == wabin.OpcodeIf {
		if err = c.popExpect(wasm.ValueTypeI32); err != nil {
			return err
		}
	}
	if err = c.popValues(params); err != nil {
		return err
	}
	frame := &controlFrame{opcode: opcode, params: params, results: results, height: len(c.values), ifOp: -1}
	switch opcode {
	case wabin.OpcodeBlock:
		c.emitCost(cost)
	case wabin.OpcodeLoop:
		c.emitCost(cost)
		frame.startPC = uint32(len(c.ops))
	case wabin.OpcodeIf:
		frame.ifOp = c.emit(op{kind: opcode, cost: cost})
	}
	c.controls = append(c.controls, frame)
	c.pushValues(params)
	return nil
}

func (c *compiler) lowerElse(cost uint64) error {
	frame := c.controls[len(c.controls)-1]
	if frame.opcode != wabin.OpcodeIf || frame.hasElse {
		return errors.New("else must follow if")
	}
	if err := c.checkFrameEnd(frame); err != nil {
		return err
	}
	idx := c.emit(op{kind: wabin.OpcodeElse, cost: cost})
	if _, err := c.bindBranch(0, idx, -1); err != nil {
		return err
	}
	c.ops[frame.ifOp].br = branch{pc: uint32(len(c.ops)), height: uint32(frame.height), keep: uint32(len(frame.params))}
	frame.ifOp, frame.hasElse, frame.unreachable = -1, true, false
	c.values = c.values[:frame.height]
	c.pushValues(frame.params)
	return nil
}

func (c *compiler) lowerEnd(cost uint64) error {
	frame := c.controls[len(c.controls)-1]
	if err := c.checkFrameEnd(frame); err != nil {
		return err
	}
	if frame.opcode == wabin.OpcodeIf && !frame.hasElse && !equalTypes(frame.params, frame.results) {
		return errors.New("type mismatch: if without else must not change the stack")
	}
	c.emitCost(cost)

	end := uint32(len(c.ops))
	for _, p := range frame.patches {
		if p.slot < 0 {
			c.ops[p.op].br.pc = end
		} else {
			c.ops[p.op].table[p.slot].pc = end
		}
	}
	if frame.ifOp >= 0 {
		c.ops[frame.ifOp].br = branch{pc: end, height: uint32(frame.height), keep: uint32(len(frame.params))}
	}
	c.controls = c.controls[:len(c.controls)-1]
	c.values = c.values[:frame.height]
	c.pushValues(frame.results)
	return nil
}

// checkFrameEnd validates the operands left by the body of a frame are exactly its results.
func (c *compiler) checkFrameEnd(frame *controlFrame) error {
	if err := c.popValues(frame.results); err != nil {
		return err
	}
	if len(c.values) != frame.height {
		return fmt.Errorf("type mismatch: %d values remain on the stack at the end of the block", len(c.values)-frame.height)
	}
	return nil
}

func (c *compiler) lowerBrTable(cost uint64) error {
	count, err := c.readU32()
	if err != nil {
		return err
	}
	if uint64(count) > uint64(c.r.Len()) {
		return fmt.Errorf("too many targets: %d", count)
	}
	depths := make([]uint32, count+1)
	for i := range depths {
		if depths[i], err = c.readU32(); err != nil {
			return err
		}
	}
	if err = c.popExpect(wasm.ValueTypeI32); err != nil {
		return err
	}

	idx := c.emit(op{kind: wabin.OpcodeBrTable, cost: cost, table: make([]branch, len(depths))})
	var defaultTypes []wasm.ValueType
	for i := len(depths) - 1; i >= 0; i-- {
		lt, err := c.bindBranch(depths[i], idx, i)
		if err != nil {
			return err
		}
		if i == len(depths)-1 {
			defaultTypes = lt
		} else if len(lt) != len(defaultTypes) {
			return fmt.Errorf("type mismatch: target %d has %d values, but the default has %d", i, len(lt), len(defaultTypes))
		}
		if err = c.popValues(lt); err != nil {
			return err
		}
		c.pushValues(lt)
	}
	if err = c.popValues(defaultTypes); err != nil {
		return err
	}
	c.setUnreachable()
	return nil
}

func (c *compiler) lowerSelect(opcode wabin.Opcode, cost uint64) error {
	t := unknownType
	if opcode == wabin.OpcodeTypedSelect {
		n, err := c.readU32()
		if err != nil {
			return err
		}
		if n != 1 {
			return fmt.Errorf("expected one result type, but had %d", n)
		}
		if t, err = c.r.ReadByte(); err != nil {
			return err
		}
		if !isNumeric(t) {
			return fmt.Errorf("unsupported type %s", wabin.ValueTypeName(t))
		}
	}
	if err := c.popExpect(wasm.ValueTypeI32); err != nil {
		return err
	}
	t1, err := c.pop()
	if err != nil {
		return err
	}
	t2, err := c.pop()
	if err != nil {
		return err
	}
	for _, v := range []wasm.ValueType{t1, t2} {
		switch {
		case v == unknownType:
		case t == unknownType:
			t = v
		case v != t:
			return fmt.Errorf("type mismatch: %s != %s", wabin.ValueTypeName(v), wabin.ValueTypeName(t))
		}
	}
	c.push(t)
	c.emit(op{kind: wabin.OpcodeSelect, cost: cost})
	return nil
}

func (c *compiler) lowerMemoryAccess(opcode wabin.Opcode, s memorySignature, cost uint64) error {
	if c.module.Memory == nil {
		return errors.New("unknown memory")
	}
	align, err := c.readU32()
	if err != nil {
		return err
	}
	offset, err := c.readU32()
	if err != nil {
		return err
	}
	if align >= 32 || uint32(1)<<align > s.size {
		return fmt.Errorf("alignment must not be larger than natural: 2^%d > %d", align, s.size)
	}
	if s.store {
		if err = c.popExpect(s.t); err != nil {
			return err
		}
		if err = c.popExpect(wasm.ValueTypeI32); err != nil {
			return err
		}
	} else {
		if err = c.popExpect(wasm.ValueTypeI32); err != nil {
			return err
		}
		c.push(s.t)
	}
	c.emit(op{kind: opcode, cost: cost, u1: uint64(offset)})
	return nil
}

// readBlockType reads a block type: empty, a single value type or a type index.
func (c *compiler) readBlockType() (params, results []wasm.ValueType, err error) {
	b, err := c.r.ReadByte()
	if err != nil {
		return nil, nil, err
	}
	switch {
	case b == 0x40:
		return nil, nil, nil
	case isNumeric(b):
		return nil, []wasm.ValueType{b}, nil
	}
	if err = c.r.UnreadByte(); err != nil {
		return nil, nil, err
	}
	index, _, err := leb128.DecodeInt33AsInt64(c.r)
	if err != nil {
		return nil, nil, fmt.Errorf("read block type: %w", err)
	}
	if index < 0 || index >= int64(len(c.module.Types)) {
		return nil, nil, fmt.Errorf("invalid block type %d", index)
	}
	ft := c.module.Types[index]
	return ft.Params, ft.Results, nil
}

func (c *compiler) readU32() (uint32, error) {
	v, _, err := leb128.DecodeUint32(c.r)
	if err != nil {
		return 0, fmt.Errorf("read immediate: %w", err)
	}
	return v, nil
}

// bindBranch sets the target of the branch at op index idx to the label depth frames out, returning the types the
// branch carries.
func (c *compiler) bindBranch(depth uint32, idx, slot int) ([]wasm.ValueType, error) {
	if uint64(depth) >= uint64(len(c.controls)) {
		return nil, fmt.Errorf("invalid branch depth: %d", depth)
	}
	frame := c.controls[len(c.controls)-1-int(depth)]
	lt := frame.labelTypes()
	b := branch{height: uint32(frame.height), keep: uint32(len(lt))}
	if frame.opcode == wabin.OpcodeLoop {
		b.pc = frame.startPC
	} else {
		frame.patches = append(frame.patches, patch{op: idx, slot: slot})
	}
	if slot < 0 {
		c.ops[idx].br = b
	} else {
		c.ops[idx].table[slot] = b
	}
	return lt, nil
}

func (c *compiler) emit(o op) int {
	c.ops = append(c.ops, o)
	return len(c.ops) - 1
}

// emitCost charges for an instruction that has no effect at runtime, unless it is free.
func (c *compiler) emitCost(cost uint64) {
	if cost > 0 {
		c.emit(op{kind: wabin.OpcodeNop, cost: cost})
	}
}

func (c *compiler) setUnreachable() {
	frame := c.controls[len(c.controls)-1]
	c.values = c.values[:frame.height]
	frame.unreachable = true
}

func (c *compiler) push(t wasm.ValueType) {
	c.values = append(c.values, t)
}

func (c *compiler) pushValues(types []wasm.ValueType) {
	c.values = append(c.values, types...)
}

func (c *compiler) pop() (wasm.ValueType, error) {
	frame := c.controls[len(c.controls)-1]
	if len(c.values) == frame.height {
		if frame.unreachable {
			return unknownType, nil
		}
		return 0, errors.New("type mismatch: not enough values on the stack")
	}
	t := c.values[len(c.values)-1]
	c.values = c.values[:len(c.values)-1]
	return t, nil
}

func (c *compiler) popExpect(expected wasm.ValueType) error {
	actual, err := c.pop()
	if err != nil {
		return err
	}
	if actual != expected && actual != unknownType {
		return fmt.Errorf("type mismatch: expected %s, but was %s", wabin.ValueTypeName(expected), wabin.ValueTypeName(actual))
	}
	return nil
}

func (c *compiler) popValues(types []wasm.ValueType) error {
	for i := len(types) - 1; i >= 0; i-- {
		if err := c.popExpect(types[i]); err != nil {
			return err
		}
	}
	return nil
}

func isNumeric(t wasm.ValueType) bool {
	switch t {
	case wasm.ValueTypeI32, wasm.ValueTypeI64, wasm.ValueTypeF32, wasm.ValueTypeF64:
		return true
	}
	return false
}

func equalTypes(a, b []wasm.ValueType) bool {
	return string(a) == string(b)
}
