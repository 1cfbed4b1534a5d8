// Package interpreter executes lowered function bodies on an explicit frame stack, charging fuel before each
// instruction.
package interpreter

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"math/bits"
	"sync"

	wabin "github.com/tetratelabs/wabin/wasm"
	"go.uber.org/zap"

	"github.com/wasmfuel/wasmfuel/api"
	"github.com/wasmfuel/wasmfuel/fuel"
	"github.com/wasmfuel/wasmfuel/internal/filecache"
	"github.com/wasmfuel/wasmfuel/internal/moremath"
	"github.com/wasmfuel/wasmfuel/internal/wasm"
)

// engine is an interpreter implementation of wasm.Engine
type engine struct {
	costs       fuel.CostModel
	fingerprint [32]byte
	fileCache   filecache.Cache
	logger      *zap.Logger

	mux   sync.RWMutex
	codes map[wasm.ModuleID][]*compiledFunction // guarded by mutex.
}

// NewEngine returns an engine lowering code under the given cost model. fileCache may be nil.
func NewEngine(costs fuel.CostModel, fileCache filecache.Cache, logger *zap.Logger) wasm.Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &engine{
		costs:       costs,
		fingerprint: fuel.Fingerprint(costs),
		fileCache:   fileCache,
		logger:      logger,
		codes:       map[wasm.ModuleID][]*compiledFunction{},
	}
}

// CompileModule implements the same method as documented on wasm.Engine.
func (e *engine) CompileModule(_ context.Context, module *wasm.Module) error {
	codes, ok, err := e.getCodes(module)
	if err != nil {
		e.logger.Warn("compilation cache read failed", zap.Error(err))
	}
	if !ok {
		codes = make([]*compiledFunction, module.DefinedFunctionCount())
		for i := range codes {
			fn, err := compileFunction(module, i, e.costs)
			if err != nil {
				def := module.FunctionDefinition(module.ImportFuncCount + wasm.Index(i))
				return api.WrapError(api.KindValidation, err, fmt.Sprintf("invalid function[%d] %s", i, def.DebugName()))
			}
			codes[i] = fn
		}
		if err = e.addCodes(module, codes); err != nil {
			e.logger.Warn("compilation cache write failed", zap.Error(err))
		}
		e.logger.Debug("compiled module", zap.String("module", module.Name), zap.Int("functions", len(codes)))
	}

	module.Code = make([]wasm.CompiledCode, len(codes))
	for i, c := range codes {
		module.Code[i] = c
	}
	return nil
}

// NewCallEngine implements the same method as documented on wasm.Engine.
func (e *engine) NewCallEngine(store *wasm.Store) wasm.CallEngine {
	return &callEngine{store: store}
}

// callEngine holds the value stack and the frames of a single store. Nested calls from host functions push onto the
// same stacks.
type callEngine struct {
	store *wasm.Store

	// stack holds params, locals and operands of every frame, innermost last.
	stack []uint64

	// frames are the active calls, innermost last.
	frames []*callFrame
}

// callFrame is a function activation. Host functions have a frame without code so they show up in backtraces.
type callFrame struct {
	// pc is the index of the next op in code.body.
	pc   int
	f    *wasm.FunctionInstance
	code *compiledFunction
	// base is the index in the stack of the first param. Declared locals follow the params, then operands.
	base int
	// ctx is passed to host functions called from this frame.
	ctx context.Context
}

func (f *callFrame) operandBase() int {
	return f.base + len(f.f.Type.Params) + f.code.numLocals
}

// Depth implements the same method as documented on wasm.CallEngine.
func (ce *callEngine) Depth() int {
	return len(ce.frames)
}

// Call implements the same method as documented on wasm.CallEngine.
func (ce *callEngine) Call(ctx context.Context, f *wasm.FunctionInstance, params []uint64) (results []uint64, err error) {
	prevFrameLen, prevStackLen := len(ce.frames), len(ce.stack)
	defer func() {
		if r := recover(); r != nil {
			err = ce.unwind(r, prevFrameLen, prevStackLen)
		}
	}()

	ce.stack = append(ce.stack, params...)
	canonicalize(f.Type.Params, ce.stack[prevStackLen:])
	if f.Target == wasm.CallTargetHost {
		ce.callHost(ctx, f, nil)
	} else {
		ce.pushGuestFrame(ctx, f)
		ce.run(prevFrameLen)
	}

	results = make([]uint64, len(f.Type.Results))
	copy(results, ce.stack[prevStackLen:])
	ce.stack = ce.stack[:prevStackLen]
	return results, nil
}

// unwind converts a recovered panic into a trap, records the frames above prevFrameLen in its backtrace and drops
// them.
func (ce *callEngine) unwind(recovered interface{}, prevFrameLen, prevStackLen int) *api.Trap {
	var trap *api.Trap
	switch v := recovered.(type) {
	case *api.Trap:
		trap = v
	case error:
		trap = wasm.AsTrap(v)
	default:
		trap = &api.Trap{Code: api.TrapCodeHostError, Cause: fmt.Errorf("%v", v)}
	}
	for i := len(ce.frames) - 1; i >= prevFrameLen; i-- {
		frame := ce.frames[i]
		def := frame.f.FunctionDefinition()
		trap.Backtrace = append(trap.Backtrace, def.DebugName())
		if l := frame.f.Listener; l != nil {
			l.After(frame.ctx, def, trap, nil)
		}
	}
	ce.frames = ce.frames[:prevFrameLen]
	ce.stack = ce.stack[:prevStackLen]
	ce.store.Logger.Debug("call trapped", zap.Stringer("code", trap.Code), zap.Int("frames", len(trap.Backtrace)))
	return trap
}

func (ce *callEngine) pushFrame(frame *callFrame) {
	if uint32(len(ce.frames)) >= ce.store.MaxCallDepth {
		panic(&api.Trap{Code: api.TrapCodeCallStackExhausted})
	}
	ce.frames = append(ce.frames, frame)
}

// pushGuestFrame enters f, whose params are the top values of the stack.
func (ce *callEngine) pushGuestFrame(ctx context.Context, f *wasm.FunctionInstance) *callFrame {
	if ce.store.EpochExpired() {
		panic(&api.Trap{Code: api.TrapCodeInterrupted})
	}
	code := f.Code.(*compiledFunction)
	frame := &callFrame{f: f, code: code, base: len(ce.stack) - len(f.Type.Params), ctx: ctx}
	ce.pushFrame(frame)
	if l := f.Listener; l != nil {
		params := append([]uint64(nil), ce.stack[frame.base:]...)
		frame.ctx = l.Before(ctx, f.Definition(), params)
	}
	for i := 0; i < code.numLocals; i++ {
		ce.stack = append(ce.stack, 0)
	}
	return frame
}

// popGuestFrame moves the results of the innermost frame to its base and leaves it.
func (ce *callEngine) popGuestFrame(frame *callFrame) {
	n := len(frame.f.Type.Results)
	copy(ce.stack[frame.base:], ce.stack[len(ce.stack)-n:])
	ce.stack = ce.stack[:frame.base+n]
	if l := frame.f.Listener; l != nil {
		l.After(frame.ctx, frame.f.Definition(), nil, append([]uint64(nil), ce.stack[frame.base:]...))
	}
	ce.frames = ce.frames[:len(ce.frames)-1]
}

// callHost invokes a host function whose params are the top values of the stack, replacing them with its results.
func (ce *callEngine) callHost(ctx context.Context, f *wasm.FunctionInstance, caller *wasm.ModuleInstance) {
	paramLen, resultLen := len(f.Type.Params), len(f.Type.Results)
	base := len(ce.stack) - paramLen
	frame := &callFrame{f: f, base: base, ctx: ctx}
	ce.pushFrame(frame)

	// Host functions get their own buffer as re-entering the guest may grow the stack.
	buf := make([]uint64, f.Type.ParamNumInUint64())
	copy(buf, ce.stack[base:])
	def := f.Definition()
	l := f.Listener
	if l != nil {
		frame.ctx = l.Before(ctx, def, append([]uint64(nil), buf[:paramLen]...))
	}

	if err := f.Host.Call(wasm.NewCallContext(frame.ctx, ce.store, caller), buf); err != nil {
		panic(wasm.AsTrap(err))
	}
	canonicalize(f.Type.Results, buf[:resultLen])

	ce.stack = append(ce.stack[:base], buf[:resultLen]...)
	if l != nil {
		l.After(frame.ctx, def, nil, buf[:resultLen])
	}
	ce.frames = ce.frames[:len(ce.frames)-1]
}

// canonicalize clears the upper bits of i32 and f32 values, which are undefined when written outside the engine.
func canonicalize(types []wasm.ValueType, values []uint64) {
	for i, vt := range types {
		if vt == wasm.ValueTypeI32 || vt == wasm.ValueTypeF32 {
			values[i] = uint64(uint32(values[i]))
		}
	}
}

// call dispatches a call from frame to f, returning the new innermost frame if f is a guest function.
func (ce *callEngine) call(frame *callFrame, f *wasm.FunctionInstance) *callFrame {
	if f.Target == wasm.CallTargetHost {
		ce.callHost(frame.ctx, f, frame.f.Module)
		return nil
	}
	return ce.pushGuestFrame(frame.ctx, f)
}

func (ce *callEngine) push(v uint64) {
	ce.stack = append(ce.stack, v)
}

func (ce *callEngine) pop() (v uint64) {
	v = ce.stack[len(ce.stack)-1]
	ce.stack = ce.stack[:len(ce.stack)-1]
	return
}

// popPair pops two operands, returning them in the order they were pushed.
func (ce *callEngine) popPair() (x1, x2 uint64) {
	n := len(ce.stack)
	x1, x2 = ce.stack[n-2], ce.stack[n-1]
	ce.stack = ce.stack[:n-2]
	return
}

func (ce *callEngine) pushBool(b bool) {
	if b {
		ce.push(1)
	} else {
		ce.push(0)
	}
}

func (ce *callEngine) pushF32(v float32) {
	ce.push(uint64(math.Float32bits(v)))
}

func (ce *callEngine) pushF64(v float64) {
	ce.push(math.Float64bits(v))
}

func (ce *callEngine) popF32() float32 {
	return math.Float32frombits(uint32(ce.pop()))
}

func (ce *callEngine) popF64() float64 {
	return math.Float64frombits(ce.pop())
}

func (ce *callEngine) popF32Pair() (x1, x2 float32) {
	v1, v2 := ce.popPair()
	return math.Float32frombits(uint32(v1)), math.Float32frombits(uint32(v2))
}

func (ce *callEngine) popF64Pair() (x1, x2 float64) {
	v1, v2 := ce.popPair()
	return math.Float64frombits(v1), math.Float64frombits(v2)
}

// branch moves the values carried by b down to the height of its label and continues at its pc.
func (ce *callEngine) branch(frame *callFrame, b *branch) {
	dst := frame.operandBase() + int(b.height)
	if keep := int(b.keep); keep > 0 {
		copy(ce.stack[dst:], ce.stack[len(ce.stack)-keep:])
	}
	ce.stack = ce.stack[:dst+int(b.keep)]
	if int(b.pc) < frame.pc && ce.store.EpochExpired() {
		panic(&api.Trap{Code: api.TrapCodeInterrupted})
	}
	frame.pc = int(b.pc)
}

// memory returns the size bytes addressed by the offset immediate of o plus the i32 popped from the stack.
func (ce *callEngine) memory(frame *callFrame, o *op, size uint64) []byte {
	buf := frame.f.Module.MemoryInstance.Buffer
	offset := o.u1 + uint64(uint32(ce.pop()))
	if offset+size > uint64(len(buf)) {
		panic(&api.Trap{Code: api.TrapCodeOutOfBoundsMemoryAccess})
	}
	return buf[offset : offset+size]
}

// run executes until the frame count drops back to floor.
func (ce *callEngine) run(floor int) {
	meter := ce.store.Meter
	frame := ce.frames[len(ce.frames)-1]
	for {
		body := frame.code.body
		if frame.pc >= len(body) {
			ce.popGuestFrame(frame)
			if len(ce.frames) == floor {
				return
			}
			frame = ce.frames[len(ce.frames)-1]
			continue
		}

		o := &body[frame.pc]
		if o.cost > 0 {
			if err := meter.TryCharge(o.cost); err != nil {
				panic(err)
			}
		}
		frame.pc++

		switch o.kind {
		case wabin.OpcodeUnreachable:
			panic(&api.Trap{Code: api.TrapCodeUnreachable})
		case wabin.OpcodeNop:
		case wabin.OpcodeIf:
			if uint32(ce.pop()) == 0 {
				ce.branch(frame, &o.br)
			}
		case wabin.OpcodeElse, wabin.OpcodeBr, wabin.OpcodeReturn:
			ce.branch(frame, &o.br)
		case wabin.OpcodeBrIf:
			if uint32(ce.pop()) != 0 {
				ce.branch(frame, &o.br)
			}
		case wabin.OpcodeBrTable:
			i := uint32(ce.pop())
			if last := uint32(len(o.table) - 1); i > last {
				i = last
			}
			ce.branch(frame, &o.table[i])
		case wabin.OpcodeCall:
			if next := ce.call(frame, frame.f.Module.Functions[o.u1]); next != nil {
				frame = next
			}
		case wabin.OpcodeCallIndirect:
			module := frame.f.Module
			target, ok := module.TableInstance.Lookup(uint32(ce.pop()))
			if !ok || target == nil {
				panic(&api.Trap{Code: api.TrapCodeInvalidTableAccess})
			}
			if !target.Type.Equals(module.Source.Types[o.u1]) {
				panic(&api.Trap{Code: api.TrapCodeIndirectCallTypeMismatch})
			}
			if next := ce.call(frame, target); next != nil {
				frame = next
			}
		case wabin.OpcodeDrop:
			ce.pop()
		case wabin.OpcodeSelect:
			c := uint32(ce.pop())
			v1, v2 := ce.popPair()
			if c != 0 {
				ce.push(v1)
			} else {
				ce.push(v2)
			}
		case wabin.OpcodeLocalGet:
			ce.push(ce.stack[frame.base+int(o.u1)])
		case wabin.OpcodeLocalSet:
			ce.stack[frame.base+int(o.u1)] = ce.pop()
		case wabin.OpcodeLocalTee:
			ce.stack[frame.base+int(o.u1)] = ce.stack[len(ce.stack)-1]
		case wabin.OpcodeGlobalGet:
			ce.push(frame.f.Module.Globals[o.u1].Val)
		case wabin.OpcodeGlobalSet:
			frame.f.Module.Globals[o.u1].Val = ce.pop()
		case wabin.OpcodeMemorySize:
			ce.push(uint64(frame.f.Module.MemoryInstance.PageSize()))
		case wabin.OpcodeMemoryGrow:
			if prev, ok := frame.f.Module.MemoryInstance.Grow(uint32(ce.pop())); ok {
				ce.push(uint64(prev))
			} else {
				ce.push(uint64(math.MaxUint32))
			}
		case wabin.OpcodeI32Const, wabin.OpcodeI64Const, wabin.OpcodeF32Const, wabin.OpcodeF64Const:
			ce.push(o.u1)
		case wabin.OpcodeMiscPrefix:
			ce.truncSat(o.b1)
		default:
			if _, ok := loadStoreSignatures[o.kind]; ok {
				ce.execMemory(frame, o)
			} else {
				ce.execNumeric(o.kind)
			}
		}
	}
}

func (ce *callEngine) execMemory(frame *callFrame, o *op) {
	switch o.kind {
	case wabin.OpcodeI32Load, wabin.OpcodeF32Load:
		ce.push(uint64(binary.LittleEndian.Uint32(ce.memory(frame, o, 4))))
	case wabin.OpcodeI64Load, wabin.OpcodeF64Load:
		ce.push(binary.LittleEndian.Uint64(ce.memory(frame, o, 8)))
	case wabin.OpcodeI32Load8S:
		ce.push(uint64(uint32(int32(int8(ce.memory(frame, o, 1)[0])))))
	case wabin.OpcodeI32Load8U, wabin.OpcodeI64Load8U:
		ce.push(uint64(ce.memory(frame, o, 1)[0]))
	case wabin.OpcodeI32Load16S:
		ce.push(uint64(uint32(int32(int16(binary.LittleEndian.Uint16(ce.memory(frame, o, 2)))))))
	case wabin.OpcodeI32Load16U, wabin.OpcodeI64Load16U:
		ce.push(uint64(binary.LittleEndian.Uint16(ce.memory(frame, o, 2))))
	case wabin.OpcodeI64Load8S:
		ce.push(uint64(int64(int8(ce.memory(frame, o, 1)[0]))))
	case wabin.OpcodeI64Load16S:
		ce.push(uint64(int64(int16(binary.LittleEndian.Uint16(ce.memory(frame, o, 2))))))
	case wabin.OpcodeI64Load32S:
		ce.push(uint64(int64(int32(binary.LittleEndian.Uint32(ce.memory(frame, o, 4))))))
	case wabin.OpcodeI64Load32U:
		ce.push(uint64(binary.LittleEndian.Uint32(ce.memory(frame, o, 4))))
	case wabin.OpcodeI32Store, wabin.OpcodeF32Store, wabin.OpcodeI64Store32:
		v := ce.pop()
		binary.LittleEndian.PutUint32(ce.memory(frame, o, 4), uint32(v))
	case wabin.OpcodeI64Store, wabin.OpcodeF64Store:
		v := ce.pop()
		binary.LittleEndian.PutUint64(ce.memory(frame, o, 8), v)
	case wabin.OpcodeI32Store8, wabin.OpcodeI64Store8:
		v := ce.pop()
		ce.memory(frame, o, 1)[0] = byte(v)
	case wabin.OpcodeI32Store16, wabin.OpcodeI64Store16:
		v := ce.pop()
		binary.LittleEndian.PutUint16(ce.memory(frame, o, 2), uint16(v))
	default:
		panic(fmt.Errorf("BUG: invalid memory instruction %s", wabin.InstructionName(o.kind)))
	}
}

func (ce *callEngine) execNumeric(kind wabin.Opcode) {
	switch kind {
	// i32 comparisons
	case wabin.OpcodeI32Eqz:
		ce.pushBool(uint32(ce.pop()) == 0)
	case wabin.OpcodeI32Eq:
		v1, v2 := ce.popPair()
		ce.pushBool(uint32(v1) == uint32(v2))
	case wabin.OpcodeI32Ne:
		v1, v2 := ce.popPair()
		ce.pushBool(uint32(v1) != uint32(v2))
	case wabin.OpcodeI32LtS:
		v1, v2 := ce.popPair()
		ce.pushBool(int32(v1) < int32(v2))
	case wabin.OpcodeI32LtU:
		v1, v2 := ce.popPair()
		ce.pushBool(uint32(v1) < uint32(v2))
	case wabin.OpcodeI32GtS:
		v1, v2 := ce.popPair()
		ce.pushBool(int32(v1) > int32(v2))
	case wabin.OpcodeI32GtU:
		v1, v2 := ce.popPair()
		ce.pushBool(uint32(v1) > uint32(v2))
	case wabin.OpcodeI32LeS:
		v1, v2 := ce.popPair()
		ce.pushBool(int32(v1) <= int32(v2))
	case wabin.OpcodeI32LeU:
		v1, v2 := ce.popPair()
		ce.pushBool(uint32(v1) <= uint32(v2))
	case wabin.OpcodeI32GeS:
		v1, v2 := ce.popPair()
		ce.pushBool(int32(v1) >= int32(v2))
	case wabin.OpcodeI32GeU:
		v1, v2 := ce.popPair()
		ce.pushBool(uint32(v1) >= uint32(v2))

	// i64 comparisons
	case wabin.OpcodeI64Eqz:
		ce.pushBool(ce.pop() == 0)
	case wabin.OpcodeI64Eq:
		v1, v2 := ce.popPair()
		ce.pushBool(v1 == v2)
	case wabin.OpcodeI64Ne:
		v1, v2 := ce.popPair()
		ce.pushBool(v1 != v2)
	case wabin.OpcodeI64LtS:
		v1, v2 := ce.popPair()
		ce.pushBool(int64(v1) < int64(v2))
	case wabin.OpcodeI64LtU:
		v1, v2 := ce.popPair()
		ce.pushBool(v1 < v2)
	case wabin.OpcodeI64GtS:
		v1, v2 := ce.popPair()
		ce.pushBool(int64(v1) > int64(v2))
	case wabin.OpcodeI64GtU:
		v1, v2 := ce.popPair()
		ce.pushBool(v1 > v2)
	case wabin.OpcodeI64LeS:
		v1, v2 := ce.popPair()
		ce.pushBool(int64(v1) <= int64(v2))
	case wabin.OpcodeI64LeU:
		v1, v2 := ce.popPair()
		ce.pushBool(v1 <= v2)
	case wabin.OpcodeI64GeS:
		v1, v2 := ce.popPair()
		ce.pushBool(int64(v1) >= int64(v2))
	case wabin.OpcodeI64GeU:
		v1, v2 := ce.popPair()
		ce.pushBool(v1 >= v2)

	// float comparisons
	case wabin.OpcodeF32Eq:
		x1, x2 := ce.popF32Pair()
		ce.pushBool(x1 == x2)
	case wabin.OpcodeF32Ne:
		x1, x2 := ce.popF32Pair()
		ce.pushBool(x1 != x2)
	case wabin.OpcodeF32Lt:
		x1, x2 := ce.popF32Pair()
		ce.pushBool(x1 < x2)
	case wabin.OpcodeF32Gt:
		x1, x2 := ce.popF32Pair()
		ce.pushBool(x1 > x2)
	case wabin.OpcodeF32Le:
		x1, x2 := ce.popF32Pair()
		ce.pushBool(x1 <= x2)
	case wabin.OpcodeF32Ge:
		x1, x2 := ce.popF32Pair()
		ce.pushBool(x1 >= x2)
	case wabin.OpcodeF64Eq:
		x1, x2 := ce.popF64Pair()
		ce.pushBool(x1 == x2)
	case wabin.OpcodeF64Ne:
		x1, x2 := ce.popF64Pair()
		ce.pushBool(x1 != x2)
	case wabin.OpcodeF64Lt:
		x1, x2 := ce.popF64Pair()
		ce.pushBool(x1 < x2)
	case wabin.OpcodeF64Gt:
		x1, x2 := ce.popF64Pair()
		ce.pushBool(x1 > x2)
	case wabin.OpcodeF64Le:
		x1, x2 := ce.popF64Pair()
		ce.pushBool(x1 <= x2)
	case wabin.OpcodeF64Ge:
		x1, x2 := ce.popF64Pair()
		ce.pushBool(x1 >= x2)

	// i32 arithmetic
	case wabin.OpcodeI32Clz:
		ce.push(uint64(bits.LeadingZeros32(uint32(ce.pop()))))
	case wabin.OpcodeI32Ctz:
		ce.push(uint64(bits.TrailingZeros32(uint32(ce.pop()))))
	case wabin.OpcodeI32Popcnt:
		ce.push(uint64(bits.OnesCount32(uint32(ce.pop()))))
	case wabin.OpcodeI32Add:
		v1, v2 := ce.popPair()
		ce.push(uint64(uint32(v1) + uint32(v2)))
	case wabin.OpcodeI32Sub:
		v1, v2 := ce.popPair()
		ce.push(uint64(uint32(v1) - uint32(v2)))
	case wabin.OpcodeI32Mul:
		v1, v2 := ce.popPair()
		ce.push(uint64(uint32(v1) * uint32(v2)))
	case wabin.OpcodeI32DivS:
		v1, v2 := ce.popPair()
		x1, x2 := int32(v1), int32(v2)
		if x2 == 0 {
			panic(&api.Trap{Code: api.TrapCodeIntegerDivideByZero})
		} else if x1 == math.MinInt32 && x2 == -1 {
			panic(&api.Trap{Code: api.TrapCodeIntegerOverflow})
		}
		ce.push(uint64(uint32(x1 / x2)))
	case wabin.OpcodeI32DivU:
		v1, v2 := ce.popPair()
		if uint32(v2) == 0 {
			panic(&api.Trap{Code: api.TrapCodeIntegerDivideByZero})
		}
		ce.push(uint64(uint32(v1) / uint32(v2)))
	case wabin.OpcodeI32RemS:
		v1, v2 := ce.popPair()
		x1, x2 := int32(v1), int32(v2)
		if x2 == 0 {
			panic(&api.Trap{Code: api.TrapCodeIntegerDivideByZero})
		}
		// MinInt32 % -1 is 0 in Go, as required.
		ce.push(uint64(uint32(x1 % x2)))
	case wabin.OpcodeI32RemU:
		v1, v2 := ce.popPair()
		if uint32(v2) == 0 {
			panic(&api.Trap{Code: api.TrapCodeIntegerDivideByZero})
		}
		ce.push(uint64(uint32(v1) % uint32(v2)))
	case wabin.OpcodeI32And:
		v1, v2 := ce.popPair()
		ce.push(uint64(uint32(v1) & uint32(v2)))
	case wabin.OpcodeI32Or:
		v1, v2 := ce.popPair()
		ce.push(uint64(uint32(v1) | uint32(v2)))
	case wabin.OpcodeI32Xor:
		v1, v2 := ce.popPair()
		ce.push(uint64(uint32(v1) ^ uint32(v2)))
	case wabin.OpcodeI32Shl:
		v1, v2 := ce.popPair()
		ce.push(uint64(uint32(v1) << (uint32(v2) % 32)))
	case wabin.OpcodeI32ShrS:
		v1, v2 := ce.popPair()
		ce.push(uint64(uint32(int32(v1) >> (uint32(v2) % 32))))
	case wabin.OpcodeI32ShrU:
		v1, v2 := ce.popPair()
		ce.push(uint64(uint32(v1) >> (uint32(v2) % 32)))
	case wabin.OpcodeI32Rotl:
		v1, v2 := ce.popPair()
		ce.push(uint64(bits.RotateLeft32(uint32(v1), int(uint32(v2)%32))))
	case wabin.OpcodeI32Rotr:
		v1, v2 := ce.popPair()
		ce.push(uint64(bits.RotateLeft32(uint32(v1), -int(uint32(v2)%32))))

	// i64 arithmetic
	case wabin.OpcodeI64Clz:
		ce.push(uint64(bits.LeadingZeros64(ce.pop())))
	case wabin.OpcodeI64Ctz:
		ce.push(uint64(bits.TrailingZeros64(ce.pop())))
	case wabin.OpcodeI64Popcnt:
		ce.push(uint64(bits.OnesCount64(ce.pop())))
	case wabin.OpcodeI64Add:
		v1, v2 := ce.popPair()
		ce.push(v1 + v2)
	case wabin.OpcodeI64Sub:
		v1, v2 := ce.popPair()
		ce.push(v1 - v2)
	case wabin.OpcodeI64Mul:
		v1, v2 := ce.popPair()
		ce.push(v1 * v2)
	case wabin.OpcodeI64DivS:
		v1, v2 := ce.popPair()
		x1, x2 := int64(v1), int64(v2)
		if x2 == 0 {
			panic(&api.Trap{Code: api.TrapCodeIntegerDivideByZero})
		} else if x1 == math.MinInt64 && x2 == -1 {
			panic(&api.Trap{Code: api.TrapCodeIntegerOverflow})
		}
		ce.push(uint64(x1 / x2))
	case wabin.OpcodeI64DivU:
		v1, v2 := ce.popPair()
		if v2 == 0 {
			panic(&api.Trap{Code: api.TrapCodeIntegerDivideByZero})
		}
		ce.push(v1 / v2)
	case wabin.OpcodeI64RemS:
		v1, v2 := ce.popPair()
		x1, x2 := int64(v1), int64(v2)
		if x2 == 0 {
			panic(&api.Trap{Code: api.TrapCodeIntegerDivideByZero})
		}
		ce.push(uint64(x1 % x2))
	case wabin.OpcodeI64RemU:
		v1, v2 := ce.popPair()
		if v2 == 0 {
			panic(&api.Trap{Code: api.TrapCodeIntegerDivideByZero})
		}
		ce.push(v1 % v2)
	case wabin.OpcodeI64And:
		v1, v2 := ce.popPair()
		ce.push(v1 & v2)
	case wabin.OpcodeI64Or:
		v1, v2 := ce.popPair()
		ce.push(v1 | v2)
	case wabin.OpcodeI64Xor:
		v1, v2 := ce.popPair()
		ce.push(v1 ^ v2)
	case wabin.OpcodeI64Shl:
		v1, v2 := ce.popPair()
		ce.push(v1 << (v2 % 64))
	case wabin.OpcodeI64ShrS:
		v1, v2 := ce.popPair()
		ce.push(uint64(int64(v1) >> (v2 % 64)))
	case wabin.OpcodeI64ShrU:
		v1, v2 := ce.popPair()
		ce.push(v1 >> (v2 % 64))
	case wabin.OpcodeI64Rotl:
		v1, v2 := ce.popPair()
		ce.push(bits.RotateLeft64(v1, int(v2%64)))
	case wabin.OpcodeI64Rotr:
		v1, v2 := ce.popPair()
		ce.push(bits.RotateLeft64(v1, -int(v2%64)))

	// f32 arithmetic. Sign manipulation works on the bits so NaN payloads are kept.
	case wabin.OpcodeF32Abs:
		ce.push(ce.pop() &^ (1 << 31))
	case wabin.OpcodeF32Neg:
		ce.push(uint64(uint32(ce.pop()) ^ (1 << 31)))
	case wabin.OpcodeF32Ceil:
		ce.pushF32(float32(math.Ceil(float64(ce.popF32()))))
	case wabin.OpcodeF32Floor:
		ce.pushF32(float32(math.Floor(float64(ce.popF32()))))
	case wabin.OpcodeF32Trunc:
		ce.pushF32(float32(math.Trunc(float64(ce.popF32()))))
	case wabin.OpcodeF32Nearest:
		ce.pushF32(moremath.WasmCompatNearestF32(ce.popF32()))
	case wabin.OpcodeF32Sqrt:
		ce.pushF32(float32(math.Sqrt(float64(ce.popF32()))))
	case wabin.OpcodeF32Add:
		x1, x2 := ce.popF32Pair()
		ce.pushF32(x1 + x2)
	case wabin.OpcodeF32Sub:
		x1, x2 := ce.popF32Pair()
		ce.pushF32(x1 - x2)
	case wabin.OpcodeF32Mul:
		x1, x2 := ce.popF32Pair()
		ce.pushF32(x1 * x2)
	case wabin.OpcodeF32Div:
		x1, x2 := ce.popF32Pair()
		ce.pushF32(x1 / x2)
	case wabin.OpcodeF32Min:
		x1, x2 := ce.popF32Pair()
		ce.pushF32(float32(moremath.WasmCompatMin(float64(x1), float64(x2))))
	case wabin.OpcodeF32Max:
		x1, x2 := ce.popF32Pair()
		ce.pushF32(float32(moremath.WasmCompatMax(float64(x1), float64(x2))))
	case wabin.OpcodeF32Copysign:
		v1, v2 := ce.popPair()
		const sign = 1 << 31
		ce.push(uint64(uint32(v1)&^sign | uint32(v2)&sign))

	// f64 arithmetic
	case wabin.OpcodeF64Abs:
		ce.push(ce.pop() &^ (1 << 63))
	case wabin.OpcodeF64Neg:
		ce.push(ce.pop() ^ (1 << 63))
	case wabin.OpcodeF64Ceil:
		ce.pushF64(math.Ceil(ce.popF64()))
	case wabin.OpcodeF64Floor:
		ce.pushF64(math.Floor(ce.popF64()))
	case wabin.OpcodeF64Trunc:
		ce.pushF64(math.Trunc(ce.popF64()))
	case wabin.OpcodeF64Nearest:
		ce.pushF64(moremath.WasmCompatNearestF64(ce.popF64()))
	case wabin.OpcodeF64Sqrt:
		ce.pushF64(math.Sqrt(ce.popF64()))
	case wabin.OpcodeF64Add:
		x1, x2 := ce.popF64Pair()
		ce.pushF64(x1 + x2)
	case wabin.OpcodeF64Sub:
		x1, x2 := ce.popF64Pair()
		ce.pushF64(x1 - x2)
	case wabin.OpcodeF64Mul:
		x1, x2 := ce.popF64Pair()
		ce.pushF64(x1 * x2)
	case wabin.OpcodeF64Div:
		x1, x2 := ce.popF64Pair()
		ce.pushF64(x1 / x2)
	case wabin.OpcodeF64Min:
		x1, x2 := ce.popF64Pair()
		ce.pushF64(moremath.WasmCompatMin(x1, x2))
	case wabin.OpcodeF64Max:
		x1, x2 := ce.popF64Pair()
		ce.pushF64(moremath.WasmCompatMax(x1, x2))
	case wabin.OpcodeF64Copysign:
		v1, v2 := ce.popPair()
		const sign = 1 << 63
		ce.push(v1&^sign | v2&sign)

	// conversions
	case wabin.OpcodeI32WrapI64:
		ce.push(uint64(uint32(ce.pop())))
	case wabin.OpcodeI32TruncF32S:
		ce.push(truncate(float64(ce.popF32()), true, false, false))
	case wabin.OpcodeI32TruncF32U:
		ce.push(truncate(float64(ce.popF32()), false, false, false))
	case wabin.OpcodeI32TruncF64S:
		ce.push(truncate(ce.popF64(), true, false, false))
	case wabin.OpcodeI32TruncF64U:
		ce.push(truncate(ce.popF64(), false, false, false))
	case wabin.OpcodeI64ExtendI32S:
		ce.push(uint64(int64(int32(ce.pop()))))
	case wabin.OpcodeI64ExtendI32U:
		ce.push(uint64(uint32(ce.pop())))
	case wabin.OpcodeI64TruncF32S:
		ce.push(truncate(float64(ce.popF32()), true, true, false))
	case wabin.OpcodeI64TruncF32U:
		ce.push(truncate(float64(ce.popF32()), false, true, false))
	case wabin.OpcodeI64TruncF64S:
		ce.push(truncate(ce.popF64(), true, true, false))
	case wabin.OpcodeI64TruncF64U:
		ce.push(truncate(ce.popF64(), false, true, false))
	case wabin.OpcodeF32ConvertI32S:
		ce.pushF32(float32(int32(ce.pop())))
	case wabin.OpcodeF32ConvertI32U:
		ce.pushF32(float32(uint32(ce.pop())))
	case wabin.OpcodeF32ConvertI64S:
		ce.pushF32(float32(int64(ce.pop())))
	case wabin.OpcodeF32ConvertI64U:
		ce.pushF32(float32(ce.pop()))
	case wabin.OpcodeF32DemoteF64:
		ce.pushF32(float32(ce.popF64()))
	case wabin.OpcodeF64ConvertI32S:
		ce.pushF64(float64(int32(ce.pop())))
	case wabin.OpcodeF64ConvertI32U:
		ce.pushF64(float64(uint32(ce.pop())))
	case wabin.OpcodeF64ConvertI64S:
		ce.pushF64(float64(int64(ce.pop())))
	case wabin.OpcodeF64ConvertI64U:
		ce.pushF64(float64(ce.pop()))
	case wabin.OpcodeF64PromoteF32:
		ce.pushF64(float64(ce.popF32()))
	case wabin.OpcodeI32ReinterpretF32, wabin.OpcodeI64ReinterpretF64,
		wabin.OpcodeF32ReinterpretI32, wabin.OpcodeF64ReinterpretI64:
		// Values are stored as their bits, so reinterpreting is free at runtime.

	// sign extension
	case wabin.OpcodeI32Extend8S:
		ce.push(uint64(uint32(int32(int8(ce.pop())))))
	case wabin.OpcodeI32Extend16S:
		ce.push(uint64(uint32(int32(int16(ce.pop())))))
	case wabin.OpcodeI64Extend8S:
		ce.push(uint64(int64(int8(ce.pop()))))
	case wabin.OpcodeI64Extend16S:
		ce.push(uint64(int64(int16(ce.pop()))))
	case wabin.OpcodeI64Extend32S:
		ce.push(uint64(int64(int32(ce.pop()))))
	default:
		panic(fmt.Errorf("BUG: invalid numeric instruction %s", wabin.InstructionName(kind)))
	}
}

func (ce *callEngine) truncSat(sub byte) {
	switch wabin.OpcodeMisc(sub) {
	case wabin.OpcodeMiscI32TruncSatF32S:
		ce.push(truncate(float64(ce.popF32()), true, false, true))
	case wabin.OpcodeMiscI32TruncSatF32U:
		ce.push(truncate(float64(ce.popF32()), false, false, true))
	case wabin.OpcodeMiscI32TruncSatF64S:
		ce.push(truncate(ce.popF64(), true, false, true))
	case wabin.OpcodeMiscI32TruncSatF64U:
		ce.push(truncate(ce.popF64(), false, false, true))
	case wabin.OpcodeMiscI64TruncSatF32S:
		ce.push(truncate(float64(ce.popF32()), true, true, true))
	case wabin.OpcodeMiscI64TruncSatF32U:
		ce.push(truncate(float64(ce.popF32()), false, true, true))
	case wabin.OpcodeMiscI64TruncSatF64S:
		ce.push(truncate(ce.popF64(), true, true, true))
	case wabin.OpcodeMiscI64TruncSatF64U:
		ce.push(truncate(ce.popF64(), false, true, true))
	default:
		panic(fmt.Errorf("BUG: invalid misc instruction %s", wabin.MiscInstructionName(wabin.OpcodeMisc(sub))))
	}
}

// truncate converts f toward zero to an integer of the given signedness and width. When sat is false, NaN traps with
// InvalidConversionToInteger and a value out of range traps with IntegerOverflow. Otherwise NaN is zero and a value
// out of range clamps to the nearest bound.
func truncate(f float64, signed, is64, sat bool) uint64 {
	// lo is inclusive and hi exclusive. Both are exactly representable as float64.
	var lo, hi float64
	// floor and ceil are the saturated results, encoded as stack values.
	var floor, ceil uint64
	switch {
	case signed && !is64:
		lo, hi = math.MinInt32, 1<<31
		floor, ceil = 1<<31, math.MaxInt32
	case signed && is64:
		lo, hi = math.MinInt64, 1<<63
		floor, ceil = 1<<63, math.MaxInt64
	case !is64:
		lo, hi = 0, 1<<32
		floor, ceil = 0, math.MaxUint32
	default:
		lo, hi = 0, 1<<64
		floor, ceil = 0, math.MaxUint64
	}

	if math.IsNaN(f) {
		if sat {
			return 0
		}
		panic(&api.Trap{Code: api.TrapCodeInvalidConversionToInteger})
	}
	t := math.Trunc(f)
	if t < lo || t >= hi {
		if !sat {
			panic(&api.Trap{Code: api.TrapCodeIntegerOverflow})
		}
		if t < lo {
			return floor
		}
		return ceil
	}

	switch {
	case signed && !is64:
		return uint64(uint32(int32(t)))
	case signed:
		return uint64(int64(t))
	case !is64:
		return uint64(uint32(t))
	default:
		return uint64(t)
	}
}
