package wasm

import (
	"fmt"
	"strconv"

	wabin "github.com/tetratelabs/wabin/wasm"
)

// MemoryLimitPages is the maximum memory size in pages (65536 bytes each) allowed by WebAssembly.
const MemoryLimitPages = uint32(65536)

func isNumeric(vt ValueType) bool {
	switch vt {
	case ValueTypeI32, ValueTypeI64, ValueTypeF32, ValueTypeF64:
		return true
	}
	return false
}

func validateValueTypes(types []ValueType, context string) error {
	for i, vt := range types {
		if !isNumeric(vt) {
			return validationErrorf("%s[%d] has unsupported type %s", context, i, wabin.ValueTypeName(vt))
		}
	}
	return nil
}

func validateMemoryLimits(mem *wabin.Memory) error {
	if mem.Min > MemoryLimitPages {
		return validationErrorf("memory min %d pages exceeds %d", mem.Min, MemoryLimitPages)
	}
	if mem.IsMaxEncoded {
		if mem.Max > MemoryLimitPages {
			return validationErrorf("memory max %d pages exceeds %d", mem.Max, MemoryLimitPages)
		}
		if mem.Min > mem.Max {
			return validationErrorf("memory min %d pages > max %d pages", mem.Min, mem.Max)
		}
	}
	return nil
}

func (m *Module) validateImports() error {
	for i, t := range m.Types {
		if err := validateValueTypes(t.Params, "type["+strconv.Itoa(i)+"] param"); err != nil {
			return err
		}
		if err := validateValueTypes(t.Results, "type["+strconv.Itoa(i)+"] result"); err != nil {
			return err
		}
	}

	for i, imp := range m.Source.ImportSection {
		switch imp.Type {
		case ExternTypeFunc:
			ft, err := m.typeOf(imp.DescFunc)
			if err != nil {
				return validationErrorf("import[%d] %s.%s: %v", i, imp.Module, imp.Name, err)
			}
			m.FunctionTypes = append(m.FunctionTypes, ft)
			m.ImportFuncCount++
		case ExternTypeGlobal:
			if !isNumeric(imp.DescGlobal.ValType) {
				return validationErrorf("import[%d] %s.%s: unsupported global type %s",
					i, imp.Module, imp.Name, wabin.ValueTypeName(imp.DescGlobal.ValType))
			}
			m.Globals = append(m.Globals, imp.DescGlobal)
			m.ImportGlobalCount++
		case ExternTypeMemory:
			if m.Memory != nil {
				return validationErrorf("import[%d] %s.%s: multiple memories are not supported", i, imp.Module, imp.Name)
			}
			if err := validateMemoryLimits(imp.DescMem); err != nil {
				return err
			}
			m.Memory = imp.DescMem
			m.ImportsMemory = true
		case ExternTypeTable:
			return validationErrorf("import[%d] %s.%s: table imports are not supported", i, imp.Module, imp.Name)
		default:
			return validationErrorf("import[%d] %s.%s: unknown extern type %#x", i, imp.Module, imp.Name, imp.Type)
		}
	}
	return nil
}

func (m *Module) validateDefinitions() error {
	src := m.Source
	if len(src.FunctionSection) != len(src.CodeSection) {
		return validationErrorf("function and code section have inconsistent lengths: %d != %d",
			len(src.FunctionSection), len(src.CodeSection))
	}
	for i, typeIndex := range src.FunctionSection {
		ft, err := m.typeOf(typeIndex)
		if err != nil {
			return validationErrorf("function[%d]: %v", i, err)
		}
		m.FunctionTypes = append(m.FunctionTypes, ft)
		if err = validateValueTypes(src.CodeSection[i].LocalTypes, "function["+strconv.Itoa(i)+"] local"); err != nil {
			return err
		}
	}

	if src.MemorySection != nil {
		if m.Memory != nil {
			return validationErrorf("multiple memories are not supported")
		}
		if err := validateMemoryLimits(src.MemorySection); err != nil {
			return err
		}
		m.Memory = src.MemorySection
	}

	switch len(src.TableSection) {
	case 0:
	case 1:
		t := src.TableSection[0]
		if t.Type != wabin.RefTypeFuncref {
			return validationErrorf("table has unsupported element type %s", wabin.RefTypeName(t.Type))
		}
		if t.Max != nil && *t.Max < t.Min {
			return validationErrorf("table min %d > max %d", t.Min, *t.Max)
		}
		m.Table = t
	default:
		return validationErrorf("multiple tables are not supported")
	}

	for i, g := range src.GlobalSection {
		if !isNumeric(g.Type.ValType) {
			return validationErrorf("global[%d] has unsupported type %s", i, wabin.ValueTypeName(g.Type.ValType))
		}
		vt, err := m.constExprType(g.Init)
		if err != nil {
			return validationErrorf("global[%d] init: %v", i, err)
		}
		if vt != g.Type.ValType {
			return validationErrorf("global[%d] init: type mismatch: %s != %s",
				i, wabin.ValueTypeName(vt), wabin.ValueTypeName(g.Type.ValType))
		}
		m.Globals = append(m.Globals, g.Type)
	}
	return nil
}

func (m *Module) validateExports() error {
	for _, exp := range m.Source.ExportSection {
		if _, ok := m.Exports[exp.Name]; ok {
			return validationErrorf("export %q is defined more than once", exp.Name)
		}
		switch exp.Type {
		case ExternTypeFunc:
			if exp.Index >= uint32(len(m.FunctionTypes)) {
				return validationErrorf("export %q: function index %d out of range", exp.Name, exp.Index)
			}
		case ExternTypeGlobal:
			if exp.Index >= uint32(len(m.Globals)) {
				return validationErrorf("export %q: global index %d out of range", exp.Name, exp.Index)
			}
		case ExternTypeMemory:
			if exp.Index != 0 || m.Memory == nil {
				return validationErrorf("export %q: memory index %d out of range", exp.Name, exp.Index)
			}
		case ExternTypeTable:
			if exp.Index != 0 || m.Table == nil {
				return validationErrorf("export %q: table index %d out of range", exp.Name, exp.Index)
			}
		default:
			return validationErrorf("export %q: unknown extern type %#x", exp.Name, exp.Type)
		}
		m.Exports[exp.Name] = exp
	}
	return nil
}

func (m *Module) validateStart() error {
	start := m.Source.StartSection
	if start == nil {
		return nil
	}
	if *start >= uint32(len(m.FunctionTypes)) {
		return validationErrorf("start function index %d out of range", *start)
	}
	if ft := m.FunctionTypes[*start]; len(ft.Params) > 0 || len(ft.Results) > 0 {
		return validationErrorf("start function must have an empty (nullary) signature: %s", ft.Signature())
	}
	return nil
}

func (m *Module) validateSegments() error {
	for i, elem := range m.Source.ElementSection {
		if elem.Mode != wabin.ElementModeActive {
			return validationErrorf("element[%d]: only active element segments are supported", i)
		}
		if m.Table == nil || elem.TableIndex != 0 {
			return validationErrorf("element[%d]: table index %d out of range", i, elem.TableIndex)
		}
		if err := m.validateOffset(elem.OffsetExpr); err != nil {
			return validationErrorf("element[%d] offset: %v", i, err)
		}
		for j, idx := range elem.Init {
			if idx == nil {
				return validationErrorf("element[%d] init[%d]: null references are not supported", i, j)
			}
			if *idx >= uint32(len(m.FunctionTypes)) {
				return validationErrorf("element[%d] init[%d]: function index %d out of range", i, j, *idx)
			}
		}
	}

	for i, d := range m.Source.DataSection {
		if d.OffsetExpression == nil {
			return validationErrorf("data[%d]: only active data segments are supported", i)
		}
		if m.Memory == nil {
			return validationErrorf("data[%d]: unknown memory", i)
		}
		if err := m.validateOffset(d.OffsetExpression); err != nil {
			return validationErrorf("data[%d] offset: %v", i, err)
		}
	}
	return nil
}

func (m *Module) validateOffset(expr *wabin.ConstantExpression) error {
	vt, err := m.constExprType(expr)
	if err != nil {
		return err
	}
	if vt != ValueTypeI32 {
		return fmt.Errorf("offset must be i32, but was %s", wabin.ValueTypeName(vt))
	}
	return nil
}
