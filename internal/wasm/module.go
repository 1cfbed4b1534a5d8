// Package wasm is the runtime model of a WebAssembly module: the validated Module produced from the decoded binary,
// and the instances a Store creates from it.
package wasm

import (
	"crypto/sha256"
	"fmt"
	"strings"

	wabin "github.com/tetratelabs/wabin/wasm"

	"github.com/wasmfuel/wasmfuel/api"
)

type (
	ValueType  = api.ValueType
	ExternType = api.ExternType
	Index      = wabin.Index
)

const (
	ValueTypeI32 = api.ValueTypeI32
	ValueTypeI64 = api.ValueTypeI64
	ValueTypeF32 = api.ValueTypeF32
	ValueTypeF64 = api.ValueTypeF64

	ExternTypeFunc   = api.ExternTypeFunc
	ExternTypeTable  = api.ExternTypeTable
	ExternTypeMemory = api.ExternTypeMemory
	ExternTypeGlobal = api.ExternTypeGlobal
)

// ModuleID is the sha256 of the binary a Module was decoded from.
type ModuleID = [sha256.Size]byte

// FunctionType is a possibly empty function signature.
type FunctionType struct {
	// Params are the possibly empty sequence of value types accepted by a function with this signature.
	Params []ValueType

	// Results are the possibly empty sequence of value types returned by a function with this signature.
	Results []ValueType

	// key is String, computed once as it is compared on every indirect call and link.
	key string
}

// String returns a key unique to the signature. Ex. "i32i64_f32", or "null_null" for no params and no results.
func (f *FunctionType) String() string {
	if f.key != "" {
		return f.key
	}
	var b strings.Builder
	for _, p := range f.Params {
		b.WriteString(api.ValueTypeName(p))
	}
	if len(f.Params) == 0 {
		b.WriteString("null")
	}
	b.WriteByte('_')
	for _, r := range f.Results {
		b.WriteString(api.ValueTypeName(r))
	}
	if len(f.Results) == 0 {
		b.WriteString("null")
	}
	f.key = b.String()
	return f.key
}

// Signature formats the type for error messages. Ex. "(i32, i64) -> (f32)"
func (f *FunctionType) Signature() string {
	return "(" + valueTypesString(f.Params) + ") -> (" + valueTypesString(f.Results) + ")"
}

// EqualsSignature returns true if the function type has the same parameters and results.
func (f *FunctionType) EqualsSignature(params []ValueType, results []ValueType) bool {
	return string(f.Params) == string(params) && string(f.Results) == string(results)
}

// Equals returns true if other has the same parameters and results.
func (f *FunctionType) Equals(other *FunctionType) bool {
	return f.String() == other.String()
}

// ParamNumInUint64 is the stack slots needed to call a function of this type, or hold its results, whichever is
// more.
func (f *FunctionType) ParamNumInUint64() int {
	if len(f.Params) > len(f.Results) {
		return len(f.Params)
	}
	return len(f.Results)
}

func valueTypesString(types []ValueType) string {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = api.ValueTypeName(t)
	}
	return strings.Join(names, ", ")
}

// Module is the validated and immutable form of a decoded module. Function bodies are validated and lowered
// separately by the Engine, which stores the result in Code.
type Module struct {
	ID ModuleID

	// Source holds the decoded sections. Do not modify.
	Source *wabin.Module

	// Name is the module name from the name section, if any.
	Name string

	Types []*FunctionType

	// FunctionTypes is the type of each function in the function index namespace, imports first.
	FunctionTypes []*FunctionType

	// Globals is the type of each global in the global index namespace, imports first.
	Globals []*wabin.GlobalType

	// Memory is set when the module imports or defines a memory.
	Memory *wabin.Memory

	// Table is set when the module defines a table.
	Table *wabin.Table

	ImportFuncCount, ImportGlobalCount uint32
	ImportsMemory                      bool

	// Exports are the module exports by name.
	Exports map[string]*wabin.Export

	// Code holds the engine-specific form of each function defined in the module, in function section order.
	Code []CompiledCode

	functionDefinitions []*FunctionDefinition
	memoryDefinition    *MemoryDefinition
}

// CompiledCode is the engine-specific form of a function body.
type CompiledCode interface{}

// DefinedFunctionCount is the count of functions defined, not imported, by the module.
func (m *Module) DefinedFunctionCount() int {
	return len(m.Source.FunctionSection)
}

// LocalTypes returns the types of locals declared by the defined function at codeIndex, excluding params.
func (m *Module) LocalTypes(codeIndex int) []ValueType {
	return m.Source.CodeSection[codeIndex].LocalTypes
}

// Body returns the body of the defined function at codeIndex, ending with OpcodeEnd.
func (m *Module) Body(codeIndex int) []byte {
	return m.Source.CodeSection[codeIndex].Body
}

// FunctionDefinition returns the definition of the function at index in the function index namespace.
func (m *Module) FunctionDefinition(index Index) *FunctionDefinition {
	return m.functionDefinitions[index]
}

// FunctionDefinitions returns the definitions of all functions, imports first.
func (m *Module) FunctionDefinitions() []*FunctionDefinition {
	return m.functionDefinitions
}

// MemoryDefinition returns the definition of the memory, or nil if there is none.
func (m *Module) MemoryDefinition() *MemoryDefinition {
	return m.memoryDefinition
}

// ImportedFunctions returns the definitions of each imported function.
func (m *Module) ImportedFunctions() (ret []api.FunctionDefinition) {
	for _, d := range m.functionDefinitions[:m.ImportFuncCount] {
		ret = append(ret, d)
	}
	return
}

// ExportedFunctions returns the definitions of each exported function.
func (m *Module) ExportedFunctions() map[string]api.FunctionDefinition {
	ret := map[string]api.FunctionDefinition{}
	for _, d := range m.functionDefinitions {
		for _, name := range d.exportNames {
			ret[name] = d
		}
	}
	return ret
}

// ExportedMemories returns the definition of the memory under each name it is exported as.
func (m *Module) ExportedMemories() map[string]api.MemoryDefinition {
	ret := map[string]api.MemoryDefinition{}
	if d := m.memoryDefinition; d != nil {
		for _, name := range d.exportNames {
			ret[name] = d
		}
	}
	return ret
}

// NewModule validates the structure of a decoded module and builds its index namespaces. Function bodies are not
// validated here: see Engine.CompileModule.
func NewModule(id ModuleID, source *wabin.Module) (*Module, error) {
	m := &Module{ID: id, Source: source, Exports: map[string]*wabin.Export{}}
	if source.NameSection != nil {
		m.Name = source.NameSection.ModuleName
	}

	m.Types = make([]*FunctionType, len(source.TypeSection))
	for i, t := range source.TypeSection {
		m.Types[i] = &FunctionType{Params: t.Params, Results: t.Results}
	}

	if err := m.validateImports(); err != nil {
		return nil, err
	}
	if err := m.validateDefinitions(); err != nil {
		return nil, err
	}
	if err := m.validateExports(); err != nil {
		return nil, err
	}
	if err := m.validateStart(); err != nil {
		return nil, err
	}
	if err := m.validateSegments(); err != nil {
		return nil, err
	}
	m.buildDefinitions()
	return m, nil
}

func validationErrorf(format string, args ...interface{}) error {
	return api.Errorf(api.KindValidation, format, args...)
}

func (m *Module) typeOf(typeIndex Index) (*FunctionType, error) {
	if typeIndex >= uint32(len(m.Types)) {
		return nil, fmt.Errorf("type index %d out of range", typeIndex)
	}
	return m.Types[typeIndex], nil
}
