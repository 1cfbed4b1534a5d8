package wasm

import (
	"strconv"

	wabin "github.com/tetratelabs/wabin/wasm"
)

// buildDefinitions generates function and memory metadata that can be parsed from the module. This must be called
// after all validation.
func (m *Module) buildDefinitions() {
	var functionNames wabin.NameMap
	if m.Source.NameSection != nil {
		functionNames = m.Source.NameSection.FunctionNames
	}

	m.functionDefinitions = make([]*FunctionDefinition, 0, len(m.FunctionTypes))
	importFuncIdx := Index(0)
	for _, i := range m.Source.ImportSection {
		switch i.Type {
		case ExternTypeFunc:
			m.functionDefinitions = append(m.functionDefinitions, &FunctionDefinition{
				importDesc: &[2]string{i.Module, i.Name},
				index:      importFuncIdx,
				funcType:   m.FunctionTypes[importFuncIdx],
			})
			importFuncIdx++
		case ExternTypeMemory:
			m.memoryDefinition = &MemoryDefinition{importDesc: &[2]string{i.Module, i.Name}, memory: i.DescMem}
		}
	}
	for codeIndex := range m.Source.FunctionSection {
		idx := Index(codeIndex) + m.ImportFuncCount
		m.functionDefinitions = append(m.functionDefinitions, &FunctionDefinition{
			index:    idx,
			funcType: m.FunctionTypes[idx],
		})
	}
	if m.memoryDefinition == nil && m.Memory != nil {
		m.memoryDefinition = &MemoryDefinition{memory: m.Memory}
	}

	n, nLen := 0, len(functionNames)
	for _, d := range m.functionDefinitions {
		// The function name section begins with imports, but can be sparse.
		funcIdx := d.index
		for ; n < nLen; n++ {
			next := functionNames[n]
			if next.Index > funcIdx {
				break
			} else if next.Index == funcIdx {
				d.name = next.Name
				break
			}
		}
		d.moduleName = m.Name
	}

	for _, e := range m.Source.ExportSection {
		switch e.Type {
		case ExternTypeFunc:
			d := m.functionDefinitions[e.Index]
			d.exportNames = append(d.exportNames, e.Name)
		case ExternTypeMemory:
			m.memoryDefinition.exportNames = append(m.memoryDefinition.exportNames, e.Name)
		}
	}
	if d := m.memoryDefinition; d != nil {
		d.moduleName = m.Name
	}
}

// FunctionDefinition implements api.FunctionDefinition
type FunctionDefinition struct {
	moduleName  string
	index       Index
	name        string
	funcType    *FunctionType
	importDesc  *[2]string
	exportNames []string
}

// NewHostFunctionDefinition returns the definition of a host function not defined by any module.
func NewHostFunctionDefinition(moduleName, name string, ft *FunctionType) *FunctionDefinition {
	return &FunctionDefinition{moduleName: moduleName, name: name, funcType: ft}
}

// ModuleName implements the same method as documented on api.FunctionDefinition.
func (f *FunctionDefinition) ModuleName() string {
	return f.moduleName
}

// Index implements the same method as documented on api.FunctionDefinition.
func (f *FunctionDefinition) Index() uint32 {
	return f.index
}

// Name implements the same method as documented on api.FunctionDefinition.
func (f *FunctionDefinition) Name() string {
	if f.name != "" {
		return f.name
	}
	if len(f.exportNames) > 0 {
		return f.exportNames[0]
	}
	if f.importDesc != nil {
		return f.importDesc[1]
	}
	return "$" + strconv.Itoa(int(f.index))
}

// DebugName is the module-qualified name used in trap backtraces. Ex. "math.add" or ".$3"
func (f *FunctionDefinition) DebugName() string {
	return f.moduleName + "." + f.Name()
}

// Import implements the same method as documented on api.FunctionDefinition.
func (f *FunctionDefinition) Import() (moduleName, name string, isImport bool) {
	if importDesc := f.importDesc; importDesc != nil {
		return importDesc[0], importDesc[1], true
	}
	return "", "", false
}

// ExportNames implements the same method as documented on api.FunctionDefinition.
func (f *FunctionDefinition) ExportNames() []string {
	return f.exportNames
}

// ParamTypes implements api.FunctionDefinition ParamTypes.
func (f *FunctionDefinition) ParamTypes() []ValueType {
	return f.funcType.Params
}

// ResultTypes implements api.FunctionDefinition ResultTypes.
func (f *FunctionDefinition) ResultTypes() []ValueType {
	return f.funcType.Results
}

// FunctionType returns the signature of the function.
func (f *FunctionDefinition) FunctionType() *FunctionType {
	return f.funcType
}

// MemoryDefinition implements api.MemoryDefinition
type MemoryDefinition struct {
	moduleName  string
	memory      *wabin.Memory
	importDesc  *[2]string
	exportNames []string
}

// ModuleName implements the same method as documented on api.MemoryDefinition.
func (d *MemoryDefinition) ModuleName() string {
	return d.moduleName
}

// Index implements the same method as documented on api.MemoryDefinition.
func (d *MemoryDefinition) Index() uint32 {
	return 0
}

// Import implements the same method as documented on api.MemoryDefinition.
func (d *MemoryDefinition) Import() (moduleName, name string, isImport bool) {
	if importDesc := d.importDesc; importDesc != nil {
		return importDesc[0], importDesc[1], true
	}
	return "", "", false
}

// ExportNames implements the same method as documented on api.MemoryDefinition.
func (d *MemoryDefinition) ExportNames() []string {
	return d.exportNames
}

// Min implements the same method as documented on api.MemoryDefinition.
func (d *MemoryDefinition) Min() uint32 {
	return d.memory.Min
}

// Max implements the same method as documented on api.MemoryDefinition.
func (d *MemoryDefinition) Max() (uint32, bool) {
	return d.memory.Max, d.memory.IsMaxEncoded
}
