package wasm

// TableInstance represents a table of funcref elements in a module.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#table-instances%E2%91%A0
type TableInstance struct {
	// References are the functions at each element index, or nil when uninitialized.
	References []*FunctionInstance

	// Min is the minimum (function) elements in this table and cannot grow to accommodate ElementSegment.
	Min uint32

	// Max if present is the maximum (function) elements in this table, or nil if unbounded.
	Max *uint32
}

// Lookup returns the function at index, or nil with false when index is out of range.
func (t *TableInstance) Lookup(index uint32) (*FunctionInstance, bool) {
	if uint64(index) >= uint64(len(t.References)) {
		return nil, false
	}
	return t.References[index], true
}
