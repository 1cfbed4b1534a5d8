package text

import (
	wabin "github.com/tetratelabs/wabin/wasm"
)

// indexNamespace contains the count in an index namespace and any association of symbolic IDs to numeric indices.
//
// The Web Assembly Text Format allows use of symbolic identifiers, ex "$main", instead of numeric indices for most
// sections, notably types, functions and parameters. The key is stripped of the leading '$', as described in
// stripDollar.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#text-context
type indexNamespace struct {
	// count is the count of items in this namespace
	count uint32

	// idToIdx resolves symbolic identifiers, such as "v_v" to a numeric index in the appropriate section, such
	// as '2'. Duplicate identifiers are not allowed by specification.
	idToIdx map[string]wabin.Index
}

func newIndexNamespace() *indexNamespace {
	return &indexNamespace{idToIdx: map[string]wabin.Index{}}
}

// define assigns the next index, associating it with id unless nil.
func (ns *indexNamespace) define(id *sexpr) (wabin.Index, error) {
	idx := ns.count
	if id != nil {
		name := string(stripDollar(id.bytes))
		if _, ok := ns.idToIdx[name]; ok {
			return 0, errorAt(id, "duplicate ID %s", id.bytes)
		}
		ns.idToIdx[name] = idx
	}
	ns.count++
	return idx, nil
}

// resolve returns the index n refers to, which is either a symbolic ID or a numeric index in range.
func (ns *indexNamespace) resolve(n *sexpr) (wabin.Index, error) {
	switch n.tok {
	case tokenUN: // Ex. 2
		v, err := parseUint(n.bytes, 32)
		if err != nil {
			return 0, errorAt(n, "index outside range of uint32: %s", n.bytes)
		}
		if idx := wabin.Index(v); idx < ns.count {
			return idx, nil
		} else if ns.count == 0 {
			return 0, errorAt(n, "index %d is not in range due to empty namespace", idx)
		} else {
			return 0, errorAt(n, "index %d is out of range [0..%d]", idx, ns.count-1)
		}
	case tokenID: // Ex. $main
		if idx, ok := ns.idToIdx[string(stripDollar(n.bytes))]; ok {
			return idx, nil
		}
		return 0, errorAt(n, "unknown ID %s", n.bytes)
	}
	return 0, unexpectedToken(n)
}
