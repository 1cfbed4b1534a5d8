// Package text decodes the WebAssembly Text Format into the binary module model of github.com/tetratelabs/wabin.
//
// The supported subset covers what the engine executes: numeric types, one memory, one funcref table, active
// segments, folded and flat instructions, and the usual abbreviations (inline exports and imports, inline type uses,
// inline table elements and memory data).
package text

import (
	"encoding/binary"
	"errors"
	"strconv"
	"unicode/utf8"

	"github.com/tetratelabs/wabin/leb128"
	wabin "github.com/tetratelabs/wabin/wasm"
)

// DecodeModule parses source, which is either a single "(module ...)" or a sequence of module fields.
//
// Errors are *FormatError with the line and column of the offending token.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#text-module
func DecodeModule(source []byte) (*wabin.Module, error) {
	top, err := parseTree(source)
	if err != nil {
		return nil, err
	}
	if len(top) == 0 {
		return nil, &FormatError{Line: 1, Col: 1, cause: errors.New("expected '(module', but reached end of input")}
	}

	p := newModuleParser()
	fields := top
	if top[0].keyword() == "module" {
		if len(top) > 1 {
			return nil, withContext(unexpectedToken(top[1]), "module")
		}
		var id *sexpr
		id, fields = optionalID(top[0].list[1:])
		if id != nil {
			p.moduleName = string(stripDollar(id.bytes))
		}
	}
	if err = p.parse(fields); err != nil {
		return nil, err
	}
	return p.module, nil
}

// moduleParser builds a wabin.Module from module fields in two passes: the first assigns indices to every
// definition, so that the second can resolve symbolic references regardless of field order.
type moduleParser struct {
	module     *wabin.Module
	moduleName string

	typeNamespace   *indexNamespace
	funcNamespace   *indexNamespace
	tableNamespace  *indexNamespace
	memoryNamespace *indexNamespace
	globalNamespace *indexNamespace

	// defined is the kind of the first module-defined function, table, memory or global. No import may follow it.
	defined string

	funcNames wabin.NameMap

	// fieldCounts are the count of fields seen per keyword, used to build error contexts.
	fieldCounts map[string]int
}

func newModuleParser() *moduleParser {
	return &moduleParser{
		module:          &wabin.Module{},
		typeNamespace:   newIndexNamespace(),
		funcNamespace:   newIndexNamespace(),
		tableNamespace:  newIndexNamespace(),
		memoryNamespace: newIndexNamespace(),
		globalNamespace: newIndexNamespace(),
		fieldCounts:     map[string]int{},
	}
}

func (p *moduleParser) context(f *sexpr) string {
	kw := f.keyword()
	i := p.fieldCounts[kw]
	p.fieldCounts[kw] = i + 1
	return "module." + kw + "[" + strconv.Itoa(i) + "]"
}

func (p *moduleParser) parse(fields []*sexpr) error {
	for _, f := range fields {
		if f.tok != tokenLParen {
			return withContext(unexpectedToken(f), "module")
		}
	}

	// Explicit types come first in the type index namespace: inline type uses are appended after them.
	for _, f := range fields {
		if f.keyword() == "type" {
			if err := p.parseType(f); err != nil {
				return withContext(err, p.context(f))
			}
		}
	}

	var defines []func() error
	for _, f := range fields {
		f := f
		kw := f.keyword()
		if kw == "type" {
			continue
		}
		context := p.context(f)

		var define func() error
		var err error
		switch kw {
		case "import":
			err = p.declareImport(f)
		case "func":
			define, err = p.declareFunc(f)
		case "table":
			define, err = p.declareTable(f)
		case "memory":
			define, err = p.declareMemory(f)
		case "global":
			define, err = p.declareGlobal(f)
		case "export":
			define = func() error { return p.parseExport(f) }
		case "start":
			define = func() error { return p.parseStart(f) }
		case "elem":
			define = func() error { return p.parseElem(f) }
		case "data":
			define = func() error { return p.parseData(f) }
		default:
			return withContext(unexpectedFieldName(f), "module")
		}
		if err != nil {
			return withContext(err, context)
		}
		if define != nil {
			defines = append(defines, func() error { return withContext(define(), context) })
		}
	}

	for _, define := range defines {
		if err := define(); err != nil {
			return err
		}
	}

	if p.moduleName != "" || len(p.funcNames) > 0 {
		p.module.NameSection = &wabin.NameSection{ModuleName: p.moduleName, FunctionNames: p.funcNames}
	}
	return nil
}

// optionalID returns the ID at the front of nodes, if any, and the nodes after it.
func optionalID(nodes []*sexpr) (*sexpr, []*sexpr) {
	if len(nodes) > 0 && nodes[0].tok == tokenID {
		return nodes[0], nodes[1:]
	}
	return nil, nodes
}

// nameAt returns the UTF-8 string at index i of the list n.
func nameAt(n *sexpr, i int, what string) (string, error) {
	if i >= len(n.list) {
		return "", errorAt(n, "missing %s", what)
	}
	s := n.list[i]
	if s.tok != tokenString {
		return "", unexpectedToken(s)
	}
	b, err := decodeString(s.bytes)
	if err != nil {
		return "", errorAt(s, "%v", err)
	}
	if !utf8.Valid(b) {
		return "", errorAt(s, "%s is not valid UTF-8", what)
	}
	return string(b), nil
}

func parseValueType(n *sexpr) (wabin.ValueType, error) {
	if n.tok == tokenKeyword {
		switch string(n.bytes) {
		case "i32":
			return wabin.ValueTypeI32, nil
		case "i64":
			return wabin.ValueTypeI64, nil
		case "f32":
			return wabin.ValueTypeF32, nil
		case "f64":
			return wabin.ValueTypeF64, nil
		}
		return 0, errorAt(n, "unknown value type: %s", n.bytes)
	}
	return 0, unexpectedToken(n)
}

// parseParamsResults parses any (param) fields followed by any (result) fields at the front of nodes. paramIDs has
// one entry per param, which is nil unless the param was named.
func parseParamsResults(nodes []*sexpr) (ft *wabin.FunctionType, paramIDs []*sexpr, rest []*sexpr, err error) {
	ft = &wabin.FunctionType{}
	for len(nodes) > 0 && nodes[0].keyword() == "param" {
		n := nodes[0]
		id, types := optionalID(n.list[1:])
		if id != nil && len(types) != 1 {
			return nil, nil, nil, errorAt(n, "param with ID %s must have exactly one type", id.bytes)
		}
		for _, t := range types {
			vt, err := parseValueType(t)
			if err != nil {
				return nil, nil, nil, err
			}
			ft.Params = append(ft.Params, vt)
			paramIDs = append(paramIDs, id)
		}
		nodes = nodes[1:]
	}
	for len(nodes) > 0 && nodes[0].keyword() == "result" {
		for _, t := range nodes[0].list[1:] {
			vt, err := parseValueType(t)
			if err != nil {
				return nil, nil, nil, err
			}
			ft.Results = append(ft.Results, vt)
		}
		nodes = nodes[1:]
	}
	return ft, paramIDs, nodes, nil
}

// parseType parses a type field. Ex. (type $v_v (func))
func (p *moduleParser) parseType(f *sexpr) error {
	id, nodes := optionalID(f.list[1:])
	if len(nodes) != 1 || nodes[0].keyword() != "func" {
		return errorAt(f, "expected (func)")
	}
	ft, _, rest, err := parseParamsResults(nodes[0].list[1:])
	if err != nil {
		return err
	}
	if len(rest) > 0 {
		return unexpectedToken(rest[0])
	}
	if _, err = p.typeNamespace.define(id); err != nil {
		return err
	}
	p.module.TypeSection = append(p.module.TypeSection, ft)
	return nil
}

// findOrAddType returns the index of the first type with the same signature, adding one if there is none.
func (p *moduleParser) findOrAddType(ft *wabin.FunctionType) wabin.Index {
	for i, t := range p.module.TypeSection {
		if t.EqualsSignature(ft.Params, ft.Results) {
			return wabin.Index(i)
		}
	}
	p.module.TypeSection = append(p.module.TypeSection, ft)
	p.typeNamespace.count++
	return p.typeNamespace.count - 1
}

// parseTypeUse parses an optional (type) field followed by optional params and results.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#type-uses%E2%91%A0
func (p *moduleParser) parseTypeUse(nodes []*sexpr) (typeIdx wabin.Index, paramIDs []*sexpr, rest []*sexpr, err error) {
	var typeRef *sexpr
	if len(nodes) > 0 && nodes[0].keyword() == "type" {
		typeRef = nodes[0]
		if len(typeRef.list) != 2 {
			return 0, nil, nil, errorAt(typeRef, "expected a type index")
		}
		if typeIdx, err = p.typeNamespace.resolve(typeRef.list[1]); err != nil {
			return
		}
		nodes = nodes[1:]
	}

	ft, paramIDs, rest, err := parseParamsResults(nodes)
	if err != nil {
		return
	}
	if typeRef == nil {
		return p.findOrAddType(ft), paramIDs, rest, nil
	}

	declared := p.module.TypeSection[typeIdx]
	if (len(ft.Params) > 0 || len(ft.Results) > 0) && !declared.EqualsSignature(ft.Params, ft.Results) {
		return 0, nil, nil, errorAt(typeRef, "inlined type doesn't match type use")
	}
	if len(paramIDs) == 0 {
		paramIDs = make([]*sexpr, len(declared.Params))
	}
	return typeIdx, paramIDs, rest, nil
}

// parseLimits parses a minimum and optional maximum at the front of nodes.
func parseLimits(parent *sexpr, nodes []*sexpr) (min uint32, max *uint32, rest []*sexpr, err error) {
	if len(nodes) == 0 || nodes[0].tok != tokenUN {
		return 0, nil, nil, errorAt(parent, "expected min")
	}
	v, err := parseUint(nodes[0].bytes, 32)
	if err != nil {
		return 0, nil, nil, errorAt(nodes[0], "min outside range of uint32: %s", nodes[0].bytes)
	}
	min, nodes = uint32(v), nodes[1:]
	if len(nodes) > 0 && nodes[0].tok == tokenUN {
		if v, err = parseUint(nodes[0].bytes, 32); err != nil {
			return 0, nil, nil, errorAt(nodes[0], "max outside range of uint32: %s", nodes[0].bytes)
		}
		m := uint32(v)
		max, nodes = &m, nodes[1:]
	}
	return min, max, nodes, nil
}

func parseGlobalType(parent *sexpr, nodes []*sexpr) (*wabin.GlobalType, []*sexpr, error) {
	if len(nodes) == 0 {
		return nil, nil, errorAt(parent, "missing global type")
	}
	n := nodes[0]
	if n.keyword() == "mut" {
		if len(n.list) != 2 {
			return nil, nil, errorAt(n, "expected a value type")
		}
		vt, err := parseValueType(n.list[1])
		return &wabin.GlobalType{ValType: vt, Mutable: true}, nodes[1:], err
	}
	vt, err := parseValueType(n)
	return &wabin.GlobalType{ValType: vt}, nodes[1:], err
}

func (p *moduleParser) markDefined(kind string) {
	if p.defined == "" {
		p.defined = kind
	}
}

func (p *moduleParser) checkImport(f *sexpr) error {
	if p.defined != "" {
		return importAfterModuleDefined(f, p.defined)
	}
	return nil
}

func (p *moduleParser) addFuncName(idx wabin.Index, id *sexpr) {
	if id != nil {
		p.funcNames = append(p.funcNames, &wabin.NameAssoc{Index: idx, Name: string(stripDollar(id.bytes))})
	}
}

// declareImport parses an import field. Ex. (import "host" "host_func" (func $host_func (param i32)))
func (p *moduleParser) declareImport(f *sexpr) error {
	moduleName, err := nameAt(f, 1, "module name")
	if err != nil {
		return err
	}
	name, err := nameAt(f, 2, "name")
	if err != nil {
		return err
	}
	if len(f.list) != 4 {
		return errorAt(f, "expected one import description")
	}
	if err = p.checkImport(f); err != nil {
		return err
	}

	desc := f.list[3]
	if desc.tok != tokenLParen {
		return unexpectedToken(desc)
	}
	id, nodes := optionalID(desc.list[1:])
	imp := &wabin.Import{Module: moduleName, Name: name}
	switch desc.keyword() {
	case "func":
		typeIdx, _, rest, err := p.parseTypeUse(nodes)
		if err != nil {
			return err
		}
		if len(rest) > 0 {
			return unexpectedToken(rest[0])
		}
		idx, err := p.funcNamespace.define(id)
		if err != nil {
			return err
		}
		p.addFuncName(idx, id)
		imp.Type, imp.DescFunc = wabin.ExternTypeFunc, typeIdx
	case "table":
		table, rest, err := parseTable(desc, nodes)
		if err != nil {
			return err
		}
		if len(rest) > 0 {
			return unexpectedToken(rest[0])
		}
		if _, err = p.tableNamespace.define(id); err != nil {
			return err
		}
		imp.Type, imp.DescTable = wabin.ExternTypeTable, table
	case "memory":
		mem, err := parseMemory(desc, nodes)
		if err != nil {
			return err
		}
		if _, err = p.memoryNamespace.define(id); err != nil {
			return err
		}
		imp.Type, imp.DescMem = wabin.ExternTypeMemory, mem
	case "global":
		gt, rest, err := parseGlobalType(desc, nodes)
		if err != nil {
			return err
		}
		if len(rest) > 0 {
			return unexpectedToken(rest[0])
		}
		if _, err = p.globalNamespace.define(id); err != nil {
			return err
		}
		imp.Type, imp.DescGlobal = wabin.ExternTypeGlobal, gt
	default:
		return unexpectedToken(desc)
	}
	p.module.ImportSection = append(p.module.ImportSection, imp)
	return nil
}

// fieldHeader is the optional ID, inline exports and inline import that may start a func, table, memory or global
// field.
type fieldHeader struct {
	id                       *sexpr
	exports                  []string
	imported                 bool
	importModule, importName string
	rest                     []*sexpr
}

func parseFieldHeader(f *sexpr) (*fieldHeader, error) {
	h := &fieldHeader{}
	var nodes []*sexpr
	h.id, nodes = optionalID(f.list[1:])
	for len(nodes) > 0 && nodes[0].keyword() == "export" {
		n := nodes[0]
		name, err := nameAt(n, 1, "export name")
		if err != nil {
			return nil, err
		}
		if len(n.list) > 2 {
			return nil, unexpectedToken(n.list[2])
		}
		h.exports = append(h.exports, name)
		nodes = nodes[1:]
	}
	if len(nodes) > 0 && nodes[0].keyword() == "import" {
		n := nodes[0]
		var err error
		if h.importModule, err = nameAt(n, 1, "module name"); err != nil {
			return nil, err
		}
		if h.importName, err = nameAt(n, 2, "name"); err != nil {
			return nil, err
		}
		if len(n.list) > 3 {
			return nil, unexpectedToken(n.list[3])
		}
		h.imported = true
		nodes = nodes[1:]
	}
	h.rest = nodes
	return h, nil
}

func (p *moduleParser) addExports(names []string, et wabin.ExternType, idx wabin.Index) {
	for _, name := range names {
		p.module.ExportSection = append(p.module.ExportSection, &wabin.Export{Type: et, Name: name, Index: idx})
	}
}

// declareFunc parses a function field, deferring its body. Ex. (func (export "hello") i32.const 3 call 0)
func (p *moduleParser) declareFunc(f *sexpr) (func() error, error) {
	h, err := parseFieldHeader(f)
	if err != nil {
		return nil, err
	}
	typeIdx, paramIDs, rest, err := p.parseTypeUse(h.rest)
	if err != nil {
		return nil, err
	}

	if h.imported {
		if err = p.checkImport(f); err != nil {
			return nil, err
		}
		if len(rest) > 0 {
			return nil, unexpectedToken(rest[0])
		}
	} else {
		p.markDefined("function")
	}
	idx, err := p.funcNamespace.define(h.id)
	if err != nil {
		return nil, err
	}
	p.addFuncName(idx, h.id)

	if h.imported {
		p.module.ImportSection = append(p.module.ImportSection, &wabin.Import{
			Type: wabin.ExternTypeFunc, Module: h.importModule, Name: h.importName, DescFunc: typeIdx,
		})
		return func() error {
			p.addExports(h.exports, wabin.ExternTypeFunc, idx)
			return nil
		}, nil
	}

	code := &wabin.Code{}
	p.module.FunctionSection = append(p.module.FunctionSection, typeIdx)
	p.module.CodeSection = append(p.module.CodeSection, code)
	return func() error {
		p.addExports(h.exports, wabin.ExternTypeFunc, idx)
		return p.parseFuncBody(f, code, paramIDs, rest)
	}, nil
}

func parseTable(parent *sexpr, nodes []*sexpr) (*wabin.Table, []*sexpr, error) {
	min, max, rest, err := parseLimits(parent, nodes)
	if err != nil {
		return nil, nil, err
	}
	if len(rest) == 0 || !rest[0].isKeyword("funcref") {
		return nil, nil, errorAt(parent, "expected funcref")
	}
	return &wabin.Table{Min: min, Max: max, Type: wabin.RefTypeFuncref}, rest[1:], nil
}

// declareTable parses a table field. Ex. (table 2 funcref) or (table funcref (elem $f $g))
func (p *moduleParser) declareTable(f *sexpr) (func() error, error) {
	h, err := parseFieldHeader(f)
	if err != nil {
		return nil, err
	}

	var table *wabin.Table
	var elems []*sexpr
	if rest := h.rest; !h.imported && len(rest) == 2 && rest[0].isKeyword("funcref") && rest[1].keyword() == "elem" {
		elems = rest[1].list[1:]
		n := uint32(len(elems))
		table = &wabin.Table{Min: n, Max: &n, Type: wabin.RefTypeFuncref}
	} else {
		if table, rest, err = parseTable(f, rest); err != nil {
			return nil, err
		}
		if len(rest) > 0 {
			return nil, unexpectedToken(rest[0])
		}
	}

	if h.imported {
		if err = p.checkImport(f); err != nil {
			return nil, err
		}
	} else {
		p.markDefined("table")
	}
	idx, err := p.tableNamespace.define(h.id)
	if err != nil {
		return nil, err
	}

	if h.imported {
		p.module.ImportSection = append(p.module.ImportSection, &wabin.Import{
			Type: wabin.ExternTypeTable, Module: h.importModule, Name: h.importName, DescTable: table,
		})
	} else {
		p.module.TableSection = append(p.module.TableSection, table)
	}
	return func() error {
		p.addExports(h.exports, wabin.ExternTypeTable, idx)
		if elems == nil {
			return nil
		}
		init, err := p.parseFuncIndices(elems)
		if err != nil {
			return err
		}
		p.module.ElementSection = append(p.module.ElementSection, &wabin.ElementSegment{
			OffsetExpr: zeroOffset(),
			TableIndex: idx,
			Init:       init,
			Type:       wabin.RefTypeFuncref,
			Mode:       wabin.ElementModeActive,
		})
		return nil
	}, nil
}

func zeroOffset() *wabin.ConstantExpression {
	return &wabin.ConstantExpression{Opcode: wabin.OpcodeI32Const, Data: leb128.EncodeInt32(0)}
}

func parseMemory(parent *sexpr, nodes []*sexpr) (*wabin.Memory, error) {
	min, max, rest, err := parseLimits(parent, nodes)
	if err != nil {
		return nil, err
	}
	if len(rest) > 0 {
		return nil, unexpectedToken(rest[0])
	}
	mem := &wabin.Memory{Min: min}
	if max != nil {
		mem.Max, mem.IsMaxEncoded = *max, true
	}
	return mem, nil
}

// declareMemory parses a memory field. Ex. (memory (export "memory") 1 2) or (memory (data "hello"))
func (p *moduleParser) declareMemory(f *sexpr) (func() error, error) {
	h, err := parseFieldHeader(f)
	if err != nil {
		return nil, err
	}

	var mem *wabin.Memory
	var data []byte
	if !h.imported && len(h.rest) == 1 && h.rest[0].keyword() == "data" {
		if data, err = parseDataStrings(h.rest[0].list[1:]); err != nil {
			return nil, err
		}
		pages := uint32((uint64(len(data)) + 65535) / 65536)
		mem = &wabin.Memory{Min: pages, Max: pages, IsMaxEncoded: true}
	} else if mem, err = parseMemory(f, h.rest); err != nil {
		return nil, err
	}

	if h.imported {
		if err = p.checkImport(f); err != nil {
			return nil, err
		}
	} else {
		p.markDefined("memory")
	}
	if p.memoryNamespace.count > 0 {
		return nil, errorAt(f, "at most one memory allowed")
	}
	idx, err := p.memoryNamespace.define(h.id)
	if err != nil {
		return nil, err
	}

	if h.imported {
		p.module.ImportSection = append(p.module.ImportSection, &wabin.Import{
			Type: wabin.ExternTypeMemory, Module: h.importModule, Name: h.importName, DescMem: mem,
		})
	} else {
		p.module.MemorySection = mem
	}
	return func() error {
		p.addExports(h.exports, wabin.ExternTypeMemory, idx)
		if data != nil {
			p.module.DataSection = append(p.module.DataSection, &wabin.DataSegment{OffsetExpression: zeroOffset(), Init: data})
		}
		return nil
	}, nil
}

// declareGlobal parses a global field, deferring its initializer. Ex. (global $g (mut i32) (i32.const 1))
func (p *moduleParser) declareGlobal(f *sexpr) (func() error, error) {
	h, err := parseFieldHeader(f)
	if err != nil {
		return nil, err
	}
	gt, rest, err := parseGlobalType(f, h.rest)
	if err != nil {
		return nil, err
	}

	if h.imported {
		if err = p.checkImport(f); err != nil {
			return nil, err
		}
		if len(rest) > 0 {
			return nil, unexpectedToken(rest[0])
		}
	} else {
		p.markDefined("global")
	}
	idx, err := p.globalNamespace.define(h.id)
	if err != nil {
		return nil, err
	}

	if h.imported {
		p.module.ImportSection = append(p.module.ImportSection, &wabin.Import{
			Type: wabin.ExternTypeGlobal, Module: h.importModule, Name: h.importName, DescGlobal: gt,
		})
		return func() error {
			p.addExports(h.exports, wabin.ExternTypeGlobal, idx)
			return nil
		}, nil
	}

	g := &wabin.Global{Type: gt}
	p.module.GlobalSection = append(p.module.GlobalSection, g)
	return func() error {
		p.addExports(h.exports, wabin.ExternTypeGlobal, idx)
		init, err := p.parseConstExpr(f, rest)
		g.Init = init
		return err
	}, nil
}

// parseExport parses an export field. Ex. (export "hello" (func $hello))
func (p *moduleParser) parseExport(f *sexpr) error {
	name, err := nameAt(f, 1, "export name")
	if err != nil {
		return err
	}
	if len(f.list) != 3 {
		return errorAt(f, "expected one export description")
	}
	desc := f.list[2]
	if len(desc.list) != 2 {
		return errorAt(desc, "expected an index")
	}

	var et wabin.ExternType
	var ns *indexNamespace
	switch desc.keyword() {
	case "func":
		et, ns = wabin.ExternTypeFunc, p.funcNamespace
	case "table":
		et, ns = wabin.ExternTypeTable, p.tableNamespace
	case "memory":
		et, ns = wabin.ExternTypeMemory, p.memoryNamespace
	case "global":
		et, ns = wabin.ExternTypeGlobal, p.globalNamespace
	default:
		return unexpectedToken(desc)
	}
	idx, err := ns.resolve(desc.list[1])
	if err != nil {
		return err
	}
	p.addExports([]string{name}, et, idx)
	return nil
}

// parseStart parses the start field. Ex. (start $main)
func (p *moduleParser) parseStart(f *sexpr) error {
	if p.module.StartSection != nil {
		return errorAt(f, "at most one start allowed")
	}
	if len(f.list) != 2 {
		return errorAt(f, "expected a function index")
	}
	idx, err := p.funcNamespace.resolve(f.list[1])
	if err != nil {
		return err
	}
	p.module.StartSection = &idx
	return nil
}

// optionalTarget parses the table or memory of a segment, which is either a (table x) or (memory x) field or a bare
// index.
func optionalTarget(ns *indexNamespace, kw string, nodes []*sexpr) (wabin.Index, []*sexpr, error) {
	if len(nodes) == 0 {
		return 0, nodes, nil
	}
	n := nodes[0]
	switch {
	case n.keyword() == kw:
		if len(n.list) != 2 {
			return 0, nil, errorAt(n, "expected an index")
		}
		idx, err := ns.resolve(n.list[1])
		return idx, nodes[1:], err
	case n.tok == tokenUN || n.tok == tokenID:
		idx, err := ns.resolve(n)
		return idx, nodes[1:], err
	}
	return 0, nodes, nil
}

// parseOffset parses the offset of an active segment, which is either an (offset ...) field or a folded
// instruction.
func (p *moduleParser) parseOffset(parent *sexpr, nodes []*sexpr, what string) (*wabin.ConstantExpression, []*sexpr, error) {
	if len(nodes) == 0 || nodes[0].tok != tokenLParen {
		return nil, nil, errorAt(parent, "only active %s segments are supported", what)
	}
	n := nodes[0]
	var expr *wabin.ConstantExpression
	var err error
	if n.keyword() == "offset" {
		expr, err = p.parseConstExpr(n, n.list[1:])
	} else {
		expr, err = p.parseConstExpr(n, nodes[:1])
	}
	return expr, nodes[1:], err
}

func (p *moduleParser) parseFuncIndices(nodes []*sexpr) ([]*wabin.Index, error) {
	init := make([]*wabin.Index, 0, len(nodes))
	for _, n := range nodes {
		idx, err := p.funcNamespace.resolve(n)
		if err != nil {
			return nil, err
		}
		init = append(init, &idx)
	}
	return init, nil
}

// parseElem parses an active element segment. Ex. (elem (i32.const 0) $f $g)
func (p *moduleParser) parseElem(f *sexpr) error {
	_, nodes := optionalID(f.list[1:])
	tableIdx, nodes, err := optionalTarget(p.tableNamespace, "table", nodes)
	if err != nil {
		return err
	}
	offset, nodes, err := p.parseOffset(f, nodes, "element")
	if err != nil {
		return err
	}
	if len(nodes) > 0 && nodes[0].isKeyword("func") {
		nodes = nodes[1:]
	}
	init, err := p.parseFuncIndices(nodes)
	if err != nil {
		return err
	}
	p.module.ElementSection = append(p.module.ElementSection, &wabin.ElementSegment{
		OffsetExpr: offset,
		TableIndex: tableIdx,
		Init:       init,
		Type:       wabin.RefTypeFuncref,
		Mode:       wabin.ElementModeActive,
	})
	return nil
}

func parseDataStrings(nodes []*sexpr) ([]byte, error) {
	data := []byte{}
	for _, n := range nodes {
		if n.tok != tokenString {
			return nil, unexpectedToken(n)
		}
		b, err := decodeString(n.bytes)
		if err != nil {
			return nil, errorAt(n, "%v", err)
		}
		data = append(data, b...)
	}
	return data, nil
}

// parseData parses an active data segment. Ex. (data (i32.const 8) "hello")
func (p *moduleParser) parseData(f *sexpr) error {
	_, nodes := optionalID(f.list[1:])
	_, nodes, err := optionalTarget(p.memoryNamespace, "memory", nodes)
	if err != nil {
		return err
	}
	offset, nodes, err := p.parseOffset(f, nodes, "data")
	if err != nil {
		return err
	}
	data, err := parseDataStrings(nodes)
	if err != nil {
		return err
	}
	p.module.DataSection = append(p.module.DataSection, &wabin.DataSegment{OffsetExpression: offset, Init: data})
	return nil
}

// parseConstExpr parses a constant expression, which is either flat or a single folded instruction.
// Ex. "i32.const 1" or "(global.get $base)"
func (p *moduleParser) parseConstExpr(parent *sexpr, nodes []*sexpr) (*wabin.ConstantExpression, error) {
	if len(nodes) == 1 && nodes[0].tok == tokenLParen {
		parent, nodes = nodes[0], nodes[0].list
	}
	if len(nodes) != 2 || nodes[0].tok != tokenKeyword {
		return nil, errorAt(parent, "expected a constant expression")
	}

	op, arg := nodes[0], nodes[1]
	expr := &wabin.ConstantExpression{}
	switch string(op.bytes) {
	case "i32.const":
		v, err := parseInt(arg.tok, arg.bytes, 32)
		if err != nil {
			return nil, errorAt(arg, "%v: %s", err, arg.bytes)
		}
		expr.Opcode, expr.Data = wabin.OpcodeI32Const, leb128.EncodeInt32(int32(uint32(v)))
	case "i64.const":
		v, err := parseInt(arg.tok, arg.bytes, 64)
		if err != nil {
			return nil, errorAt(arg, "%v: %s", err, arg.bytes)
		}
		expr.Opcode, expr.Data = wabin.OpcodeI64Const, leb128.EncodeInt64(int64(v))
	case "f32.const":
		v, err := parseFloat(arg.tok, arg.bytes, 32)
		if err != nil {
			return nil, errorAt(arg, "%v: %s", err, arg.bytes)
		}
		expr.Opcode, expr.Data = wabin.OpcodeF32Const, binary.LittleEndian.AppendUint32(nil, uint32(v))
	case "f64.const":
		v, err := parseFloat(arg.tok, arg.bytes, 64)
		if err != nil {
			return nil, errorAt(arg, "%v: %s", err, arg.bytes)
		}
		expr.Opcode, expr.Data = wabin.OpcodeF64Const, binary.LittleEndian.AppendUint64(nil, v)
	case "global.get":
		idx, err := p.globalNamespace.resolve(arg)
		if err != nil {
			return nil, err
		}
		expr.Opcode, expr.Data = wabin.OpcodeGlobalGet, leb128.EncodeUint32(idx)
	default:
		return nil, errorAt(op, "unsupported constant expression: %s", op.bytes)
	}
	return expr, nil
}
