package text

import (
	"encoding/binary"
	"math/bits"
	"strings"

	"github.com/tetratelabs/wabin/leb128"
	wabin "github.com/tetratelabs/wabin/wasm"
)

// instructions are the plain instructions by name, ex. "i32.add".
var instructions = buildInstructions()

func buildInstructions() map[string]wabin.Opcode {
	ret := map[string]wabin.Opcode{}
	for i := 0; i < 256; i++ {
		oc := wabin.Opcode(i)
		switch oc {
		case wabin.OpcodeMiscPrefix, wabin.OpcodeVecPrefix, wabin.OpcodeTypedSelect:
			continue // not instructions in the text format
		}
		if name := wabin.InstructionName(oc); name != "" {
			ret[name] = oc
		}
	}
	ret["f32.convert_i64_u"] = wabin.OpcodeF32ConvertI64U // wabin names this "f32.convert_i64u"
	return ret
}

// miscInstructions are the saturating truncations, which are encoded after wabin.OpcodeMiscPrefix.
var miscInstructions = buildMiscInstructions()

func buildMiscInstructions() map[string]wabin.OpcodeMisc {
	ret := map[string]wabin.OpcodeMisc{}
	for oc := wabin.OpcodeMiscI32TruncSatF32S; oc <= wabin.OpcodeMiscI64TruncSatF64U; oc++ {
		ret[wabin.MiscInstructionName(oc)] = oc
	}
	return ret
}

// naturalAlignments are the log2 of the access size of each memory instruction, which is the default alignment.
var naturalAlignments = map[wabin.Opcode]uint32{
	wabin.OpcodeI32Load:    2,
	wabin.OpcodeI64Load:    3,
	wabin.OpcodeF32Load:    2,
	wabin.OpcodeF64Load:    3,
	wabin.OpcodeI32Load8S:  0,
	wabin.OpcodeI32Load8U:  0,
	wabin.OpcodeI32Load16S: 1,
	wabin.OpcodeI32Load16U: 1,
	wabin.OpcodeI64Load8S:  0,
	wabin.OpcodeI64Load8U:  0,
	wabin.OpcodeI64Load16S: 1,
	wabin.OpcodeI64Load16U: 1,
	wabin.OpcodeI64Load32S: 2,
	wabin.OpcodeI64Load32U: 2,
	wabin.OpcodeI32Store:   2,
	wabin.OpcodeI64Store:   3,
	wabin.OpcodeF32Store:   2,
	wabin.OpcodeF64Store:   3,
	wabin.OpcodeI32Store8:  0,
	wabin.OpcodeI32Store16: 1,
	wabin.OpcodeI64Store8:  0,
	wabin.OpcodeI64Store16: 1,
	wabin.OpcodeI64Store32: 2,
}

// funcParser encodes the instructions of one function body.
type funcParser struct {
	m *moduleParser
	// locals are the params followed by the declared locals.
	locals *indexNamespace
	// labels are the labels of the enclosing blocks, innermost last. Unnamed blocks have an empty label.
	labels []string
	body   []byte
}

// parseFuncBody parses the locals and instructions remaining after the type use of the function field f.
func (p *moduleParser) parseFuncBody(f *sexpr, code *wabin.Code, paramIDs []*sexpr, nodes []*sexpr) error {
	fp := &funcParser{m: p, locals: newIndexNamespace()}
	for _, id := range paramIDs {
		if _, err := fp.locals.define(id); err != nil {
			return err
		}
	}

	for len(nodes) > 0 && nodes[0].keyword() == "local" {
		n := nodes[0]
		id, types := optionalID(n.list[1:])
		if id != nil && len(types) != 1 {
			return errorAt(n, "local with ID %s must have exactly one type", id.bytes)
		}
		for _, t := range types {
			vt, err := parseValueType(t)
			if err != nil {
				return err
			}
			if _, err = fp.locals.define(id); err != nil {
				return err
			}
			code.LocalTypes = append(code.LocalTypes, vt)
		}
		nodes = nodes[1:]
	}

	if err := fp.parseInstrs(nodes); err != nil {
		return err
	}
	if len(fp.labels) > 0 {
		return errorAt(f, "expected 'end' for %d open block(s)", len(fp.labels))
	}
	code.Body = append(fp.body, wabin.OpcodeEnd)
	return nil
}

// parseInstrs parses a sequence of flat and folded instructions.
func (p *funcParser) parseInstrs(nodes []*sexpr) (err error) {
	for len(nodes) > 0 {
		n := nodes[0]
		nodes = nodes[1:]
		if n.tok == tokenLParen {
			if err = p.parseFolded(n); err != nil {
				return
			}
			continue
		}
		if n.tok != tokenKeyword {
			return unexpectedToken(n)
		}

		switch string(n.bytes) {
		case "block", "loop", "if":
			nodes, err = p.beginBlock(n, nodes)
		case "else":
			if len(p.labels) == 0 {
				return errorAt(n, "else outside of a block")
			}
			p.body = append(p.body, wabin.OpcodeElse)
			nodes, err = p.matchLabel(nodes)
		case "end":
			if len(p.labels) == 0 {
				return errorAt(n, "end outside of a block")
			}
			p.body = append(p.body, wabin.OpcodeEnd)
			nodes, err = p.matchLabel(nodes)
			p.labels = p.labels[:len(p.labels)-1]
		default:
			var enc []byte
			if enc, nodes, err = p.encodeInstr(n, nodes); err == nil {
				p.body = append(p.body, enc...)
			}
		}
		if err != nil {
			return
		}
	}
	return
}

// beginBlock encodes the flat block instruction n, returning the nodes after its label and block type.
func (p *funcParser) beginBlock(n *sexpr, nodes []*sexpr) ([]*sexpr, error) {
	label, nodes := optionalID(nodes)
	bt, nodes, err := p.parseBlockType(nodes)
	if err != nil {
		return nil, err
	}
	p.body = append(p.body, instructions[string(n.bytes)])
	p.body = append(p.body, bt...)
	p.pushLabel(label)
	return nodes, nil
}

// matchLabel consumes the optional label after "else" or "end", which must match the innermost block.
func (p *funcParser) matchLabel(nodes []*sexpr) ([]*sexpr, error) {
	if len(nodes) == 0 || nodes[0].tok != tokenID {
		return nodes, nil
	}
	if label := string(stripDollar(nodes[0].bytes)); label != p.labels[len(p.labels)-1] {
		return nil, errorAt(nodes[0], "mismatching label %s", nodes[0].bytes)
	}
	return nodes[1:], nil
}

func (p *funcParser) pushLabel(id *sexpr) {
	label := ""
	if id != nil {
		label = string(stripDollar(id.bytes))
	}
	p.labels = append(p.labels, label)
}

// parseFolded parses a folded instruction, encoding its operands before itself.
// Ex. (i32.add (local.get 0) (i32.const 1))
func (p *funcParser) parseFolded(n *sexpr) error {
	kw := n.keyword()
	args := n.list[1:]
	switch kw {
	case "":
		return unexpectedToken(n)
	case "then", "else", "end":
		return unexpectedToken(n)
	case "block", "loop":
		label, args := optionalID(args)
		bt, args, err := p.parseBlockType(args)
		if err != nil {
			return err
		}
		p.body = append(p.body, instructions[kw])
		p.body = append(p.body, bt...)
		p.pushLabel(label)
		if err = p.parseInstrs(args); err != nil {
			return err
		}
	case "if":
		label, args := optionalID(args)
		bt, args, err := p.parseBlockType(args)
		if err != nil {
			return err
		}
		for len(args) > 0 && args[0].keyword() != "then" { // condition
			if args[0].tok != tokenLParen {
				return unexpectedToken(args[0])
			}
			if err = p.parseFolded(args[0]); err != nil {
				return err
			}
			args = args[1:]
		}
		if len(args) == 0 {
			return errorAt(n, "missing then")
		}
		then := args[0]
		args = args[1:]

		p.body = append(p.body, wabin.OpcodeIf)
		p.body = append(p.body, bt...)
		p.pushLabel(label)
		if err = p.parseInstrs(then.list[1:]); err != nil {
			return err
		}
		if len(args) > 0 && args[0].keyword() == "else" {
			p.body = append(p.body, wabin.OpcodeElse)
			if err = p.parseInstrs(args[0].list[1:]); err != nil {
				return err
			}
			args = args[1:]
		}
		if len(args) > 0 {
			return unexpectedToken(args[0])
		}
	default:
		enc, args, err := p.encodeInstr(n.list[0], args)
		if err != nil {
			return err
		}
		for _, operand := range args {
			if operand.tok != tokenLParen {
				return unexpectedToken(operand)
			}
			if err = p.parseFolded(operand); err != nil {
				return err
			}
		}
		p.body = append(p.body, enc...)
		return nil
	}
	p.labels = p.labels[:len(p.labels)-1]
	p.body = append(p.body, wabin.OpcodeEnd)
	return nil
}

// parseBlockType encodes the block type at the front of nodes: empty, a single result or a type index.
func (p *funcParser) parseBlockType(nodes []*sexpr) ([]byte, []*sexpr, error) {
	if len(nodes) > 0 && nodes[0].keyword() == "type" {
		idx, _, rest, err := p.m.parseTypeUse(nodes)
		if err != nil {
			return nil, nil, err
		}
		return leb128.EncodeInt64(int64(idx)), rest, nil
	}

	ft, paramIDs, rest, err := parseParamsResults(nodes)
	if err != nil {
		return nil, nil, err
	}
	for _, id := range paramIDs {
		if id != nil {
			return nil, nil, errorAt(id, "block params cannot be named")
		}
	}
	switch {
	case len(ft.Params) == 0 && len(ft.Results) == 0:
		return []byte{0x40}, rest, nil
	case len(ft.Params) == 0 && len(ft.Results) == 1:
		return []byte{ft.Results[0]}, rest, nil
	}
	return leb128.EncodeInt64(int64(p.m.findOrAddType(ft))), rest, nil
}

func operand(name *sexpr, nodes []*sexpr) (*sexpr, error) {
	if len(nodes) == 0 {
		return nil, errorAt(name, "missing operand of %s", name.bytes)
	}
	return nodes[0], nil
}

func isIndex(n *sexpr) bool {
	return n.tok == tokenUN || n.tok == tokenID
}

// labelDepth resolves a label reference, which is either a depth or the ID of an enclosing block.
func (p *funcParser) labelDepth(n *sexpr) (uint32, error) {
	switch n.tok {
	case tokenUN:
		v, err := parseUint(n.bytes, 32)
		if err != nil {
			return 0, errorAt(n, "label outside range of uint32: %s", n.bytes)
		}
		return uint32(v), nil
	case tokenID:
		label := string(stripDollar(n.bytes))
		for d := 0; d < len(p.labels); d++ {
			if p.labels[len(p.labels)-1-d] == label {
				return uint32(d), nil
			}
		}
		return 0, errorAt(n, "unknown label %s", n.bytes)
	}
	return 0, unexpectedToken(n)
}

// encodeInstr encodes the plain instruction name and its immediates, returning the nodes after them.
func (p *funcParser) encodeInstr(name *sexpr, nodes []*sexpr) (enc []byte, rest []*sexpr, err error) {
	if name.tok != tokenKeyword {
		return nil, nil, unexpectedToken(name)
	}
	kw := string(name.bytes)
	if sub, ok := miscInstructions[kw]; ok {
		return append([]byte{wabin.OpcodeMiscPrefix}, leb128.EncodeUint32(uint32(sub))...), nodes, nil
	}
	oc, ok := instructions[kw]
	if !ok {
		return nil, nil, errorAt(name, "unsupported instruction: %s", kw)
	}
	enc = []byte{oc}

	switch oc {
	case wabin.OpcodeBr, wabin.OpcodeBrIf:
		n, err := operand(name, nodes)
		if err != nil {
			return nil, nil, err
		}
		depth, err := p.labelDepth(n)
		if err != nil {
			return nil, nil, err
		}
		return append(enc, leb128.EncodeUint32(depth)...), nodes[1:], nil
	case wabin.OpcodeBrTable:
		var depths []uint32
		for len(nodes) > 0 && isIndex(nodes[0]) {
			depth, err := p.labelDepth(nodes[0])
			if err != nil {
				return nil, nil, err
			}
			depths = append(depths, depth)
			nodes = nodes[1:]
		}
		if len(depths) == 0 {
			return nil, nil, errorAt(name, "missing default label of br_table")
		}
		enc = append(enc, leb128.EncodeUint32(uint32(len(depths)-1))...)
		for _, d := range depths {
			enc = append(enc, leb128.EncodeUint32(d)...)
		}
		return enc, nodes, nil
	case wabin.OpcodeCall:
		return p.encodeIndex(enc, name, nodes, p.m.funcNamespace)
	case wabin.OpcodeLocalGet, wabin.OpcodeLocalSet, wabin.OpcodeLocalTee:
		return p.encodeIndex(enc, name, nodes, p.locals)
	case wabin.OpcodeGlobalGet, wabin.OpcodeGlobalSet:
		return p.encodeIndex(enc, name, nodes, p.m.globalNamespace)
	case wabin.OpcodeCallIndirect:
		var tableIdx wabin.Index
		if len(nodes) > 0 && isIndex(nodes[0]) {
			if tableIdx, err = p.m.tableNamespace.resolve(nodes[0]); err != nil {
				return nil, nil, err
			}
			nodes = nodes[1:]
		}
		typeIdx, paramIDs, nodes, err := p.m.parseTypeUse(nodes)
		if err != nil {
			return nil, nil, err
		}
		for _, id := range paramIDs {
			if id != nil {
				return nil, nil, errorAt(id, "call_indirect params cannot be named")
			}
		}
		enc = append(enc, leb128.EncodeUint32(typeIdx)...)
		return append(enc, leb128.EncodeUint32(tableIdx)...), nodes, nil
	case wabin.OpcodeMemorySize, wabin.OpcodeMemoryGrow:
		return append(enc, 0x00), nodes, nil
	case wabin.OpcodeSelect:
		if len(nodes) == 0 || nodes[0].keyword() != "result" {
			return enc, nodes, nil
		}
		var types []byte
		for _, t := range nodes[0].list[1:] {
			vt, err := parseValueType(t)
			if err != nil {
				return nil, nil, err
			}
			types = append(types, vt)
		}
		enc = append([]byte{wabin.OpcodeTypedSelect}, leb128.EncodeUint32(uint32(len(types)))...)
		return append(enc, types...), nodes[1:], nil
	case wabin.OpcodeI32Const, wabin.OpcodeI64Const, wabin.OpcodeF32Const, wabin.OpcodeF64Const:
		n, err := operand(name, nodes)
		if err != nil {
			return nil, nil, err
		}
		if enc, err = encodeConst(oc, n); err != nil {
			return nil, nil, err
		}
		return enc, nodes[1:], nil
	}

	if align, ok := naturalAlignments[oc]; ok {
		return encodeMemArg(enc, align, nodes)
	}
	return enc, nodes, nil
}

func (p *funcParser) encodeIndex(enc []byte, name *sexpr, nodes []*sexpr, ns *indexNamespace) ([]byte, []*sexpr, error) {
	n, err := operand(name, nodes)
	if err != nil {
		return nil, nil, err
	}
	idx, err := ns.resolve(n)
	if err != nil {
		return nil, nil, err
	}
	return append(enc, leb128.EncodeUint32(idx)...), nodes[1:], nil
}

// encodeConst encodes a numeric constant instruction and its immediate.
func encodeConst(oc wabin.Opcode, n *sexpr) ([]byte, error) {
	enc := []byte{oc}
	var v uint64
	var err error
	switch oc {
	case wabin.OpcodeI32Const:
		if v, err = parseInt(n.tok, n.bytes, 32); err == nil {
			enc = append(enc, leb128.EncodeInt32(int32(uint32(v)))...)
		}
	case wabin.OpcodeI64Const:
		if v, err = parseInt(n.tok, n.bytes, 64); err == nil {
			enc = append(enc, leb128.EncodeInt64(int64(v))...)
		}
	case wabin.OpcodeF32Const:
		if v, err = parseFloat(n.tok, n.bytes, 32); err == nil {
			enc = binary.LittleEndian.AppendUint32(enc, uint32(v))
		}
	case wabin.OpcodeF64Const:
		if v, err = parseFloat(n.tok, n.bytes, 64); err == nil {
			enc = binary.LittleEndian.AppendUint64(enc, v)
		}
	}
	if err != nil {
		return nil, errorAt(n, "%v: %s", err, n.bytes)
	}
	return enc, nil
}

// encodeMemArg encodes the optional "offset=" and "align=" keywords of a memory instruction.
func encodeMemArg(enc []byte, align uint32, nodes []*sexpr) ([]byte, []*sexpr, error) {
	var offset uint32
	for len(nodes) > 0 && nodes[0].tok == tokenKeyword {
		n := nodes[0]
		kw := string(n.bytes)
		switch {
		case strings.HasPrefix(kw, "offset="):
			v, err := parseUint([]byte(kw[len("offset="):]), 32)
			if err != nil {
				return nil, nil, errorAt(n, "offset outside range of uint32: %s", kw)
			}
			offset = uint32(v)
		case strings.HasPrefix(kw, "align="):
			v, err := parseUint([]byte(kw[len("align="):]), 32)
			if err != nil || bits.OnesCount64(v) != 1 {
				return nil, nil, errorAt(n, "alignment must be a power of two: %s", kw)
			}
			align = uint32(bits.TrailingZeros64(v))
		default:
			return append(append(enc, leb128.EncodeUint32(align)...), leb128.EncodeUint32(offset)...), nodes, nil
		}
		nodes = nodes[1:]
	}
	return append(append(enc, leb128.EncodeUint32(align)...), leb128.EncodeUint32(offset)...), nodes, nil
}
