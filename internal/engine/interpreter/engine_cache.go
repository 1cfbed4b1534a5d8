package interpreter

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	wabin "github.com/tetratelabs/wabin/wasm"

	"github.com/wasmfuel/wasmfuel/internal/filecache"
	"github.com/wasmfuel/wasmfuel/internal/wasm"
)

// cacheMagic starts every cache entry.
const cacheMagic = "WASMFUEL"

// cacheVersion must change whenever the lowering or the encoding of ops changes. Entries of other versions are
// stale.
var cacheVersion = "1"

// maxTablePrealloc bounds the capacity allocated up front for a br_table read from an entry. Longer tables grow as
// their branches are read, so a corrupt count fails on EOF instead of allocating.
const maxTablePrealloc = 1024

func (e *engine) fileCacheKey(module *wasm.Module) filecache.Key {
	h := sha256.New()
	h.Write(module.ID[:])
	h.Write(e.fingerprint[:])
	h.Write([]byte(cacheVersion))
	var ret filecache.Key
	copy(ret[:], h.Sum(nil))
	return ret
}

func (e *engine) addCodes(module *wasm.Module, codes []*compiledFunction) error {
	e.mux.Lock()
	e.codes[module.ID] = codes
	e.mux.Unlock()
	if e.fileCache == nil {
		return nil
	}
	return e.fileCache.Add(e.fileCacheKey(module), serializeCodes(cacheVersion, codes))
}

func (e *engine) getCodes(module *wasm.Module) (codes []*compiledFunction, hit bool, err error) {
	e.mux.RLock()
	codes, hit = e.codes[module.ID]
	e.mux.RUnlock()
	if hit || e.fileCache == nil {
		return
	}

	key := e.fileCacheKey(module)
	cached, hit, err := e.fileCache.Get(key)
	if !hit || err != nil {
		return nil, false, err
	}
	defer cached.Close()

	var staleCache bool
	codes, staleCache, err = deserializeCodes(cacheVersion, cached)
	if err != nil {
		return nil, false, err
	} else if staleCache {
		return nil, false, e.fileCache.Delete(key)
	} else if len(codes) != module.DefinedFunctionCount() {
		return nil, false, fmt.Errorf("cached function count %d != %d", len(codes), module.DefinedFunctionCount())
	}

	e.logger.Debug("compilation cache hit")
	e.mux.Lock()
	e.codes[module.ID] = codes
	e.mux.Unlock()
	return codes, true, nil
}

// serializeCodes encodes codes as:
//
//	magic | version length (1 byte) | version | function count (u32)
//
// followed by each function:
//
//	local count (u32) | op count (u32) | ops...
//
// where each op is:
//
//	kind | b1 | cost (u64) | u1 (u64) | br | table length (u32) | table branches...
//
// and each branch is pc, height and keep as u32. Integers are little-endian.
func serializeCodes(version string, codes []*compiledFunction) io.Reader {
	buf := bytes.NewBuffer(nil)
	buf.WriteString(cacheMagic)
	buf.WriteByte(byte(len(version)))
	buf.WriteString(version)
	writeU32(buf, uint32(len(codes)))
	for _, c := range codes {
		writeU32(buf, uint32(c.numLocals))
		writeU32(buf, uint32(len(c.body)))
		for i := range c.body {
			o := &c.body[i]
			buf.WriteByte(o.kind)
			buf.WriteByte(o.b1)
			writeU64(buf, o.cost)
			writeU64(buf, o.u1)
			writeBranch(buf, &o.br)
			writeU32(buf, uint32(len(o.table)))
			for j := range o.table {
				writeBranch(buf, &o.table[j])
			}
		}
	}
	return bytes.NewReader(buf.Bytes())
}

func deserializeCodes(version string, reader io.Reader) (codes []*compiledFunction, staleCache bool, err error) {
	r := &cacheReader{r: reader}

	header := r.bytes(len(cacheMagic) + 1)
	if r.err != nil {
		return nil, false, fmt.Errorf("compilationcache: invalid header: %w", r.err)
	}
	if string(header[:len(cacheMagic)]) != cacheMagic {
		return nil, false, errors.New("compilationcache: invalid magic number")
	}
	if string(r.bytes(int(header[len(cacheMagic)]))) != version {
		// The entry was written by a different version, so it must be lowered again.
		return nil, true, nil
	}

	functionCount := r.u32()
	for i := uint32(0); i < functionCount && r.err == nil; i++ {
		c := &compiledFunction{numLocals: int(r.u32())}
		opCount := r.u32()
		for j := uint32(0); j < opCount && r.err == nil; j++ {
			var o op
			kind := r.bytes(2)
			if r.err != nil {
				break
			}
			o.kind, o.b1 = wabin.Opcode(kind[0]), kind[1]
			o.cost = r.u64()
			o.u1 = r.u64()
			o.br = r.branch()
			if n := r.u32(); n > 0 && r.err == nil {
				o.table = make([]branch, 0, min(n, maxTablePrealloc))
				for k := uint32(0); k < n && r.err == nil; k++ {
					o.table = append(o.table, r.branch())
				}
			}
			c.body = append(c.body, o)
		}
		codes = append(codes, c)
	}
	if r.err != nil {
		return nil, false, fmt.Errorf("compilationcache: error reading func[%d]: %w", len(codes)-1, r.err)
	}
	return codes, false, nil
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeBranch(buf *bytes.Buffer, b *branch) {
	writeU32(buf, b.pc)
	writeU32(buf, b.height)
	writeU32(buf, b.keep)
}

// cacheReader reads fixed-size fields, remembering the first error.
type cacheReader struct {
	r   io.Reader
	err error
}

func (r *cacheReader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r.r, b); err != nil {
		r.err = err
		return nil
	}
	return b
}

func (r *cacheReader) u32() uint32 {
	if b := r.bytes(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (r *cacheReader) u64() uint64 {
	if b := r.bytes(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (r *cacheReader) branch() branch {
	return branch{pc: r.u32(), height: r.u32(), keep: r.u32()}
}
