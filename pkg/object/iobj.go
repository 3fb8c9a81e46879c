package object

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/gob"
	"os"

	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/objrun/objrun/pkg/arch"
)

// iobjMagic spells "iobj" when the header hits the disk little endian.
const iobjMagic uint32 = 0x6a626f69

// iobjVersion is the container format revision; bump it whenever the
// packed instruction layout or the gob payload changes shape.
const iobjVersion uint32 = 1

const iobjHeaderSize = 8 // magic + version

// cacheFile is the serialized decode state of an object: the packed
// instruction records, the operand replay table, every relocation target
// re-expressed position-independently, and the original object bytes the
// restore re-parses for sections and symbols.
type cacheFile struct {
	Arch  uint8
	Kind  uint8
	Texts []cacheText
	// operand replay table; keys are raw opcode bytes, base64-armored so
	// the payload stays printable in dumps
	Metas map[string][]byte
	Refs  []cacheRef
	Obj   []byte
}

type cacheText struct {
	Index int
	Insns []uint64
}

// cacheRef is one relocation record with its target translated into a
// loadable form: a module-qualified symbol, a dynamic-section slot, or an
// rva relative to the first text section.
type cacheRef struct {
	Module string
	Name   string
	Kind   uint8
	RVA    uint64
	Dyn    int32 // dynamic section index, -1 when not a dynamic target
	Off    uint64
}

// GenerateCache writes the cache container next to the source file and
// returns its path.
func (o *Object) GenerateCache() (string, error) {
	path := o.CachePath()
	cf := cacheFile{
		Arch:  uint8(o.arch),
		Kind:  uint8(o.kind),
		Metas: make(map[string][]byte, len(o.metas)),
		Obj:   o.buf,
	}
	for i := range o.texts {
		t := &o.texts[i]
		ct := cacheText{Index: t.Index, Insns: make([]uint64, 0, len(t.Insns))}
		for _, ins := range t.Insns {
			ct.Insns = append(ct.Insns, ins.Pack())
		}
		cf.Texts = append(cf.Texts, ct)
	}
	for k, v := range o.metas {
		cf.Metas[base64.StdEncoding.EncodeToString([]byte(k))] = v
	}

	var textvm uintptr
	if len(o.texts) > 0 {
		textvm = o.texts[0].VM
	}
	if o.res != nil {
		o.res.LocateModule(0, true) // refresh the process module list
	}
	for i := range o.relocs {
		r := &o.relocs[i]
		ref := cacheRef{Name: r.Name, Kind: uint8(r.Kind), Dyn: -1}
		if d, off, ok := o.dynSpot(r.Target); ok {
			ref.Dyn, ref.Off = int32(d), off
		} else if o.Belong(r.Target) {
			ref.RVA = uint64(r.Target - textvm)
		} else {
			var mod string
			if o.res != nil {
				mod = o.res.LocateModule(r.Target, false)
			}
			if mod == "" {
				log.WithField("symbol", r.Name).
					Warn("relocation target belongs to no module, caching it as self-relative")
				ref.RVA = uint64(r.Target) - uint64(textvm)
			}
			ref.Module = mod
		}
		cf.Refs = append(cf.Refs, ref)
	}

	var buf bytes.Buffer
	var hdr [iobjHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[:], iobjMagic)
	binary.LittleEndian.PutUint32(hdr[4:], iobjVersion)
	buf.Write(hdr[:])
	if err := gob.NewEncoder(&buf).Encode(&cf); err != nil {
		return "", errors.Wrap(err, "failed to encode interpretable object")
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return "", errors.Wrapf(err, "failed to write %s", path)
	}
	log.WithField("path", path).Debug("cached interpretable object")
	return path, nil
}

// dynSpot locates target inside a dynamic section buffer.
func (o *Object) dynSpot(target uintptr) (int, uint64, bool) {
	for i := range o.dyns {
		d := &o.dyns[i]
		if d.Contains(target) {
			return d.Index, uint64(target - vmAddr(d.Buffer)), true
		}
	}
	return 0, 0, false
}

// loadCache restores an object from a cache container: sections, symbols
// and data relocations are rebuilt from the embedded object bytes, while
// the instruction records, the replay table and the relocation bindings
// come straight from the container.
func loadCache(path string, buf []byte, res Resolver) (*Object, error) {
	if len(buf) < iobjHeaderSize || binary.LittleEndian.Uint32(buf) != iobjMagic {
		return nil, errors.Wrapf(ErrBadMagic, "%s", path)
	}
	if v := binary.LittleEndian.Uint32(buf[4:]); v != iobjVersion {
		return nil, errors.Wrapf(ErrVersionMismatch, "%s: container %#x, runtime %#x",
			path, v, iobjVersion)
	}
	var cf cacheFile
	if err := gob.NewDecoder(bytes.NewReader(buf[iobjHeaderSize:])).Decode(&cf); err != nil {
		return nil, errors.Wrapf(err, "failed to decode interpretable object %s", path)
	}

	o := &Object{
		srcPath: path,
		path:    path,
		kind:    arch.ObjectKind(cf.Kind),
		isCache: true,
		buf:     cf.Obj,
		res:     res,
		funcs:   make(map[string]uintptr),
		datas:   make(map[string]uintptr),
		metas:   make(map[string][]byte, len(cf.Metas)),
	}
	var err error
	if o.fmt, err = newFormat(o); err != nil {
		return nil, err
	}
	if o.arch != arch.ArchType(cf.Arch) || o.arch != arch.Host() {
		return nil, errors.Wrapf(ErrUnsupportedArch, "%s", path)
	}
	if err := o.fmt.parseSections(); err != nil {
		return nil, err
	}
	if err := o.fmt.parseSymbols(); err != nil {
		return nil, err
	}

	for _, ct := range cf.Texts {
		t := o.textByIndex(ct.Index)
		if t == nil {
			return nil, errors.Errorf("%s: cached text section %d is gone", path, ct.Index)
		}
		t.Insns = make([]InsnInfo, 0, len(ct.Insns))
		for _, v := range ct.Insns {
			t.Insns = append(t.Insns, UnpackInsn(v))
		}
	}
	for k, v := range cf.Metas {
		key, err := base64.StdEncoding.DecodeString(k)
		if err != nil {
			return nil, errors.Wrapf(err, "%s: bad replay table key", path)
		}
		o.metas[string(key)] = v
	}

	var textvm uintptr
	if len(o.texts) > 0 {
		textvm = o.texts[0].VM
	}
	for _, ref := range cf.Refs {
		r := RelocInfo{Name: ref.Name, Kind: SymKind(ref.Kind)}
		switch {
		case ref.Module != "":
			if res == nil {
				return nil, errors.Errorf("%s: no resolver for module reference %s!%s",
					path, ref.Module, ref.Name)
			}
			target, err := res.ResolveIn(ref.Module, ref.Name, r.Kind == SymData)
			if err != nil {
				return nil, errors.Wrapf(err, "%s: failed to re-resolve %s", path, ref.Name)
			}
			r.Target = target
		case ref.Dyn >= 0:
			d := o.dynByIndex(int(ref.Dyn))
			if d == nil {
				return nil, errors.Errorf("%s: cached dynamic section %d is gone", path, ref.Dyn)
			}
			r.Target = vmAddr(d.Buffer) + uintptr(ref.Off)
		default:
			r.Target = textvm + uintptr(ref.RVA)
		}
		o.relocs = append(o.relocs, r)
	}
	return o, nil
}

func (o *Object) textByIndex(index int) *TextSection {
	for i := range o.texts {
		if o.texts[i].Index == index {
			return &o.texts[i]
		}
	}
	return nil
}
