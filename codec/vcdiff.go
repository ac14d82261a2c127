package codec

import (
	"bufio"
	"errors"
	"fmt"
	"hash/adler32"
	"io"
)

// VCDIFF (RFC 3284) delta decoder, decode side only. The delta stream is
// consumed incrementally window by window; each target window is materialized
// before being served, so output appears as soon as the first window is
// complete. Secondary compressors and application-defined code tables are not
// produced by our packaging pipeline and are rejected. Copy windows against
// previously decoded target data (VCD_TARGET) are rejected for the same
// reason; deltas address the local file through VCD_SOURCE windows.

func init() {
	RegisterPatcher("vcdiff", newVcdiffPatcher)
}

const (
	vcdDecompress = 0x01
	vcdCodetable  = 0x02

	vcdSource   = 0x01
	vcdTarget   = 0x02
	vcdChecksum = 0x04

	vcdNearCacheSize = 4
	vcdSameCacheSize = 3
)

var vcdiffMagic = [4]byte{0xd6, 0xc3, 0xc4, 0x00}

type vcdInstruction struct {
	kind byte // 'N' noop, 'A' add, 'R' run, 'C' copy
	size uint32
	mode byte
}

var vcdCodeTable = buildVcdCodeTable()

// buildVcdCodeTable constructs the default instruction code table of RFC 3284
// section 5.6.
func buildVcdCodeTable() [256][2]vcdInstruction {
	var table [256][2]vcdInstruction
	noop := vcdInstruction{kind: 'N'}
	i := 0
	table[i] = [2]vcdInstruction{{kind: 'R'}, noop}
	i++
	for size := uint32(0); size <= 17; size++ {
		table[i] = [2]vcdInstruction{{kind: 'A', size: size}, noop}
		i++
	}
	for mode := byte(0); mode <= 8; mode++ {
		table[i] = [2]vcdInstruction{{kind: 'C', mode: mode}, noop}
		i++
		for size := uint32(4); size <= 18; size++ {
			table[i] = [2]vcdInstruction{{kind: 'C', size: size, mode: mode}, noop}
			i++
		}
	}
	for mode := byte(0); mode <= 5; mode++ {
		for addSize := uint32(1); addSize <= 4; addSize++ {
			for copySize := uint32(4); copySize <= 6; copySize++ {
				table[i] = [2]vcdInstruction{
					{kind: 'A', size: addSize},
					{kind: 'C', size: copySize, mode: mode},
				}
				i++
			}
		}
	}
	for mode := byte(6); mode <= 8; mode++ {
		for addSize := uint32(1); addSize <= 4; addSize++ {
			table[i] = [2]vcdInstruction{
				{kind: 'A', size: addSize},
				{kind: 'C', size: 4, mode: mode},
			}
			i++
		}
	}
	for mode := byte(0); mode <= 8; mode++ {
		table[i] = [2]vcdInstruction{
			{kind: 'C', size: 4, mode: mode},
			{kind: 'A', size: 1},
		}
		i++
	}
	if i != 256 {
		panic("vcdiff: bad code table construction")
	}
	return table
}

type vcdAddressCache struct {
	near     [vcdNearCacheSize]uint64
	nearSlot int
	same     [vcdSameCacheSize * 256]uint64
}

func (c *vcdAddressCache) update(addr uint64) {
	c.near[c.nearSlot] = addr
	c.nearSlot = (c.nearSlot + 1) % vcdNearCacheSize
	c.same[addr%(vcdSameCacheSize*256)] = addr
}

func (c *vcdAddressCache) decode(addrs *sliceReader, here uint64, mode byte) (uint64, error) {
	var addr uint64
	switch {
	case mode == 0: // VCD_SELF
		v, err := readVarint(addrs)
		if err != nil {
			return 0, err
		}
		addr = v
	case mode == 1: // VCD_HERE
		v, err := readVarint(addrs)
		if err != nil {
			return 0, err
		}
		if v > here {
			return 0, errors.New("vcdiff: HERE address before window start")
		}
		addr = here - v
	case mode >= 2 && mode < 2+vcdNearCacheSize:
		v, err := readVarint(addrs)
		if err != nil {
			return 0, err
		}
		addr = c.near[mode-2] + v
	default:
		b, err := addrs.ReadByte()
		if err != nil {
			return 0, err
		}
		idx := int(mode-2-vcdNearCacheSize)*256 + int(b)
		if idx >= len(c.same) {
			return 0, fmt.Errorf("vcdiff: bad address mode %d", mode)
		}
		addr = c.same[idx]
	}
	c.update(addr)
	return addr, nil
}

type sliceReader struct {
	buf []byte
	pos int
}

func (s *sliceReader) ReadByte() (byte, error) {
	if s.pos >= len(s.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	b := s.buf[s.pos]
	s.pos++
	return b, nil
}

func (s *sliceReader) read(n uint32) ([]byte, error) {
	if s.pos+int(n) > len(s.buf) {
		return nil, io.ErrUnexpectedEOF
	}
	b := s.buf[s.pos : s.pos+int(n)]
	s.pos += int(n)
	return b, nil
}

// readVarint reads a base-128 big-endian integer with continuation bits.
func readVarint(r io.ByteReader) (uint64, error) {
	var v uint64
	for i := 0; ; i++ {
		if i >= 10 {
			return 0, errors.New("vcdiff: varint too long")
		}
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		v = v<<7 | uint64(b&0x7f)
		if b&0x80 == 0 {
			return v, nil
		}
	}
}

type vcdiffReader struct {
	delta      *bufio.Reader
	local      io.ReadSeeker
	headerDone bool
	window     []byte
	windowPos  int
	err        error
}

func newVcdiffPatcher(delta io.Reader, local io.ReadSeeker) (io.ReadCloser, error) {
	return &vcdiffReader{delta: bufio.NewReader(delta), local: local}, nil
}

func (d *vcdiffReader) Close() error {
	return nil
}

func (d *vcdiffReader) Read(p []byte) (int, error) {
	for d.windowPos >= len(d.window) {
		if d.err != nil {
			return 0, d.err
		}
		if err := d.nextWindow(); err != nil {
			d.err = err
			return 0, err
		}
	}
	n := copy(p, d.window[d.windowPos:])
	d.windowPos += n
	return n, nil
}

func (d *vcdiffReader) readHeader() error {
	var magic [4]byte
	if _, err := io.ReadFull(d.delta, magic[:]); err != nil {
		return fmt.Errorf("vcdiff: reading header: %w", err)
	}
	if magic != vcdiffMagic {
		return errors.New("vcdiff: bad magic")
	}
	indicator, err := d.delta.ReadByte()
	if err != nil {
		return err
	}
	if indicator&vcdDecompress != 0 {
		return errors.New("vcdiff: secondary compression not supported")
	}
	if indicator&vcdCodetable != 0 {
		return errors.New("vcdiff: application code tables not supported")
	}
	d.headerDone = true
	return nil
}

// nextWindow parses and decodes one delta window into d.window.
func (d *vcdiffReader) nextWindow() error {
	if !d.headerDone {
		if err := d.readHeader(); err != nil {
			return err
		}
	}

	winIndicator, err := d.delta.ReadByte()
	if err == io.EOF {
		return io.EOF
	}
	if err != nil {
		return err
	}
	if winIndicator&vcdTarget != 0 {
		return errors.New("vcdiff: target windows not supported")
	}

	var source []byte
	if winIndicator&vcdSource != 0 {
		sourceLen, err := readVarint(d.delta)
		if err != nil {
			return err
		}
		sourcePos, err := readVarint(d.delta)
		if err != nil {
			return err
		}
		if _, err := d.local.Seek(int64(sourcePos), io.SeekStart); err != nil {
			return fmt.Errorf("vcdiff: seeking source segment: %w", err)
		}
		source = make([]byte, sourceLen)
		if _, err := io.ReadFull(d.local, source); err != nil {
			return fmt.Errorf("vcdiff: reading source segment: %w", err)
		}
	}

	if _, err := readVarint(d.delta); err != nil { // delta encoding length
		return err
	}
	targetLen, err := readVarint(d.delta)
	if err != nil {
		return err
	}
	deltaIndicator, err := d.delta.ReadByte()
	if err != nil {
		return err
	}
	if deltaIndicator != 0 {
		return errors.New("vcdiff: per-section compression not supported")
	}
	dataLen, err := readVarint(d.delta)
	if err != nil {
		return err
	}
	instLen, err := readVarint(d.delta)
	if err != nil {
		return err
	}
	addrLen, err := readVarint(d.delta)
	if err != nil {
		return err
	}

	var wantSum uint32
	haveSum := winIndicator&vcdChecksum != 0
	if haveSum {
		var sum [4]byte
		if _, err := io.ReadFull(d.delta, sum[:]); err != nil {
			return err
		}
		wantSum = uint32(sum[0])<<24 | uint32(sum[1])<<16 | uint32(sum[2])<<8 | uint32(sum[3])
	}

	sections := make([]byte, dataLen+instLen+addrLen)
	if _, err := io.ReadFull(d.delta, sections); err != nil {
		return err
	}
	data := &sliceReader{buf: sections[:dataLen]}
	insts := &sliceReader{buf: sections[dataLen : dataLen+instLen]}
	addrs := &sliceReader{buf: sections[dataLen+instLen:]}

	target := make([]byte, 0, targetLen)
	var cache vcdAddressCache
	for uint64(len(target)) < targetLen {
		opcode, err := insts.ReadByte()
		if err != nil {
			return err
		}
		for _, inst := range vcdCodeTable[opcode] {
			if inst.kind == 'N' {
				continue
			}
			size := uint64(inst.size)
			if size == 0 {
				size, err = readVarint(insts)
				if err != nil {
					return err
				}
			}
			switch inst.kind {
			case 'A':
				b, err := data.read(uint32(size))
				if err != nil {
					return err
				}
				target = append(target, b...)
			case 'R':
				b, err := data.ReadByte()
				if err != nil {
					return err
				}
				for i := uint64(0); i < size; i++ {
					target = append(target, b)
				}
			case 'C':
				here := uint64(len(source)) + uint64(len(target))
				addr, err := cache.decode(addrs, here, inst.mode)
				if err != nil {
					return err
				}
				// Addresses below len(source) read the source segment;
				// above it they read already-decoded target bytes, possibly
				// overlapping the write position.
				for i := uint64(0); i < size; i++ {
					a := addr + i
					if a < uint64(len(source)) {
						target = append(target, source[a])
					} else {
						t := a - uint64(len(source))
						if t >= uint64(len(target)) {
							return errors.New("vcdiff: copy past decoded target")
						}
						target = append(target, target[t])
					}
				}
			}
		}
	}
	if uint64(len(target)) != targetLen {
		return errors.New("vcdiff: window decoded to wrong length")
	}
	if haveSum && adler32.Checksum(target) != wantSum {
		return errors.New("vcdiff: window checksum mismatch")
	}

	d.window = target
	d.windowPos = 0
	return nil
}
