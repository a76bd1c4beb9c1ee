package segcache

import (
	"bytes"
	"cmp"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"
	"slices"
	"strings"

	"github.com/google/uuid"
)

// SEG1 file format constants.
const (
	// File format version.
	seg1Version = 1

	// Fixed preamble size in bytes. The encoded index follows it.
	preambleSize = 0x40

	// Encoded size of one index record excluding the key bytes:
	// key_len(2) + offset(8) + size(8) + expires_at(8) + created_at(8) + hits(8).
	recordFixedSize = 2 + 8 + 8 + 8 + 8 + 8

	// expiresAt value for entries without a TTL.
	noExpiry = int64(math.MaxInt64)
)

var seg1Magic = [4]byte{'S', 'E', 'G', '1'}

// Preamble field offsets (bytes from segment start).
const (
	offMagic         = 0x00 // [4]byte
	offVersion       = 0x04 // uint32
	offHeaderReserve = 0x08 // uint32
	offPayloadLen    = 0x0C // uint32
	offCapacity      = 0x10 // uint64
	offGeneration    = 0x18 // uint64
	offItemCount     = 0x20 // uint32
	offCRC32C        = 0x24 // uint32
	offSegmentID     = 0x28 // [16]byte
	offReservedStart = 0x38 // reserved bytes through 0x3F
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// allocation is one index record: the placement of a value in the heap.
type allocation struct {
	key       string
	offset    uint64
	size      uint64
	expiresAt int64 // unix nanoseconds
	createdAt int64 // unix nanoseconds
	hits      uint64
}

func (a *allocation) expired(nowNano int64) bool {
	return nowNano >= a.expiresAt
}

func (a *allocation) end() uint64 {
	return a.offset + a.size
}

// header is the decoded control block. item_count is not stored here; it is
// always len(index) when encoded and verified against the record count when
// decoded.
type header struct {
	headerReserve uint64
	capacity      uint64
	generation    uint64
	id            uuid.UUID
	index         map[string]*allocation
}

func newHeader(capacity, headerReserve uint64, id uuid.UUID) *header {
	return &header{
		headerReserve: headerReserve,
		capacity:      capacity,
		id:            id,
		index:         make(map[string]*allocation),
	}
}

// sorted returns the index records ordered by offset, then size, then key.
// Zero-size records share offsets with their neighbours; ordering them first
// keeps the overlap check and the gap scan simple.
func (h *header) sorted() []*allocation {
	out := make([]*allocation, 0, len(h.index))
	for _, a := range h.index {
		out = append(out, a)
	}

	slices.SortFunc(out, compareAllocations)

	return out
}

func compareAllocations(x, y *allocation) int {
	if c := cmp.Compare(x.offset, y.offset); c != 0 {
		return c
	}

	if c := cmp.Compare(x.size, y.size); c != 0 {
		return c
	}

	return strings.Compare(x.key, y.key)
}

// encodedLen returns the number of header bytes the current index needs.
func (h *header) encodedLen() uint64 {
	n := uint64(preambleSize)
	for key := range h.index {
		n += recordFixedSize + uint64(len(key))
	}

	return n
}

// fits reports ErrHeaderFull if the encoded index would overflow the reserve.
func (h *header) fits() error {
	need := h.encodedLen()
	if need > h.headerReserve {
		return fmt.Errorf("index needs %d bytes, header reserve is %d: %w", need, h.headerReserve, ErrHeaderFull)
	}

	return nil
}

// encode serializes the header. The result is at most headerReserve bytes;
// callers check fits first.
func (h *header) encode() []byte {
	records := h.sorted()
	buf := make([]byte, h.encodedLen())

	copy(buf[offMagic:], seg1Magic[:])
	binary.LittleEndian.PutUint32(buf[offVersion:], seg1Version)
	binary.LittleEndian.PutUint32(buf[offHeaderReserve:], uint32(h.headerReserve))
	binary.LittleEndian.PutUint32(buf[offPayloadLen:], uint32(len(buf)-preambleSize))
	binary.LittleEndian.PutUint64(buf[offCapacity:], h.capacity)
	binary.LittleEndian.PutUint64(buf[offGeneration:], h.generation)
	binary.LittleEndian.PutUint32(buf[offItemCount:], uint32(len(records)))
	copy(buf[offSegmentID:offSegmentID+16], h.id[:])

	pos := preambleSize
	for _, a := range records {
		binary.LittleEndian.PutUint16(buf[pos:], uint16(len(a.key)))
		pos += 2
		pos += copy(buf[pos:], a.key)
		binary.LittleEndian.PutUint64(buf[pos:], a.offset)
		binary.LittleEndian.PutUint64(buf[pos+8:], a.size)
		binary.LittleEndian.PutUint64(buf[pos+16:], uint64(a.expiresAt))
		binary.LittleEndian.PutUint64(buf[pos+24:], uint64(a.createdAt))
		binary.LittleEndian.PutUint64(buf[pos+32:], a.hits)
		pos += 40
	}

	binary.LittleEndian.PutUint32(buf[offCRC32C:], computeCRC(buf))

	return buf
}

// computeCRC returns the CRC32-C of buf with the crc field treated as zero.
func computeCRC(buf []byte) uint32 {
	crc := crc32.Update(0, castagnoli, buf[:offCRC32C])
	crc = crc32.Update(crc, castagnoli, []byte{0, 0, 0, 0})

	return crc32.Update(crc, castagnoli, buf[offCRC32C+4:])
}

// preamble holds the fixed fields that can be read without trusting the index.
type preamble struct {
	version       uint32
	headerReserve uint64
	payloadLen    uint64
	capacity      uint64
	generation    uint64
	itemCount     uint64
	id            uuid.UUID
}

// readPreamble parses and sanity-checks the fixed preamble.
//
// Possible errors: [ErrCorruptHeader].
func readPreamble(buf []byte) (preamble, error) {
	if len(buf) < preambleSize {
		return preamble{}, fmt.Errorf("segment shorter than preamble (%d bytes): %w", len(buf), ErrCorruptHeader)
	}

	if !bytes.Equal(buf[offMagic:offMagic+4], seg1Magic[:]) {
		return preamble{}, fmt.Errorf("invalid magic %q, expected SEG1: %w", buf[offMagic:offMagic+4], ErrCorruptHeader)
	}

	p := preamble{
		version:       binary.LittleEndian.Uint32(buf[offVersion:]),
		headerReserve: uint64(binary.LittleEndian.Uint32(buf[offHeaderReserve:])),
		payloadLen:    uint64(binary.LittleEndian.Uint32(buf[offPayloadLen:])),
		capacity:      binary.LittleEndian.Uint64(buf[offCapacity:]),
		generation:    binary.LittleEndian.Uint64(buf[offGeneration:]),
		itemCount:     uint64(binary.LittleEndian.Uint32(buf[offItemCount:])),
	}
	copy(p.id[:], buf[offSegmentID:offSegmentID+16])

	if p.version != seg1Version {
		return preamble{}, fmt.Errorf("unsupported version %d, expected %d: %w", p.version, seg1Version, ErrCorruptHeader)
	}

	if p.headerReserve < minHeaderReserve || p.headerReserve >= p.capacity {
		return preamble{}, fmt.Errorf("header_reserve %d out of range for capacity %d: %w", p.headerReserve, p.capacity, ErrCorruptHeader)
	}

	if p.payloadLen > p.headerReserve-preambleSize {
		return preamble{}, fmt.Errorf("payload_len %d exceeds header reserve %d: %w", p.payloadLen, p.headerReserve, ErrCorruptHeader)
	}

	for i := offReservedStart; i < preambleSize; i++ {
		if buf[i] != 0 {
			return preamble{}, fmt.Errorf("reserved preamble bytes are non-zero: %w", ErrCorruptHeader)
		}
	}

	return p, nil
}

// decodeHeader parses and validates the header at the start of a mapped
// segment of length segmentLen.
//
// Possible errors: [ErrCorruptHeader].
func decodeHeader(buf []byte, segmentLen uint64) (*header, error) {
	p, err := readPreamble(buf)
	if err != nil {
		return nil, err
	}

	if p.capacity != segmentLen {
		return nil, fmt.Errorf("capacity %d does not match segment size %d: %w", p.capacity, segmentLen, ErrCorruptHeader)
	}

	end := preambleSize + p.payloadLen
	if uint64(len(buf)) < end {
		return nil, fmt.Errorf("header truncated: %w", ErrCorruptHeader)
	}

	if binary.LittleEndian.Uint32(buf[offCRC32C:]) != computeCRC(buf[:end]) {
		return nil, fmt.Errorf("header checksum mismatch: %w", ErrCorruptHeader)
	}

	h := newHeader(p.capacity, p.headerReserve, p.id)
	h.generation = p.generation

	payload := buf[preambleSize:end]
	for len(payload) > 0 {
		a, n, decErr := decodeAllocation(payload)
		if decErr != nil {
			return nil, decErr
		}

		payload = payload[n:]

		if _, dup := h.index[a.key]; dup {
			return nil, fmt.Errorf("duplicate key %q in index: %w", a.key, ErrCorruptHeader)
		}

		h.index[a.key] = a
	}

	if uint64(len(h.index)) != p.itemCount {
		return nil, fmt.Errorf("item_count %d does not match %d index records: %w", p.itemCount, len(h.index), ErrCorruptHeader)
	}

	err = h.validateLayout()
	if err != nil {
		return nil, err
	}

	return h, nil
}

func decodeAllocation(buf []byte) (*allocation, int, error) {
	if len(buf) < 2 {
		return nil, 0, fmt.Errorf("truncated index record: %w", ErrCorruptHeader)
	}

	keyLen := int(binary.LittleEndian.Uint16(buf))
	if keyLen == 0 || keyLen > maxKeyLen {
		return nil, 0, fmt.Errorf("index key length %d out of range: %w", keyLen, ErrCorruptHeader)
	}

	n := recordFixedSize + keyLen
	if len(buf) < n {
		return nil, 0, fmt.Errorf("truncated index record: %w", ErrCorruptHeader)
	}

	pos := 2 + keyLen
	a := &allocation{
		key:       string(buf[2:pos]),
		offset:    binary.LittleEndian.Uint64(buf[pos:]),
		size:      binary.LittleEndian.Uint64(buf[pos+8:]),
		expiresAt: int64(binary.LittleEndian.Uint64(buf[pos+16:])),
		createdAt: int64(binary.LittleEndian.Uint64(buf[pos+24:])),
		hits:      binary.LittleEndian.Uint64(buf[pos+32:]),
	}

	return a, n, nil
}

// validateLayout checks the allocation invariants: every record lies inside
// the heap, no two records overlap, and expires_at >= created_at.
func (h *header) validateLayout() error {
	prevEnd := h.headerReserve
	prevKey := ""

	for _, a := range h.sorted() {
		if a.offset < h.headerReserve {
			return fmt.Errorf("record %q offset %d inside header reserve: %w", a.key, a.offset, ErrCorruptHeader)
		}

		if a.size > h.capacity || a.offset > h.capacity-a.size {
			return fmt.Errorf("record %q [%d,+%d) exceeds capacity %d: %w", a.key, a.offset, a.size, h.capacity, ErrCorruptHeader)
		}

		if a.offset < prevEnd {
			return fmt.Errorf("record %q overlaps %q: %w", a.key, prevKey, ErrCorruptHeader)
		}

		if a.expiresAt < a.createdAt {
			return fmt.Errorf("record %q expires before it was created: %w", a.key, ErrCorruptHeader)
		}

		prevEnd = max(prevEnd, a.end())
		prevKey = a.key
	}

	return nil
}
