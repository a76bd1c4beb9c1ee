package segcache

// Gap is a free byte range in the value heap.
type Gap struct {
	Offset uint64
	Size   uint64
}

// firstFit walks the gaps between records (sorted by offset) from the end of
// the header reserve to the end of the segment and returns the start of the
// first gap of at least needed bytes.
//
// First-fit rather than best-fit: one pass, no bookkeeping beyond the index,
// at the cost of fragmentation over time.
func firstFit(records []*allocation, heapStart, capacity, needed uint64) (uint64, bool) {
	cursor := heapStart

	for _, a := range records {
		if a.offset >= cursor && a.offset-cursor >= needed {
			return cursor, true
		}

		cursor = max(cursor, a.end())
	}

	if capacity >= cursor && capacity-cursor >= needed {
		return cursor, true
	}

	return 0, false
}

// gaps lists every non-empty free range, in offset order.
func gaps(records []*allocation, heapStart, capacity uint64) []Gap {
	var out []Gap

	cursor := heapStart

	for _, a := range records {
		if a.offset > cursor {
			out = append(out, Gap{Offset: cursor, Size: a.offset - cursor})
		}

		cursor = max(cursor, a.end())
	}

	if capacity > cursor {
		out = append(out, Gap{Offset: cursor, Size: capacity - cursor})
	}

	return out
}

// place finds room for needed bytes among every indexed record, key's current
// one included, so an overwrite never lands on the bytes it replaces.
func (h *header) place(needed uint64) (uint64, bool) {
	return firstFit(h.sorted(), h.headerReserve, h.capacity, needed)
}

// collectExpired drops every expired record from the index. It shrinks the
// index only; heap bytes are left in place. Returns the number dropped.
func (h *header) collectExpired(nowNano int64) int {
	dropped := 0

	for key, a := range h.index {
		if a.expired(nowNano) {
			delete(h.index, key)

			dropped++
		}
	}

	return dropped
}
