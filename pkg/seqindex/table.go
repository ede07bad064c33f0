package seqindex

// table is a live buffer in the persisted layout, owned by one [Writer].
//
// Only the owning goroutine mutates it. Every mutation runs inside a seqlock
// section: generation goes odd, record words are stored atomically, the
// touched sector's checksum is recomputed, generation goes even. Readers over
// the same buffer copy sectors with atomic loads and retry on overlap, so the
// buffer needs no lock.
type table struct {
	buf       []byte
	hdr       Header
	entries   region
	positions region

	entryCount    int
	positionCount int
}

func newTable(entryCap, positionCap uint64) *table {
	hdr := newHeader(entryCap, positionCap)
	buf := make([]byte, hdr.Size())

	encodeHeader(buf, hdr)

	t := &table{
		buf:       buf,
		hdr:       hdr,
		entries:   hdr.entryRegion(),
		positions: hdr.positionRegion(),
	}

	t.clearRecords()
	t.sealAll()

	return t
}

func (t *table) beginWrite() {
	storeWord(t.buf, offGeneration, loadWord(t.buf, offGeneration)+1)
}

func (t *table) endWrite() {
	storeWord(t.buf, offGeneration, loadWord(t.buf, offGeneration)+1)
}

// clearRecords sets every slot to its empty marker without touching checksums.
func (t *table) clearRecords() {
	for slot := range t.entries.slots() {
		off := t.entries.slotOffset(slot)
		storeWord(t.buf, off, 0)
		storeWord(t.buf, off+8, emptyEntryW1)
	}

	for slot := range t.positions.slots() {
		off := t.positions.slotOffset(slot)
		storeWord(t.buf, off, 0)
		storeWord(t.buf, off+8, 0)
	}

	t.entryCount = 0
	t.positionCount = 0
}

func (t *table) seal(r region, sector int) {
	off := r.sectorOffset(sector)
	crc := SectorChecksum(t.buf[off : off+SectorSize])

	storeWord(t.buf, off+sectorTailWordOff, uint64(crc)<<32)
}

func (t *table) sealAll() {
	for s := range t.entries.sectors {
		t.seal(t.entries, s)
	}

	for s := range t.positions.sectors {
		t.seal(t.positions, s)
	}
}

// findEntry returns the slot holding the key, or the first empty slot of the
// key's probe sequence when it is absent.
func (t *table) findEntry(sessionID int64, sequenceIndex int32) (int, bool) {
	n := t.entries.slots()
	home := int(entryKeyHash(sessionID, sequenceIndex) % uint64(n))

	for i := range n {
		slot := (home + i) % n
		off := t.entries.slotOffset(slot)

		w1 := loadWord(t.buf, off+8)
		if entryIsEmpty(w1) {
			return slot, false
		}

		idx, _ := unpackEntryW1(w1)
		if int64(loadWord(t.buf, off)) == sessionID && idx == sequenceIndex {
			return slot, true
		}
	}

	return -1, false
}

func (t *table) findPosition(connectionID int64) (int, bool) {
	n := t.positions.slots()
	home := int(positionKeyHash(connectionID) % uint64(n))

	for i := range n {
		slot := (home + i) % n
		off := t.positions.slotOffset(slot)

		if loadWord(t.buf, off+8) == 0 {
			return slot, false
		}

		if int64(loadWord(t.buf, off)) == connectionID {
			return slot, true
		}
	}

	return -1, false
}

func (t *table) lookupEntry(sessionID int64, sequenceIndex int32) (int32, bool) {
	slot, found := t.findEntry(sessionID, sequenceIndex)
	if !found {
		return UnknownSession, false
	}

	_, seq := unpackEntryW1(loadWord(t.buf, t.entries.slotOffset(slot)+8))

	return seq, true
}

func (t *table) lookupPosition(connectionID int64) int64 {
	slot, found := t.findPosition(connectionID)
	if !found {
		return 0
	}

	return int64(loadWord(t.buf, t.positions.slotOffset(slot)+8))
}

// setEntry upserts a key. It returns false without mutating anything when the
// key is new and the table already holds EntryCapacity keys.
func (t *table) setEntry(sessionID int64, sequenceIndex, sequenceNumber int32) bool {
	slot, found := t.findEntry(sessionID, sequenceIndex)
	off := t.entries.slotOffset(max(slot, 0))
	w1 := packEntryW1(sequenceIndex, sequenceNumber)

	if found {
		if loadWord(t.buf, off+8) == w1 {
			return true
		}
	} else {
		if slot < 0 || uint64(t.entryCount) >= t.hdr.EntryCapacity {
			return false
		}

		t.entryCount++
	}

	t.beginWrite()
	storeWord(t.buf, off, uint64(sessionID))
	storeWord(t.buf, off+8, w1)
	t.seal(t.entries, slot/RecordsPerSector)
	t.endWrite()

	return true
}

// entryFits reports whether setEntry can store the key without a roll.
func (t *table) entryFits(sessionID int64, sequenceIndex int32) bool {
	slot, found := t.findEntry(sessionID, sequenceIndex)

	return found || (slot >= 0 && uint64(t.entryCount) < t.hdr.EntryCapacity)
}

// positionFits reports whether advancePosition can apply without a roll.
func (t *table) positionFits(connectionID, position int64) bool {
	if position <= 0 {
		return true
	}

	slot, found := t.findPosition(connectionID)

	return found || (slot >= 0 && uint64(t.positionCount) < t.hdr.PositionCapacity)
}

// advancePosition raises a connection's position. Non-positive positions and
// positions at or below the current value are ignored. It returns false
// without mutating anything when the connection is new and the table already
// holds PositionCapacity connections.
func (t *table) advancePosition(connectionID, position int64) bool {
	if position <= 0 {
		return true
	}

	slot, found := t.findPosition(connectionID)
	off := t.positions.slotOffset(max(slot, 0))

	if found {
		if int64(loadWord(t.buf, off+8)) >= position {
			return true
		}
	} else {
		if slot < 0 || uint64(t.positionCount) >= t.hdr.PositionCapacity {
			return false
		}

		t.positionCount++
	}

	t.beginWrite()
	storeWord(t.buf, off, uint64(connectionID))
	storeWord(t.buf, off+8, uint64(position))
	t.seal(t.positions, slot/RecordsPerSector)
	t.endWrite()

	return true
}

// reset clears every entry and position inside a single seqlock section.
func (t *table) reset() {
	t.beginWrite()
	t.clearRecords()
	t.sealAll()
	t.endWrite()
}

// placeEntry and placePosition store records into a table no reader has seen
// yet. Callers seal the table once every record is placed.
func (t *table) placeEntry(sessionID int64, sequenceIndex, sequenceNumber int32) {
	slot, found := t.findEntry(sessionID, sequenceIndex)
	if slot < 0 {
		panic("seqindex: rebuild target too small")
	}

	if !found {
		t.entryCount++
	}

	off := t.entries.slotOffset(slot)
	storeWord(t.buf, off, uint64(sessionID))
	storeWord(t.buf, off+8, packEntryW1(sequenceIndex, sequenceNumber))
}

func (t *table) placePosition(connectionID, position int64) {
	if position <= 0 {
		return
	}

	slot, found := t.findPosition(connectionID)
	if slot < 0 {
		panic("seqindex: rebuild target too small")
	}

	off := t.positions.slotOffset(slot)

	if found && int64(loadWord(t.buf, off+8)) >= position {
		return
	}

	if !found {
		t.positionCount++
	}

	storeWord(t.buf, off, uint64(connectionID))
	storeWord(t.buf, off+8, uint64(position))
}

func (t *table) forEachEntry(fn func(Entry)) {
	for slot := range t.entries.slots() {
		off := t.entries.slotOffset(slot)

		w1 := loadWord(t.buf, off+8)
		if entryIsEmpty(w1) {
			continue
		}

		idx, seq := unpackEntryW1(w1)
		fn(Entry{SessionID: int64(loadWord(t.buf, off)), SequenceIndex: idx, SequenceNumber: seq})
	}
}

func (t *table) forEachPosition(fn func(Position)) {
	for slot := range t.positions.slots() {
		off := t.positions.slotOffset(slot)

		pos := int64(loadWord(t.buf, off+8))
		if pos == 0 {
			continue
		}

		fn(Position{ConnectionID: int64(loadWord(t.buf, off)), Position: pos})
	}
}

// grown returns a sealed copy of t with at least the given capacities.
func (t *table) grown(entryCap, positionCap uint64) *table {
	next := newTable(max(entryCap, t.hdr.EntryCapacity), max(positionCap, t.hdr.PositionCapacity))

	t.forEachEntry(func(e Entry) { next.placeEntry(e.SessionID, e.SequenceIndex, e.SequenceNumber) })
	t.forEachPosition(func(p Position) { next.placePosition(p.ConnectionID, p.Position) })
	next.sealAll()

	return next
}
