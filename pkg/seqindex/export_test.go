package seqindex

import "encoding/binary"

// EntrySectorOffset returns the byte offset of the sector that stores the key
// in buf, or false if the key is not stored.
func EntrySectorOffset(buf []byte, sessionID int64, sequenceIndex int32) (int, bool) {
	hdr, err := ValidateHeader(buf)
	if err != nil {
		return 0, false
	}

	reg := hdr.entryRegion()
	slots := reg.slots()
	home := int(entryKeyHash(sessionID, sequenceIndex) % uint64(slots))

	for i := range slots {
		slot := (home + i) % slots
		off := reg.slotOffset(slot)

		w1 := binary.LittleEndian.Uint64(buf[off+8:])
		if entryIsEmpty(w1) {
			return 0, false
		}

		idx, _ := unpackEntryW1(w1)
		if int64(binary.LittleEndian.Uint64(buf[off:])) == sessionID && idx == sequenceIndex {
			return reg.sectorOffset(slot / RecordsPerSector), true
		}
	}

	return 0, false
}

// Generation returns the raw generation counter of buf.
func Generation(buf []byte) uint64 {
	return binary.LittleEndian.Uint64(buf[offGeneration:])
}

const OffGeneration = offGeneration

// EntryHomeSlot returns the first slot probed for the key in a region of
// slots slots.
func EntryHomeSlot(sessionID int64, sequenceIndex int32, slots int) int {
	return int(entryKeyHash(sessionID, sequenceIndex) % uint64(slots))
}

// PositionHomeSlot returns the first slot probed for the connection in a
// region of slots slots.
func PositionHomeSlot(connectionID int64, slots int) int {
	return int(positionKeyHash(connectionID) % uint64(slots))
}

// PositionRegionOffset returns the byte offset of the first position sector.
func PositionRegionOffset(h Header) int {
	return h.positionRegion().base
}

// SetMaxCapacity lowers the capacity bound rolls may reach.
func SetMaxCapacity(w *Writer, n uint64) {
	w.maxCapacity = n
}
