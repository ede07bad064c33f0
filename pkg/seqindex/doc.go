// Package seqindex provides a persistent, crash-recoverable index from a FIX
// session and sequence epoch to the last sequence number seen, plus the
// stream position indexed for every inbound connection.
//
// # Basic Usage
//
//	store, err := seqindex.NewFileStore(fs.NewReal(), "/var/lib/fixgate/seqnums", seqindex.FileStoreOptions{})
//	if err != nil {
//	    return err // [ErrBusy] if another writer owns the index
//	}
//
//	w, err := seqindex.Open(seqindex.Options{Store: store, FlushInterval: time.Second})
//	if err != nil {
//	    return err
//	}
//	defer w.Close()
//
//	// Ingestion loop
//	w.OnRecord(seqindex.Record{SessionID: 7, SequenceNumber: 42, ConnectionID: 1, StreamOffset: 128})
//	w.DoWork()
//
//	// Recovery, possibly in another process
//	r, err := seqindex.OpenReader("/var/lib/fixgate/seqnums", handler)
//	seq, ok := r.LastKnownSequenceNumber(7, 0)
//
// # Layout
//
// The live table is a byte buffer in exactly the persisted layout: a 64-byte
// header followed by 4096-byte sectors of 16-byte records, each sector ending
// in a CRC32-C of its records. Entries and positions live in two
// open-addressed regions. A flush writes the buffer out with stage-then-swap,
// so recovery always sees either the previous or the new complete snapshot.
//
// # Concurrency
//
// One goroutine drives a [Writer]. Any number of [Reader] values may read the
// live buffer or a mapped snapshot concurrently without locks: the Writer
// brackets every mutation with a seqlock generation counter, and Readers
// verify sector checksums and retry reads that overlap a write.
//
// # Error Handling
//
// Corruption and I/O failures never fail lookups or ingestion. They are
// delivered as [*Fault] values to an [ErrorHandler] and the affected data
// resolves as unseen ([UnknownSession]).
package seqindex
