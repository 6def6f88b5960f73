package birch

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ValentinKolb/tKV/lib/db"
	"github.com/ValentinKolb/tKV/lib/db/engines/birch/internal"
)

// Constants of the snapshot stream format
const (
	magicNum     = "BIRCHDB\x00" // Stream format identifier
	birchVersion = 1             // Stream format version
)

/*
Snapshot stream layout (all integers little-endian):

	magic       [8]byte  "BIRCHDB\x00"
	version     uint8
	commitSeq   uint64   sequence number the snapshot was taken at
	indexCount  uint32
	per index:
		nameLen     uint16
		name        [nameLen]byte
		keyType     uint8
		recordCount uint64
		per record:
			key         see internal.WriteKey
			valueLen    uint32
			value       [valueLen]byte
*/

// savedIndex is the committed content of one index at a snapshot
type savedIndex struct {
	name    string
	keyType db.KeyType
	records []db.Record
}

// Save writes all records visible at the latest commit to w.
// Concurrent reads and writes are allowed during Save, they are not part of the stream.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (b *birchDB) Save(w io.Writer) error {
	if err := b.clock.checkOpen(); err != nil {
		return err
	}

	// pin the snapshot so gc keeps every version it needs while we copy
	pinID, snapshot := b.clock.pin()
	defer b.clock.unpin(pinID)

	var saved []savedIndex
	for _, name := range b.ListIndices() {
		idx, ok := b.indices.Load(name)
		if !ok {
			continue // dropped in the meantime
		}

		s := savedIndex{name: idx.name, keyType: idx.keyType}
		idx.mu.RLock()
		idx.tree.Ascend(func(e *internal.Entry) bool {
			if v, ok := e.Visible(snapshot); ok {
				s.records = append(s.records, db.NewRecord(e.Key, v.Value))
			}
			return true
		})
		idx.mu.RUnlock()
		saved = append(saved, s)
	}

	if err := writeSnapshot(w, snapshot, saved); err != nil {
		return db.NewError(db.KindFailure, "save failed: %v", err)
	}

	Logger.Infof("saved %d index(es) at commit %d", len(saved), snapshot)
	return nil
}

func writeSnapshot(w io.Writer, snapshot uint64, saved []savedIndex) error {
	bw := bufio.NewWriterSize(w, 1024*1024) // 1 MB buffer

	if _, err := bw.WriteString(magicNum); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, uint8(birchVersion)); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, snapshot); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, uint32(len(saved))); err != nil {
		return err
	}

	for _, s := range saved {
		if err := binary.Write(bw, binary.LittleEndian, uint16(len(s.name))); err != nil {
			return err
		}
		if _, err := bw.WriteString(s.name); err != nil {
			return err
		}
		if err := binary.Write(bw, binary.LittleEndian, uint8(s.keyType)); err != nil {
			return err
		}
		if err := binary.Write(bw, binary.LittleEndian, uint64(len(s.records))); err != nil {
			return err
		}

		for _, rec := range s.records {
			if err := internal.WriteKey(bw, rec.Key); err != nil {
				return err
			}
			if err := binary.Write(bw, binary.LittleEndian, uint32(len(rec.Value))); err != nil {
				return err
			}
			if _, err := bw.Write(rec.Value); err != nil {
				return err
			}
		}
	}

	return bw.Flush()
}

// Load replaces all indices with the content of a stream written by Save.
// The stream is decoded completely before anything is replaced, a corrupt
// stream leaves the database unchanged.
//
// Thread-safety: Load fails while index handles are open or transactions are active.
func (b *birchDB) Load(r io.Reader) error {
	if err := b.clock.checkOpen(); err != nil {
		return err
	}

	loaded, err := b.readSnapshot(r)
	if err != nil {
		return db.NewError(db.KindFailure, "load failed: %v", err)
	}

	b.clock.commitMu.Lock()
	defer b.clock.commitMu.Unlock()
	b.registryMu.Lock()
	defer b.registryMu.Unlock()

	if n := b.activeTxns.Load(); n > 0 {
		return db.NewError(db.KindFailure, "cannot load while %d transaction(s) are active", n)
	}
	if n := b.handles.Size(); n > 0 {
		return db.NewError(db.KindFailure, "cannot load while %d index handle(s) are open", n)
	}

	// invalidate the old indices, gc forgets their pending keys
	b.indices.Range(func(name string, idx *index) bool {
		idx.dropped.Store(true)
		return true
	})
	b.indices.Clear()

	// the loaded state becomes visible as one commit
	seq := b.clock.current() + 1
	records := 0
	for _, idx := range loaded {
		idx.tree.Ascend(func(e *internal.Entry) bool {
			for i := range e.Versions {
				e.Versions[i].Seq = seq
			}
			idx.latest.Store(e.Key, seq)
			records++
			return true
		})
		b.indices.Store(idx.name, idx)
	}
	b.clock.publish(seq)

	Logger.Infof("loaded %d index(es) with %d record(s)", len(loaded), records)
	return nil
}

// readSnapshot decodes a stream into new, unregistered indices
func (b *birchDB) readSnapshot(r io.Reader) ([]*index, error) {
	br := bufio.NewReaderSize(r, 1024*1024) // 1 MB buffer

	magic := make([]byte, len(magicNum))
	if _, err := io.ReadFull(br, magic); err != nil {
		return nil, err
	}
	if string(magic) != magicNum {
		return nil, errInvalidFormat("magic number mismatch")
	}

	var version uint8
	if err := binary.Read(br, binary.LittleEndian, &version); err != nil {
		return nil, err
	}
	if version != birchVersion {
		return nil, errInvalidFormat("unsupported version %d (expected %d)", version, birchVersion)
	}

	var savedAt uint64
	if err := binary.Read(br, binary.LittleEndian, &savedAt); err != nil {
		return nil, err
	}

	var indexCount uint32
	if err := binary.Read(br, binary.LittleEndian, &indexCount); err != nil {
		return nil, err
	}

	names := make(map[string]struct{}, indexCount)
	loaded := make([]*index, 0, indexCount)

	for i := uint32(0); i < indexCount; i++ {
		var nameLen uint16
		if err := binary.Read(br, binary.LittleEndian, &nameLen); err != nil {
			return nil, err
		}
		nameBytes := make([]byte, nameLen)
		if _, err := io.ReadFull(br, nameBytes); err != nil {
			return nil, err
		}
		name := string(nameBytes)
		if name == "" {
			return nil, errInvalidFormat("empty index name")
		}
		if _, dup := names[name]; dup {
			return nil, errInvalidFormat("duplicate index %s", name)
		}
		names[name] = struct{}{}

		var rawType uint8
		if err := binary.Read(br, binary.LittleEndian, &rawType); err != nil {
			return nil, err
		}
		keyType := db.KeyType(rawType)
		if !keyType.Valid() {
			return nil, errInvalidFormat("index %s has invalid key type %d", name, rawType)
		}

		var recordCount uint64
		if err := binary.Read(br, binary.LittleEndian, &recordCount); err != nil {
			return nil, err
		}

		idx := newIndex(name, keyType, b.clock, b.opts)
		if err := readRecords(br, idx, recordCount); err != nil {
			return nil, err
		}
		loaded = append(loaded, idx)
	}

	Logger.Debugf("decoded snapshot taken at commit %d with %d index(es)", savedAt, len(loaded))
	return loaded, nil
}

// readRecords decodes count records into the tree of idx
func readRecords(br *bufio.Reader, idx *index, count uint64) error {
	for j := uint64(0); j < count; j++ {
		key, err := internal.ReadKey(br, idx.keyType)
		if err != nil {
			return err
		}
		if err := idx.validateKey(key); err != nil {
			return err
		}

		var valueLen uint32
		if err := binary.Read(br, binary.LittleEndian, &valueLen); err != nil {
			return err
		}
		value, err := readValue(br, valueLen)
		if err != nil {
			return errInvalidFormat("value of key %s in index %s: %v", key, idx.name, err)
		}

		entry := &internal.Entry{Key: key, Versions: []internal.Version{{Value: value}}}
		if _, dup := idx.tree.ReplaceOrInsert(entry); dup {
			return errInvalidFormat("duplicate key %s in index %s", key, idx.name)
		}
	}
	return nil
}

// readValue reads exactly n bytes, growing the buffer only as data arrives.
func readValue(r io.Reader, n uint32) ([]byte, error) {
	if n == 0 {
		return []byte{}, nil
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, io.LimitReader(r, int64(n))); err != nil {
		return nil, err
	}
	if buf.Len() != int(n) {
		return nil, fmt.Errorf("expected %d bytes, got %d", n, buf.Len())
	}
	return buf.Bytes(), nil
}

func errInvalidFormat(format string, args ...interface{}) error {
	return fmt.Errorf("invalid snapshot format: "+format, args...)
}
