package client

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"lexiquest-sync/domain"
)

const (
	frameHeaderSize = 16
	journalName     = "outbox.journal"
	checkpointName  = "checkpoint"
)

var (
	errOutboxClosed = errors.New("outbox closed")
	crcTable        = crc32.MakeTable(crc32.Castagnoli)
)

type outboxEntry struct {
	Seq        uint64       `json:"seq"`
	Event      domain.Event `json:"event"`
	EnqueuedAt time.Time    `json:"enqueuedAt"`
}

// Outbox is a durable, ordered queue of not-yet-confirmed events. Entries
// live in a crc-framed journal until a contiguous prefix has been
// acknowledged and the checkpoint advances past them. Acknowledgements
// beyond the contiguous prefix are held in memory only; after a crash they
// are forgotten and the events redelivered, which the server ledger absorbs.
type Outbox struct {
	dir string

	mu         sync.Mutex
	file       *os.File
	writer     *bufio.Writer
	size       int64
	nextSeq    uint64
	checkpoint uint64
	pending    []*outboxEntry
	seqByID    map[string]uint64
	acked      map[uint64]struct{}
	closed     bool
}

// OpenOutbox opens (or creates) the outbox journal in dir and recovers any
// entries that were enqueued but never confirmed. A corrupt or partially
// written tail is truncated; everything before it survives.
func OpenOutbox(dir string) (*Outbox, error) {
	if dir == "" {
		return nil, fmt.Errorf("outbox dir required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	o := &Outbox{
		dir:     dir,
		seqByID: make(map[string]uint64),
		acked:   make(map[uint64]struct{}),
	}

	checkpoint, err := o.readCheckpoint()
	if err != nil {
		return nil, err
	}
	o.checkpoint = checkpoint
	o.nextSeq = checkpoint + 1

	f, err := os.OpenFile(o.journalPath(), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	o.file = f

	if err := o.loadJournal(); err != nil {
		f.Close()
		return nil, err
	}

	if _, err := f.Seek(o.size, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	o.writer = bufio.NewWriterSize(f, 64*1024)
	return o, nil
}

func (o *Outbox) journalPath() string {
	return filepath.Join(o.dir, journalName)
}

func (o *Outbox) checkpointPath() string {
	return filepath.Join(o.dir, checkpointName)
}

func (o *Outbox) readCheckpoint() (uint64, error) {
	data, err := os.ReadFile(o.checkpointPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return 0, nil
	}
	val, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid checkpoint: %w", err)
	}
	return val, nil
}

func (o *Outbox) loadJournal() error {
	reader := bufio.NewReaderSize(o.file, 64*1024)
	var pos int64
	for {
		hdr := make([]byte, frameHeaderSize)
		start := pos
		n, err := io.ReadFull(reader, hdr)
		pos += int64(n)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				if truncErr := o.file.Truncate(start); truncErr != nil {
					return truncErr
				}
				pos = start
				break
			}
			return err
		}

		length := binary.LittleEndian.Uint32(hdr[0:4])
		crc := binary.LittleEndian.Uint32(hdr[4:8])
		seq := binary.LittleEndian.Uint64(hdr[8:16])
		if length == 0 {
			continue
		}
		buf := make([]byte, length)
		n, err = io.ReadFull(reader, buf)
		pos += int64(n)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				if truncErr := o.file.Truncate(start); truncErr != nil {
					return truncErr
				}
				pos = start
				break
			}
			return err
		}
		if crc32.Checksum(buf, crcTable) != crc {
			if err := o.file.Truncate(start); err != nil {
				return err
			}
			pos = start
			break
		}

		var entry outboxEntry
		if err := json.Unmarshal(buf, &entry); err != nil {
			return err
		}
		if entry.Seq != seq {
			return fmt.Errorf("journal seq mismatch: header=%d payload=%d", seq, entry.Seq)
		}
		if entry.Seq >= o.nextSeq {
			o.nextSeq = entry.Seq + 1
		}
		if entry.Seq > o.checkpoint {
			e := entry
			o.pending = append(o.pending, &e)
			o.seqByID[e.Event.ID] = e.Seq
		}
	}
	o.size = pos
	return nil
}

// Enqueue appends an event to the journal. It never touches the network and
// returns as soon as the entry is durable. Failures to serialize or persist
// are surfaced to the caller; there is nothing to retry at this layer.
func (o *Outbox) Enqueue(ev domain.Event) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return errOutboxClosed
	}

	entry := &outboxEntry{Seq: o.nextSeq, Event: ev, EnqueuedAt: time.Now().UTC()}
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	header := make([]byte, frameHeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[4:8], crc32.Checksum(payload, crcTable))
	binary.LittleEndian.PutUint64(header[8:16], entry.Seq)

	start := o.size
	if _, err := o.writer.Write(header); err != nil {
		return o.rollback(start, err)
	}
	if _, err := o.writer.Write(payload); err != nil {
		return o.rollback(start, err)
	}
	if err := o.writer.Flush(); err != nil {
		return o.rollback(start, err)
	}
	if err := o.file.Sync(); err != nil {
		return o.rollback(start, err)
	}

	o.size += int64(frameHeaderSize + len(payload))
	o.nextSeq++
	o.pending = append(o.pending, entry)
	o.seqByID[ev.ID] = entry.Seq
	return nil
}

func (o *Outbox) rollback(size int64, cause error) error {
	o.writer.Reset(o.file)
	if err := o.file.Truncate(size); err != nil {
		return errors.Join(cause, err)
	}
	if _, err := o.file.Seek(size, io.SeekStart); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// PeekBatch returns up to max of the oldest still-pending events without
// removing them. Delivery is at-least-once; removal happens only through
// Acknowledge.
func (o *Outbox) PeekBatch(max int) []domain.Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	if max <= 0 || len(o.pending) == 0 {
		return nil
	}
	if max > len(o.pending) {
		max = len(o.pending)
	}
	out := make([]domain.Event, 0, max)
	for _, entry := range o.pending[:max] {
		out = append(out, entry.Event)
	}
	return out
}

// Acknowledge removes the given ids from the queue. Unknown ids are ignored,
// so acknowledging an already-removed id is a no-op. The on-disk checkpoint
// advances over the contiguous acknowledged prefix; once nothing is pending
// the journal is compacted to zero length.
func (o *Outbox) Acknowledge(ids []string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return errOutboxClosed
	}
	if len(ids) == 0 {
		return nil
	}

	touched := false
	for _, id := range ids {
		seq, ok := o.seqByID[id]
		if !ok {
			continue
		}
		delete(o.seqByID, id)
		o.acked[seq] = struct{}{}
		touched = true
	}
	if !touched {
		return nil
	}

	kept := o.pending[:0]
	for _, entry := range o.pending {
		if _, ok := o.acked[entry.Seq]; !ok {
			kept = append(kept, entry)
		}
	}
	o.pending = kept

	advanced := false
	for {
		if _, ok := o.acked[o.checkpoint+1]; !ok {
			break
		}
		delete(o.acked, o.checkpoint+1)
		o.checkpoint++
		advanced = true
	}
	if advanced {
		if err := o.writeCheckpoint(); err != nil {
			return err
		}
	}

	if len(o.pending) == 0 && len(o.acked) == 0 {
		return o.compact()
	}
	return nil
}

func (o *Outbox) writeCheckpoint() error {
	path := o.checkpointPath()
	tmp := path + ".tmp"
	data := []byte(strconv.FormatUint(o.checkpoint, 10))
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := fsyncPath(tmp); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	return fsyncPath(o.dir)
}

func (o *Outbox) compact() error {
	o.writer.Reset(o.file)
	if err := o.file.Truncate(0); err != nil {
		return err
	}
	if _, err := o.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	o.size = 0
	return nil
}

// Size reports the number of pending events, for diagnostics only.
func (o *Outbox) Size() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

// OldestAge reports how long the oldest pending event has been waiting.
func (o *Outbox) OldestAge() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.pending) == 0 {
		return 0
	}
	age := time.Since(o.pending[0].EnqueuedAt)
	if age < 0 {
		age = 0
	}
	return age
}

// Close flushes and closes the journal. Pending entries stay on disk and are
// recovered by the next OpenOutbox.
func (o *Outbox) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	o.closed = true
	if err := o.writer.Flush(); err != nil {
		o.file.Close()
		return err
	}
	return o.file.Close()
}

func fsyncPath(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
