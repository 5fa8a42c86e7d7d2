// Package wal implements the single-file ring-buffer write-ahead log
// described in spec §4.6: fixed-size region, framed records with a CRC32C
// trailer, a monotonic sequence number, replay from a checkpoint, and a
// configurable fsync policy.
//
// This is adapted from akashi's internal/service/trace.WAL, which frames
// records the same way (magic | seq | length | payload | crc) but spans
// multiple growable segment files; Wax's WAL instead lives inside one
// fixed-size ring region of the single MV2S file, so segment rotation
// becomes wraparound and segment cleanup becomes checkpoint-relative free
// space accounting.
package wal

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"log/slog"
	"os"
	"sync"

	"go.opentelemetry.io/otel/metric"

	"github.com/wax-db/wax/internal/waxerr"
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Magic identifies a WAL record header.
var recordMagic = [4]byte{'W', 'A', 'L', 'R'}

const (
	recordHeaderSize = 4 + 8 + 4 + 1 // magic + seq + length + payload_type
	recordCRCSize    = 4
	recordOverhead   = recordHeaderSize + recordCRCSize
)

// PayloadType tags the kind of mutation a WAL record carries (spec §4.6).
type PayloadType uint8

const (
	PayloadFrameWrite PayloadType = iota
	PayloadEmbeddingPut
	PayloadDelete
	PayloadSupersede
	PayloadLexMutation
	PayloadVectorMutation
	PayloadCommitMarker
)

// FsyncPolicy controls when WAL writes are flushed to stable storage.
type FsyncPolicy int

const (
	// FsyncOnCommit (default) flushes only when the commit coordinator
	// calls Flush: at the start of a commit and again right after the
	// commit-marker record is appended.
	FsyncOnCommit FsyncPolicy = iota
	// FsyncPerRecord flushes after every Append/AppendBatch call.
	FsyncPerRecord
)

// Record is one decoded WAL entry, as produced by Replay.
type Record struct {
	Seq         uint64
	PayloadType PayloadType
	Payload     []byte
}

// PendingWrite is one record queued for Append/AppendBatch.
type PendingWrite struct {
	PayloadType PayloadType
	Payload     []byte
}

// WAL manages one ring-buffer region of the file: [offset, offset+size).
// All positions held internally are relative to offset.
type WAL struct {
	f      *os.File
	offset uint64
	size   uint64
	policy FsyncPolicy
	logger *slog.Logger

	mu            sync.Mutex
	cond          *sync.Cond
	writePos      uint64
	checkpointPos uint64
	used          uint64 // bytes logically occupied since the last checkpoint
	nextSeq       uint64
	committedSeq  uint64
}

// Open attaches a WAL manager to an already-open file at the given ring
// region, seeded with the positions recovered from the selected header
// page (spec §4.6 step 1). meter may be nil, in which case no metrics are
// registered.
func Open(f *os.File, offset, size, writePos, checkpointPos, committedSeq uint64, policy FsyncPolicy, logger *slog.Logger, meter metric.Meter) (*WAL, error) {
	if writePos > size || checkpointPos > size {
		return nil, waxerr.New(waxerr.KindInvalidHeader, "wal.open", fmt.Errorf("write_pos/checkpoint_pos exceed wal_size"))
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &WAL{
		f:             f,
		offset:        offset,
		size:          size,
		policy:        policy,
		logger:        logger,
		writePos:      writePos,
		checkpointPos: checkpointPos,
		nextSeq:       committedSeq + 1,
		committedSeq:  committedSeq,
		used:          ringUsed(writePos, checkpointPos, size),
	}
	w.cond = sync.NewCond(&w.mu)
	if err := w.registerMetrics(meter); err != nil {
		return nil, waxerr.New(waxerr.KindInvalidHeader, "wal.open", err)
	}
	return w, nil
}

// registerMetrics wires the wax.wal.write_pos / wax.wal.checkpoint_pos /
// wax.wal.pending_bytes observable gauges (spec §10.5), adapted from
// akashi's WAL.registerMetrics in its trace package.
func (w *WAL) registerMetrics(meter metric.Meter) error {
	if meter == nil {
		return nil
	}
	if _, err := meter.Int64ObservableGauge("wax.wal.write_pos",
		metric.WithDescription("current relative WAL write position"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			obs.Observe(int64(w.WritePos())) //nolint:gosec // WAL offsets are bounded by wal_size, far under int64 range
			return nil
		}),
	); err != nil {
		return fmt.Errorf("register wax.wal.write_pos: %w", err)
	}
	if _, err := meter.Int64ObservableGauge("wax.wal.checkpoint_pos",
		metric.WithDescription("current relative WAL checkpoint position"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			obs.Observe(int64(w.CheckpointPos())) //nolint:gosec // WAL offsets are bounded by wal_size, far under int64 range
			return nil
		}),
	); err != nil {
		return fmt.Errorf("register wax.wal.checkpoint_pos: %w", err)
	}
	if _, err := meter.Int64ObservableGauge("wax.wal.pending_bytes",
		metric.WithDescription("bytes logically occupied in the WAL ring since the last checkpoint"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			obs.Observe(int64(w.PendingBytes())) //nolint:gosec // WAL offsets are bounded by wal_size, far under int64 range
			return nil
		}),
	); err != nil {
		return fmt.Errorf("register wax.wal.pending_bytes: %w", err)
	}
	return nil
}

func ringUsed(writePos, checkpointPos, size uint64) uint64 {
	if writePos >= checkpointPos {
		return writePos - checkpointPos
	}
	return size - checkpointPos + writePos
}

// WritePos returns the current relative write position.
func (w *WAL) WritePos() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writePos
}

// CheckpointPos returns the current relative checkpoint position.
func (w *WAL) CheckpointPos() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.checkpointPos
}

// CommittedSeq returns the highest sequence number covered by the last
// checkpoint.
func (w *WAL) CommittedSeq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.committedSeq
}

// PendingBytes reports how many bytes are logically in use since the last
// checkpoint, for the wax.wal.pending_bytes metric (§10.5).
func (w *WAL) PendingBytes() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.used
}

// NextSeq returns the sequence number that will be assigned to the next
// appended record. The commit coordinator reads NextSeq()-1 as the highest
// sequence covered by everything written so far when building a footer's
// wal_committed_seq (spec §4.8 step 5).
func (w *WAL) NextSeq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nextSeq
}

// AppendBatch frames and writes each item in order, blocking (subject to
// ctx cancellation) under FsyncOnCommit if the ring has no room until a
// commit calls Checkpoint to free space — the wrap-around behavior
// required by spec §8's boundary tests. Returns the assigned sequence
// numbers in order.
func (w *WAL) AppendBatch(ctx context.Context, items []PendingWrite) ([]uint64, error) {
	if len(items) == 0 {
		return nil, nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	seqs := make([]uint64, 0, len(items))
	for _, item := range items {
		seq, err := w.appendLocked(ctx, item)
		if err != nil {
			return seqs, err
		}
		seqs = append(seqs, seq)
	}

	if w.policy == FsyncPerRecord {
		if err := w.f.Sync(); err != nil {
			return seqs, waxerr.New(waxerr.KindIO, "wal.append_batch", err)
		}
	}
	return seqs, nil
}

// Append frames and writes a single record.
func (w *WAL) Append(ctx context.Context, payloadType PayloadType, payload []byte) (uint64, error) {
	seqs, err := w.AppendBatch(ctx, []PendingWrite{{PayloadType: payloadType, Payload: payload}})
	if err != nil {
		return 0, err
	}
	return seqs[0], nil
}

// appendLocked must be called with w.mu held.
func (w *WAL) appendLocked(ctx context.Context, item PendingWrite) (uint64, error) {
	needed := uint64(recordOverhead + len(item.Payload))
	if needed > w.size {
		return 0, waxerr.New(waxerr.KindCapacityExceeded, "wal.append", fmt.Errorf("record of %d bytes exceeds wal_size %d", needed, w.size))
	}

	for {
		toEnd := w.size - w.writePos
		wastedTail := uint64(0)
		if toEnd < needed {
			wastedTail = toEnd
		}
		if w.used+needed+wastedTail <= w.size {
			break
		}
		if err := w.waitForSpace(ctx); err != nil {
			return 0, err
		}
	}

	if w.size-w.writePos < needed {
		// Not enough contiguous room before the ring boundary; wrap. The
		// wasted tail bytes become unreadable padding that replay detects
		// as a short/invalid header and skips by wrapping too.
		w.used += w.size - w.writePos
		w.writePos = 0
	}

	seq := w.nextSeq
	w.nextSeq++

	buf := encodeRecord(seq, item.PayloadType, item.Payload)
	if err := writeAt(w.f, buf, int64(w.offset+w.writePos)); err != nil {
		return 0, waxerr.Wrap("wal.append", err)
	}
	w.writePos += uint64(len(buf))
	w.used += uint64(len(buf))
	return seq, nil
}

// waitForSpace blocks until Checkpoint frees room or ctx is done. Callers
// must hold w.mu; it is released while waiting.
func (w *WAL) waitForSpace(ctx context.Context) error {
	done := ctx.Done()
	if done == nil {
		w.cond.Wait()
		return nil
	}

	woken := make(chan struct{})
	stop := make(chan struct{})
	go func() {
		select {
		case <-done:
			w.mu.Lock()
			w.cond.Broadcast()
			w.mu.Unlock()
		case <-stop:
		}
		close(woken)
	}()
	defer func() { close(stop); <-woken }()

	w.cond.Wait()
	select {
	case <-done:
		return waxerr.New(waxerr.KindIO, "wal.append", ctx.Err())
	default:
		return nil
	}
}

// Flush fsyncs the WAL region; the commit coordinator calls it at the
// start of a commit (spec §4.8 step 1) and again right after appending the
// commit-marker record.
func (w *WAL) Flush() error {
	if err := w.f.Sync(); err != nil {
		return waxerr.New(waxerr.KindIO, "wal.flush", err)
	}
	return nil
}

// Checkpoint advances the checkpoint position to the current write
// position and the committed sequence to the given value, freeing ring
// space and waking any blocked Append calls (spec §4.8 step 7).
func (w *WAL) Checkpoint(committedSeq uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.checkpointPos = w.writePos
	w.committedSeq = committedSeq
	w.used = 0
	w.cond.Broadcast()
}

// Replay scans forward from checkpointPos, stopping at the first CRC
// failure, truncated record, or bad magic at ring offset 0 (a "torn tail";
// bad magic elsewhere is wrap padding and scanning resumes at offset 0). It
// never returns a non-nil error. It returns the
// records whose seq is greater than committedSeq (not yet reflected in the
// committed TOC) — the set the caller must replay into in-memory pending
// state (spec §4.6 step 2).
func Replay(f *os.File, offset, size, writePos, checkpointPos, committedSeq uint64) ([]Record, error) {
	var records []Record
	pos := checkpointPos
	for pos != writePos {
		hdr := make([]byte, recordHeaderSize)
		if err := readAt(f, hdr, int64(offset+pos)); err != nil {
			break // short read at the ring boundary: torn tail, stop
		}
		if hdr[0] != recordMagic[0] || hdr[1] != recordMagic[1] || hdr[2] != recordMagic[2] || hdr[3] != recordMagic[3] {
			if pos != 0 {
				// Wrapped padding left by a writer that ran out of
				// contiguous room; continue from the start of the ring.
				pos = 0
				continue
			}
			break
		}
		seq := binary.LittleEndian.Uint64(hdr[4:12])
		length := binary.LittleEndian.Uint32(hdr[12:16])
		payloadType := PayloadType(hdr[16])

		total := recordHeaderSize + int(length) + recordCRCSize
		if uint64(total) > size {
			break
		}
		rest := make([]byte, int(length)+recordCRCSize)
		if err := readAt(f, rest, int64(offset+pos)+recordHeaderSize); err != nil {
			break
		}
		payload := rest[:length]
		gotCRC := binary.LittleEndian.Uint32(rest[length:])
		wantCRC := crc32.Checksum(append(append([]byte{}, hdr...), payload...), crcTable)
		if gotCRC != wantCRC {
			break
		}

		if seq > committedSeq {
			records = append(records, Record{Seq: seq, PayloadType: payloadType, Payload: payload})
		}
		pos += uint64(total)
		if pos > size {
			break
		}
		if pos == size {
			pos = 0
		}
	}
	return records, nil
}

func encodeRecord(seq uint64, payloadType PayloadType, payload []byte) []byte {
	hdr := make([]byte, recordHeaderSize)
	copy(hdr[0:4], recordMagic[:])
	binary.LittleEndian.PutUint64(hdr[4:12], seq)
	binary.LittleEndian.PutUint32(hdr[12:16], uint32(len(payload))) //nolint:gosec // bounded by wal_size
	hdr[16] = byte(payloadType)

	crc := crc32.Checksum(append(append([]byte{}, hdr...), payload...), crcTable)
	out := make([]byte, 0, len(hdr)+len(payload)+recordCRCSize)
	out = append(out, hdr...)
	out = append(out, payload...)
	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], crc)
	out = append(out, crcBuf[:]...)
	return out
}

func writeAt(f *os.File, p []byte, off int64) error {
	n, err := f.WriteAt(p, off)
	if err != nil {
		return waxerr.New(waxerr.KindIO, "wal.write", err)
	}
	if n != len(p) {
		return waxerr.New(waxerr.KindIO, "wal.write", fmt.Errorf("short write %d/%d", n, len(p)))
	}
	return nil
}

func readAt(f *os.File, p []byte, off int64) error {
	n, err := f.ReadAt(p, off)
	if err != nil && n != len(p) {
		return waxerr.New(waxerr.KindIO, "wal.read", err)
	}
	return nil
}

// CommitMarker is the payload of a PayloadCommitMarker record (spec §4.6).
type CommitMarker struct {
	Generation uint64
	TOCOffset  uint64
	TOCLen     uint64
	TOCHash    [32]byte
}

// Encode serializes the marker to bytes.
func (c *CommitMarker) Encode() []byte {
	buf := make([]byte, 8+8+8+32)
	binary.LittleEndian.PutUint64(buf[0:8], c.Generation)
	binary.LittleEndian.PutUint64(buf[8:16], c.TOCOffset)
	binary.LittleEndian.PutUint64(buf[16:24], c.TOCLen)
	copy(buf[24:56], c.TOCHash[:])
	return buf
}

// DecodeCommitMarker parses a marker payload.
func DecodeCommitMarker(buf []byte) (*CommitMarker, error) {
	if len(buf) != 56 {
		return nil, waxerr.New(waxerr.KindWALCorruption, "wal.decode_commit_marker", fmt.Errorf("commit marker is %d bytes, want 56", len(buf)))
	}
	c := &CommitMarker{
		Generation: binary.LittleEndian.Uint64(buf[0:8]),
		TOCOffset:  binary.LittleEndian.Uint64(buf[8:16]),
		TOCLen:     binary.LittleEndian.Uint64(buf[16:24]),
	}
	copy(c.TOCHash[:], buf[24:56])
	return c, nil
}
