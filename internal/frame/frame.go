// Package frame implements the append-only, content-addressed frame store
// described in spec §4.9: put/put_batch/delete/supersede, content and
// preview reads, and deep/shallow verification. Payload bytes are written
// eagerly on put; metadata is buffered as pending until the commit
// coordinator merges it into a new TOC.
package frame

import (
	"context"
	"fmt"
	"os"
	"sort"

	"go.opentelemetry.io/otel/metric"

	"github.com/wax-db/wax/internal/codec"
	"github.com/wax-db/wax/internal/compress"
	"github.com/wax-db/wax/internal/fsio"
	"github.com/wax-db/wax/internal/format"
	"github.com/wax-db/wax/internal/wal"
	"github.com/wax-db/wax/internal/waxerr"
	"github.com/wax-db/wax/internal/xsum"
)

// PutOptions configures one frame.Put call.
type PutOptions struct {
	TimestampMs       int64
	Role              format.Role
	ParentID          *int64
	ChunkIndex        *uint32
	ChunkCount        *uint32
	CanonicalEncoding format.Encoding
	URI               *string
	Title             *string
	SearchText        *string
	Metadata          map[string]string
	Tags              [][2]string
	Labels            []string
	ContentDate       *string
}

// Store manages the payload region and frame metadata for one open engine.
type Store struct {
	file *os.File
	wal  *wal.WAL

	maxBlobBytes uint64

	payloadEnd uint64 // next append offset, absolute file offset

	committed map[int64]*format.FrameMeta
	overrides map[int64]format.FrameMeta // status/backref changes to committed frames
	pendingNew []format.FrameMeta
	nextID     int64
}

// Open constructs a Store from the frames recovered from the TOC, the
// current payload-region write cursor, and the WAL to emit mutation
// records into.
func Open(file *os.File, w *wal.WAL, committedFrames []format.FrameMeta, payloadEnd uint64, maxBlobBytes uint64) *Store {
	committed := make(map[int64]*format.FrameMeta, len(committedFrames))
	nextID := int64(0)
	for i := range committedFrames {
		fm := committedFrames[i]
		committed[fm.ID] = &fm
		if fm.ID >= nextID {
			nextID = fm.ID + 1
		}
	}
	return &Store{
		file:         file,
		wal:          w,
		maxBlobBytes: maxBlobBytes,
		payloadEnd:   payloadEnd,
		committed:    committed,
		overrides:    make(map[int64]format.FrameMeta),
		nextID:       nextID,
	}
}

// Put stores content as a new frame and returns its id.
func (s *Store) Put(ctx context.Context, content []byte, opts PutOptions) (int64, error) {
	ids, err := s.PutBatch(ctx, [][]byte{content}, []PutOptions{opts})
	if err != nil {
		return 0, err
	}
	return ids[0], nil
}

// PutBatch stores N frames, amortizing WAL writes across the batch.
// Returned ids are contiguous.
func (s *Store) PutBatch(ctx context.Context, contents [][]byte, optsList []PutOptions) ([]int64, error) {
	if len(contents) != len(optsList) {
		return nil, waxerr.New(waxerr.KindEncodingError, "frame.put_batch", fmt.Errorf("contents/options length mismatch"))
	}

	ids := make([]int64, len(contents))
	metas := make([]format.FrameMeta, len(contents))
	records := make([]wal.PendingWrite, len(contents))

	for i, content := range contents {
		if uint64(len(content)) > s.maxBlobBytes {
			return nil, waxerr.CapacityExceeded("frame.put", int(s.maxBlobBytes), len(content))
		}
		opts := optsList[i]
		compressor, err := compress.Get(opts.CanonicalEncoding)
		if err != nil {
			return nil, waxerr.Wrap("frame.put", err)
		}
		stored, err := compressor.Encode(content)
		if err != nil {
			return nil, waxerr.Wrap("frame.put", err)
		}

		frameID := s.nextID + int64(i)
		offset := s.payloadEnd
		for j := 0; j < i; j++ {
			offset += metas[j].PayloadLength
		}

		fm := format.FrameMeta{
			ID:                frameID,
			TimestampMs:       opts.TimestampMs,
			Role:              opts.Role,
			ParentID:          opts.ParentID,
			ChunkIndex:        opts.ChunkIndex,
			ChunkCount:        opts.ChunkCount,
			PayloadOffset:     offset,
			PayloadLength:     uint64(len(stored)),
			CanonicalEncoding: opts.CanonicalEncoding,
			Status:            format.StatusActive,
			URI:               opts.URI,
			Title:             opts.Title,
			SearchText:        opts.SearchText,
			Metadata:          opts.Metadata,
			Tags:              opts.Tags,
			Labels:            opts.Labels,
			ContentDate:       opts.ContentDate,
		}
		canonicalChecksum := xsum.Content(content)
		fm.CanonicalChecksum = canonicalChecksum
		if opts.CanonicalEncoding != format.EncodingPlain {
			l := uint64(len(content))
			fm.CanonicalLength = &l
			if len(stored) > 0 {
				sc := xsum.Content(stored)
				fm.StoredChecksum = &sc
			}
		}

		if err := fsio.WriteAt(s.file, stored, int64(offset)); err != nil {
			return nil, waxerr.Wrap("frame.put", err)
		}

		ids[i] = frameID
		metas[i] = fm
		records[i] = wal.PendingWrite{PayloadType: wal.PayloadFrameWrite, Payload: encodeFrameWriteRecord(&fm)}
	}

	if _, err := s.wal.AppendBatch(ctx, records); err != nil {
		return nil, waxerr.Wrap("frame.put_batch", err)
	}

	s.pendingNew = append(s.pendingNew, metas...)
	s.nextID += int64(len(contents))
	for i := range metas {
		s.payloadEnd += metas[i].PayloadLength
	}
	return ids, nil
}

// Delete marks frameID as deleted (metadata only; payload bytes retained).
func (s *Store) Delete(ctx context.Context, frameID int64) error {
	fm, ok := s.effective(frameID)
	if !ok {
		return waxerr.FrameNotFound(frameID)
	}
	fm.Status = format.StatusDeleted
	if err := s.applyOverride(ctx, frameID, *fm, wal.PayloadDelete); err != nil {
		return waxerr.Wrap("frame.delete", err)
	}
	return nil
}

// Supersede sets old.superseded_by = new and new.supersedes = old.
func (s *Store) Supersede(ctx context.Context, oldID, newID int64) error {
	if !(oldID < newID) {
		return waxerr.New(waxerr.KindInvalidTOC, "frame.supersede", fmt.Errorf("supersedes must reference a lower id: old=%d new=%d", oldID, newID))
	}
	oldFM, ok := s.effective(oldID)
	if !ok {
		return waxerr.FrameNotFound(oldID)
	}
	newFM, ok := s.effective(newID)
	if !ok {
		return waxerr.FrameNotFound(newID)
	}
	oldFM.SupersededBy = &newID
	newFM.Supersedes = &oldID

	if err := s.applyOverride(ctx, oldID, *oldFM, wal.PayloadSupersede); err != nil {
		return waxerr.Wrap("frame.supersede", err)
	}
	if err := s.applyPendingOrOverride(ctx, newID, *newFM); err != nil {
		return waxerr.Wrap("frame.supersede", err)
	}
	return nil
}

func (s *Store) applyOverride(ctx context.Context, id int64, fm format.FrameMeta, payloadType wal.PayloadType) error {
	if _, err := s.wal.Append(ctx, payloadType, encodeFrameWriteRecord(&fm)); err != nil {
		return err
	}
	return s.applyPendingOrOverride(ctx, id, fm)
}

func (s *Store) applyPendingOrOverride(_ context.Context, id int64, fm format.FrameMeta) error {
	for i := range s.pendingNew {
		if s.pendingNew[i].ID == id {
			s.pendingNew[i] = fm
			return nil
		}
	}
	s.overrides[id] = fm
	return nil
}

// effective returns the current view of a frame's metadata, checking
// overrides, then pending new frames, then the committed TOC.
func (s *Store) effective(id int64) (*format.FrameMeta, bool) {
	if fm, ok := s.overrides[id]; ok {
		cp := fm
		return &cp, true
	}
	for i := range s.pendingNew {
		if s.pendingNew[i].ID == id {
			cp := s.pendingNew[i]
			return &cp, true
		}
	}
	if fm, ok := s.committed[id]; ok {
		cp := *fm
		return &cp, true
	}
	return nil, false
}

// FrameContent reads and decodes a frame's canonical content, verifying its
// checksums.
func (s *Store) FrameContent(frameID int64) ([]byte, error) {
	fm, ok := s.effective(frameID)
	if !ok {
		return nil, waxerr.FrameNotFound(frameID)
	}
	stored := make([]byte, fm.PayloadLength)
	if fm.PayloadLength > 0 {
		if err := fsio.ReadAt(s.file, stored, int64(fm.PayloadOffset)); err != nil {
			return nil, waxerr.Wrap("frame.content", err)
		}
	}
	if fm.StoredChecksum != nil {
		got := xsum.Content(stored)
		if got != *fm.StoredChecksum {
			return nil, waxerr.New(waxerr.KindChecksumMismatch, "frame.content", fmt.Errorf("frame %d: stored_checksum mismatch", frameID))
		}
	}
	compressor, err := compress.Get(fm.CanonicalEncoding)
	if err != nil {
		return nil, waxerr.Wrap("frame.content", err)
	}
	canonical, err := compressor.Decode(stored)
	if err != nil {
		return nil, waxerr.Wrap("frame.content", err)
	}
	got := xsum.Content(canonical)
	if got != fm.CanonicalChecksum {
		return nil, waxerr.New(waxerr.KindChecksumMismatch, "frame.content", fmt.Errorf("frame %d: canonical_checksum mismatch", frameID))
	}
	return canonical, nil
}

// Metadata returns the effective metadata map for a frame, if it exists.
func (s *Store) Metadata(frameID int64) (map[string]string, bool) {
	fm, ok := s.effective(frameID)
	if !ok {
		return nil, false
	}
	return fm.Metadata, true
}

// FrameMeta returns a copy of a frame's effective metadata record, if it
// exists.
func (s *Store) FrameMeta(frameID int64) (format.FrameMeta, bool) {
	fm, ok := s.effective(frameID)
	if !ok {
		return format.FrameMeta{}, false
	}
	return *fm, true
}

// Count reports the number of active (non-deleted) frames currently known
// to the store, committed and pending combined.
func (s *Store) Count() int {
	n := 0
	for id := range s.committed {
		if fm, ok := s.effective(id); ok && fm.Status == format.StatusActive {
			n++
		}
	}
	for _, fm := range s.pendingNew {
		if eff, ok := s.effective(fm.ID); ok && eff.Status == format.StatusActive {
			n++
		}
	}
	return n
}

// RegisterMeter wires the wax.frame.count observable gauge (spec §10.5).
// meter may be nil, in which case this is a no-op.
func (s *Store) RegisterMeter(meter metric.Meter) error {
	if meter == nil {
		return nil
	}
	if _, err := meter.Int64ObservableGauge("wax.frame.count",
		metric.WithDescription("number of active frames known to the store"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			obs.Observe(int64(s.Count())) //nolint:gosec // frame counts stay far under int64 range
			return nil
		}),
	); err != nil {
		return fmt.Errorf("frame: register wax.frame.count: %w", err)
	}
	return nil
}

// FramePreview returns at most maxBytes of canonical content, for snippet
// display. It reads the full content through FrameContent, so the frame's
// checksums are verified and a mismatch is returned as an error.
func (s *Store) FramePreview(frameID int64, maxBytes int) ([]byte, error) {
	full, err := s.FrameContent(frameID)
	if err != nil {
		return nil, err
	}
	if len(full) > maxBytes {
		return full[:maxBytes], nil
	}
	return full, nil
}

// Verify checks every active frame with payload_length>0: re-hashing
// on-disk bytes against stored_checksum, and re-decoding against
// canonical_checksum (spec §4.9). When deep is false, it instead performs
// spec §4.9's "shallow verify": re-reading the header pages, footer, and
// TOC straight from disk and re-running their stamped-zero checksums, so
// corruption introduced after Open (bit rot, an external writer flipping
// the footer under a long-lived handle) is still caught even though Open
// only validated them once, in memory, at startup.
func (s *Store) Verify(deep bool) error {
	if !deep {
		return s.verifyLayout()
	}
	ids := make([]int64, 0, len(s.committed)+len(s.pendingNew))
	for id := range s.committed {
		ids = append(ids, id)
	}
	for _, fm := range s.pendingNew {
		ids = append(ids, fm.ID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		fm, ok := s.effective(id)
		if !ok || fm.Status != format.StatusActive || fm.PayloadLength == 0 {
			continue
		}
		if _, err := s.FrameContent(id); err != nil {
			return err
		}
	}
	return nil
}

// verifyLayout re-derives the footer/TOC offsets from payloadEnd (the same
// invariant createLayout/openLayout/commit.Coordinator.Commit all maintain:
// the footer always ends exactly at payloadEnd, and the TOC immediately
// precedes it), then re-decodes header pages, footer, and TOC against
// their stamped-zero checksums.
func (s *Store) verifyLayout() error {
	for slot := 0; slot < 2; slot++ {
		buf := make([]byte, format.HeaderPageSize)
		if err := fsio.ReadAt(s.file, buf, int64(slot)*format.HeaderPageSize); err != nil {
			return waxerr.Wrap("frame.verify_layout", err)
		}
		if _, err := format.DecodeHeaderPage(buf); err != nil {
			return waxerr.Wrap("frame.verify_layout", err)
		}
	}

	if s.payloadEnd < format.FooterSize {
		return waxerr.New(waxerr.KindInvalidFooter, "frame.verify_layout", fmt.Errorf("payload end %d precedes a footer", s.payloadEnd))
	}
	footerOffset := s.payloadEnd - format.FooterSize
	footerBuf := make([]byte, format.FooterSize)
	if err := fsio.ReadAt(s.file, footerBuf, int64(footerOffset)); err != nil {
		return waxerr.Wrap("frame.verify_layout", err)
	}
	footer, err := format.DecodeFooter(footerBuf)
	if err != nil {
		return waxerr.Wrap("frame.verify_layout", err)
	}

	if footerOffset < footer.TOCLen {
		return waxerr.New(waxerr.KindInvalidTOC, "frame.verify_layout", fmt.Errorf("toc_len %d overruns footer_offset %d", footer.TOCLen, footerOffset))
	}
	tocOffset := footerOffset - footer.TOCLen
	tocBuf := make([]byte, footer.TOCLen)
	if err := fsio.ReadAt(s.file, tocBuf, int64(tocOffset)); err != nil {
		return waxerr.Wrap("frame.verify_layout", err)
	}
	if _, err := format.DecodeTOC(tocBuf); err != nil {
		return waxerr.Wrap("frame.verify_layout", err)
	}
	if len(tocBuf) < xsum.Size || !xsum.Verify(tocBuf[:len(tocBuf)-xsum.Size], footer.TOCHash) {
		return waxerr.New(waxerr.KindChecksumMismatch, "frame.verify_layout", fmt.Errorf("footer toc_hash disagrees with toc body"))
	}
	return nil
}

// PendingFrames returns the new-frame metadata accumulated since the last
// commit, for the commit coordinator to merge into a fresh TOC.
func (s *Store) PendingFrames() []format.FrameMeta {
	return append([]format.FrameMeta(nil), s.pendingNew...)
}

// PendingOverrides returns metadata-only changes to already-committed
// frames (deletes, supersedes) accumulated since the last commit.
func (s *Store) PendingOverrides() map[int64]format.FrameMeta {
	out := make(map[int64]format.FrameMeta, len(s.overrides))
	for k, v := range s.overrides {
		out[k] = v
	}
	return out
}

// PayloadEnd returns the current payload-region write cursor.
func (s *Store) PayloadEnd() uint64 { return s.payloadEnd }

// SetPayloadEnd repositions the append cursor, called by the commit
// coordinator once a commit has written the TOC/footer past the old
// payload-region tail, so the next put appends after the new file end
// rather than colliding with the just-written TOC (spec §4.8 step 7).
func (s *Store) SetPayloadEnd(v uint64) { s.payloadEnd = v }

// CommitApplied merges the just-committed frames into the committed view
// and clears pending state, called by the commit coordinator after a
// successful commit (spec §4.8 step 7).
func (s *Store) CommitApplied(merged []format.FrameMeta) {
	committed := make(map[int64]*format.FrameMeta, len(merged))
	for i := range merged {
		fm := merged[i]
		committed[fm.ID] = &fm
	}
	s.committed = committed
	s.pendingNew = nil
	s.overrides = make(map[int64]format.FrameMeta)
}

func encodeFrameWriteRecord(fm *format.FrameMeta) []byte {
	e := codec.NewEncoder(256)
	fm.Encode(e)
	return e.Bytes()
}
