// Package vectorindex implements the vector-index capability set from
// spec §4.11 and §9: add/add_batch/remove/search plus the MV2V
// serialization format. Engine is the pluggable capability set; DenseEngine
// is the one concrete brute-force implementation this module ships
// (suitable for SIMD/GPU offload per spec §9, though no GPU path is
// implemented here — see DESIGN.md on the "lazy GPU sync" Open Question).
package vectorindex

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/wax-db/wax/internal/format"
	"github.com/wax-db/wax/internal/waxerr"
)

// Engine is the capability set the commit coordinator and unified search
// treat polymorphically (spec §9's "polymorphic vector engine").
type Engine interface {
	Dimensions() uint32
	Metric() format.Similarity
	Count() int
	Add(frameID int64, vector []float32) error
	AddBatch(frameIDs []int64, vectors [][]float32) error
	Remove(frameID int64) error
	Search(vector []float32, topK int) ([]Result, error)
	Serialize() ([]byte, error)
	StageForCommit() ([]byte, error)
}

// Result is one ranked hit from Search; higher Score is better regardless
// of metric (spec §4.11: for L2/dot, score = -distance).
type Result struct {
	FrameID int64
	Score   float32
}

var mv2vMagic = [4]byte{'M', 'V', '2', 'V'}

const (
	mv2vVersion     = uint16(1)
	encodingDense   = uint8(0)
	mv2vHeaderBytes = 4 + 2 + 1 + 1 + 4 + 8 + 8 + 8 // magic+version+encoding+similarity+dim+count+payloadLen+reserved
)

// DenseEngine is a brute-force, contiguous-vector engine. Staging to
// commit is cheap: it just recomputes the dense blob from in-memory state,
// as spec §4.11 allows.
type DenseEngine struct {
	dimension uint32
	metric    format.Similarity
	vectors   map[int64][]float32
}

// NewDense constructs an empty DenseEngine for the given dimension and
// similarity metric.
func NewDense(dimension uint32, metric format.Similarity) *DenseEngine {
	return &DenseEngine{dimension: dimension, metric: metric, vectors: make(map[int64][]float32)}
}

func (e *DenseEngine) Dimensions() uint32        { return e.dimension }
func (e *DenseEngine) Metric() format.Similarity { return e.metric }
func (e *DenseEngine) Count() int                { return len(e.vectors) }

func (e *DenseEngine) checkDimension(vector []float32) error {
	if uint32(len(vector)) != e.dimension { //nolint:gosec // dimension is bounded by max_embedding_dimensions at construction
		return waxerr.New(waxerr.KindEncodingError, "vectorindex.add", fmt.Errorf("dimension mismatch: got %d, want %d", len(vector), e.dimension))
	}
	return nil
}

// Add inserts or replaces frameID's vector.
func (e *DenseEngine) Add(frameID int64, vector []float32) error {
	if err := e.checkDimension(vector); err != nil {
		return err
	}
	cp := make([]float32, len(vector))
	copy(cp, vector)
	e.vectors[frameID] = cp
	return nil
}

// AddBatch validates every vector's dimension before mutating any state
// (spec §8 boundary behavior).
func (e *DenseEngine) AddBatch(frameIDs []int64, vectors [][]float32) error {
	if len(frameIDs) != len(vectors) {
		return waxerr.New(waxerr.KindEncodingError, "vectorindex.add_batch", fmt.Errorf("frameIDs/vectors length mismatch"))
	}
	for _, v := range vectors {
		if err := e.checkDimension(v); err != nil {
			return err
		}
	}
	for i, id := range frameIDs {
		cp := make([]float32, len(vectors[i]))
		copy(cp, vectors[i])
		e.vectors[id] = cp
	}
	return nil
}

// Remove deletes frameID's vector, if present.
func (e *DenseEngine) Remove(frameID int64) error {
	delete(e.vectors, frameID)
	return nil
}

// Search returns the topK nearest vectors by e's metric.
func (e *DenseEngine) Search(vector []float32, topK int) ([]Result, error) {
	if err := e.checkDimension(vector); err != nil {
		return nil, err
	}
	results := make([]Result, 0, len(e.vectors))
	for id, v := range e.vectors {
		score := score(e.metric, vector, v)
		if math.IsNaN(float64(score)) {
			score = 0
		}
		results = append(results, Result{FrameID: id, Score: score})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].FrameID < results[j].FrameID
	})
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

func score(metric format.Similarity, a, b []float32) float32 {
	switch metric {
	case format.SimilarityDot:
		return dot(a, b)
	case format.SimilarityL2:
		return -distanceL2(a, b)
	default: // cosine
		na, nb := norm(a), norm(b)
		if na == 0 || nb == 0 {
			return 0
		}
		return dot(a, b) / (na * nb)
	}
}

func dot(a, b []float32) float32 {
	var s float32
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

func norm(a []float32) float32 {
	return float32(math.Sqrt(float64(dot(a, a))))
}

func distanceL2(a, b []float32) float32 {
	var s float32
	for i := range a {
		d := a[i] - b[i]
		s += d * d
	}
	return float32(math.Sqrt(float64(s)))
}

// Serialize writes e to the MV2V binary format (spec §6.1).
func (e *DenseEngine) Serialize() ([]byte, error) {
	ids := make([]int64, 0, len(e.vectors))
	for id := range e.vectors {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	payload := make([]byte, 0, len(ids)*int(e.dimension)*4)
	for _, id := range ids {
		v := e.vectors[id]
		for _, f := range v {
			var b [4]byte
			binary.LittleEndian.PutUint32(b[:], math.Float32bits(f))
			payload = append(payload, b[:]...)
		}
	}

	idTable := make([]byte, 8+8*len(ids))
	binary.LittleEndian.PutUint64(idTable[0:8], uint64(len(ids)))
	for i, id := range ids {
		binary.LittleEndian.PutUint64(idTable[8+8*i:16+8*i], uint64(id))
	}

	out := make([]byte, 0, mv2vHeaderBytes+len(payload)+len(idTable))
	out = append(out, mv2vMagic[:]...)
	var verBuf [2]byte
	binary.LittleEndian.PutUint16(verBuf[:], mv2vVersion)
	out = append(out, verBuf[:]...)
	out = append(out, encodingDense, byte(e.metric))
	var dimBuf [4]byte
	binary.LittleEndian.PutUint32(dimBuf[:], e.dimension)
	out = append(out, dimBuf[:]...)
	var countBuf, payloadLenBuf, reservedBuf [8]byte
	binary.LittleEndian.PutUint64(countBuf[:], uint64(len(ids)))
	binary.LittleEndian.PutUint64(payloadLenBuf[:], uint64(len(payload)))
	out = append(out, countBuf[:]...)
	out = append(out, payloadLenBuf[:]...)
	out = append(out, reservedBuf[:]...)
	out = append(out, payload...)
	out = append(out, idTable...)
	return out, nil
}

// StageForCommit recomputes the dense blob from in-memory state; for this
// engine, staging is identical to Serialize (spec §4.11: "staging to
// commit is optional").
func (e *DenseEngine) StageForCommit() ([]byte, error) {
	return e.Serialize()
}

// Deserialize parses a committed MV2V blob into a DenseEngine.
func Deserialize(buf []byte) (*DenseEngine, error) {
	if len(buf) < mv2vHeaderBytes {
		return nil, waxerr.New(waxerr.KindDecodingError, "vectorindex.deserialize", fmt.Errorf("buffer too short: %d bytes", len(buf)))
	}
	if string(buf[0:4]) != string(mv2vMagic[:]) {
		return nil, waxerr.New(waxerr.KindDecodingError, "vectorindex.deserialize", fmt.Errorf("bad magic"))
	}
	version := binary.LittleEndian.Uint16(buf[4:6])
	if version != mv2vVersion {
		return nil, waxerr.New(waxerr.KindDecodingError, "vectorindex.deserialize", fmt.Errorf("unsupported version %d", version))
	}
	encoding := buf[6]
	if encoding != encodingDense {
		return nil, waxerr.New(waxerr.KindDecodingError, "vectorindex.deserialize", fmt.Errorf("unsupported encoding tag %d", encoding))
	}
	metric := format.Similarity(buf[7])
	dimension := binary.LittleEndian.Uint32(buf[8:12])
	vectorCount := binary.LittleEndian.Uint64(buf[12:20])
	payloadLength := binary.LittleEndian.Uint64(buf[20:28])
	// buf[28:36] is the reserved zero region.

	payloadStart := mv2vHeaderBytes
	payloadEnd := payloadStart + int(payloadLength)
	if payloadEnd > len(buf) {
		return nil, waxerr.New(waxerr.KindDecodingError, "vectorindex.deserialize", fmt.Errorf("payload_length exceeds buffer"))
	}
	payload := buf[payloadStart:payloadEnd]

	idTableStart := payloadEnd
	if idTableStart+8 > len(buf) {
		return nil, waxerr.New(waxerr.KindDecodingError, "vectorindex.deserialize", fmt.Errorf("missing frame id table"))
	}
	idCount := binary.LittleEndian.Uint64(buf[idTableStart : idTableStart+8])
	if idCount != vectorCount {
		return nil, waxerr.New(waxerr.KindDecodingError, "vectorindex.deserialize", fmt.Errorf("id table count %d disagrees with vector_count %d", idCount, vectorCount))
	}
	idsStart := idTableStart + 8
	if idsStart+8*int(idCount) > len(buf) {
		return nil, waxerr.New(waxerr.KindDecodingError, "vectorindex.deserialize", fmt.Errorf("frame id table truncated"))
	}

	e := NewDense(dimension, metric)
	stride := int(dimension) * 4
	for i := uint64(0); i < idCount; i++ {
		id := int64(binary.LittleEndian.Uint64(buf[idsStart+8*int(i) : idsStart+8*int(i)+8]))
		start := int(i) * stride
		if start+stride > len(payload) {
			return nil, waxerr.New(waxerr.KindDecodingError, "vectorindex.deserialize", fmt.Errorf("payload truncated at vector %d", i))
		}
		vec := make([]float32, dimension)
		for j := range vec {
			off := start + j*4
			vec[j] = math.Float32frombits(binary.LittleEndian.Uint32(payload[off : off+4]))
		}
		e.vectors[id] = vec
	}
	return e, nil
}
