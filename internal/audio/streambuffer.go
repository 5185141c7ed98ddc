package audio

import (
	"fmt"
	"time"
)

// StreamBuffer accumulates raw samples of a single source at the device's
// native rate and cuts them into fixed-duration chunks at the target rate.
//
// Chunk boundaries are computed in native-rate samples, so the output does
// not depend on how the driver splits the stream into callbacks. A
// StreamBuffer is not safe for concurrent use; each source owns one.
type StreamBuffer struct {
	source         Source
	nativeRate     int
	targetRate     int
	framesPerChunk int
	resampler      *Resampler // nil when no conversion is needed

	backlog []int16
	seq     uint64
}

// NewStreamBuffer creates the buffer for a source captured at nativeRate.
func NewStreamBuffer(src Source, nativeRate, targetRate int, chunkDuration time.Duration) (*StreamBuffer, error) {
	if nativeRate <= 0 {
		return nil, fmt.Errorf("invalid native rate %d for %s", nativeRate, src)
	}
	if targetRate <= 0 {
		return nil, fmt.Errorf("invalid target rate %d", targetRate)
	}
	framesPerChunk := int(int64(nativeRate) * int64(chunkDuration) / int64(time.Second))
	if framesPerChunk <= 0 {
		return nil, fmt.Errorf("chunk duration %s too short", chunkDuration)
	}

	sb := &StreamBuffer{
		source:         src,
		nativeRate:     nativeRate,
		targetRate:     targetRate,
		framesPerChunk: framesPerChunk,
		backlog:        make([]int16, 0, framesPerChunk),
	}
	if nativeRate != targetRate {
		var err error
		sb.resampler, err = NewResampler(nativeRate, targetRate)
		if err != nil {
			return nil, err
		}
	}
	return sb, nil
}

// FramesPerChunk is the number of native-rate samples in a chunk.
func (sb *StreamBuffer) FramesPerChunk() int { return sb.framesPerChunk }

// NativeRate is the rate of the samples passed to Push.
func (sb *StreamBuffer) NativeRate() int { return sb.nativeRate }

// Resampling returns true if chunks are converted to the target rate.
func (sb *StreamBuffer) Resampling() bool { return sb.resampler != nil }

// Backlog returns the number of buffered samples not yet emitted. It is
// always less than FramesPerChunk.
func (sb *StreamBuffer) Backlog() int { return len(sb.backlog) }

// Push appends raw samples and returns every chunk completed by them. The
// input slice is not retained.
func (sb *StreamBuffer) Push(raw []int16) []Chunk {
	sb.backlog = append(sb.backlog, raw...)
	if len(sb.backlog) < sb.framesPerChunk {
		return nil
	}

	var chunks []Chunk
	off := 0
	for len(sb.backlog)-off >= sb.framesPerChunk {
		block := sb.backlog[off : off+sb.framesPerChunk]
		off += sb.framesPerChunk

		samples := S16ToFloat32(block, nil)
		if sb.resampler != nil {
			samples = sb.resampler.Resample(samples)
		}
		chunks = append(chunks, Chunk{
			Source:     sb.source,
			Seq:        sb.seq,
			SampleRate: sb.targetRate,
			Samples:    samples,
		})
		sb.seq++
	}

	n := copy(sb.backlog, sb.backlog[off:])
	sb.backlog = sb.backlog[:n]
	return chunks
}
