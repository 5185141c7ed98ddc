package audio

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	opusIdSig      = "OpusHead"
	opusCommentSig = "OpusTags"
	opusVendor     = "recass"

	// opusGranuleRate is the rate of Ogg Opus granule positions,
	// regardless of the input rate.
	opusGranuleRate = 48000

	// opusFrameMS is the duration of each encoded frame.
	opusFrameMS = 20

	opusMaxPacketSize = 4000
)

// opusFileWriter encodes interleaved S16 PCM into an Ogg Opus file.
type opusFileWriter struct {
	ogg        *oggStream
	enc        streamEncoder
	channels   int
	sampleRate int
	frameSize  int // Samples per channel per frame.

	granule uint64
	packet  []byte
}

func isOpusRate(rate int) bool {
	switch rate {
	case 8000, 12000, 16000, 24000, 48000:
		return true
	}
	return false
}

func newOpusFileWriter(out io.Writer, sampleRate, channels int) (*opusFileWriter, error) {
	if !isOpusRate(sampleRate) {
		return nil, fmt.Errorf("sample rate %d not supported by opus", sampleRate)
	}
	enc, err := newStreamEncoder(sampleRate, channels)
	if err != nil {
		return nil, err
	}

	w := &opusFileWriter{
		ogg:        newOggStream(out),
		enc:        enc,
		channels:   channels,
		sampleRate: sampleRate,
		frameSize:  sampleRate / 1000 * opusFrameMS,
		packet:     make([]byte, opusMaxPacketSize),
	}
	if err := w.writeHeaders(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *opusFileWriter) writeHeaders() error {
	idHeader := make([]byte, 19)
	copy(idHeader[0:], opusIdSig)
	idHeader[8] = 1 // Version
	idHeader[9] = uint8(w.channels)
	binary.LittleEndian.PutUint16(idHeader[10:], 0)                    // pre-skip
	binary.LittleEndian.PutUint32(idHeader[12:], uint32(w.sampleRate)) // input sample rate
	binary.LittleEndian.PutUint16(idHeader[16:], 0)                    // output gain
	idHeader[18] = 0                                                   // mapping family
	if err := w.ogg.writePacket(idHeader, 0, true, false); err != nil {
		return err
	}

	commentHeader := make([]byte, 8+4+len(opusVendor)+4)
	copy(commentHeader[0:], opusCommentSig)
	binary.LittleEndian.PutUint32(commentHeader[8:], uint32(len(opusVendor)))
	copy(commentHeader[12:], opusVendor)
	binary.LittleEndian.PutUint32(commentHeader[12+len(opusVendor):], 0) // comment list length
	return w.ogg.writePacket(commentHeader, 0, false, false)
}

// writeAll encodes the interleaved samples. The last frame is padded with
// silence.
func (w *opusFileWriter) writeAll(pcm []int16) error {
	frameLen := w.frameSize * w.channels
	granuleStep := uint64(w.frameSize * opusGranuleRate / w.sampleRate)
	frame := make([]int16, frameLen)

	if len(pcm) == 0 {
		return w.ogg.writePacket(nil, 0, false, true)
	}
	for off := 0; off < len(pcm); off += frameLen {
		n := copy(frame, pcm[off:])
		clear(frame[n:])

		packet, err := w.enc.Encode(frame, w.frameSize, w.packet)
		if err != nil {
			return fmt.Errorf("opus encode: %w", err)
		}
		if len(packet) > 255*255 {
			return fmt.Errorf("packet splitting not supported")
		}

		w.granule += granuleStep
		last := off+frameLen >= len(pcm)
		if err := w.ogg.writePacket(packet, w.granule, false, last); err != nil {
			return err
		}
	}
	return nil
}
