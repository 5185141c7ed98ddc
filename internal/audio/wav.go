package audio

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

const (
	wavHeaderSize = 44
	wavFormatPCM  = 1
)

var errNotWAV = errors.New("not a RIFF/WAVE file")

// WAV is decoded 16-bit PCM audio. Samples are interleaved.
type WAV struct {
	Channels   int
	SampleRate int
	Samples    []int16
}

// Frames returns the number of samples per channel.
func (w *WAV) Frames() int {
	if w.Channels == 0 {
		return 0
	}
	return len(w.Samples) / w.Channels
}

// Channel returns a copy of a single channel as normalized floats.
func (w *WAV) Channel(ch int) []float32 {
	if ch < 0 || ch >= w.Channels {
		return nil
	}
	res := make([]float32, 0, w.Frames())
	for i := ch; i < len(w.Samples); i += w.Channels {
		res = append(res, float32(w.Samples[i])/32768)
	}
	return res
}

// WriteWAV writes interleaved S16 samples as a PCM WAV stream.
func WriteWAV(w io.Writer, samples []int16, channels, sampleRate int) error {
	dataSize := len(samples) * rawFormatSampleSize
	blockAlign := channels * rawFormatSampleSize

	var hdr [wavHeaderSize]byte
	copy(hdr[0:], "RIFF")
	binary.LittleEndian.PutUint32(hdr[4:], uint32(36+dataSize))
	copy(hdr[8:], "WAVE")
	copy(hdr[12:], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:], 16)
	binary.LittleEndian.PutUint16(hdr[20:], wavFormatPCM)
	binary.LittleEndian.PutUint16(hdr[22:], uint16(channels))
	binary.LittleEndian.PutUint32(hdr[24:], uint32(sampleRate))
	binary.LittleEndian.PutUint32(hdr[28:], uint32(sampleRate*blockAlign))
	binary.LittleEndian.PutUint16(hdr[32:], uint16(blockAlign))
	binary.LittleEndian.PutUint16(hdr[34:], 16)
	copy(hdr[36:], "data")
	binary.LittleEndian.PutUint32(hdr[40:], uint32(dataSize))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}

	// Write in bounded blocks to avoid doubling memory for long
	// recordings.
	const blockSamples = 1 << 15
	buf := make([]byte, 0, blockSamples*rawFormatSampleSize)
	for len(samples) > 0 {
		n := min(len(samples), blockSamples)
		buf = leS16SliceToBytes(samples[:n], buf[:0])
		if _, err := w.Write(buf); err != nil {
			return err
		}
		samples = samples[n:]
	}
	return nil
}

// ReadWAV decodes a 16-bit PCM WAV stream. Chunks other than "fmt " and
// "data" are skipped.
func ReadWAV(r io.Reader) (*WAV, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return nil, err
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return nil, errNotWAV
	}

	res := &WAV{}
	var gotFmt bool
	for {
		var chunkHdr [8]byte
		if _, err := io.ReadFull(r, chunkHdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, errors.New("WAV stream has no data chunk")
			}
			return nil, err
		}
		id := string(chunkHdr[0:4])
		size := int64(binary.LittleEndian.Uint32(chunkHdr[4:]))

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, fmt.Errorf("short fmt chunk (%d bytes)", size)
			}
			fmtData := make([]byte, size)
			if _, err := io.ReadFull(r, fmtData); err != nil {
				return nil, err
			}
			format := binary.LittleEndian.Uint16(fmtData[0:])
			bits := binary.LittleEndian.Uint16(fmtData[14:])
			if format != wavFormatPCM || bits != 16 {
				return nil, fmt.Errorf("unsupported WAV format %d with %d bits", format, bits)
			}
			res.Channels = int(binary.LittleEndian.Uint16(fmtData[2:]))
			res.SampleRate = int(binary.LittleEndian.Uint32(fmtData[4:]))
			gotFmt = true

		case "data":
			if !gotFmt {
				return nil, errors.New("WAV data chunk before fmt chunk")
			}
			data := make([]byte, size)
			if _, err := io.ReadFull(r, data); err != nil {
				return nil, err
			}
			res.Samples = bytesToLES16Slice(data, nil)
			return res, nil

		default:
			if _, err := io.CopyN(io.Discard, r, size); err != nil {
				return nil, err
			}
		}

		// Chunks are word aligned.
		if size%2 == 1 {
			if _, err := io.CopyN(io.Discard, r, 1); err != nil {
				return nil, err
			}
		}
	}
}

// ReadWAVFile decodes the WAV file at path.
func ReadWAVFile(path string) (*WAV, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadWAV(bufio.NewReader(f))
}
