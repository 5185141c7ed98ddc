package audio

import (
	"math/rand"
	"reflect"
	"testing"
	"time"
)

// TestStreamBufferChunkDuration ensures every emitted chunk covers exactly
// the configured duration of native-rate audio and that the backlog never
// reaches a full chunk.
func TestStreamBufferChunkDuration(t *testing.T) {
	rates := []int{8000, 16000, 22050, 44100, 48000}
	const chunkDuration = time.Second

	for _, rate := range rates {
		sb, err := NewStreamBuffer(SourceMic, rate, 16000, chunkDuration)
		if err != nil {
			t.Fatal(err)
		}
		if nominal := time.Duration(sb.FramesPerChunk()) * time.Second / time.Duration(rate); nominal != chunkDuration {
			t.Fatalf("rate %d: nominal chunk duration %s", rate, nominal)
		}
		if sb.Resampling() != (rate != 16000) {
			t.Fatalf("rate %d: unexpected resampling flag", rate)
		}

		samples := sineS16(rate*3+rate/2, rate, 440, 8000)
		var chunks []Chunk
		period := rate / 1000 * periodSizeMS
		for off := 0; off < len(samples); off += period {
			end := min(off+period, len(samples))
			chunks = append(chunks, sb.Push(samples[off:end])...)
			if sb.Backlog() >= sb.FramesPerChunk() {
				t.Fatalf("rate %d: backlog %d reached chunk size", rate, sb.Backlog())
			}
		}

		if len(chunks) != 3 {
			t.Fatalf("rate %d: got %d chunks, want 3", rate, len(chunks))
		}
		for i, c := range chunks {
			if c.Duration() != chunkDuration {
				t.Fatalf("rate %d: chunk %d duration %s", rate, i, c.Duration())
			}
			if c.SampleRate != 16000 || c.Source != SourceMic || c.Seq != uint64(i) {
				t.Fatalf("rate %d: unexpected chunk metadata %+v", rate, c)
			}
		}
		if sb.Backlog() != rate/2 {
			t.Fatalf("rate %d: unexpected backlog %d", rate, sb.Backlog())
		}
	}
}

// TestStreamBufferExactMultiple ensures that pushing N full chunks of audio
// emits N chunks and leaves nothing behind.
func TestStreamBufferExactMultiple(t *testing.T) {
	const n = 4
	sb, err := NewStreamBuffer(SourceLoopback, 44100, 16000, 500*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	chunks := sb.Push(make([]int16, n*sb.FramesPerChunk()))
	if len(chunks) != n {
		t.Fatalf("got %d chunks, want %d", len(chunks), n)
	}
	if sb.Backlog() != 0 {
		t.Fatalf("unexpected backlog %d", sb.Backlog())
	}
	for _, c := range chunks {
		if c.Source != SourceLoopback {
			t.Fatalf("unexpected source %s", c.Source)
		}
		if len(c.Samples) != 8000 {
			t.Fatalf("unexpected chunk size %d", len(c.Samples))
		}
	}
}

// TestStreamBufferIncrementInvariance ensures the emitted chunks do not
// depend on how the input is split into callbacks.
func TestStreamBufferIncrementInvariance(t *testing.T) {
	const rate = 44100
	const chunkDuration = 250 * time.Millisecond
	samples := sineS16(rate*2+1234, rate, 300, 12000)

	whole, err := NewStreamBuffer(SourceMic, rate, 16000, chunkDuration)
	if err != nil {
		t.Fatal(err)
	}
	want := whole.Push(samples)

	rng := rand.New(rand.NewSource(1))
	for iter := 0; iter < 5; iter++ {
		sb, err := NewStreamBuffer(SourceMic, rate, 16000, chunkDuration)
		if err != nil {
			t.Fatal(err)
		}
		var got []Chunk
		for off := 0; off < len(samples); {
			end := min(off+1+rng.Intn(3000), len(samples))
			got = append(got, sb.Push(samples[off:end])...)
			off = end
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("iteration %d: chunks differ from single push", iter)
		}
		if sb.Backlog() != whole.Backlog() {
			t.Fatalf("iteration %d: backlog %d, want %d", iter,
				sb.Backlog(), whole.Backlog())
		}
	}
}

// TestStreamBufferPassThrough ensures audio already at the target rate is
// only converted to floats.
func TestStreamBufferPassThrough(t *testing.T) {
	sb, err := NewStreamBuffer(SourceMic, 16000, 16000, 10*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	raw := make([]int16, 160)
	raw[0] = 16384
	chunks := sb.Push(raw)
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks", len(chunks))
	}
	if chunks[0].Samples[0] != 0.5 || len(chunks[0].Samples) != 160 {
		t.Fatalf("unexpected chunk samples")
	}

	// The input slice must not be retained.
	raw[0] = 0
	if chunks[0].Samples[0] != 0.5 {
		t.Fatalf("chunk aliases the input")
	}
}

func TestStreamBufferInvalidConfig(t *testing.T) {
	if _, err := NewStreamBuffer(SourceMic, 0, 16000, time.Second); err == nil {
		t.Fatal("expected error for zero native rate")
	}
	if _, err := NewStreamBuffer(SourceMic, 48000, 16000, time.Microsecond); err == nil {
		t.Fatal("expected error for chunk shorter than a sample")
	}
}
