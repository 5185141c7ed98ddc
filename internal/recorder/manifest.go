package recorder

import (
	"path/filepath"
	"time"

	"github.com/companyzero/recass/internal/jsonfile"
)

const manifestFilename = "meeting.json"

// Manifest describes a meeting dir. File names are relative to the dir.
type Manifest struct {
	Name      string    `json:"name"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time,omitempty"`

	MicDevice      string `json:"mic_device"`
	LoopbackDevice string `json:"loopback_device"`
	MicRate        int    `json:"mic_rate"`
	LoopbackRate   int    `json:"loopback_rate"`

	Transcript string `json:"transcript"`
	Audio      string `json:"audio,omitempty"`

	// FinalTranscript is set when the finished recording was transcribed
	// again as a whole.
	FinalTranscript bool `json:"final_transcript"`

	// CPUFallback is set when the engines were running on the CPU at the
	// end of the meeting.
	CPUFallback bool `json:"cpu_fallback"`
}

// ReadManifest reads the manifest of a meeting dir.
func ReadManifest(dir string) (*Manifest, error) {
	var m Manifest
	if err := jsonfile.Read(filepath.Join(dir, manifestFilename), &m); err != nil {
		return nil, err
	}
	return &m, nil
}
