package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/jrick/flagfile"
	"github.com/mitchellh/go-homedir"
	strduration "github.com/xhit/go-str2duration/v2"

	"github.com/companyzero/recass/internal/audio"
	"github.com/companyzero/recass/internal/recorder"
)

const appName = "recass"

// errCmdDone is returned when the command line was fully handled (help,
// version) and the program should exit without error.
var errCmdDone = errors.New("cmd done")

type config struct {
	MicDevice      string
	LoopbackDevice string
	ChunkDuration  time.Duration
	TargetRate     int
	MixRate        int
	MixFormat      string

	Language         string
	MinSpeakers      int
	MaxSpeakers      int
	SilenceThreshold float64
	MinSegment       time.Duration
	Retranscribe     bool

	EngineURL          string
	EngineModel        string
	EngineDevice       string
	Diarize            bool
	DiarizationModel   string
	AllowUnsafeWeights bool
	SegmentationOnset  float64
	EngineTimeout      time.Duration

	OutputRoot string

	LogFile       string
	MaxLogFiles   int
	DebugLevel    string
	StatsInterval time.Duration
	MetricsListen string

	ListDevices bool
	Simulate    bool
}

func defaultAppDataDir(homeDir string) string {
	switch runtime.GOOS {
	case "windows":
		appData := os.Getenv("LOCALAPPDATA")
		if appData == "" {
			appData = os.Getenv("APPDATA")
		}
		if appData != "" {
			return filepath.Join(appData, appName)
		}

	case "darwin":
		if homeDir != "" {
			return filepath.Join(homeDir, "Library",
				"Application Support", appName)
		}

	default:
		if homeDir != "" {
			return filepath.Join(homeDir, "."+appName)
		}
	}

	return filepath.Join(".", appName)
}

func expandPath(path string) string {
	if expanded, err := homedir.Expand(path); err == nil {
		return expanded
	}
	return path
}

func parseDuration(name, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := strduration.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid value for flag '%s': %v", name, err)
	}
	return d, nil
}

func loadConfig(args []string) (*config, error) {
	homeDir, err := homedir.Dir()
	if err != nil {
		return nil, err
	}
	defaultAppDir := defaultAppDataDir(homeDir)
	defaultCfgFile := filepath.Join(defaultAppDir, appName+".conf")
	defaultLogFile := filepath.Join(defaultAppDir, "logs", appName+".log")
	defaultOutputRoot := filepath.Join(homeDir, "meetings")

	// Parse CLI arguments.
	fs := flag.NewFlagSet("CLI Arguments", flag.ContinueOnError)
	flagVersion := fs.Bool("version", false, "Display current version and exit")
	flagCfgFile := fs.String("cfg", defaultCfgFile, "Config file to load")
	flagListDevices := fs.Bool("lsdev", false, "List audio devices and exit")
	flagSimulate := fs.Bool("simulate", false, "Capture generated audio instead of using audio devices")
	flagSampleConfig := fs.Bool("sampleconfig", false, "Print a sample config file and exit")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, errCmdDone
		}
		return nil, err
	}
	if *flagVersion {
		fmt.Printf("%s version %s (%s)\n", appName, appVersion, runtime.Version())
		return nil, errCmdDone
	}
	if *flagSampleConfig {
		fmt.Print(sampleConfigFileContent)
		return nil, errCmdDone
	}

	// Config file flags.
	fs = flag.NewFlagSet("Config Options", flag.ContinueOnError)
	flagMicDevice := fs.String("audio.micdevice", "", "Microphone device id, index or name (empty for default)")
	flagLoopbackDevice := fs.String("audio.loopbackdevice", "", "Loopback device id, index or name (empty for default)")
	flagChunkDuration := fs.String("audio.chunkduration", "15s", "Playing time of each transcribed chunk")
	flagTargetRate := fs.Int("audio.targetrate", recorder.DefaultTargetRate, "Sample rate of transcribed audio")
	flagMixRate := fs.Int("audio.mixrate", audio.DefaultMixRate, "Sample rate of the mixed recording")
	flagMixFormat := fs.String("audio.mixformat", recorder.FormatWAV, "Format of the mixed recording (wav or ogg)")

	flagLanguage := fs.String("transcribe.language", "en", "Spoken language code, or 'auto'")
	flagMinSpeakers := fs.Int("transcribe.minspeakers", 0, "Minimum number of remote speakers (0 for unset)")
	flagMaxSpeakers := fs.Int("transcribe.maxspeakers", 0, "Maximum number of remote speakers (0 for unset)")
	flagSilenceThreshold := fs.Float64("transcribe.silencethreshold", 0.001, "RMS level below which mic chunks are skipped")
	flagMinSegment := fs.String("transcribe.minsegment", "200ms", "Shortest speaker segment transcribed")
	flagRetranscribe := fs.Bool("transcribe.retranscribe", true, "Transcribe the full recording again when recording stops")

	flagEngineURL := fs.String("engine.url", "http://127.0.0.1:8765", "Inference server URL")
	flagEngineModel := fs.String("engine.model", "large-v3", "Speech recognition model")
	flagEngineDevice := fs.String("engine.device", "cuda", "Initial execution device")
	flagDiarize := fs.Bool("engine.diarize", true, "Attribute remote speech to speakers")
	flagDiarizationModel := fs.String("engine.diarizationmodel", "pyannote/speaker-diarization-3.1", "Diarization pipeline")
	flagAllowUnsafeWeights := fs.Bool("engine.allowunsafeweights", false, "Allow loading model checkpoints that need full deserialization")
	flagSegmentationOnset := fs.Float64("engine.segmentationonset", 0.5, "Diarization speech onset threshold")
	flagEngineTimeout := fs.String("engine.timeout", "5m", "Timeout of each engine request")

	flagOutputRoot := fs.String("output.root", defaultOutputRoot, "Dir where meeting dirs are created")

	flagLogFile := fs.String("log.logfile", defaultLogFile, "Log file location")
	flagMaxLogFiles := fs.Int("log.maxlogfiles", 10, "Max log files")
	flagDebugLevel := fs.String("log.debuglevel", "info", "Debug level")
	flagStatsInterval := fs.String("log.statsinterval", "1m", "Interval of the stats log line (empty to disable)")
	flagMetricsListen := fs.String("metrics.listen", "", "Address of the prometheus metrics endpoint")

	// Load config from file. A missing default config file is not an
	// error.
	cfgFile := expandPath(*flagCfgFile)
	f, err := os.Open(cfgFile)
	switch {
	case errors.Is(err, os.ErrNotExist) && cfgFile == defaultCfgFile:
	case err != nil:
		return nil, err
	default:
		defer f.Close()
		parser := flagfile.Parser{ParseSections: true}
		if err := parser.Parse(f, fs); err != nil {
			return nil, fmt.Errorf("unable to parse config file %s: %w", cfgFile, err)
		}
	}

	// Sanity check loaded flags.
	chunkDuration, err := parseDuration("audio.chunkduration", *flagChunkDuration)
	if err != nil {
		return nil, err
	}
	if chunkDuration <= 0 {
		return nil, fmt.Errorf("flag 'audio.chunkduration' must be positive")
	}
	minSegment, err := parseDuration("transcribe.minsegment", *flagMinSegment)
	if err != nil {
		return nil, err
	}
	engineTimeout, err := parseDuration("engine.timeout", *flagEngineTimeout)
	if err != nil {
		return nil, err
	}
	statsInterval, err := parseDuration("log.statsinterval", *flagStatsInterval)
	if err != nil {
		return nil, err
	}
	if *flagTargetRate <= 0 || *flagMixRate <= 0 {
		return nil, fmt.Errorf("sample rates must be positive")
	}
	mixFormat := strings.ToLower(*flagMixFormat)
	switch mixFormat {
	case recorder.FormatWAV:
	case recorder.FormatOgg, "opus":
		mixFormat = recorder.FormatOgg
	default:
		return nil, fmt.Errorf("unknown mix format %q", *flagMixFormat)
	}
	if *flagMinSpeakers < 0 || *flagMaxSpeakers < 0 ||
		(*flagMaxSpeakers > 0 && *flagMinSpeakers > *flagMaxSpeakers) {
		return nil, fmt.Errorf("invalid speaker count bounds %d-%d",
			*flagMinSpeakers, *flagMaxSpeakers)
	}
	language := strings.ToLower(strings.TrimSpace(*flagLanguage))
	if language == "auto" {
		language = ""
	}
	if *flagOutputRoot == "" {
		return nil, fmt.Errorf("flag 'output.root' cannot be empty")
	}

	return &config{
		MicDevice:      *flagMicDevice,
		LoopbackDevice: *flagLoopbackDevice,
		ChunkDuration:  chunkDuration,
		TargetRate:     *flagTargetRate,
		MixRate:        *flagMixRate,
		MixFormat:      mixFormat,

		Language:         language,
		MinSpeakers:      *flagMinSpeakers,
		MaxSpeakers:      *flagMaxSpeakers,
		SilenceThreshold: *flagSilenceThreshold,
		MinSegment:       minSegment,
		Retranscribe:     *flagRetranscribe,

		EngineURL:          *flagEngineURL,
		EngineModel:        *flagEngineModel,
		EngineDevice:       *flagEngineDevice,
		Diarize:            *flagDiarize,
		DiarizationModel:   *flagDiarizationModel,
		AllowUnsafeWeights: *flagAllowUnsafeWeights,
		SegmentationOnset:  *flagSegmentationOnset,
		EngineTimeout:      engineTimeout,

		OutputRoot: expandPath(*flagOutputRoot),

		LogFile:       expandPath(*flagLogFile),
		MaxLogFiles:   *flagMaxLogFiles,
		DebugLevel:    *flagDebugLevel,
		StatsInterval: statsInterval,
		MetricsListen: *flagMetricsListen,

		ListDevices: *flagListDevices,
		Simulate:    *flagSimulate,
	}, nil
}
