// Package enginehttp implements the speech engine and diarizer interfaces
// against a local inference server reachable over HTTP.
//
// The server hosts the speech recognition and speaker diarization models.
// Audio is uploaded as 16 bit mono WAV. Running out of accelerator memory is
// signalled either with HTTP status 507 or an error body with code
// "resource_exhausted".
package enginehttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/decred/slog"

	"github.com/companyzero/recass/internal/audio"
	"github.com/companyzero/recass/internal/transcribe"
)

const (
	// DeviceCPU is the fallback device.
	DeviceCPU = "cpu"

	componentSpeech      = "speech"
	componentDiarization = "diarization"

	codeResourceExhausted = "resource_exhausted"

	// maxErrorBody bounds how much of an error response is read.
	maxErrorBody = 4096
)

// Config is the client configuration.
type Config struct {
	// BaseURL is the root URL of the inference server.
	BaseURL string

	// SpeechModel is the speech recognition model name.
	SpeechModel string

	// DiarizationModel is the diarization pipeline name. Empty disables
	// loading the diarization pipeline.
	DiarizationModel string

	// Device is the initial execution device ("cuda", "cpu", ...).
	Device string

	// SampleRate is the rate of the audio passed to Transcribe. Defaults
	// to 16000.
	SampleRate int

	// AllowUnsafeWeights allows the server to load model checkpoints
	// that require full deserialization.
	AllowUnsafeWeights bool

	// Timeout bounds each request. Zero means no timeout besides the
	// request context.
	Timeout time.Duration

	Log        slog.Logger
	HTTPClient *http.Client
}

// Client is the inference server client. It is safe for concurrent use.
type Client struct {
	cfg  Config
	log  slog.Logger
	base *url.URL
	hc   *http.Client

	mtx    sync.Mutex
	device string
}

// New creates a client. No request is made until Load is called.
func New(cfg Config) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid engine URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid engine URL scheme %q", base.Scheme)
	}
	if cfg.Log == nil {
		cfg.Log = slog.Disabled
	}
	if cfg.Device == "" {
		cfg.Device = DeviceCPU
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		cfg:    cfg,
		log:    cfg.Log,
		base:   base,
		hc:     hc,
		device: cfg.Device,
	}, nil
}

// Device returns the current execution device.
func (c *Client) Device() string {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.device
}

// errorReply is the body of failed requests.
type errorReply struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// ServerError is a failure reported by the inference server.
type ServerError struct {
	Status  int
	Code    string
	Message string
}

func (err ServerError) Error() string {
	if err.Code != "" {
		return fmt.Sprintf("engine error %d (%s): %s", err.Status, err.Code, err.Message)
	}
	return fmt.Sprintf("engine error %d: %s", err.Status, err.Message)
}

func (err ServerError) Is(target error) bool {
	if target == transcribe.ErrResourceExhausted {
		return err.Status == http.StatusInsufficientStorage ||
			err.Code == codeResourceExhausted
	}
	return false
}

func (c *Client) endpoint(path string) string {
	return c.base.JoinPath(path).String()
}

// do sends the request and decodes a successful JSON reply into reply.
func (c *Client) do(req *http.Request, reply interface{}) error {
	res, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		srvErr := ServerError{Status: res.StatusCode}
		var er errorReply
		if json.Unmarshal(body, &er) == nil && er.Error != "" {
			srvErr.Code = er.Code
			srvErr.Message = er.Error
		} else {
			srvErr.Message = strings.TrimSpace(string(body))
		}
		return srvErr
	}

	if reply == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(reply); err != nil {
		return fmt.Errorf("unable to decode engine reply: %w", err)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, args, reply interface{}) error {
	body, err := json.Marshal(args)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, reply)
}

// postAudio uploads samples as a WAV file along with the form fields.
func (c *Client) postAudio(ctx context.Context, path string, samples []float32,
	sampleRate int, fields map[string]string, reply interface{}) error {

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return err
	}
	if err := audio.WriteWAV(fw, audio.Float32ToS16(samples, nil), 1, sampleRate); err != nil {
		return err
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return err
		}
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.do(req, reply)
}

type loadArgs struct {
	Component          string `json:"component"`
	Model              string `json:"model"`
	Device             string `json:"device"`
	AllowUnsafeWeights bool   `json:"allow_unsafe_weights"`
}

type loadReply struct {
	Device string `json:"device"`
}

func (c *Client) load(ctx context.Context, component, model, device string) error {
	args := loadArgs{
		Component:          component,
		Model:              model,
		Device:             device,
		AllowUnsafeWeights: c.cfg.AllowUnsafeWeights,
	}
	var reply loadReply
	if err := c.postJSON(ctx, "/v1/models/load", args, &reply); err != nil {
		return fmt.Errorf("unable to load %s model %q on %s: %w",
			component, model, device, err)
	}
	c.log.Infof("Loaded %s model %q on %s", component, model, reply.Device)
	return nil
}

// Load loads the models on the configured device. If the accelerator does
// not have enough memory, the models are loaded on the CPU instead.
func (c *Client) Load(ctx context.Context) error {
	device := c.Device()
	err := c.loadAll(ctx, device)
	if errors.Is(err, transcribe.ErrResourceExhausted) && device != DeviceCPU {
		c.log.Warnf("Not enough memory on %s to load models, using CPU: %v",
			device, err)
		c.mtx.Lock()
		c.device = DeviceCPU
		c.mtx.Unlock()
		err = c.loadAll(ctx, DeviceCPU)
	}
	return err
}

func (c *Client) loadAll(ctx context.Context, device string) error {
	if err := c.load(ctx, componentSpeech, c.cfg.SpeechModel, device); err != nil {
		return err
	}
	if c.cfg.DiarizationModel == "" {
		return nil
	}
	return c.load(ctx, componentDiarization, c.cfg.DiarizationModel, device)
}

// UseCPU moves the loaded models to the CPU. It is a no-op when already
// running on the CPU.
func (c *Client) UseCPU(ctx context.Context) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.device == DeviceCPU {
		return nil
	}
	if err := c.loadAll(ctx, DeviceCPU); err != nil {
		return err
	}
	c.log.Warnf("Engine moved from %s to CPU", c.device)
	c.device = DeviceCPU
	return nil
}

// Decoding temperatures sent with transcription requests.
const (
	greedyTemperature    = "0"
	fallbackTemperatures = "0,0.2,0.4,0.6,0.8,1"
)

type transcribeReply struct {
	Text     string `json:"text"`
	Language string `json:"language"`
}

// Transcribe is part of the transcribe.SpeechEngine interface. Samples must
// be mono at the configured rate.
func (c *Client) Transcribe(ctx context.Context, samples []float32, opts transcribe.TranscribeOptions) (transcribe.Transcription, error) {
	fields := map[string]string{
		"device":                     c.Device(),
		"condition_on_previous_text": "false",
	}
	if opts.Language != "" {
		fields["language"] = opts.Language
	}
	if opts.Strict {
		fields["logprob_threshold"] = strconv.FormatFloat(transcribe.StrictLogProbThreshold, 'f', -1, 64)
		fields["no_speech_threshold"] = strconv.FormatFloat(transcribe.StrictNoSpeechThreshold, 'f', -1, 64)
	}

	fields["temperature"] = greedyTemperature
	if opts.TemperatureFallback {
		fields["temperature"] = fallbackTemperatures
	}

	var reply transcribeReply
	start := time.Now()
	err := c.postAudio(ctx, "/v1/transcribe", samples, c.cfg.SampleRate, fields, &reply)
	if err != nil {
		return transcribe.Transcription{}, err
	}
	c.log.Tracef("Transcribed %d samples in %s", len(samples), time.Since(start))
	return transcribe.Transcription{Text: reply.Text, Language: reply.Language}, nil
}

type diarizeSegment struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Speaker string  `json:"speaker"`
}

type diarizeReply struct {
	Segments []diarizeSegment `json:"segments"`
}

// Diarize is part of the transcribe.Diarizer interface.
func (c *Client) Diarize(ctx context.Context, samples []float32, sampleRate int, opts transcribe.DiarizeOptions) ([]transcribe.SpeakerSegment, error) {
	fields := map[string]string{
		"device": c.Device(),
	}
	if opts.MinSpeakers > 0 {
		fields["min_speakers"] = strconv.Itoa(opts.MinSpeakers)
	}
	if opts.MaxSpeakers > 0 {
		fields["max_speakers"] = strconv.Itoa(opts.MaxSpeakers)
	}
	if opts.SegmentationOnset > 0 {
		fields["segmentation_onset"] = strconv.FormatFloat(opts.SegmentationOnset, 'f', -1, 64)
	}

	var reply diarizeReply
	if err := c.postAudio(ctx, "/v1/diarize", samples, sampleRate, fields, &reply); err != nil {
		return nil, err
	}
	res := make([]transcribe.SpeakerSegment, 0, len(reply.Segments))
	for _, s := range reply.Segments {
		if s.End <= s.Start {
			continue
		}
		res = append(res, transcribe.SpeakerSegment{
			StartSec: s.Start,
			EndSec:   s.End,
			Speaker:  s.Speaker,
		})
	}
	return res, nil
}
