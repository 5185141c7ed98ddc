package main

const sampleConfigFileContent = `
[audio]

# Capture devices. Accepts a device id, the index or the name (or a unique
# part of it) as printed by 'recass -lsdev'. Empty uses the system default.
# On Linux and macOS the loopback device is the monitor source of the output
# device.
# micdevice =
# loopbackdevice =

# Playing time of each transcribed chunk.
# chunkduration = 15s

# Rate of the audio passed to the speech engine.
# targetrate = 16000

# Rate and format (wav or ogg) of the mixed recording. Only wav recordings
# are transcribed again when recording stops.
# mixrate = 48000
# mixformat = wav

[transcribe]

# Spoken language code, or 'auto' to detect it.
# language = en

# Bounds for the number of remote speakers. 0 leaves them unset.
# minspeakers = 0
# maxspeakers = 0

# RMS level below which microphone chunks are skipped.
# silencethreshold = 0.001

# Shortest speaker segment transcribed.
# minsegment = 200ms

# Transcribe the remote channel of the full recording again when recording
# stops.
# retranscribe = 1

[engine]

# Inference server hosting the speech and diarization models.
# url = http://127.0.0.1:8765
# model = large-v3
# device = cuda

# Attribute remote speech to speakers.
# diarize = 1
# diarizationmodel = pyannote/speaker-diarization-3.1
# segmentationonset = 0.5

# Allow loading model checkpoints that require full deserialization. Only
# enable for trusted models.
# allowunsafeweights = 0

# timeout = 5m

[output]

# Dir where meeting dirs are created.
# root = ~/meetings

[log]

# logfile = ~/.recass/logs/recass.log
# maxlogfiles = 10

# Log level. Per subsystem levels may be specified as in
# info,CONS=debug,CAPT=trace. Subsystems: RCAS CAPT MIXR TQUE CONS ENGN RECR
# STAT.
# debuglevel = info

# Interval of the stats log line. Empty disables it.
# statsinterval = 1m

[metrics]

# Address of the prometheus metrics endpoint. Empty disables it.
# listen = 127.0.0.1:9120
`
