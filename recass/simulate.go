package main

import (
	"context"
	"math"
	"time"

	"github.com/decred/slog"

	"github.com/companyzero/recass/internal/audio"
)

// Simulated device ids and rates. The loopback runs at a different rate
// than the mic so that both resampling paths are exercised.
const (
	simMicDevice      audio.DeviceID = "sim-mic"
	simLoopbackDevice audio.DeviceID = "sim-loopback"
	simMicRate                       = 48000
	simLoopbackRate                  = 44100
)

func newSimulatedContext() *audio.SimulatedContext {
	sim := audio.NewSimulatedContext(simMicRate)
	sim.SetDeviceRate(simLoopbackDevice, simLoopbackRate)
	return sim
}

// toneGen generates a tone that is switched on and off every few seconds,
// roughly like alternating speech.
type toneGen struct {
	rate   int
	freq   float64
	period int
	pos    int
}

func (g *toneGen) next(n int) []int16 {
	res := make([]int16, n)
	for i := range res {
		on := (g.pos/(g.rate*g.period))%2 == 0
		if on {
			v := 0.2 * math.Sin(2*math.Pi*g.freq*float64(g.pos)/float64(g.rate))
			res[i] = int16(v * math.MaxInt16)
		}
		g.pos++
	}
	return res
}

// runSimulator feeds generated audio to the simulated devices in real time
// until ctx is done.
func runSimulator(ctx context.Context, sim *audio.SimulatedContext, log slog.Logger) error {
	const interval = 20 * time.Millisecond
	mic := &toneGen{rate: simMicRate, freq: 220, period: 3}
	loopback := &toneGen{rate: simLoopbackRate, freq: 330, period: 5}

	log.Infof("Feeding simulated audio to %q and %q", simMicDevice, simLoopbackDevice)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		// Devices are closed while switching sessions. Feeding them
		// in the meantime is not an error.
		if err := sim.Feed(simMicDevice, mic.next(simMicRate/50)); err != nil {
			log.Tracef("Simulated mic: %v", err)
		}
		if err := sim.Feed(simLoopbackDevice, loopback.next(simLoopbackRate/50)); err != nil {
			log.Tracef("Simulated loopback: %v", err)
		}
	}
}
