package audio

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// SimulatedContext is an audio driver that delivers samples supplied by the
// caller instead of reading hardware. It is used for headless runs and
// tests.
type SimulatedContext struct {
	defaultRate uint32

	mtx      sync.Mutex
	rates    map[DeviceID]uint32
	failures map[DeviceID]error
	devices  map[DeviceID]*simDevice
}

// NewSimulatedContext creates a simulated driver. Devices without an
// explicit rate run at defaultRate.
func NewSimulatedContext(defaultRate uint32) *SimulatedContext {
	return &SimulatedContext{
		defaultRate: defaultRate,
		rates:       make(map[DeviceID]uint32),
		failures:    make(map[DeviceID]error),
		devices:     make(map[DeviceID]*simDevice),
	}
}

// Context returns a driver handle usable with OpenCaptureSession.
func (sc *SimulatedContext) Context() *Context {
	return &Context{actx: sc}
}

// SetDeviceRate sets the native rate of a device.
func (sc *SimulatedContext) SetDeviceRate(id DeviceID, rate uint32) {
	sc.mtx.Lock()
	sc.rates[id] = rate
	sc.mtx.Unlock()
}

// FailDevice causes opening the device to fail with err. A nil err clears
// the failure.
func (sc *SimulatedContext) FailDevice(id DeviceID, err error) {
	sc.mtx.Lock()
	if err == nil {
		delete(sc.failures, id)
	} else {
		sc.failures[id] = err
	}
	sc.mtx.Unlock()
}

// Open returns true if the device is currently initialized.
func (sc *SimulatedContext) Open(id DeviceID) bool {
	sc.mtx.Lock()
	defer sc.mtx.Unlock()
	_, ok := sc.devices[id]
	return ok
}

// Feed delivers samples to the device as a single driver callback. It
// returns an error if the device is not open. Samples fed to a stopped
// device are dropped, as a real driver would.
func (sc *SimulatedContext) Feed(id DeviceID, samples []int16) error {
	sc.mtx.Lock()
	dev := sc.devices[id]
	sc.mtx.Unlock()
	if dev == nil {
		return fmt.Errorf("device %q is not open", id)
	}
	if !dev.started.Load() {
		return nil
	}
	in := leS16SliceToBytes(samples, nil)
	dev.cb(nil, in, uint32(len(samples)))
	return nil
}

func (sc *SimulatedContext) name() string { return "simulated" }

func (sc *SimulatedContext) free() error { return nil }

func (sc *SimulatedContext) initCapture(deviceID DeviceID, src Source, cb dataProc) (captureDevice, error) {
	sc.mtx.Lock()
	defer sc.mtx.Unlock()
	if err := sc.failures[deviceID]; err != nil {
		return nil, err
	}
	if _, ok := sc.devices[deviceID]; ok {
		return nil, fmt.Errorf("device %q already in use", deviceID)
	}
	rate := sc.rates[deviceID]
	if rate == 0 {
		rate = sc.defaultRate
	}
	dev := &simDevice{sc: sc, id: deviceID, rate: rate, cb: cb}
	sc.devices[deviceID] = dev
	return dev, nil
}

type simDevice struct {
	sc      *SimulatedContext
	id      DeviceID
	rate    uint32
	cb      dataProc
	started atomic.Bool
}

func (d *simDevice) Start() error {
	d.started.Store(true)
	return nil
}

func (d *simDevice) Stop() error {
	d.started.Store(false)
	return nil
}

func (d *simDevice) Uninit() {
	d.started.Store(false)
	d.sc.mtx.Lock()
	if d.sc.devices[d.id] == d {
		delete(d.sc.devices, d.id)
	}
	d.sc.mtx.Unlock()
}

func (d *simDevice) SampleRate() uint32 { return d.rate }
