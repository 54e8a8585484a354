package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VyrCossont/StarPlug/buttplug"
	"github.com/VyrCossont/StarPlug/instrument"
	"github.com/VyrCossont/StarPlug/intensity"
)

// fakeSource stands in for an instrument session. emit blocks until the loop
// has consumed the value, which makes tests deterministic.
type fakeSource struct {
	values chan uint64

	mu       sync.Mutex
	reason   instrument.Reason
	err      error
	closed   bool
	detached bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{values: make(chan uint64)}
}

func (f *fakeSource) Values() <-chan uint64 { return f.values }

func (f *fakeSource) Reason() (instrument.Reason, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reason, f.err
}

func (f *fakeSource) Detach() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detached = true
	if !f.closed {
		f.reason = instrument.ReasonDetached
		f.closed = true
		close(f.values)
	}
}

func (f *fakeSource) emit(v uint64) { f.values <- v }

func (f *fakeSource) terminate(reason instrument.Reason, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.reason = reason
	f.err = err
	f.closed = true
	close(f.values)
}

type vibration struct {
	index uint32
	level float64
}

// fakeActuator records commands and signals them on channels so tests can
// wait for the loop instead of sleeping.
type fakeActuator struct {
	mu           sync.Mutex
	state        buttplug.State
	devices      []buttplug.Device
	vibrations   []vibration
	stops        int
	disconnected bool

	sent    chan vibration
	stopped chan struct{}
}

func newFakeActuator() *fakeActuator {
	return &fakeActuator{
		state:   buttplug.StateReady,
		devices: []buttplug.Device{{Index: 7, Name: "Test Wand"}},
		sent:    make(chan vibration, 64),
		stopped: make(chan struct{}, 64),
	}
}

func (f *fakeActuator) State() buttplug.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeActuator) setState(s buttplug.State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

func (f *fakeActuator) Vibrators() []buttplug.Device {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.devices
}

func (f *fakeActuator) Vibrate(ctx context.Context, deviceIndex uint32, level float64) error {
	f.mu.Lock()
	v := vibration{index: deviceIndex, level: level}
	f.vibrations = append(f.vibrations, v)
	f.mu.Unlock()
	f.sent <- v
	return nil
}

func (f *fakeActuator) StopAll(ctx context.Context) error {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
	f.stopped <- struct{}{}
	return nil
}

func (f *fakeActuator) Disconnect() {
	f.mu.Lock()
	f.disconnected = true
	f.mu.Unlock()
}

func (f *fakeActuator) vibrationCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.vibrations)
}

func waitVibration(t *testing.T, f *fakeActuator) vibration {
	t.Helper()
	select {
	case v := <-f.sent:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a vibration command")
		return vibration{}
	}
}

func waitStop(t *testing.T, f *fakeActuator) {
	t.Helper()
	select {
	case <-f.stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a stop command")
	}
}

func startLoop(t *testing.T, ctx context.Context, cfg Config, src ValueSource, act Actuator) <-chan error {
	t.Helper()
	result := make(chan error, 1)
	go func() {
		reason, err := NewLoop(cfg).Run(ctx, src, act)
		if err != nil {
			result <- err
			return
		}
		if reason == instrument.ReasonFailed {
			result <- errors.New("failed reason with nil error")
			return
		}
		result <- nil
	}()
	return result
}

func mustRange(t *testing.T, min, max uint64) intensity.Range {
	t.Helper()
	r, err := intensity.NewRange(min, max)
	require.NoError(t, err)
	return r
}

func TestRun_MapsValuesToIntensities(t *testing.T) {
	src := newFakeSource()
	act := newFakeActuator()
	result := startLoop(t, context.Background(), Config{Range: mustRange(t, 20, 200)}, src, act)

	raws := []uint64{10, 20, 110, 200, 300}
	want := []float64{0.0, 0.0, 0.5, 1.0, 1.0}

	var got []float64
	for _, raw := range raws {
		src.emit(raw)
		v := waitVibration(t, act)
		assert.Equal(t, uint32(7), v.index)
		got = append(got, v.level)
	}

	src.terminate(instrument.ReasonProcessExited, nil)
	require.NoError(t, <-result)

	require.Len(t, got, len(want))
	for i := range want {
		assert.InDelta(t, want[i], got[i], 1e-9, "raw %d", raws[i])
	}
}

func TestRun_SuppressesDuplicateRawValues(t *testing.T) {
	src := newFakeSource()
	act := newFakeActuator()
	result := startLoop(t, context.Background(), Config{Range: mustRange(t, 40, 100)}, src, act)

	src.emit(80)
	waitVibration(t, act)

	// Same reading again: no new command.
	src.emit(80)

	src.emit(90)
	waitVibration(t, act)

	src.terminate(instrument.ReasonProcessExited, nil)
	require.NoError(t, <-result)

	assert.Equal(t, 2, act.vibrationCount())
}

func TestRun_DropsWhileDisconnected(t *testing.T) {
	src := newFakeSource()
	act := newFakeActuator()
	result := startLoop(t, context.Background(), Config{Range: mustRange(t, 20, 200)}, src, act)

	src.emit(110)
	waitVibration(t, act)

	// Device session drops out: extraction continues, commands do not.
	act.setState(buttplug.StateDisconnected)
	src.emit(150)
	src.emit(160)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, act.vibrationCount(), "no commands while disconnected")

	// Back to ready: the next value goes out, not a historical one.
	act.setState(buttplug.StateReady)
	src.emit(200)
	v := waitVibration(t, act)
	assert.InDelta(t, 1.0, v.level, 1e-9)

	src.terminate(instrument.ReasonProcessExited, nil)
	require.NoError(t, <-result)
}

func TestRun_ProcessExit(t *testing.T) {
	src := newFakeSource()
	act := newFakeActuator()

	result := make(chan struct {
		reason instrument.Reason
		err    error
	}, 1)
	go func() {
		reason, err := NewLoop(Config{Range: mustRange(t, 40, 100)}).Run(context.Background(), src, act)
		result <- struct {
			reason instrument.Reason
			err    error
		}{reason, err}
	}()

	src.emit(70)
	waitVibration(t, act)

	src.terminate(instrument.ReasonProcessExited, nil)
	waitStop(t, act)

	r := <-result
	assert.NoError(t, r.err, "process exit is a clean end, not an error")
	assert.Equal(t, instrument.ReasonProcessExited, r.reason)

	act.mu.Lock()
	defer act.mu.Unlock()
	assert.True(t, act.disconnected)
	src.mu.Lock()
	defer src.mu.Unlock()
	assert.True(t, src.detached)
}

func TestRun_Cancellation(t *testing.T) {
	src := newFakeSource()
	act := newFakeActuator()

	ctx, cancel := context.WithCancel(context.Background())
	result := startLoop(t, ctx, Config{Range: mustRange(t, 40, 100)}, src, act)

	src.emit(70)
	waitVibration(t, act)

	cancel()
	waitStop(t, act)
	require.NoError(t, <-result)

	act.mu.Lock()
	defer act.mu.Unlock()
	assert.True(t, act.disconnected)
	src.mu.Lock()
	defer src.mu.Unlock()
	assert.True(t, src.detached)
}

func TestRun_FailurePropagates(t *testing.T) {
	src := newFakeSource()
	act := newFakeActuator()

	boom := errors.New("pattern not found")
	src.terminate(instrument.ReasonFailed, boom)

	reason, err := NewLoop(Config{Range: mustRange(t, 40, 100)}).Run(context.Background(), src, act)
	assert.Equal(t, instrument.ReasonFailed, reason)
	assert.ErrorIs(t, err, boom)
}

func TestRun_IdleStopsDevices(t *testing.T) {
	src := newFakeSource()
	act := newFakeActuator()
	cfg := Config{Range: mustRange(t, 40, 100), IdleTimeout: 100 * time.Millisecond}
	result := startLoop(t, context.Background(), cfg, src, act)

	src.emit(70)
	waitVibration(t, act)

	// No APM change for a while: devices stop.
	waitStop(t, act)

	// Play resumes.
	src.emit(90)
	waitVibration(t, act)

	src.terminate(instrument.ReasonProcessExited, nil)
	require.NoError(t, <-result)
}
