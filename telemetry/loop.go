// Package telemetry wires the instrumented value stream to the actuation
// service: it maps raw APM readings to intensities and keeps the devices in
// sync with the latest reading.
package telemetry

import (
	"context"
	"time"

	"github.com/Moonlight-Companies/gologger/coloransi"
	"github.com/Moonlight-Companies/gologger/logger"
	"golang.org/x/sync/errgroup"

	"github.com/VyrCossont/StarPlug/buttplug"
	"github.com/VyrCossont/StarPlug/instrument"
	"github.com/VyrCossont/StarPlug/intensity"
)

// ValueSource is the consumer-side contract of an instrumented process
// session. Implemented by *instrument.Session.
type ValueSource interface {
	// Values delivers one register reading per breakpoint hit, in execution
	// order, and is closed when the session terminates.
	Values() <-chan uint64

	// Reason reports why the stream ended. Valid after Values is closed.
	Reason() (instrument.Reason, error)

	// Detach releases the target. Idempotent.
	Detach()
}

// Actuator is the consumer-side contract of a device session. Implemented by
// *buttplug.Client.
type Actuator interface {
	State() buttplug.State
	Vibrators() []buttplug.Device
	Vibrate(ctx context.Context, deviceIndex uint32, level float64) error
	StopAll(ctx context.Context) error
	Disconnect()
}

// Config holds loop settings.
type Config struct {
	// Range maps raw APM onto vibration levels.
	Range intensity.Range

	// IdleTimeout stops all devices when no APM change arrives for this long:
	// the game is paused or the current game finished. Default 3s.
	IdleTimeout time.Duration

	// SendTimeout bounds each device command. Default 5s.
	SendTimeout time.Duration
}

func (cfg Config) withDefaults() Config {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 3 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	return cfg
}

// Loop consumes a value stream and drives an actuator.
type Loop struct {
	log *logger.Logger
	cfg Config
}

// NewLoop creates a loop with the given mapping and timing configuration.
func NewLoop(cfg Config) *Loop {
	return &Loop{
		log: logger.NewLogger(coloransi.Color(coloransi.ColorLimeGreen, coloransi.ColorOrange, "telemetry")),
		cfg: cfg.withDefaults(),
	}
}

// Run consumes src until it terminates or ctx is canceled, keeping act in
// sync with the latest mapped intensity. On return the devices have been
// stopped best-effort, src is detached and act disconnected; the instrument
// session's terminal reason and error are returned. ReasonProcessExited with
// a nil error is the normal way a run ends.
//
// The two sides run independently: breakpoint hits are never blocked by
// device I/O, and device loss never stops extraction. They meet only at a
// single-slot latest-value channel.
func (l *Loop) Run(ctx context.Context, src ValueSource, act Actuator) (instrument.Reason, error) {
	slot := NewSlot[float64]()
	produceDone := make(chan struct{})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(produceDone)
		return l.produce(gctx, src, slot)
	})

	g.Go(func() error {
		return l.actuate(gctx, act, slot, produceDone)
	})

	// Both goroutines return nil; the group is for lifecycle, not errors.
	_ = g.Wait()

	// Shutdown steps are independent and best-effort across each other.
	l.stopDevices(act)
	src.Detach()
	act.Disconnect()

	reason, err := src.Reason()
	if err != nil {
		return reason, err
	}
	if reason == instrument.ReasonProcessExited {
		l.log.Infoln("Lost connection to the game: process exited")
	}
	return reason, nil
}

// produce consumes raw values, maps them, and overwrites the slot. It runs at
// hit speed and never touches the network.
func (l *Loop) produce(ctx context.Context, src ValueSource, slot *Slot[float64]) error {
	var prev uint64
	havePrev := false

	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-src.Values():
			if !ok {
				return nil
			}
			// The breakpoint fires on every scoreboard update, not every APM
			// change; identical consecutive readings carry no new information.
			if havePrev && raw == prev {
				continue
			}
			prev, havePrev = raw, true

			level := l.cfg.Range.Map(raw)
			l.log.Debugln("APM", raw, "mapped to level", level)
			slot.Put(level)
		}
	}
}

// actuate drains the slot and issues device commands. Commands are dropped
// while the session is not ready or no vibrator is present; only the latest
// intensity matters, so nothing is buffered for later.
func (l *Loop) actuate(ctx context.Context, act Actuator, slot *Slot[float64], produceDone <-chan struct{}) error {
	idle := time.NewTimer(l.cfg.IdleTimeout)
	defer idle.Stop()

	active := false

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-produceDone:
			return nil
		case level := <-slot.C():
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(l.cfg.IdleTimeout)

			if l.send(ctx, act, level) {
				active = true
			}
		case <-idle.C:
			idle.Reset(l.cfg.IdleTimeout)
			if active {
				l.log.Infoln("APM hasn't changed in a while; the game may be paused or finished. Stopping devices.")
				l.stopDevices(act)
				active = false
			}
		}
	}
}

// send issues one intensity to every vibrator. Reports whether any command
// was actually sent.
func (l *Loop) send(ctx context.Context, act Actuator, level float64) bool {
	if act.State() != buttplug.StateReady {
		l.log.Debugln("Device session not ready, dropping command")
		return false
	}

	devices := act.Vibrators()
	if len(devices) == 0 {
		l.log.Debugln("No vibrators available, dropping command")
		return false
	}

	sendCtx, cancel := context.WithTimeout(ctx, l.cfg.SendTimeout)
	defer cancel()

	sent := false
	for _, dev := range devices {
		if err := act.Vibrate(sendCtx, dev.Index, level); err != nil {
			l.log.Warn("Couldn't send vibration command to "+dev.Name+": ", err)
			continue
		}
		sent = true
	}
	return sent
}

// stopDevices halts everything best-effort. Called on idle, termination, and
// cancellation; uses its own context because the loop's may already be done.
func (l *Loop) stopDevices(act Actuator) {
	if act.State() != buttplug.StateReady {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.SendTimeout)
	defer cancel()

	if err := act.StopAll(ctx); err != nil {
		l.log.Warn("Couldn't stop devices: ", err)
	}
}
