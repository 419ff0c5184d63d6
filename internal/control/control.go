// Package control routes inbound robot commands to the catch service, the
// conveyor loop and the calibration store.
package control

import (
	"context"
	"errors"
	"log"

	"github.com/banshee-data/visionpick/internal/acquire"
	"github.com/banshee-data/visionpick/internal/conveyor"
	"github.com/banshee-data/visionpick/internal/picklock"
	"github.com/banshee-data/visionpick/internal/protocol"
	"github.com/banshee-data/visionpick/internal/transport"
)

// Catcher answers catch requests.
type Catcher interface {
	Catch(ctx context.Context, req acquire.Request) string
}

// Loop is the conveyor lifecycle.
type Loop interface {
	Start(clientID string) error
	Stop(ctx context.Context) error
	Complete(ctx context.Context) (picklock.State, bool)
}

// Recalibrator reloads the calibration file.
type Recalibrator interface {
	Reload() error
}

// Dispatcher implements transport.Handler.
type Dispatcher struct {
	catcher Catcher
	loop    Loop
	calib   Recalibrator
}

var _ transport.Handler = (*Dispatcher)(nil)

func NewDispatcher(catcher Catcher, loop Loop, calib Recalibrator) *Dispatcher {
	return &Dispatcher{catcher: catcher, loop: loop, calib: calib}
}

// Handle answers one line. A completion signal gets no reply.
func (d *Dispatcher) Handle(ctx context.Context, peer transport.Peer, line string) (string, bool) {
	cmd := protocol.Parse(line)
	switch cmd.Kind {
	case protocol.Catch:
		return d.catcher.Catch(ctx, acquire.Request{
			Channel: peer.Host,
			Gap:     cmd.Gap,
			HasGap:  cmd.HasGap,
		}), true
	case protocol.Start:
		return d.Start(peer.ID), true
	case protocol.Stop:
		return d.Stop(ctx), true
	case protocol.Complete:
		d.Complete(ctx)
		return "", false
	case protocol.Recalibrate:
		return d.Recalibrate(), true
	}
	log.Printf("control: unknown command %q from %s", cmd.Raw, peer.Host)
	return protocol.UnknownCommand, true
}

// Start starts the conveyor loop with clientID as push target.
func (d *Dispatcher) Start(clientID string) string {
	err := d.loop.Start(clientID)
	switch {
	case err == nil:
		log.Printf("control: conveyor started for %q", clientID)
		return protocol.StartOK
	case errors.Is(err, conveyor.ErrAlreadyRunning):
		return protocol.StartAlreadyRunning
	case errors.Is(err, conveyor.ErrCameraNotReady):
		return protocol.StartCameraNotReady
	case errors.Is(err, conveyor.ErrDetectorNotReady):
		return protocol.StartDetectorNotReady
	}
	log.Printf("control: start failed: %v", err)
	return protocol.StartFailed
}

// Stop stops the loop. The reply is always stop,ok; a slow or failed
// shutdown is logged.
func (d *Dispatcher) Stop(ctx context.Context) string {
	if err := d.loop.Stop(ctx); err != nil {
		log.Printf("control: stop: %v", err)
	} else {
		log.Printf("control: conveyor stopped")
	}
	return protocol.StopOK
}

// Complete releases the pick lock.
func (d *Dispatcher) Complete(ctx context.Context) (picklock.State, bool) {
	return d.loop.Complete(ctx)
}

// Recalibrate reloads the calibration file, keeping the previous model on
// failure.
func (d *Dispatcher) Recalibrate() string {
	if err := d.calib.Reload(); err != nil {
		log.Printf("control: recalibrate: %v", err)
		return protocol.RecalibrateFailed
	}
	log.Printf("control: calibration reloaded")
	return protocol.RecalibrateOK
}
