package session

import (
	"context"
	"errors"
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/kvsd/kvsd/internal/ipc"
)

// RegistrationEndpoint owns the well-known registration FIFO, turning each
// CONNECT frame into an opened Connection handed off to a Manager.
type RegistrationEndpoint struct {
	path string
	log  zerolog.Logger
}

// NewRegistrationEndpoint creates an endpoint bound to the registration
// FIFO at path (conventionally "/tmp/<name>" per §6.5).
func NewRegistrationEndpoint(path string, log zerolog.Logger) *RegistrationEndpoint {
	return &RegistrationEndpoint{path: path, log: log}
}

// Run creates the registration FIFO if needed and accepts CONNECT frames
// until ctx is cancelled, forwarding each successfully opened Connection to
// connections. The FIFO is held open read-write, so a client closing its
// write end never produces EOF; cancelling ctx closes the FIFO, which ends
// the pending read and lets Run return.
func (e *RegistrationEndpoint) Run(ctx context.Context, connections chan<- Connection) error {
	if err := ipc.MakeFIFO(e.path, 0o600); err != nil {
		return err
	}

	for ctx.Err() == nil {
		if err := e.acceptOnce(ctx, connections); err != nil {
			e.log.Error().Err(err).Msg("registration FIFO read failed")
		}
	}

	return ctx.Err()
}

func (e *RegistrationEndpoint) acceptOnce(ctx context.Context, connections chan<- Connection) error {
	// A read-write open of a FIFO never blocks waiting for a writer.
	f, err := os.OpenFile(e.path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	stop := make(chan struct{})
	defer close(stop)

	go func() {
		select {
		case <-ctx.Done():
			f.Close()
		case <-stop:
		}
	}()

	buf := make([]byte, ipc.ConnectFrameSize)

	for {
		if _, err := io.ReadFull(f, buf); err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}

			return err
		}

		frame, err := ipc.DecodeConnect(buf)
		if err != nil {
			e.log.Error().Err(err).Msg("malformed CONNECT frame")
			continue
		}

		e.handleConnect(ctx, frame, connections)
	}
}

// handleConnect opens the three session pipes named in frame. On any open
// failure it replies ERROR on whichever response pipe it managed to open
// and discards the attempt, per §4.10.
func (e *RegistrationEndpoint) handleConnect(ctx context.Context, frame ipc.ConnectFrame, connections chan<- Connection) {
	resp, err := os.OpenFile(frame.ResponsePath, os.O_WRONLY, 0)
	if err != nil {
		e.log.Error().Err(err).Str("path", frame.ResponsePath).Msg("failed to open response pipe")
		return
	}

	req, err := os.OpenFile(frame.RequestPath, os.O_RDONLY, 0)
	if err != nil {
		e.rejectAndClose(resp)
		return
	}

	notif, err := os.OpenFile(frame.NotificationPath, os.O_WRONLY, 0)
	if err != nil {
		e.rejectAndClose(resp)
		req.Close()

		return
	}

	conn := Connection{Request: req, Response: resp, Notification: notif}

	select {
	case connections <- conn:
	case <-ctx.Done():
		conn.Close()
	}
}

func (e *RegistrationEndpoint) rejectAndClose(resp *os.File) {
	frame := ipc.EncodeResponse(ipc.OpConnect, false)
	if _, err := resp.Write(frame[:]); err != nil {
		e.log.Error().Err(err).Msg("failed to send CONNECT error response")
	}

	resp.Close()
}
