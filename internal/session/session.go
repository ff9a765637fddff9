// Package session implements the Session Manager, Registration Endpoint,
// and Notification Fan-out: the server side of kvsd's interactive mode.
package session

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/kvsd/kvsd/internal/ipc"
	"github.com/kvsd/kvsd/internal/kvstore"
	"github.com/kvsd/kvsd/internal/subindex"
)

// MaxSessionCount is the fixed size of the session pool.
const MaxSessionCount = 8

// MaxSubscribedKeys bounds how many distinct keys one session may subscribe
// to at once.
const MaxSubscribedKeys = 10

// notifyQueueSize bounds the number of pending notifications buffered per
// session between the table's write/delete callback and this session's own
// delivery goroutine. A full queue drops the newest notification rather
// than blocking the caller, which otherwise runs with the gate's writer
// slot held.
const notifyQueueSize = 64

// Connection is the per-session pipe triple opened by the Registration
// Endpoint and handed to a free session worker.
type Connection struct {
	Request      *os.File
	Response     *os.File
	Notification *os.File
}

// Close closes every pipe in the triple, collecting errors from all three.
func (c Connection) Close() error {
	return errors.Join(c.Request.Close(), c.Response.Close(), c.Notification.Close())
}

// session is one active slot's state, live only for the duration of a
// single client connection. A new session value is created per Connection;
// nothing is reused across disconnect/reconnect, matching the source's
// "clear slot state" step of teardown.
type session struct {
	id      int
	conn    Connection
	table   *kvstore.Table
	index   *subindex.Index
	log     zerolog.Logger
	maxKeys int

	subscribedKeys []string

	notifyCh      chan notification
	notifyDone    chan struct{}
	notifyStopped chan struct{}
}

type notification struct {
	key   string
	value string
}

// newSession builds a session and starts its notification delivery
// goroutine, which runs for the session's entire lifetime and is stopped by
// teardown.
func newSession(id int, conn Connection, table *kvstore.Table, index *subindex.Index, maxKeys int, log zerolog.Logger) *session {
	s := &session{
		id:            id,
		conn:          conn,
		table:         table,
		index:         index,
		log:           log,
		maxKeys:       maxKeys,
		notifyCh:      make(chan notification, notifyQueueSize),
		notifyDone:    make(chan struct{}),
		notifyStopped: make(chan struct{}),
	}

	go s.deliverNotifications()

	return s
}

// Notify implements subindex.Sink. It never blocks: the table's write/delete
// callback invokes this while the gate's writer slot is held, so a session
// whose notification pipe is slow or full must not stall every other
// command. The actual pipe write happens on this session's own
// deliverNotifications goroutine instead.
func (s *session) Notify(key, value string) error {
	select {
	case s.notifyCh <- notification{key: key, value: value}:
	default:
		s.log.Warn().Int("session", s.id).Str("key", key).Msg("notification queue full, dropping")
	}

	return nil
}

// deliverNotifications drains notifyCh and writes each as a fixed-width
// frame on the notification pipe, until notifyDone is closed by teardown.
// Running on its own goroutine keeps a blocked client's pipe write from
// ever being on the gate-holding write/delete path. It signals
// notifyStopped on exit so teardown can wait for it before closing the
// notification pipe out from under an in-flight Write.
func (s *session) deliverNotifications() {
	defer close(s.notifyStopped)

	for {
		select {
		case n := <-s.notifyCh:
			frame, err := ipc.EncodeNotification(n.key, n.value)
			if err != nil {
				s.log.Error().Err(err).Int("session", s.id).Msg("encoding notification")
				continue
			}

			if _, err := s.conn.Notification.Write(frame); err != nil {
				s.log.Debug().Err(err).Int("session", s.id).Msg("writing notification")
			}

		case <-s.notifyDone:
			return
		}
	}
}

// serve implements the session worker loop of §4.7 steps 3-4: send
// CONNECT/OK, then read and dispatch frames until disconnect. ctx carries
// the force-disconnect signal — cancelling it causes a watcher goroutine,
// spawned and owned by this function, to close the request pipe, which
// unblocks the in-progress read with an error.
func (s *session) serve(ctx context.Context) {
	resp := ipc.EncodeResponse(ipc.OpConnect, true)
	if _, err := s.conn.Response.Write(resp[:]); err != nil {
		s.log.Error().Err(err).Int("session", s.id).Msg("failed to send CONNECT response")
	}

	clientAlreadyDisconnected := s.loop(ctx)
	s.teardown(clientAlreadyDisconnected)
}

func (s *session) loop(ctx context.Context) (clientAlreadyDisconnected bool) {
	watcherDone := make(chan struct{})
	defer close(watcherDone)

	go func() {
		select {
		case <-ctx.Done():
			s.conn.Request.Close()
		case <-watcherDone:
		}
	}()

	reader := bufio.NewReader(s.conn.Request)

	for {
		opByte, err := reader.ReadByte()
		if err != nil {
			// Distinguish our own watcher closing the pipe (forced
			// disconnect — the client hasn't actually gone away, so the
			// DISCONNECT response below still has a reader) from a
			// genuine client-side EOF or I/O error.
			return ctx.Err() == nil
		}

		switch ipc.Opcode(opByte) {
		case ipc.OpDisconnect:
			return false

		case ipc.OpSubscribe, ipc.OpUnsubscribe:
			body := make([]byte, ipc.KeyFrameSize-1)
			if _, err := io.ReadFull(reader, body); err != nil {
				return ctx.Err() == nil
			}

			key, err := ipc.DecodeKeyFrame(body)
			if err != nil {
				s.log.Error().Err(err).Int("session", s.id).Msg("malformed key frame")
				continue
			}

			if ipc.Opcode(opByte) == ipc.OpSubscribe {
				s.subscribe(key)
			} else {
				s.unsubscribe(key)
			}

		default:
			s.log.Error().Int("session", s.id).Str("opcode", string(opByte)).Msg("unknown request opcode, disconnecting")
			return true
		}
	}
}

// subscribe implements §4.7's SUBSCRIBE handler: it replies ERROR when the
// key is absent from the KV Table, since there is nothing yet to notify the
// caller about.
func (s *session) subscribe(key string) {
	fail := false

	switch {
	case !s.table.Exists(key):
		fail = true
	case len(s.subscribedKeys) >= s.maxKeys:
		fail = true
	case containsKey(s.subscribedKeys, key):
		fail = true
	default:
		s.subscribedKeys = append(s.subscribedKeys, key)
		s.index.Add(key, s)
	}

	s.respond(ipc.OpSubscribe, !fail)
}

func (s *session) unsubscribe(key string) {
	i := indexOfKey(s.subscribedKeys, key)
	if i < 0 {
		s.respond(ipc.OpUnsubscribe, false)
		return
	}

	s.subscribedKeys = append(s.subscribedKeys[:i], s.subscribedKeys[i+1:]...)
	s.index.Remove(key, s)
	s.respond(ipc.OpUnsubscribe, true)
}

func (s *session) respond(op ipc.Opcode, ok bool) {
	resp := ipc.EncodeResponse(op, ok)
	if _, err := s.conn.Response.Write(resp[:]); err != nil {
		s.log.Error().Err(err).Int("session", s.id).Msg("failed to send response")
	}
}

// teardown implements §4.8's ordered shutdown. deliverNotifications is
// stopped and waited on first, before the pipe steps below, so nothing
// writes to the notification pipe concurrently with closing it.
func (s *session) teardown(clientAlreadyDisconnected bool) {
	close(s.notifyDone)
	<-s.notifyStopped

	if err := s.conn.Request.Close(); err != nil {
		s.log.Debug().Err(err).Int("session", s.id).Msg("closing request pipe")
	}

	if err := s.conn.Notification.Close(); err != nil {
		s.log.Debug().Err(err).Int("session", s.id).Msg("closing notification pipe")
	}

	if !clientAlreadyDisconnected {
		s.respond(ipc.OpDisconnect, true)
	}

	if err := s.conn.Response.Close(); err != nil {
		s.log.Debug().Err(err).Int("session", s.id).Msg("closing response pipe")
	}

	for _, key := range s.subscribedKeys {
		s.index.Remove(key, s)
	}
}

func containsKey(keys []string, key string) bool {
	return indexOfKey(keys, key) >= 0
}

func indexOfKey(keys []string, key string) int {
	for i, k := range keys {
		if k == key {
			return i
		}
	}

	return -1
}
