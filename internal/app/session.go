package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jaakkos/mcpfleet/internal/domain"
	"github.com/jaakkos/mcpfleet/internal/rpc"
)

// session is one JSON-RPC conversation with one worker process. A new session is created on
// every start, so request ids and pending calls never leak across process lifetimes.
type session struct {
	id  string
	out io.Writer

	writeMu sync.Mutex
	nextID  atomic.Int64

	mu       sync.Mutex
	pending  map[int64]*pendingCall
	closed   bool
	closeErr error
}

type pendingCall struct {
	method string
	reply  chan callReply
	timer  *time.Timer
}

type callReply struct {
	result json.RawMessage
	err    error
}

func newSession(id string, out io.Writer) *session {
	return &session{
		id:      id,
		out:     out,
		pending: make(map[int64]*pendingCall),
	}
}

// call sends a request and waits for its response. A positive timeout arms a per-request timer;
// otherwise only ctx bounds the wait.
func (s *session) call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	id := s.nextID.Add(1)
	p := &pendingCall{method: method, reply: make(chan callReply, 1)}

	s.mu.Lock()
	if s.closed {
		err := s.closeErr
		s.mu.Unlock()
		return nil, err
	}
	s.pending[id] = p
	if timeout > 0 {
		p.timer = time.AfterFunc(timeout, func() {
			s.reject(id, fmt.Errorf("%s (id %d) after %s: %w", method, id, timeout, domain.ErrRequestTimeout))
		})
	}
	s.mu.Unlock()

	frame, err := rpc.Encode(rpc.NewRequest(id, method, params))
	if err != nil {
		s.remove(id)
		return nil, err
	}

	// A worker that stops draining stdin blocks the write; the timer and ctx must still end the call.
	written := make(chan error, 1)
	go func() { written <- s.write(frame) }()

	for {
		select {
		case err := <-written:
			if err == nil {
				written = nil
				continue
			}
			if s.take(id) == nil {
				// Rejected (timeout or close) before the write failed.
				r := <-p.reply
				return r.result, r.err
			}
			return nil, fmt.Errorf("write %s: %w", method, err)
		case r := <-p.reply:
			return r.result, r.err
		case <-ctx.Done():
			s.remove(id)
			return nil, ctx.Err()
		}
	}
}

// notify sends a notification; no response is expected.
func (s *session) notify(method string, params any) error {
	frame, err := rpc.Encode(rpc.NewNotification(method, params))
	if err != nil {
		return err
	}
	if err := s.write(frame); err != nil {
		return fmt.Errorf("write %s: %w", method, err)
	}
	return nil
}

// respond answers a request the worker sent to us.
func (s *session) respond(resp rpc.Response) error {
	frame, err := rpc.Encode(resp)
	if err != nil {
		return err
	}
	return s.write(frame)
}

func (s *session) write(frame []byte) error {
	s.mu.Lock()
	closed, closeErr := s.closed, s.closeErr
	s.mu.Unlock()
	if closed {
		return closeErr
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.out.Write(frame)
	return err
}

// resolve completes the pending call matching msg. It reports false for ids we are not waiting on.
func (s *session) resolve(msg *rpc.Message) bool {
	id, ok := msg.SequenceID()
	if !ok {
		return false
	}
	p := s.take(id)
	if p == nil {
		return false
	}
	if msg.Error != nil {
		p.reply <- callReply{err: fmt.Errorf("%s: %w", p.method, rpc.NewError(msg.Error))}
		return true
	}
	result := msg.Result
	if result == nil {
		result = json.RawMessage("null")
	}
	p.reply <- callReply{result: result}
	return true
}

func (s *session) reject(id int64, err error) {
	if p := s.take(id); p != nil {
		p.reply <- callReply{err: err}
	}
}

func (s *session) remove(id int64) {
	s.take(id)
}

// take removes and returns the pending call; only its taker may send on the reply channel.
func (s *session) take(id int64) *pendingCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[id]
	if !ok {
		return nil
	}
	delete(s.pending, id)
	if p.timer != nil {
		p.timer.Stop()
	}
	return p
}

// close rejects every outstanding call with err. Later calls fail immediately with err.
func (s *session) close(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.closeErr = err
	pending := s.pending
	s.pending = make(map[int64]*pendingCall)
	s.mu.Unlock()

	for _, p := range pending {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.reply <- callReply{err: err}
	}
}

// outstanding returns the number of calls waiting for a response.
func (s *session) outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
