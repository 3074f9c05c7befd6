// Package mock provides a scriptable vad.Engine test double, adapted from
// the teacher's pkg/provider/vad/mock package.
package mock

import "github.com/glyphoxa/ingestd/pkg/vad"

// Engine is a vad.Engine test double whose NewSession calls are recorded and
// whose return value can be fixed in advance.
type Engine struct {
	Session        vad.SessionHandle
	NewSessionErr  error
	NewSessionCalls []vad.Config
}

// NewSession implements vad.Engine.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.NewSessionCalls = append(e.NewSessionCalls, cfg)
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	return e.Session, nil
}

// Session is a vad.SessionHandle test double whose ProcessFrame result can
// be fixed in advance and whose calls are recorded.
type Session struct {
	EventResult     vad.Event
	ProcessFrameErr error
	CloseErr        error

	ProcessFrameCalls [][]byte
	ResetCallCount    int
	CloseCallCount    int
}

// ProcessFrame implements vad.SessionHandle.
func (s *Session) ProcessFrame(frame []byte) (vad.Event, error) {
	s.ProcessFrameCalls = append(s.ProcessFrameCalls, frame)
	if s.ProcessFrameErr != nil {
		return vad.Event{}, s.ProcessFrameErr
	}
	return s.EventResult, nil
}

// Reset implements vad.SessionHandle.
func (s *Session) Reset() {
	s.ResetCallCount++
}

// Close implements vad.SessionHandle.
func (s *Session) Close() error {
	s.CloseCallCount++
	return s.CloseErr
}
