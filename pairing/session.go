package pairing

import (
	"crypto/subtle"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"safely/crypto"
	"safely/errcode"
	"safely/models"
)

const (
	// DefaultConnectTimeout bounds how long a session may stay connecting.
	DefaultConnectTimeout = 45 * time.Second
	// DefaultAttemptsPerMinute limits inbound code submissions.
	DefaultAttemptsPerMinute = 5
)

// State is the lifecycle state of one pairing session.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// Reason explains why a transition happened.
type Reason string

const (
	ReasonUserAction      Reason = "user-action"
	ReasonCodeMatch       Reason = "code-match"
	ReasonAccepted        Reason = "accepted"
	ReasonCodeMismatch    Reason = "code-mismatch"
	ReasonRejected        Reason = "rejected"
	ReasonTimeout         Reason = "timeout"
	ReasonDisconnect      Reason = "disconnect"
	ReasonPeerDisconnect  Reason = "peer-disconnect"
	ReasonTransportClosed Reason = "transport-closed"
	ReasonShutdown        Reason = "shutdown"
)

var (
	// ErrInvalidCode indicates a submitted code does not have the code shape.
	ErrInvalidCode = errcode.New(errcode.CodePairingInvalidCode, "Invalid connection code")
	// ErrCodeMismatch indicates a well-formed code that does not match.
	ErrCodeMismatch = errcode.New(errcode.CodePairingCodeMismatch, "Invalid connection code")
	// ErrBusy indicates the session is already connected to a peer.
	ErrBusy = errcode.New(errcode.CodePairingBusy, "already paired with another device")
	// ErrRateLimited indicates too many code submissions in the last minute.
	ErrRateLimited = errcode.New(errcode.CodePairingRateLimited, "too many pairing attempts, try again later")
	// ErrBadState indicates an operation is not allowed in the current state.
	ErrBadState = errcode.New(errcode.CodePairingBadState, "operation not allowed in current pairing state")
	// ErrNotConnected indicates an operation that needs a live session.
	ErrNotConnected = errcode.New(errcode.CodePairingNotConnected, "no paired device")
)

// Transition describes one state change.
type Transition struct {
	From      State
	To        State
	Reason    Reason
	Detail    string
	Peer      *models.DeviceDescriptor
	SessionID string
	At        time.Time
}

// Snapshot is a consistent view of the session.
type Snapshot struct {
	State      State
	Peer       *models.DeviceDescriptor
	SessionID  string
	Since      time.Time
	LastReason Reason
}

// Options configures a Session.
type Options struct {
	// Code fixes the local pairing code; a random one is generated when empty.
	Code string

	// ConnectTimeout bounds the connecting state. Default: 45s.
	ConnectTimeout time.Duration

	// AttemptsPerMinute limits Verify calls. Default: 5.
	AttemptsPerMinute int

	// TokenCost is the bcrypt cost for session tokens; 0 means bcrypt default.
	TokenCost int

	// Now returns the current time. Default: time.Now.
	Now func() time.Time

	// OnTransition is called after every state change, outside the session lock.
	OnTransition func(Transition)
}

// Session is the pairing state machine owned by one agent.
type Session struct {
	mu sync.Mutex

	opts    Options
	limiter *rate.Limiter

	code  string
	state State

	peer       *models.DeviceDescriptor
	sessionID  string
	token      string
	tokenHash  []byte
	since      time.Time
	lastReason Reason

	generation uint64
	timer      *time.Timer
}

// NewSession creates a disconnected session holding a local code.
func NewSession(opts Options) (*Session, error) {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.AttemptsPerMinute <= 0 {
		opts.AttemptsPerMinute = DefaultAttemptsPerMinute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	code := opts.Code
	if code == "" {
		generated, err := GenerateCode()
		if err != nil {
			return nil, err
		}
		code = generated
	}
	if !ValidateCode(code) {
		return nil, ErrInvalidCode
	}

	perAttempt := time.Minute / time.Duration(opts.AttemptsPerMinute)
	return &Session{
		opts:    opts,
		limiter: rate.NewLimiter(rate.Every(perAttempt), opts.AttemptsPerMinute),
		code:    code,
		state:   StateDisconnected,
		since:   opts.Now(),
	}, nil
}

// Code returns the local pairing code.
func (s *Session) Code() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.code
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Peer returns the current peer descriptor, if any.
func (s *Session) Peer() (models.DeviceDescriptor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peer == nil {
		return models.DeviceDescriptor{}, false
	}
	return *s.peer, true
}

// Token returns the session token held by the proving side.
func (s *Session) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// Snapshot returns the current state, peer, and last reason together.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		State:      s.state,
		Peer:       copyPeer(s.peer),
		SessionID:  s.sessionID,
		Since:      s.since,
		LastReason: s.lastReason,
	}
}

// RegenerateCode replaces the local code. Not allowed while connected.
func (s *Session) RegenerateCode() (string, error) {
	code, err := GenerateCode()
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateConnected {
		return "", ErrBusy
	}
	s.code = code
	return code, nil
}

// Begin enters connecting on a user action. peer may be nil when the
// target is not yet known.
func (s *Session) Begin(peer *models.DeviceDescriptor) error {
	s.mu.Lock()
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return ErrBadState
	}

	s.peer = copyPeer(peer)
	s.sessionID = uuid.NewString()
	tr := s.transitionLocked(StateConnecting, ReasonUserAction, "")

	s.generation++
	gen := s.generation
	s.timer = time.AfterFunc(s.opts.ConnectTimeout, func() {
		s.expire(gen)
	})
	s.mu.Unlock()

	s.fire(tr)
	return nil
}

// Verify checks a code submitted by the remote prover against the local
// code. On match the session becomes connected with peer and a new session
// token is returned for the prover to present on later messages.
func (s *Session) Verify(candidate string, peer models.DeviceDescriptor) (string, error) {
	s.mu.Lock()
	if s.state == StateConnected {
		s.mu.Unlock()
		return "", ErrBusy
	}
	if !s.limiter.AllowN(s.opts.Now(), 1) {
		s.mu.Unlock()
		return "", ErrRateLimited
	}

	if !ValidateCode(candidate) || subtle.ConstantTimeCompare([]byte(candidate), []byte(s.code)) != 1 {
		var trs []Transition
		if s.state == StateConnecting {
			trs = append(trs, s.teardownLocked(ReasonCodeMismatch, ""))
		}
		s.mu.Unlock()
		s.fire(trs...)
		if !ValidateCode(candidate) {
			return "", ErrInvalidCode
		}
		return "", ErrCodeMismatch
	}

	token, err := crypto.GenerateSessionToken()
	if err != nil {
		s.mu.Unlock()
		return "", err
	}
	hash, err := crypto.HashSessionToken(token, s.opts.TokenCost)
	if err != nil {
		s.mu.Unlock()
		return "", err
	}

	s.stopTimerLocked()
	if s.state == StateDisconnected {
		s.sessionID = uuid.NewString()
	}
	s.peer = copyPeer(&peer)
	s.tokenHash = hash
	s.token = ""
	tr := s.transitionLocked(StateConnected, ReasonCodeMatch, "")
	s.mu.Unlock()

	s.fire(tr)
	return token, nil
}

// Accept completes a proving attempt after the peer accepted our code.
func (s *Session) Accept(peer models.DeviceDescriptor, token string) error {
	s.mu.Lock()
	if s.state != StateConnecting {
		s.mu.Unlock()
		return ErrBadState
	}

	s.stopTimerLocked()
	s.peer = copyPeer(&peer)
	s.token = token
	s.tokenHash = nil
	tr := s.transitionLocked(StateConnected, ReasonAccepted, "")
	s.mu.Unlock()

	s.fire(tr)
	return nil
}

// Reject ends a proving attempt that the peer refused.
func (s *Session) Reject(reason Reason, detail string) error {
	s.mu.Lock()
	if s.state != StateConnecting {
		s.mu.Unlock()
		return ErrBadState
	}
	tr := s.teardownLocked(reason, detail)
	s.mu.Unlock()

	s.fire(tr)
	return nil
}

// Disconnect tears the session down. Calling it while already
// disconnected is a no-op.
func (s *Session) Disconnect(reason Reason) {
	s.mu.Lock()
	if s.state == StateDisconnected {
		s.stopTimerLocked()
		s.mu.Unlock()
		return
	}
	tr := s.teardownLocked(reason, "")
	s.mu.Unlock()

	s.fire(tr)
}

// TransportClosed tears the session down after the underlying channel closed.
func (s *Session) TransportClosed() {
	s.Disconnect(ReasonTransportClosed)
}

// Authorize checks that token belongs to the live session and returns that
// session's ID.
func (s *Session) Authorize(token string) (string, error) {
	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return "", ErrNotConnected
	}
	hash := s.tokenHash
	own := s.token
	id := s.sessionID
	s.mu.Unlock()

	if hash == nil {
		// Proving side: the peer echoes the token it issued to us.
		if own == "" || subtle.ConstantTimeCompare([]byte(own), []byte(token)) != 1 {
			return "", crypto.ErrTokenMismatch
		}
		return id, nil
	}
	if err := crypto.VerifySessionToken(hash, token); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Session) expire(gen uint64) {
	s.mu.Lock()
	if s.generation != gen || s.state != StateConnecting {
		s.mu.Unlock()
		return
	}
	tr := s.teardownLocked(ReasonTimeout, "timed out waiting for the other device")
	s.mu.Unlock()

	s.fire(tr)
}

func (s *Session) teardownLocked(reason Reason, detail string) Transition {
	s.stopTimerLocked()
	tr := s.transitionLocked(StateDisconnected, reason, detail)
	s.peer = nil
	s.token = ""
	s.tokenHash = nil
	s.sessionID = ""
	return tr
}

func (s *Session) stopTimerLocked() {
	s.generation++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Session) transitionLocked(to State, reason Reason, detail string) Transition {
	now := s.opts.Now()
	tr := Transition{
		From:      s.state,
		To:        to,
		Reason:    reason,
		Detail:    detail,
		Peer:      copyPeer(s.peer),
		SessionID: s.sessionID,
		At:        now,
	}
	s.state = to
	s.since = now
	s.lastReason = reason
	return tr
}

func (s *Session) fire(trs ...Transition) {
	if s.opts.OnTransition == nil {
		return
	}
	for _, tr := range trs {
		s.opts.OnTransition(tr)
	}
}

func copyPeer(peer *models.DeviceDescriptor) *models.DeviceDescriptor {
	if peer == nil {
		return nil
	}
	out := *peer
	return &out
}
