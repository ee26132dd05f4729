// Package mobileid drives remote Mobile-ID signing: the relay talks to the
// Mobile-ID REST service and publishes notifications, the session consumes
// them and completes the container signature.
package mobileid

import (
	"context"
	"regexp"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/cortex-x/go-eid-card-service/internal/container"
	"github.com/cortex-x/go-eid-card-service/internal/domain"
	"github.com/cortex-x/go-eid-card-service/internal/metrics"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/cortex-x/go-eid-card-service", "mobileid")

var (
	personalCodeRegex = regexp.MustCompile(`^[0-9]{11}$`)
	phoneNumberRegex  = regexp.MustCompile(`^\+?[0-9]{7,15}$`)
)

// Container is the signed container collaborator
type Container interface {
	DataToSign(signingCertificate []byte) ([]byte, error)
	Finalize(signature []byte) (*container.Container, error)
}

// Starter submits the signing request. Start must not block; progress is
// reported through notifications tagged with the request correlation ID.
type Starter interface {
	Start(ctx context.Context, req *Request, c Container)
}

// Host reports whether the party that started the session is still present
type Host interface {
	Alive() bool
}

// HostFunc adapts a function to Host
type HostFunc func() bool

func (f HostFunc) Alive() bool {
	return f()
}

// Endpoints of the Mobile-ID relay
type Endpoints struct {
	// RestURL is the relying party proxy, used without own relying party UUID
	RestURL string
	// SKRestURL is the service endpoint for registered relying parties
	SKRestURL string
}

// Request describes one signing attempt
type Request struct {
	CorrelationID    string
	DisplayMessage   string
	Locale           string
	PersonalCode     string
	PhoneNumber      string
	RelyingPartyName string
	RelyingPartyUUID string
	Endpoints        Endpoints
	// CertBundle holds PEM or DER trusted certificates for the relay TLS
	CertBundle [][]byte
}

// Validate checks the request
func (r *Request) Validate() error {
	if r.CorrelationID == "" {
		return errors.New("missing correlation ID")
	}
	if !personalCodeRegex.MatchString(r.PersonalCode) {
		return errors.Errorf("invalid personal code: %q", r.PersonalCode)
	}
	if !phoneNumberRegex.MatchString(r.PhoneNumber) {
		return errors.Errorf("invalid phone number: %q", r.PhoneNumber)
	}
	if r.Endpoints.RestURL == "" && r.Endpoints.SKRestURL == "" {
		return errors.New("missing relay endpoints")
	}
	return nil
}

// State of the session
type State int

const (
	StateInitial State = iota
	StateAwaitingChallenge
	StateChallengeShown
	StateSucceeded
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "INITIAL"
	case StateAwaitingChallenge:
		return "AWAITING_CHALLENGE"
	case StateChallengeShown:
		return "CHALLENGE_SHOWN"
	case StateSucceeded:
		return "SUCCEEDED"
	case StateFailed:
		return "FAILED"
	case StateCancelled:
		return "CANCELLED"
	}
	return "UNKNOWN"
}

func (s State) terminal() bool {
	return s >= StateSucceeded
}

type ResponseKind int

const (
	ResponseChallenge ResponseKind = iota + 1
	ResponseStatus
	ResponseSignature
	ResponseSuccess
	ResponseFailure
)

func (k ResponseKind) String() string {
	switch k {
	case ResponseChallenge:
		return "CHALLENGE"
	case ResponseStatus:
		return "STATUS"
	case ResponseSignature:
		return "SIGNATURE"
	case ResponseSuccess:
		return "SUCCESS"
	case ResponseFailure:
		return "FAILURE"
	}
	return "UNKNOWN"
}

// Response is emitted by the session. Exactly one Success or Failure
// response ends the stream.
type Response struct {
	Kind      ResponseKind
	Challenge string
	Status    Status
	Signature []byte
	Container *container.Container
	Err       error
}

// Terminal returns true for Success and Failure
func (r Response) Terminal() bool {
	return r.Kind == ResponseSuccess || r.Kind == ResponseFailure
}

type Session struct {
	req           *Request
	container     Container
	notifications Notifications
	starter       Starter
	host          Host
	metrics       *metrics.Metrics

	mu          sync.Mutex
	state       State
	started     bool
	cancel      context.CancelFunc
	unsubscribe func()
	stopOnce    sync.Once
}

// NewSession returns a session; a nil host is always alive
func NewSession(req *Request, c Container, notifications Notifications, starter Starter, host Host, m *metrics.Metrics) (*Session, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if host == nil {
		host = HostFunc(func() bool { return true })
	}
	return &Session{
		req:           req,
		container:     c,
		notifications: notifications,
		starter:       starter,
		host:          host,
		metrics:       m,
	}, nil
}

// State returns current session state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start subscribes to notifications and submits the request.
// The returned channel is closed after a terminal response or Cancel.
func (s *Session) Start(ctx context.Context) (<-chan Response, error) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil, errors.New("session already started")
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	messages, unsubscribe := s.notifications.Subscribe()
	s.unsubscribe = unsubscribe
	s.state = StateAwaitingChallenge
	s.mu.Unlock()

	logger.KV(xlog.INFO, "status", "start", "correlation", s.req.CorrelationID)

	out := make(chan Response, 4)
	go s.run(ctx, messages, out)
	s.starter.Start(ctx, s.req, s.container)
	return out, nil
}

// Cancel stops listening. Calling it more than once, or after a terminal
// response, does nothing.
func (s *Session) Cancel() {
	s.mu.Lock()
	s.started = true
	if !s.state.terminal() {
		s.state = StateCancelled
	}
	s.mu.Unlock()
	s.stop()
}

func (s *Session) stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		unsubscribe, cancel := s.unsubscribe, s.cancel
		s.mu.Unlock()

		if unsubscribe != nil {
			unsubscribe()
		}
		if cancel != nil {
			cancel()
		}
		logger.KV(xlog.DEBUG, "status", "stopped", "correlation", s.req.CorrelationID)
	})
}

func (s *Session) run(ctx context.Context, messages <-chan Message, out chan<- Response) {
	defer close(out)
	defer s.stop()

	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			if !s.state.terminal() {
				s.state = StateCancelled
			}
			s.mu.Unlock()
			return
		case msg := <-messages:
			if ctx.Err() != nil {
				return
			}
			if msg.CorrelationID != s.req.CorrelationID {
				logger.KV(xlog.DEBUG, "reason", "foreign_message", "correlation", msg.CorrelationID)
				continue
			}
			if !s.host.Alive() {
				logger.KV(xlog.ERROR, "reason", "host_lost", "correlation", s.req.CorrelationID)
				s.fail(ctx, out, &domain.ProtocolStateError{Reason: "session host not found, please try again"}, "HOST_LOST")
				return
			}
			if s.handle(ctx, msg, out) {
				return
			}
		}
	}
}

// handle processes one message and returns true when the session ended
func (s *Session) handle(ctx context.Context, msg Message, out chan<- Response) bool {
	switch msg.Type {
	case MessageServiceFault:
		fault := msg.Fault
		if fault == nil {
			fault = &Fault{Status: StatusGeneral}
		}
		f := fault.toDomain()
		s.fail(ctx, out, f, f.Status)
		return true

	case MessageChallenge:
		s.mu.Lock()
		first := s.state == StateAwaitingChallenge
		if first {
			s.state = StateChallengeShown
		}
		s.mu.Unlock()
		if !first {
			logger.KV(xlog.WARNING, "reason", "unexpected_challenge", "correlation", s.req.CorrelationID)
			return false
		}
		return !s.emit(ctx, out, Response{Kind: ResponseChallenge, Challenge: msg.Challenge})

	case MessageStatus:
		if msg.Status == nil {
			logger.KV(xlog.WARNING, "reason", "empty_status", "correlation", s.req.CorrelationID)
			return false
		}
		return s.handleStatus(ctx, msg.Status, out)
	}

	logger.KV(xlog.WARNING, "reason", "unknown_message", "type", msg.Type)
	return false
}

func (s *Session) handleStatus(ctx context.Context, status *StatusResponse, out chan<- Response) bool {
	switch status.Status {
	case StatusRunning:
		return !s.emit(ctx, out, Response{Kind: ResponseStatus, Status: status.Status})

	case StatusUserCancelled:
		if !s.emit(ctx, out, Response{Kind: ResponseStatus, Status: status.Status}) {
			return true
		}
		s.fail(ctx, out, &domain.ServiceFault{Status: string(status.Status)}, string(status.Status))
		return true

	case StatusOK:
		if !s.emit(ctx, out, Response{Kind: ResponseSignature, Signature: status.Signature}) {
			return true
		}
		// Cancel waits for the container to be finalized, so a cancelled
		// session never binds a signature and a bound one is never cancelled
		s.mu.Lock()
		if s.state.terminal() {
			s.mu.Unlock()
			logger.KV(xlog.DEBUG, "reason", "finalize_skipped", "state", s.state, "correlation", s.req.CorrelationID)
			return true
		}
		signed, err := s.container.Finalize(status.Signature)
		if err == nil {
			s.state = StateSucceeded
		}
		s.mu.Unlock()
		if err != nil {
			s.fail(ctx, out, errors.WithMessage(err, "failed to finalize signature"), "FINALIZE_FAILED")
			return true
		}
		s.metrics.IncrementMobileIDOutcome(string(StatusOK))
		logger.KV(xlog.INFO, "status", "success", "correlation", s.req.CorrelationID)
		s.emit(ctx, out, Response{Kind: ResponseSuccess, Container: signed})
		return true
	}

	s.fail(ctx, out, &domain.ServiceFault{Status: string(status.Status)}, string(status.Status))
	return true
}

func (s *Session) fail(ctx context.Context, out chan<- Response, err error, outcome string) {
	if !s.setState(StateFailed) {
		return
	}
	s.metrics.IncrementMobileIDOutcome(outcome)
	logger.KV(xlog.WARNING, "status", "failure", "correlation", s.req.CorrelationID, "err", err.Error())
	s.emit(ctx, out, Response{Kind: ResponseFailure, Err: err})
}

// setState returns false if the session already ended
func (s *Session) setState(state State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.terminal() {
		return false
	}
	s.state = state
	return true
}

func (s *Session) emit(ctx context.Context, out chan<- Response, r Response) bool {
	if r.Terminal() {
		// a terminal response is delivered even when Cancel raced with it
		select {
		case out <- r:
			return true
		default:
		}
	}
	select {
	case out <- r:
		return true
	case <-ctx.Done():
		return false
	}
}
