package api

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/cortex-x/go-eid-card-service/internal/domain"
	"github.com/cortex-x/go-eid-card-service/internal/idcard"
	"github.com/effective-security/xlog"
)

var (
	ErrReaderNotFound  = errors.New(domain.ErrMsgReaderNotFound)
	ErrCardNotDetected = errors.New(domain.ErrMsgCardNotDetected)
)

// Broadcaster sends messages to connected clients
type Broadcaster interface {
	Broadcast(messageType string, payload any)
}

// CardStatus is the CARD_STATUS payload
type CardStatus struct {
	State  string                   `json:"state"`
	Reader string                   `json:"reader,omitempty"`
	Data   *domain.CardDataSnapshot `json:"data,omitempty"`
	Error  *domain.ErrorResponse    `json:"error,omitempty"`
}

// CardMonitor keeps the latest reader state and publishes its changes
type CardMonitor struct {
	hub Broadcaster

	mu     sync.RWMutex
	last   idcard.DataResponse
	loaded bool
}

func NewCardMonitor(hub Broadcaster) *CardMonitor {
	return &CardMonitor{hub: hub}
}

// Run consumes card data responses until the stream is closed or ctx is done
func (m *CardMonitor) Run(ctx context.Context, responses <-chan idcard.DataResponse) {
	for {
		select {
		case <-ctx.Done():
			return
		case resp, ok := <-responses:
			if !ok {
				return
			}
			m.Set(resp)
		}
	}
}

// Set records the response and broadcasts the new status
func (m *CardMonitor) Set(resp idcard.DataResponse) {
	m.mu.Lock()
	m.last = resp
	m.loaded = true
	m.mu.Unlock()

	logger.KV(xlog.INFO, "state", resp.State, "reader", resp.Reader)
	m.hub.Broadcast(domain.MessageTypeCardStatus, m.Status())
}

// Update replaces the card data after an operation changed the card state
func (m *CardMonitor) Update(token domain.Token, data *domain.CardDataSnapshot) {
	m.mu.Lock()
	if m.last.Token != token {
		m.mu.Unlock()
		return
	}
	m.last.Data, m.last.Err = data, nil
	m.mu.Unlock()

	m.hub.Broadcast(domain.MessageTypeCardStatus, m.Status())
}

// Status returns the current status
func (m *CardMonitor) Status() CardStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.loaded {
		return CardStatus{State: domain.ReaderStateNoReader.String()}
	}
	s := CardStatus{
		State:  m.last.State.String(),
		Reader: m.last.Reader,
		Data:   m.last.Data,
	}
	if m.last.Err != nil {
		resp := domain.NewErrorResponse(m.last.Err)
		s.Error = &resp
	}
	return s
}

// Token returns the token of the ready card
func (m *CardMonitor) Token() (domain.Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	switch {
	case !m.loaded || m.last.State == domain.ReaderStateNoReader:
		return nil, ErrReaderNotFound
	case m.last.State != domain.ReaderStateCardReady || m.last.Token == nil:
		return nil, ErrCardNotDetected
	}
	return m.last.Token, nil
}
