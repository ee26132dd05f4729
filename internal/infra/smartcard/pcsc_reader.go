package smartcard

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cortex-x/go-eid-card-service/internal/domain"
	"github.com/ebfe/scard"
	"github.com/effective-security/xlog"
)

// DefaultPollInterval is used when the reader is created without one
const DefaultPollInterval = 500 * time.Millisecond

type PCSCReader struct {
	context      Context
	pollInterval time.Duration
	readerFilter string

	// per-monitor state, owned by the monitor goroutine
	reader      string
	token       *CardToken
	unsupported error
}

// Ensure compiles
var _ domain.ReaderService = (*PCSCReader)(nil)

// NewPCSCReader establishes PC/SC context
func NewPCSCReader(pollInterval time.Duration, readerFilter string) (*PCSCReader, error) {
	ctx, err := EstablishContext()
	if err != nil {
		return nil, errors.WithMessage(err, "failed to establish context")
	}
	return NewReader(ctx, pollInterval, readerFilter), nil
}

// NewReader returns reader monitor over the given context
func NewReader(ctx Context, pollInterval time.Duration, readerFilter string) *PCSCReader {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &PCSCReader{
		context:      ctx,
		pollInterval: pollInterval,
		readerFilter: readerFilter,
	}
}

// Status starts monitoring and emits reader status transitions until ctx is done.
// Consecutive identical statuses are not emitted.
func (r *PCSCReader) Status(ctx context.Context) <-chan domain.ReaderStatus {
	out := make(chan domain.ReaderStatus, 1)
	go r.monitorLoop(ctx, out)
	return out
}

func (r *PCSCReader) monitorLoop(ctx context.Context, out chan<- domain.ReaderStatus) {
	defer close(out)
	defer r.disconnect()

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	var last *domain.ReaderStatus
	for {
		for _, status := range r.poll() {
			if last != nil && last.Equal(status) {
				continue
			}
			s := status
			last = &s
			logger.KV(xlog.DEBUG, "status", status.State, "reader", status.Reader)

			select {
			case out <- status:
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// poll returns the statuses observed since the previous poll, in order
func (r *PCSCReader) poll() []domain.ReaderStatus {
	readers, err := r.context.ListReaders()
	if err != nil && !errors.Is(err, scard.ErrNoReadersAvailable) {
		logger.KV(xlog.WARNING, "reason", "list_readers", "err", err.Error())
	}

	reader := r.selectReader(readers)
	if reader == "" {
		r.disconnect()
		return []domain.ReaderStatus{{State: domain.ReaderStateNoReader}}
	}
	if reader != r.reader {
		r.disconnect()
		r.reader = reader
	}

	if r.token != nil {
		if r.token.Present() {
			return []domain.ReaderStatus{{State: domain.ReaderStateCardReady, Reader: reader, Token: r.token}}
		}
		logger.KV(xlog.INFO, "reason", "card_removed", "reader", reader)
		r.disconnect()
	}

	card, err := r.context.Connect(reader)
	if err != nil {
		r.unsupported = nil
		return []domain.ReaderStatus{{State: domain.ReaderStateReaderDetected, Reader: reader}}
	}

	detected := domain.ReaderStatus{State: domain.ReaderStateCardDetected, Reader: reader}
	if r.unsupported != nil {
		_ = card.Disconnect(scard.LeaveCard)
		detected.Err = r.unsupported
		return []domain.ReaderStatus{detected}
	}

	token, err := r.connectToken(card, reader)
	if err != nil {
		logger.KV(xlog.WARNING, "reason", "unsupported_card", "reader", reader, "err", err.Error())
		r.unsupported = err
		_ = card.Disconnect(scard.ResetCard)
		detected.Err = err
		return []domain.ReaderStatus{detected}
	}
	r.token = token
	return []domain.ReaderStatus{
		detected,
		{State: domain.ReaderStateCardReady, Reader: reader, Token: token},
	}
}

// connectToken selects the applet, retrying once after reset when the
// card reports the applet missing right after insertion.
func (r *PCSCReader) connectToken(card Card, reader string) (*CardToken, error) {
	token, err := NewCardToken(card)
	if err == nil {
		return token, nil
	}

	var ioErr *domain.TokenIOError
	if errors.As(err, &ioErr) {
		return nil, err
	}

	_ = card.Disconnect(scard.ResetCard)
	time.Sleep(200 * time.Millisecond)
	card, err = r.context.Connect(reader)
	if err != nil {
		return nil, err
	}
	token, err = NewCardToken(card)
	if err != nil {
		_ = card.Disconnect(scard.LeaveCard)
		return nil, err
	}
	return token, nil
}

func (r *PCSCReader) selectReader(readers []string) string {
	for _, reader := range readers {
		if r.readerFilter == "" || strings.Contains(strings.ToLower(reader), strings.ToLower(r.readerFilter)) {
			return reader
		}
	}
	return ""
}

func (r *PCSCReader) disconnect() {
	if r.token != nil {
		_ = r.token.Close()
		r.token = nil
	}
	r.unsupported = nil
}

// Close releases PC/SC context
func (r *PCSCReader) Close() error {
	return r.context.Release()
}
