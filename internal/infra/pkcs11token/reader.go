package pkcs11token

import (
	"context"
	"slices"
	"time"

	"github.com/cortex-x/go-eid-card-service/internal/domain"
	"github.com/effective-security/xlog"
)

const defaultPollInterval = time.Second

// Reader reports the card behind a PKCS#11 module as reader status
type Reader struct {
	module       Module
	name         string
	pollInterval time.Duration

	slots []uint
	token *Token
}

// Ensure compiles
var _ domain.ReaderService = (*Reader)(nil)

// NewReader returns reader over the module; name is reported as reader name
func NewReader(module Module, name string, pollInterval time.Duration) *Reader {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &Reader{module: module, name: name, pollInterval: pollInterval}
}

func (r *Reader) Status(ctx context.Context) <-chan domain.ReaderStatus {
	out := make(chan domain.ReaderStatus, 1)
	go func() {
		defer close(out)
		ticker := time.NewTicker(r.pollInterval)
		defer ticker.Stop()

		var last *domain.ReaderStatus
		for {
			status := r.poll()
			if last == nil || !last.Equal(status) {
				last = &status
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
	}()
	return out
}

func (r *Reader) poll() domain.ReaderStatus {
	all, err := r.module.GetSlotList(false)
	if err != nil || len(all) == 0 {
		r.token, r.slots = nil, nil
		return domain.ReaderStatus{State: domain.ReaderStateNoReader}
	}

	present, err := r.module.GetSlotList(true)
	if err != nil || len(present) == 0 {
		r.token, r.slots = nil, nil
		return domain.ReaderStatus{State: domain.ReaderStateReaderDetected, Reader: r.name}
	}

	if r.token != nil && slices.Equal(present, r.slots) {
		return domain.ReaderStatus{State: domain.ReaderStateCardReady, Reader: r.name, Token: r.token}
	}

	token, err := New(r.module)
	if err != nil {
		logger.KV(xlog.WARNING, "reason", "unsupported_card", "reader", r.name, "err", err.Error())
		r.token, r.slots = nil, nil
		return domain.ReaderStatus{State: domain.ReaderStateCardDetected, Reader: r.name, Err: err}
	}
	r.token, r.slots = token, slices.Clone(present)
	return domain.ReaderStatus{State: domain.ReaderStateCardReady, Reader: r.name, Token: token}
}
