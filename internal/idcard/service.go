// Package idcard drives the card token: it reads card state snapshots,
// and runs PIN gated signing, decryption and code management.
package idcard

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cortex-x/go-eid-card-service/internal/cdoc"
	"github.com/cortex-x/go-eid-card-service/internal/domain"
	"github.com/cortex-x/go-eid-card-service/internal/metrics"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/cortex-x/go-eid-card-service", "idcard")

// DataResponse is emitted for every reader status transition.
// Data and Token are set once the card is ready, Err if reading failed.
type DataResponse struct {
	State  domain.ReaderState
	Reader string
	Data   *domain.CardDataSnapshot
	Token  domain.Token
	Err    error
}

type Service struct {
	reader    domain.ReaderService
	decrypter *cdoc.Decrypter
	metrics   *metrics.Metrics

	// one PIN gated operation at a time, a token is a single card session
	mu sync.Mutex
}

func NewService(reader domain.ReaderService, m *metrics.Metrics) *Service {
	return &Service{
		reader:    reader,
		decrypter: cdoc.NewDecrypter(),
		metrics:   m,
	}
}

// Data emits card data on every reader status transition until ctx is done
func (s *Service) Data(ctx context.Context) <-chan DataResponse {
	out := make(chan DataResponse, 1)
	go func() {
		defer close(out)

		var last *domain.ReaderStatus
		for status := range s.reader.Status(ctx) {
			if last != nil && last.Equal(status) {
				continue
			}
			st := status
			last = &st
			s.metrics.IncrementReaderTransition(status.State.String())

			resp := DataResponse{State: status.State, Reader: status.Reader, Err: status.Err}
			if status.State == domain.ReaderStateCardReady {
				resp.Token = status.Token
				s.mu.Lock()
				resp.Data, resp.Err = Data(status.Token)
				s.mu.Unlock()
				if resp.Err != nil {
					logger.KV(xlog.ERROR, "reason", "read_card", "reader", status.Reader, "err", resp.Err.Error())
				}
			}

			select {
			case out <- resp:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Snapshot reads current card state
func (s *Service) Snapshot(ctx context.Context, token domain.Token) (*domain.CardDataSnapshot, error) {
	var data *domain.CardDataSnapshot
	err := s.run(ctx, "snapshot", func() (err error) {
		data, err = Data(token)
		return err
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// CalculateSignature signs dataToSign with the key of signCertificate.
// The algorithm follows the certificate key type.
func (s *Service) CalculateSignature(ctx context.Context, token domain.Token, signCertificate domain.Certificate, pin2 string, dataToSign []byte) ([]byte, error) {
	var signature []byte
	err := s.run(ctx, "sign", func() (err error) {
		signature, err = token.CalculateSignature([]byte(pin2), dataToSign, signCertificate.EllipticCurve)
		return s.codeError(token, err)
	})
	if err != nil {
		return nil, err
	}
	return signature, nil
}

// EditPin changes the code and returns the updated card state
func (s *Service) EditPin(ctx context.Context, token domain.Token, code domain.CodeType, currentPin, newPin string) (*domain.CardDataSnapshot, error) {
	var data *domain.CardDataSnapshot
	err := s.run(ctx, "change_code", func() (err error) {
		if err = token.ChangeCode(code, []byte(currentPin), []byte(newPin)); err != nil {
			return s.codeError(token, err)
		}
		data, err = Data(token)
		return err
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// UnblockPin resets the code with PUK and returns the updated card state
func (s *Service) UnblockPin(ctx context.Context, token domain.Token, code domain.CodeType, puk, newPin string) (*domain.CardDataSnapshot, error) {
	var data *domain.CardDataSnapshot
	err := s.run(ctx, "unblock_code", func() (err error) {
		if err = token.UnblockAndChangeCode([]byte(puk), code, []byte(newPin)); err != nil {
			return s.codeError(token, err)
		}
		data, err = Data(token)
		return err
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Decrypt decrypts the container read from r into outDir and returns
// the written file paths.
func (s *Service) Decrypt(ctx context.Context, token domain.Token, r io.Reader, pin1, outDir string) ([]string, error) {
	var files []string
	err := s.run(ctx, "decrypt", func() error {
		recipient, err := NewRecipientToken(token, pin1)
		if err != nil {
			return err
		}
		files, err = s.decrypter.Decrypt(recipient, r, outDir)
		return err
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// run executes fn on a worker goroutine once no other operation is in
// flight. When ctx is done first, run returns and fn completes unobserved.
func (s *Service) run(ctx context.Context, op string, fn func() error) error {
	start := time.Now()

	// started and abandoned are decided once under gate: a call that
	// reached the card is always waited for, card I/O cannot be aborted
	var (
		gate      sync.Mutex
		started   bool
		abandoned bool
	)
	done := make(chan error, 1)
	go func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		gate.Lock()
		if err := ctx.Err(); abandoned || err != nil {
			gate.Unlock()
			if err == nil {
				err = context.Canceled
			}
			done <- errors.WithStack(err)
			return
		}
		started = true
		gate.Unlock()
		done <- fn()
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		gate.Lock()
		running := started
		abandoned = !started
		gate.Unlock()
		if running {
			err = <-done
		} else {
			err = errors.WithStack(ctx.Err())
		}
	}

	s.metrics.ObserveOperation(op, start, err)
	var cve *domain.CodeVerificationError
	if errors.As(err, &cve) {
		s.metrics.IncrementVerificationFailure(cve.Code.String())
		logger.KV(xlog.WARNING, "op", op, "code", cve.Code, "retries", cve.RetryCounter)
	} else if err != nil {
		logger.KV(xlog.ERROR, "op", op, "err", err.Error())
	}
	return err
}

// codeError attaches the card state to a verification failure
func (s *Service) codeError(token domain.Token, err error) error {
	var cve *domain.CodeVerificationError
	if err == nil || !errors.As(err, &cve) {
		return err
	}
	return verificationError(token, err, nil)
}
