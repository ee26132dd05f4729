// Package signing composes a card token or a Mobile-ID session with the
// signed container to produce a finalized signature.
package signing

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cortex-x/go-eid-card-service/internal/container"
	"github.com/cortex-x/go-eid-card-service/internal/domain"
	"github.com/cortex-x/go-eid-card-service/internal/metrics"
	"github.com/cortex-x/go-eid-card-service/internal/mobileid"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/cortex-x/go-eid-card-service", "signing")

// ErrSessionCancelled is returned when a Mobile-ID session ended without result
var ErrSessionCancelled = errors.New("signing session cancelled")

// Container is the signed container being signed
type Container interface {
	DataToSign(signingCertificate []byte) ([]byte, error)
	Finalize(signature []byte) (*container.Container, error)
}

// CardSigner runs PIN gated card operations
type CardSigner interface {
	Snapshot(ctx context.Context, token domain.Token) (*domain.CardDataSnapshot, error)
	CalculateSignature(ctx context.Context, token domain.Token, signCertificate domain.Certificate, pin2 string, dataToSign []byte) ([]byte, error)
}

// Observer receives intermediate Mobile-ID responses
type Observer func(mobileid.Response)

type Orchestrator struct {
	cards         CardSigner
	notifications mobileid.Notifications
	starter       mobileid.Starter
	metrics       *metrics.Metrics
}

func New(cards CardSigner, notifications mobileid.Notifications, starter mobileid.Starter, m *metrics.Metrics) *Orchestrator {
	return &Orchestrator{
		cards:         cards,
		notifications: notifications,
		starter:       starter,
		metrics:       m,
	}
}

// SignWithCard signs the container with the card signing key
func (o *Orchestrator) SignWithCard(ctx context.Context, token domain.Token, c Container, pin2 string) (signed *container.Container, err error) {
	start := time.Now()
	defer func() {
		o.metrics.ObserveOperation("sign_idcard", start, err)
	}()

	data, err := o.cards.Snapshot(ctx, token)
	if err != nil {
		return nil, err
	}
	dataToSign, err := c.DataToSign(data.SignCertificate.Data)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to prepare signature")
	}
	signature, err := o.cards.CalculateSignature(ctx, token, data.SignCertificate, pin2, dataToSign)
	if err != nil {
		return nil, err
	}
	signed, err = c.Finalize(signature)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to finalize signature")
	}

	logger.KV(xlog.INFO, "status", "signed", "type", data.Type, "signer", data.SignCertificate.CommonName)
	return signed, nil
}

// SignWithMobileID runs a Mobile-ID session to completion. observe, when
// set, receives every response including the terminal one.
func (o *Orchestrator) SignWithMobileID(ctx context.Context, c Container, req *mobileid.Request, host mobileid.Host, observe Observer) (signed *container.Container, err error) {
	start := time.Now()
	defer func() {
		o.metrics.ObserveOperation("sign_mobileid", start, err)
	}()

	session, err := mobileid.NewSession(req, c, o.notifications, o.starter, host, o.metrics)
	if err != nil {
		return nil, err
	}
	responses, err := session.Start(ctx)
	if err != nil {
		return nil, err
	}
	defer session.Cancel()

	for r := range responses {
		if observe != nil {
			observe(r)
		}
		switch r.Kind {
		case mobileid.ResponseSuccess:
			return r.Container, nil
		case mobileid.ResponseFailure:
			return nil, r.Err
		}
	}

	if ctx.Err() != nil {
		return nil, errors.WithStack(ctx.Err())
	}
	return nil, errors.WithStack(ErrSessionCancelled)
}
