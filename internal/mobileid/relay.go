package mobileid

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
)

const (
	hashTypeSHA256    = "SHA256"
	displayTextFormat = "GSM-7"

	// DefaultStatusTimeout is the long-poll timeout of a session status request
	DefaultStatusTimeout = 30 * time.Second
)

// Relay submits signing requests to the Mobile-ID service and publishes
// the progress as notifications.
type Relay struct {
	publisher     Publisher
	newClient     ClientFactory
	statusTimeout time.Duration
}

// Ensure compiles
var _ Starter = (*Relay)(nil)

// NewRelay returns relay; nil factory uses NewRESTClient
func NewRelay(publisher Publisher, newClient ClientFactory, statusTimeout time.Duration) *Relay {
	if newClient == nil {
		newClient = NewRESTClient
	}
	if statusTimeout <= 0 {
		statusTimeout = DefaultStatusTimeout
	}
	return &Relay{
		publisher:     publisher,
		newClient:     newClient,
		statusTimeout: statusTimeout,
	}
}

func (r *Relay) Start(ctx context.Context, req *Request, c Container) {
	go func() {
		if err := r.run(ctx, req, c); err != nil {
			if ctx.Err() != nil {
				logger.KV(xlog.DEBUG, "reason", "abandoned", "correlation", req.CorrelationID)
				return
			}
			r.publisher.Publish(ctx, Message{
				CorrelationID: req.CorrelationID,
				Type:          MessageServiceFault,
				Fault:         toFault(err),
			})
		}
	}()
}

func (r *Relay) run(ctx context.Context, req *Request, c Container) error {
	baseURL, rpUUID := req.Endpoints.SKRestURL, req.RelyingPartyUUID
	if rpUUID == "" {
		baseURL, rpUUID = req.Endpoints.RestURL, DefaultRelyingPartyUUID
	}
	client, err := r.newClient(baseURL, req.CertBundle)
	if err != nil {
		return err
	}

	cert, err := client.Certificate(ctx, &CertificateRequest{
		RelyingPartyUUID:       rpUUID,
		RelyingPartyName:       req.RelyingPartyName,
		PhoneNumber:            req.PhoneNumber,
		NationalIdentityNumber: req.PersonalCode,
	})
	if err != nil {
		return err
	}
	switch cert.Result {
	case "OK":
	case "NOT_FOUND":
		return &Fault{Status: StatusNotMIDClient}
	case "NOT_ACTIVE":
		return &Fault{Status: StatusNotActive}
	default:
		return &Fault{Result: cert.Result}
	}
	der, err := base64.StdEncoding.DecodeString(cert.Cert)
	if err != nil {
		return &Fault{Status: StatusTechnicalError, DetailMessage: "invalid certificate encoding"}
	}

	hash, err := c.DataToSign(der)
	if err != nil {
		return errors.WithMessage(err, "failed to prepare signature")
	}
	r.publisher.Publish(ctx, Message{
		CorrelationID: req.CorrelationID,
		Type:          MessageChallenge,
		Challenge:     VerificationCode(hash),
	})

	session, err := client.Signature(ctx, &SignatureRequest{
		RelyingPartyUUID:       rpUUID,
		RelyingPartyName:       req.RelyingPartyName,
		PhoneNumber:            req.PhoneNumber,
		NationalIdentityNumber: req.PersonalCode,
		Hash:                   base64.StdEncoding.EncodeToString(hash),
		HashType:               hashTypeSHA256,
		Language:               Language(req.Locale),
		DisplayText:            req.DisplayMessage,
		DisplayTextFormat:      displayTextFormat,
	})
	if err != nil {
		return err
	}
	logger.KV(xlog.DEBUG, "correlation", req.CorrelationID, "session", session.SessionID)

	for {
		status, err := client.SessionStatus(ctx, session.SessionID, r.statusTimeout)
		if err != nil {
			return err
		}
		if status.State == "RUNNING" {
			if err := ctx.Err(); err != nil {
				return errors.WithStack(err)
			}
			continue
		}

		res := &StatusResponse{Status: Status(status.Result)}
		if res.Status == StatusOK {
			if status.Signature == nil {
				return &Fault{Status: StatusTechnicalError, DetailMessage: "missing signature"}
			}
			if res.Signature, err = base64.StdEncoding.DecodeString(status.Signature.Value); err != nil {
				return &Fault{Status: StatusTechnicalError, DetailMessage: "invalid signature encoding"}
			}
		}
		r.publisher.Publish(ctx, Message{
			CorrelationID: req.CorrelationID,
			Type:          MessageStatus,
			Status:        res,
		})
		return nil
	}
}

func toFault(err error) *Fault {
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	return &Fault{Status: StatusGeneral, DetailMessage: err.Error()}
}

// VerificationCode returns the four digit code displayed to the user,
// derived from the 6 high bits of the first and 7 low bits of the last
// byte of the hash.
func VerificationCode(hash []byte) string {
	if len(hash) == 0 {
		return ""
	}
	code := (int(hash[0])>>2)<<7 | int(hash[len(hash)-1]&0x7F)
	return fmt.Sprintf("%04d", code)
}

// Language maps locale to the service language code
func Language(locale string) string {
	lang, _, _ := strings.Cut(strings.ToLower(locale), "-")
	lang, _, _ = strings.Cut(lang, "_")
	switch lang {
	case "et", "est":
		return "EST"
	case "ru", "rus":
		return "RUS"
	case "lt", "lit":
		return "LIT"
	}
	return "ENG"
}
