package mobileid

import (
	"github.com/cortex-x/go-eid-card-service/internal/domain"
)

// Status is a signing session result reported by the relay
type Status string

const (
	StatusRunning               Status = "RUNNING"
	StatusOK                    Status = "OK"
	StatusUserCancelled         Status = "USER_CANCELLED"
	StatusTimeout               Status = "TIMEOUT"
	StatusNotMIDClient          Status = "NOT_MID_CLIENT"
	StatusPhoneAbsent           Status = "PHONE_ABSENT"
	StatusDeliveryError         Status = "DELIVERY_ERROR"
	StatusSignatureHashMismatch Status = "SIGNATURE_HASH_MISMATCH"
	StatusSIMError              Status = "SIM_ERROR"
	StatusExpiredTransaction    Status = "EXPIRED_TRANSACTION"
	StatusNotActive             Status = "NOT_ACTIVE"

	// relay faults
	StatusGeneral              Status = "GENERAL"
	StatusTooManyRequests      Status = "TOO_MANY_REQUESTS"
	StatusInvalidAccessRights  Status = "INVALID_ACCESS_RIGHTS"
	StatusTechnicalError       Status = "TECHNICAL_ERROR"
	StatusNoResponse           Status = "NO_RESPONSE"
	StatusExceededUnsuccessful Status = "EXCEEDED_UNSUCCESSFUL_REQUESTS"
)

// MessageType discriminates notifications
type MessageType string

const (
	MessageServiceFault MessageType = "SERVICE_FAULT"
	MessageChallenge    MessageType = "CHALLENGE"
	MessageStatus       MessageType = "STATUS"
)

// Fault is a relay or service error. Status may be empty when only
// Result is known.
type Fault struct {
	Status        Status `json:"status,omitempty"`
	Result        string `json:"result,omitempty"`
	DetailMessage string `json:"detailMessage,omitempty"`
}

func (f *Fault) Error() string {
	return f.toDomain().Error()
}

func (f *Fault) toDomain() *domain.ServiceFault {
	status := string(f.Status)
	if status == "" {
		status = f.Result
	}
	if status == "" {
		status = string(StatusGeneral)
	}
	return &domain.ServiceFault{Status: status, Detail: f.DetailMessage}
}

// StatusResponse carries the signature value when Status is OK
type StatusResponse struct {
	Status    Status `json:"status"`
	Signature []byte `json:"signature,omitempty"`
}

// Message is an asynchronous notification of a signing session
type Message struct {
	CorrelationID string          `json:"correlationId"`
	Type          MessageType     `json:"type"`
	Fault         *Fault          `json:"fault,omitempty"`
	Challenge     string          `json:"challenge,omitempty"`
	Status        *StatusResponse `json:"status,omitempty"`
}
