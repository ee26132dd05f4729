package domain

import "github.com/cockroachdb/errors"

type WebSocketMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

const (
	MessageTypeCardStatus   = "CARD_STATUS"
	MessageTypeMIDChallenge = "MID_CHALLENGE"
	MessageTypeMIDStatus    = "MID_STATUS"
	MessageTypeError        = "ERROR"
)

type ErrorResponse struct {
	Code         int    `json:"code"`
	Message      string `json:"message"`
	CodeType     string `json:"codeType,omitempty"`
	RetryCounter *int   `json:"retryCounter,omitempty"`
	Status       string `json:"status,omitempty"`
}

const (
	ErrCodeReaderNotFound = 1001
	ErrMsgReaderNotFound  = "No smart card reader found."

	ErrCodeCardNotDetected = 1002
	ErrMsgCardNotDetected  = "No smart card detected in the reader."

	ErrCodeReadFailed = 1003
	ErrMsgReadFailed  = "Failed to read data from the smart card."

	ErrCodeUnsupportedCard = 1004
	ErrMsgUnsupportedCard  = "The inserted card is not a supported eID card."

	ErrCodeVerificationFailed = 1005
	ErrMsgVerificationFailed  = "Incorrect PIN or PUK."

	ErrCodeLockedOut = 1006
	ErrMsgLockedOut  = "The code is blocked. Use PUK to unblock it."

	ErrCodeServiceFault = 1007
	ErrMsgServiceFault  = "Remote signing service reported an error."

	ErrCodeTokenIO = 1008
	ErrMsgTokenIO  = "The card was removed or the reader disconnected."

	ErrCodeProtocolState = 1009
	ErrMsgProtocolState  = "Signing session was interrupted. Please try again."

	ErrCodeConfiguration = 1010
	ErrMsgConfiguration  = "Configuration signature validation failed."

	ErrCodeBadRequest = 1011
	ErrMsgBadRequest  = "Invalid request."

	ErrCodeOriginNotAllowed = 1012
	ErrMsgOriginNotAllowed  = "Request origin is not allowed."
)

// NewErrorResponse maps err to the client facing error.
// Verification failures carry the code type and the retry counter left.
func NewErrorResponse(err error) ErrorResponse {
	var (
		cve *CodeVerificationError
		ioe *TokenIOError
		sf  *ServiceFault
		pse *ProtocolStateError
		cie *ConfigurationIntegrityError
	)
	switch {
	case errors.Is(err, ErrUnsupportedCard):
		return ErrorResponse{Code: ErrCodeUnsupportedCard, Message: ErrMsgUnsupportedCard}
	case errors.As(err, &cve):
		counter, _ := RetryCounter(err)
		resp := ErrorResponse{
			Code:         ErrCodeVerificationFailed,
			Message:      ErrMsgVerificationFailed,
			CodeType:     cve.Code.String(),
			RetryCounter: &counter,
		}
		if counter <= 0 {
			resp.Code, resp.Message = ErrCodeLockedOut, ErrMsgLockedOut
		}
		return resp
	case errors.As(err, &ioe):
		return ErrorResponse{Code: ErrCodeTokenIO, Message: ErrMsgTokenIO}
	case errors.As(err, &sf):
		return ErrorResponse{Code: ErrCodeServiceFault, Message: ErrMsgServiceFault, Status: sf.Status}
	case errors.As(err, &pse):
		return ErrorResponse{Code: ErrCodeProtocolState, Message: ErrMsgProtocolState}
	case errors.As(err, &cie):
		return ErrorResponse{Code: ErrCodeConfiguration, Message: ErrMsgConfiguration}
	}
	return ErrorResponse{Code: ErrCodeReadFailed, Message: ErrMsgReadFailed}
}
