package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/cortex-x/go-eid-card-service/internal/container"
	"github.com/cortex-x/go-eid-card-service/internal/domain"
	"github.com/cortex-x/go-eid-card-service/internal/infra/websocket"
	"github.com/cortex-x/go-eid-card-service/internal/mobileid"
	"github.com/cortex-x/go-eid-card-service/internal/signing"
	"github.com/effective-security/xlog"
	"github.com/google/uuid"
	gorilla "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

var logger = xlog.NewPackageLogger("github.com/cortex-x/go-eid-card-service", "api")

// CardService runs PIN gated card operations
type CardService interface {
	Snapshot(ctx context.Context, token domain.Token) (*domain.CardDataSnapshot, error)
	EditPin(ctx context.Context, token domain.Token, code domain.CodeType, currentPin, newPin string) (*domain.CardDataSnapshot, error)
	UnblockPin(ctx context.Context, token domain.Token, code domain.CodeType, puk, newPin string) (*domain.CardDataSnapshot, error)
	Decrypt(ctx context.Context, token domain.Token, r io.Reader, pin1, outDir string) ([]string, error)
}

// Signer signs containers
type Signer interface {
	SignWithCard(ctx context.Context, token domain.Token, c signing.Container, pin2 string) (*container.Container, error)
	SignWithMobileID(ctx context.Context, c signing.Container, req *mobileid.Request, host mobileid.Host, observe signing.Observer) (*container.Container, error)
}

// MobileIDSettings supplies relay endpoints and trusted certificates
type MobileIDSettings interface {
	MobileID() (mobileid.Endpoints, [][]byte, error)
}

// Options are the defaults applied to requests
type Options struct {
	RelyingPartyName string
	RelyingPartyUUID string
	DisplayMessage   string
	Locale           string
	DecryptDir       string
	AllowOrigins     Origins
}

type Handler struct {
	hub      *websocket.Hub
	upgrader gorilla.Upgrader
	monitor  *CardMonitor
	cards    CardService
	signer   Signer
	mid      MobileIDSettings
	opts     Options
}

func NewHandler(hub *websocket.Hub, monitor *CardMonitor, cards CardService, signer Signer, mid MobileIDSettings, opts Options) *Handler {
	return &Handler{
		hub: hub,
		upgrader: gorilla.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return opts.AllowOrigins.Allowed(r.Header.Get("Origin"))
			},
		},
		monitor: monitor,
		cards:   cards,
		signer:  signer,
		mid:     mid,
		opts:    opts,
	}
}

func (h *Handler) WebSocketHandler(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		logger.KV(xlog.WARNING, "reason", "upgrade", "err", err.Error())
		return err
	}

	client, err := h.hub.RegisterClient(conn)
	if err != nil {
		_ = conn.Close()
		return nil
	}

	go client.WritePump()
	go client.ReadPump()

	// current state for the new client
	h.hub.Broadcast(domain.MessageTypeCardStatus, h.monitor.Status())
	return nil
}

func (h *Handler) HealthCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "eID Card Service",
	})
}

// GetCard returns fresh card data
func (h *Handler) GetCard(c echo.Context) error {
	token, err := h.monitor.Token()
	if err != nil {
		return h.fail(c, err)
	}
	data, err := h.cards.Snapshot(c.Request().Context(), token)
	if err != nil {
		return h.fail(c, err)
	}
	h.monitor.Update(token, data)
	return c.JSON(http.StatusOK, data)
}

type SignIDCardRequest struct {
	Container json.RawMessage `json:"container"`
	PIN2      string          `json:"pin2"`
}

func (h *Handler) SignIDCard(c echo.Context) error {
	var req SignIDCardRequest
	if err := c.Bind(&req); err != nil {
		return h.badRequest(c, err)
	}
	ctr, err := container.Open(bytes.NewReader(req.Container))
	if err != nil {
		return h.badRequest(c, err)
	}
	token, err := h.monitor.Token()
	if err != nil {
		return h.fail(c, err)
	}

	signed, err := h.signer.SignWithCard(c.Request().Context(), token, ctr, req.PIN2)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, signed)
}

type SignMobileIDRequest struct {
	Container      json.RawMessage `json:"container"`
	PersonalCode   string          `json:"personalCode"`
	PhoneNumber    string          `json:"phoneNumber"`
	Locale         string          `json:"locale,omitempty"`
	DisplayMessage string          `json:"displayMessage,omitempty"`
}

// MobileIDEvent is the MID_CHALLENGE and MID_STATUS payload
type MobileIDEvent struct {
	CorrelationID string `json:"correlationId"`
	Challenge     string `json:"challenge,omitempty"`
	Status        string `json:"status,omitempty"`
}

// SignMobileID runs the Mobile-ID session for the lifetime of the request;
// the challenge and status updates are sent to websocket clients.
func (h *Handler) SignMobileID(c echo.Context) error {
	var req SignMobileIDRequest
	if err := c.Bind(&req); err != nil {
		return h.badRequest(c, err)
	}
	ctr, err := container.Open(bytes.NewReader(req.Container))
	if err != nil {
		return h.badRequest(c, err)
	}

	endpoints, bundle, err := h.mid.MobileID()
	if err != nil {
		return h.fail(c, err)
	}
	midReq := &mobileid.Request{
		CorrelationID:    uuid.NewString(),
		DisplayMessage:   firstOf(req.DisplayMessage, h.opts.DisplayMessage),
		Locale:           firstOf(req.Locale, h.opts.Locale),
		PersonalCode:     req.PersonalCode,
		PhoneNumber:      req.PhoneNumber,
		RelyingPartyName: h.opts.RelyingPartyName,
		RelyingPartyUUID: h.opts.RelyingPartyUUID,
		Endpoints:        endpoints,
		CertBundle:       bundle,
	}
	if err = midReq.Validate(); err != nil {
		return h.badRequest(c, err)
	}

	ctx := c.Request().Context()
	host := mobileid.HostFunc(func() bool { return ctx.Err() == nil })
	signed, err := h.signer.SignWithMobileID(ctx, ctr, midReq, host, h.observe(midReq.CorrelationID))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, signed)
}

func (h *Handler) observe(correlationID string) signing.Observer {
	return func(r mobileid.Response) {
		switch r.Kind {
		case mobileid.ResponseChallenge:
			h.hub.Broadcast(domain.MessageTypeMIDChallenge, MobileIDEvent{CorrelationID: correlationID, Challenge: r.Challenge})
		case mobileid.ResponseStatus:
			h.hub.Broadcast(domain.MessageTypeMIDStatus, MobileIDEvent{CorrelationID: correlationID, Status: string(r.Status)})
		case mobileid.ResponseSuccess:
			h.hub.Broadcast(domain.MessageTypeMIDStatus, MobileIDEvent{CorrelationID: correlationID, Status: string(mobileid.StatusOK)})
		case mobileid.ResponseFailure:
			h.hub.BroadcastError(r.Err)
		}
	}
}

type DecryptRequest struct {
	Container json.RawMessage `json:"container"`
	PIN1      string          `json:"pin1"`
}

type DecryptResponse struct {
	Files []string `json:"files"`
}

func (h *Handler) Decrypt(c echo.Context) error {
	var req DecryptRequest
	if err := c.Bind(&req); err != nil {
		return h.badRequest(c, err)
	}
	if len(req.Container) == 0 {
		return h.badRequest(c, errors.New("missing container"))
	}
	token, err := h.monitor.Token()
	if err != nil {
		return h.fail(c, err)
	}

	files, err := h.cards.Decrypt(c.Request().Context(), token, bytes.NewReader(req.Container), req.PIN1, h.opts.DecryptDir)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, DecryptResponse{Files: files})
}

type ChangePinRequest struct {
	CodeType   domain.CodeType `json:"codeType"`
	CurrentPin string          `json:"currentPin"`
	NewPin     string          `json:"newPin"`
}

func (h *Handler) ChangePin(c echo.Context) error {
	var req ChangePinRequest
	if err := c.Bind(&req); err != nil {
		return h.badRequest(c, err)
	}
	if req.CodeType == 0 {
		return h.badRequest(c, errors.New("missing code type"))
	}
	token, err := h.monitor.Token()
	if err != nil {
		return h.fail(c, err)
	}

	data, err := h.cards.EditPin(c.Request().Context(), token, req.CodeType, req.CurrentPin, req.NewPin)
	if err != nil {
		return h.fail(c, err)
	}
	h.monitor.Update(token, data)
	return c.JSON(http.StatusOK, data)
}

type UnblockPinRequest struct {
	CodeType domain.CodeType `json:"codeType"`
	PUK      string          `json:"puk"`
	NewPin   string          `json:"newPin"`
}

func (h *Handler) UnblockPin(c echo.Context) error {
	var req UnblockPinRequest
	if err := c.Bind(&req); err != nil {
		return h.badRequest(c, err)
	}
	if req.CodeType != domain.CodeTypePIN1 && req.CodeType != domain.CodeTypePIN2 {
		return h.badRequest(c, errors.Errorf("code cannot be unblocked: %v", req.CodeType))
	}
	token, err := h.monitor.Token()
	if err != nil {
		return h.fail(c, err)
	}

	data, err := h.cards.UnblockPin(c.Request().Context(), token, req.CodeType, req.PUK, req.NewPin)
	if err != nil {
		return h.fail(c, err)
	}
	h.monitor.Update(token, data)
	return c.JSON(http.StatusOK, data)
}

func (h *Handler) badRequest(c echo.Context, err error) error {
	logger.KV(xlog.DEBUG, "reason", "bad_request", "path", c.Path(), "err", err.Error())
	return c.JSON(http.StatusBadRequest, domain.ErrorResponse{
		Code:    domain.ErrCodeBadRequest,
		Message: domain.ErrMsgBadRequest,
	})
}

func (h *Handler) fail(c echo.Context, err error) error {
	status, resp := errorResponse(err)
	logger.KV(xlog.DEBUG, "reason", "failed", "path", c.Path(), "code", resp.Code, "err", err.Error())
	return c.JSON(status, resp)
}

// errorResponse maps err to HTTP status and response body
func errorResponse(err error) (int, domain.ErrorResponse) {
	switch {
	case errors.Is(err, ErrReaderNotFound):
		return http.StatusConflict, domain.ErrorResponse{Code: domain.ErrCodeReaderNotFound, Message: domain.ErrMsgReaderNotFound}
	case errors.Is(err, ErrCardNotDetected):
		return http.StatusConflict, domain.ErrorResponse{Code: domain.ErrCodeCardNotDetected, Message: domain.ErrMsgCardNotDetected}
	case errors.Is(err, context.Canceled), errors.Is(err, signing.ErrSessionCancelled):
		return http.StatusRequestTimeout, domain.ErrorResponse{Code: domain.ErrCodeProtocolState, Message: domain.ErrMsgProtocolState}
	}

	resp := domain.NewErrorResponse(err)
	switch resp.Code {
	case domain.ErrCodeVerificationFailed, domain.ErrCodeLockedOut:
		return http.StatusForbidden, resp
	case domain.ErrCodeTokenIO:
		return http.StatusServiceUnavailable, resp
	case domain.ErrCodeServiceFault:
		return http.StatusBadGateway, resp
	case domain.ErrCodeProtocolState:
		return http.StatusConflict, resp
	}
	return http.StatusInternalServerError, resp
}

func firstOf(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
