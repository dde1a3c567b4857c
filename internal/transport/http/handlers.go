// Package httptransport is the thin HTTP layer over the gateway. It decodes
// and validates requests, delegates to the gateway roles, and translates
// domain errors into JSON envelopes.
package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"crosslock/internal/jwtauth"
	"crosslock/internal/transfer/gateway"
	"crosslock/internal/transfer/models"
	"crosslock/internal/transfer/store"
	id "crosslock/pkg/domain"
	"crosslock/pkg/domerrors"
	"crosslock/pkg/platform/httputil"
	"crosslock/pkg/platform/sentinel"

	"github.com/asaskevich/govalidator"
	"github.com/go-chi/chi/v5"
)

const tokenTTL = 15 * time.Minute

// Handler wires transfer endpoints to the gateway roles. One process hosts
// both roles; inbound protocol messages are routed by message type and the
// session's recorded role.
type Handler struct {
	client *gateway.Client
	server *gateway.Server
	store  store.Store
	auth   *jwtauth.Service
	creds  *jwtauth.Credentials
	logger *log.Logger
}

func NewHandler(client *gateway.Client, server *gateway.Server, st store.Store, auth *jwtauth.Service, creds *jwtauth.Credentials, logger *log.Logger) *Handler {
	return &Handler{
		client: client,
		server: server,
		store:  st,
		auth:   auth,
		creds:  creds,
		logger: logger,
	}
}

// Register mounts the authenticated API endpoints.
func (h *Handler) Register(r chi.Router) {
	r.Post("/api/v1/transfers", h.HandleInitiateTransfer)
	r.Get("/api/v1/transfers/{sessionID}", h.HandleGetTransfer)
}

// RegisterPublic mounts endpoints that carry their own authentication: token
// issuance checks client credentials, protocol messages carry Ed25519
// signatures verified by the state machine.
func (h *Handler) RegisterPublic(r chi.Router) {
	r.Post("/api/v1/token", h.HandleToken)
	r.Post("/api/v1/messages", h.HandleMessage)
}

type tokenRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// HandleToken handles POST /api/v1/token requests.
func (h *Handler) HandleToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, domerrors.New(domerrors.CodeBadRequest, "malformed JSON body"))
		return
	}
	if !govalidator.StringLength(req.ClientID, "1", "100") {
		httputil.WriteError(w, domerrors.New(domerrors.CodeBadRequest, "client_id is required"))
		return
	}
	if err := h.creds.Authenticate(req.ClientID, req.ClientSecret); err != nil {
		httputil.WriteError(w, err)
		return
	}
	token, err := h.auth.GenerateAccessToken(req.ClientID, tokenTTL)
	if err != nil {
		h.logger.Printf("token generation failed for client %s: %v", req.ClientID, err)
		httputil.WriteError(w, domerrors.Wrap(domerrors.CodeInternal, "generate token", err))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, tokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int(tokenTTL.Seconds()),
	})
}

type initiateRequest struct {
	AssetID              string            `json:"assetID"`
	Quantity             uint64            `json:"quantity"`
	Metadata             map[string]string `json:"metadata,omitempty"`
	SourceLedgerRef      string            `json:"sourceLedgerRef"`
	DestinationLedgerRef string            `json:"destinationLedgerRef"`
	ExpiresAt            time.Time         `json:"expiresAt"`
}

type initiateResponse struct {
	SessionID string `json:"sessionID"`
}

// HandleInitiateTransfer handles POST /api/v1/transfers requests.
func (h *Handler) HandleInitiateTransfer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req initiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, domerrors.New(domerrors.CodeBadRequest, "malformed JSON body"))
		return
	}
	if !govalidator.StringLength(req.AssetID, "1", "255") {
		httputil.WriteError(w, domerrors.New(domerrors.CodeBadRequest, "assetID is required"))
		return
	}
	if !govalidator.StringLength(req.SourceLedgerRef, "1", "1024") || !govalidator.StringLength(req.DestinationLedgerRef, "1", "1024") {
		httputil.WriteError(w, domerrors.New(domerrors.CodeBadRequest, "source and destination ledger refs are required"))
		return
	}

	asset := models.AssetDescriptor{
		AssetID:  req.AssetID,
		Quantity: req.Quantity,
		Metadata: req.Metadata,
	}
	sessionID, err := h.client.InitiateTransfer(ctx, asset, req.SourceLedgerRef, req.DestinationLedgerRef, req.ExpiresAt)
	if err != nil {
		h.logger.Printf("initiate transfer failed (client %s): %v", jwtauth.GetClientID(ctx), err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, initiateResponse{SessionID: sessionID.String()})
}

// HandleMessage handles POST /api/v1/messages: the gateway-to-gateway
// protocol endpoint.
func (h *Handler) HandleMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var msg models.ProtocolMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		httputil.WriteError(w, domerrors.New(domerrors.CodeBadRequest, "malformed JSON body"))
		return
	}
	if msg.SessionID.IsNil() {
		httputil.WriteError(w, domerrors.New(domerrors.CodeValidation, "message carries no session id"))
		return
	}

	session, err := h.dispatch(ctx, msg)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, statusResponse(session))
}

// dispatch routes an inbound message to the role that handles its type.
// RollbackNotice is valid for either role, so it follows the session's
// recorded role.
func (h *Handler) dispatch(ctx context.Context, msg models.ProtocolMessage) (*models.Session, error) {
	switch msg.Type {
	case models.MessageProposeTransfer, models.MessageLockEvidence, models.MessageFinalizeAck, models.MessageRecover:
		return h.server.HandleInboundMessage(ctx, msg)
	case models.MessageAcceptTransfer, models.MessageCommitEvidence, models.MessageRecoverUpdate:
		return h.client.HandleInboundMessage(ctx, msg)
	case models.MessageRollbackNotice:
		session, err := h.store.Get(ctx, msg.SessionID)
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				return nil, domerrors.New(domerrors.CodeValidation, "message for unknown session "+msg.SessionID.String())
			}
			return nil, err
		}
		if session.Role == models.RoleServer {
			return h.server.HandleInboundMessage(ctx, msg)
		}
		return h.client.HandleInboundMessage(ctx, msg)
	default:
		return nil, domerrors.New(domerrors.CodeValidation, "unknown message type "+string(msg.Type))
	}
}

// HandleGetTransfer handles GET /api/v1/transfers/{sessionID} requests.
func (h *Handler) HandleGetTransfer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sessionID, err := id.ParseSessionID(chi.URLParam(r, "sessionID"))
	if err != nil {
		httputil.WriteError(w, domerrors.New(domerrors.CodeBadRequest, "malformed session id"))
		return
	}
	session, err := h.client.GetSessionStatus(ctx, sessionID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, statusResponse(session))
}

type sessionStatus struct {
	SessionID     string            `json:"sessionID"`
	Role          string            `json:"role"`
	Phase         string            `json:"phase"`
	Outcome       string            `json:"outcome,omitempty"`
	FailureReason string            `json:"failureReason,omitempty"`
	ExpiresAt     time.Time         `json:"expiresAt"`
	EvidenceLog   []models.Evidence `json:"evidenceLog"`
	LastNonce     uint64            `json:"lastNonce"`
}

func statusResponse(s *models.Session) sessionStatus {
	return sessionStatus{
		SessionID:     s.ID.String(),
		Role:          string(s.Role),
		Phase:         string(s.Phase),
		Outcome:       string(s.Outcome),
		FailureReason: s.FailureReason,
		ExpiresAt:     s.ExpiresAt,
		EvidenceLog:   s.EvidenceLog,
		LastNonce:     s.LastNonce,
	}
}
