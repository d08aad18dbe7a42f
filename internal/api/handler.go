package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/prudhvinik1/edgeshadow/internal/logger"
	"github.com/prudhvinik1/edgeshadow/internal/models"
	"github.com/prudhvinik1/edgeshadow/internal/services"
)

var errInvalidBody = fmt.Errorf("%w: malformed JSON body", services.ErrInvalidRequest)

// ShadowService is what the shadow routes need from services.ShadowService.
type ShadowService interface {
	Get(ctx context.Context, name string) (*models.ShadowDocument, error)
	Update(ctx context.Context, name string, req services.UpdateRequest) (*services.UpdateResult, error)
	Delete(ctx context.Context, name, clientToken string) (*models.ShadowDocument, error)
	History(ctx context.Context, name string, limit int) ([]*models.ShadowEvent, error)
}

// CredentialService is what the account, device and broker hook routes need
// from services.CredentialService.
type CredentialService interface {
	RegisterAccount(ctx context.Context, email, password string) (*models.Account, error)
	RegisterDevice(ctx context.Context, email, password, name string) (*models.Device, string, error)
	RevokeDevice(ctx context.Context, email, password, name string) error
	IssueDeviceCredentials(ctx context.Context, name, secret string) (*services.Credentials, error)
	IssueOperatorCredentials(ctx context.Context, email, password string) (*services.Credentials, error)
	Authenticate(ctx context.Context, username, password string) (*services.TokenClaims, error)
	AuthenticateToken(ctx context.Context, token string) (*services.TokenClaims, error)
	AuthorizeTopic(ctx context.Context, username, topic string, write bool) error
	Revoke(ctx context.Context, token string) error
}

type PresenceReader interface {
	GetPresence(ctx context.Context, deviceName string) (*models.Presence, error)
	GetBulkPresence(ctx context.Context, deviceNames []string) (map[string]models.Presence, error)
}

type Handler struct {
	shadows     ShadowService
	credentials CredentialService
	presence    PresenceReader
	superusers  map[string]bool
	log         *zap.SugaredLogger
}

func NewHandler(shadows ShadowService, credentials CredentialService, presence PresenceReader, log *zap.SugaredLogger) *Handler {
	return &Handler{shadows: shadows, credentials: credentials, presence: presence, superusers: map[string]bool{}, log: log}
}

// SetSuperusers names the broker users that bypass the ACL hook, such as the
// authority's own MQTT client.
func (h *Handler) SetSuperusers(names ...string) {
	for _, name := range names {
		if name != "" {
			h.superusers[name] = true
		}
	}
}

// Router wires every route of the authority's HTTP API.
func (h *Handler) Router() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RealIP)
	router.Use(logger.Middleware(h.log))
	router.Use(middleware.Recoverer)

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	router.Handle("/metrics", promhttp.Handler())

	router.Post("/accounts", h.registerAccount)
	router.Post("/devices", h.registerDevice)
	router.Post("/devices/{name}/revoke", h.revokeDevice)
	router.Post("/credentials", h.deviceCredentials)
	router.Post("/credentials/operator", h.operatorCredentials)

	// Broker HTTP auth hooks.
	router.Post("/mqtt/auth", h.mqttAuth)
	router.Post("/mqtt/acl", h.mqttACL)
	router.Post("/mqtt/superuser", h.mqttSuperuser)

	router.Group(func(r chi.Router) {
		r.Use(h.requireToken)
		r.Get("/presence", h.bulkPresence)
		r.Post("/credentials/revoke", h.revokeCredentials)
		r.Route("/devices/{name}", func(r chi.Router) {
			r.Use(h.requireDeviceAccess)
			r.Get("/shadow", h.getShadow)
			r.Patch("/shadow/desired", h.patchDesired)
			r.Patch("/shadow/reported", h.patchReported)
			r.Delete("/shadow", h.deleteShadow)
			r.Get("/shadow/history", h.shadowHistory)
			r.Get("/presence", h.getPresence)
		})
	})
	return router
}

type claimsKeyType struct{}

var claimsKey = &claimsKeyType{}

type tokenKeyType struct{}

var tokenKey = &tokenKeyType{}

// requireToken accepts "Authorization: Bearer <token>" with a live token.
func (h *Handler) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			writeError(w, r, services.ErrInvalidToken)
			return
		}
		claims, err := h.credentials.AuthenticateToken(r.Context(), token)
		if err != nil {
			writeError(w, r, err)
			return
		}
		rlog := logger.FromContext(r.Context()).With("subject", claims.Subject)
		ctx := context.WithValue(logger.WithContext(r.Context(), rlog), claimsKey, claims)
		ctx = context.WithValue(ctx, tokenKey, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireDeviceAccess applies the broker ACL of the device's shadow topics to
// the HTTP routes of the device.
func (h *Handler) requireDeviceAccess(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := r.Context().Value(claimsKey).(*services.TokenClaims)
		name := chi.URLParam(r, "name")
		err := h.credentials.AuthorizeTopic(r.Context(), claims.Subject, "things/"+name+"/shadow", r.Method != http.MethodGet)
		if err != nil {
			writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func claimsFrom(ctx context.Context) *services.TokenClaims {
	claims, _ := ctx.Value(claimsKey).(*services.TokenClaims)
	return claims
}

type operatorRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name,omitempty"`
}

func (h *Handler) registerAccount(w http.ResponseWriter, r *http.Request) {
	var req operatorRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	account, err := h.credentials.RegisterAccount(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, account)
}

type registerDeviceResponse struct {
	Device *models.Device `json:"device"`
	Secret string         `json:"secret"`
}

func (h *Handler) registerDevice(w http.ResponseWriter, r *http.Request) {
	var req operatorRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	device, secret, err := h.credentials.RegisterDevice(r.Context(), req.Email, req.Password, req.Name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, registerDeviceResponse{Device: device, Secret: secret})
}

func (h *Handler) revokeDevice(w http.ResponseWriter, r *http.Request) {
	var req operatorRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.credentials.RevokeDevice(r.Context(), req.Email, req.Password, chi.URLParam(r, "name")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// revokeCredentials invalidates the bearer token of the request itself.
func (h *Handler) revokeCredentials(w http.ResponseWriter, r *http.Request) {
	token, _ := r.Context().Value(tokenKey).(string)
	if err := h.credentials.Revoke(r.Context(), token); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type deviceCredentialsRequest struct {
	Device string `json:"device"`
	Secret string `json:"secret"`
}

func (h *Handler) deviceCredentials(w http.ResponseWriter, r *http.Request) {
	var req deviceCredentialsRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	creds, err := h.credentials.IssueDeviceCredentials(r.Context(), req.Device, req.Secret)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, creds)
}

func (h *Handler) operatorCredentials(w http.ResponseWriter, r *http.Request) {
	var req operatorRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	creds, err := h.credentials.IssueOperatorCredentials(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, creds)
}

type mqttAuthRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	ClientID string `json:"clientid"`
}

// mqttAuth answers 200 to let the client connect and 403 otherwise.
func (h *Handler) mqttAuth(w http.ResponseWriter, r *http.Request) {
	var req mqttAuthRequest
	if err := decodeBody(w, r, &req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if _, err := h.credentials.Authenticate(r.Context(), req.Username, req.Password); err != nil {
		logger.FromContext(r.Context()).Infow("mqtt connect denied", "username", req.Username, "clientid", req.ClientID, "error", err)
		w.WriteHeader(http.StatusForbidden)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Access bits of the ACL hook.
const (
	aclRead      = 1
	aclWrite     = 2
	aclSubscribe = 4
)

type mqttACLRequest struct {
	Username string `json:"username"`
	ClientID string `json:"clientid"`
	Topic    string `json:"topic"`
	Acc      int    `json:"acc"`
}

func (h *Handler) mqttACL(w http.ResponseWriter, r *http.Request) {
	var req mqttACLRequest
	if err := decodeBody(w, r, &req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if h.superusers[req.Username] {
		w.WriteHeader(http.StatusOK)
		return
	}
	write := req.Acc&aclWrite != 0
	err := h.credentials.AuthorizeTopic(r.Context(), req.Username, req.Topic, write)
	if errors.Is(err, services.ErrForbidden) || errors.Is(err, services.ErrDeviceRevoked) {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if err != nil {
		logger.FromContext(r.Context()).Errorw("mqtt acl check failed", "username", req.Username, "topic", req.Topic, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) mqttSuperuser(w http.ResponseWriter, r *http.Request) {
	var req mqttAuthRequest
	if err := decodeBody(w, r, &req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if !h.superusers[req.Username] {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	w.WriteHeader(http.StatusOK)
}
