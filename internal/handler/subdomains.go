package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"subdomaind/internal/model"
	"subdomaind/internal/orchestrator"
	"subdomaind/internal/util"
)

// Provisioner is what the API needs from the orchestrator.
type Provisioner interface {
	Provision(ctx context.Context, tenantID, label, dnsName, caName string) (*model.SubdomainRecord, error)
	Submit(ctx context.Context, tenantID, label, dnsName, caName string) (*model.SubdomainRecord, error)
	Retry(ctx context.Context, tenantID, label string) (*model.SubdomainRecord, error)
	SubmitRetry(ctx context.Context, tenantID, label string) (*model.SubdomainRecord, error)
	Renew(ctx context.Context, tenantID, label string) (*model.SubdomainRecord, error)
	SubmitRenew(ctx context.Context, tenantID, label string) (*model.SubdomainRecord, error)
	Deprovision(ctx context.Context, tenantID, label string) error
	Get(ctx context.Context, tenantID, label string) (*model.SubdomainRecord, error)
	List(ctx context.Context, tenantID string) ([]model.SubdomainRecord, error)
	History(ctx context.Context, tenantID, label string) ([]model.Transition, error)
	RootDomain() string
}

// ActorHeader names the caller recorded in the transition history.
const ActorHeader = "X-Actor"

const maxBodyBytes = 1 << 16

type SubdomainHandler struct {
	prov     Provisioner
	validate *validator.Validate
	log      *zap.Logger
}

func NewSubdomainHandler(prov Provisioner, log *zap.Logger) *SubdomainHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &SubdomainHandler{
		prov:     prov,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      log,
	}
}

type provisionRequest struct {
	Label       string `json:"label" validate:"required,max=63"`
	DNSProvider string `json:"dns_provider" validate:"omitempty,max=32,alphanum"`
	SSLProvider string `json:"ssl_provider" validate:"omitempty,max=32,alphanum"`
	// Wait blocks until provisioning reaches active or failed.
	Wait bool `json:"wait"`
}

type transitionView struct {
	From      model.Status `json:"from,omitempty"`
	To        model.Status `json:"to"`
	Detail    string       `json:"detail,omitempty"`
	Actor     string       `json:"actor"`
	IPAddress string       `json:"ip_address,omitempty"`
	At        time.Time    `json:"at"`
}

// Register mounts the subdomain API on mux.
func (h *SubdomainHandler) Register(mux *http.ServeMux) {
	const base = "/api/tenants/{tenantID}/subdomains"
	mux.HandleFunc("POST "+base, h.Create)
	mux.HandleFunc("GET "+base, h.List)
	mux.HandleFunc("GET "+base+"/{label}", h.Get)
	mux.HandleFunc("GET "+base+"/{label}/transitions", h.Transitions)
	mux.HandleFunc("POST "+base+"/{label}/retry", h.Retry)
	mux.HandleFunc("POST "+base+"/{label}/renew", h.Renew)
	mux.HandleFunc("DELETE "+base+"/{label}", h.Delete)
}

func (h *SubdomainHandler) Create(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenantID")

	var req provisionRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, validationMessage(err))
		return
	}

	ctx := h.auditContext(r)
	var (
		rec *model.SubdomainRecord
		err error
	)
	if req.Wait {
		rec, err = h.prov.Provision(ctx, tenantID, req.Label, req.DNSProvider, req.SSLProvider)
	} else {
		rec, err = h.prov.Submit(ctx, tenantID, req.Label, req.DNSProvider, req.SSLProvider)
	}
	if err != nil {
		h.log.Info("provision request rejected",
			zap.String("tenant", tenantID),
			zap.String("label", req.Label),
			zap.Error(err),
		)
		respondError(w, h.log, err)
		return
	}

	status := http.StatusAccepted
	if rec.Status == model.StatusActive {
		status = http.StatusOK
	}
	writeJSON(w, status, rec.View(h.prov.RootDomain()))
}

func (h *SubdomainHandler) List(w http.ResponseWriter, r *http.Request) {
	recs, err := h.prov.List(r.Context(), r.PathValue("tenantID"))
	if err != nil {
		respondError(w, h.log, err)
		return
	}
	views := make([]model.StatusView, 0, len(recs))
	for i := range recs {
		views = append(views, recs[i].View(h.prov.RootDomain()))
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *SubdomainHandler) Get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.prov.Get(r.Context(), r.PathValue("tenantID"), r.PathValue("label"))
	if err != nil {
		respondError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, rec.View(h.prov.RootDomain()))
}

func (h *SubdomainHandler) Transitions(w http.ResponseWriter, r *http.Request) {
	tenantID, label := r.PathValue("tenantID"), r.PathValue("label")
	if _, err := h.prov.Get(r.Context(), tenantID, label); err != nil {
		respondError(w, h.log, err)
		return
	}
	history, err := h.prov.History(r.Context(), tenantID, label)
	if err != nil {
		respondError(w, h.log, err)
		return
	}
	views := make([]transitionView, 0, len(history))
	for _, t := range history {
		views = append(views, transitionView{
			From:      t.FromStatus,
			To:        t.ToStatus,
			Detail:    t.Detail,
			Actor:     t.Actor,
			IPAddress: t.IPAddress,
			At:        t.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

// Retry and Renew start the run and answer 202; with ?wait=true they block
// until it ends.
func (h *SubdomainHandler) Retry(w http.ResponseWriter, r *http.Request) {
	run := h.prov.SubmitRetry
	if waitRequested(r) {
		run = h.prov.Retry
	}
	h.runAction(w, r, run)
}

func (h *SubdomainHandler) Renew(w http.ResponseWriter, r *http.Request) {
	run := h.prov.SubmitRenew
	if waitRequested(r) {
		run = h.prov.Renew
	}
	h.runAction(w, r, run)
}

func (h *SubdomainHandler) runAction(w http.ResponseWriter, r *http.Request, run func(context.Context, string, string) (*model.SubdomainRecord, error)) {
	rec, err := run(h.auditContext(r), r.PathValue("tenantID"), r.PathValue("label"))
	if err != nil {
		respondError(w, h.log, err)
		return
	}
	status := http.StatusAccepted
	if rec.Status == model.StatusActive && !rec.Renewing {
		status = http.StatusOK
	}
	writeJSON(w, status, rec.View(h.prov.RootDomain()))
}

func (h *SubdomainHandler) Delete(w http.ResponseWriter, r *http.Request) {
	tenantID, label := r.PathValue("tenantID"), r.PathValue("label")
	if err := h.prov.Deprovision(h.auditContext(r), tenantID, label); err != nil {
		respondError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SubdomainHandler) auditContext(r *http.Request) context.Context {
	actor := strings.TrimSpace(r.Header.Get(ActorHeader))
	if actor == "" {
		actor = "api"
	}
	return orchestrator.WithActor(r.Context(), actor, util.ClientIP(r))
}

func waitRequested(r *http.Request) bool {
	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	return wait
}

func validationMessage(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, strings.ToLower(fe.Field())+" failed "+fe.Tag())
	}
	return "invalid request: " + strings.Join(parts, ", ")
}
