package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/ignatij/goapprove/internal/live"
	"github.com/ignatij/goapprove/internal/log"
	"github.com/ignatij/goapprove/pkg/models"
	"github.com/ignatij/goapprove/pkg/service"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

// NewRouter wires the JSON API. hub may be nil, in which case /ws is not served.
func NewRouter(svc *service.WorkflowService, hub *live.Hub, secret []byte, requestTimeout time.Duration) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", HealthHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.NewRoute().Subrouter()
	api.Use(Authenticate(secret))
	if hub != nil {
		api.HandleFunc("/ws", websocketHandler(hub)).Methods(http.MethodGet)
	}

	timed := api.NewRoute().Subrouter()
	if requestTimeout > 0 {
		timed.Use(withTimeout(requestTimeout))
	}
	timed.HandleFunc("/templates", listTemplatesHandler(svc)).Methods(http.MethodGet)
	timed.HandleFunc("/documents", createDocumentHandler(svc)).Methods(http.MethodPost)
	timed.HandleFunc("/documents/{id:[0-9]+}", getDocumentHandler(svc)).Methods(http.MethodGet)
	timed.HandleFunc("/documents/{id:[0-9]+}/steps", listStepsHandler(svc)).Methods(http.MethodGet)
	timed.HandleFunc("/documents/{id:[0-9]+}/process", processStepHandler(svc)).Methods(http.MethodPost)
	timed.HandleFunc("/notifications", listNotificationsHandler(svc)).Methods(http.MethodGet)
	timed.HandleFunc("/notifications/unread-count", unreadCountHandler(svc)).Methods(http.MethodGet)
	timed.HandleFunc("/notifications/read-all", markAllReadHandler(svc)).Methods(http.MethodPatch)
	timed.HandleFunc("/notifications/{id:[0-9]+}/read", markReadHandler(svc)).Methods(http.MethodPatch)
	return r
}

// StartServer serves handler on port until ctx is cancelled, then drains for up to shutdownTimeout.
func StartServer(ctx context.Context, port string, handler http.Handler, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.GetLogger().Infof("Starting GoApprove server on :%s", port)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.GetLogger().Info("Shutting down GoApprove server")
		return srv.Shutdown(shutdownCtx)
	}
}

func HealthHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "GoApprove server is running")
}

func withTimeout(d time.Duration) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.GetLogger().Errorf("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: code, Message: message})
}

// statusOf maps the engine's error kinds to HTTP status codes.
func statusOf(kind service.Kind) int {
	switch kind {
	case service.KindValidation, service.KindInvalidClassification, service.KindInvalidAction:
		return http.StatusBadRequest
	case service.KindForbidden:
		return http.StatusForbidden
	case service.KindNotFound:
		return http.StatusNotFound
	case service.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	kind := service.KindOf(err)
	if kind == service.KindInternal {
		log.GetLogger().Errorf("%s %s failed: %+v", r.Method, r.URL.Path, err)
	}
	writeError(w, statusOf(kind), string(kind), service.PublicMessage(err))
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
}

func principal(w http.ResponseWriter, r *http.Request) (models.Principal, bool) {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing principal")
	}
	return p, ok
}

func warningText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

type createDocumentRequest struct {
	TemplateID int64               `json:"template_id"`
	Title      string              `json:"title"`
	Content    string              `json:"content"`
	Amount     decimal.NullDecimal `json:"amount"`
	Currency   string              `json:"currency"`
	Priority   models.Priority     `json:"priority"`
	Payload    models.RawJSON      `json:"payload"`
}

type createDocumentResponse struct {
	Document            models.Document `json:"document"`
	Steps               []models.Step   `json:"steps"`
	NotificationWarning string          `json:"notification_warning,omitempty"`
}

func createDocumentHandler(svc *service.WorkflowService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requester, ok := principal(w, r)
		if !ok {
			return
		}
		var body createDocumentRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, string(service.KindValidation), "malformed JSON body")
			return
		}
		res, err := svc.CreateDocument(r.Context(), service.CreateRequest{
			TemplateID: body.TemplateID,
			Title:      body.Title,
			Content:    body.Content,
			Amount:     body.Amount,
			Currency:   body.Currency,
			Priority:   body.Priority,
			Payload:    body.Payload,
			Requester:  requester,
		})
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, createDocumentResponse{
			Document:            res.Document,
			Steps:               res.Steps,
			NotificationWarning: warningText(res.NotificationWarning),
		})
	}
}

type processStepRequest struct {
	Decision models.Decision `json:"decision"`
	Comment  string          `json:"comment"`
}

type processStepResponse struct {
	Status              models.DocumentStatus `json:"status"`
	CurrentPosition     int                   `json:"current_position"`
	IsCompleted         bool                  `json:"is_completed"`
	NotificationWarning string                `json:"notification_warning,omitempty"`
}

func processStepHandler(svc *service.WorkflowService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := principal(w, r)
		if !ok {
			return
		}
		id, err := pathID(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, string(service.KindValidation), "invalid document id")
			return
		}
		var body processStepRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, string(service.KindValidation), "malformed JSON body")
			return
		}
		res, err := svc.ProcessStep(r.Context(), service.ProcessRequest{
			DocumentID: id,
			Actor:      actor,
			Decision:   body.Decision,
			Comment:    body.Comment,
		})
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, processStepResponse{
			Status:              res.Status,
			CurrentPosition:     res.CurrentPosition,
			IsCompleted:         res.IsCompleted,
			NotificationWarning: warningText(res.NotificationWarning),
		})
	}
}

func getDocumentHandler(svc *service.WorkflowService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, string(service.KindValidation), "invalid document id")
			return
		}
		doc, err := svc.GetDocument(r.Context(), id)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, doc)
	}
}

func listStepsHandler(svc *service.WorkflowService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, string(service.KindValidation), "invalid document id")
			return
		}
		steps, err := svc.ListSteps(r.Context(), id)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, steps)
	}
}

func listTemplatesHandler(svc *service.WorkflowService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		templates, err := svc.ListTemplates(r.Context())
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, templates)
	}
}

func listNotificationsHandler(svc *service.WorkflowService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := principal(w, r)
		if !ok {
			return
		}
		unreadOnly, _ := strconv.ParseBool(r.URL.Query().Get("unread"))
		notifications, err := svc.Notifications().List(r.Context(), p.ID, unreadOnly)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, notifications)
	}
}

func unreadCountHandler(svc *service.WorkflowService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := principal(w, r)
		if !ok {
			return
		}
		count, err := svc.Notifications().UnreadCount(r.Context(), p.ID)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"unread_count": count})
	}
}

func markReadHandler(svc *service.WorkflowService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := principal(w, r)
		if !ok {
			return
		}
		id, err := pathID(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, string(service.KindValidation), "invalid notification id")
			return
		}
		if err := svc.Notifications().MarkRead(r.Context(), id, p.ID); err != nil {
			writeServiceError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func markAllReadHandler(svc *service.WorkflowService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := principal(w, r)
		if !ok {
			return
		}
		updated, err := svc.Notifications().MarkAllRead(r.Context(), p.ID)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int64{"updated": updated})
	}
}

func websocketHandler(hub *live.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := principal(w, r)
		if !ok {
			return
		}
		hub.ServeWS(w, r, p)
	}
}
