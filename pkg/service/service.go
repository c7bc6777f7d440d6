package service

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/ignatij/goapprove/internal/metrics"
	"github.com/ignatij/goapprove/internal/tracing"
	"github.com/ignatij/goapprove/pkg/models"
	"github.com/ignatij/goapprove/pkg/storage"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

// Logger defines the logging interface for WorkflowService
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

const (
	defaultMaxCodeAttempts = 5
	maxDisplayNameLength   = 100
)

// WorkflowService owns documents and their step ledgers. Every transition runs in one store
// transaction under document-scoped exclusivity; live delivery happens after commit.
type WorkflowService struct {
	store           storage.Store
	dispatcher      *Dispatcher
	resolver        ApproverResolver
	logger          Logger
	now             func() time.Time
	maxCodeAttempts int
}

type Option func(*WorkflowService)

// WithClock replaces time.Now for decision and creation timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *WorkflowService) { s.now = now }
}

// WithMaxCodeAttempts bounds how often creation is retried when the generated code is taken.
func WithMaxCodeAttempts(n int) Option {
	return func(s *WorkflowService) {
		if n > 0 {
			s.maxCodeAttempts = n
		}
	}
}

func NewWorkflowService(store storage.Store, sink NotificationSink, logger Logger, opts ...Option) *WorkflowService {
	s := &WorkflowService{
		store:           store,
		logger:          logger,
		now:             time.Now,
		maxCodeAttempts: defaultMaxCodeAttempts,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.dispatcher = NewDispatcher(store, sink, logger)
	s.dispatcher.now = s.now
	return s
}

// Notifications exposes the recipient-facing inbox operations and redelivery.
func (s *WorkflowService) Notifications() *Dispatcher {
	return s.dispatcher
}

// CreateRequest is the input of CreateDocument. Requester is the authenticated principal.
type CreateRequest struct {
	TemplateID int64
	Title      string
	Content    string
	Amount     decimal.NullDecimal
	Currency   string
	Priority   models.Priority
	Payload    models.RawJSON
	Requester  models.Principal
}

type CreateResult struct {
	Document models.Document
	Steps    []models.Step
	// NotificationWarning is set when the document was created but the live push failed.
	NotificationWarning error
}

// ProcessRequest applies Actor's decision to the document's active step.
type ProcessRequest struct {
	DocumentID int64
	Actor      models.Principal
	Decision   models.Decision
	Comment    string
}

type ProcessResult struct {
	Status          models.DocumentStatus
	CurrentPosition int
	IsCompleted     bool
	// NotificationWarning is set when the transition committed but the live push failed.
	NotificationWarning error
}

// inTx runs fn in a store transaction, committing on success and rolling back on error.
func (s *WorkflowService) inTx(ctx context.Context, fn func(tx storage.Store) error) (err error) {
	txStore, err := s.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				s.logger.Errorf("Failed to rollback after panic: %v", rollbackErr)
			}
			panic(p)
		}
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				s.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			s.logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()
	return fn(txStore)
}

// observe counts and logs a failed engine call.
func (s *WorkflowService) observe(operation string, err error) {
	if err == nil {
		return
	}
	kind := KindOf(err)
	metrics.RejectedOperations.WithLabelValues(operation, string(kind)).Inc()
	if kind == KindInternal {
		s.logger.Errorf("%s failed: %+v", operation, err)
	}
}

// CreateDocument validates the request, creates the document with its full step ledger and
// notifies the first approver. Nothing is written unless every step succeeds.
func (s *WorkflowService) CreateDocument(ctx context.Context, req CreateRequest) (res *CreateResult, err error) {
	ctx, span := tracing.StartSpan(ctx, "workflow.create_document",
		attribute.Int64("template_id", req.TemplateID),
		attribute.Int64("requester_id", req.Requester.ID))
	defer func() {
		s.observe("create", err)
		tracing.EndSpan(span, err)
	}()

	if err = normalizeCreate(&req); err != nil {
		return nil, err
	}

	var created createdDocument
	for attempt := 1; ; attempt++ {
		err = s.inTx(ctx, func(tx storage.Store) error {
			var txErr error
			created, txErr = s.createInTx(ctx, tx, req)
			return txErr
		})
		if err == nil {
			break
		}
		if !errors.Is(err, storage.ErrDuplicateCode) {
			return nil, fromStorage("create document", err)
		}
		metrics.CodeCollisions.Inc()
		if attempt >= s.maxCodeAttempts {
			return nil, errors.WithMessagef(ErrConflict, "could not allocate a unique document code after %d attempts", attempt)
		}
		s.logger.Warnf("Document code collision on attempt %d, retrying", attempt)
	}

	doc := created.document
	metrics.DocumentsCreated.WithLabelValues(created.templateCode).Inc()
	span.SetAttributes(attribute.Int64("document_id", doc.ID), attribute.String("document_code", doc.Code))
	s.logger.Infof("Created document '%s' (ID %d) with %d steps", doc.Code, doc.ID, doc.TotalPositions)

	res = &CreateResult{Document: doc, Steps: created.steps}
	if warn := s.dispatcher.Deliver(ctx, created.outbox, nil); warn != nil {
		s.logger.Warnf("Document %d created, notification delivery degraded: %v", doc.ID, warn)
		res.NotificationWarning = warn
	}
	return res, nil
}

type createdDocument struct {
	document     models.Document
	steps        []models.Step
	outbox       []models.Notification
	templateCode string
}

func (s *WorkflowService) createInTx(ctx context.Context, tx storage.Store, req CreateRequest) (createdDocument, error) {
	var out createdDocument
	tmpl, err := tx.GetTemplate(ctx, req.TemplateID)
	if errors.Is(err, storage.ErrNotFound) {
		return out, errors.WithMessagef(ErrInvalidClassification, "classification %d does not exist", req.TemplateID)
	}
	if err != nil {
		return out, err
	}
	if !tmpl.IsActive {
		return out, errors.WithMessagef(ErrInvalidClassification, "classification '%s' is inactive", tmpl.Code)
	}
	if len(tmpl.Levels) == 0 {
		return out, errors.WithMessagef(ErrInvalidClassification, "classification '%s' has an empty approval chain", tmpl.Code)
	}
	if err := validatePayload(tmpl.PayloadSchema, req.Payload); err != nil {
		return out, err
	}
	out.templateCode = tmpl.Code

	now := s.now().UTC()
	prefix := codePrefix(tmpl.Code, now)
	count, err := tx.CountDocumentsByCodePrefix(ctx, prefix)
	if err != nil {
		return out, err
	}
	doc := models.Document{
		Code:            documentCode(prefix, count+1),
		TemplateID:      tmpl.ID,
		Title:           req.Title,
		Content:         req.Content,
		Amount:          req.Amount,
		Currency:        req.Currency,
		Priority:        req.Priority,
		Payload:         req.Payload,
		RequesterID:     req.Requester.ID,
		Status:          models.PendingDocumentStatus,
		CurrentPosition: 1,
		TotalPositions:  len(tmpl.Levels),
		CreatedAt:       now,
	}
	if doc.ID, err = tx.SaveDocument(ctx, doc); err != nil {
		return out, err
	}

	steps := make([]models.Step, 0, len(tmpl.Levels))
	for i, level := range tmpl.Levels {
		approver, err := s.resolver.Resolve(ctx, tx, int(level))
		if err != nil {
			return out, errors.Wrapf(err, "resolve approver for position %d", i+1)
		}
		step := models.Step{
			DocumentID: doc.ID,
			Position:   i + 1,
			IsActive:   i == 0,
		}
		if approver != nil {
			id := approver.ID
			step.ApproverID = &id
		} else {
			s.logger.Warnf("No approver with rank >= %d for position %d of document '%s'", level, i+1, doc.Code)
		}
		if step.ID, err = tx.SaveStep(ctx, step); err != nil {
			return out, err
		}
		steps = append(steps, step)
	}

	if first := steps[0]; first.ApproverID != nil {
		n, err := s.dispatcher.Persist(ctx, tx, newRequestNotification(doc, req.Requester.DisplayName, *first.ApproverID, now))
		if err != nil {
			return out, err
		}
		out.outbox = append(out.outbox, n)
	}
	out.document = doc
	out.steps = steps
	return out, nil
}

// ProcessStep applies a decision to the document's active step and advances or terminates the document.
func (s *WorkflowService) ProcessStep(ctx context.Context, req ProcessRequest) (res *ProcessResult, err error) {
	ctx, span := tracing.StartSpan(ctx, "workflow.process_step",
		attribute.Int64("document_id", req.DocumentID),
		attribute.Int64("actor_id", req.Actor.ID),
		attribute.String("decision", string(req.Decision)))
	defer func() {
		s.observe("process", err)
		tracing.EndSpan(span, err)
	}()

	req.Decision = models.Decision(strings.ToUpper(strings.TrimSpace(string(req.Decision))))
	if !req.Decision.Valid() {
		return nil, errors.WithMessagef(ErrInvalidAction, "decision must be APPROVE or REJECT, got %q", req.Decision)
	}
	req.Comment = strings.TrimSpace(req.Comment)

	var t transition
	err = s.inTx(ctx, func(tx storage.Store) error {
		var txErr error
		t, txErr = s.processInTx(ctx, tx, req)
		return txErr
	})
	if err != nil {
		return nil, fromStorage("process step", err)
	}

	outcome := "advanced"
	if t.document.Status.IsTerminal() {
		outcome = strings.ToLower(string(t.document.Status))
	}
	metrics.StepTransitions.WithLabelValues(string(req.Decision), outcome).Inc()
	s.logger.Infof("Principal %d decided %s on step %d of document '%s': now %s at position %d",
		req.Actor.ID, req.Decision, t.step.Position, t.document.Code, t.document.Status, t.document.CurrentPosition)

	res = &ProcessResult{
		Status:          t.document.Status,
		CurrentPosition: t.document.CurrentPosition,
		IsCompleted:     t.document.Status.IsTerminal(),
	}
	broadcast := models.LiveEvent{
		ID:         uuid.NewString(),
		Type:       models.DocumentUpdatedEvent,
		DocumentID: t.document.ID,
		Title:      t.document.Title,
		Status:     t.document.Status,
		Position:   t.document.CurrentPosition,
		ActorID:    req.Actor.ID,
		ActorName:  req.Actor.DisplayName,
		Decision:   req.Decision,
		Timestamp:  t.at,
	}
	if warn := s.dispatcher.Deliver(ctx, t.outbox, []models.LiveEvent{broadcast}); warn != nil {
		s.logger.Warnf("Document %d transition committed, notification delivery degraded: %v", t.document.ID, warn)
		res.NotificationWarning = warn
	}
	return res, nil
}

type transition struct {
	document models.Document
	step     models.Step
	outbox   []models.Notification
	at       time.Time
}

func (s *WorkflowService) processInTx(ctx context.Context, tx storage.Store, req ProcessRequest) (transition, error) {
	var t transition
	doc, err := tx.LockDocument(ctx, req.DocumentID)
	if errors.Is(err, storage.ErrNotFound) {
		return t, errors.WithMessagef(ErrNotFound, "document %d not found", req.DocumentID)
	}
	if err != nil {
		return t, err
	}
	if doc.Status.IsTerminal() {
		return t, errors.WithMessagef(ErrForbidden, "document '%s' is already %s", doc.Code, doc.Status)
	}

	active, err := activeStep(ctx, tx, doc.ID)
	if err != nil {
		return t, err
	}
	if active == nil || active.ApproverID == nil || *active.ApproverID != req.Actor.ID {
		return t, errors.WithMessage(ErrForbidden, "not your turn to decide or step already decided")
	}
	if req.Decision == models.RejectDecision && req.Comment == "" {
		return t, errors.WithMessage(ErrValidation, "a comment is required to reject")
	}

	now := s.now().UTC()
	step, err := tx.DecideActiveStep(ctx, doc.ID, req.Actor.ID, req.Decision, req.Comment, now)
	if errors.Is(err, storage.ErrNotFound) {
		return t, errors.WithMessage(ErrForbidden, "not your turn to decide or step already decided")
	}
	if err != nil {
		return t, err
	}

	switch {
	case req.Decision == models.RejectDecision:
		err = s.complete(ctx, tx, &doc, models.RejectedDocumentStatus, now)
	case step.Position == doc.TotalPositions:
		err = s.complete(ctx, tx, &doc, models.ApprovedDocumentStatus, now)
	default:
		var next models.Step
		next, err = s.advance(ctx, tx, &doc, step.Position+1)
		if err == nil && next.ApproverID != nil {
			var n models.Notification
			n, err = s.dispatcher.Persist(ctx, tx, newRequestNotification(doc, req.Actor.DisplayName, *next.ApproverID, now))
			t.outbox = append(t.outbox, n)
		}
	}
	if err != nil {
		return t, err
	}

	n, err := s.dispatcher.Persist(ctx, tx, outcomeNotification(doc, req.Actor, req.Decision, req.Comment, now))
	if err != nil {
		return t, err
	}
	// requester first, then the next approver
	t.outbox = append([]models.Notification{n}, t.outbox...)
	t.document = doc
	t.step = step
	t.at = now
	return t, nil
}

func activeStep(ctx context.Context, tx storage.Store, documentID int64) (*models.Step, error) {
	steps, err := tx.ListSteps(ctx, documentID)
	if err != nil {
		return nil, err
	}
	for i := range steps {
		if steps[i].IsActive {
			return &steps[i], nil
		}
	}
	return nil, nil
}

func (s *WorkflowService) complete(ctx context.Context, tx storage.Store, doc *models.Document, status models.DocumentStatus, at time.Time) error {
	if err := tx.CompleteDocument(ctx, doc.ID, status, at); err != nil {
		return errors.Wrapf(err, "complete document %d", doc.ID)
	}
	doc.Status = status
	doc.CompletedAt = &at
	return nil
}

func (s *WorkflowService) advance(ctx context.Context, tx storage.Store, doc *models.Document, position int) (models.Step, error) {
	next, err := tx.ActivateStep(ctx, doc.ID, position)
	if err != nil {
		return models.Step{}, errors.Wrapf(err, "activate step %d of document %d", position, doc.ID)
	}
	if err := tx.AdvanceDocument(ctx, doc.ID, position); err != nil {
		return models.Step{}, errors.Wrapf(err, "advance document %d", doc.ID)
	}
	doc.CurrentPosition = position
	return next, nil
}

// ListSteps returns the document's step ledger ordered by position.
func (s *WorkflowService) ListSteps(ctx context.Context, documentID int64) ([]models.Step, error) {
	if _, err := s.store.GetDocument(ctx, documentID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errors.WithMessagef(ErrNotFound, "document %d not found", documentID)
		}
		return nil, fromStorage("get document", err)
	}
	steps, err := s.store.ListSteps(ctx, documentID)
	if err != nil {
		return nil, fromStorage("list steps", err)
	}
	return steps, nil
}

// GetDocument fetches a document with its steps.
func (s *WorkflowService) GetDocument(ctx context.Context, id int64) (models.Document, error) {
	doc, err := s.store.GetDocument(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return models.Document{}, errors.WithMessagef(ErrNotFound, "document %d not found", id)
	}
	if err != nil {
		return models.Document{}, fromStorage("get document", err)
	}
	if doc.Steps, err = s.store.ListSteps(ctx, id); err != nil {
		return models.Document{}, fromStorage("list steps", err)
	}
	return doc, nil
}

// ListTemplates returns the active chain templates.
func (s *WorkflowService) ListTemplates(ctx context.Context) ([]models.ChainTemplate, error) {
	templates, err := s.store.ListTemplates(ctx, true)
	return templates, fromStorage("list templates", err)
}

// SyncTemplates upserts chain templates by code in one transaction.
func (s *WorkflowService) SyncTemplates(ctx context.Context, templates []models.ChainTemplate) (ids []int64, err error) {
	for _, t := range templates {
		if !models.ValidTemplateCode(t.Code) {
			return nil, errors.WithMessagef(ErrValidation, "template code %q must be 1-20 upper-case letters or digits", t.Code)
		}
		if len(t.Levels) == 0 {
			return nil, errors.WithMessagef(ErrValidation, "template '%s' needs at least one level", t.Code)
		}
	}
	err = s.inTx(ctx, func(tx storage.Store) error {
		for _, t := range templates {
			id, err := tx.SaveTemplate(ctx, t)
			if err != nil {
				return errors.Wrapf(err, "save template '%s'", t.Code)
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, fromStorage("sync templates", err)
	}
	s.logger.Infof("Synced %d chain templates", len(ids))
	return ids, nil
}

// RegisterPrincipal records a principal issued by the identity collaborator so the resolver can see it.
func (s *WorkflowService) RegisterPrincipal(ctx context.Context, p models.Principal) (int64, error) {
	p.DisplayName = strings.TrimSpace(p.DisplayName)
	if p.DisplayName == "" {
		return 0, errors.WithMessage(ErrValidation, "display name is required")
	}
	if utf8.RuneCountInString(p.DisplayName) > maxDisplayNameLength {
		return 0, errors.WithMessagef(ErrValidation, "display name must be at most %d characters", maxDisplayNameLength)
	}
	if p.RankLevel < 1 {
		return 0, errors.WithMessage(ErrValidation, "rank level must be positive")
	}
	if p.Status == "" {
		p.Status = models.ActivePrincipalStatus
	}
	if p.Status != models.ActivePrincipalStatus && p.Status != models.InactivePrincipalStatus {
		return 0, errors.WithMessagef(ErrValidation, "unknown principal status %q", p.Status)
	}
	id, err := s.store.SavePrincipal(ctx, p)
	if err != nil {
		return 0, fromStorage("save principal", err)
	}
	s.logger.Infof("Registered principal '%s' (ID %d, rank %d)", p.DisplayName, id, p.RankLevel)
	return id, nil
}

func newRequestNotification(doc models.Document, from string, approverID int64, at time.Time) models.Notification {
	docID := doc.ID
	msg := fmt.Sprintf("Document %s is waiting for your decision.", doc.Code)
	if from != "" {
		msg = fmt.Sprintf("%s sent document %s for your decision.", from, doc.Code)
	}
	return models.Notification{
		PrincipalID: approverID,
		DocumentID:  &docID,
		Kind:        models.NewRequestNotification,
		Title:       "Approval requested: " + doc.Title,
		Message:     msg,
		CreatedAt:   at,
	}
}

func outcomeNotification(doc models.Document, actor models.Principal, decision models.Decision, comment string, at time.Time) models.Notification {
	docID := doc.ID
	kind, verb := models.ApprovedNotification, "approved"
	if decision == models.RejectDecision {
		kind, verb = models.RejectedNotification, "rejected"
	}
	name := actor.DisplayName
	if name == "" {
		name = fmt.Sprintf("Principal %d", actor.ID)
	}
	msg := fmt.Sprintf("%s %s document %s.", name, verb, doc.Code)
	if comment != "" {
		msg += " Comment: " + comment
	}
	return models.Notification{
		PrincipalID: doc.RequesterID,
		DocumentID:  &docID,
		Kind:        kind,
		Title:       fmt.Sprintf("Document %s: %s", verb, doc.Title),
		Message:     msg,
		CreatedAt:   at,
	}
}
