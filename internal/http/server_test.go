package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	internal_http "github.com/ignatij/goapprove/internal/http"
	"github.com/ignatij/goapprove/internal/live"
	"github.com/ignatij/goapprove/internal/log"
	"github.com/ignatij/goapprove/pkg/models"
	"github.com/ignatij/goapprove/pkg/service"
	"github.com/ignatij/goapprove/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("test-secret")

type env struct {
	server     *httptest.Server
	hub        *live.Hub
	templateID int64
	requester  models.Principal
	manager    models.Principal
	director   models.Principal
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemoryStore()
	hub := live.NewHub(log.GetLogger())
	svc := service.NewWorkflowService(store, hub, log.GetLogger())

	e := &env{hub: hub}
	for _, p := range []*models.Principal{
		{DisplayName: "Riley", RankLevel: 1},
		{DisplayName: "Morgan", RankLevel: 3},
		{DisplayName: "Dana", RankLevel: 6},
	} {
		id, err := svc.RegisterPrincipal(ctx, *p)
		require.NoError(t, err)
		p.ID = id
		switch p.RankLevel {
		case 1:
			e.requester = *p
		case 3:
			e.manager = *p
		case 6:
			e.director = *p
		}
	}
	ids, err := svc.SyncTemplates(ctx, []models.ChainTemplate{{Code: "PO", Name: "Purchase order", Levels: []int64{3, 6}, IsActive: true}})
	require.NoError(t, err)
	e.templateID = ids[0]

	e.server = httptest.NewServer(internal_http.NewRouter(svc, hub, secret, 5*time.Second))
	t.Cleanup(func() {
		hub.Close()
		e.server.Close()
	})
	return e
}

func (e *env) do(t *testing.T, as models.Principal, method, path string, body interface{}) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	require.NoError(t, err)
	if as.ID != 0 {
		token, err := internal_http.IssueToken(secret, as, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func (e *env) createDocument(t *testing.T) models.Document {
	t.Helper()
	resp, body := e.do(t, e.requester, http.MethodPost, "/documents", map[string]interface{}{
		"template_id": e.templateID,
		"title":       "New laptops",
		"amount":      "2400.00",
		"payload":     map[string]string{"vendor": "acme"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var created struct {
		Document models.Document `json:"document"`
		Steps    []models.Step   `json:"steps"`
	}
	require.NoError(t, json.Unmarshal(body, &created))
	require.Len(t, created.Steps, 2)
	return created.Document
}

func TestServer_Health(t *testing.T) {
	e := newEnv(t)
	resp, body := e.do(t, models.Principal{}, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "GoApprove server is running", string(body))

	resp, _ = e.do(t, models.Principal{}, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_RequiresToken(t *testing.T) {
	e := newEnv(t)
	resp, _ := e.do(t, models.Principal{}, http.MethodGet, "/templates", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, e.server.URL+"/templates", nil)
	require.NoError(t, err)
	forged, err := internal_http.IssueToken([]byte("other-secret"), e.requester, time.Hour)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+forged)
	forgedResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	forgedResp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, forgedResp.StatusCode)
}

func TestServer_ApprovalFlow(t *testing.T) {
	e := newEnv(t)

	resp, body := e.do(t, e.requester, http.MethodGet, "/templates", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"code":"PO"`)

	doc := e.createDocument(t)
	assert.Equal(t, models.PendingDocumentStatus, doc.Status)
	assert.True(t, strings.HasPrefix(doc.Code, "PO-"))

	resp, body = e.do(t, e.manager, http.MethodGet, "/notifications/unread-count", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"unread_count":1}`, string(body))

	// director is not the active approver
	resp, body = e.do(t, e.director, http.MethodPost, fmt.Sprintf("/documents/%d/process", doc.ID), map[string]string{"decision": "APPROVE"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Contains(t, string(body), "FORBIDDEN")

	resp, body = e.do(t, e.manager, http.MethodPost, fmt.Sprintf("/documents/%d/process", doc.ID), map[string]string{"decision": "APPROVE"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.JSONEq(t, `{"status":"PENDING","current_position":2,"is_completed":false}`, string(body))

	// step 1 is decided: the manager has no authority left, whatever the request body
	resp, body = e.do(t, e.manager, http.MethodPost, fmt.Sprintf("/documents/%d/process", doc.ID), map[string]string{"decision": "REJECT"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Contains(t, string(body), "FORBIDDEN")

	resp, body = e.do(t, e.director, http.MethodPost, fmt.Sprintf("/documents/%d/process", doc.ID), map[string]string{"decision": "REJECT"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "VALIDATION_ERROR")

	resp, body = e.do(t, e.director, http.MethodPost, fmt.Sprintf("/documents/%d/process", doc.ID), map[string]string{"decision": "HOLD"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "INVALID_ACTION")

	resp, body = e.do(t, e.director, http.MethodPost, fmt.Sprintf("/documents/%d/process", doc.ID), map[string]string{"decision": "REJECT", "comment": "insufficient funds"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.JSONEq(t, `{"status":"REJECTED","current_position":2,"is_completed":true}`, string(body))

	resp, body = e.do(t, e.requester, http.MethodGet, fmt.Sprintf("/documents/%d/steps", doc.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var steps []models.Step
	require.NoError(t, json.Unmarshal(body, &steps))
	require.Len(t, steps, 2)
	assert.Equal(t, models.ApproveDecision, *steps[0].Decision)
	assert.Equal(t, models.RejectDecision, *steps[1].Decision)

	resp, body = e.do(t, e.requester, http.MethodGet, fmt.Sprintf("/documents/%d", doc.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var detail models.Document
	require.NoError(t, json.Unmarshal(body, &detail))
	assert.Equal(t, models.RejectedDocumentStatus, detail.Status)
	assert.NotNil(t, detail.CompletedAt)
	assert.Equal(t, "2400", detail.Amount.Decimal.String())
	assert.JSONEq(t, `{"vendor":"acme"}`, string(detail.Payload))
	assert.Len(t, detail.Steps, 2)
}

func TestServer_Notifications(t *testing.T) {
	e := newEnv(t)
	e.createDocument(t)

	resp, body := e.do(t, e.manager, http.MethodGet, "/notifications?unread=true", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var notifications []models.Notification
	require.NoError(t, json.Unmarshal(body, &notifications))
	require.Len(t, notifications, 1)

	resp, _ = e.do(t, e.director, http.MethodPatch, fmt.Sprintf("/notifications/%d/read", notifications[0].ID), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = e.do(t, e.manager, http.MethodPatch, fmt.Sprintf("/notifications/%d/read", notifications[0].ID), nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = e.do(t, e.manager, http.MethodPatch, "/notifications/read-all", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"updated":0}`, string(body))
}

func TestServer_ErrorMapping(t *testing.T) {
	e := newEnv(t)

	resp, body := e.do(t, e.requester, http.MethodGet, "/documents/999/steps", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, string(body), "NOT_FOUND")

	resp, body = e.do(t, e.requester, http.MethodPost, "/documents", map[string]interface{}{"template_id": 999, "title": "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "INVALID_CLASSIFICATION")

	resp, body = e.do(t, e.requester, http.MethodPost, "/documents", map[string]interface{}{"template_id": e.templateID, "title": ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "VALIDATION_ERROR")
}

func TestServer_LiveEvents(t *testing.T) {
	e := newEnv(t)
	token, err := internal_http.IssueToken(secret, e.manager, time.Hour)
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return e.hub.Members(live.UserRoom(e.manager.ID)) == 1 }, 2*time.Second, 10*time.Millisecond)

	doc := e.createDocument(t)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg live.Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, models.NewNotificationEvent, msg.Event)
	assert.Equal(t, doc.ID, msg.Data.DocumentID)
	assert.Equal(t, models.NewRequestNotification, msg.Data.Kind)
}
