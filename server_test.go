package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rsmtech/servicereport_backend/config"
	"github.com/rsmtech/servicereport_backend/memstore"
	"github.com/rsmtech/servicereport_backend/models"
	"github.com/rsmtech/servicereport_backend/utils"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	store  *memstore.Store
	app    *App
	router *gin.Engine
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger, _ := logtest.NewNullLogger()

	store := memstore.New()
	settings := config.Settings{StoreDriver: "memory", FanoutChunkSize: 100, FanoutInline: true}
	app, err := NewApp(store, settings, &config.AuthorityPolicy{}, logger)
	require.NoError(t, err)
	return &testServer{store: store, app: app, router: app.Router(func() bool { return true })}
}

func (s *testServer) account(t *testing.T, username string, role models.UserRole) models.Account {
	t.Helper()
	a, err := s.store.CreateAccount(context.Background(), &models.NewAccount{
		Username: username,
		Name:     username,
		Password: "password-" + username,
		Role:     role,
	})
	require.NoError(t, err)
	return *a
}

// do sends body as JSON; a nil actor sends no credentials.
func (s *testServer) do(t *testing.T, method, path string, actor *models.Account, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if actor != nil {
		token, err := utils.JwtGenerate(actor.ID, string(actor.Role))
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestTransitionEndpoint(t *testing.T) {
	s := newTestServer(t)
	tech := s.account(t, "tech", models.UserRoleTechnician)
	sup := s.account(t, "sup", models.UserRoleSupervisor)
	sales := s.account(t, "sales", models.UserRoleSales)
	r := s.store.PutReport(models.Report{OwnerId: tech.ID, Client: "ACME", Status: models.ReportStatusInProgress})

	t.Run("anonymous", func(t *testing.T) {
		w := s.do(t, http.MethodPost, "/transition", nil, gin.H{})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("non canonical status", func(t *testing.T) {
		w := s.do(t, http.MethodPost, "/transition", &sup, gin.H{
			"report_id": r.ID, "expected_status": "em_andamento", "target_status": "MAINTENANCE_APPROVED",
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		body := decode(t, w)
		assert.Equal(t, "ValidationError", body["kind"])
		assert.Contains(t, body["fields"], "ExpectedStatus")
	})

	t.Run("forbidden", func(t *testing.T) {
		w := s.do(t, http.MethodPost, "/transition", &sales, gin.H{
			"report_id": r.ID, "expected_status": "IN_PROGRESS", "target_status": "MAINTENANCE_APPROVED",
		})
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Equal(t, "Forbidden", decode(t, w)["kind"])
	})

	t.Run("success", func(t *testing.T) {
		w := s.do(t, http.MethodPost, "/transition", &sup, gin.H{
			"report_id": r.ID, "expected_status": "IN_PROGRESS", "target_status": "MAINTENANCE_APPROVED",
		})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		body := decode(t, w)
		assert.Equal(t, "MAINTENANCE_APPROVED", body["status"])
		assert.EqualValues(t, sup.ID, body["approver_id"])
		assert.Len(t, s.store.Notifications(), 3)
	})

	t.Run("stale expected status", func(t *testing.T) {
		w := s.do(t, http.MethodPost, "/transition", &sup, gin.H{
			"report_id": r.ID, "expected_status": "IN_PROGRESS", "target_status": "MAINTENANCE_APPROVED",
		})
		assert.Equal(t, http.StatusConflict, w.Code)
		body := decode(t, w)
		assert.Equal(t, "Conflict", body["kind"])
		assert.Equal(t, "MAINTENANCE_APPROVED", body["current_status"])
	})

	t.Run("illegal edge", func(t *testing.T) {
		w := s.do(t, http.MethodPost, "/transition", &sup, gin.H{
			"report_id": r.ID, "expected_status": "MAINTENANCE_APPROVED", "target_status": "FINALIZED",
		})
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	})

	t.Run("missing reason", func(t *testing.T) {
		admin := s.account(t, "admin", models.UserRoleAdmin)
		w := s.do(t, http.MethodPost, "/transition", &admin, gin.H{
			"report_id": r.ID, "expected_status": "MAINTENANCE_APPROVED", "target_status": "REJECTED", "reason": "",
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown report", func(t *testing.T) {
		w := s.do(t, http.MethodPost, "/transition", &sup, gin.H{
			"report_id": 9999, "expected_status": "CREATED", "target_status": "IN_PROGRESS",
		})
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestGetReportEndpoint(t *testing.T) {
	s := newTestServer(t)
	tech := s.account(t, "tech", models.UserRoleTechnician)
	r := s.store.PutReport(models.Report{OwnerId: tech.ID, Status: models.ReportStatusMaintenanceApproved})

	w := s.do(t, http.MethodGet, fmt.Sprintf("/reports/%d", r.ID), &tech, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.ElementsMatch(t, []any{"SALES_APPROVED", "REJECTED"}, body["next_statuses"])

	w = s.do(t, http.MethodGet, "/reports/abc", &tech, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPrivilegeEndpoints(t *testing.T) {
	s := newTestServer(t)
	sup := s.account(t, "sup", models.UserRoleSupervisor)
	tech := s.account(t, "tech", models.UserRoleTechnician)
	grantBody := gin.H{"user_id": tech.ID, "capability": "finalize"}

	w := s.do(t, http.MethodPost, "/privilege/grant", &tech, grantBody)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodPost, "/privilege/grant", &sup, gin.H{"user_id": tech.ID, "capability": "teleport"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "ValidationError", decode(t, w)["kind"])

	w = s.do(t, http.MethodPost, "/privilege/grant", &sup, gin.H{"user_id": 9999, "capability": "finalize"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodPost, "/privilege/grant", &sup, grantBody)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = s.do(t, http.MethodPost, "/privilege/grant", &sup, grantBody)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "AlreadyGranted", decode(t, w)["kind"])

	w = s.do(t, http.MethodGet, "/privilege/list", &sup, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Privileges []models.PrivilegeView `json:"privileges"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Privileges, 1)
	assert.Equal(t, "tech", list.Privileges[0].Username)
	assert.Equal(t, "sup", list.Privileges[0].GrantedByName)

	w = s.do(t, http.MethodGet, "/privilege/list", &tech, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodGet, "/privilege/mine", &tech, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []any{"finalize"}, decode(t, w)["capabilities"])

	w = s.do(t, http.MethodGet, "/privilege/export", &sup, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, xlsxContentType, w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), ".xlsx")

	w = s.do(t, http.MethodDelete, "/privilege/revoke", &sup, grantBody)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["active"])

	w = s.do(t, http.MethodDelete, "/privilege/revoke", &sup, grantBody)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "GrantNotFound", decode(t, w)["kind"])
}

func TestTagAndNotificationEndpoints(t *testing.T) {
	s := newTestServer(t)
	tech := s.account(t, "tech", models.UserRoleTechnician)
	sales := s.account(t, "sales", models.UserRoleSales)
	r := s.store.PutReport(models.Report{OwnerId: tech.ID, Client: "ACME", Status: models.ReportStatusCreated})

	w := s.do(t, http.MethodPost, "/tag", &sales, gin.H{"report_id": r.ID, "tag": "vip", "description": "key account"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.EqualValues(t, 2, decode(t, w)["notifications_sent"])
	assert.Equal(t, false, decode(t, w)["delivery_pending"])

	w = s.do(t, http.MethodPost, "/tag", &sales, gin.H{"report_id": r.ID, "tag": ""})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/reports/tags/recent?limit=5", &tech, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["reports"], 1)

	for _, bad := range []string{"0", "51", "x"} {
		w = s.do(t, http.MethodGet, "/reports/tags/recent?limit="+bad, &tech, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, bad)
	}

	w = s.do(t, http.MethodGet, "/notifications?unread=true", &tech, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var inbox struct {
		Notifications []models.Notification `json:"notifications"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &inbox))
	require.Len(t, inbox.Notifications, 1)
	assert.Equal(t, "New tag 'vip' added to Report #1 - ACME by sales - key account", inbox.Notifications[0].Message)

	w = s.do(t, http.MethodPut, fmt.Sprintf("/notifications/%d/read", inbox.Notifications[0].ID), &tech, nil)
	require.Equal(t, http.StatusOK, w.Code)

	// someone else's notification
	w = s.do(t, http.MethodPut, fmt.Sprintf("/notifications/%d/read", inbox.Notifications[0].ID), &sales, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodGet, "/notifications?unread=1", &tech, nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &inbox))
	assert.Empty(t, inbox.Notifications)
}

func TestApprovalQueueEndpoint(t *testing.T) {
	s := newTestServer(t)
	tech := s.account(t, "tech", models.UserRoleTechnician)
	sales := s.account(t, "sales", models.UserRoleSales)
	s.store.PutReport(models.Report{OwnerId: tech.ID, Status: models.ReportStatusMaintenanceApproved})
	s.store.PutReport(models.Report{OwnerId: tech.ID, Status: models.ReportStatusInProgress})

	w := s.do(t, http.MethodGet, "/reports/approval", &sales, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["count"])

	w = s.do(t, http.MethodGet, "/reports/approval", &tech, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["count"], "the owner may finalize from IN_PROGRESS")
}

func TestLoginEndpoint(t *testing.T) {
	s := newTestServer(t)
	tech := s.account(t, "tech", models.UserRoleTechnician)

	w := s.do(t, http.MethodPost, "/login", nil, gin.H{"username": "tech", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodPost, "/login", nil, gin.H{"username": "tech", "password": "password-tech"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.EqualValues(t, tech.ID, body["user_id"])
	token, _ := body["access_token"].(string)
	require.NotEmpty(t, token)

	req := httptest.NewRequest(http.MethodGet, "/privilege/mine", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	s.store.SetAccountActive(tech.ID, false)
	w = s.do(t, http.MethodPost, "/login", nil, gin.H{"username": "tech", "password": "password-tech"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, models.ErrAccountDisabled.Error(), decode(t, w)["error"])

	w = s.do(t, http.MethodGet, "/privilege/mine", &tech, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code, "disabled accounts lose access")
}

func TestEventReplayEndpoint(t *testing.T) {
	s := newTestServer(t)
	admin := s.account(t, "admin", models.UserRoleAdmin)
	sup := s.account(t, "sup", models.UserRoleSupervisor)
	r := s.store.PutReport(models.Report{OwnerId: sup.ID})

	s.store.FailNotificationInserts = 1
	w := s.do(t, http.MethodPost, "/transition", &sup, gin.H{
		"report_id": r.ID, "expected_status": "CREATED", "target_status": "IN_PROGRESS",
	})
	require.Equal(t, http.StatusOK, w.Code, "fan-out failure is not surfaced")
	events := s.store.Events()
	require.Len(t, events, 1)
	require.Equal(t, models.EventStatusFailed, events[0].PublishStatus)

	w = s.do(t, http.MethodPost, "/internal/ops/events/replay", &sup, gin.H{"event_id": events[0].ID})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodPost, "/internal/ops/events/replay", &admin, gin.H{"event_id": events[0].ID})
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodPost, "/internal/ops/events/replay", &admin, gin.H{"event_id": events[0].ID})
	assert.Equal(t, http.StatusBadRequest, w.Code, "pending events cannot be replayed")
}

func TestReadinessAndRouting(t *testing.T) {
	s := newTestServer(t)
	ready := false
	router := s.app.Router(func() bool { return ready })
	sup := s.account(t, "sup", models.UserRoleSupervisor)
	token, err := utils.JwtGenerate(sup.ID, string(sup.Role))
	require.NoError(t, err)

	get := func(path string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusServiceUnavailable, get("/privilege/mine"))
	assert.Equal(t, http.StatusOK, get("/healthz"))

	ready = true
	assert.Equal(t, http.StatusOK, get("/privilege/mine"))
	assert.Equal(t, http.StatusNotFound, get("/nope"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("x-correlation-id", "abc-123")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get("x-correlation-id"))
}

func TestSplitAndTrim(t *testing.T) {
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, splitAndTrim(" https://a.example , ,https://b.example "))
	assert.Nil(t, splitAndTrim("  "))
}

func TestDeactivatedAccountIsRejected(t *testing.T) {
	s := newTestServer(t)
	tech := s.account(t, "tech", models.UserRoleTechnician)

	w := s.do(t, http.MethodGet, "/notifications", &tech, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	s.store.SetAccountActive(tech.ID, false)
	w = s.do(t, http.MethodGet, "/notifications", &tech, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
