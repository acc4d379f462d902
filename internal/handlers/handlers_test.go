package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"erp-approval-service/internal/middleware"
	"erp-approval-service/internal/repository"
	"erp-approval-service/internal/services"
)

const testTenant = "acme"

type testServer struct {
	router *gin.Engine
	repo   *repository.MemoryRepository
	admin  bool
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	entry := logrus.NewEntry(logger)

	repo := repository.NewMemoryRepository(time.Second)
	audit := services.NewAuditRecorder()
	chains := services.NewChainService(repo, entry)
	svc := services.NewApprovalService(repo, chains, services.NewTaskDispatcher(audit, entry), audit, nil, entry, services.Options{LockRetries: 2})

	ts := &testServer{repo: repo}
	isAdmin := func(*gin.Context) bool { return ts.admin }

	approvals := NewApprovalHandler(svc)
	chainHandler := NewChainHandler(chains)
	delegations := NewDelegationHandler(repo, isAdmin, isAdmin, entry)

	router := gin.New()
	router.GET("/health", HealthCheck)
	router.GET("/ready", ReadinessCheck(nil))

	api := router.Group("/api/v1")
	api.Use(middleware.TenantMiddleware(), middleware.ActorMiddleware())
	api.POST("/approvals", approvals.CreateRequest)
	api.POST("/approvals/internal", approvals.CreateRequestInternal)
	api.GET("/approvals", approvals.ListRequests)
	api.GET("/approvals/stats", approvals.GetStats)
	api.GET("/approvals/:id", approvals.GetRequest)
	api.GET("/approvals/:id/history", approvals.GetRequestHistory)
	api.POST("/approvals/:id/approve", approvals.ApproveRequest)
	api.POST("/approvals/:id/reject", approvals.RejectRequest)
	api.POST("/approvals/:id/delegate", approvals.DelegateRequest)
	api.DELETE("/approvals/:id", approvals.CancelRequest)
	api.GET("/tasks/me", approvals.ListMyTasks)
	api.POST("/admin/approval-chains", chainHandler.DefineChain)
	api.GET("/admin/approval-chains", chainHandler.ListChains)
	api.GET("/admin/approval-chains/:id", chainHandler.GetChain)
	api.POST("/admin/approval-chains/:id/deactivate", chainHandler.DeactivateChain)
	api.PUT("/admin/approver-memberships/:type/:key", chainHandler.SetApproverMembers)
	api.POST("/delegations", delegations.CreateDelegation)
	api.GET("/delegations/outgoing", delegations.ListMyDelegations)
	api.GET("/delegations/incoming", delegations.ListDelegatedToMe)
	api.GET("/delegations/:id", delegations.GetDelegation)
	api.POST("/delegations/:id/revoke", delegations.RevokeDelegation)

	ts.router = router
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, userID string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch v := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(v)
	default:
		raw, err := json.Marshal(v)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", testTenant)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func (ts *testServer) definePurchaseChain(t *testing.T) string {
	t.Helper()
	w := ts.do(t, http.MethodPost, "/api/v1/admin/approval-chains", "admin", gin.H{
		"name":       "Purchase orders",
		"entityType": "purchase_order",
		"levels": []gin.H{
			{"sequence": 1, "approverType": "user", "approverIds": []string{"U1", "U2"}, "requiredCount": 1, "slaHours": 4},
			{"sequence": 2, "approverType": "user", "approverIds": []string{"U3"}, "requiredCount": 1, "slaHours": 8},
		},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode(t, w)["id"].(string)
}

func (ts *testServer) createRequest(t *testing.T) string {
	t.Helper()
	w := ts.do(t, http.MethodPost, "/api/v1/approvals", "R1", gin.H{
		"entityType": "purchase_order",
		"entityId":   "PO-1",
		"metadata":   gin.H{"amount": 60000},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, "R1", body["requesterId"])
	return body["id"].(string)
}

func TestHealthEndpoints(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decode(t, w)["status"])

	w = ts.do(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReadinessCheck_PingFailure(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/ready", ReadinessCheck(func(context.Context) error { return errors.New("database unavailable") }))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestApprovalFlow(t *testing.T) {
	ts := newTestServer(t)
	ts.definePurchaseChain(t)
	id := ts.createRequest(t)

	w := ts.do(t, http.MethodGet, "/api/v1/approvals/"+id, "R1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	status := decode(t, w)
	assert.EqualValues(t, 1, status["currentLevel"])
	assert.EqualValues(t, 1, status["levelPosition"])
	assert.EqualValues(t, 2, status["levelCount"])

	w = ts.do(t, http.MethodGet, "/api/v1/tasks/me", "U2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["total"])

	w = ts.do(t, http.MethodPost, "/api/v1/approvals/"+id+"/approve", "U1", gin.H{"comment": "ok"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "satisfied", decode(t, w)["outcome"])

	// U2's slot closed with the level
	w = ts.do(t, http.MethodPost, "/api/v1/approvals/"+id+"/approve", "U2", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "precondition", decode(t, w)["kind"])

	w = ts.do(t, http.MethodPost, "/api/v1/approvals/"+id+"/approve", "U3", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	result := decode(t, w)
	assert.Equal(t, "approved", result["request"].(map[string]interface{})["status"])

	w = ts.do(t, http.MethodGet, "/api/v1/approvals/"+id+"/history", "R1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var history []map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &history))
	assert.Len(t, history, 3)

	w = ts.do(t, http.MethodGet, "/api/v1/approvals/stats", "R1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["total"])
}

func TestRejectAndDelegate(t *testing.T) {
	ts := newTestServer(t)
	ts.definePurchaseChain(t)
	id := ts.createRequest(t)

	w := ts.do(t, http.MethodPost, "/api/v1/approvals/"+id+"/delegate", "U1", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/approvals/"+id+"/delegate", "U1", gin.H{"delegateTo": "U9"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ts.do(t, http.MethodPost, "/api/v1/approvals/"+id+"/reject", "U9", gin.H{"comment": "over budget"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "rejected", decode(t, w)["outcome"])
}

func TestApprovalErrors(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/api/v1/approvals/not-a-uuid", "R1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodGet, "/api/v1/approvals/00000000-0000-0000-0000-000000000001", "R1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decode(t, w)["kind"])

	// No chain for the entity type
	w = ts.do(t, http.MethodPost, "/api/v1/approvals", "R1", gin.H{"entityType": "bom", "entityId": "B-1"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Missing tenant
	req := httptest.NewRequest(http.MethodGet, "/api/v1/approvals", nil)
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateRequestInternal(t *testing.T) {
	ts := newTestServer(t)
	ts.definePurchaseChain(t)

	w := ts.do(t, http.MethodPost, "/api/v1/approvals/internal", "", gin.H{
		"entityType":  "purchase_order",
		"entityId":    "PO-7",
		"requesterId": "svc-user",
		"metadata":    gin.H{"amount": 100},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, true, body["success"])
	data := body["data"].(map[string]interface{})
	assert.Equal(t, "pending", data["status"])

	w = ts.do(t, http.MethodPost, "/api/v1/approvals/internal", "", gin.H{"entityType": "purchase_order", "entityId": "PO-8"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodGet, "/api/v1/approvals?requesterId=svc-user", "admin", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["total"])
}

func TestCancelRequest(t *testing.T) {
	ts := newTestServer(t)
	ts.definePurchaseChain(t)
	id := ts.createRequest(t)

	w := ts.do(t, http.MethodDelete, "/api/v1/approvals/"+id, "U1", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = ts.do(t, http.MethodDelete, "/api/v1/approvals/"+id, "R1", gin.H{"reason": "duplicate order"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "cancelled", decode(t, w)["status"])

	w = ts.do(t, http.MethodGet, "/api/v1/approvals?mine=true", "R1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["total"])
}

func TestCancelRequest_MalformedBody(t *testing.T) {
	ts := newTestServer(t)
	ts.definePurchaseChain(t)
	id := ts.createRequest(t)

	w := ts.do(t, http.MethodDelete, "/api/v1/approvals/"+id, "R1", `{"reason": `)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodDelete, "/api/v1/approvals/"+id, "R1", `{"reason": 42}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Still pending; a bodiless cancel goes through.
	w = ts.do(t, http.MethodGet, "/api/v1/approvals/"+id, "R1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pending", decode(t, w)["status"])

	w = ts.do(t, http.MethodDelete, "/api/v1/approvals/"+id, "R1", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "cancelled", decode(t, w)["status"])
}

func TestChainAdmin(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/v1/admin/approval-chains", "admin", gin.H{
		"name":       "Broken",
		"entityType": "quotation",
		"levels": []gin.H{
			{"sequence": 1, "approverType": "user", "approverIds": []string{"U1"}, "requiredCount": 2, "slaHours": 4},
		},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "configuration", decode(t, w)["kind"])

	id := ts.definePurchaseChain(t)

	w = ts.do(t, http.MethodGet, "/api/v1/admin/approval-chains/"+id, "admin", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodGet, "/api/v1/admin/approval-chains?activeOnly=true", "admin", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var chains []map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &chains))
	assert.Len(t, chains, 1)

	w = ts.do(t, http.MethodPost, "/api/v1/admin/approval-chains/"+id+"/deactivate", "admin", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/approvals", "R1", gin.H{"entityType": "purchase_order", "entityId": "PO-2"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodPut, "/api/v1/admin/approver-memberships/role/finance-manager", "admin", gin.H{"userIds": []string{"U5", "U6"}})
	require.Equal(t, http.StatusOK, w.Code)
	members, err := ts.repo.ListMemberUsers(context.Background(), testTenant, "role", "finance-manager")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"U5", "U6"}, members)

	w = ts.do(t, http.MethodPut, "/api/v1/admin/approver-memberships/user/U1", "admin", gin.H{"userIds": []string{"U5"}})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestDelegations(t *testing.T) {
	ts := newTestServer(t)
	start := time.Now().Add(-time.Hour)
	end := time.Now().Add(72 * time.Hour)

	w := ts.do(t, http.MethodPost, "/api/v1/delegations", "U1", gin.H{"delegateId": "U1", "startDate": start, "endDate": end})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/delegations", "U1", gin.H{"delegateId": "U7", "startDate": end, "endDate": start})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/delegations", "U1", gin.H{"delegateId": "U7", "startDate": start, "endDate": end, "reason": "leave"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode(t, w)
	assert.Equal(t, "active", created["status"])
	id := created["id"].(string)

	w = ts.do(t, http.MethodPost, "/api/v1/delegations", "U1", gin.H{"delegateId": "U8", "startDate": start, "endDate": end})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = ts.do(t, http.MethodGet, "/api/v1/delegations/incoming", "U7", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var incoming []map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &incoming))
	assert.Len(t, incoming, 1)

	w = ts.do(t, http.MethodGet, "/api/v1/delegations/"+id, "U9", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	ts.admin = true
	w = ts.do(t, http.MethodGet, "/api/v1/delegations/"+id, "U9", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	ts.admin = false

	w = ts.do(t, http.MethodPost, "/api/v1/delegations/"+id+"/revoke", "U7", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/delegations/"+id+"/revoke", "U1", `{"reason"`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/delegations/"+id+"/revoke", "U1", gin.H{"reason": "back early"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "revoked", decode(t, w)["status"])

	w = ts.do(t, http.MethodPost, "/api/v1/delegations/"+id+"/revoke", "U1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodGet, "/api/v1/delegations/outgoing?include_expired=true", "U1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var outgoing []map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &outgoing))
	assert.Len(t, outgoing, 1)
}
