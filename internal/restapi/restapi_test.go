package restapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"haguard/internal/cluster"
	"haguard/internal/dbctl"
	"haguard/internal/dcs"
	"haguard/internal/events"
	"haguard/internal/executor"
	"haguard/internal/ha"
	"haguard/internal/metrics"
)

func memberOf(name, conn string) cluster.Member {
	return cluster.Member{Name: name, ConnString: conn, Role: "replica"}
}

func newTestHandler(t *testing.T) (*Handler, *dcs.FakeClient, *dbctl.FakeController) {
	t.Helper()
	store := dcs.NewFakeClient()
	db := dbctl.NewFakeController("leader", "host=leader")
	db.Empty = false
	db.Running = true
	db.Primary = true

	require.NoError(t, store.Race(context.Background(), "initialize", "leader"))
	require.NoError(t, store.TakeLeader(context.Background(), "leader", 30*time.Second))

	cfg := ha.Config{Name: "leader", TTL: 30 * time.Second, MaximumLagOnFailover: -1}
	engine := ha.New(cfg, store, db, executor.New(), zap.NewNop())
	engine.RunCycle(context.Background()) // establish LastState = leader

	h := NewHandler("leader", engine, db, store, executor.New(), events.NewHub(zap.NewNop()), metrics.New(), zap.NewNop(), nil)
	return h, store, db
}

func TestHandleMaster_ReturnsOKWhenLeader(t *testing.T) {
	h, _, _ := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/master", nil)
	rec := httptest.NewRecorder()
	h.handleMaster(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleReplica_Returns503WhenLeader(t *testing.T) {
	h, _, _ := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/replica", nil)
	rec := httptest.NewRecorder()
	h.handleReplica(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleFailover_RejectsSameSourceAndTarget(t *testing.T) {
	h, _, _ := newTestHandler(t)
	body := `{"leader":"leader","candidate":"leader"}`
	req := httptest.NewRequest(http.MethodPost, "/failover", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.handleFailover(rec, req)
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)
	assert.Contains(t, rec.Body.String(), "target and source are the same")
}

func TestHandleFailover_RejectsWhenNotLeader(t *testing.T) {
	h, _, _ := newTestHandler(t)
	body := `{"leader":"someone-else","candidate":"other"}`
	req := httptest.NewRequest(http.MethodPost, "/failover", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.handleFailover(rec, req)
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)
	assert.Contains(t, rec.Body.String(), "is not the leader")
}

func TestHandleFailover_AcceptsValidRequest(t *testing.T) {
	h, store, _ := newTestHandler(t)
	require.NoError(t, store.TouchMember(context.Background(), memberOf("other", "host=other"), 30*time.Second))

	body := `{"leader":"leader","candidate":"other"}`
	req := httptest.NewRequest(http.MethodPost, "/failover", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.handleFailover(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Failing over to new leader")
}
