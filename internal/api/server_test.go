package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewlab/playground/internal/bridge"
	"github.com/hewlab/playground/internal/catalog"
	"github.com/hewlab/playground/internal/orchestrator"
	"github.com/hewlab/playground/internal/sandbox"
	"github.com/hewlab/playground/internal/session"
)

const testAdminToken = "test-admin-token"

const testCatalog = `{
  "labs": [
    {"id": "intro-networking", "title": "Networking Basics", "category": "networking", "persona": ["developer"]},
    {"id": "storage-basics", "title": "Persistent Storage", "category": "storage", "persona": ["operator"]}
  ]
}`

type apiFixture struct {
	router   *gin.Engine
	store    *session.MemoryStore
	provider *sandbox.Mock
}

func setup(t *testing.T, opts ...func(*orchestrator.Config)) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := logrus.New()
	log.SetOutput(io.Discard)

	path := filepath.Join(t.TempDir(), "labs.json")
	require.NoError(t, os.WriteFile(path, []byte(testCatalog), 0o644))
	labs, err := catalog.Load(path, log)
	require.NoError(t, err)

	cfg := orchestrator.DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	store := session.NewMemoryStore()
	provider := sandbox.NewMock()
	orc := orchestrator.New(cfg, store, provider, labs, nil, log)
	br := bridge.New(store, provider, []string{"*"}, log)
	srv := New(orc, labs, br, testAdminToken, "", log)

	return &apiFixture{router: srv.Router(), store: store, provider: provider}
}

func (f *apiFixture) do(method, path, user string, body any) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *apiFixture) doAdmin(method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set("Authorization", "Bearer "+testAdminToken)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func createSession(t *testing.T, f *apiFixture, user, labID string) *session.Session {
	t.Helper()
	w := f.do(http.MethodPost, "/sessions", user, gin.H{"lab_id": labID})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var s session.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &s))
	return &s
}

func TestHealth(t *testing.T) {
	f := setup(t)
	w := f.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestListLabs(t *testing.T) {
	f := setup(t)

	w := f.do(http.MethodGet, "/labs", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Labs []catalog.Lab `json:"labs"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Labs, 2)

	w = f.do(http.MethodGet, "/labs?category=storage", "", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Labs, 1)
	assert.Equal(t, "storage-basics", resp.Labs[0].ID)
}

func TestGetLab(t *testing.T) {
	f := setup(t)

	w := f.do(http.MethodGet, "/labs/intro-networking", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(http.MethodGet, "/labs/no-such-lab", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateSession(t *testing.T) {
	f := setup(t)

	s := createSession(t, f, "alice", "intro-networking")
	assert.Equal(t, "alice", s.OwnerID)
	assert.Equal(t, session.StateActive, s.State)
	assert.True(t, f.provider.Exists(s.Namespace))
}

func TestCreateSessionRequiresIdentity(t *testing.T) {
	f := setup(t)
	w := f.do(http.MethodPost, "/sessions", "", gin.H{"lab_id": "intro-networking"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCreateSessionValidation(t *testing.T) {
	f := setup(t)
	w := f.do(http.MethodPost, "/sessions", "alice", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateSessionStatusCodes(t *testing.T) {
	f := setup(t, func(c *orchestrator.Config) { c.MaxConcurrentSessions = 2 })

	createSession(t, f, "alice", "intro-networking")

	// Unknown lab: 404.
	w := f.do(http.MethodPost, "/sessions", "bob", gin.H{"lab_id": "no-such-lab"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Duplicate active session for the owner: 409.
	w = f.do(http.MethodPost, "/sessions", "alice", gin.H{"lab_id": "storage-basics"})
	assert.Equal(t, http.StatusConflict, w.Code)

	// Capacity: 429 once the cluster is full.
	createSession(t, f, "bob", "storage-basics")
	w = f.do(http.MethodPost, "/sessions", "carol", gin.H{"lab_id": "intro-networking"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestCreateSessionProvisioningFailure(t *testing.T) {
	f := setup(t)
	f.provider.FailLaunchToolbox = true

	w := f.do(http.MethodPost, "/sessions", "alice", gin.H{"lab_id": "intro-networking"})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestMySessions(t *testing.T) {
	f := setup(t)
	createSession(t, f, "alice", "intro-networking")

	w := f.do(http.MethodGet, "/sessions/me", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Sessions []session.Session `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Sessions, 1)

	w = f.do(http.MethodGet, "/sessions/me", "bob", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Empty(t, resp.Sessions)
}

func TestTerminateSession(t *testing.T) {
	f := setup(t)
	s := createSession(t, f, "alice", "intro-networking")

	// Another user cannot touch it.
	w := f.do(http.MethodDelete, "/sessions/"+s.ID, "bob", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(http.MethodDelete, "/sessions/"+s.ID, "alice", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.False(t, f.provider.Exists(s.Namespace))
}

func TestExtendSession(t *testing.T) {
	f := setup(t)
	s := createSession(t, f, "alice", "intro-networking")

	w := f.do(http.MethodPost, "/sessions/"+s.ID+"/extend", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		NewExpiry string `json:"new_expiry"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.NewExpiry)

	w = f.do(http.MethodPost, "/sessions/missing/extend", "alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminRequiresToken(t *testing.T) {
	f := setup(t)

	w := f.do(http.MethodGet, "/admin/stats", "alice", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAdminListSessions(t *testing.T) {
	f := setup(t)
	s := createSession(t, f, "alice", "intro-networking")
	createSession(t, f, "bob", "storage-basics")
	f.do(http.MethodDelete, "/sessions/"+s.ID, "alice", nil)

	var resp struct {
		Sessions []session.Session `json:"sessions"`
	}

	w := f.doAdmin(http.MethodGet, "/admin/sessions")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Sessions, 2)

	w = f.doAdmin(http.MethodGet, "/admin/sessions?state=active")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Sessions, 1)

	w = f.doAdmin(http.MethodGet, "/admin/sessions?state=bogus")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminTerminateSession(t *testing.T) {
	f := setup(t)
	s := createSession(t, f, "alice", "intro-networking")

	w := f.doAdmin(http.MethodDelete, "/admin/sessions/"+s.ID)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.False(t, f.provider.Exists(s.Namespace))

	w = f.doAdmin(http.MethodDelete, "/admin/sessions/missing")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminStats(t *testing.T) {
	f := setup(t)
	createSession(t, f, "alice", "intro-networking")

	w := f.doAdmin(http.MethodGet, "/admin/stats")
	require.Equal(t, http.StatusOK, w.Code)

	var stats orchestrator.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.ActiveSessions)
	assert.Equal(t, 5, stats.MaxConcurrent)
}

func TestAdminDeleteResource(t *testing.T) {
	f := setup(t)
	s := createSession(t, f, "alice", "intro-networking")

	w := f.doAdmin(http.MethodDelete, "/admin/sessions/"+s.ID+"/resources/pod/toolbox")
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.doAdmin(http.MethodDelete, "/admin/sessions/"+s.ID+"/resources/gadget/toolbox")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.doAdmin(http.MethodDelete, "/admin/sessions/missing/resources/pod/toolbox")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
