package api_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/votechain/votechain/internal/api"
	"github.com/votechain/votechain/internal/ballot"
	"github.com/votechain/votechain/internal/chain"
	"github.com/votechain/votechain/internal/remote"
)

const adminPassword = "correct horse"

func newAdminRouter(t *testing.T, opts ...ballot.Option) (*gin.Engine, *ballot.Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hash, err := bcrypt.GenerateFromPassword([]byte(adminPassword), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	auth, err := api.NewAdminAuth(string(hash), time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	svc := ballot.New(chain.New(), opts...)
	router := gin.New()
	api.NewChainHandler(svc, zap.NewNop()).Register(&router.RouterGroup)
	api.NewAdminHandler(svc, auth, zap.NewNop()).Register(&router.RouterGroup)
	return router, svc
}

func adminToken(t *testing.T, router *gin.Engine) string {
	t.Helper()
	w := doJSON(t, router, http.MethodPost, "/admin/token", `{"password":"`+adminPassword+`"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("token issue status: got %d, body %s", w.Code, w.Body.String())
	}
	tok, _ := decodeBody(t, w)["token"].(string)
	if tok == "" {
		t.Fatal("empty admin token")
	}
	return tok
}

func doAdmin(t *testing.T, router *gin.Engine, token, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestAdminToken_wrongPassword(t *testing.T) {
	router, _ := newAdminRouter(t)

	w := doJSON(t, router, http.MethodPost, "/admin/token", `{"password":"nope"}`)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status: got %d, want 401", w.Code)
	}
}

func TestAdminRoutes_requireToken(t *testing.T) {
	router, _ := newAdminRouter(t)

	for _, path := range []string{"/chain/prune", "/chain/reset", "/sync/push", "/sync/pull"} {
		if w := doAdmin(t, router, "", http.MethodPost, path, `{"value":"A"}`); w.Code != http.StatusUnauthorized {
			t.Errorf("%s without token: got %d, want 401", path, w.Code)
		}
		if w := doAdmin(t, router, "garbage", http.MethodPost, path, `{"value":"A"}`); w.Code != http.StatusUnauthorized {
			t.Errorf("%s with bad token: got %d, want 401", path, w.Code)
		}
	}
}

func TestAdminPrune(t *testing.T) {
	router, svc := newAdminRouter(t)
	for _, v := range []string{"A", "B", "C"} {
		doJSON(t, router, http.MethodPost, "/votes", `{"value":"`+v+`"}`)
	}
	token := adminToken(t, router)

	w := doAdmin(t, router, token, http.MethodPost, "/chain/prune", `{"value":"B"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, body %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["removed"] != float64(1) {
		t.Errorf("removed: got %v", body["removed"])
	}
	report, ok := body["report"].(map[string]any)
	if !ok {
		t.Fatalf("response missing post-prune report: %v", body)
	}
	if report["valid"] != false {
		t.Error("pruning a middle record must surface the broken link in the report")
	}

	records, _ := svc.Records(context.Background())
	if len(records) != 2 {
		t.Errorf("chain after prune: got %d records", len(records))
	}
}

func TestAdminReset(t *testing.T) {
	router, svc := newAdminRouter(t)
	doJSON(t, router, http.MethodPost, "/votes", `{"value":"A"}`)
	token := adminToken(t, router)

	w := doAdmin(t, router, token, http.MethodPost, "/chain/reset", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, body %s", w.Code, w.Body.String())
	}

	records, _ := svc.Records(context.Background())
	if len(records) != 0 {
		t.Errorf("chain after reset: got %d records", len(records))
	}
}

func TestAdminSyncPushAndPull(t *testing.T) {
	gw := &memoryGateway{}
	router, svc := newAdminRouter(t, ballot.WithGateway(gw))
	doJSON(t, router, http.MethodPost, "/votes", `{"value":"A"}`)
	token := adminToken(t, router)

	w := doAdmin(t, router, token, http.MethodPost, "/sync/push", "")
	if w.Code != http.StatusOK {
		t.Fatalf("push status: got %d, body %s", w.Code, w.Body.String())
	}
	if len(gw.data) == 0 {
		t.Fatal("push stored no data")
	}

	// Reset locally, then pull the pushed copy back.
	doAdmin(t, router, token, http.MethodPost, "/chain/reset", "")

	w = doAdmin(t, router, token, http.MethodPost, "/sync/pull", "")
	if w.Code != http.StatusOK {
		t.Fatalf("pull status: got %d, body %s", w.Code, w.Body.String())
	}
	if decodeBody(t, w)["records"] != float64(1) {
		t.Errorf("pull records: got %s", w.Body.String())
	}

	records, _ := svc.Records(context.Background())
	if len(records) != 1 || records[0].Value != "A" {
		t.Errorf("chain after pull: %v", records)
	}
}

func TestAdminSyncPull_noRemoteDocument(t *testing.T) {
	router, _ := newAdminRouter(t, ballot.WithGateway(&memoryGateway{}))
	token := adminToken(t, router)

	w := doAdmin(t, router, token, http.MethodPost, "/sync/pull", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("status: got %d, want 404", w.Code)
	}
}

// memoryGateway is an in-memory Gateway for handler tests.
type memoryGateway struct {
	data []byte
}

func (g *memoryGateway) Push(_ context.Context, data []byte) (string, error) {
	g.data = append([]byte(nil), data...)
	return "memory", nil
}

func (g *memoryGateway) Pull(_ context.Context) ([]byte, error) {
	if g.data == nil {
		return nil, remote.ErrNotFound
	}
	return g.data, nil
}
