package api_test

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/votechain/votechain/internal/api"
	"github.com/votechain/votechain/internal/ballot"
	"github.com/votechain/votechain/internal/chain"
)

func newChainRouter(t *testing.T, opts ...ballot.Option) (*gin.Engine, *ballot.Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	svc := ballot.New(chain.New(), opts...)
	router := gin.New()
	api.NewChainHandler(svc, zap.NewNop()).Register(&router.RouterGroup)
	return router, svc
}

func doJSON(t *testing.T, router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("response is not a JSON object: %v\n%s", err, w.Body.String())
	}
	return out
}

func TestCastVote(t *testing.T) {
	router, _ := newChainRouter(t)

	w := doJSON(t, router, http.MethodPost, "/votes", `{"value":"Candidate A"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status: got %d, body %s", w.Code, w.Body.String())
	}

	body := decodeBody(t, w)
	if body["payload"] == "" {
		t.Error("response missing token payload")
	}
	rec, ok := body["record"].(map[string]any)
	if !ok {
		t.Fatalf("response missing record: %v", body)
	}
	if rec["value"] != "Candidate A" {
		t.Errorf("record value: got %v", rec["value"])
	}
	if rec["prev_hash"] != chain.GenesisHash {
		t.Errorf("first record prev_hash: got %v", rec["prev_hash"])
	}
}

func TestCastVote_missingValue(t *testing.T) {
	router, _ := newChainRouter(t)

	w := doJSON(t, router, http.MethodPost, "/votes", `{}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", w.Code)
	}
}

func TestCastVote_invalidValueIsUnprocessable(t *testing.T) {
	router, _ := newChainRouter(t, ballot.WithPolicy(ballot.Policy{Candidates: []string{"A"}}))

	w := doJSON(t, router, http.MethodPost, "/votes", `{"value":"Z"}`)
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status: got %d, want 422", w.Code)
	}
}

func TestCastVote_closedElectionIsConflict(t *testing.T) {
	router, _ := newChainRouter(t, ballot.WithPolicy(ballot.Policy{
		EndTime: time.Now().UTC().Add(-time.Hour),
	}))

	w := doJSON(t, router, http.MethodPost, "/votes", `{"value":"A"}`)
	if w.Code != http.StatusConflict {
		t.Errorf("status: got %d, want 409", w.Code)
	}
}

func TestChainOverviewAndRecords(t *testing.T) {
	router, _ := newChainRouter(t)
	doJSON(t, router, http.MethodPost, "/votes", `{"value":"A"}`)
	doJSON(t, router, http.MethodPost, "/votes", `{"value":"B"}`)

	w := doJSON(t, router, http.MethodGet, "/chain", "")
	if w.Code != http.StatusOK {
		t.Fatalf("overview status: got %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["records"] != float64(2) {
		t.Errorf("overview records: got %v", body["records"])
	}
	if body["last_hash"] == chain.GenesisHash {
		t.Error("overview last_hash still the genesis sentinel after two votes")
	}

	w = doJSON(t, router, http.MethodGet, "/chain/records", "")
	if w.Code != http.StatusOK {
		t.Fatalf("records status: got %d", w.Code)
	}
	var records []map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &records); err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 || records[0]["value"] != "A" || records[1]["value"] != "B" {
		t.Errorf("records: got %v", records)
	}
}

func TestGetRecord(t *testing.T) {
	router, _ := newChainRouter(t)
	doJSON(t, router, http.MethodPost, "/votes", `{"value":"A"}`)

	w := doJSON(t, router, http.MethodGet, "/chain/records/0", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	if decodeBody(t, w)["value"] != "A" {
		t.Errorf("record 0: got %s", w.Body.String())
	}

	if w := doJSON(t, router, http.MethodGet, "/chain/records/5", ""); w.Code != http.StatusNotFound {
		t.Errorf("out-of-range idx: got %d, want 404", w.Code)
	}
	if w := doJSON(t, router, http.MethodGet, "/chain/records/abc", ""); w.Code != http.StatusBadRequest {
		t.Errorf("non-numeric idx: got %d, want 400", w.Code)
	}
}

func TestVerifyEndpoint(t *testing.T) {
	router, _ := newChainRouter(t)
	doJSON(t, router, http.MethodPost, "/votes", `{"value":"A"}`)

	w := doJSON(t, router, http.MethodGet, "/chain/verify", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	if decodeBody(t, w)["valid"] != true {
		t.Errorf("fresh chain should verify: %s", w.Body.String())
	}
}

func TestTallyEndpoints(t *testing.T) {
	router, _ := newChainRouter(t)
	for _, v := range []string{"A", "A", "B"} {
		doJSON(t, router, http.MethodPost, "/votes", `{"value":"`+v+`"}`)
	}

	w := doJSON(t, router, http.MethodGet, "/tally", "")
	if w.Code != http.StatusOK {
		t.Fatalf("tally status: got %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["A"] != float64(2) || body["B"] != float64(1) {
		t.Errorf("tally: got %v", body)
	}

	w = doJSON(t, router, http.MethodPost, "/tally/compare", `{"A":2,"B":1}`)
	if w.Code != http.StatusOK {
		t.Fatalf("compare status: got %d", w.Code)
	}
	if decodeBody(t, w)["match"] != true {
		t.Errorf("matching reference reported mismatch: %s", w.Body.String())
	}

	w = doJSON(t, router, http.MethodPost, "/tally/compare", `{"A":9}`)
	if decodeBody(t, w)["match"] != false {
		t.Errorf("diverging reference reported match: %s", w.Body.String())
	}
}

func TestVerifyTokenEndpoint(t *testing.T) {
	router, _ := newChainRouter(t)

	w := doJSON(t, router, http.MethodPost, "/votes", `{"value":"A"}`)
	payload, _ := decodeBody(t, w)["payload"].(string)
	if payload == "" {
		t.Fatal("cast response missing payload")
	}

	req, err := json.Marshal(map[string]string{"payload": payload})
	if err != nil {
		t.Fatal(err)
	}
	w = doJSON(t, router, http.MethodPost, "/tokens/verify", string(req))
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, body %s", w.Code, w.Body.String())
	}
	if decodeBody(t, w)["verified"] != true {
		t.Errorf("freshly issued token rejected: %s", w.Body.String())
	}
}

func TestVerifyTokenEndpoint_unknownTokenIsOKButUnverified(t *testing.T) {
	router, _ := newChainRouter(t)
	doJSON(t, router, http.MethodPost, "/votes", `{"value":"A"}`)

	stray, err := chain.NewRecord("B", "elsewhere")
	if err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(stray)
	if err != nil {
		t.Fatal(err)
	}
	payload := base64.StdEncoding.EncodeToString(data)

	req, _ := json.Marshal(map[string]string{"payload": payload})
	w := doJSON(t, router, http.MethodPost, "/tokens/verify", string(req))
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	if decodeBody(t, w)["verified"] != false {
		t.Errorf("stray token verified: %s", w.Body.String())
	}
}

func TestVerifyTokenEndpoint_malformedIsBadRequest(t *testing.T) {
	router, _ := newChainRouter(t)

	w := doJSON(t, router, http.MethodPost, "/tokens/verify", `{"payload":"!!garbage!!"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", w.Code)
	}
}
