package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/OFFIS-RIT/kiwi/curator/internal/queue"
	"github.com/OFFIS-RIT/kiwi/curator/pkg/common"
	"github.com/OFFIS-RIT/kiwi/curator/pkg/store/memory"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("test-secret")

type fakePublisher struct {
	mu   sync.Mutex
	keys []string
	body [][]byte
}

func (f *fakePublisher) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp091.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	f.body = append(f.body, msg.Body)
	return nil
}

func hmacKeyfunc(t *jwt.Token) (any, error) {
	return secret, nil
}

func token(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)
	return s
}

func do(t *testing.T, p Params, path, bearer, body string) *httptest.ResponseRecorder {
	t.Helper()
	e := New(p)
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestPostStateWithAgentToken(t *testing.T) {
	pub := &fakePublisher{}
	p := Params{Publisher: pub, Keyfunc: hmacKeyfunc}
	tok := token(t, jwt.MapClaims{"sub": "a1", "exp": time.Now().Add(time.Hour).Unix()})

	rec := do(t, p, "/v1/states", tok, `{"agent_id": "a1", "summary": "Widget costs 10", "metadata": {"region": "eu"}}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	require.Len(t, pub.keys, 1)
	assert.Equal(t, queue.StatesQueue, pub.keys[0])
	var s common.ConsolidatedState
	require.NoError(t, json.Unmarshal(pub.body[0], &s))
	assert.Equal(t, "a1", s.AgentID)
	assert.Equal(t, "eu", s.Metadata["region"])
	assert.False(t, s.ProducedAt.IsZero())
}

func TestPostStateRejects(t *testing.T) {
	agentToken := token(t, jwt.MapClaims{"agent_id": "a1"})
	cases := []struct {
		name   string
		bearer string
		body   string
		want   int
	}{
		{"no token", "", `{"agent_id": "a1", "summary": "s"}`, http.StatusUnauthorized},
		{"bad token", "garbage", `{"agent_id": "a1", "summary": "s"}`, http.StatusUnauthorized},
		{"missing summary", agentToken, `{"agent_id": "a1"}`, http.StatusBadRequest},
		{"other agent", agentToken, `{"agent_id": "a2", "summary": "s"}`, http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pub := &fakePublisher{}
			rec := do(t, Params{Publisher: pub, Keyfunc: hmacKeyfunc}, "/v1/states", tc.bearer, tc.body)
			assert.Equal(t, tc.want, rec.Code)
			assert.Empty(t, pub.keys)
		})
	}
}

func TestPostStatesBatchWithMasterKey(t *testing.T) {
	pub := &fakePublisher{}
	p := Params{Publisher: pub, MasterAPIKey: "master", StatesQueue: "states"}

	rec := do(t, p, "/v1/states/batch", "master",
		`{"states": [{"agent_id": "a1", "summary": "one"}, {"agent_id": "a2", "summary": "two"}]}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, []string{"states", "states"}, pub.keys)

	rec = do(t, p, "/v1/states/batch", "master", `{"states": [{"agent_id": "a1"}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminStatus(t *testing.T) {
	reg := prometheus.NewRegistry()
	e := NewAdmin(AdminParams{
		Status:   func() any { return map[string]int{"queue_depth": 3} },
		Gatherer: reg,
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"queue_depth": 3}`, rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminProvenanceRoutes(t *testing.T) {
	ctx := context.Background()
	g := memory.New()
	tx, err := g.BeginWrite(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.UpsertEntity(ctx, common.Entity{ID: "widget", Type: "PRODUCT", Name: "Widget"}))
	require.NoError(t, tx.UpsertEntity(ctx, common.Entity{ID: "p12", Type: "PRICE", Name: "12 EUR"}))
	_, err = tx.InsertRelationship(ctx, common.Relationship{ID: "r1", SourceID: "widget", TargetID: "p12", Predicate: "HAS_PRICE"})
	require.NoError(t, err)
	_, err = tx.InsertSuperseded(ctx, common.SupersededFact{
		Triple:       common.Triple{Subject: "widget", Predicate: "HAS_PRICE", Object: "p15"},
		WinnerObject: "p12",
		Strategy:     common.StrategySemanticVote,
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	e := NewAdmin(AdminParams{Gatherer: prometheus.NewRegistry(), Graph: g})
	get := func(target string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		return rec
	}

	rec := get("/v1/entities/widget")
	require.Equal(t, http.StatusOK, rec.Code)
	var ent struct {
		Entity        common.Entity         `json:"entity"`
		Relationships []common.Relationship `json:"relationships"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ent))
	assert.Equal(t, "Widget", ent.Entity.Name)
	require.Len(t, ent.Relationships, 1)
	assert.Equal(t, "p12", ent.Relationships[0].TargetID)

	assert.Equal(t, http.StatusNotFound, get("/v1/entities/ghost").Code)

	rec = get("/v1/superseded?subject=widget&predicate=HAS_PRICE")
	require.Equal(t, http.StatusOK, rec.Code)
	var sup []common.SupersededFact
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sup))
	require.Len(t, sup, 1)
	assert.Equal(t, "p15", sup[0].Triple.Object)
	assert.Equal(t, "p12", sup[0].WinnerObject)

	rec = get("/v1/superseded?subject=widget&predicate=LOCATED_IN")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	assert.Equal(t, http.StatusBadRequest, get("/v1/superseded").Code)
}

func TestAdminWithoutGraphHidesProvenance(t *testing.T) {
	e := NewAdmin(AdminParams{Gatherer: prometheus.NewRegistry()})
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/superseded?subject=w", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
