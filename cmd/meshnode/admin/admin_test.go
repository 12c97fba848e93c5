package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praxisworks/meshflow/cmd/meshnode/joiner"
	"github.com/praxisworks/meshflow/cmd/meshnode/scheduler"
	"github.com/praxisworks/meshflow/common/capture"
	"github.com/praxisworks/meshflow/common/logger"
	"github.com/praxisworks/meshflow/common/payload"
	"github.com/praxisworks/meshflow/common/rulebase"
	"github.com/praxisworks/meshflow/common/token"
)

const adminFacts = `
activeService(merge, consolidate, 127.0.0.1, 20107).
nodeType(merge, consolidate, join).
canonicalBinding(consolidate, report, vitals).
`

func promoted(t *testing.T, store *rulebase.Store, version token.Version) {
	t.Helper()
	f := &rulebase.Fragment{RuleBaseVersion: string(version), FragmentID: "1", TotalFragments: "1", Content: adminFacts}
	_, err := store.Stage(f)
	require.NoError(t, err)
	_, err = store.Promote(version)
	require.NoError(t, err)
}

func newServer(t *testing.T) (*Server, Components) {
	t.Helper()
	log := logger.New("error", "text")

	store := rulebase.NewStore()
	promoted(t, store, "v005")
	promoted(t, store, "v006")

	sink := capture.NewSink(capture.Nop{}, 16, log)
	t.Cleanup(func() { sink.Close() })

	sched := scheduler.New(100, log)
	joins := joiner.New("merge", "consolidate", 0, sched, sink, log)

	c := Components{
		Node:   "merge/consolidate",
		Store:  store,
		Engine: rulebase.NewEngine(store),
		Sched:  sched,
		Joins:  joins,
		Sink:   sink,
	}
	return New(c, log), c
}

func get(t *testing.T, srv *Server, path string) (int, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec.Code, body
}

func TestHealthz(t *testing.T) {
	srv, _ := newServer(t)

	code, body := get(t, srv, "/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "merge/consolidate", body["node"])
}

func TestStatusReportsQueueAndJoins(t *testing.T) {
	srv, c := newServer(t)

	for _, tok := range []*token.Token{
		{ID: 5001000, Version: "v005", Base: 5000000, Service: "merge", Operation: "consolidate", Attrs: map[string]string{}, NotAfter: map[string]time.Time{}},
		{ID: 6001000, Version: "v006", Base: 6000000, Service: "merge", Operation: "consolidate", Attrs: map[string]string{}, NotAfter: map[string]time.Time{}},
	} {
		require.NoError(t, c.Sched.Enqueue(&scheduler.Entry{Token: tok, Doc: payload.New(tok, time.Now()), Admitted: time.Now()}))
	}

	childID, err := token.ChildID(5002000, 2, 1)
	require.NoError(t, err)
	require.NoError(t, c.Joins.Observe(&token.Token{
		ID:        childID,
		Version:   "v005",
		Base:      5000000,
		Service:   "merge",
		Operation: "consolidate",
		Attrs:     map[string]string{"vitals": "stable"},
		NotAfter:  map[string]time.Time{},
	}))

	code, body := get(t, srv, "/status")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "merge/consolidate", body["node"])
	assert.EqualValues(t, 1, body["joins_pending"])

	queue, ok := body["queue"].(map[string]interface{})
	require.True(t, ok, "queue section missing: %v", body)
	assert.EqualValues(t, 2, queue["depth"])
	assert.EqualValues(t, 2, queue["peak"])
}

func TestVersionsListsActiveAndStaged(t *testing.T) {
	srv, c := newServer(t)

	// A half-delivered rule base stays staged until its last fragment lands.
	_, err := c.Store.Stage(&rulebase.Fragment{RuleBaseVersion: "v007", FragmentID: "1", TotalFragments: "2", Content: adminFacts})
	require.NoError(t, err)

	code, body := get(t, srv, "/versions")
	require.Equal(t, http.StatusOK, code)

	active, ok := body["active"].([]interface{})
	require.True(t, ok)
	assert.ElementsMatch(t, []interface{}{"v005", "v006"}, active)

	staged, ok := body["staged"].([]interface{})
	require.True(t, ok)
	require.Len(t, staged, 1)
	info := staged[0].(map[string]interface{})
	assert.Equal(t, "v007", info["version"])
	assert.EqualValues(t, 1, info["received"])
	assert.EqualValues(t, 2, info["total"])
}

func TestQueueReportsBands(t *testing.T) {
	srv, c := newServer(t)

	tok := &token.Token{ID: 6002000, Version: "v006", Base: 6000000, Service: "merge", Operation: "consolidate", Attrs: map[string]string{}, NotAfter: map[string]time.Time{}}
	require.NoError(t, c.Sched.Enqueue(&scheduler.Entry{Token: tok, Doc: payload.New(tok, time.Now()), Admitted: time.Now()}))

	code, body := get(t, srv, "/queue")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["depth"])

	bands, ok := body["bands"].([]interface{})
	require.True(t, ok)
	require.Len(t, bands, 1)
	band := bands[0].(map[string]interface{})
	assert.Equal(t, "v006", band["version"])
	assert.EqualValues(t, 1, band["depth"])
}

func TestJoinsListsWaitingRecords(t *testing.T) {
	srv, c := newServer(t)

	deadline := time.Now().Add(time.Hour)
	childID, err := token.ChildID(5003000, 3, 2)
	require.NoError(t, err)
	require.NoError(t, c.Joins.Observe(&token.Token{
		ID:        childID,
		Version:   "v005",
		Base:      5000000,
		Service:   "merge",
		Operation: "consolidate",
		Attrs:     map[string]string{"vitals": "stable"},
		NotAfter:  map[string]time.Time{"vitals": deadline},
	}))

	code, body := get(t, srv, "/joins")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["pending"])

	records, ok := body["records"].([]interface{})
	require.True(t, ok)
	require.Len(t, records, 1)
	rec := records[0].(map[string]interface{})
	assert.EqualValues(t, 5003000, rec["parent_id"])
	assert.EqualValues(t, 3, rec["expected"])
	assert.Len(t, rec["observed"].([]interface{}), 1)
}
