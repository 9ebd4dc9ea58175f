package service

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworld/agentworld/src/common"
	"github.com/agentworld/agentworld/src/consensus"
	"github.com/agentworld/agentworld/src/crypto/keys"
	"github.com/agentworld/agentworld/src/gossip"
	"github.com/agentworld/agentworld/src/kernel"
	"github.com/agentworld/agentworld/src/node"
)

func newTestService(t *testing.T) (*Service, *node.Node) {
	root, err := keys.FromSeedHex(strings.Repeat("0", 62) + "7f")
	require.NoError(t, err)

	conf := node.DefaultConfig("node-a", "w1")
	conf.Consensus.Validators = []consensus.Validator{{ID: "node-a", Stake: 100}}
	conf.Consensus.AutoAttestAllValidators = true

	hub := gossip.NewInmemHub()
	n, err := node.NewNode(conf, root, hub.Join("node-a"), nil, nil, common.NewTestEntry(t, "node"))
	require.NoError(t, err)

	require.NoError(t, n.SubmitAction(kernel.Action{
		Kind:             kernel.KindRegisterLocation,
		RegisterLocation: &kernel.RegisterLocation{LocationID: "origin"},
	}))
	require.NoError(t, n.SubmitAction(kernel.Action{
		Kind: kernel.KindRegisterAgent,
		RegisterAgent: &kernel.RegisterAgent{
			AgentID:         "scout",
			LocationID:      "origin",
			InitialBalances: map[string]int64{kernel.Electricity: 10},
		},
	}))
	require.NoError(t, n.Tick(1000))

	return NewService("127.0.0.1:0", n, common.NewTestEntry(t, "service")), n
}

func doRequest(t *testing.T, s *Service, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestService(t)

	rec := doRequest(t, s, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "close", rec.Header().Get("Connection"))
	assert.Equal(t, strconv.Itoa(rec.Body.Len()), rec.Header().Get("Content-Length"))
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
}

func TestStatusEndpoint(t *testing.T) {
	s, _ := newTestService(t)

	rec := doRequest(t, s, http.MethodGet, "/v1/chain/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var status node.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "node-a", status.NodeID)
	assert.Equal(t, "w1", status.WorldID)
	assert.Equal(t, uint64(1), status.Consensus.CommittedHeight)
	assert.Equal(t, uint64(1), status.TickCount)
}

func TestBalancesEndpoint(t *testing.T) {
	s, _ := newTestService(t)

	rec := doRequest(t, s, http.MethodGet, "/v1/chain/balances")
	require.Equal(t, http.StatusOK, rec.Code)

	var balances node.Balances
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &balances))
	assert.Equal(t, "w1", balances.WorldID)
	assert.Equal(t, int64(10), balances.Resources["scout|electricity"])

	rec = doRequest(t, s, http.MethodGet, "/v1/chain/balances?recent=bogus")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMethodAndPathContract(t *testing.T) {
	s, _ := newTestService(t)

	rec := doRequest(t, s, http.MethodPost, "/v1/chain/status")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "GET, HEAD", rec.Header().Get("Allow"))

	rec = doRequest(t, s, http.MethodGet, "/v1/chain/unknown")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// HEAD carries headers but no body.
	req := httptest.NewRequest(http.MethodHead, "/healthz", nil)
	recorder := httptest.NewRecorder()
	s.Handler().ServeHTTP(recorder, req)
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.NotEmpty(t, recorder.Header().Get("Content-Length"))
}
