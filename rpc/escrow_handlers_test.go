package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"escrowd/core/events"
	"escrowd/crypto"
	"escrowd/escrow"
	"escrowd/state"
	"escrowd/storage"
)

const testToken = "test-token"

type testEnv struct {
	server  *httptest.Server
	manager *state.Manager
	buyer   crypto.Address
	seller  crypto.Address
	arbiter crypto.Address
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	manager := state.NewManager(storage.NewMemDB())
	engine := escrow.NewEngine(manager)
	recorder := events.NewRecorder(256)
	engine.SetEmitter(recorder)

	env := &testEnv{
		manager: manager,
		buyer:   crypto.MustAddressFromBytes(bytes.Repeat([]byte{0x01}, crypto.AddressLength)),
		seller:  crypto.MustAddressFromBytes(bytes.Repeat([]byte{0x02}, crypto.AddressLength)),
		arbiter: crypto.MustAddressFromBytes(bytes.Repeat([]byte{0x03}, crypto.AddressLength)),
	}
	if err := manager.Credit(env.buyer, big.NewInt(100)); err != nil {
		t.Fatalf("credit buyer: %v", err)
	}
	srv := NewServer(engine, recorder, testToken, nil)
	env.server = httptest.NewServer(srv.Handler())
	t.Cleanup(env.server.Close)
	return env
}

func (env *testEnv) call(t *testing.T, token, method string, params interface{}) (*http.Response, RPCResponse) {
	t.Helper()
	var rawParams []json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			t.Fatalf("marshal params: %v", err)
		}
		rawParams = []json.RawMessage{encoded}
	}
	payload, err := json.Marshal(RPCRequest{JSONRPC: jsonRPCVersion, Method: method, Params: rawParams, ID: 1})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, env.server.URL, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	var rpcResp RPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, rpcResp
}

func (env *testEnv) createLedger(t *testing.T, amount string) string {
	t.Helper()
	_, rpcResp := env.call(t, testToken, "escrow_create", escrowCreateParams{
		Buyer:   env.buyer.String(),
		Seller:  env.seller.String(),
		Arbiter: env.arbiter.String(),
		Amount:  amount,
	})
	if rpcResp.Error != nil {
		t.Fatalf("create: %+v", rpcResp.Error)
	}
	var result escrowJSON
	mustDecodeResult(t, rpcResp, &result)
	return result.ID
}

func mustDecodeResult(t *testing.T, resp RPCResponse, out interface{}) {
	t.Helper()
	raw, err := json.Marshal(resp.Result)
	if err != nil {
		t.Fatalf("re-marshal result: %v", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		t.Fatalf("decode result: %v", err)
	}
}

func TestCreateRequiresAuth(t *testing.T) {
	env := newTestEnv(t)
	resp, rpcResp := env.call(t, "", "escrow_create", escrowCreateParams{
		Buyer:   env.buyer.String(),
		Seller:  env.seller.String(),
		Arbiter: env.arbiter.String(),
		Amount:  "10",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if rpcResp.Error == nil || rpcResp.Error.Code != codeUnauthorized {
		t.Fatalf("expected unauthorized error, got %+v", rpcResp.Error)
	}
}

func TestCreateAndGet(t *testing.T) {
	env := newTestEnv(t)
	id := env.createLedger(t, "40")

	_, rpcResp := env.call(t, "", "escrow_get", escrowIDParams{ID: id})
	if rpcResp.Error != nil {
		t.Fatalf("get: %+v", rpcResp.Error)
	}
	var result escrowJSON
	mustDecodeResult(t, rpcResp, &result)
	if result.Disposition != "open" || result.Resolved {
		t.Fatalf("unexpected snapshot %+v", result)
	}
	if result.Amount != "40" || result.Buyer != env.buyer.String() {
		t.Fatalf("unexpected snapshot %+v", result)
	}
}

func TestApproveFlow(t *testing.T) {
	env := newTestEnv(t)
	id := env.createLedger(t, "10")

	_, rpcResp := env.call(t, testToken, "escrow_approve", escrowActorParams{ID: id, Caller: env.buyer.String()})
	if rpcResp.Error != nil {
		t.Fatalf("approve: %+v", rpcResp.Error)
	}
	var result escrowJSON
	mustDecodeResult(t, rpcResp, &result)
	if !result.Resolved || !result.Approved {
		t.Fatalf("expected resolved+approved, got %+v", result)
	}

	_, rpcResp = env.call(t, "", "escrow_balance", escrowBalanceParams{Address: env.seller.String()})
	if rpcResp.Error != nil {
		t.Fatalf("balance: %+v", rpcResp.Error)
	}
	var balance escrowBalanceResult
	mustDecodeResult(t, rpcResp, &balance)
	if balance.Balance != "10" {
		t.Fatalf("seller balance: expected 10, got %s", balance.Balance)
	}
}

func TestApproveByStrangerIsForbidden(t *testing.T) {
	env := newTestEnv(t)
	id := env.createLedger(t, "10")

	resp, rpcResp := env.call(t, testToken, "escrow_approve", escrowActorParams{ID: id, Caller: env.seller.String()})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
	if rpcResp.Error == nil || rpcResp.Error.Code != codeEscrowForbidden {
		t.Fatalf("expected forbidden error, got %+v", rpcResp.Error)
	}
}

func TestDisputeAndResolveFlow(t *testing.T) {
	env := newTestEnv(t)
	id := env.createLedger(t, "5")

	_, rpcResp := env.call(t, testToken, "escrow_dispute", escrowActorParams{ID: id, Caller: env.buyer.String()})
	if rpcResp.Error != nil {
		t.Fatalf("dispute: %+v", rpcResp.Error)
	}
	_, rpcResp = env.call(t, testToken, "escrow_resolve", escrowResolveParams{
		ID:        id,
		Caller:    env.arbiter.String(),
		Recipient: env.buyer.String(),
	})
	if rpcResp.Error != nil {
		t.Fatalf("resolve: %+v", rpcResp.Error)
	}
	var result escrowJSON
	mustDecodeResult(t, rpcResp, &result)
	if !result.Resolved || result.Approved {
		t.Fatalf("expected arbitrated resolution, got %+v", result)
	}
}

func TestResolveWithoutDisputeConflicts(t *testing.T) {
	env := newTestEnv(t)
	id := env.createLedger(t, "5")

	resp, rpcResp := env.call(t, testToken, "escrow_resolve", escrowResolveParams{
		ID:        id,
		Caller:    env.arbiter.String(),
		Recipient: env.seller.String(),
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
	if rpcResp.Error == nil || rpcResp.Error.Code != codeEscrowConflict {
		t.Fatalf("expected conflict error, got %+v", rpcResp.Error)
	}
}

func TestRefundAfterResolveConflicts(t *testing.T) {
	env := newTestEnv(t)
	id := env.createLedger(t, "3")

	_, rpcResp := env.call(t, testToken, "escrow_refund", escrowActorParams{ID: id, Caller: env.buyer.String()})
	if rpcResp.Error != nil {
		t.Fatalf("refund: %+v", rpcResp.Error)
	}
	resp, rpcResp := env.call(t, testToken, "escrow_refund", escrowActorParams{ID: id, Caller: env.buyer.String()})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
	if rpcResp.Error == nil {
		t.Fatal("expected conflict error")
	}
}

func TestGetUnknownLedger(t *testing.T) {
	env := newTestEnv(t)
	resp, rpcResp := env.call(t, "", "escrow_get", escrowIDParams{ID: fmt.Sprintf("0x%064x", 1)})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	if rpcResp.Error == nil || rpcResp.Error.Code != codeEscrowNotFound {
		t.Fatalf("expected not found error, got %+v", rpcResp.Error)
	}
}

func TestEventsQuery(t *testing.T) {
	env := newTestEnv(t)
	id := env.createLedger(t, "2")
	_, rpcResp := env.call(t, testToken, "escrow_approve", escrowActorParams{ID: id, Caller: env.buyer.String()})
	if rpcResp.Error != nil {
		t.Fatalf("approve: %+v", rpcResp.Error)
	}

	_, rpcResp = env.call(t, "", "escrow_events", escrowEventsParams{})
	if rpcResp.Error != nil {
		t.Fatalf("events: %+v", rpcResp.Error)
	}
	var recorded []events.Recorded
	mustDecodeResult(t, rpcResp, &recorded)
	if len(recorded) != 2 {
		t.Fatalf("expected 2 events, got %d", len(recorded))
	}
	if recorded[0].Type != escrow.EventTypeDeposited || recorded[1].Type != escrow.EventTypeApproved {
		t.Fatalf("unexpected event kinds %v", recorded)
	}

	_, rpcResp = env.call(t, "", "escrow_events", escrowEventsParams{Cursor: 1})
	var tail []events.Recorded
	mustDecodeResult(t, rpcResp, &tail)
	if len(tail) != 1 || tail[0].Type != escrow.EventTypeApproved {
		t.Fatalf("cursor query mismatch %v", tail)
	}
}

func TestMethodNotFound(t *testing.T) {
	env := newTestEnv(t)
	resp, rpcResp := env.call(t, "", "escrow_unknown", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	if rpcResp.Error == nil || rpcResp.Error.Code != codeMethodNotFound {
		t.Fatalf("expected method not found, got %+v", rpcResp.Error)
	}
}
