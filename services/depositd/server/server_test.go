package server

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"vaultgate/services/depositd/ledger"
	"vaultgate/services/depositd/storage"
	"vaultgate/services/depositd/sweep"
	"vaultgate/services/depositd/wallet"
)

type staticDepths []int

func (d staticDepths) Depths() []int { return d }

func newTestServer(t *testing.T) (*Server, *storage.Storage) {
	t.Helper()
	store, err := storage.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	sweeper, err := sweep.New(store, wallet.SignerFuncs{},
		ledger.NewMemory(nil, "0x00000000000000000000000000000000000000dd"),
		sweep.Options{}, nil)
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	auth, err := NewAuthenticator("secret")
	if err != nil {
		t.Fatalf("new authenticator: %v", err)
	}
	srv, err := New(Config{ListenAddress: "127.0.0.1:0"}, store, staticDepths{1, 0}, sweeper, auth, nil)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return srv, store
}

func request(t *testing.T, handler http.Handler, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthUnauthenticated(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := request(t, srv.Handler(), http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}
}

func TestAdminRequiresToken(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Handler()
	if rec := request(t, handler, http.MethodGet, "/admin/status", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token status = %d, want 401", rec.Code)
	}
	if rec := request(t, handler, http.MethodGet, "/admin/status", "wrong"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token status = %d, want 401", rec.Code)
	}
	if rec := request(t, handler, http.MethodGet, "/admin/status", "secret"); rec.Code != http.StatusOK {
		t.Fatalf("valid token status = %d, want 200", rec.Code)
	}
}

func TestStatusReportsCounts(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()
	if _, err := store.InsertEvents(ctx, []storage.Event{{
		TxID:        "0x01",
		FromAddress: "0x00000000000000000000000000000000000000cc",
		ToAddress:   "0x00000000000000000000000000000000000000aa",
		Amount:      big.NewInt(5_000000),
		BlockNumber: 1,
		BlockTime:   time.Now().UTC(),
		ObservedAt:  time.Now().UTC(),
	}}); err != nil {
		t.Fatalf("insert event: %v", err)
	}

	rec := request(t, srv.Handler(), http.MethodGet, "/admin/status", "secret")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Unidentified int   `json:"unidentified_deposits"`
		Paused       bool  `json:"sweeps_paused"`
		Depths       []int `json:"queue_depths"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if body.Unidentified != 1 {
		t.Fatalf("unidentified = %d, want 1", body.Unidentified)
	}
	if len(body.Depths) != 2 || body.Depths[0] != 1 {
		t.Fatalf("queue depths = %v", body.Depths)
	}
}

func TestUnidentifiedListing(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()
	if _, err := store.InsertEvents(ctx, []storage.Event{{
		TxID:        "0x02",
		FromAddress: "0x00000000000000000000000000000000000000cc",
		ToAddress:   "0x00000000000000000000000000000000000000aa",
		Amount:      big.NewInt(7_500000),
		BlockNumber: 2,
		BlockTime:   time.Now().UTC(),
		ObservedAt:  time.Now().UTC(),
	}}); err != nil {
		t.Fatalf("insert event: %v", err)
	}

	rec := request(t, srv.Handler(), http.MethodGet, "/admin/deposits/unidentified", "secret")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Deposits []struct {
			TxID   string `json:"tx_id"`
			Amount string `json:"amount"`
		} `json:"deposits"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode listing: %v", err)
	}
	if len(body.Deposits) != 1 || body.Deposits[0].TxID != "0x02" || body.Deposits[0].Amount != "7500000" {
		t.Fatalf("listing = %+v", body.Deposits)
	}
}

func TestSweepPauseResume(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Handler()

	if rec := request(t, handler, http.MethodPost, "/admin/sweeps/pause", "secret"); rec.Code != http.StatusNoContent {
		t.Fatalf("pause status = %d", rec.Code)
	}
	if !srv.sweeper.Paused() {
		t.Fatal("sweeper should be paused")
	}
	if rec := request(t, handler, http.MethodPost, "/admin/sweeps/resume", "secret"); rec.Code != http.StatusNoContent {
		t.Fatalf("resume status = %d", rec.Code)
	}
	if srv.sweeper.Paused() {
		t.Fatal("sweeper should be resumed")
	}
	// Pause requires POST.
	if rec := request(t, handler, http.MethodGet, "/admin/sweeps/pause", "secret"); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET pause status = %d, want 405", rec.Code)
	}
}

func TestSweepRetryEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := request(t, srv.Handler(), http.MethodPost, "/admin/sweeps/retry", "secret")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("retry status = %d, want 202", rec.Code)
	}
}
