package xrpl

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

type rpcCall struct {
	Method string           `json:"method"`
	Params []map[string]any `json:"params"`
}

// fakeNode records every JSON-RPC call and answers from a canned method map.
func fakeNode(t *testing.T, answers map[string]string, calls *[]rpcCall) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var call rpcCall
		if err := json.NewDecoder(r.Body).Decode(&call); err != nil {
			t.Errorf("decode request: %v", err)
		}
		*calls = append(*calls, call)
		answer, ok := answers[call.Method]
		if !ok {
			answer = `{"result":{"status":"error","error":"unknownCmd"}}`
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(answer))
	}))
}

func TestWalletPropose(t *testing.T) {
	var calls []rpcCall
	srv := fakeNode(t, map[string]string{
		"wallet_propose": `{"result":{"status":"success","account_id":"rHb9CJAWyB4rj91VRWn96DkukG4bwdtyTh","master_seed":"snoPBrXtMeMyMHUVTgbuqAfg1SUTb"}}`,
	}, &calls)
	defer srv.Close()

	client := NewClient(srv.URL, zap.NewNop())
	wallet, err := client.WalletPropose(context.Background())
	if err != nil {
		t.Fatalf("WalletPropose: %v", err)
	}
	if wallet.Address != "rHb9CJAWyB4rj91VRWn96DkukG4bwdtyTh" {
		t.Fatalf("address = %q", wallet.Address)
	}
	if wallet.Seed != "snoPBrXtMeMyMHUVTgbuqAfg1SUTb" {
		t.Fatalf("seed = %q", wallet.Seed)
	}
}

func TestSendIOUSubmitsPayment(t *testing.T) {
	var calls []rpcCall
	srv := fakeNode(t, map[string]string{
		"submit": `{"result":{"status":"success","engine_result":"tesSUCCESS","engine_result_message":"The transaction was applied.","tx_json":{"hash":"ABC123"}}}`,
	}, &calls)
	defer srv.Close()

	client := NewClient(srv.URL, zap.NewNop())
	hash, err := client.SendIOU(context.Background(), "sSeed", "rFrom", "rTo", IssuedAmount{
		Currency: "USD",
		Issuer:   "rIssuer",
		Value:    "300.000000",
	})
	if err != nil {
		t.Fatalf("SendIOU: %v", err)
	}
	if hash != "ABC123" {
		t.Fatalf("hash = %q", hash)
	}

	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	params := calls[0].Params[0]
	if params["secret"] != "sSeed" {
		t.Fatalf("secret = %v", params["secret"])
	}
	tx := params["tx_json"].(map[string]any)
	if tx["TransactionType"] != "Payment" || tx["Account"] != "rFrom" || tx["Destination"] != "rTo" {
		t.Fatalf("unexpected tx_json: %v", tx)
	}
	amount := tx["Amount"].(map[string]any)
	if amount["value"] != "300.000000" || amount["currency"] != "USD" {
		t.Fatalf("unexpected amount: %v", amount)
	}
}

func TestSubmitRejectsNonSuccessEngineResult(t *testing.T) {
	var calls []rpcCall
	srv := fakeNode(t, map[string]string{
		"submit": `{"result":{"status":"success","engine_result":"tecPATH_DRY","engine_result_message":"Path could not send partial amount."}}`,
	}, &calls)
	defer srv.Close()

	client := NewClient(srv.URL, zap.NewNop())
	_, err := client.SendIOU(context.Background(), "s", "rA", "rB", IssuedAmount{Currency: "USD", Issuer: "rI", Value: "1"})
	if err == nil {
		t.Fatal("expected error on tecPATH_DRY")
	}
}

func TestCallSurfacesNodeError(t *testing.T) {
	var calls []rpcCall
	srv := fakeNode(t, map[string]string{
		"account_lines": `{"result":{"status":"error","error":"actNotFound","error_message":"Account not found."}}`,
	}, &calls)
	defer srv.Close()

	client := NewClient(srv.URL, zap.NewNop())
	_, err := client.IOUBalance(context.Background(), "rMissing", "USD", "rIssuer")
	if err == nil {
		t.Fatal("expected error for missing account")
	}
}

func TestIOUBalance(t *testing.T) {
	var calls []rpcCall
	srv := fakeNode(t, map[string]string{
		"account_lines": `{"result":{"status":"success","lines":[
			{"account":"rIssuer","currency":"EUR","balance":"5"},
			{"account":"rIssuer","currency":"USD","balance":"1000.5"}
		]}}`,
	}, &calls)
	defer srv.Close()

	client := NewClient(srv.URL, zap.NewNop())
	balance, err := client.IOUBalance(context.Background(), "rAccount", "USD", "rIssuer")
	if err != nil {
		t.Fatalf("IOUBalance: %v", err)
	}
	if balance != 1000.5 {
		t.Fatalf("balance = %v, want 1000.5", balance)
	}
}

func TestIOUBalanceNoTrustline(t *testing.T) {
	var calls []rpcCall
	srv := fakeNode(t, map[string]string{
		"account_lines": `{"result":{"status":"success","lines":[]}}`,
	}, &calls)
	defer srv.Close()

	client := NewClient(srv.URL, zap.NewNop())
	balance, err := client.IOUBalance(context.Background(), "rAccount", "USD", "rIssuer")
	if err != nil {
		t.Fatalf("IOUBalance: %v", err)
	}
	if balance != 0 {
		t.Fatalf("balance = %v, want 0", balance)
	}
}

func TestMintNFTHexEncodesURI(t *testing.T) {
	var calls []rpcCall
	srv := fakeNode(t, map[string]string{
		"submit": `{"result":{"status":"success","engine_result":"tesSUCCESS","tx_json":{"hash":"MINTHASH"}}}`,
	}, &calls)
	defer srv.Close()

	client := NewClient(srv.URL, zap.NewNop())
	uri := "https://api.example.com/deals/42/metadata"
	hash, err := client.MintNFT(context.Background(), "sSeed", "rVault", uri)
	if err != nil {
		t.Fatalf("MintNFT: %v", err)
	}
	if hash != "MINTHASH" {
		t.Fatalf("hash = %q", hash)
	}

	tx := calls[0].Params[0]["tx_json"].(map[string]any)
	if tx["TransactionType"] != "NFTokenMint" {
		t.Fatalf("type = %v", tx["TransactionType"])
	}
	if tx["URI"] != hex.EncodeToString([]byte(uri)) {
		t.Fatalf("URI = %v", tx["URI"])
	}
}
