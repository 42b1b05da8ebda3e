package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"GuardSign-Chain/sdk/go/guardsign"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auth/token", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(guardsign.Token{
			AccessToken: "demo-token",
			ExpiresIn:   3600,
			TokenType:   "Bearer",
		})
	})
	mux.HandleFunc("/api/v1/transactions", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			_ = json.NewEncoder(w).Encode(guardsign.Outcome{
				Status: "ok",
				Transaction: &guardsign.Transaction{
					ID:          "txn-demo",
					IdentityID:  "agent-demo",
					Chain:       "base",
					Status:      "broadcast",
					TxHash:      "0xabc",
					ExplorerURL: "https://basescan.org/tx/0xabc",
				},
			})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/transactions/txn-demo", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(guardsign.Transaction{
			ID:          "txn-demo",
			IdentityID:  "agent-demo",
			Chain:       "base",
			Status:      "confirmed",
			TxHash:      "0xabc",
			BlockNumber: 123456,
			GasUsed:     21000,
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := guardsign.NewClient(srv.URL, srv.Client())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	token, err := client.Authenticate(ctx, guardsign.Credentials{Username: "demo", Password: "secret"})
	if err != nil {
		panic(err)
	}
	fmt.Printf("authenticated with token %s\n", token.AccessToken)

	outcome, err := client.SubmitTransaction(ctx, guardsign.TransactionIntent{
		IdentityID: "agent-demo",
		Chain:      "base",
		To:         "0x7C3aED4f1b3E2a9Cc5D5909fA7F2da01b4A0d9aa",
		Value:      "0.01",
		Memo:       "demo transfer",
	})
	if err != nil {
		panic(err)
	}
	if outcome.Blocked() {
		fmt.Printf("blocked by rule %s: %s\n", outcome.Rule, outcome.Reason)
		return
	}
	fmt.Printf("submitted transaction %s (status=%s)\n", outcome.Transaction.ID, outcome.Transaction.Status)

	record, err := client.GetTransaction(ctx, outcome.Transaction.ID)
	if err != nil {
		panic(err)
	}
	fmt.Printf("transaction %s status=%s block=%d\n", record.ID, record.Status, record.BlockNumber)
}
