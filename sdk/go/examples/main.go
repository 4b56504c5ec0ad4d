package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"AgentCustody/sdk/go/custody"
)

// 本示例启动一个模拟的托管服务端，演示 SDK 的典型调用顺序：
// 提交支出提案、轮询终态、查询账户额度与托管池状态。
func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/proposals", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(custody.Proposal{
			ID:        "prop-demo",
			AccountID: "agent-demo",
			Status:    "pending",
			CreatedAt: time.Now().Unix(),
		})
	})
	mux.HandleFunc("GET /api/v1/proposals/prop-demo", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(custody.Proposal{
			ID:        "prop-demo",
			AccountID: "agent-demo",
			Status:    "executed",
			Record: &custody.ExecutionRecord{
				SpendAmount: "25",
				Remaining:   "75",
				TxHashes:    "0xabc",
				DecidedAt:   time.Now().Unix(),
			},
		})
	})
	mux.HandleFunc("GET /api/v1/accounts/agent-demo", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(custody.Account{
			ID:             "agent-demo",
			SpentToday:     "25",
			RemainingToday: "75",
		})
	})
	mux.HandleFunc("GET /api/v1/vaults/agent-demo", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(custody.Vault{
			AgentID:       "agent-demo",
			TotalAssets:   "1000",
			TotalShares:   "1000",
			PullRemaining: "50",
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := custody.NewClient(srv.URL, srv.Client())
	client.SetCallerKey("demo-key")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	submitted, err := client.SubmitProposal(ctx, custody.ProposalSubmission{
		AccountID: "agent-demo",
		Operations: []custody.Operation{{
			Target: common.HexToAddress("0x5000"),
			Instruction: custody.Instruction{
				Kind:   "transfer",
				Token:  common.HexToAddress("0x6000"),
				To:     common.HexToAddress("0x7000"),
				Amount: big.NewInt(25),
			},
		}},
		Signature: []byte{0x01},
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("submitted proposal %s (%s)\n", submitted.ID, submitted.Status)

	final, err := client.WaitForProposal(ctx, submitted.ID, 100*time.Millisecond)
	if err != nil {
		panic(err)
	}
	fmt.Printf("proposal %s finished: %s, spent %s, remaining %s\n",
		final.ID, final.Status, final.Record.SpendAmount, final.Record.Remaining)

	acct, err := client.GetAccount(ctx, "agent-demo")
	if err != nil {
		panic(err)
	}
	fmt.Printf("account quota: spent %s, remaining %s\n", acct.SpentToday, acct.RemainingToday)

	vaultView, err := client.GetVault(ctx, "agent-demo", common.Address{})
	if err != nil {
		panic(err)
	}
	fmt.Printf("vault: assets %s, shares %s, pull budget %s\n",
		vaultView.TotalAssets, vaultView.TotalShares, vaultView.PullRemaining)
}
