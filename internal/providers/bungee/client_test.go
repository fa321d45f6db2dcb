package bungee

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ggonzalez94/xbridge/internal/httpx"
	"github.com/ggonzalez94/xbridge/internal/id"
	"github.com/ggonzalez94/xbridge/internal/model"
	"github.com/ggonzalez94/xbridge/internal/providers"
)

const autoRouteBody = `{
	"success": true,
	"result": {
		"originChainId": 1,
		"destinationChainId": 8453,
		"autoRoute": {
			"quoteId": "bq-1",
			"estimatedTime": 10,
			"gasFee": {"feeInUsd": 0.00563382},
			"routeFee": {"feeInUsd": 0.02},
			"routeDetails": {"name": "Bungee Protocol", "logoURI": "https://example.com/bungee.svg"},
			"approvalData": {"spenderAddress": "0x3a23F943181408EAC424116Af7b7790c94Cb97a5", "tokenAddress": "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"},
			"output": {"amount": "995000", "token": {"decimals": 6}},
			"outputAmount": "999735",
			"userTxs": [{"stepType": "bridge", "bridgeRoutes": [{"usedBridgeNames": ["CCTP", "cctp"]}]}]
		}
	}
}`

func usdcRequest() providers.QuoteRequest {
	chainFrom, _ := id.ParseChain("ethereum")
	chainTo, _ := id.ParseChain("base")
	assetFrom, _ := id.ParseAsset("USDC", chainFrom)
	assetTo, _ := id.ParseAsset("USDC", chainTo)
	return providers.QuoteRequest{
		FromChain:       chainFrom,
		ToChain:         chainTo,
		FromAsset:       assetFrom,
		ToAsset:         assetTo,
		AmountBaseUnits: "1000000",
		AmountDecimal:   "1",
	}
}

func TestQuoteAutoRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Path; got != "/api/v1/bungee/quote" {
			t.Errorf("unexpected path: %s", got)
		}
		q := r.URL.Query()
		if q.Get("originChainId") != "1" || q.Get("destinationChainId") != "8453" {
			t.Errorf("unexpected chain ids: %s -> %s", q.Get("originChainId"), q.Get("destinationChainId"))
		}
		if q.Get("inputAmount") != "1000000" || q.Get("slippage") != "0.50" {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}
		if r.Header.Get("x-api-key") != "" {
			t.Errorf("expected public backend without api key header")
		}
		_, _ = w.Write([]byte(autoRouteBody))
	}))
	defer srv.Close()

	c := New(httpx.New(time.Second, 0), "", "").WithBaseURL(srv.URL + "/api/v1")
	got, err := c.Quote(context.Background(), usdcRequest())
	if err != nil {
		t.Fatalf("Quote failed: %v", err)
	}
	if got.ID() != "bungee:cctp" || got.BridgeName != "Bungee Protocol" || !got.Valid() {
		t.Fatalf("unexpected identity: %+v", got)
	}
	if got.ToAmount.AmountBaseUnits != "999735" {
		t.Fatalf("unexpected out amount: %s", got.ToAmount.AmountBaseUnits)
	}
	if got.GasFeeUSD != 0.00563382 || got.FeeUSD != 0.02 {
		t.Fatalf("unexpected fees: %v %v", got.GasFeeUSD, got.FeeUSD)
	}
	if got.DurationSec != 10 || got.QuoteKey != "bq-1" {
		t.Fatalf("unexpected duration/key: %d %s", got.DurationSec, got.QuoteKey)
	}
	if got.ApproveContract != "0x3a23F943181408EAC424116Af7b7790c94Cb97a5" {
		t.Fatalf("unexpected spender: %s", got.ApproveContract)
	}
	if got.Tx != nil {
		t.Fatalf("expected lazy bridge tx, got %+v", got.Tx)
	}
}

func TestQuoteDedicatedBackendHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "key" || r.Header.Get("affiliate") != "aff" {
			t.Errorf("missing dedicated headers: %v", r.Header)
		}
		_, _ = w.Write([]byte(autoRouteBody))
	}))
	defer srv.Close()

	c := New(httpx.New(time.Second, 0), "key", "aff").WithBaseURL(srv.URL)
	if _, err := c.Quote(context.Background(), usdcRequest()); err != nil {
		t.Fatalf("Quote failed: %v", err)
	}
}

func TestQuoteUnsuccessful(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success": false, "error": {"message": "no routes"}}`))
	}))
	defer srv.Close()

	c := New(httpx.New(time.Second, 0), "", "").WithBaseURL(srv.URL)
	_, err := c.Quote(context.Background(), usdcRequest())
	if err == nil || err.Error() != "no routes" {
		t.Fatalf("expected provider message, got %v", err)
	}
}

func TestBuildBridgeTx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bungee/build-tx" || r.URL.Query().Get("quoteId") != "bq-1" {
			t.Errorf("unexpected request: %s", r.URL.String())
		}
		_, _ = w.Write([]byte(`{"success": true, "result": {"txData": {"to": "0x3a23F943181408EAC424116Af7b7790c94Cb97a5", "data": "0xabcdef", "value": "0", "chainId": 1}}}`))
	}))
	defer srv.Close()

	c := New(httpx.New(time.Second, 0), "", "").WithBaseURL(srv.URL)
	req := usdcRequest()
	req.Sender = "0x00000000000000000000000000000000000000AA"
	tx, err := c.BuildBridgeTx(context.Background(), req, model.Quote{QuoteKey: "bq-1"})
	if err != nil {
		t.Fatalf("BuildBridgeTx failed: %v", err)
	}
	if tx.To != "0x3a23F943181408EAC424116Af7b7790c94Cb97a5" || tx.Data != "0xabcdef" || tx.ChainID != 1 || tx.From != req.Sender {
		t.Fatalf("unexpected tx: %+v", tx)
	}

	if _, err := c.BuildBridgeTx(context.Background(), req, model.Quote{}); err == nil {
		t.Fatal("expected error without quote id")
	}
}

func TestSettlementByOriginHash(t *testing.T) {
	const origin = "0x00000000000000000000000000000000000000000000000000000000000000b1"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bungee/status" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		switch r.URL.Query().Get("txHash") {
		case origin:
			_, _ = w.Write([]byte(`{"success": true, "result": [{
				"hash": "0xreq",
				"bungeeStatusCode": 3,
				"originData": {"txHash": "` + origin + `", "status": "COMPLETED"},
				"destinationData": {"txHash": "0xdest", "status": "COMPLETED", "output": [{"amount": "998000", "token": {"address": "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913"}}]}
			}]}`))
		default:
			_, _ = w.Write([]byte(`{"success": true, "result": []}`))
		}
	}))
	defer srv.Close()

	c := New(httpx.New(time.Second, 0), "", "").WithBaseURL(srv.URL)
	got, err := c.Settlement(context.Background(), "0x00000000000000000000000000000000000000AA", "0x"+strings.ToUpper(origin[2:]))
	if err != nil {
		t.Fatalf("Settlement failed: %v", err)
	}
	if got == nil || got.Status != model.RemoteCompleted || !got.FromConfirmed {
		t.Fatalf("unexpected settlement: %+v", got)
	}
	if got.ActualToAmount != "998000" || got.ActualToToken != "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913" || got.DestinationHash != "0xdest" {
		t.Fatalf("unexpected destination values: %+v", got)
	}

	missing, err := c.Settlement(context.Background(), "", "0x00000000000000000000000000000000000000000000000000000000000000b2")
	if err != nil || missing != nil {
		t.Fatalf("expected no entry, got %+v err=%v", missing, err)
	}
}

func TestMapStatusCode(t *testing.T) {
	cases := map[int]model.RemoteStatus{
		0: model.RemotePending,
		2: model.RemotePending,
		3: model.RemoteCompleted,
		4: model.RemoteCompleted,
		5: model.RemoteFailed,
		7: model.RemoteFailed,
	}
	for code, want := range cases {
		if got := mapStatusCode(code); got != want {
			t.Fatalf("mapStatusCode(%d) = %s, want %s", code, got, want)
		}
	}
}
