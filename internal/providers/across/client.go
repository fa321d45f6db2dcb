package across

import (
	"context"
	"math/big"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	clierr "github.com/ggonzalez94/xbridge/internal/errors"
	"github.com/ggonzalez94/xbridge/internal/httpx"
	"github.com/ggonzalez94/xbridge/internal/id"
	"github.com/ggonzalez94/xbridge/internal/model"
	"github.com/ggonzalez94/xbridge/internal/providers"
	"github.com/ggonzalez94/xbridge/internal/registry"
)

const (
	placeholderDepositor = "0x0000000000000000000000000000000000000001"
	historyPageSize      = 50
	defaultFillTimeSec   = 120
)

type Client struct {
	http       *httpx.Client
	baseURL    string
	historyURL string
	now        func() time.Time
}

func New(httpClient *httpx.Client) *Client {
	return &Client{http: httpClient, baseURL: registry.AcrossBaseURL, historyURL: registry.AcrossHistoryURL, now: time.Now}
}

func (c *Client) WithBaseURL(baseURL string) *Client {
	if strings.TrimSpace(baseURL) != "" {
		c.baseURL = strings.TrimRight(baseURL, "/")
		c.historyURL = c.baseURL + "/deposits"
	}
	return c
}

func (c *Client) Info() model.ProviderInfo {
	return model.ProviderInfo{
		Name:        "across",
		Type:        "bridge",
		RequiresKey: false,
		Capabilities: []string{
			"bridge.quote",
			"bridge.tx",
			"bridge.history",
		},
	}
}

type txPayload struct {
	ChainID int64  `json:"chainId"`
	To      string `json:"to"`
	Data    string `json:"data"`
	Value   string `json:"value"`
	Gas     string `json:"gas"`
}

type swapApprovalResponse struct {
	Checks struct {
		Allowance struct {
			Spender string `json:"spender"`
		} `json:"allowance"`
	} `json:"checks"`
	ApprovalTxns         []txPayload `json:"approvalTxns"`
	SwapTx               txPayload   `json:"swapTx"`
	ID                   string      `json:"id"`
	MinOutputAmount      string      `json:"minOutputAmount"`
	ExpectedOutputAmount string      `json:"expectedOutputAmount"`
	ExpectedFillTime     int64       `json:"expectedFillTime"`
	Fees                 struct {
		Total struct {
			AmountUSD string `json:"amountUsd"`
		} `json:"total"`
		OriginGas struct {
			AmountUSD string `json:"amountUsd"`
		} `json:"originGas"`
	} `json:"fees"`
}

// Quote calls /swap/approval, which returns the bridge call together with the quote.
func (c *Client) Quote(ctx context.Context, req providers.QuoteRequest) (model.Quote, error) {
	depositor := strings.TrimSpace(req.Sender)
	if depositor == "" {
		depositor = placeholderDepositor
	}
	recipient := firstNonEmpty(req.Recipient, depositor)
	slippage := req.SlippageBps
	if slippage <= 0 {
		slippage = providers.DefaultSlippageBps
	}

	vals := url.Values{}
	vals.Set("amount", req.AmountBaseUnits)
	vals.Set("tradeType", "exactInput")
	vals.Set("inputToken", req.FromAsset.Address)
	vals.Set("outputToken", req.ToAsset.Address)
	vals.Set("originChainId", strconv.FormatInt(req.FromChain.EVMChainID, 10))
	vals.Set("destinationChainId", strconv.FormatInt(req.ToChain.EVMChainID, 10))
	vals.Set("depositor", depositor)
	vals.Set("recipient", recipient)
	vals.Set("slippage", formatSlippage(slippage))

	var resp swapApprovalResponse
	if _, err := httpx.GetJSON(ctx, c.http, c.baseURL+"/swap/approval?"+vals.Encode(), nil, &resp); err != nil {
		return model.Quote{}, err
	}
	expected := firstNonEmpty(resp.ExpectedOutputAmount, resp.MinOutputAmount)
	if expected == "" {
		return model.Quote{}, clierr.New(clierr.CodeUnavailable, "across quote missing output amount")
	}
	if strings.TrimSpace(resp.SwapTx.To) == "" || strings.TrimSpace(resp.SwapTx.Data) == "" {
		return model.Quote{}, clierr.New(clierr.CodeUnavailable, "across quote missing swap transaction payload")
	}
	if resp.SwapTx.ChainID != 0 && resp.SwapTx.ChainID != req.FromChain.EVMChainID {
		return model.Quote{}, clierr.New(clierr.CodeActionPlan, "across swap transaction chain does not match source chain")
	}

	fillTime := resp.ExpectedFillTime
	if fillTime <= 0 {
		fillTime = defaultFillTimeSec
	}
	gasUSD := parseUSD(resp.Fees.OriginGas.AmountUSD)
	quote := model.Quote{
		AggregatorID: "across",
		BridgeID:     "across",
		BridgeName:   "Across",
		BridgeLogo:   registry.DefaultBridgeLogoURL + "/across.svg",
		FromChainID:  req.FromChain.CAIP2,
		ToChainID:    req.ToChain.CAIP2,
		FromAssetID:  req.FromAsset.AssetID,
		ToAssetID:    req.ToAsset.AssetID,
		FromAmount: model.AmountInfo{
			AmountBaseUnits: req.AmountBaseUnits,
			AmountDecimal:   req.AmountDecimal,
			Decimals:        req.FromAsset.Decimals,
		},
		ToAmount:    amountInfo(expected, req.ToAsset.Decimals),
		ToAmountMin: amountInfo(firstNonEmpty(resp.MinOutputAmount, expected), req.ToAsset.Decimals),
		GasFeeUSD:   gasUSD,
		FeeUSD:      parseUSD(resp.Fees.Total.AmountUSD),
		DurationSec: fillTime,
		QuoteKey:    resp.ID,
		FetchedAt:   c.now().UTC().Format(time.RFC3339),
	}
	if !req.FromAsset.IsNative() {
		spender := firstNonEmpty(resp.Checks.Allowance.Spender, resp.SwapTx.To)
		if common.IsHexAddress(spender) {
			quote.ApproveContract = common.HexToAddress(spender).Hex()
		}
	}
	if strings.TrimSpace(req.Sender) != "" {
		gas, _ := strconv.ParseUint(strings.TrimSpace(resp.SwapTx.Gas), 10, 64)
		quote.Tx = &model.TxRequest{
			ChainID:  req.FromChain.EVMChainID,
			From:     req.Sender,
			To:       common.HexToAddress(resp.SwapTx.To).Hex(),
			Data:     ensureHexPrefix(resp.SwapTx.Data),
			Value:    normalizeTransactionValue(resp.SwapTx.Value),
			GasLimit: gas,
		}
	}
	return quote, nil
}

type deposit struct {
	DepositTxHash string `json:"depositTxHash"`
	Status        string `json:"status"`
	FillTx        string `json:"fillTx"`
	OutputToken   string `json:"outputToken"`
	OutputAmount  string `json:"outputAmount"`
}

// History pages through deposits by depositor. The cursor is the skip offset.
func (c *Client) History(ctx context.Context, address, cursor string) (model.HistoryPage, error) {
	if strings.TrimSpace(address) == "" {
		return model.HistoryPage{}, clierr.New(clierr.CodeUsage, "history requires an address")
	}
	skip := 0
	if strings.TrimSpace(cursor) != "" {
		v, err := strconv.Atoi(cursor)
		if err != nil || v < 0 {
			return model.HistoryPage{}, clierr.New(clierr.CodeUsage, "invalid across history cursor")
		}
		skip = v
	}
	vals := url.Values{}
	vals.Set("depositor", address)
	vals.Set("limit", strconv.Itoa(historyPageSize))
	vals.Set("skip", strconv.Itoa(skip))

	var deposits []deposit
	if _, err := httpx.GetJSON(ctx, c.http, c.historyURL+"?"+vals.Encode(), nil, &deposits); err != nil {
		return model.HistoryPage{}, err
	}
	page := model.HistoryPage{Items: make([]model.RemoteSettlement, 0, len(deposits))}
	for _, d := range deposits {
		hash := strings.ToLower(strings.TrimSpace(d.DepositTxHash))
		if hash == "" {
			continue
		}
		item := model.RemoteSettlement{
			Hash:            hash,
			Status:          mapDepositStatus(d.Status),
			FromConfirmed:   true,
			DestinationHash: d.FillTx,
		}
		if item.Status == model.RemoteCompleted {
			item.ActualToToken = d.OutputToken
			item.ActualToAmount = d.OutputAmount
		}
		page.Items = append(page.Items, item)
	}
	if len(deposits) == historyPageSize {
		page.Next = strconv.Itoa(skip + historyPageSize)
	}
	return page, nil
}

func mapDepositStatus(status string) model.RemoteStatus {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "filled":
		return model.RemoteCompleted
	case "expired", "refunded":
		return model.RemoteFailed
	default:
		return model.RemotePending
	}
}

func amountInfo(baseUnits string, decimals int) model.AmountInfo {
	return model.AmountInfo{
		AmountBaseUnits: baseUnits,
		AmountDecimal:   id.FormatDecimal(baseUnits, decimals),
		Decimals:        decimals,
	}
}

func parseUSD(v string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0
	}
	return f
}

func formatSlippage(bps int64) string {
	return strconv.FormatFloat(float64(bps)/10000, 'f', 6, 64)
}

func ensureHexPrefix(v string) string {
	clean := strings.TrimSpace(v)
	if strings.HasPrefix(clean, "0x") || strings.HasPrefix(clean, "0X") {
		return clean
	}
	return "0x" + clean
}

func normalizeTransactionValue(v string) string {
	clean := strings.TrimSpace(v)
	if clean == "" {
		return "0"
	}
	if strings.HasPrefix(clean, "0x") || strings.HasPrefix(clean, "0X") {
		n := new(big.Int)
		if _, ok := n.SetString(clean[2:], 16); ok {
			return n.String()
		}
		return "0"
	}
	if n, ok := new(big.Int).SetString(clean, 10); ok {
		return n.String()
	}
	return "0"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
