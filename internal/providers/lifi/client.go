package lifi

import (
	"context"
	"fmt"
	"math/big"
	"net/url"
	"strconv"
	"strings"
	"time"

	clierr "github.com/ggonzalez94/xbridge/internal/errors"
	"github.com/ggonzalez94/xbridge/internal/httpx"
	"github.com/ggonzalez94/xbridge/internal/id"
	"github.com/ggonzalez94/xbridge/internal/model"
	"github.com/ggonzalez94/xbridge/internal/providers"
	"github.com/ggonzalez94/xbridge/internal/registry"
)

const placeholderSender = "0x0000000000000000000000000000000000000001"

type Client struct {
	http       *httpx.Client
	baseURL    string
	historyURL string
	now        func() time.Time
}

func New(httpClient *httpx.Client) *Client {
	return &Client{http: httpClient, baseURL: registry.LiFiBaseURL, historyURL: registry.LiFiHistoryURL, now: time.Now}
}

// WithBaseURL points the client at another API root, e.g. a local fake.
func (c *Client) WithBaseURL(baseURL string) *Client {
	if strings.TrimSpace(baseURL) != "" {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
	return c
}

func (c *Client) Info() model.ProviderInfo {
	return model.ProviderInfo{
		Name:        "lifi",
		Type:        "bridge-aggregator",
		RequiresKey: false,
		Capabilities: []string{
			"bridge.quote",
			"bridge.tx",
			"bridge.history",
		},
	}
}

type quoteResponse struct {
	ID       string `json:"id"`
	Tool     string `json:"tool"`
	Estimate struct {
		ToAmount        string `json:"toAmount"`
		ToAmountMin     string `json:"toAmountMin"`
		ApprovalAddress string `json:"approvalAddress"`
		FeeCosts        []struct {
			AmountUSD string `json:"amountUSD"`
			Included  bool   `json:"included"`
		} `json:"feeCosts"`
		GasCosts []struct {
			AmountUSD string `json:"amountUSD"`
		} `json:"gasCosts"`
		ExecutionDuration float64 `json:"executionDuration"`
	} `json:"estimate"`
	ToolDetails struct {
		Key     string `json:"key"`
		Name    string `json:"name"`
		LogoURI string `json:"logoURI"`
	} `json:"toolDetails"`
	TransactionRequest *struct {
		To       string `json:"to"`
		From     string `json:"from"`
		Data     string `json:"data"`
		Value    string `json:"value"`
		ChainID  int64  `json:"chainId"`
		GasLimit string `json:"gasLimit"`
	} `json:"transactionRequest"`
}

func (c *Client) Quote(ctx context.Context, req providers.QuoteRequest) (model.Quote, error) {
	sender := strings.TrimSpace(req.Sender)
	if sender == "" {
		sender = placeholderSender
	}
	slippage := req.SlippageBps
	if slippage <= 0 {
		slippage = providers.DefaultSlippageBps
	}

	vals := url.Values{}
	vals.Set("fromChain", strconv.FormatInt(req.FromChain.EVMChainID, 10))
	vals.Set("toChain", strconv.FormatInt(req.ToChain.EVMChainID, 10))
	vals.Set("fromToken", strings.ToLower(req.FromAsset.Address))
	vals.Set("toToken", strings.ToLower(req.ToAsset.Address))
	vals.Set("fromAmount", req.AmountBaseUnits)
	vals.Set("slippage", formatSlippage(slippage))
	vals.Set("fromAddress", sender)
	if recipient := strings.TrimSpace(req.Recipient); recipient != "" {
		vals.Set("toAddress", recipient)
	}

	var resp quoteResponse
	if _, err := httpx.GetJSON(ctx, c.http, c.baseURL+"/quote?"+vals.Encode(), nil, &resp); err != nil {
		return model.Quote{}, err
	}
	if strings.TrimSpace(resp.Estimate.ToAmount) == "" {
		return model.Quote{}, clierr.New(clierr.CodeUnavailable, "lifi quote missing output amount")
	}

	feeUSD := 0.0
	for _, item := range resp.Estimate.FeeCosts {
		v, _ := strconv.ParseFloat(item.AmountUSD, 64)
		feeUSD += v
	}
	gasUSD := 0.0
	for _, item := range resp.Estimate.GasCosts {
		v, _ := strconv.ParseFloat(item.AmountUSD, 64)
		gasUSD += v
	}

	quote := model.Quote{
		AggregatorID: "lifi",
		BridgeID:     strings.ToLower(firstNonEmpty(resp.ToolDetails.Key, resp.Tool)),
		BridgeName:   resp.ToolDetails.Name,
		BridgeLogo:   resp.ToolDetails.LogoURI,
		FromChainID:  req.FromChain.CAIP2,
		ToChainID:    req.ToChain.CAIP2,
		FromAssetID:  req.FromAsset.AssetID,
		ToAssetID:    req.ToAsset.AssetID,
		FromAmount: model.AmountInfo{
			AmountBaseUnits: req.AmountBaseUnits,
			AmountDecimal:   req.AmountDecimal,
			Decimals:        req.FromAsset.Decimals,
		},
		ToAmount:    amountInfo(resp.Estimate.ToAmount, req.ToAsset.Decimals),
		ToAmountMin: amountInfo(firstNonEmpty(resp.Estimate.ToAmountMin, resp.Estimate.ToAmount), req.ToAsset.Decimals),
		GasFeeUSD:   gasUSD,
		FeeUSD:      feeUSD,
		DurationSec: int64(resp.Estimate.ExecutionDuration),
		QuoteKey:    resp.ID,
		FetchedAt:   c.now().UTC().Format(time.RFC3339),
	}
	if !req.FromAsset.IsNative() {
		quote.ApproveContract = strings.TrimSpace(resp.Estimate.ApprovalAddress)
	}

	// The transaction is only meaningful when quoted for the real sender.
	if tr := resp.TransactionRequest; tr != nil && strings.TrimSpace(req.Sender) != "" && strings.TrimSpace(tr.Data) != "" {
		if tr.ChainID != 0 && tr.ChainID != req.FromChain.EVMChainID {
			return model.Quote{}, clierr.New(clierr.CodeActionPlan, "lifi transaction chain does not match source chain")
		}
		value, err := hexToDecimal(tr.Value)
		if err != nil {
			return model.Quote{}, clierr.Wrap(clierr.CodeUnavailable, "parse lifi transaction value", err)
		}
		gasLimit, _ := hexToUint(tr.GasLimit)
		quote.Tx = &model.TxRequest{
			ChainID:  req.FromChain.EVMChainID,
			From:     firstNonEmpty(tr.From, req.Sender),
			To:       tr.To,
			Data:     ensureHexPrefix(tr.Data),
			Value:    value,
			GasLimit: gasLimit,
		}
	}
	return quote, nil
}

type transfersResponse struct {
	Data    []transfer `json:"data"`
	Next    string     `json:"next"`
	HasNext bool       `json:"hasNext"`
}

type transfer struct {
	Status    string `json:"status"`
	Substatus string `json:"substatus"`
	Sending   struct {
		TxHash    string `json:"txHash"`
		Timestamp int64  `json:"timestamp"`
	} `json:"sending"`
	Receiving struct {
		TxHash string `json:"txHash"`
		Amount string `json:"amount"`
		Token  struct {
			Address string `json:"address"`
		} `json:"token"`
	} `json:"receiving"`
}

// History pages through the LI.FI transfer analytics of address.
func (c *Client) History(ctx context.Context, address, cursor string) (model.HistoryPage, error) {
	if strings.TrimSpace(address) == "" {
		return model.HistoryPage{}, clierr.New(clierr.CodeUsage, "history requires an address")
	}
	vals := url.Values{}
	vals.Set("wallet", address)
	if strings.TrimSpace(cursor) != "" {
		vals.Set("next", cursor)
	}
	var resp transfersResponse
	if _, err := httpx.GetJSON(ctx, c.http, c.historyURL+"?"+vals.Encode(), nil, &resp); err != nil {
		return model.HistoryPage{}, err
	}

	page := model.HistoryPage{Items: make([]model.RemoteSettlement, 0, len(resp.Data))}
	for _, t := range resp.Data {
		hash := strings.ToLower(strings.TrimSpace(t.Sending.TxHash))
		if hash == "" {
			continue
		}
		item := model.RemoteSettlement{
			Hash:            hash,
			Status:          mapTransferStatus(t.Status),
			FromConfirmed:   t.Sending.Timestamp > 0,
			DestinationHash: t.Receiving.TxHash,
		}
		if item.Status == model.RemoteCompleted {
			item.ActualToToken = t.Receiving.Token.Address
			item.ActualToAmount = t.Receiving.Amount
		}
		page.Items = append(page.Items, item)
	}
	if resp.HasNext || (resp.Next != "" && resp.Next != cursor) {
		page.Next = resp.Next
	}
	return page, nil
}

func mapTransferStatus(status string) model.RemoteStatus {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "DONE":
		return model.RemoteCompleted
	case "FAILED", "INVALID":
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

func formatSlippage(bps int64) string {
	return strconv.FormatFloat(float64(bps)/10000, 'f', 6, 64)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func ensureHexPrefix(v string) string {
	clean := strings.TrimSpace(v)
	if strings.HasPrefix(clean, "0x") || strings.HasPrefix(clean, "0X") {
		return clean
	}
	return "0x" + clean
}

func hexToDecimal(v string) (string, error) {
	clean := strings.TrimSpace(v)
	if clean == "" {
		return "0", nil
	}
	if !strings.HasPrefix(clean, "0x") && !strings.HasPrefix(clean, "0X") {
		n, ok := new(big.Int).SetString(clean, 10)
		if !ok {
			return "", fmt.Errorf("invalid value %q", v)
		}
		return n.String(), nil
	}
	clean = clean[2:]
	if clean == "" {
		return "0", nil
	}
	n, ok := new(big.Int).SetString(clean, 16)
	if !ok {
		return "", fmt.Errorf("invalid hex value %q", v)
	}
	return n.String(), nil
}

func hexToUint(v string) (uint64, error) {
	clean := strings.TrimSpace(v)
	if clean == "" {
		return 0, nil
	}
	if strings.HasPrefix(clean, "0x") || strings.HasPrefix(clean, "0X") {
		return strconv.ParseUint(clean[2:], 16, 64)
	}
	return strconv.ParseUint(clean, 10, 64)
}
