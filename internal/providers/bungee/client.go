package bungee

import (
	"context"
	"net/url"
	"sort"
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

const defaultEVMUserAddress = "0x0000000000000000000000000000000000000001"

type Client struct {
	http             *httpx.Client
	baseURL          string
	dedicatedBaseURL string
	apiKey           string
	affiliate        string
	now              func() time.Time
}

func New(httpClient *httpx.Client, apiKey, affiliate string) *Client {
	return &Client{
		http:             httpClient,
		baseURL:          registry.BungeeBaseURL,
		dedicatedBaseURL: registry.BungeeDedicatedURL,
		apiKey:           apiKey,
		affiliate:        affiliate,
		now:              time.Now,
	}
}

// WithBaseURL replaces both the public and dedicated API roots.
func (c *Client) WithBaseURL(baseURL string) *Client {
	if strings.TrimSpace(baseURL) != "" {
		c.baseURL = strings.TrimRight(baseURL, "/")
		c.dedicatedBaseURL = c.baseURL
	}
	return c
}

func (c *Client) Info() model.ProviderInfo {
	return model.ProviderInfo{
		Name:        "bungee",
		Type:        "bridge-aggregator",
		RequiresKey: false,
		Capabilities: []string{
			"bridge.quote",
			"bridge.tx",
			"bridge.status",
		},
		CapabilityAuth: []model.ProviderCapabilityAuth{
			{
				Capability:  "bridge.quote",
				KeyEnvVar:   "XBRIDGE_BUNGEE_API_KEY",
				Description: "Optional dedicated backend mode (requires both API key and affiliate)",
			},
			{
				Capability:  "bridge.quote",
				KeyEnvVar:   "XBRIDGE_BUNGEE_AFFILIATE",
				Description: "Optional dedicated backend mode (requires both API key and affiliate)",
			},
		},
	}
}

type quoteResponse struct {
	Success bool        `json:"success"`
	Result  quoteResult `json:"result"`
	Error   any         `json:"error"`
}

type quoteResult struct {
	OriginChainID      int64           `json:"originChainId"`
	DestinationChainID int64           `json:"destinationChainId"`
	Output             quoteOutput     `json:"output"`
	AutoRoute          *quoteAutoRoute `json:"autoRoute"`
}

type quoteOutput struct {
	Amount   string `json:"amount"`
	Decimals int    `json:"decimals"`
	Token    struct {
		Decimals int `json:"decimals"`
	} `json:"token"`
}

type quoteAutoRoute struct {
	QuoteID       string        `json:"quoteId"`
	Output        quoteOutput   `json:"output"`
	OutputAmount  string        `json:"outputAmount"`
	EstimatedTime int64         `json:"estimatedTime"`
	GasFee        *quoteGasFee  `json:"gasFee"`
	RouteFee      *quoteGasFee  `json:"routeFee"`
	RouteDetails  quoteDetails  `json:"routeDetails"`
	ApprovalData  *approvalData `json:"approvalData"`
	UserTxs       []quoteUserTx `json:"userTxs"`
}

type quoteGasFee struct {
	FeeInUSD float64 `json:"feeInUsd"`
}

type approvalData struct {
	SpenderAddress string `json:"spenderAddress"`
	TokenAddress   string `json:"tokenAddress"`
}

type quoteUserTx struct {
	StepType     string             `json:"stepType"`
	BridgeRoutes []quoteBridgeRoute `json:"bridgeRoutes"`
}

type quoteDetails struct {
	Name    string `json:"name"`
	LogoURI string `json:"logoURI"`
}

type quoteBridgeRoute struct {
	UsedBridgeNames []string `json:"usedBridgeNames"`
}

func (c *Client) Quote(ctx context.Context, req providers.QuoteRequest) (model.Quote, error) {
	user := strings.TrimSpace(req.Sender)
	if user == "" {
		user = defaultEVMUserAddress
	}
	receiver := strings.TrimSpace(req.Recipient)
	if receiver == "" {
		receiver = user
	}
	slippage := req.SlippageBps
	if slippage <= 0 {
		slippage = providers.DefaultSlippageBps
	}
	vals := url.Values{}
	vals.Set("originChainId", strconv.FormatInt(req.FromChain.EVMChainID, 10))
	vals.Set("destinationChainId", strconv.FormatInt(req.ToChain.EVMChainID, 10))
	vals.Set("inputToken", req.FromAsset.Address)
	vals.Set("outputToken", req.ToAsset.Address)
	vals.Set("inputAmount", req.AmountBaseUnits)
	vals.Set("userAddress", user)
	vals.Set("receiverAddress", receiver)
	vals.Set("slippage", strconv.FormatFloat(float64(slippage)/100, 'f', 2, 64))

	var resp quoteResponse
	if _, err := httpx.GetJSON(ctx, c.http, c.apiBase()+"/bungee/quote?"+vals.Encode(), c.headers(), &resp); err != nil {
		return model.Quote{}, err
	}
	if !resp.Success {
		return model.Quote{}, clierr.New(clierr.CodeUnavailable, bungeeError(resp.Error, "bungee quote failed"))
	}
	auto := resp.Result.AutoRoute
	if auto == nil {
		return model.Quote{}, clierr.New(clierr.CodeUnavailable, "bungee quote returned no auto route")
	}
	amountBase := firstNonEmpty(auto.OutputAmount, auto.Output.Amount, resp.Result.Output.Amount)
	if amountBase == "" {
		return model.Quote{}, clierr.New(clierr.CodeUnavailable, "bungee quote missing output amount")
	}
	decimals := positiveOrFallback(auto.Output.Token.Decimals, positiveOrFallback(auto.Output.Decimals, req.ToAsset.Decimals))

	quote := model.Quote{
		AggregatorID: "bungee",
		BridgeID:     bridgeID(auto),
		BridgeName:   strings.TrimSpace(auto.RouteDetails.Name),
		BridgeLogo:   strings.TrimSpace(auto.RouteDetails.LogoURI),
		FromChainID:  req.FromChain.CAIP2,
		ToChainID:    req.ToChain.CAIP2,
		FromAssetID:  req.FromAsset.AssetID,
		ToAssetID:    req.ToAsset.AssetID,
		FromAmount: model.AmountInfo{
			AmountBaseUnits: req.AmountBaseUnits,
			AmountDecimal:   req.AmountDecimal,
			Decimals:        req.FromAsset.Decimals,
		},
		ToAmount: model.AmountInfo{
			AmountBaseUnits: amountBase,
			AmountDecimal:   id.FormatDecimal(amountBase, decimals),
			Decimals:        decimals,
		},
		DurationSec: auto.EstimatedTime,
		QuoteKey:    auto.QuoteID,
		FetchedAt:   c.now().UTC().Format(time.RFC3339),
	}
	quote.ToAmountMin = quote.ToAmount
	if auto.GasFee != nil {
		quote.GasFeeUSD = auto.GasFee.FeeInUSD
	}
	if auto.RouteFee != nil {
		quote.FeeUSD = auto.RouteFee.FeeInUSD
	}
	if auto.ApprovalData != nil && !req.FromAsset.IsNative() {
		quote.ApproveContract = strings.TrimSpace(auto.ApprovalData.SpenderAddress)
	}
	return quote, nil
}

type buildTxResponse struct {
	Success bool `json:"success"`
	Result  struct {
		TxData struct {
			To      string `json:"to"`
			Data    string `json:"data"`
			Value   string `json:"value"`
			ChainID int64  `json:"chainId"`
		} `json:"txData"`
	} `json:"result"`
	Error any `json:"error"`
}

// BuildBridgeTx exchanges the quote id for the executable bridge call.
func (c *Client) BuildBridgeTx(ctx context.Context, req providers.QuoteRequest, quote model.Quote) (model.TxRequest, error) {
	if strings.TrimSpace(quote.QuoteKey) == "" {
		return model.TxRequest{}, clierr.New(clierr.CodeActionPlan, "bungee quote has no quote id to build from")
	}
	vals := url.Values{}
	vals.Set("quoteId", quote.QuoteKey)

	var resp buildTxResponse
	if _, err := httpx.GetJSON(ctx, c.http, c.apiBase()+"/bungee/build-tx?"+vals.Encode(), c.headers(), &resp); err != nil {
		return model.TxRequest{}, err
	}
	if !resp.Success {
		return model.TxRequest{}, clierr.New(clierr.CodeUnavailable, bungeeError(resp.Error, "bungee build-tx failed"))
	}
	tx := resp.Result.TxData
	if strings.TrimSpace(tx.To) == "" || strings.TrimSpace(tx.Data) == "" {
		return model.TxRequest{}, clierr.New(clierr.CodeUnavailable, "bungee build-tx missing transaction payload")
	}
	if tx.ChainID != 0 && tx.ChainID != req.FromChain.EVMChainID {
		return model.TxRequest{}, clierr.New(clierr.CodeActionPlan, "bungee transaction chain does not match source chain")
	}
	return model.TxRequest{
		ChainID: req.FromChain.EVMChainID,
		From:    req.Sender,
		To:      tx.To,
		Data:    tx.Data,
		Value:   firstNonEmpty(tx.Value, "0"),
	}, nil
}

type statusResponse struct {
	Success bool           `json:"success"`
	Result  []statusResult `json:"result"`
	Error   any            `json:"error"`
}

type statusResult struct {
	Hash             string `json:"hash"`
	BungeeStatusCode int    `json:"bungeeStatusCode"`
	OriginData       struct {
		TxHash string `json:"txHash"`
		Status string `json:"status"`
	} `json:"originData"`
	DestinationData struct {
		TxHash string `json:"txHash"`
		Status string `json:"status"`
		Output []struct {
			Amount string `json:"amount"`
			Token  struct {
				Address string `json:"address"`
			} `json:"token"`
		} `json:"output"`
	} `json:"destinationData"`
}

// Settlement looks up a bridge by its origin tx hash on the status endpoint.
func (c *Client) Settlement(ctx context.Context, address, hash string) (*model.RemoteSettlement, error) {
	hash = strings.ToLower(strings.TrimSpace(hash))
	if hash == "" {
		return nil, clierr.New(clierr.CodeUsage, "bungee status requires a transaction hash")
	}
	vals := url.Values{}
	vals.Set("txHash", hash)

	var resp statusResponse
	if _, err := httpx.GetJSON(ctx, c.http, c.apiBase()+"/bungee/status?"+vals.Encode(), c.headers(), &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, clierr.New(clierr.CodeUnavailable, bungeeError(resp.Error, "bungee status failed"))
	}
	for _, r := range resp.Result {
		origin := strings.ToLower(strings.TrimSpace(firstNonEmpty(r.OriginData.TxHash, r.Hash)))
		if origin != hash {
			continue
		}
		item := &model.RemoteSettlement{
			Hash:            hash,
			Status:          mapStatusCode(r.BungeeStatusCode),
			FromConfirmed:   strings.EqualFold(strings.TrimSpace(r.OriginData.Status), "completed"),
			DestinationHash: strings.TrimSpace(r.DestinationData.TxHash),
		}
		if item.Status == model.RemoteCompleted {
			item.FromConfirmed = true
			if out := r.DestinationData.Output; len(out) > 0 {
				item.ActualToToken = strings.TrimSpace(out[0].Token.Address)
				item.ActualToAmount = strings.TrimSpace(out[0].Amount)
			}
		}
		return item, nil
	}
	return nil, nil
}

// mapStatusCode folds bungee request states: 0-2 in flight, 3 fulfilled,
// 4 settled, 5 expired, 6 cancelled, 7 refunded.
func mapStatusCode(code int) model.RemoteStatus {
	switch code {
	case 3, 4:
		return model.RemoteCompleted
	case 5, 6, 7:
		return model.RemoteFailed
	default:
		return model.RemotePending
	}
}

func (c *Client) apiBase() string {
	if _, _, ok := c.dedicatedAuth(); ok {
		return c.dedicatedBaseURL
	}
	return c.baseURL
}

func (c *Client) headers() map[string]string {
	apiKey, affiliate, ok := c.dedicatedAuth()
	if !ok {
		return nil
	}
	return map[string]string{"x-api-key": apiKey, "affiliate": affiliate}
}

func (c *Client) dedicatedAuth() (apiKey, affiliate string, ok bool) {
	apiKey = strings.TrimSpace(c.apiKey)
	affiliate = strings.TrimSpace(c.affiliate)
	return apiKey, affiliate, apiKey != "" && affiliate != ""
}

// bridgeID prefers the bridges actually used by the route, falling back to the route name.
func bridgeID(auto *quoteAutoRoute) string {
	names := make([]string, 0, 2)
	for _, tx := range auto.UserTxs {
		if strings.ToLower(strings.TrimSpace(tx.StepType)) != "bridge" {
			continue
		}
		for _, r := range tx.BridgeRoutes {
			for _, bridge := range r.UsedBridgeNames {
				if n := strings.ToLower(strings.TrimSpace(bridge)); n != "" {
					names = append(names, n)
				}
			}
		}
	}
	sort.Strings(names)
	if names = uniqueStrings(names); len(names) > 0 {
		return strings.Join(names, "+")
	}
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(auto.RouteDetails.Name)), " ", "-")
}

func uniqueStrings(items []string) []string {
	if len(items) <= 1 {
		return items
	}
	out := make([]string, 0, len(items))
	prev := ""
	for i, item := range items {
		if i == 0 || item != prev {
			out = append(out, item)
		}
		prev = item
	}
	return out
}

func positiveOrFallback(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func bungeeError(v any, fallback string) string {
	switch t := v.(type) {
	case string:
		if msg := strings.TrimSpace(t); msg != "" {
			return msg
		}
	case map[string]any:
		if msg, ok := t["message"].(string); ok && strings.TrimSpace(msg) != "" {
			return strings.TrimSpace(msg)
		}
	}
	return fallback
}
