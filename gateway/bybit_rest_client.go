package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// BybitRESTClient Bybit v5 签名客户端；HTTPClient 可注入 httptest，默认不发起真实调用。
// Prices 可选：接入 WS 行情缓存后，GetLastPrice 优先走缓存。
type BybitRESTClient struct {
	BaseURL      string
	APIKey       string
	Secret       string
	HTTPClient   *http.Client
	RecvWindowMs int
	Category     string // 默认 linear
	Limiter      RateLimiter
	Prices       *PriceCache

	// nowMs 便于测试固定时间戳
	nowMs func() int64
}

type apiResponse struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

type positionList struct {
	List []struct {
		Symbol     string `json:"symbol"`
		Side       string `json:"side"`
		Size       string `json:"size"`
		AvgPrice   string `json:"avgPrice"`
		StopLoss   string `json:"stopLoss"`
		TakeProfit string `json:"takeProfit"`
	} `json:"list"`
}

type instrumentList struct {
	List []struct {
		Symbol        string `json:"symbol"`
		Status        string `json:"status"`
		LotSizeFilter struct {
			MinOrderQty string `json:"minOrderQty"`
			QtyStep     string `json:"qtyStep"`
		} `json:"lotSizeFilter"`
	} `json:"list"`
}

type tickerList struct {
	List []struct {
		Symbol    string `json:"symbol"`
		LastPrice string `json:"lastPrice"`
	} `json:"list"`
}

type walletList struct {
	List []struct {
		Coin []struct {
			Coin                string `json:"coin"`
			WalletBalance       string `json:"walletBalance"`
			AvailableToWithdraw string `json:"availableToWithdraw"`
		} `json:"coin"`
	} `json:"list"`
}

type orderCreateResult struct {
	OrderID string `json:"orderId"`
}

// GetPosition 查询单个合约当前持仓；无持仓返回零值快照。
func (c *BybitRESTClient) GetPosition(ctx context.Context, symbol string) (PositionInfo, error) {
	params := map[string]string{
		"category": c.category(),
		"symbol":   symbol,
	}
	raw, err := c.get(ctx, "/v5/position/list", params, true)
	if err != nil {
		return PositionInfo{}, err
	}
	var pl positionList
	if err := json.Unmarshal(raw, &pl); err != nil {
		return PositionInfo{}, fmt.Errorf("decode position list: %w", err)
	}
	for _, p := range pl.List {
		if p.Symbol != symbol {
			continue
		}
		size := parseFloat(p.Size)
		if size <= 0 {
			break
		}
		return PositionInfo{
			Symbol:     p.Symbol,
			Side:       p.Side,
			Size:       size,
			EntryPrice: parseFloat(p.AvgPrice),
			StopLoss:   parseFloat(p.StopLoss),
			TakeProfit: parseFloat(p.TakeProfit),
		}, nil
	}
	return PositionInfo{Symbol: symbol}, nil
}

// GetInstrument 查询合约的下单约束；status 非 Trading 视为不可交易。
func (c *BybitRESTClient) GetInstrument(ctx context.Context, symbol string) (InstrumentSpec, error) {
	params := map[string]string{
		"category": c.category(),
		"symbol":   symbol,
	}
	raw, err := c.get(ctx, "/v5/market/instruments-info", params, false)
	if err != nil {
		return InstrumentSpec{}, err
	}
	var il instrumentList
	if err := json.Unmarshal(raw, &il); err != nil {
		return InstrumentSpec{}, fmt.Errorf("decode instruments: %w", err)
	}
	for _, ins := range il.List {
		if ins.Symbol != symbol {
			continue
		}
		return InstrumentSpec{
			Symbol:       ins.Symbol,
			MinQuantity:  parseFloat(ins.LotSizeFilter.MinOrderQty),
			QuantityStep: parseFloat(ins.LotSizeFilter.QtyStep),
			Allowed:      ins.Status == "Trading",
		}, nil
	}
	return InstrumentSpec{}, fmt.Errorf("instrument %s not found", symbol)
}

// GetLastPrice 返回最新成交价；行情缓存新鲜时直接使用，否则回落到 REST。
func (c *BybitRESTClient) GetLastPrice(ctx context.Context, symbol string) (float64, error) {
	if c.Prices != nil {
		if px, ok := c.Prices.Last(symbol); ok {
			return px, nil
		}
	}
	params := map[string]string{
		"category": c.category(),
		"symbol":   symbol,
	}
	raw, err := c.get(ctx, "/v5/market/tickers", params, false)
	if err != nil {
		return 0, err
	}
	var tl tickerList
	if err := json.Unmarshal(raw, &tl); err != nil {
		return 0, fmt.Errorf("decode tickers: %w", err)
	}
	for _, tk := range tl.List {
		if tk.Symbol == symbol {
			px := parseFloat(tk.LastPrice)
			if px <= 0 {
				return 0, fmt.Errorf("invalid last price %q for %s", tk.LastPrice, symbol)
			}
			return px, nil
		}
	}
	return 0, fmt.Errorf("ticker %s not found", symbol)
}

// GetAvailableBalance 查询结算币种的可用余额；没有对应币种记录时返回错误。
func (c *BybitRESTClient) GetAvailableBalance(ctx context.Context, coin string) (float64, error) {
	params := map[string]string{
		"accountType": "UNIFIED",
		"coin":        coin,
	}
	raw, err := c.get(ctx, "/v5/account/wallet-balance", params, true)
	if err != nil {
		return 0, err
	}
	var wl walletList
	if err := json.Unmarshal(raw, &wl); err != nil {
		return 0, fmt.Errorf("decode wallet balance: %w", err)
	}
	for _, acct := range wl.List {
		for _, cb := range acct.Coin {
			if cb.Coin != coin {
				continue
			}
			if v := parseFloat(cb.AvailableToWithdraw); v > 0 {
				return v, nil
			}
			return parseFloat(cb.WalletBalance), nil
		}
	}
	return 0, fmt.Errorf("no balance record for %s", coin)
}

// PlaceMarketOrder 调用 /v5/order/create 下市价单，返回交易所订单号。
func (c *BybitRESTClient) PlaceMarketOrder(ctx context.Context, o MarketOrder) (string, error) {
	tif := o.TimeInForce
	if tif == "" {
		tif = "GTC"
	}
	body := map[string]interface{}{
		"category":    c.category(),
		"symbol":      o.Symbol,
		"side":        o.Side,
		"orderType":   "Market",
		"qty":         strconv.FormatFloat(o.Quantity, 'f', -1, 64),
		"timeInForce": tif,
	}
	if o.ReduceOnly {
		body["reduceOnly"] = true
	}
	raw, err := c.post(ctx, "/v5/order/create", body)
	if err != nil {
		return "", err
	}
	var res orderCreateResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", fmt.Errorf("decode order result: %w", err)
	}
	if res.OrderID == "" {
		return "", fmt.Errorf("empty orderId")
	}
	return res.OrderID, nil
}

// SetTradingStop 调用 /v5/position/trading-stop 设置或清除持仓止损/止盈。
func (c *BybitRESTClient) SetTradingStop(ctx context.Context, ts TradingStop) error {
	trigger := ts.TriggerBy
	if trigger == "" {
		trigger = "LastPrice"
	}
	body := map[string]interface{}{
		"category":    c.category(),
		"symbol":      ts.Symbol,
		"tpslMode":    "Full",
		"positionIdx": 0,
	}
	if ts.StopLoss != "" {
		body["stopLoss"] = ts.StopLoss
		body["slTriggerBy"] = trigger
	}
	if ts.TakeProfit != "" {
		body["takeProfit"] = ts.TakeProfit
		body["tpTriggerBy"] = trigger
	}
	_, err := c.post(ctx, "/v5/position/trading-stop", body)
	return err
}

func (c *BybitRESTClient) get(ctx context.Context, path string, params map[string]string, signed bool) (json.RawMessage, error) {
	if c == nil || c.HTTPClient == nil {
		return nil, fmt.Errorf("http client not set")
	}
	if c.Limiter != nil {
		c.Limiter.Wait()
	}
	query := BuildQuery(params)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path+"?"+query, nil)
	if err != nil {
		return nil, err
	}
	if signed {
		c.signRequest(req, query)
	}
	return c.do(req, path)
}

func (c *BybitRESTClient) post(ctx context.Context, path string, body map[string]interface{}) (json.RawMessage, error) {
	if c == nil || c.HTTPClient == nil {
		return nil, fmt.Errorf("http client not set")
	}
	if c.Limiter != nil {
		c.Limiter.Wait()
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.signRequest(req, string(payload))
	return c.do(req, path)
}

func (c *BybitRESTClient) signRequest(req *http.Request, payload string) {
	recv := c.RecvWindowMs
	if recv <= 0 {
		recv = 5000
	}
	ts := c.timestampMs()
	sig := SignV5(c.Secret, c.APIKey, ts, recv, payload)
	req.Header.Set("X-BAPI-API-KEY", c.APIKey)
	req.Header.Set("X-BAPI-TIMESTAMP", strconv.FormatInt(ts, 10))
	req.Header.Set("X-BAPI-RECV-WINDOW", strconv.Itoa(recv))
	req.Header.Set("X-BAPI-SIGN", sig)
}

func (c *BybitRESTClient) do(req *http.Request, path string) (json.RawMessage, error) {
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s status %d", path, resp.StatusCode)
	}
	var env apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", path, err)
	}
	if env.RetCode != 0 {
		return nil, fmt.Errorf("%s retCode %d: %s", path, env.RetCode, env.RetMsg)
	}
	return env.Result, nil
}

func (c *BybitRESTClient) category() string {
	if c.Category == "" {
		return "linear"
	}
	return c.Category
}

func (c *BybitRESTClient) timestampMs() int64 {
	if c.nowMs != nil {
		return c.nowMs()
	}
	return time.Now().UnixMilli()
}

func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

// NewDefaultHTTPClient 提供一个带超时的 http.Client。
func NewDefaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}
