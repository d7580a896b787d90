package gateway

// PositionInfo 交易所返回的单个合约持仓视图。
// Side 为 "Buy"/"Sell"，无持仓时为空串且 Size 为 0。
type PositionInfo struct {
	Symbol     string
	Side       string
	Size       float64
	EntryPrice float64
	StopLoss   float64
	TakeProfit float64
}

// InstrumentSpec 合约的下单约束（lotSizeFilter）。
type InstrumentSpec struct {
	Symbol       string
	MinQuantity  float64
	QuantityStep float64
	Allowed      bool
}

// MarketOrder 市价单请求。
type MarketOrder struct {
	Symbol      string
	Side        string // Buy / Sell
	Quantity    float64
	ReduceOnly  bool
	TimeInForce string // 默认 GTC
}

// TradingStop 持仓的止损/止盈设置。空串表示该腿不动，"0" 表示清除。
type TradingStop struct {
	Symbol     string
	StopLoss   string
	TakeProfit string
	TriggerBy  string // 默认 LastPrice
}
