package swap

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"golang.org/x/time/rate"

	xerrors "AgentDCA/internal/errors"
	"AgentDCA/pkg/logger"
)

// Config 描述聚合器 HTTP 接口。
type Config struct {
	BaseURL     string
	APIKey      string
	ChainID     uint64
	SlippageBps int
	Timeout     time.Duration
	// RequestsPerSecond 为 0 时不限速。
	RequestsPerSecond float64
}

// HTTPClient 调用 0x 风格的 allowance-holder 询价接口。
type HTTPClient struct {
	baseURL     string
	apiKey      string
	chainID     uint64
	slippageBps int
	http        *http.Client
	limiter     *rate.Limiter
	log         *slog.Logger
}

// NewHTTPClient 创建询价客户端。
func NewHTTPClient(cfg Config) (*HTTPClient, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "未配置询价服务地址")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "询价服务地址不合法")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	slippage := cfg.SlippageBps
	if slippage <= 0 {
		slippage = 100
	}
	c := &HTTPClient{
		baseURL:     base,
		apiKey:      cfg.APIKey,
		chainID:     cfg.ChainID,
		slippageBps: slippage,
		http:        &http.Client{Timeout: timeout},
		log:         logger.Named("swap"),
	}
	if cfg.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return c, nil
}

type quoteResponse struct {
	LiquidityAvailable *bool  `json:"liquidityAvailable"`
	SellAmount         string `json:"sellAmount"`
	BuyAmount          string `json:"buyAmount"`
	MinBuyAmount       string `json:"minBuyAmount"`
	Transaction        struct {
		To    common.Address `json:"to"`
		Data  hexutil.Bytes  `json:"data"`
		Value string         `json:"value"`
	} `json:"transaction"`
	Issues struct {
		Allowance *struct {
			Spender common.Address `json:"spender"`
		} `json:"allowance"`
	} `json:"issues"`
	AllowanceTarget *common.Address `json:"allowanceTarget"`
}

// Quote 实现 Router。
func (c *HTTPClient) Quote(ctx context.Context, in Request) (*Quote, error) {
	sellToken, buyToken, amount := in.SellToken, in.BuyToken, in.Amount
	recipient := in.recipient()
	if amount == nil || amount.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "询价金额必须为正数")
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeRateLimited, err, "询价限速等待失败")
		}
	}

	params := url.Values{}
	params.Set("chainId", strconv.FormatUint(c.chainID, 10))
	params.Set("sellToken", sellToken.Hex())
	params.Set("buyToken", buyToken.Hex())
	params.Set("sellAmount", amount.String())
	params.Set("taker", in.Taker.Hex())
	if recipient != (common.Address{}) {
		params.Set("recipient", recipient.Hex())
	}
	params.Set("slippageBps", strconv.Itoa(c.slippageBps))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/swap/allowance-holder/quote?"+params.Encode(), nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构造询价请求失败")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("0x-version", "v2")
	if c.apiKey != "" {
		req.Header.Set("0x-api-key", c.apiKey)
	}

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(CodeQuoteUnavailable, err, "请求询价服务失败")
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, xerrors.Wrap(CodeQuoteUnavailable, err, "读取询价响应失败")
	}
	c.log.Debug("询价完成",
		slog.String("sell_token", sellToken.Hex()),
		slog.String("buy_token", buyToken.Hex()),
		slog.String("amount", amount.String()),
		slog.Int("status", resp.StatusCode),
		slog.Duration("elapsed", time.Since(started)),
	)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, xerrors.New(CodeQuoteUnavailable, fmt.Sprintf("询价服务返回 %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return nil, xerrors.New(CodeQuoteRejected, fmt.Sprintf("询价请求被拒绝 (%d): %s", resp.StatusCode, logger.Truncate(string(body), 200)))
	}

	var payload quoteResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, xerrors.Wrap(CodeMalformedQuote, err, "")
	}
	if payload.LiquidityAvailable != nil && !*payload.LiquidityAvailable {
		return nil, xerrors.New(CodeNoLiquidity, "")
	}
	quote, err := payload.toQuote(sellToken, buyToken, amount)
	if err != nil {
		return nil, err
	}
	quote.Recipient = recipient
	return quote, nil
}

func (p quoteResponse) toQuote(sellToken, buyToken common.Address, amount *big.Int) (*Quote, error) {
	toAmount, ok := new(big.Int).SetString(p.BuyAmount, 10)
	if !ok || toAmount.Sign() <= 0 {
		return nil, xerrors.New(CodeMalformedQuote, "buyAmount 无效")
	}
	minAmount := new(big.Int).Set(toAmount)
	if p.MinBuyAmount != "" {
		if minAmount, ok = new(big.Int).SetString(p.MinBuyAmount, 10); !ok {
			return nil, xerrors.New(CodeMalformedQuote, "minBuyAmount 无效")
		}
	}
	if p.SellAmount != "" && p.SellAmount != amount.String() {
		return nil, xerrors.New(CodeMalformedQuote, "报价的卖出数量与请求不一致")
	}
	if p.Transaction.To == (common.Address{}) || len(p.Transaction.Data) == 0 {
		return nil, xerrors.New(CodeMalformedQuote, "报价缺少交易数据")
	}
	value := new(big.Int)
	if p.Transaction.Value != "" {
		if value, ok = new(big.Int).SetString(p.Transaction.Value, 10); !ok {
			return nil, xerrors.New(CodeMalformedQuote, "交易 value 无效")
		}
	}

	q := &Quote{
		SellToken:   sellToken,
		BuyToken:    buyToken,
		SellAmount:  new(big.Int).Set(amount),
		ToAmount:    toAmount,
		MinToAmount: minAmount,
		CallTarget:  p.Transaction.To,
		CallData:    p.Transaction.Data,
		Value:       value,
	}
	switch {
	case p.Issues.Allowance != nil:
		q.AllowanceTarget = p.Issues.Allowance.Spender
	case p.AllowanceTarget != nil:
		q.AllowanceTarget = *p.AllowanceTarget
	}
	return q, nil
}

var _ Router = (*HTTPClient)(nil)
