package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"okx-trend-bot/internal/model"
	"okx-trend-bot/internal/service"
)

const DefaultRESTURL = "https://www.okx.com"

// maxCandlePage is the venue cap on one /market/candles request.
const maxCandlePage = 300

// OkxPublicClient reads market data from the unauthenticated OKX v5 REST
// API: candles, ticker snapshots and instrument metadata. No credentials,
// no request signing.
type OkxPublicClient struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

func NewOkxPublicClient(baseURL string, logger *zap.Logger) *OkxPublicClient {
	if baseURL == "" {
		baseURL = DefaultRESTURL
	}
	return &OkxPublicClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
		logger:  logger,
	}
}

// okxResponse is the v5 REST envelope. Code "0" is success; anything else
// carries a venue error message.
type okxResponse struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (c *OkxPublicClient) get(ctx context.Context, path string, params url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("okx %s: status %d", path, resp.StatusCode)
	}
	var env okxResponse
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("okx %s: decode: %w", path, err)
	}
	if env.Code != "0" {
		return fmt.Errorf("okx %s: code %s: %s", path, env.Code, env.Msg)
	}
	return json.Unmarshal(env.Data, out)
}

// GetCandles returns the most recent limit bars for instID, oldest first.
// The newest bar may still be forming; Confirmed distinguishes it. The
// venue serves newest-first pages of at most 300 rows, so larger limits
// paginate backwards with the after cursor.
func (c *OkxPublicClient) GetCandles(ctx context.Context, instID, interval string, limit int) ([]model.KLine, error) {
	dur, err := service.ParseIntervalDuration(interval)
	if err != nil {
		return nil, err
	}
	bar := service.FormatInterval(dur)

	var rows [][]string
	after := ""
	for len(rows) < limit {
		want := limit - len(rows)
		if want > maxCandlePage {
			want = maxCandlePage
		}
		params := url.Values{}
		params.Set("instId", instID)
		params.Set("bar", bar)
		params.Set("limit", fmt.Sprintf("%d", want))
		if after != "" {
			params.Set("after", after)
		}
		var page [][]string
		if err := c.get(ctx, "/api/v5/market/candles", params, &page); err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		rows = append(rows, page...)
		// Oldest row of this page keys the next (older) page.
		after = page[len(page)-1][0]
		if len(page) < want {
			break
		}
	}

	klines := make([]model.KLine, 0, len(rows))
	// Rows arrive newest first; walk backwards for oldest-first output.
	for i := len(rows) - 1; i >= 0; i-- {
		k, err := parseCandleRow(rows[i], instID, bar, dur)
		if err != nil {
			return nil, fmt.Errorf("candle row %d: %w", i, err)
		}
		klines = append(klines, k)
	}
	return klines, nil
}

// parseCandleRow maps one [ts,o,h,l,c,vol,...,confirm] row. The confirm
// flag is the ninth field of /market/candles responses; rows without it are
// treated as closed.
func parseCandleRow(row []string, instID, bar string, dur time.Duration) (model.KLine, error) {
	if len(row) < 6 {
		return model.KLine{}, fmt.Errorf("short row: %d fields", len(row))
	}
	ts, err := service.StringToInt64(row[0])
	if err != nil {
		return model.KLine{}, err
	}
	vals := make([]float64, 5)
	for i := 0; i < 5; i++ {
		v, err := service.StringToFloat(row[i+1])
		if err != nil {
			return model.KLine{}, err
		}
		vals[i] = v
	}
	confirmed := true
	if len(row) >= 9 {
		confirmed = row[8] == "1"
	}
	start := time.UnixMilli(ts)
	return model.KLine{
		InstID:    instID,
		Interval:  bar,
		Open:      vals[0],
		High:      vals[1],
		Low:       vals[2],
		Close:     vals[3],
		Volume:    vals[4],
		StartTime: start,
		EndTime:   start.Add(dur),
		Confirmed: confirmed,
	}, nil
}

// okxTickerRow is one /market/ticker entry.
type okxTickerRow struct {
	InstID    string `json:"instId"`
	LastPrice string `json:"last"`
	Volume    string `json:"vol24h"`
	Timestamp string `json:"ts"`
}

// GetTicker fetches the last traded price over REST. The websocket cache is
// the primary source; this covers startup and stream gaps.
func (c *OkxPublicClient) GetTicker(ctx context.Context, instID string) (model.Ticker, error) {
	params := url.Values{}
	params.Set("instId", instID)
	var rows []okxTickerRow
	if err := c.get(ctx, "/api/v5/market/ticker", params, &rows); err != nil {
		return model.Ticker{}, err
	}
	if len(rows) == 0 {
		return model.Ticker{}, fmt.Errorf("okx ticker: empty response for %s", instID)
	}
	price, err := service.StringToFloat(rows[0].LastPrice)
	if err != nil {
		return model.Ticker{}, fmt.Errorf("okx ticker price: %w", err)
	}
	ts, _ := service.StringToInt64(rows[0].Timestamp)
	vol, _ := service.StringToFloat(rows[0].Volume)
	return model.Ticker{InstID: instID, Timestamp: ts, Price: price, Volume: vol}, nil
}

// okxInstrumentRow is one /public/instruments entry.
type okxInstrumentRow struct {
	InstID   string `json:"instId"`
	TickSize string `json:"tickSz"`
	LotSize  string `json:"lotSz"`
	MinSize  string `json:"minSz"`
	CtVal    string `json:"ctVal"`
}

// GetInstrument fetches tick/lot/min-size metadata. Missing metadata is a
// startup-fatal condition for the caller, not something to default around.
func (c *OkxPublicClient) GetInstrument(ctx context.Context, instID string) (model.Instrument, error) {
	params := url.Values{}
	params.Set("instType", instTypeOf(instID))
	params.Set("instId", instID)
	var rows []okxInstrumentRow
	if err := c.get(ctx, "/api/v5/public/instruments", params, &rows); err != nil {
		return model.Instrument{}, err
	}
	if len(rows) == 0 {
		return model.Instrument{}, fmt.Errorf("okx instruments: %s not found", instID)
	}
	r := rows[0]
	inst := model.Instrument{InstID: r.InstID}
	var err error
	if inst.TickSize, err = service.StringToFloat(r.TickSize); err != nil {
		return model.Instrument{}, fmt.Errorf("okx instruments tickSz: %w", err)
	}
	if inst.LotSize, err = service.StringToFloat(r.LotSize); err != nil {
		return model.Instrument{}, fmt.Errorf("okx instruments lotSz: %w", err)
	}
	if inst.MinSize, err = service.StringToFloat(r.MinSize); err != nil {
		return model.Instrument{}, fmt.Errorf("okx instruments minSz: %w", err)
	}
	if r.CtVal != "" {
		if inst.CtVal, err = service.StringToFloat(r.CtVal); err != nil {
			return model.Instrument{}, fmt.Errorf("okx instruments ctVal: %w", err)
		}
	}
	return inst, nil
}

func instTypeOf(instID string) string {
	switch {
	case strings.HasSuffix(instID, "-SWAP"):
		return "SWAP"
	case strings.Count(instID, "-") == 2:
		return "FUTURES"
	default:
		return "SPOT"
	}
}
