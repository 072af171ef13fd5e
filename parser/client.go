package parser

import (
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/sigpilot/sigpilot/market"
	"github.com/sigpilot/sigpilot/types"
)

// ServiceParser calls an external HTTP parse service and falls back to the
// rule parser when the service declines or fails.
type ServiceParser struct {
	client   *resty.Client
	fallback Parser
}

// NewServiceParser creates a parser backed by the service at baseURL.
func NewServiceParser(baseURL string, timeout time.Duration, fallback Parser) *ServiceParser {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(250 * time.Millisecond).
		SetHeader("Content-Type", "application/json")
	return &ServiceParser{client: client, fallback: fallback}
}

type parseRequest struct {
	Text string `json:"text"`
}

type parseResponse struct {
	Symbol     string   `json:"symbol"`
	Direction  string   `json:"direction"`
	Entries    []string `json:"entries"`
	StopLoss   *string  `json:"sl,omitempty"`
	TakeProfit []string `json:"tp"`
	Volume     *string  `json:"volume,omitempty"`
	Confidence float64  `json:"confidence"`
}

// Parse asks the service first; any failure or empty result falls through to
// the rule parser.
func (p *ServiceParser) Parse(text string) *types.Signal {
	var out parseResponse
	resp, err := p.client.R().
		SetBody(parseRequest{Text: text}).
		SetResult(&out).
		Post("/parse")

	if err != nil || resp.IsError() || out.Symbol == "" || out.Direction == "" {
		if err != nil {
			log.Warn().Err(err).Msg("Parse service unreachable, using rule parser")
		}
		return p.fallback.Parse(text)
	}

	sig := &types.Signal{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Symbol:    market.Resolve(out.Symbol),
		Direction: types.Buy,
		RawText:   text,
		Priority:  types.PriorityMedium,
	}
	if out.Direction == "SELL" || out.Direction == "SHORT" {
		sig.Direction = types.Sell
	}
	for _, e := range out.Entries {
		if d, ok := parseNum(e); ok {
			sig.Entries = append(sig.Entries, d)
		}
	}
	if out.StopLoss != nil {
		if d, ok := parseNum(*out.StopLoss); ok {
			sig.StopLoss = &d
		}
	}
	for _, tp := range out.TakeProfit {
		if d, ok := parseNum(tp); ok {
			sig.TakeProfit = append(sig.TakeProfit, d)
		}
	}
	if out.Volume != nil {
		if d, ok := parseNum(*out.Volume); ok && d.IsPositive() {
			sig.Volume = &d
		}
	}
	sig.Confidence = decimal.NewFromFloat(out.Confidence)
	if sig.Confidence.IsNegative() || sig.Confidence.GreaterThan(decimal.NewFromInt(1)) {
		sig.Confidence = scoreConfidence(sig)
	}
	return sig
}
