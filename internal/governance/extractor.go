package governance

import (
	"context"
	"encoding/json"
	"log"
	"regexp"
	"strconv"
	"strings"

	"github.com/agentwatch-hq/agentwatch/config"
	"github.com/agentwatch-hq/agentwatch/models"
)

// extractionSchema is the fixed field schema sent to the remote service.
var extractionSchema = []string{"total_cost", "unit_price", "action_type", "ticker", "quantity", "vendor"}

// actionVocabulary is the fixed action vocabulary recognized by the local
// fallback, case-insensitive.
var actionVocabulary = []string{"BUY", "SELL", "HOLD", "RESEARCH"}

// knownTickers is the allow-list the local fallback matches tickers against.
// Matching any 1-5 uppercase letters produced too many false positives
// (sentence-initial words, acronyms), so only listed symbols count.
var knownTickers = map[string]bool{
	"AAPL": true, "MSFT": true, "GOOG": true, "GOOGL": true, "AMZN": true,
	"TSLA": true, "NVDA": true, "META": true, "NFLX": true, "AMD": true,
	"INTC": true, "IBM": true, "ORCL": true, "CRM": true, "UBER": true,
	"GME": true, "AMC": true, "BBBY": true, "SPY": true, "QQQ": true,
}

var (
	totalCostRe = regexp.MustCompile(`(?i)total cost \$([\d,]+(?:\.\d+)?)`)
	priceRe     = regexp.MustCompile(`\$([\d,]+(?:\.\d+)?)`)
	actionRe    = regexp.MustCompile(`(?i)\b(` + strings.Join(actionVocabulary, "|") + `)\b`)
	tickerRe    = regexp.MustCompile(`\b[A-Z]{1,5}\b`)
	quantityRe  = regexp.MustCompile(`(?i)(\d+)\s+shares`)
	vendorRe    = regexp.MustCompile(`(?i)\b(?:vendor|supplier|provider)\s+([A-Za-z][\w&.-]*)`)
	numberRe    = regexp.MustCompile(`[\d.]+`)
	digitsRe    = regexp.MustCompile(`\d+`)
)

// Extractor produces a partial entity map from a step's raw log.
type Extractor interface {
	Extract(ctx context.Context, rawLog string) (models.Entities, error)
}

// ExtractorService calls the remote structured-extraction service and falls
// back to deterministic pattern matching when no service is configured or the
// call fails in any way.
type ExtractorService struct {
	cfg    config.ExtractionConfig
	client *jsonClient
	logger *log.Logger
}

func NewExtractorService(cfg config.ExtractionConfig, logger *log.Logger) *ExtractorService {
	return &ExtractorService{cfg: cfg, client: newJSONClient(cfg.Timeout), logger: logger}
}

type extractRequest struct {
	Text                string   `json:"text"`
	FieldSchema         []string `json:"field_schema"`
	ConfidenceThreshold float64  `json:"confidence_threshold"`
}

// extractCandidate accepts both plain strings and {"text": ...} objects.
type extractCandidate struct {
	Text string
}

func (c *extractCandidate) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		c.Text = s
		return nil
	}
	var obj struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	c.Text = obj.Text
	return nil
}

type extractResponse struct {
	Entities map[string][]extractCandidate `json:"entities"`
}

func (s *ExtractorService) Extract(ctx context.Context, rawLog string) (models.Entities, error) {
	if s.cfg.APIURL == "" || s.cfg.APIKey == "" {
		return s.extractLocal(rawLog), nil
	}
	entities, err := s.extractRemote(ctx, rawLog)
	if err != nil {
		s.logger.Printf("extraction service error, using pattern fallback: %v", err)
		return s.extractLocal(rawLog), nil
	}
	return entities, nil
}

func (s *ExtractorService) extractRemote(ctx context.Context, rawLog string) (models.Entities, error) {
	var resp extractResponse
	req := extractRequest{Text: rawLog, FieldSchema: extractionSchema, ConfidenceThreshold: s.cfg.ConfidenceThreshold}
	headers := map[string]string{"X-API-Key": s.cfg.APIKey}
	if err := s.client.postJSON(ctx, s.cfg.APIURL, headers, req, &resp); err != nil {
		return models.Entities{}, err
	}

	var out models.Entities
	// Prefer an explicit total cost over a generic unit price.
	for _, key := range []string{"total_cost", "unit_price"} {
		if cands := resp.Entities[key]; len(cands) > 0 {
			if price, ok := parsePrice(cands[0].Text); ok {
				out.Price = &price
				break
			}
		}
	}
	if cands := resp.Entities["action_type"]; len(cands) > 0 {
		out.ActionType = strings.ToUpper(strings.TrimSpace(cands[0].Text))
	}
	if cands := resp.Entities["ticker"]; len(cands) > 0 {
		out.Ticker = strings.ToUpper(strings.TrimSpace(cands[0].Text))
	}
	if cands := resp.Entities["quantity"]; len(cands) > 0 {
		if m := digitsRe.FindString(cands[0].Text); m != "" {
			if qty, err := strconv.Atoi(m); err == nil {
				out.Quantity = &qty
			}
		}
	}
	if cands := resp.Entities["vendor"]; len(cands) > 0 {
		out.Vendor = strings.TrimSpace(cands[0].Text)
	}
	return out, nil
}

// extractLocal is the deterministic pattern-matching fallback. It returns only
// recognized fields; anything it does not recognize stays absent.
func (s *ExtractorService) extractLocal(rawLog string) models.Entities {
	var out models.Entities

	if m := totalCostRe.FindStringSubmatch(rawLog); m != nil {
		if price, ok := parsePrice(m[1]); ok {
			out.Price = &price
		}
	} else if m := priceRe.FindStringSubmatch(rawLog); m != nil {
		if price, ok := parsePrice(m[1]); ok {
			out.Price = &price
		}
	}

	if m := actionRe.FindString(rawLog); m != "" {
		out.ActionType = strings.ToUpper(m)
	}

	for _, tok := range tickerRe.FindAllString(rawLog, -1) {
		if knownTickers[tok] {
			out.Ticker = tok
			break
		}
	}

	if m := quantityRe.FindStringSubmatch(rawLog); m != nil {
		if qty, err := strconv.Atoi(m[1]); err == nil {
			out.Quantity = &qty
		}
	}

	if m := vendorRe.FindStringSubmatch(rawLog); m != nil {
		out.Vendor = m[1]
	}
	return out
}

// parsePrice coerces a currency string to a number, stripping symbols and
// thousands separators.
func parsePrice(raw string) (float64, bool) {
	cleaned := strings.ReplaceAll(strings.ReplaceAll(raw, "$", ""), ",", "")
	m := numberRe.FindString(cleaned)
	if m == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
