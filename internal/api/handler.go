package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	edgar "github.com/RxDataLab/edgar-facts"
)

type errorResponse struct {
	Error string                  `json:"error"`
	Kind  string                  `json:"kind"`
	Data  *edgar.FinancialDataset `json:"data,omitempty"`
}

type resolveResponse struct {
	Ticker string `json:"ticker"`
	CIK    string `json:"cik"`
}

type Handler struct {
	resolver     edgar.CIKResolver
	data         edgar.FinancialDataSource
	prices       edgar.PriceProvider
	analyzerOpts []edgar.AnalyzerOption
}

func NewHandler(deps Dependencies) *Handler {
	return &Handler{
		resolver:     deps.Resolver,
		data:         deps.Data,
		prices:       deps.Prices,
		analyzerOpts: deps.AnalyzerOptions,
	}
}

// statusFor maps an error kind onto an HTTP status.
func statusFor(err error) int {
	switch edgar.Classify(err) {
	case edgar.KindNotFound:
		return http.StatusNotFound
	case edgar.KindInsufficientData:
		return http.StatusUnprocessableEntity
	case edgar.KindTransport, edgar.KindMalformed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, err error, ds *edgar.FinancialDataset) {
	writeJSON(ctx, w, status, errorResponse{
		Error: err.Error(),
		Kind:  edgar.Classify(err).String(),
		Data:  ds,
	})
}

// ListMetrics lists the alias table. With ?tag= it returns the single alias
// mapped to that XBRL tag instead.
func (h *Handler) ListMetrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tag := strings.TrimSpace(r.URL.Query().Get("tag"))
	if tag == "" {
		writeJSON(ctx, w, http.StatusOK, edgar.DefaultMetricAliases())
		return
	}

	if alias, ok := edgar.AliasForTag(tag); ok {
		for _, m := range edgar.DefaultMetricAliases() {
			if m.Alias == alias {
				writeJSON(ctx, w, http.StatusOK, m)
				return
			}
		}
	}
	writeError(ctx, w, http.StatusNotFound, fmt.Errorf("tag %q: %w", tag, edgar.ErrNotFound), nil)
}

func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ticker := edgar.NormalizeTicker(chi.URLParam(r, "ticker"))

	cik, err := h.resolver.Resolve(ctx, ticker)
	if err != nil {
		zerolog.Ctx(ctx).Info().Err(err).Str("ticker", ticker).Msg("ticker not resolved")
		writeError(ctx, w, statusFor(err), err, nil)
		return
	}
	writeJSON(ctx, w, http.StatusOK, resolveResponse{Ticker: ticker, CIK: cik})
}

func (h *Handler) GetFinancials(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := zerolog.Ctx(ctx)
	ticker := chi.URLParam(r, "ticker")
	q := r.URL.Query()

	rng, err := edgar.NewDateRange(q.Get("start"), q.Get("end"))
	if err != nil {
		writeError(ctx, w, http.StatusBadRequest, err, nil)
		return
	}
	opts := edgar.DataOptions{Range: rng, Metrics: splitList(q.Get("metrics"))}

	ds, err := h.data.GetFinancialData(ctx, ticker, opts)
	if err != nil {
		logger.Warn().Err(err).Str("ticker", ticker).Msg("financial data incomplete")
		writeError(ctx, w, statusFor(err), err, ds)
		return
	}
	writeJSON(ctx, w, http.StatusOK, ds)
}

func (h *Handler) GetAnalysis(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := zerolog.Ctx(ctx)
	ticker := chi.URLParam(r, "ticker")
	metric := chi.URLParam(r, "metric")

	if h.prices == nil && needsPrices(metric) {
		writeJSON(ctx, w, http.StatusServiceUnavailable, errorResponse{Error: "no price provider configured", Kind: edgar.KindUnknown.String()})
		return
	}

	// The request logger goes last so it wins over any configured logger.
	opts := make([]edgar.AnalyzerOption, 0, len(h.analyzerOpts)+1)
	opts = append(opts, h.analyzerOpts...)
	opts = append(opts, edgar.WithAnalyzerLogger(*logger))
	a := edgar.NewAnalyzer(h.data, h.prices, ticker, opts...)

	var (
		result any
		err    error
	)
	switch metric {
	case "market_cap":
		result, err = a.MarketCap(ctx)
	case "pe_ttm":
		result, err = a.PETTM(ctx)
	case "forward_pe":
		result, err = a.ForwardPE(ctx)
	case "pe_history":
		period, perr := edgar.ParsePeriodType(defaultString(r.URL.Query().Get("period"), "quarterly"))
		if perr != nil {
			writeError(ctx, w, http.StatusBadRequest, perr, nil)
			return
		}
		result, err = a.HistoricalPE(ctx, period)
	case "pe_ratios":
		result, err = a.PERatios(ctx)
	case "pe_summary":
		var ratios edgar.PERatioSeries
		if ratios, err = a.PERatios(ctx); err == nil {
			result, err = summarize(ratios)
		}
	case "peg":
		result, err = a.PEG(ctx)
	case "free_cash_flow":
		result, err = a.FreeCashFlow(ctx)
	case "cash":
		result, err = a.CashAndShortTermInvestments(ctx)
	case "cash_reconciliation":
		result, err = a.EndingCashBalance(ctx)
	default:
		writeJSON(ctx, w, http.StatusNotFound, errorResponse{Error: "unknown analysis " + metric, Kind: edgar.KindNotFound.String()})
		return
	}

	if err != nil {
		logger.Info().Err(err).Str("ticker", ticker).Str("metric", metric).Msg("analysis failed")
		writeError(ctx, w, statusFor(err), err, nil)
		return
	}
	writeJSON(ctx, w, http.StatusOK, result)
}

type peSummaries struct {
	Quarterly *edgar.PESummary `json:"quarterly,omitempty"`
	Annual    *edgar.PESummary `json:"annual,omitempty"`
}

func summarize(ratios edgar.PERatioSeries) (peSummaries, error) {
	var out peSummaries
	q, qErr := edgar.SummarizePE(ratios.Quarterly)
	if qErr == nil {
		out.Quarterly = &q
	}
	y, yErr := edgar.SummarizePE(ratios.Annual)
	if yErr == nil {
		out.Annual = &y
	}
	if qErr != nil && yErr != nil {
		return out, qErr
	}
	return out, nil
}

func needsPrices(metric string) bool {
	switch metric {
	case "free_cash_flow", "cash", "cash_reconciliation":
		return false
	}
	return true
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func defaultString(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
