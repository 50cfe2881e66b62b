package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	edgar "github.com/RxDataLab/edgar-facts"
	"github.com/RxDataLab/edgar-facts/internal/api"
	"github.com/RxDataLab/edgar-facts/internal/config"
	"github.com/RxDataLab/edgar-facts/yfinance"
)

type app struct {
	cfgPath  string
	email    string
	logLevel string
	pretty   bool

	cfg    *config.Config
	log    zerolog.Logger
	client *edgar.Client
}

func main() {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:           "edgarfacts",
		Short:         "Normalize SEC EDGAR company facts and derive valuation metrics",
		Version:       edgar.VERSION,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&a.cfgPath, "config", "c", "", "Path to a config file (yaml, toml or json)")
	rootCmd.PersistentFlags().StringVarP(&a.email, "email", "e", "", "Email for SEC User-Agent header (or use SEC_EMAIL env var)")
	rootCmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&a.pretty, "pretty", false, "Human-readable log output")

	rootCmd.AddCommand(
		a.resolveCmd(),
		a.factsCmd(),
		a.metricsCmd(),
		a.analyzeCmd(),
		a.serveCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func (a *app) init(cmd *cobra.Command) error {
	cfg, err := config.Load(a.cfgPath)
	if err != nil {
		return err
	}
	if a.email != "" {
		if err := edgar.ValidateEmail(a.email); err != nil {
			return err
		}
		cfg.Email = a.email
		cfg.UserAgent = ""
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	if cmd.Flags().Changed("pretty") {
		cfg.LogPretty = a.pretty
	}

	a.cfg = cfg
	a.log = cfg.Logger()
	a.client = edgar.NewClient(cfg.ClientOptions(a.log)...)
	return nil
}

func (a *app) writeOutput(v any, info edgar.GeneralInfo, outputPath, outputDir string) error {
	if outputPath == "" && outputDir == "" {
		data, err := edgar.FormatJSON(v)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(os.Stdout, string(data))
		return err
	}
	path, err := edgar.SaveJSON(v, info, edgar.SaveOptions{OutputPath: outputPath, OutputDir: outputDir})
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Saved: %s\n", path)
	return nil
}

func (a *app) resolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <ticker>...",
		Short: "Resolve ticker symbols to 10-digit CIKs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			failed := 0
			for _, ticker := range args {
				cik, err := a.client.Resolver.Resolve(cmd.Context(), ticker)
				if err != nil {
					fmt.Fprintf(os.Stderr, "%s: %v\n", edgar.NormalizeTicker(ticker), err)
					failed++
					continue
				}
				fmt.Printf("%s\t%s\n", edgar.NormalizeTicker(ticker), cik)
			}
			if failed == len(args) {
				return fmt.Errorf("no ticker resolved")
			}
			return nil
		},
	}
}

func (a *app) factsCmd() *cobra.Command {
	var start, end, outputPath, outputDir string
	var metrics []string

	cmd := &cobra.Command{
		Use:   "facts <ticker>...",
		Short: "Fetch normalized metric series for one or more tickers",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rng, err := edgar.NewDateRange(start, end)
			if err != nil {
				return err
			}
			opts := edgar.DataOptions{Range: rng, Metrics: metrics}
			agg := a.client.Aggregator()

			if len(args) == 1 {
				ds, err := agg.GetFinancialData(cmd.Context(), args[0], opts)
				if err != nil {
					return fmt.Errorf("failed to get financial data: %w", err)
				}
				for _, w := range ds.Warnings {
					fmt.Fprintf(os.Stderr, "Warning: %s\n", w)
				}
				return a.writeOutput(ds, ds.GeneralInfo, outputPath, outputDir)
			}

			result, err := agg.FetchBatch(cmd.Context(), args, opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "Fetched %d/%d tickers\n", result.Fetched, len(result.Datasets))
			data, err := edgar.FormatJSONBatch(result)
			if err != nil {
				return err
			}
			if outputPath == "" && outputDir == "" {
				fmt.Println(string(data))
				return nil
			}
			if outputPath == "" {
				outputPath = edgar.GenerateFilename(edgar.GeneralInfo{Ticker: "batch"}, "json")
			}
			if outputDir != "" {
				if err := os.MkdirAll(outputDir, 0755); err != nil {
					return fmt.Errorf("failed to create output directory: %w", err)
				}
				outputPath = filepath.Join(outputDir, outputPath)
			}
			if err := os.WriteFile(outputPath, data, 0644); err != nil {
				return fmt.Errorf("failed to save JSON output: %w", err)
			}
			fmt.Fprintf(os.Stderr, "Saved: %s\n", outputPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&start, "start", "", "Earliest period end date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&end, "end", "", "Latest period end date (YYYY-MM-DD)")
	cmd.Flags().StringSliceVarP(&metrics, "metrics", "m", nil, "Metric aliases to include (default: all)")
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output JSON file path (default: stdout)")
	cmd.Flags().StringVar(&outputDir, "dir", "", "Directory for output files")
	return cmd
}

func (a *app) metricsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "List the available metric aliases",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			for _, m := range edgar.DefaultMetricAliases() {
				fmt.Printf("%-34s %-62s %s\n", m.Alias, m.Tag, m.Description)
			}
			return nil
		},
	}
}

type analysisSection struct {
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
	Kind   string `json:"kind,omitempty"`
}

func section(v any, err error) analysisSection {
	if err != nil {
		return analysisSection{Error: err.Error(), Kind: edgar.Classify(err).String()}
	}
	return analysisSection{Result: v}
}

func (a *app) analyzeCmd() *cobra.Command {
	var outputPath, outputDir string

	cmd := &cobra.Command{
		Use:   "analyze <ticker>",
		Short: "Compute market cap, PE, free cash flow and cash figures for a ticker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			prices := yfinance.New(a.log)
			an := edgar.NewAnalyzer(a.client.Aggregator(), prices, args[0], a.cfg.AnalyzerOptions(a.log)...)

			ds, err := an.Fetch(ctx)
			if err != nil {
				return fmt.Errorf("failed to get financial data: %w", err)
			}

			report := map[string]analysisSection{}
			report["market_cap"] = section(an.MarketCap(ctx))
			report["pe_ttm"] = section(an.PETTM(ctx))
			report["forward_pe"] = section(an.ForwardPE(ctx))
			report["peg"] = section(an.PEG(ctx))

			ratios, err := an.PERatios(ctx)
			report["pe_ratios"] = section(ratios, err)
			if err == nil {
				if s, err := edgar.SummarizePE(ratios.Quarterly); err == nil {
					report["pe_summary_quarterly"] = section(s, nil)
				}
				if s, err := edgar.SummarizePE(ratios.Annual); err == nil {
					report["pe_summary_annual"] = section(s, nil)
				}
			}

			report["free_cash_flow"] = section(an.FreeCashFlow(ctx))
			report["cash_and_short_term_investments"] = section(an.CashAndShortTermInvestments(ctx))
			report["cash_reconciliation"] = section(an.EndingCashBalance(ctx))

			out := struct {
				GeneralInfo edgar.GeneralInfo          `json:"general_info"`
				Analyses    map[string]analysisSection `json:"analyses"`
			}{ds.GeneralInfo, report}
			return a.writeOutput(out, ds.GeneralInfo, outputPath, outputDir)
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output JSON file path (default: stdout)")
	cmd.Flags().StringVar(&outputDir, "dir", "", "Directory for output files")
	return cmd
}

func (a *app) serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve datasets and analyses over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" {
				addr = a.cfg.Server.Addr
			}
			web := api.NewWebAPI(a.log, api.Config{
				Addr:            addr,
				ShutdownTimeout: a.cfg.Server.ShutdownTimeout,
				Dependencies: api.Dependencies{
					Resolver:        a.client.Resolver,
					Data:            a.client.Aggregator(),
					Prices:          yfinance.New(a.log),
					AnalyzerOptions: a.cfg.AnalyzerOptions(a.log),
				},
			})
			return web.Start(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from config, :8080)")
	return cmd
}
