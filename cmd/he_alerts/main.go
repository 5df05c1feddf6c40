// he_alerts watches a financial newsletter for trading levels, prices them
// against a market-data gateway twice a day and mails out the resulting
// buy/sell/short/cover alerts.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/phuslu/log"
	"github.com/spf13/cobra"

	"he_alerts/internal/alert"
	"he_alerts/internal/broker"
	"he_alerts/internal/calendar"
	"he_alerts/internal/config"
	"he_alerts/internal/contract"
	"he_alerts/internal/extract"
	"he_alerts/internal/logger"
	"he_alerts/internal/mail"
	"he_alerts/internal/market"
	"he_alerts/internal/models"
	"he_alerts/internal/notify"
	"he_alerts/internal/ocr"
	"he_alerts/internal/scheduler"
	"he_alerts/internal/store"
)

// Exit codes, one per failure family, so cron wrappers and monitoring can
// tell transient infrastructure trouble from pipeline errors.
const (
	exitOK        = 0
	exitError     = 1
	exitNoMessage = 2
	exitBroker    = 3
	exitStore     = 4
	exitMail      = 5
)

func main() {
	os.Exit(run())
}

func run() int {
	var configPath string

	root := &cobra.Command{
		Use:           "he_alerts",
		Short:         "newsletter trading-level alerting pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.toml", "path to the TOML config file")

	root.AddCommand(
		runCmd(&configPath),
		extractCmd(&configPath),
		sessionCmd(&configPath),
		holidaysCmd(&configPath),
	)

	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		return exitCode(err)
	}
	return exitOK
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, models.ErrNoMessage):
		return exitNoMessage
	case errors.Is(err, models.ErrBrokerUnavailable):
		return exitBroker
	case errors.Is(err, models.ErrStore):
		return exitStore
	case errors.Is(err, models.ErrMail):
		return exitMail
	default:
		return exitError
	}
}

// app holds the wired pipeline for one command invocation.
type app struct {
	cfg   *config.Config
	cal   *calendar.Calendar
	store *store.Store
	sched *scheduler.Scheduler
}

func (a *app) close() {
	if a.store != nil {
		a.store.Close()
	}
}

// buildApp loads config and wires every component. withSource controls
// whether the Gmail and Gemini clients are constructed; the session and
// holidays commands never touch them.
func buildApp(ctx context.Context, configPath string, withSource bool) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger.Setup(cfg.Log.Filename, cfg.Log.MaxSizeMB, cfg.Log.MaxBackups, cfg.Log.Level)

	cal, err := calendar.New(cfg.Schedule.Timezone)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, err
	}

	var extractor scheduler.Extractor
	if withSource {
		source, err := mail.NewGmailSource(ctx, cfg.Source.CredentialsPath, cfg.Source.TokenPath, cfg.Runtime.SourceTimeout())
		if err != nil {
			st.Close()
			return nil, err
		}
		reader, err := ocr.NewGeminiReader(ctx, cfg.OCR.APIKey, cfg.OCR.Model, cfg.Runtime.OCRTimeout())
		if err != nil {
			st.Close()
			return nil, err
		}
		extractor = extract.New(source, st,
			extract.NewDailyParser(),
			extract.NewETFParser(),
			extract.NewIdeasParser(),
			extract.NewCryptoParser(reader, cfg.Extract.CryptoImageIndices, cfg.Extract.PureCryptoSymbols),
		)
	}

	var catalog contract.AssetCatalog
	if cfg.Alpaca.Enabled {
		catalog = market.NewAlpacaCatalog(cfg.Alpaca.BaseURL)
	}
	resolver := contract.New(st, catalog)

	notifier := notify.New(&notify.SMTPTransport{
		Host:     cfg.Mail.Host,
		Port:     cfg.Mail.Port,
		User:     cfg.Mail.User,
		Password: cfg.Mail.Password,
		Timeout:  cfg.Runtime.SMTPTimeout(),
	}, cfg.Mail.From, cfg.Mail.To)

	dial := func(ctx context.Context) (broker.Quoter, error) {
		return broker.Dial(ctx, cfg.Broker.Host, cfg.Broker.Port, cfg.Broker.ClientID)
	}

	sched := scheduler.New(cfg, cal, st, extractor, alert.NewEvaluator(), notifier, resolver, dial)
	return &app{cfg: cfg, cal: cal, store: st, sched: sched}, nil
}

// runCmd starts the long-running scheduler: morning extraction plus the AM
// and PM pricing sessions, fired in exchange time on market days only.
func runCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "run the scheduled pipeline until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, *configPath, true)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.sched.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			log.Info().Msg("scheduler stopped")
			return nil
		},
	}
}

// extractCmd runs one extraction pass outside the schedule.
func extractCmd(configPath *string) *cobra.Command {
	var (
		categories []string
		hours      int
		validate   bool
	)
	cmd := &cobra.Command{
		Use:   "extract",
		Short: "extract newsletter levels into the store once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx, *configPath, true)
			if err != nil {
				return err
			}
			defer a.close()

			if validate {
				a.cfg.Mode = "validate"
			}
			if hours > 0 {
				a.cfg.Extract.LookbackHours = hours
			}

			var cats []models.Category
			for _, name := range categories {
				c, err := models.ParseCategory(name)
				if err != nil {
					return err
				}
				cats = append(cats, c)
			}

			summaries, err := a.sched.RunExtraction(ctx, cats)
			for _, s := range summaries {
				if s.Err != nil {
					fmt.Printf("%-14s FAILED: %v\n", s.Category, s.Err)
					continue
				}
				fmt.Printf("%-14s rows=%d added=%d removed=%d changed=%d\n",
					s.Category, s.RowCount, s.Added, s.Removed, s.Changed)
			}
			return err
		},
	}
	cmd.Flags().StringSliceVar(&categories, "categories", nil, "categories to extract (default: today's schedule)")
	cmd.Flags().IntVar(&hours, "hours", 0, "override the message lookback window in hours")
	cmd.Flags().BoolVar(&validate, "validate", false, "report the delta without writing to the store")
	return cmd
}

// sessionCmd runs one pricing-and-alert session outside the schedule.
func sessionCmd(configPath *string) *cobra.Command {
	var sessionFlag string
	cmd := &cobra.Command{
		Use:   "session",
		Short: "price active rows and send the alert digest once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx, *configPath, false)
			if err != nil {
				return err
			}
			defer a.close()

			session, err := resolveSession(sessionFlag, a)
			if err != nil {
				return err
			}

			jobCtx, cancel := context.WithTimeout(ctx, a.cfg.Runtime.JobTimeout())
			defer cancel()
			return a.sched.RunSession(jobCtx, session)
		},
	}
	cmd.Flags().StringVar(&sessionFlag, "session", "", "AM or PM (default: inferred from the exchange clock)")
	return cmd
}

func resolveSession(flag string, a *app) (models.Session, error) {
	switch strings.ToUpper(strings.TrimSpace(flag)) {
	case "":
		return a.sched.DetectSession(a.cal.Now())
	case string(models.SessionAM):
		return models.SessionAM, nil
	case string(models.SessionPM):
		return models.SessionPM, nil
	}
	return "", fmt.Errorf("invalid session %q, want AM or PM", flag)
}

// holidaysCmd prints the exchange holidays for a year.
func holidaysCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "holidays [year]",
		Short: "list exchange holidays for a year",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			cal, err := calendar.New(cfg.Schedule.Timezone)
			if err != nil {
				return err
			}

			year := time.Now().In(cal.Location()).Year()
			if len(args) == 1 {
				year, err = strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid year %q", args[0])
				}
			}

			for _, h := range cal.Holidays(year) {
				fmt.Printf("%s  %s  %s\n", h.Date.Format("2006-01-02"), h.Date.Format("Mon"), h.Name)
			}
			return nil
		},
	}
}
