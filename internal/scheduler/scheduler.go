// Package scheduler runs the three clocked jobs of the pipeline: morning
// extraction and the AM and PM price-and-alert sessions. Jobs fire in the
// exchange timezone and only on market days.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/phuslu/log"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"he_alerts/internal/alert"
	"he_alerts/internal/broker"
	"he_alerts/internal/calendar"
	"he_alerts/internal/config"
	"he_alerts/internal/models"
)

// Store is the persistence surface the jobs need.
type Store interface {
	ListActive(ctx context.Context) ([]models.Stock, error)
	UpdatePrice(ctx context.Context, ticker string, category models.Category, session models.Session, price decimal.Decimal, at time.Time) error
	StartSessionRun(ctx context.Context, run *models.SessionRun) error
	FinishSessionRun(ctx context.Context, run *models.SessionRun) error
}

// Extractor runs category extraction; the scheduler only cares about the
// summaries.
type Extractor interface {
	Run(ctx context.Context, categories []models.Category, window time.Duration, validate bool) []models.ExtractionSummary
}

// Notifier dispatches the session digest.
type Notifier interface {
	SendDigest(ctx context.Context, alerts []models.Alert, session models.Session, tradingDay string) error
}

// QuoterDialer opens a gateway session for one run. Sessions are per-run so
// a wedged connection never outlives its job.
type QuoterDialer func(ctx context.Context) (broker.Quoter, error)

// Scheduler wires the pipeline components to the clock.
type Scheduler struct {
	cfg       *config.Config
	cal       *calendar.Calendar
	store     Store
	extractor Extractor
	evaluator *alert.Evaluator
	notifier  Notifier
	resolver  broker.Resolver
	dial      QuoterDialer

	jobLocks map[string]*sync.Mutex
	cron     *cron.Cron
}

func New(cfg *config.Config, cal *calendar.Calendar, store Store, extractor Extractor,
	evaluator *alert.Evaluator, notifier Notifier, resolver broker.Resolver, dial QuoterDialer) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		cal:       cal,
		store:     store,
		extractor: extractor,
		evaluator: evaluator,
		notifier:  notifier,
		resolver:  resolver,
		dial:      dial,
		jobLocks: map[string]*sync.Mutex{
			"extraction": {},
			"session":    {},
		},
	}
}

// Start registers the cron entries and blocks until ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	s.cron = cron.New(cron.WithLocation(s.cal.Location()))

	entries := []struct {
		clock string
		run   func()
	}{
		{s.cfg.Schedule.ExtractionTime, func() { s.fire(ctx, "extraction", "", s.runExtractionJob) }},
		{s.cfg.Schedule.AMTime, func() { s.fire(ctx, "session", models.SessionAM, s.sessionJob(models.SessionAM)) }},
		{s.cfg.Schedule.PMTime, func() { s.fire(ctx, "session", models.SessionPM, s.sessionJob(models.SessionPM)) }},
	}
	for _, e := range entries {
		hour, min, err := config.ParseClock(e.clock)
		if err != nil {
			return fmt.Errorf("bad schedule time %q: %w", e.clock, err)
		}
		spec := fmt.Sprintf("%d %d * * *", min, hour)
		if _, err := s.cron.AddFunc(spec, e.run); err != nil {
			return fmt.Errorf("register cron %q: %w", spec, err)
		}
		log.Info().Str("clock", e.clock).Msg("job scheduled")
	}

	s.cron.Start()
	log.Info().Str("timezone", s.cal.Location().String()).Msg("scheduler running")
	<-ctx.Done()
	stopped := s.cron.Stop()
	<-stopped.Done()
	return ctx.Err()
}

// fire is the scheduled entry point: gate on the market calendar, take the
// per-job lock and run under the job deadline.
func (s *Scheduler) fire(ctx context.Context, job string, session models.Session, fn func(ctx context.Context) error) {
	now := s.cal.Now()
	if !s.cal.IsMarketDay(now) {
		log.Info().Str("job", job).Str("reason", s.cal.HolidayName(now)).Msg("market closed, job skipped")
		return
	}

	mu := s.jobLocks[job]
	if !mu.TryLock() {
		log.Warn().Str("job", job).Msg("previous run still active, skipping")
		return
	}
	defer mu.Unlock()

	jobCtx, cancel := context.WithTimeout(ctx, s.cfg.Runtime.JobTimeout())
	defer cancel()

	if err := fn(jobCtx); err != nil {
		log.Error().Err(err).Str("job", job).Str("session", string(session)).Msg("job failed")
	}
}

func (s *Scheduler) sessionJob(session models.Session) func(ctx context.Context) error {
	return func(ctx context.Context) error { return s.RunSession(ctx, session) }
}

func (s *Scheduler) runExtractionJob(ctx context.Context) error {
	_, err := s.RunExtraction(ctx, nil)
	return err
}

// ExtractionCategories returns the categories the morning job covers on a
// given day: the weekly set joins only on the first market day of the week.
func (s *Scheduler) ExtractionCategories(t time.Time) []models.Category {
	var names []string
	names = append(names, s.cfg.Categories.Daily...)
	if s.cal.IsFirstMarketDayOfWeek(t) {
		names = append(names, s.cfg.Categories.Weekly...)
	}
	cats := make([]models.Category, 0, len(names))
	for _, n := range names {
		if c, err := models.ParseCategory(n); err == nil {
			cats = append(cats, c)
		}
	}
	return cats
}

// RunExtraction runs the extractor for the given categories (nil means the
// schedule's choice for today) and records a SessionRun. All categories
// reporting no message surfaces ErrNoMessage.
func (s *Scheduler) RunExtraction(ctx context.Context, categories []models.Category) ([]models.ExtractionSummary, error) {
	now := s.cal.Now()
	if categories == nil {
		categories = s.ExtractionCategories(now)
	}

	run := &models.SessionRun{
		Job:        "extraction",
		TradingDay: s.cal.TradingDay(now),
		StartedAt:  now,
	}
	if err := s.store.StartSessionRun(ctx, run); err != nil {
		return nil, err
	}

	window := time.Duration(s.cfg.Extract.LookbackHours) * time.Hour
	summaries := s.extractor.Run(ctx, categories, window, s.cfg.Mode == "validate")

	var errs []string
	noMessage := 0
	for _, sum := range summaries {
		if sum.Err == nil {
			continue
		}
		if errors.Is(sum.Err, models.ErrNoMessage) {
			noMessage++
		}
		errs = append(errs, fmt.Sprintf("%s: %v", sum.Category, sum.Err))
	}
	run.Error = strings.Join(errs, "; ")
	if err := s.store.FinishSessionRun(ctx, run); err != nil {
		log.Error().Err(err).Msg("could not record extraction run")
	}

	if noMessage == len(summaries) && len(summaries) > 0 {
		return summaries, models.ErrNoMessage
	}
	return summaries, nil
}

// RunSession prices the active rows, evaluates alerts and dispatches the
// digest. The SessionRun is recorded whatever the outcome.
func (s *Scheduler) RunSession(ctx context.Context, session models.Session) (err error) {
	now := s.cal.Now()
	run := &models.SessionRun{
		Job:        "session",
		Session:    session,
		TradingDay: s.cal.TradingDay(now),
		StartedAt:  now,
	}
	if startErr := s.store.StartSessionRun(ctx, run); startErr != nil {
		return startErr
	}
	defer func() {
		if err != nil {
			run.Error = err.Error()
		}
		if finishErr := s.store.FinishSessionRun(ctx, run); finishErr != nil {
			log.Error().Err(finishErr).Msg("could not record session run")
		}
	}()

	stocks, err := s.store.ListActive(ctx)
	if err != nil {
		return err
	}
	if len(stocks) == 0 {
		log.Warn().Msg("no active stocks to evaluate")
		return nil
	}

	quoter, err := s.dial(ctx)
	if err != nil {
		return err
	}
	defer quoter.Close()

	fetcher := broker.NewFetcher(quoter, s.resolver,
		time.Duration(s.cfg.Runtime.BrokerSpacingMS)*time.Millisecond,
		s.cfg.Runtime.Parallelism, s.cfg.Runtime.BrokerTimeout())
	results := fetcher.FetchPrices(ctx, stocks)

	sources := make(map[string]string, len(results))
	for i := range stocks {
		stock := &stocks[i]
		res, ok := results[stock.Ticker]
		if !ok || res.Err != nil {
			continue
		}
		if updateErr := s.store.UpdatePrice(ctx, stock.Ticker, stock.Category, session, res.Quote.Last, res.Quote.At); updateErr != nil {
			log.Warn().Err(updateErr).Str("ticker", stock.Ticker).Msg("price write rejected")
			continue
		}
		price := res.Quote.Last
		if session == models.SessionAM {
			stock.AMPrice = &price
		} else {
			stock.PMPrice = &price
		}
		sources[stock.Ticker] = res.Quote.Source
		run.StocksPriced++
	}

	alerts := s.evaluator.Evaluate(stocks, session, run.TradingDay)
	for i := range alerts {
		alerts[i].PriceSource = sources[alerts[i].Ticker]
	}
	run.AlertsFired = len(alerts)

	return s.notifier.SendDigest(ctx, alerts, session, run.TradingDay)
}

// DetectSession infers the session for a manual run from the current
// exchange-local time. Outside both windows the caller must choose.
func (s *Scheduler) DetectSession(t time.Time) (models.Session, error) {
	d := t.In(s.cal.Location())
	m := d.Hour()*60 + d.Minute()
	switch {
	case m >= 9*60+30 && m < 12*60:
		return models.SessionAM, nil
	case m >= 12*60 && m < 16*60+30:
		return models.SessionPM, nil
	}
	return "", fmt.Errorf("current time %s is outside the AM and PM windows, pass --session", d.Format("15:04"))
}
