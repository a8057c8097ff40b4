package profile

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"personet/pkg/config"
	"personet/pkg/logger"
)

// metricsRetention bounds how long metric rows are kept.
const metricsRetention = 30 * 24 * time.Hour

// Service is the top-level profile engine: it owns the store, wires the
// resolver, aggregator, exporter and analysis registry together and
// runs the background analysis worker and retention sweep.
type Service struct {
	cfg        *config.Config
	store      Store
	resolver   *IdentityResolver
	aggregator *ProfileAggregator
	exporter   *Exporter
	registry   *AnalysisModuleRegistry

	queue  chan AnalysisInput
	stop   chan struct{}
	wg     sync.WaitGroup
	closed sync.Once
}

// NewService builds the engine from configuration. extract performs the
// external analysis calls; names resolves display names for export and
// may be nil.
func NewService(cfg *config.Config, store Store, extract Extractor, names NameProvider) (*Service, error) {
	retention := Retention{
		MaxEntries: cfg.Profile.ImpressionMaxEntries,
		MaxAge:     time.Duration(cfg.Profile.ImpressionMaxAgeDays) * 24 * time.Hour,
	}

	resolver := NewIdentityResolver(store, ResolverOptions{
		Salt:           cfg.Salt(),
		IDStrategy:     cfg.Security.IDStrategy,
		TraitMergeMode: cfg.Profile.TraitMergeMode,
		Retention:      retention,
	})
	aggregator := NewProfileAggregator(store, AggregatorOptions{
		TraitMergeMode: cfg.Profile.TraitMergeMode,
		Retention:      retention,
	})
	exporter := NewExporter(store, names, ExporterOptions{
		SummaryTopN:    cfg.Export.SummaryTopN,
		ImpressionTail: cfg.Export.ImpressionTail,
	})

	registry := NewAnalysisModuleRegistry(store, RegistryOptions{
		ModuleTimeout: time.Duration(cfg.Profile.ExtractorTimeoutMS) * time.Millisecond,
	})
	filter := MappingFilter{
		BotUserID: cfg.Bot.AccountID,
		BotName:   cfg.Bot.Nickname,
		MinLength: cfg.Profile.SobriquetMinLength,
		MaxLength: cfg.Profile.SobriquetMaxLength,
	}
	modules := []struct {
		module  AnalysisModule
		enabled bool
	}{
		{NewSobriquetModule(resolver, aggregator, extract, filter), cfg.Profile.EnableSobriquet},
		{NewIdentityModule(resolver, aggregator, extract), cfg.Profile.EnableIdentity},
		{NewPersonalityModule(resolver, aggregator, extract), cfg.Profile.EnablePersonality},
		{NewImpressionModule(resolver, aggregator, extract), cfg.Profile.EnableImpression},
	}
	for _, m := range modules {
		if err := registry.Register(m.module, m.enabled); err != nil {
			return nil, err
		}
	}

	queueSize := cfg.Profile.QueueMaxSize
	if queueSize <= 0 {
		queueSize = 100
	}

	s := &Service{
		cfg:        cfg,
		store:      store,
		resolver:   resolver,
		aggregator: aggregator,
		exporter:   exporter,
		registry:   registry,
		queue:      make(chan AnalysisInput, queueSize),
		stop:       make(chan struct{}),
	}

	s.wg.Add(1)
	go s.runWorker()
	if cfg.Profile.SweepSchedule != "" {
		s.wg.Add(1)
		go s.runSweeper()
	}
	return s, nil
}

// Resolver exposes identity operations (resolve, link, merge).
func (s *Service) Resolver() *IdentityResolver { return s.resolver }

// Aggregator exposes direct dimension updates.
func (s *Service) Aggregator() *ProfileAggregator { return s.aggregator }

// Exporter exposes context export.
func (s *Service) Exporter() *Exporter { return s.exporter }

// Registry exposes the analysis module registry.
func (s *Service) Registry() *AnalysisModuleRegistry { return s.registry }

// HandleInteraction queues one interaction window for background
// analysis. The probability gate and a full queue both drop the window;
// dropping is silent towards the caller and never blocks the chat path.
func (s *Service) HandleInteraction(input AnalysisInput) {
	if input.Platform == "" || input.PlatformUserID == "" {
		return
	}
	if p := s.cfg.Profile.AnalysisProbability; p < 1.0 && rand.Float64() >= p {
		return
	}

	select {
	case <-s.stop:
		return
	default:
	}

	select {
	case s.queue <- input:
	default:
		logger.WarnCF("service", "analysis queue full, dropping window", map[string]any{
			"platform": input.Platform, "group": input.GroupID,
		})
		_ = s.store.AddMetric(context.Background(), "analysis_dropped", 1, map[string]string{"platform": input.Platform})
	}
}

// BuildSobriquetInjection renders the nickname prompt block for the
// given group members. Best effort: on any failure it returns "".
func (s *Service) BuildSobriquetInjection(ctx context.Context, platform, groupID string, userNames map[string]string) string {
	scope := GroupScope{Platform: platform, GroupID: groupID}

	uids := make([]string, 0, len(userNames))
	for uid := range userNames {
		uids = append(uids, uid)
	}
	sort.Strings(uids)

	var users []UserSobriquets
	for _, uid := range uids {
		id, ok, err := s.store.LookupAccount(ctx, platform, uid)
		if err != nil {
			logger.WarnCF("service", "injection lookup failed", map[string]any{"uid": uid, "error": err.Error()})
			continue
		}
		if !ok {
			continue
		}
		p, err := s.store.GetProfile(ctx, id, DimSobriquets)
		if err != nil {
			continue
		}
		group := p.SobriquetsByGroup[scope.Key()]
		if len(group.Sobriquets) == 0 {
			continue
		}
		users = append(users, UserSobriquets{
			UserName:   userNames[uid],
			UserID:     uid,
			Sobriquets: group.Sobriquets,
		})
	}

	selected := SelectSobriquetsForPrompt(users, SelectOptions{
		MaxInPrompt: s.cfg.Profile.MaxSobriquetsPrompt,
		Smoothing:   s.cfg.Profile.ProbabilitySmoothing,
	})
	return FormatSobriquetInjection(selected)
}

// Sweep enforces retention across all profiles and prunes old metric
// rows. Runs on the cron schedule and on demand from the CLI.
func (s *Service) Sweep(ctx context.Context) error {
	ids, err := s.store.ListProfileIDs(ctx)
	if err != nil {
		return err
	}

	retention := Retention{
		MaxEntries: s.cfg.Profile.ImpressionMaxEntries,
		MaxAge:     time.Duration(s.cfg.Profile.ImpressionMaxAgeDays) * 24 * time.Hour,
	}
	now := nowMS()
	swept := 0
	for _, id := range ids {
		_, err := s.store.UpdateProfile(ctx, id, func(p *Profile) error {
			p.Impression = retention.Apply(p.Impression, now)
			return nil
		})
		if err != nil {
			logger.WarnCF("service", "sweep failed for profile", map[string]any{
				"id": shortID(id), "error": err.Error(),
			})
			continue
		}
		swept++
	}

	if sqliteStore, ok := s.store.(*SQLiteStore); ok {
		cutoff := now - metricsRetention.Milliseconds()
		if err := sqliteStore.PruneMetrics(ctx, cutoff); err != nil {
			logger.WarnCF("service", "metric prune failed", map[string]any{"error": err.Error()})
		}
	}

	logger.InfoCF("service", "retention sweep complete", map[string]any{"profiles": swept})
	return nil
}

func (s *Service) runWorker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		case input := <-s.queue:
			if err := s.registry.Dispatch(context.Background(), input); err != nil {
				logger.DebugCF("service", "analysis finished with errors", map[string]any{
					"platform": input.Platform, "group": input.GroupID, "error": err.Error(),
				})
			}
		}
	}
}

func (s *Service) runSweeper() {
	defer s.wg.Done()
	gron := gronx.New()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			due, err := gron.IsDue(s.cfg.Profile.SweepSchedule, time.Now())
			if err != nil {
				logger.WarnCF("service", "bad sweep schedule", map[string]any{
					"schedule": s.cfg.Profile.SweepSchedule, "error": err.Error(),
				})
				return
			}
			if !due {
				continue
			}
			if err := s.Sweep(context.Background()); err != nil {
				logger.WarnCF("service", "retention sweep failed", map[string]any{"error": err.Error()})
			}
		}
	}
}

// Close stops the worker and the sweeper and closes the store. Windows
// still queued are dropped. The queue channel is never closed so late
// HandleInteraction calls stay safe. Safe to call more than once.
func (s *Service) Close() error {
	var err error
	s.closed.Do(func() {
		close(s.stop)
		s.wg.Wait()
		err = s.store.Close()
	})
	return err
}
