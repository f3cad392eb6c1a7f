package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"updown/internal/alerting"
	"updown/internal/config"
	"updown/internal/round"
	"updown/internal/session"
	"updown/internal/storage"
)

const drainTimeout = 5 * time.Second

// Source is the session surface the service listens to.
type Source interface {
	Subscribe(fn func(session.Event)) func()
	Balance() decimal.Decimal
	WinStreak() int
	SubjectID() string
}

// Job is one settled round waiting to be journaled and announced.
type Job struct {
	Summary   session.RoundEndData
	SettledAt int64
	SubjectID string
	Balance   decimal.Decimal
	WinStreak int
}

// Service persists and announces settled rounds off the engine's timeline.
type Service struct {
	journal  storage.Journal
	notifier alerting.Notifier
	logger   zerolog.Logger

	alertsOn  bool
	minPayout decimal.Decimal
	cooldown  time.Duration
	channels  []string
	timeout   time.Duration

	queue     chan Job
	lastAlert int64
}

// New constructs the service. A nil journal or notifier disables that leg.
func New(cfg *config.Config, journal storage.Journal, notifier alerting.Notifier, logger zerolog.Logger) *Service {
	size := cfg.Alerting.QueueSize
	if cfg.Database.BufferSize > size {
		size = cfg.Database.BufferSize
	}
	if size <= 0 {
		size = 32
	}
	timeout := cfg.Alerting.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Service{
		journal:   journal,
		notifier:  notifier,
		logger:    logger.With().Str("component", "service").Logger(),
		alertsOn:  cfg.Alerting.Enabled && notifier != nil,
		minPayout: decimal.NewFromFloat(cfg.Alerting.MinPayout),
		cooldown:  cfg.Alerting.Cooldown,
		channels:  cfg.Alerting.Channels,
		timeout:   timeout,
		queue:     make(chan Job, size),
	}
}

// Attach subscribes to src. Jobs are queued without blocking; a full
// queue drops the round with a warning.
func (s *Service) Attach(src Source) (detach func()) {
	return src.Subscribe(func(e session.Event) {
		job, ok := jobFor(src, e)
		if !ok {
			return
		}
		select {
		case s.queue <- job:
		default:
			s.logger.Warn().Int("seq", job.Summary.Seq).Msg("service queue full, round dropped")
		}
	})
}

// AttachInline processes every round on the publishing goroutine. It
// suits manual-clock runs where nothing else waits on the timeline.
func (s *Service) AttachInline(ctx context.Context, src Source) (detach func()) {
	return src.Subscribe(func(e session.Event) {
		if job, ok := jobFor(src, e); ok {
			s.ProcessRound(ctx, job)
		}
	})
}

func jobFor(src Source, e session.Event) (Job, bool) {
	if e.Type != session.EventRoundEnd {
		return Job{}, false
	}
	summary, ok := e.Data.(session.RoundEndData)
	if !ok {
		return Job{}, false
	}
	return Job{
		Summary:   summary,
		SettledAt: e.At,
		SubjectID: src.SubjectID(),
		Balance:   src.Balance(),
		WinStreak: src.WinStreak(),
	}, true
}

// Run processes queued rounds until ctx is cancelled, then drains what is left.
func (s *Service) Run(ctx context.Context) error {
	for {
		select {
		case job := <-s.queue:
			s.ProcessRound(ctx, job)
		case <-ctx.Done():
			s.drain()
			return nil
		}
	}
}

func (s *Service) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case job := <-s.queue:
			s.ProcessRound(ctx, job)
		default:
			return
		}
	}
}

// ProcessRound journals one round and sends its summary when it
// qualifies. Failures are logged and never retried.
func (s *Service) ProcessRound(ctx context.Context, job Job) {
	seq := job.Summary.Seq

	if s.journal != nil {
		rec, outcomes := Records(job.Summary, job.SettledAt)
		if err := s.journal.SaveRound(ctx, rec, outcomes); err != nil {
			s.logger.Error().Err(err).Int("seq", seq).Msg("failed to journal round")
		}
	}

	s.logger.Debug().Int("seq", seq).
		Int("predictions", job.Summary.Predictions).
		Str("net_payout", job.Summary.NetPayout.String()).
		Msg("round processed")

	if !s.shouldAlert(job) {
		return
	}
	note := alerting.Notification{
		RoundSeq:        seq,
		OpenedAt:        time.UnixMilli(job.Summary.OpenedAt),
		SettledAt:       time.UnixMilli(job.SettledAt),
		ReferencePrice:  job.Summary.ReferencePrice,
		SettlementPrice: job.Summary.SettlementPrice,
		Predictions:     job.Summary.Predictions,
		Wins:            job.Summary.Wins,
		Losses:          job.Summary.Losses,
		NetPayout:       job.Summary.NetPayout,
		SubjectID:       job.SubjectID,
		Balance:         job.Balance,
		WinStreak:       job.WinStreak,
		Channels:        s.channels,
	}
	notifyCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.notifier.Notify(notifyCtx, note); err != nil {
		s.logger.Error().Err(err).Int("seq", seq).Msg("failed to dispatch round summary")
		return
	}
	s.lastAlert = job.SettledAt
}

func (s *Service) shouldAlert(job Job) bool {
	if !s.alertsOn || job.Summary.Predictions == 0 {
		return false
	}
	if job.Summary.NetPayout.Abs().LessThan(s.minPayout) {
		return false
	}
	if s.cooldown > 0 && s.lastAlert != 0 && job.SettledAt-s.lastAlert < s.cooldown.Milliseconds() {
		s.logger.Debug().Int("seq", job.Summary.Seq).Msg("round summary suppressed by cooldown")
		return false
	}
	return true
}

// Records converts a round summary into journal rows.
func Records(summary session.RoundEndData, settledAt int64) (storage.RoundRecord, []storage.OutcomeRecord) {
	rec := storage.RoundRecord{
		ID:              summary.RoundID,
		Seq:             summary.Seq,
		OpenedAt:        time.UnixMilli(summary.OpenedAt).UTC(),
		ClosesAt:        time.UnixMilli(summary.ClosesAt).UTC(),
		ReferencePrice:  summary.ReferencePrice,
		SettlementPrice: summary.SettlementPrice,
		Predictions:     summary.Predictions,
		Wins:            summary.Wins,
		Losses:          summary.Losses,
		NetPayout:       summary.NetPayout,
		CreatedAt:       time.UnixMilli(settledAt).UTC(),
	}
	outcomes := make([]storage.OutcomeRecord, 0, len(summary.Outcomes))
	for _, o := range summary.Outcomes {
		outcomes = append(outcomes, outcomeRecord(o))
	}
	return rec, outcomes
}

func outcomeRecord(o round.Outcome) storage.OutcomeRecord {
	return storage.OutcomeRecord{
		PredictionID:    o.Prediction.ID,
		RoundID:         o.Prediction.RoundID,
		RoundSeq:        o.RoundSeq,
		SubjectID:       o.Prediction.SubjectID,
		Direction:       o.Prediction.Direction.String(),
		Amount:          o.Prediction.Amount,
		ReferencePrice:  o.ReferencePrice,
		SettlementPrice: o.SettlementPrice,
		Actual:          o.Actual.String(),
		Result:          o.Result.String(),
		ChangePct:       o.ChangePct,
		Payout:          o.Payout,
		PlacedAt:        time.UnixMilli(o.Prediction.CreatedAt).UTC(),
		SettledAt:       time.UnixMilli(o.SettledAt).UTC(),
	}
}
