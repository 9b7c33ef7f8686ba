package ledger

import (
	"context"
	"sync"
	"time"

	domain "github.com/R3E-Network/vidledger/internal/app/domain/ledger"
	"github.com/R3E-Network/vidledger/internal/app/metrics"
	"github.com/R3E-Network/vidledger/internal/app/storage"
	"github.com/R3E-Network/vidledger/internal/app/system"
	"github.com/R3E-Network/vidledger/pkg/logger"
	"github.com/robfig/cron/v3"
)

// DefaultSweepSchedule is used when the watcher is given no schedule.
const DefaultSweepSchedule = "@every 5m"

// MaturityWatcher periodically counts stakes whose duration has elapsed but
// which are still escrowed, and publishes the figure as a gauge. It never
// moves funds; withdrawal stays an explicit owner action.
type MaturityWatcher struct {
	store    storage.Reader
	schedule string
	log      *logger.Logger
	now      func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
	running bool
}

var _ system.Service = (*MaturityWatcher)(nil)

// NewMaturityWatcher creates a watcher running on the cron schedule.
func NewMaturityWatcher(store storage.Reader, schedule string, log *logger.Logger) *MaturityWatcher {
	if log == nil {
		log = logger.NewDefault("stake-maturity")
	}
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	return &MaturityWatcher{
		store:    store,
		schedule: schedule,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (w *MaturityWatcher) Name() string { return "stake-maturity" }

func (w *MaturityWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	c := cron.New()
	if _, err := c.AddFunc(w.schedule, func() {
		if _, err := w.Sweep(runCtx); err != nil {
			w.log.WithError(err).Warn("stake maturity sweep failed")
		}
	}); err != nil {
		cancel()
		return err
	}
	c.Start()

	w.cron = c
	w.cancel = cancel
	w.running = true
	w.log.WithField("schedule", w.schedule).Info("stake maturity watcher started")
	return nil
}

func (w *MaturityWatcher) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	c, cancel := w.cron, w.cancel
	w.running = false
	w.cron = nil
	w.cancel = nil
	w.mu.Unlock()

	cancel()
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Sweep lists open stakes and returns those that have matured.
func (w *MaturityWatcher) Sweep(ctx context.Context) ([]domain.Stake, error) {
	open, err := w.store.ListOpenStakes(ctx)
	if err != nil {
		return nil, err
	}

	now := w.now()
	matured := make([]domain.Stake, 0)
	for _, st := range open {
		if st.Matured(now) {
			matured = append(matured, st)
		}
	}

	metrics.SetMaturedStakes(len(matured))
	if len(matured) > 0 {
		w.log.WithField("matured", len(matured)).WithField("open", len(open)).Info("matured stakes awaiting withdrawal")
	}
	return matured, nil
}
