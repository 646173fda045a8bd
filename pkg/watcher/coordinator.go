package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/morezero/catalog-watcher/pkg/db"
	"github.com/morezero/catalog-watcher/pkg/feed"
	"github.com/morezero/catalog-watcher/pkg/jobs"
	"github.com/morezero/catalog-watcher/pkg/notify"
)

const coordinatorLogPrefix = "watcher:coordinator"

// CoordinatorConfig holds the watcher tuning knobs.
type CoordinatorConfig struct {
	BatchSize              int
	PollInterval           time.Duration
	LockThreshold          int
	BigChangelistThreshold int
	NotableThreshold       int
	EnumMargin             int64
	EnumAppCap             int64
	EnumPackageCap         int64
}

// NewCoordinatorParams holds the collaborators and configuration for NewCoordinator.
type NewCoordinatorParams struct {
	Store             Store
	Queue             jobs.Queue
	Notifier          notify.Notifier
	Throttle          *Throttle
	Rules             IgnoreRules
	Mode              FullRunMode
	Config            CoordinatorConfig
	ImportantApps     []int64
	ImportantPackages []int64
}

// Coordinator owns the change cursor and routes feed events: change-history
// persistence and cursor advance are serialized per event; job submission,
// per-entry link updates, and notification emission fan out as independent
// tasks over the immutable event snapshot.
type Coordinator struct {
	store    Store
	queue    jobs.Queue
	notifier notify.Notifier
	throttle *Throttle
	rules    IgnoreRules
	mode     FullRunMode
	cfg      CoordinatorConfig

	importantApps     map[int64]struct{}
	importantPackages map[int64]struct{}

	mu     sync.Mutex
	cursor int64

	wg sync.WaitGroup
}

// NewCoordinator creates a Coordinator. Call Init before Run.
func NewCoordinator(params NewCoordinatorParams) *Coordinator {
	cfg := params.Config
	if cfg.BigChangelistThreshold <= 0 {
		cfg.BigChangelistThreshold = 300
	}
	if cfg.NotableThreshold <= 0 {
		cfg.NotableThreshold = 50
	}

	c := &Coordinator{
		store:             params.Store,
		queue:             params.Queue,
		notifier:          params.Notifier,
		throttle:          params.Throttle,
		rules:             params.Rules,
		mode:              params.Mode,
		cfg:               cfg,
		importantApps:     idSet(params.ImportantApps),
		importantPackages: idSet(params.ImportantPackages),
	}
	if c.throttle == nil {
		c.throttle = NewThrottle(5*time.Minute, 50)
	}
	return c
}

// Init establishes the starting cursor: the persisted value for incremental
// operation, or the low sentinel when a full run is configured or no cursor
// was ever saved. A store failure here is fatal; the engine cannot safely
// begin without a cursor.
func (c *Coordinator) Init(ctx context.Context) error {
	if c.mode != RunDisabled {
		c.setCursor(0)
		slog.Info(fmt.Sprintf("%s - Full run mode %s, cursor starts at sentinel 0", coordinatorLogPrefix, c.mode))
		return nil
	}

	cursor, found, err := c.store.LoadCursor(ctx)
	if err != nil {
		return fmt.Errorf("%s - failed to load cursor: %w", coordinatorLogPrefix, err)
	}
	if !found {
		slog.Info(fmt.Sprintf("%s - No persisted cursor, starting from sentinel 0", coordinatorLogPrefix))
		cursor = 0
	} else {
		slog.Info(fmt.Sprintf("%s - Resuming from cursor %d", coordinatorLogPrefix, cursor))
	}
	c.setCursor(cursor)
	return nil
}

// Cursor returns the last fully processed change number.
func (c *Coordinator) Cursor() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor
}

// Mode returns the configured full-run mode.
func (c *Coordinator) Mode() FullRunMode {
	return c.mode
}

func (c *Coordinator) setCursor(n int64) {
	c.mu.Lock()
	c.cursor = n
	c.mu.Unlock()
}

// Run consumes feed events until the channel closes or ctx is cancelled.
// Events are processed one at a time with respect to cursor mutation.
func (c *Coordinator) Run(ctx context.Context, events <-chan *feed.ChangeEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := c.HandleEvent(ctx, event); err != nil {
				slog.Error(fmt.Sprintf("%s - failed to process changelist %d: %v",
					coordinatorLogPrefix, event.CurrentChangeNumber, err))
			}
		}
	}
}

// Wait blocks until all fan-out tasks spawned by HandleEvent have finished.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// PerformSync runs the configured full-run pass over the catalog, submitting
// fetch jobs in bounded batches. A no-op when full runs are disabled.
func (c *Coordinator) PerformSync(ctx context.Context) error {
	var appIDs, packageIDs []int64
	var err error

	switch c.mode {
	case RunDisabled:
		return nil
	case RunEnumerate:
		maxApp, err := c.store.MaxAppID(ctx)
		if err != nil {
			return fmt.Errorf("%s - failed to query max app id: %w", coordinatorLogPrefix, err)
		}
		maxPackage, err := c.store.MaxPackageID(ctx)
		if err != nil {
			return fmt.Errorf("%s - failed to query max package id: %w", coordinatorLogPrefix, err)
		}
		appIDs = EnumerateRange(maxApp, c.cfg.EnumMargin, c.cfg.EnumAppCap)
		packageIDs = EnumerateRange(maxPackage, c.cfg.EnumMargin, c.cfg.EnumPackageCap)
	default:
		appIDs, err = c.store.KnownAppIDs(ctx)
		if err != nil {
			return fmt.Errorf("%s - failed to query known app ids: %w", coordinatorLogPrefix, err)
		}
		if c.mode != RunForcedDepotsOnly {
			packageIDs, err = c.store.KnownPackageIDs(ctx)
			if err != nil {
				return fmt.Errorf("%s - failed to query known package ids: %w", coordinatorLogPrefix, err)
			}
		}
	}

	dispatcher := NewDispatcher(DispatcherParams{
		Queue:         c.queue,
		BatchSize:     c.cfg.BatchSize,
		PollInterval:  c.cfg.PollInterval,
		LockThreshold: c.cfg.LockThreshold,
		AppsOnly:      c.mode == RunForcedDepotsOnly,
	})
	return dispatcher.Run(ctx, appIDs, packageIDs)
}

// HandleEvent processes one feed event. Change-history writes and the cursor
// update are performed synchronously in order, so a persistence failure never
// advances the in-memory cursor past what was durably recorded. Everything
// else fans out.
func (c *Coordinator) HandleEvent(ctx context.Context, event *feed.ChangeEvent) error {
	if event.CurrentChangeNumber == c.Cursor() {
		// Duplicate delivery; the change sets are dropped along with it.
		slog.Debug(fmt.Sprintf("%s - Duplicate changelist %d, discarding", coordinatorLogPrefix, event.CurrentChangeNumber))
		return nil
	}

	slog.Info(fmt.Sprintf("%s - Changelist %d: %d apps, %d packages", coordinatorLogPrefix,
		event.CurrentChangeNumber, len(event.AppChanges), len(event.PackageChanges)))

	changeNumbers, historyRows := collectHistory(event)
	if err := c.store.UpsertChangelists(ctx, changeNumbers); err != nil {
		return err
	}
	if err := c.store.UpsertChangeHistory(ctx, historyRows); err != nil {
		return err
	}
	if err := c.store.SaveCursor(ctx, event.CurrentChangeNumber); err != nil {
		return err
	}
	c.setCursor(event.CurrentChangeNumber)

	if event.Empty() {
		c.spawn(func() {
			c.sendDetail(ctx, notify.FormatEmpty(event.CurrentChangeNumber))
		})
		return nil
	}

	if len(event.AppChanges) > 0 {
		c.spawn(func() { c.processApps(ctx, event) })
	}
	if len(event.PackageChanges) > 0 {
		c.spawn(func() { c.processPackages(ctx, event) })
	}
	c.spawn(func() { c.notifyChangelists(ctx, event) })

	return nil
}

// processApps submits the token-resolution and fetch jobs for changed apps
// and persists their change links.
func (c *Coordinator) processApps(ctx context.Context, event *feed.ChangeEvent) {
	ids := make([]int64, 0, len(event.AppChanges))
	links := make([]db.EntryLink, 0, len(event.AppChanges))
	for id, change := range event.AppChanges {
		ids = append(ids, id)
		links = append(links, db.EntryLink{ID: id, ChangeNumber: change.ChangeNumber, NeedsToken: change.NeedsToken})
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	c.submit(ctx, jobs.Batch{Type: jobs.TypeAppTokens, IDs: ids})
	c.submit(ctx, jobs.Batch{Type: jobs.TypeAppFetch, IDs: ids})

	if err := c.store.MarkAppsChanged(ctx, links); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to persist app change links: %v", coordinatorLogPrefix, err))
	}
}

// processPackages filters changed packages through the ignore rules, submits
// fetch jobs for the survivors and their member apps, and persists change
// links for every changed package (ignored ones included).
func (c *Coordinator) processPackages(ctx context.Context, event *feed.ChangeEvent) {
	ids := make([]int64, 0, len(event.PackageChanges))
	links := make([]db.EntryLink, 0, len(event.PackageChanges))
	for id, change := range event.PackageChanges {
		ids = append(ids, id)
		links = append(links, db.EntryLink{ID: id, ChangeNumber: change.ChangeNumber})
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	categories, err := c.store.BillingCategories(ctx, ids)
	if err != nil {
		// Permissive default: unknown category means not ignored.
		slog.Warn(fmt.Sprintf("%s - billing category lookup failed, treating all as not ignored: %v", coordinatorLogPrefix, err))
		categories = map[int64]db.BillingCategory{}
	}

	queueIDs := make([]int64, 0, len(ids))
	for _, id := range ids {
		if c.rules.ShouldIgnorePackage(id, categories) {
			continue
		}
		queueIDs = append(queueIDs, id)
	}

	if len(queueIDs) > 0 {
		c.submit(ctx, jobs.Batch{Type: jobs.TypePackageFetch, IDs: queueIDs})

		memberApps, err := c.store.AppsInPackages(ctx, queueIDs)
		if err != nil {
			slog.Warn(fmt.Sprintf("%s - package membership lookup failed: %v", coordinatorLogPrefix, err))
		} else if len(memberApps) > 0 {
			c.submit(ctx, jobs.Batch{Type: jobs.TypeAppFetch, IDs: memberApps})
		}
	}

	if err := c.store.MarkPackagesChanged(ctx, links); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to persist package change links: %v", coordinatorLogPrefix, err))
	}
}

// notifyChangelists reconciles the event into per-changelist aggregates and
// emits notifications in ascending order under the burst throttle. Watch-list
// notifications bypass the throttle entirely.
func (c *Coordinator) notifyChangelists(ctx context.Context, event *feed.ChangeEvent) {
	aggregates := GroupChangelists(event.AppChanges, event.PackageChanges)
	appNames, packageNames := c.lookupNames(ctx, event)

	for i := range aggregates {
		agg := &aggregates[i]

		c.notifyImportant(ctx, agg, appNames, packageNames)

		switch c.throttle.Admit() {
		case DecisionSuppressed:
			continue
		case DecisionWarnAndSuppress:
			slog.Warn(fmt.Sprintf("%s - Notification burst: over %d changelists in window, suppressing",
				coordinatorLogPrefix, c.throttle.Threshold()))
			c.sendDetail(ctx, notify.FormatBurstWarning(c.throttle.Threshold()))
			continue
		}

		total := agg.Total()
		if total > c.cfg.BigChangelistThreshold {
			c.sendDetail(ctx, notify.FormatTooBig(agg.ChangeNumber, len(agg.Apps), len(agg.Packages)))
			continue
		}

		message := notify.FormatChangelist(agg.ChangeNumber,
			entryLines(agg.Apps, appNames), entryLines(agg.Packages, packageNames))
		c.sendDetail(ctx, message)
		if total >= c.cfg.NotableThreshold {
			if err := c.notifier.SendSummary(ctx, message); err != nil {
				slog.Error(fmt.Sprintf("%s - failed to send summary notification: %v", coordinatorLogPrefix, err))
			}
		}
	}
}

// notifyImportant emits a dedicated high-visibility notification for every
// changed entry on the watch lists, regardless of burst state.
func (c *Coordinator) notifyImportant(ctx context.Context, agg *ChangelistAggregate, appNames, packageNames map[int64]string) {
	for _, change := range agg.Apps {
		if _, ok := c.importantApps[change.ID]; !ok {
			continue
		}
		message := notify.FormatImportant("app", change.ID, nameOr(appNames, change.ID), agg.ChangeNumber)
		if err := c.notifier.SendImportant(ctx, change.ID, message); err != nil {
			slog.Error(fmt.Sprintf("%s - failed to send important notification: %v", coordinatorLogPrefix, err))
		}
	}
	for _, change := range agg.Packages {
		if _, ok := c.importantPackages[change.ID]; !ok {
			continue
		}
		message := notify.FormatImportant("package", change.ID, nameOr(packageNames, change.ID), agg.ChangeNumber)
		if err := c.notifier.SendImportant(ctx, change.ID, message); err != nil {
			slog.Error(fmt.Sprintf("%s - failed to send important notification: %v", coordinatorLogPrefix, err))
		}
	}
}

// lookupNames batch-fetches display names for every entry in the event.
// Lookup failures degrade to "(unknown)" names; notification is best-effort.
func (c *Coordinator) lookupNames(ctx context.Context, event *feed.ChangeEvent) (map[int64]string, map[int64]string) {
	appIDs := make([]int64, 0, len(event.AppChanges))
	for id := range event.AppChanges {
		appIDs = append(appIDs, id)
	}
	packageIDs := make([]int64, 0, len(event.PackageChanges))
	for id := range event.PackageChanges {
		packageIDs = append(packageIDs, id)
	}

	appNames, err := c.store.AppNames(ctx, appIDs)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - app name lookup failed: %v", coordinatorLogPrefix, err))
		appNames = map[int64]string{}
	}
	packageNames, err := c.store.PackageNames(ctx, packageIDs)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - package name lookup failed: %v", coordinatorLogPrefix, err))
		packageNames = map[int64]string{}
	}
	return appNames, packageNames
}

// submit fires a batch at the job queue. Failures are logged only; retry is
// the queue's responsibility.
func (c *Coordinator) submit(ctx context.Context, batch jobs.Batch) {
	if len(batch.IDs) == 0 {
		return
	}
	if err := c.queue.Submit(ctx, batch); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to submit %s batch of %d ids: %v",
			coordinatorLogPrefix, batch.Type, len(batch.IDs), err))
	}
}

func (c *Coordinator) sendDetail(ctx context.Context, message string) {
	if err := c.notifier.SendDetail(ctx, message); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to send detail notification: %v", coordinatorLogPrefix, err))
	}
}

func (c *Coordinator) spawn(task func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		task()
	}()
}

// collectHistory gathers every distinct change number in the event (the
// event's own cursor target included) and the change-history rows to persist.
func collectHistory(event *feed.ChangeEvent) ([]int64, []db.ChangeHistoryRow) {
	seen := map[int64]struct{}{event.CurrentChangeNumber: {}}
	rows := make([]db.ChangeHistoryRow, 0, len(event.AppChanges)+len(event.PackageChanges))

	for id, change := range event.AppChanges {
		seen[change.ChangeNumber] = struct{}{}
		rows = append(rows, db.ChangeHistoryRow{ChangeNumber: change.ChangeNumber, EntryType: db.EntryTypeApp, EntryID: id})
	}
	for id, change := range event.PackageChanges {
		seen[change.ChangeNumber] = struct{}{}
		rows = append(rows, db.ChangeHistoryRow{ChangeNumber: change.ChangeNumber, EntryType: db.EntryTypePackage, EntryID: id})
	}

	numbers := make([]int64, 0, len(seen))
	for n := range seen {
		numbers = append(numbers, n)
	}
	sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })
	return numbers, rows
}

func entryLines(changes []feed.EntryChange, names map[int64]string) []notify.EntryLine {
	lines := make([]notify.EntryLine, 0, len(changes))
	for _, change := range changes {
		lines = append(lines, notify.EntryLine{ID: change.ID, Name: nameOr(names, change.ID)})
	}
	return lines
}

func nameOr(names map[int64]string, id int64) string {
	if name, ok := names[id]; ok && name != "" {
		return name
	}
	return notify.UnknownName
}

func idSet(ids []int64) map[int64]struct{} {
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
