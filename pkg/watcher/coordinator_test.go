package watcher

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/morezero/catalog-watcher/pkg/db"
	"github.com/morezero/catalog-watcher/pkg/feed"
	"github.com/morezero/catalog-watcher/pkg/jobs"
	"github.com/morezero/catalog-watcher/pkg/notify"
)

// memStore is an in-memory Store for coordinator tests.
type memStore struct {
	mu sync.Mutex

	cursor    int64
	cursorSet bool

	appIDs       []int64
	packageIDs   []int64
	billing      map[int64]db.BillingCategory
	members      map[int64][]int64
	appNames     map[int64]string
	packageNames map[int64]string

	changelists  []int64
	history      []db.ChangeHistoryRow
	appLinks     []db.EntryLink
	packageLinks []db.EntryLink

	failCursorLoad  bool
	failCursorSave  bool
	failHistorySave bool
}

func newMemStore() *memStore {
	return &memStore{
		billing:      map[int64]db.BillingCategory{},
		members:      map[int64][]int64{},
		appNames:     map[int64]string{},
		packageNames: map[int64]string{},
	}
}

func (s *memStore) LoadCursor(_ context.Context) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCursorLoad {
		return 0, false, errors.New("store unavailable")
	}
	return s.cursor, s.cursorSet, nil
}

func (s *memStore) SaveCursor(_ context.Context, n int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCursorSave {
		return errors.New("store unavailable")
	}
	s.cursor = n
	s.cursorSet = true
	return nil
}

func (s *memStore) KnownAppIDs(_ context.Context) ([]int64, error) {
	return s.appIDs, nil
}

func (s *memStore) KnownPackageIDs(_ context.Context) ([]int64, error) {
	return s.packageIDs, nil
}

func (s *memStore) MaxAppID(_ context.Context) (int64, error) {
	var max int64
	for _, id := range s.appIDs {
		if id > max {
			max = id
		}
	}
	return max, nil
}

func (s *memStore) MaxPackageID(_ context.Context) (int64, error) {
	var max int64
	for _, id := range s.packageIDs {
		if id > max {
			max = id
		}
	}
	return max, nil
}

func (s *memStore) BillingCategories(_ context.Context, ids []int64) (map[int64]db.BillingCategory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[int64]db.BillingCategory{}
	for _, id := range ids {
		if c, ok := s.billing[id]; ok {
			out[id] = c
		}
	}
	return out, nil
}

func (s *memStore) AppsInPackages(_ context.Context, ids []int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[int64]struct{}{}
	var out []int64
	for _, id := range ids {
		for _, app := range s.members[id] {
			if _, ok := seen[app]; !ok {
				seen[app] = struct{}{}
				out = append(out, app)
			}
		}
	}
	return out, nil
}

func (s *memStore) AppNames(_ context.Context, ids []int64) (map[int64]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[int64]string{}
	for _, id := range ids {
		if n, ok := s.appNames[id]; ok {
			out[id] = n
		}
	}
	return out, nil
}

func (s *memStore) PackageNames(_ context.Context, ids []int64) (map[int64]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[int64]string{}
	for _, id := range ids {
		if n, ok := s.packageNames[id]; ok {
			out[id] = n
		}
	}
	return out, nil
}

func (s *memStore) UpsertChangelists(_ context.Context, numbers []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changelists = append(s.changelists, numbers...)
	return nil
}

func (s *memStore) UpsertChangeHistory(_ context.Context, rows []db.ChangeHistoryRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failHistorySave {
		return errors.New("store unavailable")
	}
	s.history = append(s.history, rows...)
	return nil
}

func (s *memStore) MarkAppsChanged(_ context.Context, links []db.EntryLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appLinks = append(s.appLinks, links...)
	return nil
}

func (s *memStore) MarkPackagesChanged(_ context.Context, links []db.EntryLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packageLinks = append(s.packageLinks, links...)
	return nil
}

func (s *memStore) historyFor(entryType string, entryID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.history {
		if row.EntryType == entryType && row.EntryID == entryID {
			return true
		}
	}
	return false
}

// testCoordinator wires a coordinator over fakes with test-friendly tuning.
func testCoordinator(t *testing.T, store *memStore, mutate func(*NewCoordinatorParams)) (*Coordinator, *jobs.RecordingQueue, *notify.RecordingNotifier) {
	t.Helper()

	queue := &jobs.RecordingQueue{}
	notifier := &notify.RecordingNotifier{}
	params := NewCoordinatorParams{
		Store:    store,
		Queue:    queue,
		Notifier: notifier,
		Throttle: NewThrottle(5*time.Minute, 50),
		Rules:    DefaultIgnoreRules(nil),
		Mode:     RunDisabled,
		Config: CoordinatorConfig{
			BatchSize:              100,
			PollInterval:           time.Millisecond,
			BigChangelistThreshold: 300,
			NotableThreshold:       50,
		},
	}
	if mutate != nil {
		mutate(&params)
	}

	c := NewCoordinator(params)
	if err := c.Init(context.Background()); err != nil {
		t.Fatalf("watcher:coordinator_test - Init failed: %v", err)
	}
	return c, queue, notifier
}

func appChanges(changeNumber int64, ids ...int64) map[int64]feed.EntryChange {
	out := make(map[int64]feed.EntryChange, len(ids))
	for _, id := range ids {
		out[id] = feed.EntryChange{ID: id, ChangeNumber: changeNumber}
	}
	return out
}

func TestCoordinator_InitResumesFromPersistedCursor(t *testing.T) {
	store := newMemStore()
	store.cursor = 4242
	store.cursorSet = true

	c, _, _ := testCoordinator(t, store, nil)
	if c.Cursor() != 4242 {
		t.Errorf("watcher:coordinator_test - Cursor() = %d, want 4242", c.Cursor())
	}
}

func TestCoordinator_InitFullRunUsesSentinel(t *testing.T) {
	store := newMemStore()
	store.cursor = 4242
	store.cursorSet = true

	c, _, _ := testCoordinator(t, store, func(p *NewCoordinatorParams) { p.Mode = RunNormal })
	if c.Cursor() != 0 {
		t.Errorf("watcher:coordinator_test - Cursor() = %d, want sentinel 0", c.Cursor())
	}
}

func TestCoordinator_InitCursorLoadFailureIsFatal(t *testing.T) {
	store := newMemStore()
	store.failCursorLoad = true

	c := NewCoordinator(NewCoordinatorParams{
		Store:    store,
		Queue:    &jobs.RecordingQueue{},
		Notifier: &notify.RecordingNotifier{},
	})
	if err := c.Init(context.Background()); err == nil {
		t.Errorf("watcher:coordinator_test - expected Init to fail when cursor load fails")
	}
}

func TestCoordinator_IdempotentDiscard(t *testing.T) {
	store := newMemStore()
	c, queue, notifier := testCoordinator(t, store, nil)

	event := &feed.ChangeEvent{
		CurrentChangeNumber: 100,
		AppChanges:          appChanges(100, 10),
	}

	if err := c.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("watcher:coordinator_test - HandleEvent failed: %v", err)
	}
	c.Wait()
	batchesAfterFirst := len(queue.Batches())
	detailAfterFirst := len(notifier.Detail())

	// Same change number again: duplicate delivery, no side effects.
	if err := c.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("watcher:coordinator_test - duplicate HandleEvent failed: %v", err)
	}
	c.Wait()

	if got := len(queue.Batches()); got != batchesAfterFirst {
		t.Errorf("watcher:coordinator_test - duplicate event submitted %d new batches", got-batchesAfterFirst)
	}
	if got := len(notifier.Detail()); got != detailAfterFirst {
		t.Errorf("watcher:coordinator_test - duplicate event emitted %d new notifications", got-detailAfterFirst)
	}
	if c.Cursor() != 100 {
		t.Errorf("watcher:coordinator_test - Cursor() = %d, want 100", c.Cursor())
	}
}

func TestCoordinator_EmptyEventNotifies(t *testing.T) {
	store := newMemStore()
	c, queue, notifier := testCoordinator(t, store, nil)

	event := &feed.ChangeEvent{CurrentChangeNumber: 7}
	if err := c.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("watcher:coordinator_test - HandleEvent failed: %v", err)
	}
	c.Wait()

	detail := notifier.Detail()
	if len(detail) != 1 || !strings.Contains(detail[0], "(empty)") {
		t.Errorf("watcher:coordinator_test - expected single (empty) notification, got %v", detail)
	}
	if len(queue.Batches()) != 0 {
		t.Errorf("watcher:coordinator_test - empty event submitted %d batches", len(queue.Batches()))
	}
	if c.Cursor() != 7 {
		t.Errorf("watcher:coordinator_test - Cursor() = %d, want 7", c.Cursor())
	}
}

func TestCoordinator_AppChangesSubmitTokenAndFetchJobs(t *testing.T) {
	store := newMemStore()
	c, queue, _ := testCoordinator(t, store, nil)

	event := &feed.ChangeEvent{
		CurrentChangeNumber: 50,
		AppChanges: map[int64]feed.EntryChange{
			10: {ID: 10, ChangeNumber: 50, NeedsToken: true},
			11: {ID: 11, ChangeNumber: 50},
		},
	}
	if err := c.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("watcher:coordinator_test - HandleEvent failed: %v", err)
	}
	c.Wait()

	tokens := queue.BatchesOfType(jobs.TypeAppTokens)
	if len(tokens) != 1 || len(tokens[0].IDs) != 2 {
		t.Fatalf("watcher:coordinator_test - expected 1 token batch of 2 ids, got %v", tokens)
	}
	fetches := queue.BatchesOfType(jobs.TypeAppFetch)
	if len(fetches) != 1 || len(fetches[0].IDs) != 2 {
		t.Fatalf("watcher:coordinator_test - expected 1 app fetch batch of 2 ids, got %v", fetches)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.appLinks) != 2 {
		t.Fatalf("watcher:coordinator_test - expected 2 app links, got %d", len(store.appLinks))
	}
	for _, link := range store.appLinks {
		if link.ChangeNumber != 50 {
			t.Errorf("watcher:coordinator_test - app link change number = %d, want 50", link.ChangeNumber)
		}
		if link.ID == 10 && !link.NeedsToken {
			t.Errorf("watcher:coordinator_test - app 10 link lost NeedsToken")
		}
	}
}

func TestCoordinator_IgnoredPackageExcludedFromJobsButRecorded(t *testing.T) {
	store := newMemStore()
	store.billing[200] = db.BillingGift
	store.billing[201] = db.BillingStore

	c, queue, _ := testCoordinator(t, store, func(p *NewCoordinatorParams) {
		p.Rules = DefaultIgnoreRules([]int64{999})
	})

	event := &feed.ChangeEvent{
		CurrentChangeNumber: 60,
		PackageChanges: map[int64]feed.EntryChange{
			200: {ID: 200, ChangeNumber: 60}, // ignored: gift billing
			201: {ID: 201, ChangeNumber: 60}, // kept
			999: {ID: 999, ChangeNumber: 60}, // ignored: explicit exception
		},
	}
	if err := c.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("watcher:coordinator_test - HandleEvent failed: %v", err)
	}
	c.Wait()

	fetches := queue.BatchesOfType(jobs.TypePackageFetch)
	if len(fetches) != 1 {
		t.Fatalf("watcher:coordinator_test - expected 1 package fetch batch, got %d", len(fetches))
	}
	if len(fetches[0].IDs) != 1 || fetches[0].IDs[0] != 201 {
		t.Errorf("watcher:coordinator_test - package batch = %v, want [201]", fetches[0].IDs)
	}

	// Ignored packages still land in change history and links.
	for _, id := range []int64{200, 201, 999} {
		if !store.historyFor(db.EntryTypePackage, id) {
			t.Errorf("watcher:coordinator_test - package %d missing from change history", id)
		}
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.packageLinks) != 3 {
		t.Errorf("watcher:coordinator_test - expected 3 package links, got %d", len(store.packageLinks))
	}
}

func TestCoordinator_MemberAppsQueuedForChangedPackages(t *testing.T) {
	store := newMemStore()
	store.billing[300] = db.BillingStore
	store.members[300] = []int64{70, 71}

	c, queue, _ := testCoordinator(t, store, nil)

	event := &feed.ChangeEvent{
		CurrentChangeNumber: 80,
		PackageChanges:      appChanges(80, 300),
	}
	if err := c.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("watcher:coordinator_test - HandleEvent failed: %v", err)
	}
	c.Wait()

	fetches := queue.BatchesOfType(jobs.TypeAppFetch)
	if len(fetches) != 1 {
		t.Fatalf("watcher:coordinator_test - expected 1 member app batch, got %d", len(fetches))
	}
	if len(fetches[0].IDs) != 2 {
		t.Errorf("watcher:coordinator_test - member app batch = %v, want [70 71]", fetches[0].IDs)
	}
}

func TestCoordinator_PersistFailureDoesNotAdvanceCursor(t *testing.T) {
	store := newMemStore()
	store.failHistorySave = true

	c, queue, _ := testCoordinator(t, store, nil)

	event := &feed.ChangeEvent{
		CurrentChangeNumber: 90,
		AppChanges:          appChanges(90, 10),
	}
	if err := c.HandleEvent(context.Background(), event); err == nil {
		t.Fatalf("watcher:coordinator_test - expected HandleEvent to fail on history write")
	}
	c.Wait()

	if c.Cursor() != 0 {
		t.Errorf("watcher:coordinator_test - Cursor() = %d, want 0 (unchanged)", c.Cursor())
	}
	if len(queue.Batches()) != 0 {
		t.Errorf("watcher:coordinator_test - failed event still submitted %d batches", len(queue.Batches()))
	}

	// The same event succeeds after the store recovers.
	store.mu.Lock()
	store.failHistorySave = false
	store.mu.Unlock()
	if err := c.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("watcher:coordinator_test - retry HandleEvent failed: %v", err)
	}
	c.Wait()
	if c.Cursor() != 90 {
		t.Errorf("watcher:coordinator_test - Cursor() = %d, want 90 after retry", c.Cursor())
	}
}

func TestCoordinator_CursorSaveFailureKeepsInMemoryCursor(t *testing.T) {
	store := newMemStore()
	store.failCursorSave = true

	c, _, _ := testCoordinator(t, store, nil)

	event := &feed.ChangeEvent{
		CurrentChangeNumber: 91,
		AppChanges:          appChanges(91, 10),
	}
	if err := c.HandleEvent(context.Background(), event); err == nil {
		t.Fatalf("watcher:coordinator_test - expected HandleEvent to fail on cursor save")
	}
	c.Wait()
	if c.Cursor() != 0 {
		t.Errorf("watcher:coordinator_test - Cursor() = %d, want 0 (not past durable state)", c.Cursor())
	}
}

func TestCoordinator_BigChangelistTruncated(t *testing.T) {
	store := newMemStore()
	c, _, notifier := testCoordinator(t, store, nil)

	// 301 combined entries crosses the 300 threshold.
	apps := make(map[int64]feed.EntryChange, 200)
	for i := int64(1); i <= 200; i++ {
		apps[i] = feed.EntryChange{ID: i, ChangeNumber: 500}
	}
	packages := make(map[int64]feed.EntryChange, 101)
	for i := int64(1000); i < 1101; i++ {
		packages[i] = feed.EntryChange{ID: i, ChangeNumber: 500}
	}

	event := &feed.ChangeEvent{
		CurrentChangeNumber: 500,
		AppChanges:          apps,
		PackageChanges:      packages,
	}
	if err := c.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("watcher:coordinator_test - HandleEvent failed: %v", err)
	}
	c.Wait()

	detail := notifier.Detail()
	if len(detail) != 1 {
		t.Fatalf("watcher:coordinator_test - expected 1 detail notification, got %d", len(detail))
	}
	if !strings.Contains(detail[0], "too many entries to list") {
		t.Errorf("watcher:coordinator_test - expected truncation notice, got %q", detail[0])
	}
	if strings.Contains(detail[0], "\n") {
		t.Errorf("watcher:coordinator_test - truncation notice should not itemize entries")
	}
	if len(notifier.Summary()) != 0 {
		t.Errorf("watcher:coordinator_test - truncated changelist should not hit the summary channel")
	}
}

func TestCoordinator_NotableChangelistAlsoSummarized(t *testing.T) {
	store := newMemStore()
	c, _, notifier := testCoordinator(t, store, func(p *NewCoordinatorParams) {
		p.Config.NotableThreshold = 2
	})

	event := &feed.ChangeEvent{
		CurrentChangeNumber: 600,
		AppChanges:          appChanges(600, 10, 11),
	}
	if err := c.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("watcher:coordinator_test - HandleEvent failed: %v", err)
	}
	c.Wait()

	detail := notifier.Detail()
	summary := notifier.Summary()
	if len(detail) != 1 || len(summary) != 1 {
		t.Fatalf("watcher:coordinator_test - detail/summary = %d/%d, want 1/1", len(detail), len(summary))
	}
	if detail[0] != summary[0] {
		t.Errorf("watcher:coordinator_test - summary message should match the itemized detail message")
	}
}

func TestCoordinator_ImportantWatchListBypassesThrottle(t *testing.T) {
	store := newMemStore()
	store.appNames[440] = "Vital App"

	c, _, notifier := testCoordinator(t, store, func(p *NewCoordinatorParams) {
		p.Throttle = NewThrottle(5*time.Minute, 1)
		p.ImportantApps = []int64{440}
	})

	// Three changelists in one event; threshold 1 suppresses the last two,
	// and the watch-listed app sits in the suppressed third changelist.
	event := &feed.ChangeEvent{
		CurrentChangeNumber: 703,
		AppChanges: map[int64]feed.EntryChange{
			10:  {ID: 10, ChangeNumber: 701},
			11:  {ID: 11, ChangeNumber: 702},
			440: {ID: 440, ChangeNumber: 703},
		},
	}
	if err := c.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("watcher:coordinator_test - HandleEvent failed: %v", err)
	}
	c.Wait()

	detail := notifier.Detail()
	// Changelist 701 itemized, then the one-shot burst warning for 702.
	if len(detail) != 2 {
		t.Fatalf("watcher:coordinator_test - expected 2 detail messages, got %d: %v", len(detail), detail)
	}
	if !strings.Contains(detail[1], "suppressed") {
		t.Errorf("watcher:coordinator_test - second detail message should be the burst warning, got %q", detail[1])
	}

	important := notifier.Important()
	if len(important) != 1 {
		t.Fatalf("watcher:coordinator_test - expected 1 important notification, got %d", len(important))
	}
	if important[0].EntryID != 440 {
		t.Errorf("watcher:coordinator_test - important entry = %d, want 440", important[0].EntryID)
	}
	if !strings.Contains(important[0].Message, "Vital App") {
		t.Errorf("watcher:coordinator_test - important message missing display name: %q", important[0].Message)
	}
}

func TestCoordinator_BurstOfSixtyChangelists(t *testing.T) {
	store := newMemStore()
	c, _, notifier := testCoordinator(t, store, nil)

	apps := make(map[int64]feed.EntryChange, 60)
	for i := int64(0); i < 60; i++ {
		apps[1000+i] = feed.EntryChange{ID: 1000 + i, ChangeNumber: 2000 + i}
	}
	event := &feed.ChangeEvent{CurrentChangeNumber: 2059, AppChanges: apps}

	if err := c.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("watcher:coordinator_test - HandleEvent failed: %v", err)
	}
	c.Wait()

	detail := notifier.Detail()
	// 50 itemized notifications plus exactly one suppression warning.
	if len(detail) != 51 {
		t.Fatalf("watcher:coordinator_test - expected 51 detail messages, got %d", len(detail))
	}
	warnings := 0
	for _, m := range detail {
		if strings.Contains(m, "suppressed") {
			warnings++
		}
	}
	if warnings != 1 {
		t.Errorf("watcher:coordinator_test - expected exactly 1 burst warning, got %d", warnings)
	}
}

func TestCoordinator_PerformSyncDisabledIsNoOp(t *testing.T) {
	store := newMemStore()
	c, queue, _ := testCoordinator(t, store, nil)

	if err := c.PerformSync(context.Background()); err != nil {
		t.Fatalf("watcher:coordinator_test - PerformSync failed: %v", err)
	}
	if len(queue.Batches()) != 0 {
		t.Errorf("watcher:coordinator_test - disabled sync submitted %d batches", len(queue.Batches()))
	}
}

func TestCoordinator_PerformSyncEnumerate(t *testing.T) {
	store := newMemStore()
	store.appIDs = []int64{1, 2, 150}
	store.packageIDs = []int64{5}

	c, queue, _ := testCoordinator(t, store, func(p *NewCoordinatorParams) {
		p.Mode = RunEnumerate
		p.Config.EnumMargin = 10
		p.Config.EnumAppCap = 155
		p.Config.EnumPackageCap = 100
	})

	if err := c.PerformSync(context.Background()); err != nil {
		t.Fatalf("watcher:coordinator_test - PerformSync failed: %v", err)
	}

	var appTotal int
	for _, b := range queue.BatchesOfType(jobs.TypeAppFetch) {
		appTotal += len(b.IDs)
	}
	// max 150 + margin 10 capped at 155.
	if appTotal != 155 {
		t.Errorf("watcher:coordinator_test - enumerated %d app ids, want 155", appTotal)
	}

	var packageTotal int
	for _, b := range queue.BatchesOfType(jobs.TypePackageFetch) {
		packageTotal += len(b.IDs)
	}
	// max 5 + margin 10, under the cap.
	if packageTotal != 15 {
		t.Errorf("watcher:coordinator_test - enumerated %d package ids, want 15", packageTotal)
	}
}

func TestCoordinator_PerformSyncForcedDepotsSkipsPackages(t *testing.T) {
	store := newMemStore()
	store.appIDs = []int64{1, 2, 3}
	store.packageIDs = []int64{5, 6}

	c, queue, _ := testCoordinator(t, store, func(p *NewCoordinatorParams) {
		p.Mode = RunForcedDepotsOnly
	})

	if err := c.PerformSync(context.Background()); err != nil {
		t.Fatalf("watcher:coordinator_test - PerformSync failed: %v", err)
	}
	if got := queue.BatchesOfType(jobs.TypePackageFetch); len(got) != 0 {
		t.Errorf("watcher:coordinator_test - forced-depots sync submitted %d package batches", len(got))
	}
	if got := queue.BatchesOfType(jobs.TypeAppFetch); len(got) != 1 {
		t.Errorf("watcher:coordinator_test - expected 1 app batch, got %d", len(got))
	}
}
