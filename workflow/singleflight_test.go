package workflow

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/barops_backend/models"
)

// NOTE: These tests are intentionally DB-free. They validate the single-flight
// semantics the running_key unique index enforces in MySQL: concurrent
// identical triggers converge on one run, a forced trigger always gets its
// own, and settling a run frees the key for the next trigger.
//
// Full DB integration tests belong in an environment that can run MySQL.

type fakeRunStore struct {
	mu     sync.Mutex
	byKey  map[string]uint
	nextID uint
}

func newFakeRunStore() *fakeRunStore {
	return &fakeRunStore{byKey: map[string]uint{}}
}

// trigger mimics TriggerRun's insert-then-lookup: the unique index rejects a
// second live run with the same running key, and the caller adopts the
// existing one as a no-op.
func (s *fakeRunStore) trigger(runningKey string) (runID uint, noop bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byKey[runningKey]; ok {
		return id, true
	}
	s.nextID++
	s.byKey[runningKey] = s.nextID
	return s.nextID, false
}

// settle mimics settleTerminal clearing running_key on a finished run.
func (s *fakeRunStore) settle(runningKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byKey, runningKey)
}

func windowKey(tenant string) string {
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	return models.SyncRunKey(tenant, models.SourcePosPro, models.DataTypeSales, start, start.Add(24*time.Hour))
}

func TestSingleFlight_ConcurrentTriggersConvergeOnOneRun(t *testing.T) {
	for run := 0; run < 100; run++ {
		store := newFakeRunStore()
		key := windowKey("bar-001")

		var wg sync.WaitGroup
		var mu sync.Mutex
		created := 0
		ids := map[uint]bool{}
		for i := 0; i < 25; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				id, noop := store.trigger(key)
				mu.Lock()
				if !noop {
					created++
				}
				ids[id] = true
				mu.Unlock()
			}()
		}
		wg.Wait()

		if created != 1 {
			t.Fatalf("run=%d expected exactly 1 created run, got %d", run, created)
		}
		if len(ids) != 1 {
			t.Fatalf("run=%d all triggers should observe the same run, saw %d ids", run, len(ids))
		}
	}
}

func TestSingleFlight_ForcedTriggersNeverCoalesce(t *testing.T) {
	store := newFakeRunStore()
	key := windowKey("bar-001")

	if _, noop := store.trigger(key); noop {
		t.Fatal("first trigger must create a run")
	}
	for i := 0; i < 5; i++ {
		forcedKey := fmt.Sprintf("%s#force:%d", key, i)
		if _, noop := store.trigger(forcedKey); noop {
			t.Fatalf("forced trigger %d coalesced with an existing run", i)
		}
	}
}

func TestSingleFlight_SettledRunFreesTheKey(t *testing.T) {
	store := newFakeRunStore()
	key := windowKey("bar-001")

	first, noop := store.trigger(key)
	if noop {
		t.Fatal("first trigger must create a run")
	}
	if _, noop := store.trigger(key); !noop {
		t.Fatal("second trigger while in flight must be a no-op")
	}

	store.settle(key)

	second, noop := store.trigger(key)
	if noop {
		t.Fatal("trigger after settle must create a fresh run")
	}
	if second == first {
		t.Fatalf("fresh run reused id %d", first)
	}
}

func TestSingleFlight_TenantsAreIndependent(t *testing.T) {
	store := newFakeRunStore()

	if _, noop := store.trigger(windowKey("bar-001")); noop {
		t.Fatal("bar-001 trigger must create a run")
	}
	if _, noop := store.trigger(windowKey("bar-002")); noop {
		t.Fatal("bar-002 trigger must not coalesce with bar-001")
	}
}
