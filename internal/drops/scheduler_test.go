package drops

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/MarcoPoloResearchLab/cardbot/internal/svcerr"
	"github.com/alicebob/miniredis/v2"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func TestTriggerPeriodicity(t *testing.T) {
	scheduler, err := NewScheduler(SchedulerConfig{})
	if err != nil {
		t.Fatalf("scheduler: %v", err)
	}
	ctx := context.Background()
	for call := int64(1); call <= 200; call++ {
		decision, err := scheduler.OnChatMessage(ctx, -100)
		if err != nil {
			t.Fatalf("message %d: %v", call, err)
		}
		expected := call%50 == 0
		if decision.Trigger != expected {
			t.Fatalf("call %d: expected trigger=%v, got %v", call, expected, decision.Trigger)
		}
		if decision.Count != call || decision.Threshold != DefaultThreshold {
			t.Fatalf("call %d: unexpected decision %+v", call, decision)
		}
		// Another chat never shifts the first chat's count.
		if call%7 == 0 {
			if _, err := scheduler.OnChatMessage(ctx, -200); err != nil {
				t.Fatalf("other chat: %v", err)
			}
		}
	}

	other, err := scheduler.Status(ctx, -200)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if other.Count != 28 {
		t.Fatalf("expected 28 messages in the other chat, got %d", other.Count)
	}
}

func TestConcurrentMessagesTriggerExactlyOncePerMultiple(t *testing.T) {
	scheduler, err := NewScheduler(SchedulerConfig{DefaultThreshold: 10})
	if err != nil {
		t.Fatalf("scheduler: %v", err)
	}
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		triggers int
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			decision, err := scheduler.OnChatMessage(context.Background(), 1)
			if err != nil {
				t.Errorf("message: %v", err)
				return
			}
			if decision.Trigger {
				mu.Lock()
				triggers++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if triggers != 10 {
		t.Fatalf("expected 10 triggers, got %d", triggers)
	}
}

func TestSetThresholdBoundsAndStatus(t *testing.T) {
	scheduler, err := NewScheduler(SchedulerConfig{})
	if err != nil {
		t.Fatalf("scheduler: %v", err)
	}
	ctx := context.Background()
	for _, invalid := range []int64{0, 9, 501} {
		if err := scheduler.SetThreshold(ctx, 5, invalid); !errors.Is(err, ErrInvalidThreshold) {
			t.Fatalf("threshold %d: expected ErrInvalidThreshold, got %v", invalid, err)
		}
	}
	if err := scheduler.SetThreshold(ctx, 5, 10); err != nil {
		t.Fatalf("set threshold: %v", err)
	}
	for i := 0; i < 13; i++ {
		if _, err := scheduler.OnChatMessage(ctx, 5); err != nil {
			t.Fatalf("message: %v", err)
		}
	}
	status, err := scheduler.Status(ctx, 5)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Count != 13 || status.Threshold != 10 || status.Remaining != 7 {
		t.Fatalf("unexpected status %+v", status)
	}
	if scheduler.Threshold(ctx, 6) != DefaultThreshold {
		t.Fatalf("override leaked into another chat")
	}
}

func TestChatSettingsSurviveRestart(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&ChatSettings{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	repository, err := NewRepository(db)
	if err != nil {
		t.Fatalf("repository: %v", err)
	}
	ctx := context.Background()

	first, err := NewScheduler(SchedulerConfig{Settings: repository})
	if err != nil {
		t.Fatalf("scheduler: %v", err)
	}
	if err := first.SetThreshold(ctx, -77, 25); err != nil {
		t.Fatalf("set threshold: %v", err)
	}
	if err := first.SetEnabled(ctx, -88, false); err != nil {
		t.Fatalf("disable: %v", err)
	}

	restarted, err := NewScheduler(SchedulerConfig{Settings: repository})
	if err != nil {
		t.Fatalf("scheduler: %v", err)
	}
	if threshold := restarted.Threshold(ctx, -77); threshold != 25 {
		t.Fatalf("threshold lost across restart, got %d", threshold)
	}
	if threshold := restarted.Threshold(ctx, -88); threshold != DefaultThreshold {
		t.Fatalf("disabling must keep the default threshold, got %d", threshold)
	}
	for i := 0; i < 60; i++ {
		decision, err := restarted.OnChatMessage(ctx, -88)
		if err != nil {
			t.Fatalf("message: %v", err)
		}
		if decision.Trigger || !decision.Disabled {
			t.Fatalf("disabled chat must never trigger: %+v", decision)
		}
	}
	status, err := restarted.Status(ctx, -88)
	if err != nil || status.Enabled || status.Count != 0 {
		t.Fatalf("disabled chat must not count messages: %+v err=%v", status, err)
	}

	if err := restarted.SetEnabled(ctx, -88, true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	stored, found, err := repository.LoadSettings(ctx, -88)
	if err != nil || !found || !stored.Enabled || stored.Threshold != 0 {
		t.Fatalf("unexpected stored settings %+v found=%v err=%v", stored, found, err)
	}
	if decision, err := restarted.OnChatMessage(ctx, -88); err != nil || decision.Disabled || decision.Count != 1 {
		t.Fatalf("re-enabled chat should count again: %+v err=%v", decision, err)
	}
}

func TestRedisCounterStore(t *testing.T) {
	server := miniredis.RunT(t)
	counter, err := NewRedisCounter(RedisCounterConfig{Addr: server.Addr(), Prefix: "test:drops"})
	if err != nil {
		t.Fatalf("redis counter: %v", err)
	}
	t.Cleanup(func() { _ = counter.Close() })

	scheduler, err := NewScheduler(SchedulerConfig{Counters: counter, DefaultThreshold: 3})
	if err != nil {
		t.Fatalf("scheduler: %v", err)
	}
	ctx := context.Background()
	var triggered []int64
	for i := 0; i < 7; i++ {
		decision, err := scheduler.OnChatMessage(ctx, -42)
		if err != nil {
			t.Fatalf("message: %v", err)
		}
		if decision.Trigger {
			triggered = append(triggered, decision.Count)
		}
	}
	if len(triggered) != 2 || triggered[0] != 3 || triggered[1] != 6 {
		t.Fatalf("unexpected triggers %v", triggered)
	}

	stored, err := server.Get("test:drops:chat:-42:messages")
	if err != nil || stored != "7" {
		t.Fatalf("expected redis key to hold 7, got %q err=%v", stored, err)
	}
	if count, err := counter.Count(ctx, 999); err != nil || count != 0 {
		t.Fatalf("missing key must read zero: %d err=%v", count, err)
	}
}

func TestRedisCounterFailureIsStorageError(t *testing.T) {
	server := miniredis.RunT(t)
	counter, err := NewRedisCounter(RedisCounterConfig{Addr: server.Addr()})
	if err != nil {
		t.Fatalf("redis counter: %v", err)
	}
	server.Close()
	_, err = counter.Increment(context.Background(), 1)
	if !errors.Is(err, svcerr.ErrStorageUnavailable) {
		t.Fatalf("expected storage unavailable, got %v", err)
	}
}

func TestRedisCounterRequiresAddr(t *testing.T) {
	if _, err := NewRedisCounter(RedisCounterConfig{}); err == nil {
		t.Fatalf("expected error for empty addr")
	}
}
