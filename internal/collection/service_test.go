package collection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/cardbot/internal/cards"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Entry{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock:    func() time.Time { return time.Unix(1700000000, 0) },
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return service
}

func TestCreditTwiceIncrementsQuantity(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	first, err := service.Credit(ctx, 1, 10)
	if err != nil {
		t.Fatalf("first credit failed: %v", err)
	}
	if first.Quantity != 1 {
		t.Fatalf("expected quantity 1, got %d", first.Quantity)
	}

	second, err := service.Credit(ctx, 1, 10)
	if err != nil {
		t.Fatalf("second credit failed: %v", err)
	}
	if second.Quantity != 2 {
		t.Fatalf("expected quantity 2, got %d", second.Quantity)
	}

	entries, err := service.List(ctx, 1)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected a single entry, got %d", len(entries))
	}
}

func TestConcurrentCreditsAreNotLost(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := service.Credit(ctx, 3, 30); err != nil {
				t.Errorf("credit failed: %v", err)
			}
		}()
	}
	wg.Wait()

	entry, err := service.Get(ctx, 3, 30)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if entry.Quantity != 20 {
		t.Fatalf("expected 20 copies, got %d", entry.Quantity)
	}
}

func TestGetMissingEntry(t *testing.T) {
	service := newTestService(t)
	if _, err := service.Get(context.Background(), 1, 2); !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestOwnersAndTierFilter(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Entry{}, &cards.Card{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	for _, card := range []cards.Card{
		{ID: 1, Anime: "Naruto", AnimeSlug: "naruto", Character: "Naruto", RarityTierID: 2, ImageRef: "a", ImageHash: "a", Active: true},
		{ID: 2, Anime: "Naruto", AnimeSlug: "naruto", Character: "Sasuke", RarityTierID: 9, ImageRef: "b", ImageHash: "b", Active: true},
	} {
		if err := db.Create(&card).Error; err != nil {
			t.Fatalf("seed card: %v", err)
		}
	}

	now := time.Unix(1700000000, 0)
	service, err := NewService(ServiceConfig{Database: db, Clock: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	ctx := context.Background()
	credit := func(userID, cardID int64) {
		t.Helper()
		if _, err := service.Credit(ctx, userID, cardID); err != nil {
			t.Fatalf("credit: %v", err)
		}
		now = now.Add(time.Minute)
	}
	credit(30, 1)
	credit(10, 1)
	credit(20, 1)
	credit(10, 2)
	credit(30, 1)

	count, err := service.OwnerCount(ctx, 1)
	if err != nil || count != 3 {
		t.Fatalf("expected three owners, got %d err=%v", count, err)
	}
	owners, err := service.Owners(ctx, 1, 2)
	if err != nil {
		t.Fatalf("owners: %v", err)
	}
	if len(owners) != 2 || owners[0].UserID != 30 || owners[0].Quantity != 2 || owners[1].UserID != 10 {
		t.Fatalf("expected earliest catchers first, got %+v", owners)
	}

	rare, err := service.ListByTier(ctx, 10, 9)
	if err != nil {
		t.Fatalf("list by tier: %v", err)
	}
	if len(rare) != 1 || rare[0].CardID != 2 || rare[0].UserID != 10 {
		t.Fatalf("unexpected tier filter result %+v", rare)
	}
	if none, err := service.ListByTier(ctx, 20, 9); err != nil || len(none) != 0 {
		t.Fatalf("user 20 holds nothing in tier 9: %+v err=%v", none, err)
	}
}
