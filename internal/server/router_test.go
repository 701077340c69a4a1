package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/cardbot/internal/auth"
	"github.com/MarcoPoloResearchLab/cardbot/internal/cards"
	"github.com/MarcoPoloResearchLab/cardbot/internal/collection"
	"github.com/MarcoPoloResearchLab/cardbot/internal/cooldown"
	"github.com/MarcoPoloResearchLab/cardbot/internal/drops"
	"github.com/MarcoPoloResearchLab/cardbot/internal/engine"
	"github.com/MarcoPoloResearchLab/cardbot/internal/rarity"
	"github.com/MarcoPoloResearchLab/cardbot/internal/stages"
	"github.com/MarcoPoloResearchLab/cardbot/internal/upload"
	"github.com/MarcoPoloResearchLab/cardbot/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"gorm.io/gorm"
)

const testOwnerID = int64(1)

type apiFixture struct {
	handler    http.Handler
	issuer     *auth.TokenIssuer
	dispatcher *EventDispatcher
	catalog    *cards.Catalog
}

func newAPIFixture(t *testing.T) apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&users.User{}, &cards.Card{}, &collection.Entry{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	table, err := rarity.NewTable(rarity.DefaultTiers(), rarity.NewSeededSource(3))
	if err != nil {
		t.Fatalf("table: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("users: %v", err)
	}
	collectionService, err := collection.NewService(collection.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("collection: %v", err)
	}
	catalog, err := cards.NewCatalog(cards.CatalogConfig{Database: db, Tiers: table})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	picker, err := cards.NewPicker(cards.PickerConfig{Table: table, Source: catalog, Random: rarity.NewSeededSource(4)})
	if err != nil {
		t.Fatalf("picker: %v", err)
	}
	gate, err := cooldown.NewGate(cooldown.Config{Store: userService})
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	scheduler, err := drops.NewScheduler(drops.SchedulerConfig{DefaultThreshold: 10})
	if err != nil {
		t.Fatalf("scheduler: %v", err)
	}
	arbiter, err := drops.NewArbiter(drops.ArbiterConfig{Crediter: engine.CreditOwnership(collectionService)})
	if err != nil {
		t.Fatalf("arbiter: %v", err)
	}
	workflow, err := upload.NewWorkflow(upload.Config{
		Stages:  stages.NewManager(stages.Config{}),
		Catalog: catalog,
		Roles:   userService,
		Tiers:   table,
	})
	if err != nil {
		t.Fatalf("workflow: %v", err)
	}
	dispatcher := NewEventDispatcher()
	eng, err := engine.New(engine.Config{
		Users:      userService,
		Collection: collectionService,
		Catalog:    catalog,
		Cooldown:   gate,
		Scheduler:  scheduler,
		Arbiter:    arbiter,
		Picker:     picker,
		Workflow:   workflow,
		Publisher:  dispatcher,
		Tiers:      table,
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	if _, err := userService.SetRole(context.Background(), testOwnerID, users.RoleOwner); err != nil {
		t.Fatalf("owner: %v", err)
	}

	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("router-secret"),
		Issuer:        "cardbot-api",
		Audience:      "cardbot-bridge",
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	handler, err := NewHTTPHandler(Dependencies{
		Engine:       eng,
		TokenManager: issuer,
		Dispatcher:   dispatcher,
	})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	return apiFixture{handler: handler, issuer: issuer, dispatcher: dispatcher, catalog: catalog}
}

func (f apiFixture) token(t *testing.T, scopes ...string) string {
	t.Helper()
	token, _, err := f.issuer.IssueBridgeToken(context.Background(), "test-bridge", scopes)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func (f apiFixture) do(t *testing.T, method, path, token string, actor int64, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	if actor != 0 {
		request.Header.Set(actorHeader, fmt.Sprint(actor))
	}
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func decode[T any](t *testing.T, recorder *httptest.ResponseRecorder) T {
	t.Helper()
	var value T
	if err := json.Unmarshal(recorder.Body.Bytes(), &value); err != nil {
		t.Fatalf("decode response %q: %v", recorder.Body.String(), err)
	}
	return value
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); err == nil {
		t.Fatalf("expected error for missing dependencies")
	}
}

func TestHealthzIsPublic(t *testing.T) {
	fixture := newAPIFixture(t)
	recorder := fixture.do(t, http.MethodGet, "/healthz", "", 0, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
}

func TestEventRoutesDriveDropAndClaim(t *testing.T) {
	fixture := newAPIFixture(t)
	if _, err := fixture.catalog.Create(context.Background(), cards.Draft{
		Anime: "Spy x Family", Character: "Anya Forger", RarityTierID: 2, ImageRef: "anya.png",
	}); err != nil {
		t.Fatalf("seed card: %v", err)
	}
	token := fixture.token(t, auth.ScopeEvents)

	var offered engine.Event
	for i := 0; i < 10; i++ {
		recorder := fixture.do(t, http.MethodPost, "/v1/events/messages", token, 0, engine.ChatMessage{
			ChatID: -500, ChatType: engine.ChatTypeGroup, UserID: 10, Text: "hello",
		})
		if recorder.Code != http.StatusOK {
			t.Fatalf("message %d: status %d body %s", i, recorder.Code, recorder.Body.String())
		}
		response := decode[eventsResponse](t, recorder)
		if len(response.Events) == 1 {
			offered = response.Events[0]
		}
	}
	if offered.Type != engine.EventDropOffered || offered.Card == nil || offered.Card.Character != "Anya Forger" {
		t.Fatalf("expected drop offer on the tenth message, got %+v", offered)
	}

	recorder := fixture.do(t, http.MethodPost, "/v1/events/messages", token, 0, engine.ChatMessage{
		ChatID: -500, ChatType: engine.ChatTypeGroup, UserID: 11, Text: "catch anya forger",
	})
	response := decode[eventsResponse](t, recorder)
	if len(response.Events) != 1 || response.Events[0].Outcome != string(drops.OutcomeWon) {
		t.Fatalf("expected a won claim, got %s", recorder.Body.String())
	}

	catch := fixture.do(t, http.MethodPost, "/v1/events/catch", token, 0, engine.CatchCommand{UserID: 11})
	caught := decode[eventsResponse](t, catch)
	if caught.Events[0].Outcome != engine.OutcomeCaught {
		t.Fatalf("expected caught outcome, got %s", catch.Body.String())
	}
	again := fixture.do(t, http.MethodPost, "/v1/events/catch", token, 0, engine.CatchCommand{UserID: 11})
	blocked := decode[eventsResponse](t, again)
	if blocked.Events[0].Outcome != engine.OutcomeCooldown || blocked.Events[0].RemainingSeconds <= 0 {
		t.Fatalf("expected cooldown, got %s", again.Body.String())
	}
}

func TestScopesAndRolesGuardAdminRoutes(t *testing.T) {
	fixture := newAPIFixture(t)
	eventsOnly := fixture.token(t, auth.ScopeEvents)
	admin := fixture.token(t, auth.ScopeAdmin)

	if recorder := fixture.do(t, http.MethodGet, "/v1/stats/drops", "", testOwnerID, nil); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", recorder.Code)
	}
	if recorder := fixture.do(t, http.MethodGet, "/v1/stats/drops", eventsOnly, testOwnerID, nil); recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without admin scope, got %d", recorder.Code)
	}
	if recorder := fixture.do(t, http.MethodGet, "/v1/stats/drops", admin, 0, nil); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without actor, got %d", recorder.Code)
	}
	if recorder := fixture.do(t, http.MethodGet, "/v1/stats/drops", admin, 99, nil); recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for plain user, got %d", recorder.Code)
	}

	role := fixture.do(t, http.MethodPut, "/v1/users/99/role", admin, testOwnerID, roleRequestPayload{Role: "admin"})
	if role.Code != http.StatusOK || decode[userResponsePayload](t, role).Role != "admin" {
		t.Fatalf("expected role grant, got %d %s", role.Code, role.Body.String())
	}
	bad := fixture.do(t, http.MethodPut, "/v1/users/99/role", admin, testOwnerID, roleRequestPayload{Role: "emperor"})
	if bad.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown role, got %d", bad.Code)
	}

	threshold := fixture.do(t, http.MethodPut, "/v1/chats/-7/threshold", admin, 99, thresholdRequestPayload{Threshold: 3})
	if threshold.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for out of range threshold, got %d", threshold.Code)
	}
	threshold = fixture.do(t, http.MethodPut, "/v1/chats/-7/threshold", admin, 99, thresholdRequestPayload{Threshold: 40})
	status := decode[engine.DropStatus](t, threshold)
	if threshold.Code != http.StatusOK || status.Threshold != 40 || status.Remaining != 40 {
		t.Fatalf("unexpected threshold response %d %s", threshold.Code, threshold.Body.String())
	}

	disabled := false
	toggle := fixture.do(t, http.MethodPut, "/v1/chats/-7/enabled", admin, 99, enabledRequestPayload{Enabled: &disabled})
	if toggle.Code != http.StatusOK || decode[engine.DropStatus](t, toggle).Enabled {
		t.Fatalf("expected drops disabled, got %d %s", toggle.Code, toggle.Body.String())
	}
	if missing := fixture.do(t, http.MethodPut, "/v1/chats/-7/enabled", admin, 99, map[string]string{}); missing.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without enabled flag, got %d", missing.Code)
	}
}

func TestForceDropRoutes(t *testing.T) {
	fixture := newAPIFixture(t)
	admin := fixture.token(t)

	empty := fixture.do(t, http.MethodPost, "/v1/chats/-9/drop", admin, testOwnerID, nil)
	if empty.Code != http.StatusOK || decode[engine.Event](t, empty).Outcome != engine.OutcomeCatalogEmpty {
		t.Fatalf("expected catalog empty outcome, got %d %s", empty.Code, empty.Body.String())
	}

	if _, err := fixture.catalog.Create(context.Background(), cards.Draft{
		Anime: "Naruto", Character: "Kakashi", RarityTierID: 4, ImageRef: "kakashi.png",
	}); err != nil {
		t.Fatalf("seed card: %v", err)
	}
	forced := fixture.do(t, http.MethodPost, "/v1/chats/-9/drop", admin, testOwnerID, nil)
	if forced.Code != http.StatusOK || decode[engine.Event](t, forced).DropID == "" {
		t.Fatalf("expected drop, got %d %s", forced.Code, forced.Body.String())
	}
	conflict := fixture.do(t, http.MethodPost, "/v1/chats/-9/drop", admin, testOwnerID, nil)
	if conflict.Code != http.StatusConflict {
		t.Fatalf("expected 409 while a drop is live, got %d", conflict.Code)
	}
	stats := fixture.do(t, http.MethodGet, "/v1/stats/drops", admin, testOwnerID, nil)
	if decode[engine.DropStats](t, stats).ActiveDrops != 1 {
		t.Fatalf("expected one active drop, got %s", stats.Body.String())
	}
	current := fixture.do(t, http.MethodGet, "/v1/chats/-9/drop", admin, testOwnerID, nil)
	if decode[engine.DropStatus](t, current).Active == nil {
		t.Fatalf("expected active drop in status, got %s", current.Body.String())
	}
	cleared := fixture.do(t, http.MethodDelete, "/v1/chats/-9/drop", admin, testOwnerID, nil)
	if !decode[map[string]bool](t, cleared)["cleared"] {
		t.Fatalf("expected cleared, got %s", cleared.Body.String())
	}
	if invalid := fixture.do(t, http.MethodGet, "/v1/chats/abc/drop", admin, testOwnerID, nil); invalid.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad chat id, got %d", invalid.Code)
	}
}

func TestCollectionAndCardRoutes(t *testing.T) {
	fixture := newAPIFixture(t)
	card, err := fixture.catalog.Create(context.Background(), cards.Draft{
		Anime: "Bleach", Character: "Rukia", RarityTierID: 1, ImageRef: "rukia.png",
	})
	if err != nil {
		t.Fatalf("seed card: %v", err)
	}
	events := fixture.token(t, auth.ScopeEvents)
	admin := fixture.token(t, auth.ScopeAdmin)

	fixture.do(t, http.MethodPost, "/v1/events/catch", events, 0, engine.CatchCommand{UserID: 21})
	owned := fixture.do(t, http.MethodGet, "/v1/users/21/collection", events, 0, nil)
	listing := decode[collectionResponse](t, owned)
	if owned.Code != http.StatusOK || len(listing.Cards) != 1 || listing.Cards[0].Card.ID != card.ID {
		t.Fatalf("unexpected collection %d %s", owned.Code, owned.Body.String())
	}
	if other := decode[collectionResponse](t, fixture.do(t, http.MethodGet, "/v1/users/21/collection?rarity=4", events, 0, nil)); len(other.Cards) != 0 {
		t.Fatalf("rarity filter should exclude the card, got %+v", other.Cards)
	}
	if bad := fixture.do(t, http.MethodGet, "/v1/users/21/collection?rarity=rare", events, 0, nil); bad.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-numeric rarity, got %d", bad.Code)
	}

	board := fixture.do(t, http.MethodGet, "/v1/leaderboard?limit=5", events, 0, nil)
	leaders := decode[struct {
		Leaders []engine.LeaderboardEntry `json:"leaders"`
	}](t, board)
	if board.Code != http.StatusOK || len(leaders.Leaders) != 1 || leaders.Leaders[0].UserID != 21 || leaders.Leaders[0].Rank != 1 {
		t.Fatalf("unexpected leaderboard %d %s", board.Code, board.Body.String())
	}
	if oversized := fixture.do(t, http.MethodGet, "/v1/leaderboard?limit=500", events, 0, nil); oversized.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for oversized limit, got %d", oversized.Code)
	}
	totals := fixture.do(t, http.MethodGet, "/v1/stats", events, 0, nil)
	stats := decode[engine.GlobalStats](t, totals)
	if totals.Code != http.StatusOK || stats.Cards != 1 || stats.Catches != 1 || len(stats.Rarity) != 1 || stats.Rarity[0].Name != "Normal" {
		t.Fatalf("unexpected stats %d %s", totals.Code, totals.Body.String())
	}
	path := fmt.Sprintf("/v1/cards/%d", card.ID)
	described := fixture.do(t, http.MethodGet, path, events, 0, nil)
	info := decode[engine.CardInfo](t, described)
	if described.Code != http.StatusOK || info.OwnerCount != 1 || len(info.TopOwners) != 1 || info.TopOwners[0].UserID != 21 {
		t.Fatalf("unexpected card info %d %s", described.Code, described.Body.String())
	}
	if absent := fixture.do(t, http.MethodGet, "/v1/cards/4040", events, 0, nil); absent.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown card, got %d", absent.Code)
	}

	if denied := fixture.do(t, http.MethodPatch, path, admin, 21, cardEditPayload{Character: "Rukia Kuchiki"}); denied.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for plain user, got %d", denied.Code)
	}
	edited := fixture.do(t, http.MethodPatch, path, admin, testOwnerID, cardEditPayload{Character: "Rukia Kuchiki", Tags: []string{"Shinigami"}})
	editedCard := decode[cards.Card](t, edited)
	if edited.Code != http.StatusOK || editedCard.Character != "Rukia Kuchiki" || len(editedCard.Tags) != 1 || editedCard.Tags[0] != "shinigami" {
		t.Fatalf("expected edit, got %d %s", edited.Code, edited.Body.String())
	}
	if missing := fixture.do(t, http.MethodPatch, "/v1/cards/4040", admin, testOwnerID, cardEditPayload{Character: "X"}); missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", missing.Code)
	}
	if retired := fixture.do(t, http.MethodDelete, path, admin, testOwnerID, nil); retired.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", retired.Code)
	}
	forced := fixture.do(t, http.MethodPost, "/v1/chats/-3/drop", admin, testOwnerID, nil)
	if decode[engine.Event](t, forced).Outcome != engine.OutcomeCatalogEmpty {
		t.Fatalf("retired card must not drop, got %s", forced.Body.String())
	}
}

func TestUploadRouteMapsErrors(t *testing.T) {
	fixture := newAPIFixture(t)
	token := fixture.token(t, auth.ScopeEvents)

	denied := fixture.do(t, http.MethodPost, "/v1/upload/start", token, 0, engine.UploadRequest{UserID: 55})
	if denied.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-uploader, got %d", denied.Code)
	}
	started := fixture.do(t, http.MethodPost, "/v1/upload/start", token, 0, engine.UploadRequest{UserID: testOwnerID})
	event := decode[engine.Event](t, started)
	if started.Code != http.StatusOK || event.Prompt == nil || event.Prompt.Stage != stages.AnimeSelect {
		t.Fatalf("expected anime prompt, got %d %s", started.Code, started.Body.String())
	}
	photo := fixture.do(t, http.MethodPost, "/v1/upload/photo", token, 0, engine.UploadRequest{UserID: testOwnerID, ImageRef: "x.png"})
	if photo.Code != http.StatusConflict {
		t.Fatalf("expected 409 for input out of stage, got %d", photo.Code)
	}
	unknown := fixture.do(t, http.MethodPost, "/v1/upload/dance", token, 0, engine.UploadRequest{UserID: testOwnerID})
	if unknown.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown action, got %d", unknown.Code)
	}
}

func TestStreamDeliversEvents(t *testing.T) {
	fixture := newAPIFixture(t)
	server := httptest.NewServer(fixture.handler)
	defer server.Close()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+fixture.token(t, auth.ScopeStream))
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/v1/stream?topic=chat:-77"
	conn, response, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial stream: %v", err)
	}
	defer conn.Close()
	if response.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("unexpected handshake status %d", response.StatusCode)
	}

	fixture.dispatcher.Publish(engine.Event{Type: engine.EventDropOffered, ChatID: -77, DropID: "drop-1"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var received engine.Event
	if err := conn.ReadJSON(&received); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if received.DropID != "drop-1" || received.Type != engine.EventDropOffered {
		t.Fatalf("unexpected event %+v", received)
	}
}

func TestStreamRejectsBadTopic(t *testing.T) {
	fixture := newAPIFixture(t)
	recorder := fixture.do(t, http.MethodGet, "/v1/stream?topic=guild:1", fixture.token(t, auth.ScopeStream), 0, nil)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown topic, got %d", recorder.Code)
	}
}
