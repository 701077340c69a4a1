// Package upload drives the guided card upload conversation on top of the
// stage manager.
package upload

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/cardbot/internal/cards"
	"github.com/MarcoPoloResearchLab/cardbot/internal/rarity"
	"github.com/MarcoPoloResearchLab/cardbot/internal/stages"
	"github.com/MarcoPoloResearchLab/cardbot/internal/users"
	"go.uber.org/zap"
)

// DefaultCooldown is the pause enforced between two uploads by the same user.
const DefaultCooldown = 5 * time.Second

// Field keys stored in the user's stage.
const (
	FieldAnime     = "anime"
	FieldCharacter = "character"
	FieldRarity    = "rarity"
	FieldImageRef  = "image_ref"
	FieldTags      = "tags"
	FieldEditing   = "editing"
	FieldQuery     = "query"

	optionNew         = "new"
	randomRarity      = "random"
	searchResultLimit = 20
)

var (
	// ErrPermissionDenied indicates the user lacks the role for the action.
	ErrPermissionDenied = errors.New("upload: permission denied")
	// ErrNoWorkflow indicates the user has no live upload in progress.
	ErrNoWorkflow = errors.New("upload: no workflow in progress")
	// ErrUnexpectedInput indicates input that the current stage does not accept.
	ErrUnexpectedInput = errors.New("upload: unexpected input for stage")
	// ErrInvalidInput indicates input the current stage accepts but cannot use.
	ErrInvalidInput = errors.New("upload: invalid input")
	// ErrStateChanged indicates a concurrent step moved the workflow first.
	ErrStateChanged = errors.New("upload: workflow changed concurrently")
)

// CooldownError reports an upload attempted too soon after the previous one.
type CooldownError struct {
	Remaining time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("upload: cooldown active, %s remaining", e.Remaining.Round(time.Second))
}

// Prompt is what the transport renders after each step.
type Prompt struct {
	Stage       stages.Stage      `json:"stage"`
	Message     string            `json:"message"`
	Options     []string          `json:"options,omitempty"`
	Fields      map[string]string `json:"fields,omitempty"`
	Card        *cards.Card       `json:"card,omitempty"`
	Results     []cards.Card      `json:"results,omitempty"`
	DuplicateOf int64             `json:"duplicate_of,omitempty"`
}

// Catalog is the card catalog surface the workflow needs.
type Catalog interface {
	AnimeList(ctx context.Context) ([]string, error)
	Characters(ctx context.Context, anime string) ([]string, error)
	CanonicalAnime(ctx context.Context, anime string) (string, error)
	FindByImage(ctx context.Context, imageRef string) (cards.Card, bool, error)
	Create(ctx context.Context, draft cards.Draft) (cards.Card, error)
	Search(ctx context.Context, query string, limit int) ([]cards.Card, error)
}

// RoleChecker answers role questions about users.
type RoleChecker interface {
	HasRole(ctx context.Context, userID int64, required users.Role) (bool, error)
}

// Config wires a Workflow.
type Config struct {
	Stages   *stages.Manager
	Catalog  Catalog
	Roles    RoleChecker
	Tiers    *rarity.Table
	Cooldown time.Duration
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Workflow implements the upload conversation. Every transition checks the
// stage it started from and fails with ErrStateChanged when a concurrent
// step got there first.
type Workflow struct {
	stages   *stages.Manager
	catalog  Catalog
	roles    RoleChecker
	tiers    *rarity.Table
	cooldown time.Duration
	now      func() time.Time
	logger   *zap.Logger

	lastUpload sync.Map
}

// NewWorkflow constructs a Workflow.
func NewWorkflow(cfg Config) (*Workflow, error) {
	switch {
	case cfg.Stages == nil:
		return nil, errors.New("upload: stage manager required")
	case cfg.Catalog == nil:
		return nil, errors.New("upload: catalog required")
	case cfg.Roles == nil:
		return nil, errors.New("upload: role checker required")
	case cfg.Tiers == nil:
		return nil, errors.New("upload: rarity table required")
	}
	cooldown := cfg.Cooldown
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Workflow{
		stages:   cfg.Stages,
		catalog:  cfg.Catalog,
		roles:    cfg.Roles,
		tiers:    cfg.Tiers,
		cooldown: cooldown,
		now:      clock,
		logger:   logger,
	}, nil
}

// Start opens a fresh upload for the user and asks for the anime.
func (w *Workflow) Start(ctx context.Context, userID int64) (Prompt, error) {
	if err := w.authorize(ctx, userID, users.RoleUploader); err != nil {
		return Prompt{}, err
	}
	if err := w.checkCooldown(userID); err != nil {
		return Prompt{}, err
	}
	anime, err := w.catalog.AnimeList(ctx)
	if err != nil {
		return Prompt{}, err
	}
	err = w.stages.Update(userID, func(state *stages.State) error {
		state.Stage = stages.AnimeSelect
		state.Fields = map[string]string{}
		return nil
	})
	if err != nil {
		return Prompt{}, err
	}
	w.logger.Info("upload started", zap.Int64("user_id", userID))
	return Prompt{
		Stage:   stages.AnimeSelect,
		Message: "Choose an anime or send \"new\" to add one.",
		Options: append(anime, optionNew),
	}, nil
}

// Active reports whether the user is partway through an upload.
func (w *Workflow) Active(userID int64) bool {
	return w.stages.InWorkflow(userID)
}

// Text feeds free text to whatever stage the user is in.
func (w *Workflow) Text(ctx context.Context, userID int64, text string) (Prompt, error) {
	snapshot := w.stages.Get(userID)
	input := strings.Join(strings.Fields(text), " ")
	if input == "" {
		return Prompt{}, fmt.Errorf("%w: empty text", ErrInvalidInput)
	}

	switch snapshot.Stage {
	case stages.None:
		return Prompt{}, ErrNoWorkflow
	case stages.AnimeSelect:
		if strings.EqualFold(input, optionNew) {
			return w.move(userID, snapshot.Stage, stages.AddingAnime, nil, "Send the anime name.")
		}
		return w.chooseAnime(ctx, userID, snapshot.Stage, input, true)
	case stages.AddingAnime:
		return w.chooseAnime(ctx, userID, snapshot.Stage, input, false)
	case stages.CharacterSelect:
		if strings.EqualFold(input, optionNew) {
			return w.move(userID, snapshot.Stage, stages.AddingCharacter, nil, "Send the character name.")
		}
		return w.chooseCharacter(ctx, userID, snapshot, input, true)
	case stages.AddingCharacter:
		return w.chooseCharacter(ctx, userID, snapshot, input, false)
	case stages.RaritySelect:
		tier, err := w.resolveTier(input, false)
		if err != nil {
			return Prompt{}, err
		}
		return w.move(userID, snapshot.Stage, stages.AwaitingPhoto, map[string]string{
			FieldRarity: strconv.Itoa(tier.ID),
		}, "Send the card image.")
	case stages.AwaitingNewValue:
		return w.applyEdit(ctx, userID, snapshot, input)
	case stages.SearchResults:
		return w.Search(ctx, userID, input)
	default:
		return Prompt{}, fmt.Errorf("%w: %s", ErrUnexpectedInput, snapshot.Stage)
	}
}

// Photo records the image for the card and shows the preview.
func (w *Workflow) Photo(_ context.Context, userID int64, imageRef string) (Prompt, error) {
	imageRef = strings.TrimSpace(imageRef)
	if imageRef == "" {
		return Prompt{}, fmt.Errorf("%w: empty image", ErrInvalidInput)
	}
	snapshot := w.stages.Get(userID)
	switch snapshot.Stage {
	case stages.None:
		return Prompt{}, ErrNoWorkflow
	case stages.AwaitingPhoto, stages.AwaitingNewPhoto:
	default:
		return Prompt{}, fmt.Errorf("%w: %s", ErrUnexpectedInput, snapshot.Stage)
	}
	return w.preview(userID, snapshot.Stage, map[string]string{FieldImageRef: imageRef}, "")
}

// Confirm creates the card from the previewed fields. The stage is released
// before the catalog write so a duplicate tap cannot create the card twice.
func (w *Workflow) Confirm(ctx context.Context, userID int64) (Prompt, error) {
	var fields map[string]string
	err := w.stages.Update(userID, func(state *stages.State) error {
		if state.Stage != stages.ConfirmPhoto {
			return w.stageError(state.Stage)
		}
		fields = state.Fields
		state.Stage = stages.None
		state.Fields = map[string]string{}
		return nil
	})
	if err != nil {
		return Prompt{}, err
	}

	tierID, _ := strconv.Atoi(fields[FieldRarity])
	card, err := w.catalog.Create(ctx, cards.Draft{
		Anime:        fields[FieldAnime],
		Character:    fields[FieldCharacter],
		RarityTierID: tierID,
		ImageRef:     fields[FieldImageRef],
		UploaderID:   userID,
		Tags:         splitTags(fields[FieldTags]),
	})
	if err != nil {
		w.restore(userID, fields)
		if errors.Is(err, cards.ErrDuplicateImage) {
			prompt := w.previewPrompt(fields, "This image already backs a card. Edit the photo or cancel.")
			if existing, found, lookupErr := w.catalog.FindByImage(ctx, fields[FieldImageRef]); lookupErr == nil && found {
				prompt.DuplicateOf = existing.ID
			}
			return prompt, nil
		}
		return Prompt{}, err
	}

	w.stampUpload(userID)
	w.logger.Info("upload completed", zap.Int64("user_id", userID), zap.Int64("card_id", card.ID))
	return Prompt{Stage: stages.None, Message: "Card saved.", Card: &card}, nil
}

// Edit reopens one field from the preview.
func (w *Workflow) Edit(ctx context.Context, userID int64, field string) (Prompt, error) {
	field = strings.ToLower(strings.TrimSpace(field))
	snapshot := w.stages.Get(userID)
	if snapshot.Stage != stages.ConfirmPhoto {
		return Prompt{}, w.stageError(snapshot.Stage)
	}
	switch field {
	case "photo", FieldImageRef:
		return w.move(userID, snapshot.Stage, stages.AwaitingNewPhoto, nil, "Send the new image.")
	case FieldAnime, FieldCharacter, FieldRarity:
	default:
		return Prompt{}, fmt.Errorf("%w: unknown field %q", ErrInvalidInput, field)
	}

	prompt, err := w.move(userID, snapshot.Stage, stages.AwaitingNewValue, map[string]string{FieldEditing: field},
		fmt.Sprintf("Send the new %s.", field))
	if err != nil {
		return Prompt{}, err
	}
	switch field {
	case FieldAnime:
		prompt.Options, err = w.catalog.AnimeList(ctx)
	case FieldCharacter:
		prompt.Options, err = w.catalog.Characters(ctx, snapshot.Value(FieldAnime))
	case FieldRarity:
		prompt.Options = w.tierOptions()
	}
	return prompt, err
}

// Back returns to the previous step, forgetting what that step collected.
func (w *Workflow) Back(ctx context.Context, userID int64) (Prompt, error) {
	snapshot := w.stages.Get(userID)
	var (
		target  stages.Stage
		forget  []string
		message string
	)
	switch snapshot.Stage {
	case stages.None:
		return Prompt{}, ErrNoWorkflow
	case stages.AddingAnime, stages.CharacterSelect:
		target, forget, message = stages.AnimeSelect, []string{FieldAnime}, "Choose an anime or send \"new\" to add one."
	case stages.AddingCharacter, stages.RaritySelect:
		target, forget, message = stages.CharacterSelect, []string{FieldCharacter}, "Choose a character or send \"new\" to add one."
	case stages.AwaitingPhoto:
		target, forget, message = stages.RaritySelect, []string{FieldRarity}, "Choose a rarity."
	case stages.ConfirmPhoto:
		target, forget, message = stages.AwaitingPhoto, []string{FieldImageRef}, "Send the card image."
	case stages.AwaitingNewValue, stages.AwaitingNewPhoto:
		return w.preview(userID, snapshot.Stage, nil, "")
	default:
		w.stages.Clear(userID)
		return Prompt{Stage: stages.None, Message: "Closed."}, nil
	}

	err := w.stages.Update(userID, func(state *stages.State) error {
		if state.Stage != snapshot.Stage {
			return ErrStateChanged
		}
		state.Stage = target
		for _, key := range forget {
			state.Delete(key)
		}
		return nil
	})
	if err != nil {
		return Prompt{}, err
	}
	prompt := Prompt{Stage: target, Message: message}
	switch target {
	case stages.AnimeSelect:
		anime, listErr := w.catalog.AnimeList(ctx)
		if listErr != nil {
			return Prompt{}, listErr
		}
		prompt.Options = append(anime, optionNew)
	case stages.CharacterSelect:
		characters, listErr := w.catalog.Characters(ctx, snapshot.Value(FieldAnime))
		if listErr != nil {
			return Prompt{}, listErr
		}
		prompt.Options = append(characters, optionNew)
	case stages.RaritySelect:
		prompt.Options = w.tierOptions()
	}
	return prompt, nil
}

// Cancel abandons the user's workflow.
func (w *Workflow) Cancel(userID int64) Prompt {
	w.stages.Clear(userID)
	return Prompt{Stage: stages.None, Message: "Upload cancelled."}
}

// QuickRequest fills every field in one step. Rarity accepts a tier ID, a
// tier name, "random" or "".
type QuickRequest struct {
	Anime     string   `json:"anime"`
	Character string   `json:"character"`
	Rarity    string   `json:"rarity"`
	ImageRef  string   `json:"image_ref"`
	Tags      []string `json:"tags"`
}

// QuickUpload sets anime, character and rarity atomically. With an image it
// creates the card at once; otherwise it waits for the photo.
func (w *Workflow) QuickUpload(ctx context.Context, userID int64, request QuickRequest) (Prompt, error) {
	if err := w.authorize(ctx, userID, users.RoleAdmin); err != nil {
		return Prompt{}, err
	}
	if err := w.checkCooldown(userID); err != nil {
		return Prompt{}, err
	}
	anime := strings.Join(strings.Fields(request.Anime), " ")
	character := strings.Join(strings.Fields(request.Character), " ")
	if anime == "" || character == "" {
		return Prompt{}, fmt.Errorf("%w: anime and character required", ErrInvalidInput)
	}
	tier, err := w.resolveTier(request.Rarity, true)
	if err != nil {
		return Prompt{}, err
	}
	canonical, err := w.catalog.CanonicalAnime(ctx, anime)
	if err != nil {
		return Prompt{}, err
	}
	fields := map[string]string{
		FieldAnime:     canonical,
		FieldCharacter: character,
		FieldRarity:    strconv.Itoa(tier.ID),
	}
	if tags := joinTags(request.Tags); tags != "" {
		fields[FieldTags] = tags
	}

	if imageRef := strings.TrimSpace(request.ImageRef); imageRef != "" {
		card, createErr := w.catalog.Create(ctx, cards.Draft{
			Anime:        canonical,
			Character:    character,
			RarityTierID: tier.ID,
			ImageRef:     imageRef,
			UploaderID:   userID,
			Tags:         splitTags(fields[FieldTags]),
		})
		if createErr != nil {
			return Prompt{}, createErr
		}
		w.stages.Clear(userID)
		w.stampUpload(userID)
		w.logger.Info("quick upload completed", zap.Int64("user_id", userID), zap.Int64("card_id", card.ID))
		return Prompt{Stage: stages.None, Message: "Card saved.", Card: &card}, nil
	}

	err = w.stages.Update(userID, func(state *stages.State) error {
		state.Stage = stages.AwaitingPhoto
		state.Fields = fields
		return nil
	})
	if err != nil {
		return Prompt{}, err
	}
	return Prompt{Stage: stages.AwaitingPhoto, Message: "Send the card image.", Fields: copyFields(fields)}, nil
}

// Search looks up cards for an admin and parks the user on the results.
func (w *Workflow) Search(ctx context.Context, userID int64, query string) (Prompt, error) {
	if err := w.authorize(ctx, userID, users.RoleAdmin); err != nil {
		return Prompt{}, err
	}
	query = strings.Join(strings.Fields(query), " ")
	if query == "" {
		return Prompt{}, fmt.Errorf("%w: empty query", ErrInvalidInput)
	}
	found, err := w.catalog.Search(ctx, query, searchResultLimit)
	if err != nil {
		return Prompt{}, err
	}
	err = w.stages.Update(userID, func(state *stages.State) error {
		state.Stage = stages.SearchResults
		state.Fields = map[string]string{FieldQuery: query}
		return nil
	})
	if err != nil {
		return Prompt{}, err
	}
	return Prompt{
		Stage:   stages.SearchResults,
		Message: fmt.Sprintf("%d card(s) match %q.", len(found), query),
		Results: found,
	}, nil
}

func (w *Workflow) chooseAnime(ctx context.Context, userID int64, from stages.Stage, input string, mustExist bool) (Prompt, error) {
	canonical, err := w.catalog.CanonicalAnime(ctx, input)
	if err != nil {
		return Prompt{}, err
	}
	characters, err := w.catalog.Characters(ctx, canonical)
	if err != nil {
		return Prompt{}, err
	}
	if mustExist && len(characters) == 0 {
		return Prompt{}, fmt.Errorf("%w: unknown anime %q", ErrInvalidInput, input)
	}
	prompt, err := w.move(userID, from, stages.CharacterSelect, map[string]string{FieldAnime: canonical},
		"Choose a character or send \"new\" to add one.")
	if err != nil {
		return Prompt{}, err
	}
	prompt.Options = append(characters, optionNew)
	return prompt, nil
}

func (w *Workflow) chooseCharacter(ctx context.Context, userID int64, snapshot stages.Snapshot, input string, mustExist bool) (Prompt, error) {
	character := input
	if mustExist {
		known, err := w.catalog.Characters(ctx, snapshot.Value(FieldAnime))
		if err != nil {
			return Prompt{}, err
		}
		character = ""
		for _, name := range known {
			if strings.EqualFold(name, input) {
				character = name
				break
			}
		}
		if character == "" {
			return Prompt{}, fmt.Errorf("%w: unknown character %q", ErrInvalidInput, input)
		}
	}
	prompt, err := w.move(userID, snapshot.Stage, stages.RaritySelect, map[string]string{FieldCharacter: character}, "Choose a rarity.")
	if err != nil {
		return Prompt{}, err
	}
	prompt.Options = w.tierOptions()
	return prompt, nil
}

func (w *Workflow) applyEdit(ctx context.Context, userID int64, snapshot stages.Snapshot, input string) (Prompt, error) {
	field := snapshot.Value(FieldEditing)
	value := input
	switch field {
	case FieldAnime:
		canonical, err := w.catalog.CanonicalAnime(ctx, input)
		if err != nil {
			return Prompt{}, err
		}
		value = canonical
	case FieldCharacter:
	case FieldRarity:
		tier, err := w.resolveTier(input, false)
		if err != nil {
			return Prompt{}, err
		}
		value = strconv.Itoa(tier.ID)
	default:
		return Prompt{}, fmt.Errorf("%w: nothing being edited", ErrUnexpectedInput)
	}
	return w.preview(userID, snapshot.Stage, map[string]string{field: value}, "")
}

// move transitions from -> to when the user is still in from, merging set
// into the fields.
func (w *Workflow) move(userID int64, from, to stages.Stage, set map[string]string, message string) (Prompt, error) {
	var fields map[string]string
	err := w.stages.Update(userID, func(state *stages.State) error {
		if state.Stage != from {
			return ErrStateChanged
		}
		state.Stage = to
		for key, value := range set {
			state.Set(key, value)
		}
		fields = copyFields(state.Fields)
		return nil
	})
	if err != nil {
		return Prompt{}, err
	}
	return Prompt{Stage: to, Message: message, Fields: fields}, nil
}

// preview lands on ConfirmPhoto, merging set and dropping the edit marker.
func (w *Workflow) preview(userID int64, from stages.Stage, set map[string]string, message string) (Prompt, error) {
	var fields map[string]string
	err := w.stages.Update(userID, func(state *stages.State) error {
		if state.Stage != from {
			return ErrStateChanged
		}
		for key, value := range set {
			state.Set(key, value)
		}
		state.Delete(FieldEditing)
		state.Stage = stages.ConfirmPhoto
		fields = copyFields(state.Fields)
		return nil
	})
	if err != nil {
		return Prompt{}, err
	}
	return w.previewPrompt(fields, message), nil
}

func (w *Workflow) previewPrompt(fields map[string]string, message string) Prompt {
	if message == "" {
		tierID, _ := strconv.Atoi(fields[FieldRarity])
		label := fields[FieldRarity]
		if tier, err := w.tiers.Tier(tierID); err == nil {
			label = tier.Display()
		}
		message = fmt.Sprintf("Preview: %s from %s, %s. Confirm to save.",
			fields[FieldCharacter], fields[FieldAnime], label)
	}
	return Prompt{
		Stage:   stages.ConfirmPhoto,
		Message: message,
		Options: []string{"confirm", "edit", "cancel"},
		Fields:  copyFields(fields),
	}
}

func (w *Workflow) restore(userID int64, fields map[string]string) {
	err := w.stages.Update(userID, func(state *stages.State) error {
		if state.Stage != stages.None {
			return ErrStateChanged
		}
		state.Stage = stages.ConfirmPhoto
		state.Fields = copyFields(fields)
		return nil
	})
	if err != nil {
		w.logger.Warn("upload state not restored", zap.Int64("user_id", userID), zap.Error(err))
	}
}

func (w *Workflow) resolveTier(input string, allowRandom bool) (rarity.Tier, error) {
	trimmed := strings.TrimSpace(input)
	if allowRandom && (trimmed == "" || strings.EqualFold(trimmed, randomRarity)) {
		return w.tiers.Tier(w.tiers.Draw())
	}
	if id, err := strconv.Atoi(trimmed); err == nil {
		tier, lookupErr := w.tiers.Tier(id)
		if lookupErr != nil {
			return rarity.Tier{}, fmt.Errorf("%w: %w", ErrInvalidInput, lookupErr)
		}
		return tier, nil
	}
	tier, err := w.tiers.ByName(trimmed)
	if err != nil {
		return rarity.Tier{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return tier, nil
}

func (w *Workflow) tierOptions() []string {
	tiers := w.tiers.Tiers()
	options := make([]string, 0, len(tiers))
	for _, tier := range tiers {
		options = append(options, fmt.Sprintf("%d %s (%.2f%%)", tier.ID, tier.Display(), w.tiers.Probability(tier.ID)))
	}
	return options
}

func (w *Workflow) authorize(ctx context.Context, userID int64, required users.Role) error {
	allowed, err := w.roles.HasRole(ctx, userID, required)
	if err != nil {
		return err
	}
	if !allowed {
		return fmt.Errorf("%w: requires %s", ErrPermissionDenied, required)
	}
	return nil
}

func (w *Workflow) checkCooldown(userID int64) error {
	value, ok := w.lastUpload.Load(userID)
	if !ok {
		return nil
	}
	if remaining := w.cooldown - w.now().Sub(value.(time.Time)); remaining > 0 {
		return &CooldownError{Remaining: remaining}
	}
	w.lastUpload.CompareAndDelete(userID, value)
	return nil
}

// stampUpload records the upload and drops every stamp whose cooldown has
// already run out.
func (w *Workflow) stampUpload(userID int64) {
	now := w.now()
	w.lastUpload.Range(func(key, value any) bool {
		if now.Sub(value.(time.Time)) >= w.cooldown {
			w.lastUpload.CompareAndDelete(key, value)
		}
		return true
	})
	w.lastUpload.Store(userID, now)
}

func (w *Workflow) stageError(stage stages.Stage) error {
	if stage == stages.None {
		return ErrNoWorkflow
	}
	return fmt.Errorf("%w: %s", ErrUnexpectedInput, stage)
}

// joinTags packs tags into one stage field. Commas inside a tag split it.
func joinTags(tags []string) string {
	var kept []string
	for _, tag := range tags {
		for _, part := range strings.Split(tag, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				kept = append(kept, trimmed)
			}
		}
	}
	return strings.Join(kept, ",")
}

func splitTags(field string) []string {
	if field == "" {
		return nil
	}
	return strings.Split(field, ",")
}

func copyFields(fields map[string]string) map[string]string {
	copied := make(map[string]string, len(fields))
	for key, value := range fields {
		copied[key] = value
	}
	return copied
}
