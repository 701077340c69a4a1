package engine

import (
	"context"
	"fmt"

	"github.com/MarcoPoloResearchLab/cardbot/internal/upload"
)

// UploadAction names a step of the upload conversation.
type UploadAction string

const (
	UploadStart   UploadAction = "start"
	UploadText    UploadAction = "text"
	UploadPhoto   UploadAction = "photo"
	UploadConfirm UploadAction = "confirm"
	UploadEdit    UploadAction = "edit"
	UploadBack    UploadAction = "back"
	UploadCancel  UploadAction = "cancel"
	UploadQuick   UploadAction = "quick"
	UploadSearch  UploadAction = "search"
)

// UploadRequest carries one upload step from the transport.
type UploadRequest struct {
	UserID      int64               `json:"user_id"`
	DisplayName string              `json:"display_name"`
	Text        string              `json:"text"`
	ImageRef    string              `json:"image_ref"`
	Field       string              `json:"field"`
	Quick       upload.QuickRequest `json:"quick"`
}

// HandleUpload runs one workflow step and wraps the prompt as an event.
func (e *Engine) HandleUpload(ctx context.Context, action UploadAction, request UploadRequest) (Event, error) {
	if request.UserID == 0 {
		return Event{}, fmt.Errorf("%w: user_id required", ErrInvalidEvent)
	}
	if _, err := e.users.Ensure(ctx, request.UserID, request.DisplayName); err != nil {
		return Event{}, err
	}

	var (
		prompt upload.Prompt
		err    error
	)
	switch action {
	case UploadStart:
		prompt, err = e.workflow.Start(ctx, request.UserID)
	case UploadText:
		prompt, err = e.workflow.Text(ctx, request.UserID, request.Text)
	case UploadPhoto:
		prompt, err = e.workflow.Photo(ctx, request.UserID, request.ImageRef)
	case UploadConfirm:
		prompt, err = e.workflow.Confirm(ctx, request.UserID)
	case UploadEdit:
		prompt, err = e.workflow.Edit(ctx, request.UserID, request.Field)
	case UploadBack:
		prompt, err = e.workflow.Back(ctx, request.UserID)
	case UploadCancel:
		prompt = e.workflow.Cancel(request.UserID)
	case UploadQuick:
		prompt, err = e.workflow.QuickUpload(ctx, request.UserID, request.Quick)
	case UploadSearch:
		prompt, err = e.workflow.Search(ctx, request.UserID, request.Text)
	default:
		return Event{}, fmt.Errorf("%w: unknown upload action %q", ErrInvalidEvent, action)
	}
	if err != nil {
		return Event{}, err
	}

	event := Event{Type: EventWorkflowPrompt, UserID: request.UserID, Prompt: &prompt}
	if prompt.Card != nil {
		event.Card = prompt.Card
	}
	e.publish(event)
	return event, nil
}
