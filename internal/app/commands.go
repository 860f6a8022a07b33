package app

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"threadline/api/internal/auth"
	"threadline/api/internal/store"
)

// Command is one operation of the messaging core. REST handlers and socket
// frames both decode into a Command and run it through Execute.
type Command interface {
	command() string
}

type CreateThread struct {
	MemberIDs   []string `json:"memberIds" validate:"required,min=1,max=256,dive,required,max=128"`
	Name        string   `json:"name" validate:"max=100"`
	Description string   `json:"description" validate:"max=500"`
	IsGroup     bool     `json:"isGroup"`
}

type ListThreads struct {
	UserID string `json:"userId"`
	Page   int    `json:"page" validate:"min=0"`
	Limit  int    `json:"limit" validate:"min=0,max=100"`
}

type GetThread struct {
	ThreadID string `json:"threadId" validate:"required,uuid"`
}

type UpdateGroup struct {
	ThreadID    string `json:"threadId" validate:"required,uuid"`
	Name        string `json:"name" validate:"required,max=100"`
	Description string `json:"description" validate:"max=500"`
}

type AddParticipant struct {
	ThreadID string `json:"threadId" validate:"required,uuid"`
	UserID   string `json:"userId" validate:"required,max=128"`
}

type RemoveParticipant struct {
	ThreadID string `json:"threadId" validate:"required,uuid"`
	UserID   string `json:"userId" validate:"required,max=128"`
}

type DeleteThread struct {
	ThreadID string `json:"threadId" validate:"required,uuid"`
}

type DeleteAllThreads struct{}

type FlagThread struct {
	ThreadID string `json:"threadId" validate:"required,uuid"`
	Reason   string `json:"reason" validate:"max=500"`
}

type DeactivateThread struct {
	ThreadID string `json:"threadId" validate:"required,uuid"`
	Note     string `json:"note" validate:"max=500"`
}

type JoinThread struct {
	ThreadID string `json:"threadId" validate:"required,uuid"`
}

type ListMessages struct {
	ThreadID string `json:"threadId" validate:"required,uuid"`
	Skip     int    `json:"skip" validate:"min=0"`
	Limit    int    `json:"limit" validate:"min=0,max=100"`
}

type SendMessage struct {
	ThreadID    string            `json:"threadId" validate:"required,uuid"`
	MessageType store.MessageType `json:"messageType" validate:"omitempty,oneof=text image file audio sticker system"`
	Text        string            `json:"text" validate:"max=10000"`
	Ciphertext  string            `json:"ciphertext" validate:"max=20000"`
	IV          string            `json:"iv" validate:"required_with=Ciphertext,max=256"`
	ReplyTo     string            `json:"replyTo" validate:"max=64"`
	ImageURL    string            `json:"imageUrl" validate:"omitempty,url,max=2048"`
	FileURL     string            `json:"fileUrl" validate:"omitempty,url,max=2048"`
	AudioURL    string            `json:"audioUrl" validate:"omitempty,url,max=2048"`
	Attachment  *store.Attachment `json:"attachment"`
}

type EditMessage struct {
	ThreadID   string `json:"threadId" validate:"required,uuid"`
	MessageID  string `json:"messageId" validate:"required,max=64"`
	Text       string `json:"text" validate:"max=10000"`
	Ciphertext string `json:"ciphertext" validate:"max=20000"`
	IV         string `json:"iv" validate:"required_with=Ciphertext,max=256"`
}

const (
	ScopeGlobal = "global"
	ScopeLocal  = "local"
)

type DeleteMessage struct {
	ThreadID  string `json:"threadId" validate:"required,uuid"`
	MessageID string `json:"messageId" validate:"required,max=64"`
	Scope     string `json:"scope" validate:"omitempty,oneof=global local"`
}

type ReactToMessage struct {
	ThreadID  string `json:"threadId" validate:"required,uuid"`
	MessageID string `json:"messageId" validate:"required,max=64"`
	Emoji     string `json:"emoji" validate:"required,max=32"`
}

type RemoveReaction struct {
	ThreadID  string `json:"threadId" validate:"required,uuid"`
	MessageID string `json:"messageId" validate:"required,max=64"`
}

// MarkRead marks every unread message in the thread when MessageIDs is nil.
type MarkRead struct {
	ThreadID   string   `json:"threadId" validate:"required,uuid"`
	MessageIDs []string `json:"messageIds" validate:"omitempty,max=500,dive,required,max=64"`
}

type ClearThreadMessages struct {
	ThreadID string `json:"threadId" validate:"required,uuid"`
}

type ClearAllMessages struct{}

type FlagMessage struct {
	ThreadID  string `json:"threadId" validate:"required,uuid"`
	MessageID string `json:"messageId" validate:"required,max=64"`
	Reason    string `json:"reason" validate:"max=500"`
}

type SetTyping struct {
	ThreadID string `json:"threadId" validate:"required,uuid"`
	IsTyping bool   `json:"isTyping"`
}

type SearchMessages struct {
	Query    string `json:"q" validate:"required,max=200"`
	ThreadID string `json:"threadId" validate:"omitempty,uuid"`
	Limit    int    `json:"limit" validate:"min=0,max=100"`
	Offset   int    `json:"offset" validate:"min=0"`
}

type RequestUpload struct {
	FileName    string `json:"fileName" validate:"required,max=255"`
	ContentType string `json:"contentType" validate:"required,max=128"`
}

type GetPresence struct {
	UserID string `json:"userId" validate:"required,max=128"`
}

func (CreateThread) command() string        { return "create_thread" }
func (ListThreads) command() string         { return "list_threads" }
func (GetThread) command() string           { return "get_thread" }
func (UpdateGroup) command() string         { return "update_group" }
func (AddParticipant) command() string      { return "add_participant" }
func (RemoveParticipant) command() string   { return "remove_participant" }
func (DeleteThread) command() string        { return "delete_thread" }
func (DeleteAllThreads) command() string    { return "delete_all_threads" }
func (FlagThread) command() string          { return "flag_thread" }
func (DeactivateThread) command() string    { return "deactivate_thread" }
func (JoinThread) command() string          { return "join_thread" }
func (ListMessages) command() string        { return "list_messages" }
func (SendMessage) command() string         { return "send_message" }
func (EditMessage) command() string         { return "edit_message" }
func (DeleteMessage) command() string       { return "delete_message" }
func (ReactToMessage) command() string      { return "react" }
func (RemoveReaction) command() string      { return "unreact" }
func (MarkRead) command() string            { return "mark_read" }
func (ClearThreadMessages) command() string { return "clear_thread" }
func (ClearAllMessages) command() string    { return "clear_all" }
func (FlagMessage) command() string         { return "flag_message" }
func (SetTyping) command() string           { return "typing" }
func (SearchMessages) command() string      { return "search_messages" }
func (RequestUpload) command() string       { return "request_upload" }
func (GetPresence) command() string         { return "get_presence" }

// Execute validates cmd and runs it on behalf of actor.
func (s *Service) Execute(ctx context.Context, actor auth.Identity, cmd Command) (any, error) {
	if actor.UserID == "" {
		return nil, domainError(401, CodeUnauthorized, "Unauthorized", nil)
	}
	if err := s.validateCommand(cmd); err != nil {
		return nil, err
	}

	switch c := cmd.(type) {
	case CreateThread:
		return s.createThread(ctx, actor, c)
	case ListThreads:
		return s.listThreads(ctx, actor, c)
	case GetThread:
		return s.getThread(ctx, actor, c)
	case UpdateGroup:
		return s.updateGroup(ctx, actor, c)
	case AddParticipant:
		return s.addParticipant(ctx, actor, c)
	case RemoveParticipant:
		return s.removeParticipant(ctx, actor, c)
	case DeleteThread:
		return s.deleteThread(ctx, actor, c)
	case DeleteAllThreads:
		return s.deleteAllThreads(ctx, actor)
	case FlagThread:
		return s.flagThread(ctx, actor, c)
	case DeactivateThread:
		return s.deactivateThread(ctx, actor, c)
	case JoinThread:
		return s.joinThread(ctx, actor, c)
	case ListMessages:
		return s.listMessages(ctx, actor, c)
	case SendMessage:
		return s.sendMessage(ctx, actor, c)
	case EditMessage:
		return s.editMessage(ctx, actor, c)
	case DeleteMessage:
		return s.deleteMessage(ctx, actor, c)
	case ReactToMessage:
		return s.react(ctx, actor, c)
	case RemoveReaction:
		return s.unreact(ctx, actor, c)
	case MarkRead:
		return s.markRead(ctx, actor, c)
	case ClearThreadMessages:
		return s.clearThreadMessages(ctx, actor, c)
	case ClearAllMessages:
		return s.clearAllMessages(ctx, actor)
	case FlagMessage:
		return s.flagMessage(ctx, actor, c)
	case SetTyping:
		return s.setTyping(ctx, actor, c)
	case SearchMessages:
		return s.searchMessages(ctx, actor, c)
	case RequestUpload:
		return s.requestUpload(ctx, actor, c)
	case GetPresence:
		return s.getPresence(ctx, c)
	default:
		return nil, fmt.Errorf("unknown command %T", cmd)
	}
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return field.Name
		}
		return name
	})
	return v
}

func (s *Service) validateCommand(cmd Command) error {
	if cmd == nil {
		return errValidation("Missing command", nil)
	}
	err := s.validate.Struct(cmd)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return errValidation("Invalid request", nil)
	}
	details := make(map[string]string, len(fieldErrs))
	for _, fe := range fieldErrs {
		details[fe.Field()] = describeRule(fe)
	}
	return errValidation("Invalid request", details)
}

func describeRule(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_with":
		return "is required"
	case "uuid":
		return "must be a UUID"
	case "url":
		return "must be a URL"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "min":
		return "must be at least " + fe.Param()
	default:
		return "is invalid"
	}
}
