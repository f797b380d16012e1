// Package webhook ingests signed user lifecycle events from the identity provider.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	svix "github.com/svix/svix-webhooks/go"
	"go.uber.org/zap"

	"haven-service/internal/audit"
	"haven-service/internal/models"
	"haven-service/internal/repository"
	"haven-service/internal/service"
	"haven-service/internal/util"
)

const (
	HeaderID        = "svix-id"
	HeaderTimestamp = "svix-timestamp"
	HeaderSignature = "svix-signature"
)

const (
	EventUserCreated = "user.created"
	EventUserUpdated = "user.updated"
	EventUserDeleted = "user.deleted"
)

var (
	ErrMissingHeaders   = errors.New("missing svix headers")
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrMalformedEvent   = errors.New("malformed webhook event")
)

type EmailAddress struct {
	ID           string `json:"id"`
	EmailAddress string `json:"email_address"`
}

// UserData is the part of the identity provider's user object we sync.
type UserData struct {
	ID                    string         `json:"id"`
	FirstName             *string        `json:"first_name"`
	LastName              *string        `json:"last_name"`
	EmailAddresses        []EmailAddress `json:"email_addresses"`
	PrimaryEmailAddressID *string        `json:"primary_email_address_id"`
}

// PrimaryEmail picks the primary address, or the first one listed, normalized.
// Empty when the user has no addresses.
func (d UserData) PrimaryEmail() string {
	if len(d.EmailAddresses) == 0 {
		return ""
	}
	chosen := d.EmailAddresses[0].EmailAddress
	if d.PrimaryEmailAddressID != nil {
		for _, e := range d.EmailAddresses {
			if e.ID == *d.PrimaryEmailAddressID {
				chosen = e.EmailAddress
				break
			}
		}
	}
	return models.NormalizeEmail(chosen)
}

type Event struct {
	MessageID string
	Type      string
	Data      UserData
}

// IsUserEvent reports whether the event concerns a user record.
func (e *Event) IsUserEvent() bool { return strings.HasPrefix(e.Type, "user.") }

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type ClerkProcessor struct {
	wh *svix.Webhook
}

// NewClerkProcessor takes the endpoint's signing secret ("whsec_...").
func NewClerkProcessor(secret string) (*ClerkProcessor, error) {
	wh, err := svix.NewWebhook(secret)
	if err != nil {
		return nil, fmt.Errorf("webhook secret: %w", err)
	}
	return &ClerkProcessor{wh: wh}, nil
}

func (p *ClerkProcessor) Provider() string {
	return "Clerk"
}

// VerifyAndParse authenticates the payload before decoding anything from it.
func (p *ClerkProcessor) VerifyAndParse(payload []byte, headers http.Header) (*Event, error) {
	id := headers.Get(HeaderID)
	if id == "" || headers.Get(HeaderTimestamp) == "" || headers.Get(HeaderSignature) == "" {
		return nil, ErrMissingHeaders
	}
	if err := p.wh.Verify(payload, headers); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return parseEvent(id, payload)
}

func parseEvent(messageID string, payload []byte) (*Event, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}

	evt := &Event{MessageID: messageID, Type: env.Type}
	if !evt.IsUserEvent() {
		return evt, nil
	}

	if len(env.Data) == 0 || env.Data[0] != '{' {
		return nil, fmt.Errorf("%w: data is not an object", ErrMalformedEvent)
	}
	if err := json.Unmarshal(env.Data, &evt.Data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if evt.Data.ID == "" {
		return nil, fmt.Errorf("%w: user event without id", ErrMalformedEvent)
	}
	return evt, nil
}

// UserStore is the part of the user service the ingester drives.
type UserStore interface {
	Patch(ctx context.Context, sel repository.Selector, p service.UserPatch) (*models.User, error)
	SoftDelete(ctx context.Context, clerkID string) (*models.User, error)
}

// ReplayGuard remembers which messages were already processed.
type ReplayGuard interface {
	Claim(ctx context.Context, messageID string) (bool, error)
	Release(ctx context.Context, messageID string) error
}

type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeDuplicate Outcome = "duplicate"
)

type Ingester struct {
	users  UserStore
	replay ReplayGuard
}

// NewIngester builds an ingester. replay may be nil.
func NewIngester(users UserStore, replay ReplayGuard) *Ingester {
	return &Ingester{users: users, replay: replay}
}

// Handle applies a verified event. Absent records are not an error.
func (i *Ingester) Handle(ctx context.Context, evt *Event) (Outcome, error) {
	if !evt.IsUserEvent() {
		return OutcomeIgnored, nil
	}
	ctx = audit.WithActor(ctx, "webhook")

	if i.replay != nil {
		fresh, err := i.replay.Claim(ctx, evt.MessageID)
		switch {
		case err != nil:
			util.Warn("Replay guard unavailable", util.String("svix_id", evt.MessageID), zap.Error(err))
		case !fresh:
			util.Info("Duplicate webhook delivery skipped", util.String("svix_id", evt.MessageID))
			return OutcomeDuplicate, nil
		}
	}

	outcome, err := i.apply(ctx, evt)
	if err != nil && i.replay != nil {
		if rerr := i.replay.Release(ctx, evt.MessageID); rerr != nil {
			util.Warn("Failed to release webhook claim", util.String("svix_id", evt.MessageID), zap.Error(rerr))
		}
	}
	return outcome, err
}

func (i *Ingester) apply(ctx context.Context, evt *Event) (Outcome, error) {
	clerkID := evt.Data.ID

	switch evt.Type {
	case EventUserCreated:
		// records are created at onboarding, not at signup
		return OutcomeIgnored, nil

	case EventUserUpdated:
		var patch service.UserPatch
		if email := evt.Data.PrimaryEmail(); email != "" {
			patch.Email = &email
		}
		patch.FirstName, patch.LastName = evt.Data.FirstName, evt.Data.LastName
		if patch.Email == nil && patch.FirstName == nil && patch.LastName == nil {
			return OutcomeIgnored, nil
		}
		if _, err := i.users.Patch(ctx, repository.ByIdentity(clerkID), patch); err != nil {
			if errors.Is(err, service.ErrNotFound) {
				return OutcomeIgnored, nil
			}
			return "", fmt.Errorf("sync user %s: %w", clerkID, err)
		}
		util.Info("User synced from identity provider", util.Identity(clerkID))
		return OutcomeProcessed, nil

	case EventUserDeleted:
		if _, err := i.users.SoftDelete(ctx, clerkID); err != nil {
			if errors.Is(err, service.ErrNotFound) {
				return OutcomeIgnored, nil
			}
			return "", fmt.Errorf("block user %s: %w", clerkID, err)
		}
		util.Info("User blocked after identity deletion", util.Identity(clerkID))
		return OutcomeProcessed, nil
	}

	return OutcomeIgnored, nil
}
