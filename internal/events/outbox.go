package events

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ErrOutboxUnavailable = errors.New("outbox_unavailable")
	ErrMissingAccount    = errors.New("invalid_account_id")
	ErrMissingEventType  = errors.New("missing_event_type")
	ErrMissingTx         = errors.New("missing_transaction")
)

// Event describes a billing event to store in the outbox.
type Event struct {
	AccountID snowflake.ID
	Type      string
	Payload   map[string]any
	// DedupeKey makes a publish idempotent per account.
	DedupeKey string
}

// Publisher is the narrow interface services use to emit events.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	PublishTx(ctx context.Context, tx *gorm.DB, event Event) error
}

// Outbox inserts billing events into the billing_events table. A relay outside
// this process delivers them.
type Outbox struct {
	db    *gorm.DB
	genID *snowflake.Node
}

func NewOutbox(db *gorm.DB, genID *snowflake.Node) *Outbox {
	return &Outbox{db: db, genID: genID}
}

// Publish stores an event using the default database connection.
func (o *Outbox) Publish(ctx context.Context, event Event) error {
	if o == nil {
		return ErrOutboxUnavailable
	}
	return o.publish(ctx, o.db, event)
}

// PublishTx stores an event using an existing transaction.
func (o *Outbox) PublishTx(ctx context.Context, tx *gorm.DB, event Event) error {
	if tx == nil {
		return ErrMissingTx
	}
	return o.publish(ctx, tx, event)
}

func (o *Outbox) publish(ctx context.Context, db *gorm.DB, event Event) error {
	if o == nil || db == nil || o.genID == nil {
		return ErrOutboxUnavailable
	}
	if event.AccountID == 0 {
		return ErrMissingAccount
	}
	name := strings.TrimSpace(event.Type)
	if name == "" {
		return ErrMissingEventType
	}

	payload := datatypes.JSONMap{}
	for key, value := range event.Payload {
		if strings.TrimSpace(key) == "" {
			continue
		}
		payload[key] = value
	}

	var dedupeValue any
	if dedupe := strings.TrimSpace(event.DedupeKey); dedupe != "" {
		dedupeValue = dedupe
	}

	return db.WithContext(ctx).Exec(
		`INSERT INTO billing_events (id, account_id, event_type, payload, dedupe_key, published, created_at)
		 VALUES (?, ?, ?, ?, ?, false, ?)
		 ON CONFLICT (account_id, dedupe_key) DO NOTHING`,
		o.genID.Generate(),
		event.AccountID,
		name,
		payload,
		dedupeValue,
		time.Now().UTC(),
	).Error
}

var _ Publisher = (*Outbox)(nil)
