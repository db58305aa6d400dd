package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ActorType string

const (
	ActorTypeSystem    ActorType = "system"
	ActorTypeJob       ActorType = "job"
	ActorTypeOperator  ActorType = "operator"
	ActorTypeProcessor ActorType = "processor"
)

const (
	ActionInvoicePaymentFailed     = "invoice.payment_failed"
	ActionWalletAdjusted           = "wallet.adjusted"
	ActionWalletDeductionShortfall = "wallet.deduction_shortfall"
	ActionBillingRunCompleted      = "billing_run.completed"
	ActionAccountClosedManual      = "account.closed_manually"
)

type AuditLog struct {
	ID         snowflake.ID      `gorm:"primaryKey"`
	ActorType  string            `gorm:"not null"`
	ActorID    *string           `gorm:"type:text"`
	Action     string            `gorm:"not null"`
	TargetType string            `gorm:"not null"`
	TargetID   *string           `gorm:"type:text"`
	Metadata   datatypes.JSONMap `gorm:"type:jsonb"`
	RequestID  *string           `gorm:"type:text"`
	CreatedAt  time.Time         `gorm:"not null"`
}

func (AuditLog) TableName() string { return "audit_logs" }

// Entry describes one audit record. Empty actor fields are resolved from the context.
type Entry struct {
	ActorType  ActorType
	ActorID    string
	Action     string
	TargetType string
	TargetID   string
	Metadata   map[string]any
}

type ListFilter struct {
	TargetType string
	TargetID   string
	Action     string
	Limit      int
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entry *AuditLog) error
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]AuditLog, error)
}

type Service interface {
	Record(ctx context.Context, entry Entry) error
	// RecordTx writes the entry inside an existing transaction.
	RecordTx(ctx context.Context, tx *gorm.DB, entry Entry) error
	List(ctx context.Context, filter ListFilter) ([]AuditLog, error)
}

var (
	ErrInvalidAction = errors.New("invalid_action")
)
