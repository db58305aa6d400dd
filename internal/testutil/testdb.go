// Package testutil holds the sqlite schema shared by package tests.
package testutil

import (
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const (
	BillingAccountsTable = `CREATE TABLE billing_accounts (
		id INTEGER PRIMARY KEY,
		contact_email TEXT,
		wallet_balance_minor INTEGER NOT NULL DEFAULT 0,
		inbound_plan TEXT NOT NULL DEFAULT 'pay_per_use',
		outbound_plan TEXT NOT NULL DEFAULT 'pay_per_use',
		inbound_rate_minor INTEGER NOT NULL DEFAULT 0,
		outbound_rate_minor INTEGER NOT NULL DEFAULT 0,
		external_customer_ref TEXT,
		external_subscription_ref TEXT,
		next_payment_at DATETIME,
		grace_until DATETIME,
		period_spent_minor INTEGER NOT NULL DEFAULT 0,
		period_added_minor INTEGER NOT NULL DEFAULT 0,
		last_closed_period_end DATETIME,
		deactivated_at DATETIME,
		version INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`

	WalletTransactionsTable = `CREATE TABLE wallet_transactions (
		id INTEGER PRIMARY KEY,
		account_id INTEGER NOT NULL,
		kind TEXT NOT NULL,
		amount_minor INTEGER NOT NULL CHECK (amount_minor > 0),
		balance_before_minor INTEGER NOT NULL,
		balance_after_minor INTEGER NOT NULL CHECK (balance_after_minor >= 0),
		reason TEXT NOT NULL DEFAULT '',
		external_payment_ref TEXT,
		idempotency_key TEXT,
		created_at DATETIME NOT NULL,
		UNIQUE (account_id, idempotency_key)
	)`

	UsageRecordsTable = `CREATE TABLE usage_records (
		id INTEGER PRIMARY KEY,
		account_id INTEGER NOT NULL,
		duration_seconds INTEGER NOT NULL,
		direction TEXT NOT NULL,
		rate_at_time_minor INTEGER NOT NULL DEFAULT 0,
		cost_minor INTEGER NOT NULL DEFAULT 0,
		plan_included BOOLEAN NOT NULL DEFAULT FALSE,
		created_at DATETIME NOT NULL
	)`

	InvoicesTable = `CREATE TABLE invoices (
		id INTEGER PRIMARY KEY,
		account_id INTEGER NOT NULL,
		period_start DATETIME NOT NULL,
		period_end DATETIME NOT NULL,
		subtotal_minor INTEGER NOT NULL,
		wallet_applied_minor INTEGER NOT NULL DEFAULT 0,
		total_charged_minor INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		external_invoice_ref TEXT UNIQUE,
		hosted_url TEXT,
		metadata TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		CHECK (subtotal_minor = wallet_applied_minor + total_charged_minor),
		UNIQUE (account_id, period_start, period_end)
	)`

	PaymentEventsTable = `CREATE TABLE payment_events (
		id INTEGER PRIMARY KEY,
		provider TEXT NOT NULL,
		provider_event_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		account_id INTEGER,
		payload TEXT NOT NULL,
		received_at DATETIME NOT NULL,
		processed_at DATETIME,
		UNIQUE (provider, provider_event_id)
	)`

	BillingRunsTable = `CREATE TABLE billing_runs (
		id INTEGER PRIMARY KEY,
		mode TEXT NOT NULL,
		scheduled_by TEXT NOT NULL,
		period_start DATETIME NOT NULL,
		period_end DATETIME NOT NULL,
		status TEXT NOT NULL,
		evaluated INTEGER NOT NULL DEFAULT 0,
		processed INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		report TEXT,
		started_at DATETIME NOT NULL,
		finished_at DATETIME NOT NULL
	)`

	AuditLogsTable = `CREATE TABLE audit_logs (
		id INTEGER PRIMARY KEY,
		actor_type TEXT NOT NULL,
		actor_id TEXT,
		action TEXT NOT NULL,
		target_type TEXT NOT NULL,
		target_id TEXT,
		metadata TEXT,
		request_id TEXT,
		created_at DATETIME NOT NULL
	)`

	BillingEventsTable = `CREATE TABLE billing_events (
		id INTEGER PRIMARY KEY,
		account_id INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		payload TEXT,
		dedupe_key TEXT,
		published BOOLEAN NOT NULL DEFAULT FALSE,
		created_at DATETIME NOT NULL,
		published_at DATETIME,
		UNIQUE (account_id, dedupe_key)
	)`
)

// AllTables lists every schema in dependency order.
var AllTables = []string{
	BillingAccountsTable,
	WalletTransactionsTable,
	UsageRecordsTable,
	InvoicesTable,
	PaymentEventsTable,
	BillingRunsTable,
	AuditLogsTable,
	BillingEventsTable,
}

// OpenDB opens a fresh in-memory database and creates the given tables, or
// every table when none are given.
func OpenDB(t testing.TB, name string, tables ...string) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	if len(tables) == 0 {
		tables = AllTables
	}
	for _, ddl := range tables {
		require.NoError(t, db.Exec(ddl).Error)
	}

	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

// Node returns a snowflake node for tests.
func Node(t testing.TB) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return node
}

// Account describes a billing_accounts row to seed.
type Account struct {
	ID           int64
	Balance      int64
	InboundPlan  string
	OutboundPlan string
	CustomerRef  string
	SubRef       string
	GraceUntil   *time.Time
	Deactivated  bool
	PeriodSpent  int64
	PeriodAdded  int64
}

// SeedAccount inserts a billing account. Empty plans default to pay_per_use.
func SeedAccount(t testing.TB, db *gorm.DB, acct Account, now time.Time) {
	t.Helper()

	if acct.InboundPlan == "" {
		acct.InboundPlan = "pay_per_use"
	}
	if acct.OutboundPlan == "" {
		acct.OutboundPlan = "pay_per_use"
	}
	var deactivatedAt *time.Time
	if acct.Deactivated {
		at := now.UTC()
		deactivatedAt = &at
	}

	require.NoError(t, db.Exec(
		`INSERT INTO billing_accounts (
			id, wallet_balance_minor, inbound_plan, outbound_plan, external_customer_ref,
			external_subscription_ref, grace_until, period_spent_minor, period_added_minor,
			deactivated_at, version, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		acct.ID,
		acct.Balance,
		acct.InboundPlan,
		acct.OutboundPlan,
		nullable(acct.CustomerRef),
		nullable(acct.SubRef),
		acct.GraceUntil,
		acct.PeriodSpent,
		acct.PeriodAdded,
		deactivatedAt,
		now.UTC(),
		now.UTC(),
	).Error)

	if acct.Balance > 0 {
		require.NoError(t, db.Exec(
			`INSERT INTO wallet_transactions (id, account_id, kind, amount_minor, balance_before_minor, balance_after_minor, reason, created_at)
			 VALUES (?, ?, 'top_up', ?, 0, ?, 'opening balance', ?)`,
			acct.ID*1000,
			acct.ID,
			acct.Balance,
			acct.Balance,
			now.UTC(),
		).Error)
	}
}

// SeedUsage inserts one billable usage record.
func SeedUsage(t testing.TB, db *gorm.DB, id, accountID, seconds, costMinor int64, at time.Time) {
	t.Helper()
	require.NoError(t, db.Exec(
		`INSERT INTO usage_records (id, account_id, duration_seconds, direction, rate_at_time_minor, cost_minor, plan_included, created_at)
		 VALUES (?, ?, ?, 'outbound', 0, ?, FALSE, ?)`,
		id, accountID, seconds, costMinor, at.UTC(),
	).Error)
}

func nullable(value string) any {
	if value == "" {
		return nil
	}
	return value
}
