package e2e

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billcore/internal/scheduler"
	"github.com/smallbiznis/billcore/internal/testutil"
	walletdomain "github.com/smallbiznis/billcore/internal/wallet/domain"
)

type accountRow struct {
	ID          snowflake.ID `gorm:"column:id"`
	Balance     int64        `gorm:"column:wallet_balance_minor"`
	PeriodSpent int64        `gorm:"column:period_spent_minor"`
	GraceUntil  *time.Time   `gorm:"column:grace_until"`
}

func fetchAccount(t *testing.T, id int64) accountRow {
	t.Helper()
	row := accountRow{}
	if err := env.db.Raw(
		`SELECT id, wallet_balance_minor, period_spent_minor, grace_until FROM billing_accounts WHERE id = ?`,
		id,
	).Scan(&row).Error; err != nil {
		t.Fatalf("query account: %v", err)
	}
	if row.ID == 0 {
		t.Fatalf("account %d not found", id)
	}
	return row
}

func lastPeriod() (time.Time, time.Time) {
	period := scheduler.DefaultPeriod(time.Now().UTC())
	return period.Start, period.End
}

func startRun(t *testing.T, req map[string]any) (int, scheduler.RunReport) {
	t.Helper()
	resp, body := doJSON(t, http.MethodPost, env.baseURL+"/internal/billing/runs", req, jobHeaders())
	report := scheduler.RunReport{}
	if err := json.Unmarshal(body, &report); err != nil {
		t.Fatalf("decode run report: %v: %s", err, string(body))
	}
	return resp.StatusCode, report
}

func postWebhook(t *testing.T, payload []byte, secret string) (*http.Response, []byte) {
	t.Helper()
	timestamp := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(fmt.Sprintf("%d.%s", timestamp, payload)))
	headers := map[string]string{
		"Stripe-Signature": fmt.Sprintf("t=%d,v1=%s", timestamp, hex.EncodeToString(mac.Sum(nil))),
	}
	return doRequest(t, http.MethodPost, env.baseURL+"/webhooks/stripe", bytes.NewReader(payload), headers)
}

func TestE2E_DryRunLeavesStateUntouched(t *testing.T) {
	resetDatabase(t, env.db)

	start, end := lastPeriod()
	testutil.SeedAccount(t, env.db, testutil.Account{ID: 101, Balance: 10000, CustomerRef: "cus_e2e_101"}, start)
	testutil.SeedUsage(t, env.db, 1, 101, 600, 7500, start.Add(time.Hour))

	status, report := startRun(t, map[string]any{
		"dryRun":      true,
		"periodStart": start.Format(time.RFC3339),
		"periodEnd":   end.Format(time.RFC3339),
	})
	if status != http.StatusOK {
		t.Fatalf("expected status 200 for dry run, got %d", status)
	}
	if report.Mode != scheduler.ModeDryRun {
		t.Fatalf("expected dry_run mode, got %s", report.Mode)
	}
	if report.Evaluated != 1 || report.Processed != 1 {
		t.Fatalf("expected one evaluated and processed account, got %d/%d", report.Evaluated, report.Processed)
	}
	if report.WalletAppliedTotal != 7500 {
		t.Fatalf("expected projected wallet total 7500, got %d", report.WalletAppliedTotal)
	}

	acct := fetchAccount(t, 101)
	if acct.Balance != 10000 {
		t.Fatalf("expected balance untouched, got %d", acct.Balance)
	}
	if countRows(t, env.db, "invoices", "account_id = ?", 101) != 0 {
		t.Fatalf("expected no invoice after dry run")
	}
	if countRows(t, env.db, "billing_runs", "mode = ?", string(scheduler.ModeDryRun)) != 1 {
		t.Fatalf("expected dry run recorded")
	}
}

func TestE2E_LiveRunSettlesFromWallet(t *testing.T) {
	resetDatabase(t, env.db)

	start, end := lastPeriod()
	testutil.SeedAccount(t, env.db, testutil.Account{ID: 201, Balance: 10000, CustomerRef: "cus_e2e_201"}, start)
	testutil.SeedUsage(t, env.db, 1, 201, 600, 7500, start.Add(time.Hour))

	req := map[string]any{
		"scheduledBy": "e2e",
		"periodStart": start.Format(time.RFC3339),
		"periodEnd":   end.Format(time.RFC3339),
	}
	status, report := startRun(t, req)
	if status != http.StatusOK {
		t.Fatalf("expected status 200 for live run, got %d", status)
	}
	if report.Status != scheduler.RunStatusSucceeded {
		t.Fatalf("expected succeeded, got %s", report.Status)
	}
	if report.InvoicesCreated != 1 || report.ChargedTotal != 0 {
		t.Fatalf("expected wallet-only invoice, got invoices=%d charged=%d", report.InvoicesCreated, report.ChargedTotal)
	}

	acct := fetchAccount(t, 201)
	if acct.Balance != 2500 {
		t.Fatalf("expected balance 2500, got %d", acct.Balance)
	}
	if countRows(t, env.db, "invoices", "account_id = ?", 201) != 1 {
		t.Fatalf("expected single invoice")
	}

	// A second run over the same period must not bill again.
	status, report = startRun(t, req)
	if status != http.StatusOK {
		t.Fatalf("expected status 200 for repeated run, got %d", status)
	}
	if report.InvoicesCreated != 0 {
		t.Fatalf("expected no new invoice, got %d", report.InvoicesCreated)
	}
	if countRows(t, env.db, "invoices", "account_id = ?", 201) != 1 {
		t.Fatalf("expected invoice count unchanged")
	}
	if fetchAccount(t, 201).Balance != 2500 {
		t.Fatalf("expected balance unchanged after repeated run")
	}

	resp, body := doJSON(t, http.MethodGet, env.baseURL+"/internal/accounts/201/wallet/verify", nil, jobHeaders())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200 for verify, got %d: %s", resp.StatusCode, string(body))
	}
	replay := walletdomain.ReplayResult{}
	if err := json.Unmarshal(body, &replay); err != nil {
		t.Fatalf("decode replay: %v", err)
	}
	if !replay.Consistent || replay.ReplayedBalance != 2500 {
		t.Fatalf("expected consistent ledger at 2500, got %+v", replay)
	}
}

func TestE2E_WalletAdjustmentIsAudited(t *testing.T) {
	resetDatabase(t, env.db)

	testutil.SeedAccount(t, env.db, testutil.Account{ID: 301, Balance: 1000}, time.Now().UTC())

	payload := map[string]any{
		"kind":           string(walletdomain.KindAdminCredit),
		"amountMinor":    500,
		"reason":         "goodwill",
		"idempotencyKey": "e2e-adjust-1",
	}
	for i := 0; i < 2; i++ {
		resp, body := doJSON(t, http.MethodPost, env.baseURL+"/internal/accounts/301/wallet/adjustments", payload, jobHeaders())
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected status 200 for adjustment, got %d: %s", resp.StatusCode, string(body))
		}
	}

	if fetchAccount(t, 301).Balance != 1500 {
		t.Fatalf("expected idempotent credit to land once")
	}
	if countRows(t, env.db, "audit_logs", "target_id = ?", "301") != 1 {
		t.Fatalf("expected one audit entry for the adjustment")
	}

	// Admin debits clamp at zero; the next one is refused.
	payload["kind"] = string(walletdomain.KindAdminDebit)
	payload["amountMinor"] = 5000
	payload["idempotencyKey"] = "e2e-adjust-2"
	resp, body := doJSON(t, http.MethodPost, env.baseURL+"/internal/accounts/301/wallet/adjustments", payload, jobHeaders())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200 for clamped debit, got %d: %s", resp.StatusCode, string(body))
	}
	if fetchAccount(t, 301).Balance != 0 {
		t.Fatalf("expected debit clamped to zero")
	}

	payload["idempotencyKey"] = "e2e-adjust-3"
	resp, body = doJSON(t, http.MethodPost, env.baseURL+"/internal/accounts/301/wallet/adjustments", payload, jobHeaders())
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422 for empty wallet, got %d: %s", resp.StatusCode, string(body))
	}
}

func TestE2E_PaymentWebhooksDriveGrace(t *testing.T) {
	resetDatabase(t, env.db)

	testutil.SeedAccount(t, env.db, testutil.Account{ID: 401, Balance: 0, CustomerRef: "cus_e2e_401"}, time.Now().UTC())

	failed := []byte(`{"id":"evt_e2e_failed","type":"invoice.payment_failed","created":1772000000,"data":{"object":{"id":"in_e2e_1","object":"invoice","customer":"cus_e2e_401","status":"open","metadata":{}}}}`)
	resp, body := postWebhook(t, failed, webhookSecret)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200 for payment failure, got %d: %s", resp.StatusCode, string(body))
	}
	if fetchAccount(t, 401).GraceUntil == nil {
		t.Fatalf("expected grace period started")
	}

	paid := []byte(`{"id":"evt_e2e_paid","type":"invoice.paid","created":1772000100,"data":{"object":{"id":"in_e2e_1","object":"invoice","customer":"cus_e2e_401","status":"paid","metadata":{}}}}`)
	resp, body = postWebhook(t, paid, webhookSecret)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200 for payment, got %d: %s", resp.StatusCode, string(body))
	}
	if fetchAccount(t, 401).GraceUntil != nil {
		t.Fatalf("expected grace period cleared")
	}

	// Redelivery is acknowledged without a second row.
	resp, body = postWebhook(t, paid, webhookSecret)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200 for redelivery, got %d: %s", resp.StatusCode, string(body))
	}
	if countRows(t, env.db, "payment_events", "provider_event_id = ?", "evt_e2e_paid") != 1 {
		t.Fatalf("expected single stored event")
	}

	resp, body = postWebhook(t, paid, "whsec_wrong")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected status 401 for bad signature, got %d: %s", resp.StatusCode, string(body))
	}
}
