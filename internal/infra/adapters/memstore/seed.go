package memstore

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// SeedBanking loads a small banking dataset: accounts and the transactions posted
// against them. Amounts are decimal strings so clients compare them exactly.
func SeedBanking(ctx context.Context, s *Store) error {
	accounts := []struct {
		id      string
		owner   string
		kind    string
		balance string
	}{
		{"acc-1", "user-1", "checking", "1520.75"},
		{"acc-2", "user-1", "savings", "10250.00"},
		{"acc-3", "user-2", "checking", "89.10"},
	}
	for _, a := range accounts {
		fields := map[string]any{
			"ownerId": a.owner,
			"kind":    a.kind,
			"balance": decimal.RequireFromString(a.balance).StringFixed(2),
		}
		if _, err := s.Put(ctx, "accounts", a.id, fields); err != nil {
			return fmt.Errorf("seed account %s: %w", a.id, err)
		}
	}

	start := time.Date(2024, time.January, 2, 9, 0, 0, 0, time.UTC)
	transactions := []struct {
		account string
		amount  string
		memo    string
	}{
		{"acc-1", "-42.10", "groceries"},
		{"acc-1", "2500.00", "salary"},
		{"acc-1", "-120.00", "utilities"},
		{"acc-2", "500.00", "transfer"},
		{"acc-3", "-12.99", "subscription"},
		{"acc-3", "60.00", "refund"},
	}
	for i, tx := range transactions {
		id := fmt.Sprintf("tx-%03d", i+1)
		fields := map[string]any{
			"accountId": tx.account,
			"amount":    decimal.RequireFromString(tx.amount).StringFixed(2),
			"memo":      tx.memo,
			"postedAt":  start.Add(time.Duration(i) * time.Hour).Format(time.RFC3339),
		}
		if _, err := s.Put(ctx, "transactions", id, fields); err != nil {
			return fmt.Errorf("seed transaction %s: %w", id, err)
		}
	}
	return nil
}
