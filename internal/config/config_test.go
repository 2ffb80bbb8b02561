package config

import "testing"

func TestQueryRange(t *testing.T) {
	c := Config{QueryPercent: 90, Relations: 65536}
	got := c.QueryRange()
	if got != 58982 {
		t.Fatalf("QueryRange() = %d, want 58982", got)
	}
}

func TestTransactionsPerClient(t *testing.T) {
	c := Config{Clients: 4, Transactions: 100}
	if got := c.TransactionsPerClient(); got != 25 {
		t.Fatalf("TransactionsPerClient() = %d, want 25", got)
	}

	zero := Config{Clients: 0, Transactions: 100}
	if got := zero.TransactionsPerClient(); got != 0 {
		t.Fatalf("TransactionsPerClient() with zero clients = %d, want 0", got)
	}
}
