package config

import (
	"testing"

	"cexfeed/internal/book"
)

func TestParseSubscriptions(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    []Subscription
		wantErr bool
	}{
		{
			name: "single pair",
			raw:  "BTC:USD:5",
			want: []Subscription{
				{Instrument: book.Instrument{Base: "BTC", Quote: "USD"}, Depth: 5},
			},
		},
		{
			name: "multiple pairs with spaces",
			raw:  "BTC:USD:5, ETH:USD:10",
			want: []Subscription{
				{Instrument: book.Instrument{Base: "BTC", Quote: "USD"}, Depth: 5},
				{Instrument: book.Instrument{Base: "ETH", Quote: "USD"}, Depth: 10},
			},
		},
		{name: "missing depth", raw: "BTC:USD", wantErr: true},
		{name: "bad depth", raw: "BTC:USD:zero", wantErr: true},
		{name: "zero depth", raw: "BTC:USD:0", wantErr: true},
		{name: "empty", raw: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseSubscriptions(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseSubscriptions: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d subscriptions, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("subscription %d = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}
