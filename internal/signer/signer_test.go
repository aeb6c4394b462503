package signer

import "testing"

func TestSign(t *testing.T) {
	tests := []struct {
		name      string
		secret    string
		apiKey    string
		timestamp int64
		expected  string
	}{
		{
			name:      "known vector",
			secret:    "topsecret",
			apiKey:    "apiKey123",
			timestamp: 1484189394,
			expected:  "3b01614d4213385e79e27beafb52b4bdcbc573de43d0d1f5ddb5e4665b376d61",
		},
		{
			name:      "different secret changes signature",
			secret:    "other",
			apiKey:    "apiKey123",
			timestamp: 1484189394,
			expected:  "4c463f21081c4ea02cf55b30b3134d639c28e13aa4be7b99a08a7501cf7af9f6",
		},
		{
			name:      "different timestamp changes signature",
			secret:    "topsecret",
			apiKey:    "apiKey123",
			timestamp: 1484189395,
			expected:  "1f041254a14ed225a5e1372b3760bb9a9e91ab0ca41b69643b901ffcc89fb097",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Sign(tt.secret, tt.apiKey, tt.timestamp)
			if got != tt.expected {
				t.Errorf("Sign() = %s, want %s", got, tt.expected)
			}
		})
	}
}

func TestSignDeterministic(t *testing.T) {
	first := Sign("s3cr3t", "key", 1700000000)
	for i := 0; i < 10; i++ {
		if got := Sign("s3cr3t", "key", 1700000000); got != first {
			t.Fatalf("Sign() not deterministic: %s != %s", got, first)
		}
	}
}
