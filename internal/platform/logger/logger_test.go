package logger

import "testing"

func TestSanitizeKVs_RedactsCredentialKeys(t *testing.T) {
	cases := []struct {
		name string
		kv   []interface{}
		want []interface{}
	}{
		{
			name: "password",
			kv:   []interface{}{"password", "hunter2"},
			want: []interface{}{"password", "[REDACTED]"},
		},
		{
			name: "nested_key_name",
			kv:   []interface{}{"postgresPassword", "pw", "threadId", "t-1"},
			want: []interface{}{"postgresPassword", "[REDACTED]", "threadId", "t-1"},
		},
		{
			name: "authorization_header",
			kv:   []interface{}{"Authorization", "Bearer abc"},
			want: []interface{}{"Authorization", "[REDACTED]"},
		},
		{
			name: "plain_fields_untouched",
			kv:   []interface{}{"service", "AskService", "error", "boom"},
			want: []interface{}{"service", "AskService", "error", "boom"},
		},
		{
			name: "odd_trailing_element",
			kv:   []interface{}{"api_key", "k", "dangling"},
			want: []interface{}{"api_key", "[REDACTED]", "dangling"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := sanitizeKVs(tc.kv)
			if len(got) != len(tc.want) {
				t.Fatalf("len = %d, want %d (%v)", len(got), len(tc.want), got)
			}
			for i := range tc.want {
				if got[i] != tc.want[i] {
					t.Fatalf("kv[%d] = %v, want %v", i, got[i], tc.want[i])
				}
			}
		})
	}
}
