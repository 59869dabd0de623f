package server

import "testing"

func TestShouldSkipJWT_WebhookPaths(t *testing.T) {
	t.Parallel()

	cases := []struct {
		path string
		want bool
	}{
		{path: "/api/webhooks/t-1/page/abc123", want: true},
		{path: "/api/webhooks/t-1/photo/abc123", want: true},
		{path: "/api/webhooks", want: false},
		{path: "/api/drain", want: false},
		{path: "/api/session-cleanup", want: false},
		{path: "/api/data-deletion", want: true},
		{path: "/ping", want: true},
		{path: "/health", want: true},
		{path: "/metrics", want: true},
		{path: "/api/connections", want: false},
		{path: "/api/dead-letters", want: false},
	}

	for _, tc := range cases {
		got := shouldSkipJWT(tc.path)
		if got != tc.want {
			t.Fatalf("path=%q want=%v got=%v", tc.path, tc.want, got)
		}
	}
}
