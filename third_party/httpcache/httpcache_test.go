package httpcache

import (
	"net/http"
	"testing"
	"time"
)

func TestParseCacheControl(t *testing.T) {
	tests := []struct {
		header  []string
		want    string
		noStore bool
		maxAge  time.Duration
		hasAge  bool
	}{
		{nil, "", false, 0, false},
		{[]string{"max-age=60"}, "max-age=60", false, time.Minute, true},
		{[]string{"private, max-age=\"30\""}, "max-age=30, private", false, 30 * time.Second, true},
		{[]string{"No-Store"}, "no-store", true, 0, false},
		{[]string{"no-cache", "max-age=5"}, "max-age=5, no-cache", true, 5 * time.Second, true},
		{[]string{"max-age=soon"}, "max-age=soon", false, 0, true},
	}

	for _, tt := range tests {
		h := http.Header{}
		for _, v := range tt.header {
			h.Add("Cache-Control", v)
		}
		cc := ParseCacheControl(h)
		if got := cc.String(); got != tt.want {
			t.Errorf("ParseCacheControl(%q) returned %q, want %q", tt.header, got, tt.want)
		}
		if got := cc.NoStore(); got != tt.noStore {
			t.Errorf("NoStore(%q) returned %v, want %v", tt.header, got, tt.noStore)
		}
		age, ok := cc.MaxAge()
		if age != tt.maxAge || ok != tt.hasAge {
			t.Errorf("MaxAge(%q) returned %v, %v, want %v, %v", tt.header, age, ok, tt.maxAge, tt.hasAge)
		}
	}
}
