package api

import (
	"net/http/httptest"
	"testing"
)

func TestOriginChecker(t *testing.T) {
	cases := []struct {
		name    string
		origins []string
		header  string
		want    bool
	}{
		{"wildcard allows any", []string{"*"}, "https://anything.example", true},
		{"wildcard allows missing header", []string{"*"}, "", true},
		{"listed origin", []string{"https://a.example"}, "https://a.example", true},
		{"case and path ignored", []string{" HTTPS://A.example/app "}, "https://a.example", true},
		{"unlisted origin", []string{"https://a.example"}, "https://b.example", false},
		{"scheme matters", []string{"https://a.example"}, "http://a.example", false},
		{"missing header with list", []string{"https://a.example"}, "", false},
		{"invalid config entry ignored", []string{"not-an-origin"}, "not-an-origin", false},
		{"empty config denies", nil, "https://a.example", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			oc := NewOriginChecker(tc.origins, nil)
			r := httptest.NewRequest("GET", "/ws", nil)
			if tc.header != "" {
				r.Header.Set("Origin", tc.header)
			}
			if got := oc.Check(r); got != tc.want {
				t.Errorf("Check(%q) = %v, want %v", tc.header, got, tc.want)
			}
		})
	}
}
