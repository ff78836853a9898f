package campaign

import (
	"reflect"
	"testing"
)

func TestRender(t *testing.T) {
	tests := []struct {
		name     string
		template string
		vars     map[string]string
		want     string
	}{
		{"round trip", "{name} owes {days} days", map[string]string{"name": "Sara", "days": "3"}, "Sara owes 3 days"},
		{"unknown kept", "Hi {name}, {unknown}", map[string]string{"name": "Sara"}, "Hi Sara, {unknown}"},
		{"missing var kept", "Your {packageName} plan", map[string]string{"name": "Sara"}, "Your {packageName} plan"},
		{"repeated", "{name}{name}", map[string]string{"name": "A"}, "AA"},
		{"not a placeholder", "{ name } {1}", map[string]string{"name": "A"}, "{ name } {1}"},
		{"empty value", "[{phone}]", map[string]string{"phone": ""}, "[]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Render(tt.template, tt.vars); got != tt.want {
				t.Errorf("Render(%q) = %q, want %q", tt.template, got, tt.want)
			}
		})
	}
}

func TestPlaceholders(t *testing.T) {
	got := Placeholders("Hi {name}, {days} days left, bye {name} {oops}")
	want := []string{"name", "days", "oops"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Placeholders = %v, want %v", got, want)
	}

	for _, p := range got {
		if KnownPlaceholder(p) != (p != "oops") {
			t.Errorf("KnownPlaceholder(%q) = %v", p, KnownPlaceholder(p))
		}
	}
}
