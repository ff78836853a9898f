package validation

import (
	"errors"
	"testing"
)

type campaignRequest struct {
	Name     string   `json:"name" validate:"required,max=20"`
	Channel  string   `json:"channel" validate:"required,oneof=SMS WHATSAPP EMAIL"`
	Email    string   `json:"email" validate:"email"`
	Port     *int     `json:"port" validate:"min=1,max=65535"`
	Clients  []string `json:"clientIds" validate:"max=2"`
	Internal string
}

func TestValidate(t *testing.T) {
	v := NewValidator()
	port := func(n int) *int { return &n }

	tests := []struct {
		name      string
		req       campaignRequest
		wantField string
	}{
		{"valid", campaignRequest{Name: "May promo", Channel: "SMS"}, ""},
		{"valid with optionals", campaignRequest{Name: "x", Channel: "EMAIL", Email: "a@b.ma", Port: port(4370)}, ""},
		{"missing name", campaignRequest{Channel: "SMS"}, "name"},
		{"blank name", campaignRequest{Name: "   ", Channel: "SMS"}, "name"},
		{"long name", campaignRequest{Name: "a name that is far too long", Channel: "SMS"}, "name"},
		{"unknown channel", campaignRequest{Name: "x", Channel: "FAX"}, "channel"},
		{"bad email", campaignRequest{Name: "x", Channel: "SMS", Email: "nope"}, "email"},
		{"port zero", campaignRequest{Name: "x", Channel: "SMS", Port: port(0)}, "port"},
		{"too many clients", campaignRequest{Name: "x", Channel: "SMS", Clients: []string{"a", "b", "c"}}, "clientIds"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(&tt.req)
			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var fe *FieldError
			if !errors.As(err, &fe) {
				t.Fatalf("err = %v, want FieldError", err)
			}
			if fe.Field != tt.wantField {
				t.Errorf("field = %q, want %q", fe.Field, tt.wantField)
			}
		})
	}
}

func TestValidateRejectsNonStruct(t *testing.T) {
	if err := NewValidator().Validate("x"); err == nil {
		t.Error("expected error")
	}
}
