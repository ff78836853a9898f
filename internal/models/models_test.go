package models

import (
    "testing"
    "time"

    "github.com/google/uuid"
)

func TestTargetRuleScan(t *testing.T) {
    tests := []struct {
        name    string
        value   interface{}
        want    TargetRule
        wantErr bool
    }{
        {"bytes", []byte(`{"type":"ALL_CLIENTS"}`), TargetRule{Type: TargetAllClients}, false},
        {"string", `{"type":"SPECIFIC_CLIENTS","clientIds":["a","b"]}`, TargetRule{Type: TargetSpecificClients, ClientIDs: []string{"a", "b"}}, false},
        {"null", nil, TargetRule{}, false},
        {"unsupported", 42, TargetRule{}, true},
    }

    for _, tt := range tests {
        t.Run(tt.name, func(t *testing.T) {
            var got TargetRule
            err := got.Scan(tt.value)
            if (err != nil) != tt.wantErr {
                t.Fatalf("Scan() error = %v, wantErr %v", err, tt.wantErr)
            }
            if err != nil {
                return
            }
            if got.Type != tt.want.Type || len(got.ClientIDs) != len(tt.want.ClientIDs) {
                t.Errorf("Scan() = %+v, want %+v", got, tt.want)
            }
        })
    }
}

func TestVariablesScanUnknownType(t *testing.T) {
    var v Variables
    if err := v.Scan(3.5); err != nil {
        t.Fatal(err)
    }
    if v == nil || len(v) != 0 {
        t.Errorf("Scan() = %v, want empty map", v)
    }
}

func TestCampaignStatus(t *testing.T) {
    tests := []struct {
        status    CampaignStatus
        startable bool
        terminal  bool
    }{
        {CampaignStatusDraft, true, false},
        {CampaignStatusScheduled, true, false},
        {CampaignStatusRunning, false, false},
        {CampaignStatusCompleted, false, true},
        {CampaignStatusCancelled, false, true},
    }

    for _, tt := range tests {
        if got := tt.status.Startable(); got != tt.startable {
            t.Errorf("%s.Startable() = %v", tt.status, got)
        }
        if got := tt.status.Terminal(); got != tt.terminal {
            t.Errorf("%s.Terminal() = %v", tt.status, got)
        }
    }
}

func TestTouch(t *testing.T) {
    now := time.Date(2024, time.May, 1, 9, 0, 0, 0, time.UTC)

    var m BaseModel
    m.Touch(now)
    if m.ID == uuid.Nil || !m.CreatedAt.Equal(now) || !m.UpdatedAt.Equal(now) {
        t.Fatalf("Touch() = %+v", m)
    }

    id := m.ID
    later := now.Add(time.Hour)
    m.Touch(later)
    if m.ID != id || !m.CreatedAt.Equal(now) || !m.UpdatedAt.Equal(later) {
        t.Errorf("second Touch() = %+v", m)
    }
}

func TestClientFullName(t *testing.T) {
    c := Client{FirstName: "Amal", LastName: ""}
    if got := c.FullName(); got != "Amal" {
        t.Errorf("FullName() = %q", got)
    }
}
