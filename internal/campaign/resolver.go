package campaign

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fitdesk/fitdesk-server/internal/models"
	"github.com/fitdesk/fitdesk-server/internal/storage"
)

// DefaultReminderDays are the expiry milestones used when none are configured
var DefaultReminderDays = []int{7, 3, 1}

// Recipient is one resolved message target
type Recipient struct {
	ClientID         uuid.UUID `json:"clientId"`
	Name             string    `json:"name"`
	Phone            string    `json:"phone"`
	Email            string    `json:"email,omitempty"`
	MembershipNumber string    `json:"membershipNumber"`
	PackageName      string    `json:"packageName,omitempty"`
	// DaysUntilExpiry is set for EXPIRING_SUBSCRIPTIONS only
	DaysUntilExpiry *int `json:"daysUntilExpiry,omitempty"`
}

// Vars returns the template variables this recipient can fill. Fields the
// recipient lacks are left out, so their placeholders render verbatim.
func (r Recipient) Vars() map[string]string {
	vars := map[string]string{
		"name":             r.Name,
		"membershipNumber": r.MembershipNumber,
		"phone":            r.Phone,
	}
	if r.PackageName != "" {
		vars["packageName"] = r.PackageName
	}
	if r.DaysUntilExpiry != nil {
		vars["days"] = strconv.Itoa(*r.DaysUntilExpiry)
	}
	return vars
}

// Address picks the recipient's address for a channel
func (r Recipient) Address(ch models.Channel) string {
	if ch == models.ChannelEmail {
		return r.Email
	}
	return r.Phone
}

func recipientFromClient(c *models.Client) Recipient {
	return Recipient{
		ClientID:         c.ID,
		Name:             c.FullName(),
		Phone:            c.Phone,
		Email:            c.Email,
		MembershipNumber: c.MembershipNumber,
	}
}

// Resolver turns target rules into deduplicated recipient lists
type Resolver struct {
	dir          storage.ClientDirectory
	reminderDays []int
	loc          *time.Location
	now          func() time.Time
}

// NewResolver creates a resolver. Empty reminderDays means DefaultReminderDays.
func NewResolver(dir storage.ClientDirectory, reminderDays []int, loc *time.Location) *Resolver {
	if len(reminderDays) == 0 {
		reminderDays = DefaultReminderDays
	}
	if loc == nil {
		loc = time.Local
	}
	return &Resolver{
		dir:          dir,
		reminderDays: reminderDays,
		loc:          loc,
		now:          time.Now,
	}
}

// ValidateRule checks a rule without touching storage
func ValidateRule(rule models.TargetRule) error {
	switch rule.Type {
	case models.TargetAllClients, models.TargetActiveSubscriptions, models.TargetExpiringSubscriptions:
		return nil
	case models.TargetSpecificClients:
		_, err := parseClientIDs(rule.ClientIDs)
		return err
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidTargetRule, rule.Type)
	}
}

func parseClientIDs(raw []string) ([]uuid.UUID, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: client id list is empty", ErrInvalidTargetRule)
	}
	ids := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("%w: malformed client id %q", ErrInvalidTargetRule, s)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Resolve returns the recipients of rule, each client at most once, in
// first-seen order.
func (r *Resolver) Resolve(ctx context.Context, rule models.TargetRule) ([]Recipient, error) {
	var entries []Recipient
	var err error

	switch rule.Type {
	case models.TargetAllClients:
		entries, err = r.allClients(ctx)
	case models.TargetActiveSubscriptions:
		entries, err = r.activeSubscriptions(ctx)
	case models.TargetExpiringSubscriptions:
		entries, err = r.expiring(ctx)
	case models.TargetSpecificClients:
		entries, err = r.specificClients(ctx, rule.ClientIDs)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidTargetRule, rule.Type)
	}
	if err != nil {
		return nil, err
	}

	return dedupe(entries), nil
}

func (r *Resolver) allClients(ctx context.Context) ([]Recipient, error) {
	clients, err := r.dir.FindAllActiveClients(ctx)
	if err != nil {
		return nil, fmt.Errorf("find active clients: %w", err)
	}
	out := make([]Recipient, 0, len(clients))
	for _, c := range clients {
		out = append(out, recipientFromClient(c))
	}
	return out, nil
}

func (r *Resolver) activeSubscriptions(ctx context.Context) ([]Recipient, error) {
	subs, err := r.dir.FindActiveSubscriptions(ctx)
	if err != nil {
		return nil, fmt.Errorf("find active subscriptions: %w", err)
	}
	out := make([]Recipient, 0, len(subs))
	for _, s := range subs {
		if s.Client == nil {
			continue
		}
		rcp := recipientFromClient(s.Client)
		rcp.PackageName = s.PackageName
		out = append(out, rcp)
	}
	return out, nil
}

// expiring returns the per-offset results concatenated, before the final
// merge. A client may appear once per matching offset.
func (r *Resolver) expiring(ctx context.Context) ([]Recipient, error) {
	now := r.now().In(r.loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, r.loc)

	var out []Recipient
	for _, offset := range r.reminderDays {
		target := today.AddDate(0, 0, offset)

		var matched []Recipient
		for _, delta := range []int{-1, 0, 1} {
			subs, err := r.dir.FindActiveSubscriptionsExpiringOn(ctx, target.AddDate(0, 0, delta))
			if err != nil {
				return nil, fmt.Errorf("find subscriptions expiring in %d days: %w", offset, err)
			}
			for _, s := range subs {
				if s.Client == nil {
					continue
				}
				days := offset
				rcp := recipientFromClient(s.Client)
				rcp.PackageName = s.PackageName
				rcp.DaysUntilExpiry = &days
				matched = append(matched, rcp)
			}
		}

		out = append(out, dedupe(matched)...)
	}
	return out, nil
}

func (r *Resolver) specificClients(ctx context.Context, raw []string) ([]Recipient, error) {
	ids, err := parseClientIDs(raw)
	if err != nil {
		return nil, err
	}

	out := make([]Recipient, 0, len(ids))
	for _, id := range ids {
		c, err := r.dir.FindActiveClientByID(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			log.Debug().Str("clientID", id.String()).Msg("Skipping unknown or inactive client")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("find client %s: %w", id, err)
		}
		out = append(out, recipientFromClient(c))
	}
	return out, nil
}

func dedupe(entries []Recipient) []Recipient {
	seen := make(map[uuid.UUID]bool, len(entries))
	out := make([]Recipient, 0, len(entries))
	for _, e := range entries {
		if seen[e.ClientID] {
			continue
		}
		seen[e.ClientID] = true
		out = append(out, e)
	}
	return out
}
