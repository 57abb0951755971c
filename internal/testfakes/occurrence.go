package testfakes

import (
	"context"
	"time"

	"github.com/teambition/rrule-go"

	"github.com/caldavsync/engine/model"
)

// RRuleOccurrenceGenerator is a minimal store.OccurrenceGenerator backed by
// rrule-go, grounded on the same library the recurrence-expansion code
// elsewhere in the pack uses for RRULE evaluation.
type RRuleOccurrenceGenerator struct {
	Store *MemoryStore
}

func (g *RRuleOccurrenceGenerator) Generate(ctx context.Context, master *model.Event) error {
	return g.Regenerate(ctx, master)
}

// Regenerate parses master.RRule and expands it over a one-year horizon
// from its start, as a deliberately small stand-in for a real expansion
// cache: the instances are discarded and master is not modified. An
// unparsable RRULE is returned as an error.
func (g *RRuleOccurrenceGenerator) Regenerate(ctx context.Context, master *model.Event) error {
	if master.RRule == "" {
		return nil
	}
	rule, err := rrule.StrToRRule(master.RRule)
	if err != nil {
		return err
	}
	start := time.UnixMilli(master.StartMs).UTC()
	horizon := start.AddDate(1, 0, 0)
	_ = rule.Between(start, horizon, true)
	return nil
}

func (g *RRuleOccurrenceGenerator) LinkException(ctx context.Context, master *model.Event, override *model.Event) error {
	return nil
}
