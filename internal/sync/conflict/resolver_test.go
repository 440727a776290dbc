// Package conflict tests for the resolution strategies and the pending
// conflict registry.
package conflict

import (
	"encoding/json"
	"testing"
	"time"

	apperrors "github.com/tmhsiao/ledgersync/internal/errors"
	"github.com/tmhsiao/ledgersync/internal/models"
)

func snap(data string, ts int64) Snapshot {
	return Snapshot{Data: json.RawMessage(data), ModifiedAt: ts}
}

func decode(t *testing.T, data json.RawMessage) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("Failed to decode payload: %v", err)
	}
	return m
}

// TestResolveLocalPriority always keeps the local version.
func TestResolveLocalPriority(t *testing.T) {
	res, err := Resolve(StrategyLocalPriority, nil, snap(`{"a":1}`, 100), snap(`{"a":2}`, 900))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Action != ActionUseLocal {
		t.Errorf("Expected use_local, got %s", res.Action)
	}
}

// TestResolveServerPriority always takes the server version.
func TestResolveServerPriority(t *testing.T) {
	res, err := Resolve(StrategyServerPriority, nil, snap(`{"a":1}`, 900), snap(`{"a":2}`, 100))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Action != ActionUseServer {
		t.Errorf("Expected use_server, got %s", res.Action)
	}
}

// TestResolveLastWriteWins picks the later timestamp; an exact tie resolves to
// the server.
func TestResolveLastWriteWins(t *testing.T) {
	cases := []struct {
		name     string
		localTS  int64
		serverTS int64
		want     Action
	}{
		{"local newer", 200, 100, ActionUseLocal},
		{"server newer", 100, 200, ActionUseServer},
		{"tie goes to server", 100, 100, ActionUseServer},
	}

	for _, tc := range cases {
		res, err := Resolve(StrategyLastWriteWins, nil, snap(`{}`, tc.localTS), snap(`{}`, tc.serverTS))
		if err != nil {
			t.Fatalf("%s: Resolve failed: %v", tc.name, err)
		}
		if res.Action != tc.want {
			t.Errorf("%s: expected %s, got %s", tc.name, tc.want, res.Action)
		}
	}
}

// TestResolveIsDeterministic verifies identical inputs always yield the
// identical resolution.
func TestResolveIsDeterministic(t *testing.T) {
	local := snap(`{"status":"sent","notes":"call customer"}`, 100)
	server := snap(`{"status":"paid","notes":"n/a"}`, 200)
	rules := MergeRules{"status": RuleServer, "notes": RuleLocal}

	first, err := Resolve(StrategyMerge, rules, local, server)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := Resolve(StrategyMerge, rules, local, server)
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if again.Action != first.Action || string(again.Merged) != string(first.Merged) {
			t.Fatalf("Resolution changed between runs: %s vs %s", first.Merged, again.Merged)
		}
	}
}

// TestResolveMergePerFieldRules verifies each field follows its configured
// rule and unruled fields follow last-write-wins.
func TestResolveMergePerFieldRules(t *testing.T) {
	local := snap(`{"status":"sent","notes":"call customer","total":10}`, 300)
	server := snap(`{"status":"paid","notes":"n/a","total":20}`, 100)
	rules := MergeRules{
		"status": RuleLocal,
		"notes":  RuleLocal,
		"total":  RuleServer,
	}

	res, err := Resolve(StrategyMerge, rules, local, server)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Action != ActionUseMerged {
		t.Fatalf("Expected use_merged, got %s", res.Action)
	}

	merged := decode(t, res.Merged)
	if merged["status"] != "sent" {
		t.Errorf("Expected status from local, got %v", merged["status"])
	}
	if merged["notes"] != "call customer" {
		t.Errorf("Expected notes from local, got %v", merged["notes"])
	}
	if merged["total"] != float64(20) {
		t.Errorf("Expected total from server, got %v", merged["total"])
	}
}

// TestResolveMergeNewerRule verifies the newer rule follows the side with the
// later record timestamp.
func TestResolveMergeNewerRule(t *testing.T) {
	rules := MergeRules{"status": RuleNewer}

	res, err := Resolve(StrategyMerge, rules, snap(`{"status":"local"}`, 500), snap(`{"status":"server"}`, 100))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got := decode(t, res.Merged)["status"]; got != "local" {
		t.Errorf("Expected newer (local) side, got %v", got)
	}

	res, err = Resolve(StrategyMerge, rules, snap(`{"status":"local"}`, 100), snap(`{"status":"server"}`, 500))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got := decode(t, res.Merged)["status"]; got != "server" {
		t.Errorf("Expected newer (server) side, got %v", got)
	}
}

// TestResolveMergeCarriesOneSidedFields verifies fields present on only one
// side survive the merge.
func TestResolveMergeCarriesOneSidedFields(t *testing.T) {
	res, err := Resolve(StrategyMerge, nil,
		snap(`{"local_only":"x","shared":"from_local"}`, 100),
		snap(`{"server_only":"y","shared":"from_server"}`, 200))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	merged := decode(t, res.Merged)
	if merged["local_only"] != "x" || merged["server_only"] != "y" {
		t.Errorf("Expected one-sided fields carried, got %v", merged)
	}
	// Server is the last-write-wins base for unruled fields.
	if merged["shared"] != "from_server" {
		t.Errorf("Expected shared field from newer side, got %v", merged["shared"])
	}
}

// TestResolveMergeRuledFieldMissing verifies a rule pointing at a side that
// lacks the field removes it from the merge.
func TestResolveMergeRuledFieldMissing(t *testing.T) {
	rules := MergeRules{"discount": RuleServer}
	res, err := Resolve(StrategyMerge, rules,
		snap(`{"discount":5,"total":10}`, 300),
		snap(`{"total":20}`, 100))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	merged := decode(t, res.Merged)
	if _, ok := merged["discount"]; ok {
		t.Errorf("Expected discount dropped per server rule, got %v", merged)
	}
}

// TestResolveMergeRejectsNonObjectPayload verifies merge needs JSON objects on
// both sides.
func TestResolveMergeRejectsNonObjectPayload(t *testing.T) {
	if _, err := Resolve(StrategyMerge, nil, snap(`[1,2]`, 100), snap(`{}`, 200)); !apperrors.Is(err, apperrors.ErrValidation) {
		t.Errorf("Expected VALIDATION error, got %v", err)
	}
}

// TestResolveUnknownStrategy verifies unrecognized strategies are rejected.
func TestResolveUnknownStrategy(t *testing.T) {
	if _, err := Resolve(Strategy("coin_flip"), nil, snap(`{}`, 1), snap(`{}`, 2)); !apperrors.Is(err, apperrors.ErrInvalid) {
		t.Errorf("Expected INVALID for unknown strategy, got %v", err)
	}
}

// =====================================================
// Registry
// =====================================================

// TestResolverDefaultsToLastWriteWins verifies unconfigured entity types use
// the default strategy.
func TestResolverDefaultsToLastWriteWins(t *testing.T) {
	r := NewResolver()

	if got := r.StrategyFor("invoices"); got != StrategyLastWriteWins {
		t.Errorf("Expected default last_write_wins, got %s", got)
	}

	r.SetStrategy("invoices", StrategyManual)
	if got := r.StrategyFor("invoices"); got != StrategyManual {
		t.Errorf("Expected configured manual, got %s", got)
	}
	if got := r.StrategyFor("customers"); got != StrategyLastWriteWins {
		t.Errorf("Expected other types untouched, got %s", got)
	}
}

// TestManualStrategyParksConflict verifies a manual-strategy conflict lands in
// the pending registry and notifies listeners once.
func TestManualStrategyParksConflict(t *testing.T) {
	r := NewResolver()
	r.SetClock(func() time.Time { return time.UnixMilli(7000) })
	r.SetStrategy("invoices", StrategyManual)

	var notified []*models.Conflict
	unsubscribe := r.AddConflictListener(func(c *models.Conflict) {
		notified = append(notified, c)
	})
	defer unsubscribe()

	res, err := r.Resolve("invoices", "id-1", snap(`{"a":1}`, 100), snap(`{"a":2}`, 200))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Action != ActionManual {
		t.Fatalf("Expected manual action, got %s", res.Action)
	}

	if !r.HasPendingConflicts() || r.GetConflictCount() != 1 {
		t.Errorf("Expected 1 pending conflict, got %d", r.GetConflictCount())
	}
	if len(notified) != 1 {
		t.Fatalf("Expected 1 listener notification, got %d", len(notified))
	}
	if notified[0].DetectedAt != 7000 {
		t.Errorf("Expected detected_at=7000, got %d", notified[0].DetectedAt)
	}

	// Re-detecting refreshes the snapshot without re-notifying.
	if _, err := r.Resolve("invoices", "id-1", snap(`{"a":1}`, 100), snap(`{"a":3}`, 300)); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(notified) != 1 {
		t.Errorf("Expected no re-notification, got %d", len(notified))
	}
	if r.GetConflictCount() != 1 {
		t.Errorf("Expected still 1 pending conflict, got %d", r.GetConflictCount())
	}
	refreshed := r.GetPendingConflicts()[0]
	if refreshed.ServerModifiedAt != 300 {
		t.Errorf("Expected refreshed server snapshot, got %d", refreshed.ServerModifiedAt)
	}
}

// TestConflictListenerUnsubscribe verifies an unsubscribed listener stops
// receiving notifications.
func TestConflictListenerUnsubscribe(t *testing.T) {
	r := NewResolver()
	r.SetStrategy("invoices", StrategyManual)

	count := 0
	unsubscribe := r.AddConflictListener(func(*models.Conflict) { count++ })

	r.Resolve("invoices", "id-1", snap(`{}`, 1), snap(`{}`, 2))
	unsubscribe()
	r.Resolve("invoices", "id-2", snap(`{}`, 1), snap(`{}`, 2))

	if count != 1 {
		t.Errorf("Expected 1 notification after unsubscribe, got %d", count)
	}
}

// TestResolveManuallyPopsConflict verifies manual resolution removes the
// conflict and returns its snapshots.
func TestResolveManuallyPopsConflict(t *testing.T) {
	r := NewResolver()
	r.SetStrategy("invoices", StrategyManual)

	r.Resolve("invoices", "id-1", snap(`{"a":"local"}`, 100), snap(`{"a":"server"}`, 200))

	c, res, err := r.ResolveManually("invoices", "id-1", ActionUseServer, nil)
	if err != nil {
		t.Fatalf("ResolveManually failed: %v", err)
	}
	if res.Action != ActionUseServer {
		t.Errorf("Expected use_server, got %s", res.Action)
	}
	if string(c.ServerData) != `{"a":"server"}` || c.ServerModifiedAt != 200 {
		t.Errorf("Expected server snapshot carried, got %s @%d", c.ServerData, c.ServerModifiedAt)
	}
	if r.HasPendingConflicts() {
		t.Error("Expected conflict removed from registry")
	}
}

// TestResolveManuallyValidation covers the failure paths: unknown conflict,
// missing merged payload, invalid action.
func TestResolveManuallyValidation(t *testing.T) {
	r := NewResolver()
	r.SetStrategy("invoices", StrategyManual)

	if _, _, err := r.ResolveManually("invoices", "nope", ActionUseLocal, nil); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Expected NOT_FOUND for unknown conflict, got %v", err)
	}

	r.Resolve("invoices", "id-1", snap(`{}`, 1), snap(`{}`, 2))

	if _, _, err := r.ResolveManually("invoices", "id-1", ActionUseMerged, nil); !apperrors.Is(err, apperrors.ErrInvalid) {
		t.Errorf("Expected INVALID for use_merged without payload, got %v", err)
	}
	if _, _, err := r.ResolveManually("invoices", "id-1", Action("flip"), nil); !apperrors.Is(err, apperrors.ErrInvalid) {
		t.Errorf("Expected INVALID for unknown action, got %v", err)
	}

	// Failed attempts must not consume the conflict.
	if !r.HasPendingConflicts() {
		t.Error("Expected conflict retained after failed resolutions")
	}
}

// TestClearPendingConflicts drops the registry without resolving.
func TestClearPendingConflicts(t *testing.T) {
	r := NewResolver()
	r.SetStrategy("invoices", StrategyManual)

	r.Resolve("invoices", "id-1", snap(`{}`, 1), snap(`{}`, 2))
	r.Resolve("invoices", "id-2", snap(`{}`, 1), snap(`{}`, 2))

	r.ClearPendingConflicts()
	if r.GetConflictCount() != 0 {
		t.Errorf("Expected empty registry, got %d", r.GetConflictCount())
	}
}
