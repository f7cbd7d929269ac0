package campaign

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/snarg/fleet-agent/internal/clock"
	"github.com/snarg/fleet-agent/internal/decoder"
	"github.com/snarg/fleet-agent/internal/wire"
)

func newTestManager(fake *clock.Fake) (*Manager, *decoder.Registry) {
	dec := decoder.NewRegistry()
	m := NewManager(dec, fake, 60_000, 32, zerolog.Nop())
	return m, dec
}

func TestCampaignTimeBasedLifecycle(t *testing.T) {
	fake := clock.NewFake(0)
	m, dec := newTestManager(fake)
	dec.Publish(decoder.New("m1", nil))
	m.OnManifestUpdated()

	m.UpdateCampaignList(wire.CollectionSchemesDoc{
		Schemes: []wire.CampaignDoc{timeBasedDoc("c1", "m1", 1000, 2000)},
	})

	if len(m.CurrentMatrix().Campaigns) != 0 {
		t.Fatalf("expected no active campaigns before start_ms")
	}

	fake.Set(1500)
	m.Evaluate()
	matrix := m.CurrentMatrix()
	if len(matrix.Campaigns) != 1 || matrix.Campaigns[0].SyncID != "c1" {
		t.Fatalf("expected c1 active at t=1500, got %+v", matrix.Campaigns)
	}

	fake.Set(2500)
	m.Evaluate()
	if len(m.CurrentMatrix().Campaigns) != 0 {
		t.Fatalf("expected c1 expired at t=2500")
	}
}

func TestCampaignListDiffRemovesDroppedSyncIDs(t *testing.T) {
	fake := clock.NewFake(1500)
	m, dec := newTestManager(fake)
	dec.Publish(decoder.New("m1", nil))
	m.OnManifestUpdated()

	m.UpdateCampaignList(wire.CollectionSchemesDoc{
		Schemes: []wire.CampaignDoc{timeBasedDoc("c1", "m1", 1000, 2000)},
	})
	if len(m.CurrentMatrix().Campaigns) != 1 {
		t.Fatalf("expected c1 active")
	}

	m.UpdateCampaignList(wire.CollectionSchemesDoc{Schemes: nil})
	if len(m.CurrentMatrix().Campaigns) != 0 {
		t.Fatalf("expected c1 removed after disappearing from list")
	}
}

func TestManifestSwapClearsActive(t *testing.T) {
	fake := clock.NewFake(1500)
	m, dec := newTestManager(fake)
	dec.Publish(decoder.New("m1", nil))
	m.OnManifestUpdated()

	m.UpdateCampaignList(wire.CollectionSchemesDoc{
		Schemes: []wire.CampaignDoc{
			timeBasedDoc("c1", "m1", 1000, 2000),
			timeBasedDoc("c2", "m1", 1000, 2000),
		},
	})
	if len(m.CurrentMatrix().Campaigns) != 2 {
		t.Fatalf("expected both campaigns active")
	}

	dec.Publish(decoder.New("m2", nil))
	m.OnManifestUpdated()
	if len(m.CurrentMatrix().Campaigns) != 0 {
		t.Fatalf("expected both campaigns cleared to INACTIVE after manifest swap")
	}

	// Re-validating against the new manifest (still decoder_manifest_sync_id
	// "m1") keeps them INACTIVE until a matching manifest is active again.
	m.Evaluate()
	if len(m.CurrentMatrix().Campaigns) != 0 {
		t.Fatalf("expected campaigns to remain inactive: manifest mismatch")
	}
}

func TestManifestMismatchKeepsCampaignInactive(t *testing.T) {
	fake := clock.NewFake(1500)
	m, dec := newTestManager(fake)
	dec.Publish(decoder.New("m1", nil))
	m.OnManifestUpdated()

	m.UpdateCampaignList(wire.CollectionSchemesDoc{
		Schemes: []wire.CampaignDoc{timeBasedDoc("c1", "m-other", 1000, 2000)},
	})
	if len(m.CurrentMatrix().Campaigns) != 0 {
		t.Fatalf("expected campaign referencing unknown manifest to stay inactive")
	}
}

func TestTypecheckFailureDropsCampaign(t *testing.T) {
	fake := clock.NewFake(1500)
	m, dec := newTestManager(fake)
	dec.Publish(decoder.New("m1", nil)) // no signals registered
	m.OnManifestUpdated()

	m.UpdateCampaignList(wire.CollectionSchemesDoc{
		Schemes: []wire.CampaignDoc{conditionDoc(t, "c1", "m1", 1000, 2000, 7)},
	})

	if _, ok := m.campaigns["c1"]; ok {
		t.Fatalf("expected campaign referencing unresolved signal to be dropped")
	}
}

func TestStateTemplateVersionGate(t *testing.T) {
	fake := clock.NewFake(0)
	m, _ := newTestManager(fake)

	templates := func() map[string]bool {
		set := make(map[string]bool)
		for _, id := range m.StateTemplatesSnapshot().Added {
			set[id] = true
		}
		return set
	}

	m.UpdateStateTemplates(wire.StateTemplatesDoc{Version: 456, Added: []string{"LKS1"}})
	if got := templates(); len(got) != 1 || !got["LKS1"] {
		t.Fatalf("after v456 add LKS1: got %v", got)
	}

	// Stale version: ignored, state unchanged.
	m.UpdateStateTemplates(wire.StateTemplatesDoc{Version: 455, Added: []string{"LKS2"}})
	if got := templates(); len(got) != 1 || !got["LKS1"] {
		t.Fatalf("after stale v455: got %v", got)
	}

	// Same version re-sent with an extension: applied.
	m.UpdateStateTemplates(wire.StateTemplatesDoc{Version: 456, Added: []string{"LKS2"}})
	if got := templates(); len(got) != 2 || !got["LKS1"] || !got["LKS2"] {
		t.Fatalf("after v456 add LKS2: got %v", got)
	}

	// Same version removing an id: applied.
	m.UpdateStateTemplates(wire.StateTemplatesDoc{Version: 456, Removed: []string{"LKS1"}})
	if got := templates(); len(got) != 1 || !got["LKS2"] {
		t.Fatalf("after v456 remove LKS1: got %v", got)
	}

	// Removing an unknown id is a no-op, not an error.
	m.UpdateStateTemplates(wire.StateTemplatesDoc{Version: 456, Removed: []string{"LKS9"}})
	if got := templates(); len(got) != 1 || !got["LKS2"] {
		t.Fatalf("after removing unknown id: got %v", got)
	}
}

func TestStateTemplatesSnapshotRoundTrips(t *testing.T) {
	fake := clock.NewFake(0)
	m, _ := newTestManager(fake)
	m.UpdateStateTemplates(wire.StateTemplatesDoc{Version: 7, Added: []string{"b", "a"}})

	snap := m.StateTemplatesSnapshot()
	if snap.Version != 7 {
		t.Fatalf("snapshot version = %d, want 7", snap.Version)
	}

	restored, _ := newTestManager(clock.NewFake(0))
	restored.UpdateStateTemplates(snap)
	got := restored.StateTemplatesSnapshot()
	if got.Version != 7 || len(got.Added) != 2 || got.Added[0] != "a" || got.Added[1] != "b" {
		t.Fatalf("restored snapshot = %+v", got)
	}

	// The restored version still gates stale diffs.
	restored.UpdateStateTemplates(wire.StateTemplatesDoc{Version: 6, Added: []string{"c"}})
	if len(restored.StateTemplatesSnapshot().Added) != 2 {
		t.Fatalf("stale diff applied after restore")
	}
}

func TestActiveSyncIDsIncludesManifestAndCampaigns(t *testing.T) {
	fake := clock.NewFake(1500)
	m, dec := newTestManager(fake)
	dec.Publish(decoder.New("m1", nil))
	m.OnManifestUpdated()
	m.UpdateCampaignList(wire.CollectionSchemesDoc{
		Schemes: []wire.CampaignDoc{timeBasedDoc("c1", "m1", 1000, 2000)},
	})
	m.UpdateStateTemplates(wire.StateTemplatesDoc{Added: []string{"st1"}})

	ids := m.ActiveSyncIDs()
	want := map[string]bool{"m1": true, "c1": true, "st1": true}
	if len(ids) != len(want) {
		t.Fatalf("ActiveSyncIDs = %v, want %v entries", ids, want)
	}
	for _, id := range ids {
		if !want[id] {
			t.Fatalf("unexpected sync_id %q in %v", id, ids)
		}
	}
}
