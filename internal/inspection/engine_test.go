package inspection

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/fleet-agent/internal/campaign"
	"github.com/snarg/fleet-agent/internal/clock"
	"github.com/snarg/fleet-agent/internal/condition"
	"github.com/snarg/fleet-agent/internal/customfn"
	"github.com/snarg/fleet-agent/internal/pipeline"
	"github.com/snarg/fleet-agent/internal/rawbuffer"
	"github.com/snarg/fleet-agent/internal/signal"
)

type fakeMatrixSource struct {
	m *campaign.Matrix
}

func (f *fakeMatrixSource) CurrentMatrix() *campaign.Matrix { return f.m }

func gtNode(id signal.ID, threshold float64) *condition.Node {
	return &condition.Node{
		Kind:  condition.KindComparison,
		CmpOp: condition.OpGt,
		Left:  &condition.Node{Kind: condition.KindSignalRef, SignalID: id},
		Right: &condition.Node{Kind: condition.KindLiteral, Literal: signal.Number(threshold)},
	}
}

func newTestEngine(t *testing.T, matrix *campaign.Matrix) (*Engine, *pipeline.Pipeline, *fakeMatrixSource, *rawbuffer.Manager, chan TriggeredData) {
	t.Helper()
	fk := clock.NewFake(1_000_000)
	p := pipeline.New(16)
	consumer := p.Register()
	src := &fakeMatrixSource{m: matrix}
	raw := rawbuffer.NewManager(0)
	out := make(chan TriggeredData, 16)
	eng := NewEngine(consumer, fk, src, customfn.NewRegistry(), raw, out, zerolog.Nop())
	return eng, p, src, raw, out
}

func TestRisingEdgeFiresOnceThenWaitsForNextEdge(t *testing.T) {
	sigID := signal.ID(1)
	matrix := &campaign.Matrix{
		ManifestSyncID: "manifest-1",
		Campaigns: []campaign.ActiveCampaign{
			{
				SyncID:  "camp-rising",
				Trigger: campaign.TriggerConditionBased,
				Tree:    gtNode(sigID, 50),
				Mode:    campaign.TriggerRisingEdge,
				SignalRequirements: []campaign.SignalRequirement{
					{SignalID: sigID, SampleBufferSize: 4},
				},
			},
		},
	}
	eng, p, _, _, out := newTestEngine(t, matrix)
	fk := eng.clk.(*clock.Fake)
	base := fk.NowMs()

	// The engine stamps fires with its own clock, so the fake clock is
	// moved to each sample's time (offset from its start) before feeding.
	feed := func(v float64, ts int64) {
		fk.Set(base + ts)
		p.Publish(signal.Sample{ID: sigID, TimestampMs: ts, Value: signal.Number(v)})
		eng.Tick()
	}

	feed(10, 1) // false, no fire
	feed(60, 2) // rising edge, fires
	feed(70, 3) // still true, no re-fire
	feed(10, 4) // falls
	feed(80, 5) // rising edge again, fires

	var fires []TriggeredData
	for {
		select {
		case td := <-out:
			fires = append(fires, td)
			continue
		default:
		}
		break
	}
	if len(fires) != 2 {
		t.Fatalf("expected 2 fires, got %d", len(fires))
	}
	if fires[0].TriggerTs != base+2 || fires[1].TriggerTs != base+5 {
		t.Fatalf("unexpected fire timestamps: %+v %+v", fires[0], fires[1])
	}
}

func TestTriggerAlwaysRespectsRateLimit(t *testing.T) {
	sigID := signal.ID(2)
	matrix := &campaign.Matrix{
		Campaigns: []campaign.ActiveCampaign{
			{
				SyncID:        "camp-always",
				Trigger:       campaign.TriggerConditionBased,
				Tree:          gtNode(sigID, 0),
				Mode:          campaign.TriggerAlways,
				MinIntervalMs: 1000,
				SignalRequirements: []campaign.SignalRequirement{
					{SignalID: sigID, SampleBufferSize: 4},
				},
			},
		},
	}
	eng, p, _, _, out := newTestEngine(t, matrix)
	fk := eng.clk.(*clock.Fake)
	base := fk.NowMs()

	// The rate limit is measured on the engine's clock, so the fake clock
	// is moved to each sample's time (offset from its start) before feeding.
	feed := func(ts int64) {
		fk.Set(base + ts)
		p.Publish(signal.Sample{ID: sigID, TimestampMs: ts, Value: signal.Number(5)})
		eng.Tick()
	}

	feed(0)
	feed(100)
	feed(1100)

	var fires []TriggeredData
	for {
		select {
		case td := <-out:
			fires = append(fires, td)
			continue
		default:
		}
		break
	}
	if len(fires) != 2 {
		t.Fatalf("expected 2 rate-limited fires, got %d", len(fires))
	}
}

func TestTimeBasedCampaignFiresOnPeriod(t *testing.T) {
	matrix := &campaign.Matrix{
		Campaigns: []campaign.ActiveCampaign{
			{
				SyncID:   "camp-periodic",
				Trigger:  campaign.TriggerTimeBased,
				PeriodMs: 500,
			},
		},
	}
	eng, _, _, _, out := newTestEngine(t, matrix)
	fk := eng.clk.(*clock.Fake)

	eng.Tick() // rebuilds matrix, schedules first fire at +500ms

	fk.Advance(600 * time.Millisecond)
	eng.Tick()

	select {
	case td := <-out:
		if td.CampaignSyncID != "camp-periodic" {
			t.Fatalf("unexpected campaign fired: %s", td.CampaignSyncID)
		}
	default:
		t.Fatal("expected a time-based fire")
	}
}

func TestAfterDurationDelaysAssembly(t *testing.T) {
	sigID := signal.ID(3)
	matrix := &campaign.Matrix{
		Campaigns: []campaign.ActiveCampaign{
			{
				SyncID:          "camp-delayed",
				Trigger:         campaign.TriggerConditionBased,
				Tree:            gtNode(sigID, 0),
				Mode:            campaign.TriggerRisingEdge,
				AfterDurationMs: 300,
				SignalRequirements: []campaign.SignalRequirement{
					{SignalID: sigID, SampleBufferSize: 8},
				},
			},
		},
	}
	eng, p, _, _, out := newTestEngine(t, matrix)
	fk := eng.clk.(*clock.Fake)

	p.Publish(signal.Sample{ID: sigID, TimestampMs: fk.NowMs(), Value: signal.Number(5)})
	eng.Tick()

	select {
	case <-out:
		t.Fatal("should not fire before after_duration_ms elapses")
	default:
	}

	fk.Advance(100 * time.Millisecond)
	p.Publish(signal.Sample{ID: sigID, TimestampMs: fk.NowMs(), Value: signal.Number(6)})
	eng.Tick()

	fk.Advance(300 * time.Millisecond)
	eng.Tick()

	select {
	case td := <-out:
		if len(td.Signals) != 1 || len(td.Signals[0].Samples) != 2 {
			t.Fatalf("expected both pre-delay samples in snapshot, got %+v", td.Signals)
		}
	default:
		t.Fatal("expected delayed fire after after_duration_ms elapsed")
	}
}

func TestConcurrentFiresOrderedByPriorityThenSyncID(t *testing.T) {
	matrix := &campaign.Matrix{
		Campaigns: []campaign.ActiveCampaign{
			{SyncID: "camp-b", Trigger: campaign.TriggerTimeBased, PeriodMs: 100, Priority: 5},
			{SyncID: "camp-a", Trigger: campaign.TriggerTimeBased, PeriodMs: 100, Priority: 1},
			{SyncID: "camp-c", Trigger: campaign.TriggerTimeBased, PeriodMs: 100, Priority: 5},
		},
	}
	eng, _, _, _, out := newTestEngine(t, matrix)
	fk := eng.clk.(*clock.Fake)

	eng.Tick()
	fk.Advance(150 * time.Millisecond)
	eng.Tick()

	var order []string
	for {
		select {
		case td := <-out:
			order = append(order, td.CampaignSyncID)
			continue
		default:
		}
		break
	}
	want := []string{"camp-a", "camp-b", "camp-c"}
	if len(order) != len(want) {
		t.Fatalf("expected %d fires, got %d: %v", len(want), len(order), order)
	}
	for i, id := range want {
		if order[i] != id {
			t.Fatalf("fire order mismatch at %d: got %v, want %v", i, order, want)
		}
	}
}

type fakeDTCProvider struct {
	codes []string
}

func (f *fakeDTCProvider) ActiveDTCs() []string { return f.codes }

func TestActiveDTCsSnapshottedWhenCampaignAsks(t *testing.T) {
	sigID := signal.ID(5)
	matrix := &campaign.Matrix{
		Campaigns: []campaign.ActiveCampaign{
			{
				SyncID:            "camp-dtc",
				Trigger:           campaign.TriggerConditionBased,
				Tree:              gtNode(sigID, 0),
				Mode:              campaign.TriggerRisingEdge,
				IncludeActiveDTCs: true,
				SignalRequirements: []campaign.SignalRequirement{
					{SignalID: sigID, SampleBufferSize: 4},
				},
			},
		},
	}
	eng, p, _, _, out := newTestEngine(t, matrix)
	eng.SetDTCProvider(&fakeDTCProvider{codes: []string{"P0133", "P0420"}})

	p.Publish(signal.Sample{ID: sigID, TimestampMs: 1, Value: signal.Number(5)})
	eng.Tick()

	select {
	case td := <-out:
		if len(td.ActiveDTCs) != 2 || td.ActiveDTCs[0] != "P0133" || td.ActiveDTCs[1] != "P0420" {
			t.Fatalf("ActiveDTCs = %v, want [P0133 P0420]", td.ActiveDTCs)
		}
	default:
		t.Fatal("expected a fire carrying active DTCs")
	}
}

func TestActiveDTCsOmittedWhenCampaignDoesNotAsk(t *testing.T) {
	sigID := signal.ID(6)
	matrix := &campaign.Matrix{
		Campaigns: []campaign.ActiveCampaign{
			{
				SyncID:  "camp-no-dtc",
				Trigger: campaign.TriggerConditionBased,
				Tree:    gtNode(sigID, 0),
				Mode:    campaign.TriggerRisingEdge,
				SignalRequirements: []campaign.SignalRequirement{
					{SignalID: sigID, SampleBufferSize: 4},
				},
			},
		},
	}
	eng, p, _, _, out := newTestEngine(t, matrix)
	eng.SetDTCProvider(&fakeDTCProvider{codes: []string{"P0133"}})

	p.Publish(signal.Sample{ID: sigID, TimestampMs: 1, Value: signal.Number(5)})
	eng.Tick()

	select {
	case td := <-out:
		if td.ActiveDTCs != nil {
			t.Fatalf("ActiveDTCs = %v, want nil for a campaign without include_active_dtcs", td.ActiveDTCs)
		}
	default:
		t.Fatal("expected a fire")
	}
}

func TestRawHandleBorrowedIntoTriggeredData(t *testing.T) {
	sigID := signal.ID(4)
	matrix := &campaign.Matrix{
		Campaigns: []campaign.ActiveCampaign{
			{
				SyncID:  "camp-raw",
				Trigger: campaign.TriggerConditionBased,
				Tree:    gtNode(sigID, 0),
				Mode:    campaign.TriggerRisingEdge,
				SignalRequirements: []campaign.SignalRequirement{
					{SignalID: sigID, SampleBufferSize: 4},
				},
			},
		},
	}
	eng, p, _, raw, out := newTestEngine(t, matrix)
	raw.Configure(sigID, rawbuffer.Quota{MaxBytes: 1 << 20, MaxSamples: 10, MaxBytesPerSample: 1 << 20})

	handle, err := raw.Store(sigID, []byte("payload"))
	if err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}

	p.Publish(signal.Sample{ID: sigID, TimestampMs: 1, Value: signal.Number(5), RawHandle: handle})
	eng.Tick()

	select {
	case td := <-out:
		if len(td.RawRefs) != 1 {
			t.Fatalf("expected one borrowed raw ref, got %d", len(td.RawRefs))
		}
		if string(td.RawRefs[0].Frame.Bytes) != "payload" {
			t.Fatalf("unexpected raw payload: %q", td.RawRefs[0].Frame.Bytes)
		}
		td.RawRefs[0].Release(raw)
	default:
		t.Fatal("expected a fire carrying the raw handle")
	}
}
