package routing

import (
	"testing"

	"github.com/kestrelmesh/kestrel/capability"
	"github.com/kestrelmesh/kestrel/meshid"
)

func TestPredictNoDataReturnsNil(t *testing.T) {
	p := NewPredictor()
	if got := p.Predict(meshid.NewDeviceId(), []capability.ChannelKind{capability.LocalP2P}); got != nil {
		t.Fatalf("expected nil, got %v", *got)
	}
}

func TestPredictPrefersHigherSuccessRate(t *testing.T) {
	p := NewPredictor()
	peer := meshid.NewDeviceId()
	rtt := uint32(20)

	for i := 0; i < 5; i++ {
		p.Record(peer, capability.LocalP2P, true, &rtt)
		p.Record(peer, capability.NearRadio, false, &rtt)
	}

	got := p.Predict(peer, []capability.ChannelKind{capability.LocalP2P, capability.NearRadio})
	if got == nil || *got != capability.LocalP2P {
		t.Fatalf("expected LocalP2P, got %v", got)
	}
}

func TestPredictRestrictsToAvailableKinds(t *testing.T) {
	p := NewPredictor()
	peer := meshid.NewDeviceId()
	rtt := uint32(5)
	for i := 0; i < 12; i++ {
		p.Record(peer, capability.LocalP2P, true, &rtt)
	}

	if got := p.Predict(peer, []capability.ChannelKind{capability.NearRadio}); got == nil {
		// No data for NearRadio still yields a result (default score 0.5).
		t.Fatal("expected a fallback prediction restricted to available kinds")
	} else if *got != capability.NearRadio {
		t.Fatalf("expected NearRadio (only available kind), got %v", *got)
	}
}
