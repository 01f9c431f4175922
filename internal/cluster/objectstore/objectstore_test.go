package objectstore

import (
	"testing"

	"github.com/go-test/deep"
	prommetrics "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Icinga/icinga2-sub010/internal/metrics"
)

func TestApplyUpdateMergesAndDeletesNulls(t *testing.T) {
	s := New()
	obj, created := s.Register(Key{Type: "Service", Name: "web"}, "satellite1", false, nil)
	if !created {
		t.Fatal("expected object to be newly created")
	}
	obj.Set("check_interval", Config, 60, 1)
	obj.Set("notes", Config, "flaky", 1)

	obj.ApplyUpdate(Update{"check_interval": 30, "notes": nil}, 2)

	got := obj.BuildUpdate(0, Config|Replicated)
	want := Update{"check_interval": float64(30)}
	if diff := deep.Equal(got, want); diff != nil {
		t.Errorf("BuildUpdate after merge: %v", diff)
	}
	if _, ok := obj.Get("notes"); ok {
		t.Error("expected notes attribute to be deleted by null patch value")
	}
}

func TestApplyUpdateReclassifiesMergedAttributesAsReplicated(t *testing.T) {
	s := New()
	obj, _ := s.Register(Key{Type: "Service", Name: "web"}, "satellite1", false, nil)
	obj.Set("check_interval", Config, 60, 1)

	obj.ApplyUpdate(Update{"check_interval": 90}, 2)

	u := obj.BuildUpdate(0, Replicated)
	if _, ok := u["check_interval"]; !ok {
		t.Error("expected check_interval to be reclassified Replicated after ApplyUpdate")
	}
}

func TestRegisterIsIdempotent(t *testing.T) {
	s := New()
	key := Key{Type: "Host", Name: "n1"}
	first, created1 := s.Register(key, "", false, nil)
	second, created2 := s.Register(key, "", false, nil)
	if !created1 || created2 {
		t.Fatalf("expected only the first Register to report created, got %v %v", created1, created2)
	}
	if first != second {
		t.Error("expected Register to return the existing object on the second call")
	}
}

func TestUnregisterFiresHookOnlyForNonLocalObjects(t *testing.T) {
	s := New()
	var unregistered []Key
	s.OnObjectUnregistered(func(o *Object) { unregistered = append(unregistered, o.Key) })

	localKey := Key{Type: "Host", Name: "local1"}
	s.Register(localKey, "", true, nil)
	remoteKey := Key{Type: "Host", Name: "remote1"}
	s.Register(remoteKey, "satellite1", false, nil)

	s.Unregister(localKey)
	s.Unregister(remoteKey)

	if diff := deep.Equal(unregistered, []Key{remoteKey}); diff != nil {
		t.Errorf("unregistered hook firings: %v", diff)
	}
}

func TestRegisterAndUnregisterTrackObjectsByTypeGauge(t *testing.T) {
	s := New()
	key := Key{Type: "Zone", Name: "z1"}

	before := prommetrics.ToFloat64(metrics.ObjectsByType.WithLabelValues("Zone"))
	s.Register(key, "satellite1", false, nil)
	if got := prommetrics.ToFloat64(metrics.ObjectsByType.WithLabelValues("Zone")); got != before+1 {
		t.Errorf("expected ObjectsByType{Zone} to increment on Register, got %v (was %v)", got, before)
	}

	s.Unregister(key)
	if got := prommetrics.ToFloat64(metrics.ObjectsByType.WithLabelValues("Zone")); got != before {
		t.Errorf("expected ObjectsByType{Zone} to decrement on Unregister, got %v (want %v)", got, before)
	}
}

func TestCloseTransactionFiresEveryRegisteredHook(t *testing.T) {
	s := New()
	var got []uint64
	s.OnTransactionClosing(func(tx uint64, modified []Key) { got = append(got, tx) })
	s.OnTransactionClosing(func(tx uint64, modified []Key) { got = append(got, tx*10) })

	s.CloseTransaction(3, []Key{{Type: "Host", Name: "n1"}})

	if diff := deep.Equal(got, []uint64{3, 30}); diff != nil {
		t.Errorf("hook firing order/values: %v", diff)
	}
}
