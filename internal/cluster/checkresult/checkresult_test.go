package checkresult

import (
	"testing"

	"github.com/Icinga/icinga2-sub010/internal/cluster/endpointmgr"
	"github.com/Icinga/icinga2-sub010/internal/message"
	"github.com/Icinga/icinga2-sub010/internal/transport"
)

type recordingSink struct {
	service string
	result  map[string]any
	calls   int
}

func (s *recordingSink) OnCheckResult(service string, result map[string]any) {
	s.service = service
	s.result = result
	s.calls++
}

func TestCheckResultHandlerForwardsToSink(t *testing.T) {
	sink := &recordingSink{}
	e := &Engine{sink: sink}

	req := message.NewRequest(MethodCheckResult)
	req.Set("service", "web")
	req.Set("check_result", map[string]any{"state": float64(0)})

	e.checkResultHandler(nil, req)

	if sink.calls != 1 {
		t.Fatalf("expected sink to be called once, got %d", sink.calls)
	}
	if sink.service != "web" {
		t.Errorf("expected service %q, got %q", "web", sink.service)
	}
}

func TestCheckResultHandlerDropsEchoOfOwnDelegation(t *testing.T) {
	sink := &recordingSink{}
	mgr := endpointmgr.New("me", transport.Dialer{})
	e := &Engine{sink: sink, mgr: mgr}

	req := message.NewRequest(MethodCheckResult)
	req.Set("service", "web")
	req.Set("check_result", map[string]any{"current_checker": "me"})

	e.checkResultHandler(nil, req)

	if sink.calls != 0 {
		t.Error("expected a check result naming this process as current_checker to be dropped as an echo")
	}
}

func TestCheckResultHandlerForwardsResultFromOtherChecker(t *testing.T) {
	sink := &recordingSink{}
	mgr := endpointmgr.New("me", transport.Dialer{})
	e := &Engine{sink: sink, mgr: mgr}

	req := message.NewRequest(MethodCheckResult)
	req.Set("service", "web")
	req.Set("check_result", map[string]any{"current_checker": "satellite1"})

	e.checkResultHandler(nil, req)

	if sink.calls != 1 {
		t.Error("expected a check result from a different checker to be forwarded")
	}
}

func TestCheckResultHandlerIgnoresMissingService(t *testing.T) {
	sink := &recordingSink{}
	e := &Engine{sink: sink}

	req := message.NewRequest(MethodCheckResult)
	req.Set("check_result", map[string]any{"state": float64(0)})

	e.checkResultHandler(nil, req)

	if sink.calls != 0 {
		t.Error("expected no sink call when service name is missing")
	}
}
