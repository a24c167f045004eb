package ipc

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pptb-app/pptb/internal/eventbus"
	"github.com/pptb-app/pptb/internal/fault"
)

func TestDispatchUnknownRoute(t *testing.T) {
	r := NewRouter()
	resp := r.Dispatch(context.Background(), Caller{Zone: ZoneUI}, Request{ID: 7, Route: "nope:nothing"})
	if resp.ID != 7 {
		t.Fatalf("ID = %d", resp.ID)
	}
	if resp.Error == nil || resp.Error.Kind != fault.KindInvalidArgument {
		t.Fatalf("error = %+v, want invalid_argument", resp.Error)
	}
}

func TestDispatchRunsHandler(t *testing.T) {
	r := NewRouter()
	r.Register(RouteSettingsGet, func(ctx context.Context, call *Call) (any, error) {
		var args struct {
			Key string `json:"key"`
		}
		if err := call.Decode(&args); err != nil {
			return nil, err
		}
		return "value-of-" + args.Key, nil
	})

	resp := r.Dispatch(context.Background(), Caller{Zone: ZoneUI}, Request{
		ID: 1, Route: RouteSettingsGet, Args: json.RawMessage(`{"key":"theme"}`),
	})
	if resp.Error != nil {
		t.Fatalf("error: %+v", resp.Error)
	}
	if resp.Result != "value-of-theme" {
		t.Fatalf("result = %v", resp.Result)
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	r := NewRouter()
	r.Register(RouteFavoritesAdd, func(ctx context.Context, call *Call) (any, error) {
		var args struct {
			ToolID string `json:"toolId"`
		}
		if err := call.Decode(&args); err != nil {
			return nil, err
		}
		return nil, nil
	})

	resp := r.Dispatch(context.Background(), Caller{Zone: ZoneUI}, Request{
		ID: 2, Route: RouteFavoritesAdd, Args: json.RawMessage(`{"toolid_misspelt":"x"}`),
	})
	if resp.Error == nil || resp.Error.Kind != fault.KindInvalidArgument {
		t.Fatalf("error = %+v, want invalid_argument", resp.Error)
	}
}

func TestDispatchMapsPanicsToUnknown(t *testing.T) {
	r := NewRouter()
	r.Register(RouteSettingsSet, func(ctx context.Context, call *Call) (any, error) {
		panic("boom")
	})

	resp := r.Dispatch(context.Background(), Caller{Zone: ZoneUI}, Request{ID: 3, Route: RouteSettingsSet})
	if resp.Error == nil || resp.Error.Kind != fault.KindUnknown {
		t.Fatalf("error = %+v, want unknown", resp.Error)
	}
}

func TestDispatchSanitizesRawErrors(t *testing.T) {
	r := NewRouter()
	r.Register(RouteToolsGet, func(ctx context.Context, call *Call) (any, error) {
		return nil, context.DeadlineExceeded
	})

	resp := r.Dispatch(context.Background(), Caller{Zone: ZoneTool, InstanceID: "i1"}, Request{ID: 4, Route: RouteToolsGet})
	if resp.Error == nil || resp.Error.Kind != fault.KindUnknown {
		t.Fatalf("error = %+v, want unknown", resp.Error)
	}
}

func TestRegisterRejectsUndeclaredRoute(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for undeclared route")
		}
	}()
	NewRouter().Register("made:up", func(ctx context.Context, call *Call) (any, error) { return nil, nil })
}

func TestHistoryRingEvictsOldest(t *testing.T) {
	h := NewHistory(3)
	for i := 0; i < 5; i++ {
		h.Record(eventbus.Envelope{
			Topic:     eventbus.TopicToolbox,
			Source:    eventbus.SourceSupervisor,
			Timestamp: time.Unix(int64(i), 0),
			Payload:   i,
		})
	}

	got := h.Recent(0)
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].Payload != 2 || got[2].Payload != 4 {
		t.Fatalf("window = %v..%v, want 2..4", got[0].Payload, got[2].Payload)
	}

	limited := h.Recent(1)
	if len(limited) != 1 || limited[0].Payload != 4 {
		t.Fatalf("limited = %+v", limited)
	}
}
