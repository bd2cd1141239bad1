package worker_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/helixchat/replica/worker"
)

func TestDispatchRoutesToHandler(t *testing.T) {
	d := worker.NewDispatcher(slog.New(slog.DiscardHandler))

	var got worker.Command
	err := d.Handle(worker.CommandReloadConfig, func(_ context.Context, cmd worker.Command) error {
		got = cmd
		return nil
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	cmd := worker.Command{CommandType: "reload_config", TargetWorkerID: "frontend-1"}
	if err := d.Dispatch(context.Background(), cmd); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if got.TargetWorkerID != "frontend-1" {
		t.Fatalf("handler saw %+v", got)
	}
}

func TestDispatchRejectsUnknownType(t *testing.T) {
	d := worker.NewDispatcher(nil)

	if err := d.Handle(worker.CommandType("frobnicate"), nil); !errors.Is(err, worker.ErrUnknownCommandType) {
		t.Fatalf("Handle err = %v, want ErrUnknownCommandType", err)
	}

	err := d.Dispatch(context.Background(), worker.Command{CommandType: "frobnicate"})
	if !errors.Is(err, worker.ErrUnknownCommandType) {
		t.Fatalf("Dispatch err = %v, want ErrUnknownCommandType", err)
	}
}

func TestDispatchNoHandler(t *testing.T) {
	d := worker.NewDispatcher(nil)

	err := d.Dispatch(context.Background(), worker.Command{CommandType: "shutdown"})
	if !errors.Is(err, worker.ErrNoHandler) {
		t.Fatalf("err = %v, want ErrNoHandler", err)
	}
}

func TestDispatchMiddlewareOrder(t *testing.T) {
	d := worker.NewDispatcher(slog.New(slog.DiscardHandler))

	var order []string
	mw := func(name string) worker.Middleware {
		return func(next worker.Handler) worker.Handler {
			return func(ctx context.Context, cmd worker.Command) error {
				order = append(order, name)
				return next(ctx, cmd)
			}
		}
	}
	d.Use(mw("outer"), mw("inner"))

	if err := d.Handle(worker.CommandPingWorker, func(context.Context, worker.Command) error {
		order = append(order, "handler")
		return nil
	}); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if err := d.Dispatch(context.Background(), worker.Command{CommandType: "ping"}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(order) != 3 || order[0] != "outer" || order[1] != "inner" || order[2] != "handler" {
		t.Fatalf("order = %v", order)
	}
}

func TestParseTaskType(t *testing.T) {
	if _, err := worker.ParseTaskType("federation_send"); err != nil {
		t.Fatalf("ParseTaskType: %v", err)
	}
	if _, err := worker.ParseTaskType("laundry"); !errors.Is(err, worker.ErrUnknownTaskType) {
		t.Fatalf("err = %v, want ErrUnknownTaskType", err)
	}
}

func TestCapabilitiesMatrix(t *testing.T) {
	cases := []struct {
		workerType worker.Type
		http       bool
		federation bool
		persist    bool
		maxReq     int
	}{
		{worker.TypeMaster, true, true, true, 10000},
		{worker.TypeFrontend, true, false, false, 5000},
		{worker.TypeSynchrotron, true, false, false, 3000},
		{worker.TypeEventPersister, false, false, true, 1000},
		{worker.TypeFederationSender, false, true, false, 2000},
		{worker.TypePusher, false, false, false, 500},
		{worker.TypeBackground, false, false, false, 100},
	}
	for _, tc := range cases {
		caps := worker.CapabilitiesFor(tc.workerType)
		if caps.CanHandleHTTP != tc.http || caps.CanHandleFederation != tc.federation ||
			caps.CanPersistEvents != tc.persist || caps.MaxConcurrentRequests != tc.maxReq {
			t.Errorf("%s capabilities = %+v", tc.workerType, caps)
		}
	}
}
