package device

import (
	"context"
	"testing"
	"time"
)

func TestScanner_HandleDiscardsNonPrinterInterface(t *testing.T) {
	t.Parallel()

	s := NewScanner(4)
	s.Handle(RawEvent{Kind: RawAdd, SysfsPath: "/x", InterfaceClass: 0x08, InterfaceSubClass: 0x01, IEEE1284ID: "MFG:Acme;MDL:Y;"})

	select {
	case ev := <-s.Out:
		t.Fatalf("unexpected event for non-printer interface: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
	if len(s.Devices()) != 0 {
		t.Error("expected no devices tracked")
	}
}

func TestScanner_HandleAddEmitsParsedDevice(t *testing.T) {
	t.Parallel()

	s := NewScanner(4)
	s.Handle(RawEvent{
		Kind: RawAdd, SysfsPath: "/sys/dev/1",
		InterfaceClass: InterfaceClassPrinter, InterfaceSubClass: InterfaceSubClassPrinter,
		IEEE1284ID: "MFG:Hewlett-Packard;MDL:LaserJet 4;SN:ABC123;",
	})

	select {
	case ev := <-s.Out:
		if ev.Kind != Added {
			t.Fatalf("Kind = %v, want Added", ev.Kind)
		}
		if ev.Device.URI != "usb://HP/LaserJet%204?serial=ABC123" {
			t.Errorf("URI = %q", ev.Device.URI)
		}
	case <-time.After(time.Second):
		t.Fatal("no event emitted")
	}

	if len(s.Devices()) != 1 {
		t.Errorf("Devices() = %v, want 1 entry", s.Devices())
	}
}

func TestScanner_RemoveRoutesToTrackedDevice(t *testing.T) {
	t.Parallel()

	s := NewScanner(4)
	s.Handle(RawEvent{
		Kind: RawAdd, SysfsPath: "/sys/dev/2",
		InterfaceClass: InterfaceClassPrinter, InterfaceSubClass: InterfaceSubClassPrinter,
		IEEE1284ID: "MFG:Generic;MDL:P;",
	})
	<-s.Out // drain the add event

	s.Handle(RawEvent{Kind: RawRemove, SysfsPath: "/sys/dev/2"})

	select {
	case ev := <-s.Out:
		if ev.Kind != Removed || ev.SysfsPath != "/sys/dev/2" {
			t.Errorf("got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no remove event emitted")
	}
	if len(s.Devices()) != 0 {
		t.Error("expected device to be untracked after remove")
	}
}

func TestScanner_RemoveOfUnknownDeviceIsSilentlyIgnored(t *testing.T) {
	t.Parallel()

	s := NewScanner(4)
	s.Handle(RawEvent{Kind: RawRemove, SysfsPath: "/never/added"})

	select {
	case ev := <-s.Out:
		t.Fatalf("unexpected event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestScanner_RunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	s := NewScanner(1)
	raw := make(chan RawEvent)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		s.Run(ctx, raw)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancel")
	}

	// Out should be closed.
	if _, ok := <-s.Out; ok {
		t.Error("expected Out to be closed")
	}
}
