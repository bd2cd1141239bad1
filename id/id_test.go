package id_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/helixchat/replica/id"
)

func TestNew_PrefixAndUniqueness(t *testing.T) {
	a := id.NewWorkerID()
	b := id.NewWorkerID()

	if a.Prefix() != id.PrefixWorker {
		t.Fatalf("expected prefix %q, got %q", id.PrefixWorker, a.Prefix())
	}
	if a.String() == b.String() {
		t.Fatalf("expected unique IDs, got %q twice", a.String())
	}
	if !strings.HasPrefix(a.String(), "wkr_") {
		t.Fatalf("expected wkr_ prefix in %q", a.String())
	}
}

func TestParse_RoundTrip(t *testing.T) {
	orig := id.NewCommandID()

	parsed, err := id.Parse(orig.String())
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if parsed.String() != orig.String() {
		t.Fatalf("round trip mismatch: %q != %q", parsed.String(), orig.String())
	}
}

func TestParse_Empty(t *testing.T) {
	if _, err := id.Parse(""); err == nil {
		t.Fatal("expected error for empty string")
	}
}

func TestParseWithPrefix_Mismatch(t *testing.T) {
	wkr := id.NewWorkerID()

	if _, err := id.ParseTaskID(wkr.String()); err == nil {
		t.Fatal("expected prefix mismatch error")
	}
}

func TestNil(t *testing.T) {
	if !id.Nil.IsNil() {
		t.Fatal("Nil should report IsNil")
	}
	if id.Nil.String() != "" {
		t.Fatalf("Nil should render empty, got %q", id.Nil.String())
	}
}

func TestJSONRoundTrip(t *testing.T) {
	orig := id.NewEventID()

	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded id.ID
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.String() != orig.String() {
		t.Fatalf("JSON round trip mismatch: %q != %q", decoded.String(), orig.String())
	}
}

func TestScan(t *testing.T) {
	orig := id.NewTaskID()

	var scanned id.ID
	if err := scanned.Scan(orig.String()); err != nil {
		t.Fatalf("scan string: %v", err)
	}
	if scanned.String() != orig.String() {
		t.Fatalf("scan mismatch: %q != %q", scanned.String(), orig.String())
	}

	var fromNil id.ID
	if err := fromNil.Scan(nil); err != nil {
		t.Fatalf("scan nil: %v", err)
	}
	if !fromNil.IsNil() {
		t.Fatal("scanning nil should yield Nil ID")
	}
}
