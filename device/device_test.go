package device

import (
	"testing"

	"github.com/aschepis/backscratcher/brain/brain"
)

func TestGenerateIDIsStable(t *testing.T) {
	a := GenerateID()
	b := GenerateID()
	if a == "" {
		t.Fatalf("empty id")
	}
	if a != b {
		t.Errorf("id not stable across calls: %q vs %q", a, b)
	}
}

func TestDetectTierIsKnown(t *testing.T) {
	tier := DetectTier()
	if _, err := brain.ParseTier(string(tier)); err != nil {
		t.Errorf("detected tier is not a valid tier: %v", err)
	}
	if tier == brain.TierUnknown {
		t.Errorf("detection should never report unknown")
	}
}

func TestDetectFillsAndPreserves(t *testing.T) {
	d := Detect("", "", "coding", "office")
	if d.DeviceID == "" || d.Hostname == "" {
		t.Errorf("detection left identity empty: %+v", d)
	}
	if d.Status != brain.StatusOnline || d.LastSeen.IsZero() {
		t.Errorf("detection left presence unset: %+v", d)
	}
	if d.Specialization != "coding" || d.Location != "office" {
		t.Errorf("explicit fields lost: %+v", d)
	}
	if err := d.Validate(); err != nil {
		t.Errorf("detected device fails validation: %v", err)
	}

	// Explicit id and tier win over detection.
	d = Detect("my-id", brain.TierCloud, "", "")
	if d.DeviceID != "my-id" || d.HardwareTier != brain.TierCloud {
		t.Errorf("explicit identity overridden: %+v", d)
	}
}

func TestSanitize(t *testing.T) {
	if got := sanitize("My MacBook.local"); got != "my-macbook-local" {
		t.Errorf("sanitize: got %q", got)
	}
	if got := sanitize("---"); got != "" {
		t.Errorf("sanitize should trim dashes, got %q", got)
	}
}
