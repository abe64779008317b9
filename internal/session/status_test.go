package session

import (
	"encoding/json"
	"testing"
)

func TestStatusCanonicalRoundTrip(t *testing.T) {
	all := []Status{Connecting, QRReady, Connected, Disconnected, LoggedOut, Failed}
	for _, s := range all {
		got, ok := FromCanonical(s.Canonical())
		if !ok || got != s {
			t.Errorf("FromCanonical(%q) = %v, %v; want %v", s.Canonical(), got, ok, s)
		}
	}

	if _, ok := FromCanonical("NOT_A_STATUS"); ok {
		t.Error("FromCanonical should reject unknown values")
	}
}

func TestStatusIsTerminal(t *testing.T) {
	if !LoggedOut.IsTerminal() {
		t.Error("LoggedOut should be terminal")
	}
	if !Failed.IsTerminal() {
		t.Error("Failed should be terminal")
	}
	for _, s := range []Status{Connecting, QRReady, Connected, Disconnected} {
		if s.IsTerminal() {
			t.Errorf("%v should not be terminal", s)
		}
	}
}

func TestStatusJSON(t *testing.T) {
	data, err := json.Marshal(QRReady)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `"qr_ready"` {
		t.Errorf("Marshal(QRReady) = %s, want \"qr_ready\"", data)
	}

	var s Status
	if err := json.Unmarshal([]byte(`"failed"`), &s); err != nil {
		t.Fatal(err)
	}
	if s != Failed {
		t.Errorf("Unmarshal(failed) = %v, want Failed", s)
	}
}
