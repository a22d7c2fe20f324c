package models

import "testing"

func TestDisplayNameVariants(t *testing.T) {
	cases := []struct {
		in   DeviceDescriptor
		want string
	}{
		{DeviceDescriptor{Name: "Ana", Model: "Pixel 8"}, "Ana's Pixel 8"},
		{DeviceDescriptor{Name: "Ana", Platform: "android"}, "Ana's android"},
		{DeviceDescriptor{Name: "Ana"}, "Ana's Device"},
		{DeviceDescriptor{Model: "iPhone 15"}, "iPhone 15"},
		{DeviceDescriptor{}, "Unknown Device"},
	}
	for _, tc := range cases {
		if got := tc.in.DisplayName(); got != tc.want {
			t.Fatalf("DisplayName(%+v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestKeyJoinsAddressAndPort(t *testing.T) {
	d := DeviceDescriptor{Address: "192.168.1.20", Port: 41234}
	if d.Key() != "192.168.1.20:41234" {
		t.Fatalf("unexpected key %q", d.Key())
	}
	if (DeviceDescriptor{}).Key() != "" {
		t.Fatalf("expected empty key for descriptor without endpoint")
	}
}

func TestSoundEventValidate(t *testing.T) {
	if err := (SoundEvent{SoundType: "Glass breaking", Confidence: 0.9}).Validate(); err != nil {
		t.Fatalf("expected valid event, got %v", err)
	}
	if err := (SoundEvent{SoundType: "x", Confidence: 1.2}).Validate(); err == nil {
		t.Fatalf("expected confidence error")
	}
	if err := (SoundEvent{Confidence: 0.5}).Validate(); err == nil {
		t.Fatalf("expected sound type error")
	}
}
