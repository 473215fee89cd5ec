package keys

import (
	"errors"
	"math"
	"sort"
	"testing"
)

func TestEncodeHandle(t *testing.T) {
	tests := []struct {
		name     string
		value    int64
		expected string
		wantErr  bool
	}{
		{"zero", 0, "00000000000000000000", false},
		{"seven", 7, "00000000000000000007", false},
		{"max_int64", math.MaxInt64, "09223372036854775807", false},
		{"negative", -1, "", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result, err := EncodeHandle(tc.value)
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidHandle) {
					t.Errorf("EncodeHandle(%d) expected ErrInvalidHandle, got %v", tc.value, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("EncodeHandle(%d) unexpected error: %v", tc.value, err)
			}
			if result != tc.expected {
				t.Errorf("EncodeHandle(%d) = %q, want %q", tc.value, result, tc.expected)
			}
			back, err := DecodeHandle(result)
			if err != nil || back != tc.value {
				t.Errorf("DecodeHandle(%q) = %d, %v", result, back, err)
			}
		})
	}
}

func TestHandleOrdering(t *testing.T) {
	handles := []int64{100, 7, 12, 1 << 40, 0}
	encoded := make([]string, len(handles))
	for i, h := range handles {
		encoded[i], _ = EncodeHandle(h)
	}
	sort.Strings(encoded)

	want := []int64{0, 7, 12, 100, 1 << 40}
	for i, s := range encoded {
		got, _ := DecodeHandle(s)
		if got != want[i] {
			t.Errorf("position %d: got %d, want %d", i, got, want[i])
		}
	}
}

func TestServerKeys(t *testing.T) {
	key := ServerKeyPath("abc-123")
	if key != "/zonegrid/v1/servers/abc-123" {
		t.Errorf("unexpected key %q", key)
	}
	id, err := ParseServerKey(key)
	if err != nil || id != "abc-123" {
		t.Errorf("ParseServerKey(%q) = %q, %v", key, id, err)
	}

	for _, bad := range []string{"/zonegrid/v1/servers/", "/zonegrid/v1/servers/a/b", "/other/a"} {
		if _, err := ParseServerKey(bad); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("ParseServerKey(%q) expected ErrInvalidKey, got %v", bad, err)
		}
	}
}

func TestInstanceKeys(t *testing.T) {
	key, err := InstanceKeyPath("w1", "Forest", "srv", 7)
	if err != nil {
		t.Fatalf("InstanceKeyPath failed: %v", err)
	}
	if key != "/zonegrid/v1/instances/w1/Forest/srv/00000000000000000007" {
		t.Errorf("unexpected key %q", key)
	}

	parsed, err := ParseInstanceKey(key)
	if err != nil {
		t.Fatalf("ParseInstanceKey failed: %v", err)
	}
	want := InstanceKey{WorldID: "w1", SceneName: "Forest", ServerID: "srv", Handle: 7}
	if parsed != want {
		t.Errorf("ParseInstanceKey = %+v, want %+v", parsed, want)
	}

	if _, err := InstanceKeyPath("w1", "Forest", "srv", -3); !errors.Is(err, ErrInvalidHandle) {
		t.Errorf("expected ErrInvalidHandle, got %v", err)
	}

	if got := SceneInstancesPrefix("w1", "Forest"); got != "/zonegrid/v1/instances/w1/Forest/" {
		t.Errorf("unexpected scene prefix %q", got)
	}

	bad := []string{
		"/zonegrid/v1/instances/w1/Forest/srv",
		"/zonegrid/v1/instances/w1//srv/00000000000000000007",
		"/zonegrid/v1/instances/w1/Forest/srv/notanumber",
		"/zonegrid/v1/requests/w1/Forest",
	}
	for _, k := range bad {
		if _, err := ParseInstanceKey(k); err == nil {
			t.Errorf("ParseInstanceKey(%q) expected error", k)
		}
	}
}

func TestScenePrefixDoesNotMatchSibling(t *testing.T) {
	forest, _ := InstanceKeyPath("w1", "Forest", "s", 1)
	forestDeep, _ := InstanceKeyPath("w1", "ForestDeep", "s", 1)

	prefix := SceneInstancesPrefix("w1", "Forest")
	if len(forest) < len(prefix) || forest[:len(prefix)] != prefix {
		t.Errorf("%q should be under %q", forest, prefix)
	}
	if forestDeep[:len(prefix)] == prefix {
		t.Errorf("%q must not be under %q", forestDeep, prefix)
	}
}

func TestRequestKeys(t *testing.T) {
	key := RequestKeyPath("w1", "Forest")
	if key != "/zonegrid/v1/requests/w1/Forest" {
		t.Errorf("unexpected key %q", key)
	}
	w, s, err := ParseRequestKey(key)
	if err != nil || w != "w1" || s != "Forest" {
		t.Errorf("ParseRequestKey(%q) = %q, %q, %v", key, w, s, err)
	}
	if _, _, err := ParseRequestKey("/zonegrid/v1/requests/w1"); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}
}

func TestCharacterSceneKeys(t *testing.T) {
	key := CharacterSceneKeyPath(42)
	if key != "/zonegrid/v1/characters/42/scene" {
		t.Errorf("unexpected key %q", key)
	}
	id, err := ParseCharacterSceneKey(key)
	if err != nil || id != 42 {
		t.Errorf("ParseCharacterSceneKey(%q) = %d, %v", key, id, err)
	}
	if _, err := ParseCharacterSceneKey("/zonegrid/v1/characters/x/scene"); err == nil {
		t.Error("expected error for non-numeric id")
	}
}

func TestValidateComponent(t *testing.T) {
	if err := ValidateComponent("Forest"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	for _, bad := range []string{"", "a/b", "tab\there", "nul\x00"} {
		if err := ValidateComponent(bad); !errors.Is(err, ErrInvalidComponent) {
			t.Errorf("ValidateComponent(%q) expected ErrInvalidComponent, got %v", bad, err)
		}
	}
}

func TestLeaseKeyPath(t *testing.T) {
	if got := LeaseKeyPath(ReaperLease); got != "/zonegrid/v1/leases/reaper" {
		t.Errorf("unexpected lease key %q", got)
	}
}
