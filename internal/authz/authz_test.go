package authz

import (
	"reflect"
	"testing"
)

func TestFromAbilities(t *testing.T) {
	cases := []struct {
		name      string
		abilities []string
		want      Capabilities
	}{
		{"root implies all", []string{"root"}, Capabilities{TeamID: "t", CanRead: true, CanWrite: true, CanDeploy: true, CanReadSensitive: true}},
		{"write implies read", []string{"write"}, Capabilities{TeamID: "t", CanRead: true, CanWrite: true}},
		{"read only", []string{"read"}, Capabilities{TeamID: "t", CanRead: true}},
		{"deploy does not imply read", []string{"deploy"}, Capabilities{TeamID: "t", CanDeploy: true}},
		{"sensitive", []string{"read", "read:sensitive"}, Capabilities{TeamID: "t", CanRead: true, CanReadSensitive: true}},
		{"unknown ignored", []string{"admin"}, Capabilities{TeamID: "t"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := FromAbilities("t", "", tc.abilities)
			if got != tc.want {
				t.Fatalf("expected %+v, got %+v", tc.want, got)
			}
		})
	}
}

func TestAllows(t *testing.T) {
	caps := FromAbilities("t", "", []string{"read", "deploy"})
	if !caps.Allows(AbilityDeploy) || !caps.Allows(AbilityRead) {
		t.Fatal("expected read and deploy to be allowed")
	}
	if caps.Allows(AbilityReadSensitive) || caps.Allows(AbilityWrite) || caps.Allows(AbilityRoot) {
		t.Fatal("expected sensitive, write and root to be denied")
	}
}

func TestNormalizeAbilities(t *testing.T) {
	valid, unknown := NormalizeAbilities([]string{"Read", "read", " deploy ", "sudo", ""})
	if !reflect.DeepEqual(valid, []string{"read", "deploy"}) {
		t.Fatalf("unexpected valid list %v", valid)
	}
	if !reflect.DeepEqual(unknown, []string{"sudo"}) {
		t.Fatalf("unexpected unknown list %v", unknown)
	}
}
