package registry

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// newTestRegistry builds a registry over a store in a temp dir and
// returns a valid host-artifacts path to use in specs.
func newTestRegistry(t *testing.T) (*Registry, string, string) {
	t.Helper()
	tmpDir := t.TempDir()
	store, err := NewStore(filepath.Join(tmpDir, "registry.bin"))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	artifacts := filepath.Join(tmpDir, "artifacts")
	if err := os.MkdirAll(filepath.Join(artifacts, "bin"), 0755); err != nil {
		t.Fatalf("create artifacts dir: %v", err)
	}
	return NewRegistry(Config{Store: store}), tmpDir, artifacts
}

func validSpec(tmpDir, artifacts string) GroupSpec {
	return GroupSpec{
		Name:              "cvd",
		HomeDir:           filepath.Join(tmpDir, "home"),
		HostArtifactsPath: artifacts,
		ProductOutPath:    artifacts,
		Instances:         []Instance{{ID: 1, Name: "1"}},
	}
}

func TestAddGroupAndList(t *testing.T) {
	r, tmpDir, artifacts := newTestRegistry(t)

	group, err := r.AddGroup(validSpec(tmpDir, artifacts))
	if err != nil {
		t.Fatalf("add group: %v", err)
	}
	if group.Name != "cvd" {
		t.Errorf("expected group name cvd, got %q", group.Name)
	}

	// The home directory must have been created
	if stat, err := os.Stat(group.HomeDir); err != nil || !stat.IsDir() {
		t.Errorf("home directory %s was not created", group.HomeDir)
	}

	groups, err := r.ListGroups()
	if err != nil {
		t.Fatalf("list groups: %v", err)
	}
	if len(groups) != 1 || groups[0].Name != "cvd" {
		t.Fatalf("expected one group cvd, got %+v", groups)
	}
}

func TestAddGroupValidation(t *testing.T) {
	r, tmpDir, artifacts := newTestRegistry(t)

	cases := []struct {
		name   string
		mutate func(*GroupSpec)
	}{
		{"ill-formed group name", func(s *GroupSpec) { s.Name = "2bad" }},
		{"relative home", func(s *GroupSpec) { s.HomeDir = "relative/home" }},
		{"missing toolkit", func(s *GroupSpec) { s.HostArtifactsPath = filepath.Join(tmpDir, "nowhere") }},
		{"no instances", func(s *GroupSpec) { s.Instances = nil }},
		{"bad instance name", func(s *GroupSpec) { s.Instances = []Instance{{ID: 1, Name: "no good"}} }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			spec := validSpec(tmpDir, artifacts)
			tc.mutate(&spec)
			if _, err := r.AddGroup(spec); !errors.Is(err, ErrInvalid) {
				t.Errorf("expected ErrInvalid, got %v", err)
			}
		})
	}

	// None of the failures may have touched the registry
	empty, err := r.IsEmpty()
	if err != nil {
		t.Fatalf("is empty: %v", err)
	}
	if !empty {
		t.Error("registry mutated by failed AddGroup")
	}
}

func TestAddGroupConflicts(t *testing.T) {
	r, tmpDir, artifacts := newTestRegistry(t)

	if _, err := r.AddGroup(validSpec(tmpDir, artifacts)); err != nil {
		t.Fatalf("add first group: %v", err)
	}

	// Same home directory, different name
	sameHome := validSpec(tmpDir, artifacts)
	sameHome.Name = "other"
	if _, err := r.AddGroup(sameHome); !errors.Is(err, ErrConflict) {
		t.Errorf("same home: expected ErrConflict, got %v", err)
	}

	// Different home, colliding instance id
	sameID := validSpec(tmpDir, artifacts)
	sameID.Name = "other"
	sameID.HomeDir = filepath.Join(tmpDir, "home2")
	if _, err := r.AddGroup(sameID); !errors.Is(err, ErrConflict) {
		t.Errorf("same id: expected ErrConflict, got %v", err)
	}

	// Duplicate id within one spec
	dup := validSpec(tmpDir, artifacts)
	dup.Name = "dup"
	dup.HomeDir = filepath.Join(tmpDir, "home3")
	dup.Instances = []Instance{{ID: 7, Name: "a"}, {ID: 7, Name: "b"}}
	if _, err := r.AddGroup(dup); !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate id in spec: expected ErrConflict, got %v", err)
	}
}

func TestRemoveGroup(t *testing.T) {
	r, tmpDir, artifacts := newTestRegistry(t)

	if _, err := r.AddGroup(validSpec(tmpDir, artifacts)); err != nil {
		t.Fatalf("add group: %v", err)
	}

	removed, err := r.RemoveGroup("cvd")
	if err != nil {
		t.Fatalf("remove group: %v", err)
	}
	if !removed {
		t.Error("expected group to be removed")
	}

	removed, err = r.RemoveGroup("cvd")
	if err != nil {
		t.Fatalf("remove group again: %v", err)
	}
	if removed {
		t.Error("expected second removal to report false")
	}
}

func TestClear(t *testing.T) {
	r, tmpDir, artifacts := newTestRegistry(t)

	spec := validSpec(tmpDir, artifacts)
	if _, err := r.AddGroup(spec); err != nil {
		t.Fatalf("add group: %v", err)
	}
	second := validSpec(tmpDir, artifacts)
	second.Name = "second"
	second.HomeDir = filepath.Join(tmpDir, "home2")
	second.Instances = []Instance{{ID: 2, Name: "2"}}
	if _, err := r.AddGroup(second); err != nil {
		t.Fatalf("add second group: %v", err)
	}

	cleared, err := r.Clear()
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if len(cleared) != 2 {
		t.Fatalf("expected 2 cleared groups, got %d", len(cleared))
	}

	empty, err := r.IsEmpty()
	if err != nil {
		t.Fatalf("is empty: %v", err)
	}
	if !empty {
		t.Error("registry not empty after clear")
	}
}

func TestLoadFromJSON(t *testing.T) {
	r, tmpDir, _ := newTestRegistry(t)

	blob := []byte(`{"Groups": [{
		"group_name": "imported",
		"home_directory": "` + filepath.Join(tmpDir, "imported-home") + `",
		"host_artifacts_path": "/opt/toolkit",
		"instances": [{"instance_id": 9, "name": "phone"}]
	}]}`)
	if err := r.LoadFromJSON(blob); err != nil {
		t.Fatalf("load from JSON: %v", err)
	}

	found, err := r.FindInstances(Filter{InstanceName: "phone"})
	if err != nil {
		t.Fatalf("find instances: %v", err)
	}
	if len(found) != 1 || found[0].Instance.ID != 9 || found[0].Group.Name != "imported" {
		t.Fatalf("unexpected instances: %+v", found)
	}
}

func TestLoadFromJSONRejectsBadBlobs(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	cases := []struct {
		name string
		blob string
	}{
		{"not json", "{"},
		{"missing key", `{"NotGroups": []}`},
		{"invalid group", `{"Groups": [{"group_name": "bad name", "home_directory": "/h", "instances": [{"instance_id": 1, "name": "1"}]}]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := r.LoadFromJSON([]byte(tc.blob)); !errors.Is(err, ErrInvalid) {
				t.Errorf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestLoadFromJSONAllOrNothing(t *testing.T) {
	r, tmpDir, artifacts := newTestRegistry(t)
	if _, err := r.AddGroup(validSpec(tmpDir, artifacts)); err != nil {
		t.Fatalf("add group: %v", err)
	}

	// Second imported group collides with the live one; neither import
	// may land.
	blob := []byte(`{"Groups": [
		{"group_name": "fresh", "home_directory": "` + filepath.Join(tmpDir, "fresh") + `",
		 "instances": [{"instance_id": 20, "name": "20"}]},
		{"group_name": "clash", "home_directory": "` + filepath.Join(tmpDir, "clash") + `",
		 "instances": [{"instance_id": 1, "name": "1"}]}
	]}`)
	if err := r.LoadFromJSON(blob); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	groups, err := r.ListGroups()
	if err != nil {
		t.Fatalf("list groups: %v", err)
	}
	if len(groups) != 1 {
		t.Fatalf("partial import landed: %+v", groups)
	}
}

func TestAcloudOptout(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	optout, err := r.GetAcloudOptout()
	if err != nil {
		t.Fatalf("get optout: %v", err)
	}
	if optout {
		t.Error("expected optout to default to false")
	}

	if err := r.SetAcloudOptout(true); err != nil {
		t.Fatalf("set optout: %v", err)
	}
	optout, err = r.GetAcloudOptout()
	if err != nil {
		t.Fatalf("get optout: %v", err)
	}
	if !optout {
		t.Error("optout flag did not persist")
	}
}
