package registry

import (
	"errors"
	"testing"
)

func testData() *Data {
	return &Data{Groups: []Group{
		{
			Name:    "cvd",
			HomeDir: "/homes/cvd",
			Instances: []Instance{
				{ID: 1, Name: "phone"},
				{ID: 2, Name: "tablet"},
			},
		},
		{
			Name:    "bench",
			HomeDir: "/homes/bench",
			Instances: []Instance{
				{ID: 5, Name: "phone"},
			},
		},
	}}
}

func TestFilterFromQueries(t *testing.T) {
	filter, err := FilterFromQueries([]Query{
		{Field: FieldGroupName, Value: "cvd"},
		{Field: FieldInstanceID, Value: "2"},
	})
	if err != nil {
		t.Fatalf("build filter: %v", err)
	}
	if filter.GroupName != "cvd" {
		t.Errorf("group name: got %q", filter.GroupName)
	}
	if filter.ID == nil || *filter.ID != 2 {
		t.Errorf("id: got %v", filter.ID)
	}
}

func TestFilterFromQueriesRejectsBadInput(t *testing.T) {
	cases := []struct {
		name    string
		queries []Query
	}{
		{"unknown field", []Query{{Field: "hostname", Value: "x"}}},
		{"non-numeric id", []Query{{Field: FieldInstanceID, Value: "two"}}},
		{"negative id", []Query{{Field: FieldInstanceID, Value: "-1"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := FilterFromQueries(tc.queries); !errors.Is(err, ErrInvalid) {
				t.Errorf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestFindGroups(t *testing.T) {
	data := testData()

	all := findGroups(data, Filter{})
	if len(all) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(all))
	}

	id := uint32(5)
	byID := findGroups(data, Filter{ID: &id})
	if len(byID) != 1 || byID[0].Name != "bench" {
		t.Errorf("by id: got %+v", byID)
	}

	byName := findGroups(data, Filter{InstanceName: "phone"})
	if len(byName) != 2 {
		t.Errorf("instance name phone should match both groups, got %+v", byName)
	}

	// AND semantics across fields
	combined := findGroups(data, Filter{InstanceName: "phone", Home: "/homes/bench"})
	if len(combined) != 1 || combined[0].Name != "bench" {
		t.Errorf("combined filter: got %+v", combined)
	}

	none := findGroups(data, Filter{GroupName: "nope"})
	if len(none) != 0 {
		t.Errorf("expected no match, got %+v", none)
	}
}

func TestFindInstances(t *testing.T) {
	data := testData()

	phones := findInstances(data, Filter{InstanceName: "phone"})
	if len(phones) != 2 {
		t.Fatalf("expected 2 phones, got %+v", phones)
	}
	for _, found := range phones {
		if found.Group.Name == "" {
			t.Error("instance lost its group context")
		}
	}

	scoped := findInstances(data, Filter{InstanceName: "phone", GroupName: "cvd"})
	if len(scoped) != 1 || scoped[0].Instance.ID != 1 {
		t.Errorf("scoped filter: got %+v", scoped)
	}
}

func TestFoundGroupsAreCopies(t *testing.T) {
	data := testData()
	groups := findGroups(data, Filter{GroupName: "cvd"})
	groups[0].Instances[0].Name = "mutated"
	if data.Groups[0].Instances[0].Name != "phone" {
		t.Error("query result aliases registry state")
	}
}
