package registry

import (
	"fmt"
	"strconv"
)

// Query field names accepted from clients.
const (
	FieldHome         = "home"
	FieldInstanceID   = "instance_id"
	FieldGroupName    = "group_name"
	FieldInstanceName = "instance_name"
)

// Query is one (field, value) pair from a client-supplied query list.
type Query struct {
	Field string
	Value string
}

// Filter selects groups or instances. Unset fields match everything;
// set fields are AND-combined and compared case-sensitively.
type Filter struct {
	Home         string
	ID           *uint32
	GroupName    string
	InstanceName string
}

// FilterFromQueries builds a Filter from a client query list. Unknown
// field names fail with ErrInvalid.
func FilterFromQueries(queries []Query) (Filter, error) {
	var filter Filter
	for _, query := range queries {
		switch query.Field {
		case FieldHome:
			filter.Home = query.Value
		case FieldInstanceID:
			id, err := strconv.ParseUint(query.Value, 10, 32)
			if err != nil {
				return Filter{}, fmt.Errorf("id is not a number: %q: %w", query.Value, ErrInvalid)
			}
			id32 := uint32(id)
			filter.ID = &id32
		case FieldGroupName:
			filter.GroupName = query.Value
		case FieldInstanceName:
			filter.InstanceName = query.Value
		default:
			return Filter{}, fmt.Errorf("unrecognized field name %q: %w", query.Field, ErrInvalid)
		}
	}
	return filter, nil
}

// findGroups filters the groups of data. A group matches iff every set
// filter field matches; id and instance-name match when at least one of
// the group's instances carries them.
func findGroups(data *Data, filter Filter) []Group {
	var ret []Group
	for _, group := range data.Groups {
		if filter.Home != "" && filter.Home != group.HomeDir {
			continue
		}
		if filter.GroupName != "" && filter.GroupName != group.Name {
			continue
		}
		if filter.ID != nil && len(group.FindByID(*filter.ID)) == 0 {
			continue
		}
		if filter.InstanceName != "" && len(group.FindByInstanceName(filter.InstanceName)) == 0 {
			continue
		}
		ret = append(ret, copyGroup(group))
	}
	return ret
}

// FoundInstance is an instance together with the group context it was
// found in. Instances hold no back-pointer to their group, so queries
// reconstruct it here.
type FoundInstance struct {
	Instance Instance
	Group    Group
}

// findInstances filters the instances of data. The enclosing group must
// satisfy any set group-name/home field, and the instance itself any set
// id/instance-name field.
func findInstances(data *Data, filter Filter) []FoundInstance {
	var ret []FoundInstance
	for _, group := range data.Groups {
		if filter.GroupName != "" && filter.GroupName != group.Name {
			continue
		}
		if filter.Home != "" && filter.Home != group.HomeDir {
			continue
		}
		for _, instance := range group.Instances {
			if filter.ID != nil && *filter.ID != instance.ID {
				continue
			}
			if filter.InstanceName != "" && filter.InstanceName != instance.Name {
				continue
			}
			ret = append(ret, FoundInstance{Instance: instance, Group: copyGroup(group)})
		}
	}
	return ret
}
