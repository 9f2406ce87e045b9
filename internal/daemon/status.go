package daemon

import (
	"encoding/json"
	"net"
	"sync"

	"cvdd/internal/registry"
	"cvdd/pkg/protocol"
)

// groupStatus is the JSON shape streamed to the client after a
// successful start.
type groupStatus struct {
	GroupName string           `json:"group_name"`
	HomeDir   string           `json:"home_directory"`
	Instances []instanceStatus `json:"instances"`
}

type instanceStatus struct {
	InstanceID  uint32 `json:"instance_id"`
	Name        string `json:"name"`
	DeviceName  string `json:"device_name"`
	InstanceDir string `json:"instance_dir"`
}

// streamStatus writes the launched group's status JSON to the client's
// stdout stream. A write failure only loses the echo; the launch has
// already succeeded.
func (s *Server) streamStatus(conn net.Conn, group registry.Group) {
	status := groupStatus{
		GroupName: group.Name,
		HomeDir:   group.HomeDir,
	}
	for _, instance := range group.Instances {
		status.Instances = append(status.Instances, instanceStatus{
			InstanceID:  instance.ID,
			Name:        instance.Name,
			DeviceName:  group.DeviceName(instance),
			InstanceDir: group.InstanceDir(instance),
		})
	}
	blob, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		s.logger.Printf("warning: marshal status for group %s: %v", group.Name, err)
		return
	}
	var mu sync.Mutex
	w := &streamWriter{conn: conn, kind: protocol.StreamStdout, mu: &mu}
	if _, err := w.Write(append(blob, '\n')); err != nil {
		s.logger.Printf("warning: stream status for group %s: %v", group.Name, err)
	}
}
