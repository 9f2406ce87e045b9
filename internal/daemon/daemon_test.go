package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"

	"cvdd/internal/registry"
	"cvdd/pkg/protocol"
)

// newTestServer builds a server whose paths all live under a temp dir.
func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	tmpDir := t.TempDir()
	cfg := FileConfig{
		SocketPath:   filepath.Join(tmpDir, "cvdd.sock"),
		RegistryPath: filepath.Join(tmpDir, "registry.bin"),
		LockfilesDir: filepath.Join(tmpDir, "lockfiles"),
		HomesDir:     filepath.Join(tmpDir, "homes"),
		SystemHome:   filepath.Join(tmpDir, "system-home"),
		AcloudTmpDir: filepath.Join(tmpDir, "acloud_cvd_temp"),
	}
	if err := os.MkdirAll(cfg.SystemHome, 0755); err != nil {
		t.Fatalf("create system home: %v", err)
	}
	srv, err := NewServer(Config{File: cfg})
	if err != nil {
		t.Fatalf("create server: %v", err)
	}
	return srv, tmpDir
}

// writeToolkit installs a fake launcher that answers --helpxml with the
// standard flags and otherwise exits with the given code.
func writeToolkit(t *testing.T, tmpDir string, exitCode int) string {
	t.Helper()
	artifacts := filepath.Join(tmpDir, "toolkit")
	binDir := filepath.Join(artifacts, "bin")
	if err := os.MkdirAll(binDir, 0755); err != nil {
		t.Fatalf("create bin dir: %v", err)
	}
	script := fmt.Sprintf(`#!/bin/sh
case "$1" in
--helpxml)
  cat <<'EOF'
<flag><name>daemon</name></flag>
<flag><name>num_instances</name></flag>
<flag><name>base_instance_num</name></flag>
<flag><name>instance_nums</name></flag>
<flag><name>group_id</name></flag>
EOF
  exit 1
  ;;
--help)
  echo "usage: cvd_internal_start"
  exit 0
  ;;
esac
exit %d
`, exitCode)
	if err := os.WriteFile(filepath.Join(binDir, "cvd_internal_start"), []byte(script), 0755); err != nil {
		t.Fatalf("write launcher script: %v", err)
	}
	return artifacts
}

// roundTrip runs one request through the server over an in-memory
// connection and returns the final response plus the streamed stdout.
func roundTrip(t *testing.T, srv *Server, req *protocol.Request) (*protocol.Response, string) {
	t.Helper()
	client, server := net.Pipe()
	go func() {
		defer server.Close()
		srvReq, err := protocol.ReadRequest(server)
		if err != nil {
			return
		}
		resp := srv.dispatch(srvReq, server)
		protocol.WriteResponse(server, resp)
	}()
	defer client.Close()

	if err := protocol.WriteRequest(client, req); err != nil {
		t.Fatalf("write request: %v", err)
	}
	var stdout []byte
	for {
		frame, err := protocol.ReadFrame(client)
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		switch frame.Type {
		case protocol.StreamStdout:
			stdout = append(stdout, frame.Payload...)
		case protocol.StreamStderr:
			// Discard
		case protocol.StreamResponse:
			resp, err := protocol.DecodeResponse(frame.Payload)
			if err != nil {
				t.Fatalf("decode response: %v", err)
			}
			return resp, string(stdout)
		}
	}
}

func TestStartHappyPath(t *testing.T) {
	srv, tmpDir := newTestServer(t)
	artifacts := writeToolkit(t, tmpDir, 0)

	resp, stdout := roundTrip(t, srv, &protocol.Request{
		Command: "start",
		Args:    []string{"--daemon"},
		Env:     map[string]string{"ANDROID_HOST_OUT": artifacts},
		Cwd:     tmpDir,
	})

	if resp.Status.Code != protocol.StatusOK {
		t.Fatalf("expected OK, got %s: %s", resp.Status.Code, resp.Status.Message)
	}
	if resp.GroupInfo == nil || resp.GroupInfo.GroupName != "cvd" {
		t.Fatalf("missing group info: %+v", resp.GroupInfo)
	}
	if len(resp.GroupInfo.Instances) != 1 || resp.GroupInfo.Instances[0].InstanceID != 1 {
		t.Fatalf("unexpected instances: %+v", resp.GroupInfo.Instances)
	}

	// The status JSON is streamed to the client
	var status map[string]any
	if err := json.Unmarshal([]byte(stdout), &status); err != nil {
		t.Fatalf("status stream is not JSON: %v\n%s", err, stdout)
	}
	if status["group_name"] != "cvd" {
		t.Errorf("status group name: %v", status["group_name"])
	}

	// The group survives in the registry
	groups, err := srv.registry.ListGroups()
	if err != nil {
		t.Fatalf("list groups: %v", err)
	}
	if len(groups) != 1 || !groups[0].DefaultGroup {
		t.Fatalf("expected one default group, got %+v", groups)
	}
}

func TestStartChildFailureRollsBack(t *testing.T) {
	srv, tmpDir := newTestServer(t)
	artifacts := writeToolkit(t, tmpDir, 7)

	resp, _ := roundTrip(t, srv, &protocol.Request{
		Command: "start",
		Env:     map[string]string{"ANDROID_HOST_OUT": artifacts},
		Cwd:     tmpDir,
	})

	if resp.Status.Code != protocol.StatusInternal {
		t.Fatalf("expected INTERNAL, got %s", resp.Status.Code)
	}

	// The group was registered before launch and removed on failure
	empty, err := srv.registry.IsEmpty()
	if err != nil {
		t.Fatalf("is empty: %v", err)
	}
	if !empty {
		t.Error("failed launch left a registry entry")
	}

	// The instance id is available again
	lock, err := srv.locks.TryAcquire(1)
	if err != nil {
		t.Fatalf("reacquire id: %v", err)
	}
	if lock == nil {
		t.Fatal("instance id still reserved after rollback")
	}
	lock.Release()
}

func TestStartConflictOnSecondDefaultGroup(t *testing.T) {
	srv, tmpDir := newTestServer(t)
	artifacts := writeToolkit(t, tmpDir, 0)
	env := map[string]string{"ANDROID_HOST_OUT": artifacts}

	resp, _ := roundTrip(t, srv, &protocol.Request{Command: "start", Env: env, Cwd: tmpDir})
	if resp.Status.Code != protocol.StatusOK {
		t.Fatalf("first start: %s: %s", resp.Status.Code, resp.Status.Message)
	}

	// Same group name, same home: conflict with no side effects
	resp, _ = roundTrip(t, srv, &protocol.Request{Command: "start", Env: env, Cwd: tmpDir})
	if resp.Status.Code != protocol.StatusAlreadyExists {
		t.Fatalf("second start: expected ALREADY_EXISTS, got %s", resp.Status.Code)
	}

	groups, err := srv.registry.ListGroups()
	if err != nil {
		t.Fatalf("list groups: %v", err)
	}
	if len(groups) != 1 {
		t.Fatalf("conflict mutated the registry: %+v", groups)
	}
}

func TestStartPreconditions(t *testing.T) {
	srv, tmpDir := newTestServer(t)

	// Missing ANDROID_HOST_OUT
	resp, _ := roundTrip(t, srv, &protocol.Request{
		Command: "start",
		Env:     map[string]string{},
		Cwd:     tmpDir,
	})
	if resp.Status.Code != protocol.StatusFailedPrecondition {
		t.Errorf("missing env: expected FAILED_PRECONDITION, got %s", resp.Status.Code)
	}

	// Nonexistent working directory
	resp, _ = roundTrip(t, srv, &protocol.Request{
		Command: "start",
		Env:     map[string]string{"ANDROID_HOST_OUT": "/opt/toolkit"},
		Cwd:     filepath.Join(tmpDir, "nope"),
	})
	if resp.Status.Code != protocol.StatusFailedPrecondition {
		t.Errorf("bad cwd: expected FAILED_PRECONDITION, got %s", resp.Status.Code)
	}
}

func TestStartRejectsTildeHome(t *testing.T) {
	srv, tmpDir := newTestServer(t)
	artifacts := writeToolkit(t, tmpDir, 0)

	resp, _ := roundTrip(t, srv, &protocol.Request{
		Command: "start",
		Env: map[string]string{
			"ANDROID_HOST_OUT": artifacts,
			"HOME":             "~/somewhere",
		},
		Cwd: tmpDir,
	})
	if resp.Status.Code != protocol.StatusInvalidArgument {
		t.Fatalf("expected INVALID_ARGUMENT, got %s", resp.Status.Code)
	}
}

func TestStartHelpDoesNotRegister(t *testing.T) {
	srv, tmpDir := newTestServer(t)
	artifacts := writeToolkit(t, tmpDir, 0)

	resp, stdout := roundTrip(t, srv, &protocol.Request{
		Command: "start",
		Args:    []string{"--help"},
		Env:     map[string]string{"ANDROID_HOST_OUT": artifacts},
		Cwd:     tmpDir,
	})
	if resp.Status.Code != protocol.StatusOK {
		t.Fatalf("help: %s: %s", resp.Status.Code, resp.Status.Message)
	}
	if stdout == "" {
		t.Error("help output was not streamed")
	}

	empty, err := srv.registry.IsEmpty()
	if err != nil {
		t.Fatalf("is empty: %v", err)
	}
	if !empty {
		t.Error("help path mutated the registry")
	}
}

func TestFleetAndRemove(t *testing.T) {
	srv, tmpDir := newTestServer(t)
	artifacts := writeToolkit(t, tmpDir, 0)

	resp, _ := roundTrip(t, srv, &protocol.Request{
		Command:      "start",
		SelectorArgs: []string{"--group_name=bench"},
		Env:          map[string]string{"ANDROID_HOST_OUT": artifacts},
		Cwd:          tmpDir,
	})
	if resp.Status.Code != protocol.StatusOK {
		t.Fatalf("start: %s: %s", resp.Status.Code, resp.Status.Message)
	}

	resp, stdout := roundTrip(t, srv, &protocol.Request{Command: "fleet", Cwd: tmpDir})
	if resp.Status.Code != protocol.StatusOK {
		t.Fatalf("fleet: %s", resp.Status.Code)
	}
	var fleet struct {
		Groups []registry.Group `json:"groups"`
	}
	if err := json.Unmarshal([]byte(stdout), &fleet); err != nil {
		t.Fatalf("fleet output is not JSON: %v\n%s", err, stdout)
	}
	if len(fleet.Groups) != 1 || fleet.Groups[0].Name != "bench" {
		t.Fatalf("fleet: %+v", fleet.Groups)
	}

	resp, _ = roundTrip(t, srv, &protocol.Request{
		Command:      "remove",
		SelectorArgs: []string{"--group_name=bench"},
		Cwd:          tmpDir,
	})
	if resp.Status.Code != protocol.StatusOK {
		t.Fatalf("remove: %s: %s", resp.Status.Code, resp.Status.Message)
	}

	// Removing again reports the missing group
	resp, _ = roundTrip(t, srv, &protocol.Request{
		Command:      "remove",
		SelectorArgs: []string{"--group_name=bench"},
		Cwd:          tmpDir,
	})
	if resp.Status.Code != protocol.StatusInvalidArgument {
		t.Fatalf("second remove: expected INVALID_ARGUMENT, got %s", resp.Status.Code)
	}
}

func TestUnknownCommand(t *testing.T) {
	srv, tmpDir := newTestServer(t)
	resp, _ := roundTrip(t, srv, &protocol.Request{Command: "reboot", Cwd: tmpDir})
	if resp.Status.Code != protocol.StatusInvalidArgument {
		t.Fatalf("expected INVALID_ARGUMENT, got %s", resp.Status.Code)
	}
}

func TestStatusFromError(t *testing.T) {
	cases := []struct {
		err  error
		want protocol.StatusCode
	}{
		{nil, protocol.StatusOK},
		{fmt.Errorf("wrap: %w", registry.ErrInvalid), protocol.StatusInvalidArgument},
		{fmt.Errorf("wrap: %w", registry.ErrConflict), protocol.StatusAlreadyExists},
		{fmt.Errorf("wrap: %w", errPrecondition), protocol.StatusFailedPrecondition},
		{errors.New("anything else"), protocol.StatusInternal},
	}
	for _, tc := range cases {
		if got := statusFromError(tc.err).Code; got != tc.want {
			t.Errorf("%v: expected %s, got %s", tc.err, tc.want, got)
		}
	}
}

func TestConsumeArg(t *testing.T) {
	args, value, found := consumeArg([]string{"--config_file=/a/b", "--x"}, "config_file")
	if !found || value != "/a/b" {
		t.Errorf("got value %q found %v", value, found)
	}
	if len(args) != 1 || args[0] != "--x" {
		t.Errorf("got args %v", args)
	}

	_, _, found = consumeArg([]string{"--x"}, "config_file")
	if found {
		t.Error("expected not found")
	}
}

func TestFilterFromSelectors(t *testing.T) {
	filter, err := filterFromSelectors([]string{"--group_name=cvd", "--instance_id=3"})
	if err != nil {
		t.Fatalf("build filter: %v", err)
	}
	if filter.GroupName != "cvd" || filter.ID == nil || *filter.ID != 3 {
		t.Errorf("filter: %+v", filter)
	}

	if _, err := filterFromSelectors([]string{"--bogus=1"}); !errors.Is(err, registry.ErrInvalid) {
		t.Errorf("unknown field: expected ErrInvalid, got %v", err)
	}
	if _, err := filterFromSelectors([]string{"--group_name"}); !errors.Is(err, registry.ErrInvalid) {
		t.Errorf("missing value: expected ErrInvalid, got %v", err)
	}
}

func TestLoadCommand(t *testing.T) {
	srv, tmpDir := newTestServer(t)

	configPath := filepath.Join(tmpDir, "groups.json")
	blob := `{"Groups": [{
		"group_name": "imported",
		"home_directory": "` + filepath.Join(tmpDir, "imported") + `",
		"instances": [{"instance_id": 11, "name": "phone"}]
	}]}`
	if err := os.WriteFile(configPath, []byte(blob), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	resp, _ := roundTrip(t, srv, &protocol.Request{
		Command: "load",
		Args:    []string{"--config_file=" + configPath},
		Cwd:     tmpDir,
	})
	if resp.Status.Code != protocol.StatusOK {
		t.Fatalf("load: %s: %s", resp.Status.Code, resp.Status.Message)
	}

	groups, err := srv.registry.ListGroups()
	if err != nil {
		t.Fatalf("list groups: %v", err)
	}
	if len(groups) != 1 || groups[0].Name != "imported" {
		t.Fatalf("load did not import: %+v", groups)
	}
}

func TestStartWithConfigFileDelegatesToLoad(t *testing.T) {
	srv, tmpDir := newTestServer(t)

	configPath := filepath.Join(tmpDir, "groups.json")
	blob := `{"Groups": [{
		"group_name": "fromconfig",
		"home_directory": "` + filepath.Join(tmpDir, "fromconfig") + `",
		"instances": [{"instance_id": 21, "name": "21"}]
	}]}`
	if err := os.WriteFile(configPath, []byte(blob), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	resp, _ := roundTrip(t, srv, &protocol.Request{
		Command: "start",
		Args:    []string{"--config_file=" + configPath},
		Cwd:     tmpDir,
	})
	if resp.Status.Code != protocol.StatusOK {
		t.Fatalf("start with config_file: %s: %s", resp.Status.Code, resp.Status.Message)
	}

	groups, err := srv.registry.ListGroups()
	if err != nil {
		t.Fatalf("list groups: %v", err)
	}
	if len(groups) != 1 || groups[0].Name != "fromconfig" {
		t.Fatalf("delegated load did not import: %+v", groups)
	}
}

func TestAcloudOptoutCommands(t *testing.T) {
	srv, tmpDir := newTestServer(t)

	resp, _ := roundTrip(t, srv, &protocol.Request{Command: "acloud-optout", Cwd: tmpDir})
	if resp.Status.Code != protocol.StatusOK {
		t.Fatalf("optout: %s", resp.Status.Code)
	}
	optout, err := srv.registry.GetAcloudOptout()
	if err != nil || !optout {
		t.Fatalf("optout not recorded: %v %v", optout, err)
	}

	resp, _ = roundTrip(t, srv, &protocol.Request{Command: "acloud-optin", Cwd: tmpDir})
	if resp.Status.Code != protocol.StatusOK {
		t.Fatalf("optin: %s", resp.Status.Code)
	}
	optout, err = srv.registry.GetAcloudOptout()
	if err != nil || optout {
		t.Fatalf("optin not recorded: %v %v", optout, err)
	}
}
