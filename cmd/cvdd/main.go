// Command cvdd is the virtual-device control-plane daemon. It listens
// on a Unix Domain Socket, maintains the instance-group registry, and
// supervises device-launcher subprocesses.
package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"cvdd/internal/daemon"
)

func main() {
	configPath := pflag.String("config", "", "path to the daemon YAML config file")
	socketPath := pflag.String("socket", "", "override the Unix Domain Socket path")
	registryPath := pflag.String("registry", "", "override the registry file path")
	pflag.Parse()

	fileCfg := daemon.DefaultFileConfig()
	if *configPath != "" {
		loaded, err := daemon.LoadFileConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "cvdd: %v\n", err)
			os.Exit(1)
		}
		fileCfg = loaded
	}
	if *socketPath != "" {
		fileCfg.SocketPath = *socketPath
	}
	if *registryPath != "" {
		fileCfg.RegistryPath = *registryPath
	}

	logger := log.New(os.Stdout, "[cvdd] ", log.LstdFlags|log.Lmsgprefix)

	srv, err := daemon.NewServer(daemon.Config{File: fileCfg, Logger: logger})
	if err != nil {
		fmt.Fprintf(os.Stderr, "cvdd: failed to initialize: %v\n", err)
		os.Exit(1)
	}

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Printf("received signal %v, shutting down...", sig)
		srv.Shutdown()
	}()

	logger.Printf("starting cvdd on %s", fileCfg.SocketPath)
	if err := srv.ListenAndServe(); err != nil {
		fmt.Fprintf(os.Stderr, "cvdd: %v\n", err)
		os.Exit(1)
	}
}
