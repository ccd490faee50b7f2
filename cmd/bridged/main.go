package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"

	"github.com/danmuck/meshbridge/internal/bridge"
	"github.com/danmuck/meshbridge/internal/config"
	"github.com/danmuck/meshbridge/internal/observability"
)

const defaultConfigPath = "cmd/bridged/config.toml"

func main() {
	path := flag.String("config", defaultConfigPath, "bridge config path")
	hostlink := flag.String("hostlink", "", "override host-link listen address")
	httpAddr := flag.String("http", "", "override admin http listen address")
	flag.Parse()

	observability.InitLogger("bridged")

	cfg, err := resolveConfig(*path)
	if err != nil {
		fail(err)
	}
	if *hostlink != "" {
		cfg.HostLinkAddr = *hostlink
	}
	if *httpAddr != "" {
		cfg.HTTPAddr = *httpAddr
	}

	svc, err := bridge.NewServiceWithConfig(cfg)
	if err != nil {
		fail(err)
	}
	if err := svc.Run(); err != nil {
		fail(err)
	}
}

// resolveConfig falls back to defaults only when the default path is absent.
func resolveConfig(path string) (bridge.ServiceConfig, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) && path == defaultConfigPath {
			return bridge.DefaultServiceConfig(), nil
		}
		return bridge.ServiceConfig{}, err
	}
	if _, err := config.LoadBridgeConfig(path); err != nil {
		return bridge.ServiceConfig{}, err
	}
	return loadServiceConfig(path)
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "bridged: %v\n", err)
	os.Exit(1)
}
