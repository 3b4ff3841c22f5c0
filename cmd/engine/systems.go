package main

import (
	"fmt"
	"net/http"
	"os"

	"adminops/internal/connector"
	"adminops/internal/domain"
	"adminops/internal/models"
	"adminops/internal/registry"

	"gopkg.in/yaml.v2"
)

// Connector types known to the catalog loader.
const (
	connectorHTTP   = "http"
	connectorMemory = "memory"
)

type systemsCatalog struct {
	Systems []catalogEntry `yaml:"systems"`
}

type catalogEntry struct {
	models.SystemConnection `yaml:",inline"`
	Connector               string `yaml:"connector"`
}

// loadSystems registers every system listed in the catalog file. An empty
// path means no catalog.
func loadSystems(path string, reg *registry.Registry, client *http.Client) (int, error) {
	if path == "" {
		return 0, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read systems catalog: %w", err)
	}

	var catalog systemsCatalog
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &catalog); err != nil {
		return 0, fmt.Errorf("parse systems catalog %s: %w", path, err)
	}

	for _, e := range catalog.Systems {
		conn, err := buildConnector(e, client)
		if err != nil {
			return 0, err
		}
		if _, err := reg.Register(e.SystemConnection, conn); err != nil {
			return 0, fmt.Errorf("register %s: %w", e.Name, err)
		}
	}
	return len(catalog.Systems), nil
}

func buildConnector(e catalogEntry, client *http.Client) (domain.Connector, error) {
	switch e.Connector {
	case connectorHTTP, "":
		target := e.HealthCheckTarget
		if target == "" {
			target = e.Endpoint
		}
		return connector.NewHTTPProber(target, client), nil
	case connectorMemory:
		return connector.NewMemory(), nil
	default:
		return nil, fmt.Errorf("system %s: unknown connector %q", e.Name, e.Connector)
	}
}
