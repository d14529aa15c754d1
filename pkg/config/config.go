/*
Package config loads the gateway's Config View (spec §4.3): a YAML document
of per-agent egress allowlists, idle timeouts, and registry identifiers,
assembled once at startup into an immutable types.ConfigSnapshot.
*/
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/agentsystems/control-plane-gateway/pkg/log"
	"github.com/agentsystems/control-plane-gateway/pkg/types"
	"gopkg.in/yaml.v3"
)

// document mirrors the on-disk YAML shape: a list of agent entries plus a
// side table of named registry connections, which is parsed but not copied
// into the snapshot.
type document struct {
	Agents               []agentDoc             `yaml:"agents"`
	RegistryConnections  map[string]interface{} `yaml:"registry_connections"`
}

type agentDoc struct {
	Name               string   `yaml:"name"`
	EgressAllowlist    []string `yaml:"egress_allowlist"`
	IdleTimeout        yaml.Node `yaml:"idle_timeout"`
	Repo               string   `yaml:"repo"`
	RegistryConnection string   `yaml:"registry_connection"`
}

// Load reads the YAML document at path and produces an immutable snapshot.
// A missing file is not an error: the gateway runs with zero configured
// agents (the registry can still discover running containers by label).
func Load(path string, globalIdleTimeoutMin int) (*types.ConfigSnapshot, error) {
	snap := &types.ConfigSnapshot{
		Agents:               make(map[string]types.AgentPolicy),
		GlobalIdleTimeoutMin: globalIdleTimeoutMin,
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		log.Warn(fmt.Sprintf("config file not found at %s, starting with no configured agents", path))
		return snap, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	for _, a := range doc.Agents {
		if a.Name == "" {
			log.Warn("config: agent entry missing name, skipped")
			continue
		}
		policy := types.AgentPolicy{
			Name:            a.Name,
			EgressAllowlist: a.EgressAllowlist,
			Repo:            a.Repo,
			RegistryConn:    a.RegistryConnection,
		}
		if minutes, ok := parseIdleTimeout(a.IdleTimeout); ok {
			policy.IdleTimeoutMin = minutes
			policy.HasIdleTimeout = true
		} else if !a.IdleTimeout.IsZero() {
			log.Warn(fmt.Sprintf("config: agent %s has malformed idle_timeout, using global default", a.Name))
		}
		snap.Agents[a.Name] = policy
	}

	return snap, nil
}

// parseIdleTimeout decodes a YAML scalar into a positive integer number of
// minutes. Matches the source's behavior of dropping (not failing on)
// malformed values.
func parseIdleTimeout(node yaml.Node) (int, bool) {
	if node.IsZero() || node.Value == "" {
		return 0, false
	}
	n, err := strconv.Atoi(node.Value)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// EnvInt reads an integer environment variable, falling back to def when
// unset or unparsable.
func EnvInt(name string, def int) int {
	v, ok := os.LookupEnv(name)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// EnvString reads a string environment variable, falling back to def when unset.
func EnvString(name, def string) string {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		return v
	}
	return def
}
