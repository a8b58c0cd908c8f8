// Package crons loads scheduled-job definitions and runs them. Definitions
// live in crons.json keyed by server type; each entry names a six-field cron
// expression (seconds first) and an action of the form "name.method" that
// resolves against a registry of cron handlers.
package crons

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Cron is one scheduled-job definition. ServerID, when set, restricts the
// job to that single process; otherwise every process of the server type
// runs it.
type Cron struct {
	ID       string `mapstructure:"id" msgpack:"id" json:"id"`
	Time     string `mapstructure:"time" msgpack:"time" json:"time"`
	Action   string `mapstructure:"action" msgpack:"action" json:"action"`
	ServerID string `mapstructure:"serverId" msgpack:"serverId" json:"serverId,omitempty"`
}

// Table maps a server type to the cron definitions its processes load at
// startup.
type Table map[string][]Cron

// ForServer returns the definitions a given process should schedule: the
// entries of its server type, minus those pinned to a different server id.
func (t Table) ForServer(serverType, serverID string) []Cron {
	var out []Cron
	for _, c := range t[serverType] {
		if c.ServerID != "" && c.ServerID != serverID {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Load reads the cron table for env from base. The base file crons.json
// wins; only when it is absent does the env-scoped config/<env>/crons.json
// apply. A missing file is an empty table, not an error.
func Load(base, env string) (Table, error) {
	path := ""
	for _, candidate := range []string{
		filepath.Join(base, "crons.json"),
		filepath.Join(base, "config", env, "crons.json"),
	} {
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
			break
		}
	}
	if path == "" {
		return Table{}, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read crons %s: %w", path, err)
	}

	table := Table{}
	err := v.Unmarshal(&table, func(dc *mapstructure.DecoderConfig) {
		// Tolerate numeric ids in hand-written configs.
		dc.WeaklyTypedInput = true
	})
	if err != nil {
		return nil, fmt.Errorf("decode crons %s: %w", path, err)
	}
	return table, nil
}

// SplitAction splits "name.method" at the first dot. Both halves must be
// non-empty.
func SplitAction(action string) (name, method string, ok bool) {
	i := strings.Index(action, ".")
	if i <= 0 || i == len(action)-1 {
		return "", "", false
	}
	return action[:i], action[i+1:], true
}
