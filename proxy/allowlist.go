// Copyright 2025 Moltbook
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package proxy

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
)

// AllowEntry permits requests to one exact hostname. Methods are compared
// uppercase; an empty Paths set means any path.
type AllowEntry struct {
	Domain  string   `json:"domain"`
	Methods []string `json:"methods"`
	Paths   []string `json:"paths,omitempty"`
}

// AllowlistConfig is the on-disk allowlist shape.
type AllowlistConfig struct {
	AllowedDomains []AllowEntry `json:"allowedDomains"`
}

// Domains returns the configured domain names in file order.
func (c *AllowlistConfig) Domains() []string {
	domains := make([]string, 0, len(c.AllowedDomains))
	for _, entry := range c.AllowedDomains {
		domains = append(domains, entry.Domain)
	}
	return domains
}

// CheckResult is the outcome of an allowlist decision.
type CheckResult struct {
	Allowed bool
	Reason  string
}

// Allowlist holds the active config behind an atomic pointer so in-flight
// checks always see a complete snapshot: readers get either the old or the
// new config, never a torn read.
type Allowlist struct {
	path string
	cfg  atomic.Pointer[AllowlistConfig]
}

// LoadAllowlist reads and parses the allowlist file at path. The proxy
// refuses to start without one.
func LoadAllowlist(path string) (*Allowlist, error) {
	cfg, err := readAllowlistConfig(path)
	if err != nil {
		return nil, err
	}

	al := &Allowlist{path: path}
	al.cfg.Store(cfg)
	return al, nil
}

func readAllowlistConfig(path string) (*AllowlistConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read allowlist config %s: %w", path, err)
	}

	var cfg AllowlistConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse allowlist config %s: %w", path, err)
	}
	if len(cfg.AllowedDomains) == 0 {
		return nil, fmt.Errorf("allowlist config %s has no allowedDomains", path)
	}
	return &cfg, nil
}

// Reload re-reads the config file and swaps it in. On failure the previous
// config stays active so enforcement is never abandoned.
func (a *Allowlist) Reload() error {
	cfg, err := readAllowlistConfig(a.path)
	if err != nil {
		return err
	}
	a.cfg.Store(cfg)
	return nil
}

// Snapshot returns the active config.
func (a *Allowlist) Snapshot() *AllowlistConfig {
	return a.cfg.Load()
}

// Check decides whether a request may proceed. The first entry whose domain
// matches the host wins; a method or path mismatch on that entry denies the
// request with no fall-through to later entries.
func (a *Allowlist) Check(host, method, path string) CheckResult {
	cfg := a.cfg.Load()
	host = strings.ToLower(host)
	method = strings.ToUpper(method)

	for _, entry := range cfg.AllowedDomains {
		if !strings.EqualFold(entry.Domain, host) {
			continue
		}

		methodAllowed := false
		for _, m := range entry.Methods {
			if strings.ToUpper(m) == method {
				methodAllowed = true
				break
			}
		}
		if !methodAllowed {
			return CheckResult{
				Allowed: false,
				Reason:  fmt.Sprintf("Method %s not allowed for %s", method, host),
			}
		}

		if len(entry.Paths) > 0 {
			pathAllowed := false
			for _, p := range entry.Paths {
				if strings.HasPrefix(path, p) {
					pathAllowed = true
					break
				}
			}
			if !pathAllowed {
				return CheckResult{
					Allowed: false,
					Reason:  fmt.Sprintf("Path %s not in allowed paths for %s", path, host),
				}
			}
		}

		return CheckResult{Allowed: true}
	}

	return CheckResult{
		Allowed: false,
		Reason:  fmt.Sprintf("Domain not in allowlist: %s", host),
	}
}
