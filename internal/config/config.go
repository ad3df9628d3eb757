// Package config loads the optional YAML policy file that layers defaults
// underneath the environment variables spec.md §6 names. Environment
// variables always win over file settings.
package config

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Policy is the decoded shape of the optional config file.
type Policy struct {
	// SearchPath lists extra directories searched for DT_NEEDED names,
	// appended after LD_LIBRARY_PATH. A path passed to dl.Open is used as
	// given and is not searched for.
	SearchPath []string `yaml:"search_path"`
	// NoDelete lists canonical object names that are implicitly opened
	// with the nodelete flag regardless of how the caller opened them.
	NoDelete []string `yaml:"nodelete"`
	// Global lists canonical object names appended to the process global
	// scope as soon as they are registered.
	Global []string `yaml:"global"`
	// BindNow sets the default binding mode when neither the caller nor
	// LD_BIND_NOW specifies one.
	BindNow bool `yaml:"bind_now"`
}

// Load reads the policy file named by $GALAGO_CONFIG, falling back to
// ./galago.yaml. A missing file is not an error: Load returns the zero
// Policy. A malformed file is an error.
func Load() (*Policy, error) {
	path := os.Getenv("GALAGO_CONFIG")
	if path == "" {
		path = "galago.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Policy{}, nil
		}
		return nil, err
	}

	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// EffectiveSearchPath merges $LD_LIBRARY_PATH ahead of the policy file's
// search_path entries, per spec.md §6 (LD_LIBRARY_PATH directories are
// searched for DT_NEEDED names).
func (p *Policy) EffectiveSearchPath() []string {
	var dirs []string
	if v := os.Getenv("LD_LIBRARY_PATH"); v != "" {
		for _, d := range strings.Split(v, ":") {
			if d != "" {
				dirs = append(dirs, d)
			}
		}
	}
	if p != nil {
		dirs = append(dirs, p.SearchPath...)
	}
	return dirs
}

// EffectiveBindNow resolves LD_BIND_NOW over the policy default, per
// spec.md §6: "0" forces lazy, "1" forces eager, unset defers to the
// object's own DF_BIND_NOW flag (represented here by bindNowFlag, the
// caller-observed per-object default).
func (p *Policy) EffectiveBindNow(bindNowFlag bool) bool {
	switch os.Getenv("LD_BIND_NOW") {
	case "0":
		return false
	case "1":
		return true
	}
	if p != nil && p.BindNow {
		return true
	}
	return bindNowFlag
}

func contains(list []string, name string) bool {
	for _, x := range list {
		if x == name {
			return true
		}
	}
	return false
}

// IsNoDelete reports whether the policy pins name as non-unloadable.
func (p *Policy) IsNoDelete(name string) bool {
	return p != nil && contains(p.NoDelete, name)
}

// IsGlobal reports whether the policy adds name to the process global
// scope automatically.
func (p *Policy) IsGlobal(name string) bool {
	return p != nil && contains(p.Global, name)
}
