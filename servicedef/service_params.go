package servicedef

import (
	"sort"
	"strings"

	"gopkg.in/launchdarkly/go-sdk-common.v2/ldvalue"
)

// ServerParams is the configuration a server instance is started with.
type ServerParams struct {
	Build    string            `json:"build,omitempty"`
	DocRoot  string            `json:"docroot,omitempty"`
	Scenario string            `json:"scenario,omitempty"`
	INI      map[string]string `json:"ini,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
	Debug    bool              `json:"debug,omitempty"`
}

// Key identifies the set of tests that can share a server instance: tests with the same INI and
// environment overlay can run against the same process.
func (p ServerParams) Key() string {
	var b strings.Builder
	writeSorted(&b, "ini", p.INI)
	writeSorted(&b, "env", p.Env)
	return b.String()
}

func writeSorted(b *strings.Builder, section string, m map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	b.WriteString(section)
	b.WriteByte('{')
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(m[k])
		b.WriteByte(';')
	}
	b.WriteByte('}')
}

// WithEnv returns a copy of p with extra environment variables merged in. Values already in p win.
func (p ServerParams) WithEnv(extra map[string]string) ServerParams {
	if len(extra) == 0 {
		return p
	}
	env := make(map[string]string, len(p.Env)+len(extra))
	for k, v := range extra {
		env[k] = v
	}
	for k, v := range p.Env {
		env[k] = v
	}
	p.Env = env
	return p
}

// RunParams holds per-run overrides.
type RunParams struct {
	Workers            ldvalue.OptionalInt `json:"workers,omitempty"`
	RequestTimeoutMS   ldvalue.OptionalInt `json:"requestTimeoutMs,omitempty"`
	DisableDebugPrompt bool                `json:"disableDebugPrompt,omitempty"`
}

// ForTest returns the params a single test runs with: the test's INI directives and environment
// variables are layered over p's.
func (p ServerParams) ForTest(t TestDef) ServerParams {
	p.INI = overlay(p.INI, t.INI)
	p.Env = overlay(p.Env, t.Env)
	return p
}

func overlay(base, over map[string]string) map[string]string {
	if len(over) == 0 {
		return base
	}
	ret := make(map[string]string, len(base)+len(over))
	for k, v := range base {
		ret[k] = v
	}
	for k, v := range over {
		ret[k] = v
	}
	return ret
}
