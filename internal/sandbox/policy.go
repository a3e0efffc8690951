package sandbox

import (
	"github.com/michaelbrown/runbox/internal/config"
	"github.com/michaelbrown/runbox/internal/engine"
)

// Policy defines the resource envelope for one class of runtime.
type Policy struct {
	Image     string
	MaxMemory int64 // bytes
	NanoCPUs  int64 // 1e9 = one CPU
	PidsLimit int64
	Network   bool     // whether the runtime gets a bridged network
	Hardened  bool     // drop capabilities, no privilege escalation
	Images    []string // allowed images for per-language overrides; empty allows any
}

// DefaultInteractivePolicy is used for per-session runtimes.
func DefaultInteractivePolicy() Policy {
	return Policy{
		Image:     "node:20-alpine",
		MaxMemory: 2 << 30,
		NanoCPUs:  1e9,
		PidsLimit: 512,
		Network:   true,
	}
}

// DefaultEphemeralPolicy is used for grading runtimes.
func DefaultEphemeralPolicy() Policy {
	return Policy{
		Image:     "node:20-alpine",
		MaxMemory: 256 << 20,
		NanoCPUs:  5e8,
		PidsLimit: 64,
		Network:   false,
		Hardened:  true,
	}
}

// PolicyFromConfig converts a limits section into a Policy.
func PolicyFromConfig(c config.LimitsConfig, hardened bool) Policy {
	return Policy{
		Image:     c.Image,
		MaxMemory: c.MemoryMB << 20,
		NanoCPUs:  int64(c.CPUs * 1e9),
		PidsLimit: c.PidsLimit,
		Network:   c.Network == string(engine.NetworkBridge),
		Hardened:  hardened,
		Images:    c.Images,
	}
}

// Limits returns the engine limits for this policy.
func (p Policy) Limits() engine.Limits {
	l := engine.Limits{
		MemoryBytes: p.MaxMemory,
		NanoCPUs:    p.NanoCPUs,
		PidsLimit:   p.PidsLimit,
		Network:     engine.NetworkNone,
	}
	if p.Network {
		l.Network = engine.NetworkBridge
	}
	return l
}

// IsImageAllowed checks if an image is on the allowlist.
func (p Policy) IsImageAllowed(image string) bool {
	if image == p.Image || len(p.Images) == 0 {
		return true
	}
	for _, allowed := range p.Images {
		if allowed == image {
			return true
		}
	}
	return false
}
