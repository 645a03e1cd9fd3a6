package sandbox

import (
	"fmt"
	"time"
)

// Policy defines how sandboxes are isolated.
type Policy struct {
	MountPath    string   // in-sandbox path of the workspace (e.g. "/app")
	User         string   // uid:gid the command runs as
	Network      bool     // whether network access is allowed
	ReadOnlyRoot bool     // mount the image root filesystem read-only
	TmpfsSize    string   // size of the writable /tmp (e.g. "64m")
	PullMissing  bool     // pull images that are not present locally
	Images       []string // allowed images; empty allows any
}

// DefaultPolicy returns safe defaults for untrusted code.
func DefaultPolicy() Policy {
	return Policy{
		MountPath:    "/app",
		User:         "65534:65534",
		Network:      false,
		ReadOnlyRoot: true,
		TmpfsSize:    "64m",
		PullMissing:  true,
	}
}

// IsImageAllowed checks if an image is on the allowlist.
func (p Policy) IsImageAllowed(image string) bool {
	if len(p.Images) == 0 {
		return true
	}
	for _, allowed := range p.Images {
		if allowed == image {
			return true
		}
	}
	return false
}

func (p Policy) tmpfsOptions() string {
	size := p.TmpfsSize
	if size == "" {
		size = "64m"
	}
	// exec is needed: toolchains like `go run` build into /tmp and run from there.
	return "rw,exec,nosuid,nodev,size=" + size
}

// Limits bounds the resources of one execution. Zero fields mean "no
// override" when merged and "unlimited" when applied.
type Limits struct {
	Timeout        time.Duration
	MemoryBytes    int64
	NanoCPUs       int64
	PidsLimit      int64
	MaxOutputBytes int64
}

// DefaultLimits returns the limits applied when nothing is configured.
func DefaultLimits() Limits {
	return Limits{
		Timeout:        10 * time.Second,
		MemoryBytes:    256 << 20,
		NanoCPUs:       1_000_000_000,
		PidsLimit:      128,
		MaxOutputBytes: 1 << 20,
	}
}

// Merge returns l with every positive field of overrides applied.
func (l Limits) Merge(overrides Limits) Limits {
	if overrides.Timeout > 0 {
		l.Timeout = overrides.Timeout
	}
	if overrides.MemoryBytes > 0 {
		l.MemoryBytes = overrides.MemoryBytes
	}
	if overrides.NanoCPUs > 0 {
		l.NanoCPUs = overrides.NanoCPUs
	}
	if overrides.PidsLimit > 0 {
		l.PidsLimit = overrides.PidsLimit
	}
	if overrides.MaxOutputBytes > 0 {
		l.MaxOutputBytes = overrides.MaxOutputBytes
	}
	return l
}

// CPUs renders NanoCPUs the way the docker CLI expects.
func (l Limits) CPUs() string {
	return fmt.Sprintf("%.3f", float64(l.NanoCPUs)/1e9)
}
