// Package host describes the machine cellar runs on to dependency predicates
// and build environments.
package host

import (
	"runtime"
	"strings"

	"github.com/vk/cellar/internal/model"
)

// Overrides replace detected values. Empty fields keep the detected value.
type Overrides struct {
	OS        string `toml:"os"`
	Arch      string `toml:"arch"`
	Platform  string `toml:"platform"`
	OSVersion string `toml:"os_version"`
}

// Detect returns the context of the running host. packages answers which
// formulas are installed and may be nil.
func Detect(packages model.InstalledLookup, o Overrides) model.HostContext {
	u := uname()
	h := model.HostContext{
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		OSVersion: u.release,
		Packages:  packages,
	}
	h.Platform = Platform(h.OS, u.kernel, cpuArch(runtime.GOARCH, u.machine))

	if o.OS != "" {
		h.OS = o.OS
	}
	if o.Arch != "" {
		h.Arch = o.Arch
	}
	if o.OSVersion != "" {
		h.OSVersion = o.OSVersion
	}
	if o.Platform != "" {
		h.Platform = o.Platform
	}
	return h
}

// Platform names the binary layout of a host: linux64-<arch> on 64-bit
// Linux, <kernel>-<arch> elsewhere.
func Platform(goos, kernel, arch string) string {
	if goos == "linux" && is64Bit(arch) {
		return "linux64-" + arch
	}
	if kernel == "" {
		kernel = goos
	}
	return strings.ToLower(kernel) + "-" + arch
}

// cpuArch prefers the machine name reported by the kernel.
func cpuArch(goarch, machine string) string {
	if machine != "" {
		return machine
	}
	switch goarch {
	case "amd64":
		return "x86_64"
	case "386":
		return "i386"
	}
	return goarch
}

func is64Bit(arch string) bool {
	switch arch {
	case "x86_64", "aarch64", "arm64", "ppc64le", "ppc64", "s390x", "riscv64", "loong64", "mips64", "mips64el":
		return true
	}
	return false
}

type unameInfo struct {
	kernel  string
	release string
	machine string
}
