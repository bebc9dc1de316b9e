package model

// Installation describes a formula already present on the host.
type Installation struct {
	Name    string
	Version string
	Path    string
}

// InstalledLookup answers which formulas are installed.
type InstalledLookup interface {
	Installed(name string) (Installation, bool)
}

// HostContext is everything dependency predicates may observe about the
// machine a build runs on.
type HostContext struct {
	OS        string
	Arch      string
	Platform  string
	OSVersion string
	Packages  InstalledLookup
}

// Installed is a nil-safe shortcut for h.Packages.Installed.
func (h HostContext) Installed(name string) (Installation, bool) {
	if h.Packages == nil {
		return Installation{}, false
	}
	return h.Packages.Installed(name)
}
