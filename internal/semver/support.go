package semver

// SupportReason explains why a tool failed the API compatibility gate.
type SupportReason string

const (
	// ReasonHostTooOld means the shell is older than the tool's minimum API.
	ReasonHostTooOld SupportReason = "toolbox-too-old"
	// ReasonToolOutdated means the tool targets an API older than the shell
	// still supports.
	ReasonToolOutdated SupportReason = "tool-outdated"
	// ReasonUnknown covers malformed or missing version declarations.
	ReasonUnknown SupportReason = "unknown"
)

// SupportResult reports the outcome of the compatibility gate.
type SupportResult struct {
	Supported       bool
	Reason          SupportReason
	RequiredVersion string
}

// CheckSupport decides whether a tool declaring toolMinAPI may run on a host
// at hostVersion that still supports hostMinSupportedAPI. A tool with no
// minimum declaration is always supported; maxAPI is informational only and
// never consulted.
func CheckSupport(toolMinAPI, hostVersion, hostMinSupportedAPI string) SupportResult {
	if toolMinAPI == "" {
		return SupportResult{Supported: true}
	}
	if hostVersion == "" || hostMinSupportedAPI == "" {
		return SupportResult{Supported: false, Reason: ReasonUnknown, RequiredVersion: toolMinAPI}
	}
	if Compare(toolMinAPI, hostMinSupportedAPI) < 0 {
		return SupportResult{
			Supported:       false,
			Reason:          ReasonToolOutdated,
			RequiredVersion: hostMinSupportedAPI,
		}
	}
	if Compare(hostVersion, toolMinAPI) < 0 {
		return SupportResult{
			Supported:       false,
			Reason:          ReasonHostTooOld,
			RequiredVersion: toolMinAPI,
		}
	}
	return SupportResult{Supported: true}
}
