package protocol

// Version is the protocol version this backend speaks.
const Version = "1.0.0"

// supportedVersions enumerates versions the backend accepts. There is no
// downgrade negotiation: unsupported versions are told the suggested one.
var supportedVersions = map[string]struct{}{
	Version: {},
}

// VersionResolution answers a worker's version probe.
type VersionResolution struct {
	Supported bool   `json:"supported"`
	Suggested string `json:"suggested_version"`
}

// ResolveVersion reports whether v is supported, suggesting the current
// version when it is not.
func ResolveVersion(v string) VersionResolution {
	_, ok := supportedVersions[v]
	return VersionResolution{Supported: ok, Suggested: Version}
}
