package plugindir

import (
	"strings"

	"golang.org/x/mod/semver"

	"github.com/dataplane-io/strata/pkg/config"
	"github.com/dataplane-io/strata/pkg/strataerrors"
)

// Compatible checks a plugin's declared API version against the host
// version under the configured policy. exact requires full equality,
// major requires the same major version, minor requires the same major
// and minor, any accepts everything.
func Compatible(policy config.VersionCompatibility, host, plug string) error {
	h, p := canonical(host), canonical(plug)
	if !semver.IsValid(h) || !semver.IsValid(p) {
		return strataerrors.Newf(strataerrors.ErrorTypePluginVersion,
			"invalid semantic version: host %q, plugin %q", host, plug)
	}

	ok := false
	switch policy {
	case config.CompatExact:
		ok = semver.Compare(h, p) == 0
	case config.CompatMajor, "":
		// Unset policy means the documented default.
		ok = semver.Major(h) == semver.Major(p)
	case config.CompatMinor:
		ok = semver.MajorMinor(h) == semver.MajorMinor(p)
	case config.CompatAny:
		ok = true
	}
	if !ok {
		return strataerrors.Newf(strataerrors.ErrorTypePluginVersion,
			"plugin API version %s is incompatible with host %s under policy %q", plug, host, policy)
	}
	return nil
}

func canonical(v string) string {
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}
