package version

import "github.com/marimo-team/reactive-kernel/internal/version"

// GitTag is the hardcoded fallback version used when this file isn't
// being built from a `git archive` export (see AppVersion below).
var GitTag = "0.1.0-dev"

// AppVersion contains version and Git commit information.
//
// The placeholders are replaced on `git archive` using the `export-subst` attribute.
var AppVersion = version.AppVersion(GitTag, "$Format:%(describe)$", "$Format:%H$")
