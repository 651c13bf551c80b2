// Package interfaces defines the collaborator contracts the proxy consumes.
// The proxy is service-agnostic: everything it cannot decide on its own
// (opaque URL resolution, interactive quality choice, user notification,
// DRM component repair) is delegated through these interfaces. All calls are
// synchronous and must honor the supplied context deadline.
package interfaces

import (
	"context"
)

// OpaqueResolver resolves a target that is not directly fetchable (for
// example a plugin:// reference) into a concrete URL plus extra request
// headers to carry on the upstream fetch.
type OpaqueResolver interface {
	Resolve(ctx context.Context, ref string, headers map[string]string, body []byte) (url string, extraHeaders map[string]string, err error)
}

// ChooserOption is one entry presented to the interactive quality chooser.
type ChooserOption struct {
	Label string
	// Value is a rendition index or a quality sentinel from pkg/types.
	Value int
}

// QualityChooser presents a sorted candidate list to the user and returns
// the chosen option index. ErrCancelled-style dismissal is signalled by
// (-1, nil).
type QualityChooser interface {
	Choose(ctx context.Context, title string, options []ChooserOption, preselect int) (int, error)
}

// Notifier delivers terminal playback states to the UI out-of-band. The
// HTTP responses themselves stay protocol-clean (200 + sentinel manifests).
type Notifier interface {
	PlaybackFailed()
	PlaybackStopped()
}

// DRMInstaller reinstalls the DRM client component after a license server
// rejects the current one (406 on the license URL).
type DRMInstaller interface {
	Reinstall(ctx context.Context) error
}

// PluginRunner invokes an external plugin with a temp file holding the
// current response body. The plugin may modify the file in place and return
// extra response headers.
type PluginRunner interface {
	Run(ctx context.Context, ref string, dataPath string, headers map[string]string) (extraHeaders map[string]string, err error)
}
