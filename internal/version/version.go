// Copyright (c) 2024 Bryan Frimin <bryan@frimin.fr>.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

// Package version builds semantic version strings used as
// OpenTelemetry instrumentation versions and as the daemon build
// version.
package version

import (
	"fmt"
)

type (
	// Version is a semantic version without pre-release information.
	Version struct {
		major int
		minor int
		patch int
	}
)

// New returns the version major.0.0.
func New(major int) Version {
	return Version{major: major}
}

// Minor returns a copy of v with the given minor number.
func (v Version) Minor(n int) Version {
	v.minor = n
	return v
}

// Patch returns a copy of v with the given patch number.
func (v Version) Patch(n int) Version {
	v.patch = n
	return v
}

// Alpha formats v as an alpha pre-release, e.g. "0.0.0-alpha.1".
func (v Version) Alpha(n int) string {
	return fmt.Sprintf("%s-alpha.%d", v, n)
}

// Beta formats v as a beta pre-release, e.g. "1.2.0-beta.3".
func (v Version) Beta(n int) string {
	return fmt.Sprintf("%s-beta.%d", v, n)
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.major, v.minor, v.patch)
}
