// Package filename turns blocked-resource URLs into file-system-safe screenshot names.
package filename

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

const (
	maxNameLength    = 100
	maxSegmentLength = 50
	maxFirstSegment  = 20
)

var (
	unsafeChars = regexp.MustCompile(`[^\w\-.]`)
	underscores = regexp.MustCompile(`_+`)
	crude       = strings.NewReplacer("https://", "", "http://", "", "/", "_", ":", "_", ".", "_")
)

// Sanitize returns a token matching ^[\w\-.]{1,100}$ for any input. It never fails.
func Sanitize(s string) string {
	switch s {
	case "":
		return "reference"
	case "BLOCK_ALL":
		return "block_all"
	}

	var name string
	if u, err := url.Parse(s); err != nil {
		name = crude.Replace(s)
	} else {
		name = fromURL(u, s)
	}

	name = unsafeChars.ReplaceAllString(name, "_")
	name = underscores.ReplaceAllString(name, "_")
	name = strings.Trim(name, "._")
	if len(name) > maxNameLength {
		name = name[:maxNameLength]
	}
	if name == "" {
		return "unknown_resource"
	}

	return name
}

func fromURL(u *url.URL, raw string) string {
	var segments []string
	for _, p := range strings.Split(u.Path, "/") {
		if p != "" {
			segments = append(segments, p)
		}
	}

	switch {
	case len(segments) > 0:
		name, _, _ := strings.Cut(segments[len(segments)-1], ";")
		name = truncate(name, maxSegmentLength)
		if len(name) < 5 || !strings.Contains(name[len(name)-5:], ".") {
			domain := u.Host
			if domain == "" {
				domain = "local"
			}
			first := truncate(segments[0], maxFirstSegment)
			return strings.Trim(fmt.Sprintf("%s_%s_%s", domain, first, name), "_")
		}
		if u.Host != "" {
			return u.Host + "_" + name
		}
		return name
	case u.Host != "":
		return u.Host
	default:
		parts := strings.Split(raw, "/")
		name, _, _ := strings.Cut(parts[len(parts)-1], "?")
		if name == "" {
			return "simple_resource"
		}
		return name
	}
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// ScreenshotName builds {prefix}_{sanitized}{suffix}[_ERROR].png.
func ScreenshotName(prefix, name, suffix string, isError bool) string {
	base := fmt.Sprintf("%s_%s%s", prefix, Sanitize(name), suffix)
	if isError {
		base += "_ERROR"
	}
	return base + ".png"
}
