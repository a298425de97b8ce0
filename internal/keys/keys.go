// Package keys decodes storage keys of the form
// org/{tenantId}/site/{siteId}/session/{sessionId}/{filename} and derives the
// keys of generated thumbnails.
package keys

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
)

// ErrMalformedKey is returned for any key that does not follow the layout.
// It is never retryable.
var ErrMalformedKey = errors.New("malformed storage key")

const (
	thumbDir       = "thumbs"
	thumbExtension = ".jpg"
	keySegments    = 7
)

type Coordinates struct {
	TenantID  string
	SiteID    string
	SessionID string
	Filename  string
}

// Parse is purely structural; it performs no I/O.
func Parse(key string) (Coordinates, error) {
	segs := strings.Split(key, "/")
	if len(segs) != keySegments {
		return Coordinates{}, fmt.Errorf("%w: %q has %d segments", ErrMalformedKey, key, len(segs))
	}
	if segs[0] != "org" || segs[2] != "site" || segs[4] != "session" {
		return Coordinates{}, fmt.Errorf("%w: %q", ErrMalformedKey, key)
	}
	for _, i := range []int{1, 3, 5, 6} {
		switch segs[i] {
		case "":
			return Coordinates{}, fmt.Errorf("%w: %q has an empty segment", ErrMalformedKey, key)
		case ".", "..":
			return Coordinates{}, fmt.Errorf("%w: %q has a relative segment", ErrMalformedKey, key)
		}
	}
	return Coordinates{
		TenantID:  segs[1],
		SiteID:    segs[3],
		SessionID: segs[5],
		Filename:  segs[6],
	}, nil
}

// Prefix returns the session prefix shared by originals and thumbnails.
func (c Coordinates) Prefix() string {
	return path.Join("org", c.TenantID, "site", c.SiteID, "session", c.SessionID)
}

// Key rebuilds the storage key of the original.
func (c Coordinates) Key() string {
	return path.Join(c.Prefix(), c.Filename)
}

// ThumbnailKey derives org/.../session/{id}/thumbs/{basename}_{size}.jpg.
func ThumbnailKey(c Coordinates, size int) string {
	return path.Join(c.Prefix(), thumbDir, fmt.Sprintf("%s_%d%s", Basename(c.Filename), size, thumbExtension))
}

// Basename strips the last extension from filename.
func Basename(filename string) string {
	return strings.TrimSuffix(filename, path.Ext(filename))
}

// IsThumbnail reports whether key lives under a session's thumbs/ directory.
func IsThumbnail(key string) bool {
	segs := strings.Split(key, "/")
	return len(segs) == keySegments+1 && segs[6] == thumbDir
}

var (
	anglePattern = regexp.MustCompile(`(?i)^(\d+)deg\.[a-z0-9]+$`)
	shotPattern  = regexp.MustCompile(`^([a-z_]+)\.[A-Za-z0-9]+$`)
)

// Shot holds the capture descriptor encoded in a filename. At most one of
// AngleDeg and Name is set.
type Shot struct {
	AngleDeg *int
	Name     *string
}

// DeriveShot reads "{n}deg.ext" as an angle, or a bare lowercase label as a
// shot name. The angle form wins.
func DeriveShot(filename string) Shot {
	if m := anglePattern.FindStringSubmatch(filename); m != nil {
		if deg, err := strconv.Atoi(m[1]); err == nil {
			return Shot{AngleDeg: &deg}
		}
	}
	if m := shotPattern.FindStringSubmatch(filename); m != nil {
		name := m[1]
		return Shot{Name: &name}
	}
	return Shot{}
}
