package storage

import (
	"path"
	"regexp"
	"strings"

	"github.com/oklog/ulid/v2"
)

var unsafeName = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// ObjectKey returns a unique, time-sortable key for an uploaded file. The
// sanitized original name is kept as a suffix for readability.
func ObjectKey(prefix, filename string) string {
	name := sanitizeName(filename)
	if len(name) > 80 {
		name = name[len(name)-80:]
	}
	return joinKey(prefix, ulid.Make().String()+"_"+name)
}

// TaskKey returns the same key for every call with the same task id, so a
// result uploaded twice overwrites one object.
func TaskKey(prefix, taskID, ext string) string {
	name := sanitizeName(taskID)
	if len(name) > 120 {
		name = name[:120]
	}
	return joinKey(prefix, name+ext)
}

func sanitizeName(raw string) string {
	name := strings.Trim(unsafeName.ReplaceAllString(strings.TrimSpace(raw), "_"), "_.")
	if name == "" {
		return "file"
	}
	return name
}

func joinKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return path.Join(prefix, key)
}

// getContentType returns the MIME type based on file extension
func getContentType(ext string) string {
	switch strings.ToLower(ext) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".mp4":
		return "video/mp4"
	default:
		return "application/octet-stream"
	}
}

// ExtensionFor returns the file extension for a content type.
func ExtensionFor(contentType string) string {
	switch strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0])) {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "video/mp4":
		return ".mp4"
	default:
		return ".bin"
	}
}
