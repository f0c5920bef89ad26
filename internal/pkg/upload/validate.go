package upload

import (
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
)

var allowedExt = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
}

var allowedMime = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
}

var (
	ErrEmpty    = errors.New("no image provided")
	ErrTooLarge = errors.New("image is too large")
)

// ValidateImageBySniff checks the provided filename (extension) and the first bytes (head)
// against the formats the generation provider accepts. Returns detected mime or an error.
func ValidateImageBySniff(filename string, head []byte) (string, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext != "" && !allowedExt[ext] {
		return "", errors.New("only JPG, JPEG, PNG and WEBP images are supported")
	}

	detected := http.DetectContentType(head)

	// Block obvious scriptable types regardless of extension
	if strings.HasPrefix(detected, "text/html") || strings.HasPrefix(detected, "application/xhtml") {
		return "", errors.New("invalid file type: HTML content is not allowed")
	}
	if strings.HasPrefix(detected, "text/xml") || strings.HasPrefix(detected, "application/xml") || detected == "image/svg+xml" {
		return "", errors.New("SVG/XML files are not supported")
	}

	if allowedMime[detected] {
		return detected, nil
	}

	return "", fmt.Errorf("unsupported file type %s", detected)
}

// ValidateImage checks presence, size and type of a complete upload.
func ValidateImage(filename string, data []byte, maxBytes int64) (string, error) {
	if len(data) == 0 {
		return "", ErrEmpty
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return "", fmt.Errorf("%w: %d bytes (max %d)", ErrTooLarge, len(data), maxBytes)
	}
	head := data
	if len(head) > 512 {
		head = head[:512]
	}
	return ValidateImageBySniff(filename, head)
}
