package moderation

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"
)

// ValidationError reports a request rejected before classification.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + ": " + e.Reason
}

// IsValidationError reports whether err is or wraps a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Limits bounds accepted payload sizes.
type Limits struct {
	MaxTextBytes  int
	MaxImageBytes int
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxTextBytes:  32 << 10,
		MaxImageBytes: 10 << 20,
	}
}

// SensitivityLevels maps the named per-request sensitivity levels to values.
var SensitivityLevels = map[string]float64{
	"low":    0.25,
	"medium": 0.5,
	"high":   0.9,
}

// Normalize validates req and returns its canonical form.
func Normalize(req Request, limits Limits) (Content, error) {
	if limits.MaxTextBytes <= 0 || limits.MaxImageBytes <= 0 {
		limits = DefaultLimits()
	}
	if req.Type == "" {
		return Content{}, invalid("type", "content type is required")
	}
	if !req.Type.Valid() {
		return Content{}, invalid("type", "unsupported content type %q", req.Type)
	}
	if lvl := req.Options.SensitivityLevel; lvl != "" {
		if _, ok := SensitivityLevels[strings.ToLower(lvl)]; !ok {
			return Content{}, invalid("options.sensitivity_level", "unknown level %q", lvl)
		}
	}

	switch req.Type {
	case TypeText:
		return normalizeText(req, limits)
	case TypeURL:
		return normalizeURL(req)
	default:
		return normalizeImage(req, limits)
	}
}

func normalizeText(req Request, limits Limits) (Content, error) {
	if !utf8.Valid(req.Content) {
		return Content{}, invalid("content", "text must be valid UTF-8")
	}
	text := strings.TrimSpace(string(req.Content))
	if text == "" {
		return Content{}, invalid("content", "text is empty")
	}
	if len(text) > limits.MaxTextBytes {
		return Content{}, invalid("content", "text exceeds %d bytes", limits.MaxTextBytes)
	}
	return Content{Type: TypeText, Text: text}, nil
}

func normalizeURL(req Request) (Content, error) {
	raw := strings.TrimSpace(string(req.Content))
	if raw == "" {
		return Content{}, invalid("content", "url is empty")
	}
	u, err := url.ParseRequestURI(raw)
	if err != nil {
		return Content{}, invalid("content", "malformed url")
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return Content{}, invalid("content", "url scheme must be http or https")
	}
	if u.Hostname() == "" {
		return Content{}, invalid("content", "url has no host")
	}
	u.Scheme = scheme
	u.Host = strings.ToLower(u.Host)
	return Content{Type: TypeURL, Text: u.String()}, nil
}

func normalizeImage(req Request, limits Limits) (Content, error) {
	data := req.Content
	if len(data) == 0 {
		return Content{}, invalid("content", "image is empty")
	}
	// JSON clients send images as base64, optionally as a data URL.
	if _, ok := DetectImageFormat(data); !ok {
		if decoded, err := decodeBase64Image(data); err == nil {
			data = decoded
		}
	}
	if len(data) > limits.MaxImageBytes {
		return Content{}, invalid("content", "image exceeds %d bytes", limits.MaxImageBytes)
	}
	mime, ok := DetectImageFormat(data)
	if !ok {
		return Content{}, invalid("content", "unrecognized image format")
	}
	return Content{
		Type:     TypeImage,
		Data:     data,
		MIMEType: mime,
		Filename: strings.TrimSpace(req.Filename),
	}, nil
}

func decodeBase64Image(raw []byte) ([]byte, error) {
	s := strings.TrimSpace(string(raw))
	if strings.HasPrefix(s, "data:") {
		idx := strings.Index(s, ",")
		if idx < 0 {
			return nil, errors.New("malformed data url")
		}
		s = s[idx+1:]
	}
	return base64.StdEncoding.DecodeString(s)
}

var imageSignatures = []struct {
	mime   string
	prefix []byte
}{
	{"image/png", []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}},
	{"image/jpeg", []byte{0xFF, 0xD8, 0xFF}},
	{"image/gif", []byte("GIF87a")},
	{"image/gif", []byte("GIF89a")},
	{"image/bmp", []byte("BM")},
}

// DetectImageFormat returns the MIME type of data if it starts with a
// recognized image header.
func DetectImageFormat(data []byte) (string, bool) {
	for _, sig := range imageSignatures {
		if bytes.HasPrefix(data, sig.prefix) {
			return sig.mime, true
		}
	}
	if len(data) >= 12 && bytes.Equal(data[0:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WEBP")) {
		return "image/webp", true
	}
	return "", false
}
