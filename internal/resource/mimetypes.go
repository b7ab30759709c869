package resource

import (
	"encoding/json"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
)

// builtinMimeTypes covers the common static-site extensions so lookups do not
// depend on the host's mime.types database.
var builtinMimeTypes = map[string]string{
	".css":   "text/css; charset=utf-8",
	".csv":   "text/csv; charset=utf-8",
	".gif":   "image/gif",
	".htm":   "text/html; charset=utf-8",
	".html":  "text/html; charset=utf-8",
	".ico":   "image/vnd.microsoft.icon",
	".jpeg":  "image/jpeg",
	".jpg":   "image/jpeg",
	".js":    "text/javascript; charset=utf-8",
	".json":  "application/json",
	".md":    "text/markdown; charset=utf-8",
	".mjs":   "text/javascript; charset=utf-8",
	".mp3":   "audio/mpeg",
	".mp4":   "video/mp4",
	".pdf":   "application/pdf",
	".png":   "image/png",
	".svg":   "image/svg+xml",
	".tar":   "application/x-tar",
	".txt":   "text/plain; charset=utf-8",
	".wasm":  "application/wasm",
	".webp":  "image/webp",
	".woff":  "font/woff",
	".woff2": "font/woff2",
	".xml":   "text/xml; charset=utf-8",
	".zip":   "application/zip",
}

// MimeTypeResolver maps file paths to Content-Type values.
type MimeTypeResolver struct {
	custom map[string]string
}

// NewMimeTypeResolver merges the inline mappings with those in the JSON file at
// path (if non-empty); file entries override inline ones. Extensions are
// matched case-insensitively and must start with '.'.
func NewMimeTypeResolver(inline map[string]string, path string) (*MimeTypeResolver, error) {
	r := &MimeTypeResolver{custom: make(map[string]string)}
	for ext, mimeType := range inline {
		r.custom[strings.ToLower(ext)] = mimeType
	}
	if path != "" {
		fromFile, err := LoadCustomMimeTypesFromFile(path)
		if err != nil {
			return nil, err
		}
		for ext, mimeType := range fromFile {
			r.custom[ext] = mimeType
		}
	}
	return r, nil
}

// Lookup returns the Content-Type for filePath, or "" when the type is unknown.
// Custom mappings win over the built-in table, which wins over the system
// mime database.
func (r *MimeTypeResolver) Lookup(filePath string) string {
	ext := strings.ToLower(filepath.Ext(filePath))
	if ext == "" {
		return ""
	}
	if mimeType, ok := r.custom[ext]; ok {
		return mimeType
	}
	if mimeType, ok := builtinMimeTypes[ext]; ok {
		return mimeType
	}
	return mime.TypeByExtension(ext)
}

// LoadCustomMimeTypesFromFile reads a JSON object mapping extensions to MIME
// types. Keys are lower-cased.
func LoadCustomMimeTypesFromFile(filePath string) (map[string]string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read MIME types file %q: %w", filePath, err)
	}

	var parsed map[string]string
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse JSON from MIME types file %q: %w", filePath, err)
	}

	out := make(map[string]string, len(parsed))
	for ext, mimeType := range parsed {
		if !strings.HasPrefix(ext, ".") {
			return nil, fmt.Errorf("invalid extension %q in MIME types file %q: must start with a '.'", ext, filePath)
		}
		if mimeType == "" {
			return nil, fmt.Errorf("empty MIME type for extension %q in MIME types file %q", ext, filePath)
		}
		out[strings.ToLower(ext)] = mimeType
	}
	return out, nil
}
