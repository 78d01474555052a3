package job

import (
	"path"
	"strings"
)

// Slug turns an item identifier into a file-name stem: every character that is
// not an ASCII letter or digit becomes an underscore.
func Slug(id string) string {
	var b strings.Builder
	b.Grow(len(id))
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "item"
	}
	return b.String()
}

// ArtifactPath is the logical path of an artifact below the output directory.
func ArtifactPath(outputDir, name string) string {
	return path.Join("/", outputDir, name)
}
