package utils

import (
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

// FileExists 判断普通文件是否存在
func FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// VideoKey derives the storage key of a video from its base name: the
// extension is dropped and anything outside [A-Za-z0-9._-] becomes '_'.
func VideoKey(videoPath string) string {
	base := filepath.Base(videoPath)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	key := strings.Map(func(r rune) rune {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '.' || r == '-' || r == '_') {
			return r
		}
		return '_'
	}, base)
	key = strings.Trim(key, ".")
	if key == "" {
		return "video"
	}
	return key
}
