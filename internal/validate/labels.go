// Package validate measures how well the configured detector, embedder and
// threshold separate identities on a labelled train/test image set.
package validate

import (
	"path/filepath"
	"regexp"
	"strings"
)

// Prediction labels that are never identity names.
const (
	LabelUnknown = "Unknown"
	LabelError   = "Error"
)

// Dataset files are named <n>_<Person Name>_<k>.<ext>, e.g. 12_Jane Doe_3.jpg.
var namePattern = regexp.MustCompile(`(?i)^\d+_([A-Za-z0-9 ]+)_\d+\.(jpg|jpeg|png)$`)

// ParseLabel extracts the person name from a dataset file name.
func ParseLabel(filename string) (string, bool) {
	m := namePattern.FindStringSubmatch(filepath.Base(filename))
	if m == nil {
		return "", false
	}
	label := strings.TrimSpace(m[1])
	return label, label != ""
}

// IsImage reports whether the file has a supported dataset extension.
func IsImage(filename string) bool {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg", ".png":
		return true
	}
	return false
}
