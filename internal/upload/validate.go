package upload

import (
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

// Constraints are checked by Start and Reattach. Zero values disable a check.
type Constraints struct {
	AllowedTypePrefix string
	MaxSizeInBytes    int64
}

// Validate checks f against the constraints.
func (c Constraints) Validate(f File) error {
	if f.Content == nil {
		return &ValidationError{Field: "content", Reason: "no byte source"}
	}

	if c.AllowedTypePrefix != "" && !strings.HasPrefix(f.ContentType, c.AllowedTypePrefix) {
		return &ValidationError{
			Field:  "content_type",
			Reason: "\"" + f.ContentType + "\" does not start with \"" + c.AllowedTypePrefix + "\"",
		}
	}

	if f.Size <= 0 {
		return &ValidationError{Field: "size", Reason: "file is empty"}
	}

	if c.MaxSizeInBytes > 0 && f.Size > c.MaxSizeInBytes {
		return &ValidationError{
			Field:  "size",
			Reason: humanize.IBytes(uint64(f.Size)) + " exceeds the " + humanize.IBytes(uint64(c.MaxSizeInBytes)) + " limit",
		}
	}

	return nil
}

// objectName builds "<unix-millis>_<6 hex>.<ext>" so concurrent uploads of
// the same file never collide.
func objectName(now time.Time, fileName string) string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	name := strconv.FormatInt(now.UnixMilli(), 10) + "_" + random

	if ext := strings.TrimPrefix(filepath.Ext(fileName), "."); ext != "" {
		name += "." + ext
	}

	return name
}
