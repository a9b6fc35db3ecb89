// Package filerecord parses the filename grammar the dashcam uses for
// video, thumbnail, and GPS sidecar files and classifies each file by
// camera and kind.
package filerecord

import (
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Kind classifies a recording by its directory segment.
type Kind string

const (
	KindNormal    Kind = "normal"
	KindEmergency Kind = "emergency"
	KindPhoto     Kind = "photo"
)

// Camera identifies which camera produced a recording.
type Camera string

const (
	CameraFront Camera = "front"
	CameraBack  Camera = "back"
)

// Extension enumerates the recognized file extensions.
type Extension string

const (
	ExtTS  Extension = "TS"
	ExtTHM Extension = "THM"
	ExtTXT Extension = "TXT"
)

var filenamePattern = regexp.MustCompile(`^(\d{4})_(\d{2})_(\d{2})_(\d{6})_\d{2}\.(TS|THM|TXT)$`)

// FileRecord is a parsed, classified dashcam file reference.
type FileRecord struct {
	Path      string
	Filename  string
	Timestamp time.Time
	Camera    Camera
	Kind      Kind
	Extension Extension
	SizeBytes int64
}

// Parse extracts a FileRecord from a full device-relative path, matching
// the filename grammar YYYY_MM_DD_HHMMSS_XX.{TS,THM,TXT}. Camera is "back"
// iff a path segment starts with "back_"; Kind is "emergency" if any
// segment contains "emr", "photo" if any segment contains "photo",
// otherwise "normal".
func Parse(filePath string) (FileRecord, error) {
	filename := path.Base(filePath)

	m := filenamePattern.FindStringSubmatch(filename)
	if m == nil {
		return FileRecord{}, fmt.Errorf("filerecord: invalid filename format: %q", filename)
	}

	year, _ := strconv.Atoi(m[1])
	month, _ := strconv.Atoi(m[2])
	day, _ := strconv.Atoi(m[3])
	hhmmss := m[4]
	hour, _ := strconv.Atoi(hhmmss[0:2])
	minute, _ := strconv.Atoi(hhmmss[2:4])
	second, _ := strconv.Atoi(hhmmss[4:6])

	ts := time.Date(year, time.Month(month), day, hour, minute, second, 0, time.UTC)

	return FileRecord{
		Path:      filePath,
		Filename:  filename,
		Timestamp: ts,
		Camera:    classifyCamera(filePath),
		Kind:      classifyKind(filePath),
		Extension: Extension(m[5]),
	}, nil
}

func classifyCamera(filePath string) Camera {
	for _, seg := range strings.Split(filePath, "/") {
		if strings.HasPrefix(seg, "back_") {
			return CameraBack
		}
	}
	return CameraFront
}

func classifyKind(filePath string) Kind {
	lower := strings.ToLower(filePath)
	switch {
	case strings.Contains(lower, "emr"):
		return KindEmergency
	case strings.Contains(lower, "photo"):
		return KindPhoto
	default:
		return KindNormal
	}
}

// GPSSidecarPath derives the .TXT GPS sidecar path for a .TS video, mirroring
// the original client's path.replace(".TS", ".TXT").
func (r FileRecord) GPSSidecarPath() string {
	if r.Extension != ExtTS {
		return ""
	}
	return strings.TrimSuffix(r.Path, ".TS") + ".TXT"
}

// ThumbnailSidecarPath derives the .THM sidecar path for a .TS video.
func (r FileRecord) ThumbnailSidecarPath() string {
	if r.Extension != ExtTS {
		return ""
	}
	return strings.TrimSuffix(r.Path, ".TS") + ".THM"
}
