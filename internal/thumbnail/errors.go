package thumbnail

import "errors"

var (
	// errInvalidBlobHTML means the device returned an HTML error page
	// instead of a thumbnail (a body beginning with "<!").
	errInvalidBlobHTML = errors.New("thumbnail: device returned an HTML error page")
	// errInvalidBlobTS means the device returned raw MPEG-TS bytes instead
	// of a thumbnail (a body beginning with the TS sync byte and a PID
	// high byte, 0x47 0x40).
	errInvalidBlobTS = errors.New("thumbnail: device returned video bytes instead of a thumbnail")
	// errInvalidBlobUnknown covers any other body failing SOI validation.
	errInvalidBlobUnknown = errors.New("thumbnail: body failed JPEG SOI validation")
)
