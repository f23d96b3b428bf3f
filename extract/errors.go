package extract

import "errors"

// Failure kinds of an extraction. Returned errors wrap exactly one of them.
var (
	ErrDownload     = errors.New("download failed")
	ErrParse        = errors.New("parse failed")
	ErrEmptyContent = errors.New("empty content")
)
