package models

// Frame is a single fetched frame of a source.
type Frame struct {
	// Source is the ID of the configured source the frame belongs to.
	Source string
	// Index is the zero-based position of the frame within the source.
	Index int
	// ContentType is the media type reported by the upstream origin.
	ContentType string
	Data        []byte
}

// Size returns the payload size in bytes.
func (f Frame) Size() int {
	return len(f.Data)
}
