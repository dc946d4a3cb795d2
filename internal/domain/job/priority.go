package job

import "github.com/mwork/depth-orchestrator/internal/domain/media"

const (
	photoBase = 1
	videoBase = 101
	bucketCap = 99
	bucketDiv = 100 * 1024 * 1024 // 100 MB
)

// Priority computes the integer priority for a media item: photos before
// videos, and within a kind, smaller files before larger ones (§4.2). Lower
// values are claimed first. The Job Queue doesn't depend on this exact
// formula — any monotonic function of (kind, size) preserving those two
// rules would do — but this is the one the spec's own encoding names.
func Priority(kind media.Kind, byteSize int64) int {
	base := photoBase
	if kind == media.KindVideo {
		base = videoBase
	}

	bucket := byteSize * 100 / bucketDiv
	if bucket > bucketCap {
		bucket = bucketCap
	}
	if bucket < 0 {
		bucket = 0
	}

	return base + int(bucket)
}
