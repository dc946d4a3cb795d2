package job

import (
	"testing"

	"github.com/mwork/depth-orchestrator/internal/domain/media"
)

func TestPriority_PhotosBeforeVideos(t *testing.T) {
	photo := Priority(media.KindPhoto, 1024)
	video := Priority(media.KindVideo, 1024)
	if photo >= video {
		t.Fatalf("expected photo priority (%d) < video priority (%d)", photo, video)
	}
}

func TestPriority_SmallerBeforeLarger_WithinKind(t *testing.T) {
	small := Priority(media.KindPhoto, 1024)
	large := Priority(media.KindPhoto, 500*1024*1024)
	if small >= large {
		t.Fatalf("expected smaller file priority (%d) < larger file priority (%d)", small, large)
	}
}

func TestPriority_BucketClampsAtCap(t *testing.T) {
	huge := Priority(media.KindPhoto, 100*1024*1024*1024)
	maxForKind := photoBase + bucketCap
	if huge != maxForKind {
		t.Fatalf("expected bucket to clamp at %d, got %d", maxForKind, huge)
	}
}

func TestPriority_ZeroByteSize(t *testing.T) {
	p := Priority(media.KindPhoto, 0)
	if p != photoBase {
		t.Fatalf("expected base priority %d for zero-size photo, got %d", photoBase, p)
	}
}
