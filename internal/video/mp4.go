package video

import (
	"os"
	"strings"

	"github.com/Eyevinn/mp4ff/mp4"
)

// mp4FrameCount reads the sample count of the first video track of a
// progressive MP4. It reports false for other containers and fragmented files.
func mp4FrameCount(path string) (int, bool) {
	lower := strings.ToLower(path)
	if !strings.HasSuffix(lower, ".mp4") && !strings.HasSuffix(lower, ".m4v") && !strings.HasSuffix(lower, ".mov") {
		return 0, false
	}

	f, err := os.Open(path)
	if err != nil {
		return 0, false
	}
	defer f.Close()

	mp4File, err := mp4.DecodeFile(f)
	if err != nil || mp4File.IsFragmented() || mp4File.Moov == nil {
		return 0, false
	}

	for _, trak := range mp4File.Moov.Traks {
		if trak.Mdia == nil || trak.Mdia.Hdlr == nil || trak.Mdia.Hdlr.HandlerType != "vide" {
			continue
		}
		if trak.Mdia.Minf == nil || trak.Mdia.Minf.Stbl == nil || trak.Mdia.Minf.Stbl.Stsz == nil {
			return 0, false
		}
		n := int(trak.Mdia.Minf.Stbl.Stsz.SampleNumber)
		return n, n > 0
	}
	return 0, false
}
