package ffmpeg

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// QSVEncoder is the only encoder stepdown drives.
const QSVEncoder = "hevc_qsv"

const detectTimeout = 10 * time.Second

// QSVStatus reports what DetectQSV found.
type QSVStatus struct {
	Listed  bool   // hevc_qsv appears in "ffmpeg -encoders"
	Device  bool   // the render node exists
	Works   bool   // a one-frame test encode succeeded
	Problem string // first failed check, empty when Works
}

// Available returns true when every check passed.
func (s QSVStatus) Available() bool {
	return s.Listed && s.Device && s.Works
}

// DetectQSV checks that ffmpeg was built with hevc_qsv, that device exists,
// and that a tiny test encode goes through. The result is advisory: the
// daemon starts either way and real failures surface per job.
func DetectQSV(ctx context.Context, ffmpegPath, device string) QSVStatus {
	var status QSVStatus

	ctx, cancel := context.WithTimeout(ctx, detectTimeout)
	defer cancel()

	output, err := exec.CommandContext(ctx, ffmpegPath, "-hide_banner", "-encoders").Output()
	if err != nil {
		status.Problem = fmt.Sprintf("cannot list encoders: %v", err)
		return status
	}
	status.Listed = encoderListed(string(output), QSVEncoder)
	if !status.Listed {
		status.Problem = QSVEncoder + " not compiled into " + ffmpegPath
		return status
	}

	if _, err := os.Stat(device); err != nil {
		status.Problem = fmt.Sprintf("render device unavailable: %v", err)
		return status
	}
	status.Device = true

	if err := exec.CommandContext(ctx, ffmpegPath, testEncodeArgs(device)...).Run(); err != nil {
		status.Problem = fmt.Sprintf("test encode failed: %v", err)
		return status
	}
	status.Works = true
	return status
}

// encoderListed looks for name as the second column of "ffmpeg -encoders".
func encoderListed(list, name string) bool {
	for _, line := range strings.Split(list, "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[1] == name {
			return true
		}
	}
	return false
}

func testEncodeArgs(device string) []string {
	return []string{
		"-hide_banner",
		"-init_hw_device", "qsv=hw,child_device=" + device,
		"-filter_hw_device", "hw",
		"-f", "lavfi",
		"-i", "color=c=black:s=256x256:d=0.1",
		"-vf", "format=nv12,hwupload=extra_hw_frames=64",
		"-frames:v", "1",
		"-c:v", QSVEncoder,
		"-f", "null",
		"-",
	}
}
