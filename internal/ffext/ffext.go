//go:build !ios && !android && (amd64 || arm64)

// Package ffext reads a handful of AVStream, AVFormatContext and
// AVCodecParameters fields that ffgo's accessor surface does not expose.
// Offsets follow the layout ffgo verified against FFmpeg 6.x/7.x:
// AVStream.metadata sits at 80 and avg_frame_rate at 88, which pins
// start_time/duration/nb_frames/sample_aspect_ratio to the offsets below.
package ffext

import (
	"unsafe"

	"github.com/obinnaokechukwu/ffgo/avcodec"
	"github.com/obinnaokechukwu/ffgo/avformat"
	"github.com/obinnaokechukwu/ffgo/avutil"
)

// AVStream field offsets (FFmpeg 6.x/7.x).
const (
	offsetStreamStartTime = 40 // int64_t start_time
	offsetStreamDuration  = 48 // int64_t duration
	offsetStreamNbFrames  = 56 // int64_t nb_frames
)

// AVFormatContext field offsets (FFmpeg 6.x/7.x); duration is at 72.
const (
	offsetFmtCtxStartTime = 64 // int64_t start_time
)

// AVCodecParameters field offsets (FFmpeg 6.x/7.x); width/height are at 56/60.
const (
	offsetParSAR = 64 // AVRational sample_aspect_ratio
)

// StreamStartTime returns the stream's start_time in time_base units,
// or avutil.NoPTSValue when unknown.
func StreamStartTime(stream avformat.Stream) int64 {
	if stream == nil {
		return avutil.NoPTSValue
	}
	return *(*int64)(unsafe.Pointer(uintptr(stream) + offsetStreamStartTime))
}

// StreamDuration returns the stream duration in time_base units,
// or avutil.NoPTSValue when unknown.
func StreamDuration(stream avformat.Stream) int64 {
	if stream == nil {
		return avutil.NoPTSValue
	}
	return *(*int64)(unsafe.Pointer(uintptr(stream) + offsetStreamDuration))
}

// StreamFrames returns the container-declared number of frames, 0 if unknown.
func StreamFrames(stream avformat.Stream) int64 {
	if stream == nil {
		return 0
	}
	return *(*int64)(unsafe.Pointer(uintptr(stream) + offsetStreamNbFrames))
}

// FormatStartTime returns the container start time in AV_TIME_BASE
// (microsecond) units, or avutil.NoPTSValue when unknown.
func FormatStartTime(ctx avformat.FormatContext) int64 {
	if ctx == nil {
		return avutil.NoPTSValue
	}
	return *(*int64)(unsafe.Pointer(uintptr(ctx) + offsetFmtCtxStartTime))
}

// CodecParSampleAspectRatio returns the codec-declared pixel aspect ratio.
// A zero numerator means the container does not declare one.
func CodecParSampleAspectRatio(par avcodec.Parameters) (num, den int32) {
	if par == nil {
		return 0, 1
	}
	num = *(*int32)(unsafe.Pointer(uintptr(par) + offsetParSAR))
	den = *(*int32)(unsafe.Pointer(uintptr(par) + offsetParSAR + 4))
	return
}
