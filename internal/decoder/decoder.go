//go:build !ios && !android && (amd64 || arm64)

// Package decoder turns a frame index into a decoded, scaled raster.
//
// A Decoder owns one open video file. It is not safe for concurrent use;
// callers obtain exclusive access through the decoder pool. The FFmpeg
// open/close paths are not re-entrant, so every avformat_find_stream_info,
// avcodec open and close in this package runs under a single process-wide
// mutex. Decoding and scaling on distinct Decoders proceed in parallel.
package decoder

import (
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"sync"

	ffgo "github.com/obinnaokechukwu/ffgo"
	"github.com/obinnaokechukwu/ffgo/avcodec"
	"github.com/obinnaokechukwu/ffgo/avformat"
	"github.com/obinnaokechukwu/ffgo/avutil"
	"github.com/obinnaokechukwu/ffgo/swscale"

	"github.com/obinnaokechukwu/vframed/internal/ffext"
)

// codecMu serialises FFmpeg's non-reentrant open/close entry points
// (find_stream_info, avcodec open, close_input) across all Decoders.
var codecMu sync.Mutex

// SeekMode selects the seek strategy for a source.
type SeekMode int

const (
	// SeekAuto picks SeekLivestream for http(s) URLs and SeekContinuous
	// otherwise when the file is opened.
	SeekAuto SeekMode = iota

	// SeekAny seeks directly to any frame at or before the target and
	// decodes once. Fast, but may hand back garbage between keyframes.
	SeekAny

	// SeekKey seeks to the nearest keyframe before the target and returns
	// the first decoded frame.
	SeekKey

	// SeekContinuous seeks to the keyframe before the target only when the
	// target is behind the current position or too far ahead, and otherwise
	// decodes forward from where the last request left off.
	SeekContinuous

	// SeekLivestream never seeks. The stream is read forward and the first
	// keyframe's PTS is recorded as an offset so the stream appears to
	// start at zero. Live sources are assumed non-seekable.
	SeekLivestream
)

const (
	// defaultSeekThreshold is the forward-decode window, in frames. Targets
	// further ahead than this trigger a keyframe seek instead of a forward
	// scan. A cheap proxy for keyframe spacing.
	defaultSeekThreshold = 32

	// defaultScanLimit bounds the number of decoded-and-discarded frames a
	// single forward scan may produce before the Decoder resets.
	defaultScanLimit = 1000

	pktFlagKey = 0x0001 // AV_PKT_FLAG_KEY
)

var (
	ErrNotOpen       = errors.New("decoder: no file open")
	ErrNoVideoStream = errors.New("decoder: no video stream")
	ErrNoCodec       = errors.New("decoder: no decoder for codec")
	ErrNoTimestamps  = errors.New("decoder: packets carry no pts or dts")
	ErrSeekFailed    = errors.New("decoder: seek failed")
	ErrScanBudget    = errors.New("decoder: forward scan budget exhausted")
	ErrOutOfMemory   = errors.New("decoder: out of memory")
)

// Options configures a Decoder.
type Options struct {
	// PixelFormat of the rendered raster. Defaults to RGB24.
	PixelFormat avutil.PixelFormat

	// Mode overrides the seek strategy chosen at open time.
	Mode SeekMode

	// IgnoreStart offsets requested frame indices by the container's
	// start time, so frame 0 is the first frame of the stream rather
	// than timestamp zero.
	IgnoreStart bool

	// GenPTS asks the demuxer to synthesise missing presentation
	// timestamps.
	GenPTS bool

	// SeekThreshold and ScanLimit override the forward-scan bounds.
	// Zero means the defaults above.
	SeekThreshold int
	ScanLimit     int
}

// Rate is a frame rate with the drop-frame flag. Drop-frame detection
// lives here and nowhere else.
type Rate struct {
	Num, Den int32
	Drop     bool
}

// Float64 returns the rate in frames per second.
func (r Rate) Float64() float64 {
	if r.Den == 0 {
		return 0
	}
	return float64(r.Num) / float64(r.Den)
}

func newRate(num, den int32) Rate {
	r := Rate{Num: num, Den: den}
	fps := r.Float64()
	if num == 30000 && den == 1001 || math.Abs(fps-29.97) < 0.005 {
		r.Drop = true
	}
	return r
}

// Info describes an open video file and the Decoder's output geometry.
type Info struct {
	Width, Height       int // intrinsic display geometry
	OutWidth, OutHeight int
	AspectRatio         float64
	FrameRate           Rate
	Frames              int64
	Duration            float64 // seconds, best effort
	BufferBytes         int
	PixelFormat         avutil.PixelFormat
}

// Stats counts library seeks and completed decode calls. The tests read
// these.
type Stats struct {
	Seeks   uint64
	Decodes uint64
}

// Decoder is a stateful random-access frame decoder for one video file.
type Decoder struct {
	opts Options
	path string
	mode SeekMode

	formatCtx avformat.FormatContext
	codecCtx  avcodec.Context
	stream    avformat.Stream
	videoIdx  int

	packet avcodec.Packet
	frame  avutil.Frame // native decode target

	// cached scaler, re-derived when any of the six parameters changes
	swsCtx           swscale.Context
	swsSrcW, swsSrcH int
	swsSrcFmt        int32
	swsDstW, swsDstH int

	outFrame       avutil.Frame // scaled frame backing the raster buffer
	buf            []byte
	outW, outH     int
	bufW, bufH     int
	movieW, movieH int

	rate         Rate
	tbNum, tbDen int32
	duration     float64
	frames       int64
	startOffset  float64 // frames
	tpf          float64 // stream ticks per frame

	lastTS        int64 // target timestamp of the previous render
	positionValid bool  // false forces the next continuous render to seek
	livePTS       int64 // livestream pts offset, NoPTSValue until known

	warnedDTS bool
	stats     Stats
}

// Init loads the FFmpeg libraries. It is called lazily by Open but may be
// called early to surface load errors at startup.
func Init() error {
	return ffgo.Init()
}

// New returns a Decoder with no file open.
func New(opts Options) *Decoder {
	if opts.PixelFormat == 0 {
		opts.PixelFormat = avutil.PixelFormatRGB24
	}
	if opts.SeekThreshold <= 0 {
		opts.SeekThreshold = defaultSeekThreshold
	}
	if opts.ScanLimit <= 0 {
		opts.ScanLimit = defaultScanLimit
	}
	return &Decoder{opts: opts, videoIdx: -1, livePTS: avutil.NoPTSValue}
}

// Open opens the container, selects the first video stream and opens its
// codec. Re-opening the path that is already open is a no-op; opening a
// different path closes the current file first.
func (d *Decoder) Open(path string) error {
	if d.formatCtx != nil {
		if d.path == path {
			return nil
		}
		d.Close()
	}
	if err := Init(); err != nil {
		return err
	}

	d.videoIdx = -1
	d.lastTS = 0
	d.positionValid = false
	d.livePTS = avutil.NoPTSValue
	d.frames = 1
	d.duration = 0
	d.startOffset = 0
	d.tpf = 1

	if err := avformat.OpenInput(&d.formatCtx, path, nil, nil); err != nil {
		d.formatCtx = nil
		return fmt.Errorf("decoder: open %s: %w", path, err)
	}

	d.mode = d.opts.Mode
	if d.mode == SeekAuto {
		if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
			d.mode = SeekLivestream
		} else {
			d.mode = SeekContinuous
		}
	}
	if d.opts.GenPTS {
		avformat.AddFlags(d.formatCtx, avformat.AVFMT_FLAG_GENPTS)
	}

	codecMu.Lock()
	err := avformat.FindStreamInfo(d.formatCtx, nil)
	codecMu.Unlock()
	if err != nil {
		d.closeInput()
		return fmt.Errorf("decoder: stream info %s: %w", path, err)
	}

	idx := avformat.FindBestStream(d.formatCtx, avutil.MediaTypeVideo, -1, -1, nil, 0)
	if idx < 0 {
		d.closeInput()
		return fmt.Errorf("%w: %s", ErrNoVideoStream, path)
	}
	d.videoIdx = int(idx)
	d.stream = avformat.GetStream(d.formatCtx, d.videoIdx)
	d.tbNum, d.tbDen = avformat.GetStreamTimeBase(d.stream)

	d.setFrameRate()
	d.setDuration()

	par := avformat.GetStreamCodecPar(d.stream)
	codec := avcodec.FindDecoder(avformat.GetCodecParCodecID(par))
	if codec == nil {
		d.closeInput()
		return fmt.Errorf("%w: %s", ErrNoCodec, path)
	}
	d.codecCtx = avcodec.AllocContext3(codec)
	if d.codecCtx == nil {
		d.closeInput()
		return ErrOutOfMemory
	}
	if err := avcodec.ParametersToContext(d.codecCtx, par); err != nil {
		d.freeCodec()
		d.closeInput()
		return fmt.Errorf("decoder: codec parameters: %w", err)
	}
	codecMu.Lock()
	err = avcodec.Open2(d.codecCtx, codec, nil)
	codecMu.Unlock()
	if err != nil {
		d.freeCodec()
		d.closeInput()
		return fmt.Errorf("decoder: open codec: %w", err)
	}

	d.movieW = int(avformat.GetCodecParWidth(par))
	d.movieH = int(math.Floor(float64(d.movieW) / d.aspectRatio()))

	d.packet = avcodec.PacketAlloc()
	d.frame = avutil.FrameAlloc()
	if d.packet == nil || d.frame == nil {
		d.Close()
		return ErrOutOfMemory
	}

	d.path = path
	d.outW, d.outH = -1, -1
	d.bufW, d.bufH = 0, 0
	return d.initBuffer()
}

// setFrameRate derives the frame rate from the declared stream rate,
// falling back to the inverse time base when the declared rate is missing
// or implausible (outside 4..100 fps).
func (d *Decoder) setFrameRate() {
	num, den := avformat.GetStreamAvgFrameRate(d.stream)
	if num <= 0 || den <= 0 {
		num, den = d.tbDen, d.tbNum
	} else {
		fps := float64(num) / float64(den)
		if (fps < 4 || fps > 100) && d.tbNum > 0 && d.tbDen > 0 {
			num, den = d.tbDen, d.tbNum
		}
	}
	d.rate = newRate(num, den)

	fps := d.rate.Float64()
	if fps > 0 && d.tbNum > 0 {
		d.tpf = float64(d.tbDen) / (float64(d.tbNum) * fps)
	}
}

func (d *Decoder) setDuration() {
	tb := float64(d.tbNum) / float64(d.tbDen)
	fps := d.rate.Float64()

	if sd := ffext.StreamDuration(d.stream); sd != avutil.NoPTSValue && sd > 0 {
		d.duration = float64(sd) * tb
	} else if fd := avformat.GetDuration(d.formatCtx); fd > 0 {
		d.duration = float64(fd) / 1e6
	}

	if nf := ffext.StreamFrames(d.stream); nf > 0 {
		d.frames = nf
	} else if fd := avformat.GetDuration(d.formatCtx); fd > 0 {
		d.frames = int64(float64(fd) * fps / 1e6)
	}
	if d.frames < 1 {
		d.frames = 1
	}

	if st := ffext.FormatStartTime(d.formatCtx); st != avutil.NoPTSValue && st > 0 {
		d.startOffset = fps * float64(st) / 1e6
	}
}

// aspectRatio is the display aspect: SAR-corrected width over height,
// falling back to the raw coded geometry when SAR is absent or bogus.
func (d *Decoder) aspectRatio() float64 {
	par := avformat.GetStreamCodecPar(d.stream)
	w := float64(avformat.GetCodecParWidth(par))
	h := float64(avformat.GetCodecParHeight(par))
	if h <= 0 {
		return 1
	}
	sn, sd := ffext.CodecParSampleAspectRatio(par)
	var ar float64
	if sn != 0 && sd != 0 {
		ar = float64(sn) / float64(sd) * w / h
	}
	if ar <= 0 {
		ar = w / h
	}
	if ar <= 0 {
		return 1
	}
	return ar
}

// SetOutputGeometry applies the requested output size. A negative width or
// height is derived from the other axis preserving the aspect ratio; both
// negative selects the intrinsic geometry. Changing the geometry discards
// the raster buffer, the cached scaler and the decode position.
func (d *Decoder) SetOutputGeometry(w, h int) error {
	if d.formatCtx == nil {
		return ErrNotOpen
	}
	d.outW, d.outH = w, h
	return d.initBuffer()
}

func (d *Decoder) initBuffer() error {
	ar := d.aspectRatio()
	switch {
	case d.outH < 0 && d.outW > 0:
		d.outH = int(math.Floor(float64(d.outW) / ar))
	case d.outH > 0 && d.outW < 0:
		d.outW = int(math.Floor(float64(d.outH) * ar))
	}
	if d.outW < 0 {
		d.outW = d.movieW
	}
	if d.outH < 0 {
		d.outH = int(math.Floor(float64(d.movieW) / ar))
	}
	if d.outW <= 0 || d.outH <= 0 {
		d.outW, d.outH = 1, 1
	}

	if d.bufW == d.outW && d.bufH == d.outH {
		return nil
	}

	if d.outFrame != nil {
		avutil.FrameFree(&d.outFrame)
	}
	d.outFrame = avutil.FrameAlloc()
	if d.outFrame == nil {
		return ErrOutOfMemory
	}
	avutil.SetFrameWidth(d.outFrame, int32(d.outW))
	avutil.SetFrameHeight(d.outFrame, int32(d.outH))
	avutil.SetFrameFormat(d.outFrame, int32(d.opts.PixelFormat))
	if err := avutil.FrameGetBufferErr(d.outFrame, 1); err != nil {
		avutil.FrameFree(&d.outFrame)
		return fmt.Errorf("decoder: raster buffer: %w", err)
	}

	d.buf = make([]byte, PictureSize(d.opts.PixelFormat, d.outW, d.outH))
	d.bufW, d.bufH = d.outW, d.outH

	// Geometry changed: the scaler is stale and so is the decode position.
	d.dropScaler()
	d.lastTS = 0
	d.positionValid = false
	return nil
}

func (d *Decoder) dropScaler() {
	if d.swsCtx != nil {
		swscale.FreeContext(d.swsCtx)
		d.swsCtx = nil
	}
	d.swsSrcW, d.swsSrcH, d.swsSrcFmt = 0, 0, 0
}

// Info reports the open file's geometry, rate and buffer size.
func (d *Decoder) Info() Info {
	return Info{
		Width:       d.movieW,
		Height:      d.movieH,
		OutWidth:    d.outW,
		OutHeight:   d.outH,
		AspectRatio: d.aspectRatio(),
		FrameRate:   d.rate,
		Frames:      d.frames,
		Duration:    d.duration,
		BufferBytes: len(d.buf),
		PixelFormat: d.opts.PixelFormat,
	}
}

// Path returns the currently open file, or "" when closed.
func (d *Decoder) Path() string {
	if d.formatCtx == nil {
		return ""
	}
	return d.path
}

// Mode returns the effective seek mode chosen at open time.
func (d *Decoder) Mode() SeekMode { return d.mode }

// Stats returns the seek/decode counters.
func (d *Decoder) Stats() Stats { return d.stats }

// Raster returns the rendered raster. The slice is owned by the Decoder
// and overwritten by the next Render; copy it to keep it.
func (d *Decoder) Raster() []byte { return d.buf }

// Close releases all codec, format, scaler and buffer resources. Idempotent.
func (d *Decoder) Close() error {
	d.dropScaler()
	if d.outFrame != nil {
		avutil.FrameFree(&d.outFrame)
	}
	if d.frame != nil {
		avutil.FrameFree(&d.frame)
	}
	if d.packet != nil {
		avcodec.PacketFree(&d.packet)
	}
	d.buf = nil
	d.bufW, d.bufH = 0, 0
	d.freeCodec()
	d.closeInput()
	d.path = ""
	d.stream = nil
	d.videoIdx = -1
	return nil
}

func (d *Decoder) freeCodec() {
	if d.codecCtx == nil {
		return
	}
	codecMu.Lock()
	avcodec.FreeContext(&d.codecCtx)
	codecMu.Unlock()
	d.codecCtx = nil
}

func (d *Decoder) closeInput() {
	if d.formatCtx == nil {
		return
	}
	codecMu.Lock()
	avformat.CloseInput(&d.formatCtx)
	codecMu.Unlock()
	d.formatCtx = nil
}

// PictureSize returns the byte length of a packed raster.
func PictureSize(fmt avutil.PixelFormat, w, h int) int {
	return w * h * bytesPerPixel(fmt)
}

func bytesPerPixel(fmt avutil.PixelFormat) int {
	switch fmt {
	case avutil.PixelFormatRGB24, avutil.PixelFormatBGR24:
		return 3
	case avutil.PixelFormatGray8:
		return 1
	default: // RGBA, BGRA and friends
		return 4
	}
}

func (d *Decoder) warnDTSOnce() {
	if d.warnedDTS {
		return
	}
	d.warnedDTS = true
	log.Printf("decoder: %s reports no pts, falling back to dts timestamps", d.path)
}
