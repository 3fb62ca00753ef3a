//go:build !ios && !android && (amd64 || arm64)

package decoder

import (
	"bytes"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/obinnaokechukwu/ffgo/avutil"
)

// createTestVideo renders a 2s 320x240 25fps test pattern with the ffmpeg
// CLI. Tests are skipped when ffmpeg or the shared libraries are missing.
func createTestVideo(t *testing.T) string {
	t.Helper()

	if err := Init(); err != nil {
		t.Skipf("FFmpeg libraries not available: %v", err)
	}

	testFile := filepath.Join(t.TempDir(), "test.mp4")
	cmd := exec.Command("ffmpeg", "-y",
		"-f", "lavfi", "-i", "testsrc=duration=2:size=320x240:rate=25",
		"-c:v", "libx264", "-preset", "ultrafast",
		"-pix_fmt", "yuv420p",
		testFile)
	if err := cmd.Run(); err != nil {
		t.Skipf("ffmpeg not available or failed: %v", err)
	}
	if _, err := os.Stat(testFile); err != nil {
		t.Skipf("test file not created: %v", err)
	}
	return testFile
}

func openTestDecoder(t *testing.T, opts Options) *Decoder {
	t.Helper()
	d := New(opts)
	if err := d.Open(createTestVideo(t)); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestOpenInfo(t *testing.T) {
	d := openTestDecoder(t, Options{})

	info := d.Info()
	if info.Width != 320 || info.Height != 240 {
		t.Fatalf("intrinsic geometry: got %dx%d, want 320x240", info.Width, info.Height)
	}
	if info.Frames < 1 {
		t.Fatalf("frames: got %d, want >= 1", info.Frames)
	}
	// 2 seconds at 25 fps, within one frame of 50.
	if info.Frames < 49 || info.Frames > 51 {
		t.Errorf("frames: got %d, want about 50", info.Frames)
	}
	if got := info.FrameRate.Float64(); got < 24.9 || got > 25.1 {
		t.Errorf("frame rate: got %g, want 25", got)
	}
	if info.FrameRate.Drop {
		t.Errorf("25 fps must not be flagged drop-frame")
	}
	if info.OutWidth != 320 || info.OutHeight != 240 {
		t.Errorf("default output geometry: got %dx%d, want intrinsic", info.OutWidth, info.OutHeight)
	}
	if info.BufferBytes != PictureSize(avutil.PixelFormatRGB24, 320, 240) {
		t.Errorf("buffer size: got %d", info.BufferBytes)
	}
}

func TestOpenIdempotent(t *testing.T) {
	d := openTestDecoder(t, Options{})
	path := d.Path()

	if err := d.Open(path); err != nil {
		t.Fatalf("re-open failed: %v", err)
	}
	if d.Path() != path {
		t.Fatalf("re-open changed path")
	}
	info := d.Info()
	if info.Width != 320 || info.Height != 240 {
		t.Fatalf("re-open lost stream info")
	}
}

func TestOutputGeometryAspect(t *testing.T) {
	d := openTestDecoder(t, Options{})

	if err := d.SetOutputGeometry(160, -1); err != nil {
		t.Fatalf("SetOutputGeometry: %v", err)
	}
	info := d.Info()
	if info.OutWidth != 160 || info.OutHeight != 120 {
		t.Fatalf("auto height: got %dx%d, want 160x120", info.OutWidth, info.OutHeight)
	}

	if err := d.SetOutputGeometry(-1, 60); err != nil {
		t.Fatalf("SetOutputGeometry: %v", err)
	}
	info = d.Info()
	if info.OutWidth != 80 || info.OutHeight != 60 {
		t.Fatalf("auto width: got %dx%d, want 80x60", info.OutWidth, info.OutHeight)
	}
	if got, want := len(d.Raster()), PictureSize(avutil.PixelFormatRGB24, 80, 60); got != want {
		t.Fatalf("buffer not reallocated: got %d, want %d", got, want)
	}
}

func TestRenderDeterministic(t *testing.T) {
	d := openTestDecoder(t, Options{})
	if err := d.SetOutputGeometry(160, -1); err != nil {
		t.Fatalf("SetOutputGeometry: %v", err)
	}

	if err := d.Render(5); err != nil {
		t.Fatalf("Render(5): %v", err)
	}
	first := append([]byte(nil), d.Raster()...)

	if err := d.Render(5); err != nil {
		t.Fatalf("Render(5) again: %v", err)
	}
	if !bytes.Equal(first, d.Raster()) {
		t.Fatalf("repeated render of the same frame differs")
	}
}

func TestContinuousForwardNoSeek(t *testing.T) {
	d := openTestDecoder(t, Options{})
	if d.Mode() != SeekContinuous {
		t.Fatalf("local file mode: got %v, want SeekContinuous", d.Mode())
	}

	if err := d.Render(10); err != nil {
		t.Fatalf("Render(10): %v", err)
	}
	seeks := d.Stats().Seeks

	// The next frame is within the forward window: no backward seek.
	if err := d.Render(11); err != nil {
		t.Fatalf("Render(11): %v", err)
	}
	if got := d.Stats().Seeks; got != seeks {
		t.Fatalf("forward render seeked: %d -> %d", seeks, got)
	}

	// Going backwards must seek.
	if err := d.Render(3); err != nil {
		t.Fatalf("Render(3): %v", err)
	}
	if got := d.Stats().Seeks; got == seeks {
		t.Fatalf("backward render did not seek")
	}
}

func TestRenderPermutationMatchesColdDecoder(t *testing.T) {
	frames := []int64{0, 40, 20, 21, 5}

	warm := openTestDecoder(t, Options{})
	if err := warm.SetOutputGeometry(160, 120); err != nil {
		t.Fatalf("SetOutputGeometry: %v", err)
	}
	got := make(map[int64][]byte)
	for _, f := range frames {
		if err := warm.Render(f); err != nil {
			t.Fatalf("Render(%d): %v", f, err)
		}
		got[f] = append([]byte(nil), warm.Raster()...)
	}

	for _, f := range frames {
		cold := New(Options{})
		if err := cold.Open(warm.Path()); err != nil {
			t.Fatalf("cold Open: %v", err)
		}
		if err := cold.SetOutputGeometry(160, 120); err != nil {
			t.Fatalf("SetOutputGeometry: %v", err)
		}
		if err := cold.Render(f); err != nil {
			t.Fatalf("cold Render(%d): %v", f, err)
		}
		if !bytes.Equal(got[f], cold.Raster()) {
			t.Errorf("frame %d: warm and cold rasters differ", f)
		}
		cold.Close()
	}
}

func TestRenderPastEndFails(t *testing.T) {
	d := openTestDecoder(t, Options{})

	err := d.Render(100000)
	if err == nil {
		t.Fatalf("render far past EOF succeeded")
	}
	// Raster holds the empty frame.
	for _, b := range d.Raster() {
		if b != 0 {
			t.Fatalf("raster not blanked after failed render")
		}
	}

	// The decoder stays usable.
	if err := d.Render(0); err != nil {
		t.Fatalf("render after failure: %v", err)
	}
}

func TestKeySeekMode(t *testing.T) {
	d := openTestDecoder(t, Options{Mode: SeekKey})
	if err := d.Render(10); err != nil {
		t.Fatalf("Render in key mode: %v", err)
	}
	if d.Stats().Seeks == 0 {
		t.Fatalf("key mode did not seek")
	}
}

func TestRGBARender(t *testing.T) {
	d := openTestDecoder(t, Options{PixelFormat: avutil.PixelFormatRGBA})
	if err := d.SetOutputGeometry(64, 48); err != nil {
		t.Fatalf("SetOutputGeometry: %v", err)
	}
	if err := d.Render(0); err != nil {
		t.Fatalf("Render: %v", err)
	}
	if got, want := len(d.Raster()), 64*48*4; got != want {
		t.Fatalf("raster size: got %d, want %d", got, want)
	}
}

func TestCloseIdempotent(t *testing.T) {
	d := openTestDecoder(t, Options{})
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := d.Render(0); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("Render after Close: got %v, want ErrNotOpen", err)
	}
}

// The remaining tests are hermetic.

func TestFrameTimestamp(t *testing.T) {
	d := New(Options{})
	d.tbNum, d.tbDen = 1, 90000
	d.rate = newRate(25, 1)

	if got := d.frameTimestamp(25); got != 90000 {
		t.Fatalf("frameTimestamp(25): got %d, want 90000", got)
	}
	if got := d.frameTimestamp(0); got != 0 {
		t.Fatalf("frameTimestamp(0): got %d, want 0", got)
	}

	d.opts.IgnoreStart = true
	d.startOffset = 50
	if got := d.frameTimestamp(0); got != 180000 {
		t.Fatalf("frameTimestamp with start offset: got %d, want 180000", got)
	}
}

func TestRateDropFlag(t *testing.T) {
	if !newRate(30000, 1001).Drop {
		t.Errorf("30000/1001 must be drop-frame")
	}
	if newRate(25, 1).Drop {
		t.Errorf("25/1 must not be drop-frame")
	}
	if newRate(30, 1).Drop {
		t.Errorf("30/1 must not be drop-frame")
	}
}

func TestPictureSize(t *testing.T) {
	if got := PictureSize(avutil.PixelFormatRGB24, 320, 240); got != 320*240*3 {
		t.Fatalf("RGB24 picture size: got %d", got)
	}
	if got := PictureSize(avutil.PixelFormatRGBA, 320, 240); got != 320*240*4 {
		t.Fatalf("RGBA picture size: got %d", got)
	}
}
