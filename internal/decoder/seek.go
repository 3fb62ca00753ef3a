//go:build !ios && !android && (amd64 || arm64)

package decoder

import (
	"fmt"
	"math"
	"unsafe"

	"github.com/obinnaokechukwu/ffgo/avcodec"
	"github.com/obinnaokechukwu/ffgo/avformat"
	"github.com/obinnaokechukwu/ffgo/avutil"
	"github.com/obinnaokechukwu/ffgo/swscale"
)

// frameTimestamp converts a frame index into stream time-base units:
// ts = frame · tb_den · fr_den / (tb_num · fr_num).
func (d *Decoder) frameTimestamp(frame int64) int64 {
	if d.opts.IgnoreStart {
		frame += int64(math.Round(d.startOffset))
	}
	num := int64(d.tbDen) * int64(d.rate.Den)
	den := int64(d.tbNum) * int64(d.rate.Num)
	if den == 0 {
		return frame
	}
	return frame * num / den
}

// Render seeks to the given frame index and fills the raster buffer with
// the decoded, scaled frame. On unrecoverable failure the buffer holds an
// empty frame and the error describes why; the Decoder itself stays usable.
func (d *Decoder) Render(frame int64) error {
	if d.formatCtx == nil || d.outFrame == nil {
		return ErrNotOpen
	}

	ts := d.frameTimestamp(frame)
	if err := d.seekFrame(ts); err != nil {
		d.renderEmpty()
		return err
	}

	// d.packet holds the first packet at or after the target; decode it and
	// keep reading until the codec hands back a finished frame.
	for reads := 0; ; {
		finished, err := d.decodePacket()
		avcodec.PacketUnref(d.packet)
		if err != nil {
			d.renderEmpty()
			return err
		}
		if finished && d.frameReachesTarget(ts) {
			return d.scaleOut()
		}

		// Codec needs more data, or the codec's delay handed back a frame
		// from before the target: fetch the next video packet.
		for {
			if reads++; reads > d.opts.ScanLimit {
				d.resetHead()
				d.renderEmpty()
				return ErrScanBudget
			}
			if err := avformat.ReadFrame(d.formatCtx, d.packet); err != nil {
				// Read error mid-decode: rewind so the next request starts clean.
				d.resetHead()
				d.renderEmpty()
				return fmt.Errorf("%w: %v", ErrSeekFailed, err)
			}
			if int(avcodec.GetPacketStreamIndex(d.packet)) == d.videoIdx {
				break
			}
			avcodec.PacketUnref(d.packet)
		}
	}
}

// seekFrame positions the stream so that the next video packet decodes the
// frame at timestamp ts. On success d.packet holds that packet.
func (d *Decoder) seekFrame(ts int64) error {
	if d.videoIdx < 0 {
		return ErrNotOpen
	}

	var seekErr error
	switch d.mode {
	case SeekAny:
		seekErr = d.librarySeek(ts, avformat.SeekFlagAny|avformat.SeekFlagBackward)
	case SeekKey:
		seekErr = d.librarySeek(ts, avformat.SeekFlagBackward)
	case SeekLivestream:
		// No seek call: live sources only ever move forward.
	default: // SeekContinuous
		behind := d.lastTS >= ts
		tooFar := float64(d.lastTS)+float64(d.opts.SeekThreshold)*d.tpf < float64(ts)
		if !d.positionValid || behind || tooFar {
			seekErr = d.librarySeek(ts, avformat.SeekFlagBackward)
		}
	}

	d.lastTS = ts
	d.positionValid = true

	if seekErr != nil {
		if d.mode == SeekContinuous || d.mode == SeekLivestream {
			d.resetHead()
		}
		return fmt.Errorf("%w: %v", ErrSeekFailed, seekErr)
	}

	scanned := 0
	for {
		if err := avformat.ReadFrame(d.formatCtx, d.packet); err != nil {
			return fmt.Errorf("%w: %v", ErrSeekFailed, err)
		}
		if int(avcodec.GetPacketStreamIndex(d.packet)) != d.videoIdx {
			avcodec.PacketUnref(d.packet)
			continue
		}

		// ANY and KEY trust the library seek: first video packet wins.
		if d.mode == SeekAny || d.mode == SeekKey {
			return nil
		}

		mtsb := avcodec.GetPacketPTS(d.packet)
		if mtsb == avutil.NoPTSValue {
			mtsb = avcodec.GetPacketDTS(d.packet)
			if mtsb != avutil.NoPTSValue {
				d.warnDTSOnce()
			}
		}
		if mtsb == avutil.NoPTSValue {
			avcodec.PacketUnref(d.packet)
			return ErrNoTimestamps
		}

		if d.mode == SeekLivestream {
			if d.livePTS == avutil.NoPTSValue &&
				avcodec.GetPacketFlags(d.packet)&pktFlagKey != 0 {
				d.livePTS = mtsb
			}
			if d.livePTS != avutil.NoPTSValue {
				mtsb -= d.livePTS
			} else {
				// No keyframe seen yet: keep decoding forward.
				mtsb = avutil.NoPTSValue
			}
		}

		if mtsb != avutil.NoPTSValue && mtsb >= ts {
			return nil
		}

		// Not there yet: decode and discard, within the scan budget.
		finished, err := d.decodePacket()
		avcodec.PacketUnref(d.packet)
		if err != nil {
			// One bad packet is not fatal; try the next.
			continue
		}
		if finished {
			if scanned++; scanned >= d.opts.ScanLimit {
				d.resetHead()
				return ErrScanBudget
			}
		}
	}
}

// frameReachesTarget reports whether the frame just decoded is at or past
// the target timestamp. The forward scan compares packet timestamps, but a
// codec with reorder or threading delay emits frames a few packets late;
// frames from before the target are discarded here.
func (d *Decoder) frameReachesTarget(ts int64) bool {
	if d.mode != SeekContinuous && d.mode != SeekLivestream {
		return true
	}
	pts := avutil.GetFramePTS(d.frame)
	if pts == avutil.NoPTSValue {
		return true
	}
	if d.mode == SeekLivestream {
		if d.livePTS == avutil.NoPTSValue {
			return true
		}
		pts -= d.livePTS
	}
	return pts >= ts
}

func (d *Decoder) librarySeek(ts int64, flags int32) error {
	d.stats.Seeks++
	err := avformat.SeekFrame(d.formatCtx, int32(d.videoIdx), ts, flags)
	if err == nil {
		avcodec.FlushBuffers(d.codecCtx)
	}
	return err
}

// decodePacket feeds the current packet to the codec and tries to receive
// one frame into d.frame. A false result with nil error means the codec
// needs more data.
func (d *Decoder) decodePacket() (bool, error) {
	if err := avcodec.SendPacket(d.codecCtx, d.packet); err != nil {
		if avutil.IsAgain(err) || avutil.IsEOF(err) {
			return false, nil
		}
		return false, fmt.Errorf("decoder: send packet: %w", err)
	}
	avutil.FrameUnref(d.frame)
	if err := avcodec.ReceiveFrame(d.codecCtx, d.frame); err != nil {
		if avutil.IsAgain(err) || avutil.IsEOF(err) {
			return false, nil
		}
		return false, fmt.Errorf("decoder: receive frame: %w", err)
	}
	d.stats.Decodes++
	return true, nil
}

// resetHead rewinds to the start of the stream, flushes the codec and
// decodes up to the first finished frame so the codec is in a defined
// state. Used after scan-budget overruns and read errors.
func (d *Decoder) resetHead() {
	d.stats.Seeks++
	if err := avformat.SeekFrame(d.formatCtx, int32(d.videoIdx), 0, avformat.SeekFlagBackward); err != nil {
		d.positionValid = false
		return
	}
	avcodec.FlushBuffers(d.codecCtx)

	for i := 0; i < d.opts.ScanLimit; i++ {
		if err := avformat.ReadFrame(d.formatCtx, d.packet); err != nil {
			break
		}
		if int(avcodec.GetPacketStreamIndex(d.packet)) != d.videoIdx {
			avcodec.PacketUnref(d.packet)
			continue
		}
		finished, err := d.decodePacket()
		avcodec.PacketUnref(d.packet)
		if err == nil && finished {
			break
		}
	}
	d.lastTS = 0
	d.positionValid = true
}

// scaleOut converts d.frame to the output geometry and pixel format with a
// bicubic scaler. The scaler context is cached and re-derived whenever the
// source geometry/format or the output geometry changes.
func (d *Decoder) scaleOut() error {
	srcW := int(avutil.GetFrameWidth(d.frame))
	srcH := int(avutil.GetFrameHeight(d.frame))
	srcFmt := avutil.GetFrameFormat(d.frame)
	if srcW <= 0 || srcH <= 0 {
		d.renderEmpty()
		return fmt.Errorf("%w: decoded frame has no geometry", ErrSeekFailed)
	}

	if d.swsCtx == nil || srcW != d.swsSrcW || srcH != d.swsSrcH ||
		srcFmt != d.swsSrcFmt || d.outW != d.swsDstW || d.outH != d.swsDstH {
		d.dropScaler()
		d.swsCtx = swscale.GetContext(
			srcW, srcH, avutil.PixelFormat(srcFmt),
			d.outW, d.outH, d.opts.PixelFormat,
			swscale.FlagBicubic, nil, nil, nil,
		)
		if d.swsCtx == nil {
			d.renderEmpty()
			return fmt.Errorf("decoder: no scaler for %dx%d fmt %d -> %dx%d fmt %d",
				srcW, srcH, srcFmt, d.outW, d.outH, d.opts.PixelFormat)
		}
		d.swsSrcW, d.swsSrcH, d.swsSrcFmt = srcW, srcH, srcFmt
		d.swsDstW, d.swsDstH = d.outW, d.outH
	}

	if err := avutil.FrameMakeWritable(d.outFrame); err != nil {
		d.renderEmpty()
		return fmt.Errorf("decoder: raster not writable: %w", err)
	}
	if ret := swscale.ScaleFrame(d.swsCtx, d.outFrame, d.frame); ret < 0 {
		d.renderEmpty()
		return avutil.NewError(ret, "sws_scale_frame")
	}

	d.copyOut()
	return nil
}

// copyOut packs the scaled frame's plane into the raster buffer, dropping
// any per-row padding the allocator added.
func (d *Decoder) copyOut() {
	ls := int(avutil.GetFrameLinesizePlane(d.outFrame, 0))
	data := avutil.GetFrameDataPlane(d.outFrame, 0)
	if data == nil || ls <= 0 {
		d.renderEmpty()
		return
	}
	bpr := d.outW * bytesPerPixel(d.opts.PixelFormat)
	src := unsafe.Slice((*byte)(data), ls*(d.outH-1)+bpr)
	for y := 0; y < d.outH; y++ {
		copy(d.buf[y*bpr:(y+1)*bpr], src[y*ls:y*ls+bpr])
	}
}

// renderEmpty fills the raster with black.
func (d *Decoder) renderEmpty() {
	for i := range d.buf {
		d.buf[i] = 0
	}
	if bytesPerPixel(d.opts.PixelFormat) == 4 {
		// Opaque alpha so empty frames composite as black, not transparent.
		for i := 3; i < len(d.buf); i += 4 {
			d.buf[i] = 0xff
		}
	}
}
