package core

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/jpeg"
)

// Frame is a decoded RGB image. Pix holds Width*Height*3 bytes, row major.
type Frame struct {
	Width  int
	Height int
	Pix    []byte
}

// BlankFrame returns an all-zero frame of the given shape.
func BlankFrame(width, height int) Frame {
	return Frame{Width: width, Height: height, Pix: make([]byte, width*height*3)}
}

// FrameFromImage converts any image into an RGB frame.
func FrameFromImage(img image.Image) Frame {
	b := img.Bounds()
	f := BlankFrame(b.Dx(), b.Dy())
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			f.Pix[i], f.Pix[i+1], f.Pix[i+2] = c.R, c.G, c.B
			i += 3
		}
	}
	return f
}

// Image 转换为标准库图像，用于编码
func (f Frame) Image() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, f.Width, f.Height))
	for p, i := 0, 0; i+2 < len(f.Pix); p, i = p+4, i+3 {
		img.Pix[p] = f.Pix[i]
		img.Pix[p+1] = f.Pix[i+1]
		img.Pix[p+2] = f.Pix[i+2]
		img.Pix[p+3] = 0xff
	}
	return img
}

// JPEG encodes the frame.
func (f Frame) JPEG() ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, f.Image(), &jpeg.Options{Quality: 90}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DataURL returns the frame as an inline JPEG suitable for image_url content.
func (f Frame) DataURL() (string, error) {
	data, err := f.JPEG()
	if err != nil {
		return "", err
	}
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(data), nil
}

// PadFrames 帧数不足 min 时用同尺寸黑帧补齐
func PadFrames(frames []Frame, min int) []Frame {
	if len(frames) == 0 || len(frames) >= min {
		return frames
	}
	w, h := frames[0].Width, frames[0].Height
	out := make([]Frame, len(frames), min)
	copy(out, frames)
	for len(out) < min {
		out = append(out, BlankFrame(w, h))
	}
	return out
}

// StrideSample takes every step-th frame with step = max(1, len/max) and
// keeps at most max of them.
func StrideSample(frames []Frame, max int) []Frame {
	if len(frames) == 0 || max <= 0 {
		return nil
	}
	step := len(frames) / max
	if step < 1 {
		step = 1
	}
	out := make([]Frame, 0, max)
	for i := 0; i < len(frames) && len(out) < max; i += step {
		out = append(out, frames[i])
	}
	return out
}
