package models

import "fmt"

// Frame is a decoded video frame in BGR channel order, 3 bytes per pixel, row-major.
type Frame struct {
	Width  int
	Height int
	Pix    []byte
}

// Validate checks that the pixel buffer matches the frame dimensions.
func (f Frame) Validate() error {
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("invalid frame size %dx%d", f.Width, f.Height)
	}
	if len(f.Pix) != f.Width*f.Height*3 {
		return fmt.Errorf("frame buffer has %d bytes, want %d", len(f.Pix), f.Width*f.Height*3)
	}
	return nil
}

// FrameUnit represents one sampled position of a video
type FrameUnit struct {
	FrameIndex int
	Frames     []Frame
}

// Tensor is an opaque numeric tensor.
type Tensor struct {
	Shape []int
	Data  []float32
}

// Len returns the number of elements implied by the shape.
func (t Tensor) Len() int {
	if len(t.Shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Validate checks that the data length matches the shape.
func (t Tensor) Validate() error {
	for _, d := range t.Shape {
		if d < 0 {
			return fmt.Errorf("negative dimension in shape %v", t.Shape)
		}
	}
	if t.Len() != len(t.Data) {
		return fmt.Errorf("tensor shape %v needs %d values, has %d", t.Shape, t.Len(), len(t.Data))
	}
	return nil
}

// Vector wraps a flat vector as a rank-1 tensor.
func Vector(data []float32) Tensor {
	return Tensor{Shape: []int{len(data)}, Data: data}
}

// PredictionResult is the work product for one sampled frame
type PredictionResult struct {
	FrameIndex       int       `json:"frame_index"`
	Caption          string    `json:"caption"`
	CaptionEmbedding []float32 `json:"caption_embedding"`
	EncoderOutput    Tensor    `json:"-"`
}
