package storage

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/klauspost/compress/zstd"

	"github.com/bdougie/framecaption/internal/models"
)

// File layout: the 4-byte magic, then a zstd stream of little-endian values:
//
//	uint32 count
//	count x { uint32 rank, rank x uint32 dim, prod(dims) x float32 }
var magic = [4]byte{'F', 'C', 'T', '1'}

const (
	maxRank   = 16
	readChunk = 1 << 16 // float32 values per read
)

// ErrFormat is returned when an artifact file is not in the expected format.
var ErrFormat = errors.New("invalid artifact format")

// WriteTensors serializes tensors to w.
func WriteTensors(w io.Writer, tensors []models.Tensor) error {
	for i, t := range tensors {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("tensor %d: %w", i, err)
		}
		if len(t.Shape) > maxRank {
			return fmt.Errorf("tensor %d: rank %d exceeds %d", i, len(t.Shape), maxRank)
		}
	}

	if _, err := w.Write(magic[:]); err != nil {
		return err
	}

	zw, err := zstd.NewWriter(w)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(zw)

	if err := binary.Write(bw, binary.LittleEndian, uint32(len(tensors))); err != nil {
		zw.Close()
		return err
	}
	for _, t := range tensors {
		if err := writeTensor(bw, t); err != nil {
			zw.Close()
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

func writeTensor(w io.Writer, t models.Tensor) error {
	header := make([]uint32, 0, len(t.Shape)+1)
	header = append(header, uint32(len(t.Shape)))
	for _, d := range t.Shape {
		header = append(header, uint32(d))
	}
	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		return err
	}

	buf := make([]byte, 4*len(t.Data))
	for i, v := range t.Data {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	_, err := w.Write(buf)
	return err
}

// ReadTensors deserializes tensors written by WriteTensors.
func ReadTensors(r io.Reader) ([]models.Tensor, error) {
	var got [4]byte
	if _, err := io.ReadFull(r, got[:]); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFormat, err)
	}
	if got != magic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrFormat, got[:])
	}

	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFormat, err)
	}
	defer zr.Close()
	br := bufio.NewReader(zr)

	var count uint32
	if err := binary.Read(br, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFormat, err)
	}

	tensors := make([]models.Tensor, 0, min(count, 4096))
	for i := uint32(0); i < count; i++ {
		t, err := readTensor(br)
		if err != nil {
			return nil, fmt.Errorf("%w: tensor %d: %w", ErrFormat, i, err)
		}
		tensors = append(tensors, t)
	}
	return tensors, nil
}

func readTensor(r io.Reader) (models.Tensor, error) {
	var rank uint32
	if err := binary.Read(r, binary.LittleEndian, &rank); err != nil {
		return models.Tensor{}, err
	}
	if rank > maxRank {
		return models.Tensor{}, fmt.Errorf("rank %d exceeds %d", rank, maxRank)
	}

	dims := make([]uint32, rank)
	if err := binary.Read(r, binary.LittleEndian, dims); err != nil {
		return models.Tensor{}, err
	}
	shape := make([]int, rank)
	n := uint64(1)
	for i, d := range dims {
		shape[i] = int(d)
		n *= uint64(d)
		if n > math.MaxInt32 {
			return models.Tensor{}, fmt.Errorf("tensor shape %v too large", dims)
		}
	}
	if rank == 0 {
		n = 0
	}

	// Grow with the data actually present so a corrupt header fails at EOF
	// instead of allocating what it claims.
	data := make([]float32, 0, min(n, readChunk))
	buf := make([]byte, 4*min(n, readChunk))
	for remaining := n; remaining > 0; {
		k := min(remaining, readChunk)
		if _, err := io.ReadFull(r, buf[:4*k]); err != nil {
			return models.Tensor{}, err
		}
		for i := uint64(0); i < k; i++ {
			data = append(data, math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:])))
		}
		remaining -= k
	}
	return models.Tensor{Shape: shape, Data: data}, nil
}
