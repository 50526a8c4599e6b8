package imaging

import (
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"math"
)

// Minimal NIfTI-1 reader: enough of the fixed 348-byte header to pull
// the middle axial slice out of a single-file (.nii) volume. Voxel
// intensities are min-max windowed to 8-bit grayscale.

const niftiHeaderSize = 348

// NIfTI-1 datatype codes we accept.
const (
	niftiUint8   = 2
	niftiInt16   = 4
	niftiInt32   = 8
	niftiFloat32 = 16
	niftiUint16  = 512
)

func decodeNIfTI(data []byte) (image.Image, error) {
	if len(data) < niftiHeaderSize {
		return nil, fmt.Errorf("truncated NIfTI header: %d bytes", len(data))
	}

	// sizeof_hdr doubles as the endianness probe.
	var order binary.ByteOrder = binary.LittleEndian
	if order.Uint32(data[0:4]) != niftiHeaderSize {
		order = binary.BigEndian
		if order.Uint32(data[0:4]) != niftiHeaderSize {
			return nil, fmt.Errorf("bad sizeof_hdr")
		}
	}

	ndim := int(int16(order.Uint16(data[40:42])))
	if ndim < 2 || ndim > 7 {
		return nil, fmt.Errorf("unsupported dimensionality %d", ndim)
	}
	nx := int(int16(order.Uint16(data[42:44])))
	ny := int(int16(order.Uint16(data[44:46])))
	nz := 1
	if ndim >= 3 {
		nz = int(int16(order.Uint16(data[46:48])))
	}
	if nx <= 0 || ny <= 0 || nz <= 0 {
		return nil, fmt.Errorf("bad dimensions %dx%dx%d", nx, ny, nz)
	}

	datatype := int(int16(order.Uint16(data[70:72])))
	bytesPer, ok := map[int]int{
		niftiUint8: 1, niftiInt16: 2, niftiInt32: 4, niftiFloat32: 4, niftiUint16: 2,
	}[datatype]
	if !ok {
		return nil, fmt.Errorf("unsupported datatype %d", datatype)
	}

	voxOffset := int(math.Float32frombits(order.Uint32(data[108:112])))
	if voxOffset < niftiHeaderSize {
		voxOffset = niftiHeaderSize + 4 // header + default extension flag
	}

	sliceVoxels := nx * ny
	sliceStart := voxOffset + (nz/2)*sliceVoxels*bytesPer
	sliceEnd := sliceStart + sliceVoxels*bytesPer
	if sliceEnd > len(data) {
		return nil, fmt.Errorf("volume truncated: need %d bytes, have %d", sliceEnd, len(data))
	}

	voxels := make([]float64, sliceVoxels)
	raw := data[sliceStart:sliceEnd]
	for i := 0; i < sliceVoxels; i++ {
		switch datatype {
		case niftiUint8:
			voxels[i] = float64(raw[i])
		case niftiInt16:
			voxels[i] = float64(int16(order.Uint16(raw[i*2:])))
		case niftiUint16:
			voxels[i] = float64(order.Uint16(raw[i*2:]))
		case niftiInt32:
			voxels[i] = float64(int32(order.Uint32(raw[i*4:])))
		case niftiFloat32:
			voxels[i] = float64(math.Float32frombits(order.Uint32(raw[i*4:])))
		}
	}

	lo, hi := voxels[0], voxels[0]
	for _, v := range voxels[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	scale := 0.0
	if hi > lo {
		scale = 255 / (hi - lo)
	}

	img := image.NewGray(image.Rect(0, 0, nx, ny))
	for y := 0; y < ny; y++ {
		for x := 0; x < nx; x++ {
			v := voxels[y*nx+x]
			img.SetGray(x, y, color.Gray{Y: uint8((v - lo) * scale)})
		}
	}
	return img, nil
}
