package audio

import (
	"encoding/base64"
	"fmt"
	"math"
)

// PCM16ToInt16 converts little-endian 16-bit PCM bytes to samples
func PCM16ToInt16(pcmData []byte) ([]int16, error) {
	if len(pcmData)%2 != 0 {
		return nil, fmt.Errorf("PCM data length must be even (16-bit samples)")
	}
	samples := make([]int16, len(pcmData)/2)
	for i := range samples {
		samples[i] = int16(pcmData[i*2]) | int16(pcmData[i*2+1])<<8
	}
	return samples, nil
}

// Int16ToPCM16 converts samples to little-endian 16-bit PCM bytes
func Int16ToPCM16(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// Int16ToFloat32 scales samples into [-1, 1)
func Int16ToFloat32(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768
	}
	return out
}

// Float32ToInt16 scales float samples back to 16-bit, clipping out of range values
func Float32ToInt16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		switch {
		case s >= 1:
			out[i] = math.MaxInt16
		case s <= -1:
			out[i] = math.MinInt16
		default:
			out[i] = int16(s * 32768)
		}
	}
	return out
}

// DecodePCM16Base64 decodes a base64 wire fragment into float samples
func DecodePCM16Base64(data string) ([]float32, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("decode audio fragment: %w", err)
	}
	samples, err := PCM16ToInt16(raw)
	if err != nil {
		return nil, err
	}
	return Int16ToFloat32(samples), nil
}

// EncodePCM16Base64 encodes float samples as a base64 PCM16LE wire fragment
func EncodePCM16Base64(samples []float32) string {
	return base64.StdEncoding.EncodeToString(Int16ToPCM16(Float32ToInt16(samples)))
}

// Resample performs simple linear interpolation resampling
func Resample(samples []int16, inputRate, outputRate int) []int16 {
	if inputRate == outputRate || len(samples) == 0 {
		return samples
	}

	ratio := float64(outputRate) / float64(inputRate)
	outputLength := int(float64(len(samples)) * ratio)
	output := make([]int16, outputLength)

	for i := 0; i < outputLength; i++ {
		srcPos := float64(i) / ratio
		idx0 := int(srcPos)
		idx1 := idx0 + 1
		if idx1 >= len(samples) {
			idx1 = len(samples) - 1
		}
		fraction := srcPos - float64(idx0)
		output[i] = int16(float64(samples[idx0])*(1.0-fraction) + float64(samples[idx1])*fraction)
	}

	return output
}

// CalculateRMS calculates the root mean square of 16-bit samples
func CalculateRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0.0
	}

	sum := 0.0
	for _, sample := range samples {
		sum += float64(sample) * float64(sample)
	}

	return math.Sqrt(sum / float64(len(samples)))
}

// RMS calculates the root mean square of float samples
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0.0
	}
	sum := 0.0
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
