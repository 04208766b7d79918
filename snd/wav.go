package snd

import (
	"encoding/binary"
	"fmt"
)

// Constants
const (
	DefaultSampleRate = 48000
	DefaultChannels   = 2
	BitDepth          = 16

	HeaderSize = 44

	// MinPayloadBytes rejects near-empty captures that decode to
	// unplayable silence.
	MinPayloadBytes = 4096
)

// EncodeWAV concatenates raw interleaved little-endian PCM buffers into a
// single self-describing WAV blob: a 44-byte RIFF header followed by the
// payload. No resampling, no compression, no seek table.
func EncodeWAV(
	frames [][]byte,
	sampleRate int,
	channels int,
) ([]byte, error) {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	if channels <= 0 {
		channels = DefaultChannels
	}

	var payloadLen int
	for _, frame := range frames {
		payloadLen += len(frame)
	}

	if payloadLen < MinPayloadBytes {
		return nil, fmt.Errorf(
			"pcm payload too small to encode: %d bytes (minimum %d)",
			payloadLen,
			MinPayloadBytes,
		)
	}

	out := make([]byte, 0, HeaderSize+payloadLen)
	out = append(out, writeHeader(payloadLen, sampleRate, channels)...)
	for _, frame := range frames {
		out = append(out, frame...)
	}

	return out, nil
}

func writeHeader(payloadLen, sampleRate, channels int) []byte {
	blockAlign := channels * BitDepth / 8
	byteRate := sampleRate * blockAlign

	h := make([]byte, HeaderSize)
	copy(h[0:4], "RIFF")
	binary.LittleEndian.PutUint32(h[4:8], uint32(36+payloadLen))
	copy(h[8:12], "WAVE")
	copy(h[12:16], "fmt ")
	binary.LittleEndian.PutUint32(h[16:20], 16)
	binary.LittleEndian.PutUint16(h[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(h[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(h[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(h[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(h[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(h[34:36], BitDepth)
	copy(h[36:40], "data")
	binary.LittleEndian.PutUint32(h[40:44], uint32(payloadLen))
	return h
}

// PayloadLength reads back the declared data-chunk length from an encoded
// blob. Used when reporting recording sizes without re-walking the frames.
func PayloadLength(wav []byte) (int, error) {
	if len(wav) < HeaderSize {
		return 0, fmt.Errorf("wav blob shorter than header: %d bytes", len(wav))
	}
	return int(binary.LittleEndian.Uint32(wav[40:44])), nil
}
