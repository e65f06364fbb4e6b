package storage

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

const (
	wavHeaderSize   = 44
	wavFmtChunkSize = 16
	wavFormatPCM    = 1
	wavBitDepth     = 16
)

// WriteWAV encodes mono PCM16 samples as a canonical 44-byte-header WAV
// stream.
func WriteWAV(w io.Writer, samples []int16, sampleRate int) error {
	dataSize := uint32(len(samples) * 2)
	blockAlign := uint16(wavBitDepth / 8)

	header := make([]byte, wavHeaderSize)
	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], 36+dataSize)
	copy(header[8:12], "WAVE")
	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], wavFmtChunkSize)
	binary.LittleEndian.PutUint16(header[20:22], wavFormatPCM)
	binary.LittleEndian.PutUint16(header[22:24], 1)
	binary.LittleEndian.PutUint32(header[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(header[28:32], uint32(sampleRate)*uint32(blockAlign))
	binary.LittleEndian.PutUint16(header[32:34], blockAlign)
	binary.LittleEndian.PutUint16(header[34:36], wavBitDepth)
	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], dataSize)

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("storage: write wav header: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, samples); err != nil {
		return fmt.Errorf("storage: write wav data: %w", err)
	}
	return nil
}

// ReadWAV decodes a mono PCM16 WAV stream written by [WriteWAV].
func ReadWAV(r io.Reader) (samples []int16, sampleRate int, err error) {
	header := make([]byte, wavHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, 0, fmt.Errorf("storage: read wav header: %w", err)
	}
	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" || string(header[36:40]) != "data" {
		return nil, 0, fmt.Errorf("storage: not a canonical wav stream")
	}
	if f := binary.LittleEndian.Uint16(header[20:22]); f != wavFormatPCM {
		return nil, 0, fmt.Errorf("storage: unsupported wav format %d", f)
	}
	if ch, bits := binary.LittleEndian.Uint16(header[22:24]), binary.LittleEndian.Uint16(header[34:36]); ch != 1 || bits != wavBitDepth {
		return nil, 0, fmt.Errorf("storage: want mono 16-bit wav, got %d channels %d bits", ch, bits)
	}
	sampleRate = int(binary.LittleEndian.Uint32(header[24:28]))
	samples = make([]int16, binary.LittleEndian.Uint32(header[40:44])/2)
	if err := binary.Read(r, binary.LittleEndian, samples); err != nil {
		return nil, 0, fmt.Errorf("storage: read wav data: %w", err)
	}
	return samples, sampleRate, nil
}

func writeWAVFile(path string, samples []int16, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	bw := bufio.NewWriter(f)
	if err := WriteWAV(bw, samples, sampleRate); err != nil {
		f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("storage: flush %s: %w", path, err)
	}
	return f.Close()
}
