package protocol

// stdinHeaderLen is the tag byte in front of WriteStdin payloads.
const stdinHeaderLen = 1

// userRAMHeaderLen is tag + uint32 offset in front of WriteUserRAM payloads.
const userRAMHeaderLen = 5

// StdinChunkSize returns the largest WriteStdin payload that fits in one
// write of maxWriteSize bytes.
func StdinChunkSize(maxWriteSize int) int {
	return maxWriteSize - stdinHeaderLen
}

// ProgramChunkSize returns the largest WriteUserRAM payload that fits in one
// write of maxWriteSize bytes.
func ProgramChunkSize(maxWriteSize int) int {
	return maxWriteSize - userRAMHeaderLen
}

// ChunkBytes splits data into consecutive slices of at most size bytes.
// The slices alias data. Returns nil for empty data or a non-positive size.
func ChunkBytes(data []byte, size int) [][]byte {
	if len(data) == 0 || size <= 0 {
		return nil
	}
	chunks := make([][]byte, 0, (len(data)+size-1)/size)
	for len(data) > 0 {
		n := min(size, len(data))
		chunks = append(chunks, data[:n])
		data = data[n:]
	}
	return chunks
}

// ProgramChunks splits compiled program bytes into WriteUserRAM commands that
// each fit in a write of maxWriteSize bytes. Offsets are absolute, strictly
// increasing and contiguous, and together cover all of data.
func ProgramChunks(data []byte, maxWriteSize int) []WriteUserRAM {
	chunks := ChunkBytes(data, ProgramChunkSize(maxWriteSize))
	if chunks == nil {
		return nil
	}
	cmds := make([]WriteUserRAM, len(chunks))
	offset := 0
	for i, c := range chunks {
		cmds[i] = WriteUserRAM{Offset: uint32(offset), Data: c}
		offset += len(c)
	}
	return cmds
}
