// Package wire defines the length-prefixed JSON frames exchanged
// between TransferClient and TransferServer, and the codec that reads
// and writes them.
package wire

import "time"

// FileDescriptor describes the file being transferred.
type FileDescriptor struct {
	LogicalName string    `json:"logicalName"`
	Size        int64     `json:"size"`
	MD5         string    `json:"md5,omitempty"`
	SHA256      string    `json:"sha256,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	SourceTag   string    `json:"sourceTag,omitempty"`
}

// ChunkingStrategy mirrors the chunking policy on the wire.
type ChunkingStrategy struct {
	ChunkSize  int64 `json:"chunkSize"`
	ChunkCount int64 `json:"chunkCount"`
}

// Request is the client -> server request frame.
type Request struct {
	TransferID       string           `json:"transferId"`
	Metadata         FileDescriptor   `json:"metadata"`
	ChunkingStrategy ChunkingStrategy `json:"chunkingStrategy"`
	ResumeTransfer   bool             `json:"resumeTransfer"`
	ResumeToken      string           `json:"resumeToken,omitempty"`
	AuthToken        string           `json:"authToken"`
}

// Ack is the server -> client acknowledgement frame. AdditionalInfo on
// resume carries the JSON array of already-completed chunk indices.
// ResumeToken carries the handle the client should retain to reattach
// to this transfer if the connection is lost mid-stream. ChunkSize is
// the chunking policy actually in effect for this transfer: on a
// fresh transfer, the size the request asked for, or the server's
// default when the request left it at zero; on resume, the original
// transfer's chunk size regardless of
// what the resuming request asked for. The client always frames
// chunks to match what the server expects, never its own guess.
type Ack struct {
	Success        bool   `json:"success"`
	ErrorMessage   string `json:"errorMessage,omitempty"`
	AdditionalInfo []int  `json:"additionalInfo,omitempty"`
	ResumeToken    string `json:"resumeToken,omitempty"`
	ChunkSize      int64  `json:"chunkSize,omitempty"`
}

// Chunk is the client -> server chunk frame. Data is base64-encoded
// binary payload inside the JSON body.
type Chunk struct {
	TransferID    string `json:"transferId"`
	ChunkIndex    int    `json:"chunkIndex"`
	Data          []byte `json:"data"`
	ChunkChecksum string `json:"chunkChecksum,omitempty"`
	IsLastChunk   bool   `json:"isLastChunk"`
}

// ChunkAck is the server -> client per-chunk acknowledgement frame.
type ChunkAck struct {
	Success      bool   `json:"success"`
	ChunkIndex   int    `json:"chunkIndex"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// Final is the server -> client terminal frame for a transfer.
type Final struct {
	Success      bool   `json:"success"`
	FinalPath    string `json:"finalPath,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// FrameKind names a frame for logging; the wire itself carries no
// self-describing tag; which frame is expected next is determined by
// the connection's state machine.
type FrameKind string

const (
	KindRequest  FrameKind = "request"
	KindAck      FrameKind = "ack"
	KindChunk    FrameKind = "chunk"
	KindChunkAck FrameKind = "chunkAck"
	KindFinal    FrameKind = "final"
)
