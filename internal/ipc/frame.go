/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package ipc

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Frame layout, little endian.
//
// Header (offset 0)
//   1 byte version (uint8)
//   4 byte payload length (uint32)
//
// Payload (offset frameHeaderSize)
//   .. as long as the payload length says
//   32 byte payload sha256 signature
const (
	frameTotalSize  = 1024 * 1024 // 1 MiB
	frameHeaderSize = 128
	frameVersion1   = uint8(1)
)

var (
	errFrameTooLarge         = errors.New("status payload too large")
	errFrameSignatureInvalid = errors.New("status payload signature mismatch")
)

// writeFrame writes payload to w. The payload goes first, the header second
// and the signature last, so readers never accept a partial update. flush is
// called after each step when set.
func writeFrame(w io.WriterAt, payload []byte, flush func() error) error {
	if frameHeaderSize+len(payload)+sha256.Size > frameTotalSize {
		return errFrameTooLarge
	}
	if flush == nil {
		flush = func() error { return nil }
	}
	signature := sha256.Sum256(payload)

	if err := writeAtFull(w, payload, frameHeaderSize); err != nil {
		return fmt.Errorf("failed to write status payload: %w", err)
	}
	if err := flush(); err != nil {
		return err
	}

	header := &bytes.Buffer{}
	_ = binary.Write(header, binary.LittleEndian, frameVersion1)
	_ = binary.Write(header, binary.LittleEndian, uint32(len(payload)))
	if err := writeAtFull(w, header.Bytes(), 0); err != nil {
		return fmt.Errorf("failed to write status header: %w", err)
	}
	if err := flush(); err != nil {
		return err
	}

	if err := writeAtFull(w, signature[:], frameHeaderSize+int64(len(payload))); err != nil {
		return fmt.Errorf("failed to write status signature: %w", err)
	}
	return flush()
}

// readFrame reads and verifies the payload stored in r.
func readFrame(r io.ReaderAt) ([]byte, error) {
	header := make([]byte, 5)
	if _, err := r.ReadAt(header, 0); err != nil {
		return nil, fmt.Errorf("failed to read status header: %w", err)
	}

	switch version := header[0]; version {
	case frameVersion1:
	default:
		return nil, fmt.Errorf("unknown status header version: %v", version)
	}

	payloadSize := binary.LittleEndian.Uint32(header[1:])
	if frameHeaderSize+int64(payloadSize)+sha256.Size > frameTotalSize {
		return nil, errFrameTooLarge
	}

	data := make([]byte, int(payloadSize)+sha256.Size)
	if _, err := r.ReadAt(data, frameHeaderSize); err != nil {
		return nil, fmt.Errorf("failed to read status payload: %w", err)
	}
	payload, signature := data[:payloadSize], data[payloadSize:]

	expected := sha256.Sum256(payload)
	if !bytes.Equal(expected[:], signature) {
		return nil, errFrameSignatureInvalid
	}

	return payload, nil
}

func writeAtFull(w io.WriterAt, p []byte, off int64) error {
	n, err := w.WriteAt(p, off)
	if err == nil && n != len(p) {
		err = io.ErrShortWrite
	}
	return err
}
