/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/catchmeifyoucaan/surprise-sender-sub001/dispatch"
)

// DeliveryStore is a delivery log which can be read back.
type DeliveryStore interface {
	dispatch.DeliveryLog
	// List returns the records of configID in write order, or all records
	// when configID is empty.
	List(ctx context.Context, configID string) ([]*dispatch.DeliveryRecord, error)
}

// MemoryDeliveryLog keeps delivery records in memory.
type MemoryDeliveryLog struct {
	mutex   sync.RWMutex
	records []*dispatch.DeliveryRecord
}

// NewMemoryDeliveryLog creates an empty MemoryDeliveryLog.
func NewMemoryDeliveryLog() *MemoryDeliveryLog {
	return &MemoryDeliveryLog{}
}

// Record implements dispatch.DeliveryLog.
func (l *MemoryDeliveryLog) Record(ctx context.Context, record *dispatch.DeliveryRecord) error {
	r := *record

	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.records = append(l.records, &r)
	return nil
}

// List implements DeliveryStore.
func (l *MemoryDeliveryLog) List(ctx context.Context, configID string) ([]*dispatch.DeliveryRecord, error) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	records := make([]*dispatch.DeliveryRecord, 0, len(l.records))
	for _, record := range l.records {
		if configID == "" || record.ConfigID == configID {
			r := *record
			records = append(records, &r)
		}
	}
	return records, nil
}

// FileDeliveryLog appends delivery records as JSON lines to a file.
type FileDeliveryLog struct {
	mutex sync.Mutex
	path  string
	f     *os.File
}

// NewFileDeliveryLog opens path for appending.
func NewFileDeliveryLog(path string) (*FileDeliveryLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open delivery log: %w", err)
	}

	return &FileDeliveryLog{
		path: path,
		f:    f,
	}, nil
}

// Record implements dispatch.DeliveryLog. Each record is synced to disk
// before Record returns.
func (l *FileDeliveryLog) Record(ctx context.Context, record *dispatch.DeliveryRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode delivery record: %w", err)
	}
	data = append(data, '\n')

	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.f == nil {
		return errors.New("delivery log is closed")
	}
	if _, err = l.f.Write(data); err != nil {
		return fmt.Errorf("failed to write delivery record: %w", err)
	}
	return l.f.Sync()
}

// List implements DeliveryStore.
func (l *FileDeliveryLog) List(ctx context.Context, configID string) ([]*dispatch.DeliveryRecord, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open delivery log: %w", err)
	}
	defer f.Close()

	var records []*dispatch.DeliveryRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 4096), 1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		record := &dispatch.DeliveryRecord{}
		if err = json.Unmarshal(scanner.Bytes(), record); err != nil {
			return nil, fmt.Errorf("failed to decode delivery record: %w", err)
		}
		if configID == "" || record.ConfigID == configID {
			records = append(records, record)
		}
	}
	if err = scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read delivery log: %w", err)
	}

	return records, nil
}

// Close closes the underlying file.
func (l *FileDeliveryLog) Close() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}
