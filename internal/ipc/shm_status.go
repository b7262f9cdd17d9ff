/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package ipc

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"

	"bitbucket.org/avd/go-ipc/mmf"
	"bitbucket.org/avd/go-ipc/shm"

	"github.com/catchmeifyoucaan/surprise-sender-sub001/server"
)

const shmStatusProjectID = "dispatchd"

func ftok(s, id string) string {
	h := sha256.New()
	h.Write([]byte(s))
	h.Write([]byte(id))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil)[:8])
}

type shmStatus struct {
	statePath string
	projectID string
}

func (s *shmStatus) ftok() string {
	if s.statePath == "" {
		panic("no state path set")
	}
	projectID := s.projectID
	if projectID == "" {
		projectID = shmStatusProjectID
	}
	return projectID + "-status." + ftok(s.statePath, projectID)
}

func (s *shmStatus) clear() error {
	return shm.DestroyMemoryObject(s.ftok())
}

func (s *shmStatus) set(status *server.Status) error {
	payload, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to encode status: %w", err)
	}

	obj, _, err := shm.NewMemoryObjectSize(s.ftok(), os.O_CREATE|os.O_WRONLY, 0600, frameTotalSize)
	if err != nil {
		return fmt.Errorf("failed to open shm for status: %w", err)
	}
	defer obj.Close()

	region, err := mmf.NewMemoryRegion(obj, mmf.MEM_READWRITE, 0, frameTotalSize)
	if err != nil {
		return fmt.Errorf("failed to open mmf for status: %w", err)
	}
	defer region.Close()

	return writeFrame(mmf.NewMemoryRegionWriter(region), payload, func() error {
		return region.Flush(false)
	})
}

func (s *shmStatus) get() (*server.Status, error) {
	obj, err := shm.NewMemoryObject(s.ftok(), os.O_RDONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to read shm for status: %w", err)
	}
	defer obj.Close()

	region, err := mmf.NewMemoryRegion(obj, mmf.MEM_READ_ONLY, 0, frameTotalSize)
	if err != nil {
		return nil, fmt.Errorf("failed to read mmf for status: %w", err)
	}
	defer region.Close()

	payload, err := readFrame(mmf.NewMemoryRegionReader(region))
	if err != nil {
		return nil, err
	}

	status := &server.Status{}
	if err = json.Unmarshal(payload, status); err != nil {
		return nil, fmt.Errorf("failed to decode status: %w", err)
	}

	return status, nil
}
