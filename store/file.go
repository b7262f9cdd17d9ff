/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/catchmeifyoucaan/surprise-sender-sub001/dispatch"
	"github.com/catchmeifyoucaan/surprise-sender-sub001/internal/secret"
)

// fileDocument is the on-disk layout of a FileConfigStore.
type fileDocument struct {
	Configurations []*dispatch.Configuration `yaml:"configurations"`
}

// FileConfigStore is a MemoryConfigStore which writes every change to a YAML
// file. Passwords and api keys are sealed before they are written.
type FileConfigStore struct {
	*MemoryConfigStore

	logger logrus.FieldLogger
	path   string
	sealer *secret.Sealer

	mutex sync.Mutex
}

// NewFileConfigStore opens or creates the store at path. The sealer is
// optional, without it secrets are written in plaintext.
func NewFileConfigStore(logger logrus.FieldLogger, path string, sealer *secret.Sealer) (*FileConfigStore, error) {
	s := &FileConfigStore{
		MemoryConfigStore: NewMemoryConfigStore(),

		logger: logger.WithField("scope", "store"),
		path:   path,
		sealer: sealer,
	}

	if err := s.load(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *FileConfigStore) load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.logger.WithField("path", s.path).Debugln("configuration file does not exist yet")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read configuration file: %w", err)
	}

	var doc fileDocument
	if err = yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse configuration file: %w", err)
	}

	for _, cfg := range doc.Configurations {
		if cfg == nil {
			continue
		}
		if err = s.openSecrets(cfg); err != nil {
			return fmt.Errorf("configuration %s: %w", cfg.ID, err)
		}
		if err = cfg.ApplyDefaults(); err != nil {
			return fmt.Errorf("configuration %s: %w", cfg.ID, err)
		}
		if err = cfg.Validate(); err != nil {
			return fmt.Errorf("configuration %s: %w", cfg.ID, err)
		}
		if _, err = s.MemoryConfigStore.Create(context.Background(), cfg); err != nil {
			return err
		}
	}

	s.logger.WithFields(logrus.Fields{
		"path":  s.path,
		"count": s.Count(),
	}).Infoln("configurations loaded")

	return nil
}

// Create implements dispatch.ConfigStore. A configuration which could not
// be written to the file is not kept.
func (s *FileConfigStore) Create(ctx context.Context, cfg *dispatch.Configuration) (*dispatch.Configuration, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	created, err := s.MemoryConfigStore.Create(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err = s.flush(ctx); err != nil {
		s.MemoryConfigStore.remove(created.ID)
		return nil, err
	}
	return created, nil
}

// Update implements dispatch.ConfigStore. The previous state is restored
// when the file could not be written.
func (s *FileConfigStore) Update(ctx context.Context, id string, fn func(cfg *dispatch.Configuration) error) (*dispatch.Configuration, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	previous, err := s.MemoryConfigStore.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	updated, err := s.MemoryConfigStore.Update(ctx, id, fn)
	if err != nil {
		return nil, err
	}
	if err = s.flush(ctx); err != nil {
		s.MemoryConfigStore.restore(previous)
		return nil, err
	}
	return updated, nil
}

// Delete implements dispatch.ConfigStore.
func (s *FileConfigStore) Delete(ctx context.Context, id string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	previous, err := s.MemoryConfigStore.Get(ctx, id)
	if err != nil {
		return err
	}
	if err = s.MemoryConfigStore.Delete(ctx, id); err != nil {
		return err
	}
	if err = s.flush(ctx); err != nil {
		s.MemoryConfigStore.restore(previous)
		return err
	}
	return nil
}

// flush writes a snapshot of all configurations. The file is replaced
// atomically. Must be called with s.mutex held.
func (s *FileConfigStore) flush(ctx context.Context) error {
	configs, err := s.MemoryConfigStore.List(ctx, "")
	if err != nil {
		return err
	}
	for _, cfg := range configs {
		if err = s.sealSecrets(cfg); err != nil {
			return err
		}
	}

	data, err := yaml.Marshal(&fileDocument{Configurations: configs})
	if err != nil {
		return fmt.Errorf("failed to encode configurations: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), "."+filepath.Base(s.path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create configuration file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write configuration file: %w", err)
	}
	if err = tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write configuration file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to write configuration file: %w", err)
	}
	if err = os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace configuration file: %w", err)
	}

	return nil
}

func (s *FileConfigStore) sealSecrets(cfg *dispatch.Configuration) error {
	if s.sealer == nil {
		return nil
	}

	var err error
	if cfg.Password, err = s.sealer.Seal(cfg.Password); err != nil {
		return err
	}
	if cfg.APIKey, err = s.sealer.Seal(cfg.APIKey); err != nil {
		return err
	}
	return nil
}

func (s *FileConfigStore) openSecrets(cfg *dispatch.Configuration) error {
	if !secret.IsSealed(cfg.Password) && !secret.IsSealed(cfg.APIKey) {
		return nil
	}
	if s.sealer == nil {
		return errors.New("sealed secrets found but no sealing key configured")
	}

	var err error
	if cfg.Password, err = s.sealer.Open(cfg.Password); err != nil {
		return err
	}
	if cfg.APIKey, err = s.sealer.Open(cfg.APIKey); err != nil {
		return err
	}
	return nil
}
