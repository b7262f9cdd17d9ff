/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

func newTestLogger() logrus.FieldLogger {
	logger, _ := test.NewNullLogger()
	return logger
}

var testNow = time.Date(2021, 6, 1, 12, 0, 0, 0, time.UTC)

type memStore struct {
	mutex   sync.Mutex
	configs map[string]*Configuration
	updates int
}

func newMemStore(configs ...*Configuration) *memStore {
	s := &memStore{
		configs: make(map[string]*Configuration),
	}
	for _, cfg := range configs {
		c := *cfg
		s.configs[cfg.ID] = &c
	}
	return s
}

func (s *memStore) Create(ctx context.Context, cfg *Configuration) (*Configuration, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	c := *cfg
	if c.ID == "" {
		c.ID = fmt.Sprintf("cfg-%d", len(s.configs)+1)
	}
	if _, ok := s.configs[c.ID]; ok {
		return nil, ErrAlreadyExists
	}
	s.configs[c.ID] = &c
	out := c
	return &out, nil
}

func (s *memStore) Get(ctx context.Context, id string) (*Configuration, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	c, ok := s.configs[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *c
	return &out, nil
}

func (s *memStore) List(ctx context.Context, ownerID string) ([]*Configuration, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var out []*Configuration
	for _, c := range s.configs {
		if ownerID == "" || c.OwnerID == ownerID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) Update(ctx context.Context, id string, fn func(cfg *Configuration) error) (*Configuration, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	c, ok := s.configs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	if err := fn(&cp); err != nil {
		return nil, err
	}
	s.configs[id] = &cp
	s.updates++
	out := cp
	return &out, nil
}

func (s *memStore) Delete(ctx context.Context, id string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.configs[id]; !ok {
		return ErrNotFound
	}
	delete(s.configs, id)
	return nil
}

func (s *memStore) mustGet(id string) *Configuration {
	c, err := s.Get(context.Background(), id)
	if err != nil {
		panic(err)
	}
	return c
}

type memLog struct {
	mutex   sync.Mutex
	records []*DeliveryRecord
}

func (l *memLog) Record(ctx context.Context, record *DeliveryRecord) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	l.records = append(l.records, record)
	return nil
}

func (l *memLog) count(status DeliveryStatus) int {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	n := 0
	for _, r := range l.records {
		if r.Status == status {
			n++
		}
	}
	return n
}

// fakeOpener hands out fakeTransports and fails hosts listed in openErr.
type fakeOpener struct {
	mutex sync.Mutex

	openErr   map[string]error
	verifyErr map[string]error
	sendErr   map[string]error

	opened []*TransportParams
	open   int
	closed int
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{
		openErr:   make(map[string]error),
		verifyErr: make(map[string]error),
		sendErr:   make(map[string]error),
	}
}

func (o *fakeOpener) Open(ctx context.Context, params *TransportParams) (Transport, error) {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	o.opened = append(o.opened, params)
	if err := o.openErr[params.Host]; err != nil {
		return nil, err
	}
	o.open++
	return &fakeTransport{opener: o, params: params}, nil
}

func (o *fakeOpener) calls() int {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	return len(o.opened)
}

func (o *fakeOpener) openTransports() int {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	return o.open - o.closed
}

type fakeTransport struct {
	opener *fakeOpener
	params *TransportParams
}

func (t *fakeTransport) Verify(ctx context.Context) error {
	t.opener.mutex.Lock()
	defer t.opener.mutex.Unlock()
	return t.opener.verifyErr[t.params.Host]
}

func (t *fakeTransport) Send(ctx context.Context, env *Envelope) (string, error) {
	t.opener.mutex.Lock()
	defer t.opener.mutex.Unlock()
	if err := t.opener.sendErr[t.params.Host]; err != nil {
		return "", err
	}
	return "id-" + t.params.Host, nil
}

func (t *fakeTransport) Close() error {
	t.opener.mutex.Lock()
	defer t.opener.mutex.Unlock()
	t.opener.closed++
	return nil
}

var errTestRefused = errors.New("connection refused")

func smtpConfig(id string, host string) *Configuration {
	return &Configuration{
		ID:              id,
		OwnerID:         "owner",
		Name:            id,
		ProviderType:    ProviderSMTP,
		Host:            host,
		Port:            587,
		Username:        id + "@example.org",
		Password:        "secret",
		Status:          StatusInactive,
		IsActive:        true,
		MaxEmailsPerDay: DefaultMaxEmailsPerDay,
		CreatedAt:       testNow.Add(-time.Hour),
	}
}
