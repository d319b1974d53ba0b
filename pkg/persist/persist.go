// Copyright (C) 2026  ERCF Transport Authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package persist stores feeder variables in a single JSON file,
// written atomically so a power loss mid-save cannot corrupt the
// calibration and gate state it holds.
package persist

import (
	"bytes"
	"encoding/json"
	"os"
	"sync"

	"github.com/natefinch/atomic"

	"github.com/smumriak/ERCF-Software-V3/pkg/errors"
	"github.com/smumriak/ERCF-Software-V3/pkg/log"
)

// Store is a flat key/value variable file. All methods are safe for
// concurrent use.
type Store struct {
	mu   sync.Mutex
	path string
	vars map[string]json.RawMessage
	log  *log.Logger
}

// Open loads the variable file at path, creating an empty store when
// the file does not exist yet.
func Open(path string) (*Store, error) {
	s := &Store{
		path: path,
		vars: make(map[string]json.RawMessage),
		log:  log.GetLogger("persist"),
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrRuntime, "failed to read variables file")
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, &s.vars); err != nil {
		return nil, errors.Wrap(err, errors.ErrRuntime, "variables file is corrupt").
			SetContext("path", path)
	}
	s.log.Debug("loaded %d variables from %s", len(s.vars), path)
	return s, nil
}

// Set stores value under key and flushes the file to disk before
// returning.
func (s *Store) Set(key string, value interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(err, errors.ErrRuntime, "failed to encode variable").
			SetContext("key", key)
	}
	s.vars[key] = raw
	return s.flush()
}

// Delete removes a key and flushes.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.vars[key]; !ok {
		return nil
	}
	delete(s.vars, key)
	return s.flush()
}

// flush writes the whole variable map atomically. Caller holds mu.
func (s *Store) flush() error {
	data, err := json.MarshalIndent(s.vars, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.ErrRuntime, "failed to encode variables file")
	}
	if err := atomic.WriteFile(s.path, bytes.NewReader(data)); err != nil {
		return errors.Wrap(err, errors.ErrRuntime, "failed to write variables file").
			SetContext("path", s.path)
	}
	return nil
}

// GetFloat returns a persisted float, or fallback when absent or of
// the wrong type.
func (s *Store) GetFloat(key string, fallback float64) float64 {
	var v float64
	if s.get(key, &v) {
		return v
	}
	return fallback
}

// GetInt returns a persisted int, or fallback.
func (s *Store) GetInt(key string, fallback int) int {
	var v int
	if s.get(key, &v) {
		return v
	}
	return fallback
}

// GetIntList returns a persisted int slice, or fallback.
func (s *Store) GetIntList(key string, fallback []int) []int {
	var v []int
	if s.get(key, &v) {
		return v
	}
	return fallback
}

// GetStringList returns a persisted string slice, or fallback.
func (s *Store) GetStringList(key string, fallback []string) []string {
	var v []string
	if s.get(key, &v) {
		return v
	}
	return fallback
}

// GetObject decodes a persisted structured value into out and reports
// whether the key was present and decodable.
func (s *Store) GetObject(key string, out interface{}) bool {
	return s.get(key, out)
}

func (s *Store) get(key string, out interface{}) bool {
	s.mu.Lock()
	raw, ok := s.vars[key]
	s.mu.Unlock()
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, out); err != nil {
		s.log.WithError(err).Warnf("persisted variable %s has unexpected type, ignoring", key)
		return false
	}
	return true
}

// Keys returns all stored variable names.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.vars))
	for k := range s.vars {
		keys = append(keys, k)
	}
	return keys
}
