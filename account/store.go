// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

// Package account keeps the durable registry of callable accounts and the
// sticky default-outgoing and connection-manager selections.
package account

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/sprucehealth/telecore/model"
)

// DocumentVersion is the version written by this build. Older documents are
// migrated forward on read, never rejected.
const DocumentVersion = 2

// document is the on-disk shape of the registry state
type document struct {
	Version           int                  `json:"version"`
	Accounts          []model.Account      `json:"accounts"`
	DefaultOutgoing   *model.AccountHandle `json:"default_outgoing,omitempty"`
	ConnectionManager *model.AccountHandle `json:"connection_manager,omitempty"`
}

// Store provides byte-oriented, atomic persistence for the account document.
// A failed Write must leave the previously committed document intact.
type Store interface {
	// Read returns the committed document bytes, or (nil, nil) when no
	// document has ever been written.
	Read() ([]byte, error)
	Write(data []byte) error
}

// FileStore persists the document to a single file, committing writes with a
// temp-file rename so a crash mid-write never corrupts the previous state.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Read() ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read account state")
	}
	return data, nil
}

func (s *FileStore) Write(data []byte) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return errors.Wrap(err, "create state dir")
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".accounts-*")
	if err != nil {
		return errors.Wrap(err, "create temp state file")
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.Wrap(err, "write account state")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, "close temp state file")
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, "commit account state")
	}
	return nil
}

// decodeDocument parses and forward-migrates a persisted document
func decodeDocument(data []byte) (document, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return document{}, errors.Wrap(err, "decode account document")
	}
	migrateDocument(&doc)
	return doc, nil
}

// migrateDocument upgrades older documents in place. Version 1 predates
// per-account scheme lists; absent lists are inferred as tel+voicemail.
func migrateDocument(doc *document) {
	if doc.Version < 2 {
		for i := range doc.Accounts {
			if len(doc.Accounts[i].SupportedSchemes) == 0 {
				doc.Accounts[i].SupportedSchemes = []string{model.SchemeTel, model.SchemeVoicemail}
			}
		}
	}
	doc.Version = DocumentVersion
}

func encodeDocument(doc document) ([]byte, error) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "encode account document")
	}
	return data, nil
}
