// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package emergency

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianCrisis/services/crisis/datatypes"
)

// Contact capability tags.
const (
	CapEmergencyServices = "emergency_services"
	CapCrisisHotline     = "crisis_hotline"
	CapTextLine          = "text_line"
	CapCrisisTeam        = "mobile_crisis_team"
)

// DefaultRegion is used when a request carries no region.
const DefaultRegion = "US"

// ContactRegistry returns region-appropriate emergency contacts.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type ContactRegistry interface {
	// Contacts returns contacts for region. Unknown regions fall back to
	// the registry default; the result is never empty on success.
	Contacts(ctx context.Context, region string) ([]datatypes.EmergencyContact, error)
}

// DefaultContacts is the built-in US contact list. It is also the last
// resort when a registry lookup fails.
func DefaultContacts() []datatypes.EmergencyContact {
	return []datatypes.EmergencyContact{
		{Name: "988 Suicide & Crisis Lifeline", Phone: "988", SMS: "988", Region: "US", Capabilities: []string{CapCrisisHotline, CapTextLine, CapCrisisTeam}},
		{Name: "Emergency Services", Phone: "911", Region: "US", Capabilities: []string{CapEmergencyServices}},
		{Name: "Crisis Text Line", SMS: "741741", Region: "US", Capabilities: []string{CapTextLine}},
	}
}

func cloneContacts(in []datatypes.EmergencyContact) []datatypes.EmergencyContact {
	out := make([]datatypes.EmergencyContact, len(in))
	for i, c := range in {
		c.Capabilities = append([]string(nil), c.Capabilities...)
		out[i] = c
	}
	return out
}

// =============================================================================
// StaticRegistry
// =============================================================================

// StaticRegistry serves a fixed table.
type StaticRegistry struct {
	byRegion map[string][]datatypes.EmergencyContact
	fallback []datatypes.EmergencyContact
}

// NewStaticRegistry builds a registry. A nil table serves DefaultContacts
// for every region.
func NewStaticRegistry(byRegion map[string][]datatypes.EmergencyContact) *StaticRegistry {
	r := &StaticRegistry{
		byRegion: make(map[string][]datatypes.EmergencyContact, len(byRegion)),
		fallback: DefaultContacts(),
	}
	for region, contacts := range byRegion {
		if len(contacts) > 0 {
			r.byRegion[strings.ToUpper(region)] = cloneContacts(contacts)
		}
	}
	if def, ok := r.byRegion[DefaultRegion]; ok {
		r.fallback = def
	}
	return r
}

func (r *StaticRegistry) Contacts(ctx context.Context, region string) ([]datatypes.EmergencyContact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c, ok := r.byRegion[strings.ToUpper(region)]; ok {
		return cloneContacts(c), nil
	}
	return cloneContacts(r.fallback), nil
}

// =============================================================================
// FileRegistry
// =============================================================================

// registryFile is the YAML layout:
//
//	default_region: US
//	regions:
//	  US:
//	    - name: 988 Suicide & Crisis Lifeline
//	      phone: "988"
//	      capabilities: [crisis_hotline]
type registryFile struct {
	DefaultRegion string                                  `yaml:"default_region"`
	Regions       map[string][]datatypes.EmergencyContact `yaml:"regions"`
}

// FileRegistry loads contacts from a YAML file and reloads it on change.
//
// # Description
//
// The parent directory is watched with fsnotify so editors that replace
// the file by rename are picked up. A reload that fails to parse keeps
// the previous table.
//
// # Thread Safety
//
// Safe for concurrent use.
type FileRegistry struct {
	path    string
	mu      sync.RWMutex
	current *StaticRegistry
	watcher *fsnotify.Watcher
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
	// reloaded is signalled after each reload attempt; used by tests.
	reloaded chan error
}

// NewFileRegistry loads path and starts watching it.
func NewFileRegistry(path string) (*FileRegistry, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve registry path: %w", err)
	}
	reg, err := loadRegistryFile(abs)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create registry watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	r := &FileRegistry{
		path:     abs,
		current:  reg,
		watcher:  watcher,
		done:     make(chan struct{}),
		reloaded: make(chan error, 8),
	}
	r.wg.Add(1)
	go r.watch()

	slog.Info("Emergency contact registry loaded", "path", abs, "regions", len(reg.byRegion))
	return r, nil
}

func (r *FileRegistry) Contacts(ctx context.Context, region string) ([]datatypes.EmergencyContact, error) {
	r.mu.RLock()
	cur := r.current
	r.mu.RUnlock()
	return cur.Contacts(ctx, region)
}

// Close stops watching. Safe to call more than once.
func (r *FileRegistry) Close() error {
	var err error
	r.once.Do(func() {
		close(r.done)
		err = r.watcher.Close()
		r.wg.Wait()
	})
	return err
}

func (r *FileRegistry) watch() {
	defer r.wg.Done()
	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			r.handleEvent(event)
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Emergency contact registry watcher error", "error", err)
		case <-r.done:
			return
		}
	}
}

func (r *FileRegistry) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != r.path {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return
	}

	reg, err := loadRegistryFile(r.path)
	if err != nil {
		slog.Error("Emergency contact registry reload failed, keeping previous contacts",
			"path", r.path, "error", err)
	} else {
		r.mu.Lock()
		r.current = reg
		r.mu.Unlock()
		slog.Info("Emergency contact registry reloaded", "path", r.path, "regions", len(reg.byRegion))
	}

	select {
	case r.reloaded <- err:
	default:
	}
}

// ParseRegistry decodes a registry document.
func ParseRegistry(data []byte) (*StaticRegistry, error) {
	var f registryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse contact registry: %w", err)
	}
	if len(f.Regions) == 0 {
		return nil, fmt.Errorf("contact registry has no regions")
	}
	for region, contacts := range f.Regions {
		for i, c := range contacts {
			if c.Name == "" || (c.Phone == "" && c.SMS == "") {
				return nil, fmt.Errorf("contact %d in region %s needs a name and a phone or sms", i, region)
			}
		}
	}

	reg := NewStaticRegistry(f.Regions)
	if f.DefaultRegion != "" {
		def, ok := reg.byRegion[strings.ToUpper(f.DefaultRegion)]
		if !ok {
			return nil, fmt.Errorf("default region %s has no contacts", f.DefaultRegion)
		}
		reg.fallback = def
	}
	return reg, nil
}

func loadRegistryFile(path string) (*StaticRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read contact registry: %w", err)
	}
	return ParseRegistry(data)
}

var (
	_ ContactRegistry = (*StaticRegistry)(nil)
	_ ContactRegistry = (*FileRegistry)(nil)
)
