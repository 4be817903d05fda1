// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package extensions defines the integration points of the crisis service.
//
// The service talks to identity, compliance and paging systems only through
// these interfaces. Deployments inject concrete implementations through
// ServiceOptions; the defaults are safe for a single-node install.
//
// # Extension Categories
//
//   - auth.go: Supervisor authentication (AuthProvider)
//   - audit.go: Compliance audit logging (AuditLogger)
//   - notify.go: Supervisor paging on escalations (SupervisorNotifier)
//
// # Usage
//
//	opts := extensions.DefaultOptions().
//	    WithAuth(extensions.NewStaticTokenProvider(tokens)).
//	    WithNotifier(pager)
//	svc, err := crisis.New(cfg, opts)
//
// # Thread Safety
//
// All interface implementations must be safe for concurrent use.
package extensions

// ServiceOptions groups all extension points for service configuration.
//
// Nil fields are replaced with defaults by Normalize.
type ServiceOptions struct {
	// AuthProvider validates supervisor tokens.
	// Default: DenyAuthProvider (rejects everything)
	AuthProvider AuthProvider

	// AuditLogger records security-relevant events.
	// Default: SlogAuditLogger
	AuditLogger AuditLogger

	// SupervisorNotifier pages on-call supervisors.
	// Default: LogSupervisorNotifier
	SupervisorNotifier SupervisorNotifier
}

// DefaultOptions returns ServiceOptions for a single-node install.
//
// Supervisor endpoints are closed until an AuthProvider is configured.
// Audit events and supervisor alerts go to the structured log.
func DefaultOptions() ServiceOptions {
	return ServiceOptions{
		AuthProvider:       &DenyAuthProvider{},
		AuditLogger:        &SlogAuditLogger{},
		SupervisorNotifier: &LogSupervisorNotifier{},
	}
}

// Normalize fills nil fields with the defaults.
func (opts ServiceOptions) Normalize() ServiceOptions {
	def := DefaultOptions()
	if opts.AuthProvider == nil {
		opts.AuthProvider = def.AuthProvider
	}
	if opts.AuditLogger == nil {
		opts.AuditLogger = def.AuditLogger
	}
	if opts.SupervisorNotifier == nil {
		opts.SupervisorNotifier = def.SupervisorNotifier
	}
	return opts
}

// WithAuth returns a copy of opts with the given AuthProvider.
func (opts ServiceOptions) WithAuth(provider AuthProvider) ServiceOptions {
	opts.AuthProvider = provider
	return opts
}

// WithAudit returns a copy of opts with the given AuditLogger.
func (opts ServiceOptions) WithAudit(logger AuditLogger) ServiceOptions {
	opts.AuditLogger = logger
	return opts
}

// WithNotifier returns a copy of opts with the given SupervisorNotifier.
func (opts ServiceOptions) WithNotifier(n SupervisorNotifier) ServiceOptions {
	opts.SupervisorNotifier = n
	return opts
}
