package config

import "time"

type CorsMode string

const (
	// CorsSimple answers every origin with a wildcard policy.
	CorsSimple CorsMode = "simple"
	// CorsAdvanced only answers origins, methods and headers that are listed.
	CorsAdvanced CorsMode = "advanced"
)

const (
	DefaultPort       = 8080
	DefaultCorsMaxAge = 86400
)

// ServerConfig is the policy the mock server runs with. A value is treated as
// immutable once published; updates build a new value.
type ServerConfig struct {
	Port                 uint16   `json:"port" yaml:"port"`
	CorsMode             CorsMode `json:"cors_mode" yaml:"cors_mode" validate:"oneof=simple advanced"`
	CorsOrigins          []string `json:"cors_origins,omitempty" yaml:"cors_origins,omitempty" validate:"dive,min=1"`
	CorsMethods          []string `json:"cors_methods,omitempty" yaml:"cors_methods,omitempty" validate:"dive,min=1"`
	CorsHeaders          []string `json:"cors_headers,omitempty" yaml:"cors_headers,omitempty" validate:"dive,min=1"`
	CorsMaxAge           int      `json:"cors_max_age" yaml:"cors_max_age" validate:"min=0"`
	ShowDirectoryListing bool     `json:"show_directory_listing" yaml:"show_directory_listing"`

	// Unlisted holds glob patterns for names hidden from directory listings.
	Unlisted    []string `json:"unlisted,omitempty" yaml:"unlisted,omitempty" validate:"dive,min=1"`
	Compression bool     `json:"compression" yaml:"compression"`
}

// DefaultServerConfig is what a fresh store hands out on first read.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:                 DefaultPort,
		CorsMode:             CorsSimple,
		CorsMaxAge:           DefaultCorsMaxAge,
		ShowDirectoryListing: true,
		Unlisted:             []string{".DS_Store", ".git"},
	}
}

// Clone returns a deep copy so the slices can't be shared between snapshots.
func (c ServerConfig) Clone() ServerConfig {
	out := c
	out.CorsOrigins = cloneStrings(c.CorsOrigins)
	out.CorsMethods = cloneStrings(c.CorsMethods)
	out.CorsHeaders = cloneStrings(c.CorsHeaders)
	out.Unlisted = cloneStrings(c.Unlisted)
	return out
}

// ConfigPatch is a partial ServerConfig; nil fields are left untouched.
type ConfigPatch struct {
	Port                 *int      `json:"port,omitempty" validate:"omitempty,min=0,max=65535"`
	CorsMode             *CorsMode `json:"cors_mode,omitempty" validate:"omitempty,oneof=simple advanced"`
	CorsOrigins          *[]string `json:"cors_origins,omitempty"`
	CorsMethods          *[]string `json:"cors_methods,omitempty"`
	CorsHeaders          *[]string `json:"cors_headers,omitempty"`
	CorsMaxAge           *int      `json:"cors_max_age,omitempty" validate:"omitempty,min=0"`
	ShowDirectoryListing *bool     `json:"show_directory_listing,omitempty"`
	Unlisted             *[]string `json:"unlisted,omitempty"`
	Compression          *bool     `json:"compression,omitempty"`
}

// Apply returns a copy of base with the patch's fields overlaid.
func (p ConfigPatch) Apply(base ServerConfig) ServerConfig {
	out := base.Clone()
	if p.Port != nil {
		out.Port = uint16(*p.Port)
	}
	if p.CorsMode != nil {
		out.CorsMode = *p.CorsMode
	}
	if p.CorsOrigins != nil {
		out.CorsOrigins = cloneStrings(*p.CorsOrigins)
	}
	if p.CorsMethods != nil {
		out.CorsMethods = cloneStrings(*p.CorsMethods)
	}
	if p.CorsHeaders != nil {
		out.CorsHeaders = cloneStrings(*p.CorsHeaders)
	}
	if p.CorsMaxAge != nil {
		out.CorsMaxAge = *p.CorsMaxAge
	}
	if p.ShowDirectoryListing != nil {
		out.ShowDirectoryListing = *p.ShowDirectoryListing
	}
	if p.Unlisted != nil {
		out.Unlisted = cloneStrings(*p.Unlisted)
	}
	if p.Compression != nil {
		out.Compression = *p.Compression
	}
	return out
}

// DirectoryMapping routes a URL prefix to a directory on disk.
type DirectoryMapping struct {
	ID          int64  `json:"id" yaml:"id"`
	VirtualPath string `json:"virtual_path" yaml:"virtual_path" validate:"required,virtualpath"`
	LocalPath   string `json:"local_path" yaml:"local_path" validate:"required"`
	Enabled     bool   `json:"enabled" yaml:"enabled"`
}

// MappingPatch is a partial DirectoryMapping used by updates.
type MappingPatch struct {
	VirtualPath *string `json:"virtual_path,omitempty"`
	LocalPath   *string `json:"local_path,omitempty"`
	Enabled     *bool   `json:"enabled,omitempty"`
}

// Apply overlays the patch onto m.
func (p MappingPatch) Apply(m DirectoryMapping) DirectoryMapping {
	if p.VirtualPath != nil {
		m.VirtualPath = *p.VirtualPath
	}
	if p.LocalPath != nil {
		m.LocalPath = *p.LocalPath
	}
	if p.Enabled != nil {
		m.Enabled = *p.Enabled
	}
	return m
}

type Status string

const (
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
)

// ServerState is the observable state reported to the control plane.
type ServerState struct {
	Status       Status     `json:"status"`
	Port         int        `json:"port"`
	MappingCount int        `json:"mapping_count"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
