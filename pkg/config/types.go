package config

import (
	"time"
)

// ResourceConfig is one declared resource as it appears in a deployment file.
type ResourceConfig struct {
	// ID is the unique identifier for this resource (e.g., "web_vpc").
	ID string `json:"id" yaml:"id" validate:"required"`

	// Type is the resource type (e.g., "network.vpc", "db.instance").
	Type string `json:"type" yaml:"type" validate:"required"`

	// Properties is the desired configuration. String values may embed
	// references to other resources' attributes as "${<id>.<attribute>}".
	Properties map[string]interface{} `json:"properties,omitempty" yaml:"properties,omitempty"`

	// DependsOn lists explicit ordering dependencies by resource ID.
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`

	// Labels are key-value pairs for organizing and selecting resources.
	Labels map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// TypeConfig declares the change policy for one resource type.
type TypeConfig struct {
	// Type is the resource type tag.
	Type string `json:"type" yaml:"type" validate:"required"`

	// Immutable lists property names that force a replacement when changed.
	Immutable []string `json:"immutable,omitempty" yaml:"immutable,omitempty"`

	// CreateBeforeDestroy selects zero-downtime replacement ordering.
	CreateBeforeDestroy bool `json:"create_before_destroy,omitempty" yaml:"create_before_destroy,omitempty"`
}

// Deployment is a fully parsed deployment file.
type Deployment struct {
	// Name identifies the deployment.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Resources are the declared resources in file order.
	Resources []ResourceConfig `json:"resources" yaml:"resources" validate:"required,dive"`

	// Types are the per-type change policies.
	Types []TypeConfig `json:"types,omitempty" yaml:"types,omitempty" validate:"dive"`

	// SourceFiles lists the files the deployment was loaded from.
	SourceFiles []string `json:"-" yaml:"-"`

	// ParsedAt is when the deployment was loaded.
	ParsedAt time.Time `json:"-" yaml:"-"`
}

// ValidationError describes one problem found while loading a deployment.
type ValidationError struct {
	// File is the source file the error was found in.
	File string `json:"file,omitempty"`

	// Field is the offending field path, when known.
	Field string `json:"field,omitempty"`

	// Message describes the problem.
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	if e.File != "" && e.Field != "" {
		return e.File + ": " + e.Field + ": " + e.Message
	}
	if e.File != "" {
		return e.File + ": " + e.Message
	}
	return e.Message
}
