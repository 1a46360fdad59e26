// Package template turns named machine templates into the concrete
// payloads sent to backend strategies.
//
// A template combines declarative base attributes with optional raw
// specs, supplied inline or as file references. Raw specs are rendered
// through text/template with the sprig filter set, then merged onto
// the base attributes according to the template's merge mode. The
// resolved payload is structurally validated against a per-backend CUE
// schema before it leaves the package.
//
// Store loads templates from YAML configuration, caches them, and can
// watch the configuration path for changes.
package template
