// Package policy evaluates Rego admission policies against
// provisioning requests before the engine accepts them.
//
// Policies are Open Policy Agent modules whose deny rules yield
// violation objects with a message and a severity. Violations at
// error or critical severity reject the request; warnings are logged
// and the request proceeds. Two built-in policies ship with the
// engine: a machine-count ceiling derived from the template's
// maxNumber, and a required ownership-tag check.
//
// Additional policies load from .rego or .json files via the Loader,
// which can also watch those paths and hot-reload on change.
package policy
