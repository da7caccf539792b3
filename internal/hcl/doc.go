// Package hcl provides the HCL front-end for pipelines. It parses `variable`,
// `settings` and `rule` blocks, renders HCL template expressions into the
// canonical command syntax, and translates everything into a config.Model.
package hcl
