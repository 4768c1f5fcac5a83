// Package config loads deployment declarations and engine settings.
// Deployments are written in CUE or YAML; CUE files get full constraint
// evaluation before decoding. Engine settings come from a YAML file with
// defaults for everything omitted.
package config
