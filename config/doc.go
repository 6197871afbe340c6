// Package config handles automation configuration loading and feature gating.
//
// Configuration is read from ~/.swarm/config.json (or a project-level
// .swarm/config.yaml) and SWARM_* environment variables. Anything missing or
// malformed resolves to the disabled "manual" mode rather than an error.
package config
