// Package config provides centralized configuration management for the
// GuardSign daemon, covering the REST listener, storage and queue backends,
// the vault and simulator collaborators, chain definitions, and the
// authentication surface. Values are loaded from a JSON file with sensible
// defaults applied for anything left unset.
package config
