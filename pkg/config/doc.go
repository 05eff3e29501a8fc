/*
Package config parses the flat string-keyed option map into a single
validated Config struct with defaults applied once at construction.

Options may come from a Go map (FromMap) or a YAML file (FromYAML). Unknown
keys are rejected. Derived defaults: the hard element limit defaults to
twice the main-queue target size, and the minimum dwell to one tenth of the
cycle time. Bare integer durations are interpreted as milliseconds.
*/
package config
