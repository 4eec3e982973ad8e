// Package config loads, normalizes, and validates anatprep configuration data.
//
// A study is identified by its root directory (the one holding rawdata/,
// derivatives/, and code/). Settings live in code/anatprep.toml; studies set
// up with the earlier tooling keep a code/anatprep_config.yml which is read
// when no TOML file exists. Environment fallbacks such as FS_LICENSE and
// MATLAB_CMD fill gaps left by the file.
//
// Always obtain settings through this package so stage code receives
// expanded paths, defaulted tool commands, and clear validation errors.
package config
