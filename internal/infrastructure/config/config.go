// Package config reads the server's key/value configuration file. The
// file format is the flat "key value [# comment]" form from the original
// C++ ConfigReader, not standard ini syntax, so each line is normalized
// into "key=value" before being handed to ini.v1.
package config

import (
	"os"
	"strings"

	"gopkg.in/ini.v1"
)

// Config holds the three recognized keys; everything else in the file
// is ignored. Missing keys keep their defaults.
type Config struct {
	Port       int    `ini:"port"`
	BufferSize int    `ini:"buffer_size"`
	LogLevel   string `ini:"log_level"`
}

func defaults() *Config {
	return &Config{Port: 1080, BufferSize: 8192, LogLevel: "info"}
}

// Load reads and parses path, returning defaults for any key it omits.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	iniFile, err := ini.Load(normalize(raw))
	if err != nil {
		return nil, err
	}

	cfg := defaults()
	if err := iniFile.MapTo(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// normalize rewrites the original whitespace-delimited, '#'-commented
// format into ini.v1's "key=value" syntax, one setting per line.
func normalize(raw []byte) []byte {
	var out []string
	for _, line := range strings.Split(string(raw), "\n") {
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = line[:idx]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		key := fields[0]
		value := strings.Join(fields[1:], " ")
		out = append(out, key+"="+value)
	}
	return []byte(strings.Join(out, "\n"))
}
