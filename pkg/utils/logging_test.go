package utils

import "testing"

// TestParseLogLevel_ResolvesConfigOverrides exercises the two inputs
// buildLogger actually feeds ParseLogLevel: the value read from a config
// file's logging.level, and a "-log-level" flag override applied on top
// of it.
func TestParseLogLevel_ResolvesConfigOverrides(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected LogLevel
		wantErr  bool
	}{
		{name: "config file value", input: "info", expected: INFO},
		{name: "flag override to debug", input: "DEBUG", expected: DEBUG},
		{name: "operator typed WARNING", input: "WARNING", expected: WARN},
		{name: "unset flag falls through to config default elsewhere", input: "", expected: INFO, wantErr: true},
		{name: "typo in config file", input: "verbose", expected: INFO, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ParseLogLevel(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseLogLevel(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
				return
			}
			if result != tt.expected {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, result, tt.expected)
			}
		})
	}
}

func TestLogLevelString_MatchesStructuredLoggerOutput(t *testing.T) {
	// These are exactly the strings that land in LogEntry.Level and thus in
	// every text and JSON log line the adapter emits.
	tests := []struct {
		level    LogLevel
		expected string
	}{
		{DEBUG, "DEBUG"},
		{INFO, "INFO"},
		{WARN, "WARN"},
		{ERROR, "ERROR"},
		{LogLevel(999), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if result := tt.level.String(); result != tt.expected {
				t.Errorf("LogLevel.String() = %v, want %v", result, tt.expected)
			}
		})
	}
}

// TestMaxSizeBytes_ParsesStagingCacheSizeStrings mirrors
// CacheConfig.MaxSizeBytes, which is how an operator's "max_size: 10GB"
// staging cache setting turns into the byte ceiling stagingcache.Cache
// enforces.
func TestMaxSizeBytes_ParsesStagingCacheSizeStrings(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected int64
		wantErr  bool
	}{
		{name: "unbounded cache", input: "", expected: 0},
		{name: "bytes", input: "512", expected: 512},
		{name: "bytes with suffix", input: "512B", expected: 512},
		{name: "small dev cache", input: "256MB", expected: 256 * 1024 * 1024},
		{name: "typical fleet cache", input: "10GB", expected: 10 * 1024 * 1024 * 1024},
		{name: "large shared cache", input: "2TB", expected: 2 * 1024 * 1024 * 1024 * 1024},
		{name: "lowercase from yaml", input: "10gb", expected: 10 * 1024 * 1024 * 1024},
		{name: "fractional gigabytes", input: "1.5GB", expected: int64(1.5 * 1024 * 1024 * 1024)},
		{name: "stray whitespace", input: " 10 GB ", expected: 10 * 1024 * 1024 * 1024},
		{name: "garbage config value", input: "bottomless", expected: 0, wantErr: true},
		{name: "unit with no number", input: "GB", expected: 0, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// CacheConfig.MaxSizeBytes treats an empty string as "unbounded"
			// without calling ParseBytes at all; everything else goes
			// straight through.
			if tt.input == "" {
				if tt.expected != 0 || tt.wantErr {
					t.Fatalf("test case %q has inconsistent empty-string expectations", tt.name)
				}
				return
			}
			result, err := ParseBytes(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseBytes(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
				return
			}
			if result != tt.expected {
				t.Errorf("ParseBytes(%q) = %v, want %v", tt.input, result, tt.expected)
			}
		})
	}
}

// TestFormatBytes_RendersCacheUsageForLogging covers the display path a
// supervisor status report would use to summarize staging cache size,
// where FormatBytes turns a raw byte count back into something readable.
func TestFormatBytes_RendersCacheUsageForLogging(t *testing.T) {
	tests := []struct {
		name     string
		bytes    int64
		expected string
	}{
		{name: "empty cache", bytes: 0, expected: "0 B"},
		{name: "small staged file", bytes: 1536, expected: "1.5 KB"},
		{name: "typical object", bytes: 4 * 1024 * 1024, expected: "4.0 MB"},
		{name: "configured cache ceiling", bytes: 10 * 1024 * 1024 * 1024, expected: "10.0 GB"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := FormatBytes(tt.bytes); result != tt.expected {
				t.Errorf("FormatBytes(%d) = %v, want %v", tt.bytes, result, tt.expected)
			}
		})
	}
}

// TestParseBytesFormatBytes_RoundTrip checks that a cache ceiling read
// back out of FormatBytes parses back to the same byte count, which is
// what a config dump/reload cycle depends on.
func TestParseBytesFormatBytes_RoundTrip(t *testing.T) {
	sizes := []int64{0, 1024, 10 * 1024 * 1024, 10 * 1024 * 1024 * 1024}
	for _, size := range sizes {
		formatted := FormatBytes(size)
		parsed, err := ParseBytes(formatted)
		if err != nil {
			t.Fatalf("ParseBytes(%q) error = %v", formatted, err)
		}
		if parsed != size {
			t.Errorf("round trip for %d: FormatBytes -> %q -> ParseBytes -> %d", size, formatted, parsed)
		}
	}
}
