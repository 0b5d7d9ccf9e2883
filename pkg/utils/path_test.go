package utils

import (
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

// TestValidatePath_MountPaths mirrors config.Validate, which calls
// ValidatePath(m.Path, true) on every mount entry in the YAML file — mount
// paths are always absolute, so allowAbsolute is always true at that call
// site.
func TestValidatePath_MountPaths(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		path        string
		wantErr     bool
		errContains string
	}{
		{name: "typical mount point", path: "/mnt/data", wantErr: false},
		{name: "nested mount point", path: "/srv/fuseadapter/bucket-a", wantErr: false},
		{name: "relative path still accepted when absolute is allowed", path: "mnt/data", wantErr: false},
		{name: "traversal in the mount path", path: "/mnt/../etc", wantErr: true, errContains: "directory traversal"},
		{name: "empty mount path", path: "", wantErr: true, errContains: "cannot be empty"},
		{name: "mount path with dots that aren't traversal", path: "/mnt/data.v2", wantErr: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePath(tt.path, true)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePath(%q, true) error = %v, wantErr %v", tt.path, err, tt.wantErr)
				return
			}
			if tt.wantErr && tt.errContains != "" {
				if err == nil || !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("ValidatePath(%q, true) error = %v, should contain %q", tt.path, err, tt.errContains)
				}
			}
		})
	}
}

// TestValidatePath_RejectsAbsoluteWhenNotAMountPath covers the
// allowAbsolute=false branch, used anywhere a path is expected to stay
// relative to a caller-supplied base rather than be an independent mount
// point.
func TestValidatePath_RejectsAbsoluteWhenNotAMountPath(t *testing.T) {
	t.Parallel()

	if err := ValidatePath("/etc/fuseadapter.yaml", false); err == nil {
		t.Error("expected an absolute path to be rejected when allowAbsolute is false")
	} else if !strings.Contains(err.Error(), "absolute paths not allowed") {
		t.Errorf("error = %v, want mention of absolute paths", err)
	}

	if err := ValidatePath("config/mounts.yaml", false); err != nil {
		t.Errorf("relative path rejected unexpectedly: %v", err)
	}
}

// TestValidatePathWithinBase_StagingDirectoryConfinement exercises the
// primitive SecureJoin builds on: a staging cache directory must never let
// a derived path resolve outside itself, the same property
// stagingcache.stagingPathFor depends on for every write.
func TestValidatePathWithinBase_StagingDirectoryConfinement(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		base        string
		path        string
		wantErr     bool
		errContains string
	}{
		{name: "hashed staging filename", base: "/var/cache/fuseadapter", path: "a1b2c3d4e5f6a7b8.staging", wantErr: false},
		{name: "absolute staging path within base", base: "/var/cache/fuseadapter", path: "/var/cache/fuseadapter/a1b2c3d4e5f6a7b8.staging", wantErr: false},
		{name: "base equals path", base: "/var/cache/fuseadapter", path: "/var/cache/fuseadapter", wantErr: false},
		{name: "a misconfigured cache dir escaping via ..", base: "/var/cache/fuseadapter", path: "../../etc/passwd", wantErr: true, errContains: "escapes base directory"},
		{name: "absolute path pointing outside the cache dir", base: "/var/cache/fuseadapter", path: "/etc/passwd", wantErr: true, errContains: "outside base directory"},
		{name: "unset cache dir", base: "", path: "a1b2c3d4e5f6a7b8.staging", wantErr: true, errContains: "base path cannot be empty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if runtime.GOOS == "windows" && strings.HasPrefix(tt.base, "/") {
				t.Skip("Skipping Unix path test on Windows")
			}

			err := ValidatePathWithinBase(tt.base, tt.path)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePathWithinBase(%q, %q) error = %v, wantErr %v", tt.base, tt.path, err, tt.wantErr)
				return
			}
			if tt.wantErr && tt.errContains != "" {
				if err == nil || !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("ValidatePathWithinBase() error = %v, should contain %q", err, tt.errContains)
				}
			}
		})
	}
}

// TestSecureJoin_HashedStagingFilenames mirrors
// stagingcache.stagingPathFor: join a SHA-256-derived ".staging" filename
// onto the configured cache directory, as a defense against the
// directory itself ever being configured to resolve somewhere it
// shouldn't.
func TestSecureJoin_HashedStagingFilenames(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		base        string
		elements    []string
		wantErr     bool
		errContains string
		wantPrefix  string
	}{
		{
			name:       "staging file under the cache dir",
			base:       "/var/cache/fuseadapter",
			elements:   []string{"a1b2c3d4e5f6a7b8.staging"},
			wantErr:    false,
			wantPrefix: "/var/cache/fuseadapter",
		},
		{
			name:        "empty cache dir in config",
			base:        "",
			elements:    []string{"a1b2c3d4e5f6a7b8.staging"},
			wantErr:     true,
			errContains: "base path cannot be empty",
		},
		{
			name:        "a hand-edited staging index entry trying to escape",
			base:        "/var/cache/fuseadapter",
			elements:    []string{"..", "..", "etc", "passwd"},
			wantErr:     true,
			errContains: "escapes base directory",
		},
		{
			name:       "cache dir with a trailing current-directory segment",
			base:       "/var/cache/fuseadapter",
			elements:   []string{".", "a1b2c3d4e5f6a7b8.staging"},
			wantErr:    false,
			wantPrefix: "/var/cache/fuseadapter",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if runtime.GOOS == "windows" && strings.HasPrefix(tt.base, "/") {
				t.Skip("Skipping Unix path test on Windows")
			}

			result, err := SecureJoin(tt.base, tt.elements...)
			if (err != nil) != tt.wantErr {
				t.Errorf("SecureJoin() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if tt.wantErr && tt.errContains != "" {
				if err == nil || !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("SecureJoin() error = %v, should contain %q", err, tt.errContains)
				}
			}
			if !tt.wantErr && tt.wantPrefix != "" {
				cleanPrefix := filepath.Clean(tt.wantPrefix)
				if !strings.HasPrefix(result, cleanPrefix) {
					t.Errorf("SecureJoin() result = %v, should start with %v", result, cleanPrefix)
				}
			}
		})
	}
}

func BenchmarkValidatePath(b *testing.B) {
	paths := []string{"/mnt/data", "/mnt/../etc", "mnt/data", "/srv/fuseadapter/bucket-a"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = ValidatePath(paths[i%len(paths)], true)
	}
}

func BenchmarkSecureJoin(b *testing.B) {
	base := "/var/cache/fuseadapter"
	elements := []string{"a1b2c3d4e5f6a7b8.staging"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = SecureJoin(base, elements...)
	}
}

// TestCrossPlatform_StagingCacheUnderATempDir runs the same confinement
// checks against a real temp directory rather than a hardcoded Unix path,
// so it exercises both platforms' filepath.Separator handling.
func TestCrossPlatform_StagingCacheUnderATempDir(t *testing.T) {
	t.Parallel()

	cacheDir := t.TempDir()

	if err := ValidatePathWithinBase(cacheDir, "a1b2c3d4e5f6a7b8.staging"); err != nil {
		t.Errorf("ValidatePathWithinBase() with temp cache dir failed: %v", err)
	}

	if err := ValidatePathWithinBase(cacheDir, "../outside/file.staging"); err == nil {
		t.Error("ValidatePathWithinBase() should reject a staging path escaping the cache dir")
	}

	result, err := SecureJoin(cacheDir, "a1b2c3d4e5f6a7b8.staging")
	if err != nil {
		t.Errorf("SecureJoin() with temp cache dir failed: %v", err)
	}
	if !strings.HasPrefix(result, cacheDir) {
		t.Errorf("SecureJoin() result %v doesn't start with cache dir %v", result, cacheDir)
	}
}
