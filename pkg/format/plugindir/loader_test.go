package plugindir

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataplane-io/strata/pkg/config"
	"github.com/dataplane-io/strata/pkg/format"
	"github.com/dataplane-io/strata/pkg/strataerrors"
)

func TestCompatibilityMatrix(t *testing.T) {
	host := "1.2.0"
	tests := []struct {
		plugin string
		policy config.VersionCompatibility
		ok     bool
	}{
		// Same version passes every policy.
		{"1.2.0", config.CompatExact, true},
		{"1.2.0", config.CompatMajor, true},
		{"1.2.0", config.CompatMinor, true},
		{"1.2.0", config.CompatAny, true},

		// Different major fails everything but any.
		{"2.0.0", config.CompatExact, false},
		{"2.0.0", config.CompatMajor, false},
		{"2.0.0", config.CompatMinor, false},
		{"2.0.0", config.CompatAny, true},

		// Same major, different minor passes major only.
		{"1.3.0", config.CompatExact, false},
		{"1.3.0", config.CompatMajor, true},
		{"1.3.0", config.CompatMinor, false},

		// Same major and minor, different patch passes major and minor.
		{"1.2.9", config.CompatExact, false},
		{"1.2.9", config.CompatMajor, true},
		{"1.2.9", config.CompatMinor, true},

		// An unset policy behaves as major.
		{"1.3.0", "", true},
		{"2.0.0", "", false},
	}

	for _, tt := range tests {
		err := Compatible(tt.policy, host, tt.plugin)
		if tt.ok {
			assert.NoError(t, err, "plugin %s policy %s", tt.plugin, tt.policy)
		} else {
			require.Error(t, err, "plugin %s policy %s", tt.plugin, tt.policy)
			assert.True(t, strataerrors.IsType(err, strataerrors.ErrorTypePluginVersion))
		}
	}
}

func TestCompatibleRejectsGarbageVersions(t *testing.T) {
	err := Compatible(config.CompatMajor, "1.2.0", "not-a-version")
	require.Error(t, err)
	assert.True(t, strataerrors.IsType(err, strataerrors.ErrorTypePluginVersion))
}

func TestFingerprintChangesWithContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fmt.so")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))

	fp1, err := fingerprint(path)
	require.NoError(t, err)

	// Size change alone must flip the fingerprint even with an equal
	// mtime granularity.
	require.NoError(t, os.WriteFile(path, []byte("v2-longer"), 0o644))
	fp2, err := fingerprint(path)
	require.NoError(t, err)
	assert.NotEqual(t, fp1, fp2)
}

func newTestLoader(t *testing.T, dir string) *Loader {
	t.Helper()
	return NewLoader(format.NewRegistry(), config.PluginConfig{
		Enabled:           true,
		Dir:               dir,
		LoadTimeout:       time.Second,
		HotReloadInterval: time.Hour,
		Compatibility:     config.CompatMajor,
	})
}

func TestScanMissingDirectory(t *testing.T) {
	l := newTestLoader(t, filepath.Join(t.TempDir(), "nope"))
	err := l.Scan(context.Background())
	require.Error(t, err)
	assert.True(t, strataerrors.IsType(err, strataerrors.ErrorTypeNotFound))
}

func TestScanIgnoresNonPluginFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("docs"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.so"), 0o755))

	l := newTestLoader(t, dir)
	require.NoError(t, l.Scan(context.Background()))
	assert.Empty(t, l.Entries())
}

func TestScanIsolatesBadPlugins(t *testing.T) {
	dir := t.TempDir()
	// Not a real shared object; the open fails and must be contained.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.so"), []byte("junk"), 0o644))

	l := newTestLoader(t, dir)
	require.NoError(t, l.Scan(context.Background()), "one bad plugin must not fail the scan")
	assert.Empty(t, l.Entries())
}

func TestRescanUnchangedDirIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.so"), []byte("junk"), 0o644))

	l := newTestLoader(t, dir)
	require.NoError(t, l.Scan(context.Background()))
	first := l.Entries()

	// No filesystem change: the second scan must not reload anything.
	require.NoError(t, l.Scan(context.Background()))
	assert.Equal(t, first, l.Entries())

	l.mu.Lock()
	lp := l.loaded[filepath.Join(dir, "broken.so")]
	l.mu.Unlock()
	require.NotNil(t, lp)
	assert.True(t, lp.failed, "failure is remembered, not retried per tick")
}
